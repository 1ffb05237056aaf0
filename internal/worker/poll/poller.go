// Package poll は追跡対象のフレンド一覧を定期的に再取得し、変更を記録・通知するワーカーを提供する。
// 1回のパスを実行するPollerと、パスを一定間隔で起動するSchedulerを含む。
package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/friendtracker/internal/metrics"
	"github.com/hitoshi/friendtracker/internal/model"
	"github.com/hitoshi/friendtracker/internal/repository"
	"github.com/hitoshi/friendtracker/internal/tracker"
)

// FriendFetcher は現在のフレンド一覧の取得元。
type FriendFetcher interface {
	FetchFriends(ctx context.Context, userID model.UserID) ([]model.FriendRecord, error)
}

// Broadcaster は変更通知の配信先。配信の成否は呼び出し元に返さない。
type Broadcaster interface {
	Broadcast(msg model.BroadcastMessage)
}

// PassResult は1回のパスの集計結果。
type PassResult struct {
	Subjects    int
	Unchanged   int
	Changed     int
	FetchFailed int
	StoreFailed int
	// Vanished はパス中に登録解除されたため書き込みを行わなかった件数。
	Vanished int
	Duration time.Duration
}

// Poller は全追跡対象を1回ずつチェックする。
type Poller struct {
	repo        repository.TrackedRepository
	fetcher     FriendFetcher
	broadcaster Broadcaster
	metrics     metrics.MetricsCollector
	logger      *slog.Logger
	now         func() time.Time
}

// NewPoller はPollerの新しいインスタンスを生成する。
// collectorがnilの場合はメトリクスを記録しない。
func NewPoller(
	repo repository.TrackedRepository,
	fetcher FriendFetcher,
	broadcaster Broadcaster,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
) *Poller {
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Poller{
		repo:        repo,
		fetcher:     fetcher,
		broadcaster: broadcaster,
		metrics:     collector,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// RunPass はパス開始時点の追跡対象一覧を順にチェックする。
// 個々の対象の失敗はパスを中断せず、集計結果に反映する。
// エラーを返すのは一覧の取得に失敗した場合のみ。
func (p *Poller) RunPass(ctx context.Context) (PassResult, error) {
	start := time.Now()

	subjects, err := p.repo.List(ctx)
	if err != nil {
		return PassResult{}, fmt.Errorf("追跡対象一覧の取得に失敗しました: %w", err)
	}

	result := PassResult{Subjects: len(subjects)}
	for _, subject := range subjects {
		switch p.CheckSubject(ctx, subject) {
		case metrics.ResultUnchanged:
			result.Unchanged++
		case metrics.ResultChanged:
			result.Changed++
		case metrics.ResultFetchError:
			result.FetchFailed++
		case metrics.ResultStoreError:
			result.StoreFailed++
		default:
			result.Vanished++
		}
	}

	result.Duration = time.Since(start)
	p.metrics.RecordPass(result.Duration)
	return result, nil
}

// CheckSubject は1件の追跡対象のフレンド一覧を再取得して差分を記録する。
// 戻り値はmetrics.Result*のいずれか。パス中に登録解除されていた場合は空文字列。
//
// 取得に失敗した場合は状態を一切変更しない。
// 差分がある場合はイベントを追加順（added→removed）に同一時刻で追記し、
// 保存の成否に関わらず1回だけ通知を配信する。
func (p *Poller) CheckSubject(ctx context.Context, subject *model.TrackedSubject) string {
	userID := subject.UserID

	current, err := p.fetcher.FetchFriends(ctx, userID)
	if err != nil {
		p.logger.Warn("フレンド一覧の取得に失敗しました",
			slog.String("user_id", userID.String()),
			slog.String("error", err.Error()),
		)
		p.metrics.RecordSubjectCheck(metrics.ResultFetchError)
		return metrics.ResultFetchError
	}
	if current == nil {
		current = []model.FriendRecord{}
	}

	delta := tracker.Diff(subject.Friends, current)
	now := p.now()

	updated := subject.Clone()
	updated.LastChecked = &now
	if !delta.Empty() {
		for _, f := range delta.Added {
			updated.Events = append(updated.Events, model.ChangeEvent{When: now, Type: model.ChangeAdded, Friend: f})
			p.logger.Debug("フレンドが追加されました",
				slog.String("user_id", userID.String()),
				slog.String("friend_id", f.ID.String()),
				slog.String("friend_name", f.Name),
			)
		}
		for _, f := range delta.Removed {
			updated.Events = append(updated.Events, model.ChangeEvent{When: now, Type: model.ChangeRemoved, Friend: f})
			p.logger.Debug("フレンドが削除されました",
				slog.String("user_id", userID.String()),
				slog.String("friend_id", f.ID.String()),
				slog.String("friend_name", f.Name),
			)
		}
		updated.Friends = current
	}

	result := metrics.ResultUnchanged
	if !delta.Empty() {
		result = metrics.ResultChanged
	}

	if err := p.repo.Update(ctx, updated, subject.LastChecked); err != nil {
		if errors.Is(err, model.ErrSubjectNotTracked) {
			p.logger.Debug("パス中に追跡が解除されたため書き込みをスキップしました",
				slog.String("user_id", userID.String()),
			)
			return ""
		}
		p.logger.Error("追跡状態の保存に失敗しました",
			slog.String("user_id", userID.String()),
			slog.String("error", err.Error()),
		)
		result = metrics.ResultStoreError
	}
	p.metrics.RecordSubjectCheck(result)

	if delta.Empty() {
		return result
	}

	p.metrics.RecordFriendChanges(len(delta.Added), len(delta.Removed))
	p.logger.Info("フレンド一覧の変更を検出しました",
		slog.String("user_id", userID.String()),
		slog.Int("added_count", len(delta.Added)),
		slog.Int("removed_count", len(delta.Removed)),
	)
	p.broadcaster.Broadcast(model.BroadcastMessage{
		Type:     model.MessageTypeFriendChange,
		UserID:   userID,
		Username: updated.Username,
		When:     now,
		Added:    delta.Added,
		Removed:  delta.Removed,
	})

	return result
}
