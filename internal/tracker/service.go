package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hitoshi/friendtracker/internal/model"
	"github.com/hitoshi/friendtracker/internal/repository"
)

// FriendSource はフレンド情報の取得元。
// 失敗時は *model.NotFoundError または *model.UpstreamError を返す。
type FriendSource interface {
	ResolveUsername(ctx context.Context, username string) (model.UserID, error)
	FetchFriends(ctx context.Context, userID model.UserID) ([]model.FriendRecord, error)
}

// RegisterInput は追跡登録の入力。UserIDとUsernameの少なくとも一方が必要。
// 両方指定された場合はUserIDを使用し、Usernameは表示用ヒントとして保存する。
type RegisterInput struct {
	UserID   *model.UserID
	Username *string
}

// Service は追跡対象の登録・解除・参照のサービス層。
type Service struct {
	repo   repository.TrackedRepository
	source FriendSource
	logger *slog.Logger
	now    func() time.Time

	// 同一ユーザーの同時登録を1回の上流取得にまとめる
	group singleflight.Group
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(repo repository.TrackedRepository, source FriendSource, logger *slog.Logger) *Service {
	return &Service{
		repo:   repo,
		source: source,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

type registerResult struct {
	subject *model.TrackedSubject
	created bool
}

// Register はユーザーを追跡対象として登録する。
// 既に追跡中の場合は既存の状態をそのまま返し、createdはfalseになる。
// 新規登録時は現在のフレンド一覧を取得して初期スナップショットとする。
func (s *Service) Register(ctx context.Context, in RegisterInput) (*model.TrackedSubject, bool, error) {
	var username string
	if in.Username != nil {
		username = strings.TrimSpace(*in.Username)
	}
	if in.UserID == nil && username == "" {
		return nil, false, model.NewMissingSubjectError()
	}
	if in.UserID != nil && *in.UserID <= 0 {
		return nil, false, model.NewInvalidUserIDError(in.UserID.String())
	}

	var userID model.UserID
	if in.UserID != nil {
		userID = *in.UserID
	} else {
		resolved, err := s.source.ResolveUsername(ctx, username)
		if err != nil {
			return nil, false, fmt.Errorf("ユーザー名の解決に失敗しました: %w", err)
		}
		userID = resolved
	}

	// 同じユーザーへの同時登録は1回にまとめる。呼び出し元のキャンセルは伝播させず、
	// 上流呼び出しはクライアントのタイムアウトで打ち切る
	flightCtx := context.WithoutCancel(ctx)
	v, err, _ := s.group.Do(userID.String(), func() (any, error) {
		return s.register(flightCtx, userID, username)
	})
	if err != nil {
		return nil, false, err
	}
	res := v.(registerResult)
	return res.subject.Clone(), res.created, nil
}

func (s *Service) register(ctx context.Context, userID model.UserID, username string) (registerResult, error) {
	existing, err := s.repo.Get(ctx, userID)
	if err != nil {
		return registerResult{}, fmt.Errorf("追跡状態の取得に失敗しました: %w", err)
	}
	if existing != nil {
		return registerResult{subject: existing}, nil
	}

	friends, err := s.source.FetchFriends(ctx, userID)
	if err != nil {
		return registerResult{}, fmt.Errorf("初期フレンド一覧の取得に失敗しました: %w", err)
	}
	if friends == nil {
		friends = []model.FriendRecord{}
	}

	now := s.now()
	subject := &model.TrackedSubject{
		UserID:      userID,
		Friends:     friends,
		Events:      []model.ChangeEvent{},
		LastChecked: &now,
	}
	if username != "" {
		subject.Username = &username
	}

	if err := s.repo.Upsert(ctx, subject); err != nil {
		return registerResult{}, fmt.Errorf("追跡対象の保存に失敗しました: %w", err)
	}

	s.logger.Info("追跡を開始しました",
		slog.String("user_id", userID.String()),
		slog.String("username", username),
		slog.Int("friend_count", len(friends)),
	)
	return registerResult{subject: subject, created: true}, nil
}

// Unregister は追跡を解除する。追跡されていない場合もエラーにしない。
func (s *Service) Unregister(ctx context.Context, userID model.UserID) error {
	if err := s.repo.Remove(ctx, userID); err != nil {
		return fmt.Errorf("追跡対象の削除に失敗しました: %w", err)
	}
	s.logger.Info("追跡を解除しました", slog.String("user_id", userID.String()))
	return nil
}

// List は全追跡対象を登録順で返す。
func (s *Service) List(ctx context.Context) ([]*model.TrackedSubject, error) {
	subjects, err := s.repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("追跡対象一覧の取得に失敗しました: %w", err)
	}
	if subjects == nil {
		subjects = []*model.TrackedSubject{}
	}
	return subjects, nil
}

// Friends は追跡対象の最新フレンドスナップショットを返す。
func (s *Service) Friends(ctx context.Context, userID model.UserID) ([]model.FriendRecord, error) {
	subject, err := s.get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if subject.Friends == nil {
		return []model.FriendRecord{}, nil
	}
	return subject.Friends, nil
}

// Events は追跡対象のイベントログを古い順に返す。
func (s *Service) Events(ctx context.Context, userID model.UserID) ([]model.ChangeEvent, error) {
	subject, err := s.get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if subject.Events == nil {
		return []model.ChangeEvent{}, nil
	}
	return subject.Events, nil
}

func (s *Service) get(ctx context.Context, userID model.UserID) (*model.TrackedSubject, error) {
	subject, err := s.repo.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("追跡状態の取得に失敗しました: %w", err)
	}
	if subject == nil {
		return nil, model.NewNotTrackedError()
	}
	return subject, nil
}
