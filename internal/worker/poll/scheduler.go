package poll

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hitoshi/friendtracker/internal/metrics"
)

// MinInterval はポーリング間隔の下限。
const MinInterval = time.Second

// PassRunner は1回のパスの実行インターフェース。
type PassRunner interface {
	RunPass(ctx context.Context) (PassResult, error)
}

// Scheduler はパスを一定間隔で起動する。
// 同時に実行されるパスは常に1つまでで、実行中に来たティックは破棄する（キューに積まない）。
type Scheduler struct {
	runner   PassRunner
	interval time.Duration
	logger   *slog.Logger
	metrics  metrics.MetricsCollector

	running atomic.Bool
	wg      sync.WaitGroup
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
// intervalがMinIntervalより短い場合はMinIntervalを使用する。
func NewScheduler(runner PassRunner, interval time.Duration, logger *slog.Logger, collector metrics.MetricsCollector) *Scheduler {
	if interval < MinInterval {
		interval = MinInterval
	}
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Scheduler{
		runner:   runner,
		interval: interval,
		logger:   logger,
		metrics:  collector,
	}
}

// Interval は実際に使用するポーリング間隔を返す。
func (s *Scheduler) Interval() time.Duration {
	return s.interval
}

// Start は起動直後に1回パスを実行し、以降はティックごとにパスを起動する。
// コンテキストがキャンセルされるとティッカーを止め、実行中のパスの完了を待ってから戻る。
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("ポーリングスケジューラを開始しました",
		slog.Duration("interval", s.interval),
	)

	s.trigger(ctx)

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			s.logger.Info("ポーリングスケジューラを停止しました")
			return
		case <-ticker.C:
			s.trigger(ctx)
		}
	}
}

// TryRunPass はパスが実行中でなければ同期的に1回実行してtrueを返す。
// 実行中の場合は何もせずfalseを返す。
func (s *Scheduler) TryRunPass(ctx context.Context) bool {
	if !s.acquire() {
		return false
	}
	defer s.running.Store(false)

	s.runPass(ctx)
	return true
}

// trigger はパスをバックグラウンドで起動する。実行中の場合はティックを破棄する。
func (s *Scheduler) trigger(ctx context.Context) {
	if !s.acquire() {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.running.Store(false)
		s.runPass(ctx)
	}()
}

func (s *Scheduler) acquire() bool {
	if s.running.CompareAndSwap(false, true) {
		return true
	}
	s.metrics.RecordDroppedTick()
	s.logger.Debug("前回のパスが実行中のためティックをスキップしました")
	return false
}

// runPass はシャットダウンのキャンセルから切り離したコンテキストでパスを実行する。
// 各API呼び出しのタイムアウトは引き続き有効。
func (s *Scheduler) runPass(ctx context.Context) {
	result, err := s.runner.RunPass(context.WithoutCancel(ctx))
	if err != nil {
		s.logger.Error("ポーリングパスの実行に失敗しました",
			slog.String("error", err.Error()),
		)
		return
	}

	s.logger.Info("ポーリングパスが完了しました",
		slog.Int("subject_count", result.Subjects),
		slog.Int("changed_count", result.Changed),
		slog.Int("unchanged_count", result.Unchanged),
		slog.Int("fetch_failed_count", result.FetchFailed),
		slog.Int("store_failed_count", result.StoreFailed),
		slog.Float64("duration_ms", float64(result.Duration.Milliseconds())),
	)
}
