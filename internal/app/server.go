package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/friendtracker/internal/config"
	"github.com/hitoshi/friendtracker/internal/database"
	"github.com/hitoshi/friendtracker/internal/handler"
	"github.com/hitoshi/friendtracker/internal/metrics"
	"github.com/hitoshi/friendtracker/internal/middleware"
	"github.com/hitoshi/friendtracker/internal/notify"
	"github.com/hitoshi/friendtracker/internal/repository"
	"github.com/hitoshi/friendtracker/internal/roblox"
	"github.com/hitoshi/friendtracker/internal/security"
	"github.com/hitoshi/friendtracker/internal/tracker"
	"github.com/hitoshi/friendtracker/internal/worker/poll"
)

// Server はHTTP API・購読者チャネル・ポーリングスケジューラをまとめたプロセス本体。
// 変更通知はプロセス内の購読者に配信するため、全て同一プロセスで動かす。
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	db          *sql.DB
	repo        repository.TrackedRepository
	hub         *notify.Hub
	scheduler   *poll.Scheduler
	rateLimiter *middleware.RateLimiter
	handler     http.Handler
}

// Option はNewServerの挙動を変更する。
type Option func(*serverOptions)

type serverOptions struct {
	upstreamClient *http.Client
	registry       *prometheus.Registry
}

// WithUpstreamClient はRoblox API呼び出しに使うHTTPクライアントを差し替える。
// 指定した場合、エンドポイントの検証は行わない。
func WithUpstreamClient(c *http.Client) Option {
	return func(o *serverOptions) { o.upstreamClient = c }
}

// WithRegistry はメトリクスの登録先を差し替える。
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *serverOptions) { o.registry = reg }
}

// NewServer は設定に従って全依存関係をワイヤリングする。
func NewServer(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Server, error) {
	var o serverOptions
	for _, opt := range opts {
		opt(&o)
	}

	s := &Server{cfg: cfg, logger: logger}

	// 1. ストアの初期化
	if err := s.openStore(); err != nil {
		return nil, err
	}

	// 2. 上流APIクライアントの初期化
	httpClient := o.upstreamClient
	if httpClient == nil {
		for _, endpoint := range []string{cfg.RobloxUsersAPIURL, cfg.RobloxFriendsAPIURL} {
			if err := security.ValidateEndpoint(endpoint); err != nil {
				s.Close()
				return nil, fmt.Errorf("invalid upstream endpoint: %w", err)
			}
		}
		httpClient = security.NewUpstreamClient(cfg.FetchTimeout)
	}
	client := roblox.NewClient(httpClient, logger, roblox.Options{
		UsersBaseURL:   cfg.RobloxUsersAPIURL,
		FriendsBaseURL: cfg.RobloxFriendsAPIURL,
		Timeout:        cfg.FetchTimeout,
		RateLimit:      cfg.UpstreamRateLimit,
	})

	// 3. メトリクスの初期化
	registry := o.registry
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	collector := metrics.NewCollector(registry)

	// 4. ドメインサービスと配信の初期化
	service := tracker.NewService(s.repo, client, logger)
	s.hub = notify.NewHub(logger, collector)

	poller := poll.NewPoller(s.repo, client, s.hub, collector, logger)
	s.scheduler = poll.NewScheduler(poller, cfg.PollInterval, logger, collector)

	wsOpts := notify.DefaultWSOptions()
	wsOpts.AllowedOrigin = cfg.CORSAllowedOrigin

	// 5. ルーターの構築
	s.rateLimiter = middleware.NewRateLimiter(
		middleware.NewRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitTrack),
	)
	s.handler = handler.NewRouter(&handler.RouterDeps{
		Logger:            logger,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       s.rateLimiter,
		TrackerService:    service,
		Subscribe:         notify.NewWSHandler(s.hub, service, logger, wsOpts),
		Metrics:           metrics.Handler(registry),
	})

	return s, nil
}

// openStore は設定されたバックエンドのストアを開く。
func (s *Server) openStore() error {
	switch s.cfg.StoreBackend {
	case config.BackendFile:
		repo, err := repository.NewFileTrackedRepo(s.cfg.DataFile)
		if err != nil {
			return fmt.Errorf("failed to open data file: %w", err)
		}
		s.repo = repo
		s.logger.Info("file store opened", slog.String("path", s.cfg.DataFile))
		return nil

	case config.BackendPostgres:
		db, err := database.Open(s.cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		if err := database.Ping(db, 5*time.Second); err != nil {
			db.Close()
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := database.RunMigrations(s.cfg.DatabaseURL); err != nil {
			db.Close()
			return fmt.Errorf("migration failed: %w", err)
		}
		s.db = db
		s.repo = repository.NewPostgresTrackedRepo(db)
		s.logger.Info("database connection established")
		return nil

	default:
		return fmt.Errorf("unknown store backend: %q", s.cfg.StoreBackend)
	}
}

// Handler はHTTPハンドラーを返す。
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ListenAndServe は設定されたポートで待ち受け、ctxがキャンセルされるまでブロックする。
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", ":"+s.cfg.ServerPort)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve はリスナーでHTTPサーバーを、同時にポーリングスケジューラを起動する。
// ctxがキャンセルされると、実行中のパスの完了を待ち、購読者を切断し、HTTPサーバーを停止する。
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	server := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("API server starting", slog.String("addr", ln.Addr().String()))
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		s.logger.Info("poll scheduler starting", slog.Duration("interval", s.scheduler.Interval()))
		s.scheduler.Start(gctx)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("shutting down server...")

		timeout := s.cfg.ShutdownTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		s.hub.Close()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// Close はServerが保持するリソースを解放する。
func (s *Server) Close() error {
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
