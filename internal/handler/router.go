package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/friendtracker/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger *slog.Logger

	// ミドルウェア依存
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter

	// 追跡
	TrackerService TrackerServiceInterface

	// 購読者チャネル（WebSocket）
	Subscribe http.Handler

	// GET /metrics。nilの場合はルートを登録しない
	Metrics http.Handler
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → SecurityHeaders → CORS → RateLimit(GeneralMiddleware)
//
// POST /track には追跡登録専用のレート制限を追加する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	if deps.RateLimiter != nil {
		r.Use(deps.RateLimiter.GeneralMiddleware())
	}

	h := NewTrackedHandler(deps.TrackerService)

	r.Get("/health", Health)
	r.Get("/tracked", h.ListTracked)

	r.Route("/track", func(r chi.Router) {
		if deps.RateLimiter != nil {
			r.With(deps.RateLimiter.TrackMiddleware()).Post("/", h.Track)
		} else {
			r.Post("/", h.Track)
		}
		r.Delete("/{userId}", h.Untrack)
	})

	r.Get("/friends/{userId}", h.GetFriends)
	r.Get("/events/{userId}", h.GetEvents)

	if deps.Subscribe != nil {
		r.Get("/ws", deps.Subscribe.ServeHTTP)
		r.Get("/", deps.Subscribe.ServeHTTP)
	}
	if deps.Metrics != nil {
		r.Get("/metrics", deps.Metrics.ServeHTTP)
	}

	return r
}
