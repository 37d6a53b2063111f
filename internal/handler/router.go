package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/hitoshi/gigwrld/internal/middleware"
	"github.com/hitoshi/gigwrld/internal/session"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	StatusRecorder    middleware.StatusRecorder
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter

	// 認証
	Sessions   SessionService
	Profiles   ProfileStore
	Resetter   PasswordResetter
	Sanitizer  TextSanitizer
	AuthConfig AuthHandlerConfig

	// バックエンド
	Backend  BackendService
	Metadata MetadataUpdater

	// 運用
	Health  http.HandlerFunc
	Metrics http.Handler
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RealIP → RequestID → Logging → Recovery → SecurityHeaders → CORS → RateLimit(General)
//
// ログイン・登録・パスワードリセットにはLoginレート制限を追加し、
// 認証が必要なルートにはRequireAuthを追加する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.NewRequestIDMiddleware())
	r.Use(middleware.NewLoggingMiddleware(logger, deps.StatusRecorder))
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	authHandler := NewAuthHandler(deps.Sessions, deps.Profiles, deps.Resetter, deps.Sanitizer, deps.AuthConfig, logger)
	apiHandler := NewAPIHandler(deps.Backend, deps.Metadata, deps.Sessions, deps.Sanitizer, logger)
	requireAuth := middleware.NewRequireAuthMiddleware(deps.Sessions)

	// --- 運用エンドポイント（レート制限なし） ---
	if deps.Health != nil {
		r.Get("/health", deps.Health)
	}
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(deps.RateLimiter.GeneralMiddleware())

		// 認証ルート
		r.Route("/auth", func(r chi.Router) {
			r.Get("/state", authHandler.State)
			r.Post("/logout", authHandler.Logout)
			r.Delete("/error", authHandler.ClearError)

			r.Group(func(r chi.Router) {
				r.Use(deps.RateLimiter.LoginMiddleware())
				r.Post("/login", authHandler.Login)
				r.Post("/register", authHandler.Register)
				r.Post("/forgot-password", authHandler.ForgotPassword)
			})

			r.Group(func(r chi.Router) {
				r.Use(requireAuth)
				r.Get("/token", authHandler.Token)
				r.Patch("/me", authHandler.UpdateMe)
			})
		})

		// バックエンド転送ルート
		r.Route("/api", func(r chi.Router) {
			r.Get("/gigs", apiHandler.ListGigs)
			r.Get("/stats", apiHandler.Stats)

			r.Group(func(r chi.Router) {
				r.Use(requireAuth)
				r.Post("/gigs", apiHandler.CreateGig)
				r.Post("/bookings", apiHandler.CreateBooking)
				r.Put("/profile", apiHandler.UpdateProfile)
			})
		})
	})

	return r
}

// compile-time interface check
var _ SessionService = (*session.Sync)(nil)
