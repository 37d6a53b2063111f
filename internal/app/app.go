package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/gigwrld/internal/backend"
	"github.com/hitoshi/gigwrld/internal/config"
	"github.com/hitoshi/gigwrld/internal/database"
	"github.com/hitoshi/gigwrld/internal/handler"
	"github.com/hitoshi/gigwrld/internal/identity"
	"github.com/hitoshi/gigwrld/internal/localstore"
	"github.com/hitoshi/gigwrld/internal/logger"
	"github.com/hitoshi/gigwrld/internal/metrics"
	"github.com/hitoshi/gigwrld/internal/middleware"
	"github.com/hitoshi/gigwrld/internal/repository"
	"github.com/hitoshi/gigwrld/internal/security"
	"github.com/hitoshi/gigwrld/internal/session"
	"github.com/hitoshi/gigwrld/internal/worker/refresh"
)

// shutdownTimeout はグレースフルシャットダウンの待ち時間。
const shutdownTimeout = 30 * time.Second

// Init はアプリケーションの初期化を行う。
// .envと環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. .envを読み込んでから環境変数を解析する
	if err := config.LoadDotEnv(); err != nil {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルで再初期化
	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("profile_store", cfg.ProfileStore),
		slog.String("local_store", cfg.LocalStore),
	)

	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runServe(ctx, cfg)
	}
}

// agent はserveモードで起動する依存関係一式。
type agent struct {
	cfg       *config.Config
	logger    *slog.Logger
	handler   http.Handler
	client    *identity.GoTrueClient
	sync      *session.Sync
	scheduler *refresh.Scheduler
	limiter   *middleware.RateLimiter
	closers   []func() error
}

// newAgent は設定に従って全依存関係をワイヤリングする。
// 永続化されたセッションの復元までを行い、goroutineはまだ起動しない。
func newAgent(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*agent, error) {
	a := &agent{cfg: cfg, logger: logger}

	// 1. メトリクス
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	// 2. ローカルストア
	store, err := a.openLocalStore(ctx)
	if err != nil {
		a.close()
		return nil, err
	}

	// 3. 認証プロバイダー
	providerHTTP := &http.Client{Timeout: cfg.ProviderTimeout}
	a.client = identity.NewGoTrueClient(identity.GoTrueConfig{
		BaseURL:    cfg.IdentityURL,
		APIKey:     cfg.IdentityAnonKey,
		HTTPClient: providerHTTP,
		Storage:    store,
		Recorder:   collector,
		Logger:     logger,
	})
	if err := a.client.Restore(ctx); err != nil {
		// 復元できなくても未ログインとして起動を続ける
		logger.Warn("failed to restore persisted session", slog.String("error", err.Error()))
	}

	// 4. プロフィールストア
	profiles, db, err := a.openProfileStore(ctx, providerHTTP)
	if err != nil {
		a.close()
		return nil, err
	}

	// 5. セッションミラーとリフレッシュワーカー
	a.sync = session.New(a.client, profiles, store,
		session.WithLogger(logger),
		session.WithRecorder(collector),
	)
	a.scheduler = refresh.NewScheduler(a.client, collector, logger, cfg.RefreshMargin)

	// 6. RESTバックエンド
	backendClient := backend.NewClient(cfg.BackendAPIURL,
		&http.Client{Timeout: cfg.BackendTimeout}, a.sync, collector, logger)

	// 7. ルーター
	a.limiter = middleware.NewRateLimiter(
		middleware.NewRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitLogin))
	a.closers = append(a.closers, func() error {
		a.limiter.Stop()
		return nil
	})

	a.handler = handler.NewRouter(&handler.RouterDeps{
		Logger:            logger,
		StatusRecorder:    collector,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       a.limiter,

		Sessions:  a.sync,
		Profiles:  profiles,
		Resetter:  a.client,
		Sanitizer: security.NewProfileSanitizer(),
		AuthConfig: handler.AuthHandlerConfig{
			PasswordResetRedirect: cfg.PasswordResetRedirect,
		},

		Backend:  backendClient,
		Metadata: a.client,

		Health:  healthHandler(db),
		Metrics: metrics.Handler(registry),
	})

	return a, nil
}

// openLocalStore はLOCAL_STOREに応じた保存先を開く。
func (a *agent) openLocalStore(ctx context.Context) (localstore.Store, error) {
	switch a.cfg.LocalStore {
	case config.LocalStoreRedis:
		rdb, err := localstore.NewRedisClient(ctx, a.cfg.RedisAddr, a.cfg.RedisPassword, a.cfg.RedisDB)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		a.closers = append(a.closers, rdb.Close)
		a.logger.Info("redis connection established", slog.String("addr", a.cfg.RedisAddr))
		return localstore.NewRedisStore(rdb, a.cfg.RedisKeyPrefix), nil
	case config.LocalStoreMemory:
		return localstore.NewMemoryStore(), nil
	default:
		return localstore.NewFileStore(a.cfg.LocalStorePath), nil
	}
}

// openProfileStore はPROFILE_STOREに応じたリポジトリを開く。
// postgresの場合はマイグレーションを適用し、ヘルスチェック用にDBを返す。
func (a *agent) openProfileStore(ctx context.Context, httpClient *http.Client) (repository.ProfileRepository, *sql.DB, error) {
	if a.cfg.ProfileStore != config.ProfileStorePostgres {
		// 行レベルセキュリティのため、ログイン中はユーザーのトークンで問い合わせる
		tokenFn := func() string {
			if s := a.client.CurrentSession(); s != nil {
				return s.AccessToken
			}
			return ""
		}
		return repository.NewPostgRESTProfileRepo(a.cfg.IdentityURL, a.cfg.IdentityAnonKey, tokenFn, httpClient), nil, nil
	}

	db, err := database.Connect(ctx, a.cfg.DatabaseURL, database.PoolConfig{
		MaxOpenConns:    a.cfg.DBMaxOpenConns,
		MaxIdleConns:    a.cfg.DBMaxIdleConns,
		ConnMaxLifetime: a.cfg.DBConnMaxLifetime,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	a.closers = append(a.closers, db.Close)
	a.logger.Info("database connection established")

	if err := database.RunMigrations(a.cfg.DatabaseURL); err != nil {
		return nil, nil, fmt.Errorf("migration failed: %w", err)
	}
	return repository.NewPostgresProfileRepo(db), db, nil
}

// start はセッションミラーとリフレッシュワーカーを起動する。ctxのキャンセルで停止する。
func (a *agent) start(ctx context.Context) {
	go func() {
		if err := a.sync.Run(ctx); err != nil {
			a.logger.Error("session sync stopped", slog.String("error", err.Error()))
		}
	}()
	go a.scheduler.Start(ctx, a.cfg.RefreshInterval)
}

// close は開いたリソースを逆順に閉じる。
func (a *agent) close() {
	if a.sync != nil {
		a.sync.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && !errors.Is(err, redis.ErrClosed) {
			a.logger.Warn("failed to close resource", slog.String("error", err.Error()))
		}
	}
	a.closers = nil
}

// runServe はローカルAPIサーバーモードで起動する。
// 全依存関係をワイヤリングし、セッションミラー・リフレッシュワーカー・HTTPサーバーを起動する。
// ctxがキャンセルされるとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	a, err := newAgent(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer a.close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	a.start(runCtx)

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      a.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
	case <-ctx.Done():
	}

	slog.Info("shutting down API server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runMigrate はprofilesテーブルのマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	if cfg.DatabaseURL == "" {
		return errors.New("migration failed: DATABASE_URL is not set")
	}

	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// healthHandler は /health のハンドラーを返す。
// dbがnilでない場合は疎通も確認する。
func healthHandler(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if db != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := db.PingContext(ctx); err != nil {
				slog.Warn("health check: database unreachable", slog.String("error", err.Error()))
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte(`{"status":"unavailable"}`))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
