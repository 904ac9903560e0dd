package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hitoshi/postsync/internal/compliance"
	"github.com/hitoshi/postsync/internal/config"
	"github.com/hitoshi/postsync/internal/database"
	"github.com/hitoshi/postsync/internal/handler"
	"github.com/hitoshi/postsync/internal/links"
	"github.com/hitoshi/postsync/internal/logger"
	"github.com/hitoshi/postsync/internal/metrics"
	"github.com/hitoshi/postsync/internal/middleware"
	"github.com/hitoshi/postsync/internal/model"
	"github.com/hitoshi/postsync/internal/platform"
	"github.com/hitoshi/postsync/internal/platform/mastodon"
	"github.com/hitoshi/postsync/internal/platform/rss"
	"github.com/hitoshi/postsync/internal/platform/twitter"
	"github.com/hitoshi/postsync/internal/post"
	"github.com/hitoshi/postsync/internal/repository"
	"github.com/hitoshi/postsync/internal/security"
	"github.com/hitoshi/postsync/internal/store"
	"github.com/hitoshi/postsync/internal/txn"
	"github.com/hitoshi/postsync/internal/worker/cleanup"
	compliancepoller "github.com/hitoshi/postsync/internal/worker/compliance"
	fetchpkg "github.com/hitoshi/postsync/internal/worker/fetch"
	"github.com/prometheus/client_golang/prometheus"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, "info")

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルで再設定する
	logger.SetupDefault(w, cfg.LogLevel)

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
	)

	switch cmd {
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg, ParseMigrateAction(args))
	default:
		return runServe(cfg)
	}
}

// components はserveとworkerで共有するドメインサービス一式。
type components struct {
	db         *sql.DB
	registry   *prometheus.Registry
	collector  *metrics.Collector
	txm        *txn.Manager
	compliance *compliance.Manager
	posts      *post.Service
}

// newComponents はDB接続を開き、ストア・プラットフォームアダプタ・ドメインサービスをワイヤリングする。
func newComponents(cfg *config.Config, log *slog.Logger) (*components, error) {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL, database.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	log.Info("database connection established")

	// 2. メトリクスとトランザクション
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)
	txm := txn.NewManager(store.NewPostgresStore(db), log, collector, txn.Config{
		MaxAttempts: cfg.TxMaxAttempts,
		BaseDelay:   cfg.TxRetryBaseDelay,
	})

	// 3. プラットフォームアダプタ
	ssrfGuard := security.NewSSRFGuard()
	extractor := security.NewTextExtractor()
	apiClient := &http.Client{Timeout: cfg.FetchTimeout}
	twitterCfg := twitter.Config{
		BaseURL:       cfg.TwitterAPIBaseURL,
		BearerToken:   cfg.TwitterBearerToken,
		RatePerMinute: cfg.TwitterRatePerMinute,
	}

	platforms, err := platform.NewRegistry(
		twitter.NewAdapter(apiClient, log, twitterCfg),
		mastodon.NewAdapter(ssrfGuard.NewSafeClient(cfg.FetchTimeout), log, extractor, ssrfGuard, mastodon.Config{
			ServerURL:     cfg.MastodonServerURL,
			RatePerMinute: cfg.MastodonRatePerMinute,
		}),
		rss.NewAdapter(ssrfGuard, extractor, log, cfg.FetchTimeout, cfg.FetchMaxSize),
	)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to build platform registry: %w", err)
	}

	// 4. ドメインサービス
	complianceMgr := compliance.NewManager(
		txm,
		twitter.NewComplianceEndpoint(apiClient, log, twitterCfg),
		model.PlatformTwitter,
		compliance.NewFileStager(cfg.ComplianceStagingDir),
		log,
		collector,
	)
	postSvc := post.NewService(
		txm, platforms, links.NewService(repository.NewLinkRepo()), complianceMgr,
		log, collector, post.Config{MaxConcurrentFetches: cfg.FetchMaxConcurrent},
	)

	return &components{
		db:         db,
		registry:   reg,
		collector:  collector,
		txm:        txm,
		compliance: complianceMgr,
		posts:      postSvc,
	}, nil
}

// runServe はAPIサーバーモードで起動する。
// 全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	log := slog.Default()

	c, err := newComponents(cfg, log)
	if err != nil {
		return err
	}
	defer c.db.Close()

	rateLimiter := middleware.NewRateLimiter(middleware.NewRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitPublish))
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:            log,
		RateLimiter:       rateLimiter,
		HealthChecker:     c.db,
		MetricsHandler:    metrics.Handler(c.registry),
		PostService:       c.posts,
		ComplianceService: c.compliance,
	})

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	log.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	log.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// フェッチスケジューラ、コンプライアンスジョブのポーラー、クリーンアップジョブを起動し、
// /metrics と /health を公開する。SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	log := slog.Default()

	c, err := newComponents(cfg, log)
	if err != nil {
		return err
	}
	defer c.db.Close()

	fetcher := fetchpkg.NewFetcher(c.txm, c.posts, log, c.collector, cfg.FetchDefaultInterval)
	scheduler := fetchpkg.NewScheduler(c.txm, fetcher, log, cfg.FetchMaxConcurrent)
	poller := compliancepoller.NewPoller(c.compliance, log)
	cleanupJob := cleanup.NewCleanupJob(c.compliance, log)
	cleanupJob.RetentionDays = cfg.JobRetentionDays

	metricsServer := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           metrics.SetupMetricsRoute(c.registry, handler.NewHealthHandler(c.db, log)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server listen error", slog.String("error", err.Error()))
		}
	}()

	log.Info("worker starting",
		slog.Duration("fetch_interval", cfg.FetchInterval),
		slog.Int("max_concurrent", cfg.FetchMaxConcurrent),
		slog.Duration("compliance_poll_interval", cfg.CompliancePollInterval),
		slog.Int("retention_days", cfg.JobRetentionDays),
	)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		poller.Start(ctx, cfg.CompliancePollInterval)
	}()
	go func() {
		defer wg.Done()
		cleanupJob.Start(ctx, cfg.CleanupInterval)
	}()

	// フェッチスケジューラをメインgoroutineで実行（ブロッキング）
	scheduler.Start(ctx, cfg.FetchInterval)
	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("metrics server shutdown failed", slog.String("error", err.Error()))
	}

	log.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// upは未適用のマイグレーションをすべて適用し、downは1つ戻し、versionは現在のバージョンを出力する。
func runMigrate(cfg *config.Config, action MigrateAction) error {
	slog.Info("running database migrations",
		slog.String("action", string(action)),
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	switch action {
	case MigrateDown:
		if err := database.RollbackMigration(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("migration rollback failed: %w", err)
		}
	case MigrateVersion:
		version, dirty, err := database.MigrationVersion(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to read migration version: %w", err)
		}
		slog.Info("database migration version",
			slog.Uint64("version", uint64(version)),
			slog.Bool("dirty", dirty),
		)
		return nil
	default:
		if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	slog.Info("database migrations completed successfully")
	return nil
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
