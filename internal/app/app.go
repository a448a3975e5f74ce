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

	"github.com/hitoshi/livecatch/internal/config"
	"github.com/hitoshi/livecatch/internal/database"
	"github.com/hitoshi/livecatch/internal/download"
	"github.com/hitoshi/livecatch/internal/eventsub"
	"github.com/hitoshi/livecatch/internal/handler"
	"github.com/hitoshi/livecatch/internal/job"
	"github.com/hitoshi/livecatch/internal/logger"
	"github.com/hitoshi/livecatch/internal/metrics"
	"github.com/hitoshi/livecatch/internal/middleware"
	"github.com/hitoshi/livecatch/internal/profile"
	"github.com/hitoshi/livecatch/internal/repository"
	"github.com/hitoshi/livecatch/internal/security"
	"github.com/hitoshi/livecatch/internal/subscription"
	"github.com/hitoshi/livecatch/internal/twitch"
	"github.com/hitoshi/livecatch/internal/worker/cleanup"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/time/rate"
)

// restartFailureReason は前回プロセスで終了しなかったジョブに記録する理由。
const restartFailureReason = "プロセス再起動により中断されました"

// Init はアプリケーションの初期化を行う。
// .envと環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. 環境変数から設定を読み込む
	if err := config.LoadDotEnv(""); err != nil {
		return nil, err
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルで再設定する
	logger.SetupDefault(w, cfg.LogLevel)

	if err := security.ValidateCallbackURL(cfg.EventSubCallbackURL); err != nil {
		return nil, fmt.Errorf("invalid EVENTSUB_CALLBACK_URL: %w", err)
	}

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
		slog.String("callback_url", cfg.EventSubCallbackURL),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandSubscribe:
		return runSubscribe(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// services はサブコマンド間で共有する依存関係。
type services struct {
	db        *sql.DB
	registry  *prometheus.Registry
	collector *metrics.Collector
	twitch    *twitch.Client
	profiles  *profile.Cache
	fetchLogs *repository.PostgresFetchLogRepo
	jobRepo   *repository.PostgresJobRepo
	subs      *subscription.Service
}

// openServices はDB接続を開き、上流クライアントと購読サービスを構築する。
func openServices(cfg *config.Config, logger *slog.Logger) (*services, error) {
	// 1. DB接続
	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.UpstreamTimeout)
	db, err := database.Connect(connectCtx, cfg.DatabaseURL, database.DefaultPoolConfig())
	cancel()
	if err != nil {
		return nil, err
	}
	logger.Info("database connection established")

	// 2. メトリクス
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(registry)

	// 3. 上流クライアントとキャッシュ
	twitchClient := twitch.NewClient(security.NewSafeClient(cfg.UpstreamTimeout), collector, logger, twitch.Config{
		ClientID:     cfg.TwitchClientID,
		ClientSecret: cfg.TwitchClientSecret,
		HelixURL:     cfg.TwitchHelixURL,
		TokenURL:     cfg.TwitchTokenURL,
	})
	profiles := profile.NewCache(twitchClient, logger, profile.Config{
		Capacity: cfg.ProfileCacheSize,
		TTL:      cfg.ProfileCacheTTL,
	})

	// 4. リポジトリと購読サービス
	fetchLogs := repository.NewPostgresFetchLogRepo(db)
	subs := subscription.NewService(
		twitchClient,
		profiles,
		repository.NewPostgresFollowedChannelRepo(db),
		fetchLogs,
		repository.NewPostgresSnapshotRepo(db),
		collector,
		logger,
		subscription.Config{
			CallbackURL:     cfg.EventSubCallbackURL,
			Secret:          cfg.EventSubSecret,
			Freshness:       cfg.SubscriptionFreshness,
			UpstreamTimeout: cfg.UpstreamTimeout,
			BulkConcurrency: cfg.BulkConcurrency,
		},
	)

	return &services{
		db:        db,
		registry:  registry,
		collector: collector,
		twitch:    twitchClient,
		profiles:  profiles,
		fetchLogs: fetchLogs,
		jobRepo:   repository.NewPostgresJobRepo(db),
		subs:      subs,
	}, nil
}

// runServe はWebhook受信口と管理APIのサーバーモードで起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
// シャットダウン時はHTTPサーバー、バックグラウンド処理、キャプチャの順に停止する。
func runServe(cfg *config.Config) error {
	logger := slog.Default()

	svc, err := openServices(cfg, logger)
	if err != nil {
		return err
	}
	defer svc.db.Close()

	// 1. 前回プロセスで有効なまま残ったジョブを終了させる
	bootCtx, bootCancel := context.WithTimeout(context.Background(), cfg.UpstreamTimeout)
	failed, err := svc.jobRepo.FailActive(bootCtx, restartFailureReason, time.Now())
	bootCancel()
	if err != nil {
		return fmt.Errorf("failed to reset stale jobs: %w", err)
	}
	if failed > 0 {
		logger.Warn("stale jobs marked failed", slog.Int64("count", failed))
	}

	// 2. ジョブ管理とダウンロード
	jobs := job.NewManager(svc.jobRepo, svc.collector, logger, job.Config{Retention: cfg.JobRetention})
	capturer := download.NewExecCapturer(cfg.CaptureBinary, cfg.CaptureOutputDir, logger)
	orchestrator := download.NewOrchestrator(jobs, svc.profiles, svc.twitch, capturer, svc.collector, logger, download.Config{
		ResolveTimeout: cfg.UpstreamTimeout,
		CaptureTimeout: cfg.CaptureMaxDuration,
	})

	// 3. Webhookルーティング
	notificationRouter := eventsub.NewRouter(
		jobs,
		orchestrator,
		svc.subs,
		repository.NewPostgresWebhookEventRepo(svc.db),
		security.NewTextSanitizer(),
		svc.collector,
		logger,
		eventsub.RouterConfig{
			SystemUserID:      cfg.SystemUserID,
			DefaultQuality:    cfg.DefaultQuality,
			BackgroundTimeout: cfg.BackgroundTimeout,
		},
	)
	verifier := eventsub.NewVerifier(cfg.EventSubSecret, cfg.MessageMaxAge)

	// 4. ルーターの構築
	// configのレート制限はreq/min単位なのでreq/secに変換する
	rateLimiterCfg := middleware.DefaultRateLimiterConfig()
	if cfg.RateLimitGeneral > 0 {
		rateLimiterCfg.GeneralRate = rate.Limit(float64(cfg.RateLimitGeneral) / 60.0)
		rateLimiterCfg.GeneralBurst = cfg.RateLimitGeneral
	}
	if cfg.RateLimitDownload > 0 {
		rateLimiterCfg.DownloadRate = rate.Limit(float64(cfg.RateLimitDownload) / 60.0)
		rateLimiterCfg.DownloadBurst = cfg.RateLimitDownload
	}
	rateLimiter := middleware.NewRateLimiter(rateLimiterCfg)
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:         logger,
		AdminTokens:    cfg.AdminTokens,
		RateLimiter:    rateLimiter,
		HealthChecker:  svc.db,
		MetricsHandler: metrics.Handler(svc.registry),
		Webhook:        handler.NewWebhookHandler(verifier, notificationRouter, svc.collector, logger),
		Jobs:           handler.NewJobHandler(jobs, orchestrator, cfg.DefaultQuality, logger),
		EventSub:       handler.NewEventSubHandler(svc.subs, logger),
	})

	// 5. メモリ上の終端ジョブの定期削除
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	evictor := cleanup.NewCleanupJob(jobs, nil, nil, logger, cleanup.Config{JobRetention: cfg.JobRetention})
	go evictor.Start(ctx, cfg.CleanupInterval)

	// 6. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-stop:
	case err := <-serveErr:
		return fmt.Errorf("server listen error: %w", err)
	}
	logger.Info("shutting down API server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	if err := notificationRouter.Wait(shutdownCtx); err != nil {
		logger.Warn("background webhook work did not finish", slog.String("error", err.Error()))
	}
	if err := orchestrator.Shutdown(shutdownCtx); err != nil {
		logger.Warn("captures did not stop in time", slog.String("error", err.Error()))
	}

	logger.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// フォロー中チャンネルへの購読同期とDB上の古いデータの削除を定期実行する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	logger := slog.Default()

	svc, err := openServices(cfg, logger)
	if err != nil {
		return err
	}
	defer svc.db.Close()

	cleanupJob := cleanup.NewCleanupJob(nil, svc.jobRepo, svc.fetchLogs, logger, cleanup.Config{
		JobRetention:      cfg.JobRetention,
		FetchLogRetention: cfg.FetchLogRetention,
	})

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		logger.Info("shutting down worker...")
		cancel()
	}()

	logger.Info("worker starting",
		slog.Duration("cleanup_interval", cfg.CleanupInterval),
		slog.Duration("subscribe_sync_interval", cfg.SubscribeSyncInterval),
	)

	// クリーンアップジョブをバックグラウンドで起動
	go cleanupJob.Start(ctx, cfg.CleanupInterval)

	// 購読同期をメインgoroutineで実行（ブロッキング）
	syncSubscriptions(ctx, svc.subs, logger)
	ticker := time.NewTicker(cfg.SubscribeSyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("worker stopped gracefully")
			return nil
		case <-ticker.C:
			syncSubscriptions(ctx, svc.subs, logger)
		}
	}
}

// runSubscribe はフォロー中チャンネルへの購読同期を1回実行して終了する。
// 1チャンネルでも失敗した場合はエラーを返す。
func runSubscribe(cfg *config.Config) error {
	logger := slog.Default()

	svc, err := openServices(cfg, logger)
	if err != nil {
		return err
	}
	defer svc.db.Close()

	failed := syncSubscriptions(context.Background(), svc.subs, logger)
	if failed > 0 {
		return fmt.Errorf("%d channel(s) failed to subscribe", failed)
	}
	return nil
}

// syncSubscriptions は一括購読を実行し、失敗したチャンネル数を返す。
func syncSubscriptions(ctx context.Context, subs *subscription.Service, logger *slog.Logger) int {
	results, err := subs.BulkSubscribeFollowed(ctx)
	if err != nil {
		logger.Error("subscription sync failed", slog.String("error", err.Error()))
		return 1
	}

	failed := 0
	for _, r := range results {
		if r.Error != "" {
			failed++
		}
	}
	logger.Info("subscription sync completed",
		slog.Int("channels", len(results)),
		slog.Int("failed", failed),
	)
	return failed
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	result, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully",
		slog.Uint64("version", uint64(result.Version)),
		slog.Bool("applied", result.Applied),
	)
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
