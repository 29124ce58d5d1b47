package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemix-relay/backend/internal/config"
	"github.com/deemix-relay/backend/internal/engine"
	"github.com/deemix-relay/backend/internal/health"
	"github.com/deemix-relay/backend/internal/hub"
	"github.com/deemix-relay/backend/internal/logging"
	"github.com/deemix-relay/backend/internal/mock"
	"github.com/deemix-relay/backend/internal/provider"
	"github.com/deemix-relay/backend/internal/queue"
	"github.com/deemix-relay/backend/internal/settings"
	"github.com/deemix-relay/backend/internal/storage"
	"github.com/deemix-relay/backend/internal/version"
	"github.com/deemix-relay/backend/internal/ws"
	"github.com/urfave/cli/v3"
	"golang.org/x/time/rate"
)

const failureThreshold = 3

func run(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := logging.New(os.Stderr, cfg.Log.Level)
	mockMode := cmd.Bool("mock")

	if err := os.MkdirAll(filepath.Dir(cfg.Queue.Path), 0o755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	prefs, err := settings.NewStore(cfg.SettingsPath)
	if err != nil {
		return fmt.Errorf("loading settings: %w", err)
	}

	persist, closeStore, err := openPersistence(cfg, mockMode)
	if err != nil {
		return err
	}
	defer closeStore()

	tracker := health.NewTracker(failureThreshold)

	runner := engine.CommandRunner(cfg.Engine.Command, cfg.Engine.Args)
	if mockMode {
		runner = mock.Runner(200 * time.Millisecond)
	}
	pool := engine.NewPool(cfg.Engine.Workers, runner, logger.WithPrefix("engine"))
	followConcurrency(prefs, pool, logger)

	controller, err := queue.NewController(queue.Options{
		Engine:      pool,
		Persistence: persist,
		Logger:      logger.WithPrefix("queue"),
		Throttle:    cfg.Queue.ProgressThrottle,
		AutoResume:  cfg.Queue.AutoResume,
		Health:      tracker,
	})
	if err != nil {
		return err
	}

	info := fetchVersion(ctx, cfg, logger)
	available := true
	if !mockMode && !cfg.Provider.SkipAvailability {
		client := &http.Client{Timeout: cfg.Provider.Timeout}
		available = provider.CheckAvailability(ctx, client, cfg.Provider.AvailabilityURL)
		if !available {
			logger.Warn("provider is not available in this region", "url", cfg.Provider.AvailabilityURL)
		}
	}

	h := hub.New(hub.Options{
		Queue:           controller,
		Factory:         providerFactory(cfg, prefs, mockMode),
		Settings:        prefs,
		Version:         info,
		Available:       available,
		ServerwideToken: cfg.Provider.ServerwideToken,
		ProviderTimeout: cfg.Provider.Timeout,
		Health:          tracker,
		Logger:          logger.WithPrefix("hub"),
	})

	broadcaster := ws.NewBroadcaster(cfg.Server.MaxConnections, cfg.Limits.SendBuffer, logger.WithPrefix("ws"))
	defer broadcaster.Close()
	h.SetTransport(broadcaster)

	server := ws.NewServer(ws.Options{
		Hub:               h,
		Broadcaster:       broadcaster,
		Queue:             controller,
		Health:            tracker,
		AllowedOrigins:    cfg.Server.AllowedOrigins,
		AuthToken:         cfg.Server.AuthToken,
		MessagesPerSecond: cfg.Limits.MessagesPerSecond,
		Burst:             cfg.Limits.Burst,
		BaseContext:       ctx,
		Logger:            logger.WithPrefix("ws"),
	})

	pool.Start(ctx)
	go controller.Run(ctx)

	if mockMode {
		logger.Info("starting in mock mode")
	}
	logger.Info("serving",
		"version", info.Current,
		"update", info.UpdateAvailable,
		"queue", cfg.Queue.Backend,
		"concurrency", pool.Limit(),
	)

	err = ws.ListenAndServe(ctx, cfg.Server.Host, cfg.Server.Port, server.Handler(), logger)
	pool.Wait()
	return err
}

func loadConfig(cmd *cli.Command) (*config.Config, error) {
	cfg, err := config.LoadOrDefault(cmd.String("config"))
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if host := cmd.String("host"); host != "" {
		cfg.Server.Host = host
	}
	if port := cmd.Int("port"); port > 0 {
		cfg.Server.Port = int(port)
	}
	if token := cmd.String("serverwide-token"); token != "" {
		cfg.Provider.ServerwideToken = token
	}
	if dir := cmd.String("portable"); dir != "" {
		cfg.UsePortableDir(dir)
	}
	if level := cmd.String("log-level"); level != "" {
		cfg.Log.Level = level
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func rollbackQueueDB(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	applied, err := rollbackQueue(cfg)
	if err != nil {
		return err
	}
	logging.New(os.Stderr, cfg.Log.Level).Info("rolled back queue database", "path", cfg.Queue.Path, "migration", applied)
	return nil
}

// rollbackQueue reverts the newest migration of the configured sqlite queue
// and returns its version.
func rollbackQueue(cfg *config.Config) (int, error) {
	if cfg.Queue.Backend != "sqlite" {
		return 0, fmt.Errorf("queue backend is %q, rollback needs sqlite", cfg.Queue.Backend)
	}
	if _, err := os.Stat(cfg.Queue.Path); err != nil {
		return 0, fmt.Errorf("queue database: %w", err)
	}
	db, err := storage.Open(cfg.Queue.Path)
	if err != nil {
		return 0, err
	}
	defer db.Close()
	return storage.RollbackLatest(db)
}

func openPersistence(cfg *config.Config, mockMode bool) (queue.Persistence, func(), error) {
	if mockMode {
		return queue.NewMemoryStore(), func() {}, nil
	}
	if cfg.Queue.Backend == "sqlite" {
		store, err := storage.NewSQLiteStore(cfg.Queue.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("opening queue database: %w", err)
		}
		return store, func() { store.Close() }, nil
	}
	return queue.NewFileStore(cfg.Queue.Path), func() {}, nil
}

// followConcurrency keeps the pool limit equal to the queueConcurrency
// setting.
func followConcurrency(prefs *settings.Store, pool *engine.Pool, logger *log.Logger) {
	pool.SetLimit(prefs.Get().QueueConcurrency)
	prefs.OnChange(func(next settings.Settings) {
		pool.SetLimit(next.QueueConcurrency)
		logger.Debug("settings changed", "concurrency", pool.Limit(), "language", next.TagsLanguage)
	})
}

// providerFactory builds the per-session client factory. Real clients send the
// current tagsLanguage setting as their request language.
func providerFactory(cfg *config.Config, prefs *settings.Store, mockMode bool) provider.Factory {
	if mockMode {
		return mock.NewProvider
	}
	limit := rate.Inf
	if cfg.Provider.RequestsPerSec > 0 {
		limit = rate.Limit(cfg.Provider.RequestsPerSec)
	}
	return provider.NewDeezerFactory(provider.DeezerOptions{
		Language: cfg.Provider.Language,
		Timeout:  cfg.Provider.Timeout,
		Limiter:  rate.NewLimiter(limit, 1),
		LanguageFunc: func() string {
			return prefs.Get().TagsLanguage
		},
	})
}

// fetchVersion never fails startup; an unreachable update feed leaves Latest
// empty, which never signals an update.
func fetchVersion(ctx context.Context, cfg *config.Config, logger *log.Logger) version.Info {
	current := cfg.CurrentVersion()
	if cfg.Update.LatestURL == "" {
		return version.NewInfo(current, "", appVersion)
	}
	fetchCtx, cancel := context.WithTimeout(ctx, cfg.Update.Timeout)
	defer cancel()

	latest, err := version.Fetch(fetchCtx, &http.Client{}, cfg.Update.LatestURL)
	if err != nil {
		logger.Warn("checking for updates", "err", err)
	}
	return version.NewInfo(current, latest, appVersion)
}
