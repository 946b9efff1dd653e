// Package main implements a Cloud Run service that matches newly published
// jobs against saved alerts and emails digests to job seekers.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"jobalert-notifier/alerts"
	"jobalert-notifier/config"
	"jobalert-notifier/dispatch"
	"jobalert-notifier/email"
	"jobalert-notifier/poll"
	"jobalert-notifier/schedule"
	"jobalert-notifier/server"
	"jobalert-notifier/storage"
)

// backend is the persistence surface shared by every component. Both the
// Postgres store and the document store satisfy it.
type backend interface {
	alerts.Store
	poll.Store
	dispatch.Store
	server.Jobs
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to optional YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	store, closeStore, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	locker, closeLocker, err := openLocker(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeLocker()

	provider, err := newProvider(ctx, cfg, logger)
	if err != nil {
		return err
	}

	sender := email.New(provider, logger, cfg.Server.BaseURL)
	dispatcher := dispatch.New(store, sender, logger, cfg.Sweep.SendTimeout)
	monitor := poll.New(&poll.Config{
		Store:      store,
		Locker:     locker,
		Dispatcher: dispatcher,
		Logger:     logger,
		Workers:    cfg.Sweep.Workers,
		LeaseTTL:   cfg.Sweep.LeaseTTL,
	})

	if schedule.Enabled(cfg.Sweep.Schedule) {
		sched, err := schedule.New(monitor, cfg.Sweep.Schedule, logger)
		if err != nil {
			return err
		}
		if err := sched.Start(ctx); err != nil {
			return err
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Minute)
			defer cancel()
			sched.Stop(stopCtx)
		}()
	} else {
		logger.Info("In-process sweep schedule disabled, relying on /pollz")
	}

	srv := server.New(&server.Config{
		Alerts:       alerts.New(store, logger),
		Poller:       monitor,
		Jobs:         store,
		Logger:       logger,
		IsNotFound:   storage.IsNotFound,
		TriggerToken: cfg.Server.TriggerToken,
		RateLimit:    cfg.Server.RateLimit,
		RateBurst:    cfg.Server.RateBurst,
	})
	if err := srv.Serve(ctx, cfg.Server.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// openBackend picks Postgres when configured, then a GCS bucket, then a
// local directory.
func openBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (backend, func(), error) {
	if cfg.Storage.DatabaseURL != "" {
		pool, err := storage.OpenPostgres(ctx, cfg.Storage.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		pg := storage.NewPostgres(pool, logger)
		if err := pg.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		logger.Info("Using Postgres storage")
		return pg, pool.Close, nil
	}

	if cfg.Storage.Bucket != "" {
		client, err := gcs.NewClient(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("initialize storage client: %w", err)
		}
		logger.Info("Using Cloud Storage", "bucket", cfg.Storage.Bucket)
		closeFn := func() {
			if err := client.Close(); err != nil {
				logger.Warn("Failed to close storage client", "error", err)
			}
		}
		return storage.New(client, cfg.Storage.Bucket, "", logger), closeFn, nil
	}

	if err := os.MkdirAll(cfg.Storage.LocalPath, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create local storage directory: %w", err)
	}
	logger.Info("Running in local development mode", "storage_path", cfg.Storage.LocalPath)
	return storage.New(nil, "", cfg.Storage.LocalPath, logger), func() {}, nil
}

// openLocker uses Redis for per-alert leases when configured. Without it,
// leases only exclude sweeps within this process.
func openLocker(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Locker, func(), error) {
	if cfg.Redis.URL == "" {
		logger.Info("No REDIS_URL set, using in-process alert leases")
		return storage.NewMemoryLocker(), func() {}, nil
	}
	client, err := storage.OpenRedis(ctx, cfg.Redis.URL)
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() {
		if err := client.Close(); err != nil {
			logger.Warn("Failed to close redis client", "error", err)
		}
	}
	return storage.NewRedisLocker(client), closeFn, nil
}

// newProvider prefers Brevo, then Gmail, then a mock that only logs.
func newProvider(ctx context.Context, cfg *config.Config, logger *slog.Logger) (email.Provider, error) {
	if cfg.Email.BrevoAPIKey != "" {
		logger.Info("Using Brevo email provider", "from", cfg.Email.From)
		return email.NewBrevoProvider(cfg.Email.BrevoAPIKey, cfg.Email.From, cfg.Email.FromName, logger), nil
	}

	if cfg.Email.GoogleCredentialsJSON != "" || isCloudRun(ctx) {
		svc, err := initGmailService(ctx, cfg.Email.GoogleCredentialsJSON)
		if err != nil {
			return nil, fmt.Errorf("initialize Gmail service: %w", err)
		}
		logger.Info("Using Gmail email provider", "from", cfg.Email.From)
		return email.NewGmailProvider(svc, cfg.Email.From, cfg.Email.FromName, logger), nil
	}

	logger.Info("Mock email mode enabled (no BREVO_API_KEY or GOOGLE_CREDENTIALS_JSON)")
	return email.NewMockProvider(logger), nil
}

// isCloudRun checks if we're running in a GCP environment by querying the metadata server.
func isCloudRun(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://metadata.google.internal/computeMetadata/v1/project/project-id", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Metadata-Flavor", "Google")

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	return resp.StatusCode == http.StatusOK
}

func initGmailService(ctx context.Context, credsJSON string) (*gmail.Service, error) {
	if credsJSON != "" {
		return gmail.NewService(ctx, option.WithCredentialsJSON([]byte(credsJSON)))
	}
	// Application Default Credentials; the service account needs gmail.send.
	return gmail.NewService(ctx)
}
