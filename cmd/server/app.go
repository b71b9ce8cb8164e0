package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/docpipe/backend/internal/config"
	"github.com/docpipe/backend/internal/files"
	"github.com/docpipe/backend/internal/kv"
	"github.com/docpipe/backend/internal/metrics"
	"github.com/docpipe/backend/internal/storage"
)

// app holds the stores and registries shared by the subcommands
type app struct {
	cfg        *config.AppConfig
	configPath string
	logger     *slog.Logger
	closeLog   func() error

	kv      kv.Store
	objects storage.ObjectStore
	metrics *metrics.Metrics
	files   *files.Registry
}

// bootstrap loads configuration and opens the metadata and object stores
func bootstrap(ctx context.Context) (*app, error) {
	if err := config.LoadEnvFiles(envFiles...); err != nil {
		return nil, err
	}

	path, err := resolveConfigPath()
	if err != nil {
		return nil, err
	}

	// Load XML configuration
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	// Ensure all data directories exist
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}

	logger, closeLog := config.SetupLogger(cfg.Advanced.LogFile, config.ParseLevel(cfg.Advanced.LogLevel))
	slog.SetDefault(logger)

	a := &app{
		cfg:        cfg,
		configPath: path,
		logger:     logger,
		closeLog:   closeLog,
		metrics:    metrics.New(nil),
	}

	a.kv, err = kv.Open(ctx, kv.Options{
		Backend: cfg.KV.Backend,
		Path:    cfg.KV.DuckDBPath,
		DSN:     cfg.KV.DSN,
	})
	if err != nil {
		_ = closeLog()
		return nil, fmt.Errorf("failed to open %s metadata store: %w", cfg.KV.Backend, err)
	}

	secret := cfg.Storage.SigningSecret
	if secret == "" && cfg.Storage.Backend == storage.BackendLocal {
		secret, err = randomSecret()
		if err != nil {
			a.Close()
			return nil, err
		}
		logger.Warn("no signing secret configured, download links will not survive a restart")
	}

	a.objects, err = storage.Open(storage.Options{
		Backend:         cfg.Storage.Backend,
		Root:            cfg.Storage.ObjectsDirectory,
		PublicBaseURL:   cfg.PublicAPIURL(),
		SigningSecret:   secret,
		Region:          cfg.Storage.OSS.Region,
		Endpoint:        cfg.Storage.OSS.Endpoint,
		AccessKeyID:     cfg.Storage.OSS.AccessKeyID,
		AccessKeySecret: cfg.Storage.OSS.AccessKeySecret,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize %s object storage: %w", cfg.Storage.Backend, err)
	}

	a.files = files.NewRegistry(a.kv, a.objects, cfg.Storage.Bucket,
		files.WithLogger(logger.With("component", "files")),
		files.WithMetrics(a.metrics),
		files.WithSignWorkers(cfg.Analysis.SignWorkers),
	)
	return a, nil
}

// ensureBucket creates the upload bucket, retrying transient failures. A
// bucket that still cannot be created is logged and the server starts
// anyway; uploads fail until storage recovers.
func (a *app) ensureBucket(ctx context.Context) {
	bucket := a.cfg.Storage.Bucket
	attempts := a.cfg.Advanced.BucketInitAttempts
	if attempts == 0 {
		attempts = 1
	}

	var created bool
	err := retry.Do(
		func() error {
			var err error
			created, err = storage.EnsureBucket(ctx, a.objects, bucket)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(200*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			a.logger.Warn("retrying bucket initialization", "attempt", n+1, "bucket", bucket, "error", err)
		}),
	)
	switch {
	case err != nil:
		a.logger.Error("bucket initialization failed", "bucket", bucket, "error", err)
	case created:
		a.logger.Info("created storage bucket", "bucket", bucket)
	default:
		a.logger.Debug("storage bucket exists", "bucket", bucket)
	}
}

// Close releases the metadata store and the log file
func (a *app) Close() {
	var errs []error
	if a.kv != nil {
		errs = append(errs, a.kv.Close())
	}
	if a.closeLog != nil {
		errs = append(errs, a.closeLog())
	}
	if err := errors.Join(errs...); err != nil {
		slog.Error("shutdown cleanup failed", "error", err)
	}
}

func randomSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating signing secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
