// Command theatred runs the verification engine: the Theatre registry,
// the replay runner, and the HTTP control surface over them.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/veristage/theatre/core/pkg/api"
	"github.com/veristage/theatre/core/pkg/config"
	"github.com/veristage/theatre/core/pkg/evidence"
	"github.com/veristage/theatre/core/pkg/observability"
	"github.com/veristage/theatre/core/pkg/oracle"
	"github.com/veristage/theatre/core/pkg/replay"
	"github.com/veristage/theatre/core/pkg/scoring"
	"github.com/veristage/theatre/core/pkg/store"
	"github.com/veristage/theatre/core/pkg/theatre"
)

func main() {
	if err := run(); err != nil {
		slog.Error("theatred exited", "error", err.Error())
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	profile := config.DefaultProfile()
	if cfg.Profile != "" {
		p, err := config.LoadProfile(cfg.ProfilesDir, cfg.Profile)
		if err != nil {
			return err
		}
		profile = p
		logger.Info("engine profile loaded", "profile", p.Name,
			"minimum_replays", p.MinimumReplays, "workers", p.Workers)
	}

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "theatred",
		ServiceVersion: "1.0.0",
		Environment:    "production",
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.OTLPEndpoint != "",
		Insecure:       true,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	records, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}

	registry := theatre.NewRegistry(records, logger)

	judgeClient := scoring.NewHTTPClient(cfg.JudgeURL, cfg.JudgeModel, cfg.JudgeAPIKey, nil)
	judge := scoring.NewLLMJudge(judgeClient, logger)

	var archive evidence.Archive
	if cfg.S3Bucket != "" {
		a, err := evidence.NewS3Archive(ctx, evidence.S3ArchiveConfig{
			Bucket:   cfg.S3Bucket,
			Region:   cfg.S3Region,
			Endpoint: cfg.S3Endpoint,
			Prefix:   "bundles/",
		})
		if err != nil {
			return err
		}
		archive = a
		logger.Info("evidence archival enabled", "bucket", cfg.S3Bucket)
	}

	var limiter oracle.Limiter
	if cfg.RedisAddr != "" {
		limiter = oracle.NewRedisLimiter(cfg.RedisAddr, cfg.RedisPassword, 0,
			profile.RateLimit.RPS, profile.RateLimit.Burst)
		logger.Info("distributed invocation limiter enabled", "addr", cfg.RedisAddr)
	} else {
		limiter = oracle.NewLocalLimiter(profile.RateLimit.RPS, profile.RateLimit.Burst)
	}

	runner := replay.NewRunner(registry, records, judge, archive, replay.Config{
		Workers:        profile.Workers,
		MinimumReplays: profile.MinimumReplays,
	}, logger).WithInstrumentation(obs)

	server := api.NewServer(registry, runner, records, profile, cfg.DatasetsDir, nil, limiter, logger)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           obs.Middleware(server.Handler()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("theatred listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	if cfg.DatabaseURL != "" {
		st, err := store.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		logger.Info("record store ready", "backend", "postgres")
		return st, nil
	}
	st, err := store.OpenSQLite(cfg.SQLitePath)
	if err != nil {
		return nil, err
	}
	logger.Info("record store ready", "backend", "sqlite", "path", cfg.SQLitePath)
	return st, nil
}
