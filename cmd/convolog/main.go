// Command convolog launches the batching log service entrypoint.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"

	"github.com/convolog/convolog/internal/domain/logstore"
	"github.com/convolog/convolog/internal/infra/config"
	"github.com/convolog/convolog/internal/infra/persistence"
	"github.com/convolog/convolog/internal/infra/persistence/migrations"
	httpserver "github.com/convolog/convolog/internal/infra/server/http"
	"github.com/convolog/convolog/internal/infra/telemetry"
	"github.com/convolog/convolog/internal/observability"
	"github.com/convolog/convolog/internal/pipeline"
	"github.com/convolog/convolog/internal/sink"
)

const (
	defaultConfigPath        = "config/app.yaml"
	serviceLoggerPrefix      = "convolog "
	shutdownTimeout          = 30 * time.Second
	serverShutdownTimeout    = 5 * time.Second
	pipelineShutdownTimeout  = 10 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	controlReadHeaderTimeout = 5 * time.Second
)

func main() {
	cfgPathFlag, demo := parseFlags()
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := log.New(os.Stdout, serviceLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
	observability.SetLogger(observability.NewStdLogger(logger))

	configPath := cfgPathFlag
	if configPath == "" {
		configPath = defaultConfigPath
	}

	appCfg, loadedFromFile, err := config.LoadOrDefault(ctx, configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if !loadedFromFile {
		logger.Printf("configuration file not found, using defaults")
	}
	logger.Printf("configuration initialised: env=%s, backend=%s", appCfg.Environment, appCfg.Store.Backend)

	telemetry.SetEnvironment(string(appCfg.Environment))
	_, telemetryShutdown, err := telemetry.Init(ctx, telemetry.Config{
		OTLPEndpoint: appCfg.Telemetry.OTLPEndpoint,
		ServiceName:  appCfg.Telemetry.ServiceName,
	})
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}
	if appCfg.Telemetry.OTLPEndpoint != "" {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", appCfg.Telemetry.OTLPEndpoint, appCfg.Telemetry.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}

	if appCfg.Store.RunMigrations && appCfg.Store.Backend == string(logstore.BackendPostgres) {
		if info, statErr := os.Stat(appCfg.Store.MigrationsDir); statErr == nil && info.IsDir() {
			err = migrations.Apply(ctx, appCfg.Store.DSN, appCfg.Store.MigrationsDir, logger)
		} else {
			err = migrations.ApplyEmbedded(ctx, appCfg.Store.DSN, logger)
		}
		if err != nil {
			logger.Fatalf("apply migrations: %v", err)
		}
	}

	store, err := persistence.NewStore(appCfg.Store)
	if err != nil {
		logger.Fatalf("initialise store: %v", err)
	}

	fallback := sink.NewFallback(appCfg.Fallback.Path, appCfg.Fallback.MaxSizeMB, appCfg.Fallback.MaxBackups)

	pipelineLogger, err := pipeline.New(pipeline.Config{
		MinLevel:      appCfg.Logger.MinLevelValue(),
		BatchSize:     appCfg.Logger.BatchSize,
		QueueCapacity: appCfg.Logger.QueueCapacity,
		FlushInterval: appCfg.Logger.FlushInterval,
		StoreTimeout:  appCfg.Logger.StoreTimeout,
	}, store, fallback)
	if err != nil {
		logger.Fatalf("initialise pipeline: %v", err)
	}
	pipeline.SetDefault(pipelineLogger)

	status := pipelineLogger.Status()
	logger.Printf("pipeline started: backend=%s ready=%t fallback=%s", status.Backend, status.Ready, status.FallbackPath)

	var lifecycle conc.WaitGroup

	apiServer := &http.Server{
		Addr:              appCfg.APIServer.Addr,
		Handler:           httpserver.NewHandler(appCfg.Environment, pipelineLogger),
		ReadHeaderTimeout: controlReadHeaderTimeout,
	}
	lifecycle.Go(func() {
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("admin server: %v", err)
		}
	})
	logger.Printf("admin API listening on %s", apiServer.Addr)

	if demo {
		lifecycle.Go(func() { runDemo(ctx, logger, pipelineLogger) })
	}

	logger.Print("convolog started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:     apiServer,
		mainCancel: cancel,
		lifecycle:  &lifecycle,
		pipeline:   pipelineLogger,
		fallback:   fallback,
		telemetry:  telemetryShutdown,
	})

	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() (string, bool) {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	demo := flag.Bool("demo", false, "Run a demonstration conversation against the pipeline")
	flag.Parse()
	return *cfgPath, *demo
}

// runDemo drives a pair of sample conversations through the pipeline so a
// fresh deployment can be verified end to end.
func runDemo(ctx context.Context, logger *log.Logger, pl *pipeline.Logger) {
	sessionID := "demo-" + uuid.NewString()
	logger.Printf("demo: running conversation %s", sessionID)

	err := pl.Session(sessionID).Run(func(s *pipeline.Session) error {
		s.Info("conversation started", map[string]any{"channel": "demo"})
		s.Debug("retrieving context", map[string]any{"documents": 3})
		s.Info("response generated", map[string]any{"tokens": 412, "latency_ms": 384})
		return nil
	})
	if err != nil {
		logger.Printf("demo: conversation failed: %v", err)
	}

	failingID := "demo-" + uuid.NewString()
	err = pl.Session(failingID).Run(func(s *pipeline.Session) error {
		s.Info("conversation started", map[string]any{"channel": "demo"})
		return fmt.Errorf("upstream model timed out")
	})
	if err != nil {
		logger.Printf("demo: conversation %s surfaced error as expected: %v", failingID, err)
	}

	select {
	case <-ctx.Done():
	default:
		logger.Print("demo: conversations flushed; inspect the store or fallback file")
	}
}

type gracefulShutdownConfig struct {
	server     *http.Server
	mainCancel context.CancelFunc
	lifecycle  *conc.WaitGroup
	pipeline   *pipeline.Logger
	fallback   *sink.Fallback
	telemetry  func(context.Context) error
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, stepCancel := context.WithTimeout(ctx, timeout)
		defer stepCancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	if cfg.server != nil {
		shutdownStep("stopping admin server", serverShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	logger.Print("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", pipelineShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.pipeline != nil {
		shutdownStep("draining log pipeline", pipelineShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.pipeline.Close(stepCtx)
		})
	}

	if cfg.fallback != nil {
		shutdownStep("closing fallback sink", serverShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.fallback.Close()
		})
	}

	if cfg.telemetry != nil {
		shutdownStep("flushing telemetry", telemetryShutdownTimeout, cfg.telemetry)
	}
}
