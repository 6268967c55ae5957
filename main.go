package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sys/cpu"

	"github.com/Tutortoise/darknet-detect-service/darknet"
	"github.com/Tutortoise/darknet-detect-service/detections"
	"github.com/Tutortoise/darknet-detect-service/internal/config"
)

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func main() {
	configPath := flag.String("config", "", "path to a JSON config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// No logger yet; the config decides its level.
		zap.NewExample().Fatal("failed to load config", zap.Error(err))
	}

	logger, err := newLogger(cfg.Debug)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	logger.Info("starting darknet detection service",
		zap.Int("cpus", runtime.NumCPU()),
		zap.Bool("avx2", cpu.X86.HasAVX2),
		zap.Bool("avx512", cpu.X86.HasAVX512),
		zap.Bool("neon", cpu.ARM64.HasASIMD),
	)

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	if err := darknet.CheckConfigFile(cfg.NetworkConfig); err != nil {
		return err
	}
	if cfg.Weights != "" {
		if err := darknet.CheckWeightsFile(cfg.Weights); err != nil {
			return err
		}
	}

	var labels []string
	if cfg.Names != "" {
		var err error
		if labels, err = detections.LoadLabels(cfg.Names); err != nil {
			return err
		}
		logger.Info("loaded class names", zap.Int("count", len(labels)))
	}

	// Validate already parsed both durations.
	acquireTimeout, _ := cfg.AcquireTimeoutDuration()
	healthCheckPeriod, _ := cfg.HealthCheckPeriodDuration()

	loader := func() (*darknet.Network, error) {
		return darknet.Load(cfg.NetworkConfig, cfg.Weights, cfg.ClearStats, darknet.WithLogger(logger))
	}
	pool, err := NewNetworkPool(loader, cfg.PoolSize, PoolOptions{
		AcquireTimeout:    acquireTimeout,
		HealthCheckPeriod: healthCheckPeriod,
		Logger:            logger,
	})
	if err != nil {
		return err
	}
	defer pool.Destroy()

	state := &AppState{
		Pool:   pool,
		Labels: labels,
		Params: detections.Params{
			Threshold:     cfg.Threshold,
			HierThreshold: cfg.HierThreshold,
			NMSThreshold:  cfg.NMSThreshold,
			LetterBox:     cfg.LetterBox,
		},
		Logger: logger,
	}

	srv := &http.Server{
		Handler:      state.Router(),
		Addr:         cfg.Listen,
		WriteTimeout: 60 * time.Second,
		ReadTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", srv.Addr), zap.Int("pool_size", pool.Size()))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
