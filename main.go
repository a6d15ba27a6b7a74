package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"adlaunch/api"
	"adlaunch/config"
	"adlaunch/ffmpeg"
	"adlaunch/graph"
	"adlaunch/notify"
	"adlaunch/orchestrator"
	"adlaunch/task"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	configFile string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "adlaunch",
	Short: "Launch ad campaigns from uploaded media folders",
	Long: `adlaunch accepts a campaign configuration plus a tree of images and
videos, then creates the campaign, one ad set per folder and one ad per
media file (or one carousel per folder) in the background. Progress is
streamed over /api/v1/events/ws.`,
	SilenceUsage: true,
	RunE:         runServer,
}

func init() {
	rootCmd.Flags().StringVarP(&configFile, "config", "c", "", "path to a .env or yaml config file")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "override LOG_LEVEL (debug, info, warn, error)")
}

func newLogger(level string) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
		zcfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	zcfg.EncoderConfig.TimeKey = "ts"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zcfg.Build()
}

func runServer(cmd *cobra.Command, args []string) error {
	// 1. Load configuration
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if logger.Core().Enabled(zapcore.DebugLevel) {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	// 2. Shared state: cancellation registry and event bus
	registry := task.NewRegistry(logger)
	bus := notify.NewEventBus(cfg.EventHistory, logger)

	// 3. Collaborators used by every run
	extractor, err := ffmpeg.NewExtractor(cfg, registry, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize frame extractor: %w", err)
	}
	clients := graph.NewFactory(graph.Options{
		BaseURL:    cfg.GraphURL,
		VideoURL:   cfg.GraphVideoURL,
		Version:    cfg.GraphVersion,
		HTTPClient: &http.Client{Timeout: cfg.GraphTimeout},
	})
	orch := orchestrator.New(cfg, registry, bus, clients, extractor, logger)

	// 4. Task manager drives the orchestrator
	taskManager, err := task.NewManager(cfg, registry, orch, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize task manager: %w", err)
	}

	// 5. Router and server
	router := api.SetupRouter(api.NewHandler(taskManager, bus, clients, cfg, logger))
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	taskManager.Start(ctx)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	}

	stop()
	logger.Info("shutting down gracefully, press Ctrl+C again to force")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	// Running tasks see the canceled context and stop at their next checkpoint.
	taskManager.Wait()
	logger.Info("server exiting")
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
