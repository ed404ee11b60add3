// Package daemonrun wires the full daemon runtime: stores, providers, the
// pipeline controller, the HTTP API, and the IPC socket.
package daemonrun

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"recap/internal/blob"
	"recap/internal/config"
	"recap/internal/daemon"
	"recap/internal/gate"
	"recap/internal/ipc"
	"recap/internal/jobstore"
	"recap/internal/ledger"
	"recap/internal/logging"
	"recap/internal/metrics"
	"recap/internal/pipeline"
	"recap/internal/progress"
	"recap/internal/services/chapters"
	transcodersvc "recap/internal/services/transcoder"
	"recap/internal/services/tts"
	"recap/internal/services/vision"
)

// Options configures daemon process runtime behavior.
type Options struct {
	// LogLevel overrides the configured log level when non-empty.
	LogLevel string
	// SocketPath overrides the configured IPC socket when non-empty.
	SocketPath string
}

// Run starts the recap daemon runtime loop and blocks until the context is
// cancelled or a termination signal arrives.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	level := cfg.Logging.Level
	if strings.TrimSpace(opts.LogLevel) != "" {
		level = opts.LogLevel
	}
	logger, err := logging.New(logging.Options{
		Level:       level,
		Format:      cfg.Logging.Format,
		OutputPaths: []string{"stdout", filepath.Join(cfg.Paths.LogDir, "recapd.log")},
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	pidPath := filepath.Join(cfg.Paths.DataDir, "recapd.pid")
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	store, err := jobstore.Open(cfg)
	if err != nil {
		logger.Error("open job store", logging.Error(err))
		return err
	}
	quotaLedger, err := ledger.Open(cfg)
	if err != nil {
		store.Close()
		logger.Error("open quota ledger", logging.Error(err))
		return err
	}
	blobs, err := blob.New(cfg)
	if err != nil {
		store.Close()
		quotaLedger.Close()
		logger.Error("open blob gateway", logging.Error(err))
		return err
	}

	deps, err := providerClients(cfg)
	if err != nil {
		store.Close()
		quotaLedger.Close()
		return err
	}

	m := metrics.New()
	deps.Metrics = m
	bus := progress.NewBus()
	controller := pipeline.New(cfg, store, quotaLedger, blobs, gate.New(cfg, logger), bus, deps, logger)

	d, err := daemon.New(cfg, store, quotaLedger, blobs, bus, controller, m, logger)
	if err != nil {
		store.Close()
		quotaLedger.Close()
		return fmt.Errorf("create daemon: %w", err)
	}
	defer d.Close()

	socketPath := cfg.Paths.SocketPath
	if strings.TrimSpace(opts.SocketPath) != "" {
		socketPath = opts.SocketPath
	}
	ipcServer, err := ipc.NewServer(signalCtx, socketPath, d, logger)
	if err != nil {
		return fmt.Errorf("start ipc server: %w", err)
	}
	defer ipcServer.Close()
	ipcServer.Serve()

	if err := d.Start(signalCtx); err != nil {
		logger.Warn("daemon start failed", logging.Error(err))
	}

	<-signalCtx.Done()
	logger.Info("recap daemon shutting down")
	return nil
}

// providerClients builds the external service clients from configuration.
// Every provider needs a base URL before the daemon can process jobs.
func providerClients(cfg *config.Config) (pipeline.Deps, error) {
	visionClient, err := vision.New(cfg.Providers[config.ProviderVision])
	if err != nil {
		return pipeline.Deps{}, fmt.Errorf("providers.%s: %w", config.ProviderVision, err)
	}
	ttsClient, err := tts.New(cfg.Providers[config.ProviderTTS])
	if err != nil {
		return pipeline.Deps{}, fmt.Errorf("providers.%s: %w", config.ProviderTTS, err)
	}
	chaptersClient, err := chapters.New(cfg.Providers[config.ProviderChapters])
	if err != nil {
		return pipeline.Deps{}, fmt.Errorf("providers.%s: %w", config.ProviderChapters, err)
	}
	return pipeline.Deps{
		Vision:     visionClient,
		TTS:        ttsClient,
		Chapters:   chaptersClient,
		Transcoder: transcodersvc.NewSubprocess(cfg.Transcoder),
	}, nil
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}
