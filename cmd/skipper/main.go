package main

import (
	"context"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"skipper/internal/app"
	skcfg "skipper/internal/config"
	"skipper/internal/logger"
)

func main() {
	cfgPath := os.Getenv("SKIPPER_CONFIG")
	if cfgPath == "" {
		cfgPath = "configs/config.yaml"
	}

	cfg, err := skcfg.Load(cfgPath)
	if err != nil {
		log.Fatalf("loading config failed: %v", err)
	}
	logFile, err := setupLogOutput(cfg.App.LogPath)
	if err != nil {
		log.Fatalf("initializing log file failed: %v", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}
	logger.SetLevel(cfg.App.LogLevel)
	logger.Infof("config loaded (env=%s, store=%s)", cfg.App.Env, cfg.Store.Path)

	a, err := app.NewApp(cfg)
	if err != nil {
		log.Fatalf("initializing application failed: %v", err)
	}

	watcher, err := skcfg.NewWatcher(cfgPath, cfg)
	if err != nil {
		logger.Warnf("config watcher disabled: %v", err)
	} else {
		watcher.Subscribe(a.ApplyConfig)
		defer watcher.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Run(ctx); err != nil {
		log.Fatalf("run failed: %v", err)
	}
}

func setupLogOutput(path string) (*os.File, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, nil
	}
	dir := filepath.Dir(trimmed)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	file, err := os.OpenFile(trimmed, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	mw := io.MultiWriter(os.Stdout, file)
	log.SetOutput(mw)
	logger.SetOutput(mw)
	return file, nil
}
