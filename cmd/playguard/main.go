// Command playguard governs video playback in browser pages: videos that
// scroll into view are paused unless the user clicked their player.
//
// Usage:
//
//	playguard -config playguard.yaml             # govern the configured pages
//	playguard -url https://example.com/home      # govern a single page
//	playguard -simulate scenario.yaml            # replay a scripted feed, print decisions
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hazyhaar/playguard/playguard"
	"github.com/hazyhaar/playguard/simulate"
)

func main() {
	configPath := flag.String("config", "", "path to playguard.yaml")
	singleURL := flag.String("url", "", "govern a single URL")
	scenario := flag.String("simulate", "", "replay a scenario file against an in-memory page and exit")
	admin := flag.String("admin", "", "admin API listen address (overrides config)")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(*logLevel)}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch {
	case *scenario != "":
		err = runSimulation(ctx, logger, *scenario)
	case *configPath != "" || *singleURL != "":
		err = runService(ctx, logger, *configPath, *singleURL, *admin)
	default:
		fmt.Fprintln(os.Stderr, "usage: playguard -config <file> | -url <url> | -simulate <scenario>")
		os.Exit(2)
	}
	if err != nil {
		logger.Error("playguard: fatal", "error", err)
		os.Exit(1)
	}
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func runSimulation(ctx context.Context, logger *slog.Logger, path string) error {
	sc, err := simulate.Load(path)
	if err != nil {
		return err
	}
	res, err := simulate.Run(ctx, sc, os.Stdout, logger)
	if err != nil {
		return err
	}
	summary, _ := json.Marshal(res)
	logger.Info("playguard: simulation done", "result", json.RawMessage(summary))
	return nil
}

func runService(ctx context.Context, logger *slog.Logger, configPath, singleURL, adminAddr string) error {
	cfg, err := playguard.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if singleURL != "" {
		cfg.Pages = append(cfg.Pages, playguard.PageConfig{ID: "cli", URL: singleURL})
	}
	if adminAddr != "" {
		cfg.Admin.Listen = adminAddr
	}

	svc := playguard.New(cfg, logger)
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	defer svc.Stop()

	if cfg.Admin.Listen == "" {
		<-ctx.Done()
		return nil
	}

	srv := &http.Server{
		Addr:              cfg.Admin.Listen,
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info("playguard: admin listening", "addr", cfg.Admin.Listen)
		errc <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin: %w", err)
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
