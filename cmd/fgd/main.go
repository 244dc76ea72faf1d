package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Witriol/filegetter/internal/api"
	"github.com/Witriol/filegetter/internal/app"
	"github.com/Witriol/filegetter/internal/config"
	"github.com/Witriol/filegetter/internal/db"
	"github.com/Witriol/filegetter/internal/getter"
	"github.com/Witriol/filegetter/internal/journal"
	"github.com/Witriol/filegetter/internal/log"
)

// set with -ldflags "-X main.version=..."
var version string

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to YAML config (default $FG_CONFIG)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(2)
	}
	logger := log.New(cfg.Verbose, os.Stderr)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("fgd stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	logger.Info("fgd starting", "version", versionString(), "engine", cfg.Engine)

	dbConn, err := db.Open(cfg.Journal)
	if err != nil {
		return err
	}
	defer dbConn.Close()

	pipeline := app.New(cfg)
	defer pipeline.Close()

	server := &api.Server{
		Executor:  pipeline.Executor,
		Journal:   journal.NewStore(dbConn),
		Observer:  getter.LogObserver{Logger: logger},
		DataRoots: cfg.DataRoots,
		CacheDir:  cfg.CacheDir,
	}
	httpServer := &http.Server{
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return err
	}
	logger.Info("fgd listening", "addr", ln.Addr().String())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("fgd shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func versionString() string {
	if version == "" {
		return "dev"
	}
	return version
}
