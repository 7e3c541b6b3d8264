// Command caldav-bridge serves groupware calendars over CalDAV.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/open-xchange/appsuite-middleware-sub085/internal/config"
	"github.com/open-xchange/appsuite-middleware-sub085/server"
	"github.com/open-xchange/appsuite-middleware-sub085/server/auth"
	authmemory "github.com/open-xchange/appsuite-middleware-sub085/server/auth/memory"
	"github.com/open-xchange/appsuite-middleware-sub085/server/davsync"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "hash-password" {
		if err := hashPassword(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		return
	}

	configPath := flag.String("config", "caldav-bridge.yaml", "path to the YAML configuration")
	listen := flag.String("listen", "", "listen address (overrides the configuration)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading configuration: %v\n", err)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.Listen = *listen
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "creating logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("listen", cfg.Listen),
		zap.String("base_path", cfg.BasePath))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server error", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	zc.Level = lvl
	return zc.Build()
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	backend, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer backend.close()

	engine := davsync.New(backend.store, davsync.Options{
		MaxTokenAge: cfg.Retention(),
		Logger:      logger.Named("sync"),
	})

	users := authmemory.New(authmemory.WithLogger(logger.Named("auth")))
	for _, u := range cfg.Users {
		if err := users.AddHashedUser(u.Name, u.Salt, u.Hash); err != nil {
			return fmt.Errorf("configuring users: %w", err)
		}
	}

	handler := server.NewCaldavHandler(server.Options{
		Prefix:            cfg.BasePath,
		Store:             backend.store,
		Directory:         backend.directory,
		Sync:              engine,
		Window:            cfg.SyncWindow.Resolve,
		StrictRange:       cfg.StrictRange,
		AttachmentBaseURL: cfg.AttachmentBaseURL,
		Identity:          auth.UserID,
		HomeFolders:       cfg.HomeFolders,
		Logger:            logger.Named("caldav"),
	})

	mux := http.NewServeMux()
	mux.Handle(cfg.BasePath, handler)
	mux.HandleFunc("/.well-known/caldav", handler.ServeWellKnown)
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           auth.Middleware(users, cfg.Realm, logger.Named("auth"))(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	scheduler := cron.New(cron.WithLogger(cronLogger{logger.Named("cron").Sugar()}))
	if _, err := scheduler.AddFunc(cfg.PurgeCron, func() {
		if _, err := engine.Purge(ctx); err != nil {
			logger.Error("tombstone purge failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("scheduling purge %q: %w", cfg.PurgeCron, err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.Listen))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}

func hashPassword(args []string) error {
	fs := flag.NewFlagSet("hash-password", flag.ContinueOnError)
	password := fs.String("password", "", "password to hash")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *password == "" {
		return errors.New("usage: caldav-bridge hash-password -password <secret>")
	}
	salt, hash, err := authmemory.NewHash(*password)
	if err != nil {
		return err
	}
	fmt.Printf("salt: %q\nhash: %q\n", salt, hash)
	return nil
}
