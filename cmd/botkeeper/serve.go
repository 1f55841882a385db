package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/loykin/botkeeper"
	tlsx "github.com/loykin/botkeeper/internal/tls"
)

// shutdownSignals stop the daemon; a second one exits at once.
var shutdownSignals = []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT}

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Run the botkeeper daemon",
		Long: `Run the daemon: resume workers that were running (or have
auto-restart set), then serve the control API until SIGINT, SIGTERM or
SIGQUIT, at which point every worker is stopped.

Examples:
  botkeeper serve
  botkeeper serve /etc/botkeeper/config.toml
  BOTKEEPER_SERVER_LISTEN=0.0.0.0:9000 botkeeper serve`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := globalFlags.ConfigPath
			if len(args) > 0 {
				path = args[0]
			}
			cfg, err := botkeeper.LoadConfig(path)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), shutdownSignals...)
			defer stop()
			exitOnSignalTwice(ctx)
			return runServe(ctx, cfg)
		},
	}
}

func runServe(ctx context.Context, cfg botkeeper.Config) error {
	in, err := botkeeper.Open(cfg)
	if err != nil {
		return err
	}
	slog.SetDefault(in.Logger())
	defer func() {
		if err := in.Close(); err != nil {
			in.Logger().Error("shutdown", "error", err)
		}
	}()

	if _, err := in.Boot(ctx); err != nil {
		return fmt.Errorf("boot: %w", err)
	}
	return serveHTTP(ctx, in.NewServer(), cfg, in.Logger())
}

// serveHTTP runs srv until ctx is done or the listener fails.
func serveHTTP(ctx context.Context, srv *http.Server, cfg botkeeper.Config, log *slog.Logger) error {
	tc, err := tlsx.Setup(cfg.Server.TLS())
	if err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	srv.TLSConfig = tc

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if tc != nil {
			log.Info("listening", "addr", srv.Addr, "scheme", "https", "base", cfg.Server.BasePath)
			err = srv.ListenAndServeTLS("", "")
		} else {
			log.Info("listening", "addr", srv.Addr, "scheme", "http", "base", cfg.Server.BasePath)
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown requested")
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

// exitOnSignalTwice makes a second interrupt during shutdown exit at once.
func exitOnSignalTwice(ctx context.Context) {
	go func() {
		<-ctx.Done()
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, shutdownSignals...)
		<-ch
		os.Exit(1)
	}()
}
