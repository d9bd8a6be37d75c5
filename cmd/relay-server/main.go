package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"relay/internal/config"
	"relay/internal/logging"
	"relay/internal/server/app"
	serverhttp "relay/internal/server/http"
	"relay/internal/server/ports"
	"relay/internal/upstream"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		cfgFile string
		host    string
		port    int
		debug   bool
	)

	cmd := &cobra.Command{
		Use:   "relay-server",
		Short: "Agent session streaming server (SSE + WebSocket)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("host") {
				cfg.Host = host
			}
			if cmd.Flags().Changed("port") {
				cfg.Port = port
			}
			if cmd.Flags().Changed("debug") {
				cfg.Debug = debug
			}
			return run(cfg)
		},
		SilenceUsage: true,
	}

	cmd.Flags().StringVar(&cfgFile, "config", "", "path to yaml config file")
	cmd.Flags().StringVar(&host, "host", "localhost", "listen host")
	cmd.Flags().IntVar(&port, "port", 8080, "listen port")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging and gin debug mode")
	return cmd
}

func run(cfg *config.ServerConfig) error {
	logger := logging.NewComponentLogger("Main")
	if cfg.Debug {
		logging.SetLevel(logging.LevelDebug)
	}
	logger.Info("Starting relay server on %s", cfg.Addr())

	hub := app.NewHub()
	registry := app.NewRegistry(&upstream.DemoClient{}, hub)
	reaper := app.NewReaper(registry, cfg.SweepInterval, cfg.SessionMaxIdle)

	router := serverhttp.NewRouter(cfg, registry, logStore{logger: logging.NewComponentLogger("MessageStore")})

	srv := &http.Server{
		Addr:        cfg.Addr(),
		Handler:     router,
		ReadTimeout: cfg.ReadTimeout,
		// No write timeout: SSE responses stay open indefinitely.
		WriteTimeout: 0,
		IdleTimeout:  cfg.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Server listening on %s", cfg.Addr())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return reaper.Run(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Server stopped")
	return nil
}

// logStore is the stand-in persistence collaborator for the demo binary.
// Real deployments wire their database layer through ports.MessageStore.
type logStore struct {
	logger logging.Logger
}

func (s logStore) SaveMessage(_ context.Context, msg ports.SavedMessage) error {
	s.logger.Info("Message assembled: session=%s message=%s chars=%d toolCalls=%d err=%q",
		msg.SessionID, msg.MessageID, len(msg.Content), len(msg.ToolCalls), msg.Error)
	return nil
}
