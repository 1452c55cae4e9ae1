package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ihoward40/SintraPrime-sub012/pkg/api"
	"github.com/ihoward40/SintraPrime-sub012/pkg/config"
	"github.com/ihoward40/SintraPrime-sub012/pkg/engine"
	"github.com/ihoward40/SintraPrime-sub012/pkg/observability"
)

const (
	shutdownTimeout = 10 * time.Second
	idempotencyTTL  = 10 * time.Minute
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the speech gate HTTP API",
		Long: `Run the speech gate HTTP API.

SIGHUP re-reads the configuration and applies the new voice budget.
SIGINT or SIGTERM drains queued speech, writes the checkpoint and exits.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load(cmd)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.HTTP.Addr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			hup := make(chan os.Signal, 1)
			signal.Notify(hup, syscall.SIGHUP)
			defer signal.Stop(hup)

			return serve(ctx, cfg, serveHooks{
				console: cmd.OutOrStdout(),
				logger:  logger,
				reload:  hup,
				load:    func() (*config.Config, error) { return config.LoadFrom(opts.envFile) },
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides SPEECH_HTTP_ADDR)")
	return cmd
}

type serveHooks struct {
	console io.Writer
	logger  *slog.Logger
	reload  <-chan os.Signal
	load    func() (*config.Config, error)
	// ready receives the bound address once the listener is up.
	ready func(addr string)
}

func serve(ctx context.Context, cfg *config.Config, h serveHooks) (err error) {
	logger := h.logger
	if logger == nil {
		logger = slog.Default()
	}

	oc := observability.DefaultConfig()
	oc.Environment = cfg.Environment
	oc.OTLPEndpoint = cfg.OTelEndpoint
	oc.Enabled = cfg.OTelEnabled
	oc.Insecure = !cfg.Production()
	obs, err := observability.New(ctx, oc)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if serr := obs.Shutdown(sctx); serr != nil {
			logger.Warn("observability shutdown failed", "error", serr)
		}
	}()

	e, err := engine.FromConfig(ctx, cfg, engine.Deps{
		Console:    h.console,
		HTTPClient: &http.Client{Timeout: 2 * cfg.FallbackTimeout},
		Obs:        obs,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	if cfg.Checkpoint != "" {
		n, err := e.LoadCheckpoint(cfg.Checkpoint)
		if err != nil {
			_ = e.Close(context.Background())
			return err
		}
		logger.Info("checkpoint restored", "path", cfg.Checkpoint, "gates", n)
	}

	srv, err := api.NewServer(e, api.Config{
		RPS:            cfg.HTTP.RPS,
		Burst:          cfg.HTTP.Burst,
		Secret:         cfg.HTTP.Secret,
		IdempotencyTTL: idempotencyTTL,
		Chain:          e.Dispatcher().Chain(),
		SLO:            obs.SLO(),
	}, logger.With("component", "api"))
	if err != nil {
		_ = e.Close(context.Background())
		return err
	}
	defer srv.Close()

	ln, err := net.Listen("tcp", cfg.HTTP.Addr)
	if err != nil {
		_ = e.Close(context.Background())
		return fmt.Errorf("listen %s: %w", cfg.HTTP.Addr, err)
	}
	httpSrv := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- httpSrv.Serve(ln) }()
	logger.Info("speech gate listening", "addr", ln.Addr().String(), "auth", cfg.HTTP.Secret != "")
	if h.ready != nil {
		h.ready(ln.Addr().String())
	}

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				_ = e.Close(context.Background())
				return fmt.Errorf("http server: %w", err)
			}
			break loop
		case <-h.reload:
			reloadBudget(e, h.load, logger)
		}
	}

	logger.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(sctx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	var errs []error
	if err := e.Close(sctx); err != nil {
		errs = append(errs, err)
	}
	// after Close so drained dispatches are counted
	if cfg.Checkpoint != "" {
		if err := e.SaveCheckpoint(cfg.Checkpoint); err != nil {
			errs = append(errs, err)
		} else {
			logger.Info("checkpoint written", "path", cfg.Checkpoint)
		}
	}
	return errors.Join(errs...)
}

// reloadBudget applies a re-read voice budget. Other settings need a restart.
func reloadBudget(e *engine.Engine, load func() (*config.Config, error), logger *slog.Logger) {
	if load == nil {
		return
	}
	cfg, err := load()
	if err != nil {
		logger.Error("config reload failed, keeping current settings", "error", err)
		return
	}
	e.SetVoiceBudget(cfg.VoiceBudget)
	logger.Info("config reloaded", "voice_budget", cfg.VoiceBudget)
}
