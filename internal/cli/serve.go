package cli

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/agentworkforce/schoolsync/internal/httpapi"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr            string
	RefreshInterval time.Duration
	RefreshJitter   float64
	FeedCheck       time.Duration

	// onListen is called with the bound address once the listener is open.
	onListen func(net.Addr)
}

func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return newServeCommand(&ServeOptions{RootOptions: rootOpts})
}

func newServeCommand(opts *ServeOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the reconciliation engine behind the HTTP API",
		Long: `Load the record collection, follow the store's change feed and serve the
HTTP API until interrupted.

Example:
  schoolsync serve --dsn postgres://localhost/schools --addr :8080
  schoolsync serve --refresh-interval 5m`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (default from config)")
	cmd.Flags().DurationVar(&opts.RefreshInterval, "refresh-interval", 0, "periodic full refresh interval (0 disables)")
	cmd.Flags().Float64Var(&opts.RefreshJitter, "refresh-jitter", 0.2, "refresh interval jitter ratio (0.0-1.0)")
	cmd.Flags().DurationVar(&opts.FeedCheck, "feed-check", 0, "how often to reopen a closed change feed (default from config, 0 disables)")
	return cmd
}

func runServe(cmd *cobra.Command, opts *ServeOptions) error {
	rt, err := openRuntime(opts.RootOptions, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer rt.Close()

	cfg := rt.cfg
	if addr := strings.TrimSpace(opts.Addr); addr != "" {
		cfg.Addr = addr
	}
	if cmd.Flags().Changed("refresh-interval") {
		cfg.Refresh.Interval = opts.RefreshInterval
	}
	if cmd.Flags().Changed("refresh-jitter") {
		cfg.Refresh.Jitter = opts.RefreshJitter
	}
	if cmd.Flags().Changed("feed-check") && opts.FeedCheck >= 0 {
		cfg.Refresh.FeedCheck = opts.FeedCheck
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, unix.SIGTERM)
	defer stop()

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}
	server := &http.Server{
		Handler: httpapi.NewServerWithConfig(rt.engine, httpapi.ServerConfig{
			RateLimitMax:    cfg.HTTP.RateLimitMax,
			RateLimitWindow: cfg.HTTP.RateLimitWindow,
			MaxBodyBytes:    cfg.HTTP.MaxBodyBytes,
			Registry:        rt.registry,
			Logger:          rt.logger.With("component", "http"),
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	startCtx, cancelStart := context.WithTimeout(ctx, cfg.Refresh.Timeout)
	if err := rt.engine.Start(startCtx); err != nil {
		rt.logger.Warn("engine started degraded", "error", err)
	}
	cancelStart()

	rt.logger.Info("schoolsync listening", "addr", listener.Addr().String(), "table", cfg.Table)
	if opts.onListen != nil {
		opts.onListen(listener.Addr())
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		rt.logger.Info("shutting down")
		// Engine first: its final snapshot closes open streams.
		rt.engine.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		periodicRefresh(gctx, rt.engine, cfg.Refresh.Interval, cfg.Refresh.Jitter, cfg.Refresh.Timeout, rt.logger)
		return nil
	})
	g.Go(func() error {
		superviseFeed(gctx, rt.engine, cfg.Refresh.FeedCheck, cfg.Refresh.Jitter, cfg.Refresh.Timeout, rt.logger)
		return nil
	})
	if err := g.Wait(); err != nil {
		return WrapExitError(ExitFailure, "server failed", err)
	}
	return nil
}
