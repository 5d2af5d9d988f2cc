package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"

	"github.com/roach88/scoresync/internal/presence"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	MetricsAddr string

	// ready, when set, receives the metrics listener address once serving
	// (for testing).
	ready func(addr string)
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the sync loop",
		Long: `Start the device's sync loop. An interrupted batch is resumed first;
after that the loop syncs on every change notification from the store of
record and on the configured interval.

With --metrics the loop's Prometheus metrics are served at /metrics and
its sync status, including who else is editing the device's unsynced
entities, at /status. With presence.url configured, editing presence is
broadcast to the hub.

Example:
  scoresync run --config device.yaml
  scoresync run --config device.yaml --metrics :9090 --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLoop(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics", "", "address to serve metrics on (e.g. :9090)")

	return cmd
}

func runLoop(opts *RunOptions, cmd *cobra.Command) error {
	// Setup signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(commandContext(cmd))
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan) // Prevent signal handler leak

	return withDevice(opts.RootOptions, cmd, func(_ context.Context, d *deviceEnv) error {
		go func() {
			select {
			case sig := <-sigChan:
				d.logger.Info("received signal, shutting down", "signal", sig)
				cancel()
			case <-ctx.Done():
				// Parent context cancelled (e.g., from test)
			}
		}()

		if opts.MetricsAddr != "" {
			stop, err := serveMetrics(ctx, opts, d)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to serve metrics", err)
			}
			defer stop()
		}

		if d.cfg.Presence.URL != "" {
			notifier, err := startPresence(ctx, d)
			if err != nil {
				// Presence is advisory; sync runs without it.
				d.logger.Warn("presence unavailable", "url", d.cfg.Presence.URL, "error", err)
			} else {
				d.engine.SetPresence(notifier)
				defer notifier.Close()
				defer d.engine.SetPresence(nil)
				go func() { _ = notifier.Run(ctx) }()
			}
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Sync loop started for %s. Press Ctrl-C to stop.\n", d.engine.ClientID())

		if err := d.engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			return WrapExitError(ExitFailure, "sync loop error", err)
		}
		d.logger.Info("sync loop stopped gracefully")
		return nil
	})
}

// serveMetrics starts the metrics listener. The returned func shuts it down.
func serveMetrics(ctx context.Context, opts *RunOptions, d *deviceEnv) (func(), error) {
	ln, err := net.Listen("tcp", opts.MetricsAddr)
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Handle("/metrics", d.engine.Metrics().Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		st, err := d.engine.Status(req.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(st)
	})

	srv := &http.Server{Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.logger.Error("metrics server failed", "error", err)
		}
	}()
	d.logger.Info("serving metrics", "addr", ln.Addr().String())
	if opts.ready != nil {
		opts.ready(ln.Addr().String())
	}

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}, nil
}

// startPresence connects the device's notifier to the configured hub.
func startPresence(ctx context.Context, d *deviceEnv) (*presence.Notifier, error) {
	notifier := presence.New(d.engine.ClientID(), nil,
		presence.WithTTL(d.cfg.Presence.TTL),
		presence.WithLogger(d.logger),
	)
	conn, err := presence.Dial(ctx, d.cfg.Presence.URL, notifier.Handle, d.logger)
	if err != nil {
		return nil, err
	}
	notifier.Attach(conn)
	return notifier, nil
}
