package cli

import (
	"context"
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

	"github.com/roach88/scoresync/internal/harness"
	"github.com/roach88/scoresync/internal/presence"
	"github.com/roach88/scoresync/internal/remote"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr string
	Seed string

	// ready, when set, receives the listener address once serving (for
	// testing).
	ready func(addr string)
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve an in-memory store of record",
		Long: `Serve an in-memory store of record for devices to sync against, with a
presence hub for advisory editing signals. State lives only as long as the
process; use it for local development and event rehearsals.

Routes:
  GET  /entities/{id}          entity JSON
  GET  /entities/{id}/history  edit history
  POST /batches                submit a batch of mutations
  GET  /changes                websocket change stream
  GET  /presence               websocket presence hub

Example:
  scoresync serve --addr :8088 --seed fixtures/event.yaml`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "127.0.0.1:8088", "listen address")
	cmd.Flags().StringVar(&opts.Seed, "seed", "", "YAML list of entities to start with")

	return cmd
}

// newServerRouter mounts the store of record and the presence hub.
func newServerRouter(mem *remote.Memory, hub *presence.Hub, opts *RootOptions, cmd *cobra.Command) http.Handler {
	logger := newLogger(opts, cmd.ErrOrStderr())
	r := chi.NewRouter()
	r.Handle("/presence", hub)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Mount("/", remote.Handler(mem, logger))
	return r
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)
	logger := newLogger(opts.RootOptions, cmd.ErrOrStderr())

	mem := remote.NewMemory(remote.WithMemoryLogger(logger))
	if opts.Seed != "" {
		seeds, err := harness.LoadSeed(opts.Seed)
		if err != nil {
			return formatter.Fail(ExitCommandError, "failed to load seed", err)
		}
		now := time.Now()
		for _, s := range seeds {
			if _, err := s.Apply(mem, now); err != nil {
				return formatter.Fail(ExitCommandError, "failed to seed", err)
			}
		}
		formatter.VerboseLog("seeded %d entities", len(seeds))
	}

	ln, err := net.Listen("tcp", opts.Addr)
	if err != nil {
		return formatter.Fail(ExitCommandError, "failed to listen", err)
	}

	srv := &http.Server{
		Handler:           newServerRouter(mem, presence.NewHub(logger), opts.RootOptions, cmd),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, cancel := context.WithCancel(commandContext(cmd))
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan) // Prevent signal handler leak

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	fmt.Fprintf(cmd.OutOrStdout(), "Store of record listening on %s. Press Ctrl-C to stop.\n", ln.Addr())
	if opts.ready != nil {
		opts.ready(ln.Addr().String())
	}

	select {
	case err := <-errc:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return WrapExitError(ExitFailure, "server error", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		_ = srv.Close()
	}
	logger.Info("server stopped")
	return nil
}
