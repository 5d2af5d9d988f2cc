package cli

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/scoresync/internal/config"
	"github.com/roach88/scoresync/internal/engine"
	"github.com/roach88/scoresync/internal/policy"
	"github.com/roach88/scoresync/internal/remote"
	"github.com/roach88/scoresync/internal/store"
)

// deviceEnv is an opened device: its config, local store and engine.
type deviceEnv struct {
	cfg      *config.Config
	policies *policy.Set
	store    *store.Store
	remote   *remote.HTTPClient
	engine   *engine.Engine
	logger   *slog.Logger
}

// newLogger builds the text logger used by every command. Verbose turns on
// debug records.
func newLogger(opts *RootOptions, w io.Writer) *slog.Logger {
	level := slog.LevelWarn
	if opts.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// loadConfig reads the file named by --config, or the defaults.
func loadConfig(opts *RootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err).withKind(ErrCodeConfig)
	}
	return cfg, nil
}

// loadPolicies compiles the configured policy file or the built-in one.
func loadPolicies(cfg *config.Config) (*policy.Set, error) {
	var (
		set *policy.Set
		err error
	)
	if cfg.PolicyFile == "" {
		set, err = policy.Default()
	} else {
		set, err = policy.Load(cfg.PolicyFile)
	}
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load policies", err).withKind(ErrCodePolicy)
	}
	return set, nil
}

// openDevice loads the config, opens the local store and starts an engine
// bound to the configured store of record. Close it when done.
func openDevice(ctx context.Context, opts *RootOptions, cmd *cobra.Command) (*deviceEnv, error) {
	logger := newLogger(opts, cmd.ErrOrStderr())

	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	policies, err := loadPolicies(cfg)
	if err != nil {
		return nil, err
	}
	rem, err := cfg.HTTPRemote(logger)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to configure remote", err).withKind(ErrCodeConfig)
	}

	logger.Debug("opening database", "path", cfg.Database)
	st, err := store.Open(cfg.Database, cfg.StoreOptions()...)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err).withKind(ErrCodeStore)
	}

	engineOpts := append(cfg.EngineOptions(),
		engine.WithPolicies(policies),
		engine.WithLogger(logger),
	)
	eng, err := engine.New(ctx, st, rem, engineOpts...)
	if err != nil {
		_ = st.Close()
		return nil, WrapExitError(ExitCommandError, "failed to start engine", err).withKind(ErrCodeStore)
	}

	return &deviceEnv{
		cfg:      cfg,
		policies: policies,
		store:    st,
		remote:   rem,
		engine:   eng,
		logger:   logger,
	}, nil
}

// Close stops the engine and closes the local store.
func (d *deviceEnv) Close() error {
	d.engine.Stop()
	return d.store.Close()
}

// commandContext returns the command's context, or Background when the
// command was executed without one.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// withDevice opens the device, runs fn and closes the device, joining a
// close error onto fn's.
func withDevice(opts *RootOptions, cmd *cobra.Command, fn func(ctx context.Context, d *deviceEnv) error) (err error) {
	ctx := commandContext(cmd)
	d, err := openDevice(ctx, opts, cmd)
	if err != nil {
		_ = newFormatter(opts, cmd).Error(errorCode(err), err.Error(), nil)
		return err
	}
	defer func() {
		if closeErr := d.Close(); closeErr != nil {
			err = errors.Join(err, closeErr)
		}
	}()
	return fn(ctx, d)
}
