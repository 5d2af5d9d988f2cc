package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/scoresync/internal/metrics"
	"github.com/roach88/scoresync/internal/model"
	"github.com/roach88/scoresync/internal/policy"
	"github.com/roach88/scoresync/internal/remote"
	"github.com/roach88/scoresync/internal/store"
	"github.com/roach88/scoresync/internal/version"
)

// Defaults for the sync orchestrator.
const (
	DefaultBatchSize        = 50
	DefaultMinimalBatchSize = 10
	DefaultMaxAttempts      = 5
	DefaultCycleAttempts    = 3
	DefaultMaxRounds        = 8
	DefaultInterval         = 30 * time.Second
	DefaultInitialBackoff   = 500 * time.Millisecond
	DefaultMaxBackoff       = 30 * time.Second
	DefaultJitter           = 0.5

	// maxRecoveryAttempts is the number of failed recoveries of one batch
	// after which the interruption is surfaced.
	maxRecoveryAttempts = 2
)

// Engine is the device-side sync orchestrator.
//
// Store writes (enqueue, settling server verdicts, ingesting change
// notifications) are serialized by writeMu and never wait on the network.
// Sync cycles are serialized by syncMu; a cycle holds writeMu only while it
// reads the queue or settles a result, so UI writes proceed during a round
// trip.
//
// Thread-safety model:
//   - UI API (EnqueueMutation, View, Subscribe*, Retry, Discard): safe from
//     any goroutine
//   - Run(): must be called from exactly one goroutine
//   - SyncOnce()/Recover(): safe from any goroutine; cycles never overlap
type Engine struct {
	store    *store.Store
	remote   remote.Remote
	policies *policy.Set
	tracker  *version.Tracker
	skew     *version.SkewClock
	ids      IDGenerator
	network  *Classifier
	metrics  *metrics.Metrics
	logger   *slog.Logger
	wall     WallClock
	cycles   *Clock
	queue    *eventQueue
	state    *stateMachine
	failures *failureHub
	clientID string
	cfg      settings

	writeMu    sync.Mutex
	syncMu     sync.Mutex
	subscribed atomic.Bool

	presenceMu sync.RWMutex
	presence   EditObserver
}

type settings struct {
	clientID         string
	batchSize        int
	minimalBatchSize int
	maxAttempts      int
	cycleAttempts    int
	maxRounds        int
	interval         time.Duration
	initialBackoff   time.Duration
	maxBackoff       time.Duration
	jitter           float64
	maxClients       int
	retention        time.Duration
}

// EngineOption allows configuration of engine parameters.
type EngineOption func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithWallClock sets the local time source.
func WithWallClock(now WallClock) EngineOption {
	return func(e *Engine) {
		e.wall = now
	}
}

// WithIDGenerator sets the id generator for mutations, batches and the
// client id.
func WithIDGenerator(g IDGenerator) EngineOption {
	return func(e *Engine) {
		e.ids = g
	}
}

// WithPolicies sets the entity resolution policies.
func WithPolicies(s *policy.Set) EngineOption {
	return func(e *Engine) {
		e.policies = s
	}
}

// WithMetrics sets the metrics the engine reports to.
func WithMetrics(m *metrics.Metrics) EngineOption {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithClassifier sets the network quality classifier.
func WithClassifier(c *Classifier) EngineOption {
	return func(e *Engine) {
		e.network = c
	}
}

// WithClientID pins the local client id. A store already bound to a
// different id is refused.
func WithClientID(id string) EngineOption {
	return func(e *Engine) {
		e.cfg.clientID = id
	}
}

// WithBatchSize bounds full and minimal batches.
func WithBatchSize(full, minimal int) EngineOption {
	return func(e *Engine) {
		e.cfg.batchSize = full
		e.cfg.minimalBatchSize = minimal
	}
}

// WithMaxAttempts sets the transmission attempts after which a mutation is
// parked for manual action.
func WithMaxAttempts(n int) EngineOption {
	return func(e *Engine) {
		e.cfg.maxAttempts = n
	}
}

// WithCycleAttempts sets how many times one cycle tries a batch before
// giving up until the next cycle.
func WithCycleAttempts(n int) EngineOption {
	return func(e *Engine) {
		e.cfg.cycleAttempts = n
	}
}

// WithBackoff configures the exponential backoff between attempts.
func WithBackoff(initial, ceiling time.Duration, jitter float64) EngineOption {
	return func(e *Engine) {
		e.cfg.initialBackoff = initial
		e.cfg.maxBackoff = ceiling
		e.cfg.jitter = jitter
	}
}

// WithInterval sets the periodic sync timer of Run.
func WithInterval(d time.Duration) EngineOption {
	return func(e *Engine) {
		e.cfg.interval = d
	}
}

// WithVersionPruning caps tracked writers per version vector.
func WithVersionPruning(maxClients int, retention time.Duration) EngineOption {
	return func(e *Engine) {
		e.cfg.maxClients = maxClients
		e.cfg.retention = retention
	}
}

// WithPresence announces the device's unsynced edits to an EditObserver.
func WithPresence(o EditObserver) EngineOption {
	return func(e *Engine) {
		e.presence = o
	}
}

// New creates an Engine over a local store and a remote store of record.
//
// The client id is loaded from the store, or generated and persisted on
// first use. The persisted clock offset seeds skew correction.
func New(ctx context.Context, s *store.Store, r remote.Remote, opts ...EngineOption) (*Engine, error) {
	e := &Engine{
		store:    s,
		remote:   r,
		ids:      UUIDv7Generator{},
		logger:   slog.Default(),
		wall:     time.Now,
		cycles:   NewClock(),
		queue:    newEventQueue(),
		failures: newFailureHub(),
		cfg: settings{
			batchSize:        DefaultBatchSize,
			minimalBatchSize: DefaultMinimalBatchSize,
			maxAttempts:      DefaultMaxAttempts,
			cycleAttempts:    DefaultCycleAttempts,
			maxRounds:        DefaultMaxRounds,
			interval:         DefaultInterval,
			initialBackoff:   DefaultInitialBackoff,
			maxBackoff:       DefaultMaxBackoff,
			jitter:           DefaultJitter,
			maxClients:       version.DefaultMaxClients,
			retention:        version.DefaultRetention,
		},
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.policies == nil {
		set, err := policy.Default()
		if err != nil {
			return nil, fmt.Errorf("load default policies: %w", err)
		}
		e.policies = set
	}
	if e.metrics == nil {
		e.metrics = metrics.New()
	}
	if e.network == nil {
		e.network = NewClassifier(0, 0)
	}
	e.cfg.cycleAttempts = max(e.cfg.cycleAttempts, 1)
	e.cfg.maxAttempts = max(e.cfg.maxAttempts, 1)
	e.cfg.maxRounds = max(e.cfg.maxRounds, 1)

	clientID, err := e.loadClientID(ctx)
	if err != nil {
		return nil, err
	}
	e.clientID = clientID

	offset, err := s.ClockOffset(ctx)
	if err != nil {
		return nil, storageError("load clock offset", err)
	}

	e.tracker = version.NewTracker(clientID,
		version.WithMaxClients(e.cfg.maxClients),
		version.WithRetention(e.cfg.retention),
	)
	e.skew = version.NewSkewClockAt(e.wall, offset)
	e.logger = e.logger.With("client", clientID)
	e.state = newStateMachine(func(st State) {
		e.metrics.SetState(string(st), states...)
	})
	e.metrics.SetState(string(StateIdle), states...)
	e.metrics.SetMode(string(e.network.Mode()), modes...)
	e.refreshPending(ctx)

	return e, nil
}

func (e *Engine) loadClientID(ctx context.Context) (string, error) {
	stored, err := e.store.ClientID(ctx)
	if err != nil {
		return "", storageError("load client id", err)
	}
	switch {
	case stored != "" && e.cfg.clientID != "" && stored != e.cfg.clientID:
		return "", fmt.Errorf("store belongs to client %q, not %q", stored, e.cfg.clientID)
	case stored != "":
		return stored, nil
	}

	id := e.cfg.clientID
	if id == "" {
		id = e.ids.Generate()
	}
	if err := e.store.SetClientID(ctx, id); err != nil {
		return "", storageError("persist client id", err)
	}
	return id, nil
}

// ClientID returns the local client id.
func (e *Engine) ClientID() string {
	return e.clientID
}

// Metrics returns the engine's metrics.
func (e *Engine) Metrics() *metrics.Metrics {
	return e.metrics
}

// Kick asks the Run loop for a sync cycle. Requests coalesce.
// Thread-safe: may be called from any goroutine.
func (e *Engine) Kick() {
	e.queue.Enqueue(Event{Type: EventTypeSync})
}

// Run starts the sync loop. Blocks until ctx is cancelled or Stop is called.
//
// The loop resumes an interrupted batch, subscribes to the change stream,
// and runs a sync cycle on every kick and on the periodic timer. Failed
// cycles are logged and retried on the next trigger; they never stop the
// loop.
//
// CRITICAL: Must be called from exactly ONE goroutine.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("engine starting", "interval", e.cfg.interval)

	if err := e.Recover(ctx); err != nil {
		e.logger.Warn("recovery deferred", "error", err)
	}
	e.announceEditing(ctx)
	e.subscribe(ctx)
	e.Kick()

	ticker := time.NewTicker(e.cfg.interval)
	defer ticker.Stop()

	for {
		if ev, ok := e.queue.TryDequeue(); ok {
			e.processEvent(ctx, ev)
			if e.queue.Len() == 0 {
				e.state.settle()
			}
			continue
		}

		select {
		case <-ctx.Done():
			e.logger.Info("engine stopping: context cancelled")
			e.queue.Close()
			return ctx.Err()

		case <-ticker.C:
			e.subscribe(ctx)
			e.Kick()

		case _, open := <-e.queue.Wait():
			if !open && e.queue.Len() == 0 {
				e.logger.Info("engine stopping: queue closed")
				return nil
			}
		}
	}
}

// Stop gracefully shuts down the Run loop.
func (e *Engine) Stop() {
	e.queue.Close()
}

// processEvent routes an event to its handler.
// Called only from the Run goroutine.
func (e *Engine) processEvent(ctx context.Context, ev Event) {
	switch ev.Type {
	case EventTypeSync:
		if err := e.SyncOnce(ctx); err != nil {
			e.logger.Warn("sync cycle failed", "error", err)
		}
	case EventTypeChange:
		if ev.Change == nil {
			return
		}
		if err := e.Ingest(ctx, *ev.Change); err != nil {
			e.logger.Error("change ingestion failed",
				"entity_id", ev.Change.Entity.ID,
				"error", err,
			)
		}
	}
}

// subscribe (re)opens the change stream when it is not running. Changes are
// pumped into the event queue so they are ingested by the Run goroutine.
func (e *Engine) subscribe(ctx context.Context) {
	if !e.subscribed.CompareAndSwap(false, true) {
		return
	}
	changes, err := e.remote.Subscribe(ctx)
	if err != nil {
		e.subscribed.Store(false)
		e.logger.Debug("change stream unavailable", "error", err)
		return
	}
	go func() {
		defer e.subscribed.Store(false)
		for c := range changes {
			if !e.queue.Enqueue(Event{Type: EventTypeChange, Change: &c}) {
				return
			}
		}
	}()
}

// Ingest applies a change notification from the store of record. The
// confirmed entity is replaced only by a causally newer version; the edit
// history entry is appended once.
func (e *Engine) Ingest(ctx context.Context, c remote.Change) error {
	if c.Entity == nil {
		return nil
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if c.Entry.EntityID != "" {
		if err := e.store.AppendHistory(ctx, c.Entry); err != nil {
			return storageError("ingest history", err)
		}
	}
	if c.Entry.Writer != "" {
		if err := e.store.TouchClient(ctx, c.Entry.Writer, c.Entry.EditedAt); err != nil {
			return storageError("ingest activity", err)
		}
	}

	local, err := e.store.Get(ctx, c.Entity.ID)
	if err != nil {
		return storageError("ingest read", err)
	}
	if !supersedes(c.Entity, local) {
		return nil
	}
	if err := e.store.Put(ctx, c.Entity); err != nil {
		return storageError("ingest write", err)
	}
	e.logger.Debug("change ingested",
		"entity_id", c.Entity.ID,
		"version", c.Entity.Version.String(),
		"writer", c.Entry.Writer,
	)
	return nil
}

// supersedes reports whether incoming should replace the confirmed entity.
func supersedes(incoming, local *model.Entity) bool {
	if incoming == nil {
		return false
	}
	if local == nil {
		return true
	}
	switch incoming.Version.Compare(local.Version) {
	case version.After, version.Concurrent:
		return true
	default:
		return false
	}
}

func (e *Engine) refreshPending(ctx context.Context) {
	n, err := e.store.PendingCount(ctx)
	if err != nil {
		e.logger.Warn("pending count unavailable", "error", err)
		return
	}
	e.metrics.Pending.Set(float64(n))
}
