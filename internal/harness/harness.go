package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/scoresync/internal/engine"
	"github.com/roach88/scoresync/internal/model"
	"github.com/roach88/scoresync/internal/policy"
	"github.com/roach88/scoresync/internal/presence"
	"github.com/roach88/scoresync/internal/remote"
	"github.com/roach88/scoresync/internal/store"
	"github.com/roach88/scoresync/internal/testutil"
	"github.com/roach88/scoresync/internal/version"
)

// Trace event kinds.
const (
	OpSeed     = "seed"
	OpPull     = "pull"
	OpEnqueue  = "enqueue"
	OpSync     = "sync"
	OpRecover  = "recover"
	OpRestart  = "restart"
	OpOffline  = "offline"
	OpOnline   = "online"
	OpDrop     = "drop"
	OpAdvance  = "advance"
	OpRetry    = "retry"
	OpDiscard  = "discard"
	OpConflict = "conflict"
	OpFailure  = "failure"
	OpServer   = "server"
	OpDevice   = "device"
)

// Option configures a scenario run.
type Option func(*options)

type options struct {
	logger   *slog.Logger
	policies *policy.Set
	dir      string
}

// WithLogger sets the logger handed to every engine and the server.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithPolicies replaces the built-in tournament policy.
func WithPolicies(p *policy.Set) Option {
	return func(o *options) {
		o.policies = p
	}
}

// WithDir places device databases under dir instead of a fresh temporary
// directory. The caller owns dir.
func WithDir(dir string) Option {
	return func(o *options) {
		o.dir = dir
	}
}

// Run executes a scenario and returns its trace and assertion outcome.
//
// Every run starts from an empty store of record and fresh device
// databases. All devices and the server read one manual clock that only the
// scenario moves, and mutation ids come from per-device sequences, so the
// same scenario always produces the same trace.
//
// The returned error reports a harness failure (a device database that
// cannot be opened). A failed assertion is reported in the Result.
func Run(ctx context.Context, scenario *Scenario, opts ...Option) (*Result, error) {
	o := options{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, opt := range opts {
		opt(&o)
	}
	if o.policies == nil {
		p, err := policy.Default()
		if err != nil {
			return nil, fmt.Errorf("load default policy: %w", err)
		}
		o.policies = p
	}
	if o.dir == "" {
		dir, err := os.MkdirTemp("", "scoresync-"+scenario.Name+"-")
		if err != nil {
			return nil, fmt.Errorf("create scenario dir: %w", err)
		}
		defer os.RemoveAll(dir)
		o.dir = dir
	}

	w := newWorld(o)
	defer w.close()

	for _, e := range scenario.Seed {
		if err := w.seed(e); err != nil {
			return nil, err
		}
	}
	for _, d := range scenario.Devices {
		if err := w.join(ctx, d); err != nil {
			return nil, err
		}
	}

	for i, step := range scenario.Steps {
		if err := w.step(ctx, step); err != nil {
			return nil, fmt.Errorf("steps[%d]: %w", i, err)
		}
	}

	if err := w.final(ctx); err != nil {
		return nil, err
	}

	for _, a := range scenario.Assertions {
		if err := evaluateAssertion(ctx, w, a); err != nil {
			w.result.AddError(err.Error())
		}
	}
	return w.result, nil
}

// world is one store of record and the devices syncing against it.
type world struct {
	opts    options
	clock   *testutil.ManualClock
	server  *remote.Memory
	devices map[string]*device
	order   []string
	refs    map[string]string

	// presence carries every device's editing signals.
	presence presence.Loopback

	// mu guards result; conflict and failure callbacks append to it.
	mu     sync.Mutex
	result *Result
}

func newWorld(o options) *world {
	clock := testutil.NewManualClock(time.Time{})
	return &world{
		opts:  o,
		clock: clock,
		server: remote.NewMemory(
			remote.WithServerClock(clock.Now),
			remote.WithMemoryLogger(o.logger),
		),
		devices: make(map[string]*device),
		refs:    make(map[string]string),
		result:  NewResult(),
	}
}

func (w *world) trace(op, device string, attrs map[string]any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.result.AddTrace(op, device, attrs)
}

func (w *world) close() {
	for _, id := range w.order {
		w.devices[id].close()
		w.devices[id].presence.Close()
	}
}

// device is one simulated client: an engine on its own database, reaching
// the server through a link that can be cut.
type device struct {
	spec     Device
	path     string
	link     *link
	store    *store.Store
	engine   *engine.Engine
	presence *presence.Notifier
	cancels  []func()
	restarts int

	mu       sync.Mutex
	failures []*engine.SyncError
}

func (d *device) close() {
	for _, cancel := range d.cancels {
		cancel()
	}
	d.cancels = nil
	if d.store != nil {
		d.store.Close()
		d.store = nil
	}
}

func (d *device) authority(roles []string) model.Authority {
	if len(roles) == 0 {
		roles = d.spec.Roles
	}
	out := make([]model.Role, len(roles))
	for i, r := range roles {
		out[i] = model.Role(r)
	}
	return model.NewAuthority(out...)
}

func (d *device) surfaced() []*engine.SyncError {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*engine.SyncError(nil), d.failures...)
}

// link is the device's network path to the store of record.
type link struct {
	remote.Remote
	offline atomic.Bool
}

func (l *link) Fetch(ctx context.Context, entityID string) (*model.Entity, error) {
	if l.offline.Load() {
		return nil, remote.ErrUnavailable
	}
	return l.Remote.Fetch(ctx, entityID)
}

func (l *link) History(ctx context.Context, entityID string, since version.Vector) ([]model.HistoryEntry, error) {
	if l.offline.Load() {
		return nil, remote.ErrUnavailable
	}
	return l.Remote.History(ctx, entityID, since)
}

func (l *link) Submit(ctx context.Context, b remote.Batch) (remote.BatchResult, error) {
	if l.offline.Load() {
		return remote.BatchResult{}, remote.ErrUnavailable
	}
	return l.Remote.Submit(ctx, b)
}

// beacon sends a device's presence signals over the shared loopback,
// dropping them while the device's link is cut.
type beacon struct {
	loop *presence.Loopback
	link *link
}

func (b beacon) Broadcast(ctx context.Context, s presence.Signal) error {
	if b.link.offline.Load() {
		return remote.ErrUnavailable
	}
	return b.loop.Broadcast(ctx, s)
}

func (l *link) Subscribe(ctx context.Context) (<-chan remote.Change, error) {
	if l.offline.Load() {
		return nil, remote.ErrUnavailable
	}
	return l.Remote.Subscribe(ctx)
}

func (w *world) seed(e SeedEntity) error {
	fields, err := e.Apply(w.server, w.clock.Now())
	if err != nil {
		return err
	}
	w.trace(OpSeed, "", map[string]any{
		"entity": e.ID,
		"type":   e.Type,
		"fields": fields,
	})
	return nil
}

func (w *world) join(ctx context.Context, spec Device) error {
	d := &device{
		spec: spec,
		path: filepath.Join(w.opts.dir, spec.ID+".db"),
		link: &link{Remote: w.server},
	}
	d.presence = w.presence.Join(spec.ID, presence.WithLogger(w.opts.logger.With("device", spec.ID)))
	d.presence.Attach(beacon{loop: &w.presence, link: d.link})
	if err := w.open(ctx, d, spec.ID); err != nil {
		return err
	}
	w.devices[spec.ID] = d
	w.order = append(w.order, spec.ID)
	return nil
}

// open starts the device's engine on its database. idPrefix must differ
// across restarts so new mutation ids never collide with queued ones.
func (w *world) open(ctx context.Context, d *device, idPrefix string) error {
	s, err := store.Open(d.path)
	if err != nil {
		return fmt.Errorf("open %s: %w", d.spec.ID, err)
	}
	skew := d.spec.Skew
	e, err := engine.New(ctx, s, d.link,
		engine.WithClientID(d.spec.ID),
		engine.WithWallClock(func() time.Time { return w.clock.Now().Add(skew) }),
		engine.WithIDGenerator(engine.NewSequenceGenerator(idPrefix)),
		engine.WithPolicies(w.opts.policies),
		engine.WithLogger(w.opts.logger.With("device", d.spec.ID)),
		engine.WithBackoff(time.Millisecond, 2*time.Millisecond, 0),
		engine.WithCycleAttempts(1),
		engine.WithPresence(d.presence),
	)
	if err != nil {
		s.Close()
		return fmt.Errorf("start %s: %w", d.spec.ID, err)
	}

	id := d.spec.ID
	d.store = s
	d.engine = e
	d.cancels = append(d.cancels,
		e.SubscribeConflicts(store.AllEntities, func(rec model.ConflictRecord) {
			w.trace(OpConflict, id, conflictAttrs(rec))
		}),
		e.SubscribeFailures(func(err *engine.SyncError) {
			d.mu.Lock()
			d.failures = append(d.failures, err)
			d.mu.Unlock()
			w.trace(OpFailure, id, map[string]any{
				"code":   string(err.Code),
				"action": string(err.Action),
				"entity": err.EntityID,
			})
		}),
	)
	return nil
}

func conflictAttrs(rec model.ConflictRecord) map[string]any {
	fields := make([]any, 0, len(rec.ConflictingFields))
	for _, fd := range rec.ConflictingFields {
		fields = append(fields, map[string]any{
			"field":    fd.Field,
			"local":    fd.Local,
			"server":   fd.Server,
			"resolved": fd.Resolved,
		})
	}
	return map[string]any{
		"entity":     rec.EntityID,
		"fields":     fields,
		"resolution": string(rec.Resolution),
		"winner":     rec.Winner,
		"visible":    rec.Visible,
	}
}

// errorAttr renders an engine error for the trace: its code when it has
// one, its text otherwise.
func errorAttr(err error) string {
	var syncErr *engine.SyncError
	if errors.As(err, &syncErr) {
		return string(syncErr.Code)
	}
	if errors.Is(err, store.ErrNotQueued) {
		return "NOT_QUEUED"
	}
	return err.Error()
}

func (w *world) step(ctx context.Context, s Step) error {
	switch {
	case s.Drop != nil:
		w.server.DropResponseAfter(*s.Drop)
		w.trace(OpDrop, "", map[string]any{"after": *s.Drop})
		return nil
	case s.Advance != 0:
		w.clock.Advance(s.Advance)
		w.trace(OpAdvance, "", map[string]any{"by": s.Advance.String()})
		return nil
	}

	d := w.devices[s.Device]
	switch {
	case s.Pull != "":
		return w.pull(ctx, d, s.Pull)

	case s.Enqueue != nil:
		return w.enqueue(ctx, d, s.Enqueue)

	case s.Sync:
		err := d.engine.SyncOnce(ctx)
		return w.cycle(ctx, OpSync, d, err)

	case s.Recover:
		err := d.engine.Recover(ctx)
		return w.cycle(ctx, OpRecover, d, err)

	case s.Restart:
		d.close()
		d.restarts++
		if err := w.open(ctx, d, fmt.Sprintf("%s-r%d", d.spec.ID, d.restarts)); err != nil {
			return err
		}
		w.trace(OpRestart, d.spec.ID, nil)
		return nil

	case s.Network != "":
		offline := s.Network == NetworkOffline
		d.link.offline.Store(offline)
		op := OpOnline
		if offline {
			op = OpOffline
		}
		w.trace(op, d.spec.ID, nil)
		return nil

	case s.Retry != "":
		attrs := map[string]any{"ref": s.Retry}
		if err := d.engine.Retry(ctx, w.refs[s.Retry]); err != nil {
			attrs["error"] = errorAttr(err)
		}
		w.trace(OpRetry, d.spec.ID, attrs)
		return nil

	case s.Discard != "":
		attrs := map[string]any{"ref": s.Discard}
		if err := d.engine.Discard(ctx, w.refs[s.Discard]); err != nil {
			attrs["error"] = errorAttr(err)
		}
		w.trace(OpDiscard, d.spec.ID, attrs)
		return nil
	}
	return fmt.Errorf("step has no action")
}

// pull copies the server's entity and its history onto the device, as a
// device does when it opens a scorecard while online.
func (w *world) pull(ctx context.Context, d *device, entityID string) error {
	attrs := map[string]any{"entity": entityID}
	ent, err := d.link.Fetch(ctx, entityID)
	if err == nil && ent == nil {
		err = fmt.Errorf("entity %s not found", entityID)
	}
	var history []model.HistoryEntry
	if err == nil {
		history, err = d.link.History(ctx, entityID, nil)
	}
	for _, h := range history {
		if err != nil {
			break
		}
		err = d.engine.Ingest(ctx, remote.Change{Entity: ent, Entry: h})
	}
	if err != nil {
		attrs["error"] = errorAttr(err)
	}
	w.trace(OpPull, d.spec.ID, attrs)
	return nil
}

func (w *world) enqueue(ctx context.Context, d *device, e *EnqueueStep) error {
	fields, err := model.ObjectFromMap(e.Fields)
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	attrs := map[string]any{
		"entity": e.Entity,
		"fields": fields,
	}
	if e.As != "" {
		attrs["ref"] = e.As
	}

	id, err := d.engine.EnqueueMutation(ctx, e.Entity, e.Type, fields, d.authority(e.Roles))
	if err != nil {
		attrs["error"] = errorAttr(err)
	} else if e.As != "" {
		w.refs[e.As] = id
	}
	w.trace(OpEnqueue, d.spec.ID, attrs)
	return nil
}

// cycle records the outcome of a sync or recovery. Conflicts and surfaced
// failures of the cycle were traced before it returned.
func (w *world) cycle(ctx context.Context, op string, d *device, syncErr error) error {
	pending, err := d.engine.PendingCount(ctx)
	if err != nil {
		return err
	}
	attrs := map[string]any{
		"pending": pending,
		"state":   string(d.engine.SyncState()),
	}
	if syncErr != nil {
		attrs["error"] = errorAttr(syncErr)
	}
	w.trace(op, d.spec.ID, attrs)
	return nil
}

// final appends the end state: every server entity in id order, then the
// queue depth of every device.
func (w *world) final(ctx context.Context) error {
	entities := w.server.Entities()
	ids := make([]string, 0, len(entities))
	for id := range entities {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		w.trace(OpServer, "", map[string]any{
			"entity": id,
			"fields": entities[id].Fields,
		})
	}

	for _, id := range w.order {
		n, err := w.devices[id].engine.PendingCount(ctx)
		if err != nil {
			return err
		}
		w.trace(OpDevice, id, map[string]any{"pending": n})
	}
	return nil
}
