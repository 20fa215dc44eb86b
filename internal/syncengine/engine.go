// Package syncengine reconciles the local change queue with the hosted store
// of record. It is the only writer of the entity store.
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/wolfman30/patient-portal/internal/changequeue"
	"github.com/wolfman30/patient-portal/internal/notify"
	"github.com/wolfman30/patient-portal/internal/observability/metrics"
	"github.com/wolfman30/patient-portal/internal/record"
	"github.com/wolfman30/patient-portal/internal/remote"
	"github.com/wolfman30/patient-portal/internal/store"
	"github.com/wolfman30/patient-portal/pkg/logging"
)

var tracer = otel.Tracer("portal.internal.syncengine")

const (
	defaultInterval    = 15 * time.Second
	defaultCallTimeout = 10 * time.Second
)

// Identity is the signed-in user the engine syncs for.
type Identity struct {
	UserID string
	Email  string
}

// SnapshotCache persists confirmed records per user between sessions.
type SnapshotCache interface {
	Save(ctx context.Context, userID string, t record.EntityType, recs []record.Record) error
	Load(ctx context.Context, userID string, t record.EntityType) ([]record.Record, error)
	Delete(ctx context.Context, userID string) error
}

type Config struct {
	Remote   remote.Adapter
	Store    *store.Store
	Queue    *changequeue.Queue
	Notifier *notify.Notifier
	Cache    SnapshotCache
	Metrics  *metrics.SyncMetrics
	Logger   *logging.Logger

	Interval    time.Duration
	CallTimeout time.Duration

	// CheckVersions sends the locally known version with every update so the
	// remote rejects writes made against a stale copy with a conflict. When
	// unset the last writer wins.
	CheckVersions bool

	Tick <-chan time.Time
	Stop func()
	Now  func() time.Time
}

// Engine runs sync ticks for one client session.
type Engine struct {
	remote   remote.Adapter
	store    *store.Store
	queue    *changequeue.Queue
	notifier *notify.Notifier
	cache    SnapshotCache
	metrics  *metrics.SyncMetrics
	logger   *logging.Logger

	callTimeout   time.Duration
	checkVersions bool
	tick          <-chan time.Time
	stop          func()
	now           func() time.Time
	trigger       chan struct{}

	// cycle is held shared by ticks and enqueues, exclusively by resets.
	cycle sync.RWMutex
	// state orders composite store+queue updates against snapshot reads.
	state     sync.RWMutex
	typeLocks map[record.EntityType]*sync.Mutex
	// identityMu serializes SetIdentity calls.
	identityMu sync.Mutex

	mu       sync.Mutex
	identity Identity
	paused   bool
	buffered map[record.Key]record.Record
	seq      uint64
}

func New(cfg Config) (*Engine, error) {
	if cfg.Remote == nil {
		return nil, errors.New("syncengine: remote adapter required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	st := cfg.Store
	if st == nil {
		st = store.New()
	}
	q := cfg.Queue
	if q == nil {
		q = changequeue.New()
	}
	n := cfg.Notifier
	if n == nil {
		n = notify.New(logger)
	}
	callTimeout := cfg.CallTimeout
	if callTimeout <= 0 {
		callTimeout = defaultCallTimeout
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	tick := cfg.Tick
	stop := cfg.Stop
	if tick == nil {
		interval := cfg.Interval
		if interval <= 0 {
			interval = defaultInterval
		}
		ticker := time.NewTicker(interval)
		tick = ticker.C
		stop = ticker.Stop
	}

	locks := make(map[record.EntityType]*sync.Mutex)
	for _, t := range record.AllEntityTypes() {
		locks[t] = &sync.Mutex{}
	}

	return &Engine{
		remote:        cfg.Remote,
		store:         st,
		queue:         q,
		notifier:      n,
		cache:         cfg.Cache,
		metrics:       cfg.Metrics,
		logger:        logger,
		callTimeout:   callTimeout,
		checkVersions: cfg.CheckVersions,
		tick:          tick,
		stop:          stop,
		now:           now,
		trigger:       make(chan struct{}, 1),
		typeLocks:     locks,
		buffered:      make(map[record.Key]record.Record),
	}, nil
}

// Notifier returns the notifier snapshots are published to.
func (e *Engine) Notifier() *notify.Notifier { return e.notifier }

// Run ticks until ctx is done: once at start, on every interval, and when
// TriggerSync is called.
func (e *Engine) Run(ctx context.Context) {
	if e == nil {
		return
	}
	defer func() {
		if e.stop != nil {
			e.stop()
		}
	}()

	e.runTick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.tick:
			e.runTick(ctx)
		case <-e.trigger:
			e.runTick(ctx)
		}
	}
}

func (e *Engine) runTick(ctx context.Context) {
	if err := e.Tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
		e.logger.Warn("sync tick finished with errors", "error", err)
	}
}

// TriggerSync asks Run to tick soon. It never blocks.
func (e *Engine) TriggerSync() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// Identity returns the current session identity.
func (e *Engine) Identity() Identity {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.identity
}

// Paused reports whether syncing is halted until the user re-authenticates.
func (e *Engine) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

func (e *Engine) pause(reason string) {
	e.mu.Lock()
	already := e.paused
	e.paused = true
	e.mu.Unlock()
	if !already {
		e.logger.Warn("sync paused until re-authentication", "reason", reason)
	}
}

func (e *Engine) session() (Identity, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.identity, e.paused
}

// SetIdentity applies a session change. The same user again (token refresh)
// resumes a paused queue. A different user, or logout with an empty identity,
// clears the queue and store and publishes an empty snapshot of every type.
func (e *Engine) SetIdentity(ctx context.Context, id Identity) {
	e.identityMu.Lock()
	defer e.identityMu.Unlock()

	e.mu.Lock()
	prev := e.identity
	if prev.UserID != "" && prev.UserID == id.UserID {
		wasPaused := e.paused
		e.identity = id
		e.paused = false
		e.mu.Unlock()
		if wasPaused {
			e.logger.Info("sync resumed after re-authentication", "user_id", id.UserID)
		}
		e.TriggerSync()
		return
	}
	e.mu.Unlock()

	e.reset(ctx, prev, id)
	if id.UserID == "" {
		return
	}
	e.warmStart(ctx, id)
	e.TriggerSync()
}

// reset holds every type lock so no tick can publish between the clear and
// the empty snapshots.
func (e *Engine) reset(ctx context.Context, prev, next Identity) {
	types := record.AllEntityTypes()
	for _, t := range types {
		e.typeLocks[t].Lock()
	}
	defer func() {
		for _, t := range types {
			e.typeLocks[t].Unlock()
		}
	}()

	e.cycle.Lock()
	e.state.Lock()
	e.queue.Clear()
	e.store.Clear()
	e.mu.Lock()
	e.identity = next
	e.paused = false
	e.buffered = make(map[record.Key]record.Record)
	e.mu.Unlock()
	e.state.Unlock()
	e.cycle.Unlock()

	if prev.UserID != "" && e.cache != nil {
		if err := e.cache.Delete(ctx, prev.UserID); err != nil {
			e.logger.Warn("snapshot cache delete failed", "user_id", prev.UserID, "error", err)
		}
	}
	e.logger.Info("sync state reset", "previous_user_id", prev.UserID, "user_id", next.UserID)

	for _, t := range types {
		e.publishSnapshot(notify.Empty(t, 0, e.now()))
	}
}

func (e *Engine) warmStart(ctx context.Context, id Identity) {
	if e.cache == nil {
		return
	}
	e.cycle.RLock()
	defer e.cycle.RUnlock()

	for _, t := range record.AllEntityTypes() {
		recs, err := e.cache.Load(ctx, id.UserID, t)
		if err != nil {
			e.logger.Warn("snapshot cache load failed", "user_id", id.UserID, "entity_type", t, "error", err)
			continue
		}
		if len(recs) == 0 {
			continue
		}
		e.state.Lock()
		for _, r := range recs {
			r.EntityType = t
			r.Origin = record.OriginRemote
			if _, err := e.store.Upsert(r); err != nil {
				e.logger.Debug("skipping cached record", "entity_type", t, "id", r.ID, "error", err)
			}
		}
		e.state.Unlock()
		e.publish(t)
	}
}

// Enqueue validates and queues a local mutation, then nudges the loop. The
// returned change carries the target id, a placeholder for new records.
func (e *Engine) Enqueue(t record.EntityType, op record.Op, patch record.Fields, targetID string) (changequeue.Change, error) {
	return e.enqueue(t, op, patch, targetID, nil)
}

// EnqueueFile queues a file_uploads create whose content is uploaded to blob
// storage before the metadata record is created.
func (e *Engine) EnqueueFile(patch record.Fields, data []byte, contentType string) (changequeue.Change, error) {
	blob := &changequeue.Blob{Data: data, Meta: remote.BlobMetadata{
		FileName:    patch.String("file_name"),
		ContentType: contentType,
	}}
	return e.enqueue(record.FileUploads, record.OpCreate, patch, "", blob)
}

func (e *Engine) enqueue(t record.EntityType, op record.Op, patch record.Fields, targetID string, blob *changequeue.Blob) (changequeue.Change, error) {
	e.cycle.RLock()
	defer e.cycle.RUnlock()

	id, _ := e.session()
	if id.UserID == "" {
		return changequeue.Change{}, ErrNoSession
	}
	if t == record.Profiles && op == record.OpCreate && targetID == "" {
		targetID = id.UserID
	}
	if err := record.Validate(t, op, targetID, patch); err != nil {
		return changequeue.Change{}, err
	}
	if op != record.OpCreate && !e.knownTarget(t, targetID) {
		return changequeue.Change{}, fmt.Errorf("%w: %s/%s", ErrUnknownRecord, t, targetID)
	}

	var (
		c   changequeue.Change
		err error
	)
	if blob != nil {
		blob.Meta.UserID = id.UserID
		c, err = e.queue.EnqueueWithBlob(t, patch, *blob)
	} else {
		c, err = e.queue.Enqueue(t, op, patch, targetID)
	}
	if err != nil {
		return changequeue.Change{}, err
	}
	e.metrics.SetQueueDepth(string(t), e.queue.Depth(t))
	e.logger.Debug("change queued", "entity_type", t, "op", op, "change_id", c.ID, "target_id", c.TargetID)
	e.TriggerSync()
	return c, nil
}

func (e *Engine) knownTarget(t record.EntityType, id string) bool {
	if _, ok := e.store.Get(t, id); ok {
		return true
	}
	return e.queue.HasPending(t, id)
}

// Failures returns every terminally failed change.
func (e *Engine) Failures() []changequeue.Change {
	return e.queue.Failed()
}

// Retry re-enqueues a failed change under a new change id.
func (e *Engine) Retry(changeID int64) (changequeue.Change, error) {
	e.cycle.RLock()
	defer e.cycle.RUnlock()

	c, err := e.queue.Retry(changeID)
	if err != nil {
		return changequeue.Change{}, err
	}
	e.TriggerSync()
	return c, nil
}

// Discard drops a failed or pending change and applies any remote value that
// was buffered behind it.
func (e *Engine) Discard(changeID int64) (changequeue.Change, error) {
	e.cycle.RLock()
	defer e.cycle.RUnlock()

	e.state.Lock()
	c, err := e.queue.Discard(changeID)
	if err == nil {
		e.applyBufferedLocked(c.EntityType, c.TargetID, nil)
	}
	e.state.Unlock()
	if err != nil {
		return changequeue.Change{}, err
	}
	e.TriggerSync()
	return c, nil
}
