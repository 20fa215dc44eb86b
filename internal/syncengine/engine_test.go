package syncengine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/patient-portal/internal/changequeue"
	"github.com/wolfman30/patient-portal/internal/notify"
	"github.com/wolfman30/patient-portal/internal/record"
	"github.com/wolfman30/patient-portal/internal/remote"
	"github.com/wolfman30/patient-portal/internal/remote/memstore"
	"github.com/wolfman30/patient-portal/pkg/logging"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeRemote wraps the in-memory adapter with scripted failures and call
// recording.
type fakeRemote struct {
	*memstore.Store

	mu           sync.Mutex
	fetchErr     error
	mutateErrs   []error
	uploadErr    error
	createIDs    []string
	hang         bool
	beforeMutate func(remote.Mutation)
	fetches      int
	mutations    []remote.Mutation
	results      []record.Record
}

func (f *fakeRemote) Fetch(ctx context.Context, t record.EntityType, filter remote.Filter) ([]record.Record, error) {
	f.mu.Lock()
	f.fetches++
	err := f.fetchErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.Store.Fetch(ctx, t, filter)
}

func (f *fakeRemote) Mutate(ctx context.Context, t record.EntityType, m remote.Mutation) (record.Record, error) {
	f.mu.Lock()
	f.mutations = append(f.mutations, m)
	var err error
	if len(f.mutateErrs) > 0 {
		err, f.mutateErrs = f.mutateErrs[0], f.mutateErrs[1:]
	}
	if m.Op == record.OpCreate && m.ID == "" && len(f.createIDs) > 0 {
		m.ID, f.createIDs = f.createIDs[0], f.createIDs[1:]
	}
	hook, hang := f.beforeMutate, f.hang
	f.mu.Unlock()

	if hook != nil {
		hook(m)
	}
	if hang {
		<-ctx.Done()
		return record.Record{}, remote.Classify(ctx.Err())
	}
	if err != nil {
		return record.Record{}, err
	}
	res, err := f.Store.Mutate(ctx, t, m)
	if err == nil {
		f.mu.Lock()
		f.results = append(f.results, res.Clone())
		f.mu.Unlock()
	}
	return res, err
}

func (f *fakeRemote) UploadBlob(ctx context.Context, data []byte, meta remote.BlobMetadata) (string, error) {
	f.mu.Lock()
	err := f.uploadErr
	f.mu.Unlock()
	if err != nil {
		return "", err
	}
	return f.Store.UploadBlob(ctx, data, meta)
}

func (f *fakeRemote) failMutate(errs ...error) {
	f.mu.Lock()
	f.mutateErrs = append(f.mutateErrs, errs...)
	f.mu.Unlock()
}

func (f *fakeRemote) setBeforeMutate(fn func(remote.Mutation)) {
	f.mu.Lock()
	f.beforeMutate = fn
	f.mu.Unlock()
}

func (f *fakeRemote) Mutations() []remote.Mutation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]remote.Mutation(nil), f.mutations...)
}

func (f *fakeRemote) Results() []record.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]record.Record(nil), f.results...)
}

type fakeCache struct {
	mu      sync.Mutex
	data    map[string]map[record.EntityType][]record.Record
	deleted []string
}

func newFakeCache() *fakeCache {
	return &fakeCache{data: make(map[string]map[record.EntityType][]record.Record)}
}

func (c *fakeCache) Save(_ context.Context, userID string, t record.EntityType, recs []record.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.data[userID] == nil {
		c.data[userID] = make(map[record.EntityType][]record.Record)
	}
	c.data[userID][t] = recs
	return nil
}

func (c *fakeCache) Load(_ context.Context, userID string, t record.EntityType) ([]record.Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data[userID][t], nil
}

func (c *fakeCache) Delete(_ context.Context, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, userID)
	c.deleted = append(c.deleted, userID)
	return nil
}

type recorder struct {
	mu    sync.Mutex
	snaps []*notify.Snapshot
}

func (r *recorder) record(s *notify.Snapshot) {
	r.mu.Lock()
	r.snaps = append(r.snaps, s)
	r.mu.Unlock()
}

func (r *recorder) last() *notify.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.snaps) == 0 {
		return nil
	}
	return r.snaps[len(r.snaps)-1]
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snaps)
}

func subscribe(t *testing.T, eng *Engine, et record.EntityType) *recorder {
	t.Helper()
	rec := &recorder{}
	_, err := eng.Notifier().Subscribe(et, rec.record)
	require.NoError(t, err)
	return rec
}

func newTestEngine(t *testing.T, opts ...func(*Config)) (*Engine, *fakeRemote, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)}
	rem := &fakeRemote{Store: memstore.New().WithClock(clock.Now)}
	cfg := Config{
		Remote: rem,
		Queue:  changequeue.New().WithClock(clock.Now).WithJitter(func() float64 { return 0.5 }),
		Logger: logging.Nop(),
		Tick:   make(chan time.Time),
		Now:    clock.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	eng, err := New(cfg)
	require.NoError(t, err)
	eng.SetIdentity(context.Background(), Identity{UserID: "u1", Email: "pat@example.com"})
	return eng, rem, clock
}

func apptFields() record.Fields {
	return record.Fields{
		"appointment_date": "2025-06-01T09:00:00Z",
		"appointment_type": "checkup",
		"doctor_name":      "Dr. Shah",
	}
}

func appt(id string, version int64, at time.Time, notes string) record.Record {
	f := apptFields()
	f[record.FieldUserID] = "u1"
	f["notes"] = notes
	return record.Record{EntityType: record.Appointments, ID: id, Version: version, UpdatedAt: at, Fields: f}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestNewRequiresRemote(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestCreateIsConfirmedWithRemoteRecord(t *testing.T) {
	eng, rem, _ := newTestEngine(t)
	rem.createIDs = []string{"a1"}
	rec := subscribe(t, eng, record.Appointments)

	c, err := eng.Enqueue(record.Appointments, record.OpCreate, apptFields(), "")
	require.NoError(t, err)
	require.True(t, c.HasTempTarget())

	pending := eng.View(record.Appointments)
	require.Equal(t, 1, pending.Len())
	assert.Equal(t, changequeue.StatusPending, pending.Status(c.TargetID))
	local, _ := pending.Get(c.TargetID)
	assert.Equal(t, record.OriginLocal, local.Origin)
	assert.Equal(t, "u1", local.Fields.String(record.FieldUserID))

	require.NoError(t, eng.Tick(context.Background()))

	results := rem.Results()
	require.Len(t, results, 1)
	want := results[0]
	assert.Equal(t, "a1", want.ID)
	assert.Equal(t, int64(1), want.Version)

	snap := rec.last()
	require.NotNil(t, snap)
	got, ok := snap.Get("a1")
	require.True(t, ok)
	assert.True(t, want.Equal(got), "snapshot record %+v != remote %+v", got, want)
	assert.Equal(t, changequeue.StatusConfirmed, snap.Status("a1"))
	_, ok = snap.Get(c.TargetID)
	assert.False(t, ok)
	assert.Zero(t, eng.queue.Len())

	confirmed := eng.ConfirmedView(record.Appointments)
	require.Equal(t, 1, confirmed.Len())
	assert.Equal(t, "a1", confirmed.Records[0].ID)
}

func TestCreateThenUpdateIsSentAsOneMergedCreate(t *testing.T) {
	eng, rem, clock := newTestEngine(t)

	c1, err := eng.Enqueue(record.Appointments, record.OpCreate, apptFields(), "")
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = eng.Enqueue(record.Appointments, record.OpUpdate, record.Fields{"doctor_name": "Dr. Ortiz", "notes": "fasting"}, c1.TargetID)
	require.NoError(t, err)

	view := eng.View(record.Appointments)
	r, ok := view.Get(c1.TargetID)
	require.True(t, ok)
	assert.Equal(t, "Dr. Ortiz", r.Fields.String("doctor_name"))
	assert.Len(t, view.Entries[c1.TargetID].ChangeIDs, 2)

	require.NoError(t, eng.Tick(context.Background()))

	muts := rem.Mutations()
	require.Len(t, muts, 1)
	assert.Equal(t, record.OpCreate, muts[0].Op)
	assert.Equal(t, "Dr. Ortiz", muts[0].Patch.String("doctor_name"))
	assert.Equal(t, "fasting", muts[0].Patch.String("notes"))
	assert.Equal(t, "checkup", muts[0].Patch.String("appointment_type"))
	assert.Zero(t, eng.queue.Len())
	assert.Equal(t, 1, eng.store.Len(record.Appointments))
}

func TestSequentialUpdatesMergeLaterFieldsWin(t *testing.T) {
	eng, rem, clock := newTestEngine(t)
	subscribe(t, eng, record.Appointments)
	rem.Put(appt("a1", 1, clock.Now(), "first"))
	require.NoError(t, eng.TickType(context.Background(), record.Appointments))

	_, err := eng.Enqueue(record.Appointments, record.OpUpdate, record.Fields{"notes": "c1", "department": "cardiology"}, "a1")
	require.NoError(t, err)
	clock.Advance(time.Millisecond)
	_, err = eng.Enqueue(record.Appointments, record.OpUpdate, record.Fields{"notes": "c2"}, "a1")
	require.NoError(t, err)

	require.NoError(t, eng.TickType(context.Background(), record.Appointments))

	muts := rem.Mutations()
	require.Len(t, muts, 1)
	assert.Equal(t, record.Fields{"notes": "c2", "department": "cardiology"}, muts[0].Patch)
	assert.Zero(t, muts[0].ExpectedVersion)

	got, ok := eng.store.Get(record.Appointments, "a1")
	require.True(t, ok)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, "c2", got.Fields.String("notes"))
}

func TestNetworkFailuresBackOffThenFail(t *testing.T) {
	eng, rem, clock := newTestEngine(t)
	for i := 0; i < 5; i++ {
		rem.failMutate(remote.NetworkError(errors.New("connection reset")))
	}
	c, err := eng.Enqueue(record.ChatMessages, record.OpCreate, record.Fields{"message": "hello", "sender": "user"}, "")
	require.NoError(t, err)

	ctx := context.Background()
	delays := []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second, 4 * time.Second}
	for i, want := range delays {
		require.NoError(t, eng.TickType(ctx, record.ChatMessages))
		got, ok := eng.queue.Get(c.ID)
		require.True(t, ok)
		require.Equal(t, changequeue.StatusPending, got.Status)
		assert.Equal(t, i+1, got.Attempts)
		assert.Equal(t, want, got.NextAttemptAt.Sub(clock.Now()), "delay after attempt %d", i+1)

		require.NoError(t, eng.TickType(ctx, record.ChatMessages))
		assert.Len(t, rem.Mutations(), i+1, "must not resend before backoff elapses")
		clock.Advance(want)
	}

	require.NoError(t, eng.TickType(ctx, record.ChatMessages))
	got, ok := eng.queue.Get(c.ID)
	require.True(t, ok)
	assert.Equal(t, changequeue.StatusFailed, got.Status)
	assert.Equal(t, 5, got.Attempts)
	require.NotNil(t, got.Failure)
	assert.Equal(t, remote.KindNetwork, got.Failure.Kind)

	clock.Advance(time.Minute)
	require.NoError(t, eng.TickType(ctx, record.ChatMessages))
	assert.Len(t, rem.Mutations(), 5)

	snap := eng.View(record.ChatMessages)
	assert.Zero(t, snap.Len())
	assert.Len(t, snap.Failures, 1)
}

func TestTimeoutIsRetryable(t *testing.T) {
	eng, rem, _ := newTestEngine(t, func(c *Config) { c.CallTimeout = 20 * time.Millisecond })
	rem.hang = true

	c, err := eng.Enqueue(record.ChatMessages, record.OpCreate, record.Fields{"message": "hi", "sender": "user"}, "")
	require.NoError(t, err)
	require.NoError(t, eng.TickType(context.Background(), record.ChatMessages))

	got, ok := eng.queue.Get(c.ID)
	require.True(t, ok)
	assert.Equal(t, changequeue.StatusPending, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, remote.KindNetwork, got.Failure.Kind)
}

func TestBufferedRemoteDiscardedAfterConfirmedUpdate(t *testing.T) {
	eng, rem, clock := newTestEngine(t)
	ctx := context.Background()
	rec := subscribe(t, eng, record.Profiles)

	base := clock.Now().Add(-time.Hour)
	rem.Put(record.Record{EntityType: record.Profiles, ID: "u1", Version: 1, UpdatedAt: base,
		Fields: record.Fields{"full_name": "Pat Lee", "phone": "555-0100"}})
	require.NoError(t, eng.TickType(ctx, record.Profiles))
	require.Equal(t, 1, rec.last().Len())

	_, err := eng.Enqueue(record.Profiles, record.OpUpdate, record.Fields{"phone": "555-0199"}, "u1")
	require.NoError(t, err)

	// Another device saved the profile after the change was queued.
	rem.Put(record.Record{EntityType: record.Profiles, ID: "u1", Version: 2, UpdatedAt: base.Add(30 * time.Minute),
		Fields: record.Fields{"full_name": "Pat Lee-Remote", "phone": "555-0142"}})

	var (
		buffered  record.Record
		sawBuffer bool
		inFlight  *notify.Snapshot
	)
	rem.setBeforeMutate(func(remote.Mutation) {
		buffered, sawBuffer = eng.Buffered(record.Profiles, "u1")
		inFlight = eng.View(record.Profiles)
	})
	require.NoError(t, eng.TickType(ctx, record.Profiles))

	require.True(t, sawBuffer, "remote record should be buffered behind the pending update")
	assert.Equal(t, "555-0142", buffered.Fields.String("phone"))
	r, ok := inFlight.Get("u1")
	require.True(t, ok)
	assert.Equal(t, "555-0199", r.Fields.String("phone"))
	assert.Equal(t, "Pat Lee", r.Fields.String("full_name"))
	assert.Equal(t, changequeue.StatusInFlight, inFlight.Status("u1"))

	_, still := eng.Buffered(record.Profiles, "u1")
	assert.False(t, still)

	results := rem.Results()
	require.Len(t, results, 1)
	final, ok := rec.last().Get("u1")
	require.True(t, ok)
	assert.True(t, results[0].Equal(final))
	assert.Equal(t, int64(3), final.Version)
	assert.Equal(t, "555-0199", final.Fields.String("phone"))
	assert.Equal(t, changequeue.StatusConfirmed, rec.last().Status("u1"))
}

func TestPendingChangeIsNeverClobberedByFetch(t *testing.T) {
	eng, rem, clock := newTestEngine(t)
	ctx := context.Background()
	rec := subscribe(t, eng, record.Appointments)
	rem.Put(appt("a1", 1, clock.Now(), "original"))
	require.NoError(t, eng.TickType(ctx, record.Appointments))

	_, err := eng.Enqueue(record.Appointments, record.OpUpdate, record.Fields{"notes": "local"}, "a1")
	require.NoError(t, err)

	edits := []string{"remote-1", "remote-2", "remote-3"}
	for i, notes := range edits {
		r := appt("a1", int64(i+2), clock.Now(), notes)
		r.Fields["doctor_name"] = "Dr. " + notes
		rem.Put(r)
		rem.failMutate(remote.NetworkError(errors.New("offline")))

		require.NoError(t, eng.TickType(ctx, record.Appointments))

		snap := rec.last()
		got, ok := snap.Get("a1")
		require.True(t, ok)
		assert.Equal(t, "local", got.Fields.String("notes"))
		assert.Equal(t, "Dr. Shah", got.Fields.String("doctor_name"))
		assert.Equal(t, changequeue.StatusPending, snap.Status("a1"))

		stored, _ := eng.store.Get(record.Appointments, "a1")
		assert.Equal(t, int64(1), stored.Version)
		clock.Advance(time.Minute)
	}

	buf, ok := eng.Buffered(record.Appointments, "a1")
	require.True(t, ok)
	assert.Equal(t, "remote-3", buf.Fields.String("notes"))
}

func checkVersions(c *Config) { c.CheckVersions = true }

func TestConflictFailureExposesLocalAndRemoteValues(t *testing.T) {
	eng, rem, clock := newTestEngine(t, checkVersions)
	ctx := context.Background()
	rec := subscribe(t, eng, record.Appointments)
	rem.Put(appt("a1", 1, clock.Now(), "first visit"))
	require.NoError(t, eng.TickType(ctx, record.Appointments))

	c, err := eng.Enqueue(record.Appointments, record.OpUpdate, record.Fields{"notes": "bring referral"}, "a1")
	require.NoError(t, err)
	clock.Advance(time.Minute)
	rem.Put(appt("a1", 2, clock.Now(), "rescheduled by clinic"))
	require.NoError(t, eng.TickType(ctx, record.Appointments))

	failed, ok := eng.queue.Get(c.ID)
	require.True(t, ok)
	assert.Equal(t, changequeue.StatusFailed, failed.Status)
	require.NotNil(t, failed.Failure)
	assert.Equal(t, remote.KindConflict, failed.Failure.Kind)
	assert.Equal(t, "bring referral", failed.Patch.String("notes"))
	require.NotNil(t, failed.Failure.Remote)
	assert.Equal(t, "rescheduled by clinic", failed.Failure.Remote.Fields.String("notes"))
	assert.Equal(t, int64(2), failed.Failure.Remote.Version)
	assert.Len(t, eng.Failures(), 1)

	snap := rec.last()
	require.Len(t, snap.Failures, 1)
	assert.Equal(t, changequeue.StatusFailed, snap.Status("a1"))
	assert.Equal(t, remote.KindConflict, snap.Entries["a1"].Failure.Kind)
	r, _ := snap.Get("a1")
	assert.Equal(t, "rescheduled by clinic", r.Fields.String("notes"))

	// Overwrite and resubmit against the version now known locally.
	retried, err := eng.Retry(c.ID)
	require.NoError(t, err)
	assert.Greater(t, retried.ID, c.ID)
	require.NoError(t, eng.TickType(ctx, record.Appointments))

	got, ok := eng.store.Get(record.Appointments, "a1")
	require.True(t, ok)
	assert.Equal(t, int64(3), got.Version)
	assert.Equal(t, "bring referral", got.Fields.String("notes"))
	assert.Empty(t, eng.Failures())

	muts := rem.Mutations()
	require.Len(t, muts, 2)
	assert.Equal(t, int64(1), muts[0].ExpectedVersion)
	assert.Equal(t, int64(2), muts[1].ExpectedVersion)
}

func TestFetchReplacesRecordRecreatedAtLowerVersion(t *testing.T) {
	eng, rem, clock := newTestEngine(t)
	ctx := context.Background()
	rec := subscribe(t, eng, record.Appointments)
	rem.Put(appt("a1", 3, clock.Now(), "old"))
	require.NoError(t, eng.TickType(ctx, record.Appointments))

	// Deleted and created again on another device.
	clock.Advance(time.Minute)
	rem.Put(appt("a1", 1, clock.Now(), "recreated"))
	require.NoError(t, eng.TickType(ctx, record.Appointments))

	got, ok := rec.last().Get("a1")
	require.True(t, ok)
	assert.Equal(t, int64(1), got.Version)
	assert.Equal(t, "recreated", got.Fields.String("notes"))

	_, err := eng.Enqueue(record.Appointments, record.OpUpdate, record.Fields{"notes": "local"}, "a1")
	require.NoError(t, err)
	require.NoError(t, eng.TickType(ctx, record.Appointments))

	got, ok = eng.store.Get(record.Appointments, "a1")
	require.True(t, ok)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, "local", got.Fields.String("notes"))
	assert.Empty(t, eng.Failures())
}

func TestConflictRecoversWhenRemoteVersionWentBackwards(t *testing.T) {
	eng, rem, clock := newTestEngine(t, checkVersions)
	ctx := context.Background()
	tok, err := eng.Notifier().Subscribe(record.Appointments, func(*notify.Snapshot) {})
	require.NoError(t, err)
	rem.Put(appt("a1", 3, clock.Now(), "old"))
	require.NoError(t, eng.TickType(ctx, record.Appointments))
	eng.Notifier().Unsubscribe(tok)

	clock.Advance(time.Minute)
	rem.Put(appt("a1", 1, clock.Now(), "recreated"))

	c, err := eng.Enqueue(record.Appointments, record.OpUpdate, record.Fields{"notes": "local"}, "a1")
	require.NoError(t, err)
	require.NoError(t, eng.TickType(ctx, record.Appointments))

	failed, ok := eng.queue.Get(c.ID)
	require.True(t, ok)
	require.Equal(t, changequeue.StatusFailed, failed.Status)
	assert.Equal(t, remote.KindConflict, failed.Failure.Kind)
	current, ok := eng.store.Get(record.Appointments, "a1")
	require.True(t, ok)
	assert.Equal(t, int64(1), current.Version)

	_, err = eng.Retry(c.ID)
	require.NoError(t, err)
	require.NoError(t, eng.TickType(ctx, record.Appointments))

	got, ok := eng.store.Get(record.Appointments, "a1")
	require.True(t, ok)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, "local", got.Fields.String("notes"))
	assert.Empty(t, eng.Failures())
}

func TestDiscardAppliesBufferedRemote(t *testing.T) {
	eng, rem, clock := newTestEngine(t)
	ctx := context.Background()
	subscribe(t, eng, record.Appointments)
	rem.Put(appt("a1", 1, clock.Now(), "first"))
	require.NoError(t, eng.TickType(ctx, record.Appointments))

	rem.failMutate(remote.ValidationError("bad notes", map[string]string{"notes": "too long"}))
	c, err := eng.Enqueue(record.Appointments, record.OpUpdate, record.Fields{"notes": "long"}, "a1")
	require.NoError(t, err)
	require.NoError(t, eng.TickType(ctx, record.Appointments))

	failed, _ := eng.queue.Get(c.ID)
	require.Equal(t, changequeue.StatusFailed, failed.Status)
	assert.Equal(t, map[string]string{"notes": "too long"}, failed.Failure.FieldErrors)

	_, err = eng.Discard(c.ID)
	require.NoError(t, err)
	assert.Zero(t, eng.queue.Len())
	assert.Equal(t, changequeue.StatusConfirmed, eng.View(record.Appointments).Status("a1"))

	_, err = eng.Discard(c.ID)
	assert.ErrorIs(t, err, changequeue.ErrUnknownChange)
}

func TestDeleteOfMissingRecordCountsAsConfirmed(t *testing.T) {
	eng, rem, clock := newTestEngine(t)
	ctx := context.Background()
	subscribe(t, eng, record.Appointments)
	rem.Put(appt("a1", 1, clock.Now(), "x"))
	require.NoError(t, eng.TickType(ctx, record.Appointments))

	rem.failMutate(remote.NotFoundError("appointments/a1"))
	_, err := eng.Enqueue(record.Appointments, record.OpDelete, nil, "a1")
	require.NoError(t, err)
	assert.Zero(t, eng.View(record.Appointments).Len())

	require.NoError(t, eng.TickType(ctx, record.Appointments))
	assert.Zero(t, eng.queue.Len())
	_, ok := eng.store.Get(record.Appointments, "a1")
	assert.False(t, ok)
}

func TestAuthFailurePausesUntilSameUserReauthenticates(t *testing.T) {
	eng, rem, _ := newTestEngine(t)
	ctx := context.Background()
	rem.failMutate(remote.AuthError("jwt expired"))

	c, err := eng.Enqueue(record.ChatMessages, record.OpCreate, record.Fields{"message": "hi", "sender": "user"}, "")
	require.NoError(t, err)
	require.NoError(t, eng.TickType(ctx, record.ChatMessages))

	assert.True(t, eng.Paused())
	got, ok := eng.queue.Get(c.ID)
	require.True(t, ok)
	assert.Equal(t, changequeue.StatusPending, got.Status)
	assert.Zero(t, got.Attempts)
	snap := eng.View(record.ChatMessages)
	assert.True(t, snap.Paused)
	assert.Equal(t, 1, snap.Len())

	require.NoError(t, eng.TickType(ctx, record.ChatMessages))
	assert.Len(t, rem.Mutations(), 1)

	eng.SetIdentity(ctx, Identity{UserID: "u1", Email: "pat@example.com"})
	assert.False(t, eng.Paused())
	assert.Equal(t, 1, eng.queue.Len())

	require.NoError(t, eng.TickType(ctx, record.ChatMessages))
	assert.Len(t, rem.Mutations(), 2)
	assert.Zero(t, eng.queue.Len())
}

func TestLogoutClearsStateAndPublishesEmptySnapshots(t *testing.T) {
	cache := newFakeCache()
	eng, rem, clock := newTestEngine(t, func(c *Config) { c.Cache = cache })
	ctx := context.Background()

	recs := make(map[record.EntityType]*recorder)
	for _, et := range record.AllEntityTypes() {
		recs[et] = subscribe(t, eng, et)
	}
	rem.Put(appt("a1", 1, clock.Now(), "x"))
	require.NoError(t, eng.Tick(ctx))
	require.Equal(t, 1, recs[record.Appointments].last().Len())
	_, err := eng.Enqueue(record.ChatMessages, record.OpCreate, record.Fields{"message": "hi", "sender": "user"}, "")
	require.NoError(t, err)

	before := recs[record.Appointments].last().Seq
	eng.SetIdentity(ctx, Identity{})

	assert.Zero(t, eng.queue.Len())
	for _, et := range record.AllEntityTypes() {
		assert.Zero(t, eng.store.Len(et))
		snap := recs[et].last()
		require.NotNil(t, snap)
		assert.Zero(t, snap.Len(), "%s snapshot should be empty", et)
		assert.Empty(t, snap.Entries)
	}
	assert.Greater(t, recs[record.Appointments].last().Seq, before)
	assert.Equal(t, []string{"u1"}, cache.deleted)

	_, err = eng.Enqueue(record.ChatMessages, record.OpCreate, record.Fields{"message": "hi", "sender": "user"}, "")
	assert.ErrorIs(t, err, ErrNoSession)

	n := recs[record.Appointments].count()
	require.NoError(t, eng.Tick(ctx))
	assert.Equal(t, n, recs[record.Appointments].count())
}

func TestLoginWarmStartsFromCache(t *testing.T) {
	cache := newFakeCache()
	at := time.Date(2025, 4, 30, 8, 0, 0, 0, time.UTC)
	r := appt("a9", 3, at, "cached")
	r.Fields[record.FieldUserID] = "u2"
	require.NoError(t, cache.Save(context.Background(), "u2", record.Appointments, []record.Record{r}))

	eng, _, _ := newTestEngine(t, func(c *Config) { c.Cache = cache })
	eng.SetIdentity(context.Background(), Identity{UserID: "u2"})

	snap := eng.Latest(record.Appointments)
	got, ok := snap.Get("a9")
	require.True(t, ok)
	assert.Equal(t, "cached", got.Fields.String("notes"))
	assert.Equal(t, []string{"u1"}, cache.deleted)
}

func TestEnqueueRejectsMalformedChanges(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	_, err := eng.Enqueue(record.Appointments, record.OpUpdate, record.Fields{"notes": "x"}, "missing")
	assert.ErrorIs(t, err, ErrUnknownRecord)

	_, err = eng.Enqueue(record.ChatMessages, record.OpUpdate, record.Fields{"message": "edit"}, "m1")
	assert.ErrorIs(t, err, record.ErrMalformedOp)

	_, err = eng.Enqueue(record.Appointments, record.OpCreate, record.Fields{"doctor_name": "Dr. Shah"}, "")
	var verr *record.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "required", verr.Fields["appointment_date"])

	c, err := eng.Enqueue(record.Profiles, record.OpCreate, record.Fields{"full_name": "Pat Lee"}, "")
	require.NoError(t, err)
	assert.Equal(t, "u1", c.TargetID)
}

func TestCancellationAppliesIssuedCallAndStopsDraining(t *testing.T) {
	eng, rem, _ := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c1, err := eng.Enqueue(record.Appointments, record.OpCreate, apptFields(), "")
	require.NoError(t, err)
	c2, err := eng.Enqueue(record.Appointments, record.OpCreate, apptFields(), "")
	require.NoError(t, err)

	rem.setBeforeMutate(func(remote.Mutation) { cancel() })
	err = eng.TickType(ctx, record.Appointments)
	assert.ErrorIs(t, err, context.Canceled)

	assert.Len(t, rem.Mutations(), 1)
	_, ok := eng.queue.Get(c1.ID)
	assert.False(t, ok, "issued create must be confirmed")
	second, ok := eng.queue.Get(c2.ID)
	require.True(t, ok)
	assert.Equal(t, changequeue.StatusPending, second.Status)
	assert.Equal(t, 1, eng.store.Len(record.Appointments))

	snap := eng.Notifier().Last(record.Appointments)
	require.NotNil(t, snap)
	assert.Equal(t, 2, snap.Len())
}

func TestFileCreateUploadsBlobFirst(t *testing.T) {
	eng, rem, _ := newTestEngine(t)
	patch := record.Fields{"file_name": "cbc.pdf", "category": "lab-report", "file_type": "application/pdf", "file_size": 3}

	_, err := eng.EnqueueFile(patch, []byte("pdf"), "application/pdf")
	require.NoError(t, err)
	require.NoError(t, eng.TickType(context.Background(), record.FileUploads))

	data, ok := rem.Blob("u1/1746100800000_cbc.pdf")
	require.True(t, ok)
	assert.Equal(t, []byte("pdf"), data)

	muts := rem.Mutations()
	require.Len(t, muts, 1)
	assert.Equal(t, "memory://files/u1/1746100800000_cbc.pdf", muts[0].Patch.String("file_url"))
	files := eng.store.List(record.FileUploads, nil)
	require.Len(t, files, 1)
	assert.Equal(t, "memory://files/u1/1746100800000_cbc.pdf", files[0].Fields.String("file_url"))
}

func TestUploadQuotaFailureIsTerminal(t *testing.T) {
	eng, rem, _ := newTestEngine(t)
	rem.uploadErr = remote.QuotaError("bucket full")

	c, err := eng.EnqueueFile(record.Fields{"file_name": "scan.png", "category": "imaging"}, []byte("png"), "image/png")
	require.NoError(t, err)
	require.NoError(t, eng.TickType(context.Background(), record.FileUploads))

	got, ok := eng.queue.Get(c.ID)
	require.True(t, ok)
	assert.Equal(t, changequeue.StatusFailed, got.Status)
	assert.Equal(t, remote.KindQuotaExceeded, got.Failure.Kind)
	assert.Empty(t, rem.Mutations())
}

func TestFetchAuthErrorPausesSync(t *testing.T) {
	eng, rem, _ := newTestEngine(t)
	subscribe(t, eng, record.Appointments)
	rem.fetchErr = remote.AuthError("jwt expired")

	err := eng.TickType(context.Background(), record.Appointments)
	require.Error(t, err)
	assert.True(t, eng.Paused())
}

func TestFetchRemovesRecordsNoLongerListed(t *testing.T) {
	eng, rem, clock := newTestEngine(t)
	ctx := context.Background()
	subscribe(t, eng, record.Appointments)
	rem.Put(appt("a1", 1, clock.Now(), "x"))
	rem.Put(appt("a2", 1, clock.Now(), "y"))
	require.NoError(t, eng.TickType(ctx, record.Appointments))
	require.Equal(t, 2, eng.store.Len(record.Appointments))

	_, err := rem.Store.Mutate(ctx, record.Appointments, remote.Mutation{Op: record.OpDelete, ID: "a2", UserID: "u1"})
	require.NoError(t, err)
	require.NoError(t, eng.TickType(ctx, record.Appointments))

	assert.Equal(t, []string{"a1"}, eng.store.IDs(record.Appointments))
}

func TestRunTicksOnTrigger(t *testing.T) {
	eng, rem, _ := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		eng.Run(ctx)
		close(done)
	}()

	_, err := eng.Enqueue(record.ChatMessages, record.OpCreate, record.Fields{"message": "hello", "sender": "user"}, "")
	require.NoError(t, err)
	waitFor(t, func() bool { return len(rem.Results()) == 1 })
	waitFor(t, func() bool { return eng.queue.Len() == 0 })

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
