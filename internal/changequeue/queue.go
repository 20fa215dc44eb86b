// Package changequeue holds local mutations that the hosted store has not yet
// confirmed, in submission order, with per-target in-flight exclusivity and
// retry backoff.
package changequeue

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/wolfman30/patient-portal/internal/record"
)

const (
	defaultMaxAttempts = 5
	defaultBaseDelay   = 500 * time.Millisecond
	defaultMaxDelay    = 30 * time.Second
	defaultJitterRatio = 0.2
)

// Queue is safe for concurrent use. Only the sync engine mutates it.
type Queue struct {
	mu     sync.Mutex
	nextID int64
	items  []*Change
	byID   map[int64]*Change

	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	jitterRatio float64
	jitter      func() float64
	now         func() time.Time
}

func New() *Queue {
	return &Queue{
		byID:        make(map[int64]*Change),
		maxAttempts: defaultMaxAttempts,
		baseDelay:   defaultBaseDelay,
		maxDelay:    defaultMaxDelay,
		jitterRatio: defaultJitterRatio,
		jitter:      rand.Float64,
		now:         time.Now,
	}
}

func (q *Queue) WithMaxAttempts(n int) *Queue {
	if n > 0 {
		q.maxAttempts = n
	}
	return q
}

func (q *Queue) WithBackoff(base, max time.Duration) *Queue {
	if base > 0 {
		q.baseDelay = base
	}
	if max > 0 {
		q.maxDelay = max
	}
	return q
}

// WithJitter overrides the uniform [0,1) source used to spread retries.
func (q *Queue) WithJitter(fn func() float64) *Queue {
	if fn != nil {
		q.jitter = fn
	}
	return q
}

func (q *Queue) WithClock(now func() time.Time) *Queue {
	if now != nil {
		q.now = now
	}
	return q
}

// Enqueue appends a change. A create without a target gets a local
// placeholder id which is replaced once the store confirms the create.
func (q *Queue) Enqueue(t record.EntityType, op record.Op, patch record.Fields, targetID string) (Change, error) {
	return q.enqueue(t, op, patch, targetID, nil)
}

// EnqueueWithBlob queues a create whose file content is uploaded first.
func (q *Queue) EnqueueWithBlob(t record.EntityType, patch record.Fields, blob Blob) (Change, error) {
	return q.enqueue(t, record.OpCreate, patch, "", &blob)
}

func (q *Queue) enqueue(t record.EntityType, op record.Op, patch record.Fields, targetID string, blob *Blob) (Change, error) {
	if !t.Valid() {
		return Change{}, fmt.Errorf("changequeue: enqueue: %w: %q", record.ErrUnknownEntityType, t)
	}
	if !op.Valid() {
		return Change{}, fmt.Errorf("changequeue: enqueue: %w: op %d", record.ErrMalformedOp, op)
	}
	targetID = strings.TrimSpace(targetID)
	if op != record.OpCreate && targetID == "" {
		return Change{}, fmt.Errorf("changequeue: enqueue: %w: %s requires a target", record.ErrMalformedOp, op)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.nextID++
	c := &Change{
		ID:          q.nextID,
		EntityType:  t,
		TargetID:    targetID,
		Op:          op,
		Patch:       patch.Clone(),
		SubmittedAt: q.now(),
		Status:      StatusPending,
		Blob:        blob,
	}
	if c.TargetID == "" {
		c.TargetID = tempID(c.ID)
	}
	q.items = append(q.items, c)
	q.byID[c.ID] = c
	return c.clone(), nil
}

// NextBatch selects at most one sendable change per target of type t: the
// oldest Pending change of a target with nothing InFlight whose backoff has
// elapsed. Later Pending changes on the same target are folded into it first.
func (q *Queue) NextBatch(t record.EntityType) []Change {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	blocked := make(map[string]bool)
	for _, c := range q.items {
		if c.EntityType == t && c.Status == StatusInFlight {
			blocked[c.TargetID] = true
		}
	}

	var batch []Change
	items := append([]*Change(nil), q.items...)
	for _, c := range items {
		if _, live := q.byID[c.ID]; !live {
			continue
		}
		if c.EntityType != t || c.Status != StatusPending || blocked[c.TargetID] {
			continue
		}
		blocked[c.TargetID] = true
		if c.NextAttemptAt.After(now) {
			continue
		}
		if q.coalesceLocked(c) {
			continue
		}
		batch = append(batch, c.clone())
	}
	return batch
}

// coalesceLocked folds the Pending followers of head into it. It reports
// true when a never-confirmed create was cancelled by a later delete and the
// whole group was dropped.
func (q *Queue) coalesceLocked(head *Change) bool {
	if head.Op == record.OpDelete {
		return false
	}
	var absorbed []*Change
	for _, c := range q.items {
		if c == head || c.EntityType != head.EntityType || c.TargetID != head.TargetID || c.Status != StatusPending || c.ID < head.ID {
			continue
		}
		absorbed = append(absorbed, c)
		if c.Op == record.OpDelete {
			break
		}
		head.Patch = head.Patch.Merge(c.Patch)
		head.Coalesced = append(head.Coalesced, c.ID)
	}
	if len(absorbed) == 0 {
		return false
	}

	last := absorbed[len(absorbed)-1]
	if last.Op == record.OpDelete {
		if head.Op == record.OpCreate && head.HasTempTarget() {
			q.removeLocked(head.ID)
			for _, c := range absorbed {
				q.removeLocked(c.ID)
			}
			return true
		}
		head.Op = record.OpDelete
		head.Patch = nil
		head.Coalesced = append(head.Coalesced, last.ID)
	}
	for _, c := range absorbed {
		q.removeLocked(c.ID)
	}
	return false
}

// MarkInFlight moves a Pending change to InFlight.
func (q *Queue) MarkInFlight(id int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	c, ok := q.byID[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownChange, id)
	}
	if c.Status != StatusPending {
		return fmt.Errorf("%w: %d is %s", ErrInvalidTransition, id, c.Status)
	}
	for _, other := range q.items {
		if other != c && other.Status == StatusInFlight && other.Key() == c.Key() {
			return fmt.Errorf("%w: %s already has change %d in flight", ErrInvalidTransition, c.Key(), other.ID)
		}
	}
	c.Status = StatusInFlight
	return nil
}

// MarkConfirmed removes an InFlight change. When it confirmed a create made
// under a placeholder id, the remaining changes for that placeholder are
// retargeted to the confirmed record's id.
func (q *Queue) MarkConfirmed(id int64, result record.Record) (Change, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	c, ok := q.byID[id]
	if !ok {
		return Change{}, fmt.Errorf("%w: %d", ErrUnknownChange, id)
	}
	if c.Status != StatusInFlight {
		return Change{}, fmt.Errorf("%w: %d is %s", ErrInvalidTransition, id, c.Status)
	}
	c.Status = StatusConfirmed
	q.removeLocked(id)

	if c.HasTempTarget() && result.ID != "" && result.ID != c.TargetID {
		for _, other := range q.items {
			if other.EntityType == c.EntityType && other.TargetID == c.TargetID {
				other.TargetID = result.ID
			}
		}
	}
	return c.clone(), nil
}

// MarkFailed records a failed attempt. Retryable failures go back to Pending
// with backoff until the attempt limit; everything else is terminal.
func (q *Queue) MarkFailed(id int64, failure Failure, retryable bool) (Change, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	c, ok := q.byID[id]
	if !ok {
		return Change{}, fmt.Errorf("%w: %d", ErrUnknownChange, id)
	}
	if c.Status != StatusInFlight {
		return Change{}, fmt.Errorf("%w: %d is %s", ErrInvalidTransition, id, c.Status)
	}
	if failure.At.IsZero() {
		failure.At = q.now()
	}
	f := failure
	c.Failure = &f

	if retryable {
		c.Attempts++
		if c.Attempts < q.maxAttempts {
			c.Status = StatusPending
			c.NextAttemptAt = failure.At.Add(q.backoffLocked(c.Attempts))
			return c.clone(), nil
		}
	}
	c.Status = StatusFailed
	c.NextAttemptAt = time.Time{}
	q.failDependentsLocked(c)
	return c.clone(), nil
}

// failDependentsLocked fails changes queued against a placeholder id whose
// create will never be confirmed.
func (q *Queue) failDependentsLocked(c *Change) {
	if c.Op != record.OpCreate || !c.HasTempTarget() {
		return
	}
	for _, other := range q.items {
		if other == c || other.EntityType != c.EntityType || other.TargetID != c.TargetID || other.Status != StatusPending {
			continue
		}
		f := *c.Failure
		f.Message = fmt.Sprintf("create %d failed: %s", c.ID, c.Failure.Message)
		other.Failure = &f
		other.Status = StatusFailed
	}
}

// Requeue returns an InFlight change to Pending without counting an attempt.
func (q *Queue) Requeue(id int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	c, ok := q.byID[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownChange, id)
	}
	if c.Status != StatusInFlight {
		return fmt.Errorf("%w: %d is %s", ErrInvalidTransition, id, c.Status)
	}
	c.Status = StatusPending
	c.NextAttemptAt = time.Time{}
	return nil
}

// ClearBlob drops uploaded file content so a retry does not upload it again.
func (q *Queue) ClearBlob(id int64, patch record.Fields) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if c, ok := q.byID[id]; ok {
		c.Blob = nil
		c.Patch = c.Patch.Merge(patch)
	}
}

// Backoff returns the delay after the given number of failed attempts:
// base * 2^(attempts-1), capped, then spread by the jitter ratio.
func (q *Queue) Backoff(attempts int) time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.backoffLocked(attempts)
}

func (q *Queue) backoffLocked(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := q.baseDelay
	for i := 1; i < attempts && delay < q.maxDelay; i++ {
		delay *= 2
	}
	if delay > q.maxDelay {
		delay = q.maxDelay
	}
	spread := 1 + q.jitterRatio*(2*q.jitter()-1)
	return time.Duration(float64(delay) * spread)
}

// Get returns a copy of a queued change.
func (q *Queue) Get(id int64) (Change, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	c, ok := q.byID[id]
	if !ok {
		return Change{}, false
	}
	return c.clone(), true
}

// Changes returns every queued change of type t in submission order.
func (q *Queue) Changes(t record.EntityType) []Change {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []Change
	for _, c := range q.items {
		if c.EntityType == t {
			out = append(out, c.clone())
		}
	}
	return out
}

// Failed returns terminal failures of every type in submission order.
func (q *Queue) Failed() []Change {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []Change
	for _, c := range q.items {
		if c.Status == StatusFailed {
			out = append(out, c.clone())
		}
	}
	return out
}

// HasPending reports whether any Pending or InFlight change targets id.
func (q *Queue) HasPending(t record.EntityType, id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, c := range q.items {
		if c.EntityType == t && c.TargetID == id && (c.Status == StatusPending || c.Status == StatusInFlight) {
			return true
		}
	}
	return false
}

// HasWork reports whether type t has Pending changes.
func (q *Queue) HasWork(t record.EntityType) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, c := range q.items {
		if c.EntityType == t && c.Status == StatusPending {
			return true
		}
	}
	return false
}

// Depth returns the number of Pending and InFlight changes of type t.
func (q *Queue) Depth(t record.EntityType) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, c := range q.items {
		if c.EntityType == t && (c.Status == StatusPending || c.Status == StatusInFlight) {
			n++
		}
	}
	return n
}

// Discard removes a change that is not InFlight.
func (q *Queue) Discard(id int64) (Change, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	c, ok := q.byID[id]
	if !ok {
		return Change{}, fmt.Errorf("%w: %d", ErrUnknownChange, id)
	}
	if c.Status == StatusInFlight {
		return Change{}, fmt.Errorf("%w: %d is in flight", ErrInvalidTransition, id)
	}
	q.removeLocked(id)
	return c.clone(), nil
}

// Retry re-enqueues a Failed change under a new id and removes the old one.
func (q *Queue) Retry(id int64) (Change, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	c, ok := q.byID[id]
	if !ok {
		return Change{}, fmt.Errorf("%w: %d", ErrUnknownChange, id)
	}
	if c.Status != StatusFailed {
		return Change{}, fmt.Errorf("%w: %d is %s", ErrInvalidTransition, id, c.Status)
	}
	q.removeLocked(id)

	q.nextID++
	next := &Change{
		ID:          q.nextID,
		EntityType:  c.EntityType,
		TargetID:    c.TargetID,
		Op:          c.Op,
		Patch:       c.Patch.Clone(),
		SubmittedAt: q.now(),
		Status:      StatusPending,
		Blob:        c.Blob,
	}
	q.items = append(q.items, next)
	q.byID[next.ID] = next
	return next.clone(), nil
}

// Clear drops every change. Change ids keep increasing afterwards.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
	q.byID = make(map[int64]*Change)
}

// Len returns the number of queued changes in any status.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) removeLocked(id int64) {
	if _, ok := q.byID[id]; !ok {
		return
	}
	delete(q.byID, id)
	for i, c := range q.items {
		if c.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return
		}
	}
}
