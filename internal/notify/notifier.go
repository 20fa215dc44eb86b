// Package notify delivers per-entity-type snapshots to subscribers once per
// completed sync tick.
package notify

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/wolfman30/patient-portal/internal/record"
	"github.com/wolfman30/patient-portal/pkg/logging"
)

var ErrNilCallback = errors.New("notify: callback required")

// Callback receives a published snapshot. It runs on the publishing
// goroutine and should return quickly.
type Callback func(*Snapshot)

// Token identifies a subscription.
type Token uint64

type subscription struct {
	entityType record.EntityType
	cb         Callback
}

// Notifier fans snapshots out to subscribers by entity type.
type Notifier struct {
	mu     sync.RWMutex
	next   Token
	subs   map[Token]subscription
	last   map[record.EntityType]*Snapshot
	logger *logging.Logger
}

func New(logger *logging.Logger) *Notifier {
	if logger == nil {
		logger = logging.Default()
	}
	return &Notifier{
		subs:   make(map[Token]subscription),
		last:   make(map[record.EntityType]*Snapshot),
		logger: logger,
	}
}

func (n *Notifier) Subscribe(t record.EntityType, cb Callback) (Token, error) {
	if !t.Valid() {
		return 0, fmt.Errorf("notify: subscribe: %w: %q", record.ErrUnknownEntityType, t)
	}
	if cb == nil {
		return 0, ErrNilCallback
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.next++
	n.subs[n.next] = subscription{entityType: t, cb: cb}
	return n.next, nil
}

// Unsubscribe reports whether the token was active.
func (n *Notifier) Unsubscribe(tok Token) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.subs[tok]; !ok {
		return false
	}
	delete(n.subs, tok)
	return true
}

// HasSubscribers reports whether anyone listens to type t.
func (n *Notifier) HasSubscribers(t record.EntityType) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()

	for _, s := range n.subs {
		if s.entityType == t {
			return true
		}
	}
	return false
}

// ActiveTypes returns the entity types with at least one subscriber.
func (n *Notifier) ActiveTypes() []record.EntityType {
	var out []record.EntityType
	for _, t := range record.AllEntityTypes() {
		if n.HasSubscribers(t) {
			out = append(out, t)
		}
	}
	return out
}

// Publish hands snap to every subscriber of its type, in subscription order,
// and returns how many were called. A panicking callback is logged and does
// not stop delivery to the others.
func (n *Notifier) Publish(snap *Snapshot) int {
	if snap == nil {
		return 0
	}

	n.mu.Lock()
	n.last[snap.EntityType] = snap
	tokens := make([]Token, 0, len(n.subs))
	for tok, s := range n.subs {
		if s.entityType == snap.EntityType {
			tokens = append(tokens, tok)
		}
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i] < tokens[j] })
	cbs := make([]Callback, len(tokens))
	for i, tok := range tokens {
		cbs[i] = n.subs[tok].cb
	}
	n.mu.Unlock()

	for _, cb := range cbs {
		n.deliver(cb, snap)
	}
	return len(cbs)
}

func (n *Notifier) deliver(cb Callback, snap *Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("subscriber panicked", "entity_type", snap.EntityType, "seq", snap.Seq, "panic", r)
		}
	}()
	cb(snap)
}

// Last returns the most recently published snapshot of type t, or nil.
func (n *Notifier) Last(t record.EntityType) *Snapshot {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.last[t]
}
