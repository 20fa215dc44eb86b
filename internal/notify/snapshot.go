package notify

import (
	"time"

	"github.com/wolfman30/patient-portal/internal/changequeue"
	"github.com/wolfman30/patient-portal/internal/record"
)

// Entry is the sync state of one id in a snapshot.
type Entry struct {
	Status changequeue.Status `json:"status"`
	// ChangeIDs lists the unconfirmed changes overlaid on the record.
	ChangeIDs []int64              `json:"change_ids,omitempty"`
	Failure   *changequeue.Failure `json:"failure,omitempty"`
}

// Snapshot is the state of one entity type after a completed sync tick.
// Subscribers share the same value and must treat it as read-only.
type Snapshot struct {
	EntityType record.EntityType `json:"entity_type"`
	Seq        uint64            `json:"seq"`
	// Records is the optimistic view ordered by updatedAt desc, then id.
	Records []record.Record  `json:"records"`
	Entries map[string]Entry `json:"entries"`
	// Failures are terminal changes of this type awaiting retry or discard.
	Failures []changequeue.Change `json:"failures,omitempty"`
	// Paused is set while the session must re-authenticate.
	Paused      bool      `json:"paused"`
	PublishedAt time.Time `json:"published_at"`
}

// Empty returns a snapshot with no records.
func Empty(t record.EntityType, seq uint64, at time.Time) *Snapshot {
	return &Snapshot{
		EntityType:  t,
		Seq:         seq,
		Records:     []record.Record{},
		Entries:     map[string]Entry{},
		PublishedAt: at,
	}
}

// Get returns the record with the given id.
func (s *Snapshot) Get(id string) (record.Record, bool) {
	if s == nil {
		return record.Record{}, false
	}
	for _, r := range s.Records {
		if r.ID == id {
			return r, true
		}
	}
	return record.Record{}, false
}

// Status returns the sync state of id, Confirmed when nothing is pending.
func (s *Snapshot) Status(id string) changequeue.Status {
	if s == nil {
		return 0
	}
	if e, ok := s.Entries[id]; ok {
		return e.Status
	}
	if _, ok := s.Get(id); ok {
		return changequeue.StatusConfirmed
	}
	return 0
}

func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Records)
}
