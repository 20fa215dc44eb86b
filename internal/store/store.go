// Package store holds the confirmed records the sync engine has accepted from
// the hosted store of record. It performs no I/O.
package store

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/wolfman30/patient-portal/internal/record"
)

// ErrStaleVersion is returned by Upsert when the incoming record carries a
// lower version than the one already stored.
var ErrStaleVersion = errors.New("store: stale version")

type entry struct {
	rec      record.Record
	lastSeen time.Time
}

// Store is a normalized entityType+id -> Record map.
type Store struct {
	mu     sync.RWMutex
	byType map[record.EntityType]map[string]entry
	now    func() time.Time
}

func New() *Store {
	return &Store{
		byType: make(map[record.EntityType]map[string]entry),
		now:    time.Now,
	}
}

// WithClock overrides the clock used for last-seen timestamps.
func (s *Store) WithClock(now func() time.Time) *Store {
	if s != nil && now != nil {
		s.now = now
	}
	return s
}

// Get returns a copy of the stored record.
func (s *Store) Get(t record.EntityType, id string) (record.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.byType[t][id]
	if !ok {
		return record.Record{}, false
	}
	return e.rec.Clone(), true
}

// List returns copies of the records of type t accepted by keep (nil keeps
// everything), newest updatedAt first with ties broken by id.
func (s *Store) List(t record.EntityType, keep func(record.Record) bool) []record.Record {
	s.mu.RLock()
	out := make([]record.Record, 0, len(s.byType[t]))
	for _, e := range s.byType[t] {
		if keep != nil && !keep(e.rec) {
			continue
		}
		out = append(out, e.rec.Clone())
	}
	s.mu.RUnlock()

	SortRecords(out)
	return out
}

// SortRecords orders records by updatedAt descending, then id ascending.
func SortRecords(recs []record.Record) {
	sort.SliceStable(recs, func(i, j int) bool {
		if !recs[i].UpdatedAt.Equal(recs[j].UpdatedAt) {
			return recs[i].UpdatedAt.After(recs[j].UpdatedAt)
		}
		return recs[i].ID < recs[j].ID
	})
}

// Upsert stores r. Applying a record equal to the stored one only refreshes
// its last-seen time and reports changed=false. A version lower than the
// stored one is rejected with ErrStaleVersion.
func (s *Store) Upsert(r record.Record) (changed bool, err error) {
	return s.put(r, true)
}

// Replace stores r whatever the stored version is. Authoritative remote
// reads use it: a record deleted and recreated elsewhere restarts at v1.
func (s *Store) Replace(r record.Record) (changed bool, err error) {
	return s.put(r, false)
}

func (s *Store) put(r record.Record, checkVersion bool) (bool, error) {
	if !r.EntityType.Valid() {
		return false, fmt.Errorf("store: upsert: %w: %q", record.ErrUnknownEntityType, r.EntityType)
	}
	if strings.TrimSpace(r.ID) == "" {
		return false, errors.New("store: upsert: record id required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	bucket := s.byType[r.EntityType]
	if bucket == nil {
		bucket = make(map[string]entry)
		s.byType[r.EntityType] = bucket
	}
	now := s.now()
	if cur, ok := bucket[r.ID]; ok {
		if checkVersion && r.Version < cur.rec.Version {
			return false, fmt.Errorf("%w: %s has v%d, got v%d", ErrStaleVersion, record.KeyOf(r), cur.rec.Version, r.Version)
		}
		if cur.rec.Equal(r) {
			cur.lastSeen = now
			bucket[r.ID] = cur
			return false, nil
		}
	}
	bucket[r.ID] = entry{rec: r.Clone(), lastSeen: now}
	return true, nil
}

// Remove deletes the record and reports whether it existed.
func (s *Store) Remove(t record.EntityType, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byType[t][id]; !ok {
		return false
	}
	delete(s.byType[t], id)
	return true
}

// IDs returns the stored ids of type t in no particular order.
func (s *Store) IDs(t record.EntityType) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.byType[t]))
	for id := range s.byType[t] {
		ids = append(ids, id)
	}
	return ids
}

// LastSeen reports when the record was last written or re-confirmed.
func (s *Store) LastSeen(t record.EntityType, id string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.byType[t][id]
	return e.lastSeen, ok
}

// Len returns the number of records of type t.
func (s *Store) Len(t record.EntityType) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byType[t])
}

// Snapshot returns an independent id -> Record copy of type t.
func (s *Store) Snapshot(t record.EntityType) map[string]record.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]record.Record, len(s.byType[t]))
	for id, e := range s.byType[t] {
		out[id] = e.rec.Clone()
	}
	return out
}

// Clear drops every record of every type.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byType = make(map[record.EntityType]map[string]entry)
}
