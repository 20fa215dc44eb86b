// Package memstore is an in-process hosted store used for local development
// and tests. It enforces the same version and ownership rules as pgstore.
package memstore

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/patient-portal/internal/record"
	"github.com/wolfman30/patient-portal/internal/remote"
)

// Store implements remote.Adapter in memory.
type Store struct {
	mu      sync.RWMutex
	records map[record.EntityType]map[string]record.Record
	blobs   map[string][]byte
	baseURL string
	now     func() time.Time
}

func New() *Store {
	return &Store{
		records: make(map[record.EntityType]map[string]record.Record),
		blobs:   make(map[string][]byte),
		baseURL: "memory://files",
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) WithClock(now func() time.Time) *Store {
	if now != nil {
		s.now = now
	}
	return s
}

// WithBaseURL sets the prefix of URLs returned by UploadBlob.
func (s *Store) WithBaseURL(base string) *Store {
	if base = strings.TrimRight(strings.TrimSpace(base), "/"); base != "" {
		s.baseURL = base
	}
	return s
}

// Put stores r as-is, bypassing version checks. It stands in for writes made
// by another device.
func (s *Store) Put(r record.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.Origin = record.OriginRemote
	s.bucketLocked(r.EntityType)[r.ID] = r.Clone()
}

// Blob returns uploaded bytes by object key.
func (s *Store) Blob(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[key]
	return b, ok
}

func (s *Store) Fetch(ctx context.Context, t record.EntityType, filter remote.Filter) ([]record.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, remote.Classify(err)
	}
	if !t.Valid() {
		return nil, remote.NotFoundError(fmt.Sprintf("no collection %q", t))
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]record.Record, 0, len(s.records[t]))
	for _, r := range s.records[t] {
		if filter.Match(r) {
			out = append(out, r.Clone())
		}
	}
	return out, nil
}

func (s *Store) Mutate(ctx context.Context, t record.EntityType, m remote.Mutation) (record.Record, error) {
	if err := ctx.Err(); err != nil {
		return record.Record{}, remote.Classify(err)
	}
	if !t.Valid() {
		return record.Record{}, remote.NotFoundError(fmt.Sprintf("no collection %q", t))
	}
	if strings.TrimSpace(m.UserID) == "" {
		return record.Record{}, remote.AuthError("missing user")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	bucket := s.bucketLocked(t)
	now := s.now()

	switch m.Op {
	case record.OpCreate:
		id := m.ID
		if id == "" {
			id = uuid.NewString()
		}
		if cur, exists := bucket[id]; exists {
			return record.Record{}, remote.ConflictError("record already exists", &cur)
		}
		fields := m.Patch.Clone()
		if fields == nil {
			fields = record.Fields{}
		}
		fields[record.FieldUserID] = m.UserID
		fields[record.FieldCreatedAt] = now.Format(time.RFC3339Nano)
		r := record.Record{EntityType: t, ID: id, Fields: fields, Version: 1, UpdatedAt: now, Origin: record.OriginRemote}
		bucket[id] = r
		return r.Clone(), nil

	case record.OpUpdate:
		cur, ok := bucket[m.ID]
		if !ok || !owns(cur, m.UserID) {
			return record.Record{}, remote.NotFoundError(fmt.Sprintf("%s/%s", t, m.ID))
		}
		if m.ExpectedVersion != 0 && cur.Version != m.ExpectedVersion {
			return record.Record{}, remote.ConflictError(
				fmt.Sprintf("expected version %d, have %d", m.ExpectedVersion, cur.Version), &cur)
		}
		next := cur.Clone()
		next.Fields = next.Fields.Merge(m.Patch)
		next.Version++
		next.UpdatedAt = now
		next.Origin = record.OriginRemote
		bucket[m.ID] = next
		return next.Clone(), nil

	case record.OpDelete:
		cur, ok := bucket[m.ID]
		if !ok || !owns(cur, m.UserID) {
			return record.Record{}, remote.NotFoundError(fmt.Sprintf("%s/%s", t, m.ID))
		}
		delete(bucket, m.ID)
		cur.Version++
		cur.UpdatedAt = now
		return cur, nil

	default:
		return record.Record{}, remote.ValidationError(fmt.Sprintf("unsupported op %d", m.Op), nil)
	}
}

func (s *Store) UploadBlob(ctx context.Context, data []byte, meta remote.BlobMetadata) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", remote.Classify(err)
	}
	if strings.TrimSpace(meta.UserID) == "" {
		return "", remote.AuthError("missing user")
	}
	key := fmt.Sprintf("%s/%d_%s", meta.UserID, s.now().UnixMilli(), meta.FileName)

	s.mu.Lock()
	s.blobs[key] = append([]byte(nil), data...)
	s.mu.Unlock()

	return s.baseURL + "/" + key, nil
}

func (s *Store) bucketLocked(t record.EntityType) map[string]record.Record {
	b := s.records[t]
	if b == nil {
		b = make(map[string]record.Record)
		s.records[t] = b
	}
	return b
}

// owns treats records without an owner (profiles keyed by user id) as owned
// by the user whose id they carry.
func owns(r record.Record, userID string) bool {
	owner := r.Fields.String(record.FieldUserID)
	if owner == "" {
		return r.ID == userID
	}
	return owner == userID
}
