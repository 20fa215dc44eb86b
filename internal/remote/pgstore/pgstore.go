// Package pgstore is the Postgres-backed store of record. All entity types
// share one portal_records table keyed by (entity_type, id) with the payload
// held as jsonb.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/wolfman30/patient-portal/internal/record"
	"github.com/wolfman30/patient-portal/internal/remote"
)

// Querier is the subset of pgxpool.Pool the store uses.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	db  Querier
	now func() time.Time
}

func New(db Querier) *Store {
	if db == nil {
		panic("pgstore: querier required")
	}
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (s *Store) WithClock(now func() time.Time) *Store {
	if now != nil {
		s.now = now
	}
	return s
}

const recordColumns = `id, user_id, version, fields, updated_at`

func (s *Store) Fetch(ctx context.Context, t record.EntityType, filter remote.Filter) ([]record.Record, error) {
	if !t.Valid() {
		return nil, remote.NotFoundError(fmt.Sprintf("no collection %q", t))
	}

	var sb strings.Builder
	sb.WriteString(`SELECT ` + recordColumns + ` FROM portal_records WHERE entity_type = $1`)
	args := []any{string(t)}

	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := fmt.Sprint(filter[k])
		switch k {
		case "id", record.FieldUserID:
			args = append(args, v)
			fmt.Fprintf(&sb, " AND %s = $%d", k, len(args))
		default:
			args = append(args, k, v)
			fmt.Fprintf(&sb, " AND fields ->> $%d = $%d", len(args)-1, len(args))
		}
	}
	sb.WriteString(` ORDER BY updated_at DESC, id`)

	rows, err := s.db.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("pgstore: fetch %s: %w", t, classify(err))
	}
	defer rows.Close()

	var out []record.Record
	for rows.Next() {
		r, err := scanRecord(t, rows)
		if err != nil {
			return nil, fmt.Errorf("pgstore: scan %s: %w", t, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgstore: fetch %s: %w", t, classify(err))
	}
	return out, nil
}

func (s *Store) Mutate(ctx context.Context, t record.EntityType, m remote.Mutation) (record.Record, error) {
	if !t.Valid() {
		return record.Record{}, remote.NotFoundError(fmt.Sprintf("no collection %q", t))
	}
	if strings.TrimSpace(m.UserID) == "" {
		return record.Record{}, remote.AuthError("missing user")
	}

	switch m.Op {
	case record.OpCreate:
		return s.create(ctx, t, m)
	case record.OpUpdate:
		return s.update(ctx, t, m)
	case record.OpDelete:
		return s.delete(ctx, t, m)
	default:
		return record.Record{}, remote.ValidationError(fmt.Sprintf("unsupported op %d", m.Op), nil)
	}
}

func (s *Store) create(ctx context.Context, t record.EntityType, m remote.Mutation) (record.Record, error) {
	id := m.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := s.now()
	fields := m.Patch.Clone()
	if fields == nil {
		fields = record.Fields{}
	}
	delete(fields, record.FieldUserID)
	fields[record.FieldCreatedAt] = now.Format(time.RFC3339Nano)
	payload, err := json.Marshal(fields)
	if err != nil {
		return record.Record{}, remote.ValidationError("payload is not serializable", nil)
	}

	query := `
		INSERT INTO portal_records (entity_type, id, user_id, version, fields, created_at, updated_at)
		VALUES ($1, $2, $3, 1, $4, $5, $5)
		RETURNING ` + recordColumns
	r, err := scanRecord(t, s.db.QueryRow(ctx, query, string(t), id, m.UserID, payload, now))
	if err != nil {
		cerr := classify(err)
		if cerr.Kind == remote.KindConflict {
			if cur, ok, _ := s.current(ctx, t, id); ok {
				cerr = remote.ConflictError("record already exists", &cur)
			}
		}
		return record.Record{}, fmt.Errorf("pgstore: create %s: %w", t, cerr)
	}
	return r, nil
}

func (s *Store) update(ctx context.Context, t record.EntityType, m remote.Mutation) (record.Record, error) {
	patch := m.Patch.Clone()
	delete(patch, record.FieldUserID)
	payload, err := json.Marshal(patch)
	if err != nil {
		return record.Record{}, remote.ValidationError("payload is not serializable", nil)
	}

	query := `
		UPDATE portal_records
		SET fields = fields || $4::jsonb, version = version + 1, updated_at = $5
		WHERE entity_type = $1 AND id = $2 AND user_id = $3 AND ($6 = 0 OR version = $6)
		RETURNING ` + recordColumns
	r, err := scanRecord(t, s.db.QueryRow(ctx, query, string(t), m.ID, m.UserID, payload, s.now(), m.ExpectedVersion))
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return record.Record{}, fmt.Errorf("pgstore: update %s/%s: %w", t, m.ID, classify(err))
	}

	cur, ok, lerr := s.current(ctx, t, m.ID)
	if lerr != nil {
		return record.Record{}, fmt.Errorf("pgstore: update %s/%s: %w", t, m.ID, classify(lerr))
	}
	if !ok || cur.Fields.String(record.FieldUserID) != m.UserID {
		return record.Record{}, remote.NotFoundError(fmt.Sprintf("%s/%s", t, m.ID))
	}
	return record.Record{}, remote.ConflictError(
		fmt.Sprintf("expected version %d, have %d", m.ExpectedVersion, cur.Version), &cur)
}

func (s *Store) delete(ctx context.Context, t record.EntityType, m remote.Mutation) (record.Record, error) {
	query := `
		DELETE FROM portal_records
		WHERE entity_type = $1 AND id = $2 AND user_id = $3
		RETURNING ` + recordColumns
	r, err := scanRecord(t, s.db.QueryRow(ctx, query, string(t), m.ID, m.UserID))
	if errors.Is(err, pgx.ErrNoRows) {
		return record.Record{}, remote.NotFoundError(fmt.Sprintf("%s/%s", t, m.ID))
	}
	if err != nil {
		return record.Record{}, fmt.Errorf("pgstore: delete %s/%s: %w", t, m.ID, classify(err))
	}
	return r, nil
}

func (s *Store) current(ctx context.Context, t record.EntityType, id string) (record.Record, bool, error) {
	query := `SELECT ` + recordColumns + ` FROM portal_records WHERE entity_type = $1 AND id = $2`
	r, err := scanRecord(t, s.db.QueryRow(ctx, query, string(t), id))
	if errors.Is(err, pgx.ErrNoRows) {
		return record.Record{}, false, nil
	}
	if err != nil {
		return record.Record{}, false, err
	}
	return r, true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(t record.EntityType, row rowScanner) (record.Record, error) {
	var (
		r       record.Record
		userID  string
		payload []byte
	)
	if err := row.Scan(&r.ID, &userID, &r.Version, &payload, &r.UpdatedAt); err != nil {
		return record.Record{}, err
	}
	r.Fields = record.Fields{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &r.Fields); err != nil {
			return record.Record{}, fmt.Errorf("decode fields: %w", err)
		}
	}
	r.Fields[record.FieldUserID] = userID
	r.EntityType = t
	r.UpdatedAt = r.UpdatedAt.UTC()
	r.Origin = record.OriginRemote
	return r, nil
}
