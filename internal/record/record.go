// Package record defines the portal's synchronized entities: the generic
// Record envelope shared by the store, queue and engine, plus one concrete
// schema per entity type.
package record

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"
)

// EntityType names a collection in the hosted store of record.
type EntityType string

const (
	Appointments EntityType = "appointments"
	Profiles     EntityType = "profiles"
	ChatMessages EntityType = "chat_messages"
	FileUploads  EntityType = "file_uploads"
)

var entityTypes = []EntityType{Appointments, Profiles, ChatMessages, FileUploads}

// AllEntityTypes returns every synchronized entity type in a stable order.
func AllEntityTypes() []EntityType {
	out := make([]EntityType, len(entityTypes))
	copy(out, entityTypes)
	return out
}

// Valid reports whether t is a known entity type.
func (t EntityType) Valid() bool {
	for _, known := range entityTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ParseEntityType accepts the canonical table names plus the short names the
// portal routes use ("profile", "chat", "files").
func ParseEntityType(raw string) (EntityType, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "appointments", "appointment":
		return Appointments, nil
	case "profiles", "profile":
		return Profiles, nil
	case "chat_messages", "chat", "messages":
		return ChatMessages, nil
	case "file_uploads", "files", "file":
		return FileUploads, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownEntityType, raw)
	}
}

// Origin records where the current value of a Record came from.
type Origin int

const (
	OriginLocal Origin = iota + 1
	OriginRemote
)

func (o Origin) String() string {
	switch o {
	case OriginLocal:
		return "local"
	case OriginRemote:
		return "remote"
	default:
		return "unknown"
	}
}

func (o Origin) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.String())
}

func (o *Origin) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch s {
	case "local":
		*o = OriginLocal
	case "remote":
		*o = OriginRemote
	default:
		*o = 0
	}
	return nil
}

// Op is a mutation kind.
type Op int

const (
	OpCreate Op = iota + 1
	OpUpdate
	OpDelete
)

func (op Op) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return "invalid"
	}
}

func (op Op) MarshalText() ([]byte, error) {
	return []byte(op.String()), nil
}

// Valid reports whether op is one of the three mutation kinds.
func (op Op) Valid() bool {
	return op >= OpCreate && op <= OpDelete
}

// Fields is the schema-less payload of a Record.
type Fields map[string]any

// Clone returns a deep copy of f. Nested maps and slices are copied so a
// snapshot never aliases the store's internal state.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = cloneValue(v)
	}
	return out
}

// Merge returns a new Fields with patch applied on top of f.
func (f Fields) Merge(patch Fields) Fields {
	out := make(Fields, len(f)+len(patch))
	for k, v := range f {
		out[k] = cloneValue(v)
	}
	for k, v := range patch {
		out[k] = cloneValue(v)
	}
	return out
}

// Keys returns the field names in sorted order.
func (f Fields) Keys() []string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// String returns the value at key when it is a string.
func (f Fields) String(key string) string {
	if v, ok := f[key].(string); ok {
		return v
	}
	return ""
}

// Int returns the numeric value at key, accepting the JSON decoder's float64.
func (f Fields) Int(key string) (int64, bool) {
	switch v := f[key].(type) {
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	default:
		return 0, false
	}
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return map[string]any(Fields(val).Clone())
	case Fields:
		return val.Clone()
	case []any:
		out := make([]any, len(val))
		for i := range val {
			out[i] = cloneValue(val[i])
		}
		return out
	case []string:
		return append([]string(nil), val...)
	default:
		return v
	}
}

// Record is one entity as known to the portal.
type Record struct {
	EntityType EntityType `json:"entity_type"`
	ID         string     `json:"id"`
	Fields     Fields     `json:"fields"`
	Version    int64      `json:"version"`
	UpdatedAt  time.Time  `json:"updated_at"`
	Origin     Origin     `json:"origin"`
}

// Clone returns a copy that shares no mutable state with r.
func (r Record) Clone() Record {
	r.Fields = r.Fields.Clone()
	return r
}

// Equal compares every attribute, including fields.
func (r Record) Equal(o Record) bool {
	return r.EntityType == o.EntityType &&
		r.ID == o.ID &&
		r.Version == o.Version &&
		r.UpdatedAt.Equal(o.UpdatedAt) &&
		r.Origin == o.Origin &&
		fieldsEqual(r.Fields, o.Fields)
}

// NewerThan orders two revisions of the same record by version, then by
// updatedAt.
func (r Record) NewerThan(o Record) bool {
	if r.Version != o.Version {
		return r.Version > o.Version
	}
	return r.UpdatedAt.After(o.UpdatedAt)
}

// Key identifies a record across entity types.
type Key struct {
	EntityType EntityType
	ID         string
}

func (k Key) String() string {
	return string(k.EntityType) + "/" + k.ID
}

// KeyOf returns the store key of r.
func KeyOf(r Record) Key {
	return Key{EntityType: r.EntityType, ID: r.ID}
}

func fieldsEqual(a, b Fields) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}
