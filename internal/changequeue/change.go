package changequeue

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wolfman30/patient-portal/internal/record"
	"github.com/wolfman30/patient-portal/internal/remote"
)

var (
	ErrUnknownChange     = errors.New("changequeue: unknown change")
	ErrInvalidTransition = errors.New("changequeue: invalid status transition")
)

// Status is the lifecycle position of a Change.
type Status int

const (
	StatusPending Status = iota + 1
	StatusInFlight
	StatusConfirmed
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusInFlight:
		return "in_flight"
	case StatusConfirmed:
		return "confirmed"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// TempIDPrefix marks target ids assigned locally to creates that have not
// been confirmed yet.
const TempIDPrefix = "local-"

// IsTempID reports whether id is a local placeholder.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

func tempID(changeID int64) string {
	return fmt.Sprintf("%s%d", TempIDPrefix, changeID)
}

// Failure is the reason a change stopped being retried.
type Failure struct {
	Kind        remote.Kind       `json:"kind"`
	Message     string            `json:"message"`
	FieldErrors map[string]string `json:"field_errors,omitempty"`
	// Remote is the server's value when Kind is KindConflict.
	Remote *record.Record `json:"remote,omitempty"`
	At     time.Time      `json:"at"`
}

// FailureFrom converts a classified remote error.
func FailureFrom(e *remote.Error, at time.Time) Failure {
	f := Failure{Kind: e.Kind, Message: e.Error(), At: at}
	if len(e.FieldErrors) > 0 {
		f.FieldErrors = make(map[string]string, len(e.FieldErrors))
		for k, v := range e.FieldErrors {
			f.FieldErrors[k] = v
		}
	}
	if e.Remote != nil {
		cp := e.Remote.Clone()
		f.Remote = &cp
	}
	return f
}

// Blob is file content that must be uploaded before a create is sent.
type Blob struct {
	Data []byte
	Meta remote.BlobMetadata
}

// Change is one local mutation awaiting confirmation.
type Change struct {
	ID          int64             `json:"change_id"`
	EntityType  record.EntityType `json:"entity_type"`
	TargetID    string            `json:"target_id"`
	Op          record.Op         `json:"op"`
	Patch       record.Fields     `json:"patch,omitempty"`
	SubmittedAt time.Time         `json:"submitted_at"`
	Attempts    int               `json:"attempts"`
	Status      Status            `json:"status"`
	// NextAttemptAt gates a retry after a retryable failure.
	NextAttemptAt time.Time `json:"next_attempt_at,omitempty"`
	Failure       *Failure  `json:"failure,omitempty"`
	// Coalesced lists the ids of later changes folded into this one.
	Coalesced []int64 `json:"coalesced,omitempty"`
	Blob      *Blob   `json:"-"`
}

// Key returns the (entityType, targetId) the change applies to.
func (c Change) Key() record.Key {
	return record.Key{EntityType: c.EntityType, ID: c.TargetID}
}

// HasTempTarget reports whether the target id is a local placeholder.
func (c Change) HasTempTarget() bool {
	return IsTempID(c.TargetID)
}

func (c Change) clone() Change {
	c.Patch = c.Patch.Clone()
	if c.Failure != nil {
		f := *c.Failure
		c.Failure = &f
	}
	c.Coalesced = append([]int64(nil), c.Coalesced...)
	return c
}
