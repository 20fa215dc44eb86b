package remote

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/wolfman30/patient-portal/internal/record"
)

// Kind classifies a failure reported by the hosted store.
type Kind int

const (
	KindNetwork Kind = iota + 1
	KindAuth
	KindNotFound
	KindValidation
	KindConflict
	KindQuotaExceeded
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindAuth:
		return "auth"
	case KindNotFound:
		return "not_found"
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindQuotaExceeded:
		return "quota_exceeded"
	default:
		return "unknown"
	}
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Retryable reports whether a failure of this kind should be retried.
func (k Kind) Retryable() bool {
	return k == KindNetwork
}

// Error is the classified error every adapter returns.
type Error struct {
	Kind    Kind
	Message string

	// FieldErrors holds per-field reasons for KindValidation.
	FieldErrors map[string]string
	// Remote holds the server's current record for KindConflict.
	Remote *record.Record

	Err error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg == "" {
		return fmt.Sprintf("remote: %s", e.Kind)
	}
	return fmt.Sprintf("remote: %s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

func NetworkError(err error) *Error {
	return &Error{Kind: KindNetwork, Err: err}
}

func AuthError(msg string) *Error {
	return &Error{Kind: KindAuth, Message: msg}
}

func NotFoundError(msg string) *Error {
	return &Error{Kind: KindNotFound, Message: msg}
}

func ValidationError(msg string, fields map[string]string) *Error {
	return &Error{Kind: KindValidation, Message: msg, FieldErrors: fields}
}

// ConflictError carries the record the server currently holds.
func ConflictError(msg string, current *record.Record) *Error {
	e := &Error{Kind: KindConflict, Message: msg}
	if current != nil {
		cp := current.Clone()
		e.Remote = &cp
	}
	return e
}

func QuotaError(msg string) *Error {
	return &Error{Kind: KindQuotaExceeded, Message: msg}
}

// Classify maps any adapter error onto the taxonomy. Timeouts and unknown
// transport errors are treated as retryable network failures.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var re *Error
	if errors.As(err, &re) {
		return re
	}
	var verr *record.ValidationError
	if errors.As(err, &verr) {
		return &Error{Kind: KindValidation, Message: "rejected by local schema", FieldErrors: verr.Fields, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindNetwork, Message: "timeout", Err: err}
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return &Error{Kind: KindNetwork, Message: "timeout", Err: err}
	}
	return NetworkError(err)
}

// KindOf returns the classified kind of err, or 0 for nil.
func KindOf(err error) Kind {
	if err == nil {
		return 0
	}
	return Classify(err).Kind
}
