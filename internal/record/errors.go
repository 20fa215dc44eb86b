package record

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrUnknownEntityType is returned for collections the portal does not sync.
	ErrUnknownEntityType = errors.New("record: unknown entity type")

	// ErrMalformedOp is returned when a mutation violates the op contract
	// (missing target, immutable entity, invalid op).
	ErrMalformedOp = errors.New("record: malformed op")
)

// ValidationError carries field-level reasons for a rejected patch.
type ValidationError struct {
	EntityType EntityType
	Fields     map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, e.Fields[k]))
	}
	return fmt.Sprintf("record: invalid %s (%s)", e.EntityType, strings.Join(parts, "; "))
}

func (e *ValidationError) add(field, reason string) {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	if _, exists := e.Fields[field]; !exists {
		e.Fields[field] = reason
	}
}

func (e *ValidationError) orNil() error {
	if e == nil || len(e.Fields) == 0 {
		return nil
	}
	return e
}
