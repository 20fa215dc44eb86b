package record

import (
	"fmt"
	"strings"
	"time"
)

// Field names shared across schemas.
const (
	FieldUserID    = "user_id"
	FieldCreatedAt = "created_at"
)

// AppointmentDateLayouts are accepted for appointment_date. The second is what
// a datetime-local form input produces.
var AppointmentDateLayouts = []string{time.RFC3339, "2006-01-02T15:04"}

// FileCategories are the upload categories the portal offers.
var FileCategories = []string{"lab-report", "prescription", "imaging", "insurance", "other"}

type fieldKind int

const (
	kindText fieldKind = iota
	kindDateTime
	kindDate
	kindInt
)

type fieldSpec struct {
	kind    fieldKind
	allowed []string
}

type schema struct {
	fields    map[string]fieldSpec
	required  []string
	immutable bool
	noDelete  bool
}

var readOnlyFields = map[string]struct{}{
	"id":           {},
	"version":      {},
	"updated_at":   {},
	FieldUserID:    {},
	FieldCreatedAt: {},
}

var schemas = map[EntityType]schema{
	Appointments: {
		fields: map[string]fieldSpec{
			"appointment_date": {kind: kindDateTime},
			"appointment_type": {kind: kindText},
			"doctor_name":      {kind: kindText},
			"department":       {kind: kindText},
			"notes":            {kind: kindText},
			"status":           {kind: kindText, allowed: []string{"scheduled", "completed", "cancelled"}},
		},
		required: []string{"appointment_date", "appointment_type", "doctor_name"},
	},
	Profiles: {
		fields: map[string]fieldSpec{
			"full_name":         {kind: kindText},
			"phone":             {kind: kindText},
			"date_of_birth":     {kind: kindDate},
			"gender":            {kind: kindText, allowed: []string{"", "male", "female", "other"}},
			"address":           {kind: kindText},
			"medical_history":   {kind: kindText},
			"allergies":         {kind: kindText},
			"emergency_contact": {kind: kindText},
		},
		noDelete: true,
	},
	ChatMessages: {
		fields: map[string]fieldSpec{
			"message": {kind: kindText},
			"sender":  {kind: kindText, allowed: []string{"user", "bot"}},
		},
		required:  []string{"message", "sender"},
		immutable: true,
	},
	FileUploads: {
		fields: map[string]fieldSpec{
			"file_name": {kind: kindText},
			"file_type": {kind: kindText},
			"file_size": {kind: kindInt},
			"file_url":  {kind: kindText},
			"category":  {kind: kindText, allowed: FileCategories},
		},
		required: []string{"file_name", "category"},
	},
}

// Validate checks a local mutation before it is queued. Contract violations
// return ErrMalformedOp; bad field values return a *ValidationError.
func Validate(t EntityType, op Op, targetID string, patch Fields) error {
	sc, ok := schemas[t]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownEntityType, t)
	}
	if !op.Valid() {
		return fmt.Errorf("%w: op %d", ErrMalformedOp, op)
	}
	if op != OpCreate && strings.TrimSpace(targetID) == "" {
		return fmt.Errorf("%w: %s on %s requires a target id", ErrMalformedOp, op, t)
	}
	if op == OpUpdate && sc.immutable {
		return fmt.Errorf("%w: %s records cannot be updated", ErrMalformedOp, t)
	}
	if op == OpDelete && sc.noDelete {
		return fmt.Errorf("%w: %s records cannot be deleted", ErrMalformedOp, t)
	}
	if op == OpDelete {
		return nil
	}
	if op == OpUpdate && len(patch) == 0 {
		return fmt.Errorf("%w: empty update patch", ErrMalformedOp)
	}

	verr := &ValidationError{EntityType: t}
	for _, key := range patch.Keys() {
		if _, ro := readOnlyFields[key]; ro {
			verr.add(key, "read-only field")
			continue
		}
		spec, known := sc.fields[key]
		if !known {
			verr.add(key, "unknown field")
			continue
		}
		if reason := checkValue(spec, patch[key]); reason != "" {
			verr.add(key, reason)
		}
	}
	if op == OpCreate {
		for _, key := range sc.required {
			if v, ok := patch[key]; !ok || isBlank(v) {
				verr.add(key, "required")
			}
		}
	}
	return verr.orNil()
}

func checkValue(spec fieldSpec, v any) string {
	if spec.kind == kindInt {
		n, ok := Fields{"v": v}.Int("v")
		if !ok {
			return "must be a number"
		}
		if n < 0 {
			return "must not be negative"
		}
		return ""
	}

	s, ok := v.(string)
	if !ok {
		if v == nil {
			return ""
		}
		return "must be a string"
	}
	switch spec.kind {
	case kindDateTime:
		if s != "" {
			if _, err := ParseAppointmentDate(s); err != nil {
				return "must be an RFC3339 timestamp"
			}
		}
	case kindDate:
		if s != "" {
			if _, err := time.Parse("2006-01-02", s); err != nil {
				return "must be YYYY-MM-DD"
			}
		}
	}
	if len(spec.allowed) > 0 {
		for _, a := range spec.allowed {
			if s == a {
				return ""
			}
		}
		return fmt.Sprintf("must be one of %s", strings.Join(nonEmpty(spec.allowed), ", "))
	}
	return ""
}

// ParseAppointmentDate parses the accepted appointment_date layouts as UTC
// when no offset is present.
func ParseAppointmentDate(s string) (time.Time, error) {
	var lastErr error
	for _, layout := range AppointmentDateLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

func isBlank(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	return false
}

func nonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
