// Package portal builds the read models the patient screens show from the
// engine's published snapshots.
package portal

import (
	"sort"
	"strings"
	"time"

	"github.com/wolfman30/patient-portal/internal/notify"
	"github.com/wolfman30/patient-portal/internal/record"
)

// UpcomingLimit is how many upcoming appointments the dashboard lists.
const UpcomingLimit = 3

// Views returns the latest snapshot of an entity type.
type Views interface {
	Latest(t record.EntityType) *notify.Snapshot
}

// Dashboard is the patient's landing summary.
type Dashboard struct {
	Upcoming     []record.Appointment `json:"upcoming_appointments"`
	MessageCount int                  `json:"message_count"`
	FileCount    int                  `json:"file_count"`
	GeneratedAt  time.Time            `json:"generated_at"`
}

// BuildDashboard summarizes the optimistic views at now.
func BuildDashboard(v Views, now time.Time) Dashboard {
	return Dashboard{
		Upcoming:     Upcoming(v.Latest(record.Appointments), now, UpcomingLimit),
		MessageCount: v.Latest(record.ChatMessages).Len(),
		FileCount:    v.Latest(record.FileUploads).Len(),
		GeneratedAt:  now,
	}
}

// AppointmentsByDate returns every appointment, earliest first. Appointments
// without a parseable date sort last.
func AppointmentsByDate(snap *notify.Snapshot) []record.Appointment {
	out := make([]record.Appointment, 0, snap.Len())
	if snap != nil {
		for _, r := range snap.Records {
			out = append(out, record.AppointmentFromRecord(r))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return earlier(out[i].AppointmentDate, out[j].AppointmentDate, out[i].ID, out[j].ID)
	})
	return out
}

// OrderByAppointmentDate returns a copy of snap whose records are ordered by
// appointment date instead of recency.
func OrderByAppointmentDate(snap *notify.Snapshot) *notify.Snapshot {
	if snap == nil {
		return nil
	}
	out := *snap
	out.Records = append([]record.Record(nil), snap.Records...)
	dates := make(map[string]time.Time, len(out.Records))
	for _, r := range out.Records {
		dates[r.ID] = record.AppointmentFromRecord(r).AppointmentDate
	}
	sort.SliceStable(out.Records, func(i, j int) bool {
		a, b := out.Records[i], out.Records[j]
		return earlier(dates[a.ID], dates[b.ID], a.ID, b.ID)
	})
	return &out
}

func earlier(a, b time.Time, idA, idB string) bool {
	switch {
	case a.IsZero() != b.IsZero():
		return b.IsZero()
	case !a.Equal(b):
		return a.Before(b)
	default:
		return idA < idB
	}
}

// FilterCategory returns a copy of a file_uploads snapshot holding only the
// given category. "" and "all" keep everything.
func FilterCategory(snap *notify.Snapshot, category string) *notify.Snapshot {
	category = strings.TrimSpace(category)
	if snap == nil || category == "" || category == "all" {
		return snap
	}
	out := *snap
	out.Records = []record.Record{}
	for _, r := range snap.Records {
		if r.Fields.String("category") == category {
			out.Records = append(out.Records, r)
		}
	}
	return &out
}

// Upcoming returns up to limit appointments scheduled after now, earliest
// first. Cancelled appointments are skipped.
func Upcoming(snap *notify.Snapshot, now time.Time, limit int) []record.Appointment {
	out := []record.Appointment{}
	for _, a := range AppointmentsByDate(snap) {
		if a.AppointmentDate.IsZero() || !a.AppointmentDate.After(now) || a.Status == "cancelled" {
			continue
		}
		out = append(out, a)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// Files returns uploads in snapshot order, optionally limited to a category.
func Files(snap *notify.Snapshot, category string) []record.FileUpload {
	category = strings.TrimSpace(category)
	out := []record.FileUpload{}
	if snap == nil {
		return out
	}
	for _, r := range snap.Records {
		f := record.FileUploadFromRecord(r)
		if category != "" && category != "all" && f.Category != category {
			continue
		}
		out = append(out, f)
	}
	return out
}

// Messages returns the chat transcript oldest first.
func Messages(snap *notify.Snapshot) []record.ChatMessage {
	out := []record.ChatMessage{}
	if snap == nil {
		return out
	}
	for i := len(snap.Records) - 1; i >= 0; i-- {
		out = append(out, record.ChatMessageFromRecord(snap.Records[i]))
	}
	return out
}
