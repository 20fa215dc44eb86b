package syncengine

import (
	"context"
	"time"

	"github.com/wolfman30/patient-portal/internal/changequeue"
	"github.com/wolfman30/patient-portal/internal/notify"
	"github.com/wolfman30/patient-portal/internal/record"
	"github.com/wolfman30/patient-portal/internal/store"
)

// View builds the optimistic snapshot of t: confirmed records with Pending and
// InFlight changes overlaid in submission order. Failed changes are left out
// of the records and reported in Failures and Entries.
func (e *Engine) View(t record.EntityType) *notify.Snapshot {
	e.state.RLock()
	confirmed := e.store.Snapshot(t)
	changes := e.queue.Changes(t)
	e.state.RUnlock()

	id, paused := e.session()
	snap := notify.Empty(t, 0, e.now())
	snap.Paused = paused

	view := confirmed
	for _, c := range changes {
		entry := snap.Entries[c.TargetID]
		ids := append([]int64{c.ID}, c.Coalesced...)

		switch c.Status {
		case changequeue.StatusFailed:
			snap.Failures = append(snap.Failures, c)
			if entry.Status != changequeue.StatusPending && entry.Status != changequeue.StatusInFlight {
				snap.Entries[c.TargetID] = notify.Entry{Status: changequeue.StatusFailed, ChangeIDs: ids, Failure: c.Failure}
			}
			continue
		case changequeue.StatusPending, changequeue.StatusInFlight:
		default:
			continue
		}

		overlay(view, t, c, id.UserID)

		// InFlight outranks Pending; either replaces an earlier Failed entry.
		if entry.Status != changequeue.StatusInFlight {
			if entry.Status == changequeue.StatusFailed {
				entry.ChangeIDs = nil
			}
			entry.Status = c.Status
		}
		entry.Failure = nil
		entry.ChangeIDs = append(entry.ChangeIDs, ids...)
		snap.Entries[c.TargetID] = entry
	}

	snap.Records = make([]record.Record, 0, len(view))
	for _, r := range view {
		snap.Records = append(snap.Records, r)
	}
	store.SortRecords(snap.Records)
	return snap
}

func overlay(view map[string]record.Record, t record.EntityType, c changequeue.Change, userID string) {
	cur, exists := view[c.TargetID]
	switch c.Op {
	case record.OpDelete:
		delete(view, c.TargetID)
		return
	case record.OpCreate:
		if !exists {
			cur = record.Record{
				EntityType: t,
				ID:         c.TargetID,
				Fields:     record.Fields{record.FieldUserID: userID},
				UpdatedAt:  c.SubmittedAt,
			}
		}
	case record.OpUpdate:
		if !exists {
			return
		}
	}
	cur.Fields = cur.Fields.Merge(c.Patch)
	cur.Origin = record.OriginLocal
	if c.SubmittedAt.After(cur.UpdatedAt) {
		cur.UpdatedAt = c.SubmittedAt
	}
	view[c.TargetID] = cur
}

// ConfirmedView returns the confirmed-only records of t.
func (e *Engine) ConfirmedView(t record.EntityType) *notify.Snapshot {
	snap := notify.Empty(t, 0, e.now())
	snap.Records = e.store.List(t, nil)
	snap.Paused = e.Paused()
	return snap
}

func (e *Engine) publish(t record.EntityType) {
	e.publishSnapshot(e.View(t))
}

func (e *Engine) publishSnapshot(snap *notify.Snapshot) {
	e.mu.Lock()
	e.seq++
	snap.Seq = e.seq
	e.mu.Unlock()

	e.notifier.Publish(snap)
	e.metrics.ObservePublish(string(snap.EntityType))
}

// Latest returns the last published snapshot of t, building one when nothing
// has been published yet.
func (e *Engine) Latest(t record.EntityType) *notify.Snapshot {
	if snap := e.notifier.Last(t); snap != nil {
		return snap
	}
	return e.View(t)
}

func (e *Engine) saveCache(ctx context.Context, t record.EntityType, id Identity) {
	if e.cache == nil || id.UserID == "" {
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := e.cache.Save(cctx, id.UserID, t, e.store.List(t, nil)); err != nil {
		e.logger.Warn("snapshot cache save failed", "user_id", id.UserID, "entity_type", t, "error", err)
	}
}
