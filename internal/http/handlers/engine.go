package handlers

import (
	"github.com/wolfman30/patient-portal/internal/changequeue"
	"github.com/wolfman30/patient-portal/internal/notify"
	"github.com/wolfman30/patient-portal/internal/record"
)

// Engine is the part of the sync engine the portal API drives.
type Engine interface {
	View(t record.EntityType) *notify.Snapshot
	ConfirmedView(t record.EntityType) *notify.Snapshot
	Latest(t record.EntityType) *notify.Snapshot
	Enqueue(t record.EntityType, op record.Op, patch record.Fields, targetID string) (changequeue.Change, error)
	EnqueueFile(patch record.Fields, data []byte, contentType string) (changequeue.Change, error)
	Failures() []changequeue.Change
	Retry(changeID int64) (changequeue.Change, error)
	Discard(changeID int64) (changequeue.Change, error)
	TriggerSync()
	Paused() bool
	Notifier() *notify.Notifier
}
