// Package remote is the boundary to the hosted store of record. Everything the
// sync engine learns from or sends to the backend passes through Adapter.
package remote

import (
	"context"
	"reflect"

	"github.com/wolfman30/patient-portal/internal/record"
)

// Filter restricts a fetch by exact field match. The keys "id" and "user_id"
// address the record id and owner.
type Filter map[string]any

// Mutation is one create, update or delete sent to the hosted store.
type Mutation struct {
	Op record.Op
	// ID is the target for update/delete. For create it is optional and asks
	// the store to use that id (profiles are keyed by user id).
	ID     string
	UserID string
	Patch  record.Fields
	// ExpectedVersion, when non-zero, makes an update fail with KindConflict
	// if the stored version differs.
	ExpectedVersion int64
}

// BlobMetadata describes an uploaded object.
type BlobMetadata struct {
	UserID      string
	FileName    string
	ContentType string
}

// RecordStore fetches and mutates records.
type RecordStore interface {
	Fetch(ctx context.Context, t record.EntityType, filter Filter) ([]record.Record, error)
	Mutate(ctx context.Context, t record.EntityType, m Mutation) (record.Record, error)
}

// BlobStore stores file contents and returns their public URL.
type BlobStore interface {
	UploadBlob(ctx context.Context, data []byte, meta BlobMetadata) (string, error)
}

// Adapter is the full hosted-store surface used by the sync engine.
type Adapter interface {
	RecordStore
	BlobStore
}

type composite struct {
	RecordStore
	blobs BlobStore
}

// Compose joins a record store and a blob store into one Adapter. A nil blob
// store rejects uploads with KindValidation.
func Compose(records RecordStore, blobs BlobStore) Adapter {
	return &composite{RecordStore: records, blobs: blobs}
}

func (c *composite) UploadBlob(ctx context.Context, data []byte, meta BlobMetadata) (string, error) {
	if c.blobs == nil {
		return "", ValidationError("file storage is not configured", nil)
	}
	return c.blobs.UploadBlob(ctx, data, meta)
}

// Match reports whether r satisfies every filter entry.
func (f Filter) Match(r record.Record) bool {
	for k, want := range f {
		var got any
		switch k {
		case "id":
			got = r.ID
		default:
			got = r.Fields[k]
		}
		if !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}
