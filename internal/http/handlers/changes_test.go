package handlers

import (
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// conflictingUpdate confirms an appointment, changes it behind the portal's
// back and queues a stale local update that fails with a conflict.
func conflictingUpdate(t *testing.T, env *testEnv) (string, changeBody) {
	t.Helper()
	requireStatus(t, env.do(t, http.MethodPost, "/v1/appointments", apptBody("2025-06-01T09:00:00Z")), http.StatusAccepted)
	env.tick(t)
	confirmed := decode[snapshotBody](t, env.do(t, http.MethodGet, "/v1/appointments?view=confirmed", nil)).Records[0]

	other := confirmed.Clone()
	other.Version = 2
	other.UpdatedAt = time.Now().UTC()
	other.Fields["notes"] = "edited on tablet"
	env.remote.Put(other)

	requireStatus(t, env.do(t, http.MethodPatch, "/v1/appointments/"+confirmed.ID, map[string]any{"notes": "edited here"}), http.StatusAccepted)
	env.tick(t)

	failed := decode[struct {
		Changes []changeBody `json:"changes"`
	}](t, env.do(t, http.MethodGet, "/v1/changes/failed", nil))
	require.Len(t, failed.Changes, 1)
	return confirmed.ID, failed.Changes[0]
}

func TestFailedConflictCanBeRetried(t *testing.T) {
	env := newTestEnv(t, 0)
	env.login(t, "u1")
	id, failed := conflictingUpdate(t, env)

	assert.Equal(t, "failed", failed.Status)
	require.NotNil(t, failed.Failure)
	assert.Equal(t, "conflict", failed.Failure.Kind)
	require.NotNil(t, failed.Failure.Remote)
	assert.Equal(t, "edited on tablet", failed.Failure.Remote.Fields.String("notes"))

	snap := decode[snapshotBody](t, env.do(t, http.MethodGet, "/v1/appointments", nil))
	assert.Equal(t, "failed", snap.Entries[id].Status)
	require.Len(t, snap.Failures, 1)

	rec := env.do(t, http.MethodPost, "/v1/changes/"+strconv.FormatInt(failed.ID, 10)+"/retry", nil)
	requireStatus(t, rec, http.StatusAccepted)
	retried := decode[changeBody](t, rec)
	assert.Greater(t, retried.ID, failed.ID)
	assert.Equal(t, "pending", retried.Status)

	env.tick(t)
	confirmed := decode[snapshotBody](t, env.do(t, http.MethodGet, "/v1/appointments?view=confirmed", nil))
	require.Len(t, confirmed.Records, 1)
	assert.Equal(t, int64(3), confirmed.Records[0].Version)
	assert.Equal(t, "edited here", confirmed.Records[0].Fields.String("notes"))
	assert.Empty(t, decode[struct {
		Changes []changeBody `json:"changes"`
	}](t, env.do(t, http.MethodGet, "/v1/changes/failed", nil)).Changes)
}

func TestFailedChangeCanBeDiscarded(t *testing.T) {
	env := newTestEnv(t, 0)
	env.login(t, "u1")
	id, failed := conflictingUpdate(t, env)
	path := "/v1/changes/" + strconv.FormatInt(failed.ID, 10)

	requireStatus(t, env.do(t, http.MethodDelete, path, nil), http.StatusNoContent)
	requireStatus(t, env.do(t, http.MethodDelete, path, nil), http.StatusNotFound)
	requireStatus(t, env.do(t, http.MethodPost, path+"/retry", nil), http.StatusNotFound)

	snap := decode[snapshotBody](t, env.do(t, http.MethodGet, "/v1/appointments", nil))
	require.Len(t, snap.Records, 1)
	assert.Equal(t, "edited on tablet", snap.Records[0].Fields.String("notes"))
	_, pending := snap.Entries[id]
	assert.False(t, pending)
}

func TestChangeRoutesValidateInput(t *testing.T) {
	env := newTestEnv(t, 0)
	env.login(t, "u1")

	requireStatus(t, env.do(t, http.MethodPost, "/v1/changes/abc/retry", nil), http.StatusBadRequest)
	requireStatus(t, env.do(t, http.MethodDelete, "/v1/changes/0", nil), http.StatusBadRequest)

	rec := env.do(t, http.MethodPost, "/v1/appointments", apptBody("2025-06-01T09:00:00Z"))
	pending := decode[changeBody](t, rec)
	requireStatus(t, env.do(t, http.MethodPost, "/v1/changes/"+strconv.FormatInt(pending.ID, 10)+"/retry", nil), http.StatusConflict)

	failed := decode[struct {
		Changes []changeBody `json:"changes"`
	}](t, env.do(t, http.MethodGet, "/v1/changes/failed", nil))
	assert.NotNil(t, failed.Changes)
	assert.Empty(t, failed.Changes)

	requireStatus(t, env.do(t, http.MethodPost, "/v1/sync", nil), http.StatusAccepted)
}

func TestJSONError(t *testing.T) {
	env := newTestEnv(t, 0)
	rec := env.do(t, http.MethodGet, "/v1/invoices", nil)
	requireStatus(t, rec, http.StatusNotFound)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Contains(t, decode[errorResponse](t, rec).Error, "unknown entity type")
}
