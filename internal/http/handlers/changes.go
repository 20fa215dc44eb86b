package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/patient-portal/internal/changequeue"
	"github.com/wolfman30/patient-portal/pkg/logging"
)

// ChangeHandler exposes failed changes so the patient can retry or discard
// them, and lets the client request an immediate sync.
type ChangeHandler struct {
	engine Engine
	logger *logging.Logger
}

type failedResponse struct {
	Changes []changequeue.Change `json:"changes"`
}

func NewChangeHandler(engine Engine, logger *logging.Logger) *ChangeHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &ChangeHandler{engine: engine, logger: logger}
}

// ListFailed returns every change that stopped retrying.
// GET /v1/changes/failed
func (h *ChangeHandler) ListFailed(w http.ResponseWriter, r *http.Request) {
	failed := h.engine.Failures()
	if failed == nil {
		failed = []changequeue.Change{}
	}
	writeJSON(w, http.StatusOK, failedResponse{Changes: failed})
}

// Retry re-queues a failed change under a new change id.
// POST /v1/changes/{changeID}/retry
func (h *ChangeHandler) Retry(w http.ResponseWriter, r *http.Request) {
	id, ok := changeIDParam(w, r)
	if !ok {
		return
	}
	c, err := h.engine.Retry(id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	h.logger.Info("failed change retried", "change_id", id, "new_change_id", c.ID)
	writeJSON(w, http.StatusAccepted, c)
}

// Discard drops a failed or pending change.
// DELETE /v1/changes/{changeID}
func (h *ChangeHandler) Discard(w http.ResponseWriter, r *http.Request) {
	id, ok := changeIDParam(w, r)
	if !ok {
		return
	}
	if _, err := h.engine.Discard(id); err != nil {
		writeEngineError(w, err)
		return
	}
	h.logger.Info("change discarded", "change_id", id)
	w.WriteHeader(http.StatusNoContent)
}

// Sync asks the engine to run a tick now.
// POST /v1/sync
func (h *ChangeHandler) Sync(w http.ResponseWriter, r *http.Request) {
	h.engine.TriggerSync()
	w.WriteHeader(http.StatusAccepted)
}

func changeIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "changeID"), 10, 64)
	if err != nil || id <= 0 {
		jsonError(w, "invalid change id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}
