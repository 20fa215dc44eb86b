package handlers

import (
	"net/http"
	"time"

	"github.com/wolfman30/patient-portal/internal/portal"
	"github.com/wolfman30/patient-portal/pkg/logging"
)

// DashboardHandler serves the patient's landing summary.
type DashboardHandler struct {
	views  portal.Views
	now    func() time.Time
	logger *logging.Logger
}

func NewDashboardHandler(views portal.Views, logger *logging.Logger) *DashboardHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &DashboardHandler{views: views, now: time.Now, logger: logger}
}

// WithClock overrides the time upcoming appointments are measured from.
func (h *DashboardHandler) WithClock(now func() time.Time) *DashboardHandler {
	if now != nil {
		h.now = now
	}
	return h
}

// GetDashboard returns upcoming appointments and message and file counts.
// GET /v1/dashboard
func (h *DashboardHandler) GetDashboard(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, portal.BuildDashboard(h.views, h.now().UTC()))
}
