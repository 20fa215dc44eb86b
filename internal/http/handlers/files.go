package handlers

import (
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/wolfman30/patient-portal/internal/record"
	"github.com/wolfman30/patient-portal/pkg/logging"
)

const (
	defaultMaxUploadBytes = 10 << 20
	multipartOverhead     = 1 << 20
)

// FileHandler accepts document uploads. Content is held in the change queue
// and uploaded to object storage by the sync engine ahead of the metadata.
type FileHandler struct {
	engine   Engine
	maxBytes int64
	logger   *logging.Logger
}

func NewFileHandler(engine Engine, maxBytes int64, logger *logging.Logger) *FileHandler {
	if logger == nil {
		logger = logging.Default()
	}
	if maxBytes <= 0 {
		maxBytes = defaultMaxUploadBytes
	}
	return &FileHandler{engine: engine, maxBytes: maxBytes, logger: logger}
}

// Upload queues one file.
// POST /v1/files (multipart/form-data)
// Form fields:
//   - file: the document
//   - category: one of lab-report, prescription, imaging, insurance, other
//   - file_name: optional, defaults to the uploaded name
func (h *FileHandler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes+multipartOverhead)
	if err := r.ParseMultipartForm(h.maxBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			jsonError(w, "file too large", http.StatusRequestEntityTooLarge)
			return
		}
		jsonError(w, "invalid multipart form", http.StatusBadRequest)
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, header, err := r.FormFile("file")
	if err != nil {
		jsonError(w, "file is required", http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, h.maxBytes+1))
	if err != nil {
		h.logger.Error("failed to read upload", "error", err)
		jsonError(w, "failed to read file", http.StatusBadRequest)
		return
	}
	if int64(len(data)) > h.maxBytes {
		jsonError(w, "file too large", http.StatusRequestEntityTooLarge)
		return
	}
	if len(data) == 0 {
		jsonError(w, "file is empty", http.StatusBadRequest)
		return
	}

	name := strings.TrimSpace(r.FormValue("file_name"))
	if name == "" {
		name = filepath.Base(header.Filename)
	}
	contentType := header.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}

	patch := record.Fields{
		"file_name": name,
		"file_type": contentType,
		"file_size": int64(len(data)),
		"category":  strings.TrimSpace(r.FormValue("category")),
	}
	change, err := h.engine.EnqueueFile(patch, data, contentType)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	h.logger.Info("file queued for upload", "change_id", change.ID, "bytes", len(data), "category", patch["category"])
	writeJSON(w, http.StatusAccepted, change)
}
