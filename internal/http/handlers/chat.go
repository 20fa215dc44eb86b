package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/wolfman30/patient-portal/internal/assistant"
	"github.com/wolfman30/patient-portal/pkg/logging"
)

// ChatSender posts a user message and the assistant's reply.
type ChatSender interface {
	Send(ctx context.Context, text string) (assistant.Exchange, error)
}

// ChatHandler serves the patient's assistant chat.
type ChatHandler struct {
	chat   ChatSender
	logger *logging.Logger
}

type chatRequest struct {
	Message string `json:"message"`
}

func NewChatHandler(chat ChatSender, logger *logging.Logger) *ChatHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &ChatHandler{chat: chat, logger: logger}
}

// Send queues the message, waits for the assistant and queues its reply.
// POST /v1/chat
func (h *ChatHandler) Send(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ex, err := h.chat.Send(r.Context(), req.Message)
	switch {
	case errors.Is(err, assistant.ErrEmptyMessage):
		jsonError(w, "message is required", http.StatusBadRequest)
		return
	case errors.Is(err, context.Canceled):
		// The client went away; its message stays queued.
		return
	case err != nil:
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, ex)
}
