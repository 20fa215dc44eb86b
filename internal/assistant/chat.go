package assistant

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/wolfman30/patient-portal/internal/changequeue"
	"github.com/wolfman30/patient-portal/internal/record"
	"github.com/wolfman30/patient-portal/pkg/logging"
)

var ErrEmptyMessage = errors.New("assistant: message is empty")

// Enqueuer queues local mutations for sync.
type Enqueuer interface {
	Enqueue(t record.EntityType, op record.Op, patch record.Fields, targetID string) (changequeue.Change, error)
}

// Exchange is one user message and the reply queued after it.
type Exchange struct {
	Message changequeue.Change  `json:"message"`
	Reply   *changequeue.Change `json:"reply,omitempty"`
}

// Chat posts user messages and the assistant's replies as chat_messages
// changes.
type Chat struct {
	assistant *Assistant
	queue     Enqueuer
	logger    *logging.Logger
}

func NewChat(a *Assistant, queue Enqueuer, logger *logging.Logger) *Chat {
	if logger == nil {
		logger = logging.Default()
	}
	if a == nil {
		a = New(logger)
	}
	return &Chat{assistant: a, queue: queue, logger: logger}
}

// Send queues text from the user, waits for the reply delay and queues the
// reply. When ctx ends during the wait the user message stays queued and
// Exchange.Reply is nil.
func (c *Chat) Send(ctx context.Context, text string) (Exchange, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Exchange{}, ErrEmptyMessage
	}

	msg, err := c.queue.Enqueue(record.ChatMessages, record.OpCreate, record.Fields{
		"message": text,
		"sender":  record.SenderUser,
	}, "")
	if err != nil {
		return Exchange{}, fmt.Errorf("assistant: queue message: %w", err)
	}
	out := Exchange{Message: msg}

	reply, err := c.assistant.Reply(ctx, text)
	if err != nil {
		c.logger.Info("assistant reply abandoned", "change_id", msg.ID, "error", err)
		return out, err
	}
	bot, err := c.queue.Enqueue(record.ChatMessages, record.OpCreate, record.Fields{
		"message": reply,
		"sender":  record.SenderBot,
	}, "")
	if err != nil {
		return out, fmt.Errorf("assistant: queue reply: %w", err)
	}
	out.Reply = &bot
	return out, nil
}
