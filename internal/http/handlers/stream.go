package handlers

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/net/websocket"

	"github.com/wolfman30/patient-portal/internal/notify"
	"github.com/wolfman30/patient-portal/internal/record"
	"github.com/wolfman30/patient-portal/pkg/logging"
)

// streamBuffer bounds the snapshots waiting for a slow client. The oldest is
// dropped first; every snapshot is a full state, so only the newest matters.
const streamBuffer = 16

// StreamHandler pushes published snapshots to the browser over a websocket.
type StreamHandler struct {
	engine Engine
	logger *logging.Logger
}

// StreamFrame is what the client receives.
type StreamFrame struct {
	Type     string           `json:"type"` // "snapshot", "error"
	Error    string           `json:"error,omitempty"`
	Snapshot *notify.Snapshot `json:"snapshot,omitempty"`
}

func NewStreamHandler(engine Engine, logger *logging.Logger) *StreamHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &StreamHandler{engine: engine, logger: logger}
}

// HandleWebSocket streams snapshots of the requested entity types, starting
// with the current one of each.
// GET /v1/stream?entity=appointments,chat_messages (all types when omitted)
func (h *StreamHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	types, err := streamTypes(r.URL.Query().Get("entity"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	websocket.Handler(func(conn *websocket.Conn) {
		h.serveWS(r.Context(), conn, types)
	}).ServeHTTP(w, r)
}

func (h *StreamHandler) serveWS(ctx context.Context, conn *websocket.Conn, types []record.EntityType) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	queue := newSnapshotQueue(streamBuffer)
	notifier := h.engine.Notifier()
	tokens := make([]notify.Token, 0, len(types))
	defer func() {
		for _, tok := range tokens {
			notifier.Unsubscribe(tok)
		}
	}()
	for _, t := range types {
		tok, err := notifier.Subscribe(t, queue.push)
		if err != nil {
			_ = websocket.JSON.Send(conn, StreamFrame{Type: "error", Error: err.Error()})
			return
		}
		tokens = append(tokens, tok)
	}
	for _, t := range types {
		queue.push(h.engine.Latest(t))
	}
	// New subscribers turn on fetching for their types.
	h.engine.TriggerSync()
	h.logger.Debug("snapshot stream opened", "entity_types", types)

	go func() {
		defer cancel()
		var discard string
		for {
			if err := websocket.Message.Receive(conn, &discard); err != nil {
				return
			}
		}
	}()

	sent := make(map[record.EntityType]uint64, len(types))
	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("snapshot stream closed", "entity_types", types)
			return
		case <-queue.ready:
		}
		for _, snap := range queue.drain() {
			if last, ok := sent[snap.EntityType]; ok && snap.Seq <= last {
				continue
			}
			if err := websocket.JSON.Send(conn, StreamFrame{Type: "snapshot", Snapshot: snap}); err != nil {
				h.logger.Debug("snapshot stream write failed", "error", err)
				return
			}
			sent[snap.EntityType] = snap.Seq
		}
	}
}

func streamTypes(raw string) ([]record.EntityType, error) {
	if strings.TrimSpace(raw) == "" {
		return record.AllEntityTypes(), nil
	}
	seen := make(map[record.EntityType]bool)
	var out []record.EntityType
	for _, part := range strings.Split(raw, ",") {
		t, err := record.ParseEntityType(part)
		if err != nil {
			return nil, err
		}
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out, nil
}

type snapshotQueue struct {
	mu    sync.Mutex
	buf   []*notify.Snapshot
	limit int
	ready chan struct{}
}

func newSnapshotQueue(limit int) *snapshotQueue {
	return &snapshotQueue{limit: limit, ready: make(chan struct{}, 1)}
}

func (q *snapshotQueue) push(snap *notify.Snapshot) {
	if snap == nil {
		return
	}
	q.mu.Lock()
	if len(q.buf) >= q.limit {
		q.buf = q.buf[1:]
	}
	q.buf = append(q.buf, snap)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *snapshotQueue) drain() []*notify.Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.buf
	q.buf = nil
	return out
}
