package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/patient-portal/internal/assistant"
	"github.com/wolfman30/patient-portal/internal/changequeue"
	"github.com/wolfman30/patient-portal/internal/record"
	"github.com/wolfman30/patient-portal/internal/remote/memstore"
	"github.com/wolfman30/patient-portal/internal/session"
	"github.com/wolfman30/patient-portal/internal/syncengine"
	"github.com/wolfman30/patient-portal/pkg/logging"
)

const testSecret = "portal-test-secret"

var testNow = time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	engine   *syncengine.Engine
	remote   *memstore.Store
	sessions *session.Manager
	router   chi.Router
}

func signToken(t *testing.T, secret, subject string) string {
	t.Helper()
	claims := session.Claims{
		Email: subject + "@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

// newTestEnv wires a real engine over an in-memory store. The engine only
// ticks when a test calls tick.
func newTestEnv(t *testing.T, maxUploadBytes int64) *testEnv {
	t.Helper()
	logger := logging.Nop()
	rem := memstore.New()
	eng, err := syncengine.New(syncengine.Config{
		Remote:        rem,
		Queue:         changequeue.New().WithJitter(func() float64 { return 0.5 }),
		Logger:        logger,
		CheckVersions: true,
		Tick:          make(chan time.Time),
	})
	require.NoError(t, err)

	sessions := session.NewManager(session.NewVerifier(testSecret), logger)
	sessions.OnChange(func(ctx context.Context, id session.Identity) {
		eng.SetIdentity(ctx, syncengine.Identity{UserID: id.UserID, Email: id.Email})
	})

	chat := assistant.NewChat(assistant.New(logger).WithDelay(0), eng, logger)
	entities := NewEntityHandler(eng, logger)
	files := NewFileHandler(eng, maxUploadBytes, logger)
	changes := NewChangeHandler(eng, logger)
	sess := NewSessionHandler(sessions, eng, logger)

	r := chi.NewRouter()
	r.Post("/session", sess.Login)
	r.Get("/session", sess.Current)
	r.Delete("/session", sess.Logout)
	r.Get("/v1/dashboard", NewDashboardHandler(eng, logger).WithClock(func() time.Time { return testNow }).GetDashboard)
	r.Post("/v1/chat", NewChatHandler(chat, logger).Send)
	r.Post("/v1/files", files.Upload)
	r.Get("/v1/stream", NewStreamHandler(eng, logger).HandleWebSocket)
	r.Get("/v1/changes/failed", changes.ListFailed)
	r.Post("/v1/changes/{changeID}/retry", changes.Retry)
	r.Delete("/v1/changes/{changeID}", changes.Discard)
	r.Post("/v1/sync", changes.Sync)
	r.Get("/v1/{entity}", entities.List)
	r.Post("/v1/{entity}", entities.Create)
	r.Get("/v1/{entity}/{id}", entities.Get)
	r.Patch("/v1/{entity}/{id}", entities.Update)
	r.Delete("/v1/{entity}/{id}", entities.Delete)

	return &testEnv{engine: eng, remote: rem, sessions: sessions, router: r}
}

func (e *testEnv) login(t *testing.T, userID string) {
	t.Helper()
	_, err := e.sessions.Login(context.Background(), signToken(t, testSecret, userID))
	require.NoError(t, err)
}

func (e *testEnv) tick(t *testing.T) {
	t.Helper()
	require.NoError(t, e.engine.Tick(context.Background()))
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

// snapshotBody mirrors the snapshot wire format.
type snapshotBody struct {
	EntityType string          `json:"entity_type"`
	Seq        uint64          `json:"seq"`
	Records    []record.Record `json:"records"`
	Entries    map[string]struct {
		Status    string  `json:"status"`
		ChangeIDs []int64 `json:"change_ids"`
	} `json:"entries"`
	Failures []changeBody `json:"failures"`
}

type changeBody struct {
	ID       int64  `json:"change_id"`
	TargetID string `json:"target_id"`
	Status   string `json:"status"`
	Op       string `json:"op"`
	Failure  *struct {
		Kind   string         `json:"kind"`
		Remote *record.Record `json:"remote"`
	} `json:"failure"`
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rec.Body.String())
	}
	return out
}

func apptBody(date string) map[string]any {
	return map[string]any{
		"appointment_date": date,
		"appointment_type": "checkup",
		"doctor_name":      "Dr. Shah",
	}
}

func requireStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("expected status %d, got %d: %s", want, rec.Code, strings.TrimSpace(rec.Body.String()))
	}
}
