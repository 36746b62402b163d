package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudexport/backend/internal/auth"
	"github.com/cloudexport/backend/internal/config"
	"github.com/cloudexport/backend/internal/controller"
	"github.com/cloudexport/backend/internal/ledger"
	"github.com/cloudexport/backend/internal/mailer"
	"github.com/cloudexport/backend/internal/queue"
	"github.com/cloudexport/backend/internal/storage"
	"github.com/cloudexport/backend/internal/store"
	"github.com/cloudexport/backend/internal/webhook"
)

type apiFixture struct {
	cfg     *config.Config
	store   *store.MemoryStore
	ledger  *ledger.MemoryLedger
	bus     *queue.MemoryBus
	objects *storage.NoopStore
	server  *httptest.Server

	user     *store.User
	userKey  string
	admin    *store.User
	adminKey string
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	f := &apiFixture{
		cfg:     config.Default(),
		store:   store.NewMemory(),
		ledger:  ledger.NewMemory(),
		bus:     queue.NewMemoryBus(),
		objects: storage.NewNoop(),
	}
	f.cfg.LemonWebhookSecret = "whsec-test"
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	mail := mailer.New(f.cfg, log)
	ctrl := controller.New(f.cfg, f.store, f.ledger, f.bus, f.objects, nil, log)
	hook := webhook.New(f.cfg, f.store, f.ledger, mail, log)
	srv := NewServer(f.cfg, f.store, ctrl, hook, f.bus, nil, nil, log)
	f.server = httptest.NewServer(srv.Router())
	t.Cleanup(f.server.Close)

	f.user, f.userKey = f.seedUser(t, "artist@example.com", false)
	f.admin, f.adminKey = f.seedUser(t, "admin@example.com", true)
	return f
}

func (f *apiFixture) seedUser(t *testing.T, email string, admin bool) (*store.User, string) {
	t.Helper()
	key := auth.NewAPIKey()
	hash, err := auth.HashAPIKey(key)
	require.NoError(t, err)
	u := &store.User{Email: email, APIKeyHash: hash, APIKeyHint: auth.Hint(key), IsActive: true, IsAdmin: admin}
	require.NoError(t, f.store.CreateUser(context.Background(), u))
	return u, key
}

func (f *apiFixture) request(t *testing.T, method, path, apiKey string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.server.URL+path, &buf)
	require.NoError(t, err)
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	resp, err := f.server.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestHealthz(t *testing.T) {
	f := newAPIFixture(t)
	resp, err := f.server.Client().Get(f.server.URL + "/healthz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	decodeBody(t, resp, &body)
	assert.Equal(t, "ok", body["status"])
}

func TestAuthTokenExchange(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.request(t, http.MethodPost, "/auth", f.userKey, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var tok struct {
		AccessToken string `json:"accessToken"`
		TokenType   string `json:"tokenType"`
	}
	decodeBody(t, resp, &tok)
	assert.Equal(t, "bearer", tok.TokenType)
	require.NotEmpty(t, tok.AccessToken)

	// the bearer token authenticates subsequent calls
	req, err := http.NewRequest(http.MethodGet, f.server.URL+"/credits", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	credResp, err := f.server.Client().Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, credResp.StatusCode)
	credResp.Body.Close()
}

func TestAuthRejectsUnknownKey(t *testing.T) {
	f := newAPIFixture(t)
	resp := f.request(t, http.MethodPost, "/auth", "not-a-key", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestProtectedRoutesRequireCredentials(t *testing.T) {
	f := newAPIFixture(t)
	resp := f.request(t, http.MethodGet, "/credits", "", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAdminRoutesRejectNonAdmins(t *testing.T) {
	f := newAPIFixture(t)
	resp := f.request(t, http.MethodPost, "/admin/credits/adjust", f.userKey,
		map[string]any{"email": f.user.Email, "amountUsd": 5, "reason": "test"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestAdminAdjustEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	resp := f.request(t, http.MethodPost, "/admin/credits/adjust", f.adminKey,
		map[string]any{"email": f.user.Email, "amountUsd": 40.0, "reason": "goodwill"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		AvailableUSD float64 `json:"availableUsd"`
	}
	decodeBody(t, resp, &body)
	assert.Equal(t, 40.0, body.AvailableUSD)
}

func TestAdminAPIKeyIssueAndRotate(t *testing.T) {
	f := newAPIFixture(t)

	// create a brand new account
	resp := f.request(t, http.MethodPost, "/admin/users/api-keys", f.adminKey,
		map[string]any{"email": "fresh@example.com", "createIfMissing": true})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var issued struct {
		APIKey  string `json:"apiKey"`
		Created bool   `json:"created"`
	}
	decodeBody(t, resp, &issued)
	assert.True(t, issued.Created)
	require.NotEmpty(t, issued.APIKey)

	// the issued key authenticates
	authResp := f.request(t, http.MethodPost, "/auth", issued.APIKey, nil)
	authResp.Body.Close()
	assert.Equal(t, http.StatusOK, authResp.StatusCode)

	// a second issue without rotate is refused
	resp = f.request(t, http.MethodPost, "/admin/users/api-keys", f.adminKey,
		map[string]any{"email": "fresh@example.com"})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// rotation replaces the key
	resp = f.request(t, http.MethodPost, "/admin/users/api-keys", f.adminKey,
		map[string]any{"email": "fresh@example.com", "rotate": true})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var rotated struct {
		APIKey string `json:"apiKey"`
	}
	decodeBody(t, resp, &rotated)
	assert.NotEqual(t, issued.APIKey, rotated.APIKey)

	oldResp := f.request(t, http.MethodPost, "/auth", issued.APIKey, nil)
	oldResp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, oldResp.StatusCode)

	// unknown email without createIfMissing
	resp = f.request(t, http.MethodPost, "/admin/users/api-keys", f.adminKey,
		map[string]any{"email": "nobody@example.com"})
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestLemonWebhookEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	body, err := json.Marshal(map[string]any{
		"meta": map[string]any{"event_name": "order_created"},
		"data": map[string]any{
			"id": "order-100",
			"attributes": map[string]any{
				"user_email": f.user.Email,
				"total_usd":  25.0,
			},
		},
	})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, f.server.URL+"/webhooks/lemon", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("X-Signature", webhook.Signature(f.cfg.LemonWebhookSecret, body))
	resp, err := f.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	b, err := f.ledger.Balances(context.Background(), f.user.ID)
	require.NoError(t, err)
	assert.Equal(t, 25.0, b.PostedUSD)

	// tampered signature is rejected
	req, err = http.NewRequest(http.MethodPost, f.server.URL+"/webhooks/lemon", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("X-Signature", "bad")
	resp, err = f.server.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestProgressStream(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	job := &store.Job{
		UserID:   f.user.ID,
		Status:   store.StatusQueued,
		Preset:   "web",
		GPUClass: "rtx4090",
	}
	require.NoError(t, f.store.CreateJob(ctx, job))

	wsURL := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws/jobs/" + job.ID + "?apiKey=" + f.userKey
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	readProgress := func() queue.Progress {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err)
		var p queue.Progress
		require.NoError(t, json.Unmarshal(raw, &p))
		return p
	}

	// snapshot reflects the persisted row
	snap := readProgress()
	assert.Equal(t, job.ID, snap.JobID)
	assert.Equal(t, string(store.StatusQueued), snap.Status)

	require.NoError(t, f.bus.PublishProgress(ctx, job.ID, queue.Progress{
		JobID: job.ID, Status: string(store.StatusRendering), ProgressPercent: 60,
	}))
	p := readProgress()
	assert.Equal(t, string(store.StatusRendering), p.Status)
	assert.Equal(t, 60.0, p.ProgressPercent)

	// the terminal event ends the stream
	require.NoError(t, f.bus.PublishProgress(ctx, job.ID, queue.Progress{
		JobID: job.ID, Status: string(store.StatusCompleted), ProgressPercent: 100,
	}))
	p = readProgress()
	assert.Equal(t, string(store.StatusCompleted), p.Status)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}

func TestProgressStreamSnapshotForTerminalJob(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	now := time.Now().UTC()
	job := &store.Job{
		UserID:          f.user.ID,
		Status:          store.StatusCompleted,
		Preset:          "web",
		GPUClass:        "rtx4090",
		ProgressPercent: 100,
		FinishedAt:      &now,
	}
	require.NoError(t, f.store.CreateJob(ctx, job))

	wsURL := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws/jobs/" + job.ID + "?apiKey=" + f.userKey
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var p queue.Progress
	require.NoError(t, json.Unmarshal(raw, &p))
	assert.Equal(t, string(store.StatusCompleted), p.Status)
	assert.Equal(t, 100.0, p.ProgressPercent)

	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}

func TestProgressStreamRejectsForeignJob(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	job := &store.Job{UserID: f.admin.ID, Status: store.StatusQueued, Preset: "web", GPUClass: "rtx4090"}
	require.NoError(t, f.store.CreateJob(ctx, job))

	wsURL := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws/jobs/" + job.ID + "?apiKey=" + f.userKey
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
