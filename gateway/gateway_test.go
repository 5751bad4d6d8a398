package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TeamOpenSmartGlasses/AugmentOS-sub000/health"
	"github.com/TeamOpenSmartGlasses/AugmentOS-sub000/inbox"
	"github.com/TeamOpenSmartGlasses/AugmentOS-sub000/registry"
	"github.com/TeamOpenSmartGlasses/AugmentOS-sub000/types"
)

type testEnv struct {
	server   *httptest.Server
	registry *registry.Registry
	inbox    *inbox.Inbox
	health   *health.Monitor
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	reg := registry.New(registry.Options{
		ConnectAttempts: 2,
		ConnectDelay:    5 * time.Millisecond,
	})
	box := inbox.New(inbox.NewMemoryStore(), inbox.Options{})
	monitor := health.NewMonitor()

	gw, err := New(Options{Registry: reg, Inbox: box, Health: monitor})
	require.NoError(t, err)

	mux := http.NewServeMux()
	gw.Routes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &testEnv{server: srv, registry: reg, inbox: box, health: monitor}
}

func (e *testEnv) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(e.server.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func registerBody(appID string, subs []string) map[string]any {
	return map[string]any{
		"app_id":          appID,
		"app_name":        appID,
		"app_webhook_url": "http://unused.invalid/webhook",
		"subscriptions":   subs,
	}
}

func TestRegisterEndpoint(t *testing.T) {
	env := newTestEnv(t)

	resp := env.post(t, "/api/apps/register", registerBody("app1", []string{"transcripts"}))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]string
	decodeBody(t, resp, &body)
	assert.Contains(t, body["message"], "app1")

	// Re-registering reports as such but still succeeds.
	resp = env.post(t, "/api/apps/register", registerBody("app1", nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &body)
	assert.Contains(t, body["message"], "already registered")

	assert.Len(t, env.registry.List(), 1)
}

func TestRegisterRejectsMissingAppID(t *testing.T) {
	env := newTestEnv(t)
	resp := env.post(t, "/api/apps/register", map[string]any{"app_name": "nameless"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRegisterRejectsMalformedJSON(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Post(env.server.URL+"/api/apps/register", "application/json",
		strings.NewReader("{not json"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUnregisterEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.post(t, "/api/apps/register", registerBody("app1", nil)).Body.Close()

	resp := env.post(t, "/api/apps/unregister", map[string]any{"app_id": "app1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	assert.Empty(t, env.registry.List())
}

func TestListApps(t *testing.T) {
	env := newTestEnv(t)
	env.post(t, "/api/apps/register", registerBody("app1", []string{"transcripts"})).Body.Close()
	env.post(t, "/api/apps/register", registerBody("app2", []string{"*"})).Body.Close()

	resp, err := http.Get(env.server.URL + "/api/apps")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Apps []struct {
			AppID     string `json:"app_id"`
			Connected bool   `json:"connected"`
		} `json:"apps"`
	}
	decodeBody(t, resp, &body)
	require.Len(t, body.Apps, 2)
	for _, app := range body.Apps {
		assert.False(t, app.Connected)
	}
}

func TestChannelHandshakeRefusedForUnknownApp(t *testing.T) {
	env := newTestEnv(t)

	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/channel/ghost"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	if conn != nil {
		conn.Close()
	}
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestChannelHandshakeAndBroadcast(t *testing.T) {
	env := newTestEnv(t)
	env.post(t, "/api/apps/register", registerBody("app1", []string{"transcripts"})).Body.Close()

	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/channel/app1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return env.registry.IsConnected("app1")
	}, time.Second, 10*time.Millisecond)

	env.registry.SmartBroadcast(context.Background(), "user1", "transcripts",
		json.RawMessage(`{"text":"hello"}`))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	var env1 types.Envelope
	require.NoError(t, conn.ReadJSON(&env1))
	assert.Equal(t, "transcripts", env1.Type)
	assert.Equal(t, "user1", env1.UserID)
	assert.JSONEq(t, `{"text":"hello"}`, string(env1.Data))
}

func TestChannelDisconnectInvalidates(t *testing.T) {
	env := newTestEnv(t)
	env.post(t, "/api/apps/register", registerBody("app1", nil)).Body.Close()

	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/channel/app1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return env.registry.IsConnected("app1")
	}, time.Second, 10*time.Millisecond)

	conn.Close()

	require.Eventually(t, func() bool {
		return !env.registry.IsConnected("app1")
	}, time.Second, 10*time.Millisecond)
}

func TestPollEndpoint(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.inbox.Append(ctx, "user1", types.CategoryTranscripts,
		json.RawMessage(`{"text":"one"}`))
	require.NoError(t, err)
	_, err = env.inbox.Append(ctx, "user1", types.CategoryInsights,
		json.RawMessage(`{"insight":"two"}`))
	require.NoError(t, err)

	resp := env.post(t, "/api/poll", map[string]any{
		"user_id":   "user1",
		"device_id": "glasses1",
		"features":  []string{"transcripts", "insights", "definitions"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string][]types.ResultEntry
	decodeBody(t, resp, &body)
	assert.Len(t, body["transcripts"], 1)
	assert.Len(t, body["insights"], 1)
	assert.Empty(t, body["definitions"])

	// A second poll from the same device returns nothing new.
	resp = env.post(t, "/api/poll", map[string]any{
		"user_id":   "user1",
		"device_id": "glasses1",
		"features":  []string{"transcripts"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &body)
	assert.Empty(t, body["transcripts"])

	// A different device still sees the entry.
	resp = env.post(t, "/api/poll", map[string]any{
		"user_id":   "user1",
		"device_id": "glasses2",
		"features":  []string{"transcripts"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &body)
	assert.Len(t, body["transcripts"], 1)
}

func TestPollRejectsUnknownCategory(t *testing.T) {
	env := newTestEnv(t)

	resp := env.post(t, "/api/poll", map[string]any{
		"user_id":   "user1",
		"device_id": "glasses1",
		"features":  []string{"transcripts", "bogus"},
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body map[string]any
	decodeBody(t, resp, &body)
	errMsg, _ := body["error"].(string)
	assert.Contains(t, errMsg, "bogus", "the offending category is named")
}

func TestPollWithInvalidCategoryConsumesNothing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.inbox.Append(ctx, "user1", types.CategoryTranscripts,
		json.RawMessage(`{"text":"keep me"}`))
	require.NoError(t, err)

	// A request mixing a valid and an unknown category must fail without
	// touching the device cursor.
	resp := env.post(t, "/api/poll", map[string]any{
		"user_id":   "user1",
		"device_id": "glasses1",
		"features":  []string{"transcripts", "bogus"},
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = env.post(t, "/api/poll", map[string]any{
		"user_id":   "user1",
		"device_id": "glasses1",
		"features":  []string{"transcripts"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string][]types.ResultEntry
	decodeBody(t, resp, &body)
	require.Len(t, body["transcripts"], 1,
		"a rejected poll must not consume entries for the device")
	assert.JSONEq(t, `{"text":"keep me"}`, string(body["transcripts"][0].Payload))
}

func TestDevicesEndpoint(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	resp, err := http.Get(env.server.URL + "/api/users/user1/devices")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		UserID  string   `json:"user_id"`
		Devices []string `json:"devices"`
	}
	decodeBody(t, resp, &body)
	assert.Equal(t, "user1", body.UserID)
	assert.Empty(t, body.Devices)

	_, err = env.inbox.Poll(ctx, "user1", "glasses1", types.CategoryTranscripts,
		inbox.DefaultPollOptions())
	require.NoError(t, err)
	_, err = env.inbox.Poll(ctx, "user1", "glasses2", types.CategoryTranscripts,
		inbox.DefaultPollOptions())
	require.NoError(t, err)

	resp, err = http.Get(env.server.URL + "/api/users/user1/devices")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &body)
	assert.ElementsMatch(t, []string{"glasses1", "glasses2"}, body.Devices)
}

func TestPollRequiresIdentity(t *testing.T) {
	env := newTestEnv(t)
	resp := env.post(t, "/api/poll", map[string]any{"features": []string{"transcripts"}})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthzAggregates(t *testing.T) {
	env := newTestEnv(t)
	env.health.UpdateHealthy("registry", "ok")
	env.health.UpdateHealthy("inbox", "ok")

	resp, err := http.Get(env.server.URL + "/healthz")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status health.Status
	decodeBody(t, resp, &status)
	assert.Equal(t, health.StatusHealthy, status.Status)

	env.health.UpdateUnhealthy("registry", "nats gone")
	resp, err = http.Get(env.server.URL + "/healthz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	resp.Body.Close()
}
