package www

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tripvox/auth"
	"tripvox/cache"
	"tripvox/relay"
	"tripvox/xunfei"
	"tripvox/xunfei/xunfeitest"
)

type testEnv struct {
	srv    *httptest.Server
	jwt    *auth.JWT
	tokens map[string]string
}

func newTestEnv(t *testing.T, creds xunfei.Credentials, requireRelayAuth bool) *testEnv {
	t.Helper()

	upstream := xunfeitest.NewServer(func(conn *websocket.Conn, r *http.Request) {
		conn.WriteMessage(websocket.TextMessage, xunfeitest.Started())
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	t.Cleanup(upstream.Close)

	signer := xunfei.NewSigner(creds, xunfei.WithEndpoints(xunfeitest.URL(upstream), ""))

	cfg := relay.DefaultConfig()
	cfg.PollInterval = 20 * time.Millisecond
	logger := log.New(io.Discard)

	jwt, err := auth.NewJWT("test-secret", "HS256")
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	s, err := NewServer(Options{
		Signer:           signer,
		Gateway:          relay.NewGateway(cfg, signer, logger),
		Auth:             jwt,
		Registry:         cache.NewRedisRegistry(rdb),
		RequireRelayAuth: requireRelayAuth,
		Logger:           logger,
	})
	require.NoError(t, err)

	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)

	env := &testEnv{srv: srv, jwt: jwt, tokens: map[string]string{}}
	for _, user := range []string{"alice", "bob"} {
		token, err := jwt.Issue(auth.Identity{UserID: user}, time.Minute)
		require.NoError(t, err)
		env.tokens[user] = token
	}
	return env
}

func fullCreds() xunfei.Credentials {
	return xunfei.Credentials{
		AppID:              "app",
		APIKey:             "key",
		LLMAppID:           "llm-app",
		LLMAccessKeyID:     "ak",
		LLMAccessKeySecret: "sk",
	}
}

func (e *testEnv) get(t *testing.T, path, user string) (*http.Response, map[string]any) {
	t.Helper()

	req, err := http.NewRequest(http.MethodGet, e.srv.URL+path, nil)
	require.NoError(t, err)
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+e.tokens[user])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]any
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	}
	return resp, body
}

func TestRootAndHealth(t *testing.T) {
	env := newTestEnv(t, fullCreds(), false)

	resp, body := env.get(t, "/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])

	resp, body = env.get(t, "/", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, Version, body["version"])
}

func TestStandardURL(t *testing.T) {
	env := newTestEnv(t, fullCreds(), false)

	resp, body := env.get(t, "/api/v1/voice/xunfei/ws-url", "alice")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(300), body["expires_in"])

	u, err := url.Parse(body["ws_url"].(string))
	require.NoError(t, err)
	assert.Equal(t, "cn", u.Query().Get("lang"))
	assert.Equal(t, "app", u.Query().Get("appid"))
	assert.NotEmpty(t, u.Query().Get("signa"))

	_, body = env.get(t, "/api/v1/voice/xunfei/ws-url?lang=en", "alice")
	u, err = url.Parse(body["ws_url"].(string))
	require.NoError(t, err)
	assert.Equal(t, "en", u.Query().Get("lang"))
}

func TestSignedURLs_RequireAuth(t *testing.T) {
	env := newTestEnv(t, fullCreds(), false)

	for _, path := range []string{
		"/api/v1/voice/xunfei/ws-url",
		"/api/v1/voice/xunfei-llm/ws-url",
		"/api/v1/voice/xunfei-llm/sessions/x",
	} {
		resp, body := env.get(t, path, "")
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
		assert.Equal(t, "Bearer", resp.Header.Get("WWW-Authenticate"))
		assert.NotEmpty(t, body["detail"])
	}
}

func TestLargeModelURL(t *testing.T) {
	env := newTestEnv(t, fullCreds(), false)

	resp, body := env.get(t, "/api/v1/voice/xunfei-llm/ws-url?samplerate=8000", "alice")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(300), body["expires_in"])

	sessionID, _ := body["session_id"].(string)
	require.NotEmpty(t, sessionID)

	raw := body["ws_url"].(string)
	assert.True(t, strings.HasPrefix(raw, xunfei.LLMURL+"?"))
	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "autodialect", u.Query().Get("lang"))
	assert.Equal(t, "8000", u.Query().Get("samplerate"))
	assert.NotEqual(t, sessionID, u.Query().Get("uuid"))

	resp, body = env.get(t, "/api/v1/voice/xunfei-llm/sessions/"+sessionID, "alice")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, sessionID, body["session_id"])
	assert.Equal(t, u.Query().Get("uuid"), body["uuid"])

	resp, _ = env.get(t, "/api/v1/voice/xunfei-llm/sessions/"+sessionID, "bob")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = env.get(t, "/api/v1/voice/xunfei-llm/sessions/unknown", "alice")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestLargeModelURL_BadSampleRate(t *testing.T) {
	env := newTestEnv(t, fullCreds(), false)

	resp, body := env.get(t, "/api/v1/voice/xunfei-llm/ws-url?samplerate=fast", "alice")
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.NotEmpty(t, body["detail"])
}

func TestSignedURLs_NotConfigured(t *testing.T) {
	env := newTestEnv(t, xunfei.Credentials{}, false)

	for _, path := range []string{"/api/v1/voice/xunfei/ws-url", "/api/v1/voice/xunfei-llm/ws-url"} {
		resp, body := env.get(t, path, "alice")
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode, path)
		assert.Contains(t, body["detail"], "not configured")
	}
}

func TestMetrics(t *testing.T) {
	env := newTestEnv(t, fullCreds(), false)
	env.get(t, "/api/v1/voice/xunfei/ws-url", "alice")

	resp, err := http.Get(env.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(b), `tripvox_signed_urls_total{scheme="standard"}`)
	assert.Contains(t, string(b), "tripvox_relay_sessions_active")
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func readText(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	return string(data)
}

func TestRealtimeRelay(t *testing.T) {
	env := newTestEnv(t, fullCreds(), false)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(env.srv, "/api/v1/voice/realtime"), nil)
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, "[WS_OPEN]", readText(t, conn))
	assert.Equal(t, "[WS_READY]", readText(t, conn))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("stop")))
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected: %v", err)
}

func TestRealtimeRelay_RequireAuth(t *testing.T) {
	env := newTestEnv(t, fullCreds(), true)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(env.srv, "/api/v1/voice/realtime"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(wsURL(env.srv, "/api/v1/voice/realtime?token=bogus"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(env.srv, "/api/v1/voice/realtime?token="+env.tokens["alice"]), nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, "[WS_OPEN]", readText(t, conn))
}

func TestNewServer_RequiresCollaborators(t *testing.T) {
	_, err := NewServer(Options{})
	assert.Error(t, err)
}
