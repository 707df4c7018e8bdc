package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"yawm/pkg/metrics"
	"yawm/pkg/model"
	"yawm/pkg/ratelimit"
	"yawm/pkg/store"
)

const (
	testToken = "s3cret"
	meshID    = "6f1c2a5e-3b9d-4c1e-9a57-0d2f8b4e6a10"
	otherMesh = "0b7e5d4c-8a21-4f3e-b6d9-1c2a3e4f5a6b"
)

type fixture struct {
	store   *store.MemoryStore
	clock   *clock.Mock
	metrics *metrics.Metrics
	handler http.Handler
}

func newFixture(t *testing.T, mutate func(*Deps, *store.Options)) *fixture {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	opts := store.Options{Clock: mock, Logger: zap.NewNop()}
	d := Deps{Token: testToken, TTL: store.DefaultTTL, Logger: zap.NewNop()}
	if mutate != nil {
		mutate(&d, &opts)
	}
	f := &fixture{clock: mock}
	f.metrics = metrics.New(func() model.Stats { return f.store.Stats() })
	opts.OnEvict = f.metrics.ObserveEviction
	f.store = store.NewMemoryStore(opts)
	d.Store = f.store
	d.Metrics = f.metrics
	mux := http.NewServeMux()
	RegisterRoutes(mux, d)
	f.handler = Recovery(zap.NewNop(), AccessLog(zap.NewNop(), mux))
	return f
}

func (f *fixture) do(t *testing.T, method, path, remote, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	req.RemoteAddr = remote + ":40000"
	req.Header.Set("X-Auth-Token", testToken)
	for k, v := range header {
		req.Header[k] = v
	}
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	return rr
}

func (f *fixture) register(t *testing.T, mesh, remote, key string) *httptest.ResponseRecorder {
	t.Helper()
	return f.do(t, http.MethodPost, "/mesh/"+mesh+"/register", remote, `{"publicKey":"`+key+`"}`, nil)
}

func TestAuth(t *testing.T) {
	f := newFixture(t, nil)
	path := "/mesh/" + meshID + "/register"

	t.Run("missing_token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{"publicKey":"k"}`))
		rr := httptest.NewRecorder()
		f.handler.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		assert.Contains(t, rr.Body.String(), "Not authenticated")
	})

	t.Run("wrong_token", func(t *testing.T) {
		rr := f.do(t, http.MethodGet, "/"+meshID, "10.0.0.1", "", http.Header{"X-Auth-Token": {"nope"}})
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("bearer_token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{"publicKey":"k"}`))
		req.Header.Set("Authorization", "Bearer "+testToken)
		rr := httptest.NewRecorder()
		f.handler.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusOK, rr.Code)
	})

	t.Run("health_is_public", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		rr := httptest.NewRecorder()
		f.handler.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusOK, rr.Code)

		req = httptest.NewRequest(http.MethodGet, "/", nil)
		rr = httptest.NewRecorder()
		f.handler.ServeHTTP(rr, req)
		assert.Equal(t, "OK", rr.Body.String())
	})
}

func TestRegisterAndFetch(t *testing.T) {
	f := newFixture(t, nil)

	rr := f.register(t, meshID, "203.0.113.1", "key-a")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var resp RegisterResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, meshID, resp.MeshID)
	assert.Equal(t, "203.0.113.1", resp.Node.Address)
	assert.Equal(t, f.clock.Now().Add(store.DefaultTTL), resp.ExpiresAt)

	rr = f.do(t, http.MethodPost, "/mesh/"+meshID+"/register", "203.0.113.2", `{"publicKey":"key-b","listenPort":40000,"allowedRoutes":["192.168.2.0/24"]}`, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	t.Run("config_text", func(t *testing.T) {
		rr := f.do(t, http.MethodGet, "/mesh/"+meshID+"/config", "203.0.113.1", "", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "text/plain; charset=utf-8", rr.Header().Get("Content-Type"))
		body := rr.Body.String()
		assert.Contains(t, body, "[Interface]\nAddress = 10.0.0.1/24\n")
		assert.Contains(t, body, "PublicKey = key-b")
		assert.Contains(t, body, "Endpoint = 203.0.113.2:40000")
		assert.Contains(t, body, "AllowedIPs = 10.0.0.2/32, 192.168.2.0/24")
		assert.NotContains(t, body, "PublicKey = key-a\n")
	})

	t.Run("config_json", func(t *testing.T) {
		rr := f.do(t, http.MethodGet, "/mesh/"+meshID+"/config?format=json", "203.0.113.2", "", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		var cfg model.MeshConfig
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &cfg))
		assert.Equal(t, "key-b", cfg.Interface.PublicKey)
		assert.Equal(t, "10.0.0.2/24", cfg.Interface.Address)
		assert.Equal(t, "203.0.113.2", cfg.Interface.Host)
		require.Len(t, cfg.Peers, 1)
		assert.Equal(t, "203.0.113.1:51820", cfg.Peers[0].Endpoint)
		assert.Equal(t, "10.0.0.1", cfg.Peers[0].Overlay)
		assert.Equal(t, []string{"10.0.0.1/32"}, cfg.Peers[0].AllowedIPs)
	})

	t.Run("members", func(t *testing.T) {
		rr := f.do(t, http.MethodGet, "/mesh/"+meshID+"/members", "203.0.113.1", "", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		var mr MembersResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &mr))
		require.Len(t, mr.Members, 1)
		assert.Equal(t, "key-b", mr.Members[0].PublicKey)
	})

	t.Run("stranger_is_not_registered", func(t *testing.T) {
		rr := f.do(t, http.MethodGet, "/mesh/"+meshID+"/config", "198.51.100.7", "", nil)
		assert.Equal(t, http.StatusNotFound, rr.Code)
		assert.Contains(t, rr.Body.String(), "Not registered or expired")
	})

	t.Run("expired_after_ttl", func(t *testing.T) {
		f.clock.Add(store.DefaultTTL)
		rr := f.do(t, http.MethodGet, "/mesh/"+meshID+"/config", "203.0.113.1", "", nil)
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})
}

func TestOverlay(t *testing.T) {
	f := newFixture(t, func(d *Deps, _ *store.Options) {
		d.Overlay = netip.MustParsePrefix("172.20.0.0/30")
	})
	require.Equal(t, http.StatusOK, f.register(t, meshID, "203.0.113.9", "key-9").Code)
	require.Equal(t, http.StatusOK, f.register(t, meshID, "203.0.113.10", "key-10").Code)

	rr := f.do(t, http.MethodGet, "/mesh/"+meshID+"/config", "203.0.113.10", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "Address = 172.20.0.2/30\n")
	assert.Contains(t, rr.Body.String(), "AllowedIPs = 172.20.0.1/32\n")

	t.Run("exhausted", func(t *testing.T) {
		require.Equal(t, http.StatusOK, f.register(t, meshID, "203.0.113.11", "key-11").Code)
		rr := f.do(t, http.MethodGet, "/mesh/"+meshID+"/config", "203.0.113.9", "", nil)
		assert.Equal(t, http.StatusConflict, rr.Code)
	})
}

func TestRegisterErrors(t *testing.T) {
	t.Run("bad_mesh_id", func(t *testing.T) {
		f := newFixture(t, nil)
		rr := f.register(t, "not-a-uuid", "10.0.0.1", "k")
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		rr = f.do(t, http.MethodGet, "/not-a-uuid", "10.0.0.1", "", nil)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("empty_public_key", func(t *testing.T) {
		f := newFixture(t, nil)
		rr := f.register(t, meshID, "10.0.0.1", "")
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("malformed_body", func(t *testing.T) {
		f := newFixture(t, nil)
		rr := f.do(t, http.MethodPost, "/mesh/"+meshID+"/register", "10.0.0.1", `{"publicKey":`, nil)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("capacity", func(t *testing.T) {
		f := newFixture(t, func(_ *Deps, o *store.Options) { o.MaxMeshes = 1 })
		require.Equal(t, http.StatusOK, f.register(t, meshID, "10.0.0.1", "k").Code)
		rr := f.register(t, otherMesh, "10.0.0.1", "k")
		assert.Equal(t, http.StatusTooManyRequests, rr.Code)
		assert.Equal(t, "300", rr.Header().Get("Retry-After"))

		f.clock.Add(store.DefaultTTL)
		assert.Equal(t, http.StatusOK, f.register(t, otherMesh, "10.0.0.1", "k").Code)
	})

	t.Run("rate_limited", func(t *testing.T) {
		f := newFixture(t, func(d *Deps, o *store.Options) {
			d.Limiter = ratelimit.New(1, 1, o.Clock)
		})
		require.Equal(t, http.StatusOK, f.register(t, meshID, "10.0.0.1", "k").Code)
		rr := f.register(t, meshID, "10.0.0.1", "k")
		assert.Equal(t, http.StatusTooManyRequests, rr.Code)
		assert.Equal(t, "60", rr.Header().Get("Retry-After"))
		assert.Equal(t, http.StatusOK, f.register(t, meshID, "10.0.0.2", "k").Code)
	})
}

func TestLegacyRoutes(t *testing.T) {
	f := newFixture(t, nil)

	rr := f.do(t, http.MethodPost, "/"+meshID+"?publicKey=key-a", "10.0.0.1", "", nil)
	require.Equal(t, http.StatusCreated, rr.Code)
	assert.Equal(t, "Registered", rr.Body.String())

	rr = f.do(t, http.MethodPost, "/"+meshID, "10.0.0.2", `{"publicKey":"key-b"}`, nil)
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = f.do(t, http.MethodPost, "/"+meshID+"?publicKey=k&listenPort=abc", "10.0.0.3", "", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = f.do(t, http.MethodPost, "/"+meshID, "10.0.0.3", "", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = f.do(t, http.MethodGet, "/"+meshID, "10.0.0.2", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "PublicKey = key-a")
	assert.Contains(t, rr.Body.String(), "Endpoint = 10.0.0.1:51820")

	rr = f.do(t, http.MethodGet, "/"+meshID, "10.0.0.9", "", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestCallerAddress(t *testing.T) {
	xff := http.Header{"X-Forwarded-For": {"198.51.100.4, 10.0.0.1"}}

	t.Run("ignores_headers_by_default", func(t *testing.T) {
		f := newFixture(t, nil)
		rr := f.do(t, http.MethodPost, "/mesh/"+meshID+"/register", "10.0.0.1", `{"publicKey":"k"}`, xff)
		require.Equal(t, http.StatusOK, rr.Code)
		var resp RegisterResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, "10.0.0.1", resp.Node.Address)
	})

	t.Run("trusts_proxy_when_enabled", func(t *testing.T) {
		f := newFixture(t, func(d *Deps, _ *store.Options) { d.TrustProxy = true })
		rr := f.do(t, http.MethodPost, "/mesh/"+meshID+"/register", "10.0.0.1", `{"publicKey":"k"}`, xff)
		require.Equal(t, http.StatusOK, rr.Code)
		var resp RegisterResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, "198.51.100.4", resp.Node.Address)

		rr = f.do(t, http.MethodPost, "/mesh/"+meshID+"/register", "10.0.0.1", `{"publicKey":"k"}`, http.Header{"X-Real-Ip": {"198.51.100.5"}})
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, "198.51.100.5", resp.Node.Address)
	})

	t.Run("ipv6_remote", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "[2001:db8::7]:51820"
		assert.Equal(t, "2001:db8::7", callerAddress(req, false))
	})
}

func TestStatsAndMetrics(t *testing.T) {
	f := newFixture(t, nil)
	require.Equal(t, http.StatusOK, f.register(t, meshID, "10.0.0.1", "k").Code)
	require.Equal(t, http.StatusOK, f.register(t, meshID, "10.0.0.2", "k").Code)
	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/mesh/"+meshID+"/config", "10.0.0.3", "", nil).Code)

	rr := f.do(t, http.MethodGet, "/api/v1/stats", "10.0.0.1", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var st StatsResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &st))
	assert.Equal(t, 1, st.Meshes)
	assert.Equal(t, 2, st.Nodes)
	assert.Equal(t, store.DefaultMaxMeshes, st.MaxMeshes)

	rr = f.do(t, http.MethodGet, "/metrics", "10.0.0.1", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	assert.Contains(t, body, `yawm_registrations_total{result="ok"} 2`)
	assert.Contains(t, body, `yawm_config_fetches_total{result="not_found"} 1`)
	assert.Contains(t, body, "yawm_meshes_live 1")
	assert.Contains(t, body, "yawm_nodes_live 2")
}

func TestRecovery(t *testing.T) {
	h := Recovery(zap.NewNop(), http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestWatch(t *testing.T) {
	f := newFixture(t, func(d *Deps, _ *store.Options) { d.TrustProxy = true })
	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	as := func(addr string) http.Header {
		return http.Header{"X-Forwarded-For": {addr}, "X-Auth-Token": {testToken}}
	}
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/mesh/"+meshID+"/register", "127.0.0.1", `{"publicKey":"key-a"}`, as("10.0.0.1")).Code)

	t.Run("unregistered_caller_is_rejected", func(t *testing.T) {
		url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/mesh/" + meshID + "/watch"
		_, resp, err := websocket.DefaultDialer.Dial(url, as("10.0.0.9"))
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/mesh/" + meshID + "/watch"
	conn, _, err := websocket.DefaultDialer.Dial(url, as("10.0.0.1"))
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	_, first, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(first), "[Interface]")
	assert.NotContains(t, string(first), "[Peer]")

	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/mesh/"+meshID+"/register", "127.0.0.1", `{"publicKey":"key-b"}`, as("10.0.0.2")).Code)
	_, next, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(next), "PublicKey = key-b")

	f.clock.Add(store.DefaultTTL)
	f.store.Sweep()
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}
