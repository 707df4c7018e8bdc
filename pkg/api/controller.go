package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"yawm/pkg/metrics"
	"yawm/pkg/model"
	"yawm/pkg/ratelimit"
	"yawm/pkg/store"
	"yawm/pkg/version"
	"yawm/pkg/wireguard"
)

const maxBodyBytes = 64 << 10

// Deps bundles what the handlers need.
type Deps struct {
	Store      store.Registry
	Token      string
	TTL        time.Duration // reported to clients and used for Retry-After
	TrustProxy bool
	Overlay    netip.Prefix // tunnel network; zero selects wireguard.DefaultOverlay
	Limiter    *ratelimit.Limiter
	Metrics    *metrics.Metrics
	Hub        *WatchHub
	Logger     *zap.Logger
}

type handlers struct {
	Deps
	auth func(r *http.Request) bool
}

// RegisterRoutes wires the HTTP handlers on the provided mux.
func RegisterRoutes(mux *http.ServeMux, d Deps) {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.TTL <= 0 {
		d.TTL = store.DefaultTTL
	}
	if d.Hub == nil {
		d.Hub = NewWatchHub(d.Logger)
	}
	h := &handlers{Deps: d, auth: authFunc(d.Token)}

	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, _ *http.Request) {
		writeText(w, http.StatusOK, "OK")
	})
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeText(w, http.StatusOK, "ok")
	})
	mux.Handle("GET /metrics", d.Metrics.Handler())
	mux.HandleFunc("GET /api/v1/stats", h.stats)

	mux.HandleFunc("POST /mesh/{meshID}/register", h.register)
	mux.HandleFunc("GET /mesh/{meshID}/config", h.config)
	mux.HandleFunc("GET /mesh/{meshID}/members", h.members)
	mux.HandleFunc("GET /mesh/{meshID}/watch", h.watch)

	// single-path routes kept for older clients
	mux.HandleFunc("POST /{meshID}", h.legacyRegister)
	mux.HandleFunc("GET /{meshID}", h.legacyConfig)
}

func (h *handlers) stats(w http.ResponseWriter, r *http.Request) {
	if !h.auth(r) {
		unauthorized(w)
		return
	}
	writeJSON(w, http.StatusOK, StatsResponse{
		Stats:    h.Store.Stats(),
		Watchers: h.Hub.Count(),
		Version:  version.Build,
	})
}

func (h *handlers) register(w http.ResponseWriter, r *http.Request) {
	meshID, addr, ok := h.gate(w, r)
	if !ok {
		return
	}
	var req RegisterRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.Metrics.ObserveRegister(metrics.ResultInvalid)
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	rec, ok := h.doRegister(w, meshID, addr, req)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, RegisterResponse{
		MeshID:    meshID,
		Node:      rec,
		ExpiresAt: rec.LastSeen.Add(h.TTL),
		Message:   "registered; fetch the config once the other nodes have joined",
	})
}

func (h *handlers) legacyRegister(w http.ResponseWriter, r *http.Request) {
	meshID, addr, ok := h.gate(w, r)
	if !ok {
		return
	}
	req := RegisterRequest{PublicKey: r.URL.Query().Get("publicKey")}
	if port := r.URL.Query().Get("listenPort"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			h.Metrics.ObserveRegister(metrics.ResultInvalid)
			http.Error(w, "invalid listenPort", http.StatusBadRequest)
			return
		}
		req.ListenPort = p
	}
	if req.PublicKey == "" {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			h.Metrics.ObserveRegister(metrics.ResultInvalid)
			http.Error(w, "invalid payload", http.StatusBadRequest)
			return
		}
		if len(strings.TrimSpace(string(body))) > 0 {
			if err := json.Unmarshal(body, &req); err != nil {
				h.Metrics.ObserveRegister(metrics.ResultInvalid)
				http.Error(w, "invalid payload", http.StatusBadRequest)
				return
			}
		}
	}
	if _, ok := h.doRegister(w, meshID, addr, req); !ok {
		return
	}
	writeText(w, http.StatusCreated, "Registered")
}

// doRegister calls the store and writes the error response on failure.
func (h *handlers) doRegister(w http.ResponseWriter, meshID, addr string, req RegisterRequest) (rec model.NodeRecord, ok bool) {
	rec, err := h.Store.Register(store.RegisterRequest{
		MeshID:        meshID,
		Address:       addr,
		PublicKey:     req.PublicKey,
		ListenPort:    req.ListenPort,
		AllowedRoutes: req.AllowedRoutes,
	})
	switch {
	case err == nil:
		h.Metrics.ObserveRegister(metrics.ResultOK)
		return rec, true
	case errors.Is(err, store.ErrInvalidInput):
		h.Metrics.ObserveRegister(metrics.ResultInvalid)
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, store.ErrMeshCapacityExceeded):
		h.Metrics.ObserveRegister(metrics.ResultCapacity)
		w.Header().Set("Retry-After", strconv.Itoa(int(h.TTL.Seconds())))
		http.Error(w, "mesh capacity exceeded, retry later", http.StatusTooManyRequests)
	default:
		h.Logger.Error("register failed", zap.String("mesh", meshID), zap.String("address", addr), zap.Error(err))
		http.Error(w, "failed to register", http.StatusInternalServerError)
	}
	return rec, false
}

func (h *handlers) config(w http.ResponseWriter, r *http.Request) {
	meshID, addr, ok := h.gateRead(w, r)
	if !ok {
		return
	}
	cfg, err := h.synthesize(meshID, addr)
	if err != nil {
		h.notFound(w, err)
		return
	}
	h.Metrics.ObserveFetch(metrics.ResultOK)
	if wantsJSON(r) {
		writeJSON(w, http.StatusOK, cfg)
		return
	}
	writeText(w, http.StatusOK, wireguard.Render(cfg))
}

func (h *handlers) legacyConfig(w http.ResponseWriter, r *http.Request) {
	meshID, addr, ok := h.gateRead(w, r)
	if !ok {
		return
	}
	cfg, err := h.synthesize(meshID, addr)
	if err != nil {
		h.notFound(w, err)
		return
	}
	h.Metrics.ObserveFetch(metrics.ResultOK)
	writeText(w, http.StatusOK, wireguard.Render(cfg))
}

func (h *handlers) members(w http.ResponseWriter, r *http.Request) {
	meshID, addr, ok := h.gateRead(w, r)
	if !ok {
		return
	}
	peers, err := h.Store.GetMembers(meshID, addr)
	if err != nil {
		h.notFound(w, err)
		return
	}
	h.Metrics.ObserveFetch(metrics.ResultOK)
	writeJSON(w, http.StatusOK, MembersResponse{MeshID: meshID, Members: peers})
}

func (h *handlers) watch(w http.ResponseWriter, r *http.Request) {
	meshID, addr, ok := h.gateRead(w, r)
	if !ok {
		return
	}
	render := func() (any, error) {
		cfg, err := h.synthesize(meshID, addr)
		if err != nil {
			return nil, err
		}
		if wantsJSON(r) {
			return cfg, nil
		}
		return wireguard.Render(cfg), nil
	}
	updates, cancel := h.Store.Subscribe(meshID)
	defer cancel()
	first, err := render()
	if err != nil {
		h.notFound(w, err)
		return
	}
	h.Metrics.ObserveFetch(metrics.ResultOK)
	h.Hub.Serve(w, r, meshID, addr, first, updates, render)
}

func (h *handlers) synthesize(meshID, addr string) (cfg model.MeshConfig, err error) {
	view, err := h.Store.View(meshID, addr)
	if err != nil {
		return cfg, err
	}
	return wireguard.Synthesize(meshID, view.Self, view.Peers, h.Overlay)
}

func (h *handlers) notFound(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrMeshNotFound) || errors.Is(err, wireguard.ErrNotRegistered) {
		h.Metrics.ObserveFetch(metrics.ResultNotFound)
		http.Error(w, "Not registered or expired", http.StatusNotFound)
		return
	}
	if errors.Is(err, wireguard.ErrOverlayExhausted) {
		h.Logger.Warn("overlay exhausted", zap.Error(err))
		http.Error(w, "mesh has more members than overlay addresses", http.StatusConflict)
		return
	}
	h.Logger.Error("config fetch failed", zap.Error(err))
	http.Error(w, "failed to build config", http.StatusInternalServerError)
}

// gate authenticates, validates the mesh id and rate limits a write.
func (h *handlers) gate(w http.ResponseWriter, r *http.Request) (meshID, addr string, ok bool) {
	meshID, addr, ok = h.gateRead(w, r)
	if !ok {
		return "", "", false
	}
	if !h.Limiter.Allow(addr) {
		h.Metrics.ObserveRegister(metrics.ResultRateLimited)
		w.Header().Set("Retry-After", "60")
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return "", "", false
	}
	return meshID, addr, true
}

// gateRead authenticates the caller and resolves the mesh id and address.
func (h *handlers) gateRead(w http.ResponseWriter, r *http.Request) (meshID, addr string, ok bool) {
	if !h.auth(r) {
		unauthorized(w)
		return "", "", false
	}
	meshID = r.PathValue("meshID")
	if _, err := uuid.Parse(meshID); err != nil {
		http.Error(w, "mesh id must be a uuid", http.StatusBadRequest)
		return "", "", false
	}
	addr = callerAddress(r, h.TrustProxy)
	if addr == "" {
		http.Error(w, "cannot determine caller address", http.StatusBadRequest)
		return "", "", false
	}
	return meshID, addr, true
}

// callerAddress returns the host part of the connection's remote address, or
// the first forwarded address when the controller sits behind a proxy.
func callerAddress(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func wantsJSON(r *http.Request) bool {
	if r.URL.Query().Get("format") == "json" {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}

func unauthorized(w http.ResponseWriter) {
	http.Error(w, "Not authenticated", http.StatusUnauthorized)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func authFunc(token string) func(r *http.Request) bool {
	if token == "" {
		return func(_ *http.Request) bool { return false }
	}
	want := []byte(token)
	return func(r *http.Request) bool {
		h := r.Header.Get("X-Auth-Token")
		if h == "" {
			// also allow simple Bearer token
			authz := r.Header.Get("Authorization")
			if strings.HasPrefix(authz, "Bearer ") {
				h = strings.TrimPrefix(authz, "Bearer ")
			}
		}
		return h != "" && subtle.ConstantTimeCompare([]byte(h), want) == 1
	}
}
