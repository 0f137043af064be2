// Package broker implements the signaling broker: login/session HTTP
// surface, per-session agent supervision, and the browser<->agent
// WebSocket relay described in spec.md §4.2-§4.4.
package broker

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"bunghole-remote-desktop/internal/apierr"
	"bunghole-remote-desktop/internal/auth"
	"bunghole-remote-desktop/internal/config"
	"bunghole-remote-desktop/internal/ipc"
	"bunghole-remote-desktop/internal/ratelimit"
	"bunghole-remote-desktop/internal/registry"
	"bunghole-remote-desktop/internal/supervisor"
)

// Version is stamped by cmd/broker for the /health response.
var Version = "dev"

const defaultViewportW, defaultViewportH = 1920, 1080

// Broker wires together auth, rate-limiting, the session registry, and
// the agent supervisor behind an HTTP+WebSocket surface.
type Broker struct {
	cfg *config.Config
	log *zap.Logger

	reg     *registry.Registry
	limiter *ratelimit.Limiter
	issuer  *auth.Issuer
	sup     *supervisor.Supervisor
	displays *displayPool
	metrics *Metrics

	upgrader websocket.Upgrader

	mu      sync.Mutex
	handles map[string]*supervisor.Handle // sessionID -> agent process handle
}

// New builds a Broker. sup may be nil only in tests that never exercise
// login (session creation requires a real Supervisor, which in turn
// requires CAP_SYS_NICE in the bounding set).
func New(cfg *config.Config, log *zap.Logger, sup *supervisor.Supervisor) (*Broker, error) {
	issuer, err := auth.NewIssuer()
	if err != nil {
		return nil, fmt.Errorf("broker: %w", err)
	}

	if err := os.MkdirAll(cfg.Server.RunDir, 0755); err != nil {
		return nil, fmt.Errorf("broker: create run dir: %w", err)
	}

	b := &Broker{
		cfg:      cfg,
		log:      log,
		limiter:  ratelimit.New(),
		issuer:   issuer,
		sup:      sup,
		displays: newDisplayPool(cfg.Session.MaxSessions),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		handles: make(map[string]*supervisor.Handle),
	}
	b.reg = registry.New(b.onEvict)
	b.metrics = newMetrics(b.reg)
	return b, nil
}

// Stop halts the registry reaper. Individual sessions' agent processes are
// left running — Stop is for test/process-shutdown bookkeeping only; a
// real shutdown terminates every session first (see cmd/broker).
func (b *Broker) Stop() { b.reg.Stop() }

// Registry exposes the session table for cmd/broker's shutdown sequence.
func (b *Broker) Registry() *registry.Registry { return b.reg }

// Handler builds the complete HTTP surface (spec.md §6). Go 1.22+ pattern
// routing (method + path) mirrors the teacher's `http.NewServeMux` use in
// `internal/server/server.go`.
func (b *Broker) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/login", b.handleLogin)
	mux.HandleFunc("POST /auth/refresh", b.handleRefresh)
	mux.HandleFunc("GET /sessions", b.handleListSessions)
	mux.HandleFunc("DELETE /sessions/{id}", b.handleDeleteSession)
	mux.HandleFunc("POST /sessions/{id}/heartbeat", b.handleHeartbeat)
	mux.HandleFunc("POST /sessions/{id}/release", b.handleRelease)
	mux.HandleFunc("GET /sessions/{id}/ws", b.handleWS)
	mux.HandleFunc("GET /ice-config", b.handleICEConfig)
	mux.HandleFunc("GET /health", b.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(b.metrics.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /admin/sessions", b.handleAdminList)
	mux.HandleFunc("DELETE /admin/sessions/{id}", b.handleAdminDelete)

	return b.logMiddleware(mux)
}

func (b *Broker) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(sw, r)
		b.log.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sw.status),
			zap.Duration("latency", time.Since(start)),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// --- auth/login/refresh ---

type loginRequest struct {
	Username       string `json:"username"`
	Password       string `json:"password"`
	ViewportWidth  int    `json:"viewport_width"`
	ViewportHeight int    `json:"viewport_height"`
	IdleTimeout    *int   `json:"idle_timeout"`
}

type loginResponse struct {
	SessionID   string `json:"session_id"`
	Token       string `json:"token"`
	ReleaseToken string `json:"release_token"`
	IdleTimeout int    `json:"idle_timeout"`
}

func (b *Broker) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" {
		apierr.WriteHTTP(w, apierr.New(apierr.BadRequest, "invalid login body"))
		return
	}

	addr := ratelimit.NormalizeAddress(clientAddr(r))

	if allowed, retry := b.limiter.Check(ratelimit.KindLoginAddress, addr); !allowed {
		b.metrics.loginsTotal.WithLabelValues("rate_limited").Inc()
		apierr.WriteHTTP(w, apierr.RateLimitedErr(retry))
		return
	}
	if allowed, retry := b.limiter.Check(ratelimit.KindLoginUsername, req.Username); !allowed {
		b.metrics.loginsTotal.WithLabelValues("rate_limited").Inc()
		apierr.WriteHTTP(w, apierr.RateLimitedErr(retry))
		return
	}

	if err := auth.CheckCredentials(r.Context(), req.Username, req.Password); err != nil {
		b.limiter.RecordFailure(ratelimit.KindLoginAddress, addr)
		b.limiter.RecordFailure(ratelimit.KindLoginUsername, req.Username)
		b.metrics.loginsTotal.WithLabelValues("invalid_credentials").Inc()
		apierr.WriteHTTP(w, apierr.New(apierr.InvalidCredentials, "invalid credentials"))
		return
	}
	b.limiter.ClearUsername(req.Username)

	idleTimeout := b.cfg.Session.IdleTimeoutSeconds
	if req.IdleTimeout != nil {
		idleTimeout = *req.IdleTimeout
	}

	sess, err := b.reg.Create(req.Username, time.Duration(idleTimeout)*time.Second)
	if err != nil {
		b.metrics.loginsTotal.WithLabelValues("internal_error").Inc()
		apierr.WriteHTTP(w, apierr.Wrap(apierr.Internal, "session create failed", err))
		return
	}

	vw, vh := req.ViewportWidth, req.ViewportHeight
	if vw <= 0 || vh <= 0 {
		vw, vh = defaultViewportW, defaultViewportH
	}
	if b.cfg.Video.MaxWidth > 0 && vw > b.cfg.Video.MaxWidth {
		vw = b.cfg.Video.MaxWidth
	}
	if b.cfg.Video.MaxHeight > 0 && vh > b.cfg.Video.MaxHeight {
		vh = b.cfg.Video.MaxHeight
	}
	sess.Viewport = [2]int{vw, vh}

	if err := b.spawnAgent(sess); err != nil {
		b.reg.Terminate(sess, "spawn_failed")
		b.metrics.loginsTotal.WithLabelValues("internal_error").Inc()
		apierr.WriteHTTP(w, apierr.Wrap(apierr.Internal, "agent spawn failed", err))
		return
	}

	token, _, err := b.issuer.Issue(req.Username, sess.ID)
	if err != nil {
		apierr.WriteHTTP(w, apierr.Wrap(apierr.Internal, "token issue failed", err))
		return
	}

	b.metrics.loginsTotal.WithLabelValues("ok").Inc()
	writeJSON(w, http.StatusOK, loginResponse{
		SessionID:    sess.ID,
		Token:        token,
		ReleaseToken: sess.ReleaseToken,
		IdleTimeout:  idleTimeout,
	})
}

func (b *Broker) handleRefresh(w http.ResponseWriter, r *http.Request) {
	claims, err := b.authenticate(r)
	if err != nil {
		apierr.WriteHTTP(w, err)
		return
	}
	token, _, err := b.issuer.Refresh(bearerFromHeader(r))
	if err != nil {
		apierr.WriteHTTP(w, apierr.New(apierr.Unauthorized, "refresh failed"))
		return
	}
	_ = claims
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// --- sessions ---

func (b *Broker) handleListSessions(w http.ResponseWriter, r *http.Request) {
	claims, err := b.authenticate(r)
	if err != nil {
		apierr.WriteHTTP(w, err)
		return
	}
	sessions := b.reg.List(claims.Subject)
	writeJSON(w, http.StatusOK, summarize(sessions))
}

func (b *Broker) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	claims, err := b.authenticate(r)
	if err != nil {
		apierr.WriteHTTP(w, err)
		return
	}
	id := r.PathValue("id")
	sess, err := b.reg.Get(id)
	if err != nil {
		apierr.WriteHTTP(w, err)
		return
	}
	if sess.Owner != claims.Subject && !b.isAdmin(claims.Subject) {
		apierr.WriteHTTP(w, apierr.New(apierr.Unauthorized, "not your session"))
		return
	}
	b.reg.Terminate(sess, "terminated")
	w.WriteHeader(http.StatusNoContent)
}

func (b *Broker) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	claims, err := b.authenticate(r)
	if err != nil {
		apierr.WriteHTTP(w, err)
		return
	}
	id := r.PathValue("id")
	sess, err := b.reg.Get(id)
	if err != nil || sess.Owner != claims.Subject {
		apierr.WriteHTTP(w, apierr.New(apierr.NotFound, "session not found"))
		return
	}
	sess.Touch()
	w.WriteHeader(http.StatusNoContent)
}

func (b *Broker) handleRelease(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := b.reg.Get(id)
	if err != nil {
		apierr.WriteHTTP(w, err)
		return
	}

	addr := ratelimit.NormalizeAddress(clientAddr(r))
	if allowed, retry := b.limiter.Check(ratelimit.KindRelease, addr); !allowed {
		apierr.WriteHTTP(w, apierr.RateLimitedErr(retry))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 512))
	if err != nil {
		apierr.WriteHTTP(w, apierr.New(apierr.BadRequest, "unreadable release token"))
		return
	}
	presented := strings.TrimSpace(string(body))

	if !auth.ConstantTimeEqual(presented, sess.ReleaseToken) {
		b.limiter.RecordFailure(ratelimit.KindRelease, addr)
		apierr.WriteHTTP(w, apierr.New(apierr.BadRequest, "bad release token"))
		return
	}

	b.reg.Release(sess, func() { b.reg.Terminate(sess, "released") })
	w.WriteHeader(http.StatusNoContent)
}

func (b *Broker) handleICEConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, b.iceConfigPayload())
}

func (b *Broker) iceConfigPayload() ipc.ICEConfigPayload {
	var servers []ipc.ICEServerPayload
	if len(b.cfg.ICE.StunURLs) > 0 {
		servers = append(servers, ipc.ICEServerPayload{URLs: b.cfg.ICE.StunURLs})
	}
	if len(b.cfg.ICE.TurnURLs) > 0 {
		servers = append(servers, ipc.ICEServerPayload{
			URLs:       b.cfg.ICE.TurnURLs,
			Username:   b.cfg.ICE.TurnUsername,
			Credential: b.cfg.ICE.TurnCredential,
		})
	}
	return ipc.ICEConfigPayload{Servers: servers}
}

func (b *Broker) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": Version})
}

// --- admin ---

func (b *Broker) isAdmin(username string) bool {
	for _, u := range b.cfg.Admin.AdminUsers {
		if u == username {
			return true
		}
	}
	return false
}

func (b *Broker) handleAdminList(w http.ResponseWriter, r *http.Request) {
	claims, err := b.authenticate(r)
	if err != nil || !b.isAdmin(claims.Subject) {
		apierr.WriteHTTP(w, apierr.New(apierr.Unauthorized, apierr.AdminGenericMessage))
		return
	}
	writeJSON(w, http.StatusOK, summarize(b.reg.ListAll()))
}

func (b *Broker) handleAdminDelete(w http.ResponseWriter, r *http.Request) {
	claims, err := b.authenticate(r)
	if err != nil || !b.isAdmin(claims.Subject) {
		apierr.WriteHTTP(w, apierr.New(apierr.Unauthorized, apierr.AdminGenericMessage))
		return
	}
	sess, err := b.reg.Get(r.PathValue("id"))
	if err != nil {
		apierr.WriteHTTP(w, err)
		return
	}
	b.reg.Terminate(sess, "admin_terminated")
	w.WriteHeader(http.StatusNoContent)
}

// --- shared helpers ---

type sessionSummary struct {
	ID        string `json:"id"`
	Owner     string `json:"owner"`
	State     string `json:"state"`
	CreatedAt string `json:"created_at"`
}

func summarize(sessions []*registry.Session) []sessionSummary {
	out := make([]sessionSummary, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, sessionSummary{
			ID:        s.ID,
			Owner:     s.Owner,
			State:     s.State().String(),
			CreatedAt: s.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return out
}

func (b *Broker) authenticate(r *http.Request) (*auth.Claims, error) {
	tok := bearerFromHeader(r)
	if tok == "" {
		tok = r.URL.Query().Get("token")
	}
	if tok == "" {
		return nil, apierr.New(apierr.Unauthorized, "missing bearer token")
	}
	claims, err := b.issuer.Verify(tok)
	if err != nil {
		return nil, apierr.New(apierr.Unauthorized, "invalid or expired token")
	}
	return claims, nil
}

func bearerFromHeader(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(h, prefix) {
		return strings.TrimPrefix(h, prefix)
	}
	return ""
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// --- agent spawn/evict ---

// spawnAgent allocates a display and control-socket runtime directory,
// spawns the agent under the session owner's uid via the supervisor, and
// asynchronously accepts its control-socket connection (agent startup —
// building the capture pipeline — can take longer than an HTTP client is
// willing to wait on /auth/login, so Accept happens off the request path).
func (b *Broker) spawnAgent(sess *registry.Session) error {
	u, err := user.Lookup(sess.Owner)
	if err != nil {
		return fmt.Errorf("broker: lookup user %s: %w", sess.Owner, err)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return fmt.Errorf("broker: bad uid for %s: %w", sess.Owner, err)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return fmt.Errorf("broker: bad gid for %s: %w", sess.Owner, err)
	}

	display, err := b.displays.Acquire()
	if err != nil {
		return err
	}

	runtimeDir := filepath.Join(b.cfg.Server.RunDir, sess.ID)
	if err := os.MkdirAll(runtimeDir, 0700); err != nil {
		b.displays.Release(display)
		return fmt.Errorf("broker: create runtime dir: %w", err)
	}
	if err := os.Chown(runtimeDir, uid, gid); err != nil {
		b.log.Warn("broker: chown runtime dir failed", zap.Error(err))
	}

	sockPath := filepath.Join(runtimeDir, "ctrl.sock")
	ln, err := ipc.Listen(sockPath)
	if err != nil {
		b.displays.Release(display)
		return fmt.Errorf("broker: listen control socket: %w", err)
	}
	if err := os.Chown(sockPath, uid, gid); err != nil {
		b.log.Warn("broker: chown control socket failed", zap.Error(err))
	}

	sess.Display = display
	sess.ControlSocket = sockPath

	handle, err := b.sup.Spawn(supervisor.Spec{
		BinaryPath:       b.cfg.Server.AgentBinaryPath,
		SessionID:        sess.ID,
		Username:         sess.Owner,
		Display:          display,
		ControlSocket:    sockPath,
		ViewportW:        sess.Viewport[0],
		ViewportH:        sess.Viewport[1],
		LogDir:           b.cfg.Server.LogDir,
		Codec:            "h264",
		Framerate:        b.cfg.Video.Framerate,
		VideoBitrateKbps: b.cfg.Video.BitrateKbps,
		MinBitrateKbps:   b.cfg.Video.MinBitrateKbps,
		MaxBitrateKbps:   b.cfg.Video.MaxBitrateKbps,
		AudioBitrateKbps: b.cfg.Audio.BitrateKbps,
		Encoder:          b.cfg.Video.Encoder,
		GOP:              b.cfg.Video.Framerate * 2,
	})
	if err != nil {
		ln.Close()
		b.displays.Release(display)
		return err
	}

	sess.AgentPID = handle.PID()

	b.mu.Lock()
	b.handles[sess.ID] = handle
	b.mu.Unlock()

	go b.acceptAgent(sess, ln)
	go b.watchExit(sess, handle)
	return nil
}

func (b *Broker) acceptAgent(sess *registry.Session, ln *ipc.Listener) {
	conn, err := ln.Accept()
	if err != nil {
		b.log.Warn("broker: agent never connected", zap.String("session", sess.ID), zap.Error(err))
		return
	}
	sess.AttachAgent(conn, sess.AgentPID)

	if err := conn.SendJSON(ipc.Envelope{
		Type:    ipc.TypeICEConfig,
		Payload: mustJSON(b.iceConfigPayload()),
	}); err != nil {
		b.log.Warn("broker: send ice config failed", zap.String("session", sess.ID), zap.Error(err))
	}

	b.pumpAgentToBrowser(sess, conn)
}

func (b *Broker) watchExit(sess *registry.Session, handle *supervisor.Handle) {
	code := <-handle.ExitCode
	b.mu.Lock()
	delete(b.handles, sess.ID)
	b.mu.Unlock()

	clean := "false"
	if code == 0 {
		clean = "true"
	}
	b.metrics.agentExitsTotal.WithLabelValues(clean).Inc()

	if ws := sess.BrowserConn(); ws != nil {
		_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"error","message":"agent_exited"}`))
	}
	b.reg.Terminate(sess, "agent_exited")
}

// onEvict is the registry's callback for every Terminate: it kills the
// agent process group and the per-session runtime directory. It does not
// notify the browser itself for "agent_exited" (watchExit already did
// that before calling Terminate) but does for every other reason.
func (b *Broker) onEvict(sess *registry.Session, reason string) {
	b.mu.Lock()
	handle, ok := b.handles[sess.ID]
	delete(b.handles, sess.ID)
	b.mu.Unlock()

	if ok {
		if err := handle.Terminate(); err != nil {
			b.log.Warn("broker: terminate agent failed", zap.String("session", sess.ID), zap.Error(err))
		}
	}
	if sess.Display != 0 {
		b.displays.Release(sess.Display)
	}
	if sess.ControlSocket != "" {
		_ = os.RemoveAll(filepath.Dir(sess.ControlSocket))
	}
	if link := sess.AgentLink(); link != nil {
		_ = link.Close()
	}

	if reason != "agent_exited" {
		if ws := sess.BrowserConn(); ws != nil {
			msg, _ := json.Marshal(map[string]string{"type": "error", "message": reason})
			_ = ws.WriteMessage(websocket.TextMessage, msg)
			_ = ws.Close()
		}
	}
	b.metrics.sessionsTotal.WithLabelValues(reason).Inc()
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
