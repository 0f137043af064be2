// Package registry is the process-wide table of live sessions: creation,
// ownership handover, the at-most-one-tab attach policy, release grace,
// and the idle reaper.
package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"bunghole-remote-desktop/internal/apierr"
	"bunghole-remote-desktop/internal/auth"
)

// State is the session lifecycle, per spec.md §3: Starting -> Active ->
// Draining -> Dead. Only the reaper (or an explicit terminate) moves a
// session to Dead.
type State int

const (
	Starting State = iota
	Active
	Draining
	Dead
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Active:
		return "active"
	case Draining:
		return "draining"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// Session is one user's live remote desktop. The browser socket and agent
// link are guarded by mu and read under it on every use, so a replaced
// socket is never used after the swap.
type Session struct {
	ID             string
	Owner          string
	Display        int
	CreatedAt      time.Time
	IdleTimeout    time.Duration
	ReleaseToken   string
	ControlSocket  string
	Viewport       [2]int
	AgentPID       int

	mu            sync.Mutex
	state         State
	lastActivity  time.Time
	browserWS     *websocket.Conn
	agentLink     AgentLink
	releaseTimer  *time.Timer
}

// AgentLink is the broker's handle to an agent's control-socket
// connection (internal/ipc.Conn implements this). Kept as an interface
// here so the registry does not need to import the IPC transport.
type AgentLink interface {
	SendJSON(v any) error
	Close() error
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Touch bumps last-activity to now (heartbeat, any inbound traffic).
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// casState moves state to next iff it is currently cur. Returns whether
// the swap happened.
func (s *Session) casState(cur, next State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != cur {
		return false
	}
	s.state = next
	return true
}

// Registry is the authoritative session map. All mutation happens inside
// a short critical section; blocking work (PAM, process spawn) never runs
// while holding mu.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session

	idleTick time.Duration
	onEvict  func(*Session, string) // (session, reason) — terminate agent, notify browser

	stopReaper chan struct{}
}

// New builds a Registry and starts its background reaper, which scans
// every 10s (spec.md §4.2) for sessions past their idle timeout.
func New(onEvict func(*Session, string)) *Registry {
	r := &Registry{
		sessions:   make(map[string]*Session),
		idleTick:   10 * time.Second,
		onEvict:    onEvict,
		stopReaper: make(chan struct{}),
	}
	go r.reapLoop()
	return r
}

// Stop halts the reaper goroutine.
func (r *Registry) Stop() { close(r.stopReaper) }

// Create allocates a new Starting session with a fresh 128-bit id.
func (r *Registry) Create(owner string, idleTimeout time.Duration) (*Session, error) {
	id := uuid.NewString()
	releaseToken, err := auth.NewReleaseToken()
	if err != nil {
		return nil, fmt.Errorf("registry: create: %w", err)
	}

	s := &Session{
		ID:           id,
		Owner:        owner,
		CreatedAt:    time.Now(),
		IdleTimeout:  idleTimeout,
		ReleaseToken: releaseToken,
		state:        Starting,
		lastActivity: time.Now(),
	}

	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()
	return s, nil
}

// Get resolves a session by id.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return nil, apierr.New(apierr.NotFound, "session not found")
	}
	return s, nil
}

// List returns every session owned by requester (owner match only — the
// admin listing goes through ListAll with an allowlist check instead).
func (r *Registry) List(requester string) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Session
	for _, s := range r.sessions {
		if s.Owner == requester {
			out = append(out, s)
		}
	}
	return out
}

// ListAll returns every live session, for admin use. Callers must check
// the admin allowlist themselves before calling this.
func (r *Registry) ListAll() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// AttachResult reports what AttachBrowser did.
type AttachResult struct {
	Replaced bool
}

// AttachBrowser installs ws as the session's sole browser endpoint,
// atomically swapping out and closing any prior socket with a
// {"type":"error","message":"replaced"} control message. The prior tab
// must not auto-reconnect; the agent socket is untouched.
func (s *Session) AttachBrowser(ws *websocket.Conn) AttachResult {
	s.mu.Lock()
	prior := s.browserWS
	s.browserWS = ws
	if s.state == Starting {
		s.state = Active
	}
	s.lastActivity = time.Now()
	// Cancel any pending release-grace termination: a reattach within the
	// window cancels the scheduled shutdown (spec.md §4.2 release grace).
	if s.releaseTimer != nil {
		s.releaseTimer.Stop()
		s.releaseTimer = nil
	}
	s.mu.Unlock()

	if prior != nil {
		_ = prior.WriteMessage(websocket.TextMessage, []byte(`{"type":"error","message":"replaced"}`))
		_ = prior.Close()
		return AttachResult{Replaced: true}
	}
	return AttachResult{}
}

// AttachAgent installs the agent-side control socket connection.
func (s *Session) AttachAgent(link AgentLink, pid int) {
	s.mu.Lock()
	s.agentLink = link
	s.AgentPID = pid
	s.mu.Unlock()
}

// BrowserConn returns the currently attached browser socket, or nil.
func (s *Session) BrowserConn() *websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.browserWS
}

// AgentLink returns the currently attached agent control link, or nil.
func (s *Session) AgentLink() AgentLink {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agentLink
}

// ReleaseGraceSecs is the window release() waits before terminating,
// unless the browser reattaches first.
const ReleaseGraceSecs = 60

// Release schedules termination ReleaseGraceSecs in the future unless
// cancelled by a reattach. tok is compared in constant time by the
// caller before Release is invoked.
func (r *Registry) Release(s *Session, after func()) {
	s.mu.Lock()
	if s.releaseTimer != nil {
		s.releaseTimer.Stop()
	}
	s.releaseTimer = time.AfterFunc(ReleaseGraceSecs*time.Second, after)
	s.mu.Unlock()
}

// Terminate moves a session Active/Starting -> Draining -> Dead and
// removes it from the table, invoking onEvict with reason along the way.
// onEvict is responsible for telling the supervisor to kill the agent and
// for notifying the browser socket.
func (r *Registry) Terminate(s *Session, reason string) {
	if s.casState(Starting, Draining) || s.casState(Active, Draining) {
		if r.onEvict != nil {
			r.onEvict(s, reason)
		}
	}
	// Whether or not the CAS above fired (it may already be Draining from
	// a concurrent path), the final Dead transition and removal always
	// happen so a double-terminate is idempotent.
	s.mu.Lock()
	s.state = Dead
	s.mu.Unlock()

	r.mu.Lock()
	delete(r.sessions, s.ID)
	r.mu.Unlock()
}

func (r *Registry) reapLoop() {
	ticker := time.NewTicker(r.idleTick)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopReaper:
			return
		case <-ticker.C:
			r.reapOnce()
		}
	}
}

func (r *Registry) reapOnce() {
	now := time.Now()
	r.mu.Lock()
	var victims []*Session
	for _, s := range r.sessions {
		s.mu.Lock()
		idle := s.IdleTimeout
		last := s.lastActivity
		st := s.state
		s.mu.Unlock()
		if idle == 0 {
			continue // idle_timeout == 0 disables reaping
		}
		if st == Dead {
			continue
		}
		if last.Add(idle).Before(now) {
			victims = append(victims, s)
		}
	}
	r.mu.Unlock()

	for _, s := range victims {
		// A pending release-grace timer, if any, becomes a no-op: its
		// target session is already Dead by the time it fires, and
		// Terminate is idempotent against that. It is not explicitly
		// cancelled here (see DESIGN.md open-question decision).
		r.Terminate(s, "idle_timeout")
	}
}
