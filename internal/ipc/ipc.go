// Package ipc implements the length-prefixed JSON framing used on the
// Unix-domain control socket between a supervised agent subprocess and
// the broker. This is the local leg of the signaling relay described in
// spec.md §4.3: the broker copies messages verbatim between the browser
// WebSocket and this socket.
package ipc

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
)

// MaxMessageSize bounds a single frame; larger claims are a protocol
// violation, not a truncation to tolerate.
const MaxMessageSize = 16 * 1024 * 1024

// Envelope is the wire-format wrapper for every control-socket message,
// tagged by Type. Payload carries the type-specific body verbatim; the
// broker does not parse it except to read Type.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ICEServerPayload mirrors webrtc.ICEServer's wire shape for the
// TypeICEConfig payload, so this package doesn't need to import pion.
type ICEServerPayload struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// ICEConfigPayload is the TypeICEConfig payload.
type ICEConfigPayload struct {
	Servers []ICEServerPayload `json:"servers"`
}

// SDPPayload is the TypeOffer/TypeAnswer payload.
type SDPPayload struct {
	SDP string `json:"sdp"`
}

// ICECandidatePayload is the TypeICECandidate payload, matching
// webrtc.ICECandidateInit's JSON shape field-for-field.
type ICECandidatePayload struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// ErrorPayload is the TypeError payload the agent reports (for example
// {"reconnect_required"}). Errors the broker itself sends to the browser
// ("replaced", "agent_exited") are written as {"type":"error","message":...}
// without a payload object.
type ErrorPayload struct {
	Message string `json:"message"`
}

// Envelope type tags. Browser<->agent signaling tags (Offer, Answer,
// ICECandidate, ErrorMsg) are copied verbatim from the browser's
// WebSocket per spec.md §4.3 — the broker does not originate them.
// IceConfig/AgentReady/AgentExited are broker<->agent local-leg-only
// tags that never reach the browser.
const (
	// TypeOffer carries a browser SDP offer, relayed broker->agent.
	TypeOffer = "offer"
	// TypeAnswer carries the agent's SDP answer, relayed agent->broker->browser.
	TypeAnswer = "answer"
	// TypeICECandidate carries a trickled ICE candidate, either direction.
	TypeICECandidate = "ice_candidate"
	// TypeError is broker-generated ({"replaced"}/{"agent_exited"}) or
	// agent-reported, relayed to the browser verbatim.
	TypeError = "error"
	// TypeICEConfig is the broker's startup delivery of the STUN/TURN
	// server list the agent's peer.New needs; never reaches the browser.
	TypeICEConfig = "ice_config"
	// TypeAgentReady announces the agent finished building its capture
	// pipeline and is ready to receive offers.
	TypeAgentReady = "agent_ready"
	// TypeAgentExited names the agent-exit event. No envelope with this
	// type is sent: when the subprocess exits the broker writes an error
	// message {"agent_exited"} straight to the browser socket.
	TypeAgentExited = "agent_exited"
)

// Conn wraps a net.Conn (a Unix socket in practice) with length-prefixed
// JSON framing: a 4-byte big-endian length followed by that many bytes of
// JSON. It implements registry.AgentLink.
type Conn struct {
	raw net.Conn
	r   *bufio.Reader

	writeMu sync.Mutex
}

// NewConn wraps an already-connected socket.
func NewConn(raw net.Conn) *Conn {
	return &Conn{raw: raw, r: bufio.NewReader(raw)}
}

// Dial connects to a control-socket path (used by the agent to reach the
// broker-side listener created for this session).
func Dial(path string) (*Conn, error) {
	raw, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("ipc: dial %s: %w", path, err)
	}
	return NewConn(raw), nil
}

// SendJSON frames and writes v as one envelope-carrying message. v is
// usually an *Envelope; accepting any value keeps this usable directly
// from the agent side, which builds Envelope values inline.
func (c *Conn) SendJSON(v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("ipc: marshal: %w", err)
	}
	if len(body) > MaxMessageSize {
		return fmt.Errorf("ipc: message too large (%d bytes)", len(body))
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := c.raw.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("ipc: write length: %w", err)
	}
	if _, err := c.raw.Write(body); err != nil {
		return fmt.Errorf("ipc: write body: %w", err)
	}
	return nil
}

// ReadEnvelope blocks for the next framed message and decodes it as an
// Envelope.
func (c *Conn) ReadEnvelope() (Envelope, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(c.r, lenBuf[:]); err != nil {
		return Envelope{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxMessageSize {
		return Envelope{}, fmt.Errorf("ipc: declared length %d exceeds max", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(c.r, body); err != nil {
		return Envelope{}, fmt.Errorf("ipc: read body: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, fmt.Errorf("ipc: decode envelope: %w", err)
	}
	return env, nil
}

// Close closes the underlying socket.
func (c *Conn) Close() error { return c.raw.Close() }

// Listener wraps a Unix-socket listener bound to a per-session path. The
// broker creates one before spawning the agent so the agent has
// something to Dial immediately on startup.
type Listener struct {
	path string
	ln   net.Listener
}

// Listen binds a fresh Unix socket at path, removing any stale socket
// file left over from a prior (crashed) instance first.
func Listen(path string) (*Listener, error) {
	_ = os.Remove(path) // stale socket from a prior crashed instance
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("ipc: listen %s: %w", path, err)
	}
	return &Listener{path: path, ln: ln}, nil
}

// Accept blocks for the agent's single connection and wraps it.
func (l *Listener) Accept() (*Conn, error) {
	raw, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	return NewConn(raw), nil
}

// Close closes the listener and removes the socket file.
func (l *Listener) Close() error {
	err := l.ln.Close()
	_ = os.Remove(l.path)
	return err
}
