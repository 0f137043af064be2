package broker

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"bunghole-remote-desktop/internal/apierr"
	"bunghole-remote-desktop/internal/ipc"
	"bunghole-remote-desktop/internal/registry"
)

// handleWS upgrades the browser's signaling connection and installs it as
// the session's sole browser endpoint (spec.md §4.2 at-most-one-tab,
// §4.3 relay contract). The wire shape between browser and broker is the
// same tagged Envelope the control socket uses (internal/ipc), so the
// browser-facing pump below forwards the decoded envelope's Type/Payload
// straight through without touching SDP or candidate bodies — matching
// "the broker copies messages verbatim" (spec.md §4.3) while still
// letting the broker skip messages the agent socket has gone away for.
func (b *Broker) handleWS(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := b.reg.Get(id)
	if err != nil {
		apierr.WriteHTTP(w, err)
		return
	}
	if _, err := b.authenticateWS(r, sess.ID); err != nil {
		apierr.WriteHTTP(w, err)
		return
	}

	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Warn("broker: ws upgrade failed", zap.Error(err))
		return
	}

	result := sess.AttachBrowser(ws)
	b.metrics.wsConnections.Inc()
	if result.Replaced {
		b.log.Info("broker: browser tab replaced", zap.String("session", sess.ID))
	}

	b.pumpBrowserToAgent(sess, ws)
	b.metrics.wsConnections.Dec()
}

func (b *Broker) authenticateWS(r *http.Request, sessionID string) (string, error) {
	claims, err := b.authenticate(r)
	if err != nil {
		return "", err
	}
	if claims.SessionID != sessionID {
		return "", apierr.New(apierr.Unauthorized, "token does not match session")
	}
	return claims.Subject, nil
}

// pumpBrowserToAgent reads signaling envelopes from the browser until it
// disconnects or is replaced, forwarding each to the agent's control
// socket. The agent link may still be nil briefly after session creation
// (the agent hasn't dialed back yet); those early messages are dropped
// and logged rather than buffered — the browser is expected to retry the
// offer on its own per spec.md §5's "offer retry 1s then 3s x4".
func (b *Broker) pumpBrowserToAgent(sess *registry.Session, ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		sess.Touch()

		var env ipc.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			b.log.Warn("broker: malformed browser signaling message", zap.Error(err))
			continue
		}

		link := sess.AgentLink()
		if link == nil {
			b.log.Warn("broker: dropping signaling message, agent not attached yet",
				zap.String("session", sess.ID), zap.String("type", env.Type))
			continue
		}
		if err := link.SendJSON(env); err != nil {
			b.log.Warn("broker: forward to agent failed", zap.Error(err))
		}
	}
}

// pumpAgentToBrowser reads signaling envelopes from the agent's control
// socket for the lifetime of the connection, forwarding each to whichever
// browser socket is currently attached (it may change across a tab
// replace without this loop needing to restart).
func (b *Broker) pumpAgentToBrowser(sess *registry.Session, conn *ipc.Conn) {
	for {
		env, err := conn.ReadEnvelope()
		if err != nil {
			return
		}
		if env.Type == ipc.TypeAgentReady {
			continue // local-leg-only, never forwarded to the browser
		}

		ws := sess.BrowserConn()
		if ws == nil {
			continue
		}
		body, err := json.Marshal(env)
		if err != nil {
			continue
		}
		if err := ws.WriteMessage(websocket.TextMessage, body); err != nil {
			b.log.Warn("broker: forward to browser failed", zap.Error(err))
		}
	}
}
