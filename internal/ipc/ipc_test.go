package ipc

import (
	"encoding/json"
	"net"
	"testing"
)

func TestSendJSONReadEnvelopeRoundTrip(t *testing.T) {
	serverRaw, clientRaw := net.Pipe()
	defer serverRaw.Close()
	defer clientRaw.Close()

	server := NewConn(serverRaw)
	client := NewConn(clientRaw)

	done := make(chan error, 1)
	go func() {
		done <- server.SendJSON(Envelope{
			Type:    TypeOffer,
			Payload: json.RawMessage(`{"sdp":"v=0"}`),
		})
	}()

	env, err := client.ReadEnvelope()
	if err != nil {
		t.Fatalf("ReadEnvelope: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("SendJSON: %v", err)
	}

	if env.Type != TypeOffer {
		t.Fatalf("Type = %q, want %q", env.Type, TypeOffer)
	}
	var payload SDPPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.SDP != "v=0" {
		t.Fatalf("SDP = %q, want v=0", payload.SDP)
	}
}

func TestListenAcceptRoundTrip(t *testing.T) {
	dir := t.TempDir()
	sockPath := dir + "/ctrl.sock"

	ln, err := Listen(sockPath)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan *Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			t.Errorf("Accept: %v", err)
			return
		}
		accepted <- conn
	}()

	client, err := Dial(sockPath)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	server := <-accepted
	defer server.Close()

	if err := client.SendJSON(Envelope{Type: TypeAgentReady}); err != nil {
		t.Fatalf("SendJSON: %v", err)
	}
	env, err := server.ReadEnvelope()
	if err != nil {
		t.Fatalf("ReadEnvelope: %v", err)
	}
	if env.Type != TypeAgentReady {
		t.Fatalf("Type = %q, want %q", env.Type, TypeAgentReady)
	}
}
