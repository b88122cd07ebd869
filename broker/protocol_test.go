// Copyright 2026 The Buxtehude Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/buxtehude-foundation/buxtehude/lib/testutil"
	"github.com/buxtehude-foundation/buxtehude/wire"
)

// TestHandshakeGate: a user envelope before the handshake disconnects
// the connection with reason "Failed handshake", and nothing is
// routed.
func TestHandshakeGate(t *testing.T) {
	s, port := startTCPServer(t, ServerConfig{})

	received, handler := envelopeSink()
	connectClient(t, s, port, "sink", map[string]Handler{"sneak": handler})

	conn := dialRaw(t, port)
	if env := readRawEnvelope(t, conn); env.Type != wire.TypeHandshake {
		t.Fatalf("first server envelope = %q", env.Type)
	}
	sendRaw(t, conn, wire.Envelope{Type: "sneak", Dest: "sink"}, wire.JSON)

	env := readRawEnvelope(t, conn)
	if env.Type != wire.TypeDisconnect {
		t.Fatalf("reply = %+v, want $$disconnect", env)
	}
	content, ok := env.Content.(map[string]any)
	if !ok || content["reason"] != "Failed handshake" {
		t.Fatalf("disconnect content = %v", env.Content)
	}
	if _, err := tryReadRawEnvelope(conn); !errors.Is(err, io.EOF) {
		t.Fatalf("connection not closed after failed handshake: %v", err)
	}

	testutil.RequireNoReceive(t, received, 200*time.Millisecond, "pre-handshake envelope was routed")
}

// TestInvalidHandshakeContent: a $$handshake whose content fails
// validation closes the connection.
func TestInvalidHandshakeContent(t *testing.T) {
	_, port := startTCPServer(t, ServerConfig{})

	conn := dialRaw(t, port)
	readRawEnvelope(t, conn)
	sendRaw(t, conn, wire.Envelope{
		Type:    wire.TypeHandshake,
		Content: map[string]any{"teamname": ""},
	}, wire.JSON)

	env := readRawEnvelope(t, conn)
	if env.Type != wire.TypeDisconnect {
		t.Fatalf("reply = %+v, want $$disconnect", env)
	}
}

// TestHandshakeTimeout: a connection that never handshakes is
// disconnected when the 60-second window expires.
func TestHandshakeTimeout(t *testing.T) {
	clk := fakeClock()
	s, port := startTCPServer(t, ServerConfig{Clock: clk})

	conn := dialRaw(t, port)
	readRawEnvelope(t, conn)
	waitForClientCount(t, s, 1)

	clk.Advance(61 * time.Second)

	env := readRawEnvelope(t, conn)
	if env.Type != wire.TypeDisconnect {
		t.Fatalf("reply = %+v, want $$disconnect", env)
	}
	content, ok := env.Content.(map[string]any)
	if !ok || content["reason"] != "Failed handshake" {
		t.Fatalf("disconnect content = %v", env.Content)
	}
	if _, err := tryReadRawEnvelope(conn); !errors.Is(err, io.EOF) {
		t.Fatalf("connection survived the handshake timeout: %v", err)
	}

	// No routing state survives.
	deadline := time.Now().Add(testTimeout)
	for time.Now().Before(deadline) && len(s.Clients(wire.DestAll)) != 0 {
		time.Sleep(2 * time.Millisecond)
	}
	if got := len(s.Clients(wire.DestAll)); got != 0 {
		t.Fatalf("%d clients remain after timeout", got)
	}
}

// TestHandshakeDefusesTimer: a completed handshake survives the
// 60-second mark.
func TestHandshakeDefusesTimer(t *testing.T) {
	clk := fakeClock()
	s, port := startTCPServer(t, ServerConfig{Clock: clk})

	conn := dialRaw(t, port)
	rawHandshake(t, conn, "steady", 1024)
	waitForHandshaken(t, s, "steady", 1)

	clk.Advance(2 * time.Minute)

	if got := len(s.Clients("steady")); got != 1 {
		t.Fatalf("handshaken client dropped by timer: %d clients", got)
	}
}

// TestInvalidFormatByte: a frame with an unknown format byte after the
// handshake produces a $$error and the reader resets; the connection
// survives.
func TestInvalidFormatByte(t *testing.T) {
	s, port := startTCPServer(t, ServerConfig{})

	received, handler := envelopeSink()
	connectClient(t, s, port, "sink", map[string]Handler{"ok": handler})

	conn := dialRaw(t, port)
	rawHandshake(t, conn, "prober", wire.DefaultMaxMessageLength)
	waitForHandshaken(t, s, "prober", 1)

	sendRawHeader(t, conn, 9, 0)

	env := readRawEnvelope(t, conn)
	if env.Type != wire.TypeError {
		t.Fatalf("reply = %+v, want $$error", env)
	}
	text, _ := env.Content.(string)
	if !strings.Contains(text, "Invalid message type") {
		t.Fatalf("error text = %q", text)
	}

	// The reader re-armed: a well-formed frame still routes.
	sendRaw(t, conn, wire.Envelope{Type: "ok", Dest: "sink"}, wire.JSON)
	testutil.RequireReceive(t, received, testTimeout, "routed envelope after bad header")
}

// TestOversizeRejected: a length header over the broker's cap is
// never decoded; the sender gets a $$error and later frames still
// route. A payload exactly at the cap is accepted.
func TestOversizeRejected(t *testing.T) {
	const capBytes = 1024
	s, port := startTCPServer(t, ServerConfig{MaxMessageLength: capBytes})

	received, handler := envelopeSink()
	connectClient(t, s, port, "sink", map[string]Handler{"big": handler, "ok": handler})

	conn := dialRaw(t, port)
	rawHandshake(t, conn, "prober", capBytes)
	waitForHandshaken(t, s, "prober", 1)

	// Boundary: a payload of exactly the cap length is accepted.
	padded := paddedEnvelope(t, "big", "sink", capBytes)
	sendRaw(t, conn, padded, wire.JSON)
	testutil.RequireReceive(t, received, testTimeout, "exact-cap envelope")

	// One byte over: rejected before decoding, $$error returned.
	sendRawHeader(t, conn, byte(wire.JSON), capBytes+1)
	env := readRawEnvelope(t, conn)
	if env.Type != wire.TypeError {
		t.Fatalf("reply = %+v, want $$error", env)
	}
	text, _ := env.Content.(string)
	if !strings.Contains(text, "Buffer size too big") {
		t.Fatalf("error text = %q", text)
	}
	testutil.RequireNoReceive(t, received, 200*time.Millisecond, "oversize envelope was delivered")

	// The reader reset: the next well-formed frame routes.
	sendRaw(t, conn, wire.Envelope{Type: "ok", Dest: "sink"}, wire.JSON)
	testutil.RequireReceive(t, received, testTimeout, "routed envelope after oversize header")
}

// paddedEnvelope builds an envelope whose JSON payload is exactly
// target bytes long.
func paddedEnvelope(t *testing.T, messageType, dest string, target int) wire.Envelope {
	t.Helper()
	base := wire.Envelope{Type: messageType, Dest: dest, Content: "x"}
	data, err := wire.Marshal(wire.JSON, base)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	padding := target - len(data) + 1
	if padding < 1 {
		t.Fatalf("target %d too small for envelope skeleton of %d bytes", target, len(data))
	}
	base.Content = strings.Repeat("x", padding)
	data, err = wire.Marshal(wire.JSON, base)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if len(data) != target {
		t.Fatalf("padded payload is %d bytes, want %d", len(data), target)
	}
	return base
}

// TestParseErrorRecovery: an undecodable payload produces a $$error
// but the connection and subsequent frames survive.
func TestParseErrorRecovery(t *testing.T) {
	s, port := startTCPServer(t, ServerConfig{})

	received, handler := envelopeSink()
	connectClient(t, s, port, "sink", map[string]Handler{"ok": handler})

	conn := dialRaw(t, port)
	rawHandshake(t, conn, "prober", wire.DefaultMaxMessageLength)
	waitForHandshaken(t, s, "prober", 1)

	garbage := []byte("{definitely not json")
	sendRawHeader(t, conn, byte(wire.JSON), uint32(len(garbage)))
	if _, err := conn.Write(garbage); err != nil {
		t.Fatalf("writing garbage payload: %v", err)
	}

	env := readRawEnvelope(t, conn)
	if env.Type != wire.TypeError {
		t.Fatalf("reply = %+v, want $$error", env)
	}

	sendRaw(t, conn, wire.Envelope{Type: "ok", Dest: "sink"}, wire.JSON)
	testutil.RequireReceive(t, received, testTimeout, "routed envelope after parse error")
}

// TestErrorRateLimit: at most one $$error per second of wall-clock
// time per connection.
func TestErrorRateLimit(t *testing.T) {
	clk := fakeClock()
	s, port := startTCPServer(t, ServerConfig{Clock: clk})

	received, handler := envelopeSink()
	connectClient(t, s, port, "sink", map[string]Handler{"mark": handler})

	conn := dialRaw(t, port)
	rawHandshake(t, conn, "noisy", wire.DefaultMaxMessageLength)
	waitForHandshaken(t, s, "noisy", 1)

	// Two bad frames inside the same second: one $$error. The routed
	// marker afterwards proves the broker has consumed both bad frames
	// before the clock moves (per-connection ordering).
	sendRawHeader(t, conn, 9, 0)
	readRawEnvelope(t, conn)
	sendRawHeader(t, conn, 9, 0)
	sendRaw(t, conn, wire.Envelope{Type: "mark", Dest: "sink"}, wire.JSON)
	testutil.RequireReceive(t, received, testTimeout, "marker after suppressed error")

	// Next second: the limiter re-arms.
	clk.Advance(1100 * time.Millisecond)
	sendRawHeader(t, conn, 9, 0)
	env := readRawEnvelope(t, conn)
	if env.Type != wire.TypeError {
		t.Fatalf("second window reply = %+v, want $$error", env)
	}

	// Nothing further arrives: the suppressed frame produced no reply.
	requireRawSilent(t, conn, 300*time.Millisecond)
}
