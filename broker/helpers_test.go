// Copyright 2026 The Buxtehude Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/buxtehude-foundation/buxtehude/lib/clock"
	"github.com/buxtehude-foundation/buxtehude/wire"
)

const testTimeout = 5 * time.Second

// testClockEpoch is the fixed start time for fake clocks in tests.
var testClockEpoch = time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

// startTCPServer starts a broker on a random TCP port and returns it
// with the port. The broker is closed when the test ends.
func startTCPServer(t *testing.T, config ServerConfig) (*Server, uint16) {
	t.Helper()
	if config.Logger == nil {
		config.Logger = testLogger()
	}
	s := NewServer(config)
	if err := s.ListenTCP(0); err != nil {
		t.Fatalf("ListenTCP: %v", err)
	}
	t.Cleanup(s.Close)
	return s, uint16(s.TCPAddr().(*net.TCPAddr).Port)
}

// connectClient creates a client on the given team, registers the
// given handlers, connects over TCP and waits until the broker reports
// at least one handshaken client on the team (for a team that already
// has a handshaken member this returns immediately).
func connectClient(t *testing.T, s *Server, port uint16, team string, handlers map[string]Handler) *Client {
	t.Helper()
	c := NewClient(wire.DefaultPreferences(team), testLogger())
	for messageType, handler := range handlers {
		c.AddHandler(messageType, handler)
	}
	if err := c.ConnectTCP("127.0.0.1", port); err != nil {
		t.Fatalf("ConnectTCP(%s): %v", team, err)
	}
	t.Cleanup(c.Disconnect)
	waitForHandshaken(t, s, team, 1)
	return c
}

// waitForHandshaken polls until at least n clients on the team have
// completed their handshake.
func waitForHandshaken(t *testing.T, s *Server, team string, n int) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for time.Now().Before(deadline) {
		count := 0
		for _, info := range s.Clients(team) {
			if info.Handshaken {
				count++
			}
		}
		if count >= n {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d handshaken clients on team %q", n, team)
}

// waitForClientCount polls until the broker's total client count
// (handshaken or not) reaches n.
func waitForClientCount(t *testing.T, s *Server, n int) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for time.Now().Before(deadline) {
		if len(s.Clients(wire.DestAll)) >= n {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d clients", n)
}

// envelopeSink returns a handler that forwards envelopes into the
// returned channel.
func envelopeSink() (chan wire.Envelope, Handler) {
	ch := make(chan wire.Envelope, 16)
	return ch, func(_ *Client, env wire.Envelope) { ch <- env }
}

// dialRaw opens a plain TCP connection to the broker for tests that
// speak the wire protocol by hand.
func dialRaw(t *testing.T, port uint16) net.Conn {
	t.Helper()
	address := net.JoinHostPort("127.0.0.1", strconv.FormatUint(uint64(port), 10))
	conn, err := net.DialTimeout("tcp", address, testTimeout)
	if err != nil {
		t.Fatalf("dialing broker: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// sendRaw writes an envelope frame on a raw connection.
func sendRaw(t *testing.T, conn net.Conn, env wire.Envelope, format wire.Format) {
	t.Helper()
	if err := wire.WriteFrame(conn, env, format); err != nil {
		t.Fatalf("writing frame: %v", err)
	}
}

// sendRawHeader writes a bare 5-byte frame header.
func sendRawHeader(t *testing.T, conn net.Conn, format byte, length uint32) {
	t.Helper()
	header := make([]byte, wire.HeaderLength)
	header[0] = format
	binary.LittleEndian.PutUint32(header[1:], length)
	if _, err := conn.Write(header); err != nil {
		t.Fatalf("writing header: %v", err)
	}
}

// readRawEnvelope reads one frame off a raw connection and decodes it.
func readRawEnvelope(t *testing.T, conn net.Conn) wire.Envelope {
	t.Helper()
	env, err := tryReadRawEnvelope(conn)
	if err != nil {
		t.Fatalf("reading frame: %v", err)
	}
	return env
}

func tryReadRawEnvelope(conn net.Conn) (wire.Envelope, error) {
	conn.SetReadDeadline(time.Now().Add(testTimeout))
	header := make([]byte, wire.HeaderLength)
	if _, err := io.ReadFull(conn, header); err != nil {
		return wire.Envelope{}, err
	}
	length := binary.LittleEndian.Uint32(header[1:])
	payload := make([]byte, length)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return wire.Envelope{}, err
	}
	return wire.Unmarshal(wire.Format(header[0]), payload)
}

// requireRawSilent asserts that no bytes arrive on the raw connection
// within the window.
func requireRawSilent(t *testing.T, conn net.Conn, window time.Duration) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(window))
	buf := make([]byte, 1)
	if n, err := conn.Read(buf); err == nil || n > 0 {
		t.Fatal("unexpected bytes on raw connection")
	}
	conn.SetReadDeadline(time.Time{})
}

// rawHandshake performs the client half of the handshake on a raw
// connection and drains the server's handshake envelope.
func rawHandshake(t *testing.T, conn net.Conn, team string, maxLength uint32) {
	t.Helper()
	sendRaw(t, conn, wire.Envelope{
		Type: wire.TypeHandshake,
		Content: map[string]any{
			"teamname":           team,
			"format":             int(wire.JSON),
			"version":            wire.CurrentVersion,
			"max-message-length": maxLength,
		},
	}, wire.JSON)

	env := readRawEnvelope(t, conn)
	if env.Type != wire.TypeHandshake {
		t.Fatalf("first server envelope = %q, want $$handshake", env.Type)
	}
}

// fakeClock is a convenience constructor for broker tests.
func fakeClock() *clock.FakeClock {
	return clock.Fake(testClockEpoch)
}
