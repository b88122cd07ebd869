// Copyright 2026 The Buxtehude Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/buxtehude-foundation/buxtehude/stream"
	"github.com/buxtehude-foundation/buxtehude/validate"
	"github.com/buxtehude-foundation/buxtehude/wire"
)

// Transport identifies how a peer is connected to the broker.
type Transport int

const (
	// TransportUnix is a local byte-stream socket.
	TransportUnix Transport = iota
	// TransportTCP is an internet socket.
	TransportTCP
	// TransportInProcess is a direct in-process linkage; no bytes are
	// produced.
	TransportInProcess
)

func (t Transport) String() string {
	switch t {
	case TransportUnix:
		return "unix"
	case TransportTCP:
		return "tcp"
	case TransportInProcess:
		return "in-process"
	default:
		return "unknown"
	}
}

// writeTimeout bounds a single frame write to a peer. A peer that
// cannot drain a frame within this window is treated as failed and
// disconnected.
const writeTimeout = 10 * time.Second

// ClientHandle is the broker-side record of one connected peer. For
// socket transports it owns the connection and its incremental reader;
// for the in-process transport it holds a direct reference to the peer
// Client instead.
//
// Per-handle state (preferences, availability, handshake flag, error
// timestamp) is guarded by mu. Handles are created by the accept and
// internal-attach paths and destroyed when their reader observes EOF,
// a write to the peer fails, or the server closes.
type ClientHandle struct {
	srv       *Server
	transport Transport

	// conn and str are set for socket transports only.
	conn net.Conn
	str  *stream.Stream

	// peer is set for the in-process transport only.
	peer *Client

	mu          sync.Mutex
	prefs       wire.Preferences
	unavailable map[string]struct{}
	lastError   time.Time
	handshaken  bool
	connected   bool
	stopTimer   func() bool
}

// newSocketHandle wraps an accepted connection. The handle's stream is
// primed with the two-field header pipeline: the continuation rejects
// unknown formats and oversize lengths (resetting the reader and
// replying with a rate-limited $$error), and otherwise awaits the
// payload as a third field.
func newSocketHandle(srv *Server, transport Transport, conn net.Conn) *ClientHandle {
	h := &ClientHandle{
		srv:         srv,
		transport:   transport,
		conn:        conn,
		str:         stream.New(conn),
		unavailable: make(map[string]struct{}),
		prefs: wire.Preferences{
			Teamname:         wire.TeamUnauthorised,
			Format:           wire.Msgpack,
			MaxMessageLength: srv.maxMessageLength,
		},
		connected: true,
	}

	h.str.Await(wire.FormatLength).Await(wire.LengthLength).
		Then(func(s *stream.Stream, f *stream.Field) {
			format := wire.Format(s.At(-1).Uint8())
			if !format.Valid() {
				s.Reset()
				h.errorReply("Invalid message type!")
				return
			}
			length := f.Uint32()
			if length > srv.maxMessageLength {
				s.Reset()
				h.errorReply("Buffer size too big!")
				return
			}
			s.Await(int(length))
		})

	return h
}

// newInternalHandle wraps an in-process peer. The handle starts
// unauthorised like any other: the peer's handshake envelope arrives
// through the internal delivery queue and passes the same gate.
func newInternalHandle(srv *Server, peer *Client) *ClientHandle {
	return &ClientHandle{
		srv:         srv,
		transport:   TransportInProcess,
		peer:        peer,
		unavailable: make(map[string]struct{}),
		prefs: wire.Preferences{
			Teamname:         wire.TeamUnauthorised,
			MaxMessageLength: srv.maxMessageLength,
		},
		connected: true,
	}
}

// Team returns the handle's team name: the handshake teamname, or
// $$unauthorised before the handshake completes.
func (h *ClientHandle) Team() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.prefs.Teamname
}

// Info returns a snapshot of the handle for Server.Clients.
func (h *ClientHandle) Info() ClientInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	return ClientInfo{
		Team:       h.prefs.Teamname,
		Transport:  h.transport,
		Handshaken: h.handshaken,
	}
}

func (h *ClientHandle) isConnected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connected
}

func (h *ClientHandle) isHandshaken() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.handshaken
}

// available reports whether the peer accepts only_first deliveries of
// the given type.
func (h *ClientHandle) available(messageType string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, unavailable := h.unavailable[messageType]
	return !unavailable
}

// setAvailable mutates the handle's unavailable-set.
func (h *ClientHandle) setAvailable(messageType string, available bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if available {
		delete(h.unavailable, messageType)
	} else {
		h.unavailable[messageType] = struct{}{}
	}
}

// adoptPreferences applies a validated handshake content and marks the
// handle handshaken. Preferences are written once here and only read
// afterwards.
func (h *ClientHandle) adoptPreferences(content map[string]any) {
	teamname, _ := content["teamname"].(string)
	format, _ := validate.Number(content["format"])
	maxLength, _ := validate.Number(content["max-message-length"])

	h.mu.Lock()
	defer h.mu.Unlock()
	h.prefs.Teamname = teamname
	h.prefs.Format = wire.Format(format)
	h.prefs.MaxMessageLength = uint32(maxLength)
	h.handshaken = true
}

// sendHandshake sends the server's side of the handshake.
func (h *ClientHandle) sendHandshake() error {
	return h.write(wire.Envelope{
		Type:    wire.TypeHandshake,
		Content: map[string]any{"version": wire.CurrentVersion},
	})
}

// write delivers an envelope to the peer. Socket transports encode in
// the peer's negotiated format under a write deadline; the in-process
// transport invokes the peer's delivery callback directly. The
// handle's mutex is not held while an in-process peer runs its
// handlers.
func (h *ClientHandle) write(env wire.Envelope) error {
	h.mu.Lock()
	if !h.connected {
		h.mu.Unlock()
		return &WriteError{}
	}

	if h.transport == TransportInProcess {
		peer := h.peer
		h.mu.Unlock()
		peer.deliver(env)
		return nil
	}

	format := h.prefs.Format
	// Deadline from the real clock: the injected clock models protocol
	// time (rate limits, handshake expiry), not kernel I/O deadlines.
	h.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err := wire.WriteFrame(h.conn, env, format)
	h.mu.Unlock()
	if err != nil {
		return &WriteError{Err: err}
	}
	return nil
}

// errorReply sends a $$error envelope to the peer, rate-limited to one
// per second of wall-clock time. An error to a peer that has not
// completed its handshake, or whose error write fails, disconnects it.
func (h *ClientHandle) errorReply(text string) {
	h.mu.Lock()
	now := h.srv.clk.Now()
	if now.Sub(h.lastError) < time.Second {
		h.mu.Unlock()
		return
	}
	h.lastError = now
	handshaken := h.handshaken
	h.mu.Unlock()

	err := h.write(wire.Envelope{Type: wire.TypeError, Content: text})
	if !handshaken || err != nil {
		h.disconnect("Failed handshake")
	}
}

// disconnect sends a $$disconnect notice naming the reason, then tears
// the connection down. The notice write is best-effort: a peer that is
// already gone cannot receive it.
func (h *ClientHandle) disconnect(reason string) {
	if !h.isConnected() {
		return
	}
	h.write(wire.Envelope{
		Type:    wire.TypeDisconnect,
		Content: map[string]any{"reason": reason, "who": wire.DestYou},
	})
	h.disconnectNoWrite()
}

// disconnectNoWrite tears the connection down without attempting
// another write. Used directly when a write has already failed.
func (h *ClientHandle) disconnectNoWrite() {
	h.mu.Lock()
	if !h.connected {
		h.mu.Unlock()
		return
	}
	h.connected = false
	team := h.prefs.Teamname
	conn := h.conn
	peer := h.peer
	stopTimer := h.stopTimer
	h.stopTimer = nil
	h.mu.Unlock()

	if stopTimer != nil {
		stopTimer()
	}
	if conn != nil {
		conn.Close()
	}
	if peer != nil {
		peer.internalDetach()
	}
	h.srv.logger.Debug("disconnecting client", "team", team, "transport", h.transport.String())
}

// read pumps the handle's stream once. It returns a decoded envelope,
// or a ReadError: incomplete when the frame needs more bytes,
// connection when the transport ended, parse when the payload failed
// to decode (the peer gets a $$error and the reader resets; subsequent
// frames are still processed).
func (h *ClientHandle) read() (wire.Envelope, error) {
	if !h.str.Read() {
		if h.str.Status() == stream.EOF {
			return wire.Envelope{}, &ReadError{Kind: ReadConnection}
		}
		return wire.Envelope{}, &ReadError{Kind: ReadIncomplete}
	}

	format := wire.Format(h.str.At(0).Uint8())
	body := h.str.At(2)
	env, err := wire.Unmarshal(format, body.Bytes())
	h.str.Delete(body)
	h.str.Reset()
	if err != nil {
		text := fmt.Sprintf("Error parsing message from %s: %v", h.Team(), err)
		h.srv.logger.Warn("parse failure", "team", h.Team(), "error", err)
		h.errorReply(text)
		return wire.Envelope{}, &ReadError{Kind: ReadParse, Err: err}
	}
	return env, nil
}

// LogValue implements slog.LogValuer so handles render compactly in
// structured logs.
func (h *ClientHandle) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("team", h.Team()),
		slog.String("transport", h.transport.String()),
	)
}
