// Copyright 2026 The Buxtehude Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/buxtehude-foundation/buxtehude/lib/clock"
	"github.com/buxtehude-foundation/buxtehude/wire"
)

// ServerConfig configures a broker. The zero value is usable: default
// message cap, the process default logger, and the real clock.
type ServerConfig struct {
	// MaxMessageLength caps the payload length the broker accepts on
	// any connection. Zero means wire.DefaultMaxMessageLength.
	MaxMessageLength uint32

	// Logger receives the broker's structured log output. Nil means
	// slog.Default().
	Logger *slog.Logger

	// Clock drives the handshake timeout and the error-reply rate
	// limit. Nil means the real clock; tests inject a fake.
	Clock clock.Clock
}

// ClientInfo is a snapshot of one connected peer, returned by
// Server.Clients.
type ClientInfo struct {
	Team       string
	Transport  Transport
	Handshaken bool
}

// Server is the broker: it accepts connections on up to three
// transports, gates each behind the handshake, and routes envelopes
// between teams.
type Server struct {
	logger           *slog.Logger
	clk              clock.Clock
	maxMessageLength uint32

	// mu guards the client list and the listener/lifecycle fields.
	// It is never held across a blocking write.
	mu           sync.Mutex
	clients      []*ClientHandle
	unixListener net.Listener
	unixPath     string
	tcpListener  net.Listener
	internalUp   bool
	started      bool
	closed       bool

	// internalMu guards the pending in-process delivery queue.
	internalMu    sync.Mutex
	internalQueue []internalDelivery
	internalWake  chan struct{}

	shutdown chan struct{}
	wg       sync.WaitGroup
}

type internalDelivery struct {
	from *Client
	env  wire.Envelope
}

// NewServer creates a broker. Call one or more of ListenUnix,
// ListenTCP and ListenInternal to accept clients, and Close to shut
// down.
func NewServer(config ServerConfig) *Server {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	maxLength := config.MaxMessageLength
	if maxLength == 0 {
		maxLength = wire.DefaultMaxMessageLength
	}
	return &Server{
		logger:           logger,
		clk:              clk,
		maxMessageLength: maxLength,
		internalWake:     make(chan struct{}, 1),
		shutdown:         make(chan struct{}),
	}
}

// ListenUnix starts accepting connections on a Unix socket at path.
// A stale socket file at the path is removed first; the file is
// removed again on Close. Idempotent while the listener is up.
func (s *Server) ListenUnix(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return &ListenError{Kind: ListenClosed, Transport: TransportUnix}
	}
	if s.unixListener != nil {
		return nil
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return &ListenError{Kind: ListenBind, Transport: TransportUnix,
			Err: fmt.Errorf("removing stale socket: %w", err)}
	}
	listener, err := net.Listen("unix", path)
	if err != nil {
		s.logger.Warn("failed to listen on unix socket", "path", path, "error", err)
		return &ListenError{Kind: ListenBind, Transport: TransportUnix, Err: err}
	}
	s.unixListener = listener
	s.unixPath = path
	s.startLocked()

	s.wg.Add(1)
	go s.acceptLoop(listener, TransportUnix)

	s.logger.Debug("listening on unix socket", "path", path)
	return nil
}

// ListenTCP starts accepting connections on the any-address at the
// given TCP port. Idempotent while the listener is up.
func (s *Server) ListenTCP(port uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return &ListenError{Kind: ListenClosed, Transport: TransportTCP}
	}
	if s.tcpListener != nil {
		return nil
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		s.logger.Warn("failed to listen on tcp port", "port", port, "error", err)
		return &ListenError{Kind: ListenBind, Transport: TransportTCP, Err: err}
	}
	s.tcpListener = listener
	s.startLocked()

	s.wg.Add(1)
	go s.acceptLoop(listener, TransportTCP)

	s.logger.Debug("listening on tcp port", "port", port)
	return nil
}

// TCPAddr returns the address of the TCP listener, or nil when
// ListenTCP has not been called. Useful with port 0 in tests.
func (s *Server) TCPAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tcpListener == nil {
		return nil
	}
	return s.tcpListener.Addr()
}

// ListenInternal enables the in-process transport so co-resident
// clients can attach with ConnectInternal. Idempotent.
func (s *Server) ListenInternal() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return &ListenError{Kind: ListenClosed, Transport: TransportInProcess}
	}
	s.internalUp = true
	s.startLocked()
	return nil
}

// startLocked launches the internal dispatch goroutine on the first
// successful Listen call. Caller holds mu.
func (s *Server) startLocked() {
	if s.started {
		return
	}
	s.started = true
	s.wg.Add(1)
	go s.dispatchLoop()
}

// Close shuts the broker down: stops the listeners, disconnects every
// client with a "Shutting down server" notice, drains the goroutines
// and removes the Unix socket file. Idempotent.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.internalUp = false
	unixListener := s.unixListener
	unixPath := s.unixPath
	tcpListener := s.tcpListener
	handles := make([]*ClientHandle, len(s.clients))
	copy(handles, s.clients)
	s.clients = nil
	started := s.started
	s.mu.Unlock()

	s.logger.Debug("shutting down server")
	if started {
		close(s.shutdown)
	}
	if unixListener != nil {
		unixListener.Close()
	}
	if tcpListener != nil {
		tcpListener.Close()
	}

	for _, h := range handles {
		h.disconnect("Shutting down server")
	}

	s.wg.Wait()

	if unixPath != "" {
		os.Remove(unixPath)
	}
}

// Broadcast sends the envelope to every connected, handshaken client.
// A failed delivery disconnects that client and does not abort the
// fan-out.
func (s *Server) Broadcast(env wire.Envelope) {
	for _, h := range s.snapshotHandshaken(nil) {
		if h.write(env) != nil {
			h.disconnectNoWrite()
		}
	}
}

// Clients returns a snapshot of the connected peers on the given team.
// Team wire.DestAll (or the empty string) selects every peer.
func (s *Server) Clients(team string) []ClientInfo {
	s.mu.Lock()
	handles := make([]*ClientHandle, len(s.clients))
	copy(handles, s.clients)
	s.mu.Unlock()

	var infos []ClientInfo
	for _, h := range handles {
		info := h.Info()
		if team == "" || team == wire.DestAll || info.Team == team {
			infos = append(infos, info)
		}
	}
	return infos
}

// acceptLoop accepts connections on one listener until it closes.
func (s *Server) acceptLoop(listener net.Listener, transport Transport) {
	defer s.wg.Done()
	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("accept failed", "transport", transport.String(), "error", err)
			continue
		}
		s.addConnection(conn, transport)
	}
}

// addConnection wires an accepted socket: construct the handle, add it
// to the client list, arm the handshake timeout, send the server
// handshake and start the reader. A handshake that has not completed
// within wire.HandshakeTimeout disconnects the peer.
func (s *Server) addConnection(conn net.Conn, transport Transport) {
	h := newSocketHandle(s, transport, conn)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.clients = append(s.clients, h)
	s.mu.Unlock()

	s.logger.Debug("new client connected", "transport", transport.String(),
		"remote", conn.RemoteAddr())

	// Arm the timeout before the handshake write: a peer that saw our
	// handshake is always under the timer.
	stop := s.clk.AfterFunc(wire.HandshakeTimeout, func() {
		if !h.isHandshaken() {
			h.disconnect("Failed handshake")
		}
	})
	h.mu.Lock()
	h.stopTimer = stop
	h.mu.Unlock()

	if err := h.sendHandshake(); err != nil {
		h.disconnectNoWrite()
	}

	s.wg.Add(1)
	go s.serveConn(h)
}

// serveConn is the per-connection reader. Each completed envelope is
// routed before the next read, which preserves per-sender delivery
// order. When the connection ends the handle is removed and its
// departure broadcast.
func (s *Server) serveConn(h *ClientHandle) {
	defer s.wg.Done()
	for h.isConnected() {
		env, err := h.read()
		if err == nil {
			s.handleMessage(h, env)
		} else {
			var readErr *ReadError
			if errors.As(err, &readErr) && readErr.Kind == ReadConnection {
				h.disconnectNoWrite()
				break
			}
		}
	}
	s.removeHandle(h)
}

// removeHandle takes the handle out of the client list and broadcasts
// a $$disconnect notice naming the departed team. The notice is sent
// after removal, so no recipient can observe the departed peer in a
// Clients snapshot afterwards.
func (s *Server) removeHandle(h *ClientHandle) {
	s.mu.Lock()
	index := -1
	for i, g := range s.clients {
		if g == h {
			index = i
			break
		}
	}
	if index == -1 {
		s.mu.Unlock()
		return
	}
	s.clients = append(s.clients[:index], s.clients[index+1:]...)
	s.mu.Unlock()

	h.disconnectNoWrite()

	notice := wire.Envelope{
		Type:    wire.TypeDisconnect,
		Content: map[string]any{"who": h.Team()},
	}
	for _, dest := range s.snapshotHandshaken(nil) {
		if dest.write(notice) != nil {
			dest.disconnectNoWrite()
		}
	}
}

// snapshotHandshaken returns the connected, handshaken handles,
// excluding the given one. Callers deliver to the snapshot without
// holding mu.
func (s *Server) snapshotHandshaken(exclude *ClientHandle) []*ClientHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	var handles []*ClientHandle
	for _, h := range s.clients {
		if h == exclude {
			continue
		}
		if h.isConnected() && h.isHandshaken() {
			handles = append(handles, h)
		}
	}
	return handles
}
