// Copyright 2026 The Buxtehude Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"errors"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/buxtehude-foundation/buxtehude/stream"
	"github.com/buxtehude-foundation/buxtehude/validate"
	"github.com/buxtehude-foundation/buxtehude/wire"
)

// Handler processes one received envelope. Handlers run on the
// client's reader goroutine (or, for in-process clients, on a broker
// goroutine): they must not block for long, and a handler that calls
// Disconnect gets a teardown that does not wait for itself.
type Handler func(*Client, wire.Envelope)

// Client is the user-facing endpoint. It connects to a broker over
// one of three transports, joins the team named in its preferences,
// and dispatches received envelopes to handlers registered by type.
//
// Register handlers before connecting: the reader starts as soon as
// the connection is up.
type Client struct {
	logger *slog.Logger
	// prefs is written once at construction and read-only afterwards.
	prefs wire.Preferences

	mu         sync.Mutex
	connected  bool
	transport  Transport
	conn       net.Conn
	str        *stream.Stream
	server     *Server
	handlers   map[string]Handler
	readerDone chan struct{}

	// wmu serializes frame writes so concurrent Write calls cannot
	// interleave partial frames.
	wmu sync.Mutex

	// inHandler is set around handler dispatch; Disconnect consults it
	// to avoid joining the reader goroutine from within a handler.
	inHandler atomic.Bool
}

// NewClient creates a client with the given preferences. A zero
// MaxMessageLength means wire.DefaultMaxMessageLength. A nil logger
// means slog.Default().
func NewClient(prefs wire.Preferences, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if prefs.MaxMessageLength == 0 {
		prefs.MaxMessageLength = wire.DefaultMaxMessageLength
	}
	return &Client{
		logger:   logger,
		prefs:    prefs,
		handlers: make(map[string]Handler),
	}
}

// Preferences returns the client's connection preferences.
func (c *Client) Preferences() wire.Preferences { return c.prefs }

// ConnectTCP connects to a broker at the given host and TCP port.
func (c *Client) ConnectTCP(host string, port uint16) error {
	address := net.JoinHostPort(host, strconv.FormatUint(uint64(port), 10))
	return c.connectSocket(TransportTCP, func() (net.Conn, error) {
		return net.Dial("tcp", address)
	})
}

// ConnectUnix connects to a broker's Unix socket at path.
func (c *Client) ConnectUnix(path string) error {
	return c.connectSocket(TransportUnix, func() (net.Conn, error) {
		return net.Dial("unix", path)
	})
}

// ConnectInternal attaches to a co-resident broker in-process. The
// broker must have called ListenInternal. No bytes are produced:
// envelopes pass between the two by direct call.
func (c *Client) ConnectInternal(s *Server) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return &ConnectError{Kind: ConnectAlreadyConnected}
	}
	c.connected = true
	c.transport = TransportInProcess
	c.server = s
	c.primeDefaultHandlersLocked()
	c.mu.Unlock()

	if !s.internalEnabled() {
		c.mu.Lock()
		c.connected = false
		c.server = nil
		c.mu.Unlock()
		return &ConnectError{Kind: ConnectUnavailable}
	}

	s.internalAddClient(c)
	s.internalDeliverFrom(c, c.handshakeEnvelope())
	return nil
}

// connectSocket performs the shared socket connect path: dial, prime
// the header pipeline, send the client handshake and start the reader.
func (c *Client) connectSocket(transport Transport, dial func() (net.Conn, error)) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return &ConnectError{Kind: ConnectAlreadyConnected}
	}
	c.connected = true
	c.mu.Unlock()

	conn, err := dial()
	if err != nil {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
		kind := ConnectDial
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) {
			kind = ConnectResolve
		}
		c.logger.Warn("failed to connect", "transport", transport.String(), "error", err)
		return &ConnectError{Kind: kind, Err: err}
	}

	str := stream.New(conn)
	str.Await(wire.FormatLength).Await(wire.LengthLength).
		Then(func(s *stream.Stream, f *stream.Field) {
			format := wire.Format(s.At(-1).Uint8())
			if !format.Valid() {
				s.Reset()
				c.logger.Warn("invalid message format from server")
				return
			}
			length := f.Uint32()
			if length > c.prefs.MaxMessageLength {
				s.Reset()
				c.logger.Warn("oversize message from server", "length", length)
				return
			}
			s.Await(int(length))
		})

	done := make(chan struct{})
	c.mu.Lock()
	c.transport = transport
	c.conn = conn
	c.str = str
	c.readerDone = done
	c.primeDefaultHandlersLocked()
	c.mu.Unlock()

	if err := c.writeFrame(c.handshakeEnvelope()); err != nil {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
		conn.Close()
		return &ConnectError{Kind: ConnectWrite, Err: err}
	}

	go c.readLoop(done)
	return nil
}

// handshakeEnvelope is the first envelope the client sends.
func (c *Client) handshakeEnvelope() wire.Envelope {
	return wire.Envelope{
		Type: wire.TypeHandshake,
		Content: map[string]any{
			"format":             int(c.prefs.Format),
			"teamname":           c.prefs.Teamname,
			"version":            wire.CurrentVersion,
			"max-message-length": c.prefs.MaxMessageLength,
		},
	}
}

// primeDefaultHandlersLocked installs the protocol handlers: a
// $$handshake handler that validates the server's version and erases
// itself on success (so a second handshake is an unknown type), and a
// $$error handler that logs the server's text. Caller holds mu.
func (c *Client) primeDefaultHandlersLocked() {
	c.handlers[wire.TypeHandshake] = func(c *Client, env wire.Envelope) {
		if !validate.Check(env.Content, wire.HandshakeClientRules) {
			c.logger.Warn("rejected server handshake, disconnecting")
			c.Disconnect()
			return
		}
		c.EraseHandler(wire.TypeHandshake)
	}
	c.handlers[wire.TypeError] = func(c *Client, env wire.Envelope) {
		if !validate.Check(env.Content, wire.ServerMessageRules) {
			c.logger.Warn("erroneous server message")
			return
		}
		c.logger.Info("error message from server", "text", env.Content)
	}
}

// Write sends an envelope to the broker. A socket write failure tears
// the connection down and returns a *WriteError; in-process writes
// enqueue on the broker and cannot fail.
func (c *Client) Write(env wire.Envelope) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return &WriteError{}
	}
	transport := c.transport
	server := c.server
	c.mu.Unlock()

	if transport == TransportInProcess {
		server.internalDeliverFrom(c, env)
		return nil
	}

	if err := c.writeFrame(env); err != nil {
		c.logger.Warn("failed to write, closing connection", "error", err)
		c.Disconnect()
		return &WriteError{Err: err}
	}
	return nil
}

func (c *Client) writeFrame(env wire.Envelope) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("no connection")
	}
	return wire.WriteFrame(conn, env, c.prefs.Format)
}

// SetAvailable declares whether this client should be preferred for
// only_first routing of the given message type.
func (c *Client) SetAvailable(messageType string, available bool) error {
	return c.Write(wire.Envelope{
		Type: wire.TypeAvailable,
		Content: map[string]any{
			"type":      messageType,
			"available": available,
		},
	})
}

// AddHandler registers a handler for the given envelope type,
// replacing any previous one. Register handlers before connecting:
// envelopes arriving for an unregistered type are dropped.
func (c *Client) AddHandler(messageType string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[messageType] = h
}

// EraseHandler removes the handler for the given envelope type.
func (c *Client) EraseHandler(messageType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, messageType)
}

// ClearHandlers removes every registered handler.
func (c *Client) ClearHandlers() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.handlers)
}

// Disconnect tears the connection down. Idempotent. For socket
// transports it closes the connection and waits for the reader
// goroutine to exit, unless called from a handler running on that
// goroutine. For in-process transport it detaches from the broker,
// which broadcasts the departure.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	c.connected = false
	transport := c.transport
	conn := c.conn
	server := c.server
	done := c.readerDone
	c.server = nil
	c.mu.Unlock()

	c.logger.Debug("closing client")

	if transport == TransportInProcess {
		if server != nil {
			server.internalRemoveClient(c)
		}
		return
	}

	if conn != nil {
		conn.Close()
	}
	if done != nil && !c.inHandler.Load() {
		<-done
	}
}

func (c *Client) isConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// readLoop pumps the stream until the transport ends or the client
// disconnects. Runs on its own goroutine; owns consume and dispatch.
func (c *Client) readLoop(done chan struct{}) {
	defer close(done)
	for {
		complete := c.str.Read()
		if complete {
			c.consume()
		}
		if c.str.Status() == stream.EOF {
			c.teardownFromReader()
			return
		}
		if !c.isConnected() {
			return
		}
	}
}

// teardownFromReader closes the connection after the reader observed
// EOF. It must not wait for the reader goroutine — it is the reader.
func (c *Client) teardownFromReader() {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	c.connected = false
	conn := c.conn
	c.mu.Unlock()

	c.logger.Debug("connection closed by server")
	if conn != nil {
		conn.Close()
	}
}

// consume decodes the completed frame and dispatches it, recycling the
// body field for the next message.
func (c *Client) consume() {
	format := wire.Format(c.str.At(0).Uint8())
	body := c.str.At(2)
	env, err := wire.Unmarshal(format, body.Bytes())
	c.str.Delete(body)
	c.str.Reset()
	if err != nil {
		c.logger.Warn("error parsing message", "error", err)
		return
	}
	c.dispatch(env)
}

// deliver is the in-process delivery callback invoked by the broker.
func (c *Client) deliver(env wire.Envelope) {
	c.dispatch(env)
}

// internalDetach clears the client side of an in-process link after
// the broker has dropped its handle. It does not call back into the
// broker.
func (c *Client) internalDetach() {
	c.mu.Lock()
	if !c.connected || c.transport != TransportInProcess {
		c.mu.Unlock()
		return
	}
	c.connected = false
	c.server = nil
	c.mu.Unlock()
	c.logger.Debug("detached from broker")
}

// dispatch routes one envelope to its registered handler. No handler
// runs after Disconnect has marked the client down.
func (c *Client) dispatch(env wire.Envelope) {
	if env.Type == "" {
		c.logger.Warn("received message with no type")
		return
	}

	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	handler, ok := c.handlers[env.Type]
	c.mu.Unlock()
	if !ok {
		c.logger.Warn("no handler for message type", "type", env.Type)
		return
	}

	c.inHandler.Store(true)
	handler(c, env)
	c.inHandler.Store(false)
}
