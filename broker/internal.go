// Copyright 2026 The Buxtehude Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import "github.com/buxtehude-foundation/buxtehude/wire"

// In-process transport. An attached Client and the broker exchange
// envelopes by direct call: broker→client writes invoke the client's
// delivery callback, client→broker writes append to a pending queue
// and signal the dispatch loop. Draining through a single goroutine
// gives in-process senders the same serialized, in-order treatment as
// socket readers, and keeps client handlers off the sender's
// goroutine for its own echoes.

// internalEnabled reports whether ListenInternal has been called.
func (s *Server) internalEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.internalUp && !s.closed
}

// internalAddClient attaches a co-resident client. The new handle is
// unauthorised until the client's handshake envelope clears the gate,
// exactly like a socket connection. The server's handshake is
// delivered to the client directly.
func (s *Server) internalAddClient(c *Client) {
	h := newInternalHandle(s, c)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		c.internalDetach()
		return
	}
	s.clients = append(s.clients, h)
	s.mu.Unlock()

	s.logger.Debug("new client connected", "transport", TransportInProcess.String())

	if h.sendHandshake() != nil {
		h.disconnectNoWrite()
	}
}

// internalRemoveClient detaches a co-resident client: its handle is
// removed from the client list and the departure broadcast, the same
// as a socket peer reaching EOF.
func (s *Server) internalRemoveClient(c *Client) {
	s.mu.Lock()
	var h *ClientHandle
	for _, g := range s.clients {
		if g.peer == c {
			h = g
			break
		}
	}
	s.mu.Unlock()
	if h == nil {
		return
	}
	s.removeHandle(h)
}

// internalDeliverFrom queues an envelope written by an attached
// client and wakes the dispatch loop. Called on the client's
// goroutine; never blocks on routing.
func (s *Server) internalDeliverFrom(c *Client, env wire.Envelope) {
	s.internalMu.Lock()
	s.internalQueue = append(s.internalQueue, internalDelivery{from: c, env: env})
	s.internalMu.Unlock()

	select {
	case s.internalWake <- struct{}{}:
	default:
	}
}

// dispatchLoop drains the in-process queue, dispatching each entry
// through the same handleMessage path as socket traffic. It runs from
// the first successful Listen call until Close.
func (s *Server) dispatchLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.internalWake:
			s.drainInternal()
		case <-s.shutdown:
			return
		}
	}
}

func (s *Server) drainInternal() {
	for {
		s.internalMu.Lock()
		queue := s.internalQueue
		s.internalQueue = nil
		s.internalMu.Unlock()
		if len(queue) == 0 {
			return
		}

		for _, delivery := range queue {
			s.mu.Lock()
			var h *ClientHandle
			for _, g := range s.clients {
				if g.peer == delivery.from {
					h = g
					break
				}
			}
			s.mu.Unlock()
			if h == nil {
				continue
			}
			s.handleMessage(h, delivery.env)
		}
	}
}
