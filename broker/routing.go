// Copyright 2026 The Buxtehude Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"github.com/buxtehude-foundation/buxtehude/validate"
	"github.com/buxtehude-foundation/buxtehude/wire"
)

// handleMessage is the routing engine. Every envelope from every
// transport funnels through here: the handshake gate first, then the
// availability control, then team dispatch. Callers do not hold mu.
func (s *Server) handleMessage(h *ClientHandle, env wire.Envelope) {
	if !h.isHandshaken() {
		if env.Type != wire.TypeHandshake ||
			!validate.Check(env.Content, wire.HandshakeServerRules) {
			h.disconnect("Failed handshake")
			return
		}
		content := env.Content.(map[string]any)
		h.adoptPreferences(content)
		s.logger.Debug("client handshake complete", "client", h)
		return
	}

	if env.Type == wire.TypeAvailable {
		if !validate.Check(env.Content, wire.AvailableRules) {
			h.errorReply("Incorrect format for $$available message")
			return
		}
		content := env.Content.(map[string]any)
		messageType, _ := content["type"].(string)
		available, _ := content["available"].(bool)
		h.setAvailable(messageType, available)
		// Fall through: an availability notice with a destination is
		// also forwarded like any other envelope.
	}

	if env.Dest == "" {
		return
	}

	env.Src = h.Team()

	if env.OnlyFirst {
		if dest := s.firstAvailable(env.Dest, env.Type, h); dest != nil {
			if dest.write(env) != nil {
				dest.disconnectNoWrite()
			}
		}
		return
	}

	for _, dest := range s.snapshotHandshaken(h) {
		team := dest.Team()
		if team != env.Dest && env.Dest != wire.DestAll {
			continue
		}
		if dest.write(env) != nil {
			dest.disconnectNoWrite()
		}
	}
}

// firstAvailable picks the only_first recipient: the first client — in
// connection order — on the destination team (or any team for $$all),
// excluding the sender, that is available for the message type. When
// every match has declared itself unavailable, the last match is
// returned anyway so the message is not dropped.
func (s *Server) firstAvailable(team, messageType string, exclude *ClientHandle) *ClientHandle {
	var fallback *ClientHandle
	for _, h := range s.snapshotHandshaken(exclude) {
		if h.Team() != team && team != wire.DestAll {
			continue
		}
		if h.available(messageType) {
			return h
		}
		fallback = h
	}
	return fallback
}
