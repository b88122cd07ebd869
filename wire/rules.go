// Copyright 2026 The Buxtehude Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import "github.com/buxtehude-foundation/buxtehude/validate"

// Validation rule series applied at protocol boundaries. Defined here,
// next to the envelope, so broker and client validate the same shapes.
var (
	// HandshakeServerRules is applied by the broker to a client's
	// $$handshake content.
	HandshakeServerRules = []validate.Rule{
		{Path: "/teamname", Pred: validate.NotEmpty},
		{Path: "/format", Pred: validate.Matches(int64(JSON), int64(Msgpack))},
		{Path: "/max-message-length", Pred: validate.IsNumber},
		{Path: "/version", Pred: validate.GreaterEq(MinimumCompatible)},
	}

	// HandshakeClientRules is applied by a client to the broker's
	// $$handshake content.
	HandshakeClientRules = []validate.Rule{
		{Path: "/version", Pred: validate.GreaterEq(MinimumCompatible)},
	}

	// AvailableRules is applied by the broker to $$available content.
	AvailableRules = []validate.Rule{
		{Path: "/type", Pred: validate.NotEmpty},
		{Path: "/available", Pred: validate.IsBool},
	}

	// ServerMessageRules is applied by a client to server-originated
	// $$error content: a bare non-empty string.
	ServerMessageRules = []validate.Rule{
		{Path: "", Pred: validate.NotEmpty},
	}
)
