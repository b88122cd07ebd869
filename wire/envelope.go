// Copyright 2026 The Buxtehude Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import "time"

// Format identifies the payload encoding of a frame.
type Format uint8

const (
	// JSON encodes payloads as UTF-8 JSON text.
	JSON Format = 0
	// Msgpack encodes payloads as MessagePack bytes.
	Msgpack Format = 1
)

// Valid reports whether f is one of the two recognized wire formats.
// Frames carrying any other format byte are rejected before the
// payload is read.
func (f Format) Valid() bool {
	return f == JSON || f == Msgpack
}

func (f Format) String() string {
	switch f {
	case JSON:
		return "json"
	case Msgpack:
		return "msgpack"
	default:
		return "invalid"
	}
}

// Reserved message types. A $$-prefixed type is produced and consumed
// by the library itself; user handlers may observe some of them (for
// example $$disconnect) but must not send them.
const (
	TypeHandshake  = "$$handshake"
	TypeError      = "$$error"
	TypeDisconnect = "$$disconnect"
	TypeAvailable  = "$$available"
	TypeInfo       = "$$info"
	TypeSubscribe  = "$$subscribe"
)

// Reserved destination and identity tokens.
const (
	// DestAll addresses every connected client regardless of team.
	DestAll = "$$all"
	// DestYou names the recipient itself, used in server-originated
	// $$disconnect notices.
	DestYou = "$$you"
	// DestServer names the broker itself.
	DestServer = "$$server"
	// TeamUnauthorised is the placeholder team of a connection that
	// has not completed its handshake.
	TeamUnauthorised = "$$unauthorised"
)

// Protocol version constants. Each side rejects a handshake whose
// version field is below its own minimum.
const (
	CurrentVersion    = 0
	MinimumCompatible = 0
)

// Transport defaults.
const (
	// DefaultPort is the broker's TCP port.
	DefaultPort = 1637
	// DefaultUnixPath is the filesystem path of the broker's Unix
	// socket.
	DefaultUnixPath = "buxtehude_unix"
	// DefaultMaxMessageLength caps the payload length a receiver will
	// accept. A frame whose length header exceeds the cap is never
	// decoded.
	DefaultMaxMessageLength = 128 * 1024
	// HandshakeTimeout is how long the broker waits for an accepted
	// peer's handshake before disconnecting it. Clients apply no
	// handshake timeout of their own.
	HandshakeTimeout = 60 * time.Second
)

// Envelope is the routable message unit. Type is mandatory; Src and
// Dest are team names. The broker stamps Src with the sender's team
// before forwarding, so a forwarded envelope always names its origin.
type Envelope struct {
	// Type tags the envelope for handler dispatch. Non-empty.
	Type string `json:"type" msgpack:"type"`

	// Src is the sending team. Stamped by the broker on routed
	// messages; empty on envelopes the broker itself originates.
	Src string `json:"src,omitempty" msgpack:"src,omitempty"`

	// Dest is the destination team, DestAll, or empty. An empty Dest
	// means the envelope is a control message for the broker and is
	// never forwarded.
	Dest string `json:"dest,omitempty" msgpack:"dest,omitempty"`

	// OnlyFirst requests delivery to a single available member of the
	// destination team instead of every member.
	OnlyFirst bool `json:"only_first" msgpack:"only_first"`

	// Content is the payload: any value the codec can represent.
	Content any `json:"content,omitempty" msgpack:"content,omitempty"`
}

// Preferences carries a client's negotiated connection parameters.
// The client sends them in its handshake; the broker adopts them for
// the corresponding handle when the handshake validates.
type Preferences struct {
	// Teamname is the routing group the client joins. Non-empty.
	Teamname string

	// Format is the payload encoding the client wants to receive.
	Format Format

	// MaxMessageLength is the largest payload the client will accept.
	MaxMessageLength uint32
}

// DefaultPreferences returns the preferences a client uses unless
// configured otherwise: MessagePack payloads and the default length
// cap.
func DefaultPreferences(teamname string) Preferences {
	return Preferences{
		Teamname:         teamname,
		Format:           Msgpack,
		MaxMessageLength: DefaultMaxMessageLength,
	}
}
