// Copyright 2026 The Buxtehude Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Frame header layout. The header is two fields: a format byte and a
// payload length. The length is fixed little-endian on the wire. (The
// C implementation this protocol descends from wrote the host integer
// bytes verbatim; this implementation pins the byte order so that
// peers on different architectures agree.)
const (
	// FormatLength is the size of the header's format field.
	FormatLength = 1
	// LengthLength is the size of the header's payload-length field.
	LengthLength = 4
	// HeaderLength is the total frame header size.
	HeaderLength = FormatLength + LengthLength
)

// WriteFrame encodes the envelope in the given format and writes the
// complete frame — header then payload — to w in a single Write call,
// so concurrent writers on the same connection cannot interleave
// partial frames.
func WriteFrame(w io.Writer, env Envelope, f Format) error {
	payload, err := Marshal(f, env)
	if err != nil {
		return err
	}

	frame := make([]byte, HeaderLength+len(payload))
	frame[0] = byte(f)
	binary.LittleEndian.PutUint32(frame[FormatLength:HeaderLength], uint32(len(payload)))
	copy(frame[HeaderLength:], payload)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("wire: writing frame: %w", err)
	}
	return nil
}
