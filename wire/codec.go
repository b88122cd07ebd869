// Copyright 2026 The Buxtehude Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// ParseError reports that a payload could not be decoded in its
// declared format. The connection survives a parse error: the reader
// resets, and the broker sends the offending peer a $$error notice
// (a client only logs it).
type ParseError struct {
	Format Format
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("wire: parsing %s payload: %v", e.Format, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Marshal encodes the envelope in the given format. Unset optional
// fields (src, dest, content) are omitted; type and only_first always
// encode.
func Marshal(f Format, env Envelope) ([]byte, error) {
	switch f {
	case Msgpack:
		// The msgpack omitempty tag would also drop zero-valued content
		// (0, false, ""), so the object is assembled here with content
		// omitted only when nil.
		object := map[string]any{"type": env.Type, "only_first": env.OnlyFirst}
		if env.Src != "" {
			object["src"] = env.Src
		}
		if env.Dest != "" {
			object["dest"] = env.Dest
		}
		if env.Content != nil {
			object["content"] = env.Content
		}
		data, err := msgpack.Marshal(object)
		if err != nil {
			return nil, fmt.Errorf("wire: encoding msgpack payload: %w", err)
		}
		return data, nil
	case JSON:
		data, err := json.Marshal(&env)
		if err != nil {
			return nil, fmt.Errorf("wire: encoding json payload: %w", err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("wire: encoding payload: invalid format %d", f)
	}
}

// Unmarshal decodes a payload in the given format. Absent fields
// leave the corresponding Envelope fields at their zero values.
// Decode failures are reported as *ParseError.
func Unmarshal(f Format, data []byte) (Envelope, error) {
	var env Envelope
	switch f {
	case Msgpack:
		if err := msgpack.Unmarshal(data, &env); err != nil {
			return Envelope{}, &ParseError{Format: f, Err: err}
		}
	case JSON:
		if err := json.Unmarshal(data, &env); err != nil {
			return Envelope{}, &ParseError{Format: f, Err: err}
		}
	default:
		return Envelope{}, &ParseError{Format: f, Err: fmt.Errorf("invalid format %d", f)}
	}
	return env, nil
}
