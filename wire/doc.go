// Copyright 2026 The Buxtehude Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire defines the buxtehude message envelope and its wire
// encoding. Both the broker and the client import this package so the
// protocol types are defined once rather than mirrored.
//
// Every message on a byte transport is a frame:
//
//	byte 0    : format (0 = JSON, 1 = MessagePack)
//	bytes 1-4 : payload length, little-endian uint32
//	bytes 5-  : payload, the encoded Envelope
//
// The payload is a structured object with the recognized fields
// {type, src, dest, only_first, content}. Unset optional fields are
// omitted from the encoded object; absent fields decode to their zero
// values. The in-process transport exchanges Envelope values directly
// and never produces frames.
package wire
