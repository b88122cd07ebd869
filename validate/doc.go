// Copyright 2026 The Buxtehude Authors
// SPDX-License-Identifier: Apache-2.0

// Package validate checks the shape of decoded payloads at protocol
// boundaries. A rule series pairs JSON-pointer paths with predicates;
// Check walks the series in order and fails fast on the first absent
// path or rejected value. It is deliberately tiny: the protocol only
// validates handshake and control-message content, never user
// payloads.
package validate
