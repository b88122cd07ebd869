// Copyright 2026 The Buxtehude Authors
// SPDX-License-Identifier: Apache-2.0

// Package broker implements both ends of the buxtehude protocol: the
// Server that accepts connections and routes envelopes between teams,
// and the Client library endpoint. The two live in one package because
// the in-process transport links a co-resident Client and Server
// directly, with no bytes on any wire.
//
// A client joins a named team during its handshake. The broker routes
// each envelope to the team named in its destination — to every member,
// or with only_first to a single member that has not declared itself
// unavailable for the envelope's type.
//
// Concurrency model: the Server runs one accept goroutine per
// listener, one reader goroutine per socket connection, and one
// dispatch goroutine draining the in-process delivery queue. The
// client list is mutated only under the Server's mutex; the mutex is
// never held across a blocking write. Each reader routes an envelope
// to completion before reading the next, so envelopes from one sender
// reach a given recipient in send order.
package broker
