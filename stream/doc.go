// Copyright 2026 The Buxtehude Authors
// SPDX-License-Identifier: Apache-2.0

// Package stream implements an incremental reader that turns partial
// reads from a byte transport into a sequence of complete fixed-length
// fields, invoking a continuation as each field fills.
//
// A Stream owns an ordered expectation list of Fields. Await appends a
// field of a given length, Then attaches a continuation to the most
// recently awaited field, and Finally attaches a terminal continuation
// that fires when the last field completes. Continuations may reshape
// the remaining expectation from within: awaiting more fields arms
// length-dependent parsing (a header continuation awaits the body), and
// Reset discards a malformed prefix and re-arms the pipeline from its
// front element.
//
// Field buffers are recycled: Delete moves a field out of the
// expectation list but keeps its buffer for a later Await of equal or
// smaller length, so repeated same-shape messages allocate nothing.
package stream
