// Copyright 2026 The Buxtehude Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import "fmt"

// ConnectErrorKind discriminates the ways a connection attempt fails.
type ConnectErrorKind int

const (
	// ConnectAlreadyConnected: the client already has a live connection.
	ConnectAlreadyConnected ConnectErrorKind = iota
	// ConnectResolve: hostname resolution failed.
	ConnectResolve
	// ConnectDial: the socket could not be created or connected.
	ConnectDial
	// ConnectWrite: the connection opened but the handshake write failed.
	ConnectWrite
	// ConnectUnavailable: the broker is not accepting in-process clients.
	ConnectUnavailable
)

func (k ConnectErrorKind) String() string {
	switch k {
	case ConnectAlreadyConnected:
		return "already connected"
	case ConnectResolve:
		return "resolve failure"
	case ConnectDial:
		return "connect failure"
	case ConnectWrite:
		return "handshake write failure"
	case ConnectUnavailable:
		return "broker unavailable"
	default:
		return "unknown"
	}
}

// ConnectError reports a failed Connect* call. Callers can use
// errors.As to inspect the kind:
//
//	var connectErr *ConnectError
//	if errors.As(err, &connectErr) && connectErr.Kind == broker.ConnectResolve { ... }
type ConnectError struct {
	Kind ConnectErrorKind
	Err  error
}

func (e *ConnectError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("broker: connect: %s", e.Kind)
	}
	return fmt.Sprintf("broker: connect: %s: %v", e.Kind, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// ListenErrorKind discriminates the ways a Listen* call fails. The
// goroutine model has no reactor whose initialization could fail, so
// that case from the C lineage folds away; what remains is the bind
// itself and the shut-down broker.
type ListenErrorKind int

const (
	// ListenBind: binding the socket failed (the wrapped error carries
	// the OS errno); also covers a stale Unix socket file that could
	// not be removed.
	ListenBind ListenErrorKind = iota
	// ListenClosed: the broker has been closed and accepts no new
	// listeners.
	ListenClosed
)

func (k ListenErrorKind) String() string {
	switch k {
	case ListenBind:
		return "bind failure"
	case ListenClosed:
		return "server closed"
	default:
		return "unknown"
	}
}

// ListenError reports a failed Listen* call. Callers can use
// errors.As to inspect the kind:
//
//	var listenErr *ListenError
//	if errors.As(err, &listenErr) && listenErr.Kind == broker.ListenBind { ... }
type ListenError struct {
	Kind      ListenErrorKind
	Transport Transport
	Err       error
}

func (e *ListenError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("broker: listening on %s transport: %s", e.Transport, e.Kind)
	}
	return fmt.Sprintf("broker: listening on %s transport: %s: %v", e.Transport, e.Kind, e.Err)
}

func (e *ListenError) Unwrap() error { return e.Err }

// ReadErrorKind discriminates the outcomes of a read attempt that did
// not produce an envelope.
type ReadErrorKind int

const (
	// ReadIncomplete: the frame is still partially read; not a fault.
	ReadIncomplete ReadErrorKind = iota
	// ReadParse: the payload could not be decoded; the reader has
	// reset and subsequent frames are still processed.
	ReadParse
	// ReadConnection: the transport ended; the connection is down.
	ReadConnection
)

// ReadError reports a read attempt that yielded no envelope.
type ReadError struct {
	Kind ReadErrorKind
	Err  error
}

func (e *ReadError) Error() string {
	switch e.Kind {
	case ReadIncomplete:
		return "broker: read: incomplete frame"
	case ReadParse:
		return fmt.Sprintf("broker: read: parse failure: %v", e.Err)
	default:
		return fmt.Sprintf("broker: read: connection error: %v", e.Err)
	}
}

func (e *ReadError) Unwrap() error { return e.Err }

// WriteError reports that encoding or writing an envelope failed. The
// connection is closed by the time the caller sees it.
type WriteError struct {
	Err error
}

func (e *WriteError) Error() string {
	if e.Err == nil {
		return "broker: write failed: connection closed"
	}
	return fmt.Sprintf("broker: write failed: %v", e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }
