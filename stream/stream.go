// Copyright 2026 The Buxtehude Authors
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"encoding/binary"
	"io"
)

// Status is the transport condition observed by the last Read.
type Status int

const (
	// Ok means the transport has not ended.
	Ok Status = iota
	// EOF means the transport reported end-of-stream or a read error.
	// The owner should tear the connection down.
	EOF
)

// Callback is a per-field continuation. It receives the stream and the
// field that just completed, and may call Await, Reset, Rewind or
// Finally on the stream to reshape the remaining expectation.
type Callback func(*Stream, *Field)

// Field is a fixed-length slot in a Stream's expectation list. Its
// buffer is exactly the awaited length and is owned by the stream for
// recycling; callers must not retain it across a Delete.
type Field struct {
	buf []byte
	cb  Callback
}

// Len returns the field's expected (and, once complete, actual) length.
func (f *Field) Len() int { return len(f.buf) }

// Bytes returns the field's buffer.
func (f *Field) Bytes() []byte { return f.buf }

// Uint8 interprets the field as a single byte.
func (f *Field) Uint8() uint8 { return f.buf[0] }

// Uint32 interprets the field as a little-endian uint32.
func (f *Field) Uint32() uint32 { return binary.LittleEndian.Uint32(f.buf) }

// Stream drives incremental parsing of a byte transport. The zero
// value is not usable; construct with New. A Stream is not safe for
// concurrent use: exactly one goroutine pumps Read and runs the
// continuations.
type Stream struct {
	r io.Reader

	fields  []*Field
	deleted []*Field
	finally Callback

	// cursor indexes the currently-filling field. Values outside
	// [0, len(fields)) mean "re-enter at the head": the initial state,
	// and the state after Reset.
	cursor int
	// offset is the byte count already read into the current field.
	offset int

	status Status
	done   bool
}

// New returns a Stream reading from r.
func New(r io.Reader) *Stream {
	return &Stream{r: r, cursor: -1}
}

// SetSource replaces the transport the stream reads from. Pending
// fields and partial progress are preserved.
func (s *Stream) SetSource(r io.Reader) { s.r = r }

// Await appends a field of n bytes to the expectation list and returns
// the stream for chaining. The buffer is drawn from the recycle list
// when any deleted field has sufficient capacity.
func (s *Stream) Await(n int) *Stream {
	f := s.obtain(n)
	f.cb = nil
	s.fields = append(s.fields, f)
	return s
}

// obtain finds or allocates a buffer of length n. The first recycled
// field with enough capacity is reused as-is; failing that, the most
// recently deleted field is regrown, so the recycle list never
// outlives a burst of deletes.
func (s *Stream) obtain(n int) *Field {
	for i, d := range s.deleted {
		if cap(d.buf) >= n {
			s.deleted = append(s.deleted[:i], s.deleted[i+1:]...)
			d.buf = d.buf[:n]
			return d
		}
	}
	if last := len(s.deleted) - 1; last >= 0 {
		d := s.deleted[last]
		s.deleted = s.deleted[:last]
		d.buf = make([]byte, n)
		return d
	}
	return &Field{buf: make([]byte, n)}
}

// Then attaches cb as the continuation of the most recently awaited
// field. Panics if nothing has been awaited.
func (s *Stream) Then(cb Callback) *Stream {
	s.fields[len(s.fields)-1].cb = cb
	return s
}

// Finally attaches a terminal continuation invoked when the last field
// of the expectation list completes.
func (s *Stream) Finally(cb Callback) { s.finally = cb }

// Delete moves f out of the expectation list into the recycle list,
// keeping its buffer. Deleting a field before the cursor keeps the
// cursor on its current field.
func (s *Stream) Delete(f *Field) {
	for i, g := range s.fields {
		if g == f {
			s.fields = append(s.fields[:i], s.fields[i+1:]...)
			s.deleted = append(s.deleted, f)
			if s.cursor > i {
				s.cursor--
			}
			return
		}
	}
}

// Reset moves the cursor past the last field so the next Read re-enters
// the pipeline from its current front element. Continuations call this
// to discard a malformed prefix and re-arm the reader.
func (s *Stream) Reset() { s.cursor = len(s.fields) }

// Rewind moves the cursor back n positions.
func (s *Stream) Rewind(n int) { s.cursor -= n }

// At returns the i-th surviving field. Negative indices count back
// from the current field: At(-1) inside a continuation is the field
// before the one that just completed.
func (s *Stream) At(i int) *Field {
	if i < 0 {
		return s.fields[s.cursor+i]
	}
	return s.fields[i]
}

// Done reports whether the last Read terminated the pipeline.
func (s *Stream) Done() bool { return s.done }

// Status reports the transport condition observed by the last Read.
func (s *Stream) Status() Status { return s.status }

// Read pumps the expectation list. It returns true when the pipeline
// has just terminated (every field complete and the terminal
// continuation, if any, has run) and false when the transport yielded
// less than the current field needs. A single call keeps pumping
// across completed fields, including after a continuation resets the
// pipeline, until it blocks or terminates.
func (s *Stream) Read() bool {
	s.done = false
	for {
		if len(s.fields) == 0 {
			s.status = Ok
			return true
		}
		if s.cursor < 0 || s.cursor >= len(s.fields) {
			s.cursor = 0
		}

		f := s.fields[s.cursor]
		s.status = Ok
		for s.offset < len(f.buf) {
			n, err := s.r.Read(f.buf[s.offset:])
			s.offset += n
			if err != nil {
				s.status = EOF
				break
			}
		}
		if s.offset < len(f.buf) {
			return false
		}

		s.offset = 0
		before := s.cursor
		if f.cb != nil {
			f.cb(s, f)
		}

		// A reset inside the continuation parks the cursor past-end;
		// re-enter at the (possibly reshaped) head rather than
		// treating it as termination.
		if s.cursor >= len(s.fields) {
			continue
		}
		if s.cursor == before {
			s.cursor++
		}
		if s.cursor >= len(s.fields) {
			if s.finally != nil {
				s.finally(s, s.fields[len(s.fields)-1])
			}
			s.done = true
			return true
		}
	}
}
