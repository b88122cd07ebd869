// Copyright 2026 The Buxtehude Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

func TestFakeNow(t *testing.T) {
	c := Fake(epoch)
	if !c.Now().Equal(epoch) {
		t.Fatalf("Now = %v, want %v", c.Now(), epoch)
	}
	c.Advance(time.Minute)
	if !c.Now().Equal(epoch.Add(time.Minute)) {
		t.Fatalf("Now after advance = %v", c.Now())
	}
}

func TestFakeAfterFunc(t *testing.T) {
	c := Fake(epoch)
	fired := 0
	c.AfterFunc(time.Second, func() { fired++ })

	c.Advance(999 * time.Millisecond)
	if fired != 0 {
		t.Fatal("timer fired early")
	}
	c.Advance(time.Millisecond)
	if fired != 1 {
		t.Fatalf("fired = %d, want 1", fired)
	}
	c.Advance(time.Hour)
	if fired != 1 {
		t.Fatalf("timer fired again: %d", fired)
	}
}

func TestFakeStop(t *testing.T) {
	c := Fake(epoch)
	fired := false
	stop := c.AfterFunc(time.Second, func() { fired = true })

	if !stop() {
		t.Fatal("stop of a pending timer returned false")
	}
	c.Advance(time.Minute)
	if fired {
		t.Fatal("stopped timer fired")
	}
	if stop() {
		t.Fatal("second stop returned true")
	}
}

func TestFakeOrdering(t *testing.T) {
	c := Fake(epoch)
	var order []int
	c.AfterFunc(2*time.Second, func() { order = append(order, 2) })
	c.AfterFunc(time.Second, func() { order = append(order, 1) })
	c.AfterFunc(3*time.Second, func() { order = append(order, 3) })

	c.Advance(5 * time.Second)
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("firing order = %v", order)
	}
}

// TestFakeNestedTimer checks that a timer armed from a firing callback
// participates in the same advance when it falls inside the window.
func TestFakeNestedTimer(t *testing.T) {
	c := Fake(epoch)
	var fired []string
	c.AfterFunc(time.Second, func() {
		fired = append(fired, "outer")
		c.AfterFunc(time.Second, func() { fired = append(fired, "inner") })
	})

	c.Advance(3 * time.Second)
	if len(fired) != 2 || fired[0] != "outer" || fired[1] != "inner" {
		t.Fatalf("fired = %v", fired)
	}
}

func TestRealAfterFunc(t *testing.T) {
	done := make(chan struct{})
	Real().AfterFunc(time.Millisecond, func() { close(done) })
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("real timer never fired")
	}
}
