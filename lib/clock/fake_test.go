// Copyright 2026 The Hatchery Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"testing"
	"time"
)

func TestFakeNowAdvance(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fake := Fake(start)

	if !fake.Now().Equal(start) {
		t.Errorf("Now = %v, want %v", fake.Now(), start)
	}

	fake.Advance(90 * time.Second)
	want := start.Add(90 * time.Second)
	if !fake.Now().Equal(want) {
		t.Errorf("Now after Advance = %v, want %v", fake.Now(), want)
	}
}

func TestFakeAfterFiresAtDeadline(t *testing.T) {
	fake := Fake(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))

	ch := fake.After(10 * time.Second)

	select {
	case <-ch:
		t.Fatal("After fired before Advance")
	default:
	}

	fake.Advance(9 * time.Second)
	select {
	case <-ch:
		t.Fatal("After fired before its deadline")
	default:
	}

	fake.Advance(time.Second)
	select {
	case fired := <-ch:
		if !fired.Equal(fake.Now()) {
			t.Errorf("fired time %v, want %v", fired, fake.Now())
		}
	default:
		t.Fatal("After did not fire at its deadline")
	}
}

func TestFakeAfterNonPositive(t *testing.T) {
	fake := Fake(time.Now())
	select {
	case <-fake.After(0):
	default:
		t.Fatal("After(0) did not fire immediately")
	}
}

func TestFakeSleepUnblocks(t *testing.T) {
	fake := Fake(time.Now())

	done := make(chan struct{})
	go func() {
		fake.Sleep(5 * time.Second)
		close(done)
	}()

	// Wait for the sleeper to register, then advance past its deadline.
	for fake.PendingWaiters() == 0 {
		time.Sleep(time.Millisecond)
	}
	fake.Advance(5 * time.Second)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Sleep did not return after Advance")
	}
}
