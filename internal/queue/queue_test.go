package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// admitAsync runs Admit in a goroutine and reports completion on a channel.
func admitAsync(q *Queue, owner string) chan error {
	done := make(chan error, 1)
	go func() { done <- q.Admit(context.Background(), owner) }()
	return done
}

func waitAdmitted(t *testing.T, done chan error) {
	t.Helper()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Admit failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Admit did not complete in time")
	}
}

func assertBlocked(t *testing.T, done chan error) {
	t.Helper()
	select {
	case err := <-done:
		t.Fatalf("Admit should have blocked, returned %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAdmitWithinCeilings(t *testing.T) {
	q := New(2, 2)

	if err := q.Admit(context.Background(), "alice"); err != nil {
		t.Fatalf("first Admit failed: %v", err)
	}
	if err := q.Admit(context.Background(), "alice"); err != nil {
		t.Fatalf("second Admit failed: %v", err)
	}

	if q.Active() != 2 {
		t.Errorf("Active = %d, want 2", q.Active())
	}
	if q.ActiveFor("alice") != 2 {
		t.Errorf("ActiveFor(alice) = %d, want 2", q.ActiveFor("alice"))
	}
}

func TestGlobalCeilingBlocks(t *testing.T) {
	q := New(1, 1)

	if err := q.Admit(context.Background(), "alice"); err != nil {
		t.Fatal(err)
	}

	done := admitAsync(q, "bob")
	assertBlocked(t, done)

	q.Release("alice")
	waitAdmitted(t, done)

	if q.Active() != 1 {
		t.Errorf("Active = %d, want 1 after release and re-admit", q.Active())
	}
}

func TestPerOwnerCeilingDoesNotBlockOthers(t *testing.T) {
	q := New(4, 1)

	if err := q.Admit(context.Background(), "alice"); err != nil {
		t.Fatal(err)
	}

	// Alice is at her ceiling; her second task waits.
	aliceAgain := admitAsync(q, "alice")
	assertBlocked(t, aliceAgain)

	// Bob is unaffected even though alice queued first.
	bob := admitAsync(q, "bob")
	waitAdmitted(t, bob)

	q.Release("alice")
	waitAdmitted(t, aliceAgain)
}

func TestReleaseWakesFIFO(t *testing.T) {
	q := New(1, 1)

	if err := q.Admit(context.Background(), "a"); err != nil {
		t.Fatal(err)
	}

	first := admitAsync(q, "b")
	assertBlocked(t, first)
	second := admitAsync(q, "c")
	assertBlocked(t, second)

	q.Release("a")
	waitAdmitted(t, first)
	assertBlocked(t, second)

	q.Release("b")
	waitAdmitted(t, second)
}

func TestAdmitCancellation(t *testing.T) {
	q := New(1, 1)

	if err := q.Admit(context.Background(), "alice"); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.Admit(ctx, "bob") }()

	assertBlocked(t, done)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled Admit did not return")
	}

	if q.Waiting() != 0 {
		t.Errorf("Waiting = %d, want 0 after cancellation", q.Waiting())
	}

	// The slot is still held by alice only.
	q.Release("alice")
	if q.Active() != 0 {
		t.Errorf("Active = %d, want 0", q.Active())
	}
}

func TestGlobalCeilingOneSharedByTwoOwners(t *testing.T) {
	// Two owners, one slot: the second submission waits for the first to
	// finish, then runs.
	q := New(1, 1)

	if err := q.Admit(context.Background(), "alice"); err != nil {
		t.Fatal(err)
	}

	bob := admitAsync(q, "bob")
	assertBlocked(t, bob)

	q.Release("alice")
	waitAdmitted(t, bob)

	q.Release("bob")
	if q.Active() != 0 || q.Waiting() != 0 {
		t.Errorf("queue should be drained, active=%d waiting=%d", q.Active(), q.Waiting())
	}
}

func TestConcurrentAdmitRelease(t *testing.T) {
	q := New(3, 2)
	owners := []string{"a", "b", "c", "d"}

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		owner := owners[i%len(owners)]
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := q.Admit(context.Background(), owner); err != nil {
				t.Errorf("Admit failed: %v", err)
				return
			}
			time.Sleep(time.Millisecond)
			q.Release(owner)
		}()
	}
	wg.Wait()

	if q.Active() != 0 {
		t.Errorf("Active = %d, want 0 after drain", q.Active())
	}
	if q.Waiting() != 0 {
		t.Errorf("Waiting = %d, want 0 after drain", q.Waiting())
	}
}
