package admission

import "testing"

func TestGateCapacity(t *testing.T) {
	g := NewGate(2)

	if !g.TryAcquire() {
		t.Fatalf("expected first acquire to succeed")
	}
	if !g.TryAcquire() {
		t.Fatalf("expected second acquire to succeed")
	}
	if g.TryAcquire() {
		t.Fatalf("expected third acquire to be rejected at capacity 2")
	}

	g.Release()
	if !g.TryAcquire() {
		t.Fatalf("expected acquire to succeed after a release")
	}
}

func TestGateReleaseIsIdempotentEnoughForDoubleDefer(t *testing.T) {
	g := NewGate(1)
	if !g.TryAcquire() {
		t.Fatalf("expected acquire to succeed")
	}
	g.Release()
	g.Release() // a stray extra release must not grow capacity
	if g.InUse() != 0 {
		t.Fatalf("expected InUse 0 got %d", g.InUse())
	}
	if !g.TryAcquire() {
		t.Fatalf("expected acquire to succeed")
	}
	if g.TryAcquire() {
		t.Fatalf("expected second concurrent acquire to fail at capacity 1")
	}
}
