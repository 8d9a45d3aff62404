package websocket

import (
	"testing"
	"time"
)

func TestBackoffDoublesToCap(t *testing.T) {
	b := DefaultBackoff()
	want := []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for i, w := range want {
		if got := b.Next(i + 1); got != w {
			t.Fatalf("attempt %d = %v, want %v", i+1, got, w)
		}
	}
}

func TestBackoffZeroValueDefaults(t *testing.T) {
	var b Backoff
	if got := b.Next(1); got != time.Second {
		t.Fatalf("Next(1) = %v, want 1s", got)
	}
	if got := b.Next(100); got != 30*time.Second {
		t.Fatalf("Next(100) = %v, want 30s", got)
	}
	if got := b.Next(0); got != time.Second {
		t.Fatalf("Next(0) = %v, want 1s", got)
	}
}

func TestBackoffJitterStaysInBounds(t *testing.T) {
	b := Backoff{Min: time.Second, Max: time.Second, Factor: 2, Jitter: 0.5}
	for i := 0; i < 100; i++ {
		got := b.Next(3)
		if got < 500*time.Millisecond || got > 1500*time.Millisecond {
			t.Fatalf("jittered delay %v out of [0.5s, 1.5s]", got)
		}
	}
}
