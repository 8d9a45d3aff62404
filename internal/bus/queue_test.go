package bus

import (
	"testing"

	"github.com/yanun0323/errors"
)

func TestSPSCCapacityRounding(t *testing.T) {
	tests := []struct {
		in   int
		want int
	}{
		{1, 1},
		{2, 2},
		{100, 128},
		{1024, 1024},
		{1025, 2048},
		{0, 1},
	}

	for _, tt := range tests {
		q := New[int](tt.in)
		if q.Cap() != tt.want {
			t.Fatalf("New(%d).Cap() = %d, want %d", tt.in, q.Cap(), tt.want)
		}
	}
}

func TestSPSCFullNeverBlocks(t *testing.T) {
	q := New[int](4)
	for i := 0; i < 4; i++ {
		if err := q.TryPublish(i); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	err := q.TryPublish(99)
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if q.Len() != 4 {
		t.Fatalf("Len() = %d, want 4", q.Len())
	}
}

func TestSPSCOrderPreserved(t *testing.T) {
	q := New[int](8)
	for i := 0; i < 8; i++ {
		if err := q.TryPublish(i); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	for i := 0; i < 8; i++ {
		v, ok := q.TryPop()
		if !ok {
			t.Fatalf("pop %d: empty", i)
		}
		if v != i {
			t.Fatalf("pop %d: got %d", i, v)
		}
	}
	if _, ok := q.TryPop(); ok {
		t.Fatal("queue should be empty")
	}
}

func TestSPSCPeekBorrowsSlot(t *testing.T) {
	q := New[int](2)
	if err := q.TryPublish(7); err != nil {
		t.Fatalf("publish: %v", err)
	}

	p := q.PeekRead()
	if p == nil || *p != 7 {
		t.Fatalf("peek = %v", p)
	}
	if q.Len() != 1 {
		t.Fatal("peek must not consume")
	}

	q.Consume()
	if q.Len() != 0 {
		t.Fatal("consume must release the slot")
	}
}

func TestSPSCReserveWriteInPlace(t *testing.T) {
	q := New[[3]int64](2)

	slot := q.ReserveWrite()
	if slot == nil {
		t.Fatal("reserve on empty ring failed")
	}
	slot[0], slot[1], slot[2] = 1, 2, 3
	q.Publish()

	got, ok := q.TryPop()
	if !ok || got != [3]int64{1, 2, 3} {
		t.Fatalf("got %v ok=%v", got, ok)
	}
}

func TestSPSCCrossGoroutineTransfer(t *testing.T) {
	const n = 100000
	q := New[int](1024)
	done := make(chan int64)

	go func() {
		var sum int64
		seen := 0
		for seen < n {
			v, ok := q.TryPop()
			if !ok {
				continue
			}
			sum += int64(v)
			seen++
		}
		done <- sum
	}()

	var want int64
	for i := 0; i < n; {
		if err := q.TryPublish(i); err != nil {
			continue
		}
		want += int64(i)
		i++
	}

	if got := <-done; got != want {
		t.Fatalf("transfer sum = %d, want %d", got, want)
	}
}

func BenchmarkSPSCPublishPop(b *testing.B) {
	q := New[int](1024)
	for b.Loop() {
		_ = q.TryPublish(1)
		q.TryPop()
	}
}
