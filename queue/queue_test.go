package queue

import (
	"testing"
	"time"
)

func TestPushPopFIFOOrder(t *testing.T) {
	q := New[int](10)
	for i := 0; i < 5; i++ {
		if res := q.Push(i); res != Enqueued {
			t.Fatalf("push %d: expected Enqueued, got %v", i, res)
		}
	}
	for i := 0; i < 5; i++ {
		r := q.Pop()
		if r.Shutdown {
			t.Fatal("unexpected shutdown")
		}
		if r.Item != i {
			t.Fatalf("expected FIFO order %d, got %d", i, r.Item)
		}
	}
}

func TestPushFullRejectsImmediately(t *testing.T) {
	q := New[int](2)
	q.Push(1)
	q.Push(2)
	if res := q.Push(3); res != Full {
		t.Fatalf("expected Full, got %v", res)
	}
}

func TestCloseUnblocksPop(t *testing.T) {
	q := New[int](4)
	done := make(chan PopResult[int], 1)
	go func() {
		done <- q.Pop()
	}()
	time.Sleep(10 * time.Millisecond)
	q.Close()
	select {
	case r := <-done:
		if !r.Shutdown {
			t.Fatal("expected shutdown result after close")
		}
	case <-time.After(time.Second):
		t.Fatal("Pop did not unblock after Close")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	q := New[int](2)
	q.Close()
	q.Close() // must not panic
}

func TestPushAfterCloseIsFull(t *testing.T) {
	q := New[int](2)
	q.Close()
	if res := q.Push(1); res != Full {
		t.Fatalf("expected Full after close, got %v", res)
	}
}

func TestLenObservable(t *testing.T) {
	q := New[int](4)
	if q.Len() != 0 {
		t.Fatalf("expected len 0, got %d", q.Len())
	}
	q.Push(1)
	q.Push(2)
	if q.Len() != 2 {
		t.Fatalf("expected len 2, got %d", q.Len())
	}
	q.Pop()
	if q.Len() != 1 {
		t.Fatalf("expected len 1, got %d", q.Len())
	}
}

func TestDrainsBeforeShutdownSignalOnClose(t *testing.T) {
	q := New[int](4)
	q.Push(1)
	q.Push(2)
	q.Close()
	r1 := q.Pop()
	if r1.Shutdown || r1.Item != 1 {
		t.Fatalf("expected item 1 drained before shutdown, got %+v", r1)
	}
	r2 := q.Pop()
	if r2.Shutdown || r2.Item != 2 {
		t.Fatalf("expected item 2 drained before shutdown, got %+v", r2)
	}
	r3 := q.Pop()
	if !r3.Shutdown {
		t.Fatal("expected shutdown once drained")
	}
}
