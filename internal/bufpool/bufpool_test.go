package bufpool

import (
	"context"
	"sync"
	"testing"
	"time"
	"unsafe"
)

func TestAcquireRelease(t *testing.T) {
	p := New(2, 1024)
	ctx := context.Background()

	a, err := p.Acquire(ctx, 0)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	b, err := p.Acquire(ctx, 0)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if a.ID == b.ID {
		t.Fatal("same slot handed out twice")
	}
	if p.Free() != 0 {
		t.Errorf("expected empty free list, have %d", p.Free())
	}

	p.Release(a)
	p.Release(b)
	if p.Free() != 2 {
		t.Errorf("expected 2 free slots, have %d", p.Free())
	}
}

func TestAcquireTimeout(t *testing.T) {
	p := New(1, 64)
	ctx := context.Background()

	s, _ := p.Acquire(ctx, 0)
	if _, err := p.Acquire(ctx, 20*time.Millisecond); err != ErrExhausted {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	_, _, exhausted := p.Stats()
	if exhausted != 1 {
		t.Errorf("exhausted count = %d, want 1", exhausted)
	}
	p.Release(s)
}

func TestAcquireCancelled(t *testing.T) {
	p := New(1, 64)
	s, _ := p.Acquire(context.Background(), 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx, 0)
		done <- err
	}()
	cancel()
	if err := <-done; err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	p.Release(s)
}

func TestAcquireBlocksUntilRelease(t *testing.T) {
	p := New(1, 64)
	s, _ := p.Acquire(context.Background(), 0)

	got := make(chan *Slot, 1)
	go func() {
		s2, err := p.Acquire(context.Background(), time.Second)
		if err != nil {
			t.Errorf("Acquire after release: %v", err)
		}
		got <- s2
	}()

	time.Sleep(10 * time.Millisecond)
	p.Release(s)

	select {
	case s2 := <-got:
		if s2.ID != s.ID {
			t.Errorf("expected recycled slot %d, got %d", s.ID, s2.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter never woke up")
	}
}

// No more than pool-size slots may ever be live, and every acquire must be
// matched by a release even when workers bail out mid-stream.
func TestBoundedUnderConcurrency(t *testing.T) {
	const slots = 4
	p := New(slots, 64)

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(context.Background())
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				s, err := p.Acquire(ctx, 0)
				if err != nil {
					return // cancelled mid-run, nothing held
				}
				if live := slots - p.Free(); live > slots {
					t.Errorf("%d live slots, pool size %d", live, slots)
				}
				if n == 7 && i == 100 {
					// One worker aborts; its slot still goes back.
					p.Release(s)
					cancel()
					return
				}
				p.Release(s)
			}
		}(w)
	}
	wg.Wait()
	cancel()

	if p.Free() != slots {
		t.Fatalf("%d slots on free list after shutdown, want %d", p.Free(), slots)
	}
	acquires, releases, _ := p.Stats()
	if acquires != releases {
		t.Fatalf("acquires %d != releases %d", acquires, releases)
	}
}

func TestSlotAlignment(t *testing.T) {
	p := New(3, 4<<20)
	for _, s := range p.slots {
		if len(s.Data) != 4<<20 {
			t.Errorf("slot %d has %d bytes", s.ID, len(s.Data))
		}
		if addr := uintptr(unsafe.Pointer(&s.Data[0])); addr&(alignment-1) != 0 {
			t.Errorf("slot %d not %d-byte aligned: %#x", s.ID, alignment, addr)
		}
	}
}

func TestOwnerTagging(t *testing.T) {
	p := New(1, 64)
	s, _ := p.Acquire(context.Background(), 0)
	if s.Owner() != OwnerReader {
		t.Errorf("owner after acquire = %d, want reader", s.Owner())
	}
	s.SetOwner(OwnerHasher)
	p.Release(s)
	if s.Owner() != OwnerFree {
		t.Errorf("owner after release = %d, want free", s.Owner())
	}
}
