// Package bufpool provides the fixed set of reusable read buffers shared by
// the plot readers and the hashing workers. Pool capacity bounds the engine's
// memory use: readers park on Acquire when every slot is in flight, which is
// the pipeline's backpressure mechanism.
package bufpool

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
	"unsafe"
)

// ErrExhausted is returned when a hard acquire timeout is configured and
// exceeded. It signals a stalled pipeline, not a normal condition.
var ErrExhausted = errors.New("bufpool: no free slot within timeout")

// Slot owner tags, kept for invariant checks and tests. A slot is owned by
// exactly one of the free list, a reader, or a hasher at any instant;
// ownership only changes hands through Acquire/Release and channel sends.
const (
	OwnerFree int32 = iota
	OwnerReader
	OwnerHasher
)

// Slot is one fixed-capacity read buffer.
type Slot struct {
	ID    int
	Data  []byte // full capacity, aligned; readers slice it per chunk
	owner atomic.Int32
}

// SetOwner records the current owner stage. Tagging is advisory: the transfer
// itself happens via channels, this only makes double-ownership detectable.
func (s *Slot) SetOwner(owner int32) { s.owner.Store(owner) }

// Owner returns the current owner tag.
func (s *Slot) Owner() int32 { return s.owner.Load() }

// Pool hands out slots and takes them back. The free list is a buffered
// channel, so Acquire blocks cooperatively and Release never does.
type Pool struct {
	free     chan *Slot
	slots    []*Slot
	slotSize int

	acquires  atomic.Int64
	releases  atomic.Int64
	exhausted atomic.Int64
}

const alignment = 4096

// New creates a pool of count slots of size bytes each. Slot backing arrays
// are aligned to 4 KiB so they remain valid targets for direct I/O reads.
func New(count, size int) *Pool {
	p := &Pool{
		free:     make(chan *Slot, count),
		slots:    make([]*Slot, count),
		slotSize: size,
	}
	for i := 0; i < count; i++ {
		s := &Slot{ID: i, Data: alignedBytes(size)}
		p.slots[i] = s
		p.free <- s
	}
	return p
}

func alignedBytes(size int) []byte {
	raw := make([]byte, size+alignment)
	off := 0
	if rem := int(uintptr(unsafe.Pointer(&raw[0])) & (alignment - 1)); rem != 0 {
		off = alignment - rem
	}
	return raw[off : off+size : off+size]
}

// Acquire returns a free slot, blocking until one is released or ctx is
// cancelled. A zero timeout waits indefinitely (modulo ctx); a positive one
// converts a stall into ErrExhausted so the caller can warn and retry.
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration) (*Slot, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	select {
	case s := <-p.free:
		p.acquires.Add(1)
		s.SetOwner(OwnerReader)
		return s, nil
	case <-expired:
		p.exhausted.Add(1)
		return nil, ErrExhausted
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release returns a slot to the free list and wakes one waiter if any.
func (p *Pool) Release(s *Slot) {
	if s == nil {
		return
	}
	s.SetOwner(OwnerFree)
	p.releases.Add(1)
	p.free <- s
}

// Size returns the number of slots.
func (p *Pool) Size() int { return len(p.slots) }

// SlotSize returns the capacity of each slot in bytes.
func (p *Pool) SlotSize() int { return p.slotSize }

// Free returns how many slots are currently on the free list.
func (p *Pool) Free() int { return len(p.free) }

// Stats reports cumulative acquire/release/exhaustion counts.
func (p *Pool) Stats() (acquires, releases, exhausted int64) {
	return p.acquires.Load(), p.releases.Load(), p.exhausted.Load()
}
