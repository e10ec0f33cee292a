// Package hasher drains filled read buffers through the bound deadline
// kernel and reports each buffer's best result to the round controller.
package hasher

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/shizukutanaka/Karite/internal/bufpool"
	"github.com/shizukutanaka/Karite/internal/poc"
	"github.com/shizukutanaka/Karite/internal/reader"
	"github.com/shizukutanaka/Karite/internal/round"
)

// Pool is a fixed set of hashing workers. The stage is stateless per buffer
// (the kernel is a pure function of buffer and round), so workers need no
// coordination beyond the channels.
type Pool struct {
	logger  *zap.Logger
	kernel  poc.Kernel
	workers int
	buffers *bufpool.Pool
	in      <-chan reader.ReadReply
	out     chan<- round.NonceData
}

// New creates the hashing stage. The kernel must already be bound (and
// self-tested) by the caller; workers never re-probe CPU features.
func New(logger *zap.Logger, kernel poc.Kernel, workers int, buffers *bufpool.Pool, in <-chan reader.ReadReply, out chan<- round.NonceData) *Pool {
	return &Pool{
		logger:  logger,
		kernel:  kernel,
		workers: workers,
		buffers: buffers,
		in:      in,
		out:     out,
	}
}

// Run starts the workers and blocks until ctx is done and all workers
// returned. Buffers still in the input channel at shutdown are released.
func (p *Pool) Run(ctx context.Context) {
	p.logger.Info("hashing workers started",
		zap.Int("workers", p.workers),
		zap.String("kernel", p.kernel.Name),
		zap.Int("lanes", p.kernel.Lanes),
	)

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.worker(ctx)
		}()
	}
	wg.Wait()
}

func (p *Pool) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.drain()
			return
		case reply := <-p.in:
			p.process(ctx, reply)
		}
	}
}

// drain releases any buffers left in flight so shutdown cannot strand slots.
func (p *Pool) drain() {
	for {
		select {
		case reply := <-p.in:
			if reply.Slot != nil {
				p.buffers.Release(reply.Slot)
			}
		default:
			return
		}
	}
}

func (p *Pool) process(ctx context.Context, reply reader.ReadReply) {
	r := reply.Round
	nd := round.NonceData{
		Height:     r.Height,
		Block:      r.Block,
		BaseTarget: r.BaseTarget,
		AccountID:  reply.AccountID,
		PlotID:     reply.PlotID,
		Finished:   reply.Finished,
		Empty:      true,
	}

	if reply.Slot != nil {
		reply.Slot.SetOwner(bufpool.OwnerHasher)
		if reply.Nonces > 0 {
			best, offset := p.kernel.Find(&r.GenSig, reply.Data, reply.Nonces)
			nd.Deadline = best
			nd.Nonce = reply.StartNonce + offset
			nd.Empty = false
		}
		// The slot goes back before the result goes out: reporting must
		// never hold up the read pipeline.
		p.buffers.Release(reply.Slot)
	}

	select {
	case p.out <- nd:
	case <-ctx.Done():
	}
}
