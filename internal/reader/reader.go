// Package reader streams each round's scoop region off disk, one sequential
// reader per physical drive, into buffers borrowed from the shared pool.
package reader

import (
	"context"
	"io"
	"os"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/shizukutanaka/Karite/internal/bufpool"
	"github.com/shizukutanaka/Karite/internal/plot"
	"github.com/shizukutanaka/Karite/internal/poc"
	"github.com/shizukutanaka/Karite/internal/round"
)

// ReadReply is one filled buffer on its way to the hashing stage. A nil Slot
// with Finished set is the drive's end-of-scan marker; the hasher forwards it
// so the round controller can count completed reader tasks.
type ReadReply struct {
	Slot       *bufpool.Slot
	Data       []byte // scoop-aligned view into Slot.Data
	Round      *round.Round
	AccountID  uint64
	StartNonce uint64
	Nonces     uint64
	PlotID     string
	Finished   bool
}

// Config tunes a drive reader.
type Config struct {
	// AcquireTimeout converts a buffer-pool stall into a logged warning
	// plus retry. Zero waits silently.
	AcquireTimeout time.Duration
}

// alignSlack is reserved at the front of every slot so direct I/O reads can
// start on a 4 KiB boundary regardless of where the scoop region begins.
const alignSlack = 8192

// NoncesPerChunk returns how many scoops fit one pool slot after the
// alignment slack is reserved.
func NoncesPerChunk(slotSize int) uint64 {
	usable := slotSize - alignSlack
	if usable < poc.ScoopSize {
		return 1
	}
	return uint64(usable / poc.ScoopSize)
}

// Drive reads every plot file on one physical drive sequentially. One Run
// call covers one round; the state machine is Idle -> Reading ->
// (Completed | Cancelled | Failed-per-file).
type Drive struct {
	logger *zap.Logger
	id     string
	files  []*plot.File
	pool   *bufpool.Pool
	out    chan<- ReadReply
	cfg    Config

	// onFail excludes a file from future rounds until the next directory
	// scan revalidates it. May be nil.
	onFail func(*plot.File, error)

	bytesRead  atomic.Uint64
	bytesTotal atomic.Uint64
}

// NewDrive creates a reader for one drive's files.
func NewDrive(logger *zap.Logger, id string, files []*plot.File, pool *bufpool.Pool, out chan<- ReadReply, cfg Config, onFail func(*plot.File, error)) *Drive {
	return &Drive{
		logger: logger.With(zap.String("drive", id)),
		id:     id,
		files:  files,
		pool:   pool,
		out:    out,
		cfg:    cfg,
		onFail: onFail,
	}
}

// ID returns the drive identifier.
func (d *Drive) ID() string { return d.id }

// Progress reports bytes read so far and the round's total for this drive.
func (d *Drive) Progress() (read, total uint64) {
	return d.bytesRead.Load(), d.bytesTotal.Load()
}

// Run scans every file for the given round and returns when the drive is
// done or ctx is cancelled. Cancellation is checked before every buffer
// acquisition and before every chunk hand-off, so it takes effect within one
// chunk's processing time and never strands a slot.
func (d *Drive) Run(ctx context.Context, r *round.Round) {
	var total uint64
	for _, f := range d.files {
		total += uint64(f.ScoopLength())
	}
	d.bytesTotal.Store(total)
	d.bytesRead.Store(0)

	for _, f := range d.files {
		if ctx.Err() != nil {
			d.logger.Debug("scan cancelled", zap.Uint64("height", r.Height))
			return
		}
		if err := d.readFile(ctx, r, f); err != nil && ctx.Err() == nil {
			d.logger.Error("plot read failed, excluding file until next scan",
				zap.String("plot", f.ID()), zap.Error(err))
			if d.onFail != nil {
				d.onFail(f, err)
			}
		}
	}
	if ctx.Err() != nil {
		return
	}

	// End-of-scan marker; travels through the hasher like data does so
	// completion can't outrun in-flight buffers of this drive.
	select {
	case d.out <- ReadReply{Round: r, Finished: true}:
	case <-ctx.Done():
	}
}

func (d *Drive) readFile(ctx context.Context, r *round.Round, f *plot.File) error {
	h, direct, err := f.Open()
	if err != nil {
		return err
	}
	defer h.Close()

	npc := NoncesPerChunk(d.pool.SlotSize())
	scoopStart := f.ScoopOffset(r.Scoop)

	for done := uint64(0); done < f.Nonces; {
		n := f.Nonces - done
		if n > npc {
			n = npc
		}

		slot, err := d.acquire(ctx)
		if err != nil {
			return nil // cancelled; nothing held
		}

		offset := scoopStart + int64(done)*poc.ScoopSize
		length := int64(n) * poc.ScoopSize
		data, err := readChunk(h, slot, offset, length, direct)
		if err != nil {
			d.pool.Release(slot)
			return err
		}
		d.bytesRead.Add(uint64(length))

		reply := ReadReply{
			Slot:       slot,
			Data:       data,
			Round:      r,
			AccountID:  f.AccountID,
			StartNonce: f.StartNonce + done,
			Nonces:     n,
			PlotID:     f.ID(),
		}
		select {
		case d.out <- reply:
		case <-ctx.Done():
			// Superseded mid-hand-off: the slot was never seen by the
			// hasher, so it is ours to give back.
			d.pool.Release(slot)
			return nil
		}
		done += n
	}
	return nil
}

func (d *Drive) acquire(ctx context.Context) (*bufpool.Slot, error) {
	for {
		slot, err := d.pool.Acquire(ctx, d.cfg.AcquireTimeout)
		switch err {
		case nil:
			return slot, nil
		case bufpool.ErrExhausted:
			// Backpressure stall: the hashers are behind. Warn and keep
			// waiting; this is diagnostic, not fatal.
			d.logger.Warn("buffer pool exhausted, reader stalled")
		default:
			return nil, err
		}
	}
}

// readChunk fills the slot from the file. Direct I/O requires the read offset
// and buffer to be 4 KiB aligned, so the read is widened to the enclosing
// aligned range and the returned view skips the slack.
func readChunk(h io.ReaderAt, slot *bufpool.Slot, offset, length int64, direct bool) ([]byte, error) {
	if !direct {
		buf := slot.Data[:length]
		if _, err := h.ReadAt(buf, offset); err != nil {
			return nil, err
		}
		return buf, nil
	}

	const align = 4096
	alignedOff := offset &^ (align - 1)
	skip := offset - alignedOff
	readLen := (skip + length + align - 1) &^ (align - 1)
	buf := slot.Data[:readLen]
	n, err := h.ReadAt(buf, alignedOff)
	// A short read at EOF may still cover the range we asked for.
	if err != nil && !(err == io.EOF && int64(n) >= skip+length) {
		return nil, err
	}
	return buf[skip : skip+length], nil
}

// Wakeup touches the first plot on the drive so a parked disk spins up ahead
// of the next round.
func (d *Drive) Wakeup() {
	if len(d.files) == 0 {
		return
	}
	f := d.files[0]
	h, err := os.Open(f.Path)
	if err != nil {
		return
	}
	defer h.Close()
	var one [poc.ScoopSize]byte
	h.ReadAt(one[:], 0)
}
