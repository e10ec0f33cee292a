// Package round owns the authoritative "current round" state: the challenge
// handed down by the pool, the per-account running best deadlines, and the
// bookkeeping that tells us when a full scan finished.
package round

import (
	"time"

	"github.com/shizukutanaka/Karite/internal/poc"
)

// Round is one mining round. Instances are immutable after creation; the
// controller publishes a new pointer when the generation signature changes,
// so no reader or hasher can ever observe a half-updated round.
type Round struct {
	Height         uint64
	Block          uint64 // local round counter, bumps on every gensig change
	BaseTarget     uint64
	TargetDeadline uint64 // server-side cap, MaxUint64 when absent
	GenSig         [poc.GenSigSize]byte
	GenSigHex      string
	Scoop          uint32
	Started        time.Time

	// ScanBytes is the total scoop volume to read for this round, fixed
	// from the plot snapshot at round start. Used for speed reporting.
	ScanBytes uint64
}

// NonceData is one hashing result: the best raw deadline found in one buffer
// of scoops, or a bare completion marker when Finished is set with no data.
type NonceData struct {
	Height     uint64
	Block      uint64
	BaseTarget uint64
	Deadline   uint64 // raw; divide by BaseTarget for seconds
	Nonce      uint64
	AccountID  uint64
	PlotID     string
	Finished   bool // the emitting reader task has drained its last buffer
	Empty      bool // no scoops were hashed (cancelled or zero-length chunk)
}

// Adjusted returns the deadline in seconds.
func (n *NonceData) Adjusted() uint64 {
	if n.BaseTarget == 0 {
		return n.Deadline
	}
	return n.Deadline / n.BaseTarget
}

// Best is the running minimum for one account within a round.
type Best struct {
	AccountID uint64
	Nonce     uint64
	Raw       uint64
	Adjusted  uint64
	PlotID    string
	Height    uint64
}

// beats reports whether the candidate improves on cur. Order is total and
// deterministic: lower adjusted deadline first, ties broken by lower
// (plot id, nonce) so repeated scans of the same data reproduce the same
// winner regardless of hashing order.
func (n *NonceData) beats(cur *Best) bool {
	adj := n.Adjusted()
	switch {
	case adj != cur.Adjusted:
		return adj < cur.Adjusted
	case n.PlotID != cur.PlotID:
		return n.PlotID < cur.PlotID
	default:
		return n.Nonce < cur.Nonce
	}
}
