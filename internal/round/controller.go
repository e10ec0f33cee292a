package round

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/shizukutanaka/Karite/internal/poc"
)

// Submission carries everything the upstream client needs to report a
// deadline. Defined here so the client depends on round, not the other way
// around.
type Submission struct {
	AccountID   uint64
	Nonce       uint64
	Height      uint64
	Block       uint64
	DeadlineRaw uint64
	Deadline    uint64
	PlotID      string
	GenSig      [poc.GenSigSize]byte
}

// Submitter hands a deadline to the pool/wallet. Retry and backoff live
// behind this interface, not in the controller.
type Submitter interface {
	SubmitNonce(s Submission)
}

// Config tunes submission policy.
type Config struct {
	// TargetDeadline is the default per-account cap in seconds; deadlines
	// above it are not worth submitting. Zero means no cap.
	TargetDeadline uint64
	// AccountTargetDeadlines overrides TargetDeadline per account.
	AccountTargetDeadlines map[uint64]uint64
	// SubmitOnlyBest defers submission until the scan completes and then
	// submits the single overall best, instead of streaming improvements.
	SubmitOnlyBest bool
}

// Controller folds hashing results into per-account running minima, decides
// what to submit, detects round completion, and exposes the current round to
// the rest of the engine through an atomic pointer.
type Controller struct {
	logger    *zap.Logger
	cfg       Config
	submitter Submitter

	current atomic.Pointer[Round]
	block   atomic.Uint64

	mu          sync.Mutex
	bests       map[uint64]*Best
	readerTasks int
	finished    int
	scanning    bool
	pendingBest *Submission // submit-only-best candidate

	onComplete func(r *Round, elapsed time.Duration)
}

// NewController creates a controller. onComplete may be nil; it fires once
// per round that runs to full completion (not on supersession).
func NewController(logger *zap.Logger, cfg Config, submitter Submitter, onComplete func(*Round, time.Duration)) *Controller {
	if cfg.TargetDeadline == 0 {
		cfg.TargetDeadline = math.MaxUint64
	}
	return &Controller{
		logger:     logger,
		cfg:        cfg,
		submitter:  submitter,
		bests:      make(map[uint64]*Best),
		onComplete: onComplete,
	}
}

// Current returns the active round, or nil before the first one.
func (c *Controller) Current() *Round { return c.current.Load() }

// StartRound installs a new round for the given mining info and resets all
// per-round aggregation state. The swap of the round pointer is the single
// atomic supersession point: work tagged with the previous block number is
// discarded by Fold from then on.
func (c *Controller) StartRound(height, baseTarget, targetDeadline uint64, gensigHex string, readerTasks int, scanBytes uint64) (*Round, error) {
	gensig, err := poc.DecodeGenSig(gensigHex)
	if err != nil {
		return nil, err
	}
	if targetDeadline == 0 {
		targetDeadline = math.MaxUint64
	}
	r := &Round{
		Height:         height,
		Block:          c.block.Add(1),
		BaseTarget:     baseTarget,
		TargetDeadline: targetDeadline,
		GenSig:         gensig,
		GenSigHex:      gensigHex,
		Scoop:          poc.CalculateScoop(height, &gensig),
		Started:        time.Now(),
		ScanBytes:      scanBytes,
	}

	c.mu.Lock()
	c.bests = make(map[uint64]*Best)
	c.readerTasks = readerTasks
	c.finished = 0
	c.scanning = readerTasks > 0
	c.pendingBest = nil
	c.mu.Unlock()

	c.current.Store(r)
	c.logger.Info("new round",
		zap.Uint64("height", height),
		zap.Uint32("scoop", r.Scoop),
		zap.Uint64("base_target", baseTarget),
		zap.Int("reader_tasks", readerTasks),
	)
	return r, nil
}

// Fold merges one hashing result into the round state. Results from a
// superseded round are dropped, so late arrivals on the cancellation path can
// never leak into the new round's aggregation.
func (c *Controller) Fold(nd NonceData) {
	r := c.current.Load()
	if r == nil || nd.Block != r.Block || nd.Height != r.Height {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !nd.Empty {
		cur, ok := c.bests[nd.AccountID]
		if !ok || nd.beats(cur) {
			improved := &Best{
				AccountID: nd.AccountID,
				Nonce:     nd.Nonce,
				Raw:       nd.Deadline,
				Adjusted:  nd.Adjusted(),
				PlotID:    nd.PlotID,
				Height:    nd.Height,
			}
			firstOrBetter := !ok || improved.Adjusted < cur.Adjusted
			c.bests[nd.AccountID] = improved

			if firstOrBetter && improved.Adjusted < c.targetFor(nd.AccountID, r) {
				sub := Submission{
					AccountID:   improved.AccountID,
					Nonce:       improved.Nonce,
					Height:      improved.Height,
					Block:       nd.Block,
					DeadlineRaw: improved.Raw,
					Deadline:    improved.Adjusted,
					PlotID:      improved.PlotID,
					GenSig:      r.GenSig,
				}
				if c.cfg.SubmitOnlyBest {
					if c.pendingBest == nil || sub.Deadline < c.pendingBest.Deadline {
						c.pendingBest = &sub
					}
				} else {
					c.submitter.SubmitNonce(sub)
				}
			}
		}
	}

	if nd.Finished {
		c.finished++
		if c.scanning && c.finished == c.readerTasks {
			c.scanning = false
			c.completeLocked(r)
		}
	}
}

func (c *Controller) targetFor(account uint64, r *Round) uint64 {
	target := c.cfg.TargetDeadline
	if t, ok := c.cfg.AccountTargetDeadlines[account]; ok {
		target = t
	}
	if r.TargetDeadline < target {
		target = r.TargetDeadline
	}
	return target
}

func (c *Controller) completeLocked(r *Round) {
	elapsed := time.Since(r.Started)
	speed := float64(r.ScanBytes) / (1 << 20) / elapsed.Seconds()
	c.logger.Info("round finished",
		zap.Uint64("height", r.Height),
		zap.Duration("roundtime", elapsed),
		zap.Float64("mib_per_sec", speed),
	)

	if c.pendingBest != nil {
		c.submitter.SubmitNonce(*c.pendingBest)
		c.pendingBest = nil
	}
	if c.onComplete != nil {
		go c.onComplete(r, elapsed)
	}
}

// Scanning reports whether the current round's scan is still in progress.
func (c *Controller) Scanning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scanning
}

// Bests returns a copy of the per-account running minima, for the status API.
func (c *Controller) Bests() []Best {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Best, 0, len(c.bests))
	for _, b := range c.bests {
		out = append(out, *b)
	}
	return out
}
