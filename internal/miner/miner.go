// Package miner wires the engine together: plot scanner, buffer pool, drive
// readers, hashing workers, round controller and upstream client.
package miner

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/pbnjay/memory"
	"go.uber.org/zap"

	"github.com/shizukutanaka/Karite/internal/api"
	"github.com/shizukutanaka/Karite/internal/bufpool"
	"github.com/shizukutanaka/Karite/internal/client"
	"github.com/shizukutanaka/Karite/internal/config"
	"github.com/shizukutanaka/Karite/internal/hasher"
	"github.com/shizukutanaka/Karite/internal/monitoring"
	"github.com/shizukutanaka/Karite/internal/plot"
	"github.com/shizukutanaka/Karite/internal/poc"
	"github.com/shizukutanaka/Karite/internal/reader"
	"github.com/shizukutanaka/Karite/internal/round"
)

// Miner owns the long-lived stages and drives one round per generation
// signature change.
type Miner struct {
	logger  *zap.Logger
	cfg     *config.Config
	kernel  poc.Kernel
	workers int

	scanner    *plot.Scanner
	buffers    *bufpool.Pool
	client     *client.Client
	controller *round.Controller
	metrics    *monitoring.Metrics

	toHash  chan reader.ReadReply
	results chan round.NonceData

	mu          sync.Mutex
	excluded    map[string]bool // plot ids failed this scan generation
	drives      []*reader.Drive
	roundCancel context.CancelFunc
	roundWG     sync.WaitGroup

	lastExhausted int64
}

// New probes the CPU, self-tests the selected kernel, scans the plot
// directories once and builds every stage. It fails rather than mine with a
// kernel that cannot reproduce the reference deadline.
func New(logger *zap.Logger, cfg *config.Config) (*Miner, error) {
	kernel := poc.SelectKernel()
	if err := poc.SelfTest(); err != nil {
		return nil, fmt.Errorf("deadline kernel self-test failed: %w", err)
	}
	logger.Info("deadline kernel selected",
		zap.String("kernel", kernel.Name),
		zap.Int("lanes", kernel.Lanes),
	)

	scanner := plot.NewScanner(logger, cfg.PlotDirs, cfg.HDDUseDirectIO, cfg.CapacityCheckInterval.Std())
	snap := scanner.Scan()
	if snap.Files == 0 {
		logger.Warn("no plot files found, mining anyway in case plots appear")
	}

	workers := cfg.WorkerThreads
	if workers == 0 {
		workers = runtime.NumCPU()
	}
	buffers := bufpool.New(bufferCount(cfg, workers, len(snap.Drives)), cfg.IOBufferSize)

	upstream, err := client.New(logger, client.Config{
		BaseURL:           cfg.URL,
		Timeout:           cfg.Timeout.Std(),
		SecretPhrases:     cfg.AccountIDToSecretPhrase,
		SendProxyDetails:  cfg.SendProxyDetails,
		AdditionalHeaders: cfg.AdditionalHeaders,
	}, snap.TotalBytes()>>30)
	if err != nil {
		return nil, err
	}

	metrics := monitoring.New()
	metrics.PlotCapacity.Set(float64(snap.TotalBytes()))
	metrics.PlotFiles.Set(float64(snap.Files))

	m := &Miner{
		logger:   logger,
		cfg:      cfg,
		kernel:   kernel,
		workers:  workers,
		scanner:  scanner,
		buffers:  buffers,
		client:   upstream,
		metrics:  metrics,
		toHash:   make(chan reader.ReadReply, workers),
		results:  make(chan round.NonceData, workers),
		excluded: make(map[string]bool),
	}
	m.controller = round.NewController(logger, round.Config{
		TargetDeadline:         cfg.TargetDeadline,
		AccountTargetDeadlines: cfg.AccountIDToTargetDeadline,
		SubmitOnlyBest:         cfg.SubmitOnlyBest,
	}, upstream, m.roundComplete)
	return m, nil
}

// bufferCount sizes the pool when the config leaves it automatic: one slot
// per hashing worker plus one per drive, clamped so the pool never claims
// more than half of physical memory.
func bufferCount(cfg *config.Config, workers, drives int) int {
	count := cfg.BufferCount
	if count == 0 {
		count = workers + drives
	}
	if count < 2 {
		count = 2
	}
	if budget := memory.TotalMemory() / 2; budget > 0 {
		if max := int(budget / uint64(cfg.IOBufferSize)); max >= 2 && count > max {
			count = max
		}
	}
	return count
}

// Metrics exposes the collector set for the API server.
func (m *Miner) Metrics() *monitoring.Metrics { return m.metrics }

// Status snapshots the engine for the status endpoint.
func (m *Miner) Status() api.Status {
	st := api.Status{
		Version:      client.Version,
		Kernel:       m.kernel.Name,
		Scanning:     m.controller.Scanning(),
		BestDeadline: make(map[string]uint64),
	}
	if r := m.controller.Current(); r != nil {
		st.Height = r.Height
		st.Scoop = r.Scoop
		st.BaseTarget = r.BaseTarget
	}
	if snap := m.scanner.Current(); snap != nil {
		st.CapacityGiB = snap.TotalBytes() >> 30
		st.PlotFiles = snap.Files
	}
	for _, b := range m.controller.Bests() {
		st.BestDeadline[fmt.Sprintf("%d", b.AccountID)] = b.Adjusted
	}
	return st
}

// Run mines until ctx is done. It owns the long-lived goroutines; per-round
// readers come and go under their own child context.
func (m *Miner) Run(ctx context.Context) error {
	hashers := hasher.New(m.logger, m.kernel, m.workers, m.buffers, m.toHash, m.results)
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		hashers.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		m.client.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		m.scanner.Run(ctx, m.plotsChanged)
	}()
	go m.foldLoop(ctx)

	m.pollLoop(ctx)

	m.stopRound()
	wg.Wait()

	// Readers may have handed off a buffer after the hashers drained on
	// their way out; sweep the channel so shutdown strands nothing.
	for {
		select {
		case reply := <-m.toHash:
			if reply.Slot != nil {
				m.buffers.Release(reply.Slot)
			}
		default:
			return ctx.Err()
		}
	}
}

// pollLoop fetches mining info on the configured interval and starts a new
// round whenever the generation signature changes.
func (m *Miner) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.GetMiningInfoInterval.Std())
	defer ticker.Stop()

	var wakeup <-chan time.Time
	if after := m.cfg.HDDWakeupAfter.Std(); after > 0 {
		t := time.NewTicker(after)
		defer t.Stop()
		wakeup = t.C
	}

	var lastGenSig string
	poll := func() {
		info, err := m.client.GetMiningInfo(ctx)
		if err != nil {
			if ctx.Err() == nil {
				m.logger.Warn("getMiningInfo failed", zap.Error(err))
			}
			return
		}
		if info.GenerationSignature == lastGenSig {
			return
		}
		lastGenSig = info.GenerationSignature
		m.startRound(ctx, info)
	}

	poll()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			poll()
		case <-wakeup:
			if !m.controller.Scanning() {
				m.wakeupDrives()
			}
		}
	}
}

// startRound supersedes the previous round and launches one reader per
// drive. Readers observe cancellation before their next buffer acquisition
// or hand-off, so supersession takes effect within one chunk.
func (m *Miner) startRound(ctx context.Context, info *client.MiningInfo) {
	m.stopRound()

	snap := m.scanner.Current()
	drives := m.buildDrives(snap)

	var scanBytes uint64
	for _, files := range m.filesByDrive(snap) {
		for _, f := range files {
			scanBytes += uint64(f.ScoopLength())
		}
	}

	r, err := m.controller.StartRound(info.Height, info.BaseTarget, info.TargetDeadline,
		info.GenerationSignature, len(drives), scanBytes)
	if err != nil {
		m.logger.Error("rejecting mining info", zap.Error(err))
		return
	}
	m.metrics.RoundsStarted.Inc()
	m.metrics.BestDeadline.Set(0)

	roundCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.roundCancel = cancel
	m.drives = drives
	m.mu.Unlock()

	// reader_threads bounds how many drives read at once; zero means all.
	var sem chan struct{}
	if n := m.cfg.ReaderThreads; n > 0 && n < len(drives) {
		sem = make(chan struct{}, n)
	}
	for _, d := range drives {
		m.roundWG.Add(1)
		go func(d *reader.Drive) {
			defer m.roundWG.Done()
			if sem != nil {
				select {
				case sem <- struct{}{}:
					defer func() { <-sem }()
				case <-roundCtx.Done():
					return
				}
			}
			d.Run(roundCtx, r)
		}(d)
	}
}

// stopRound cancels the active readers and waits for them to unwind. Hashing
// workers stay up; stale results they emit afterwards are dropped by the
// controller's block check.
func (m *Miner) stopRound() {
	m.mu.Lock()
	cancel := m.roundCancel
	m.roundCancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.roundWG.Wait()
}

// filesByDrive returns the snapshot's files with failed plots filtered out,
// keyed and ordered by drive for deterministic reader assignment.
func (m *Miner) filesByDrive(snap *plot.Snapshot) map[string][]*plot.File {
	if snap == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string][]*plot.File, len(snap.Drives))
	for drive, files := range snap.Drives {
		kept := make([]*plot.File, 0, len(files))
		for _, f := range files {
			if !m.excluded[f.ID()] {
				kept = append(kept, f)
			}
		}
		if len(kept) > 0 {
			out[drive] = kept
		}
	}
	return out
}

func (m *Miner) buildDrives(snap *plot.Snapshot) []*reader.Drive {
	byDrive := m.filesByDrive(snap)
	ids := make([]string, 0, len(byDrive))
	for id := range byDrive {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	drives := make([]*reader.Drive, 0, len(ids))
	for _, id := range ids {
		drives = append(drives, reader.NewDrive(m.logger, id, byDrive[id], m.buffers,
			m.toHash, reader.Config{AcquireTimeout: 5 * time.Second}, m.plotFailed))
	}
	return drives
}

func (m *Miner) plotFailed(f *plot.File, err error) {
	m.mu.Lock()
	m.excluded[f.ID()] = true
	m.mu.Unlock()
	m.metrics.FailedPlots.Inc()
}

// plotsChanged runs after every rescan: failed plots get another chance and
// the advertised capacity follows the snapshot.
func (m *Miner) plotsChanged(snap *plot.Snapshot) {
	m.mu.Lock()
	m.excluded = make(map[string]bool)
	m.mu.Unlock()

	m.client.UpdateCapacity(snap.TotalBytes() >> 30)
	m.metrics.PlotCapacity.Set(float64(snap.TotalBytes()))
	m.metrics.PlotFiles.Set(float64(snap.Files))
}

// foldLoop moves hashing results into the controller and keeps the best
// deadline gauge current.
func (m *Miner) foldLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case nd := <-m.results:
			m.controller.Fold(nd)
			if !nd.Empty {
				m.updateBestGauge()
			}
		}
	}
}

func (m *Miner) updateBestGauge() {
	var best uint64
	var any bool
	for _, b := range m.controller.Bests() {
		if !any || b.Adjusted < best {
			best, any = b.Adjusted, true
		}
	}
	if any {
		m.metrics.BestDeadline.Set(float64(best))
	}
}

func (m *Miner) roundComplete(r *round.Round, elapsed time.Duration) {
	m.metrics.RoundDuration.Observe(elapsed.Seconds())
	m.metrics.ScanBytes.Add(float64(r.ScanBytes))

	m.mu.Lock()
	defer m.mu.Unlock()
	_, _, exhausted := m.buffers.Stats()
	if d := exhausted - m.lastExhausted; d > 0 {
		m.metrics.PoolExhausted.Add(float64(d))
		m.lastExhausted = exhausted
	}
}

func (m *Miner) wakeupDrives() {
	m.mu.Lock()
	drives := m.drives
	m.mu.Unlock()
	for _, d := range drives {
		d.Wakeup()
	}
}
