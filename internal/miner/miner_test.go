package miner

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/shizukutanaka/Karite/internal/config"
	"github.com/shizukutanaka/Karite/internal/poc"
)

const testGenSig = "4a6f686e6e7946464d206861742064656e206772f6df74656e2050656e697321"

// writePlot creates a sparse plot whose scoop region for the given scoop
// holds deterministic pseudo-random bytes, and returns that region.
func writePlot(t *testing.T, dir string, account, start, nonces uint64, scoop uint32, seed byte) []byte {
	t.Helper()
	path := filepath.Join(dir, fmt.Sprintf("%d_%d_%d", account, start, nonces))
	h, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()
	if err := h.Truncate(int64(poc.CapacityBytes(nonces))); err != nil {
		t.Fatal(err)
	}
	region := make([]byte, nonces*poc.ScoopSize)
	x := uint32(seed) + 1
	for i := range region {
		x = x*1664525 + 1013904223
		region[i] = byte(x >> 24)
	}
	if _, err := h.WriteAt(region, int64(scoop)*int64(nonces)*poc.ScoopSize); err != nil {
		t.Fatal(err)
	}
	return region
}

// bruteBest hashes every nonce in the region sequentially and returns the
// minimum raw deadline and its nonce.
func bruteBest(gensig *[poc.GenSigSize]byte, region []byte, start uint64) (best, nonce uint64) {
	best = ^uint64(0)
	for i := uint64(0); i*poc.ScoopSize < uint64(len(region)); i++ {
		if d := poc.Deadline(gensig, region[i*poc.ScoopSize:(i+1)*poc.ScoopSize]); d < best {
			best, nonce = d, start+i
		}
	}
	return best, nonce
}

type submission struct {
	account, nonce, deadline uint64
}

// testUpstream serves getMiningInfo and records submitNonce calls. gensig is
// an atomic pointer so tests can flip the round.
func testUpstream(t *testing.T, height uint64, gensig *atomic.Value, subs chan submission) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		switch q.Get("requestType") {
		case "getMiningInfo":
			json.NewEncoder(w).Encode(map[string]any{
				"height":              height,
				"baseTarget":          1,
				"targetDeadline":      uint64(1) << 62,
				"generationSignature": gensig.Load().(string),
			})
		case "submitNonce":
			var s submission
			fmt.Sscan(q.Get("accountId"), &s.account)
			fmt.Sscan(q.Get("nonce"), &s.nonce)
			fmt.Sscan(q.Get("deadline"), &s.deadline)
			select {
			case subs <- s:
			default:
			}
			// baseTarget is 1, so the adjusted deadline equals the raw one.
			json.NewEncoder(w).Encode(map[string]any{"deadline": s.deadline, "result": "success"})
		default:
			http.Error(w, "bad request", http.StatusBadRequest)
		}
	}))
}

func testConfig(dir, url string) *config.Config {
	cfg := config.Default()
	cfg.PlotDirs = []string{dir}
	cfg.URL = url
	cfg.IOBufferSize = 16 << 10
	cfg.BufferCount = 2
	cfg.WorkerThreads = 2
	cfg.HDDUseDirectIO = false
	cfg.SubmitOnlyBest = true
	cfg.GetMiningInfoInterval = config.Duration(time.Second)
	cfg.Logging.Console = false
	return cfg
}

func TestMinerFindsAndSubmitsBestDeadline(t *testing.T) {
	const height = 42
	gensig, err := poc.DecodeGenSig(testGenSig)
	if err != nil {
		t.Fatal(err)
	}
	scoop := poc.CalculateScoop(height, &gensig)

	dir := t.TempDir()
	// Two plots for the same account; several chunks each with a 16 KiB slot.
	r1 := writePlot(t, dir, 7, 0, 300, scoop, 1)
	r2 := writePlot(t, dir, 7, 1000, 300, scoop, 2)

	best1, nonce1 := bruteBest(&gensig, r1, 0)
	best2, nonce2 := bruteBest(&gensig, r2, 1000)
	wantBest, wantNonce := best1, nonce1
	if best2 < best1 {
		wantBest, wantNonce = best2, nonce2
	}

	var sig atomic.Value
	sig.Store(testGenSig)
	subs := make(chan submission, 16)
	srv := testUpstream(t, height, &sig, subs)
	defer srv.Close()

	m, err := New(zaptest.NewLogger(t), testConfig(dir, srv.URL))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	select {
	case s := <-subs:
		if s.account != 7 {
			t.Errorf("submitted account %d, want 7", s.account)
		}
		if s.deadline != wantBest {
			t.Errorf("submitted deadline %d, want brute-forced best %d", s.deadline, wantBest)
		}
		if s.nonce != wantNonce {
			t.Errorf("submitted nonce %d, want %d", s.nonce, wantNonce)
		}
	case <-time.After(30 * time.Second):
		t.Fatal("no submission arrived")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("miner did not stop")
	}
	if free := m.buffers.Free(); free != m.buffers.Size() {
		t.Errorf("%d of %d slots free after shutdown", free, m.buffers.Size())
	}
}

func TestRoundSupersessionLeaksNoBuffers(t *testing.T) {
	const height = 42
	gensig, _ := poc.DecodeGenSig(testGenSig)
	scoop := poc.CalculateScoop(height, &gensig)

	dir := t.TempDir()
	writePlot(t, dir, 7, 0, 500, scoop, 3)

	// A fresh generation signature on every poll supersedes each round
	// roughly once per second.
	var sig atomic.Value
	sig.Store(testGenSig)
	subs := make(chan submission, 64)
	var polls atomic.Uint64
	srv := testUpstream(t, height, &sig, subs)
	defer srv.Close()
	go func() {
		for i := 0; i < 3; i++ {
			time.Sleep(1100 * time.Millisecond)
			n := polls.Add(1)
			sig.Store(fmt.Sprintf("%062x%02x", 0, n))
		}
	}()

	m, err := New(zaptest.NewLogger(t), testConfig(dir, srv.URL))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	time.Sleep(4500 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("miner did not stop")
	}

	if free := m.buffers.Free(); free != m.buffers.Size() {
		t.Errorf("%d of %d slots free after repeated supersession", free, m.buffers.Size())
	}
	if r := m.controller.Current(); r == nil || r.Block < 2 {
		t.Error("rounds did not supersede")
	}
}

func TestBufferCountAuto(t *testing.T) {
	cfg := config.Default()

	if got := bufferCount(cfg, 8, 3); got != 11 {
		t.Errorf("auto count = %d, want workers+drives = 11", got)
	}
	cfg.BufferCount = 4
	if got := bufferCount(cfg, 8, 3); got != 4 {
		t.Errorf("explicit count = %d, want 4", got)
	}
	cfg.BufferCount = 1
	if got := bufferCount(cfg, 0, 0); got != 2 {
		t.Errorf("count = %d, want floor of 2", got)
	}
}
