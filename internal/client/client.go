// Package client talks to the pool/proxy/wallet: it polls mining info and
// submits nonces. The engine treats it as a black box with its own retry
// policy; nothing here blocks the scanning pipeline.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shizukutanaka/Karite/internal/round"
)

// Version is stamped into the User-Agent the pool sees.
const Version = "1.0.0"

// flexUint64 accepts both JSON numbers and quoted numbers; wallets disagree
// on which one they emit.
type flexUint64 uint64

func (f *flexUint64) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' {
		s = s[1 : len(s)-1]
	}
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return err
	}
	*f = flexUint64(v)
	return nil
}

// MiningInfo is the current round as reported by the upstream.
type MiningInfo struct {
	Height              uint64
	BaseTarget          uint64
	TargetDeadline      uint64
	GenerationSignature string
}

func (m *MiningInfo) UnmarshalJSON(b []byte) error {
	var aux struct {
		Height              flexUint64 `json:"height"`
		BaseTarget          flexUint64 `json:"baseTarget"`
		TargetDeadline      flexUint64 `json:"targetDeadline"`
		GenerationSignature string     `json:"generationSignature"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	m.Height = uint64(aux.Height)
	m.BaseTarget = uint64(aux.BaseTarget)
	m.TargetDeadline = uint64(aux.TargetDeadline)
	m.GenerationSignature = aux.GenerationSignature
	return nil
}

// PoolError is an application-level rejection from the upstream.
type PoolError struct {
	Code    int    `json:"errorCode"`
	Message string `json:"errorDescription"`
}

func (e *PoolError) Error() string {
	return fmt.Sprintf("pool error %d: %s", e.Code, e.Message)
}

type submitResponse struct {
	Deadline flexUint64 `json:"deadline"`
	Result   string     `json:"result"`
	PoolError
}

// Config tunes the upstream client.
type Config struct {
	BaseURL           string
	Timeout           time.Duration
	SecretPhrases     map[uint64]string // account -> passphrase, solo mining only
	SendProxyDetails  bool
	AdditionalHeaders map[string]string
}

// retryDelay spaces out resubmission attempts after upstream failures.
const retryDelay = 3 * time.Second

// Client implements round.Submitter over the Burst-style HTTP API.
type Client struct {
	logger *zap.Logger
	cfg    Config
	http   *http.Client
	base   *url.URL

	capacityGiB atomic.Uint64
	submissions chan round.Submission
}

// New validates the upstream URL and builds the client. capacityGiB is the
// initial committed capacity advertised via X-Capacity.
func New(logger *zap.Logger, cfg Config, capacityGiB uint64) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream url %q: %w", cfg.BaseURL, err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	c := &Client{
		logger:      logger,
		cfg:         cfg,
		http:        &http.Client{Timeout: cfg.Timeout},
		base:        base,
		submissions: make(chan round.Submission, 64),
	}
	c.capacityGiB.Store(capacityGiB)
	return c, nil
}

// UpdateCapacity refreshes the advertised capacity after a rescan.
func (c *Client) UpdateCapacity(gib uint64) { c.capacityGiB.Store(gib) }

func (c *Client) userAgent() string { return "karite/" + Version }

func (c *Client) decorate(req *http.Request) {
	req.Header.Set("User-Agent", c.userAgent())
	req.Header.Set("X-Request-Id", uuid.NewString())
	if c.cfg.SendProxyDetails {
		req.Header.Set("X-Capacity", strconv.FormatUint(c.capacityGiB.Load(), 10))
		req.Header.Set("X-Miner", c.userAgent())
		if host, err := os.Hostname(); err == nil {
			req.Header.Set("X-Minername", host)
		}
	}
	for k, v := range c.cfg.AdditionalHeaders {
		req.Header.Set(k, v)
	}
}

func (c *Client) endpoint(query url.Values) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + "/burst"
	u.RawQuery = query.Encode()
	return u.String()
}

// GetMiningInfo polls the upstream for the current round.
func (c *Client) GetMiningInfo(ctx context.Context) (*MiningInfo, error) {
	q := url.Values{"requestType": {"getMiningInfo"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(q), nil)
	if err != nil {
		return nil, err
	}
	c.decorate(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("getMiningInfo: HTTP %d", resp.StatusCode)
	}

	var info MiningInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("getMiningInfo: %w", err)
	}
	if info.GenerationSignature == "" {
		return nil, fmt.Errorf("getMiningInfo: missing generation signature")
	}
	return &info, nil
}

// SubmitNonce queues a deadline for delivery. Never blocks the caller: if the
// queue is full the oldest entry is dropped, since a newer submission always
// supersedes it anyway.
func (c *Client) SubmitNonce(s round.Submission) {
	for {
		select {
		case c.submissions <- s:
			return
		default:
			select {
			case <-c.submissions:
			default:
			}
		}
	}
}

// Run delivers queued submissions until ctx is done. One candidate is in
// flight at a time; when a delivery fails it is retried after a delay unless
// a better submission (newer block, or same block with a lower deadline)
// replaced it in the meantime.
func (c *Client) Run(ctx context.Context) {
	var pending *round.Submission
	var retry <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case s := <-c.submissions:
			if pending == nil || better(&s, pending) {
				pending = &s
				retry = nil
			}
		case <-retry:
			retry = nil
		}

		if pending != nil && retry == nil {
			if c.deliver(ctx, pending) {
				pending = nil
			} else {
				retry = time.After(retryDelay)
			}
		}
	}
}

// better prefers the newer block and, within a block, the lower deadline.
func better(a, b *round.Submission) bool {
	if a.Block != b.Block {
		return a.Block > b.Block
	}
	return a.Deadline < b.Deadline
}

// deliver performs one submitNonce call. Returns true when the submission is
// settled (accepted or permanently rejected); false means retry.
func (c *Client) deliver(ctx context.Context, s *round.Submission) bool {
	q := url.Values{
		"requestType": {"submitNonce"},
		"accountId":   {strconv.FormatUint(s.AccountID, 10)},
		"nonce":       {strconv.FormatUint(s.Nonce, 10)},
		"blockheight": {strconv.FormatUint(s.Height, 10)},
	}
	if phrase, ok := c.cfg.SecretPhrases[s.AccountID]; ok {
		q.Set("secretPhrase", phrase)
	} else {
		q.Set("deadline", strconv.FormatUint(s.DeadlineRaw, 10))
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.endpoint(q), nil)
	if err != nil {
		c.logger.Error("building submitNonce request", zap.Error(err))
		return true
	}
	c.decorate(req)
	req.Header.Set("X-Deadline", strconv.FormatUint(s.Deadline, 10))
	if c.cfg.SendProxyDetails && s.PlotID != "" {
		req.Header.Set("X-Plotfile", s.PlotID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("submission failed, retrying",
			zap.Uint64("account", s.AccountID),
			zap.Uint64("nonce", s.Nonce),
			zap.Uint64("deadline", s.Deadline),
			zap.Error(err),
		)
		return false
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	var sr submitResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		c.logger.Warn("unparseable submission response, retrying",
			zap.ByteString("body", body))
		return false
	}

	switch {
	case sr.Code != 0 || sr.Result == "":
		if sr.Message == "" || sr.Message == "limit exceeded" {
			c.logger.Warn("pool busy, retrying submission",
				zap.Uint64("account", s.AccountID),
				zap.Uint64("nonce", s.Nonce),
			)
			return false
		}
		c.logger.Error("submission not accepted",
			zap.Uint64("height", s.Height),
			zap.Uint64("account", s.AccountID),
			zap.Uint64("nonce", s.Nonce),
			zap.Uint64("deadline", s.Deadline),
			zap.Int("code", sr.Code),
			zap.String("message", sr.Message),
		)
		return true
	case uint64(sr.Deadline) != s.Deadline:
		// The upstream computed a different deadline from the same nonce:
		// either our plot data is damaged or the hash path is broken.
		c.logger.Error("deadline mismatch",
			zap.Uint64("height", s.Height),
			zap.Uint64("account", s.AccountID),
			zap.Uint64("nonce", s.Nonce),
			zap.Uint64("deadline_miner", s.Deadline),
			zap.Uint64("deadline_pool", uint64(sr.Deadline)),
		)
		return true
	default:
		c.logger.Info("deadline accepted",
			zap.Uint64("account", s.AccountID),
			zap.Uint64("nonce", s.Nonce),
			zap.Uint64("deadline", s.Deadline),
		)
		return true
	}
}
