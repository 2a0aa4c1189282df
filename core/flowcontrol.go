package core

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// tokenBucket is the per-connection rate limiter of spec §3.6/§4.4. The
// shape mirrors golang.org/x/time/rate.Limiter's refill model (an indirect
// dependency of this module's stack), reimplemented directly so tokens and
// maxBurst remain inspectable for the invariant checks in spec §8.
type tokenBucket struct {
	mu               sync.Mutex
	clk              clock.Clock
	tokens           float64
	maxBurst         float64
	refillRatePerSec float64
	lastRefill       time.Time
}

func newTokenBucket(clk clock.Clock, maxBurst, refillRatePerSec float64) *tokenBucket {
	if clk == nil {
		clk = clock.New()
	}
	return &tokenBucket{
		clk:              clk,
		tokens:           maxBurst,
		maxBurst:         maxBurst,
		refillRatePerSec: refillRatePerSec,
		lastRefill:       clk.Now(),
	}
}

func (b *tokenBucket) refillLocked() {
	now := b.clk.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.refillRatePerSec
	if b.tokens > b.maxBurst {
		b.tokens = b.maxBurst
	}
	b.lastRefill = now
}

// trySend refills the bucket and atomically subtracts n tokens if
// available, reporting success.
func (b *tokenBucket) trySend(n float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	if b.tokens >= n {
		b.tokens -= n
		return true
	}
	return false
}

// acquire loops trySend with bounded sleep until n tokens are available or
// ctx is done, in which case it returns false (spec §4.4, §5 suspension
// point (a)).
func (b *tokenBucket) acquire(ctx context.Context, n float64) bool {
	if b.trySend(n) {
		return true
	}
	ticker := b.clk.Ticker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if b.trySend(n) {
				return true
			}
		}
	}
}

// snapshotTokens returns the current token count without consuming any,
// refilling first. Used by invariant tests (spec §8: tokens <= maxBurst).
func (b *tokenBucket) snapshotTokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	return b.tokens
}

// congestionPhase is the CUBIC-style state machine phase (spec §3.6).
type congestionPhase uint8

const (
	phaseSlowStart congestionPhase = iota
	phaseAvoidance
	phaseRecovery
)

const (
	mss            = 1336 // spec §6.7 max frame payload
	minCwnd        = 2 * mss
	initialCwnd    = 10 * mss
	initialSsthres = 64 * mss
	rtoFloor       = 100 * time.Millisecond
	rtoCeiling     = 5 * time.Second
	lossBeta       = 0.7
)

// congestionControl implements the per-connection congestion window state
// machine of spec §4.4: slow-start, congestion avoidance, and loss
// recovery, driven by ACK and loss events carrying (bytes, RTT).
type congestionControl struct {
	mu sync.Mutex

	cwnd          float64
	ssthresh      float64
	bytesInFlight int64

	smoothedRTT time.Duration
	rttVar      time.Duration
	rto         time.Duration
	haveRTT     bool

	phase congestionPhase
}

func newCongestionControl() *congestionControl {
	return &congestionControl{
		cwnd:     initialCwnd,
		ssthresh: initialSsthres,
		rto:      1 * time.Second,
		phase:    phaseSlowStart,
	}
}

// canSend reports whether n more bytes would keep bytesInFlight <= cwnd
// (spec §3.6 invariant).
func (c *congestionControl) canSend(n int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytesInFlight+n <= int64(c.cwnd)
}

// markSent accounts n bytes as newly in flight.
func (c *congestionControl) markSent(n int64) {
	c.mu.Lock()
	c.bytesInFlight += n
	c.mu.Unlock()
}

// onAck updates RTT estimates and the congestion window/phase for an ACK
// covering b bytes observed with round-trip time rtt (spec §4.4).
func (c *congestionControl) onAck(b int64, rtt time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.bytesInFlight -= b
	if c.bytesInFlight < 0 {
		c.bytesInFlight = 0
	}

	if !c.haveRTT {
		c.smoothedRTT = rtt
		c.rttVar = rtt / 2
		c.haveRTT = true
	} else {
		diff := rtt - c.smoothedRTT
		if diff < 0 {
			diff = -diff
		}
		c.rttVar = c.rttVar + (diff-c.rttVar)/4 // β = 1/4
		c.smoothedRTT = c.smoothedRTT + (rtt-c.smoothedRTT)/8 // α = 1/8
	}
	c.rto = c.smoothedRTT + 4*c.rttVar
	if c.rto < rtoFloor {
		c.rto = rtoFloor
	}
	if c.rto > rtoCeiling {
		c.rto = rtoCeiling
	}

	switch c.phase {
	case phaseSlowStart:
		c.cwnd += float64(b)
		if c.cwnd >= c.ssthresh {
			c.phase = phaseAvoidance
		}
	case phaseAvoidance:
		c.cwnd += float64(b) * mss / c.cwnd
	case phaseRecovery:
		// ACK of a retransmitted byte exits recovery back to avoidance.
		c.phase = phaseAvoidance
	}
}

// onLoss reacts to b bytes being declared lost: halve-ish the window per
// CUBIC's multiplicative-decrease factor and enter recovery (spec §4.4).
func (c *congestionControl) onLoss(b int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ssthresh = c.cwnd * lossBeta
	if c.ssthresh < minCwnd {
		c.ssthresh = minCwnd
	}
	c.cwnd = c.ssthresh
	c.phase = phaseRecovery
	c.bytesInFlight -= b
	if c.bytesInFlight < 0 {
		c.bytesInFlight = 0
	}
}

func (c *congestionControl) snapshot() (cwnd float64, bytesInFlight int64, phase congestionPhase, rto time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cwnd, c.bytesInFlight, c.phase, c.rto
}
