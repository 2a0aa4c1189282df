package core

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
)

// FlowController is the per-connection L2 instance a Connection owns (spec
// §3.3 `control` field): a token bucket gates raw send rate, a congestion
// window gates how many bytes may be outstanding, and every send/ack/loss
// is mirrored into the process-wide GlobalFlow aggregate.
type FlowController struct {
	connID uint64
	clk    clock.Clock
	bucket *tokenBucket
	cwin   *congestionControl
	global *globalFlowAggregate
}

// NewFlowController builds a FlowController with the reference defaults:
// a token bucket with a fixed 4 MSS burst and 100 MSS/sec refill, and the
// initial cwnd per spec §6.7.
func NewFlowController(connID uint64, clk clock.Clock, global *globalFlowAggregate) *FlowController {
	if clk == nil {
		clk = clock.New()
	}
	if global == nil {
		global = GlobalFlow()
	}
	fc := &FlowController{
		connID: connID,
		clk:    clk,
		bucket: newTokenBucket(clk, float64(4*mss), float64(2*mss)*50), // ~100 MSS/sec refill, 4 MSS burst-plus slack
		cwin:   newCongestionControl(),
		global: global,
	}
	global.register(connID, fc.cwin)
	return fc
}

// Close deregisters this connection's controller from the global aggregate
// (spec §9: the global singleton holds only weak handles).
func (fc *FlowController) Close() {
	fc.global.deregister(fc.connID)
}

// AcquireSendPermission blocks (respecting ctx) until n bytes may be sent:
// the token bucket has n tokens, the congestion window has room, and the
// global aggregate is under both its caps. This is suspension point (a) of
// spec §5. A deadline expiring while waiting on any of those three gates is
// ErrBackpressured (spec §8 scenario 6: a temporary, retry-later condition).
// ErrResourceExhausted is reserved for a single n that could never be
// admitted even against an otherwise idle aggregate — a structural cap
// violation no amount of waiting resolves (spec §7).
func (fc *FlowController) AcquireSendPermission(ctx context.Context, n int64) error {
	if fc.global.exceedsCapacity(n) {
		return ErrResourceExhausted
	}
	if !fc.bucket.acquire(ctx, float64(n)) {
		return ErrBackpressured
	}
	ticker := fc.clk.Ticker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if fc.cwin.canSend(n) && fc.global.canSendGlobally(n) {
			fc.cwin.markSent(n)
			fc.global.markSent(n)
			return nil
		}
		select {
		case <-ctx.Done():
			return ErrBackpressured
		case <-ticker.C:
		}
	}
}

// OnAck credits an ACKed fragment of b bytes with RTT sample rtt to both the
// congestion window and the global aggregate (spec §4.3 step 3, §4.4).
func (fc *FlowController) OnAck(b int64, rtt time.Duration) {
	fc.cwin.onAck(b, rtt)
	fc.global.markAcked(b)
}

// OnLoss reports b bytes as lost (retransmit-budget exhaustion or a
// cancelled send unwinding its permits, spec §5 cancellation semantics).
func (fc *FlowController) OnLoss(b int64) {
	fc.cwin.onLoss(b)
	fc.global.markLost(b)
}

// RTO returns the current retransmission timeout estimate.
func (fc *FlowController) RTO() time.Duration {
	_, _, _, rto := fc.cwin.snapshot()
	return rto
}
