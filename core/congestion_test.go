package core

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func TestFlowControllerAcquireSendPermissionAndRTO(t *testing.T) {
	clk := clock.NewMock()
	global := newGlobalFlowAggregate(clk, 1<<30, 1<<30) // generous caps, isolate from the default singleton
	fc := NewFlowController(1, clk, global)
	defer fc.Close()

	ctx := context.Background()
	if err := fc.AcquireSendPermission(ctx, int64(mss)); err != nil {
		t.Fatalf("expected permission to be granted immediately: %v", err)
	}

	fc.OnAck(int64(mss), 30*time.Millisecond)
	if rto := fc.RTO(); rto < rtoFloor || rto > rtoCeiling {
		t.Fatalf("RTO out of bounds: %v", rto)
	}
}

func TestFlowControllerCloseDeregistersFromGlobal(t *testing.T) {
	clk := clock.NewMock()
	global := newGlobalFlowAggregate(clk, 1<<30, 1<<30)
	fc := NewFlowController(2, clk, global)
	fc.Close()

	if _, ok := global.controllers.Load(uint64(2)); ok {
		t.Fatalf("expected controller to be deregistered after Close")
	}
}

func TestGlobalFlowAggregateCapsInFlightBytes(t *testing.T) {
	clk := clock.NewMock()
	g := newGlobalFlowAggregate(clk, 100, 1<<30) // tiny in-flight cap

	if !g.canSendGlobally(100) {
		t.Fatalf("expected 100 bytes to fit under a 100-byte cap")
	}
	g.markSent(100)
	if g.canSendGlobally(1) {
		t.Fatalf("expected cap to be exhausted")
	}
	g.markAcked(100)
	if !g.canSendGlobally(100) {
		t.Fatalf("expected capacity to be freed after ack")
	}
}

func TestGlobalFlowAggregateRateWindowRollsOver(t *testing.T) {
	clk := clock.NewMock()
	g := newGlobalFlowAggregate(clk, 1<<30, 100) // tiny per-second target

	g.markSent(100)
	if g.canSendGlobally(1) {
		t.Fatalf("expected the per-second target to be exhausted")
	}
	clk.Add(1100 * time.Millisecond)
	if !g.canSendGlobally(100) {
		t.Fatalf("expected the per-second window to have rolled over")
	}
}

// TestAcquireSendPermissionReturnsBackpressuredUnderGlobalCap exercises spec
// §8 end-to-end scenario 6: once the global in-flight cap is saturated, a
// later permit request on a tight deadline must time out as Backpressured
// rather than block forever or be misclassified as ResourceExhausted (that
// classification is reserved for a single request too large for the cap to
// ever admit, see TestFlowControllerResourceExhaustedOnOversizedRequest).
func TestAcquireSendPermissionReturnsBackpressuredUnderGlobalCap(t *testing.T) {
	clk := clock.NewMock()
	global := newGlobalFlowAggregate(clk, 2048, 1<<30) // tiny in-flight cap, generous rate
	fc := NewFlowController(1, clk, global)
	defer fc.Close()

	if err := fc.AcquireSendPermission(context.Background(), 2048); err != nil {
		t.Fatalf("expected the first permit, which exactly fills the cap, to be granted immediately: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := fc.AcquireSendPermission(ctx, int64(mss)); err != ErrBackpressured {
		t.Fatalf("expected ErrBackpressured once the global in-flight cap is saturated, got %v", err)
	}
}

// TestFlowControllerResourceExhaustedOnOversizedRequest confirms the
// structural case: a single request larger than the global cap itself can
// never be admitted, so it fails fast as ResourceExhausted without waiting
// out the deadline at all.
func TestFlowControllerResourceExhaustedOnOversizedRequest(t *testing.T) {
	clk := clock.NewMock()
	global := newGlobalFlowAggregate(clk, 1024, 1<<30)
	fc := NewFlowController(1, clk, global)
	defer fc.Close()

	if err := fc.AcquireSendPermission(context.Background(), 2048); err != ErrResourceExhausted {
		t.Fatalf("expected ErrResourceExhausted for a request exceeding the global cap, got %v", err)
	}
}

func TestGlobalFlowAggregateSubtractNeverGoesNegative(t *testing.T) {
	clk := clock.NewMock()
	g := newGlobalFlowAggregate(clk, 1<<30, 1<<30)
	g.markSent(10)
	g.markAcked(100) // over-acking must clamp at zero, not underflow
	if got := g.snapshotBytesInFlight(); got != 0 {
		t.Fatalf("expected bytesInFlight clamped to 0, got %d", got)
	}
}
