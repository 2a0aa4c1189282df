package core

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

// globalFlowAggregate is the process-wide singleton from spec §3.6/§4.4: it
// sums per-connection bytesInFlight with lock-free adds and enforces a
// global in-flight cap plus a one-second rolling byte-rate cap, resetting
// the per-second counter through a narrow critical section (spec §5).
type globalFlowAggregate struct {
	clk clock.Clock

	bytesInFlight int64 // atomic
	secondBytes   int64 // atomic

	mu         sync.Mutex
	secondFrom time.Time

	capBytes           int64
	targetBytesPerSec  int64

	controllers sync.Map // connectionId -> *congestionControl, weak registry
}

var (
	globalFlowOnce sync.Once
	globalFlowInst *globalFlowAggregate
)

// GlobalFlow returns the process-wide flow aggregate singleton, constructed
// with spec §6.7's defaults (15 MB in-flight cap, 15 MB/s target) on first
// use.
func GlobalFlow() *globalFlowAggregate {
	globalFlowOnce.Do(func() {
		globalFlowInst = newGlobalFlowAggregate(clock.New(), 15<<20, 15<<20)
	})
	return globalFlowInst
}

func newGlobalFlowAggregate(clk clock.Clock, capBytes, targetBytesPerSec int64) *globalFlowAggregate {
	return &globalFlowAggregate{
		clk:               clk,
		capBytes:          capBytes,
		targetBytesPerSec: targetBytesPerSec,
		secondFrom:        clk.Now(),
	}
}

// register associates a connection's congestion controller with the
// aggregate. The aggregate holds no pointer back to the connection beyond
// this registry entry (spec §9 "cyclic references avoided").
func (g *globalFlowAggregate) register(connID uint64, c *congestionControl) {
	g.controllers.Store(connID, c)
}

// deregister removes a connection's controller on close, so CLOSED
// connections stop contributing to the aggregate.
func (g *globalFlowAggregate) deregister(connID uint64) {
	g.controllers.Delete(connID)
}

// rolloverIfNeeded resets the one-second byte counter when its window has
// elapsed. Only this reset is a critical section; the add itself is a
// lock-free atomic.
func (g *globalFlowAggregate) rolloverIfNeeded() {
	now := g.clk.Now()
	g.mu.Lock()
	if now.Sub(g.secondFrom) >= time.Second {
		atomic.StoreInt64(&g.secondBytes, 0)
		g.secondFrom = now
	}
	g.mu.Unlock()
}

// canSendGlobally reports whether n more bytes would keep both the global
// in-flight total and the current-second byte counter within their caps
// (spec §4.4).
func (g *globalFlowAggregate) canSendGlobally(n int64) bool {
	g.rolloverIfNeeded()
	if atomic.LoadInt64(&g.bytesInFlight)+n > g.capBytes {
		return false
	}
	if atomic.LoadInt64(&g.secondBytes)+n > g.targetBytesPerSec {
		return false
	}
	return true
}

// markSent records n bytes as newly sent, globally.
func (g *globalFlowAggregate) markSent(n int64) {
	atomic.AddInt64(&g.bytesInFlight, n)
	atomic.AddInt64(&g.secondBytes, n)
	Metrics().bytesInFlight.Set(float64(atomic.LoadInt64(&g.bytesInFlight)))
}

// markAcked/markLost remove n bytes from the global in-flight total; the
// per-second counter is not decremented, since it tracks bytes *offered*
// within the window, not bytes outstanding.
func (g *globalFlowAggregate) markAcked(n int64) {
	g.subtractInFlight(n)
}

func (g *globalFlowAggregate) markLost(n int64) {
	g.subtractInFlight(n)
}

func (g *globalFlowAggregate) subtractInFlight(n int64) {
	for {
		cur := atomic.LoadInt64(&g.bytesInFlight)
		next := cur - n
		if next < 0 {
			next = 0
		}
		if atomic.CompareAndSwapInt64(&g.bytesInFlight, cur, next) {
			Metrics().bytesInFlight.Set(float64(next))
			return
		}
	}
}

func (g *globalFlowAggregate) snapshotBytesInFlight() int64 {
	return atomic.LoadInt64(&g.bytesInFlight)
}

// exceedsCapacity reports whether n bytes could never be admitted under the
// global in-flight cap even with the aggregate otherwise completely idle —
// a structural saturation distinct from the transient busy case
// canSendGlobally reports, which waiting out a deadline cannot fix.
func (g *globalFlowAggregate) exceedsCapacity(n int64) bool {
	return n > g.capBytes
}
