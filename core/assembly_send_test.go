package core

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

// TestSenderAbandonsAfterMaxRetransmit exercises spec §8 end-to-end scenario
// 5: a fragment that is never ACKed must be retried exactly MaxRetransmit
// times before the sender gives up, reports ErrPeerUnreachable, and notifies
// onUnreachable so the caller can remove the connection from its directory,
// wired the way Node.senderFor wires it (core/node.go's onUnreachable
// callback calls n.dir.Remove).
func TestSenderAbandonsAfterMaxRetransmit(t *testing.T) {
	clk := clock.NewMock()
	dir := NewPeerDirectory(clk, nil, 30*time.Second, 60*time.Second)
	c := newConnection(99, clk, nil)
	dir.Install(c)
	if _, ok := dir.ByConnID(99); !ok {
		t.Fatalf("expected connection 99 to be installed before the test begins")
	}

	global := newGlobalFlowAggregate(clk, 1<<30, 1<<30)
	fc := NewFlowController(99, clk, global)
	defer fc.Close()

	sender := NewSender(clk, nil, newSnowflake64(1), fc, 64,
		func(f *Frame) { releaseFrame(f) },
		func(connID uint64) { dir.Remove(connID) },
	)

	resultCh := make(chan error, 1)
	go func() {
		resultCh <- sender.Send(context.Background(), 99, []byte("hello"))
	}()

	// Never ACK the fragment: every RTO fires a retransmit. Advance by
	// more than the RTO ceiling each round so the pending timer always
	// fires, regardless of which RTO estimate it was scheduled with.
	for i := 0; i < MaxRetransmit+2; i++ {
		time.Sleep(20 * time.Millisecond)
		clk.Add(rtoCeiling + time.Second)
	}

	select {
	case err := <-resultCh:
		if err != ErrPeerUnreachable {
			t.Fatalf("expected ErrPeerUnreachable, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Send never returned after exhausting the retransmit budget")
	}

	if _, ok := dir.ByConnID(99); ok {
		t.Fatalf("expected connection 99 to be removed from the directory after MaxRetransmit failures")
	}
}
