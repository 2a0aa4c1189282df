package core

import (
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/bits-and-blooms/bitset"
	"github.com/sirupsen/logrus"
)

// assemblyKey identifies one in-flight application message on the receive
// side: one QuicData per (connectionId, dataId) (spec §3.2).
type assemblyKey struct {
	connID uint64
	dataID uint64
}

// quicData is the per-dataId inbound reassembly state (spec §3.2).
type quicData struct {
	mu       sync.Mutex
	key      assemblyKey
	total    uint32
	frames   [][]byte // sparse, indexed by sequence
	received *bitset.BitSet
	count    uint32
	complete bool
	remote   net.Addr
	timeout  *clock.Timer
}

// encodeBatchBitmap renders received into the ceil(total/8)-byte wire bitmap
// of spec §6.2: bit (7 - (s mod 8)) of byte s/8 is set for each received
// sequence s. bits-and-blooms/bitset is used to track membership; the wire
// layout it favors (LSB-first within a 64-bit word) does not match the
// spec's MSB-first byte convention, so the wire bytes are built by hand from
// the set's Test results rather than its native Bytes() export.
func encodeBatchBitmap(received *bitset.BitSet, total uint32) []byte {
	out := make([]byte, (total+7)/8)
	for s := uint32(0); s < total; s++ {
		if received.Test(uint(s)) {
			out[s/8] |= 1 << (7 - (s % 8))
		}
	}
	return out
}

// decodeBatchBitmap returns the sequence numbers marked set in a wire
// bitmap produced by encodeBatchBitmap.
func decodeBatchBitmap(bitmap []byte, total uint32) []uint32 {
	var seqs []uint32
	for s := uint32(0); s < total; s++ {
		if int(s/8) >= len(bitmap) {
			break
		}
		if bitmap[s/8]&(1<<(7-(s%8))) != 0 {
			seqs = append(seqs, s)
		}
	}
	return seqs
}

// Reassembler implements the L1 receive path (spec §4.2): inbound DATA
// frames are routed to per-dataId assembly state, duplicates are dropped,
// acknowledgments are emitted per the chosen ACK policy (see §4.2.a in
// SPEC_FULL.md: batched BATCH_ACK every N fragments plus ALL_ACK on
// completion; DATA_ACK is reserved for single-fragment messages), and a
// completed message is delivered to L4 as a concatenated byte slice.
type Reassembler struct {
	mu     sync.Mutex
	states map[assemblyKey]*quicData

	clk           clock.Clock
	log           *logrus.Logger
	batchAckEvery uint32

	baseTimeout    time.Duration
	perFragmentRTT time.Duration
	maxTimeout     time.Duration

	// sendFrame transmits a fully-formed control frame (DATA_ACK, BATCH_ACK,
	// or ALL_ACK) back to the sender; the caller owns encoding/transmission.
	sendFrame func(f *Frame)
	// deliver hands a completed message's concatenated payload to L4.
	deliver func(connID uint64, dataID uint64, remote net.Addr, payload []byte)
	// onTimeout notifies the caller that a dataId's assembly was abandoned.
	onTimeout func(connID, dataID uint64)
}

// NewReassembler constructs a Reassembler. batchAckEvery must be >= 1; the
// reference default is 1024 (spec §6.7).
func NewReassembler(clk clock.Clock, log *logrus.Logger, batchAckEvery uint32,
	sendFrame func(*Frame), deliver func(uint64, uint64, net.Addr, []byte), onTimeout func(uint64, uint64)) *Reassembler {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = logrus.New()
	}
	if batchAckEvery == 0 {
		batchAckEvery = 1024
	}
	return &Reassembler{
		states:         make(map[assemblyKey]*quicData),
		clk:            clk,
		log:            log,
		batchAckEvery:  batchAckEvery,
		baseTimeout:    2 * time.Second,
		perFragmentRTT: 2 * time.Millisecond,
		maxTimeout:     2 * time.Minute,
		sendFrame:      sendFrame,
		deliver:        deliver,
		onTimeout:      onTimeout,
	}
}

// globalTimeoutFor computes the single timer duration scheduled on first
// fragment arrival, bounded between a floor and ceiling (spec §3.2).
func (r *Reassembler) globalTimeoutFor(total uint32) time.Duration {
	d := r.baseTimeout + time.Duration(total)*r.perFragmentRTT
	if d > r.maxTimeout {
		d = r.maxTimeout
	}
	return d
}

// OnData processes one inbound DATA frame per spec §4.2 steps 1-5. The
// frame is adopted by assembly state (or released immediately if it is a
// duplicate or arrives after a terminal transition).
func (r *Reassembler) OnData(f *Frame) {
	key := assemblyKey{connID: f.ConnectionID, dataID: f.DataID}

	r.mu.Lock()
	qd, ok := r.states[key]
	if !ok {
		qd = &quicData{
			key:      key,
			total:    f.Total,
			frames:   make([][]byte, f.Total),
			received: bitset.New(uint(f.Total)),
			remote:   f.RemoteAddress,
		}
		r.states[key] = qd
		qdRef := qd
		qd.timeout = r.clk.AfterFunc(r.globalTimeoutFor(f.Total), func() {
			r.onGlobalTimeout(key, qdRef)
		})
	}
	r.mu.Unlock()

	qd.mu.Lock()
	if qd.complete {
		qd.mu.Unlock()
		releaseFrame(f)
		return
	}
	if qd.received.Test(uint(f.Sequence)) {
		// Duplicate: drop silently, the prior ACK already covers it.
		qd.mu.Unlock()
		releaseFrame(f)
		return
	}
	qd.frames[f.Sequence] = append([]byte(nil), f.Payload...)
	qd.received.Set(uint(f.Sequence))
	qd.count++
	count := qd.count
	total := qd.total
	remote := qd.remote
	qd.mu.Unlock()

	releaseFrame(f)

	// A single-fragment message only ever has one frame to acknowledge;
	// completeAssembly sends DATA_ACK for it rather than a one-bit bitmap.
	if total > 1 && count%r.batchAckEvery == 0 {
		qd.mu.Lock()
		bitmap := encodeBatchBitmap(qd.received, qd.total)
		qd.mu.Unlock()
		if r.sendFrame != nil {
			r.sendFrame(newAckFrame(FrameBatchAck, key.connID, key.dataID, bitmap))
		}
	}

	if count == total {
		r.completeAssembly(key, qd, remote)
	}
}

// completeAssembly transitions a QuicData false->true exactly once,
// delivers the concatenated payload, cancels the timeout, and emits ALL_ACK.
func (r *Reassembler) completeAssembly(key assemblyKey, qd *quicData, remote net.Addr) {
	qd.mu.Lock()
	if qd.complete {
		qd.mu.Unlock()
		return
	}
	qd.complete = true
	if qd.timeout != nil {
		qd.timeout.Stop()
	}
	total := qd.total
	payload := make([]byte, 0)
	for _, frag := range qd.frames {
		payload = append(payload, frag...)
	}
	qd.mu.Unlock()

	r.mu.Lock()
	delete(r.states, key)
	r.mu.Unlock()

	if total == 1 && r.sendFrame != nil {
		r.sendFrame(newAckFrame(FrameDataAck, key.connID, key.dataID, nil))
	}
	if r.sendFrame != nil {
		r.sendFrame(newAckFrame(FrameAllAck, key.connID, key.dataID, nil))
	}
	if r.deliver != nil {
		r.deliver(key.connID, key.dataID, remote, payload)
	}
}

// onGlobalTimeout fires failCallback semantics: the assembly is abandoned,
// its resources released, and neither callback has fired before this point
// (spec §3.2 invariant).
func (r *Reassembler) onGlobalTimeout(key assemblyKey, qd *quicData) {
	qd.mu.Lock()
	if qd.complete {
		qd.mu.Unlock()
		return
	}
	qd.complete = true
	qd.mu.Unlock()

	r.mu.Lock()
	delete(r.states, key)
	r.mu.Unlock()

	r.log.WithFields(logrus.Fields{"conn_id": key.connID, "data_id": key.dataID}).
		Warn("assembly timed out, abandoning dataId")
	if r.onTimeout != nil {
		r.onTimeout(key.connID, key.dataID)
	}
}
