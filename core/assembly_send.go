package core

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

// MaxRetransmit is the per-fragment retry budget before a message is
// abandoned (spec §4.3 step 6, §6.7 default).
const MaxRetransmit = 8

// pendingFragment tracks one outstanding DATA frame awaiting ACK.
type pendingFragment struct {
	frame    *Frame
	sentAt   time.Time
	retries  int
	rto      time.Duration
	timer    *clock.Timer
	acked    bool
}

// outboundMessage is the send-side bookkeeping for one application message
// broken into fragments (spec §4.3).
type outboundMessage struct {
	mu       sync.Mutex
	connID   uint64
	dataID   uint64
	total    uint32
	pending  map[uint32]*pendingFragment
	complete bool
	doneCh   chan error // nil error = delivered, non-nil = PeerUnreachable/cancelled
}

// Sender implements the L1 send path: fragmentation, permit acquisition,
// retransmit on RTO, and ACK ingestion (spec §4.3).
type Sender struct {
	mu       sync.Mutex
	messages map[uint64]*outboundMessage // keyed by dataID

	clk   clock.Clock
	log   *logrus.Logger
	ids   *snowflake64
	flow  *FlowController
	mtu   int

	sendFrame     func(*Frame)
	onUnreachable func(connID uint64)
}

// NewSender constructs a Sender for one connection. mtu is the maximum DATA
// frame payload size (spec §6.7 default 1336).
func NewSender(clk clock.Clock, log *logrus.Logger, ids *snowflake64, flow *FlowController, mtu int,
	sendFrame func(*Frame), onUnreachable func(uint64)) *Sender {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = logrus.New()
	}
	if mtu <= 0 {
		mtu = 1336
	}
	return &Sender{
		messages:      make(map[uint64]*outboundMessage),
		clk:           clk,
		log:           log,
		ids:           ids,
		flow:          flow,
		mtu:           mtu,
		sendFrame:     sendFrame,
		onUnreachable: onUnreachable,
	}
}

// Send fragments payload, acquires a send permit per fragment, and blocks
// until every fragment is ALL_ACKed, the retransmit budget is exhausted
// (ErrPeerUnreachable), or ctx is cancelled.
func (s *Sender) Send(ctx context.Context, connID uint64, payload []byte) error {
	total := (len(payload) + s.mtu - 1) / s.mtu
	if total == 0 {
		total = 1
	}
	dataID := s.ids.next()

	om := &outboundMessage{
		connID:  connID,
		dataID:  dataID,
		total:   uint32(total),
		pending: make(map[uint32]*pendingFragment),
		doneCh:  make(chan error, 1),
	}
	s.mu.Lock()
	s.messages[dataID] = om
	s.mu.Unlock()

	for seq := 0; seq < total; seq++ {
		start := seq * s.mtu
		end := start + s.mtu
		if end > len(payload) {
			end = len(payload)
		}
		frag := payload[start:end]

		if err := s.flow.AcquireSendPermission(ctx, int64(len(frag))); err != nil {
			s.abandon(om, ErrBackpressured)
			return ErrBackpressured
		}

		f := acquireFrame()
		f.ConnectionID = connID
		f.DataID = dataID
		f.Total = uint32(total)
		f.Type = FrameData
		f.Sequence = uint32(seq)
		f.Payload = append(f.Payload[:0], frag...)
		f.FrameTotalLength = uint32(frameHeaderLen + len(f.Payload))

		s.transmit(om, f, 0, s.flow.RTO())

		select {
		case <-ctx.Done():
			s.abandon(om, ctx.Err())
			return ctx.Err()
		default:
		}
	}

	select {
	case err := <-om.doneCh:
		return err
	case <-ctx.Done():
		s.abandon(om, ctx.Err())
		return ctx.Err()
	}
}

// transmit sends frame f (retries'th attempt) and schedules its RTO timer to
// fire after rto.
func (s *Sender) transmit(om *outboundMessage, f *Frame, retries int, rto time.Duration) {
	sentAt := s.clk.Now()

	om.mu.Lock()
	pf := &pendingFragment{frame: f, sentAt: sentAt, retries: retries, rto: rto}
	seq := f.Sequence
	om.pending[seq] = pf
	om.mu.Unlock()

	if s.sendFrame != nil {
		// Transmit a copy so retransmits can still read the original
		// frame's fields after the caller's frame is released downstream.
		wire := acquireFrame()
		*wire = *f
		wire.Payload = append(wire.Payload[:0], f.Payload...)
		s.sendFrame(wire)
	}

	pf.timer = s.clk.AfterFunc(rto, func() {
		s.onRTO(om, seq)
	})
}

// onRTO handles per-fragment RTO expiry (spec §4.3 step 6).
func (s *Sender) onRTO(om *outboundMessage, seq uint32) {
	om.mu.Lock()
	pf, ok := om.pending[seq]
	if !ok || pf.acked || om.complete {
		om.mu.Unlock()
		return
	}
	pf.retries++
	if pf.retries > MaxRetransmit {
		om.mu.Unlock()
		s.flow.OnLoss(int64(len(pf.frame.Payload)))
		s.abandon(om, ErrPeerUnreachable)
		if s.onUnreachable != nil {
			s.onUnreachable(om.connID)
		}
		return
	}
	newRTO := pf.rto * 2
	if newRTO > rtoCeiling {
		newRTO = rtoCeiling
	}
	frame := pf.frame
	om.mu.Unlock()

	Metrics().retransmits.Inc()
	s.transmit(om, frame, pf.retries, newRTO)
}

// OnAck processes an inbound DATA_ACK, BATCH_ACK, or ALL_ACK frame against
// this sender's outstanding messages (spec §4.3 steps 3-5).
func (s *Sender) OnAck(f *Frame) {
	s.mu.Lock()
	om, ok := s.messages[f.DataID]
	s.mu.Unlock()
	if !ok {
		return
	}

	switch f.Type {
	case FrameDataAck:
		s.ackSequence(om, f.Sequence)
	case FrameBatchAck:
		om.mu.Lock()
		total := om.total
		om.mu.Unlock()
		for _, seq := range decodeBatchBitmap(f.Payload, total) {
			s.ackSequence(om, seq)
		}
	case FrameAllAck:
		s.finish(om, nil)
	}
}

// ackSequence removes a single fragment's pending entry and feeds its RTT
// sample into flow control, idempotently (spec §8: repeated ACKs tolerated).
func (s *Sender) ackSequence(om *outboundMessage, seq uint32) {
	om.mu.Lock()
	pf, ok := om.pending[seq]
	if !ok || pf.acked {
		om.mu.Unlock()
		return
	}
	pf.acked = true
	if pf.timer != nil {
		pf.timer.Stop()
	}
	n := int64(len(pf.frame.Payload))
	rtt := s.clk.Now().Sub(pf.sentAt)
	delete(om.pending, seq)
	om.mu.Unlock()

	s.flow.OnAck(n, rtt)
}

// finish marks om delivered (err == nil) or abandoned (err != nil),
// releasing all remaining pending entries.
func (s *Sender) finish(om *outboundMessage, err error) {
	om.mu.Lock()
	if om.complete {
		om.mu.Unlock()
		return
	}
	om.complete = true
	for seq, pf := range om.pending {
		if pf.timer != nil {
			pf.timer.Stop()
		}
		delete(om.pending, seq)
	}
	om.mu.Unlock()

	s.mu.Lock()
	delete(s.messages, om.dataID)
	s.mu.Unlock()

	select {
	case om.doneCh <- err:
	default:
	}
}

func (s *Sender) abandon(om *outboundMessage, err error) {
	s.finish(om, err)
}
