package core

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

// Config configures a Node. Zero values are filled from the tuning
// defaults of spec §6.7 by Config.applyDefaults.
type Config struct {
	ListenAddr string

	NodeID       [32]byte
	LongTermKey  ed25519.PrivateKey

	MTU                 int
	HeartbeatInterval    time.Duration
	ConnectionIdle       time.Duration
	StreamIdle           time.Duration
	MaxRetransmit        int
	BatchAckEvery        uint32
	RequestTimeout       time.Duration
	GlobalCapBytes       int64
	GlobalTargetBytesSec int64

	Clock  clock.Clock
	Logger *logrus.Logger
}

func (c *Config) applyDefaults() {
	if c.MTU == 0 {
		c.MTU = 1336
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.ConnectionIdle == 0 {
		c.ConnectionIdle = 30 * time.Second
	}
	if c.StreamIdle == 0 {
		c.StreamIdle = 60 * time.Second
	}
	if c.MaxRetransmit == 0 {
		c.MaxRetransmit = MaxRetransmit
	}
	if c.BatchAckEvery == 0 {
		c.BatchAckEvery = 1024
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.GlobalCapBytes == 0 {
		c.GlobalCapBytes = 15 << 20
	}
	if c.GlobalTargetBytesSec == 0 {
		c.GlobalTargetBytesSec = 15 << 20
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = logrus.New()
	}
}

// pendingHandshake is the initiator-side waiter for a CONNECT_RESP.
type pendingHandshake struct {
	ephemeralPriv [32]byte
	replyCh       chan *Connection
	errCh         chan error
}

// Node is the public entry point to the transport core: one UDP socket, a
// peer directory, a dispatcher, and a reassembler and global flow aggregate
// (both created per Node) that every connection's L1/L2 state plugs into.
type Node struct {
	cfg Config

	udp *net.UDPConn

	dir        *PeerDirectory
	dispatcher *Dispatcher
	reasm      *Reassembler
	global     *globalFlowAggregate
	ids        *snowflake64

	mu                sync.Mutex
	pendingHandshakes map[uint64]*pendingHandshake // keyed by connectionId

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	log *logrus.Logger
	clk clock.Clock
}

// NewNode constructs a Node bound to cfg.ListenAddr. Call Start to begin
// serving.
func NewNode(cfg Config) (*Node, error) {
	cfg.applyDefaults()

	udpAddr, err := net.ResolveUDPAddr("udp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve listen addr: %w", err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen udp: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	global := newGlobalFlowAggregate(cfg.Clock, cfg.GlobalCapBytes, cfg.GlobalTargetBytesSec)

	n := &Node{
		cfg:               cfg,
		udp:               conn,
		dir:               NewPeerDirectory(cfg.Clock, cfg.Logger, cfg.ConnectionIdle, cfg.StreamIdle),
		dispatcher:        NewDispatcher(cfg.Clock, cfg.Logger),
		global:            global,
		ids:               newSnowflake64(nodeInstanceID(cfg.ListenAddr)),
		pendingHandshakes: make(map[uint64]*pendingHandshake),
		ctx:               ctx,
		cancel:            cancel,
		log:               cfg.Logger,
		clk:               cfg.Clock,
	}
	n.reasm = NewReassembler(cfg.Clock, cfg.Logger, cfg.BatchAckEvery, n.writeFrame, n.onAssemblyComplete, n.onAssemblyTimeout)
	return n, nil
}

// Dispatcher exposes the handler registry so callers can RegisterResult /
// RegisterVoid before or after Start.
func (n *Node) Dispatcher() *Dispatcher { return n.dispatcher }

// Directory exposes the peer directory for introspection (e.g. a CLI
// `peers` command).
func (n *Node) Directory() *PeerDirectory { return n.dir }

// ListenAddr returns the UDP address this node is actually bound to,
// which may differ from cfg.ListenAddr when the configured port is 0.
func (n *Node) ListenAddr() string { return n.udp.LocalAddr().String() }

// Start launches the UDP receive loop and the idle-sweep loop. Heartbeats
// are scheduled per connection when its handshake completes.
func (n *Node) Start() {
	n.wg.Add(2)
	go n.readLoop()
	go n.idleSweepLoop()
}

// Shutdown tears down every connection and closes the socket.
func (n *Node) Shutdown() {
	n.cancel()
	n.udp.Close()
	for _, connID := range n.dir.byConnID.Keys() {
		n.dir.Remove(connID)
	}
	n.wg.Wait()
}

func (n *Node) writeFrame(f *Frame) {
	if f.RemoteAddress == nil {
		if c, ok := n.dir.ByConnID(f.ConnectionID); ok {
			f.RemoteAddress = c.RemoteAddress
		}
	}
	if f.RemoteAddress == nil {
		releaseFrame(f)
		return
	}
	wire := f.encode()
	n.udp.WriteTo(wire, f.RemoteAddress)
	releaseFrame(f)
}

func (n *Node) readLoop() {
	defer n.wg.Done()
	buf := make([]byte, 64*1024)
	for {
		select {
		case <-n.ctx.Done():
			return
		default:
		}
		nr, remote, err := n.udp.ReadFrom(buf)
		if err != nil {
			if n.ctx.Err() != nil {
				return
			}
			continue
		}
		raw := make([]byte, nr)
		copy(raw, buf[:nr])
		f, err := decodeFrame(raw, remote)
		if err != nil {
			Metrics().framesDropped.WithLabelValues("malformed").Inc()
			continue
		}
		n.handleFrame(f)
	}
}

func (n *Node) idleSweepLoop() {
	defer n.wg.Done()
	ticker := n.clk.Ticker(n.cfg.ConnectionIdle / 3)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.dir.SweepIdle()
		}
	}
}

func (n *Node) handleFrame(f *Frame) {
	switch f.Type {
	case FrameConnectReq:
		n.handleConnectReq(f)
	case FrameConnectResp:
		n.handleConnectResp(f)
	case FrameData:
		if c, ok := n.dir.ByConnID(f.ConnectionID); ok {
			c.touch()
		}
		n.reasm.OnData(f)
	case FrameDataAck, FrameBatchAck, FrameAllAck:
		if c, ok := n.dir.ByConnID(f.ConnectionID); ok {
			c.touch()
			if c.sender != nil {
				c.sender.OnAck(f)
			}
		}
		releaseFrame(f)
	case FramePing:
		if c, ok := n.dir.ByConnID(f.ConnectionID); ok {
			c.touch()
			n.writeFrame(newAckFrame(FramePong, f.ConnectionID, 0, nil))
		}
		releaseFrame(f)
	case FramePong:
		if c, ok := n.dir.ByConnID(f.ConnectionID); ok {
			c.touch()
		}
		releaseFrame(f)
	case FrameOff, FramePeerOff:
		n.dir.Remove(f.ConnectionID)
		releaseFrame(f)
	default:
		Metrics().framesDropped.WithLabelValues("unknown_frame_type").Inc()
		releaseFrame(f)
	}
}

// onAssemblyComplete is the Reassembler's deliver callback: it decodes the
// concatenated payload as a P2PMessage, decrypts it if the connection has
// an installed shared secret, and routes it to either response
// correlation or protocol dispatch (spec §4.6).
func (n *Node) onAssemblyComplete(connID, dataID uint64, remote net.Addr, payload []byte) {
	c, ok := n.dir.ByConnID(connID)
	if !ok {
		return
	}

	msg, err := decodeP2PMessage(payload)
	if err != nil {
		Metrics().framesDropped.WithLabelValues("malformed_message").Inc()
		return
	}

	if key, has := c.encryptionKey(); has && len(msg.Payload) > 0 {
		pt, err := decryptPayload(key, msg.Payload)
		if err != nil {
			Metrics().framesDropped.WithLabelValues("decrypt_failed").Inc()
			return
		}
		msg.Payload = pt
		msg.Length = uint32(len(pt))
	}

	if msg.isResponse() {
		c.resolveWaiter(msg.RequestID, msg.Payload)
		return
	}

	resp, err := n.dispatcher.Dispatch(n.ctx, c, msg)
	if err != nil || !msg.isRequest() {
		return
	}
	respMsg, err := newResponse(n.cfg.NodeID, msg.Type, msg.MessageID, resp)
	if err != nil {
		return
	}
	n.sendEnvelope(n.ctx, c, respMsg)
}

func (n *Node) onAssemblyTimeout(connID, dataID uint64) {
	n.log.WithFields(logrus.Fields{"conn_id": connID, "data_id": dataID}).Debug("inbound message assembly abandoned")
}

// senderFor lazily builds the per-connection Sender and FlowController.
func (n *Node) senderFor(c *Connection) *Sender {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sender != nil {
		return c.sender
	}
	c.control = NewFlowController(c.ConnectionID, n.clk, n.global)
	c.sender = NewSender(n.clk, n.log, n.ids, c.control, n.cfg.MTU, n.writeFrame, func(connID uint64) {
		n.dir.Remove(connID)
	})
	return c.sender
}

// sendEnvelope encrypts (if a shared secret is installed), encodes, and
// reliably transmits a P2PMessage over c.
func (n *Node) sendEnvelope(ctx context.Context, c *Connection, msg *P2PMessage) error {
	if key, has := c.encryptionKey(); has && len(msg.Payload) > 0 {
		ct, err := encryptPayload(key, msg.Payload)
		if err != nil {
			return err
		}
		msg.Payload = ct
		msg.Length = uint32(len(ct))
	}
	wire := msg.encode()
	return n.senderFor(c).Send(ctx, c.ConnectionID, wire)
}

// SendRequest sends a request-mode message over c and blocks for a paired
// response or RequestTimeout (spec §4.6 end-to-end scenario 1).
func (n *Node) SendRequest(ctx context.Context, c *Connection, protocol ProtocolCode, payload []byte) ([]byte, error) {
	msg, err := newRequest(n.cfg.NodeID, protocol, payload)
	if err != nil {
		return nil, err
	}
	replyCh := c.registerWaiter(msg.MessageID, n.cfg.RequestTimeout)

	if err := n.sendEnvelope(ctx, c, msg); err != nil {
		c.cancelWaiter(msg.MessageID)
		return nil, err
	}

	select {
	case payload, ok := <-replyCh:
		if !ok {
			return nil, ErrRequestTimeout
		}
		return payload, nil
	case <-ctx.Done():
		c.cancelWaiter(msg.MessageID)
		return nil, ctx.Err()
	}
}

// SendNormal sends a fire-and-forget message (neither request nor
// response) over c.
func (n *Node) SendNormal(ctx context.Context, c *Connection, protocol ProtocolCode, payload []byte) error {
	msg, err := newNormal(n.cfg.NodeID, protocol, payload)
	if err != nil {
		return err
	}
	return n.sendEnvelope(ctx, c, msg)
}
