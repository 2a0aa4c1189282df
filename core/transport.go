package core

import (
	"context"
	"net"
)

// Dial performs the initiator side of the handshake against addr (spec
// §4.5 "Handshake (initiator side)"): it mints a connectionId, generates an
// ephemeral X25519 keypair, signs a NetworkHandshake with the node's
// long-term Ed25519 key, and sends it inside a CONNECT_REQ frame — spec
// §4.5 offers a choice between a raw CONNECT_REQ frame and a request-mode
// P2PMessage; this implementation uses the raw frame since the handshake
// itself is explicitly excluded from payload encryption (spec §4.6) and
// has no need for L4's request/response bookkeeping.
func (n *Node) Dial(ctx context.Context, addr string) (*Connection, error) {
	pm, err := ParsePeerMultiaddr(addr)
	if err != nil {
		return nil, err
	}
	hostport, _, err := pm.HostPort()
	if err != nil {
		return nil, err
	}
	udpAddr, err := net.ResolveUDPAddr("udp", hostport)
	if err != nil {
		return nil, err
	}

	connID := n.ids.next()

	ephPriv, ephPub, err := ephemeralX25519Keypair()
	if err != nil {
		return nil, err
	}
	hs, err := buildHandshake(n.cfg.NodeID, n.cfg.LongTermKey, ephPub)
	if err != nil {
		return nil, err
	}

	ph := &pendingHandshake{
		ephemeralPriv: ephPriv,
		replyCh:       make(chan *Connection, 1),
		errCh:         make(chan error, 1),
	}
	n.mu.Lock()
	n.pendingHandshakes[connID] = ph
	n.mu.Unlock()
	defer func() {
		n.mu.Lock()
		delete(n.pendingHandshakes, connID)
		n.mu.Unlock()
	}()

	f := newAckFrame(FrameConnectReq, connID, 0, hs.encode())
	f.RemoteAddress = udpAddr
	n.writeFrame(f)

	select {
	case c := <-ph.replyCh:
		return c, nil
	case err := <-ph.errCh:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// handleConnectReq is the responder side of the handshake (spec §4.5):
// validate, generate an ephemeral keypair, derive the shared secret,
// install the connection, and reply with CONNECT_RESP.
func (n *Node) handleConnectReq(f *Frame) {
	hs, err := decodeHandshake(f.Payload)
	if err != nil {
		n.writeFrame(newAckFrame(FrameOff, f.ConnectionID, 0, nil))
		releaseFrame(f)
		return
	}
	if err := verifyHandshake(hs); err != nil {
		n.writeFrame(newAckFrame(FrameOff, f.ConnectionID, 0, nil))
		releaseFrame(f)
		return
	}

	ephPriv, ephPub, err := ephemeralX25519Keypair()
	if err != nil {
		releaseFrame(f)
		return
	}
	shared, err := x25519SharedSecret(ephPriv, hs.SharedSecret)
	if err != nil {
		releaseFrame(f)
		return
	}

	c := newConnection(f.ConnectionID, n.clk, n.log)
	c.NodeID = hs.NodeID
	c.RemoteAddress = f.RemoteAddress
	c.markHandshaking()
	if err := c.installSharedSecret(shared); err != nil {
		releaseFrame(f)
		return
	}
	c.markActive()
	n.dir.Install(c)
	n.startHeartbeat(c)

	reply, err := buildHandshake(n.cfg.NodeID, n.cfg.LongTermKey, ephPub)
	if err == nil {
		resp := newAckFrame(FrameConnectResp, f.ConnectionID, 0, reply.encode())
		resp.RemoteAddress = f.RemoteAddress
		n.writeFrame(resp)
	}
	releaseFrame(f)
}

// handleConnectResp completes the initiator side: verify the responder's
// handshake, derive the shared secret with this side's ephemeral private
// scalar, install the connection, and wake the waiting Dial call.
func (n *Node) handleConnectResp(f *Frame) {
	n.mu.Lock()
	ph, ok := n.pendingHandshakes[f.ConnectionID]
	n.mu.Unlock()
	if !ok {
		releaseFrame(f)
		return
	}

	hs, err := decodeHandshake(f.Payload)
	if err != nil {
		ph.errCh <- ErrHandshakeRejected
		releaseFrame(f)
		return
	}
	if err := verifyHandshake(hs); err != nil {
		ph.errCh <- err
		releaseFrame(f)
		return
	}

	shared, err := x25519SharedSecret(ph.ephemeralPriv, hs.SharedSecret)
	if err != nil {
		ph.errCh <- err
		releaseFrame(f)
		return
	}

	c := newConnection(f.ConnectionID, n.clk, n.log)
	c.NodeID = hs.NodeID
	c.RemoteAddress = f.RemoteAddress
	c.markHandshaking()
	if err := c.installSharedSecret(shared); err != nil {
		ph.errCh <- err
		releaseFrame(f)
		return
	}
	c.markActive()
	n.dir.Install(c)
	n.startHeartbeat(c)

	ph.replyCh <- c
	releaseFrame(f)
}

// startHeartbeat schedules the recurring PING sender of spec §4.5. Missed
// heartbeats do not themselves close the connection; idle eviction does.
func (n *Node) startHeartbeat(c *Connection) {
	var tick func()
	tick = func() {
		if c.currentState() == ConnClosed {
			return
		}
		n.writeFrame(newAckFrame(FramePing, c.ConnectionID, 0, nil))
		c.mu.Lock()
		c.heartbeatTimer = n.clk.AfterFunc(n.cfg.HeartbeatInterval, tick)
		c.mu.Unlock()
	}
	c.mu.Lock()
	c.heartbeatTimer = n.clk.AfterFunc(n.cfg.HeartbeatInterval, tick)
	c.mu.Unlock()
}
