package core

import (
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

// ConnState is the connection lifecycle state machine of spec §4.5.
type ConnState uint8

const (
	ConnInit ConnState = iota
	ConnHandshaking
	ConnActive
	ConnIdle
	ConnClosing
	ConnClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnInit:
		return "INIT"
	case ConnHandshaking:
		return "HANDSHAKING"
	case ConnActive:
		return "ACTIVE"
	case ConnIdle:
		return "IDLE"
	case ConnClosing:
		return "CLOSING"
	case ConnClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// requestWaiter is one entry in a Connection's pendingRequests map: a
// caller blocked on a response, correlated by messageId (spec §3.3, §4.6).
type requestWaiter struct {
	replyCh  chan []byte
	deadline time.Time
	timer    *clock.Timer
}

// Connection is the per-peer transport state of spec §3.3.
type Connection struct {
	mu sync.RWMutex

	ConnectionID  uint64
	NodeID        [32]byte
	RemoteAddress net.Addr

	sharedSecret [32]byte
	aesKey       [32]byte
	haveSecret   bool

	lastSeen time.Time
	state    ConnState

	control *FlowController
	sender  *Sender

	heartbeatTimer *clock.Timer

	pendingRequests map[timeID128]*requestWaiter

	clk clock.Clock
	log *logrus.Logger
}

// newConnection constructs a Connection in INIT state.
func newConnection(connID uint64, clk clock.Clock, log *logrus.Logger) *Connection {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = logrus.New()
	}
	return &Connection{
		ConnectionID:    connID,
		state:           ConnInit,
		pendingRequests: make(map[timeID128]*requestWaiter),
		clk:             clk,
		log:             log,
		lastSeen:        clk.Now(),
	}
}

// touch refreshes lastSeen and promotes an IDLE connection back to ACTIVE
// on any valid inbound frame (spec §4.5 transition IDLE -> ACTIVE).
func (c *Connection) touch() {
	c.mu.Lock()
	c.lastSeen = c.clk.Now()
	if c.state == ConnIdle {
		c.state = ConnActive
	}
	c.mu.Unlock()
}

// markHandshaking/markActive/checkIdle/markClosing/close drive the state
// machine transitions named in spec §4.5.
func (c *Connection) markHandshaking() {
	c.mu.Lock()
	c.state = ConnHandshaking
	c.mu.Unlock()
}

func (c *Connection) markActive() {
	c.mu.Lock()
	c.state = ConnActive
	c.lastSeen = c.clk.Now()
	c.mu.Unlock()
	Metrics().activeConnections.Inc()
}

func (c *Connection) installSharedSecret(secret [32]byte) error {
	key, err := deriveAESKey(secret)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.sharedSecret = secret
	c.aesKey = key
	c.haveSecret = true
	c.mu.Unlock()
	return nil
}

func (c *Connection) checkIdle(idleThreshold time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == ConnActive && c.clk.Now().Sub(c.lastSeen) > idleThreshold {
		c.state = ConnIdle
	}
}

func (c *Connection) markClosing() {
	c.mu.Lock()
	wasActive := c.state == ConnActive || c.state == ConnIdle
	c.state = ConnClosing
	c.mu.Unlock()
	if wasActive {
		Metrics().activeConnections.Dec()
	}
}

// close moves the connection from any state directly to CLOSED, stops the
// heartbeat, and deregisters from flow control. Pending request waiters
// are failed at once by closing their reply channels; close does not wait
// for outstanding fragment ACKs.
func (c *Connection) close() {
	c.mu.Lock()
	if c.state == ConnClosed {
		c.mu.Unlock()
		return
	}
	wasActive := c.state == ConnActive || c.state == ConnIdle
	c.state = ConnClosed
	if c.heartbeatTimer != nil {
		c.heartbeatTimer.Stop()
	}
	for id, w := range c.pendingRequests {
		if w.timer != nil {
			w.timer.Stop()
		}
		close(w.replyCh)
		delete(c.pendingRequests, id)
	}
	c.mu.Unlock()
	if wasActive {
		Metrics().activeConnections.Dec()
	}

	if c.control != nil {
		c.control.Close()
	}
}

func (c *Connection) currentState() ConnState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// State reports the connection's current lifecycle state (spec §4.5).
func (c *Connection) State() ConnState {
	return c.currentState()
}

func (c *Connection) encryptionKey() ([32]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.aesKey, c.haveSecret
}
