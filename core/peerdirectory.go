package core

import (
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"
)

// PeerDirectory is the L3 connection manager: peer directory, handshake
// orchestration glue, and address<->connection mapping (spec §3.3, §4.5).
// The directory itself is an expirable LRU keyed by connectionId so a
// connection that receives no valid inbound frame for streamIdleSeconds is
// evicted automatically, calling back into Connection.close (spec §3.3
// lifecycle: "evicted when idle beyond a threshold").
type PeerDirectory struct {
	mu           sync.RWMutex
	byConnID     *lru.LRU[uint64, *Connection]
	byAddr       map[string]uint64 // remote address string -> connectionId
	byNodeID     map[[32]byte]uint64

	idleThreshold time.Duration // ACTIVE -> IDLE (spec §6.7 connection idle, 30s)

	clk clock.Clock
	log *logrus.Logger
}

// NewPeerDirectory builds a directory whose entries expire after
// streamIdleThreshold of inactivity (spec §6.7 stream idle, 60s default).
func NewPeerDirectory(clk clock.Clock, log *logrus.Logger, idleThreshold, streamIdleThreshold time.Duration) *PeerDirectory {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = logrus.New()
	}
	d := &PeerDirectory{
		byAddr:        make(map[string]uint64),
		byNodeID:      make(map[[32]byte]uint64),
		idleThreshold: idleThreshold,
		clk:           clk,
		log:           log,
	}
	d.byConnID = lru.NewLRU[uint64, *Connection](0, func(connID uint64, c *Connection) {
		d.onEvict(connID, c)
	}, streamIdleThreshold)
	return d
}

func (d *PeerDirectory) onEvict(connID uint64, c *Connection) {
	d.mu.Lock()
	if c.RemoteAddress != nil {
		delete(d.byAddr, c.RemoteAddress.String())
	}
	delete(d.byNodeID, c.NodeID)
	d.mu.Unlock()
	c.close()
	d.log.WithField("conn_id", connID).Info("connection evicted from directory")
}

// Install registers a newly handshaken connection (spec §3.3: "Created on
// successful handshake").
func (d *PeerDirectory) Install(c *Connection) {
	d.mu.Lock()
	if c.RemoteAddress != nil {
		d.byAddr[c.RemoteAddress.String()] = c.ConnectionID
	}
	d.byNodeID[c.NodeID] = c.ConnectionID
	d.mu.Unlock()
	d.byConnID.Add(c.ConnectionID, c)
}

// ByConnID, ByAddr, ByNodeID look up an installed connection.
func (d *PeerDirectory) ByConnID(connID uint64) (*Connection, bool) {
	return d.byConnID.Get(connID)
}

func (d *PeerDirectory) ByAddr(addr net.Addr) (*Connection, bool) {
	d.mu.RLock()
	connID, ok := d.byAddr[addr.String()]
	d.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return d.ByConnID(connID)
}

func (d *PeerDirectory) ByNodeID(nodeID [32]byte) (*Connection, bool) {
	d.mu.RLock()
	connID, ok := d.byNodeID[nodeID]
	d.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return d.ByConnID(connID)
}

// Remove explicitly evicts a connection, e.g. on OFF/PEER_OFF receipt or
// local shutdown (spec §4.5 "* -> CLOSING on OFF/PEER_OFF receipt or local
// shutdown").
func (d *PeerDirectory) Remove(connID uint64) {
	d.byConnID.Remove(connID) // triggers onEvict -> c.close()
}

// SweepIdle walks every installed connection and transitions ACTIVE ->
// IDLE connections that have exceeded idleThreshold (spec §4.5). It does
// not evict; eviction is handled by the expirable LRU's own TTL.
func (d *PeerDirectory) SweepIdle() {
	for _, connID := range d.byConnID.Keys() {
		if c, ok := d.byConnID.Peek(connID); ok {
			c.checkIdle(d.idleThreshold)
		}
	}
}

// Len returns the number of installed connections.
func (d *PeerDirectory) Len() int {
	return d.byConnID.Len()
}

// Keys returns the connectionIds of every installed connection, in no
// particular order.
func (d *PeerDirectory) Keys() []uint64 {
	return d.byConnID.Keys()
}
