package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

// HandlerKind tags the two shapes a registered protocol handler may take
// (spec §4.6: "encoded as tagged variants on a single handler sum, not
// through inheritance").
type HandlerKind uint8

const (
	HandlerResult HandlerKind = iota
	HandlerVoid
)

// ResultHandler decodes a request and MUST return a non-empty response.
type ResultHandler func(ctx context.Context, from *Connection, msg *P2PMessage) ([]byte, error)

// VoidHandler decodes a message and returns nothing.
type VoidHandler func(ctx context.Context, from *Connection, msg *P2PMessage)

type handlerEntry struct {
	kind   HandlerKind
	result ResultHandler
	void   VoidHandler
}

// ErrHandlerContract is returned when a registered ResultHandler violates
// its contract by returning an empty response (spec §4.6).
var ErrHandlerContract = fmt.Errorf("transport: result handler returned empty response")

// Dispatcher is the process-wide registry mapping protocol code to typed
// handler, plus deduplicated logging for routing failures (spec §4.6, §7).
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[ProtocolCode]handlerEntry

	logMu  sync.Mutex
	logTok map[ProtocolCode]*tokenBucket // one log line per code per minute

	clk clock.Clock
	log *logrus.Logger
}

// NewDispatcher constructs an empty Dispatcher.
func NewDispatcher(clk clock.Clock, log *logrus.Logger) *Dispatcher {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = logrus.New()
	}
	return &Dispatcher{
		handlers: make(map[ProtocolCode]handlerEntry),
		logTok:   make(map[ProtocolCode]*tokenBucket),
		clk:      clk,
		log:      log,
	}
}

// RegisterResult binds a result handler to a protocol code declared as
// having a response. Binding to a protocol declared without a response is
// refused (spec §4.6).
func (d *Dispatcher) RegisterResult(code ProtocolCode, h ResultHandler) error {
	info, ok := lookupProtocol(code)
	if !ok {
		return ErrUnknownProtocol
	}
	if !info.HasResponse {
		return fmt.Errorf("transport: protocol %s declares no response, cannot bind a result handler", info.Path)
	}
	d.mu.Lock()
	d.handlers[code] = handlerEntry{kind: HandlerResult, result: h}
	d.mu.Unlock()
	return nil
}

// RegisterVoid binds a void handler to a protocol code declared as having
// no response. Binding to a protocol declared with a response is refused
// (spec §4.6).
func (d *Dispatcher) RegisterVoid(code ProtocolCode, h VoidHandler) error {
	info, ok := lookupProtocol(code)
	if !ok {
		return ErrUnknownProtocol
	}
	if info.HasResponse {
		return fmt.Errorf("transport: protocol %s declares a response, cannot bind a void handler", info.Path)
	}
	d.mu.Lock()
	d.handlers[code] = handlerEntry{kind: HandlerVoid, void: h}
	d.mu.Unlock()
	return nil
}

// Dispatch routes a decoded, non-response message to its registered
// handler. Callers are expected to have already diverted response-mode
// messages to the sender's pendingRequests correlation path; Dispatch only
// ever sees requests and normal messages.
func (d *Dispatcher) Dispatch(ctx context.Context, from *Connection, msg *P2PMessage) ([]byte, error) {
	info, ok := lookupProtocol(msg.Type)
	if !ok {
		d.logOnce(msg.Type, "unknown protocol code")
		Metrics().unknownProtocolHits.Inc()
		return nil, ErrUnknownProtocol
	}

	d.mu.RLock()
	entry, ok := d.handlers[msg.Type]
	d.mu.RUnlock()
	if !ok {
		d.logOnce(msg.Type, "no handler registered for "+info.Path)
		return nil, ErrNoHandler
	}

	switch entry.kind {
	case HandlerResult:
		resp, err := entry.result(ctx, from, msg)
		if err != nil {
			return nil, err
		}
		if len(resp) == 0 {
			return nil, ErrHandlerContract
		}
		return resp, nil
	case HandlerVoid:
		entry.void(ctx, from, msg)
		return nil, nil
	default:
		return nil, ErrNoHandler
	}
}

// logOnce logs msg for protocol code at most once per minute (spec §7:
// "log once per code per minute"), gated by a 1-token-per-60s bucket per
// code — the same tokenBucket type L2 uses for rate limiting.
func (d *Dispatcher) logOnce(code ProtocolCode, msg string) {
	d.logMu.Lock()
	tb, ok := d.logTok[code]
	if !ok {
		tb = newTokenBucket(d.clk, 1, 1.0/60.0)
		d.logTok[code] = tb
	}
	d.logMu.Unlock()

	if tb.trySend(1) {
		d.log.WithField("protocol", code).Warn(msg)
	}
}

// --- Request/response correlation (spec §4.6, §3.3 pendingRequests) ---

// registerWaiter installs a pendingRequests entry for messageID with a
// deadline, returning the reply channel the caller should wait on.
func (c *Connection) registerWaiter(messageID timeID128, timeout time.Duration) chan []byte {
	replyCh := make(chan []byte, 1)
	w := &requestWaiter{replyCh: replyCh, deadline: c.clk.Now().Add(timeout)}

	c.mu.Lock()
	c.pendingRequests[messageID] = w
	c.mu.Unlock()

	w.timer = c.clk.AfterFunc(timeout, func() {
		c.mu.Lock()
		if _, still := c.pendingRequests[messageID]; still {
			delete(c.pendingRequests, messageID)
			c.mu.Unlock()
			close(replyCh)
			return
		}
		c.mu.Unlock()
	})
	return replyCh
}

// resolveWaiter hands payload to the waiter registered under requestID, if
// any, and removes it (spec §4.6: "if present, hand the payload to the
// waiter and remove the entry; if absent, drop").
func (c *Connection) resolveWaiter(requestID timeID128, payload []byte) {
	c.mu.Lock()
	w, ok := c.pendingRequests[requestID]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.pendingRequests, requestID)
	c.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.replyCh <- payload
}

// cancelWaiter removes a waiter before its deadline, e.g. when the caller's
// context is cancelled (spec §5 cancellation semantics).
func (c *Connection) cancelWaiter(messageID timeID128) {
	c.mu.Lock()
	w, ok := c.pendingRequests[messageID]
	if ok {
		delete(c.pendingRequests, messageID)
	}
	c.mu.Unlock()
	if ok && w.timer != nil {
		w.timer.Stop()
	}
}
