package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/quayside/ferry/internal/approval"
	"github.com/quayside/ferry/internal/protocol"
	"github.com/quayside/ferry/internal/tools"
)

// ConnState is the mutable per-connection state. One turn may be in
// flight at a time; a second chat request is rejected, never queued.
type ConnState struct {
	id string

	mu         sync.Mutex
	sessionID  string
	inFlight   bool
	requestID  string
	turnCancel context.CancelFunc
	waits      map[string]*pendingWait
	registry   *tools.Registry
	policy     *approval.Policy
	closed     bool
}

func newConnState(id string, policy *approval.Policy) *ConnState {
	return &ConnState{
		id:     id,
		policy: policy,
		waits:  make(map[string]*pendingWait),
	}
}

// ID returns the connection id.
func (c *ConnState) ID() string { return c.id }

// SessionID returns the bound session id, if any.
func (c *ConnState) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *ConnState) bindSession(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = id
}

// beginTurn marks the turn in flight. It fails if a turn is already
// running or the connection is closed.
func (c *ConnState) beginTurn(requestID string, cancel context.CancelFunc) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight || c.closed {
		return false
	}
	c.inFlight = true
	c.requestID = requestID
	c.turnCancel = cancel
	return true
}

// endTurn returns the connection to idle. Every path out of a turn
// must land here.
func (c *ConnState) endTurn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inFlight = false
	c.requestID = ""
	c.turnCancel = nil
}

// abortTurn cancels the in-flight turn, if any.
func (c *ConnState) abortTurn() {
	c.mu.Lock()
	cancel := c.turnCancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// inFlightRequest reports the busy state and the running request id.
func (c *ConnState) inFlightRequest() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requestID, c.inFlight
}

func (c *ConnState) cachedRegistry() *tools.Registry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registry
}

func (c *ConnState) cacheRegistry(r *tools.Registry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.registry = r
}

// invalidateRegistry drops the cached registry so the next turn
// rebuilds it. Called when tool configuration changes.
func (c *ConnState) invalidateRegistry() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.registry = nil
}

// waitResolution is the outcome of one approval round trip.
type waitResolution struct {
	approved    bool
	forSession  bool
	editedSteps []protocol.PreflightStep
	outcome     string // approved | denied | timeout | cancelled
}

// pendingWait is a single-shot approval (or preflight) wait. Exactly
// one of {client response, timeout, cancellation} resolves it; later
// attempts are no-ops.
type pendingWait struct {
	tool      string
	createdAt time.Time
	once      sync.Once
	ch        chan waitResolution
}

// addWait inserts a pending wait keyed by id. It fails on a closed
// connection so no wait can outlive its owner.
func (c *ConnState) addWait(id, tool string) (*pendingWait, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, false
	}
	w := &pendingWait{
		tool:      tool,
		createdAt: time.Now(),
		ch:        make(chan waitResolution, 1),
	}
	c.waits[id] = w
	return w, true
}

// resolveWait fires the resolution for id. The entry is removed
// atomically with the first resolution; a second resolution of the
// same id is a no-op. Returns false if no such wait exists.
func (c *ConnState) resolveWait(id string, res waitResolution) bool {
	c.mu.Lock()
	w, ok := c.waits[id]
	if ok {
		delete(c.waits, id)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	w.once.Do(func() { w.ch <- res })
	return true
}

// denyAllWaits resolves every outstanding wait as denied. Used on
// connection close and turn cancellation.
func (c *ConnState) denyAllWaits(outcome string) {
	c.mu.Lock()
	waits := c.waits
	c.waits = make(map[string]*pendingWait)
	c.mu.Unlock()

	for _, w := range waits {
		w.once.Do(func() { w.ch <- waitResolution{approved: false, outcome: outcome} })
	}
}

// close tears the connection state down: pending approvals resolve as
// denied and the in-flight turn is cancelled.
func (c *ConnState) close() {
	c.mu.Lock()
	c.closed = true
	cancel := c.turnCancel
	c.mu.Unlock()

	c.denyAllWaits("cancelled")
	if cancel != nil {
		cancel()
	}
}

// connRegistry maps connection ids to their state, with deterministic
// teardown on close.
type connRegistry struct {
	mu    sync.Mutex
	conns map[string]*ConnState
}

func newConnRegistry() *connRegistry {
	return &connRegistry{conns: make(map[string]*ConnState)}
}

func (r *connRegistry) add(conn *ConnState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[conn.id] = conn
}

func (r *connRegistry) remove(id string) *ConnState {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn := r.conns[id]
	delete(r.conns, id)
	return conn
}

func (r *connRegistry) each(fn func(*ConnState)) {
	r.mu.Lock()
	conns := make([]*ConnState, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	r.mu.Unlock()
	for _, conn := range conns {
		fn(conn)
	}
}

func (r *connRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}
