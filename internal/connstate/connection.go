package connstate

import (
	"sync"
	"time"
)

// TransitionInfo describes a single successful state change, as delivered
// to state-change callbacks.
type TransitionInfo struct {
	From   State  `json:"from"`
	To     State  `json:"to"`
	Reason string `json:"reason"`
}

// Transition is a history entry for a completed state change.
type Transition struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// Callback receives successful transitions. Callbacks run synchronously on
// the goroutine performing the transition, in registration order.
type Callback func(info TransitionInfo)

// callbackEntry pairs a callback with an ID so it can be removed.
type callbackEntry struct {
	id uint64
	fn Callback
}

// Connection is the state machine for a single client connection. It owns
// the connection's lifecycle state, transition history, and subscription
// sets. A Connection is mutated only through its own methods and is safe
// for concurrent use.
type Connection struct {
	id     string
	userID string

	mu        sync.RWMutex
	state     State
	history   []Transition
	callbacks []callbackEntry
	nextCBID  uint64

	threads map[string]struct{}
	orgs    map[string]struct{}
}

// New creates a Connection in the Connecting state.
func New(connectionID, userID string) *Connection {
	return &Connection{
		id:      connectionID,
		userID:  userID,
		state:   Connecting,
		threads: make(map[string]struct{}),
		orgs:    make(map[string]struct{}),
	}
}

// ID returns the connection identifier.
func (c *Connection) ID() string { return c.id }

// UserID returns the owning user's identifier.
func (c *Connection) UserID() string { return c.userID }

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// TransitionTo attempts to move the connection to target. It returns false
// without mutating anything if the edge is illegal; probing an illegal edge
// is normal control flow, not an error. On success the transition is
// appended to history and every registered callback is invoked in
// registration order before TransitionTo returns.
func (c *Connection) TransitionTo(target State, reason string) bool {
	c.mu.Lock()
	if !c.state.CanReach(target) {
		c.mu.Unlock()
		return false
	}

	info := TransitionInfo{From: c.state, To: target, Reason: reason}
	c.state = target
	c.history = append(c.history, Transition{
		From:   info.From,
		To:     target,
		Reason: reason,
		At:     time.Now(),
	})

	// Snapshot callbacks so they run outside the lock; a callback is free
	// to read the connection's state without deadlocking.
	cbs := make([]Callback, len(c.callbacks))
	for i, entry := range c.callbacks {
		cbs[i] = entry.fn
	}
	c.mu.Unlock()

	for _, fn := range cbs {
		fn(info)
	}
	return true
}

// CanProcessMessages reports whether application messages may be admitted.
// True only in ProcessingReady.
func (c *Connection) CanProcessMessages() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state == ProcessingReady
}

// IsOperational reports whether the connection is still serving users,
// possibly at reduced quality. True in ProcessingReady and Degraded.
func (c *Connection) IsOperational() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state == ProcessingReady || c.state == Degraded
}

// AddStateChangeCallback registers fn for future transitions and returns a
// function that removes the registration.
func (c *Connection) AddStateChangeCallback(fn Callback) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextCBID++
	id := c.nextCBID
	c.callbacks = append(c.callbacks, callbackEntry{id: id, fn: fn})

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, entry := range c.callbacks {
			if entry.id == id {
				c.callbacks = append(c.callbacks[:i], c.callbacks[i+1:]...)
				break
			}
		}
	}
}

// History returns a copy of the transition history.
func (c *Connection) History() []Transition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Transition, len(c.history))
	copy(out, c.history)
	return out
}

// SubscribeThread adds a thread subscription.
func (c *Connection) SubscribeThread(threadID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.threads[threadID] = struct{}{}
}

// UnsubscribeThread removes a thread subscription. Unknown ids are a no-op.
func (c *Connection) UnsubscribeThread(threadID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.threads, threadID)
}

// SubscribeOrganization adds an organization subscription.
func (c *Connection) SubscribeOrganization(orgID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.orgs[orgID] = struct{}{}
}

// UnsubscribeOrganization removes an organization subscription.
func (c *Connection) UnsubscribeOrganization(orgID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.orgs, orgID)
}

// SubscribedToAnyThread reports whether the connection's thread
// subscriptions intersect ids.
func (c *Connection) SubscribedToAnyThread(ids map[string]struct{}) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for id := range ids {
		if _, ok := c.threads[id]; ok {
			return true
		}
	}
	return false
}

// SubscribedToAnyOrganization reports whether the connection's organization
// subscriptions intersect ids.
func (c *Connection) SubscribedToAnyOrganization(ids map[string]struct{}) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for id := range ids {
		if _, ok := c.orgs[id]; ok {
			return true
		}
	}
	return false
}

// Threads returns a copy of the thread subscription set.
func (c *Connection) Threads() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.threads))
	for id := range c.threads {
		out = append(out, id)
	}
	return out
}

// Organizations returns a copy of the organization subscription set.
func (c *Connection) Organizations() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.orgs))
	for id := range c.orgs {
		out = append(out, id)
	}
	return out
}
