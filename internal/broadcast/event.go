// Package broadcast routes state-change events to the subset of live
// connections authorized and subscribed to receive them.
package broadcast

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// Scope is the breadth of a broadcast target.
type Scope string

const (
	ScopeUser         Scope = "user"
	ScopeThread       Scope = "thread"
	ScopeOrganization Scope = "organization"
	ScopeGlobal       Scope = "global"
)

// Event is a single state-change notification. It is immutable once
// constructed: it is consumed exactly once by the router and never
// re-delivered under a different ID.
type Event struct {
	Type               string    `json:"type"`
	ID                 string    `json:"id"`
	SourceConnectionID string    `json:"sourceConnectionID,omitempty"`
	Scope              Scope     `json:"scope"`
	TargetIDs          []string  `json:"targetIDs,omitempty"`
	Payload            any       `json:"payload,omitempty"`
	Timestamp          time.Time `json:"timestamp"`
}

// NewEvent constructs an event with a fresh ULID and timestamp. targetIDs
// is copied so the caller cannot mutate the event afterwards.
func NewEvent(eventType, sourceConnID string, scope Scope, targetIDs []string, payload any) Event {
	ids := make([]string, len(targetIDs))
	copy(ids, targetIDs)

	return Event{
		Type:               eventType,
		ID:                 ulid.Make().String(),
		SourceConnectionID: sourceConnID,
		Scope:              scope,
		TargetIDs:          ids,
		Payload:            payload,
		Timestamp:          time.Now(),
	}
}

// targetSet returns the target ids as a set for intersection checks.
func (e Event) targetSet() map[string]struct{} {
	set := make(map[string]struct{}, len(e.TargetIDs))
	for _, id := range e.TargetIDs {
		set[id] = struct{}{}
	}
	return set
}
