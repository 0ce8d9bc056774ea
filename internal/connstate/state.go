// Package connstate implements the per-connection lifecycle state machine
// that gates message admission for realtime clients.
package connstate

// State represents a connection's lifecycle state.
type State string

const (
	// Setup progression, in order.
	Connecting      State = "connecting"
	Accepted        State = "accepted"
	Authenticated   State = "authenticated"
	ServicesReady   State = "services_ready"
	ProcessingReady State = "processing_ready"

	// Side states reachable once a connection is fully up.
	Degraded     State = "degraded"
	Reconnecting State = "reconnecting"
	Failed       State = "failed"
	Closed       State = "closed"
)

// legalEdges maps each state to the set of states reachable from it.
// Failed and Closed are terminal.
var legalEdges = map[State][]State{
	Connecting:      {Accepted},
	Accepted:        {Authenticated},
	Authenticated:   {ServicesReady},
	ServicesReady:   {ProcessingReady},
	ProcessingReady: {Degraded, Reconnecting, Failed, Closed},
	Degraded:        {ProcessingReady, Reconnecting, Failed, Closed},
	Reconnecting:    {ProcessingReady, Degraded, Failed, Closed},
	Failed:          {},
	Closed:          {},
}

// CanReach reports whether a direct transition from s to target is legal.
func (s State) CanReach(target State) bool {
	for _, next := range legalEdges[s] {
		if next == target {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the state has no outbound edges.
func (s State) IsTerminal() bool {
	return len(legalEdges[s]) == 0
}

// Valid reports whether s is a declared lifecycle state.
func (s State) Valid() bool {
	_, ok := legalEdges[s]
	return ok
}

// States returns every declared lifecycle state.
func States() []State {
	return []State{
		Connecting, Accepted, Authenticated, ServicesReady, ProcessingReady,
		Degraded, Reconnecting, Failed, Closed,
	}
}
