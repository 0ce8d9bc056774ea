package broadcast

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/threadline-ai/threadline/internal/connstate"
	"github.com/threadline-ai/threadline/internal/logging"
	"github.com/threadline-ai/threadline/internal/registry"
	"github.com/threadline-ai/threadline/internal/resilience"
)

// Sink delivers events to one connection's transport. Implementations must
// respect the context deadline; the router bounds every delivery.
type Sink interface {
	Deliver(ctx context.Context, event Event) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, event Event) error

// Deliver calls f.
func (f SinkFunc) Deliver(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// DegradationSource reports the current degradation level for a
// connection's delivery path. The resilience monitor implements it.
type DegradationSource interface {
	LevelFor(connectionID string) resilience.DegradationLevel
}

// Config holds router tuning.
type Config struct {
	// DeliveryTimeout bounds each recipient's delivery so one hung
	// connection cannot stall a broadcast.
	DeliveryTimeout time.Duration
	// DedupeCacheSize is the capacity of the seen-event-id cache.
	DedupeCacheSize int
}

// DefaultConfig returns default router configuration.
func DefaultConfig() Config {
	return Config{
		DeliveryTimeout: 3 * time.Second,
		DedupeCacheSize: 4096,
	}
}

// Router fans state-change events out to eligible connections. Fan-out is
// concurrent and per-recipient failures are isolated: one slow or broken
// recipient never blocks or fails the others.
type Router struct {
	cfg Config
	reg *registry.Registry
	bus *Bus
	log zerolog.Logger

	mu          sync.RWMutex
	sinks       map[string]Sink
	policy      resilience.FaultPolicy
	degradation DegradationSource

	// seen rejects re-broadcast of an already-routed event id.
	seen *lru.Cache[string, struct{}]

	totalEvents     atomic.Int64
	totalRecipients atomic.Int64
}

// NewRouter creates a Router. bus may be nil when no observer mirror is
// needed (tests).
func NewRouter(cfg Config, reg *registry.Registry, bus *Bus) *Router {
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = DefaultConfig().DeliveryTimeout
	}
	if cfg.DedupeCacheSize <= 0 {
		cfg.DedupeCacheSize = DefaultConfig().DedupeCacheSize
	}

	seen, _ := lru.New[string, struct{}](cfg.DedupeCacheSize)
	return &Router{
		cfg:   cfg,
		reg:   reg,
		bus:   bus,
		log:   logging.Component("broadcast"),
		sinks: make(map[string]Sink),
		seen:  seen,
	}
}

// SetFaultPolicy installs the degraded-send drop policy. Call at wiring
// time, before broadcasts start.
func (r *Router) SetFaultPolicy(p resilience.FaultPolicy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policy = p
}

// SetDegradationSource installs the per-connection degradation signal.
func (r *Router) SetDegradationSource(src DegradationSource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.degradation = src
}

// Attach binds a delivery sink to a connection id. A connection without a
// sink is eligible for events but receives none.
func (r *Router) Attach(connectionID string, s Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks[connectionID] = s
}

// Detach removes a connection's sink. Safe to call concurrently with an
// in-flight broadcast; the recipient is simply excluded.
func (r *Router) Detach(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sinks, connectionID)
}

// Broadcast delivers event to every eligible candidate concurrently and
// returns the number of recipients whose delivery succeeded. It waits for
// all deliveries before returning. Re-broadcasting an event id that was
// already routed is rejected with zero recipients.
func (r *Router) Broadcast(ctx context.Context, event Event, candidates []*connstate.Connection) int {
	if added := r.markSeen(event.ID); !added {
		r.log.Warn().
			Str("eventID", event.ID).
			Str("eventType", event.Type).
			Msg("duplicate event id rejected")
		return 0
	}

	targets := event.targetSet()

	type delivery struct {
		conn *connstate.Connection
		sink Sink
	}
	var eligible []delivery

	for _, conn := range candidates {
		if conn == nil {
			continue
		}
		// Stale or missing registrations are silently excluded; a
		// candidate that unregistered mid-flight simply does not
		// receive the event.
		registered, ok := r.reg.Get(conn.ID())
		if !ok || registered != conn {
			continue
		}
		if !conn.IsOperational() {
			continue
		}
		if !eligibleForScope(conn, event.Scope, targets) {
			continue
		}
		if r.shouldDrop(conn.ID()) {
			r.log.Debug().
				Str("connectionID", conn.ID()).
				Str("eventID", event.ID).
				Msg("delivery dropped by fault policy")
			continue
		}

		sink := r.sinkFor(conn.ID())
		if sink == nil {
			continue
		}
		eligible = append(eligible, delivery{conn: conn, sink: sink})
	}

	var delivered atomic.Int64
	var wg sync.WaitGroup
	for _, d := range eligible {
		wg.Add(1)
		go func(d delivery) {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					r.log.Error().
						Str("connectionID", d.conn.ID()).
						Any("panic", rec).
						Msg("recipient sink panicked")
				}
			}()

			dctx, cancel := context.WithTimeout(ctx, r.cfg.DeliveryTimeout)
			defer cancel()

			if err := d.sink.Deliver(dctx, event); err != nil {
				r.log.Warn().
					Err(err).
					Str("connectionID", d.conn.ID()).
					Str("eventID", event.ID).
					Msg("delivery failed")
				return
			}
			delivered.Add(1)
		}(d)
	}
	wg.Wait()

	count := int(delivered.Load())
	r.totalEvents.Add(1)
	r.totalRecipients.Add(int64(count))

	if r.bus != nil {
		r.bus.Publish(event)
	}

	r.log.Debug().
		Str("eventID", event.ID).
		Str("eventType", event.Type).
		Str("scope", string(event.Scope)).
		Int("recipients", count).
		Msg("event routed")
	return count
}

// BroadcastAll routes event against every registered connection.
func (r *Router) BroadcastAll(ctx context.Context, event Event) int {
	return r.Broadcast(ctx, event, r.reg.List())
}

// Stats returns the cumulative broadcast counters.
func (r *Router) Stats() (totalEvents, totalRecipients int64) {
	return r.totalEvents.Load(), r.totalRecipients.Load()
}

// markSeen records the event id, reporting false if it was already routed.
func (r *Router) markSeen(eventID string) bool {
	existed, _ := r.seen.ContainsOrAdd(eventID, struct{}{})
	return !existed
}

func (r *Router) sinkFor(connectionID string) Sink {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sinks[connectionID]
}

// shouldDrop consults the degradation signal and fault policy for a
// connection's delivery path.
func (r *Router) shouldDrop(connectionID string) bool {
	r.mu.RLock()
	policy, src := r.policy, r.degradation
	r.mu.RUnlock()

	if policy == nil || src == nil {
		return false
	}
	level := src.LevelFor(connectionID)
	if level == resilience.DegradationNone {
		return false
	}
	return policy.ShouldDrop(level)
}

// eligibleForScope applies the authorization rules: user scope matches the
// owning user, thread and organization scopes require a subscription
// intersection, global reaches every operational connection.
func eligibleForScope(conn *connstate.Connection, scope Scope, targets map[string]struct{}) bool {
	switch scope {
	case ScopeUser:
		_, ok := targets[conn.UserID()]
		return ok
	case ScopeThread:
		return conn.SubscribedToAnyThread(targets)
	case ScopeOrganization:
		return conn.SubscribedToAnyOrganization(targets)
	case ScopeGlobal:
		return true
	default:
		return false
	}
}
