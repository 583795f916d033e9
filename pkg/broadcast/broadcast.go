// Package broadcast provides the central fanout for live scan state.
// It receives (event, aggregate snapshot) pairs from the stream and
// routes them to tenant-scoped subscribers and to registered hooks
// (metrics, tracing, logging). Subscribers are viewers on the other
// side of a live connection; hooks are process-internal integrations.
//
// Delivery to any one subscriber is best-effort and at-most-once: a
// slow consumer first loses messages and is then dropped entirely,
// never propagated as backpressure into event ingestion. One tenant's
// events are never delivered to another tenant's subscription.
package broadcast

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/mikewolf256/agentic-security-dashboard/pkg/events"
	"github.com/mikewolf256/agentic-security-dashboard/pkg/projection"
	"github.com/mikewolf256/agentic-security-dashboard/pkg/workerpool"
)

// Room is a broadcast scope a connection subscribes to.
type Room string

const (
	// RoomAdmin receives every event regardless of tenant.
	RoomAdmin Room = "admin"

	// RoomAll is the legacy catch-all for identities with no tenant
	// scope; it receives everything, preserving single-tenant
	// deployments that predate tenancy.
	RoomAll Room = "*"
)

// TenantRoom returns the room scoped to one tenant.
func TenantRoom(tenantID string) Room { return Room("tenant:" + tenantID) }

// Identity is the resolved viewer identity the router scopes by.
// The zero value is the legacy catch-all identity.
type Identity struct {
	TenantID string
	Admin    bool
}

// Rooms returns the rooms this identity joins.
func (id Identity) Rooms() []Room {
	switch {
	case id.TenantID != "" && id.Admin:
		return []Room{TenantRoom(id.TenantID), RoomAdmin}
	case id.TenantID != "":
		return []Room{TenantRoom(id.TenantID)}
	case id.Admin:
		return []Room{RoomAdmin}
	default:
		return []Room{RoomAll}
	}
}

// Sees reports whether an event is visible to this identity.
// Admins and legacy catch-all identities see everything; a tenant
// identity sees only events tagged with its own tenant.
func (id Identity) Sees(evt events.Event) bool {
	if id.Admin || id.TenantID == "" {
		return true
	}
	return evt.TenantID == id.TenantID
}

// Envelope is one fanout unit: a live event paired with the aggregate
// snapshot it produced, or a snapshot alone for connect-time replay.
type Envelope struct {
	Event *events.Event        `json:"event,omitempty"`
	Stats *projection.Snapshot `json:"stats,omitempty"`
}

// Hook is a process-internal event consumer (metrics, tracing,
// logging). Hook failures are isolated exactly like slow viewers:
// logged, never surfaced to ingestion.
type Hook interface {
	// OnEvent is called for each matching envelope.
	OnEvent(ctx context.Context, env Envelope) error

	// EventTypes returns the event types this hook handles.
	// Nil or empty means the hook receives all events.
	EventTypes() []events.Type
}

// Subscriber is one live connection's view of the router.
// Consume from Events() and stop when Done() closes.
type Subscriber struct {
	id        string
	identity  Identity
	ch        chan Envelope
	done      chan struct{}
	closeOnce sync.Once
	misses    int32
}

// ID returns the subscriber's unique connection ID.
func (s *Subscriber) ID() string { return s.id }

// Identity returns the identity the subscription is scoped to.
func (s *Subscriber) Identity() Identity { return s.identity }

// Events is the subscriber's ordered, bounded delivery queue.
func (s *Subscriber) Events() <-chan Envelope { return s.ch }

// Done closes when the subscription ends, whether by Unsubscribe or by
// eviction for falling too far behind.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

func (s *Subscriber) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Options configures a Router.
type Options struct {
	// QueueSize bounds each subscriber's delivery queue (default 64).
	QueueSize int

	// MissLimit is how many undelivered envelopes a subscriber may
	// accumulate before it is evicted (default 16).
	MissLimit int

	// HookWorkers sizes the pool that runs hook callbacks (default 4).
	HookWorkers int

	Logger *slog.Logger
}

// Router fans envelopes out to subscribers and hooks.
// It is safe for concurrent use. Publish never blocks on a consumer.
type Router struct {
	mu    sync.RWMutex
	subs  map[string]*Subscriber
	hooks []Hook

	pool      *workerpool.Pool
	log       *slog.Logger
	queueSize int
	missLimit int

	evicted atomic.Int64
}

// NewRouter creates a router.
func NewRouter(opts Options) *Router {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.MissLimit <= 0 {
		opts.MissLimit = 16
	}
	if opts.HookWorkers <= 0 {
		opts.HookWorkers = 4
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Router{
		subs:      make(map[string]*Subscriber),
		pool:      workerpool.New(opts.HookWorkers),
		log:       opts.Logger,
		queueSize: opts.QueueSize,
		missLimit: opts.MissLimit,
	}
}

// RegisterHook adds a process-internal event consumer.
func (r *Router) RegisterHook(h Hook) {
	r.mu.Lock()
	r.hooks = append(r.hooks, h)
	r.mu.Unlock()
}

// Subscribe joins the rooms implied by identity and returns the live
// subscription. The replay envelopes (connect-time snapshot plus recent
// room-scoped events) are queued ahead of any live traffic so the
// viewer sees a gapless transition from history to live stream.
func (r *Router) Subscribe(identity Identity, replay []Envelope) *Subscriber {
	sub := &Subscriber{
		id:       uuid.NewString(),
		identity: identity,
		ch:       make(chan Envelope, r.queueSize+len(replay)),
		done:     make(chan struct{}),
	}
	for _, env := range replay {
		sub.ch <- env
	}

	r.mu.Lock()
	r.subs[sub.id] = sub
	r.mu.Unlock()

	r.log.Debug("subscriber joined",
		"subscriber", sub.id,
		"tenant", identity.TenantID,
		"admin", identity.Admin,
		"replayed", len(replay))
	return sub
}

// Unsubscribe removes a subscriber and signals its Done channel.
// Safe to call more than once.
func (r *Router) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}
	r.mu.Lock()
	delete(r.subs, sub.id)
	r.mu.Unlock()
	sub.close()
}

// Publish fans an envelope out to every subscriber whose scope matches
// and to every hook whose type filter matches. It is fire-and-forget:
// full subscriber queues drop the envelope, and subscribers that keep
// missing are evicted. No locks are held while delivering.
func (r *Router) Publish(ctx context.Context, env Envelope) {
	r.mu.RLock()
	subs := make([]*Subscriber, 0, len(r.subs))
	for _, s := range r.subs {
		subs = append(subs, s)
	}
	hooks := make([]Hook, len(r.hooks))
	copy(hooks, r.hooks)
	r.mu.RUnlock()

	var evict []*Subscriber
	for _, s := range subs {
		if env.Event != nil && !s.identity.Sees(*env.Event) {
			continue
		}
		select {
		case s.ch <- env:
			atomic.StoreInt32(&s.misses, 0)
		default:
			if atomic.AddInt32(&s.misses, 1) >= int32(r.missLimit) {
				evict = append(evict, s)
			}
		}
	}
	for _, s := range evict {
		r.Unsubscribe(s)
		r.evicted.Add(1)
		r.log.Warn("dropped slow subscriber",
			"subscriber", s.id,
			"tenant", s.identity.TenantID)
	}

	for _, h := range hooks {
		if !hookWants(h, env) {
			continue
		}
		hook := h
		r.pool.Submit(func() {
			if err := hook.OnEvent(ctx, env); err != nil {
				r.log.Debug("hook error", "error", err)
			}
		})
	}
}

func hookWants(h Hook, env Envelope) bool {
	types := h.EventTypes()
	if len(types) == 0 {
		return true
	}
	if env.Event == nil {
		return false
	}
	for _, t := range types {
		if t == env.Event.Type {
			return true
		}
	}
	return false
}

// SubscriberCount returns the number of live subscriptions.
func (r *Router) SubscriberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// EvictedSubscribers returns how many subscribers were dropped for
// falling behind.
func (r *Router) EvictedSubscribers() int64 { return r.evicted.Load() }

// Close drops every subscriber and stops the hook pool.
func (r *Router) Close() {
	r.mu.Lock()
	subs := r.subs
	r.subs = make(map[string]*Subscriber)
	r.mu.Unlock()

	for _, s := range subs {
		s.close()
	}
	r.pool.Close()
}
