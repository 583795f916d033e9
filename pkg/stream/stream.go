// Package stream ties the event pipeline together: every ingested
// event is appended to the bounded log, folded into its scan's
// aggregate, reflected into the scan registry, and broadcast to live
// subscribers as an (event, snapshot) pair. This is the single write
// path; HTTP handlers and websocket sessions only ever call into here.
package stream

import (
	"context"
	"log/slog"
	"sync"

	"github.com/mikewolf256/agentic-security-dashboard/pkg/broadcast"
	"github.com/mikewolf256/agentic-security-dashboard/pkg/eventlog"
	"github.com/mikewolf256/agentic-security-dashboard/pkg/events"
	"github.com/mikewolf256/agentic-security-dashboard/pkg/projection"
	"github.com/mikewolf256/agentic-security-dashboard/pkg/registry"
)

// DefaultScanID labels events that arrive without a scan_id, so a
// single-scanner deployment works without any registration step.
const DefaultScanID = "default"

// Options configures a Stream.
type Options struct {
	// LogCapacity bounds the replay ring (default eventlog.DefaultCapacity).
	LogCapacity int

	// ReplayCount is how many recent events a new subscriber receives
	// ahead of live traffic (default 50).
	ReplayCount int

	// Projection is passed through to every scan's aggregate engine.
	Projection projection.Options

	Logger *slog.Logger
}

// scanState pairs a scan's aggregate engine with the lock that keeps
// its log append and fold in arrival order. Scans ingest independently;
// only the map lookup goes through the stream lock.
type scanState struct {
	mu     sync.Mutex
	engine *projection.Engine
}

// Stream is the ingestion pipeline. Safe for concurrent use; events of
// one scan are serialized under that scan's lock, events of different
// scans do not contend.
type Stream struct {
	mu      sync.RWMutex
	engines map[string]*scanState
	current string

	log      *eventlog.Log
	router   *broadcast.Router
	registry *registry.Registry

	opts   projection.Options
	replay int
	logger *slog.Logger
}

// New creates a stream over the given router and registry.
func New(router *broadcast.Router, reg *registry.Registry, opts Options) *Stream {
	if opts.LogCapacity <= 0 {
		opts.LogCapacity = eventlog.DefaultCapacity
	}
	if opts.ReplayCount <= 0 {
		opts.ReplayCount = 50
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Stream{
		engines:  make(map[string]*scanState),
		current:  DefaultScanID,
		log:      eventlog.New(opts.LogCapacity),
		router:   router,
		registry: reg,
		opts:     opts.Projection,
		replay:   opts.ReplayCount,
		logger:   opts.Logger,
	}
}

// Emit ingests one event: it is identified, logged, folded into the
// scan's aggregate, and fanned out with the fresh snapshot. The
// returned event carries the generated ID and timestamp.
func (s *Stream) Emit(eventType events.Type, payload map[string]any, scanID, tenantID string) events.Event {
	evt := events.New(eventType, payload, scanID, tenantID)

	s.mu.Lock()
	if evt.ScanID == "" {
		evt.ScanID = s.current
	}
	if evt.Type == events.TypeScanStart {
		// A new run resets its aggregate and becomes the default
		// target for unlabeled events.
		s.current = evt.ScanID
		delete(s.engines, evt.ScanID)
	}
	state := s.stateLocked(evt.ScanID)
	s.mu.Unlock()

	state.mu.Lock()
	s.log.Append(evt)
	state.engine.Apply(evt)
	snap := state.engine.Snapshot()
	state.mu.Unlock()

	s.reflectLifecycle(evt)
	s.router.Publish(context.Background(), broadcast.Envelope{Event: &evt, Stats: &snap})
	return evt
}

// stateLocked returns the state for a scan, creating it on first use.
// Callers hold s.mu.
func (s *Stream) stateLocked(scanID string) *scanState {
	state, ok := s.engines[scanID]
	if !ok {
		state = &scanState{engine: projection.NewEngine(s.opts)}
		s.engines[scanID] = state
	}
	return state
}

// reflectLifecycle moves the registry entry for a scan into terminal
// state when its stream says so. Events for scans the registry never
// saw are fine; not every deployment registers slots.
func (s *Stream) reflectLifecycle(evt events.Event) {
	if s.registry == nil {
		return
	}

	var status registry.Status
	switch evt.Type {
	case events.TypeScanComplete:
		if evt.Str("reason") == "killed" {
			status = registry.StatusKilled
		} else {
			status = registry.StatusComplete
		}
	case events.TypeScanError:
		status = registry.StatusError
	default:
		return
	}

	if _, err := s.registry.Complete(evt.ScanID, status); err != nil {
		s.logger.Debug("lifecycle event for unregistered scan",
			"scan", evt.ScanID, "type", evt.Type, "error", err)
	}
}

// CurrentScanID returns the scan unlabeled events are attributed to.
func (s *Stream) CurrentScanID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Stats returns the current scan's aggregate snapshot.
func (s *Stream) Stats() projection.Snapshot {
	s.mu.RLock()
	state, ok := s.engines[s.current]
	s.mu.RUnlock()
	if !ok {
		return projection.Snapshot{}
	}
	return state.engine.Snapshot()
}

// StatsFor returns the snapshot for one scan, ok=false if the stream
// has never seen it.
func (s *Stream) StatsFor(scanID string) (projection.Snapshot, bool) {
	s.mu.RLock()
	state, ok := s.engines[scanID]
	s.mu.RUnlock()
	if !ok {
		return projection.Snapshot{}, false
	}
	return state.engine.Snapshot(), true
}

// Endpoints returns the current scan's endpoints, vulnerable first.
func (s *Stream) Endpoints(limit int) []projection.Endpoint {
	s.mu.RLock()
	state, ok := s.engines[s.current]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	return state.engine.Endpoints(limit)
}

// Endpoint returns the current scan's detail for one URL.
func (s *Stream) Endpoint(rawURL string) (projection.Endpoint, bool) {
	s.mu.RLock()
	state, ok := s.engines[s.current]
	s.mu.RUnlock()
	if !ok {
		return projection.Endpoint{}, false
	}
	return state.engine.Endpoint(rawURL)
}

// RecentEvents returns up to n recent events visible to identity,
// oldest first.
func (s *Stream) RecentEvents(n int, identity broadcast.Identity) []events.Event {
	return oldestFirst(s.log.RecentMatching(n, identity.Sees))
}

// RecentEventsForScan is RecentEvents narrowed to one scan.
func (s *Stream) RecentEventsForScan(n int, identity broadcast.Identity, scanID string) []events.Event {
	return oldestFirst(s.log.RecentMatching(n, func(evt events.Event) bool {
		return evt.ScanID == scanID && identity.Sees(evt)
	}))
}

// Subscribe opens a live subscription primed with the current snapshot
// and the recent events identity is allowed to see, so a viewer that
// connects mid-scan renders immediately instead of from zero.
func (s *Stream) Subscribe(identity broadcast.Identity) *broadcast.Subscriber {
	s.mu.RLock()
	state, ok := s.engines[s.current]
	s.mu.RUnlock()

	replay := make([]broadcast.Envelope, 0, s.replay+1)
	if ok {
		snap := state.engine.Snapshot()
		replay = append(replay, broadcast.Envelope{Stats: &snap})
	}
	for _, evt := range oldestFirst(s.log.RecentMatching(s.replay, identity.Sees)) {
		evt := evt
		replay = append(replay, broadcast.Envelope{Event: &evt})
	}

	return s.router.Subscribe(identity, replay)
}

// Unsubscribe ends a subscription opened with Subscribe.
func (s *Stream) Unsubscribe(sub *broadcast.Subscriber) {
	s.router.Unsubscribe(sub)
}

func oldestFirst(evts []events.Event) []events.Event {
	for i, j := 0, len(evts)-1; i < j; i, j = i+1, j-1 {
		evts[i], evts[j] = evts[j], evts[i]
	}
	return evts
}
