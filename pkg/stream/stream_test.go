package stream

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikewolf256/agentic-security-dashboard/pkg/broadcast"
	"github.com/mikewolf256/agentic-security-dashboard/pkg/events"
	"github.com/mikewolf256/agentic-security-dashboard/pkg/killswitch"
	"github.com/mikewolf256/agentic-security-dashboard/pkg/projection"
	"github.com/mikewolf256/agentic-security-dashboard/pkg/registry"
)

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStream(t *testing.T) (*Stream, *registry.Registry, *broadcast.Router) {
	t.Helper()
	logger := quiet()
	killer, err := killswitch.New(t.TempDir(), logger)
	require.NoError(t, err)
	reg := registry.New(killer, logger)
	router := broadcast.NewRouter(broadcast.Options{Logger: logger})
	t.Cleanup(router.Close)
	s := New(router, reg, Options{Logger: logger})
	return s, reg, router
}

func collect(sub *broadcast.Subscriber) []broadcast.Envelope {
	var out []broadcast.Envelope
	for {
		select {
		case env := <-sub.Events():
			out = append(out, env)
		default:
			return out
		}
	}
}

func TestEmitFoldsIntoAggregate(t *testing.T) {
	s, _, _ := newTestStream(t)

	s.Emit(events.TypeScanStart, map[string]any{"target": "https://example.com"}, "scan-1", "")
	s.Emit(events.TypeRequestMade, nil, "scan-1", "")
	s.Emit(events.TypeEndpointDiscovered, map[string]any{"url": "https://example.com/login"}, "scan-1", "")

	snap := s.Stats()
	assert.Equal(t, "scan-1", snap.ScanID)
	assert.Equal(t, 1, snap.Stats.RequestsSent)
	assert.Equal(t, 1, snap.Stats.EndpointsFound)
	assert.Equal(t, 3, snap.Stats.EventsTotal)
}

func TestEmitDefaultsScanID(t *testing.T) {
	s, _, _ := newTestStream(t)

	evt := s.Emit(events.TypeRequestMade, nil, "", "")
	assert.Equal(t, DefaultScanID, evt.ScanID)
	assert.NotEmpty(t, evt.ID)
	assert.False(t, evt.Timestamp.IsZero())
}

func TestScanStartBecomesCurrent(t *testing.T) {
	s, _, _ := newTestStream(t)

	s.Emit(events.TypeScanStart, map[string]any{"target": "https://a.example"}, "scan-1", "")
	s.Emit(events.TypeScanStart, map[string]any{"target": "https://b.example"}, "scan-2", "")
	assert.Equal(t, "scan-2", s.CurrentScanID())

	// Unlabeled traffic folds into the new current scan.
	s.Emit(events.TypeRequestMade, nil, "", "")
	snap := s.Stats()
	assert.Equal(t, "scan-2", snap.ScanID)
	assert.Equal(t, 1, snap.Stats.RequestsSent)

	// The first scan's aggregate is untouched.
	old, ok := s.StatsFor("scan-1")
	require.True(t, ok)
	assert.Equal(t, 0, old.Stats.RequestsSent)
}

// gateEstimator parks any fold whose progress hits the gate percentage
// until released, simulating one scan's slow aggregate work.
type gateEstimator struct {
	gatePct float64
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gateEstimator) ETA(elapsed time.Duration, pct float64) (int64, bool) {
	if pct == g.gatePct {
		g.once.Do(func() { close(g.entered) })
		<-g.release
	}
	return 0, false
}

func TestEmitScansDoNotContend(t *testing.T) {
	logger := quiet()
	router := broadcast.NewRouter(broadcast.Options{Logger: logger})
	t.Cleanup(router.Close)

	gate := &gateEstimator{
		gatePct: 37,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	s := New(router, nil, Options{
		Logger:     logger,
		Projection: projection.Options{Estimator: gate},
	})

	s.Emit(events.TypeScanStart, map[string]any{"target": "https://a.example"}, "scan-a", "")
	s.Emit(events.TypeScanStart, map[string]any{"target": "https://b.example"}, "scan-b", "")

	stuck := make(chan struct{})
	go func() {
		s.Emit(events.TypeScanProgress, map[string]any{"percentage": 37}, "scan-a", "")
		close(stuck)
	}()
	<-gate.entered

	// scan-a's fold is parked; scan-b must still ingest.
	done := make(chan struct{})
	go func() {
		s.Emit(events.TypeRequestMade, nil, "scan-b", "")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ingest for one scan blocked behind another scan's fold")
	}

	close(gate.release)
	<-stuck

	snap, ok := s.StatsFor("scan-b")
	require.True(t, ok)
	assert.Equal(t, 1, snap.Stats.RequestsSent)
}

func TestScanStartResetsAggregate(t *testing.T) {
	s, _, _ := newTestStream(t)

	s.Emit(events.TypeScanStart, nil, "scan-1", "")
	s.Emit(events.TypeRequestMade, nil, "scan-1", "")
	s.Emit(events.TypeScanStart, nil, "scan-1", "")

	snap := s.Stats()
	assert.Equal(t, 0, snap.Stats.RequestsSent, "restart should reset counters")
	assert.Equal(t, 1, snap.Stats.EventsTotal)
}

func TestTerminalEventsReachRegistry(t *testing.T) {
	s, reg, _ := newTestStream(t)

	scan, err := reg.Register(registry.Scan{ScanID: "scan-1", SlotID: "slot-1"})
	require.NoError(t, err)

	s.Emit(events.TypeScanStart, nil, "scan-1", "")
	s.Emit(events.TypeScanComplete, nil, "scan-1", "")

	got, ok := reg.ByScanID(scan.ScanID)
	require.True(t, ok)
	assert.Equal(t, registry.StatusComplete, got.Status)
}

func TestKilledReasonMapsToKilledStatus(t *testing.T) {
	s, reg, _ := newTestStream(t)

	_, err := reg.Register(registry.Scan{ScanID: "scan-1", SlotID: "slot-1"})
	require.NoError(t, err)

	s.Emit(events.TypeScanComplete, map[string]any{"reason": "killed"}, "scan-1", "")

	got, ok := reg.ByScanID("scan-1")
	require.True(t, ok)
	assert.Equal(t, registry.StatusKilled, got.Status)
}

func TestScanErrorMapsToErrorStatus(t *testing.T) {
	s, reg, _ := newTestStream(t)

	_, err := reg.Register(registry.Scan{ScanID: "scan-1", SlotID: "slot-1"})
	require.NoError(t, err)

	s.Emit(events.TypeScanError, map[string]any{"error": "target unreachable"}, "scan-1", "")

	got, ok := reg.ByScanID("scan-1")
	require.True(t, ok)
	assert.Equal(t, registry.StatusError, got.Status)
}

func TestEmitPublishesEventWithSnapshot(t *testing.T) {
	s, _, _ := newTestStream(t)

	sub := s.Subscribe(broadcast.Identity{})
	defer s.Unsubscribe(sub)

	s.Emit(events.TypeScanStart, map[string]any{"target": "https://example.com"}, "scan-1", "")

	deadline := time.After(time.Second)
	var envs []broadcast.Envelope
	for len(envs) == 0 {
		select {
		case <-deadline:
			t.Fatal("no envelope delivered")
		default:
			envs = collect(sub)
		}
	}
	require.NotNil(t, envs[0].Event)
	require.NotNil(t, envs[0].Stats)
	assert.Equal(t, events.TypeScanStart, envs[0].Event.Type)
	assert.Equal(t, "scan-1", envs[0].Stats.ScanID)
}

func TestSubscribeReplaysSnapshotThenEvents(t *testing.T) {
	s, _, _ := newTestStream(t)

	s.Emit(events.TypeScanStart, map[string]any{"target": "https://example.com"}, "scan-1", "")
	s.Emit(events.TypeRequestMade, nil, "scan-1", "")
	s.Emit(events.TypeRequestMade, nil, "scan-1", "")

	sub := s.Subscribe(broadcast.Identity{})
	defer s.Unsubscribe(sub)

	envs := collect(sub)
	require.Len(t, envs, 4, "snapshot plus three replayed events")
	require.NotNil(t, envs[0].Stats, "snapshot comes first")
	assert.Nil(t, envs[0].Event)

	// Replayed events arrive oldest first.
	assert.Equal(t, events.TypeScanStart, envs[1].Event.Type)
	assert.Equal(t, events.TypeRequestMade, envs[2].Event.Type)
}

func TestSubscribeReplayScopedToTenant(t *testing.T) {
	s, _, _ := newTestStream(t)

	s.Emit(events.TypeScanStart, nil, "scan-1", "acme")
	s.Emit(events.TypeRequestMade, nil, "scan-1", "acme")
	s.Emit(events.TypeRequestMade, nil, "scan-1", "globex")

	sub := s.Subscribe(broadcast.Identity{TenantID: "globex"})
	defer s.Unsubscribe(sub)

	envs := collect(sub)
	for _, env := range envs {
		if env.Event == nil {
			continue
		}
		assert.Equal(t, "globex", env.Event.TenantID,
			"replay leaked a foreign tenant's event")
	}
}

func TestRecentEventsForScan(t *testing.T) {
	s, _, _ := newTestStream(t)

	s.Emit(events.TypeRequestMade, nil, "scan-1", "")
	s.Emit(events.TypeRequestMade, nil, "scan-2", "")
	s.Emit(events.TypeRequestMade, nil, "scan-1", "")

	got := s.RecentEventsForScan(10, broadcast.Identity{}, "scan-1")
	require.Len(t, got, 2)
	for _, evt := range got {
		assert.Equal(t, "scan-1", evt.ScanID)
	}
}

func TestRecentEventsOldestFirst(t *testing.T) {
	s, _, _ := newTestStream(t)

	s.Emit(events.TypeScanStart, nil, "scan-1", "")
	s.Emit(events.TypeRequestMade, nil, "scan-1", "")
	s.Emit(events.TypeScanComplete, nil, "scan-1", "")

	got := s.RecentEvents(10, broadcast.Identity{})
	require.Len(t, got, 3)
	assert.Equal(t, events.TypeScanStart, got[0].Type)
	assert.Equal(t, events.TypeScanComplete, got[2].Type)
}
