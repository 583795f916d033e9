package broadcast

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/mikewolf256/agentic-security-dashboard/pkg/events"
)

func quietRouter(opts Options) *Router {
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRouter(opts)
}

func tenantEvent(tenant string) Envelope {
	evt := events.New(events.TypeRequestMade, nil, "s1", tenant)
	return Envelope{Event: &evt}
}

// drain collects everything currently queued for a subscriber.
func drain(sub *Subscriber) []Envelope {
	var out []Envelope
	for {
		select {
		case env := <-sub.Events():
			out = append(out, env)
		default:
			return out
		}
	}
}

func TestTenantIsolation(t *testing.T) {
	r := quietRouter(Options{})
	defer r.Close()

	subA := r.Subscribe(Identity{TenantID: "A"}, nil)
	subB := r.Subscribe(Identity{TenantID: "B"}, nil)
	admin := r.Subscribe(Identity{Admin: true}, nil)
	legacy := r.Subscribe(Identity{}, nil)

	r.Publish(context.Background(), tenantEvent("A"))

	if got := drain(subA); len(got) != 1 {
		t.Errorf("tenant A received %d envelopes, want 1", len(got))
	}
	if got := drain(subB); len(got) != 0 {
		t.Errorf("tenant B received %d envelopes, want 0", len(got))
	}
	if got := drain(admin); len(got) != 1 {
		t.Errorf("admin received %d envelopes, want 1", len(got))
	}
	if got := drain(legacy); len(got) != 1 {
		t.Errorf("legacy catch-all received %d envelopes, want 1", len(got))
	}
}

func TestUntaggedEventVisibleEverywhere(t *testing.T) {
	r := quietRouter(Options{})
	defer r.Close()

	subA := r.Subscribe(Identity{TenantID: "A"}, nil)
	admin := r.Subscribe(Identity{Admin: true}, nil)

	r.Publish(context.Background(), tenantEvent(""))

	if got := drain(admin); len(got) != 1 {
		t.Errorf("admin received %d, want 1", len(got))
	}
	// A tenant-scoped viewer only sees its own tenant's events.
	if got := drain(subA); len(got) != 0 {
		t.Errorf("tenant A received %d untagged envelopes, want 0", len(got))
	}
}

func TestIdentityRooms(t *testing.T) {
	tests := []struct {
		name string
		id   Identity
		want []Room
	}{
		{"tenant", Identity{TenantID: "acme"}, []Room{TenantRoom("acme")}},
		{"tenant admin", Identity{TenantID: "acme", Admin: true}, []Room{TenantRoom("acme"), RoomAdmin}},
		{"pure admin", Identity{Admin: true}, []Room{RoomAdmin}},
		{"legacy", Identity{}, []Room{RoomAll}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.id.Rooms()
			if len(got) != len(tt.want) {
				t.Fatalf("Rooms() = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("Rooms()[%d] = %v, want %v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestReplayPrecedesLive(t *testing.T) {
	r := quietRouter(Options{})
	defer r.Close()

	old := events.Event{ID: "evt_old", Type: events.TypeScanStart, ScanID: "s1"}
	sub := r.Subscribe(Identity{}, []Envelope{{Event: &old}})
	r.Publish(context.Background(), tenantEvent(""))

	got := drain(sub)
	if len(got) != 2 {
		t.Fatalf("received %d envelopes, want 2", len(got))
	}
	if got[0].Event.ID != "evt_old" {
		t.Errorf("first envelope = %q, want replayed evt_old", got[0].Event.ID)
	}
}

func TestSlowSubscriberEvicted(t *testing.T) {
	r := quietRouter(Options{QueueSize: 1, MissLimit: 3})
	defer r.Close()

	slow := r.Subscribe(Identity{}, nil)
	healthy := r.Subscribe(Identity{}, nil)

	// Fill the slow subscriber's queue, then keep publishing past the
	// miss limit. The healthy subscriber keeps draining; nothing here
	// blocks the publisher.
	for i := 0; i < 6; i++ {
		r.Publish(context.Background(), tenantEvent(""))
		drain(healthy)
	}

	select {
	case <-slow.Done():
	case <-time.After(time.Second):
		t.Fatal("slow subscriber was not evicted")
	}
	if r.SubscriberCount() != 1 {
		t.Errorf("SubscriberCount() = %d, want 1", r.SubscriberCount())
	}
	if r.EvictedSubscribers() != 1 {
		t.Errorf("EvictedSubscribers() = %d, want 1", r.EvictedSubscribers())
	}
	select {
	case <-healthy.Done():
		t.Error("healthy subscriber was evicted")
	default:
	}
}

type recordingHook struct {
	mu    sync.Mutex
	types []events.Type
	seen  []Envelope
}

func (h *recordingHook) OnEvent(_ context.Context, env Envelope) error {
	h.mu.Lock()
	h.seen = append(h.seen, env)
	h.mu.Unlock()
	return nil
}

func (h *recordingHook) EventTypes() []events.Type { return h.types }

func (h *recordingHook) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.seen)
}

func TestHookTypeFilter(t *testing.T) {
	r := quietRouter(Options{})
	defer r.Close()

	all := &recordingHook{}
	findings := &recordingHook{types: []events.Type{events.TypeFindingValidated}}
	r.RegisterHook(all)
	r.RegisterHook(findings)

	reqEvt := events.New(events.TypeRequestMade, nil, "s1", "")
	fndEvt := events.New(events.TypeFindingValidated, nil, "s1", "")
	r.Publish(context.Background(), Envelope{Event: &reqEvt})
	r.Publish(context.Background(), Envelope{Event: &fndEvt})

	deadline := time.After(time.Second)
	for all.count() < 2 || findings.count() < 1 {
		select {
		case <-deadline:
			t.Fatalf("hooks saw (%d, %d) envelopes, want (2, 1)", all.count(), findings.count())
		case <-time.After(5 * time.Millisecond):
		}
	}
	if findings.count() != 1 {
		t.Errorf("filtered hook saw %d envelopes, want 1", findings.count())
	}
}

func TestUnsubscribeIdempotent(t *testing.T) {
	r := quietRouter(Options{})
	defer r.Close()

	sub := r.Subscribe(Identity{}, nil)
	r.Unsubscribe(sub)
	r.Unsubscribe(sub)
	r.Unsubscribe(nil)

	select {
	case <-sub.Done():
	default:
		t.Error("Done not closed after Unsubscribe")
	}
}

func TestConcurrentPublishSubscribe(t *testing.T) {
	r := quietRouter(Options{QueueSize: 8, MissLimit: 4})
	defer r.Close()

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				r.Publish(context.Background(), tenantEvent("A"))
			}
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				sub := r.Subscribe(Identity{TenantID: "A"}, nil)
				drain(sub)
				r.Unsubscribe(sub)
			}
		}()
	}
	wg.Wait()
}
