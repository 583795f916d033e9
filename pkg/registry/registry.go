// Package registry tracks the scans the dashboard knows about: which
// scan occupies which slot, its lifecycle status, and recently finished
// scans kept for lookups after their slot is reused.
package registry

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mikewolf256/agentic-security-dashboard/pkg/killswitch"
)

// Status is the lifecycle state of a registered scan.
type Status string

const (
	StatusRunning  Status = "running"
	StatusKilling  Status = "killing"
	StatusKilled   Status = "killed"
	StatusComplete Status = "complete"
	StatusError    Status = "error"
)

// Terminal reports whether the status is an end state.
func (s Status) Terminal() bool {
	return s == StatusKilled || s == StatusComplete || s == StatusError
}

// Scan is one registered scan run.
type Scan struct {
	ScanID      string     `json:"scan_id"`
	SlotID      string     `json:"slot_id"`
	TenantID    string     `json:"tenant_id,omitempty"`
	Target      string     `json:"target"`
	Status      Status     `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// retiredScans bounds how many finished scans stay queryable after
// their slot is reused.
const retiredScans = 128

// Registry is the in-memory scan table. One scan per slot; registering
// a slot that is already occupied retires the previous occupant.
type Registry struct {
	mu      sync.RWMutex
	slots   map[string]*Scan
	retired *lru.Cache[string, *Scan]

	killer *killswitch.Coordinator
	log    *slog.Logger
	now    func() time.Time
}

// New creates a registry backed by the given kill-switch coordinator.
func New(killer *killswitch.Coordinator, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	retired, _ := lru.New[string, *Scan](retiredScans)
	return &Registry{
		slots:   make(map[string]*Scan),
		retired: retired,
		killer:  killer,
		log:     logger,
		now:     time.Now,
	}
}

// Register records a new running scan in a slot. An empty ScanID gets a
// generated one. If the slot is occupied the previous scan is retired
// as-is; a crashed engine never reports terminal state, so slot reuse
// is the only signal that its run is over.
func (r *Registry) Register(scan Scan) (Scan, error) {
	if scan.SlotID == "" {
		return Scan{}, fmt.Errorf("registry: scan without slot_id")
	}
	if scan.ScanID == "" {
		scan.ScanID = "scan_" + uuid.NewString()
	}
	if scan.StartedAt.IsZero() {
		scan.StartedAt = r.now().UTC()
	}
	scan.Status = StatusRunning
	scan.CompletedAt = nil

	r.mu.Lock()
	if prev, ok := r.slots[scan.SlotID]; ok {
		r.retired.Add(prev.ScanID, prev)
		r.log.Warn("slot reused before previous scan finished",
			"slot", scan.SlotID,
			"previous_scan", prev.ScanID,
			"new_scan", scan.ScanID)
	}
	stored := scan
	r.slots[scan.SlotID] = &stored
	r.mu.Unlock()

	// A stale signal from the slot's previous occupant would kill the
	// new scan on its first poll.
	if r.killer != nil {
		if err := r.killer.Clear(scan.SlotID); err != nil {
			r.log.Warn("failed to clear stale kill signal",
				"slot", scan.SlotID, "error", err)
		}
	}

	r.log.Info("scan registered",
		"scan", scan.ScanID,
		"slot", scan.SlotID,
		"tenant", scan.TenantID,
		"target", scan.Target)
	return scan, nil
}

// BySlot returns the scan currently occupying a slot.
func (r *Registry) BySlot(slotID string) (Scan, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	scan, ok := r.slots[slotID]
	if !ok {
		return Scan{}, false
	}
	return *scan, true
}

// ByScanID returns a scan by ID, checking active slots first and then
// the retired cache.
func (r *Registry) ByScanID(scanID string) (Scan, bool) {
	r.mu.RLock()
	for _, scan := range r.slots {
		if scan.ScanID == scanID {
			out := *scan
			r.mu.RUnlock()
			return out, true
		}
	}
	r.mu.RUnlock()

	if scan, ok := r.retired.Get(scanID); ok {
		return *scan, true
	}
	return Scan{}, false
}

// Active returns non-terminal scans, optionally filtered to one tenant.
// Empty tenantID means no filter.
func (r *Registry) Active(tenantID string) []Scan {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Scan, 0, len(r.slots))
	for _, scan := range r.slots {
		if scan.Status.Terminal() {
			continue
		}
		if tenantID != "" && scan.TenantID != tenantID {
			continue
		}
		out = append(out, *scan)
	}
	return out
}

// RequestKill writes the kill signal for the scan in slotID and marks
// it killing. The status flips only after the signal is durably on
// disk; if the write fails the scan stays running and the caller can
// retry.
func (r *Registry) RequestKill(slotID, reason, requestedBy string) (Scan, error) {
	r.mu.RLock()
	scan, ok := r.slots[slotID]
	if !ok {
		r.mu.RUnlock()
		return Scan{}, fmt.Errorf("%w: %s", ErrSlotEmpty, slotID)
	}
	scanID := scan.ScanID
	status := scan.Status
	r.mu.RUnlock()

	if status.Terminal() {
		return Scan{}, fmt.Errorf("%w: scan %s is %s", ErrNotRunning, scanID, status)
	}
	if r.killer == nil {
		return Scan{}, fmt.Errorf("registry: kill switch not configured")
	}

	err := r.killer.Request(killswitch.Signal{
		SlotID:      slotID,
		ScanID:      scanID,
		Reason:      reason,
		RequestedBy: requestedBy,
	})
	if err != nil {
		return Scan{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	scan, ok = r.slots[slotID]
	if !ok || scan.ScanID != scanID {
		// Slot turned over between signal write and status update.
		return Scan{}, fmt.Errorf("%w: scan %s no longer in slot %s", ErrSlotEmpty, scanID, slotID)
	}
	scan.Status = StatusKilling
	return *scan, nil
}

// ClearKill withdraws a pending kill request and returns the scan to
// running. Clearing a slot with no pending request is a no-op.
func (r *Registry) ClearKill(slotID string) (Scan, error) {
	if r.killer == nil {
		return Scan{}, fmt.Errorf("registry: kill switch not configured")
	}
	if err := r.killer.Clear(slotID); err != nil {
		return Scan{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	scan, ok := r.slots[slotID]
	if !ok {
		return Scan{}, fmt.Errorf("%w: %s", ErrSlotEmpty, slotID)
	}
	if scan.Status == StatusKilling {
		scan.Status = StatusRunning
	}
	return *scan, nil
}

// Complete moves a scan to a terminal status, frees its slot, and
// retires it for later lookup. The slot's kill signal, if any, is
// cleared so the next occupant starts clean.
func (r *Registry) Complete(scanID string, status Status) (Scan, error) {
	if !status.Terminal() {
		return Scan{}, fmt.Errorf("registry: %s is not a terminal status", status)
	}

	r.mu.Lock()
	var scan *Scan
	for _, s := range r.slots {
		if s.ScanID == scanID {
			scan = s
			break
		}
	}
	if scan == nil {
		r.mu.Unlock()
		return Scan{}, fmt.Errorf("%w: %s", ErrUnknownScan, scanID)
	}

	now := r.now().UTC()
	scan.Status = status
	scan.CompletedAt = &now
	delete(r.slots, scan.SlotID)
	r.retired.Add(scan.ScanID, scan)
	out := *scan
	r.mu.Unlock()

	if r.killer != nil {
		if err := r.killer.Clear(out.SlotID); err != nil {
			r.log.Warn("failed to clear kill signal on completion",
				"slot", out.SlotID, "error", err)
		}
	}

	r.log.Info("scan finished",
		"scan", out.ScanID,
		"slot", out.SlotID,
		"status", out.Status)
	return out, nil
}
