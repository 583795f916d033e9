package registry

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikewolf256/agentic-security-dashboard/pkg/killswitch"
)

func newTestRegistry(t *testing.T) (*Registry, *killswitch.Coordinator) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	killer, err := killswitch.New(t.TempDir(), logger)
	require.NoError(t, err)
	return New(killer, logger), killer
}

func TestRegisterAssignsID(t *testing.T) {
	r, _ := newTestRegistry(t)

	scan, err := r.Register(Scan{SlotID: "slot-1", Target: "https://example.com"})
	require.NoError(t, err)
	assert.NotEmpty(t, scan.ScanID)
	assert.Equal(t, StatusRunning, scan.Status)
	assert.False(t, scan.StartedAt.IsZero())

	got, ok := r.BySlot("slot-1")
	require.True(t, ok)
	assert.Equal(t, scan.ScanID, got.ScanID)
}

func TestRegisterRequiresSlot(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, err := r.Register(Scan{Target: "https://example.com"})
	assert.Error(t, err)
}

func TestRegisterRetiresPreviousOccupant(t *testing.T) {
	r, _ := newTestRegistry(t)

	first, err := r.Register(Scan{ScanID: "scan-1", SlotID: "slot-1"})
	require.NoError(t, err)
	_, err = r.Register(Scan{ScanID: "scan-2", SlotID: "slot-1"})
	require.NoError(t, err)

	got, ok := r.BySlot("slot-1")
	require.True(t, ok)
	assert.Equal(t, "scan-2", got.ScanID)

	// The displaced scan stays queryable by ID.
	old, ok := r.ByScanID(first.ScanID)
	require.True(t, ok)
	assert.Equal(t, "scan-1", old.ScanID)
}

func TestRegisterClearsStaleSignal(t *testing.T) {
	r, killer := newTestRegistry(t)

	require.NoError(t, killer.Request(killswitch.Signal{SlotID: "slot-1", ScanID: "old"}))
	_, err := r.Register(Scan{ScanID: "scan-2", SlotID: "slot-1"})
	require.NoError(t, err)

	_, ok, err := killer.Read("slot-1")
	require.NoError(t, err)
	assert.False(t, ok, "stale signal should be cleared on register")
}

func TestActiveFiltersByTenant(t *testing.T) {
	r, _ := newTestRegistry(t)

	_, err := r.Register(Scan{ScanID: "scan-a", SlotID: "slot-1", TenantID: "acme"})
	require.NoError(t, err)
	_, err = r.Register(Scan{ScanID: "scan-b", SlotID: "slot-2", TenantID: "globex"})
	require.NoError(t, err)

	all := r.Active("")
	assert.Len(t, all, 2)

	acme := r.Active("acme")
	require.Len(t, acme, 1)
	assert.Equal(t, "scan-a", acme[0].ScanID)
}

func TestRequestKillWritesSignalThenFlipsStatus(t *testing.T) {
	r, killer := newTestRegistry(t)

	_, err := r.Register(Scan{ScanID: "scan-1", SlotID: "slot-1"})
	require.NoError(t, err)

	scan, err := r.RequestKill("slot-1", "operator abort", "admin")
	require.NoError(t, err)
	assert.Equal(t, StatusKilling, scan.Status)

	sig, ok, err := killer.Read("slot-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "scan-1", sig.ScanID)
	assert.Equal(t, "operator abort", sig.Reason)
	assert.Equal(t, "admin", sig.RequestedBy)
}

func TestRequestKillEmptySlot(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, err := r.RequestKill("slot-1", "", "")
	assert.ErrorIs(t, err, ErrSlotEmpty)
}

func TestRequestKillTerminalScan(t *testing.T) {
	r, _ := newTestRegistry(t)

	scan, err := r.Register(Scan{SlotID: "slot-1"})
	require.NoError(t, err)
	_, err = r.Complete(scan.ScanID, StatusComplete)
	require.NoError(t, err)

	_, err = r.RequestKill("slot-1", "", "")
	assert.ErrorIs(t, err, ErrSlotEmpty)
}

func TestClearKillReturnsToRunning(t *testing.T) {
	r, killer := newTestRegistry(t)

	_, err := r.Register(Scan{ScanID: "scan-1", SlotID: "slot-1"})
	require.NoError(t, err)
	_, err = r.RequestKill("slot-1", "mistake", "admin")
	require.NoError(t, err)

	scan, err := r.ClearKill("slot-1")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, scan.Status)

	_, ok, err := killer.Read("slot-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCompleteFreesSlotAndRetires(t *testing.T) {
	r, killer := newTestRegistry(t)

	scan, err := r.Register(Scan{ScanID: "scan-1", SlotID: "slot-1"})
	require.NoError(t, err)
	_, err = r.RequestKill("slot-1", "abort", "admin")
	require.NoError(t, err)

	done, err := r.Complete(scan.ScanID, StatusKilled)
	require.NoError(t, err)
	assert.Equal(t, StatusKilled, done.Status)
	require.NotNil(t, done.CompletedAt)

	_, ok := r.BySlot("slot-1")
	assert.False(t, ok, "slot should be free after completion")

	retired, ok := r.ByScanID("scan-1")
	require.True(t, ok)
	assert.Equal(t, StatusKilled, retired.Status)

	// Completion clears the pending signal so the next scan in the
	// slot starts clean.
	_, ok, err = killer.Read("slot-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCompleteRejectsNonTerminal(t *testing.T) {
	r, _ := newTestRegistry(t)
	scan, err := r.Register(Scan{SlotID: "slot-1"})
	require.NoError(t, err)

	_, err = r.Complete(scan.ScanID, StatusRunning)
	assert.Error(t, err)
}

func TestCompleteUnknownScan(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, err := r.Complete("ghost", StatusComplete)
	assert.ErrorIs(t, err, ErrUnknownScan)
}
