// Package killswitch coordinates scan termination across processes.
// The dashboard and the scanner engines share no transport beyond the
// filesystem, so a kill request is written as a small JSON signal file
// in a shared directory. Engines poll for their slot's file between
// units of work, shut down when they see it, and the dashboard clears
// the file once the scan reports terminal state.
//
// The protocol is at-least-once with no acknowledgement: a signal file
// stays in place until explicitly cleared, so an engine that restarts
// mid-shutdown sees the request again. Writes are atomic (temp file
// plus rename) so a poller never observes a torn signal.
package killswitch

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/mikewolf256/agentic-security-dashboard/pkg/jsonutil"
)

// Signal is the kill request written for one scan slot.
type Signal struct {
	SlotID      string    `json:"slot_id"`
	ScanID      string    `json:"scan_id"`
	Reason      string    `json:"reason"`
	RequestedBy string    `json:"requested_by"`
	RequestedAt time.Time `json:"requested_at"`
}

// Coordinator manages signal files inside one shared directory.
// It is safe for concurrent use; the filesystem rename is the
// serialization point.
type Coordinator struct {
	dir string
	log *slog.Logger
}

// New creates a coordinator rooted at dir, creating it if needed.
func New(dir string, logger *slog.Logger) (*Coordinator, error) {
	if dir == "" {
		return nil, fmt.Errorf("killswitch: empty directory")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("killswitch: create %s: %w", dir, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{dir: dir, log: logger}, nil
}

// Dir returns the shared signal directory.
func (c *Coordinator) Dir() string { return c.dir }

// path returns the signal file for a slot. One file per slot: a second
// request for the same slot overwrites the first, last writer wins.
func (c *Coordinator) path(slotID string) string {
	return filepath.Join(c.dir, slotID+".kill.json")
}

// Request writes the kill signal for sig.SlotID. If RequestedAt is
// zero it is stamped with the current time. The write is atomic: the
// signal is marshaled to a temp file and renamed into place.
func (c *Coordinator) Request(sig Signal) error {
	if sig.SlotID == "" {
		return fmt.Errorf("killswitch: signal without slot_id")
	}
	if sig.RequestedAt.IsZero() {
		sig.RequestedAt = time.Now().UTC()
	}

	data, err := jsonutil.MarshalIndent(sig, "", "  ")
	if err != nil {
		return fmt.Errorf("killswitch: marshal signal: %w", err)
	}

	target := c.path(sig.SlotID)
	tempFile := target + ".tmp"
	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return fmt.Errorf("killswitch: write signal: %w", err)
	}
	if err := os.Rename(tempFile, target); err != nil {
		return fmt.Errorf("killswitch: commit signal: %w", err)
	}

	c.log.Info("kill signal written",
		"slot", sig.SlotID,
		"scan", sig.ScanID,
		"requested_by", sig.RequestedBy)
	return nil
}

// Clear removes the signal file for a slot. Clearing a slot that has
// no signal is not an error; the operation is idempotent.
func (c *Coordinator) Clear(slotID string) error {
	err := os.Remove(c.path(slotID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("killswitch: clear %s: %w", slotID, err)
	}
	if err == nil {
		c.log.Info("kill signal cleared", "slot", slotID)
	}
	return nil
}

// Read returns the pending signal for a slot, or ok=false when none
// exists. This is the poll an engine performs between units of work.
func (c *Coordinator) Read(slotID string) (Signal, bool, error) {
	data, err := os.ReadFile(c.path(slotID))
	if os.IsNotExist(err) {
		return Signal{}, false, nil
	}
	if err != nil {
		return Signal{}, false, fmt.Errorf("killswitch: read %s: %w", slotID, err)
	}

	var sig Signal
	if err := jsonutil.Unmarshal(data, &sig); err != nil {
		return Signal{}, false, fmt.Errorf("killswitch: decode %s: %w", slotID, err)
	}
	return sig, true, nil
}

// Pending lists every slot that currently has a kill signal on disk.
func (c *Coordinator) Pending() ([]Signal, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, fmt.Errorf("killswitch: list %s: %w", c.dir, err)
	}

	var out []Signal
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || filepath.Ext(name) != ".json" {
			continue
		}
		slot, ok := slotFromFile(name)
		if !ok {
			continue
		}
		sig, found, err := c.Read(slot)
		if err != nil || !found {
			continue
		}
		out = append(out, sig)
	}
	return out, nil
}

func slotFromFile(name string) (string, bool) {
	const suffix = ".kill.json"
	if len(name) <= len(suffix) || name[len(name)-len(suffix):] != suffix {
		return "", false
	}
	return name[:len(name)-len(suffix)], true
}
