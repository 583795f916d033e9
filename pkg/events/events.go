// Package events defines the scan event vocabulary for the dashboard.
// Events are immutable facts emitted by the external scanner; everything
// the dashboard serves (statistics, endpoint state, coverage maps) is
// derived from them. The type set is a closed enum with an explicit
// unknown arm so that newer scanners can emit event kinds this build
// does not understand yet without breaking ingestion.
package events

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Type identifies the kind of scan event.
type Type string

const (
	// Scan lifecycle.
	TypeScanStart    Type = "scan_start"
	TypeScanProgress Type = "scan_progress"
	TypeScanComplete Type = "scan_complete"
	TypeScanError    Type = "scan_error"

	// Discovery.
	TypeEndpointDiscovered Type = "endpoint_discovered"
	TypeTechFingerprint    Type = "tech_fingerprint"
	TypeJSFileFound        Type = "js_file_found"
	TypeAPIEndpoint        Type = "api_endpoint"

	// Testing.
	TypePayloadSent      Type = "payload_sent"
	TypeRequestMade      Type = "request_made"
	TypeResponseReceived Type = "response_received"

	// Findings.
	TypeFindingCandidate Type = "finding_candidate"
	TypeFindingValidated Type = "finding_validated"
	TypeFindingRejected  Type = "finding_rejected"

	// Phases and progress.
	TypePhaseStart     Type = "phase_start"
	TypePhaseComplete  Type = "phase_complete"
	TypeProgressUpdate Type = "progress_update"

	// Context enrichment.
	TypeRAGMatch    Type = "rag_match"
	TypeSimilarVuln Type = "similar_vuln"

	// Validation workflow.
	TypeHumanValidationRequired Type = "human_validation_required"
	TypePOCConfirmed            Type = "poc_confirmed"
)

// Known reports whether t is a recognized event type.
// Unknown types are still ingested and logged; they just do not
// move any aggregate counters beyond the generic ones.
func (t Type) Known() bool {
	switch t {
	case TypeScanStart, TypeScanProgress, TypeScanComplete, TypeScanError,
		TypeEndpointDiscovered, TypeTechFingerprint, TypeJSFileFound, TypeAPIEndpoint,
		TypePayloadSent, TypeRequestMade, TypeResponseReceived,
		TypeFindingCandidate, TypeFindingValidated, TypeFindingRejected,
		TypePhaseStart, TypePhaseComplete, TypeProgressUpdate,
		TypeRAGMatch, TypeSimilarVuln,
		TypeHumanValidationRequired, TypePOCConfirmed:
		return true
	}
	return false
}

// String returns the type as a string.
func (t Type) String() string { return string(t) }

// Event is a single immutable scan fact. The payload is an open
// key-value map; consumers read it through the accessor helpers and
// degrade gracefully when fields are missing or mistyped.
type Event struct {
	ID        string         `json:"event_id"`
	Type      Type           `json:"event_type"`
	Timestamp time.Time      `json:"timestamp"`
	ScanID    string         `json:"scan_id"`
	TenantID  string         `json:"tenant_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// idSeq disambiguates events minted within the same nanosecond.
var idSeq atomic.Uint64

// NewID returns a unique event ID derived from the emission time.
// IDs sort in emission order for events minted by this process.
func NewID(at time.Time) string {
	return fmt.Sprintf("evt_%d_%06d", at.UnixNano(), idSeq.Add(1)%1000000)
}

// New constructs an event stamped with the current time and a fresh ID.
func New(eventType Type, payload map[string]any, scanID, tenantID string) Event {
	now := time.Now().UTC()
	return Event{
		ID:        NewID(now),
		Type:      eventType,
		Timestamp: now,
		ScanID:    scanID,
		TenantID:  tenantID,
		Payload:   payload,
	}
}

// Str returns the payload value for key as a string.
// Missing or non-string values yield the empty string.
func (e Event) Str(key string) string {
	if e.Payload == nil {
		return ""
	}
	s, _ := e.Payload[key].(string)
	return s
}

// Float returns the payload value for key as a float64.
// Accepts the numeric representations JSON decoding and in-process
// callers produce; anything else yields (0, false).
func (e Event) Float(key string) (float64, bool) {
	if e.Payload == nil {
		return 0, false
	}
	switch v := e.Payload[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}
