package finding

import "time"

// Finding is a single vulnerability report attached to an endpoint.
// Findings accumulate in discovery order and are never removed; a
// rejected candidate stays in the record with its validation state.
type Finding struct {
	ID         string    `json:"finding_id"`
	Title      string    `json:"title,omitempty"`
	Severity   Severity  `json:"severity"`
	CWE        string    `json:"cwe,omitempty"`
	Endpoint   string    `json:"endpoint,omitempty"`
	Validated  bool      `json:"validated"`
	DetectedAt time.Time `json:"detected_at"`
}
