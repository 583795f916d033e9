// Package duration provides canonical time constants for the dashboard.
// This is the single source of truth for time-based configuration:
// reference these constants instead of hardcoding time.Duration values.
package duration

import "time"

// Websocket session timing.
const (
	// WSWrite bounds any single frame write to a viewer (10s).
	WSWrite = 10 * time.Second

	// WSPong is how long a viewer may stay silent before the
	// connection is considered dead (60s).
	WSPong = 60 * time.Second

	// WSPing is the keepalive interval. It must fire comfortably
	// inside WSPong so a healthy viewer always answers in time.
	WSPing = (WSPong * 9) / 10
)

// HTTP server timing.
const (
	// ServerRead bounds reading an inbound request (15s).
	ServerRead = 15 * time.Second

	// Shutdown is the default grace period for draining connections
	// on exit (10s).
	Shutdown = 10 * time.Second
)

// Telemetry export timing.
const (
	// OTelConnect bounds establishing the collector connection (10s).
	OTelConnect = 10 * time.Second

	// OTelShutdown bounds the final trace flush on exit (5s).
	OTelShutdown = 5 * time.Second
)
