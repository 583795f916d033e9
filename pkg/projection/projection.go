// Package projection folds scan events into queryable aggregate state:
// counters, progress and ETA, the per-endpoint registry, technology
// fingerprints, and the OWASP coverage map. The projection is a pure
// function of the event history: replaying any event sequence into a
// fresh engine yields the same aggregate as the live one. It is still
// maintained incrementally, in O(1) per event.
//
// The engine never fails on malformed payloads. Missing or mistyped
// fields simply do not move the corresponding aggregate, and unknown
// event types only touch the generic counters.
package projection

import (
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mikewolf256/agentic-security-dashboard/pkg/events"
	"github.com/mikewolf256/agentic-security-dashboard/pkg/finding"
	"github.com/mikewolf256/agentic-security-dashboard/pkg/owasp"
)

// EndpointStatus tracks an endpoint through its testing lifecycle.
// Transitions are one-directional: discovered → tested → {clean,
// vulnerable}, and vulnerable is absorbing.
type EndpointStatus string

const (
	StatusDiscovered EndpointStatus = "discovered"
	StatusTested     EndpointStatus = "tested"
	StatusClean      EndpointStatus = "clean"
	StatusVulnerable EndpointStatus = "vulnerable"
)

// rank orders statuses so transitions can only move forward.
func (s EndpointStatus) rank() int {
	switch s {
	case StatusDiscovered:
		return 0
	case StatusTested:
		return 1
	case StatusClean:
		return 2
	case StatusVulnerable:
		return 3
	}
	return -1
}

// Endpoint is a discovered, normalized URL with accumulated test state.
type Endpoint struct {
	URL            string            `json:"url"`
	Method         string            `json:"method,omitempty"`
	Status         EndpointStatus    `json:"status"`
	Findings       []finding.Finding `json:"findings,omitempty"`
	PayloadsTested int               `json:"payloads_tested"`
	DiscoveredAt   time.Time         `json:"discovered_at"`
	LastTestedAt   *time.Time        `json:"last_tested_at,omitempty"`
}

// Technology is one entry in the fingerprinted tech stack.
// Upserts are last-writer-wins per technology name.
type Technology struct {
	Version    string    `json:"version,omitempty"`
	Confidence float64   `json:"confidence,omitempty"`
	DetectedAt time.Time `json:"detected_at"`
}

// Coverage accumulates finding counts per OWASP category code.
type Coverage struct {
	Tested bool `json:"tested"`
	Count  int  `json:"count"`
}

// Counters are the aggregate event counters for a scan.
type Counters struct {
	RequestsSent      int `json:"requests_sent"`
	EndpointsFound    int `json:"endpoints_found"`
	PayloadsTested    int `json:"payloads_tested"`
	FindingsValidated int `json:"findings_validated"`
	FindingsCandidate int `json:"findings_candidate"`
	EventsTotal       int `json:"events_total"`
	UnknownEvents     int `json:"unknown_events"`
}

// Snapshot is the derived, queryable aggregate for a scan.
// It is recomputed on read from the engine's incremental state and is
// never independently mutated.
type Snapshot struct {
	ScanID          string                `json:"scan_id,omitempty"`
	Target          string                `json:"target,omitempty"`
	StartedAt       *time.Time            `json:"started_at,omitempty"`
	DurationSeconds int64                 `json:"duration_seconds"`
	Stats           Counters              `json:"stats"`
	ProgressPct     float64               `json:"progress_percentage"`
	ETASeconds      *int64                `json:"eta_seconds,omitempty"`
	CurrentPhase    string                `json:"current_phase,omitempty"`
	TechStack       map[string]Technology `json:"tech_stack,omitempty"`
	Coverage        map[string]Coverage   `json:"owasp_coverage,omitempty"`
}

// Estimator computes a completion estimate from elapsed time and
// progress. The linear default assumes uniform per-unit cost; phases
// with wildly different cost profiles can plug in something smarter.
type Estimator interface {
	ETA(elapsed time.Duration, pct float64) (seconds int64, ok bool)
}

// LinearEstimator extrapolates linearly: elapsed * (100-pct) / pct.
// The estimate is undefined unless 0 < pct < 100.
type LinearEstimator struct{}

// ETA implements Estimator.
func (LinearEstimator) ETA(elapsed time.Duration, pct float64) (int64, bool) {
	if pct <= 0 || pct >= 100 {
		return 0, false
	}
	return int64(elapsed.Seconds() * (100 - pct) / pct), true
}

// Options configures an Engine. Zero values select the default
// CWE table, the linear ETA model, and the wall clock.
type Options struct {
	Mapper    owasp.Mapper
	Estimator Estimator
	Now       func() time.Time
}

// Engine maintains the aggregate state for one scan.
// It is safe for concurrent use; Apply serializes mutation while
// Snapshot and the endpoint queries read a consistent copy.
type Engine struct {
	mu     sync.Mutex
	mapper owasp.Mapper
	est    Estimator
	now    func() time.Time

	scanID    string
	target    string
	startedAt time.Time
	started   bool

	counters  Counters
	progress  float64
	phase     string
	tech      map[string]Technology
	coverage  map[string]Coverage
	endpoints map[string]*Endpoint
	order     []string // endpoint keys in discovery order
}

// NewEngine creates an engine with empty per-scan state.
func NewEngine(opts Options) *Engine {
	if opts.Mapper == nil {
		opts.Mapper = owasp.DefaultMapper()
	}
	if opts.Estimator == nil {
		opts.Estimator = LinearEstimator{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		mapper:    opts.Mapper,
		est:       opts.Estimator,
		now:       opts.Now,
		tech:      make(map[string]Technology),
		coverage:  make(map[string]Coverage),
		endpoints: make(map[string]*Endpoint),
	}
}

// Replay folds an event sequence (oldest first) into a fresh engine.
func Replay(seq []events.Event, opts Options) *Engine {
	e := NewEngine(opts)
	for _, evt := range seq {
		e.Apply(evt)
	}
	return e
}

// Apply folds one event into the aggregate. It never returns an error
// and never panics on malformed payloads; there is no rollback. The
// projection is monotonic until the next scan_start resets it.
func (e *Engine) Apply(evt events.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.counters.EventsTotal++

	switch evt.Type {
	case events.TypeScanStart:
		e.reset(evt)

	case events.TypeRequestMade:
		e.counters.RequestsSent++

	case events.TypePayloadSent:
		e.counters.PayloadsTested++
		if ep := e.lookupNamed(evt); ep != nil {
			ep.PayloadsTested++
			ts := evt.Timestamp
			ep.LastTestedAt = &ts
			if ep.Status == StatusDiscovered {
				ep.Status = StatusTested
			}
		}

	case events.TypeEndpointDiscovered:
		e.counters.EndpointsFound++
		e.upsertEndpoint(evt)

	case events.TypeFindingValidated:
		e.counters.FindingsValidated++
		e.applyFinding(evt, true)

	case events.TypeFindingCandidate:
		e.counters.FindingsCandidate++
		e.applyFinding(evt, false)

	case events.TypeTechFingerprint:
		e.applyTech(evt)

	case events.TypePhaseStart, events.TypePhaseComplete,
		events.TypeProgressUpdate, events.TypeScanProgress:
		e.applyProgress(evt)

	case events.TypeScanComplete:
		e.progress = 100
		e.phase = "complete"
		e.settleEndpoints()

	case events.TypeScanError:
		e.phase = "error"

	case events.TypeJSFileFound, events.TypeAPIEndpoint, events.TypeResponseReceived,
		events.TypeFindingRejected, events.TypeRAGMatch, events.TypeSimilarVuln,
		events.TypeHumanValidationRequired, events.TypePOCConfirmed:
		// Logged and broadcast, no aggregate effect.

	default:
		e.counters.UnknownEvents++
	}
}

// reset clears all per-scan derived state for a fresh scan_start.
// The event itself still counts toward the new scan's totals.
func (e *Engine) reset(evt events.Event) {
	e.scanID = evt.ScanID
	e.target = evt.Str("target")
	e.startedAt = evt.Timestamp
	e.started = true
	e.counters = Counters{EventsTotal: 1}
	e.progress = 0
	e.phase = ""
	e.tech = make(map[string]Technology)
	e.coverage = make(map[string]Coverage)
	e.endpoints = make(map[string]*Endpoint)
	e.order = nil
}

func (e *Engine) upsertEndpoint(evt events.Event) {
	key := namedEndpoint(evt)
	if key == "" {
		return
	}
	if ep, ok := e.endpoints[key]; ok {
		if ep.Method == "" {
			ep.Method = strings.ToUpper(evt.Str("method"))
		}
		return
	}
	e.endpoints[key] = &Endpoint{
		URL:          key,
		Method:       strings.ToUpper(evt.Str("method")),
		Status:       StatusDiscovered,
		DiscoveredAt: evt.Timestamp,
	}
	e.order = append(e.order, key)
}

func (e *Engine) applyFinding(evt events.Event, validated bool) {
	cwe := owasp.NormalizeCWE(evt.Str("cwe"))
	if cwe != "" {
		if code, ok := e.mapper.Category(cwe); ok {
			cov := e.coverage[code]
			cov.Tested = true
			cov.Count++
			e.coverage[code] = cov
		}
	}

	key := namedEndpoint(evt)
	if key == "" {
		return
	}
	ep, ok := e.endpoints[key]
	if !ok {
		// A finding against an endpoint the discovery phase never
		// reported still needs a home; record it without moving the
		// endpoints_found counter so replay stays exact.
		ep = &Endpoint{URL: key, Status: StatusDiscovered, DiscoveredAt: evt.Timestamp}
		e.endpoints[key] = ep
		e.order = append(e.order, key)
	}

	id := evt.Str("finding_id")
	if id == "" {
		id = "fnd_" + uuid.NewString()
	}
	ep.Findings = append(ep.Findings, finding.Finding{
		ID:         id,
		Title:      evt.Str("title"),
		Severity:   finding.Normalize(finding.Severity(evt.Str("severity"))),
		CWE:        cwe,
		Endpoint:   key,
		Validated:  validated,
		DetectedAt: evt.Timestamp,
	})
	ep.Status = StatusVulnerable
}

func (e *Engine) applyTech(evt events.Event) {
	name := evt.Str("technology")
	if name == "" {
		name = evt.Str("name")
	}
	if name == "" {
		return
	}
	confidence, _ := evt.Float("confidence")
	e.tech[name] = Technology{
		Version:    evt.Str("version"),
		Confidence: confidence,
		DetectedAt: evt.Timestamp,
	}
}

// applyProgress handles the phase/progress event family. The phase is
// last-writer-wins; the percentage is monotonic non-decreasing within a
// scan, so stale or regressing updates are ignored.
func (e *Engine) applyProgress(evt events.Event) {
	if phase := evt.Str("phase"); phase != "" {
		e.phase = phase
	}
	for _, key := range []string{"percentage", "progress_pct", "pct"} {
		if pct, ok := evt.Float(key); ok {
			if pct > e.progress && pct <= 100 {
				e.progress = pct
			}
			break
		}
	}
}

// settleEndpoints marks endpoints that were tested and never produced a
// finding as clean once the scan completes. Vulnerable stays vulnerable.
func (e *Engine) settleEndpoints() {
	for _, ep := range e.endpoints {
		if ep.Status == StatusTested {
			ep.Status = StatusClean
		}
	}
}

// lookupNamed resolves the endpoint a payload-family event names,
// or nil when the event names none (or an unknown one).
func (e *Engine) lookupNamed(evt events.Event) *Endpoint {
	key := namedEndpoint(evt)
	if key == "" {
		return nil
	}
	return e.endpoints[key]
}

func namedEndpoint(evt events.Event) string {
	raw := evt.Str("endpoint")
	if raw == "" {
		raw = evt.Str("url")
	}
	if raw == "" {
		return ""
	}
	return NormalizeURL(raw)
}

// Snapshot returns the current aggregate.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap := Snapshot{
		ScanID:       e.scanID,
		Target:       e.target,
		Stats:        e.counters,
		ProgressPct:  e.progress,
		CurrentPhase: e.phase,
	}
	if e.started {
		started := e.startedAt
		snap.StartedAt = &started
		elapsed := e.now().Sub(e.startedAt)
		if elapsed > 0 {
			snap.DurationSeconds = int64(elapsed.Seconds())
		}
		if eta, ok := e.est.ETA(elapsed, e.progress); ok {
			snap.ETASeconds = &eta
		}
	}
	if len(e.tech) > 0 {
		snap.TechStack = make(map[string]Technology, len(e.tech))
		for k, v := range e.tech {
			snap.TechStack[k] = v
		}
	}
	if len(e.coverage) > 0 {
		snap.Coverage = make(map[string]Coverage, len(e.coverage))
		for k, v := range e.coverage {
			snap.Coverage[k] = v
		}
	}
	return snap
}

// Endpoints returns up to limit endpoints, vulnerable first, then by
// discovery time. A non-positive limit returns all of them.
func (e *Engine) Endpoints(limit int) []Endpoint {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Endpoint, 0, len(e.order))
	for _, key := range e.order {
		out = append(out, copyEndpoint(e.endpoints[key]))
	}
	sort.SliceStable(out, func(i, j int) bool {
		vi, vj := out[i].Status == StatusVulnerable, out[j].Status == StatusVulnerable
		if vi != vj {
			return vi
		}
		return out[i].DiscoveredAt.Before(out[j].DiscoveredAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Endpoint looks up a single endpoint by URL (normalized before lookup).
func (e *Engine) Endpoint(rawURL string) (Endpoint, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ep, ok := e.endpoints[NormalizeURL(rawURL)]
	if !ok {
		return Endpoint{}, false
	}
	return copyEndpoint(ep), true
}

func copyEndpoint(ep *Endpoint) Endpoint {
	out := *ep
	if len(ep.Findings) > 0 {
		out.Findings = make([]finding.Finding, len(ep.Findings))
		copy(out.Findings, ep.Findings)
	}
	if ep.LastTestedAt != nil {
		ts := *ep.LastTestedAt
		out.LastTestedAt = &ts
	}
	return out
}

// NormalizeURL canonicalizes an endpoint URL: scheme and host are
// lowercased, the path keeps its case, and a trailing slash is
// stripped. Unparseable values fall back to trailing-slash stripping
// so lookups still behave consistently.
func NormalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return strings.TrimSuffix(raw, "/")
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Path = strings.TrimSuffix(u.Path, "/")
	return u.String()
}
