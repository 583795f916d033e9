// Package finding provides the shared vulnerability finding types used
// by the projection engine and the query API. A Finding is the validated
// (or candidate) result the scanner reports against a discovered
// endpoint; Severity is the canonical lowercase severity scale shared
// with the upstream scanner.
package finding
