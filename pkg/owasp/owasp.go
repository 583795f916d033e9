// Package owasp maps CWE identifiers to OWASP Top 10 category codes for
// the coverage map maintained by the projection engine.
//
// The default table is carried over from the upstream scanner's rule
// metadata. It is known to be partial and is not treated as
// authoritative; callers that need a different or fuller mapping
// provide their own Mapper.
package owasp

import "strings"

// Mapper resolves a CWE identifier to an OWASP category code.
type Mapper interface {
	// Category returns the category code (e.g. "A05") for a CWE and
	// whether the CWE is covered by the table.
	Category(cwe string) (string, bool)
}

// TableMapper is a static CWE→category lookup table.
// Keys are bare CWE numbers ("89", not "CWE-89").
type TableMapper map[string]string

// Category implements Mapper. Input accepts both "89" and "CWE-89"
// forms, case-insensitively.
func (t TableMapper) Category(cwe string) (string, bool) {
	code, ok := t[NormalizeCWE(cwe)]
	return code, ok
}

// NormalizeCWE strips the "CWE-" prefix and surrounding whitespace.
func NormalizeCWE(cwe string) string {
	cwe = strings.TrimSpace(cwe)
	upper := strings.ToUpper(cwe)
	if strings.HasPrefix(upper, "CWE-") {
		return cwe[4:]
	}
	return cwe
}

// defaultTable mirrors the upstream scanner's rule metadata.
// The table is partial; unknown CWEs do not accumulate coverage.
var defaultTable = TableMapper{
	"22":  "A01",
	"287": "A02",
	"79":  "A03",
	"20":  "A04",
	"89":  "A05",
	"798": "A06",
	"306": "A07",
	"502": "A08",
	"117": "A09",
	"918": "A10",
}

// DefaultMapper returns the built-in partial table.
func DefaultMapper() Mapper { return defaultTable }
