// Package calltype defines the closed set of SIP call categories the
// detection engine reasons about, and the per-run active-set mask that
// selects which of them actually feed the feature vector.
package calltype

import (
	"fmt"
	"strings"
)

// CallType is one of the six call categories tracked by the engine. The
// numeric order is canonical: it matches the checkpoint column order and
// must never be reordered.
type CallType int

const (
	International CallType = iota
	Mobile
	Premium
	Service
	Domestic
	Emergency

	count // keep last
)

// Count is the number of call categories in the enumeration.
const Count = int(count)

// All lists every CallType in canonical order.
var All = [Count]CallType{International, Mobile, Premium, Service, Domestic, Emergency}

func (c CallType) String() string {
	switch c {
	case International:
		return "INTERNATIONAL"
	case Mobile:
		return "MOBILE"
	case Premium:
		return "PREMIUM"
	case Service:
		return "SERVICE"
	case Domestic:
		return "DOMESTIC"
	case Emergency:
		return "EMERGENCY"
	default:
		return "UNKNOWN"
	}
}

// Parse maps a calltype column value (uppercase, exact) to its CallType.
func Parse(s string) (CallType, bool) {
	for _, c := range All {
		if c.String() == s {
			return c, true
		}
	}
	return 0, false
}

// ActiveSet is the per-context mask of which categories feed the feature
// vector. It is deliberately separate from CallType so the enum itself
// stays value-semantic and independent of runtime configuration.
type ActiveSet [Count]bool

// Contains reports whether c is active in s.
func (s ActiveSet) Contains(c CallType) bool { return s[c] }

// Any reports whether any of the given categories are active.
func (s ActiveSet) Any(cs ...CallType) bool {
	for _, c := range cs {
		if s[c] {
			return true
		}
	}
	return false
}

// ParseActiveSet builds an ActiveSet from the "call-type" config value:
// either the literal "All" (case-insensitive) or a comma-separated list
// of category names, whitespace around entries is ignored.
func ParseActiveSet(calltype string) (ActiveSet, error) {
	var set ActiveSet
	if strings.TrimSpace(calltype) == "" {
		return set, fmt.Errorf("call-type: must name at least one calltype")
	}

	for _, tok := range strings.Split(calltype, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		if strings.EqualFold(tok, "all") {
			for _, c := range All {
				set[c] = true
			}
			break
		}
		c, ok := Parse(strings.ToUpper(tok))
		if !ok {
			return ActiveSet{}, fmt.Errorf("call-type: unknown calltype %q", tok)
		}
		set[c] = true
	}

	if set == (ActiveSet{}) {
		return set, fmt.Errorf("call-type: must name at least one calltype")
	}
	return set, nil
}

// Names returns the active category names in canonical order, useful for
// building an `IN (...)` parameter list against the CDR store.
func (s ActiveSet) Names() []string {
	var out []string
	for _, c := range All {
		if s[c] {
			out = append(out, c.String())
		}
	}
	return out
}
