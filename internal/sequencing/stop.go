// Package sequencing decides which sequenced stops of a trip may be targeted
// for navigation or manual arrival.
package sequencing

import (
	"sort"
	"strconv"
	"time"
)

// Stop is one planned visit on a trip. Its position in the stop list, not ID,
// defines trip order.
type Stop struct {
	ID          int64
	Sequenced   bool
	CompletedAt *time.Time
}

// Completed reports whether the driver has arrived at or completed the stop.
func (s Stop) Completed() bool { return s.CompletedAt != nil }

// Key returns the stop id in the form used by EligibleSet.
func (s Stop) Key() string { return strconv.FormatInt(s.ID, 10) }

// NoCurrentStop is the position hint used before the first arrival.
const NoCurrentStop = -1

// EligibleSet holds ids of sequenced stops currently allowed as navigation
// targets. A nil set is empty.
type EligibleSet map[string]struct{}

// NewEligibleSet builds a set from ids.
func NewEligibleSet(ids ...string) EligibleSet {
	s := make(EligibleSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Contains reports whether id is in the set.
func (s EligibleSet) Contains(id string) bool {
	_, ok := s[id]
	return ok
}

// Len returns the number of ids.
func (s EligibleSet) Len() int { return len(s) }

// IDs returns the members sorted numerically when possible.
func (s EligibleSet) IDs() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool {
		a, errA := strconv.ParseInt(out[i], 10, 64)
		b, errB := strconv.ParseInt(out[j], 10, 64)
		if errA == nil && errB == nil {
			return a < b
		}
		return out[i] < out[j]
	})
	return out
}

// Equal reports whether both sets hold the same ids.
func (s EligibleSet) Equal(o EligibleSet) bool {
	if len(s) != len(o) {
		return false
	}
	for id := range s {
		if !o.Contains(id) {
			return false
		}
	}
	return true
}
