package sequencing

// Resolver computes eligible sets. The zero value is ready to use.
type Resolver struct {
	// OnFailClosed is called with the recovered value when resolution panics
	// and the empty set is returned instead.
	OnFailClosed func(recovered any)

	// guard replaces AllSequencedStopsSatisfied; nil means the default.
	guard func([]Stop) bool
}

var defaultResolver Resolver

// Resolve computes the eligible set with the default Resolver.
func Resolve(currentIndex int, stops []Stop, previous EligibleSet) EligibleSet {
	return defaultResolver.Resolve(currentIndex, stops, previous)
}

// Resolve returns the sequenced stops the driver may target now: the earliest
// pending sequenced stop (catch-up) and the stop right after the most advanced
// completion when it is a pending sequenced stop (lead).
//
// currentIndex and previous are advisory. The result depends on stops alone,
// stops is never modified and the returned set is always newly allocated.
// Any panic during evaluation yields the empty set.
func (r Resolver) Resolve(currentIndex int, stops []Stop, previous EligibleSet) (out EligibleSet) {
	defer func() {
		if rec := recover(); rec != nil {
			out = EligibleSet{}
			if r.OnFailClosed != nil {
				r.OnFailClosed(rec)
			}
		}
	}()

	out = EligibleSet{}
	if len(stops) == 0 {
		return out
	}
	guard := r.guard
	if guard == nil {
		guard = AllSequencedStopsSatisfied
	}
	if guard(stops) {
		return out
	}

	if i := catchUpTarget(stops); i >= 0 {
		out[stops[i].Key()] = struct{}{}
	}
	if i := leadTarget(stops); i >= 0 {
		out[stops[i].Key()] = struct{}{}
	}
	return out
}

// AllSequencedStopsSatisfied reports whether every sequenced stop is
// completed. A list without sequenced stops, including an empty one, is
// satisfied.
func AllSequencedStopsSatisfied(stops []Stop) bool {
	for _, s := range stops {
		if s.Sequenced && !s.Completed() {
			return false
		}
	}
	return true
}

// catchUpTarget returns the position of the first pending sequenced stop,
// ignoring free-floating stops, or -1.
func catchUpTarget(stops []Stop) int {
	for i, s := range stops {
		if s.Sequenced && !s.Completed() {
			return i
		}
	}
	return -1
}

// leadTarget returns the position right after the highest completed one when
// that stop is sequenced and pending, or -1. A pending free-floating stop in
// that slot blocks the lead pointer.
func leadTarget(stops []Stop) int {
	next := LastCompleted(stops) + 1
	if next >= len(stops) {
		return -1
	}
	s := stops[next]
	if s.Completed() || !s.Sequenced {
		return -1
	}
	return next
}

// LastCompleted returns the highest position with a completion, or
// NoCurrentStop.
func LastCompleted(stops []Stop) int {
	for i := len(stops) - 1; i >= 0; i-- {
		if stops[i].Completed() {
			return i
		}
	}
	return NoCurrentStop
}

// NormalizeHint maps a position hint outside [0, n) to NoCurrentStop.
func NormalizeHint(idx, n int) int {
	if idx < 0 || idx >= n {
		return NoCurrentStop
	}
	return idx
}
