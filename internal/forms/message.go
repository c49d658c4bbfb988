// Package forms formats user-facing notices about forms still pending on a trip.
package forms

import "fmt"

// PendingForm references a form that still has to be filled in for a stop.
type PendingForm struct {
	FormID   string
	StopID   int64
	StopName string
}

// UncompletedFormsMessage describes the pending stack for the driver. It
// returns "" for an empty stack, oneStopTemplate formatted with the stop name
// when every entry belongs to the same stop name, and manyStopsTemplate
// formatted with the number of distinct stop names otherwise.
func UncompletedFormsMessage(pending []PendingForm, oneStopTemplate, manyStopsTemplate string) string {
	if len(pending) == 0 {
		return ""
	}
	names := DistinctStopNames(pending)
	if len(names) == 1 {
		return fmt.Sprintf(oneStopTemplate, names[0])
	}
	return fmt.Sprintf(manyStopsTemplate, len(names))
}

// DistinctStopNames returns stop names in first-seen order without repeats.
func DistinctStopNames(pending []PendingForm) []string {
	seen := make(map[string]struct{}, len(pending))
	out := make([]string, 0, len(pending))
	for _, p := range pending {
		if _, ok := seen[p.StopName]; ok {
			continue
		}
		seen[p.StopName] = struct{}{}
		out = append(out, p.StopName)
	}
	return out
}
