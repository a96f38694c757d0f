// Package schedule computes the weekly call anchor and the reminder
// fire times derived from it. Everything here is pure: callers pass
// the current instant in.
package schedule

import (
	"time"
)

// Rule is the fixed weekly anchor: a weekday and a civil time-of-day in
// a specific IANA zone. Computing in civil time keeps the anchor at the
// same wall-clock hour across daylight-saving transitions.
type Rule struct {
	Weekday time.Weekday
	Hour    int
	Minute  int
	Loc     *time.Location
}

// NextAnchor returns the next occurrence of the rule strictly after now.
// If now falls exactly on the anchor instant, the following week is
// returned: the call is starting, reminders for it are moot.
func (r Rule) NextAnchor(now time.Time) time.Time {
	local := now.In(r.Loc)
	days := (int(r.Weekday) - int(local.Weekday()) + 7) % 7

	// time.Date normalizes the day offset in civil time, so a DST jump
	// between now and the anchor does not shift the wall-clock hour.
	anchor := time.Date(local.Year(), local.Month(), local.Day()+days, r.Hour, r.Minute, 0, 0, r.Loc)
	if !anchor.After(now) {
		anchor = time.Date(local.Year(), local.Month(), local.Day()+days+7, r.Hour, r.Minute, 0, 0, r.Loc)
	}
	return anchor
}

// Variant classifies a reminder by how far ahead of the anchor it fires.
// The message template differs per variant.
type Variant string

const (
	VariantFar      Variant = "far"      // multiple days out
	VariantNear     Variant = "near"     // the day before
	VariantImminent Variant = "imminent" // hours or less
)

// VariantFor maps a lead time to its reminder variant.
func VariantFor(lead time.Duration) Variant {
	switch {
	case lead >= 48*time.Hour:
		return VariantFar
	case lead >= 6*time.Hour:
		return VariantNear
	default:
		return VariantImminent
	}
}

// FireTime pairs a reminder variant with its absolute fire instant for
// one specific anchor occurrence.
type FireTime struct {
	At      time.Time
	Lead    time.Duration
	Variant Variant
}

// FireTimes computes the fire times for the given anchor and lead list,
// discarding any that are already in the past relative to now. A process
// restarted mid-cycle only schedules what is still ahead.
func FireTimes(now, anchor time.Time, leads []time.Duration) []FireTime {
	out := make([]FireTime, 0, len(leads))
	for _, lead := range leads {
		at := anchor.Add(-lead)
		if !at.After(now) {
			continue
		}
		out = append(out, FireTime{At: at, Lead: lead, Variant: VariantFor(lead)})
	}
	return out
}
