/*
Package contestability computes the insurance contestability window of a contract.

PURPOSE:
  A contract becomes incontestable after 12 months of continuous coverage.
  A gap of 3 or more months between payments lapses the contract; the next
  payment reinstates it and the window starts again from that payment.

ALGORITHM:
  effectiveStart = lastActivity = contract start
  for each payment ascending by (DatePaid, Seq):
      if monthsBetween(lastActivity, payment.DatePaid) >= 3:
          effectiveStart = payment.DatePaid     (lapsed and reinstated)
      lastActivity = payment.DatePaid
  months = clamp(monthsBetween(effectiveStart, now), 0, 12)

  monthsBetween is yearDiff*12 + monthDiff; the day of month is ignored, so
  Jan 31 -> Apr 1 is a gap of 3.

PURITY:
  Months and Assess take "now" as an argument and touch no state. They are
  safe to call concurrently for different contracts.
*/
package contestability

import (
	"sort"

	"github.com/warp/collections-engine/generic"
)

const (
	// MaxMonths is where the window saturates.
	MaxMonths = 12

	// LapseGapMonths is the payment gap that lapses a contract.
	LapseGapMonths = 3
)

// State is the full result of a contestability assessment. Not persisted.
type State struct {
	Months         int
	EffectiveStart generic.TimePoint
	LastActivity   generic.TimePoint

	// Lapsed is true when now is LapseGapMonths or more past the last activity.
	Lapsed bool

	// Reinstatements counts how many times a gap reset the window.
	Reinstatements int
}

// Contestable reports whether the contract is still inside the window.
func (s State) Contestable() bool {
	return s.Months < MaxMonths
}

// Months returns the contestability age in [0, 12].
func Months(start generic.TimePoint, payments []generic.Payment, now generic.TimePoint) int {
	return Assess(start, payments, now).Months
}

// Assess walks the payment history and returns the window state at now.
func Assess(start generic.TimePoint, payments []generic.Payment, now generic.TimePoint) State {
	sorted := make([]generic.Payment, len(payments))
	copy(sorted, payments)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })

	s := State{EffectiveStart: start, LastActivity: start}
	for _, p := range sorted {
		if generic.MonthsBetween(s.LastActivity, p.DatePaid) >= LapseGapMonths {
			s.EffectiveStart = p.DatePaid
			s.Reinstatements++
		}
		s.LastActivity = p.DatePaid
	}

	s.Months = clamp(generic.MonthsBetween(s.EffectiveStart, now), 0, MaxMonths)
	s.Lapsed = generic.MonthsBetween(s.LastActivity, now) >= LapseGapMonths
	return s
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}
