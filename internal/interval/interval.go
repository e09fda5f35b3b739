// Package interval reasons about the temporal relationship between two
// episode intervals measured in days.
package interval

import (
	"math"
	"time"
)

const day = 24 * time.Hour

// Interval is a closed time range; a nil End means open-ended (ongoing).
type Interval struct {
	Start time.Time  `json:"start"`
	End   *time.Time `json:"end,omitempty"`
}

// Open reports whether the interval has no end.
func (i Interval) Open() bool {
	return i.End == nil
}

// Contains reports whether i fully covers o.
func (i Interval) Contains(o Interval) bool {
	if o.Start.Before(i.Start) {
		return false
	}
	if i.End == nil {
		return true
	}
	return o.End != nil && !o.End.After(*i.End)
}

// ApproxEqual reports whether both endpoints agree within tolDays. Two open
// ends are equal; an open and a closed end never are.
func (i Interval) ApproxEqual(o Interval, tolDays float64) bool {
	if math.Abs(days(i.Start.Sub(o.Start))) > tolDays {
		return false
	}
	switch {
	case i.End == nil && o.End == nil:
		return true
	case i.End == nil || o.End == nil:
		return false
	}
	return math.Abs(days(i.End.Sub(*o.End))) <= tolDays
}

// Union spans both intervals; an open end wins over a closed one.
func Union(a, b Interval) Interval {
	u := Interval{Start: a.Start}
	if b.Start.Before(u.Start) {
		u.Start = b.Start
	}
	if a.End == nil || b.End == nil {
		return u
	}
	end := *a.End
	if b.End.After(end) {
		end = *b.End
	}
	u.End = &end
	return u
}

// Kind classifies a Relation.
type Kind string

const (
	Overlap  Kind = "overlap"
	Gap      Kind = "gap"
	Disjoint Kind = "disjoint"
)

// Containment describes whether one interval covers the other.
type Containment string

const (
	ContainsNone Containment = ""
	AContainsB   Containment = "a_contains_b"
	BContainsA   Containment = "b_contains_a"
	Equal        Containment = "equal"
)

// Window holds the domain's temporal tolerances in days. Tolerance applies
// only to approximate relations; gaps beyond Horizon are Disjoint. A zero
// Horizon disables the Disjoint classification.
type Window struct {
	Tolerance float64
	Horizon   float64
}

// Relation is the outcome of Relate. Days is the intersection length for
// Overlap (+Inf when both are open) and the gap otherwise. GapDays always
// holds the raw gap, which is zero for intervals that really intersect.
type Relation struct {
	Kind         Kind
	Days         float64
	GapDays      float64
	Approximated bool
	Containment  Containment
}

// Relate computes how b stands to a. With approximate set, a gap no larger
// than the window tolerance is treated as a zero-gap overlap; the raw gap is
// kept so callers can still see it.
func Relate(a, b Interval, approximate bool, w Window) Relation {
	r := Relation{Containment: containment(a, b)}

	if !after(a.Start, b.End) && !after(b.Start, a.End) {
		r.Kind = Overlap
		r.Days = intersection(a, b)
		return r
	}

	r.GapDays = gap(a, b)
	switch {
	case approximate && r.GapDays <= w.Tolerance:
		r.Kind = Overlap
		r.Approximated = true
	case w.Horizon > 0 && r.GapDays > w.Horizon:
		r.Kind = Disjoint
		r.Days = r.GapDays
	default:
		r.Kind = Gap
		r.Days = r.GapDays
	}
	return r
}

// after reports whether t lies after the (possibly open) end.
func after(t time.Time, end *time.Time) bool {
	return end != nil && t.After(*end)
}

func intersection(a, b Interval) float64 {
	start := a.Start
	if b.Start.After(start) {
		start = b.Start
	}
	var end *time.Time
	switch {
	case a.End == nil:
		end = b.End
	case b.End == nil:
		end = a.End
	case a.End.Before(*b.End):
		end = a.End
	default:
		end = b.End
	}
	if end == nil {
		return math.Inf(1)
	}
	return days(end.Sub(start))
}

// gap is min(|b.start - a.end|, |a.start - b.end|) over the closed ends.
func gap(a, b Interval) float64 {
	g := math.Inf(1)
	if a.End != nil {
		g = math.Min(g, math.Abs(days(b.Start.Sub(*a.End))))
	}
	if b.End != nil {
		g = math.Min(g, math.Abs(days(a.Start.Sub(*b.End))))
	}
	return g
}

func containment(a, b Interval) Containment {
	ab, ba := a.Contains(b), b.Contains(a)
	switch {
	case ab && ba:
		return Equal
	case ab:
		return AContainsB
	case ba:
		return BContainsA
	}
	return ContainsNone
}

func days(d time.Duration) float64 {
	return d.Hours() / 24
}

// Days converts a number of days into a duration.
func Days(n float64) time.Duration {
	return time.Duration(n * float64(day))
}
