// Package score combines identity, attribute and temporal evidence into a
// single merge confidence in [0,1].
package score

import (
	"fmt"
	"math"

	"github.com/felixgeelhaar/medmem/internal/clinical"
	"github.com/felixgeelhaar/medmem/internal/interval"
	"github.com/felixgeelhaar/medmem/internal/policy"
)

// Flags are the per-request modifiers of a comparison.
type Flags struct {
	ApproximateTime bool
	HighRisk        bool
	// ToleranceDays overrides the domain's approximate-time tolerance when positive.
	ToleranceDays float64
}

// Result is a score together with the terms that produced it.
type Result struct {
	Score         float64 `json:"score"`
	IdentityMatch bool    `json:"identity_match"`
	// TemporalGate is set when the gap exceeds the domain ceiling; the
	// identity term is then withheld and the pair can only be appended.
	TemporalGate bool    `json:"temporal_gate"`
	Attributes   float64 `json:"attributes"`
	Temporal     float64 `json:"temporal"`
	Penalty      float64 `json:"penalty"`
	Compared     int     `json:"compared"`
	Matched      int     `json:"matched"`
	KeyMismatch  string  `json:"key_mismatch,omitempty"`
}

// Scorer computes confidences from a policy table.
type Scorer struct {
	table *policy.Table
}

func New(t *policy.Table) *Scorer {
	return &Scorer{table: t}
}

// Identical reports whether two entries name the same subject. Different
// drugs or symptoms are never merge candidates.
func Identical(a, b clinical.Normalized) bool {
	return a.Domain == b.Domain && a.SubjectCode == b.SubjectCode
}

// Score rates how likely next describes the same episode as current.
func (s *Scorer) Score(current, next clinical.Normalized, rel interval.Relation, f Flags) (Result, error) {
	if !Identical(current, next) {
		return Result{}, nil
	}
	p, err := s.table.Domain(current.Domain)
	if err != nil {
		return Result{}, err
	}

	res := Result{IdentityMatch: true}
	res.Attributes, res.Compared, res.Matched, res.KeyMismatch = attributeSimilarity(p, current, next)

	switch rel.Kind {
	case interval.Overlap:
		res.Temporal = 1
	case interval.Gap:
		horizon := p.Window(f.ApproximateTime, f.ToleranceDays).Horizon
		res.Temporal = math.Max(0, 1-rel.GapDays/horizon)
	case interval.Disjoint:
		res.TemporalGate = true
	default:
		return Result{}, fmt.Errorf("unknown relation kind %q", rel.Kind)
	}

	w := p.Weights
	sum := w.Attributes*res.Attributes + w.Temporal*res.Temporal
	if !res.TemporalGate {
		sum += w.Identity
	}

	if f.ApproximateTime {
		res.Penalty += s.table.Penalties.ApproximateTime
		if f.HighRisk {
			res.Penalty += s.table.Penalties.HighRiskApproximate
		}
	}

	res.Score = clamp(sum - res.Penalty)
	return res, nil
}

// attributeSimilarity is the fraction of attributes present on both sides
// that agree. A disagreeing key attribute zeroes the term; with nothing to
// compare there is no contradicting evidence and the term is 1.
func attributeSimilarity(p policy.DomainPolicy, a, b clinical.Normalized) (sim float64, compared, matched int, keyMismatch string) {
	for _, av := range a.Attributes {
		bv, ok := b.Attribute(av.Name)
		if !ok {
			continue
		}
		compared++
		if av.Matches(bv, p.QuantityTolerance) {
			matched++
			continue
		}
		if keyMismatch == "" && p.IsKey(av.Name) {
			keyMismatch = av.Name
		}
	}
	switch {
	case keyMismatch != "":
		return 0, compared, matched, keyMismatch
	case compared == 0:
		return 1, 0, 0, ""
	}
	return float64(matched) / float64(compared), compared, matched, ""
}

func clamp(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
