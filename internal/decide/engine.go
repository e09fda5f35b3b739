// Package decide classifies a new clinical entry against an existing episode
// as APPEND, UPDATE or MERGE.
package decide

import (
	"fmt"
	"math"

	"github.com/felixgeelhaar/medmem/internal/clinical"
	"github.com/felixgeelhaar/medmem/internal/interval"
	"github.com/felixgeelhaar/medmem/internal/policy"
	"github.com/felixgeelhaar/medmem/internal/score"
)

// Kind is the outcome of a decision.
type Kind string

const (
	Append Kind = "APPEND"
	Update Kind = "UPDATE"
	Merge  Kind = "MERGE"
)

// Valid reports whether k is one of the three decision kinds.
func (k Kind) Valid() bool {
	return k == Append || k == Update || k == Merge
}

// Flags are the request-level modifiers.
type Flags struct {
	ApproximateTime bool
	// HighRisk forces the risk class when set; otherwise it is derived from
	// the policy's risk patterns.
	HighRisk      *bool
	ToleranceDays float64
}

// AmbiguityWarning marks a confidence that lies within the policy margin of
// a threshold. It is advisory and never changes the outcome.
type AmbiguityWarning struct {
	Boundary  string  `json:"boundary"`
	Threshold float64 `json:"threshold"`
	Distance  float64 `json:"distance"`
}

func (w *AmbiguityWarning) String() string {
	return fmt.Sprintf("confidence within %.2f of the %s threshold %.2f; review recommended", w.Distance, w.Boundary, w.Threshold)
}

// Decision is the classified outcome with everything needed to audit it.
type Decision struct {
	Kind          Kind              `json:"action"`
	Confidence    float64           `json:"confidence"`
	HighRisk      bool              `json:"high_risk"`
	Thresholds    policy.Thresholds `json:"thresholds"`
	Relation      interval.Relation `json:"relation"`
	Breakdown     score.Result      `json:"breakdown"`
	Warning       *AmbiguityWarning `json:"warning,omitempty"`
	PolicyVersion string            `json:"policy_version"`
}

// Engine applies a policy table. It holds no mutable state and is safe for
// concurrent use.
type Engine struct {
	table  *policy.Table
	scorer *score.Scorer
}

func New(t *policy.Table) *Engine {
	if t == nil {
		t = policy.Default()
	}
	return &Engine{table: t, scorer: score.New(t)}
}

// Table returns the policy the engine applies.
func (e *Engine) Table() *policy.Table {
	return e.table
}

// HighRisk resolves the risk class of a pair: an explicit flag wins, then
// either side matching a risk pattern.
func (e *Engine) HighRisk(current, next clinical.Normalized, f Flags) bool {
	if f.HighRisk != nil {
		return *f.HighRisk
	}
	return e.table.IsHighRisk(next) || e.table.IsHighRisk(current)
}

// Decide classifies next against current. It is total: any pair of valid
// entries yields exactly one of the three kinds.
func (e *Engine) Decide(current, next clinical.Normalized, f Flags) (Decision, error) {
	d := Decision{Kind: Append, PolicyVersion: e.table.Version}
	if !score.Identical(current, next) {
		return d, nil
	}

	p, err := e.table.Domain(next.Domain)
	if err != nil {
		return Decision{}, err
	}
	d.HighRisk = e.HighRisk(current, next, f)
	d.Thresholds = p.Thresholds(d.HighRisk)
	d.Relation = interval.Relate(current.Interval, next.Interval, f.ApproximateTime, p.Window(f.ApproximateTime, f.ToleranceDays))

	d.Breakdown, err = e.scorer.Score(current, next, d.Relation, score.Flags{
		ApproximateTime: f.ApproximateTime,
		HighRisk:        d.HighRisk,
		ToleranceDays:   f.ToleranceDays,
	})
	if err != nil {
		return Decision{}, fmt.Errorf("failed to score entry: %w", err)
	}
	d.Confidence = d.Breakdown.Score
	d.Kind = Classify(d.Confidence, d.Thresholds, d.Breakdown.TemporalGate)
	d.Warning = ambiguity(d.Confidence, d.Thresholds, e.table.AmbiguityMargin)
	return d, nil
}

// Classify maps a confidence onto a kind. A gated pair is always appended.
func Classify(confidence float64, th policy.Thresholds, gated bool) Kind {
	switch {
	case gated:
		return Append
	case confidence >= th.Merge:
		return Merge
	case confidence >= th.Update:
		return Update
	}
	return Append
}

func ambiguity(confidence float64, th policy.Thresholds, margin float64) *AmbiguityWarning {
	if margin <= 0 {
		return nil
	}
	var best *AmbiguityWarning
	for _, b := range []struct {
		name string
		v    float64
	}{{"merge", th.Merge}, {"update", th.Update}} {
		dist := math.Abs(confidence - b.v)
		if dist < margin && (best == nil || dist < best.Distance) {
			best = &AmbiguityWarning{Boundary: b.name, Threshold: b.v, Distance: dist}
		}
	}
	return best
}
