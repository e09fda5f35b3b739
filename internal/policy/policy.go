// Package policy holds the versioned threshold table that drives scoring and
// classification. Every tunable number of the reconciliation lives here so
// that risk and confidence tuning can be audited and injected as config.
package policy

import (
	"fmt"
	"math"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/felixgeelhaar/medmem/internal/clinical"
	"github.com/felixgeelhaar/medmem/internal/interval"
)

// Weights combine the three scoring terms. They must sum to 1.
type Weights struct {
	Identity   float64 `json:"identity" yaml:"identity"`
	Attributes float64 `json:"attributes" yaml:"attributes"`
	Temporal   float64 `json:"temporal" yaml:"temporal"`
}

// Thresholds split a confidence score into APPEND / UPDATE / MERGE.
type Thresholds struct {
	Update float64 `json:"update" yaml:"update"`
	Merge  float64 `json:"merge" yaml:"merge"`
}

// DomainPolicy is one row of the table.
type DomainPolicy struct {
	Weights                  Weights    `json:"weights" yaml:"weights"`
	MaxGapDays               float64    `json:"max_gap_days" yaml:"max_gap_days"`
	LookbackDays             float64    `json:"lookback_days,omitempty" yaml:"lookback_days,omitempty"`
	ApproximateToleranceDays float64    `json:"approximate_tolerance_days" yaml:"approximate_tolerance_days"`
	QuantityTolerance        float64    `json:"quantity_tolerance" yaml:"quantity_tolerance"`
	KeyAttributes            []string   `json:"key_attributes" yaml:"key_attributes"`
	Normal                   Thresholds `json:"normal" yaml:"normal"`
	HighRisk                 Thresholds `json:"high_risk" yaml:"high_risk"`
	RiskPatterns             []string   `json:"risk_patterns" yaml:"risk_patterns"`
}

// Penalties are subtracted from the weighted score.
type Penalties struct {
	ApproximateTime     float64 `json:"approximate_time" yaml:"approximate_time"`
	HighRiskApproximate float64 `json:"high_risk_approximate" yaml:"high_risk_approximate"`
}

// Table is the complete, versioned policy.
type Table struct {
	Version         string                           `json:"version" yaml:"version"`
	Domains         map[clinical.Domain]DomainPolicy `json:"domains" yaml:"domains"`
	Penalties       Penalties                        `json:"penalties" yaml:"penalties"`
	AmbiguityMargin float64                          `json:"ambiguity_margin" yaml:"ambiguity_margin"`
}

// DefaultVersion tags the built-in table.
const DefaultVersion = "2026-10-01"

// Default returns the reference table.
func Default() *Table {
	return &Table{
		Version: DefaultVersion,
		Domains: map[clinical.Domain]DomainPolicy{
			clinical.Medication: {
				Weights:                  Weights{Identity: 0.4, Attributes: 0.3, Temporal: 0.3},
				MaxGapDays:               3,
				LookbackDays:             365,
				ApproximateToleranceDays: 1,
				QuantityTolerance:        0.2,
				KeyAttributes:            []string{clinical.AttrDose},
				Normal:                   Thresholds{Update: 0.5, Merge: 0.75},
				HighRisk:                 Thresholds{Update: 0.65, Merge: 0.85},
				RiskPatterns: []string{
					"*warfarin*", "*heparin*", "*insulin*", "*clopidogrel*", "*digoxin*",
					"*lithium*", "*amiodarone*", "*theophylline*", "*carbamazepine*",
					"*valpro*", "*phenytoin*", "*methotrexate*", "*cyclophosphamide*",
					"*isotretinoin*", "rxnorm 11289",
				},
			},
			clinical.Symptom: {
				Weights:                  Weights{Identity: 0.45, Attributes: 0.3, Temporal: 0.25},
				MaxGapDays:               14,
				LookbackDays:             365,
				ApproximateToleranceDays: 3,
				QuantityTolerance:        0.2,
				KeyAttributes:            []string{clinical.AttrBodySite},
				Normal:                   Thresholds{Update: 0.5, Merge: 0.75},
				HighRisk:                 Thresholds{Update: 0.65, Merge: 0.85},
				RiskPatterns: []string{
					"*chest pain*", "*dyspnea*", "*shortness of breath*", "*syncope*",
					"*hemoptysis*", "*seizure*", "*hematemesis*", "*suicidal*",
				},
			},
		},
		Penalties:       Penalties{ApproximateTime: 0.07, HighRiskApproximate: 0.1},
		AmbiguityMargin: 0.05,
	}
}

// Domain returns the row for d.
func (t *Table) Domain(d clinical.Domain) (DomainPolicy, error) {
	p, ok := t.Domains[d]
	if !ok {
		return DomainPolicy{}, fmt.Errorf("no policy for domain %q", d)
	}
	return p, nil
}

// Thresholds selects the row's thresholds for the given risk.
func (p DomainPolicy) Thresholds(highRisk bool) Thresholds {
	if highRisk {
		return p.HighRisk
	}
	return p.Normal
}

// Window returns the temporal window for the Interval Reasoner. A positive
// toleranceDays overrides the domain tolerance. Under approximate timing the
// gap ceiling is extended by the tolerance.
func (p DomainPolicy) Window(approximate bool, toleranceDays float64) interval.Window {
	tol := p.ApproximateToleranceDays
	if toleranceDays > 0 {
		tol = toleranceDays
	}
	w := interval.Window{Tolerance: tol, Horizon: p.MaxGapDays}
	if approximate {
		w.Horizon += tol
	}
	return w
}

// IsKey reports whether attribute name is regimen-defining for the domain.
func (p DomainPolicy) IsKey(name string) bool {
	for _, k := range p.KeyAttributes {
		if k == name {
			return true
		}
	}
	return false
}

// IsHighRisk resolves the risk flag of an entry: an explicit flag wins,
// otherwise the subject code is matched against the row's risk patterns.
func (t *Table) IsHighRisk(n clinical.Normalized) bool {
	if n.HighRisk != nil {
		return *n.HighRisk
	}
	p, ok := t.Domains[n.Domain]
	if !ok {
		return false
	}
	for _, pattern := range p.RiskPatterns {
		if match, err := doublestar.Match(pattern, n.SubjectCode); err == nil && match {
			return true
		}
	}
	return false
}

// ValidationResult mirrors a lint pass over a table.
type ValidationResult struct {
	Valid    bool
	Warnings []string
	Errors   []string
}

// Validate checks the table for internal consistency. Risk may only ever raise
// thresholds, never lower them.
func (t *Table) Validate() ValidationResult {
	res := ValidationResult{Valid: true, Warnings: []string{}, Errors: []string{}}
	fail := func(format string, args ...any) {
		res.Valid = false
		res.Errors = append(res.Errors, fmt.Sprintf(format, args...))
	}

	if t.Version == "" {
		fail("version is required")
	}
	if len(t.Domains) == 0 {
		fail("at least one domain is required")
	}
	for d, p := range t.Domains {
		if !d.Valid() {
			fail("unknown domain %q", d)
			continue
		}
		w := p.Weights
		if w.Identity < 0 || w.Attributes < 0 || w.Temporal < 0 {
			fail("%s: weights must be non-negative", d)
		}
		if sum := w.Identity + w.Attributes + w.Temporal; math.Abs(sum-1) > 1e-6 {
			fail("%s: weights sum to %.3f, want 1", d, sum)
		}
		if p.MaxGapDays <= 0 {
			fail("%s: max_gap_days must be positive", d)
		}
		if p.LookbackDays < 0 {
			fail("%s: lookback_days must not be negative", d)
		} else if p.LookbackDays > 0 && p.LookbackDays < p.MaxGapDays {
			fail("%s: lookback_days must cover max_gap_days", d)
		}
		if p.ApproximateToleranceDays < 0 {
			fail("%s: approximate_tolerance_days must not be negative", d)
		}
		if p.QuantityTolerance < 0 || p.QuantityTolerance >= 1 {
			fail("%s: quantity_tolerance must be in [0,1)", d)
		}
		for name, th := range map[string]Thresholds{"normal": p.Normal, "high_risk": p.HighRisk} {
			if th.Update < 0 || th.Merge > 1 || th.Update > th.Merge {
				fail("%s/%s: thresholds must satisfy 0 <= update <= merge <= 1", d, name)
			}
		}
		if p.HighRisk.Update < p.Normal.Update || p.HighRisk.Merge < p.Normal.Merge {
			fail("%s: high_risk thresholds must not be lower than normal ones", d)
		}
		for _, pattern := range p.RiskPatterns {
			if !doublestar.ValidatePattern(pattern) {
				fail("%s: invalid risk pattern %q", d, pattern)
			}
		}
		if len(p.RiskPatterns) == 0 {
			res.Warnings = append(res.Warnings, fmt.Sprintf("%s: no risk patterns; only explicit flags mark high risk", d))
		}
	}
	if t.Penalties.ApproximateTime < 0 || t.Penalties.ApproximateTime > 1 ||
		t.Penalties.HighRiskApproximate < 0 || t.Penalties.HighRiskApproximate > 1 {
		fail("penalties must be in [0,1]")
	}
	if t.AmbiguityMargin < 0 || t.AmbiguityMargin > 0.5 {
		fail("ambiguity_margin must be in [0,0.5]")
	} else if t.AmbiguityMargin == 0 {
		res.Warnings = append(res.Warnings, "ambiguity_margin is zero; no decision will be flagged for review")
	}
	return res
}
