// Package clinical defines the clinical entries that flow into reconciliation
// and the normalizer that turns them into comparable records.
package clinical

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/felixgeelhaar/medmem/internal/interval"
)

// Domain selects the attribute vocabulary and policy row of an entry.
type Domain string

const (
	Medication Domain = "medication"
	Symptom    Domain = "symptom"
)

// Valid reports whether d is a known domain.
func (d Domain) Valid() bool {
	return d == Medication || d == Symptom
}

// Provenance records where an entry came from.
type Provenance string

const (
	ProvenanceDoctor     Provenance = "doctor"
	ProvenanceChat       Provenance = "chat"
	ProvenanceEHR        Provenance = "ehr"
	ProvenanceLiterature Provenance = "literature"
)

var reliability = map[Provenance]float64{
	ProvenanceEHR:        1.0,
	ProvenanceDoctor:     0.95,
	ProvenanceLiterature: 0.8,
	ProvenanceChat:       0.6,
}

// Valid reports whether p is a known provenance.
func (p Provenance) Valid() bool {
	_, ok := reliability[p]
	return ok
}

// Reliability ranks sources; values from a more reliable source survive
// enrichment by a less reliable one.
func (p Provenance) Reliability() float64 {
	if r, ok := reliability[p]; ok {
		return r
	}
	return reliability[ProvenanceChat]
}

// Attribute names shared by the normalizer and the scorer.
const (
	AttrDose      = "dose"
	AttrFrequency = "frequency"
	AttrRoute     = "route"
	AttrSeverity  = "severity"
	AttrBodySite  = "body_site"
)

// MedicationAttributes are the typed fields of a medication entry.
type MedicationAttributes struct {
	Dose      string `json:"dose,omitempty" yaml:"dose,omitempty"`
	Frequency string `json:"frequency,omitempty" yaml:"frequency,omitempty"`
	Route     string `json:"route,omitempty" yaml:"route,omitempty"`
}

// SymptomAttributes are the typed fields of a symptom entry.
type SymptomAttributes struct {
	Severity string `json:"severity,omitempty" yaml:"severity,omitempty"`
	BodySite string `json:"body_site,omitempty" yaml:"body_site,omitempty"`
}

// Entry is a clinical observation as supplied by the extraction layer.
// Timestamps are RFC3339 or YYYY-MM-DD strings; an empty IntervalEnd means
// the episode is ongoing.
type Entry struct {
	Domain      Domain `json:"domain,omitempty" yaml:"domain,omitempty"`
	SubjectCode string `json:"subject_code" yaml:"subject_code"`
	*MedicationAttributes
	*SymptomAttributes
	Extra         map[string]string `json:"extra,omitempty" yaml:"extra,omitempty"`
	IntervalStart string            `json:"interval_start" yaml:"interval_start"`
	IntervalEnd   string            `json:"interval_end,omitempty" yaml:"interval_end,omitempty"`
	Provenance    Provenance        `json:"provenance,omitempty" yaml:"provenance,omitempty"`
	HighRisk      *bool             `json:"high_risk,omitempty" yaml:"high_risk,omitempty"`
}

// ValueKind distinguishes how an attribute value compares.
type ValueKind string

const (
	KindQuantity ValueKind = "quantity"
	KindEnum     ValueKind = "enum"
	KindOpaque   ValueKind = "opaque"
)

// Attribute is one normalized attribute. Quantities carry a magnitude in a
// canonical unit; enums and opaque values compare on Text only.
type Attribute struct {
	Name      string    `json:"name"`
	Kind      ValueKind `json:"kind"`
	Text      string    `json:"text,omitempty"`
	Magnitude float64   `json:"magnitude,omitempty"`
	Unit      string    `json:"unit,omitempty"`
}

// String renders the canonical form of the value.
func (a Attribute) String() string {
	if a.Kind == KindQuantity {
		m := strconv.FormatFloat(a.Magnitude, 'f', -1, 64)
		if a.Unit == "" {
			return m
		}
		return m + " " + a.Unit
	}
	return a.Text
}

// Matches reports whether two values agree. Quantities in the same unit match
// when their relative difference is within tol.
func (a Attribute) Matches(b Attribute, tol float64) bool {
	if a.Kind != b.Kind {
		return false
	}
	if a.Kind != KindQuantity {
		return a.Text == b.Text
	}
	if a.Unit != b.Unit {
		return false
	}
	largest := math.Max(math.Abs(a.Magnitude), math.Abs(b.Magnitude))
	if largest == 0 {
		return true
	}
	return math.Abs(a.Magnitude-b.Magnitude) <= tol*largest
}

// Normalized is a validated entry in canonical, comparable form.
type Normalized struct {
	Domain      Domain            `json:"domain"`
	SubjectCode string            `json:"subject_code"`
	Interval    interval.Interval `json:"interval"`
	Provenance  Provenance        `json:"provenance"`
	HighRisk    *bool             `json:"high_risk,omitempty"`
	Attributes  []Attribute       `json:"attributes,omitempty"`
}

// Attribute looks up an attribute by name.
func (n Normalized) Attribute(name string) (Attribute, bool) {
	for _, a := range n.Attributes {
		if a.Name == name {
			return a, true
		}
	}
	return Attribute{}, false
}

// ContentHash identifies the entry's content for deduplication.
func (n Normalized) ContentHash() string {
	var sb strings.Builder
	sb.WriteString(string(n.Domain))
	sb.WriteByte('|')
	sb.WriteString(n.SubjectCode)
	sb.WriteByte('|')
	sb.WriteString(n.Interval.Start.UTC().Format(time.RFC3339Nano))
	sb.WriteByte('|')
	if n.Interval.End != nil {
		sb.WriteString(n.Interval.End.UTC().Format(time.RFC3339Nano))
	}
	sb.WriteByte('|')
	sb.WriteString(string(n.Provenance))
	for _, a := range n.Attributes {
		fmt.Fprintf(&sb, "|%s=%s:%s", a.Name, a.Kind, a.String())
	}
	h := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(h[:])
}
