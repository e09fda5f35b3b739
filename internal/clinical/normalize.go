package clinical

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/felixgeelhaar/medmem/internal/interval"
)

// ValidationError rejects an entry before any scoring or ledger write.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ParseTime accepts RFC3339 timestamps and plain dates (UTC midnight).
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q (use RFC3339 or YYYY-MM-DD)", s)
}

// CanonicalCode trims, collapses whitespace and lower-cases a subject code.
func CanonicalCode(code string) string {
	return strings.ToLower(strings.Join(strings.Fields(code), " "))
}

// Normalize validates e and canonicalizes its attributes. Unknown or extra
// attributes are kept as opaque values and never cause a failure.
func Normalize(e Entry) (Normalized, error) {
	domain := e.Domain
	if domain == "" {
		domain = Medication
		if e.SymptomAttributes != nil && e.MedicationAttributes == nil {
			domain = Symptom
		}
	}
	if !domain.Valid() {
		return Normalized{}, &ValidationError{Field: "domain", Reason: fmt.Sprintf("unknown domain %q", e.Domain)}
	}

	code := CanonicalCode(e.SubjectCode)
	if code == "" {
		return Normalized{}, &ValidationError{Field: "subject_code", Reason: "required"}
	}

	if strings.TrimSpace(e.IntervalStart) == "" {
		return Normalized{}, &ValidationError{Field: "interval_start", Reason: "required"}
	}
	start, err := ParseTime(e.IntervalStart)
	if err != nil {
		return Normalized{}, &ValidationError{Field: "interval_start", Reason: err.Error()}
	}
	iv := interval.Interval{Start: start}
	if strings.TrimSpace(e.IntervalEnd) != "" {
		end, err := ParseTime(e.IntervalEnd)
		if err != nil {
			return Normalized{}, &ValidationError{Field: "interval_end", Reason: err.Error()}
		}
		if end.Before(start) {
			return Normalized{}, &ValidationError{Field: "interval_end", Reason: "precedes interval_start"}
		}
		iv.End = &end
	}

	prov := Provenance(strings.ToLower(strings.TrimSpace(string(e.Provenance))))
	if prov == "" {
		prov = ProvenanceChat
	}
	if !prov.Valid() {
		return Normalized{}, &ValidationError{Field: "provenance", Reason: fmt.Sprintf("unknown provenance %q", e.Provenance)}
	}

	n := Normalized{
		Domain:      domain,
		SubjectCode: code,
		Interval:    iv,
		Provenance:  prov,
		HighRisk:    e.HighRisk,
	}

	seen := make(map[string]bool)
	add := func(a Attribute, ok bool) {
		if ok && !seen[a.Name] {
			seen[a.Name] = true
			n.Attributes = append(n.Attributes, a)
		}
	}
	if m := e.MedicationAttributes; m != nil {
		add(normalizeDose(m.Dose))
		add(normalizeEnum(AttrFrequency, m.Frequency, frequencySynonyms))
		add(normalizeEnum(AttrRoute, m.Route, routeSynonyms))
	}
	if s := e.SymptomAttributes; s != nil {
		add(normalizeSeverity(s.Severity))
		add(normalizeEnum(AttrBodySite, s.BodySite, nil))
	}
	for name, value := range e.Extra {
		add(opaque(strings.ToLower(strings.TrimSpace(name)), value))
	}
	sort.Slice(n.Attributes, func(i, j int) bool {
		return n.Attributes[i].Name < n.Attributes[j].Name
	})

	return n, nil
}

var doseRe = regexp.MustCompile(`^([0-9]+(?:\.[0-9]+)?)\s*([a-zµμ]+)?$`)

// unit -> canonical unit and factor into it
var doseUnits = map[string]struct {
	unit   string
	factor float64
}{
	"mg":    {"mg", 1},
	"g":     {"mg", 1000},
	"mcg":   {"mg", 0.001},
	"ug":    {"mg", 0.001},
	"µg":    {"mg", 0.001},
	"μg":    {"mg", 0.001},
	"ml":    {"ml", 1},
	"l":     {"ml", 1000},
	"iu":    {"unit", 1},
	"u":     {"unit", 1},
	"unit":  {"unit", 1},
	"units": {"unit", 1},
}

func normalizeDose(raw string) (Attribute, bool) {
	text := collapse(raw)
	if text == "" {
		return Attribute{}, false
	}
	m := doseRe.FindStringSubmatch(text)
	if m == nil {
		return opaque(AttrDose, raw)
	}
	mag, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return opaque(AttrDose, raw)
	}
	if m[2] == "" {
		return Attribute{Name: AttrDose, Kind: KindQuantity, Magnitude: mag}, true
	}
	u, ok := doseUnits[m[2]]
	if !ok {
		return opaque(AttrDose, raw)
	}
	return Attribute{Name: AttrDose, Kind: KindQuantity, Magnitude: mag * u.factor, Unit: u.unit}, true
}

var frequencySynonyms = map[string]string{
	"qd": "qd", "od": "qd", "daily": "qd", "once daily": "qd", "once a day": "qd", "1x/d": "qd",
	"bid": "bid", "twice daily": "bid", "twice a day": "bid", "2x/d": "bid",
	"tid": "tid", "three times daily": "tid", "three times a day": "tid", "3x/d": "tid",
	"qid": "qid", "four times daily": "qid", "four times a day": "qid", "4x/d": "qid",
	"qhs": "qhs", "at bedtime": "qhs", "nightly": "qhs",
	"prn": "prn", "as needed": "prn",
	"qw": "qw", "weekly": "qw", "once weekly": "qw", "once a week": "qw",
}

var routeSynonyms = map[string]string{
	"po": "oral", "oral": "oral", "by mouth": "oral",
	"iv": "iv", "intravenous": "iv",
	"im": "im", "intramuscular": "im",
	"sc": "sc", "sq": "sc", "subq": "sc", "subcutaneous": "sc",
	"topical": "topical",
	"inh":     "inhaled", "inhaled": "inhaled", "inhalation": "inhaled",
	"sl": "sl", "sublingual": "sl",
}

// normalizeEnum maps synonyms to a canonical token. With a nil vocabulary the
// collapsed text itself is the token; otherwise unknown values are opaque.
func normalizeEnum(name, raw string, vocab map[string]string) (Attribute, bool) {
	text := collapse(raw)
	if text == "" {
		return Attribute{}, false
	}
	if vocab == nil {
		return Attribute{Name: name, Kind: KindEnum, Text: text}, true
	}
	if canon, ok := vocab[text]; ok {
		return Attribute{Name: name, Kind: KindEnum, Text: canon}, true
	}
	return opaque(name, raw)
}

var severityWords = map[string]string{
	"mild": "mild", "slight": "mild",
	"moderate": "moderate",
	"severe":   "severe", "intense": "severe",
}

func normalizeSeverity(raw string) (Attribute, bool) {
	text := collapse(raw)
	if text == "" {
		return Attribute{}, false
	}
	if band, ok := severityWords[text]; ok {
		return Attribute{Name: AttrSeverity, Kind: KindEnum, Text: band}, true
	}
	score, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(text), "/10"), 64)
	if err != nil || math.IsNaN(score) || score < 0 || score > 10 {
		return opaque(AttrSeverity, raw)
	}
	band := "severe"
	switch {
	case score <= 3:
		band = "mild"
	case score <= 6:
		band = "moderate"
	}
	return Attribute{Name: AttrSeverity, Kind: KindEnum, Text: band}, true
}

func opaque(name, raw string) (Attribute, bool) {
	text := strings.TrimSpace(raw)
	if name == "" || text == "" {
		return Attribute{}, false
	}
	return Attribute{Name: name, Kind: KindOpaque, Text: text}, true
}

func collapse(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
