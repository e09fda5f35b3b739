package decide

import (
	"testing"

	"github.com/felixgeelhaar/medmem/internal/clinical"
	"github.com/felixgeelhaar/medmem/internal/policy"
)

func normalize(t *testing.T, e clinical.Entry) clinical.Normalized {
	t.Helper()
	n, err := clinical.Normalize(e)
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	return n
}

func medication(dose, start, end string) clinical.Entry {
	return clinical.Entry{
		SubjectCode:          "RxNorm 11111",
		MedicationAttributes: &clinical.MedicationAttributes{Dose: dose, Frequency: "qd", Route: "oral"},
		IntervalStart:        start,
		IntervalEnd:          end,
	}
}

func boolPtr(b bool) *bool { return &b }

func TestDecide_Scenarios(t *testing.T) {
	e := New(policy.Default())

	t.Run("A Merge", func(t *testing.T) {
		cur := normalize(t, medication("5 mg", "2026-01-01", "2026-01-08"))
		next := normalize(t, medication("5 mg", "2026-01-09", ""))
		d, err := e.Decide(cur, next, Flags{ApproximateTime: true, HighRisk: boolPtr(false)})
		if err != nil {
			t.Fatal(err)
		}
		if d.Kind != Merge || d.Confidence < 0.75 {
			t.Errorf("Expected MERGE >= 0.75, got %s %.3f", d.Kind, d.Confidence)
		}
	})

	t.Run("B Update", func(t *testing.T) {
		cur := normalize(t, medication("5 mg", "2026-01-01", "2026-01-08"))
		next := normalize(t, medication("10 mg", "2026-01-01", "2026-01-08"))
		d, _ := e.Decide(cur, next, Flags{})
		if d.Kind != Update || d.Confidence < 0.5 || d.Confidence >= 0.75 {
			t.Errorf("Expected UPDATE in [0.5,0.75), got %s %.3f", d.Kind, d.Confidence)
		}
	})

	t.Run("C Append", func(t *testing.T) {
		cur := normalize(t, medication("5 mg", "2026-01-01", "2026-01-01"))
		next := normalize(t, medication("5 mg", "2026-01-31", ""))
		d, _ := e.Decide(cur, next, Flags{})
		if d.Kind != Append || d.Confidence >= 0.5 {
			t.Errorf("Expected APPEND < 0.5, got %s %.3f", d.Kind, d.Confidence)
		}
	})

	t.Run("D High Risk Raises Bar", func(t *testing.T) {
		cur := normalize(t, medication("5 mg", "2026-01-01", "2026-01-08"))
		next := normalize(t, medication("5 mg", "2026-01-07", ""))
		normal, _ := e.Decide(cur, next, Flags{ApproximateTime: true, HighRisk: boolPtr(false)})
		risky, _ := e.Decide(cur, next, Flags{ApproximateTime: true, HighRisk: boolPtr(true)})
		if normal.Kind != Merge {
			t.Fatalf("Expected MERGE without risk, got %s", normal.Kind)
		}
		if risky.Kind == Merge {
			t.Errorf("Expected high risk to downgrade MERGE, got %s %.3f", risky.Kind, risky.Confidence)
		}
		if !risky.HighRisk || risky.Thresholds.Merge != 0.85 {
			t.Errorf("Expected high-risk thresholds, got %+v", risky.Thresholds)
		}
	})

	t.Run("E Symptom Tolerance", func(t *testing.T) {
		sym := func(day string) clinical.Entry {
			return clinical.Entry{Domain: clinical.Symptom, SubjectCode: "chest pain", IntervalStart: day, IntervalEnd: day}
		}
		d, _ := e.Decide(normalize(t, sym("2026-01-01")), normalize(t, sym("2026-01-13")), Flags{HighRisk: boolPtr(false)})
		if d.Breakdown.TemporalGate || d.Kind == Append {
			t.Errorf("Expected symptom gap of 12 days to stay mergeable, got %s %+v", d.Kind, d.Breakdown)
		}

		cur := normalize(t, medication("5 mg", "2026-01-01", "2026-01-01"))
		next := normalize(t, medication("5 mg", "2026-01-13", "2026-01-13"))
		md, _ := e.Decide(cur, next, Flags{HighRisk: boolPtr(false)})
		if md.Kind != Append || !md.Breakdown.TemporalGate {
			t.Errorf("Expected medication gap of 12 days to append, got %s", md.Kind)
		}
	})
}

func TestDecide_IdentityGate(t *testing.T) {
	e := New(nil)
	cur := normalize(t, medication("5 mg", "2026-01-01", ""))
	other := medication("5 mg", "2026-01-01", "")
	other.SubjectCode = "RxNorm 99999"
	d, err := e.Decide(cur, normalize(t, other), Flags{})
	if err != nil {
		t.Fatal(err)
	}
	if d.Kind != Append || d.Confidence != 0 {
		t.Errorf("Expected APPEND with zero confidence, got %s %.3f", d.Kind, d.Confidence)
	}
}

func TestDecide_DerivedRisk(t *testing.T) {
	e := New(nil)
	entry := medication("5 mg", "2026-01-01", "")
	entry.SubjectCode = "Warfarin"
	n := normalize(t, entry)

	d, _ := e.Decide(n, n, Flags{})
	if !d.HighRisk {
		t.Error("Expected warfarin to be derived as high risk")
	}
	d, _ = e.Decide(n, n, Flags{HighRisk: boolPtr(false)})
	if d.HighRisk {
		t.Error("Expected explicit flag to override derived risk")
	}
}

func TestDecide_ThresholdMonotonicity(t *testing.T) {
	e := New(nil)
	cur := normalize(t, medication("5 mg", "2026-01-01", "2026-01-08"))
	pairs := []clinical.Entry{
		medication("5 mg", "2026-01-09", ""),
		medication("10 mg", "2026-01-01", "2026-01-08"),
		medication("5 mg", "2026-01-10", ""),
		medication("5 mg", "2026-03-01", ""),
	}
	rank := map[Kind]int{Append: 0, Update: 1, Merge: 2}
	for _, p := range pairs {
		next := normalize(t, p)
		for _, approx := range []bool{false, true} {
			normal, _ := e.Decide(cur, next, Flags{ApproximateTime: approx, HighRisk: boolPtr(false)})
			risky, _ := e.Decide(cur, next, Flags{ApproximateTime: approx, HighRisk: boolPtr(true)})
			if rank[risky.Kind] > rank[normal.Kind] {
				t.Errorf("High risk promoted %s to %s for %+v", normal.Kind, risky.Kind, p)
			}
		}
	}
}

func TestClassify(t *testing.T) {
	th := policy.Thresholds{Update: 0.5, Merge: 0.75}
	cases := []struct {
		c     float64
		gated bool
		want  Kind
	}{
		{0.75, false, Merge},
		{0.74, false, Update},
		{0.5, false, Update},
		{0.49, false, Append},
		{0.99, true, Append},
	}
	for _, tc := range cases {
		if got := Classify(tc.c, th, tc.gated); got != tc.want {
			t.Errorf("Classify(%v, gated=%v) = %s, want %s", tc.c, tc.gated, got, tc.want)
		}
	}
}

func TestAmbiguity(t *testing.T) {
	th := policy.Thresholds{Update: 0.5, Merge: 0.75}

	if w := ambiguity(0.77, th, 0.05); w == nil || w.Boundary != "merge" {
		t.Errorf("Expected merge ambiguity, got %+v", w)
	}
	if w := ambiguity(0.52, th, 0.05); w == nil || w.Boundary != "update" {
		t.Errorf("Expected update ambiguity, got %+v", w)
	}
	if w := ambiguity(0.62, th, 0.05); w != nil {
		t.Errorf("Expected no warning, got %+v", w)
	}
	if w := ambiguity(0.76, th, 0); w != nil {
		t.Error("Expected zero margin to disable warnings")
	}
}
