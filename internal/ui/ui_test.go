package ui

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/felixgeelhaar/medmem/internal/clinical"
	"github.com/felixgeelhaar/medmem/internal/decide"
	"github.com/felixgeelhaar/medmem/internal/ledger"
	"github.com/felixgeelhaar/medmem/internal/reconcile"
)

func TestImplementsInterface(t *testing.T) {
	var _ UI = SilentUI{}
	var _ UI = &Styled{}
	var _ UI = &JSON{}
}

func sampleRecords() []ledger.FactRecord {
	key := ledger.EntityKey{UserID: "u1", SubjectCode: "rxnorm 11111", EpisodeID: "ep1"}
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 7)
	expired := start.AddDate(0, 1, 0)
	next := ledger.VersionRef{Key: key, Version: 1}
	return []ledger.FactRecord{
		{
			Key: key, Version: 0, DecisionKind: decide.Append, ValidFrom: start, ValidTo: &end, CommitTS: start,
			Payload:      []clinical.Attribute{{Name: "dose", Kind: clinical.KindQuantity, Magnitude: 5, Unit: "mg"}},
			SupersededBy: &next,
		},
		{
			Key: key, Version: 1, DecisionKind: decide.Merge, ValidFrom: start, CommitTS: start.Add(time.Hour),
			ExpireAt: &expired, RetractReason: "entered in error",
		},
	}
}

func TestStyled(t *testing.T) {
	t.Run("Decision", func(t *testing.T) {
		var buf bytes.Buffer
		NewStyled(&buf).Decision(reconcile.DecideResponse{
			Success: true, Action: "MERGE", Confidence: 0.93, HighRisk: true, PolicyVersion: "2026-10-01",
			Warning: "confidence 0.930 within 0.050 of merge threshold 0.850",
		})
		out := buf.String()
		for _, want := range []string{"MERGE", "0.930", "high risk", "merge threshold", "2026-10-01"} {
			if !strings.Contains(out, want) {
				t.Errorf("output missing %q:\n%s", want, out)
			}
		}
	})

	t.Run("Invalid", func(t *testing.T) {
		var buf bytes.Buffer
		NewStyled(&buf).Decision(reconcile.DecideResponse{Error: "required", Field: "new.subject_code"})
		if !strings.Contains(buf.String(), "new.subject_code: required") {
			t.Errorf("unexpected output %q", buf.String())
		}
	})

	t.Run("Records", func(t *testing.T) {
		var buf bytes.Buffer
		NewStyled(&buf).Records("History", sampleRecords())
		out := buf.String()
		for _, want := range []string{"History", "2026-01-01..2026-01-08", "dose=5 mg", "-> u1/rxnorm 11111/ep1@1", "2026-01-01..ongoing", "retracted: entered in error"} {
			if !strings.Contains(out, want) {
				t.Errorf("output missing %q:\n%s", want, out)
			}
		}
	})

	t.Run("Empty", func(t *testing.T) {
		var buf bytes.Buffer
		NewStyled(&buf).Records("Episodes", nil)
		if !strings.Contains(buf.String(), "(none)") {
			t.Errorf("unexpected output %q", buf.String())
		}
	})

	t.Run("Recorded", func(t *testing.T) {
		var buf bytes.Buffer
		recs := sampleRecords()
		NewStyled(&buf).Recorded(reconcile.RecordResult{Record: recs[0], Deduplicated: true, Attempts: 2})
		out := buf.String()
		if !strings.Contains(out, "already recorded") || !strings.Contains(out, "@ v0") || !strings.Contains(out, "2 attempts") {
			t.Errorf("unexpected output %q", out)
		}
	})
}

func TestJSON(t *testing.T) {
	var buf bytes.Buffer
	j := NewJSON(&buf)
	j.Records("ignored", nil)

	var recs []ledger.FactRecord
	if err := json.Unmarshal(buf.Bytes(), &recs); err != nil || recs == nil || len(recs) != 0 {
		t.Errorf("expected empty JSON array, got %q", buf.String())
	}

	buf.Reset()
	j.Decision(reconcile.DecideResponse{Success: true, Action: "APPEND"})
	var resp reconcile.DecideResponse
	if err := json.Unmarshal(buf.Bytes(), &resp); err != nil || resp.Action != "APPEND" {
		t.Errorf("unexpected JSON %q", buf.String())
	}
}
