package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/felixgeelhaar/medmem/internal/clinical"
	"github.com/felixgeelhaar/medmem/internal/decide"
	"github.com/felixgeelhaar/medmem/internal/ledger"
	"github.com/felixgeelhaar/medmem/internal/policy"
)

func med(dose, start, end string) clinical.Entry {
	return clinical.Entry{
		SubjectCode:          "RxNorm 11111",
		MedicationAttributes: &clinical.MedicationAttributes{Dose: dose, Frequency: "qd", Route: "oral"},
		IntervalStart:        start,
		IntervalEnd:          end,
	}
}

func boolPtr(b bool) *bool { return &b }

func newService(b ledger.Backend, opts ...Option) *Service {
	return New(decide.New(policy.Default()), ledger.New(b), opts...)
}

func record(t *testing.T, s *Service, req RecordRequest) RecordResult {
	t.Helper()
	if req.UserID == "" {
		req.UserID = "u1"
	}
	res, err := s.Record(context.Background(), req)
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	return res
}

func TestService_Decide(t *testing.T) {
	s := newService(ledger.NewMemory())
	ctx := context.Background()

	t.Run("Scenario A", func(t *testing.T) {
		resp := s.Decide(ctx, DecideRequest{
			Current:         med("5 mg", "2026-01-01", "2026-01-08"),
			New:             med("5 mg", "2026-01-09", ""),
			ApproximateTime: true,
			HighRisk:        boolPtr(false),
		})
		if !resp.Success || resp.Action != "MERGE" || resp.Confidence < 0.75 {
			t.Errorf("Expected MERGE, got %+v", resp)
		}
	})

	t.Run("Scenario C", func(t *testing.T) {
		resp := s.Decide(ctx, DecideRequest{
			Current: med("5 mg", "2026-01-01", "2026-01-01"),
			New:     med("5 mg", "2026-01-31", ""),
		})
		if resp.Action != "APPEND" || resp.Confidence >= 0.5 {
			t.Errorf("Expected APPEND, got %+v", resp)
		}
	})

	t.Run("Validation", func(t *testing.T) {
		bad := med("5 mg", "2026-01-01", "")
		bad.SubjectCode = ""
		resp := s.Decide(ctx, DecideRequest{Current: med("5 mg", "2026-01-01", ""), New: bad})
		if resp.Success || resp.Field != "new.subject_code" || resp.Error == "" {
			t.Errorf("Expected validation failure, got %+v", resp)
		}
	})
}

func TestService_RecordScenarios(t *testing.T) {
	t.Run("Append Then Merge", func(t *testing.T) {
		s := newService(ledger.NewMemory())
		first := record(t, s, RecordRequest{Entry: med("5 mg", "2026-01-01", "2026-01-08")})
		if first.Decision.Kind != decide.Append || first.Record.Version != 0 {
			t.Fatalf("Expected initial APPEND, got %+v", first.Decision)
		}

		second := record(t, s, RecordRequest{Entry: med("5 mg", "2026-01-09", ""), ApproximateTime: true, HighRisk: boolPtr(false)})
		if second.Decision.Kind != decide.Merge {
			t.Fatalf("Expected MERGE, got %s %.3f", second.Decision.Kind, second.Decision.Confidence)
		}
		if second.Record.Key != first.Record.Key || second.Record.Version != 1 || second.Record.ValidTo != nil {
			t.Errorf("Expected open merged version 1 on the same key, got %+v", second.Record)
		}
	})

	t.Run("Update On Dose Change", func(t *testing.T) {
		s := newService(ledger.NewMemory())
		first := record(t, s, RecordRequest{Entry: med("5 mg", "2026-01-01", "2026-01-08")})
		res := record(t, s, RecordRequest{Entry: med("10 mg", "2026-01-01", "2026-01-08")})
		if res.Decision.Kind != decide.Update || res.Record.Key != first.Record.Key {
			t.Errorf("Expected UPDATE on existing key, got %s", res.Decision.Kind)
		}
		if dose, _ := res.Record.Normalized().Attribute(clinical.AttrDose); dose.Magnitude != 10 {
			t.Errorf("Expected new dose from equally reliable source, got %v", dose.Magnitude)
		}
	})

	t.Run("Append On Large Gap", func(t *testing.T) {
		s := newService(ledger.NewMemory())
		first := record(t, s, RecordRequest{Entry: med("5 mg", "2026-01-01", "2026-01-01")})
		res := record(t, s, RecordRequest{Entry: med("5 mg", "2026-01-31", "")})
		if res.Decision.Kind != decide.Append || res.Record.Key == first.Record.Key {
			t.Errorf("Expected new episode, got %s on %s", res.Decision.Kind, res.Record.Key)
		}
	})

	t.Run("Merge Two Episodes", func(t *testing.T) {
		s := newService(ledger.NewMemory())
		a := record(t, s, RecordRequest{Entry: med("5 mg", "2026-01-01", "2026-01-05")})
		b := record(t, s, RecordRequest{Entry: med("5 mg", "2026-01-20", "2026-01-25")})
		if b.Record.Key == a.Record.Key {
			t.Fatal("Expected two episodes")
		}

		m := record(t, s, RecordRequest{Entry: med("5 mg", "2026-01-06", "2026-01-19"), HighRisk: boolPtr(false)})
		if m.Decision.Kind != decide.Merge || len(m.Record.Supersedes) != 2 {
			t.Fatalf("Expected MERGE of both episodes, got %s %v", m.Decision.Kind, m.Record.Supersedes)
		}
		if got := m.Record.ValidTo.Format("2006-01-02"); got != "2026-01-25" {
			t.Errorf("Expected union to end 2026-01-25, got %s", got)
		}
		heads, _ := s.Ledger().ActiveHeads(context.Background(), "u1", "rxnorm 11111")
		if len(heads) != 1 {
			t.Errorf("Expected one active episode after merge, got %d", len(heads))
		}
	})

	t.Run("Idempotent", func(t *testing.T) {
		s := newService(ledger.NewMemory())
		req := RecordRequest{Entry: med("5 mg", "2026-01-01", "")}
		first := record(t, s, req)
		again := record(t, s, req)
		if !again.Deduplicated || again.Record.Key != first.Record.Key || again.Record.Version != first.Record.Version {
			t.Errorf("Expected duplicate to return existing record, got %+v", again)
		}
	})

	t.Run("Validation", func(t *testing.T) {
		s := newService(ledger.NewMemory())
		_, err := s.Record(context.Background(), RecordRequest{UserID: "u1", Entry: clinical.Entry{SubjectCode: "x"}})
		var verr *clinical.ValidationError
		if !errors.As(err, &verr) || verr.Field != "interval_start" {
			t.Errorf("Expected interval_start validation error, got %v", err)
		}
	})
}

// flaky fails the first n appends with a conflict.
type flaky struct {
	*ledger.Memory
	failures atomic.Int32
}

func (f *flaky) Append(ctx context.Context, rec ledger.FactRecord, cond ledger.Condition) error {
	if f.failures.Add(-1) >= 0 {
		return &ledger.ConflictError{Key: rec.Key, Expected: rec.Version - 1, Actual: rec.Version, Reason: "injected"}
	}
	return f.Memory.Append(ctx, rec, cond)
}

// slowEpisodes widens the gap between reading a subject and committing to it.
type slowEpisodes struct {
	ledger.Backend
}

func (s slowEpisodes) Episodes(ctx context.Context, userID, subjectCode string) ([]ledger.EntityKey, error) {
	time.Sleep(5 * time.Millisecond)
	return s.Backend.Episodes(ctx, userID, subjectCode)
}

func TestService_Retry(t *testing.T) {
	t.Run("Recovers", func(t *testing.T) {
		b := &flaky{Memory: ledger.NewMemory()}
		b.failures.Store(2)
		bus := NewEventBus()
		var conflicts atomic.Int32
		bus.Subscribe(EventConflict, func(Event) { conflicts.Add(1) })

		s := newService(b, WithEventBus(bus))
		res := record(t, s, RecordRequest{Entry: med("5 mg", "2026-01-01", "")})
		if res.Attempts != 3 || conflicts.Load() != 2 {
			t.Errorf("Expected success on third attempt after 2 conflicts, got %d attempts, %d events", res.Attempts, conflicts.Load())
		}
	})

	t.Run("Exhausted", func(t *testing.T) {
		b := &flaky{Memory: ledger.NewMemory()}
		b.failures.Store(100)
		s := newService(b)
		_, err := s.Record(context.Background(), RecordRequest{UserID: "u1", Entry: med("5 mg", "2026-01-01", "")})
		if !errors.Is(err, ErrRetriesExhausted) {
			t.Fatalf("Expected ErrRetriesExhausted, got %v", err)
		}
		if used := 100 - b.failures.Load(); used != DefaultMaxRetries+1 {
			t.Errorf("Expected %d attempts, got %d", DefaultMaxRetries+1, used)
		}
		if keys, _ := s.Ledger().Episodes(context.Background(), "u1", "rxnorm 11111"); len(keys) != 0 {
			t.Error("Expected nothing written")
		}
	})
}

func TestService_Concurrent(t *testing.T) {
	s := newService(ledger.NewMemory(), WithMaxRetries(20))
	ctx := context.Background()
	record(t, s, RecordRequest{Entry: med("1 mg", "2026-01-01", "")})

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Record(ctx, RecordRequest{UserID: "u1", Entry: med(fmt.Sprintf("%d mg", 100+i*50), "2026-01-01", "")})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Concurrent record failed: %v", err)
		}
	}

	keys, _ := s.Ledger().Episodes(ctx, "u1", "rxnorm 11111")
	total := 0
	for _, k := range keys {
		history, err := s.Ledger().History(ctx, k)
		if err != nil {
			t.Fatal(err)
		}
		for i := 1; i < len(history); i++ {
			if history[i].Version <= history[i-1].Version || history[i].CommitTS.Before(history[i-1].CommitTS) {
				t.Errorf("Non-monotonic history on %s", k)
			}
		}
		total += len(history)
	}
	if total != writers+1 {
		t.Errorf("Expected %d records, got %d", writers+1, total)
	}
}

func TestService_ConcurrentFirstRecords(t *testing.T) {
	s := newService(slowEpisodes{ledger.NewMemory()})
	ctx := context.Background()

	const writers = 4
	results := make([]RecordResult, writers)
	errs := make([]error, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = s.Record(ctx, RecordRequest{UserID: "u1", Entry: med("5 mg", "2026-01-01", "")})
		}(i)
	}
	wg.Wait()

	created := 0
	for i, err := range errs {
		if err != nil {
			t.Fatalf("Record %d failed: %v", i, err)
		}
		if !results[i].Deduplicated {
			created++
		}
	}
	if created != 1 {
		t.Errorf("Expected exactly one new episode, got %d", created)
	}
	heads, _ := s.Ledger().ActiveHeads(ctx, "u1", "rxnorm 11111")
	if len(heads) != 1 {
		t.Errorf("Expected one active episode, got %d", len(heads))
	}
	for i, res := range results {
		if res.Record.Key != heads[0].Key {
			t.Errorf("Record %d returned %s, want %s", i, res.Record.Key, heads[0].Key)
		}
	}
}

func TestService_StaleAppendRetries(t *testing.T) {
	b := ledger.NewMemory()
	ctx := context.Background()

	// A writer outside the service lands between the snapshot and the commit.
	other := ledger.New(b)
	raced := &racingEpisodes{Backend: b, race: func() {
		n, err := clinical.Normalize(med("5 mg", "2026-01-01", "2026-01-10"))
		if err != nil {
			t.Errorf("Normalize failed: %v", err)
			return
		}
		if _, err := other.Commit(ctx, ledger.CommitRequest{UserID: "u1", Decision: decide.Decision{Kind: decide.Append}, Entry: n}); err != nil {
			t.Errorf("Racing commit failed: %v", err)
		}
	}}
	s := newService(raced)

	res := record(t, s, RecordRequest{Entry: med("5 mg", "2026-01-11", "2026-01-15")})
	if res.Attempts != 2 {
		t.Errorf("Expected the raced attempt to be retried, got %d attempts", res.Attempts)
	}
	if res.Decision.Kind == decide.Append {
		t.Errorf("Expected the retry to see the raced episode, got %s", res.Decision.Kind)
	}
	if heads, _ := s.Ledger().ActiveHeads(ctx, "u1", "rxnorm 11111"); len(heads) != 1 {
		t.Errorf("Expected one active episode, got %d", len(heads))
	}
}

// racingEpisodes runs race once, right after the first episode listing.
type racingEpisodes struct {
	ledger.Backend
	once sync.Once
	race func()
}

func (r *racingEpisodes) Episodes(ctx context.Context, userID, subjectCode string) ([]ledger.EntityKey, error) {
	keys, err := r.Backend.Episodes(ctx, userID, subjectCode)
	r.once.Do(r.race)
	return keys, err
}

func TestService_Lookback(t *testing.T) {
	old := med("5 mg", "2025-01-01", "2025-01-10")
	next := med("5 mg", "2026-03-01", "")

	t.Run("Ended episodes beyond the window are skipped", func(t *testing.T) {
		s := newService(ledger.NewMemory())
		record(t, s, RecordRequest{Entry: old})
		res := record(t, s, RecordRequest{Entry: next})
		if res.Candidate != nil || res.Decision.Kind != decide.Append || res.Decision.Confidence != 0 {
			t.Errorf("Expected a candidate-free APPEND, got %s %.2f %v", res.Decision.Kind, res.Decision.Confidence, res.Candidate)
		}
	})

	t.Run("Ongoing episodes stay candidates", func(t *testing.T) {
		s := newService(ledger.NewMemory())
		first := record(t, s, RecordRequest{Entry: med("5 mg", "2025-01-01", "")})
		res := record(t, s, RecordRequest{Entry: next})
		if res.Candidate == nil || *res.Candidate != first.Record.Key {
			t.Errorf("Expected the ongoing episode as candidate, got %v", res.Candidate)
		}
	})

	t.Run("Zero disables the window", func(t *testing.T) {
		table := policy.Default()
		row := table.Domains[clinical.Medication]
		row.LookbackDays = 0
		table.Domains[clinical.Medication] = row
		s := New(decide.New(table), ledger.New(ledger.NewMemory()))
		first := record(t, s, RecordRequest{Entry: old})
		res := record(t, s, RecordRequest{Entry: next})
		if res.Candidate == nil || *res.Candidate != first.Record.Key || res.Decision.Kind != decide.Append {
			t.Errorf("Expected APPEND decided against the old episode, got %s %v", res.Decision.Kind, res.Candidate)
		}
	})
}

type stubRisk struct {
	high  bool
	err   error
	calls int
}

func (r *stubRisk) Classify(_ context.Context, _ clinical.Domain, _ string) (bool, error) {
	r.calls++
	return r.high, r.err
}

func TestService_RiskClassifier(t *testing.T) {
	ctx := context.Background()
	req := DecideRequest{
		Current:         med("5 mg", "2026-01-01", "2026-01-08"),
		New:             med("5 mg", "2026-01-07", ""),
		ApproximateTime: true,
	}

	t.Run("Raises Risk", func(t *testing.T) {
		risk := &stubRisk{high: true}
		resp := newService(ledger.NewMemory(), WithRiskClassifier(risk)).Decide(ctx, req)
		if !resp.HighRisk || resp.Action == "MERGE" {
			t.Errorf("Expected high-risk downgrade, got %+v", resp)
		}
	})

	t.Run("Explicit Flag Skips Classifier", func(t *testing.T) {
		risk := &stubRisk{high: true}
		explicit := req
		explicit.HighRisk = boolPtr(false)
		resp := newService(ledger.NewMemory(), WithRiskClassifier(risk)).Decide(ctx, explicit)
		if risk.calls != 0 || resp.Action != "MERGE" {
			t.Errorf("Expected explicit flag to win, got %+v after %d calls", resp, risk.calls)
		}
	})

	t.Run("Failure Falls Back", func(t *testing.T) {
		risk := &stubRisk{err: errors.New("plugin down")}
		resp := newService(ledger.NewMemory(), WithRiskClassifier(risk)).Decide(ctx, req)
		if !resp.Success || resp.HighRisk {
			t.Errorf("Expected fallback to policy patterns, got %+v", resp)
		}
	})
}

func TestService_Events(t *testing.T) {
	bus := NewEventBus()
	var mu sync.Mutex
	seen := map[EventType]int{}
	bus.SubscribeAll(func(e Event) {
		mu.Lock()
		seen[e.Type]++
		mu.Unlock()
	})

	s := newService(ledger.NewMemory(), WithEventBus(bus))
	req := RecordRequest{Entry: med("5 mg", "2026-01-01", "")}
	first := record(t, s, req)
	record(t, s, req)
	if _, err := s.Retract(context.Background(), first.Record.Key, "wrong patient"); err != nil {
		t.Fatalf("Retract failed: %v", err)
	}

	if seen[EventCommitted] != 1 || seen[EventDeduplicated] != 1 || seen[EventRetracted] != 1 {
		t.Errorf("Unexpected events %v", seen)
	}
}
