// Package reconcile runs the decision pipeline end to end: normalize the
// incoming entry, compare it with the user's active episodes, classify and
// commit to the ledger with optimistic concurrency.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/felixgeelhaar/medmem/internal/clinical"
	"github.com/felixgeelhaar/medmem/internal/decide"
	"github.com/felixgeelhaar/medmem/internal/ledger"
	"github.com/felixgeelhaar/medmem/internal/observe"
)

// DefaultMaxRetries bounds how often a conflicting commit re-runs the
// decision.
const DefaultMaxRetries = 3

// ErrRetriesExhausted is returned when every attempt lost a commit race.
var ErrRetriesExhausted = errors.New("reconcile: retries exhausted")

// RiskClassifier is an external source of high-risk classification.
type RiskClassifier interface {
	Classify(ctx context.Context, domain clinical.Domain, subjectCode string) (bool, error)
}

// Service wires the decision engine to a ledger.
type Service struct {
	engine     *decide.Engine
	ledger     *ledger.Ledger
	obs        *observe.Observer
	bus        *EventBus
	risk       RiskClassifier
	maxRetries int
}

// Option configures a Service.
type Option func(*Service)

func WithObserver(o *observe.Observer) Option {
	return func(s *Service) { s.obs = o }
}

func WithEventBus(b *EventBus) Option {
	return func(s *Service) { s.bus = b }
}

func WithRiskClassifier(r RiskClassifier) Option {
	return func(s *Service) { s.risk = r }
}

func WithMaxRetries(n int) Option {
	return func(s *Service) { s.maxRetries = n }
}

// New creates a Service.
func New(engine *decide.Engine, l *ledger.Ledger, opts ...Option) *Service {
	s := &Service{
		engine:     engine,
		ledger:     l,
		obs:        observe.Discard(),
		maxRetries: DefaultMaxRetries,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ledger exposes the underlying ledger for queries.
func (s *Service) Ledger() *ledger.Ledger {
	return s.ledger
}

// Events returns the service's event bus, which may be nil.
func (s *Service) Events() *EventBus {
	return s.bus
}

// Decide classifies req.New against req.Current. Validation failures are
// reported in the response rather than as an error.
func (s *Service) Decide(ctx context.Context, req DecideRequest) DecideResponse {
	cur, err := clinical.Normalize(req.Current)
	if err != nil {
		return failure("current", err)
	}
	next, err := clinical.Normalize(req.New)
	if err != nil {
		return failure("new", err)
	}

	flags := decide.Flags{ApproximateTime: req.ApproximateTime, HighRisk: req.HighRisk, ToleranceDays: req.ToleranceDays}
	flags.HighRisk = s.classifyRisk(ctx, next, flags.HighRisk)

	d, err := s.engine.Decide(cur, next, flags)
	if err != nil {
		return DecideResponse{Success: false, Error: err.Error()}
	}
	s.obs.Log().Debug().
		Str("subject", next.SubjectCode).
		Str("action", string(d.Kind)).
		Str("confidence", formatScore(d.Confidence)).
		Msg("decision")
	s.bus.Publish(Event{Type: EventDecided, Data: map[string]any{
		"subject":    next.SubjectCode,
		"action":     string(d.Kind),
		"confidence": d.Confidence,
	}})
	return responseFrom(d)
}

func failure(side string, err error) DecideResponse {
	resp := DecideResponse{Success: false, Error: err.Error()}
	var verr *clinical.ValidationError
	if errors.As(err, &verr) {
		resp.Field = side + "." + verr.Field
	}
	return resp
}

// Record reconciles req.Entry against the user's active episodes of the same
// subject and commits the outcome. A lost commit race re-reads the heads and
// re-runs the whole decision.
func (s *Service) Record(ctx context.Context, req RecordRequest) (RecordResult, error) {
	if req.UserID == "" {
		return RecordResult{}, &clinical.ValidationError{Field: "user_id", Reason: "required"}
	}
	n, err := clinical.Normalize(req.Entry)
	if err != nil {
		return RecordResult{}, err
	}

	ctx, span := s.obs.StartSpan(ctx, "reconcile.record",
		attribute.String("user_id", req.UserID),
		attribute.String("subject", n.SubjectCode),
		attribute.String("domain", string(n.Domain)),
	)
	defer span.End()

	flags := decide.Flags{ApproximateTime: req.ApproximateTime, HighRisk: req.HighRisk, ToleranceDays: req.ToleranceDays}
	flags.HighRisk = s.classifyRisk(ctx, n, flags.HighRisk)

	for attempt := 1; attempt <= s.maxRetries+1; attempt++ {
		res, err := s.attempt(ctx, req.UserID, n, flags)
		if err == nil {
			res.Attempts = attempt
			span.SetAttributes(
				attribute.String("action", string(res.Decision.Kind)),
				attribute.Float64("confidence", res.Decision.Confidence),
				attribute.Int("attempts", attempt),
			)
			s.published(req.UserID, res)
			return res, nil
		}
		if !errors.Is(err, ledger.ErrConflict) {
			observe.Fail(span, err)
			s.obs.Log().Error().Err(err).Str("user", req.UserID).Str("subject", n.SubjectCode).Msg("record failed")
			return RecordResult{}, err
		}
		s.obs.Log().Warn().Err(err).Int("attempt", attempt).Str("subject", n.SubjectCode).Msg("commit conflict, retrying decision")
		s.bus.Publish(Event{Type: EventConflict, UserID: req.UserID, Data: map[string]any{"attempt": attempt, "error": err.Error()}})
	}

	err = fmt.Errorf("%w after %d attempts for %s/%s", ErrRetriesExhausted, s.maxRetries+1, req.UserID, n.SubjectCode)
	observe.Fail(span, err)
	s.obs.Log().Error().Err(err).Msg("record failed")
	s.bus.Publish(Event{Type: EventRetriesExhausted, UserID: req.UserID})
	return RecordResult{}, err
}

// attempt makes one decision against a fresh snapshot and tries to commit
// it. The commit is conditional on the snapshot revision, so a write to the
// same subject in the meantime fails the attempt.
func (s *Service) attempt(ctx context.Context, userID string, n clinical.Normalized, flags decide.Flags) (RecordResult, error) {
	snap, err := s.ledger.Snapshot(ctx, userID, n.SubjectCode)
	if err != nil {
		return RecordResult{}, fmt.Errorf("failed to read active episodes: %w", err)
	}
	heads := s.withinLookback(n, snap.Heads)

	type candidate struct {
		head     ledger.FactRecord
		decision decide.Decision
	}
	var ranked []candidate
	for _, h := range heads {
		d, err := s.engine.Decide(h.Normalized(), n, flags)
		if err != nil {
			return RecordResult{}, fmt.Errorf("failed to decide against %s: %w", h.Key, err)
		}
		ranked = append(ranked, candidate{head: h, decision: d})
	}

	req := ledger.CommitRequest{UserID: userID, Entry: n, Revision: &snap.Revision}
	var best, peer *candidate
	for i := range ranked {
		c := &ranked[i]
		if best == nil || c.decision.Confidence > best.decision.Confidence {
			best = c
		}
	}

	if best == nil {
		req.Decision = decide.Decision{
			Kind:          decide.Append,
			HighRisk:      s.engine.HighRisk(n, n, flags),
			PolicyVersion: s.engine.Table().Version,
		}
	} else {
		req.Decision = best.decision
		req.Current = &best.head
		if best.decision.Kind == decide.Merge {
			for i := range ranked {
				c := &ranked[i]
				if c == best || c.decision.Kind != decide.Merge {
					continue
				}
				if peer == nil || c.decision.Confidence > peer.decision.Confidence {
					peer = c
				}
			}
			if peer != nil {
				req.Peer = &peer.head
			}
		}
		if req.Decision.Kind == decide.Append {
			req.Current = nil
		}
	}

	committed, err := s.ledger.Commit(ctx, req)
	if err != nil {
		return RecordResult{}, err
	}
	res := RecordResult{Record: committed.Record, Decision: req.Decision, Deduplicated: committed.Deduplicated}
	if best != nil {
		k := best.head.Key
		res.Candidate = &k
	}
	return res, nil
}

// withinLookback drops episodes that ended more than the domain's lookback
// before the new entry starts. Ongoing episodes are always candidates.
func (s *Service) withinLookback(n clinical.Normalized, heads []ledger.FactRecord) []ledger.FactRecord {
	p, err := s.engine.Table().Domain(n.Domain)
	if err != nil || p.LookbackDays <= 0 {
		return heads
	}
	cutoff := n.Interval.Start.Add(-time.Duration(p.LookbackDays * 24 * float64(time.Hour)))
	var out []ledger.FactRecord
	for _, h := range heads {
		if h.ValidTo != nil && h.ValidTo.Before(cutoff) {
			continue
		}
		out = append(out, h)
	}
	return out
}

func (s *Service) published(userID string, res RecordResult) {
	key := res.Record.Key.String()
	if res.Deduplicated {
		s.obs.Log().Info().Str("key", key).Msg("duplicate entry, existing record returned")
		s.bus.Publish(Event{Type: EventDeduplicated, UserID: userID, Key: key})
		return
	}
	s.obs.Log().Info().
		Str("key", key).
		Str("action", string(res.Decision.Kind)).
		Str("confidence", formatScore(res.Decision.Confidence)).
		Int("version", int(res.Record.Version)).
		Msg("fact committed")
	s.bus.Publish(Event{Type: EventCommitted, UserID: userID, Key: key, Data: map[string]any{
		"action":     string(res.Decision.Kind),
		"confidence": res.Decision.Confidence,
		"version":    res.Record.Version,
	}})
	if w := res.Decision.Warning; w != nil {
		s.obs.Log().Warn().Str("key", key).Str("boundary", w.Boundary).Msg(w.String())
		s.bus.Publish(Event{Type: EventAmbiguous, UserID: userID, Key: key, Data: map[string]any{
			"boundary":  w.Boundary,
			"threshold": w.Threshold,
			"distance":  w.Distance,
		}})
	}
}

// Retract expires the head of key.
func (s *Service) Retract(ctx context.Context, key ledger.EntityKey, reason string) (ledger.FactRecord, error) {
	ctx, span := s.obs.StartSpan(ctx, "reconcile.retract", attribute.String("key", key.String()))
	defer span.End()

	rec, err := s.ledger.Retract(ctx, key, reason)
	if err != nil {
		observe.Fail(span, err)
		return ledger.FactRecord{}, err
	}
	s.obs.Log().Info().Str("key", key.String()).Str("reason", reason).Msg("episode retracted")
	s.bus.Publish(Event{Type: EventRetracted, UserID: key.UserID, Key: key.String(), Data: map[string]any{"reason": reason}})
	return rec, nil
}

// classifyRisk consults the external classifier when the caller left the risk
// open. A classifier failure falls back to the policy patterns.
func (s *Service) classifyRisk(ctx context.Context, n clinical.Normalized, explicit *bool) *bool {
	if explicit != nil || s.risk == nil {
		return explicit
	}
	high, err := s.risk.Classify(ctx, n.Domain, n.SubjectCode)
	if err != nil {
		s.obs.Log().Warn().Err(err).Str("subject", n.SubjectCode).Msg("risk classifier failed, using policy patterns")
		return nil
	}
	if high {
		return &high
	}
	return nil
}

func formatScore(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}
