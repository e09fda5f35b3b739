package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/medmem/internal/clinical"
	"github.com/felixgeelhaar/medmem/internal/decide"
	"github.com/felixgeelhaar/medmem/internal/interval"
)

// Ledger applies decisions to a Backend and answers bitemporal queries.
type Ledger struct {
	backend Backend
	now     func() time.Time
	newID   func() string
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock replaces the system clock used for commit timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithIDGenerator replaces the episode id generator.
func WithIDGenerator(gen func() string) Option {
	return func(l *Ledger) { l.newID = gen }
}

// New wraps a backend.
func New(b Backend, opts ...Option) *Ledger {
	l := &Ledger{
		backend: b,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Backend returns the underlying store.
func (l *Ledger) Backend() Backend {
	return l.backend
}

// CommitRequest carries a decision and the heads it was made against.
// Current is required for UPDATE and MERGE; Peer is the optional second
// contributor of a MERGE. Revision is the subject revision the heads were
// read at; when nil, Commit reads it before its duplicate check.
type CommitRequest struct {
	UserID   string
	Decision decide.Decision
	Entry    clinical.Normalized
	Current  *FactRecord
	Peer     *FactRecord
	Revision *int64
}

// Snapshot is the set of active heads of a user's subject together with the
// revision it was read at.
type Snapshot struct {
	Revision int64
	Heads    []FactRecord
}

// Committed is the outcome of Commit.
type Committed struct {
	Record       FactRecord `json:"record"`
	Deduplicated bool       `json:"deduplicated"`
}

// Commit writes the version implied by the decision. The write is a
// compare-and-swap on every head the decision read and on the subject
// revision; a stale read fails with a *ConflictError and nothing is written.
func (l *Ledger) Commit(ctx context.Context, req CommitRequest) (Committed, error) {
	if req.UserID == "" {
		return Committed{}, errors.New("user id is required")
	}
	kind := req.Decision.Kind
	if !kind.Valid() {
		return Committed{}, fmt.Errorf("unknown decision kind %q", kind)
	}
	if kind != decide.Append && req.Current == nil {
		return Committed{}, fmt.Errorf("%s requires a current record", kind)
	}

	var revision int64
	if req.Revision != nil {
		revision = *req.Revision
	} else {
		rev, err := l.backend.Revision(ctx, req.UserID, req.Entry.SubjectCode)
		if err != nil {
			return Committed{}, fmt.Errorf("failed to read revision: %w", err)
		}
		revision = rev
	}

	if existing, ok, err := l.duplicate(ctx, req.UserID, req.Entry); err != nil {
		return Committed{}, err
	} else if ok {
		return Committed{Record: existing, Deduplicated: true}, nil
	}

	rec := FactRecord{
		Domain:        req.Entry.Domain,
		Confidence:    req.Decision.Confidence,
		DecisionKind:  kind,
		HighRisk:      req.Decision.HighRisk,
		PolicyVersion: req.Decision.PolicyVersion,
		ContentHash:   req.Entry.ContentHash(),
	}
	var expect []Expectation
	commitTS := l.now().UTC()

	switch kind {
	case decide.Append:
		rec.Key = EntityKey{UserID: req.UserID, SubjectCode: req.Entry.SubjectCode, EpisodeID: l.newID()}
		rec.Version = 0
		rec.ValidFrom = req.Entry.Interval.Start
		rec.ValidTo = req.Entry.Interval.End
		rec.Provenance = req.Entry.Provenance
		rec.Payload = append([]clinical.Attribute(nil), req.Entry.Attributes...)
		expect = []Expectation{{Key: rec.Key, Version: NoVersion}}

	case decide.Update:
		cur := req.Current
		rec.Key = cur.Key
		rec.Version = cur.Version + 1
		rec.ValidFrom = cur.ValidFrom
		rec.ValidTo = cur.ValidTo
		if end := req.Entry.Interval.End; end != nil && !end.Before(cur.ValidFrom) {
			rec.ValidTo = end
		}
		rec.Payload, rec.Provenance = Survive(cur.Payload, cur.Provenance, req.Entry.Attributes, req.Entry.Provenance)
		rec.Supersedes = []VersionRef{cur.Ref()}
		expect = []Expectation{{Key: cur.Key, Version: cur.Version}}
		commitTS = latest(commitTS, cur.CommitTS)

	case decide.Merge:
		cur := req.Current
		iv := interval.Union(cur.Interval(), req.Entry.Interval)
		payload, prov := cur.Payload, cur.Provenance
		version := cur.Version
		rec.Supersedes = []VersionRef{cur.Ref()}
		expect = []Expectation{{Key: cur.Key, Version: cur.Version}}
		commitTS = latest(commitTS, cur.CommitTS)

		if peer := req.Peer; peer != nil {
			if peer.Key == cur.Key {
				return Committed{}, errors.New("merge peer must be a different episode")
			}
			iv = interval.Union(iv, peer.Interval())
			payload, prov = Survive(payload, prov, peer.Payload, peer.Provenance)
			if peer.Version > version {
				version = peer.Version
			}
			rec.Supersedes = append(rec.Supersedes, peer.Ref())
			expect = append(expect, Expectation{Key: peer.Key, Version: peer.Version})
			commitTS = latest(commitTS, peer.CommitTS)
		}

		rec.Key = cur.Key
		rec.Version = version + 1
		rec.ValidFrom = iv.Start
		rec.ValidTo = iv.End
		rec.Payload, rec.Provenance = Survive(payload, prov, req.Entry.Attributes, req.Entry.Provenance)
	}
	rec.CommitTS = commitTS

	if err := l.backend.Append(ctx, rec, Condition{Heads: expect, Revision: revision}); err != nil {
		return Committed{}, fmt.Errorf("failed to commit %s on %s: %w", kind, rec.Key, err)
	}
	return Committed{Record: rec}, nil
}

// duplicate finds an active head of the same user and subject with identical
// content.
func (l *Ledger) duplicate(ctx context.Context, userID string, n clinical.Normalized) (FactRecord, bool, error) {
	heads, err := l.ActiveHeads(ctx, userID, n.SubjectCode)
	if err != nil {
		return FactRecord{}, false, err
	}
	hash := n.ContentHash()
	for _, h := range heads {
		if h.ContentHash == hash {
			return h, true, nil
		}
	}
	return FactRecord{}, false, nil
}

// Survive enriches base with the attributes of next. A value from a less
// reliable source never replaces one from a more reliable source; missing
// attributes are always filled. The result carries the stronger provenance.
func Survive(base []clinical.Attribute, baseProv clinical.Provenance, next []clinical.Attribute, nextProv clinical.Provenance) ([]clinical.Attribute, clinical.Provenance) {
	overwrite := nextProv.Reliability() >= baseProv.Reliability()
	out := append([]clinical.Attribute(nil), base...)
	for _, a := range next {
		replaced := false
		for i := range out {
			if out[i].Name == a.Name {
				if overwrite {
					out[i] = a
				}
				replaced = true
				break
			}
		}
		if !replaced {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	if overwrite {
		return out, nextProv
	}
	return out, baseProv
}

func latest(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

// History returns every version of key, oldest first.
func (l *Ledger) History(ctx context.Context, key EntityKey) ([]FactRecord, error) {
	return l.backend.Versions(ctx, key)
}

// Head returns the latest version of key.
func (l *Ledger) Head(ctx context.Context, key EntityKey) (FactRecord, error) {
	return l.backend.Head(ctx, key)
}

// Episodes lists all keys of a user's subject.
func (l *Ledger) Episodes(ctx context.Context, userID, subjectCode string) ([]EntityKey, error) {
	return l.backend.Episodes(ctx, userID, clinical.CanonicalCode(subjectCode))
}

// Snapshot reads the subject revision and then its active heads. A write
// that lands in between bumps the revision past the snapshot, so a commit
// decided on it conflicts.
func (l *Ledger) Snapshot(ctx context.Context, userID, subjectCode string) (Snapshot, error) {
	rev, err := l.backend.Revision(ctx, userID, clinical.CanonicalCode(subjectCode))
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to read revision: %w", err)
	}
	heads, err := l.ActiveHeads(ctx, userID, subjectCode)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Revision: rev, Heads: heads}, nil
}

// ActiveHeads returns the heads of a user's subject that are neither
// superseded nor retracted.
func (l *Ledger) ActiveHeads(ctx context.Context, userID, subjectCode string) ([]FactRecord, error) {
	keys, err := l.Episodes(ctx, userID, subjectCode)
	if err != nil {
		return nil, fmt.Errorf("failed to list episodes: %w", err)
	}
	var heads []FactRecord
	for _, k := range keys {
		h, err := l.backend.Head(ctx, k)
		if err != nil {
			return nil, fmt.Errorf("failed to read head of %s: %w", k, err)
		}
		if h.Active() {
			heads = append(heads, h)
		}
	}
	return heads, nil
}

// AsOfSystem returns the version that was the head of key at system time t.
// A key merged into another episode by then has no head of its own.
func (l *Ledger) AsOfSystem(ctx context.Context, key EntityKey, t time.Time) (FactRecord, error) {
	versions, err := l.backend.Versions(ctx, key)
	if err != nil {
		return FactRecord{}, err
	}
	return l.headAt(ctx, key, versions, t)
}

// AsOfValid returns the current version of key if its valid interval
// contains v.
func (l *Ledger) AsOfValid(ctx context.Context, key EntityKey, v time.Time) (FactRecord, error) {
	versions, err := l.backend.Versions(ctx, key)
	if err != nil {
		return FactRecord{}, err
	}
	head := versions[len(versions)-1]
	if head.ExpireAt != nil {
		return FactRecord{}, fmt.Errorf("%w: %s retracted", ErrNotFound, key)
	}
	if head.SupersededBy != nil {
		return FactRecord{}, fmt.Errorf("%w: %s merged into %s", ErrNotFound, key, head.SupersededBy)
	}
	return validAt(key, head, v)
}

// AsOf answers "what did we believe at system time t about valid time v".
func (l *Ledger) AsOf(ctx context.Context, key EntityKey, t, v time.Time) (FactRecord, error) {
	versions, err := l.backend.Versions(ctx, key)
	if err != nil {
		return FactRecord{}, err
	}
	rec, err := l.headAt(ctx, key, versions, t)
	if err != nil {
		return FactRecord{}, err
	}
	return validAt(key, rec, v)
}

// headAt picks the latest version committed at or before t, unless it had
// already been retracted or merged into another episode by then.
func (l *Ledger) headAt(ctx context.Context, key EntityKey, versions []FactRecord, t time.Time) (FactRecord, error) {
	for i := len(versions) - 1; i >= 0; i-- {
		rec := versions[i]
		if rec.CommitTS.After(t) {
			continue
		}
		if rec.ExpireAt != nil && !rec.ExpireAt.After(t) {
			return FactRecord{}, fmt.Errorf("%w: %s retracted at %s", ErrNotFound, key, rec.ExpireAt.Format(time.RFC3339))
		}
		if by := rec.SupersededBy; by != nil && by.Key != key {
			at, err := l.committedAt(ctx, *by)
			if err != nil {
				return FactRecord{}, err
			}
			if !at.After(t) {
				return FactRecord{}, fmt.Errorf("%w: %s merged into %s at %s", ErrNotFound, key, by, at.Format(time.RFC3339))
			}
		}
		return rec, nil
	}
	return FactRecord{}, fmt.Errorf("%w: %s unknown at %s", ErrNotFound, key, t.Format(time.RFC3339))
}

// committedAt returns the commit time of one version.
func (l *Ledger) committedAt(ctx context.Context, ref VersionRef) (time.Time, error) {
	versions, err := l.backend.Versions(ctx, ref.Key)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read %s: %w", ref, err)
	}
	for _, v := range versions {
		if v.Version == ref.Version {
			return v.CommitTS, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %s", ErrNotFound, ref)
}

func validAt(key EntityKey, rec FactRecord, v time.Time) (FactRecord, error) {
	if rec.Interval().Contains(interval.Interval{Start: v, End: &v}) {
		return rec, nil
	}
	return FactRecord{}, fmt.Errorf("%w: %s not valid at %s", ErrNotFound, key, v.Format(time.RFC3339))
}

// Retract expires the head of key. The record stays in the audit trail.
func (l *Ledger) Retract(ctx context.Context, key EntityKey, reason string) (FactRecord, error) {
	head, err := l.backend.Head(ctx, key)
	if err != nil {
		return FactRecord{}, err
	}
	at := latest(l.now().UTC(), head.CommitTS)
	if err := l.backend.Retract(ctx, head.Ref(), at, reason); err != nil {
		return FactRecord{}, fmt.Errorf("failed to retract %s: %w", key, err)
	}
	return l.backend.Head(ctx, key)
}

// Close releases the backend.
func (l *Ledger) Close() error {
	return l.backend.Close()
}
