package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type subjectKey struct {
	user, subject string
}

// Memory is an in-process Backend. Records live in an append-only arena and
// are addressed by index; links and tombstones are side tables keyed by
// version reference.
type Memory struct {
	mu           sync.RWMutex
	arena        []FactRecord
	byKey        map[EntityKey][]int
	episodes     map[subjectKey][]EntityKey
	supersededBy map[VersionRef]VersionRef
	tombstones   map[VersionRef]Tombstone
	revisions    map[subjectKey]int64
}

// NewMemory returns an empty arena.
func NewMemory() *Memory {
	return &Memory{
		byKey:        make(map[EntityKey][]int),
		episodes:     make(map[subjectKey][]EntityKey),
		supersededBy: make(map[VersionRef]VersionRef),
		tombstones:   make(map[VersionRef]Tombstone),
		revisions:    make(map[subjectKey]int64),
	}
}

// decorate projects links and tombstones onto a copy of the record.
func (m *Memory) decorate(idx int) FactRecord {
	rec := m.arena[idx].Clone()
	if by, ok := m.supersededBy[rec.Ref()]; ok {
		rec.SupersededBy = &by
	}
	if ts, ok := m.tombstones[rec.Ref()]; ok {
		at := ts.At
		rec.ExpireAt = &at
		rec.RetractReason = ts.Reason
	}
	return rec
}

func (m *Memory) head(key EntityKey) (FactRecord, bool) {
	idx := m.byKey[key]
	if len(idx) == 0 {
		return FactRecord{}, false
	}
	return m.decorate(idx[len(idx)-1]), true
}

func (m *Memory) Head(_ context.Context, key EntityKey) (FactRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.head(key)
	if !ok {
		return FactRecord{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return rec, nil
}

func (m *Memory) Versions(_ context.Context, key EntityKey) ([]FactRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx := m.byKey[key]
	if len(idx) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	out := make([]FactRecord, 0, len(idx))
	for _, i := range idx {
		out = append(out, m.decorate(i))
	}
	return out, nil
}

func (m *Memory) Episodes(_ context.Context, userID, subjectCode string) ([]EntityKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]EntityKey(nil), m.episodes[subjectKey{userID, subjectCode}]...), nil
}

func (m *Memory) Revision(_ context.Context, userID, subjectCode string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.revisions[subjectKey{userID, subjectCode}], nil
}

func (m *Memory) Append(_ context.Context, rec FactRecord, cond Condition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range cond.Heads {
		head, ok := m.head(e.Key)
		if err := Verify(e, head, ok); err != nil {
			return err
		}
	}
	sk := subjectKey{rec.Key.UserID, rec.Key.SubjectCode}
	if err := VerifyRevision(rec.Key, cond.Revision, m.revisions[sk]); err != nil {
		return err
	}
	if head, ok := m.head(rec.Key); ok && rec.Version <= head.Version {
		return &ConflictError{Key: rec.Key, Expected: head.Version + 1, Actual: rec.Version, Reason: "version must increase"}
	}

	rec = rec.Clone()
	rec.SupersededBy, rec.ExpireAt, rec.RetractReason = nil, nil, ""
	m.arena = append(m.arena, rec)
	if len(m.byKey[rec.Key]) == 0 {
		m.episodes[sk] = append(m.episodes[sk], rec.Key)
	}
	m.byKey[rec.Key] = append(m.byKey[rec.Key], len(m.arena)-1)
	for _, ref := range rec.Supersedes {
		m.supersededBy[ref] = rec.Ref()
	}
	m.revisions[sk]++
	return nil
}

func (m *Memory) Retract(_ context.Context, ref VersionRef, at time.Time, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	head, ok := m.head(ref.Key)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, ref.Key)
	}
	if err := Verify(Expectation{Key: ref.Key, Version: ref.Version}, head, true); err != nil {
		return err
	}
	m.tombstones[ref] = Tombstone{Ref: ref, At: at, Reason: reason}
	m.revisions[subjectKey{ref.Key.UserID, ref.Key.SubjectCode}]++
	return nil
}

func (m *Memory) Close() error {
	return nil
}
