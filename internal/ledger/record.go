// Package ledger is an append-only bitemporal store of clinical episodes.
//
// Records are immutable once written. Each record carries its valid time
// (when the episode happened) and its commit time (when it became known).
// Supersession and retraction are kept as separate link and tombstone rows and
// are projected onto records when they are read.
package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/felixgeelhaar/medmem/internal/clinical"
	"github.com/felixgeelhaar/medmem/internal/decide"
	"github.com/felixgeelhaar/medmem/internal/interval"
)

// NoVersion is the expected head version of a key that must not exist yet.
const NoVersion int64 = -1

// EntityKey identifies one episode of one subject for one user.
type EntityKey struct {
	UserID      string `json:"user_id"`
	SubjectCode string `json:"subject_code"`
	EpisodeID   string `json:"episode_id"`
}

const keySep = "/"

func (k EntityKey) String() string {
	return k.UserID + keySep + k.SubjectCode + keySep + k.EpisodeID
}

// ParseKey is the inverse of EntityKey.String. Subject codes may contain the
// separator; user and episode ids may not. The subject is canonicalized the
// way entries are.
func ParseKey(s string) (EntityKey, error) {
	first := strings.Index(s, keySep)
	last := strings.LastIndex(s, keySep)
	if first <= 0 || last == first || last == len(s)-1 {
		return EntityKey{}, fmt.Errorf("malformed entity key %q (want user/subject/episode)", s)
	}
	subject := clinical.CanonicalCode(s[first+1 : last])
	if subject == "" {
		return EntityKey{}, fmt.Errorf("malformed entity key %q (empty subject)", s)
	}
	return EntityKey{UserID: s[:first], SubjectCode: subject, EpisodeID: s[last+1:]}, nil
}

// VersionRef points at one version of one key.
type VersionRef struct {
	Key     EntityKey `json:"key"`
	Version int64     `json:"version"`
}

func (r VersionRef) String() string {
	return fmt.Sprintf("%s@%d", r.Key, r.Version)
}

// FactRecord is one immutable version of an episode.
type FactRecord struct {
	Key           EntityKey            `json:"entity_key"`
	Domain        clinical.Domain      `json:"domain"`
	ValidFrom     time.Time            `json:"valid_from"`
	ValidTo       *time.Time           `json:"valid_to,omitempty"`
	CommitTS      time.Time            `json:"commit_ts"`
	Version       int64                `json:"version_id"`
	Confidence    float64              `json:"confidence"`
	DecisionKind  decide.Kind          `json:"decision_kind"`
	Provenance    clinical.Provenance  `json:"provenance"`
	HighRisk      bool                 `json:"high_risk"`
	PolicyVersion string               `json:"policy_version,omitempty"`
	Payload       []clinical.Attribute `json:"payload"`
	ContentHash   string               `json:"content_hash"`
	Supersedes    []VersionRef         `json:"supersedes,omitempty"`

	// Derived on read.
	SupersededBy  *VersionRef `json:"superseded_by,omitempty"`
	ExpireAt      *time.Time  `json:"expire_at,omitempty"`
	RetractReason string      `json:"retract_reason,omitempty"`
}

// Ref returns the record's version reference.
func (r FactRecord) Ref() VersionRef {
	return VersionRef{Key: r.Key, Version: r.Version}
}

// Active reports whether the record is neither superseded nor retracted.
func (r FactRecord) Active() bool {
	return r.SupersededBy == nil && r.ExpireAt == nil
}

// Interval returns the record's valid time.
func (r FactRecord) Interval() interval.Interval {
	return interval.Interval{Start: r.ValidFrom, End: r.ValidTo}
}

// Normalized rebuilds the comparable form of the record.
func (r FactRecord) Normalized() clinical.Normalized {
	hr := r.HighRisk
	return clinical.Normalized{
		Domain:      r.Domain,
		SubjectCode: r.Key.SubjectCode,
		Interval:    r.Interval(),
		Provenance:  r.Provenance,
		HighRisk:    &hr,
		Attributes:  r.Payload,
	}
}

// Clone returns a deep copy so callers cannot alter stored state.
func (r FactRecord) Clone() FactRecord {
	c := r
	c.Payload = append([]clinical.Attribute(nil), r.Payload...)
	c.Supersedes = append([]VersionRef(nil), r.Supersedes...)
	if r.ValidTo != nil {
		v := *r.ValidTo
		c.ValidTo = &v
	}
	if r.SupersededBy != nil {
		v := *r.SupersededBy
		c.SupersededBy = &v
	}
	if r.ExpireAt != nil {
		v := *r.ExpireAt
		c.ExpireAt = &v
	}
	return c
}

// Tombstone retracts one version.
type Tombstone struct {
	Ref    VersionRef
	At     time.Time
	Reason string
}
