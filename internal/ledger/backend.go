package ledger

import (
	"context"
	"time"
)

// Expectation is one compare-and-swap condition: the key's head must be the
// given version and still active, or the key must not exist for NoVersion.
type Expectation struct {
	Key     EntityKey
	Version int64
}

// AnyRevision disables the subject revision check of a Condition.
const AnyRevision int64 = -1

// Condition guards one Append. Heads are checked first, then the revision of
// the record's user and subject.
type Condition struct {
	Heads    []Expectation
	Revision int64
}

// Backend persists records, supersede links and tombstones. Records returned
// by a Backend carry their derived SupersededBy, ExpireAt and RetractReason.
// Implementations must be safe for concurrent use and apply each write
// atomically.
type Backend interface {
	// Head returns the latest version of key.
	Head(ctx context.Context, key EntityKey) (FactRecord, error)
	// Versions returns every version of key in ascending order.
	Versions(ctx context.Context, key EntityKey) ([]FactRecord, error)
	// Episodes lists the keys of a user's subject in creation order.
	Episodes(ctx context.Context, userID, subjectCode string) ([]EntityKey, error)
	// Revision counts the writes made to a user's subject. It is zero for an
	// unknown subject and grows by one with every Append and Retract.
	Revision(ctx context.Context, userID, subjectCode string) (int64, error)
	// Append writes rec and a link for each of rec.Supersedes once cond holds.
	Append(ctx context.Context, rec FactRecord, cond Condition) error
	// Retract writes a tombstone for the head of ref.Key if it is still ref.
	Retract(ctx context.Context, ref VersionRef, at time.Time, reason string) error
	Close() error
}

// Verify checks e against the key's current head. Backends call it inside
// their write transaction.
func Verify(e Expectation, head FactRecord, found bool) error {
	switch {
	case e.Version == NoVersion && found:
		return &ConflictError{Key: e.Key, Expected: NoVersion, Actual: head.Version, Reason: "key already exists"}
	case e.Version == NoVersion:
		return nil
	case !found:
		return &ConflictError{Key: e.Key, Expected: e.Version, Actual: NoVersion, Reason: "key does not exist"}
	case head.Version != e.Version:
		return &ConflictError{Key: e.Key, Expected: e.Version, Actual: head.Version, Reason: "head moved"}
	case head.SupersededBy != nil:
		return &ConflictError{Key: e.Key, Expected: e.Version, Actual: head.Version, Reason: "head superseded by " + head.SupersededBy.String()}
	case head.ExpireAt != nil:
		return &ConflictError{Key: e.Key, Expected: e.Version, Actual: head.Version, Reason: "head retracted"}
	}
	return nil
}

// VerifyRevision checks the subject revision a write was decided against.
func VerifyRevision(key EntityKey, expected, actual int64) error {
	if expected == AnyRevision || expected == actual {
		return nil
	}
	return &ConflictError{
		Key:      EntityKey{UserID: key.UserID, SubjectCode: key.SubjectCode},
		Expected: expected,
		Actual:   actual,
		Reason:   "subject changed since the decision",
	}
}
