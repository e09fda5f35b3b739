package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/felixgeelhaar/medmem/internal/ledger"
	"github.com/felixgeelhaar/medmem/internal/seal"
)

// Key prefixes. Parts are separated by 0x1f so subject codes may contain
// any printable character.
const (
	sep           = "\x1f"
	prefixFact    = "f"
	prefixLink    = "l"
	prefixRetr    = "r"
	prefixEpisode = "e"
	prefixConfig  = "c"
	prefixSubject = "s"
)

// BadgerStore keeps the ledger in an embedded Badger key/value store.
type BadgerStore struct {
	db      *badger.DB
	sealer  *seal.Sealer
	writeMu sync.Mutex
}

// BadgerOptions configures NewBadgerStore.
type BadgerOptions struct {
	DataDir    string
	InMemory   bool
	SyncWrites bool
	Sealer     *seal.Sealer
}

// NewBadgerStore opens the store. InMemory is meant for tests.
func NewBadgerStore(opts BadgerOptions) (*BadgerStore, error) {
	badgerOpts := badger.DefaultOptions(opts.DataDir)
	if opts.InMemory {
		badgerOpts = badgerOpts.WithInMemory(true)
	}
	if opts.SyncWrites {
		badgerOpts = badgerOpts.WithSyncWrites(true)
	}
	badgerOpts = badgerOpts.
		WithLogger(nil).
		WithMemTableSize(16 << 20).
		WithValueLogFileSize(64 << 20).
		WithNumMemtables(2).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}
	return &BadgerStore{db: db, sealer: opts.Sealer}, nil
}

func (b *BadgerStore) Close() error {
	return b.db.Close()
}

func keyPrefix(kind string, k ledger.EntityKey) string {
	return kind + sep + k.UserID + sep + k.SubjectCode + sep + k.EpisodeID + sep
}

func versionKey(kind string, ref ledger.VersionRef) []byte {
	return []byte(fmt.Sprintf("%s%020d", keyPrefix(kind, ref.Key), ref.Version))
}

func episodeKey(k ledger.EntityKey, created time.Time) []byte {
	return []byte(fmt.Sprintf("%s%s%s%s%s%s%020d%s%s", prefixEpisode, sep, k.UserID, sep, k.SubjectCode, sep, created.UnixNano(), sep, k.EpisodeID))
}

func subjectKey(userID, subjectCode string) []byte {
	return []byte(prefixSubject + sep + userID + sep + subjectCode)
}

type badgerRow struct {
	Record  ledger.FactRecord `json:"record"`
	Payload string            `json:"payload"`
}

type badgerTombstone struct {
	At     time.Time `json:"at"`
	Reason string    `json:"reason"`
}

// Configuration Implementation

func (b *BadgerStore) SetConfig(key, value string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(prefixConfig+sep+key), []byte(value))
	})
}

// GetConfig returns an empty string for unknown keys.
func (b *BadgerStore) GetConfig(key string) (string, error) {
	var value string
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixConfig + sep + key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			value = string(val)
			return nil
		})
	})
	return value, err
}

// Ledger Implementation

func (b *BadgerStore) decode(item *badger.Item) (ledger.FactRecord, error) {
	var row badgerRow
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &row)
	}); err != nil {
		return ledger.FactRecord{}, fmt.Errorf("failed to decode fact: %w", err)
	}
	rec := row.Record
	plain, err := b.sealer.Open(row.Payload, payloadAAD(rec.Ref()))
	if err != nil {
		return ledger.FactRecord{}, fmt.Errorf("failed to open payload of %s: %w", rec.Ref(), err)
	}
	if err := json.Unmarshal(plain, &rec.Payload); err != nil {
		return ledger.FactRecord{}, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	return rec, nil
}

func (b *BadgerStore) decorate(txn *badger.Txn, rec *ledger.FactRecord) error {
	item, err := txn.Get(versionKey(prefixLink, rec.Ref()))
	switch {
	case err == nil:
		var by ledger.VersionRef
		if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &by) }); err != nil {
			return fmt.Errorf("failed to decode link: %w", err)
		}
		rec.SupersededBy = &by
	case !errors.Is(err, badger.ErrKeyNotFound):
		return err
	}

	item, err = txn.Get(versionKey(prefixRetr, rec.Ref()))
	switch {
	case err == nil:
		var ts badgerTombstone
		if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &ts) }); err != nil {
			return fmt.Errorf("failed to decode tombstone: %w", err)
		}
		at := ts.At.UTC()
		rec.ExpireAt = &at
		rec.RetractReason = ts.Reason
	case !errors.Is(err, badger.ErrKeyNotFound):
		return err
	}
	return nil
}

func (b *BadgerStore) head(txn *badger.Txn, key ledger.EntityKey) (ledger.FactRecord, bool, error) {
	prefix := []byte(keyPrefix(prefixFact, key))
	opts := badger.DefaultIteratorOptions
	opts.Reverse = true
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	it.Seek(append(append([]byte{}, prefix...), 0xff))
	if !it.ValidForPrefix(prefix) {
		return ledger.FactRecord{}, false, nil
	}
	rec, err := b.decode(it.Item())
	if err != nil {
		return ledger.FactRecord{}, false, err
	}
	if err := b.decorate(txn, &rec); err != nil {
		return ledger.FactRecord{}, false, err
	}
	return rec, true, nil
}

func (b *BadgerStore) Head(_ context.Context, key ledger.EntityKey) (ledger.FactRecord, error) {
	var rec ledger.FactRecord
	var found bool
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		rec, found, err = b.head(txn, key)
		return err
	})
	if err != nil {
		return ledger.FactRecord{}, fmt.Errorf("failed to read head: %w", err)
	}
	if !found {
		return ledger.FactRecord{}, fmt.Errorf("%w: %s", ledger.ErrNotFound, key)
	}
	return rec, nil
}

func (b *BadgerStore) Versions(_ context.Context, key ledger.EntityKey) ([]ledger.FactRecord, error) {
	var out []ledger.FactRecord
	err := b.db.View(func(txn *badger.Txn) error {
		prefix := []byte(keyPrefix(prefixFact, key))
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			rec, err := b.decode(it.Item())
			if err != nil {
				return err
			}
			if err := b.decorate(txn, &rec); err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s", ledger.ErrNotFound, key)
	}
	return out, nil
}

func (b *BadgerStore) Episodes(_ context.Context, userID, subjectCode string) ([]ledger.EntityKey, error) {
	var keys []ledger.EntityKey
	err := b.db.View(func(txn *badger.Txn) error {
		prefix := []byte(prefixEpisode + sep + userID + sep + subjectCode + sep)
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			k := string(it.Item().Key())
			episode := k[strings.LastIndex(k, sep)+1:]
			keys = append(keys, ledger.EntityKey{UserID: userID, SubjectCode: subjectCode, EpisodeID: episode})
		}
		return nil
	})
	return keys, err
}

func revisionIn(txn *badger.Txn, userID, subjectCode string) (int64, error) {
	item, err := txn.Get(subjectKey(userID, subjectCode))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var rev int64
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("corrupt revision for %s/%s", userID, subjectCode)
		}
		rev = int64(binary.BigEndian.Uint64(val))
		return nil
	})
	return rev, err
}

func bumpRevisionIn(txn *badger.Txn, userID, subjectCode string, current int64) error {
	val := make([]byte, 8)
	binary.BigEndian.PutUint64(val, uint64(current+1))
	return txn.Set(subjectKey(userID, subjectCode), val)
}

func (b *BadgerStore) Revision(_ context.Context, userID, subjectCode string) (int64, error) {
	var rev int64
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		rev, err = revisionIn(txn, userID, subjectCode)
		return err
	})
	return rev, err
}

func (b *BadgerStore) Append(_ context.Context, rec ledger.FactRecord, cond ledger.Condition) error {
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	sealed, err := b.sealer.Seal(payload, payloadAAD(rec.Ref()))
	if err != nil {
		return fmt.Errorf("failed to seal payload: %w", err)
	}
	stored := rec.Clone()
	stored.Payload = nil
	stored.SupersededBy, stored.ExpireAt, stored.RetractReason = nil, nil, ""
	data, err := json.Marshal(badgerRow{Record: stored, Payload: sealed})
	if err != nil {
		return fmt.Errorf("failed to marshal fact: %w", err)
	}
	by, err := json.Marshal(rec.Ref())
	if err != nil {
		return err
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	err = b.db.Update(func(txn *badger.Txn) error {
		for _, e := range cond.Heads {
			head, ok, err := b.head(txn, e.Key)
			if err != nil {
				return err
			}
			if err := ledger.Verify(e, head, ok); err != nil {
				return err
			}
		}
		rev, err := revisionIn(txn, rec.Key.UserID, rec.Key.SubjectCode)
		if err != nil {
			return err
		}
		if err := ledger.VerifyRevision(rec.Key, cond.Revision, rev); err != nil {
			return err
		}

		key := versionKey(prefixFact, rec.Ref())
		if _, err := txn.Get(key); err == nil {
			return &ledger.ConflictError{Key: rec.Key, Expected: rec.Version - 1, Actual: rec.Version, Reason: "version already written"}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(key, data); err != nil {
			return err
		}
		if rec.Version == 0 {
			if err := txn.Set(episodeKey(rec.Key, rec.CommitTS), nil); err != nil {
				return err
			}
		}
		for _, ref := range rec.Supersedes {
			lk := versionKey(prefixLink, ref)
			if _, err := txn.Get(lk); err == nil {
				return &ledger.ConflictError{Key: ref.Key, Expected: ref.Version, Actual: ref.Version, Reason: "already superseded"}
			}
			if err := txn.Set(lk, by); err != nil {
				return err
			}
		}
		return bumpRevisionIn(txn, rec.Key.UserID, rec.Key.SubjectCode, rev)
	})
	return mapBadgerConflict(rec.Key, err)
}

func (b *BadgerStore) Retract(_ context.Context, ref ledger.VersionRef, at time.Time, reason string) error {
	data, err := json.Marshal(badgerTombstone{At: at.UTC(), Reason: reason})
	if err != nil {
		return err
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	err = b.db.Update(func(txn *badger.Txn) error {
		head, ok, err := b.head(txn, ref.Key)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", ledger.ErrNotFound, ref.Key)
		}
		if err := ledger.Verify(ledger.Expectation{Key: ref.Key, Version: ref.Version}, head, true); err != nil {
			return err
		}
		rev, err := revisionIn(txn, ref.Key.UserID, ref.Key.SubjectCode)
		if err != nil {
			return err
		}
		if err := txn.Set(versionKey(prefixRetr, ref), data); err != nil {
			return err
		}
		return bumpRevisionIn(txn, ref.Key.UserID, ref.Key.SubjectCode, rev)
	})
	return mapBadgerConflict(ref.Key, err)
}

// mapBadgerConflict turns Badger's optimistic transaction conflict into the
// ledger's conflict error.
func mapBadgerConflict(key ledger.EntityKey, err error) error {
	if errors.Is(err, badger.ErrConflict) {
		return &ledger.ConflictError{Key: key, Expected: ledger.NoVersion, Actual: ledger.NoVersion, Reason: "concurrent transaction"}
	}
	return err
}
