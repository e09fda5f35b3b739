package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/felixgeelhaar/medmem/internal/clinical"
	"github.com/felixgeelhaar/medmem/internal/decide"
	"github.com/felixgeelhaar/medmem/internal/ledger"
	"github.com/felixgeelhaar/medmem/internal/seal"
)

// SQLiteStore keeps the ledger in a single SQLite file. Timestamps are stored
// as unix nanoseconds; payloads are sealed.
type SQLiteStore struct {
	db     *sql.DB
	sealer *seal.Sealer
	// SQLite allows one writer; serializing here turns lock contention into
	// ordinary CAS conflicts.
	writeMu sync.Mutex
}

// NewSQLiteStore opens (or creates) the database at dbPath. A nil sealer
// stores payloads in plaintext.
func NewSQLiteStore(dbPath string, sealer *seal.Sealer) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0750); err != nil {
		return nil, fmt.Errorf("failed to create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	s := &SQLiteStore{db: db, sealer: sealer}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS facts (
			user_id        TEXT NOT NULL,
			subject_code   TEXT NOT NULL,
			episode_id     TEXT NOT NULL,
			version        INTEGER NOT NULL,
			domain         TEXT NOT NULL,
			valid_from     INTEGER NOT NULL,
			valid_to       INTEGER,
			commit_ts      INTEGER NOT NULL,
			confidence     REAL NOT NULL,
			decision_kind  TEXT NOT NULL,
			provenance     TEXT NOT NULL,
			high_risk      INTEGER NOT NULL DEFAULT 0,
			policy_version TEXT NOT NULL DEFAULT '',
			payload        TEXT NOT NULL,
			content_hash   TEXT NOT NULL,
			supersedes     TEXT NOT NULL DEFAULT '[]',
			PRIMARY KEY (user_id, subject_code, episode_id, version)
		);`,
		`CREATE TABLE IF NOT EXISTS fact_links (
			user_id      TEXT NOT NULL,
			subject_code TEXT NOT NULL,
			episode_id   TEXT NOT NULL,
			version      INTEGER NOT NULL,
			by_episode   TEXT NOT NULL,
			by_version   INTEGER NOT NULL,
			PRIMARY KEY (user_id, subject_code, episode_id, version)
		);`,
		`CREATE TABLE IF NOT EXISTS retractions (
			user_id      TEXT NOT NULL,
			subject_code TEXT NOT NULL,
			episode_id   TEXT NOT NULL,
			version      INTEGER NOT NULL,
			expire_at    INTEGER NOT NULL,
			reason       TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (user_id, subject_code, episode_id, version)
		);`,
		`CREATE TABLE IF NOT EXISTS subjects (
			user_id      TEXT NOT NULL,
			subject_code TEXT NOT NULL,
			revision     INTEGER NOT NULL,
			PRIMARY KEY (user_id, subject_code)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_facts_subject ON facts(user_id, subject_code, version);`,
		`CREATE TABLE IF NOT EXISTS configuration (
			key TEXT PRIMARY KEY,
			value TEXT
		);`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to init schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Configuration Implementation

func (s *SQLiteStore) SetConfig(key, value string) error {
	query := `INSERT INTO configuration (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`
	_, err := s.db.Exec(query, key, value)
	return err
}

// GetConfig returns an empty string for unknown keys.
func (s *SQLiteStore) GetConfig(key string) (string, error) {
	row := s.db.QueryRow(`SELECT value FROM configuration WHERE key = ?`, key)
	var value string
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return value, nil
}

// Ledger Implementation

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const factColumns = `user_id, subject_code, episode_id, version, domain, valid_from, valid_to, commit_ts,
	confidence, decision_kind, provenance, high_risk, policy_version, payload, content_hash, supersedes`

type scanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scanFact(row scanner) (ledger.FactRecord, error) {
	var (
		rec                  ledger.FactRecord
		validFrom, commitTS  int64
		validTo              sql.NullInt64
		highRisk             int
		payload, supersedes  string
		domain, kind, source string
	)
	err := row.Scan(&rec.Key.UserID, &rec.Key.SubjectCode, &rec.Key.EpisodeID, &rec.Version, &domain,
		&validFrom, &validTo, &commitTS, &rec.Confidence, &kind, &source, &highRisk,
		&rec.PolicyVersion, &payload, &rec.ContentHash, &supersedes)
	if err != nil {
		return ledger.FactRecord{}, err
	}
	rec.Domain = clinical.Domain(domain)
	rec.DecisionKind = decide.Kind(kind)
	rec.Provenance = clinical.Provenance(source)
	rec.HighRisk = highRisk != 0
	rec.ValidFrom = time.Unix(0, validFrom).UTC()
	rec.CommitTS = time.Unix(0, commitTS).UTC()
	if validTo.Valid {
		end := time.Unix(0, validTo.Int64).UTC()
		rec.ValidTo = &end
	}

	plain, err := s.sealer.Open(payload, payloadAAD(rec.Ref()))
	if err != nil {
		return ledger.FactRecord{}, fmt.Errorf("failed to open payload of %s: %w", rec.Ref(), err)
	}
	if err := json.Unmarshal(plain, &rec.Payload); err != nil {
		return ledger.FactRecord{}, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	if err := json.Unmarshal([]byte(supersedes), &rec.Supersedes); err != nil {
		return ledger.FactRecord{}, fmt.Errorf("failed to unmarshal supersedes: %w", err)
	}
	return rec, nil
}

// decorate projects the link and tombstone rows onto rec.
func decorate(ctx context.Context, q querier, rec *ledger.FactRecord) error {
	k := rec.Key
	var byEpisode string
	var byVersion int64
	err := q.QueryRowContext(ctx,
		`SELECT by_episode, by_version FROM fact_links WHERE user_id = ? AND subject_code = ? AND episode_id = ? AND version = ?`,
		k.UserID, k.SubjectCode, k.EpisodeID, rec.Version).Scan(&byEpisode, &byVersion)
	switch {
	case err == nil:
		rec.SupersededBy = &ledger.VersionRef{
			Key:     ledger.EntityKey{UserID: k.UserID, SubjectCode: k.SubjectCode, EpisodeID: byEpisode},
			Version: byVersion,
		}
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("failed to read links: %w", err)
	}

	var expireAt int64
	var reason string
	err = q.QueryRowContext(ctx,
		`SELECT expire_at, reason FROM retractions WHERE user_id = ? AND subject_code = ? AND episode_id = ? AND version = ?`,
		k.UserID, k.SubjectCode, k.EpisodeID, rec.Version).Scan(&expireAt, &reason)
	switch {
	case err == nil:
		at := time.Unix(0, expireAt).UTC()
		rec.ExpireAt = &at
		rec.RetractReason = reason
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("failed to read retractions: %w", err)
	}
	return nil
}

func (s *SQLiteStore) head(ctx context.Context, q querier, key ledger.EntityKey) (ledger.FactRecord, bool, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+factColumns+` FROM facts WHERE user_id = ? AND subject_code = ? AND episode_id = ? ORDER BY version DESC LIMIT 1`,
		key.UserID, key.SubjectCode, key.EpisodeID)
	rec, err := s.scanFact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.FactRecord{}, false, nil
	}
	if err != nil {
		return ledger.FactRecord{}, false, err
	}
	if err := decorate(ctx, q, &rec); err != nil {
		return ledger.FactRecord{}, false, err
	}
	return rec, true, nil
}

func (s *SQLiteStore) Head(ctx context.Context, key ledger.EntityKey) (ledger.FactRecord, error) {
	rec, ok, err := s.head(ctx, s.db, key)
	if err != nil {
		return ledger.FactRecord{}, fmt.Errorf("failed to read head: %w", err)
	}
	if !ok {
		return ledger.FactRecord{}, fmt.Errorf("%w: %s", ledger.ErrNotFound, key)
	}
	return rec, nil
}

func (s *SQLiteStore) Versions(ctx context.Context, key ledger.EntityKey) ([]ledger.FactRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+factColumns+` FROM facts WHERE user_id = ? AND subject_code = ? AND episode_id = ? ORDER BY version ASC`,
		key.UserID, key.SubjectCode, key.EpisodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to query versions: %w", err)
	}
	var out []ledger.FactRecord
	for rows.Next() {
		rec, err := s.scanFact(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, rec)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s", ledger.ErrNotFound, key)
	}
	for i := range out {
		if err := decorate(ctx, s.db, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *SQLiteStore) Episodes(ctx context.Context, userID, subjectCode string) ([]ledger.EntityKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT episode_id FROM facts WHERE user_id = ? AND subject_code = ? AND version = 0 ORDER BY rowid`,
		userID, subjectCode)
	if err != nil {
		return nil, fmt.Errorf("failed to query episodes: %w", err)
	}
	defer rows.Close()

	var keys []ledger.EntityKey
	for rows.Next() {
		k := ledger.EntityKey{UserID: userID, SubjectCode: subjectCode}
		if err := rows.Scan(&k.EpisodeID); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func revision(ctx context.Context, q querier, userID, subjectCode string) (int64, error) {
	var rev int64
	err := q.QueryRowContext(ctx,
		`SELECT revision FROM subjects WHERE user_id = ? AND subject_code = ?`, userID, subjectCode).Scan(&rev)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read revision: %w", err)
	}
	return rev, nil
}

func bumpRevision(ctx context.Context, tx *sql.Tx, userID, subjectCode string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO subjects (user_id, subject_code, revision) VALUES (?, ?, 1)
		ON CONFLICT(user_id, subject_code) DO UPDATE SET revision = revision + 1`,
		userID, subjectCode)
	if err != nil {
		return fmt.Errorf("failed to bump revision: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Revision(ctx context.Context, userID, subjectCode string) (int64, error) {
	return revision(ctx, s.db, userID, subjectCode)
}

func (s *SQLiteStore) Append(ctx context.Context, rec ledger.FactRecord, cond ledger.Condition) error {
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	sealed, err := s.sealer.Seal(payload, payloadAAD(rec.Ref()))
	if err != nil {
		return fmt.Errorf("failed to seal payload: %w", err)
	}
	supersedes, err := json.Marshal(append([]ledger.VersionRef{}, rec.Supersedes...))
	if err != nil {
		return fmt.Errorf("failed to marshal supersedes: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, e := range cond.Heads {
		head, ok, err := s.head(ctx, tx, e.Key)
		if err != nil {
			return err
		}
		if err := ledger.Verify(e, head, ok); err != nil {
			return err
		}
	}
	k := rec.Key
	rev, err := revision(ctx, tx, k.UserID, k.SubjectCode)
	if err != nil {
		return err
	}
	if err := ledger.VerifyRevision(k, cond.Revision, rev); err != nil {
		return err
	}

	var validTo any
	if rec.ValidTo != nil {
		validTo = rec.ValidTo.UnixNano()
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO facts (`+factColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		k.UserID, k.SubjectCode, k.EpisodeID, rec.Version, string(rec.Domain),
		rec.ValidFrom.UnixNano(), validTo, rec.CommitTS.UnixNano(),
		rec.Confidence, string(rec.DecisionKind), string(rec.Provenance), boolInt(rec.HighRisk),
		rec.PolicyVersion, sealed, rec.ContentHash, string(supersedes))
	if err != nil {
		if isUniqueViolation(err) {
			return &ledger.ConflictError{Key: k, Expected: rec.Version - 1, Actual: rec.Version, Reason: "version already written"}
		}
		return fmt.Errorf("failed to insert fact: %w", err)
	}

	for _, ref := range rec.Supersedes {
		if ref.Key.UserID != k.UserID || ref.Key.SubjectCode != k.SubjectCode {
			return fmt.Errorf("cannot supersede %s from %s", ref, k)
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO fact_links (user_id, subject_code, episode_id, version, by_episode, by_version) VALUES (?, ?, ?, ?, ?, ?)`,
			ref.Key.UserID, ref.Key.SubjectCode, ref.Key.EpisodeID, ref.Version, k.EpisodeID, rec.Version)
		if err != nil {
			if isUniqueViolation(err) {
				return &ledger.ConflictError{Key: ref.Key, Expected: ref.Version, Actual: ref.Version, Reason: "already superseded"}
			}
			return fmt.Errorf("failed to insert link: %w", err)
		}
	}
	if err := bumpRevision(ctx, tx, k.UserID, k.SubjectCode); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Retract(ctx context.Context, ref ledger.VersionRef, at time.Time, reason string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	head, ok, err := s.head(ctx, tx, ref.Key)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ledger.ErrNotFound, ref.Key)
	}
	if err := ledger.Verify(ledger.Expectation{Key: ref.Key, Version: ref.Version}, head, true); err != nil {
		return err
	}
	k := ref.Key
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO retractions (user_id, subject_code, episode_id, version, expire_at, reason) VALUES (?, ?, ?, ?, ?, ?)`,
		k.UserID, k.SubjectCode, k.EpisodeID, ref.Version, at.UnixNano(), reason); err != nil {
		if isUniqueViolation(err) {
			return &ledger.ConflictError{Key: k, Expected: ref.Version, Actual: ref.Version, Reason: "already retracted"}
		}
		return fmt.Errorf("failed to insert retraction: %w", err)
	}
	if err := bumpRevision(ctx, tx, k.UserID, k.SubjectCode); err != nil {
		return err
	}
	return tx.Commit()
}

func payloadAAD(ref ledger.VersionRef) []byte {
	return []byte(ref.String())
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// isUniqueViolation checks if an error is a SQLite UNIQUE constraint violation.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
