// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/rs/zerolog/log"
)

// schemaVersion is the current linear, forward-only migration step. New
// steps append to migrations with the next version number; nothing here
// ever rewrites an already-applied step.
const schemaVersion = 2

// migrationStep is one forward-only schema change, applied at most once:
// migrate() skips any step whose Version is <= the database's recorded
// schema_meta version.
type migrationStep struct {
	Version int
	Stmts   []string
}

var migrations = []migrationStep{
	{Version: 1, Stmts: []string{
		`CREATE TABLE IF NOT EXISTS seen (
			local_infohash TEXT NOT NULL,
			site_id        TEXT NOT NULL,
			seen_at        INTEGER NOT NULL,
			PRIMARY KEY (local_infohash, site_id)
		)`,
		`CREATE TABLE IF NOT EXISTS outcomes (
			local_infohash     TEXT NOT NULL,
			site_id            TEXT NOT NULL,
			result             TEXT NOT NULL,
			candidate_infohash TEXT,
			mapping_summary    TEXT,
			ts                 INTEGER NOT NULL,
			retry_count        INTEGER NOT NULL DEFAULT 0,
			next_retry_at      INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outcomes_hash_site ON outcomes (local_infohash, site_id, ts DESC)`,
		`CREATE TABLE IF NOT EXISTS retry_ledger (
			local_infohash TEXT NOT NULL,
			site_id        TEXT NOT NULL,
			remote_id      TEXT NOT NULL,
			target_files   BLOB,
			mapping        BLOB,
			attempts       INTEGER NOT NULL DEFAULT 0,
			next_retry_at  INTEGER NOT NULL,
			max_attempts   INTEGER NOT NULL,
			PRIMARY KEY (local_infohash, site_id)
		)`,
		`CREATE TABLE IF NOT EXISTS torrent_cache (
			infohash        TEXT PRIMARY KEY,
			name            TEXT NOT NULL,
			normalized_name TEXT NOT NULL,
			save_path       TEXT NOT NULL,
			piece_length    INTEGER NOT NULL,
			total_size      INTEGER NOT NULL,
			source_flag     TEXT,
			trackers        TEXT,
			files           TEXT,
			indexed_at      INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_cache_name_size ON torrent_cache (normalized_name, total_size)`,
		`CREATE TABLE IF NOT EXISTS schema_meta (version INTEGER NOT NULL)`,
	}},
	{Version: 2, Stmts: []string{
		`ALTER TABLE torrent_cache ADD COLUMN piece_hashes BLOB`,
	}},
}

// SQLiteStore is the concrete Store backing the Seen set, Outcome log,
// Retry Ledger and Torrent Info Cache in a single sqlite database file.
type SQLiteStore struct {
	db *sql.DB
}

// Open migrates (if needed) and returns a SQLiteStore at path. path is used
// as given; Open resolves no directory of its own. The CLI places the
// database beside its configuration file, or at NEMOROSA_DATABASE_PATH; it
// does not use a platform user-data directory.
func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; avoid SQLITE_BUSY churn

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	ctx := context.Background()

	// schema_meta is itself created by step 1; before it exists there is
	// nothing recorded yet, so current stays 0 and every step applies.
	var current int
	row := s.db.QueryRowContext(ctx, "SELECT version FROM schema_meta LIMIT 1")
	switch err := row.Scan(&current); {
	case err == nil:
		// current already populated by Scan.
	case errors.Is(err, sql.ErrNoRows):
		current = 0
	case isNoSuchTable(err):
		current = 0
	default:
		return err
	}

	for _, step := range migrations {
		if step.Version <= current {
			continue
		}
		for _, stmt := range step.Stmts {
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("apply migration v%d: %w", step.Version, err)
			}
		}
	}

	if current == 0 {
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_meta (version) VALUES (?)", schemaVersion); err != nil {
			return err
		}
	} else if current != schemaVersion {
		log.Warn().Int("from", current).Int("to", schemaVersion).Msg("store: schema version advanced")
		if _, err := s.db.ExecContext(ctx, "UPDATE schema_meta SET version = ?", schemaVersion); err != nil {
			return err
		}
	}
	return nil
}

// isNoSuchTable reports whether err is sqlite's "no such table" error, the
// expected failure when schema_meta has not been created yet (first run,
// before migration step 1 applies).
func isNoSuchTable(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such table")
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var _ Store = (*SQLiteStore)(nil)

// MarkSeen implements SeenStore.
func (s *SQLiteStore) MarkSeen(localInfoHash, siteID string) error {
	_, err := s.db.Exec(
		`INSERT INTO seen (local_infohash, site_id, seen_at) VALUES (?, ?, ?)
		 ON CONFLICT (local_infohash, site_id) DO UPDATE SET seen_at = excluded.seen_at`,
		localInfoHash, siteID, time.Now().Unix(),
	)
	return err
}

// IsSeen implements SeenStore.
func (s *SQLiteStore) IsSeen(localInfoHash, siteID string) (bool, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT 1 FROM seen WHERE local_infohash = ? AND site_id = ?`,
		localInfoHash, siteID,
	).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// AppendOutcome implements OutcomeStore.
func (s *SQLiteStore) AppendOutcome(o OutcomeRecord) error {
	var nextRetry *int64
	if o.NextRetryAt != nil {
		n := o.NextRetryAt.Unix()
		nextRetry = &n
	}
	_, err := s.db.Exec(
		`INSERT INTO outcomes (local_infohash, site_id, result, candidate_infohash, mapping_summary, ts, retry_count, next_retry_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		o.LocalInfoHash, o.SiteID, string(o.Result), o.CandidateInfoHash, o.MappingSummary,
		o.Timestamp.Unix(), o.RetryCount, nextRetry,
	)
	return err
}

// LatestOutcome implements OutcomeStore.
func (s *SQLiteStore) LatestOutcome(localInfoHash, siteID string) (*OutcomeRecord, bool, error) {
	row := s.db.QueryRow(
		`SELECT local_infohash, site_id, result, candidate_infohash, mapping_summary, ts, retry_count, next_retry_at
		 FROM outcomes WHERE local_infohash = ? AND site_id = ? ORDER BY ts DESC LIMIT 1`,
		localInfoHash, siteID,
	)
	var o OutcomeRecord
	var result string
	var candidate, summary sql.NullString
	var ts int64
	var nextRetry sql.NullInt64
	err := row.Scan(&o.LocalInfoHash, &o.SiteID, &result, &candidate, &summary, &ts, &o.RetryCount, &nextRetry)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	o.Result = Result(result)
	o.CandidateInfoHash = candidate.String
	o.MappingSummary = summary.String
	o.Timestamp = time.Unix(ts, 0).UTC()
	if nextRetry.Valid {
		t := time.Unix(nextRetry.Int64, 0).UTC()
		o.NextRetryAt = &t
	}
	return &o, true, nil
}

// PutRetry implements RetryLedgerStore.
func (s *SQLiteStore) PutRetry(e RetryLedgerEntry) error {
	_, err := s.db.Exec(
		`INSERT INTO retry_ledger (local_infohash, site_id, remote_id, target_files, mapping, attempts, next_retry_at, max_attempts)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (local_infohash, site_id) DO UPDATE SET
			remote_id = excluded.remote_id, target_files = excluded.target_files,
			mapping = excluded.mapping, attempts = excluded.attempts,
			next_retry_at = excluded.next_retry_at, max_attempts = excluded.max_attempts`,
		e.LocalInfoHash, e.SiteID, e.RemoteID, e.TargetFiles, e.MappingJSON,
		e.Attempts, e.NextRetryAt.Unix(), e.MaxAttempts,
	)
	return err
}

// DeleteRetry implements RetryLedgerStore.
func (s *SQLiteStore) DeleteRetry(localInfoHash, siteID string) error {
	_, err := s.db.Exec(`DELETE FROM retry_ledger WHERE local_infohash = ? AND site_id = ?`, localInfoHash, siteID)
	return err
}

// DueRetries implements RetryLedgerStore.
func (s *SQLiteStore) DueRetries(now time.Time) ([]RetryLedgerEntry, error) {
	rows, err := s.db.Query(
		`SELECT local_infohash, site_id, remote_id, target_files, mapping, attempts, next_retry_at, max_attempts
		 FROM retry_ledger WHERE next_retry_at <= ?`,
		now.Unix(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []RetryLedgerEntry
	for rows.Next() {
		var e RetryLedgerEntry
		var nextRetry int64
		if err := rows.Scan(&e.LocalInfoHash, &e.SiteID, &e.RemoteID, &e.TargetFiles, &e.MappingJSON, &e.Attempts, &nextRetry, &e.MaxAttempts); err != nil {
			return nil, err
		}
		e.NextRetryAt = time.Unix(nextRetry, 0).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// UpsertCacheEntry implements CacheStore.
func (s *SQLiteStore) UpsertCacheEntry(e CacheEntry) error {
	trackers, err := json.Marshal(e.Trackers)
	if err != nil {
		return fmt.Errorf("marshal trackers: %w", err)
	}
	files, err := json.Marshal(e.Files)
	if err != nil {
		return fmt.Errorf("marshal files: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO torrent_cache (infohash, name, normalized_name, save_path, piece_length, total_size, source_flag, trackers, files, piece_hashes, indexed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (infohash) DO UPDATE SET
			name = excluded.name, normalized_name = excluded.normalized_name, save_path = excluded.save_path,
			piece_length = excluded.piece_length, total_size = excluded.total_size, source_flag = excluded.source_flag,
			trackers = excluded.trackers, files = excluded.files, piece_hashes = excluded.piece_hashes,
			indexed_at = excluded.indexed_at`,
		e.InfoHash, e.Name, e.NormalizedName, e.SavePath, e.PieceLength, e.TotalSize, e.SourceFlag,
		string(trackers), string(files), e.PieceHashes, e.IndexedAt.Unix(),
	)
	return err
}

// DeleteCacheEntry implements CacheStore.
func (s *SQLiteStore) DeleteCacheEntry(infoHash string) error {
	_, err := s.db.Exec(`DELETE FROM torrent_cache WHERE infohash = ?`, infoHash)
	return err
}

// GetCacheEntry implements CacheStore.
func (s *SQLiteStore) GetCacheEntry(infoHash string) (*CacheEntry, bool, error) {
	return s.scanOneCacheEntry(`infohash = ?`, infoHash)
}

// FindByNormalizedName implements CacheStore.
func (s *SQLiteStore) FindByNormalizedName(normalizedName string, size int64) (*CacheEntry, bool, error) {
	return s.scanOneCacheEntry(`normalized_name = ? AND total_size = ?`, normalizedName, size)
}

func (s *SQLiteStore) scanOneCacheEntry(where string, args ...any) (*CacheEntry, bool, error) {
	row := s.db.QueryRow(
		`SELECT infohash, name, normalized_name, save_path, piece_length, total_size, source_flag, trackers, files, piece_hashes, indexed_at
		 FROM torrent_cache WHERE `+where+` LIMIT 1`,
		args...,
	)
	e, err := scanCacheRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return e, true, nil
}

// AllCacheEntries implements CacheStore.
func (s *SQLiteStore) AllCacheEntries() ([]CacheEntry, error) {
	rows, err := s.db.Query(
		`SELECT infohash, name, normalized_name, save_path, piece_length, total_size, source_flag, trackers, files, piece_hashes, indexed_at
		 FROM torrent_cache`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []CacheEntry
	for rows.Next() {
		e, err := scanCacheRow(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// rowScanner abstracts over *sql.Row and *sql.Rows, both of which expose
// Scan with this signature.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanCacheRow(row rowScanner) (*CacheEntry, error) {
	var e CacheEntry
	var sourceFlag sql.NullString
	var trackersJSON, filesJSON string
	var pieceHashes []byte
	var indexedAt int64
	if err := row.Scan(&e.InfoHash, &e.Name, &e.NormalizedName, &e.SavePath, &e.PieceLength, &e.TotalSize,
		&sourceFlag, &trackersJSON, &filesJSON, &pieceHashes, &indexedAt); err != nil {
		return nil, err
	}
	e.PieceHashes = pieceHashes
	e.SourceFlag = sourceFlag.String
	if trackersJSON != "" {
		if err := json.Unmarshal([]byte(trackersJSON), &e.Trackers); err != nil {
			return nil, fmt.Errorf("unmarshal trackers: %w", err)
		}
	}
	if filesJSON != "" {
		if err := json.Unmarshal([]byte(filesJSON), &e.Files); err != nil {
			return nil, fmt.Errorf("unmarshal files: %w", err)
		}
	}
	e.IndexedAt = time.Unix(indexedAt, 0).UTC()
	return &e, nil
}
