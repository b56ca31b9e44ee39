// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package store defines the persistence contracts the Orchestrator and
// Match Pipeline rely on — the Seen set, the append-only Outcome log, the
// Retry Ledger, and the Torrent Info Cache — plus a concrete sqlite-backed
// implementation. The schema is a single database with one table per
// concern, migrated linearly and forward-only.
package store

import "time"

// Result is the terminal classification of one pipeline run for one
// (local hash, site) pair.
type Result string

const (
	ResultMatched      Result = "matched"
	ResultNoCandidates Result = "no_candidates"
	ResultAllRejected  Result = "all_rejected"
	ResultDownloadFail Result = "download_failed"
	ResultInjectFail   Result = "inject_failed"
	ResultVerifyFail   Result = "verify_failed"
)

// OutcomeRecord is the append-only (except RetryCount/NextRetryAt) log of
// every terminal pipeline result for a (local hash, site) pair.
type OutcomeRecord struct {
	LocalInfoHash    string
	SiteID           string
	Result           Result
	CandidateInfoHash string
	MappingSummary   string
	Timestamp        time.Time
	RetryCount       int
	NextRetryAt      *time.Time
}

// RetryLedgerEntry persists a download_failed outcome with full fetch
// context so a retry can skip re-searching and re-matching.
type RetryLedgerEntry struct {
	LocalInfoHash string
	SiteID        string
	RemoteID      string
	TargetFiles   []byte // candidate .torrent bytes, opaque to the ledger
	MappingJSON   []byte // serialized matcher.FileMapping
	Attempts      int
	NextRetryAt   time.Time
	MaxAttempts   int
}

// Exhausted reports whether e has used up its retry budget.
func (e RetryLedgerEntry) Exhausted() bool {
	return e.Attempts >= e.MaxAttempts
}

// CacheEntry is one Torrent Info Cache row: the client's view of a local
// torrent, persisted so announce matching and restarts don't require a
// full client re-enumeration.
type CacheEntry struct {
	InfoHash       string
	Name           string
	SavePath       string
	PieceLength    int64
	Trackers       []string
	SourceFlag     string
	Files          []CacheFile
	NormalizedName string
	TotalSize      int64
	// PieceHashes is the concatenated sequence of 20-byte SHA-1 piece
	// hashes, in declared order, preserved from the client's metainfo so
	// the matcher can run piece-hash verification against a cache-sourced
	// LocalTorrent without re-fetching the client's copy of the .torrent
	// file.
	PieceHashes []byte
	IndexedAt   time.Time
}

// CacheFile is one file entry within a CacheEntry, with enough of the
// matcher's FileEntry shape to avoid re-parsing metainfo on cache hits.
type CacheFile struct {
	Path      string
	Length    int64
	LinkCount uint64 // 0 when unknown; >1 means the file is already multiply-linked
}

// Store is every persistence operation the Orchestrator and Match Pipeline
// need, split into four sub-interfaces so a caller can depend on only the
// slice it uses.
type Store interface {
	SeenStore
	OutcomeStore
	RetryLedgerStore
	CacheStore
	Close() error
}

// SeenStore tracks which local hashes have already been processed for a
// given site, so a full scan skips work a prior run already completed.
type SeenStore interface {
	MarkSeen(localInfoHash, siteID string) error
	IsSeen(localInfoHash, siteID string) (bool, error)
}

// OutcomeStore appends and queries OutcomeRecords.
type OutcomeStore interface {
	AppendOutcome(o OutcomeRecord) error
	LatestOutcome(localInfoHash, siteID string) (*OutcomeRecord, bool, error)
}

// RetryLedgerStore persists and replays download_failed fetch context.
type RetryLedgerStore interface {
	PutRetry(e RetryLedgerEntry) error
	DeleteRetry(localInfoHash, siteID string) error
	DueRetries(now time.Time) ([]RetryLedgerEntry, error)
}

// CacheStore persists the Torrent Info Cache.
type CacheStore interface {
	UpsertCacheEntry(e CacheEntry) error
	DeleteCacheEntry(infoHash string) error
	GetCacheEntry(infoHash string) (*CacheEntry, bool, error)
	FindByNormalizedName(normalizedName string, size int64) (*CacheEntry, bool, error)
	AllCacheEntries() ([]CacheEntry, error)
}
