// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package cache is the Torrent Info Cache: a local index of
// the torrent client's current state — hash, file list, sizes, piece
// length, save path, trackers — kept fresh by incremental polling and
// queried by announce matching in constant time. A normalized first-file
// basename auxiliary index lets the Orchestrator resolve a webhook
// announce that carries no infohash.
package cache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/autobrr/nemorosa/internal/clientadapter"
	"github.com/autobrr/nemorosa/internal/metainfo"
	"github.com/autobrr/nemorosa/internal/normalize"
	"github.com/autobrr/nemorosa/internal/store"
	"github.com/autobrr/nemorosa/pkg/hardlink"
	"github.com/autobrr/nemorosa/pkg/stringutils"
)

// resetThreshold is the fraction of previously-known hashes that must be
// exceeded by the hashes gone missing in a single poll before the Cache
// assumes the client's database was reset (rather than the torrents having
// been individually removed) and forces a full rebuild instead of an
// incremental diff.
const resetThreshold = 0.9

// LocalTorrent is the Cache's in-memory projection of one client torrent,
// matching the data model's LocalTorrent plus the normalized-name
// auxiliary used for filename-based announce resolution.
type LocalTorrent struct {
	InfoHash       string
	Name           string
	NormalizedName string
	SavePath       string
	PieceLength    int64
	TotalSize      int64
	Trackers       []string
	SourceFlag     string
	Files          []store.CacheFile
	// PieceHashes is the concatenated sequence of 20-byte piece hashes, in
	// declared order, preserved from the client's metainfo. Empty when the
	// client adapter reported none (e.g. a magnet not yet metadata-complete).
	PieceHashes []byte
}

// Cache is the process-local, store-backed Torrent Info Cache.
type Cache struct {
	client clientadapter.Adapter
	db     store.CacheStore

	mu  sync.RWMutex
	byHash map[string]LocalTorrent
	byName map[nameKey]string // normalized first-file/basename+size -> infohash
}

type nameKey struct {
	name string
	size int64
}

// New returns a Cache backed by db, loading whatever rows db already has.
func New(client clientadapter.Adapter, db store.CacheStore) (*Cache, error) {
	c := &Cache{
		client: client,
		db:     db,
		byHash: make(map[string]LocalTorrent),
		byName: make(map[nameKey]string),
	}
	entries, err := db.AllCacheEntries()
	if err != nil {
		return nil, fmt.Errorf("load cache entries: %w", err)
	}
	for _, e := range entries {
		c.index(entryToLocal(e))
	}
	return c, nil
}

func entryToLocal(e store.CacheEntry) LocalTorrent {
	return LocalTorrent{
		InfoHash:       e.InfoHash,
		Name:           e.Name,
		NormalizedName: e.NormalizedName,
		SavePath:       e.SavePath,
		PieceLength:    e.PieceLength,
		TotalSize:      e.TotalSize,
		Trackers:       e.Trackers,
		SourceFlag:     e.SourceFlag,
		Files:          e.Files,
		PieceHashes:    e.PieceHashes,
	}
}

func (c *Cache) index(lt LocalTorrent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byHash[lt.InfoHash] = lt
	c.byName[nameKey{lt.NormalizedName, lt.TotalSize}] = lt.InfoHash
}

func (c *Cache) unindex(infoHash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	lt, ok := c.byHash[infoHash]
	if !ok {
		return
	}
	delete(c.byHash, infoHash)
	if c.byName[nameKey{lt.NormalizedName, lt.TotalSize}] == infoHash {
		delete(c.byName, nameKey{lt.NormalizedName, lt.TotalSize})
	}
}

// Get returns the cached LocalTorrent for hash.
func (c *Cache) Get(hash string) (LocalTorrent, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	lt, ok := c.byHash[hash]
	return lt, ok
}

// ByName resolves a normalized first-file/top-level name and exact total
// size to an infohash, used when an announce carries no infohash.
func (c *Cache) ByName(normalizedName string, size int64) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	hash, ok := c.byName[nameKey{normalizedName, size}]
	return hash, ok
}

// AllFiltered returns every cached torrent whose tracker set intersects
// allowList, or every torrent when allowList is empty.
func (c *Cache) AllFiltered(allowList []string) []LocalTorrent {
	allow := make(map[string]bool, len(allowList))
	for _, t := range allowList {
		allow[t] = true
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]LocalTorrent, 0, len(c.byHash))
	for _, lt := range c.byHash {
		if len(allow) == 0 || trackerMatches(lt.Trackers, allow) {
			out = append(out, lt)
		}
	}
	return out
}

func trackerMatches(trackers []string, allow map[string]bool) bool {
	for _, t := range trackers {
		if allow[t] {
			return true
		}
	}
	return false
}

// Rebuild discards the in-memory index and the backing store rows, then
// re-enumerates every torrent from the client. Callers trigger this on
// first run, on a detected client reset, or via an explicit flag.
func (c *Cache) Rebuild(ctx context.Context) error {
	hashes, err := c.client.ListHashes(ctx)
	if err != nil {
		return fmt.Errorf("list client hashes: %w", err)
	}

	c.mu.Lock()
	for hash := range c.byHash {
		_ = c.db.DeleteCacheEntry(hash)
	}
	c.byHash = make(map[string]LocalTorrent)
	c.byName = make(map[nameKey]string)
	c.mu.Unlock()

	log.Info().Int("count", len(hashes)).Msg("cache: rebuilding from client")
	for _, hash := range hashes {
		if err := c.fetchAndIndex(ctx, hash); err != nil {
			log.Warn().Err(err).Str("hash", hash).Msg("cache: skip torrent during rebuild")
		}
	}
	return nil
}

// Poll diffs the client's current hash set against the cache, fetching
// metainfo only for newly added hashes and dropping removed ones. When the
// fraction of previously-known hashes that vanished in one poll exceeds
// resetThreshold, Poll assumes the client's database was reset and forces
// a full Rebuild instead.
func (c *Cache) Poll(ctx context.Context) error {
	current, err := c.client.ListHashes(ctx)
	if err != nil {
		return fmt.Errorf("list client hashes: %w", err)
	}
	currentSet := make(map[string]bool, len(current))
	for _, h := range current {
		currentSet[h] = true
	}

	c.mu.RLock()
	previousCount := len(c.byHash)
	var removed []string
	for h := range c.byHash {
		if !currentSet[h] {
			removed = append(removed, h)
		}
	}
	c.mu.RUnlock()

	if previousCount > 0 && float64(len(removed))/float64(previousCount) > resetThreshold {
		log.Warn().Int("removed", len(removed)).Int("known", previousCount).Msg("cache: client reset detected, rebuilding")
		return c.Rebuild(ctx)
	}

	for _, h := range removed {
		c.unindex(h)
		if err := c.db.DeleteCacheEntry(h); err != nil {
			log.Warn().Err(err).Str("hash", h).Msg("cache: delete stale entry")
		}
	}

	var added int
	for _, h := range current {
		if _, ok := c.Get(h); ok {
			continue
		}
		if err := c.fetchAndIndex(ctx, h); err != nil {
			log.Warn().Err(err).Str("hash", h).Msg("cache: skip newly added torrent")
			continue
		}
		added++
	}
	if added > 0 || len(removed) > 0 {
		log.Debug().Int("added", added).Int("removed", len(removed)).Msg("cache: poll applied diff")
	}
	return nil
}

func (c *Cache) fetchAndIndex(ctx context.Context, hash string) error {
	mi, status, err := c.client.GetInfo(ctx, hash)
	if err != nil {
		return fmt.Errorf("get info for %s: %w", hash, err)
	}

	files := make([]store.CacheFile, 0, len(mi.Files))
	for _, f := range mi.Files {
		files = append(files, store.CacheFile{
			Path:      f.Path,
			Length:    f.Length,
			LinkCount: linkCountOf(status.SavePath, f.Path),
		})
	}

	topName := mi.Name
	if topName == "" && len(mi.Files) > 0 {
		topName = filepath.Base(mi.Files[0].Path)
	}

	// Tracker URLs and normalized album names repeat across thousands of
	// entries once a library is large; intern them so the in-memory index
	// shares backing storage instead of holding one copy per torrent.
	trackers := make([]string, len(status.Trackers))
	for i, t := range status.Trackers {
		trackers[i] = stringutils.Intern(t)
	}

	entry := store.CacheEntry{
		InfoHash:       hash,
		Name:           mi.Name,
		NormalizedName: stringutils.Intern(normalize.Normalize(topName, normalize.Loose)),
		SavePath:       status.SavePath,
		PieceLength:    mi.PieceLength,
		TotalSize:      mi.TotalSize(),
		SourceFlag:     mi.Source,
		Trackers:       trackers,
		Files:          files,
		PieceHashes:    concatPieces(mi.Pieces),
		IndexedAt:      time.Now(),
	}
	if err := c.db.UpsertCacheEntry(entry); err != nil {
		return fmt.Errorf("persist cache entry: %w", err)
	}
	c.index(entryToLocal(entry))
	return nil
}

// linkCountOf stats the file at savePath/relPath and returns its on-disk
// hardlink count, which the Cache records as CacheFile.LinkCount
// (FileID-based "already linked" detection). The Reconciler does not read
// LinkCount: an already multiply-linked file is linked like any other. A
// stat failure is not fatal: it just leaves LinkCount unknown (0).
func linkCountOf(savePath, relPath string) uint64 {
	if savePath == "" {
		return 0
	}
	fi, err := os.Stat(filepath.Join(savePath, relPath))
	if err != nil {
		return 0
	}
	_, linkCount, err := hardlink.GetFileID(fi, filepath.Join(savePath, relPath))
	if err != nil {
		return 0
	}
	return linkCount
}

// concatPieces flattens a piece-hash sequence into the raw concatenated
// byte form the Torrent Info Cache persists (one 20-byte SHA-1 per piece,
// in declared order), mirroring the "pieces" string of a metainfo dict.
func concatPieces(pieces []metainfo.Hash) []byte {
	if len(pieces) == 0 {
		return nil
	}
	out := make([]byte, 0, len(pieces)*20)
	for _, h := range pieces {
		out = append(out, h[:]...)
	}
	return out
}

// splitPieces reverses concatPieces.
func splitPieces(raw []byte) []metainfo.Hash {
	if len(raw) == 0 {
		return nil
	}
	pieces := make([]metainfo.Hash, 0, len(raw)/20)
	for i := 0; i+20 <= len(raw); i += 20 {
		var h metainfo.Hash
		copy(h[:], raw[i:i+20])
		pieces = append(pieces, h)
	}
	return pieces
}

// FileMetainfo converts a LocalTorrent back into the metainfo.Metainfo
// shape the matcher operates on, including piece hashes when the cache
// entry carries them, so the matcher can run piece-hash verification
// without re-fetching the client's copy of the .torrent file.
func (lt LocalTorrent) FileMetainfo() *metainfo.Metainfo {
	entries := make([]metainfo.FileEntry, 0, len(lt.Files))
	var offset int64
	for _, f := range lt.Files {
		entries = append(entries, metainfo.FileEntry{Path: f.Path, Length: f.Length, Offset: offset})
		offset += f.Length
	}
	return &metainfo.Metainfo{
		Name:        lt.Name,
		PieceLength: lt.PieceLength,
		Pieces:      splitPieces(lt.PieceHashes),
		Files:       entries,
		Source:      lt.SourceFlag,
	}
}
