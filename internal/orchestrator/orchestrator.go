// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package orchestrator is the concurrent driver: it selects work — a
// full scan, a single hash, an announce, a scheduled sweep, or a retry
// replay — and runs it through the Match Pipeline with bounded global
// concurrency, an in-flight set guaranteeing a given hash is never in
// two pipeline runs at once, and a persisted Retry Ledger for
// download-failed outcomes.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	retry "github.com/avast/retry-go"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/autobrr/nemorosa/internal/cache"
	"github.com/autobrr/nemorosa/internal/normalize"
	"github.com/autobrr/nemorosa/internal/pipeline"
	"github.com/autobrr/nemorosa/internal/store"
)

// DefaultFullScanConcurrency is the global worker pool size for a full
// scan.
const DefaultFullScanConcurrency = 8

// DefaultAnnounceTimeout bounds how long an announce-triggered run may
// take before the caller gets a timeout response.
const DefaultAnnounceTimeout = 30 * time.Second

// ErrUnknownHash reports an announce that resolves to no cached torrent,
// so the HTTP layer can answer 404 instead of treating it as an internal
// failure.
var ErrUnknownHash = errors.New("announce does not match any cached torrent")

// Announce is the (info_hash?, name?, size?) tuple a webhook delivers.
type Announce struct {
	InfoHash string
	Name     string
	Size     int64
}

// Orchestrator drives Pipeline.Run across every selection mode except the
// retry sweep, which drives Pipeline.Resume.
type Orchestrator struct {
	cache    *cache.Cache
	pipeline *pipeline.Pipeline
	db       store.Store

	concurrency int64

	mu       sync.Mutex
	inFlight map[string]bool
}

// New returns an Orchestrator with the given full-scan concurrency (0
// selects DefaultFullScanConcurrency).
func New(c *cache.Cache, p *pipeline.Pipeline, db store.Store, concurrency int) *Orchestrator {
	if concurrency <= 0 {
		concurrency = DefaultFullScanConcurrency
	}
	return &Orchestrator{
		cache:       c,
		pipeline:    p,
		db:          db,
		concurrency: int64(concurrency),
		inFlight:    make(map[string]bool),
	}
}

// claim marks hash as in-flight, returning false if it already is. Every
// claim must be matched by a release.
func (o *Orchestrator) claim(hash string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inFlight[hash] {
		return false
	}
	o.inFlight[hash] = true
	return true
}

func (o *Orchestrator) release(hash string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inFlight, hash)
}

// runOne claims hash, runs the pipeline, and releases — skipping entirely
// if hash is already in flight (another mode's run got there first).
func (o *Orchestrator) runOne(ctx context.Context, hash string, force bool) (pipeline.RunResult, error) {
	if !o.claim(hash) {
		log.Debug().Str("hash", hash).Msg("orchestrator: already in flight, skipping")
		return pipeline.RunResult{State: pipeline.StateSkipped}, nil
	}
	defer o.release(hash)
	return o.pipeline.Run(ctx, hash, force)
}

// FullScan enumerates every cached torrent matching allowTrackers and
// queues each through the pipeline with bounded global concurrency.
func (o *Orchestrator) FullScan(ctx context.Context, allowTrackers []string) error {
	torrents := o.cache.AllFiltered(allowTrackers)
	sem := semaphore.NewWeighted(o.concurrency)

	var wg sync.WaitGroup
	for _, lt := range torrents {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(hash string) {
			defer wg.Done()
			defer sem.Release(1)
			if _, err := o.runOne(ctx, hash, false); err != nil {
				log.Error().Err(err).Str("hash", hash).Msg("orchestrator: full scan run failed")
			}
		}(lt.InfoHash)
	}
	wg.Wait()
	return nil
}

// Single runs one infohash, bypassing the Seen-set gate — this mode is
// always forced, matching the CLI's -t/--torrent flag.
func (o *Orchestrator) Single(ctx context.Context, infohash string) (pipeline.RunResult, error) {
	return o.runOne(ctx, infohash, true)
}

// Announce resolves ann to a local hash (hash match first, else
// normalized-name + size match) and triggers the pipeline, bounded by
// DefaultAnnounceTimeout.
func (o *Orchestrator) Announce(ctx context.Context, ann Announce) (pipeline.RunResult, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultAnnounceTimeout)
	defer cancel()

	hash := ann.InfoHash
	if hash == "" {
		if ann.Name == "" {
			return pipeline.RunResult{}, fmt.Errorf("announce: neither info_hash nor name provided")
		}
		resolved, ok := o.cache.ByName(normalize.Normalize(ann.Name, normalize.Loose), ann.Size)
		if !ok {
			return pipeline.RunResult{}, fmt.Errorf("announce: name %q size %d: %w", ann.Name, ann.Size, ErrUnknownHash)
		}
		hash = resolved
	} else if _, ok := o.cache.Get(hash); !ok {
		return pipeline.RunResult{}, fmt.Errorf("announce: infohash %s: %w", hash, ErrUnknownHash)
	}

	return o.runOne(ctx, hash, false)
}

// Scheduled runs a full scan followed by a retry sweep, for cron-like
// invocation.
func (o *Orchestrator) Scheduled(ctx context.Context, allowTrackers []string) error {
	if err := o.FullScan(ctx, allowTrackers); err != nil {
		return err
	}
	return o.RetrySweep(ctx)
}

// resumeOne claims the entry's local hash, replays it through
// Pipeline.Resume — skipping Searching and Matching entirely, reusing
// the ledger's stored candidate — and releases.
func (o *Orchestrator) resumeOne(ctx context.Context, entry store.RetryLedgerEntry) (pipeline.RunResult, error) {
	if !o.claim(entry.LocalInfoHash) {
		log.Debug().Str("hash", entry.LocalInfoHash).Msg("orchestrator: already in flight, skipping retry")
		return pipeline.RunResult{State: pipeline.StateSkipped}, nil
	}
	defer o.release(entry.LocalInfoHash)
	return o.pipeline.Resume(ctx, entry)
}

// RetrySweep replays every RetryLedgerEntry whose NextRetryAt has
// passed. Each replay skips the Searching and Matching phases, resuming
// at Reconciling with the stored candidate torrent and mapping; the
// entry's Attempts/MaxAttempts budget is enforced here.
func (o *Orchestrator) RetrySweep(ctx context.Context) error {
	due, err := o.db.DueRetries(time.Now())
	if err != nil {
		return fmt.Errorf("list due retries: %w", err)
	}

	for _, entry := range due {
		entry := entry
		if entry.Exhausted() {
			log.Warn().Str("hash", entry.LocalInfoHash).Str("site", entry.SiteID).Msg("orchestrator: retry budget exhausted, giving up")
			if err := o.db.DeleteRetry(entry.LocalInfoHash, entry.SiteID); err != nil {
				log.Warn().Err(err).Msg("orchestrator: delete exhausted retry entry")
			}
			continue
		}

		attemptErr := retry.Do(
			func() error {
				res, err := o.resumeOne(ctx, entry)
				if err != nil {
					return err
				}
				if res.State == pipeline.StateDownloadFailed {
					return fmt.Errorf("retry attempt still download_failed for %s", entry.LocalInfoHash)
				}
				return nil
			},
			retry.Attempts(1), // the ledger itself owns the cross-run attempt count
			retry.Context(ctx),
		)

		if attemptErr != nil {
			entry.Attempts++
			entry.NextRetryAt = time.Now().Add(pipeline.BackoffDelay(entry.Attempts))
			if err := o.db.PutRetry(entry); err != nil {
				log.Warn().Err(err).Msg("orchestrator: persist retry attempt")
			}
			continue
		}

		if err := o.db.DeleteRetry(entry.LocalInfoHash, entry.SiteID); err != nil {
			log.Warn().Err(err).Msg("orchestrator: delete resolved retry entry")
		}
	}
	return nil
}
