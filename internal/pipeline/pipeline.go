// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package pipeline implements the Match Pipeline state machine: Gated ->
// Searching -> Matching -> Reconciling -> Injecting -> Verifying ->
// PostProcessing -> Done, with terminal failure states Skipped, NoMatch,
// DownloadFailed, InjectFailed and VerifyFailed. One Pipeline.Run call
// drives exactly one local infohash through every configured target
// site's candidates, in rank order, stopping at the first accepted
// mapping.
package pipeline

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/zeebo/bencode"

	"github.com/autobrr/nemorosa/internal/cache"
	"github.com/autobrr/nemorosa/internal/clientadapter"
	"github.com/autobrr/nemorosa/internal/matcher"
	"github.com/autobrr/nemorosa/internal/metainfo"
	"github.com/autobrr/nemorosa/internal/reconcile"
	"github.com/autobrr/nemorosa/internal/search"
	"github.com/autobrr/nemorosa/internal/store"
	"github.com/autobrr/nemorosa/pkg/pathcmp"
	"github.com/autobrr/nemorosa/pkg/pathutil"
)

// State names one step of the state machine, for logging and the
// structured outcome it produces.
type State string

const (
	StateGated          State = "gated"
	StateSearching      State = "searching"
	StateMatching       State = "matching"
	StateReconciling    State = "reconciling"
	StateInjecting      State = "injecting"
	StateVerifying      State = "verifying"
	StatePostProcessing State = "post_processing"
	StateDone           State = "done"

	StateSkipped        State = "skipped"
	StateNoMatch        State = "no_match"
	StateDownloadFailed State = "download_failed"
	StateInjectFailed   State = "inject_failed"
	StateVerifyFailed   State = "verify_failed"
)

// Config is the subset of global configuration the pipeline needs,
// already parsed and defaulted by the caller.
type Config struct {
	CheckTrackers    []string // empty = all
	CheckMusicOnly   bool
	MusicExtensions  []string
	NoDownload       bool
	AutoStart        bool
	Label            string
	StagingBaseDir   string
	VerifyTimeout    time.Duration
	VerifyPollEvery  time.Duration
	MatcherPolicy    matcher.Policy
	MaxRetryAttempts int
}

// DefaultConfig returns the documented default pipeline configuration.
func DefaultConfig() Config {
	return Config{
		CheckMusicOnly:  true,
		MusicExtensions: []string{".flac", ".mp3", ".m4a", ".ogg", ".opus", ".wav", ".ape", ".dsf", ".alac"},
		VerifyTimeout:   10 * time.Minute,
		VerifyPollEvery: 5 * time.Second,
		MatcherPolicy: matcher.Policy{
			LinkingMode:          matcher.LinkHard,
			MaxMissingBytes:      8 << 20,
			ArtworkSkipThreshold: 2 << 20,
		},
		MaxRetryAttempts: 5,
	}
}

// Pipeline drives one local infohash through the full state machine.
type Pipeline struct {
	cache      *cache.Cache
	strategy   *search.Strategy
	reconciler *reconcile.Reconciler
	client     clientadapter.Adapter
	db         store.Store
	cfg        Config
}

// New returns a ready-to-use Pipeline.
func New(c *cache.Cache, strategy *search.Strategy, reconciler *reconcile.Reconciler, client clientadapter.Adapter, db store.Store, cfg Config) *Pipeline {
	return &Pipeline{cache: c, strategy: strategy, reconciler: reconciler, client: client, db: db, cfg: cfg}
}

// RunResult is what one Run call produced: the terminal state reached,
// the site of the candidate the run worked with (empty when Run accepted no
// candidate; Resume always reports the ledger entry's site), and the outcome
// persisted (nil for StateSkipped, which is never recorded).
type RunResult struct {
	State   State
	SiteID  string
	Outcome *store.OutcomeRecord
}

// Run drives localHash through Gated -> ... -> Done (or a terminal
// failure state), persisting one OutcomeRecord for any non-Skipped
// result. force bypasses the Seen-set gate (used by the single-hash
// orchestrator mode; the retry sweep goes through Resume instead).
func (p *Pipeline) Run(ctx context.Context, localHash string, force bool) (RunResult, error) {
	local, ok := p.cache.Get(localHash)
	if !ok {
		return RunResult{State: StateSkipped}, fmt.Errorf("pipeline: unknown local hash %s", localHash)
	}

	if reason, gated := p.gate(local, force); gated {
		log.Info().Str("hash", localHash).Str("reason", reason).Msg("pipeline: gated")
		return RunResult{State: StateSkipped}, nil
	}

	localMeta := local.FileMetainfo()

	candidates, err := p.strategy.Search(ctx, localMeta, localHash)
	if err != nil {
		return RunResult{State: StateSkipped}, fmt.Errorf("search: %w", err)
	}
	if len(candidates) == 0 {
		return p.recordTerminal(localHash, "", store.ResultNoCandidates, "", StateNoMatch, nil)
	}

	winner, mapping, candidateMeta, torrentBytes, matchErr := p.match(ctx, localMeta, candidates)
	if matchErr != nil {
		return RunResult{State: StateSkipped}, matchErr
	}
	if winner == nil {
		return p.recordTerminal(localHash, "", store.ResultAllRejected, "", StateNoMatch, nil)
	}

	siteID := winner.Adapter.SiteID()
	candidateHash := candidateMeta.InfoHash().HexString()

	targetRoot := filepath.Join(p.cfg.StagingBaseDir, pathutil.IsolationFolderName(siteID, candidateHash))
	// Client-reported save paths are forward-slashed even when the client
	// runs on Windows; normalize before treating them as a local filesystem
	// root.
	localRoot := pathcmp.NormalizePath(local.SavePath)
	plan, err := p.reconciler.Reconcile(ctx, mapping, localRoot, targetRoot)
	if err != nil {
		return p.recordTerminal(localHash, siteID, store.ResultInjectFail, candidateHash, StateInjectFailed, nil)
	}

	if p.cfg.NoDownload {
		return p.recordTerminal(localHash, siteID, store.ResultMatched, candidateHash, StateDone, mapping)
	}

	if err := p.client.AddTorrent(ctx, torrentBytes, plan.StagedRoot, p.cfg.Label, !p.cfg.AutoStart); err != nil {
		encodedMapping, encErr := encodeMapping(mapping)
		if encErr != nil {
			log.Warn().Err(encErr).Msg("pipeline: encode mapping for retry ledger")
		}
		entry := store.RetryLedgerEntry{
			LocalInfoHash: localHash,
			SiteID:        siteID,
			RemoteID:      winner.Ref.RemoteID,
			TargetFiles:   torrentBytes,
			MappingJSON:   encodedMapping,
			Attempts:      1,
			NextRetryAt:   time.Now().Add(BackoffDelay(1)),
			MaxAttempts:   p.cfg.MaxRetryAttempts,
		}
		if putErr := p.db.PutRetry(entry); putErr != nil {
			log.Warn().Err(putErr).Msg("pipeline: persist retry ledger entry")
		}
		next := entry.NextRetryAt
		return p.recordOutcome(localHash, siteID, store.ResultDownloadFail, candidateHash, mapping, &next, StateDownloadFailed)
	}

	if !p.verify(ctx, candidateHash) {
		return p.recordTerminal(localHash, siteID, store.ResultVerifyFail, candidateHash, StateVerifyFailed, mapping)
	}

	if err := p.db.MarkSeen(localHash, siteID); err != nil {
		log.Warn().Err(err).Msg("pipeline: mark seen")
	}
	return p.recordTerminal(localHash, siteID, store.ResultMatched, candidateHash, StateDone, mapping)
}

// Resume replays a download_failed Retry Ledger entry: Searching and
// Matching are skipped entirely, reusing the stored candidate torrent
// bytes and mapping snapshot, and the run picks up at Reconciling. The
// entry's attempt budget is owned by the caller (the Orchestrator's
// retry sweep); Resume only reports the terminal state of this attempt.
func (p *Pipeline) Resume(ctx context.Context, entry store.RetryLedgerEntry) (RunResult, error) {
	local, ok := p.cache.Get(entry.LocalInfoHash)
	if !ok {
		return RunResult{State: StateSkipped}, fmt.Errorf("pipeline: unknown local hash %s", entry.LocalInfoHash)
	}

	candidateMeta, err := metainfo.Parse(entry.TargetFiles)
	if err != nil {
		return RunResult{State: StateSkipped}, fmt.Errorf("pipeline: parse stored candidate torrent: %w", err)
	}
	candidateHash := candidateMeta.InfoHash().HexString()

	mapping, err := decodeMapping(entry.MappingJSON)
	if err != nil {
		log.Warn().Err(err).Str("hash", entry.LocalInfoHash).Msg("pipeline: stored mapping unreadable, re-matching")
	}
	if mapping == nil {
		// An entry persisted before its mapping could be encoded still
		// carries the candidate torrent; re-derive the mapping from it.
		verdict, mErr := matcher.Match(local.FileMetainfo(), candidateMeta, p.cfg.MatcherPolicy)
		if mErr != nil {
			return RunResult{State: StateSkipped}, mErr
		}
		if !verdict.Accepted {
			return p.recordTerminal(entry.LocalInfoHash, entry.SiteID, store.ResultAllRejected, candidateHash, StateNoMatch, nil)
		}
		mapping = verdict.Mapping
	}

	targetRoot := filepath.Join(p.cfg.StagingBaseDir, pathutil.IsolationFolderName(entry.SiteID, candidateHash))
	localRoot := pathcmp.NormalizePath(local.SavePath)
	plan, err := p.reconciler.Reconcile(ctx, mapping, localRoot, targetRoot)
	if err != nil {
		return p.recordTerminal(entry.LocalInfoHash, entry.SiteID, store.ResultInjectFail, candidateHash, StateInjectFailed, nil)
	}

	if err := p.client.AddTorrent(ctx, entry.TargetFiles, plan.StagedRoot, p.cfg.Label, !p.cfg.AutoStart); err != nil {
		log.Warn().Err(err).Str("hash", entry.LocalInfoHash).Str("site", entry.SiteID).Msg("pipeline: retry inject failed")
		return p.recordTerminal(entry.LocalInfoHash, entry.SiteID, store.ResultDownloadFail, candidateHash, StateDownloadFailed, mapping)
	}

	if !p.verify(ctx, candidateHash) {
		return p.recordTerminal(entry.LocalInfoHash, entry.SiteID, store.ResultVerifyFail, candidateHash, StateVerifyFailed, mapping)
	}

	if err := p.db.MarkSeen(entry.LocalInfoHash, entry.SiteID); err != nil {
		log.Warn().Err(err).Msg("pipeline: mark seen")
	}
	return p.recordTerminal(entry.LocalInfoHash, entry.SiteID, store.ResultMatched, candidateHash, StateDone, mapping)
}

// gate implements the Gated state: tracker allow-list, music-only
// filter, and the Seen set (bypassed when force is set).
func (p *Pipeline) gate(local cache.LocalTorrent, force bool) (string, bool) {
	if len(p.cfg.CheckTrackers) > 0 {
		allow := make(map[string]bool, len(p.cfg.CheckTrackers))
		for _, t := range p.cfg.CheckTrackers {
			allow[t] = true
		}
		matched := false
		for _, t := range local.Trackers {
			if allow[t] {
				matched = true
				break
			}
		}
		if !matched {
			return "tracker not in allow-list", true
		}
	}

	if p.cfg.CheckMusicOnly && !anyMusicFile(local.Files, p.cfg.MusicExtensions) {
		return "no music files", true
	}

	if !force {
		for _, site := range p.strategy.SiteIDs() {
			seen, err := p.db.IsSeen(local.InfoHash, site)
			if err == nil && !seen {
				return "", false
			}
		}
		if len(p.strategy.SiteIDs()) > 0 {
			return "already seen on every configured site", true
		}
	}
	return "", false
}

func anyMusicFile(files []store.CacheFile, extensions []string) bool {
	for _, f := range files {
		lower := strings.ToLower(f.Path)
		for _, ext := range extensions {
			if strings.HasSuffix(lower, ext) {
				return true
			}
		}
	}
	return false
}

// match fetches and evaluates candidates in rank order, stopping at the
// first Accepted verdict: acceptance cancels remaining evaluation.
func (p *Pipeline) match(ctx context.Context, local *metainfo.Metainfo, candidates []search.Candidate) (*search.Candidate, *matcher.FileMapping, *metainfo.Metainfo, []byte, error) {
	for i := range candidates {
		c := candidates[i]
		torrentBytes, err := c.Adapter.FetchTorrent(ctx, c.Ref.RemoteID)
		if err != nil {
			log.Warn().Err(err).Str("site", c.Adapter.SiteID()).Str("remote_id", c.Ref.RemoteID).Msg("pipeline: fetch candidate failed")
			continue
		}
		candidateMeta, err := metainfo.Parse(torrentBytes)
		if err != nil {
			log.Warn().Err(err).Str("site", c.Adapter.SiteID()).Msg("pipeline: parse candidate torrent failed")
			continue
		}

		verdict, err := matcher.Match(local, candidateMeta, p.cfg.MatcherPolicy)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("match %s/%s: %w", c.Adapter.SiteID(), c.Ref.RemoteID, err)
		}
		if !verdict.Accepted {
			log.Debug().Str("site", c.Adapter.SiteID()).Str("reason", string(verdict.Reason)).Msg("pipeline: candidate rejected")
			continue
		}
		return &c, verdict.Mapping, candidateMeta, torrentBytes, nil
	}
	return nil, nil, nil, nil, nil
}

// verify polls the client for candidateHash until it reports Checked or
// VerifyTimeout elapses.
func (p *Pipeline) verify(ctx context.Context, candidateHash string) bool {
	deadline := time.Now().Add(p.cfg.VerifyTimeout)
	ticker := time.NewTicker(p.cfg.VerifyPollEvery)
	defer ticker.Stop()

	for {
		status, err := p.client.Status(ctx, candidateHash)
		if err == nil && status.Checked {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

func (p *Pipeline) recordTerminal(localHash, siteID string, result store.Result, candidateHash string, state State, mapping *matcher.FileMapping) (RunResult, error) {
	return p.recordOutcome(localHash, siteID, result, candidateHash, mapping, nil, state)
}

func (p *Pipeline) recordOutcome(localHash, siteID string, result store.Result, candidateHash string, mapping *matcher.FileMapping, nextRetry *time.Time, state State) (RunResult, error) {
	o := store.OutcomeRecord{
		LocalInfoHash:     localHash,
		SiteID:            siteID,
		Result:            result,
		CandidateInfoHash: candidateHash,
		Timestamp:         time.Now(),
		NextRetryAt:       nextRetry,
	}
	if mapping != nil {
		o.MappingSummary = string(mappingSummary(mapping))
	}
	if err := p.db.AppendOutcome(o); err != nil {
		log.Warn().Err(err).Msg("pipeline: append outcome")
	}
	log.Info().Str("hash", localHash).Str("site", siteID).Str("result", string(result)).Msg("pipeline: terminal outcome")
	return RunResult{State: state, SiteID: siteID, Outcome: &o}, nil
}

// BackoffDelay computes the exponential-backoff-with-jitter delay before
// retry attempt n (1-indexed), capped at one hour. This only schedules a
// future RetryLedgerEntry.NextRetryAt timestamp; the Orchestrator's retry
// sweep is what actually re-attempts a download, via retry-go.
func BackoffDelay(attempt int) time.Duration {
	base := time.Second * time.Duration(math.Pow(2, float64(attempt)))
	if base > time.Hour {
		base = time.Hour
	}
	jitter := time.Duration(rand.Int63n(int64(base) / 2))
	return base/2 + jitter
}

// ledgerAction and ledgerMapping mirror matcher.FileAction/FileMapping with
// bencode struct tags, so a download_failed mapping can be snapshotted into
// the Retry Ledger without re-running the Matching stage on replay.
type ledgerAction struct {
	Kind       int    `bencode:"kind"`
	LocalPath  string `bencode:"local_path"`
	TargetPath string `bencode:"target_path"`
	Length     int64  `bencode:"length"`
	Mode       int    `bencode:"mode"`
}

type ledgerMapping struct {
	Actions []ledgerAction `bencode:"actions"`
}

// encodeMapping snapshots mapping into the bencode form persisted in
// RetryLedgerEntry.MappingJSON.
func encodeMapping(mapping *matcher.FileMapping) ([]byte, error) {
	if mapping == nil {
		return nil, nil
	}
	lm := ledgerMapping{Actions: make([]ledgerAction, len(mapping.Actions))}
	for i, a := range mapping.Actions {
		lm.Actions[i] = ledgerAction{
			Kind:       int(a.Kind),
			LocalPath:  a.LocalPath,
			TargetPath: a.TargetPath,
			Length:     a.Length,
			Mode:       int(a.Mode),
		}
	}
	return bencode.EncodeBytes(lm)
}

// decodeMapping reverses encodeMapping when Resume replays a ledger
// entry.
func decodeMapping(data []byte) (*matcher.FileMapping, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var lm ledgerMapping
	if err := bencode.DecodeBytes(data, &lm); err != nil {
		return nil, fmt.Errorf("decode ledger mapping: %w", err)
	}
	fm := &matcher.FileMapping{Actions: make([]matcher.FileAction, len(lm.Actions))}
	for i, a := range lm.Actions {
		fm.Actions[i] = matcher.FileAction{
			Kind:       matcher.ActionKind(a.Kind),
			LocalPath:  a.LocalPath,
			TargetPath: a.TargetPath,
			Length:     a.Length,
			Mode:       matcher.LinkMode(a.Mode),
		}
	}
	return fm, nil
}

// mappingSummary renders a compact, human-legible summary of a mapping's
// action kinds for the log line and OutcomeRecord, not a full
// serialization (that lives in the Retry Ledger's own column).
func mappingSummary(mapping *matcher.FileMapping) []byte {
	if mapping == nil {
		return nil
	}
	counts := make(map[matcher.ActionKind]int)
	for _, a := range mapping.Actions {
		counts[a.Kind]++
	}
	var b strings.Builder
	for _, kind := range []matcher.ActionKind{matcher.Identical, matcher.Rename, matcher.Link, matcher.Skip, matcher.Missing} {
		if counts[kind] == 0 {
			continue
		}
		if b.Len() > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s=%d", kind, counts[kind])
	}
	return []byte(b.String())
}
