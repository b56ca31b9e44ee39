// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/autobrr/nemorosa/internal/cache"
	"github.com/autobrr/nemorosa/internal/clientadapter"
	"github.com/autobrr/nemorosa/internal/metainfo"
	"github.com/autobrr/nemorosa/internal/pipeline"
	"github.com/autobrr/nemorosa/internal/reconcile"
	"github.com/autobrr/nemorosa/internal/search"
	"github.com/autobrr/nemorosa/internal/store"
)

type fakeClient struct {
	info        map[string]*metainfo.Metainfo
	status      map[string]clientadapter.TorrentStatus
	checkedHash string
	added       int
}

func (f *fakeClient) ListHashes(context.Context) ([]string, error) {
	hashes := make([]string, 0, len(f.info))
	for h := range f.info {
		hashes = append(hashes, h)
	}
	return hashes, nil
}

func (f *fakeClient) GetInfo(_ context.Context, hash string) (*metainfo.Metainfo, clientadapter.TorrentStatus, error) {
	return f.info[hash], f.status[hash], nil
}
func (f *fakeClient) AddTorrent(context.Context, []byte, string, string, bool) error {
	f.added++
	return nil
}
func (f *fakeClient) Recheck(context.Context, string) error { return nil }
func (f *fakeClient) Status(_ context.Context, hash string) (clientadapter.TorrentStatus, error) {
	return clientadapter.TorrentStatus{Checked: hash == f.checkedHash}, nil
}

var _ clientadapter.Adapter = (*fakeClient)(nil)

func setup(t *testing.T) (*Orchestrator, *fakeClient, store.Store) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "Album"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Album", "01.flac"), []byte("aaaa"), 0o644))

	fc := &fakeClient{
		info:   map[string]*metainfo.Metainfo{"h1": {Name: "Album", Files: []metainfo.FileEntry{{Path: "Album/01.flac", Length: 4}}}},
		status: map[string]clientadapter.TorrentStatus{"h1": {SavePath: dir, Trackers: []string{"https://redacted.sh/announce"}}},
	}
	db, err := store.Open(filepath.Join(t.TempDir(), "o.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	c, err := cache.New(fc, db)
	require.NoError(t, err)
	require.NoError(t, c.Rebuild(context.Background()))

	strat := search.New(nil, 0)
	p := pipeline.New(c, strat, reconcile.New(), fc, db, pipeline.DefaultConfig())
	o := New(c, p, db, 2)
	return o, fc, db
}

func TestOrchestratorSingle(t *testing.T) {
	t.Parallel()
	o, _, _ := setup(t)

	res, err := o.Single(context.Background(), "h1")
	require.NoError(t, err)
	require.Equal(t, pipeline.StateNoMatch, res.State)
}

func TestOrchestratorFullScanRespectsTrackerFilter(t *testing.T) {
	t.Parallel()
	o, _, db := setup(t)

	require.NoError(t, o.FullScan(context.Background(), []string{"https://orpheus.network/announce"}))
	_, ran, err := db.LatestOutcome("h1", "")
	require.NoError(t, err)
	require.False(t, ran, "h1 is not on the allowed tracker, so the scan must not run it")

	require.NoError(t, o.FullScan(context.Background(), []string{"https://redacted.sh/announce"}))
	_, ran, err = db.LatestOutcome("h1", "")
	require.NoError(t, err)
	require.True(t, ran, "h1 is on the allowed tracker, so the scan records its outcome")
}

func TestOrchestratorAnnounceByHash(t *testing.T) {
	t.Parallel()
	o, _, _ := setup(t)

	res, err := o.Announce(context.Background(), Announce{InfoHash: "h1"})
	require.NoError(t, err)
	require.Equal(t, pipeline.StateNoMatch, res.State)
}

func TestOrchestratorAnnounceUnknownHash(t *testing.T) {
	t.Parallel()
	o, _, _ := setup(t)

	_, err := o.Announce(context.Background(), Announce{InfoHash: "doesnotexist"})
	require.Error(t, err)
}

func TestOrchestratorRetrySweepNoop(t *testing.T) {
	t.Parallel()
	o, _, _ := setup(t)

	require.NoError(t, o.RetrySweep(context.Background()))
}

// A single-file candidate torrent matching the fixture's Album/01.flac by
// length, used to prove the sweep resumes from the ledger's stored bytes.
const storedCandidateTorrent = "d4:infod6:lengthi4e4:name14:Artist - Album12:piece lengthi65536e6:pieces0:ee"

func TestOrchestratorRetrySweepResumesStoredCandidate(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "Album"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Album", "01.flac"), []byte("aaaa"), 0o644))

	candMeta, err := metainfo.Parse([]byte(storedCandidateTorrent))
	require.NoError(t, err)

	fc := &fakeClient{
		info:        map[string]*metainfo.Metainfo{"h1": {Name: "Album", Files: []metainfo.FileEntry{{Path: "Album/01.flac", Length: 4}}}},
		status:      map[string]clientadapter.TorrentStatus{"h1": {SavePath: dir}},
		checkedHash: candMeta.InfoHash().HexString(),
	}
	db, err := store.Open(filepath.Join(t.TempDir(), "r.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	c, err := cache.New(fc, db)
	require.NoError(t, err)
	require.NoError(t, c.Rebuild(context.Background()))

	// No sites configured: a sweep that re-entered Searching could never
	// find the candidate, so success proves the stored bytes were reused.
	cfg := pipeline.DefaultConfig()
	cfg.StagingBaseDir = t.TempDir()
	cfg.VerifyTimeout = 0
	p := pipeline.New(c, search.New(nil, 0), reconcile.New(), fc, db, cfg)
	o := New(c, p, db, 2)

	require.NoError(t, db.PutRetry(store.RetryLedgerEntry{
		LocalInfoHash: "h1",
		SiteID:        "redacted.sh",
		RemoteID:      "1",
		TargetFiles:   []byte(storedCandidateTorrent),
		Attempts:      1,
		NextRetryAt:   time.Now().Add(-time.Minute),
		MaxAttempts:   5,
	}))

	require.NoError(t, o.RetrySweep(context.Background()))

	require.Equal(t, 1, fc.added)
	due, err := db.DueRetries(time.Now().Add(24 * time.Hour))
	require.NoError(t, err)
	require.Empty(t, due, "resolved ledger entries are deleted")

	seen, err := db.IsSeen("h1", "redacted.sh")
	require.NoError(t, err)
	require.True(t, seen)
}
