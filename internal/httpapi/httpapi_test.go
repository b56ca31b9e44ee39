// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/autobrr/nemorosa/internal/cache"
	"github.com/autobrr/nemorosa/internal/clientadapter"
	"github.com/autobrr/nemorosa/internal/metainfo"
	"github.com/autobrr/nemorosa/internal/orchestrator"
	"github.com/autobrr/nemorosa/internal/pipeline"
	"github.com/autobrr/nemorosa/internal/reconcile"
	"github.com/autobrr/nemorosa/internal/search"
	"github.com/autobrr/nemorosa/internal/store"
)

type fakeClient struct {
	info   map[string]*metainfo.Metainfo
	status map[string]clientadapter.TorrentStatus
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
func (f *fakeClient) AddTorrent(context.Context, []byte, string, string, bool) error { return nil }
func (f *fakeClient) Recheck(context.Context, string) error                          { return nil }
func (f *fakeClient) Status(context.Context, string) (clientadapter.TorrentStatus, error) {
	return clientadapter.TorrentStatus{}, nil
}

var _ clientadapter.Adapter = (*fakeClient)(nil)

func newTestServer(t *testing.T, apiKey string) *Server {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "Album"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Album", "01.flac"), []byte("aaaa"), 0o644))

	fc := &fakeClient{
		info:   map[string]*metainfo.Metainfo{"h1": {Name: "Album", Files: []metainfo.FileEntry{{Path: "Album/01.flac", Length: 4}}}},
		status: map[string]clientadapter.TorrentStatus{"h1": {SavePath: dir}},
	}
	db, err := store.Open(filepath.Join(t.TempDir(), "a.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	c, err := cache.New(fc, db)
	require.NoError(t, err)
	require.NoError(t, c.Rebuild(context.Background()))

	strat := search.New(nil, 0)
	p := pipeline.New(c, strat, reconcile.New(), fc, db, pipeline.DefaultConfig())
	orch := orchestrator.New(c, p, db, 2)
	return NewServer(orch, apiKey)
}

func TestWebhookUnauthorized(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, "secret")
	req := httptest.NewRequest(http.MethodPost, "/api/webhook?infoHash=h1", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestWebhookAcceptedNoMatch(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, "")
	req := httptest.NewRequest(http.MethodPost, "/api/webhook?infoHash=h1", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusAccepted, w.Code)
}

func TestWebhookMissingInfoHash(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, "")
	req := httptest.NewRequest(http.MethodPost, "/api/webhook", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestJobsListsRecordedOutcomes(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, "")
	req := httptest.NewRequest(http.MethodPost, "/api/webhook?infoHash=h1", nil)
	s.Handler().ServeHTTP(httptest.NewRecorder(), req)

	req = httptest.NewRequest(http.MethodGet, "/jobs", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "h1")
}

func TestWebhookUnknownHashIs404(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, "")
	req := httptest.NewRequest(http.MethodPost, "/api/webhook?infoHash=doesnotexist", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusNotFound, w.Code)
	require.Contains(t, w.Body.String(), "unknown_hash")
}
