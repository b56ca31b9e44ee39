// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package gazellejson

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/nemorosa/internal/trackeradapter"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	c, err := New(Spec{
		SiteID:     "redacted.sh",
		BaseURL:    server.URL,
		APIKey:     "test-key",
		SourceFlag: "RED",
		RateLimit:  1000,
		RatePeriod: 1,
	})
	require.NoError(t, err)
	return c, server
}

func TestNew_FillsKnownTrackerDefaults(t *testing.T) {
	t.Parallel()

	c, err := New(Spec{SiteID: "redacted.sh", BaseURL: "https://redacted.sh"})
	require.NoError(t, err)
	assert.Equal(t, "RED", c.SourceFlag())
}

func TestNew_RejectsUnknownSiteWithoutRateLimit(t *testing.T) {
	t.Parallel()

	_, err := New(Spec{SiteID: "example.invalid", BaseURL: "https://example.invalid"})
	assert.Error(t, err)
}

func TestSearchByHash_Hit(t *testing.T) {
	t.Parallel()

	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "torrent", r.URL.Query().Get("action"))
		assert.Equal(t, "ABCDEF", r.URL.Query().Get("hash"))
		w.Write([]byte(`{"status":"success","response":{"group":{"id":1,"name":"Album"},"torrent":{"id":42,"infoHash":"abcdef","size":12345}}}`))
	})

	refs, err := c.SearchByHash(context.Background(), "abcdef")
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, "42", refs[0].RemoteID)
	assert.Equal(t, "Album", refs[0].Title)
	assert.Equal(t, int64(12345), refs[0].Size)
}

func TestSearchByHash_NotFoundIsNilNotError(t *testing.T) {
	t.Parallel()

	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"failure","error":"bad hash parameter"}`))
	})

	refs, err := c.SearchByHash(context.Background(), "deadbeef")
	require.NoError(t, err)
	assert.Nil(t, refs)
}

func TestSearchByFilename_FlattensGroupsAndTorrents(t *testing.T) {
	t.Parallel()

	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "browse", r.URL.Query().Get("action"))
		w.Write([]byte(`{"status":"success","response":{"results":[
			{"groupId":1,"groupName":"Album A","torrents":[{"torrentId":10,"size":100},{"torrentId":11,"size":200}]},
			{"groupId":"2","groupName":"Album B","torrents":[{"torrentId":"20","size":300}]}
		]}}`))
	})

	refs, err := c.SearchByFilename(context.Background(), "some query")
	require.NoError(t, err)
	require.Len(t, refs, 3)
	assert.Equal(t, "10", refs[0].RemoteID)
	assert.Equal(t, "20", refs[2].RemoteID)
	assert.Equal(t, int64(300), refs[2].Size)
}

func TestFetchTorrent_RejectsNonTorrentPayload(t *testing.T) {
	t.Parallel()

	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"failure","error":"rate limit exceeded"}`))
	})

	_, err := c.FetchTorrent(context.Background(), "42")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit exceeded")
}

func TestFetchTorrent_AcceptsBencodedPayload(t *testing.T) {
	t.Parallel()

	payload := []byte("d8:announce15:udp://t.invalid4:infod6:lengthi1e4:name5:fake112:piece lengthi1e6:pieces20:aaaaaaaaaaaaaaaaaaaaee")
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	})

	got, err := c.FetchTorrent(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestRequest_AuthErrorSurfacesImmediately(t *testing.T) {
	t.Parallel()

	calls := 0
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := c.SearchByFilename(context.Background(), "some query")
	require.Error(t, err)
	assert.True(t, trackeradapter.IsAuthError(err))
	assert.Equal(t, 1, calls, "credential rejections must not be retried")
}

func TestRequest_RetriesTransientServerError(t *testing.T) {
	t.Parallel()

	calls := 0
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"status":"success","response":{"results":[]}}`))
	})

	refs, err := c.SearchByFilename(context.Background(), "some query")
	require.NoError(t, err)
	assert.Empty(t, refs)
	assert.Equal(t, 2, calls)
}

func TestRequest_HonorsRetryAfterOn429(t *testing.T) {
	t.Parallel()

	calls := 0
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"status":"success","response":{"results":[]}}`))
	})

	start := time.Now()
	_, err := c.SearchByFilename(context.Background(), "some query")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), time.Second)
	assert.Equal(t, 2, calls)
}
