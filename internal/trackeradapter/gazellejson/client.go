// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package gazellejson implements trackeradapter.Adapter against the
// Gazelle-family ajax.php JSON API (RED/OPS and compatible sites).
package gazellejson

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	retry "github.com/avast/retry-go"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/autobrr/nemorosa/internal/metainfo"
	"github.com/autobrr/nemorosa/internal/trackeradapter"
)

// sharedTransport pools connections across every Client instance, since
// each site has its own rate limit but benefits from shared keep-alives.
var sharedTransport = func() *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.MaxIdleConns = 100
	t.MaxIdleConnsPerHost = 10
	t.IdleConnTimeout = 90 * time.Second
	t.ForceAttemptHTTP2 = true
	return t
}()

// Spec describes one site's API shape and rate limit.
type Spec struct {
	SiteID        string
	BaseURL       string
	APIKey        string
	SourceFlag    string
	RateLimit     int // requests
	RatePeriod    int // seconds
	MaxConcurrent int // simultaneous in-flight requests; 0 selects 4
}

// KnownTrackers seeds Spec defaults for the two most common Gazelle-family
// private trackers in the music cross-seed ecosystem. Config may override
// RateLimit/RatePeriod/SourceFlag per site.
var KnownTrackers = map[string]Spec{
	"redacted.sh": {
		SiteID:     "redacted.sh",
		SourceFlag: "RED",
		RateLimit:  10,
		RatePeriod: 10,
	},
	"orpheus.network": {
		SiteID:     "orpheus.network",
		SourceFlag: "OPS",
		RateLimit:  5,
		RatePeriod: 10,
	},
}

type ajaxResponse struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
	Error    string          `json:"error"`
}

type torrentResponse struct {
	Group struct {
		ID   int64  `json:"id"`
		Name string `json:"name"`
	} `json:"group"`
	Torrent struct {
		ID       int64  `json:"id"`
		InfoHash string `json:"infoHash"`
		Size     int64  `json:"size"`
	} `json:"torrent"`
}

type searchResponse struct {
	Results []struct {
		GroupID   flexInt `json:"groupId"`
		GroupName string  `json:"groupName"`
		Torrents  []struct {
			TorrentID flexInt `json:"torrentId"`
			Size      int64   `json:"size"`
		} `json:"torrents"`
	} `json:"results"`
}

// flexInt unmarshals a JSON field that Gazelle sometimes emits as a string
// and sometimes as a number.
type flexInt int64

func (f *flexInt) UnmarshalJSON(data []byte) error {
	var n int64
	if err := json.Unmarshal(data, &n); err == nil {
		*f = flexInt(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("cannot unmarshal %s into flexInt", string(data))
	}
	parsed, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return err
	}
	*f = flexInt(parsed)
	return nil
}

// Client is a trackeradapter.Adapter against one Gazelle-family site.
type Client struct {
	spec       Spec
	httpClient *http.Client
	limiter    *rate.Limiter
	sem        *semaphore.Weighted
}

// New constructs a Client for spec. spec.RateLimit/RatePeriod default to
// the matching KnownTrackers entry when zero.
func New(spec Spec) (*Client, error) {
	if spec.BaseURL == "" {
		return nil, fmt.Errorf("gazellejson: base URL required for site %q", spec.SiteID)
	}
	if spec.RateLimit == 0 || spec.RatePeriod == 0 {
		if known, ok := KnownTrackers[spec.SiteID]; ok {
			if spec.RateLimit == 0 {
				spec.RateLimit = known.RateLimit
			}
			if spec.RatePeriod == 0 {
				spec.RatePeriod = known.RatePeriod
			}
			if spec.SourceFlag == "" {
				spec.SourceFlag = known.SourceFlag
			}
		}
	}
	if spec.RateLimit == 0 || spec.RatePeriod == 0 {
		return nil, fmt.Errorf("gazellejson: unknown rate limit for site %q, specify one explicitly", spec.SiteID)
	}

	if spec.MaxConcurrent <= 0 {
		spec.MaxConcurrent = 4
	}

	limiter := rate.NewLimiter(rate.Every(time.Duration(spec.RatePeriod)*time.Second/time.Duration(spec.RateLimit)), 1)
	return &Client{
		spec: spec,
		httpClient: &http.Client{
			Timeout:   30 * time.Second,
			Transport: sharedTransport,
		},
		limiter: limiter,
		sem:     semaphore.NewWeighted(int64(spec.MaxConcurrent)),
	}, nil
}

var _ trackeradapter.Adapter = (*Client)(nil)

func (c *Client) SiteID() string     { return c.spec.SiteID }
func (c *Client) SourceFlag() string { return c.spec.SourceFlag }

// request performs one logical API call, retrying transient network and
// server errors up to three sub-attempts with backoff. Credential
// rejections surface immediately as a trackeradapter.AuthError, and a 429
// is honored by sleeping the indicated window without consuming a
// sub-attempt.
func (c *Client) request(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	var body []byte
	err := retry.Do(
		func() error {
			b, err := c.requestOnce(ctx, endpoint, params)
			if err != nil {
				return err
			}
			body = b
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.RetryIf(func(err error) bool {
			return !trackeradapter.IsAuthError(err)
		}),
	)
	return body, err
}

func (c *Client) requestOnce(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire request slot: %w", err)
	}
	defer c.sem.Release(1)

	reqURL := fmt.Sprintf("%s/%s", strings.TrimSuffix(c.spec.BaseURL, "/"), endpoint)
	if len(params) > 0 {
		reqURL = fmt.Sprintf("%s?%s", reqURL, params.Encode())
	}

	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return nil, fmt.Errorf("create request for %s: %w", endpoint, err)
		}
		req.Header.Set("Authorization", c.spec.APIKey)
		req.Header.Set("User-Agent", "nemorosa/1.0 (gazellejson)")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("request to %s: %w", endpoint, err)
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read response from %s: %w", endpoint, err)
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			return body, nil
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return nil, &trackeradapter.AuthError{SiteID: c.spec.SiteID, Status: resp.StatusCode}
		case resp.StatusCode == http.StatusTooManyRequests:
			wait := retryAfter(resp)
			log.Warn().Str("site", c.spec.SiteID).Dur("wait", wait).Msg("gazellejson: rate limited by server, sleeping")
			select {
			case <-ctx.Done():
				return nil, &trackeradapter.RateLimitedError{SiteID: c.spec.SiteID, RetryAfter: wait}
			case <-time.After(wait):
			}
		default:
			return nil, fmt.Errorf("%s: HTTP %d: %s", endpoint, resp.StatusCode, string(body))
		}
	}
}

// retryAfter parses a 429's Retry-After header, defaulting to ten seconds
// when the site didn't say.
func retryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 10 * time.Second
}

func (c *Client) ajax(ctx context.Context, action string, params url.Values) (*ajaxResponse, error) {
	if params == nil {
		params = url.Values{}
	}
	params.Set("action", action)

	body, err := c.request(ctx, "ajax.php", params)
	if err != nil {
		return nil, err
	}
	var resp ajaxResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse ajax response: %w", err)
	}
	if resp.Status != "success" {
		return nil, fmt.Errorf("api error: %s", resp.Error)
	}
	return &resp, nil
}

// SearchByHash implements trackeradapter.Adapter.
func (c *Client) SearchByHash(ctx context.Context, infohash string) ([]trackeradapter.CandidateRef, error) {
	params := url.Values{}
	params.Set("hash", strings.ToUpper(infohash))

	resp, err := c.ajax(ctx, "torrent", params)
	if err != nil {
		lower := strings.ToLower(err.Error())
		if strings.Contains(lower, "bad id parameter") ||
			strings.Contains(lower, "bad parameters") ||
			strings.Contains(lower, "bad hash parameter") {
			log.Trace().Str("hash", infohash).Str("site", c.spec.SiteID).Msg("gazellejson: no hash hit")
			return nil, nil
		}
		return nil, err
	}

	var tr torrentResponse
	if err := json.Unmarshal(resp.Response, &tr); err != nil {
		return nil, err
	}
	return []trackeradapter.CandidateRef{{
		SiteID:   c.spec.SiteID,
		RemoteID: strconv.FormatInt(tr.Torrent.ID, 10),
		InfoHash: tr.Torrent.InfoHash,
		Size:     tr.Torrent.Size,
		Title:    tr.Group.Name,
	}}, nil
}

// SearchByFilename implements trackeradapter.Adapter.
func (c *Client) SearchByFilename(ctx context.Context, query string) ([]trackeradapter.CandidateRef, error) {
	params := url.Values{}
	params.Set("filelist", query)

	resp, err := c.ajax(ctx, "browse", params)
	if err != nil {
		return nil, err
	}
	var sr searchResponse
	if err := json.Unmarshal(resp.Response, &sr); err != nil {
		return nil, err
	}

	refs := make([]trackeradapter.CandidateRef, 0, 32)
	for _, r := range sr.Results {
		for _, t := range r.Torrents {
			refs = append(refs, trackeradapter.CandidateRef{
				SiteID:   c.spec.SiteID,
				RemoteID: strconv.FormatInt(int64(t.TorrentID), 10),
				Size:     t.Size,
				Title:    r.GroupName,
			})
		}
	}
	return refs, nil
}

// FetchTorrent implements trackeradapter.Adapter.
func (c *Client) FetchTorrent(ctx context.Context, remoteID string) ([]byte, error) {
	params := url.Values{}
	params.Set("action", "download")
	params.Set("id", remoteID)

	body, err := c.request(ctx, "ajax.php", params)
	if err != nil {
		return nil, err
	}
	if !looksLikeTorrentPayload(body) {
		var ajaxErr ajaxResponse
		if json.Unmarshal(body, &ajaxErr) == nil && ajaxErr.Error != "" {
			return nil, fmt.Errorf("download failed: %s", ajaxErr.Error)
		}
		return nil, fmt.Errorf("downloaded payload does not look like a torrent (size=%d)", len(body))
	}
	return body, nil
}

func looksLikeTorrentPayload(body []byte) bool {
	if len(body) == 0 || body[0] != 'd' {
		return false
	}
	_, err := metainfo.Parse(body)
	return err == nil
}
