// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package trackeradapter defines the polymorphic contract the Candidate
// Search Strategy drives against every configured target site.
package trackeradapter

import "context"

// CandidateRef is a lightweight reference to a torrent on a remote site,
// cheap enough to rank before any metainfo bytes are fetched.
type CandidateRef struct {
	SiteID   string
	RemoteID string
	InfoHash string // empty unless the site returned it directly (hash hit)
	Size     int64
	Title    string
}

// Adapter is the capability set a tracker site implementation exposes.
// GazelleJSON (authenticated API) and GazelleHTML (scraped) are both
// expected to satisfy it; adapters are async and must respect their own
// rate limit internally, so callers can invoke them freely.
type Adapter interface {
	// SiteID identifies this adapter instance for dedupe and logging.
	SiteID() string
	// SourceFlag is the torrent "source" tag this tracker expects on
	// torrents fetched from it, used to mutate infohash for hash-ladder
	// lookups against trackers that require a distinct source per site.
	SourceFlag() string

	SearchByHash(ctx context.Context, infohash string) ([]CandidateRef, error)
	SearchByFilename(ctx context.Context, query string) ([]CandidateRef, error)
	FetchTorrent(ctx context.Context, remoteID string) ([]byte, error)
}
