// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package clientadapter defines the contract the Orchestrator and Match
// Pipeline drive against a torrent client (transmission, qBittorrent,
// deluge), per the downloader.client URL scheme `{kind}+{scheme}://...`.
package clientadapter

import (
	"context"
	"time"

	"github.com/autobrr/nemorosa/internal/metainfo"
)

// TorrentStatus is the client-reported state of one torrent.
type TorrentStatus struct {
	Hash      string
	Name      string
	SavePath  string
	Trackers  []string
	Checked   bool
	Progress  float64
	AddedAt   time.Time
	Size      int64
	PieceSize int64
}

// Adapter is every operation the pipeline needs from a torrent client.
// Implementations must be safe for concurrent use.
type Adapter interface {
	// ListHashes returns every infohash currently known to the client.
	ListHashes(ctx context.Context) ([]string, error)
	// GetInfo returns a torrent's metainfo model and status by hash.
	GetInfo(ctx context.Context, hash string) (*metainfo.Metainfo, TorrentStatus, error)
	// AddTorrent injects torrentBytes, pointing the client at savePath for
	// content it should find already staged there, applying label and the
	// paused flag (auto_start_torrents inverted).
	AddTorrent(ctx context.Context, torrentBytes []byte, savePath, label string, paused bool) error
	// Recheck requests the client re-hash a torrent's on-disk data.
	Recheck(ctx context.Context, hash string) error
	// Status polls current verification/progress state for hash.
	Status(ctx context.Context, hash string) (TorrentStatus, error)
}
