// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package pathutil

import "fmt"

// IsolationFolderName returns a deterministic staging directory name for a
// target torrent that has no common root folder across its file list (a
// rootless multi-file torrent, or a single-file torrent). The Reconciler
// needs some directory to stage files under even when the target metainfo
// itself declares none; this keeps staged trees for different sites/hashes
// from colliding and makes the name reproducible across retries.
func IsolationFolderName(siteID, infohash string) string {
	site := SanitizePathSegment(siteID)
	if site == "" {
		site = "site"
	}
	short := infohash
	if len(short) > 12 {
		short = short[:12]
	}
	return fmt.Sprintf("%s-%s", site, short)
}
