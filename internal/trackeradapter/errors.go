// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package trackeradapter

import (
	"errors"
	"fmt"
	"time"
)

// AuthError is a credential rejection from a site. The search strategy
// disables the site for the rest of the run when it sees one, so a revoked
// API key produces one warning instead of a failure per torrent.
type AuthError struct {
	SiteID string
	Status int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("site %s rejected credentials (HTTP %d)", e.SiteID, e.Status)
}

// IsAuthError reports whether err wraps an AuthError.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// RateLimitedError surfaces when a site asked us to back off and the
// request context expired before the indicated window passed. Adapters
// honor the window internally, so callers only ever see this on
// cancellation.
type RateLimitedError struct {
	SiteID     string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("site %s rate limited, retry after %s", e.SiteID, e.RetryAfter)
}
