// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import "errors"

// configError wraps a failure loading or validating configuration: fail
// fast, exit 2.
type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

// noClientError wraps a failure reaching the torrent client (exit 3).
type noClientError struct{ err error }

func (e *noClientError) Error() string { return e.err.Error() }
func (e *noClientError) Unwrap() error { return e.err }

func asError[T error](err error, target *T) bool {
	return errors.As(err, target)
}
