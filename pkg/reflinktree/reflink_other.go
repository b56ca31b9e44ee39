// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

//go:build !linux

package reflinktree

import (
	"errors"
	"fmt"
	"os"
)

// ErrUnsupported is returned on platforms with no reflink/CoW clone syscall
// wired up. The Reconciler treats this as a hard failure for reflink mode
// (the linking mode degradation chain stops at reflink; there is no further
// fallback).
var ErrUnsupported = errors.New("reflink: not supported on this platform")

// SupportsReflink always reports false outside Linux.
func SupportsReflink(dir string) (supported bool, reason string) {
	if _, err := os.Stat(dir); err != nil {
		return false, fmt.Sprintf("cannot access directory: %v", err)
	}
	return false, ErrUnsupported.Error()
}

// CloneFile always fails outside Linux.
func CloneFile(src, dst string) error {
	return ErrUnsupported
}
