// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteDefaultProducesLoadableConfig(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "nemorosa.yaml")

	require.NoError(t, WriteDefault(path))

	cfg, err := New(path)
	require.NoError(t, err)
	require.Equal(t, "info", cfg.Global.LogLevel)
	require.Len(t, cfg.TargetSites, 1)
}
