// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Command nemorosa is the CLI entry point: a single cobra command that
// loads configuration, wires the Orchestrator, and either runs one mode
// to completion or serves the HTTP API.
package main

import (
	"fmt"
	"os"
)

// Exit codes for the CLI entry point.
const (
	exitSuccess       = 0
	exitRuntimeError  = 1
	exitConfigInvalid = 2
	exitNoClient      = 3
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cmd := newRootCommand()
	cmd.SetArgs(args)

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitCodeFor(err)
	}
	return exitSuccess
}

func exitCodeFor(err error) int {
	var ce *configError
	var ne *noClientError
	switch {
	case asError(err, &ce):
		return exitConfigInvalid
	case asError(err, &ne):
		return exitNoClient
	default:
		return exitRuntimeError
	}
}
