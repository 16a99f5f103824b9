// File: cmd/stackctl/term_helpers.go
// Brief: Terminal detection helpers shared by the CLI commands.

// Package main provides the stackctl CLI entrypoints.

package main

import (
	"io"

	"github.com/example/stackctl/internal/ui"
)

func isTerminalReader(r io.Reader) bool {
	return ui.IsTerminalReader(r)
}

func isTerminalWriter(w io.Writer) bool {
	return ui.IsTerminalWriter(w)
}
