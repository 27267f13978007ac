// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/term"
)

// =============================================================================
// TTY DETECTION
// =============================================================================

// Output formats accepted by --output.
const (
	FormatAuto = "auto"
	FormatText = "text"
	FormatJSON = "json"
)

// IsStdoutTTY returns true if stdout is a terminal.
func IsStdoutTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// isTerminalWriter reports whether w is a terminal file.
func isTerminalWriter(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// resolveFormat turns "auto" into text for terminals and JSON for pipes so
// that scripted callers get machine-readable output without a flag.
func resolveFormat(format string, w io.Writer) (string, error) {
	switch format {
	case FormatText, FormatJSON:
		return format, nil
	case FormatAuto, "":
		if isTerminalWriter(w) {
			return FormatText, nil
		}
		return FormatJSON, nil
	}
	return "", fmt.Errorf("invalid output format %q (want auto, text or json)", format)
}
