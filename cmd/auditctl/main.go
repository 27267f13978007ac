// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// auditctl operates the local PHI audit log: verify, sync, cleanup, keys.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/Lawrencewte/benefitmetrics-sub001/internal/cli"
)

// Version information (set at build time)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func main() {
	cli.Version = Version
	cli.GitCommit = GitCommit
	cli.BuildDate = BuildDate

	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, cli.ErrChainBroken) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
