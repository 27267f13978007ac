// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/Lawrencewte/benefitmetrics-sub001/internal/config"
	"github.com/Lawrencewte/benefitmetrics-sub001/internal/logging"
	"github.com/Lawrencewte/benefitmetrics-sub001/pkg/auditlog"
)

// Version information (injected at build time via -ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// ErrChainBroken is returned by verify when the chain does not hold. main
// maps it to exit status 2.
var ErrChainBroken = errors.New("audit chain verification failed")

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	ConfigFile string
	Output     string
	Verbose    bool
}

// NewRootCmd builds the auditctl command tree.
func NewRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:   "auditctl",
		Short: "Operate the tamper-evident PHI audit log",
		Long: `auditctl inspects and maintains the local audit log of a
benefitmetrics device: chain verification, delivery of pending entries,
retention cleanup and encryption key rotation.

Configuration is read from ~/.benefitmetrics/audit.toml unless --config is
given. BMAUDIT_* environment variables override file settings.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&opts.ConfigFile, "config", "",
		"config file (default is $HOME/.benefitmetrics/audit.toml)")
	root.PersistentFlags().StringVarP(&opts.Output, "output", "o", FormatAuto,
		"output format (auto, text, json)")
	root.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false,
		"verbose logging to stderr")

	root.AddCommand(
		newInitCmd(opts),
		newRecordCmd(opts),
		newVerifyCmd(opts),
		newSyncCmd(opts),
		newCleanupCmd(opts),
		newKeysCmd(opts),
		newStatusCmd(opts),
		newEntriesCmd(opts),
		newVersionCmd(opts),
	)
	return root
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}

// =============================================================================
// HELPERS
// =============================================================================

func (o *globalOptions) loadConfig() (*config.Config, error) {
	if o.ConfigFile != "" {
		return config.LoadFromPath(o.ConfigFile)
	}
	return config.Load()
}

func (o *globalOptions) logger(cfg *config.Config, w io.Writer) *slog.Logger {
	level := cfg.Logging.Level
	if o.Verbose {
		level = "debug"
	}
	return logging.New(w, level, cfg.Logging.Format)
}

// openLogger loads the config and opens the audit logger without starting
// background delivery. Callers must Close it.
func (o *globalOptions) openLogger(cmd *cobra.Command) (*auditlog.Logger, *config.Config, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	l, err := auditlog.New(cfg, auditlog.WithLogger(o.logger(cfg, cmd.ErrOrStderr())))
	if err != nil {
		return nil, nil, fmt.Errorf("open audit log: %w", err)
	}
	return l, cfg, nil
}

// emit prints data for command in the selected format. In text mode text is
// called to render it. A non-nil cmdErr is reported in the JSON envelope and
// returned.
func (o *globalOptions) emit(cmd *cobra.Command, command string, data any, cmdErr error, text func(w io.Writer)) error {
	w := cmd.OutOrStdout()
	format, err := resolveFormat(o.Output, w)
	if err != nil {
		return err
	}

	if format == FormatJSON {
		resp := NewJSONResponse(command, data)
		if cmdErr != nil {
			resp = NewJSONErrorResponse(command, data, cmdErr)
		}
		if err := resp.Write(w); err != nil {
			return err
		}
		return cmdErr
	}

	if text != nil {
		text(w)
	}
	return cmdErr
}

func closeLogger(l *auditlog.Logger, cmd *cobra.Command) {
	if err := l.Close(); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "Warning: close audit log: %v\n", err)
	}
}
