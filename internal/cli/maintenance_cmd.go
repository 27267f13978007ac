// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

// signalContext cancels on SIGINT/SIGTERM so long network passes stop
// cleanly; entries not yet delivered stay on disk.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

// =============================================================================
// VERIFY
// =============================================================================

func newVerifyCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Verify the hash chain of retained entries",
		Long: `verify recomputes every retained entry's digest and checks each link
against its predecessor and the persisted chain head. A failure is itself
recorded as a CRITICAL security incident, and auditctl exits with status 2.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			l, _, err := opts.openLogger(cmd)
			if err != nil {
				return err
			}
			defer closeLogger(l, cmd)

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			ok, report := l.VerifyChain(ctx)
			var cmdErr error
			if !ok {
				cmdErr = fmt.Errorf("%w: %d issue(s)", ErrChainBroken, len(report.Issues))
			}
			return opts.emit(cmd, "verify", report, cmdErr, func(w io.Writer) {
				if ok {
					fmt.Fprintf(w, "PASS  %d entries checked, head at %d\n", report.Checked, report.Head.Sequence)
					return
				}
				fmt.Fprintf(w, "FAIL  %d entries checked, head at %d\n", report.Checked, report.Head.Sequence)
				for _, is := range report.Issues {
					fmt.Fprintf(w, "  [%d] %s", is.Sequence, is.Problem)
					if is.File != "" {
						fmt.Fprintf(w, " (%s)", is.File)
					}
					fmt.Fprintln(w)
				}
			})
		},
	}
}

// =============================================================================
// SYNC
// =============================================================================

func newSyncCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Upload pending entries now",
		Long: `sync delivers every pending entry in batches. Entries are deleted
locally only after the endpoint accepts their batch.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			l, _, err := opts.openLogger(cmd)
			if err != nil {
				return err
			}
			defer closeLogger(l, cmd)

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			res, err := l.SyncPending(ctx)
			return opts.emit(cmd, "sync", res, err, func(w io.Writer) {
				fmt.Fprintf(w, "Sent %d entries, %d remaining\n", res.Sent, res.Remaining)
			})
		},
	}
}

// =============================================================================
// CLEANUP
// =============================================================================

func newCleanupCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Run one upload-then-prune retention pass",
		Long: `cleanup uploads pending entries, then removes entries older than the
retention window if the configuration allows dropping undelivered entries.
Nothing is pruned when the upload could not be attempted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			l, cfg, err := opts.openLogger(cmd)
			if err != nil {
				return err
			}
			defer closeLogger(l, cmd)

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			rep, err := l.RunCleanup(ctx)
			return opts.emit(cmd, "cleanup", rep, err, func(w io.Writer) {
				fmt.Fprintf(w, "Uploaded %d entries, %d remaining\n", rep.Upload.Sent, rep.Upload.Remaining)
				if rep.UploadError != "" {
					fmt.Fprintf(w, "Upload error: %s\n", rep.UploadError)
				}
				fmt.Fprintf(w, "Pruned %d entries older than %s (window %s)\n",
					rep.Pruned, rep.Cutoff.Format(time.RFC3339), cfg.RetentionWindow())
			})
		},
	}
}
