// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"runtime"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Lawrencewte/benefitmetrics-sub001/internal/security/audit"
	"github.com/Lawrencewte/benefitmetrics-sub001/internal/telemetry"
)

// =============================================================================
// STATUS
// =============================================================================

// StatusOutput is the result of auditctl status.
type StatusOutput struct {
	DeviceID   string             `json:"deviceId"`
	StorageDir string             `json:"storageDir"`
	Head       audit.Head         `json:"head"`
	Health     telemetry.Snapshot `json:"health"`
}

func newStatusCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show chain head, queues and health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			l, cfg, err := opts.openLogger(cmd)
			if err != nil {
				return err
			}
			defer closeLogger(l, cmd)

			out := StatusOutput{
				DeviceID:   l.DeviceID(),
				StorageDir: cfg.Storage.Dir,
				Head:       l.Head(),
				Health:     l.Health(),
			}
			return opts.emit(cmd, "status", out, nil, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
				fmt.Fprintf(tw, "Status:\t%s\n", out.Health.Status)
				for _, r := range out.Health.Reasons {
					fmt.Fprintf(tw, "\t- %s\n", r)
				}
				fmt.Fprintf(tw, "Device ID:\t%s\n", out.DeviceID)
				fmt.Fprintf(tw, "Storage:\t%s\n", out.StorageDir)
				fmt.Fprintf(tw, "Chain head:\t%d\n", out.Head.Sequence)
				fmt.Fprintf(tw, "Chain verified:\t%t\n", out.Health.ChainVerified)
				fmt.Fprintf(tw, "Keystore:\t%s\n", availability(out.Health.KeystoreAvailable, out.Health.KeystoreError))
				fmt.Fprintf(tw, "Pending:\t%d\n", out.Health.Pending)
				fmt.Fprintf(tw, "Fallback queue:\t%d\n", out.Health.FallbackQueue)
				if !out.Health.LastUploadSuccess.IsZero() {
					fmt.Fprintf(tw, "Last upload:\t%s\n", out.Health.LastUploadSuccess.Format(time.RFC3339))
				}
				if out.Health.LastUploadError != "" {
					fmt.Fprintf(tw, "Upload error:\t%s\n", out.Health.LastUploadError)
				}
				tw.Flush()
			})
		},
	}
}

func availability(ok bool, errMsg string) string {
	if ok {
		return "available"
	}
	return "unavailable: " + errMsg
}

// =============================================================================
// ENTRIES
// =============================================================================

// EntrySummary is one row of auditctl entries. Details are omitted unless
// --open is given.
type EntrySummary struct {
	Sequence  uint64          `json:"sequence"`
	ID        string          `json:"id"`
	Timestamp string          `json:"timestamp"`
	Level     audit.LogLevel  `json:"logLevel"`
	ActorID   string          `json:"actorId"`
	Action    string          `json:"action"`
	Resource  string          `json:"resource"`
	PHI       bool            `json:"containsPHI"`
	Sealed    bool            `json:"sealed"`
	Details   json.RawMessage `json:"details,omitempty"`
}

func newEntriesCmd(opts *globalOptions) *cobra.Command {
	var (
		id    string
		open  bool
		limit int
	)

	cmd := &cobra.Command{
		Use:   "entries",
		Short: "List pending entries",
		Long: `entries lists entries still held locally. With --id and --open the
details of one entry are decrypted and printed; this prints PHI.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if open && id == "" {
				return errors.New("--open requires --id")
			}

			l, _, err := opts.openLogger(cmd)
			if err != nil {
				return err
			}
			defer closeLogger(l, cmd)

			entries, err := l.Entries()
			if err != nil {
				return err
			}

			var rows []EntrySummary
			for _, e := range entries {
				if id != "" && e.ID != id {
					continue
				}
				row := EntrySummary{
					Sequence:  e.Sequence,
					ID:        e.ID,
					Timestamp: e.Timestamp,
					Level:     e.LogLevel,
					ActorID:   e.ActorID,
					Action:    e.Action,
					Resource:  e.Resource,
					PHI:       e.ContainsPHI,
					Sealed:    e.Sealed != nil,
				}
				if open {
					details, err := l.OpenDetails(e)
					if err != nil {
						return fmt.Errorf("open entry %s: %w", e.ID, err)
					}
					row.Details = details
				}
				rows = append(rows, row)
			}
			if id != "" && len(rows) == 0 {
				return fmt.Errorf("entry %s not found", id)
			}
			if limit > 0 && len(rows) > limit {
				rows = rows[len(rows)-limit:]
			}

			return opts.emit(cmd, "entries", rows, nil, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "SEQ\tTIMESTAMP\tLEVEL\tACTOR\tACTION\tRESOURCE\tPHI")
				for _, r := range rows {
					phi := "-"
					if r.Sealed {
						phi = "sealed"
					}
					fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
						r.Sequence, r.Timestamp, r.Level, r.ActorID, r.Action, r.Resource, phi)
				}
				tw.Flush()
				for _, r := range rows {
					if r.Details != nil {
						fmt.Fprintf(w, "\nDetails of %s:\n%s\n", r.ID, r.Details)
					}
				}
			})
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "show only this entry")
	cmd.Flags().BoolVar(&open, "open", false, "decrypt and print details (requires --id)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "show only the last n entries")
	return cmd
}

// =============================================================================
// VERSION
// =============================================================================

func newVersionCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info := map[string]string{
				"version":    Version,
				"commit":     GitCommit,
				"build_date": BuildDate,
				"go_version": runtime.Version(),
				"os":         runtime.GOOS,
				"arch":       runtime.GOARCH,
			}
			return opts.emit(cmd, "version", info, nil, func(w io.Writer) {
				fmt.Fprintf(w, "auditctl version %s\n", Version)
				fmt.Fprintf(w, "Git commit: %s\n", GitCommit)
				fmt.Fprintf(w, "Build date: %s\n", BuildDate)
				fmt.Fprintf(w, "Go version: %s\n", runtime.Version())
				fmt.Fprintf(w, "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
			})
		},
	}
}
