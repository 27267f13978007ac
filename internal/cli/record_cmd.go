// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Lawrencewte/benefitmetrics-sub001/internal/security/audit"
	"github.com/Lawrencewte/benefitmetrics-sub001/pkg/auditlog"
)

// RecordOutput is the result of auditctl record.
type RecordOutput struct {
	Recorded bool       `json:"recorded"`
	Head     audit.Head `json:"head"`
}

func newRecordCmd(opts *globalOptions) *cobra.Command {
	var (
		actor      string
		action     string
		resource   string
		resourceID string
		level      string
		details    string
		phi        bool
	)

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Append one event to the audit log",
		Long: `record appends an event from the command line. Use --phi when the
details contain protected health information; they are then encrypted before
the entry is written.`,
		Example: `  auditctl record --actor u-42 --action EXPORT_REPORT --resource reports
  auditctl record --actor u-42 --action VIEW_CLAIM --resource claims \
      --resource-id c-9 --level PHI_ACCESS --phi --details '{"field":"diagnosis"}'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var raw any
			if details != "" {
				if !json.Valid([]byte(details)) {
					return errors.New("--details must be valid JSON")
				}
				raw = json.RawMessage(details)
			}

			l, _, err := opts.openLogger(cmd)
			if err != nil {
				return err
			}
			defer closeLogger(l, cmd)

			ok := l.RecordEvent(actor, action, resource, auditlog.EventOptions{
				ResourceID:  resourceID,
				Details:     raw,
				LogLevel:    audit.LogLevel(strings.ToUpper(level)),
				ContainsPHI: phi,
			})
			out := RecordOutput{Recorded: ok, Head: l.Head()}

			var cmdErr error
			if !ok {
				cmdErr = errors.New("event was not recorded (see log output)")
			}
			return opts.emit(cmd, "record", out, cmdErr, func(w io.Writer) {
				if ok {
					fmt.Fprintf(w, "Recorded entry %d\n", out.Head.Sequence)
				}
			})
		},
	}

	cmd.Flags().StringVar(&actor, "actor", "", "actor id (required)")
	cmd.Flags().StringVar(&action, "action", "", "action name (required)")
	cmd.Flags().StringVar(&resource, "resource", "", "resource type (required)")
	cmd.Flags().StringVar(&resourceID, "resource-id", "", "resource id")
	cmd.Flags().StringVar(&level, "level", string(audit.LevelInfo), "log level")
	cmd.Flags().StringVar(&details, "details", "", "details as a JSON value")
	cmd.Flags().BoolVar(&phi, "phi", false, "details contain PHI")
	_ = cmd.MarkFlagRequired("actor")
	_ = cmd.MarkFlagRequired("action")
	_ = cmd.MarkFlagRequired("resource")
	return cmd
}
