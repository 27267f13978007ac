// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Lawrencewte/benefitmetrics-sub001/internal/security"
)

// KeyInfo describes one key version. Material is never printed.
type KeyInfo struct {
	Version     uint32             `json:"version"`
	Status      security.KeyStatus `json:"status"`
	Created     time.Time          `json:"created"`
	RotatedFrom uint32             `json:"rotatedFrom,omitempty"`
}

func keyInfos(keys []security.Key) []KeyInfo {
	out := make([]KeyInfo, 0, len(keys))
	for _, k := range keys {
		out = append(out, KeyInfo{
			Version:     k.Version,
			Status:      k.Status,
			Created:     k.Created,
			RotatedFrom: k.RotatedFrom,
		})
	}
	return out
}

func activeVersion(keys []security.Key) uint32 {
	var v uint32
	for _, k := range keys {
		if k.Status == security.KeyStatusActive && k.Version > v {
			v = k.Version
		}
	}
	return v
}

func newKeysCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Inspect and rotate the item encryption keys",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List key versions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			l, _, err := opts.openLogger(cmd)
			if err != nil {
				return err
			}
			defer closeLogger(l, cmd)

			keys, err := l.KeyVersions()
			if err != nil {
				return err
			}
			infos := keyInfos(keys)
			return opts.emit(cmd, "keys list", infos, nil, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "VERSION\tSTATUS\tCREATED\tROTATED FROM")
				for _, k := range infos {
					from := "-"
					if k.RotatedFrom != 0 {
						from = fmt.Sprintf("v%d", k.RotatedFrom)
					}
					fmt.Fprintf(tw, "v%d\t%s\t%s\t%s\n", k.Version, k.Status, k.Created.Format(time.RFC3339), from)
				}
				tw.Flush()
			})
		},
	}

	rotate := &cobra.Command{
		Use:     "rotate",
		Aliases: []string{"rotate-key"},
		Short:   "Make a new key version active",
		Long: `rotate creates a new key version for sealing new entries. Older
versions stay available so entries sealed under them can still be opened.
The rotation itself is recorded in the audit log.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			l, _, err := opts.openLogger(cmd)
			if err != nil {
				return err
			}
			defer closeLogger(l, cmd)

			v, err := l.RotateKey()
			if err != nil {
				return fmt.Errorf("rotate key: %w", err)
			}
			out := map[string]uint32{"activeVersion": v}
			return opts.emit(cmd, "keys rotate", out, nil, func(w io.Writer) {
				fmt.Fprintf(w, "Active key is now v%d\n", v)
			})
		},
	}

	cmd.AddCommand(list, rotate)
	return cmd
}
