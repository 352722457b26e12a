// SPDX-License-Identifier: MIT

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/stitchd/stitchd/internal/channel"
	"github.com/stitchd/stitchd/internal/db"
)

func channelCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "channel",
		Short: "Administer channel configuration",
	}
	cmd.AddCommand(channelListCmd(flags))
	cmd.AddCommand(channelGetCmd(flags))
	cmd.AddCommand(channelSetDurationCmd(flags))
	return cmd
}

func openDB(flags *rootFlags) (*db.Store, error) {
	st, err := db.Open(flags.dbPath)
	if err != nil {
		return nil, fmt.Errorf("admin database %s: %v: %w", flags.dbPath, err, errUnavailable)
	}
	return st, nil
}

func channelListCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all configured channels",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := openDB(flags)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			channels, err := st.Channels(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tORG\tCHANNEL\tMODE\tSCTE35\tORIGIN")
			for _, ch := range channels {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%v\t%s\n",
					ch.ID, ch.OrgSlug, ch.Slug, ch.Mode, ch.SCTE35Enabled, ch.OriginURL)
			}
			return w.Flush()
		},
	}
}

func channelGetCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "get ORG CHANNEL",
		Short: "Print one channel's configuration as JSON",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openDB(flags)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			ch, err := st.ChannelBySlug(cmd.Context(), args[0], args[1])
			if err != nil {
				if errors.Is(err, channel.ErrNotFound) {
					return fmt.Errorf("channel %s/%s: %w", args[0], args[1], errNotFound)
				}
				return err
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(ch)
		},
	}
}

func channelSetDurationCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "set-duration ORG CHANNEL SECONDS",
		Short: "Change a channel's default ad break duration",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			seconds, err := strconv.ParseFloat(args[2], 64)
			if err != nil || seconds <= 0 || seconds > 600 {
				return fmt.Errorf("duration %q must be in (0,600] seconds", args[2])
			}

			st, err := openDB(flags)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			ch, err := st.ChannelBySlug(cmd.Context(), args[0], args[1])
			if err != nil {
				if errors.Is(err, channel.ErrNotFound) {
					return fmt.Errorf("channel %s/%s: %w", args[0], args[1], errNotFound)
				}
				return err
			}

			ch.DefaultAdDuration = seconds
			if err := st.UpsertChannel(cmd.Context(), ch); err != nil {
				return err
			}
			fmt.Printf("channel %s/%s default ad duration set to %vs\n", args[0], args[1], seconds)
			return nil
		},
	}
}
