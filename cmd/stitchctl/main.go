// SPDX-License-Identifier: MIT

// stitchctl is the operator CLI for the ad-insertion gateway. Channel
// administration talks to the sqlite database directly; cue and status go
// through the daemon's HTTP control plane.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Exit codes: 0 success, 1 auth or general failure, 2 not found,
// 3 backend unavailable.
const (
	exitOK          = 0
	exitError       = 1
	exitNotFound    = 2
	exitUnavailable = 3
)

var (
	errNotFound    = errors.New("not found")
	errUnavailable = errors.New("backend unavailable")
)

type rootFlags struct {
	dbPath string
	server string
	token  string
}

func main() {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:           "stitchctl",
		Short:         "Operate the stitchd ad-insertion gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.dbPath, "db", envOr("DB_PATH", "./data/stitchd.db"), "sqlite admin database path")
	root.PersistentFlags().StringVar(&flags.server, "server", envOr("STITCHD_SERVER", "http://localhost:8080"), "daemon base URL")
	root.PersistentFlags().StringVar(&flags.token, "token", os.Getenv("API_TOKEN"), "control-plane API token")

	root.AddCommand(channelCmd(flags))
	root.AddCommand(cueCmd(flags))
	root.AddCommand(statusCmd(flags))

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "stitchctl: %v\n", err)
		switch {
		case errors.Is(err, errNotFound):
			os.Exit(exitNotFound)
		case errors.Is(err, errUnavailable):
			os.Exit(exitUnavailable)
		default:
			os.Exit(exitError)
		}
	}
	os.Exit(exitOK)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

