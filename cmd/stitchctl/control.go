// SPDX-License-Identifier: MIT

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var controlClient = &http.Client{Timeout: 10 * time.Second}

// controlPost sends an authenticated JSON request to the daemon.
func controlPost(flags *rootFlags, path string, body any) ([]byte, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequest(http.MethodPost, strings.TrimRight(flags.server, "/")+path, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if flags.token != "" {
		req.Header.Set("Authorization", "Bearer "+flags.token)
	}
	return controlDo(req)
}

func controlGet(flags *rootFlags, path string) ([]byte, error) {
	req, err := http.NewRequest(http.MethodGet, strings.TrimRight(flags.server, "/")+path, nil)
	if err != nil {
		return nil, err
	}
	if flags.token != "" {
		req.Header.Set("Authorization", "Bearer "+flags.token)
	}
	return controlDo(req)
}

func controlDo(req *http.Request) ([]byte, error) {
	resp, err := controlClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("daemon unreachable: %v: %w", err, errUnavailable)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%s: %w", strings.TrimSpace(string(body)), errNotFound)
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, fmt.Errorf("unauthorized: set --token or API_TOKEN")
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("daemon returned %d: %s: %w", resp.StatusCode, strings.TrimSpace(string(body)), errUnavailable)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, fmt.Errorf("daemon returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

func printJSON(body []byte) error {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, body, "", "  "); err != nil {
		_, err = os.Stdout.Write(body)
		return err
	}
	pretty.WriteByte('\n')
	_, err := os.Stdout.Write(pretty.Bytes())
	return err
}

func cueCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cue",
		Short: "Start or stop ad breaks",
	}

	var (
		duration float64
		eventID  string
		podID    string
		podURL   string
	)
	start := &cobra.Command{
		Use:   "start CHANNEL_ID",
		Short: "Open an ad break on a channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			body, err := controlPost(flags, "/cue", map[string]any{
				"channel":  args[0],
				"type":     "start",
				"duration": duration,
				"event_id": eventID,
				"pod_id":   podID,
				"pod_url":  podURL,
			})
			if err != nil {
				return err
			}
			return printJSON(body)
		},
	}
	start.Flags().Float64Var(&duration, "duration", 0, "break duration in seconds (default: channel setting)")
	start.Flags().StringVar(&eventID, "event-id", "", "idempotency key for the break")
	start.Flags().StringVar(&podID, "pod-id", "", "serve a specific stored pod")
	start.Flags().StringVar(&podURL, "pod-url", "", "interstitial playlist URL for guided clients")

	stop := &cobra.Command{
		Use:   "stop CHANNEL_ID",
		Short: "End the active ad break on a channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			body, err := controlPost(flags, "/cue", map[string]any{
				"channel": args[0],
				"type":    "stop",
			})
			if err != nil {
				return err
			}
			return printJSON(body)
		},
	}

	cmd.AddCommand(start, stop)
	return cmd
}

func statusCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status CHANNEL_ID",
		Short: "Show a channel's break state",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			body, err := controlGet(flags, "/status/"+args[0])
			if err != nil {
				return err
			}
			return printJSON(body)
		},
	}
}
