// Copyright (C) 2025 Eventbook Authors (maintainers@eventbook.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/eventbook/eventbook/services/notebook/client"
	"github.com/eventbook/eventbook/services/notebook/datatypes"
	"github.com/eventbook/eventbook/services/notebook/materializer"
)

// cliConfig is the optional ~/.eventbook/config.yaml.
type cliConfig struct {
	Server string `yaml:"server"`
}

var (
	serverFlag   string
	afterVersion int64
	limitFlag    int
	eventIDFlag  string
	asStateFlag  bool

	rootCmd = &cobra.Command{
		Use:   "eventbook",
		Short: "A CLI for the eventbook event engine",
		Long: `eventbook inspects and feeds a running event engine: list stores,
dump or submit events, and follow a store's live feed.`,
	}

	storesCmd = &cobra.Command{
		Use:   "stores",
		Short: "List all store ids known to the engine",
		RunE:  runStores,
	}

	infoCmd = &cobra.Command{
		Use:   "info [store-id]",
		Short: "Show a store's event count and latest version",
		Args:  cobra.ExactArgs(1),
		RunE:  runInfo,
	}

	eventsCmd = &cobra.Command{
		Use:   "events [store-id]",
		Short: "Dump a store's events in version order",
		Args:  cobra.ExactArgs(1),
		RunE:  runEvents,
	}

	submitCmd = &cobra.Command{
		Use:   "submit [store-id] [event-type] [payload-json]",
		Short: "Append one event to a store",
		Long: `Appends one event and prints it as stored, version included.
The payload argument is optional for payload-free event types.`,
		Args: cobra.RangeArgs(2, 3),
		RunE: runSubmit,
	}

	tailCmd = &cobra.Command{
		Use:   "tail [store-id]",
		Short: "Follow a store's live event feed",
		Long: `Subscribes to the store and prints each event as it arrives.
With --state, prints the reconciled notebook projection after every event
instead of the raw feed.`,
		Args: cobra.ExactArgs(1),
		RunE: runTail,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&serverFlag, "server", "", "engine base URL (default http://localhost:8080)")

	eventsCmd.Flags().Int64Var(&afterVersion, "after", 0, "only events with version greater than this")
	eventsCmd.Flags().IntVar(&limitFlag, "limit", 0, "maximum number of events")

	submitCmd.Flags().StringVar(&eventIDFlag, "id", "", "client-chosen event id for idempotent retries")

	tailCmd.Flags().BoolVar(&asStateFlag, "state", false, "print the reconciled projection instead of raw events")

	rootCmd.AddCommand(storesCmd, infoCmd, eventsCmd, submitCmd, tailCmd)
}

// serverURL resolves the engine address: flag, env, config file, default.
func serverURL() string {
	if serverFlag != "" {
		return serverFlag
	}
	if env := os.Getenv("EVENTBOOK_SERVER"); env != "" {
		return env
	}
	if home, err := os.UserHomeDir(); err == nil {
		raw, err := os.ReadFile(filepath.Join(home, ".eventbook", "config.yaml"))
		if err == nil {
			var cfg cliConfig
			if yaml.Unmarshal(raw, &cfg) == nil && cfg.Server != "" {
				return cfg.Server
			}
		}
	}
	return "http://localhost:8080"
}

func engineClient() *client.Client {
	return client.NewClient(serverURL())
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runStores(cmd *cobra.Command, args []string) error {
	stores, err := engineClient().Stores(cmd.Context())
	if err != nil {
		return err
	}
	for _, id := range stores {
		fmt.Println(id)
	}
	return nil
}

func runInfo(cmd *cobra.Command, args []string) error {
	info, err := engineClient().StoreInfo(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return printJSON(info)
}

func runEvents(cmd *cobra.Command, args []string) error {
	events, err := engineClient().Events(cmd.Context(), args[0], client.EventsOptions{
		AfterVersion: afterVersion,
		Limit:        limitFlag,
	})
	if err != nil {
		return err
	}
	return printJSON(events)
}

func runSubmit(cmd *cobra.Command, args []string) error {
	var payload json.RawMessage
	if len(args) == 3 {
		if !json.Valid([]byte(args[2])) {
			return fmt.Errorf("payload is not valid JSON: %s", args[2])
		}
		payload = json.RawMessage(args[2])
	}

	stored, err := engineClient().SubmitEvent(cmd.Context(), args[0], eventIDFlag, args[1], payload)
	if err != nil {
		return err
	}
	return printJSON(stored)
}

func runTail(cmd *cobra.Command, args []string) error {
	storeID := args[0]
	c := engineClient()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	channel := client.NewSyncChannel(c.WebSocketURL(storeID), storeID, client.DefaultChannelConfig())
	defer channel.Disconnect()

	if asStateFlag {
		reconciler := client.NewReconciler(c, channel, storeID)
		reconciler.Subscribe(func(state materializer.NotebookState) {
			_ = printJSON(stateSummary(state))
		})
		err := reconciler.Run(ctx)
		if err == context.Canceled {
			return nil
		}
		return err
	}

	if err := channel.Connect(ctx); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-channel.Messages():
			if !ok {
				return fmt.Errorf("feed closed (channel state: %s)", channel.State())
			}
			if msg.Type == datatypes.MsgEvent && msg.Event != nil {
				if err := printJSON(msg.Event); err != nil {
					return err
				}
			}
		}
	}
}

// projectionSummary is the compact view printed by tail --state.
type projectionSummary struct {
	Title       string   `json:"title,omitempty"`
	LastVersion int64    `json:"last_version"`
	CellOrder   []string `json:"cell_order"`
	CellCount   int      `json:"cell_count"`
	OutputCount int      `json:"output_count"`
	SyncedAt    string   `json:"synced_at"`
}

func stateSummary(state materializer.NotebookState) projectionSummary {
	summary := projectionSummary{
		LastVersion: state.LastVersion,
		CellOrder:   state.CellOrder,
		CellCount:   len(state.Cells),
		OutputCount: len(state.Outputs),
		SyncedAt:    time.Now().Format(time.RFC3339),
	}
	if state.Document != nil {
		summary.Title = state.Document.Title
	}
	return summary
}
