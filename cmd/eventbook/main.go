// Copyright (C) 2025 Eventbook Authors (maintainers@eventbook.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command eventbook is the CLI for the eventbook event engine.
//
// It talks to a running eventbookd over HTTP and WebSocket:
//
//	eventbook stores                    # list store ids
//	eventbook info nb-1                 # event count and latest version
//	eventbook events nb-1 --after 10    # dump events
//	eventbook submit nb-1 CellCreated '{"cell_id":"c1","cell_type":"code"}'
//	eventbook tail nb-1                 # follow the live feed
//
// The server address comes from --server, the EVENTBOOK_SERVER environment
// variable, or ~/.eventbook/config.yaml, in that order.
package main

import (
	"log"
	"log/slog"
	"os"

	"github.com/eventbook/eventbook/pkg/logging"
)

func main() {
	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(os.Getenv("EVENTBOOK_LOG_LEVEL")),
		Service: "eventbook",
	})
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
