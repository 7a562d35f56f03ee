// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Command drcommander sends a privileged control command to a running
// server.
//
// Usage:
//
//	drcommander <ip> <port> {EXIT|SNAPSHOT}
//
// EXIT finishes the run cleanly; SNAPSHOT checkpoints it in place. Both
// require the privileged command key, which this tool carries.
package main

import (
	"fmt"
	"net"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/dr/internal/ui"
	"github.com/kraklabs/dr/pkg/protocol"
)

func main() {
	flag.Parse()
	if flag.NArg() != 3 {
		ui.Errorf("usage: drcommander <ip> <port> {EXIT|SNAPSHOT}")
		os.Exit(1)
	}
	addr := net.JoinHostPort(flag.Arg(0), flag.Arg(1))

	var cmd protocol.Command
	switch flag.Arg(2) {
	case "EXIT":
		cmd = protocol.Exit
	case "SNAPSHOT":
		cmd = protocol.Snapshot
	default:
		ui.Fatalf("unknown command %q: want EXIT or SNAPSHOT", flag.Arg(2))
	}

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		ui.Fatalf("connect %s: %v", addr, err)
	}
	defer conn.Close()

	if err := protocol.WriteVersion(conn); err != nil {
		ui.Fatalf("send protocol version: %v", err)
	}
	if err := protocol.WriteFrame(conn, protocol.PrivilegedKey, cmd, nil); err != nil {
		ui.Fatalf("send %v: %v", cmd, err)
	}
	ui.Successf("%s sent to %s", fmt.Sprint(cmd), addr)
}
