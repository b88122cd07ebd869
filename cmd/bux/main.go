// Copyright 2026 The Buxtehude Authors
// SPDX-License-Identifier: Apache-2.0

// bux is a command-line buxtehude client. It can send a single
// envelope to a team (send) or join a team and print the envelopes of
// the requested types it receives as JSON lines (tap).
package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/buxtehude-foundation/buxtehude/broker"
	"github.com/buxtehude-foundation/buxtehude/wire"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "bux: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: bux <send|tap> [flags]")
	}

	switch args[0] {
	case "send":
		return runSend(args[1:])
	case "tap":
		return runTap(args[1:])
	default:
		return fmt.Errorf("unknown command %q (want send or tap)", args[0])
	}
}

// connectionFlags are shared by both subcommands.
type connectionFlags struct {
	unixPath string
	tcpHost  string
	tcpPort  uint16
	team     string
}

func (f *connectionFlags) register(flags *pflag.FlagSet) {
	flags.StringVar(&f.unixPath, "unix-path", "", "connect over the Unix socket at this path")
	flags.StringVar(&f.tcpHost, "host", "", "connect over TCP to this host")
	flags.Uint16Var(&f.tcpPort, "port", wire.DefaultPort, "TCP port")
	flags.StringVar(&f.team, "team", "bux", "team to join")
}

func (f *connectionFlags) connect(logger *slog.Logger) (*broker.Client, error) {
	client := broker.NewClient(wire.DefaultPreferences(f.team), logger)
	switch {
	case f.unixPath != "":
		if err := client.ConnectUnix(f.unixPath); err != nil {
			return nil, err
		}
	case f.tcpHost != "":
		if err := client.ConnectTCP(f.tcpHost, f.tcpPort); err != nil {
			return nil, err
		}
	default:
		if err := client.ConnectUnix(wire.DefaultUnixPath); err != nil {
			return nil, err
		}
	}
	return client, nil
}

func runSend(args []string) error {
	flags := pflag.NewFlagSet("send", pflag.ContinueOnError)
	var conn connectionFlags
	conn.register(flags)
	dest := flags.String("dest", "", "destination team (required)")
	messageType := flags.String("type", "", "envelope type (required)")
	content := flags.String("content", "", "payload as JSON (optional)")
	first := flags.Bool("first", false, "deliver to a single available member (only_first)")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *dest == "" || *messageType == "" {
		return fmt.Errorf("--dest and --type are required")
	}

	var payload any
	if *content != "" {
		if err := json.Unmarshal([]byte(*content), &payload); err != nil {
			return fmt.Errorf("parsing --content: %w", err)
		}
	}

	logger := newLogger()
	client, err := conn.connect(logger)
	if err != nil {
		return err
	}
	defer client.Disconnect()

	return client.Write(wire.Envelope{
		Type:      *messageType,
		Dest:      *dest,
		OnlyFirst: *first,
		Content:   payload,
	})
}

func runTap(args []string) error {
	flags := pflag.NewFlagSet("tap", pflag.ContinueOnError)
	var conn connectionFlags
	conn.register(flags)
	types := flags.StringSlice("types", nil, "envelope types to print (default: $$disconnect and $$info)")
	if err := flags.Parse(args); err != nil {
		return err
	}

	logger := newLogger()
	client, err := conn.connect(logger)
	if err != nil {
		return err
	}
	defer client.Disconnect()

	printEnvelope := func(_ *broker.Client, env wire.Envelope) {
		line, err := json.Marshal(env)
		if err != nil {
			logger.Warn("unprintable envelope", "error", err)
			return
		}
		fmt.Println(string(line))
	}

	// Tap cannot know user type names in advance, so it registers the
	// requested ones; with no --types it still prints the reserved
	// notices every client receives.
	if len(*types) == 0 {
		*types = []string{wire.TypeDisconnect, wire.TypeInfo}
	}
	for _, t := range *types {
		client.AddHandler(t, printEnvelope)
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	<-signals
	return nil
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
}
