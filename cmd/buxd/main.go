// Copyright 2026 The Buxtehude Authors
// SPDX-License-Identifier: Apache-2.0

// buxd is the standalone buxtehude broker daemon. It listens on a
// Unix socket and/or a TCP port and routes envelopes between teams
// until interrupted.
package main

import (
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
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "buxd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		unixPath   string
		tcpPort    uint16
		noUnix     bool
		noTCP      bool
		maxLength  uint32
		logLevel   string
	)

	pflag.StringVar(&configPath, "config", "", "path to YAML config file")
	pflag.StringVar(&unixPath, "unix-path", wire.DefaultUnixPath, "Unix socket path")
	pflag.Uint16Var(&tcpPort, "tcp-port", wire.DefaultPort, "TCP listening port")
	pflag.BoolVar(&noUnix, "no-unix", false, "disable the Unix socket listener")
	pflag.BoolVar(&noTCP, "no-tcp", false, "disable the TCP listener")
	pflag.Uint32Var(&maxLength, "max-message-length", wire.DefaultMaxMessageLength, "maximum accepted payload length in bytes")
	pflag.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	pflag.Parse()

	config := defaultConfig()
	if configPath != "" {
		loaded, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		config = loaded
	}

	// Flags set explicitly override the config file.
	pflag.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "unix-path":
			config.UnixPath = unixPath
		case "tcp-port":
			config.TCPPort = tcpPort
		case "no-unix":
			config.DisableUnix = noUnix
		case "no-tcp":
			config.DisableTCP = noTCP
		case "max-message-length":
			config.MaxMessageLength = maxLength
		case "log-level":
			config.LogLevel = logLevel
		}
	})

	level, err := parseLevel(config.LogLevel)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))

	if config.DisableUnix && config.DisableTCP {
		return fmt.Errorf("both listeners disabled; nothing to do")
	}

	server := broker.NewServer(broker.ServerConfig{
		MaxMessageLength: config.MaxMessageLength,
		Logger:           logger,
	})
	defer server.Close()

	if !config.DisableUnix {
		if err := server.ListenUnix(config.UnixPath); err != nil {
			return err
		}
		logger.Info("listening", "transport", "unix", "path", config.UnixPath)
	}
	if !config.DisableTCP {
		if err := server.ListenTCP(config.TCPPort); err != nil {
			return err
		}
		logger.Info("listening", "transport", "tcp", "port", config.TCPPort)
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	sig := <-signals
	logger.Info("shutting down", "signal", sig.String())
	return nil
}

func parseLevel(name string) (slog.Level, error) {
	switch name {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", name)
	}
}
