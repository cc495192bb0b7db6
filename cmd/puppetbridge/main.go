// Copyright 2024-2026 Aiku AI

// Command puppetbridge is a Matrix-Mattermost message relay with puppet
// identity routing: each Matrix user can post to Mattermost under a
// dedicated bot account rather than a shared relay identity.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mauflag"

	"github.com/aiku/puppetbridge/pkg/bridge"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	configPath     = mauflag.MakeFull("c", "config", "Path to the config file", "config.yaml").String()
	generateConfig = mauflag.MakeFull("g", "generate", "Write the example config to the config path and exit", "false").Bool()
	version        = mauflag.MakeFull("v", "version", "Print the version and exit", "false").Bool()
	wantHelp, _    = mauflag.MakeHelpFlag()
)

func main() {
	mauflag.SetHelpTitles(
		"puppetbridge - A Matrix-Mattermost puppeting message relay.",
		"puppetbridge [-c <path>] [-g]",
	)
	if err := mauflag.Parse(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		mauflag.PrintHelp()
		os.Exit(1)
	}
	if *wantHelp {
		mauflag.PrintHelp()
		return
	}
	if *version {
		fmt.Printf("puppetbridge %s (%s, built %s)\n", Tag, Commit, BuildTime)
		return
	}
	if *generateConfig {
		if err := os.WriteFile(*configPath, []byte(bridge.ExampleConfig), 0o600); err != nil {
			fmt.Fprintln(os.Stderr, "Failed to write example config:", err)
			os.Exit(1)
		}
		fmt.Println("Wrote example config to", *configPath)
		return
	}

	cfg, err := bridge.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to load config:", err)
		os.Exit(2)
	}

	log := makeLogger(cfg.Logging)

	br, err := bridge.New(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize bridge")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := br.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start bridge")
	}

	<-ctx.Done()
	log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	br.Stop(shutdownCtx)
}

func makeLogger(cfg bridge.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	var log zerolog.Logger
	if cfg.Pretty {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.StampMilli})
	} else {
		log = zerolog.New(os.Stdout)
	}
	return log.Level(level).With().Timestamp().Logger()
}
