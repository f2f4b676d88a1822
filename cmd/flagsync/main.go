// Package main is the entry point for the flagsync agent.
//
// The serve bootstrap sequence is:
//  1. Load .env (if present) and configuration from environment variables.
//  2. Build logging, tracing and self-metrics.
//  3. Open the snapshot store for the configured backend.
//  4. Create the definitions client, uploader, aggregators and service.
//  5. Serve the local HTTP API until SIGINT/SIGTERM, then flush and shut down.
package main

import (
	"errors"
	"log/slog"
	"os"
	"runtime/debug"

	"github.com/joho/godotenv"
)

// Version may be set at build time via -ldflags "-X main.Version=...".
var Version = "dev"

func main() {
	if err := loadDotEnv(); err != nil {
		slog.Error("load .env", "error", err)
		os.Exit(1)
	}
	if err := newRootCmd(version()).Execute(); err != nil {
		os.Exit(1)
	}
}

// loadDotEnv reads .env from the working directory. A missing file is fine.
func loadDotEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func version() string {
	if Version != "dev" {
		return Version
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return Version
}
