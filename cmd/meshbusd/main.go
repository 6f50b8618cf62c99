package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/peterbourgon/ff/v3"

	"github.com/danmuck/meshbus/internal/config"
	"github.com/danmuck/meshbus/internal/node"
	"github.com/danmuck/meshbus/internal/observability"
)

func main() {
	fs := flag.NewFlagSet("meshbusd", flag.ExitOnError)
	configPath := fs.String("config", "", "node config file (toml); MESHBUS_* variables apply on top")
	if err := ff.Parse(fs, os.Args[1:], ff.WithEnvVarPrefix("MESHBUSD")); err != nil {
		fmt.Fprintf(os.Stderr, "meshbusd: %v\n", err)
		os.Exit(2)
	}

	observability.InitLogger("meshbusd")

	cfg, err := config.LoadNodeConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "meshbusd: %v\n", err)
		os.Exit(1)
	}
	svc, err := node.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "meshbusd: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := svc.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "meshbusd: %v\n", err)
		os.Exit(1)
	}
}
