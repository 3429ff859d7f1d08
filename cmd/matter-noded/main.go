// matter-noded runs a smart-home node from a YAML configuration file.
//
// Usage:
//
//	matter-noded -config /etc/matter-noded/config.yaml
//
// The node starts, advertises its commissioned fabrics over DNS-SD and
// serves interactions until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/emberlink/matter/pkg/node"
)

const defaultConfigPath = "config.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "matter-noded: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	configPath := flag.String("config", defaultConfigPath, "path to YAML configuration")
	flag.Parse()

	cfg, err := node.Load(*configPath)
	if err != nil {
		return err
	}

	n, err := node.NewNode(*cfg)
	if err != nil {
		return err
	}
	if err := n.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	return n.Stop()
}
