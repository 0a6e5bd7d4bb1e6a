package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/samber/do/v2"
	"github.com/urfave/cli/v3"
	"github.com/web3tea/dvm-relay/config"
	"github.com/web3tea/dvm-relay/di"
	"github.com/web3tea/dvm-relay/metrics"
	"github.com/web3tea/dvm-relay/pkg/log"
	"github.com/web3tea/dvm-relay/relay"
	"github.com/web3tea/dvm-relay/sink"
	"github.com/web3tea/dvm-relay/store"
)

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "Start the process and relay it until interrupted",
	Flags: []cli.Flag{
		configFlag,
	},
	Action: func(ctx context.Context, c *cli.Command) error {
		ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		injector := di.SetupContainer(c.String("config"))

		cfg, err := do.Invoke[*config.Config](injector)
		if err != nil {
			return err
		}

		r, err := do.Invoke[*relay.Relay](injector)
		if err != nil {
			return fmt.Errorf("failed to set up relay: %w", err)
		}
		defer closePlatform(injector)
		defer closeStore(injector)

		if cfg.Metrics.Address != "" {
			metrics.Start(ctx, cfg.Metrics.Address, log.NewLogger("metrics", os.Stderr))
		}

		log.Infof("Starting %s %s", cfg.AppName, cfg.Version)
		if err := r.Run(ctx); err != nil {
			return err
		}

		log.Infof("%s stopped", cfg.AppName)
		return nil
	},
}

func closePlatform(injector do.Injector) {
	platform, err := do.Invoke[sink.Platform](injector)
	if err != nil {
		return
	}
	if err := platform.Close(); err != nil {
		log.Warnf("Failed to close platform: %v", err)
	}
}

func closeStore(injector do.Injector) {
	st, err := do.Invoke[store.Store](injector)
	if err != nil {
		return
	}
	if err := st.Close(); err != nil {
		log.Warnf("Failed to close state store: %v", err)
	}
}
