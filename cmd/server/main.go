package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/urfave/cli/v3"
)

// appVersion is overridden at build time with -ldflags "-X main.appVersion=...".
var appVersion = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cli.Command{
		Name:    "deemix-relay",
		Usage:   "Coordinate download sessions and the shared queue over WebSocket",
		Version: appVersion,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to configuration file",
				Value:   "config.yaml",
			},
			&cli.StringFlag{
				Name:  "host",
				Usage: "Override listen host",
			},
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Override listen port",
			},
			&cli.BoolFlag{
				Name:  "mock",
				Usage: "Use the simulated provider and engine",
			},
			&cli.StringFlag{
				Name:    "serverwide-token",
				Usage:   "Log every connection in with this provider token",
				Sources: cli.EnvVars("DEEMIX_RELAY_TOKEN"),
			},
			&cli.StringFlag{
				Name:  "portable",
				Usage: "Keep queue and settings files in this directory",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "debug, info, warn or error",
			},
		},
		Action: run,
		Commands: []*cli.Command{
			{
				Name:   "rollback-queue-db",
				Usage:  "Revert the latest schema migration of the sqlite queue database",
				Action: rollbackQueueDB,
			},
		},
	}

	if err := app.Run(ctx, os.Args); err != nil {
		log.Fatal("server error", "err", err)
	}
}
