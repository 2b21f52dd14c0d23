// Copyright 2025 Alex Vollmer
// Licensed under the EUPL-1.2

package main

import (
	"context"
	"log"
	"os"

	"github.com/avollmer/idhub/internal/config"
	"github.com/avollmer/idhub/internal/server"
	"github.com/urfave/cli/v3"
)

func main() {
	cmd := &cli.Command{
		Name:   "idhub",
		Usage:  "Self-service identity hub",
		Flags:  config.Flags(),
		Action: server.Run,
		Commands: []*cli.Command{
			{
				Name:   "cleanup",
				Usage:  "Remove expired registrations, recoveries, e-mail changes and burned one-time passwords",
				Flags:  config.Flags(),
				Action: server.Cleanup,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}
