package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"ARS-Engine/pkg/logger"
)

func main() {
	app := &cli.App{
		Name:  "arsctl",
		Usage: "submit transactions to the ARS engine and inspect its journal",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to the engine configuration file",
				EnvVars: []string{"ARS_CONFIG"},
			},
			&cli.BoolFlag{
				Name:  "pretty",
				Usage: "indent JSON output",
			},
		},
		Before: func(*cli.Context) error {
			// stdout carries JSON results only.
			return logger.Init(logger.Config{Level: "warn", Format: "text", OutputPaths: []string{"stderr"}})
		},
		After: func(*cli.Context) error {
			return logger.Sync()
		},
		Commands: []*cli.Command{
			submitCommand(),
			registerCommand(),
			stakeCommand(),
			voteCommand(),
			tickCommand(),
			journalCommand(),
			stateCommand(),
			chainCommand(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "arsctl:", err)
		os.Exit(1)
	}
}
