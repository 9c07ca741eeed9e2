package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"teamsbridge/cmd"
)

const version = "0.1.0"

func main() {
	app := &cli.App{
		Name:    "teamsbridge",
		Usage:   "Microsoft Teams chats, meetings and message mirroring for business documents",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Load configuration from TOML `FILE`",
				EnvVars: []string{"TEAMS_CONFIG_FILE"},
			},
		},
		Commands: []*cli.Command{
			cmd.ServeCommand(),
			cmd.LoginURLCommand(),
			cmd.StatusCommand(),
			cmd.SyncUsersCommand(),
			cmd.SyncChatsCommand(),
			cmd.CleanupCommand(),
			cmd.StatsCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
