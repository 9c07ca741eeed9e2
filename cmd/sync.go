package cmd

import (
	"github.com/urfave/cli/v2"
)

// SyncUsersCommand resolves local users against the directory.
func SyncUsersCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync-users",
		Usage: "Store directory ids for every known local user",
		Action: func(c *cli.Context) error {
			a, err := bootstrap(c, false)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.identity.BulkSync(c.Context)
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
}

// SyncChatsCommand mirrors the latest messages of one or every chat.
func SyncChatsCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync-chats",
		Usage: "Mirror recent chat messages into the local store",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "chat", Usage: "Only sync this chat id"},
		},
		Action: func(c *cli.Context) error {
			a, err := bootstrap(c, false)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.messages.SyncConversations(c.Context, c.String("chat"))
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
}

// CleanupCommand deletes old mirrored messages.
func CleanupCommand() *cli.Command {
	return &cli.Command{
		Name:  "cleanup",
		Usage: "Delete mirrored messages older than a number of days",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "days", Usage: "Age in days", Value: 30},
		},
		Action: func(c *cli.Context) error {
			a, err := bootstrap(c, false)
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.stats.Cleanup(c.Context, c.Int("days"))
			if err != nil {
				return err
			}
			return printJSON(map[string]interface{}{"deleted": n, "days": c.Int("days")})
		},
	}
}

// StatsCommand prints integration statistics.
func StatsCommand() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "Show mirrored message statistics",
		Action: func(c *cli.Context) error {
			a, err := bootstrap(c, false)
			if err != nil {
				return err
			}
			defer a.Close()

			st, err := a.stats.IntegrationStats(c.Context)
			if err != nil {
				return err
			}
			return printJSON(st)
		},
	}
}
