package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/mdp/qrterminal/v3"
	"github.com/urfave/cli/v2"

	"teamsbridge/internal/models"
	"teamsbridge/internal/services"
)

// LoginURLCommand prints a sign-in link, optionally as a terminal QR code.
func LoginURLCommand() *cli.Command {
	return &cli.Command{
		Name:  "login-url",
		Usage: "Print the Microsoft sign-in link",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "qr", Usage: "Also render the link as a QR code"},
			&cli.StringFlag{Name: "doc-type", Usage: "Document kind to return to after sign-in"},
			&cli.StringFlag{Name: "doc-name", Usage: "Document name to return to after sign-in"},
		},
		Action: func(c *cli.Context) error {
			a, err := bootstrap(c, false)
			if err != nil {
				return err
			}
			defer a.Close()

			var ref *services.DocumentRef
			if kind, name := c.String("doc-type"), c.String("doc-name"); kind != "" && name != "" {
				ks, ok := models.LookupKind(kind)
				if !ok {
					return fmt.Errorf("unsupported document type %q", kind)
				}
				ref = &services.DocumentRef{Kind: ks.Kind, Name: name}
			}

			// The state is stored in the database; the serving process redeems it.
			loginURL, err := a.auth.LoginURL(c.Context, ref)
			if err != nil {
				return err
			}
			fmt.Println(loginURL)
			if c.Bool("qr") {
				qrterminal.GenerateHalfBlock(loginURL, qrterminal.L, os.Stdout)
			}
			return nil
		},
	}
}

// StatusCommand prints the authorization status.
func StatusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show configuration and authorization status",
		Action: func(c *cli.Context) error {
			a, err := bootstrap(c, false)
			if err != nil {
				return err
			}
			defer a.Close()

			st, err := a.auth.Status(c.Context)
			if err != nil {
				return err
			}
			return printJSON(st)
		},
	}
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
