// Command tauth runs the TAuth gateway and its key tooling.
//
//	tauth serve                               run the HTTP gateway
//	tauth keygen legacy --scope /acme --name ci
//	tauth keygen hash --secret <secret>
//	tauth config check
//
// Configuration comes from TAUTH_* environment variables, optionally
// layered over a YAML or JSON file given with --config.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func newApp() *cli.Command {
	return &cli.Command{
		Name:    "tauth",
		Usage:   "Multi-tenant authentication and authorization gateway",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Load configuration from `FILE` (.yaml, .yml or .json); environment variables take precedence",
				Sources: cli.EnvVars("TAUTH_CONFIG"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Serve the gateway API until interrupted",
				Action: serve,
			},
			{
				Name:  "keygen",
				Usage: "Generate and hash API keys",
				Commands: []*cli.Command{
					{
						Name:  "legacy",
						Usage: "Print a new MELT_ key for a scope",
						Flags: []cli.Flag{
							&cli.StringFlag{
								Name:     "scope",
								Usage:    "Organization or service handle the key is scoped to, e.g. /acme/billing",
								Required: true,
							},
							&cli.StringFlag{
								Name:     "name",
								Usage:    "Key name, unique within the scope",
								Required: true,
							},
						},
						Action: keygenLegacy,
					},
					{
						Name:  "hash",
						Usage: "Print the salted hash of a TAUTH_ key secret",
						Flags: []cli.Flag{
							&cli.StringFlag{
								Name:     "secret",
								Usage:    "The secret part of the key",
								Required: true,
							},
							&cli.StringFlag{
								Name:  "salt",
								Usage: "Salt to hash with; defaults to the configured SECRET_KEY",
							},
						},
						Action: keygenHash,
					},
				},
			},
			{
				Name:  "config",
				Usage: "Inspect configuration",
				Commands: []*cli.Command{
					{
						Name:   "check",
						Usage:  "Load and validate configuration and print it with secrets redacted",
						Action: configCheck,
					},
				},
			},
		},
	}
}

func main() {
	if err := newApp().Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "tauth:", err)
		os.Exit(1)
	}
}
