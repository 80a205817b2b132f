// tokenkeeper is a command line client for token-authenticated APIs. It logs
// in, keeps the credential fresh while commands run and follows task event
// streams.
//
// Usage:
//
//	tokenkeeper [global options] <command> [arguments]
//
// Commands:
//
//	login      log in with email and password
//	register   create an account and log in
//	logout     revoke and forget the stored credential
//	whoami     show the current user and credential status
//	get        GET a JSON resource with the stored credential
//	watch      follow the event streams of one or more tasks
//
// Exit codes:
//
//	0: success
//	1: command failed
//	2: not logged in, or the session expired and could not be renewed
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/d-kuro/tokenkeeper"
	"github.com/d-kuro/tokenkeeper/pkg/constants"
)

// Version can be set with -ldflags "-X main.Version=...".
var Version = constants.LibraryVersion

func main() {
	os.Exit(run())
}

func createApp() *cli.Command {
	return &cli.Command{
		Name:    constants.LibraryName,
		Usage:   "client for token-authenticated APIs",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "YAML or JSON config file",
				Sources: cli.EnvVars("TOKENKEEPER_CONFIG"),
			},
			&cli.StringFlag{
				Name:    "base-url",
				Aliases: []string{"u"},
				Usage:   "service root URL (overrides the config file)",
				Sources: cli.EnvVars("TOKENKEEPER_BASE_URL"),
			},
			&cli.StringFlag{
				Name:  "store-dir",
				Usage: "directory for the credential file",
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "log credential and stream activity to stderr",
			},
		},
		Commands: createCommands(),
		ExitErrHandler: func(_ context.Context, _ *cli.Command, err error) {
			if _, ok := err.(cli.ExitCoder); ok {
				fmt.Fprintln(os.Stderr, err)
			}
		},
	}
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := createApp().Run(ctx, os.Args); err != nil {
		if tokenkeeper.IsReauthenticationRequired(err) {
			fmt.Fprintln(os.Stderr, "not logged in: run 'tokenkeeper login'")
			return 2
		}
		if exitErr, ok := err.(cli.ExitCoder); ok {
			// Already printed by ExitErrHandler.
			return exitErr.ExitCode()
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}
