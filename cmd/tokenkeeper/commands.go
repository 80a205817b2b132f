package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/d-kuro/tokenkeeper"
	"github.com/d-kuro/tokenkeeper/pkg/storage"
	"github.com/d-kuro/tokenkeeper/pkg/types"
)

func createCommands() []*cli.Command {
	return []*cli.Command{
		createLoginCommand(),
		createRegisterCommand(),
		createLogoutCommand(),
		createWhoamiCommand(),
		createGetCommand(),
		createWatchCommand(),
	}
}

func credentialFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "email", Aliases: []string{"e"}, Required: true},
		&cli.StringFlag{
			Name:    "password",
			Aliases: []string{"p"},
			Usage:   "password (read from TOKENKEEPER_PASSWORD when unset)",
			Sources: cli.EnvVars("TOKENKEEPER_PASSWORD"),
		},
	}
}

func createLoginCommand() *cli.Command {
	return &cli.Command{
		Name:  "login",
		Usage: "log in with email and password",
		Flags: credentialFlags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			client, err := newClient(cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			user, err := client.Login(ctx, cmd.String("email"), cmd.String("password"))
			if err != nil {
				return err
			}
			fmt.Printf("logged in as %s\n", displayName(user))
			return nil
		},
	}
}

func createRegisterCommand() *cli.Command {
	return &cli.Command{
		Name:  "register",
		Usage: "create an account and log in",
		Flags: append(credentialFlags(), &cli.StringFlag{Name: "name", Aliases: []string{"n"}}),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			client, err := newClient(cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			user, err := client.Register(ctx, types.RegisterRequest{
				Email:    cmd.String("email"),
				Password: cmd.String("password"),
				Name:     cmd.String("name"),
			})
			if err != nil {
				return err
			}
			fmt.Printf("registered and logged in as %s\n", displayName(user))
			return nil
		},
	}
}

func createLogoutCommand() *cli.Command {
	return &cli.Command{
		Name:  "logout",
		Usage: "revoke and forget the stored credential",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			client, err := newClient(cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.Logout(ctx); err != nil {
				// The local credential is gone either way.
				fmt.Fprintf(os.Stderr, "warning: server logout failed: %v\n", err)
			}
			fmt.Println("logged out")
			return nil
		},
	}
}

func createWhoamiCommand() *cli.Command {
	return &cli.Command{
		Name:  "whoami",
		Usage: "show the current user and credential status",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			client, err := newClient(cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			if !client.IsAuthenticated() {
				return fmt.Errorf("whoami: %w", types.ErrNoCredential)
			}
			user, err := client.GetCurrentUser(ctx)
			if err != nil {
				return err
			}
			status, err := client.GetAuthStatus()
			if err != nil {
				return err
			}

			fmt.Printf("user:     %s\n", displayName(user))
			if !status.ExpiresAt.IsZero() {
				fmt.Printf("expires:  %s (in %s)\n", status.ExpiresAt.Format(time.RFC3339), status.ExpiresIn.Round(time.Second))
			}
			fmt.Printf("storage:  %s\n", status.StoragePath)
			return nil
		},
	}
}

func createGetCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "GET a JSON resource with the stored credential",
		ArgsUsage: "<path> [key=value...]",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() < 1 {
				return cli.Exit("get: path required", 1)
			}
			params := url.Values{}
			for _, arg := range cmd.Args().Tail() {
				key, value, ok := strings.Cut(arg, "=")
				if !ok {
					return cli.Exit(fmt.Sprintf("get: malformed parameter %q, want key=value", arg), 1)
				}
				params.Add(key, value)
			}

			client, err := newClient(cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			var body json.RawMessage
			if err := client.Get(ctx, cmd.Args().First(), params, &body); err != nil {
				return err
			}
			return printJSON(os.Stdout, body)
		},
	}
}

func createWatchCommand() *cli.Command {
	return &cli.Command{
		Name:      "watch",
		Usage:     "follow the event streams of one or more tasks",
		ArgsUsage: "<task-id>...",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			taskIDs := cmd.Args().Slice()
			if len(taskIDs) == 0 {
				return cli.Exit("watch: at least one task id required", 1)
			}

			client, err := newClient(cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			var out sync.Mutex
			g, ctx := errgroup.WithContext(ctx)
			for _, taskID := range taskIDs {
				g.Go(func() error {
					sub, err := client.Subscribe(ctx, taskID)
					if err != nil {
						return err
					}
					for event := range sub.Events() {
						out.Lock()
						printEvent(os.Stdout, event)
						out.Unlock()
					}
					<-sub.Done()
					return sub.Err()
				})
			}

			err = g.Wait()
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}

// newClient builds a client from the global flags. Flags override the
// config file.
func newClient(cmd *cli.Command) (*tokenkeeper.Client, error) {
	level := zerolog.WarnLevel
	if cmd.Bool("verbose") {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).
		With().Timestamp().Logger()

	opts := []tokenkeeper.ConfigOption{tokenkeeper.WithLogger(logger)}
	if baseURL := cmd.String("base-url"); baseURL != "" {
		opts = append(opts, tokenkeeper.WithBaseURL(baseURL))
	}
	if dir := cmd.String("store-dir"); dir != "" {
		store, err := storage.NewFileSystemStore(dir)
		if err != nil {
			return nil, err
		}
		opts = append(opts, tokenkeeper.WithCredentialStore(store))
	}

	if path := cmd.String("config"); path != "" {
		config, err := tokenkeeper.LoadConfig(path, opts...)
		if err != nil {
			return nil, err
		}
		return tokenkeeper.NewClient(fromConfig(config))
	}
	return tokenkeeper.NewClient(opts...)
}

// fromConfig turns a loaded config back into an option so it can go
// through NewClient's validation.
func fromConfig(loaded *tokenkeeper.Config) tokenkeeper.ConfigOption {
	return func(c *tokenkeeper.Config) {
		*c = *loaded
	}
}

func displayName(user *types.User) string {
	if user == nil {
		return "(unknown)"
	}
	if user.Name != "" {
		return fmt.Sprintf("%s <%s>", user.Name, user.Email)
	}
	return user.Email
}

func printEvent(w io.Writer, event types.StreamEvent) {
	switch event.Type {
	case types.EventProgress:
		fmt.Fprintf(w, "[%s] progress %.0f%%\n", event.TaskID, event.Progress*100)
	case types.EventStatus:
		fmt.Fprintf(w, "[%s] status %s\n", event.TaskID, event.Status)
	default:
		fmt.Fprintf(w, "[%s] %s %s\n", event.TaskID, event.Type, event.Message)
	}
}

func printJSON(w io.Writer, raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
