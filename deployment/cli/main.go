// Package main implements the rotator command line interface.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	rotation "credential-rotator/db-rotation"
	"credential-rotator/db-rotation/app"
	"credential-rotator/db-rotation/config"
)

type cli struct {
	configPath string
	secretID   string
	newApp     func(ctx context.Context, cfg config.Config) (*app.App, error)
}

func main() {
	c := &cli{newApp: func(ctx context.Context, cfg config.Config) (*app.App, error) {
		return app.New(ctx, cfg, app.WithLogger(consoleLogger(cfg.LogLevel)))
	}}
	if err := c.rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func consoleLogger(level string) zerolog.Logger {
	return app.NewLogger(level, zerolog.ConsoleWriter{Out: os.Stderr})
}

func (c *cli) rootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "rotator",
		Short:        "rotator rotates database credentials kept in a secret store",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&c.configPath, "config", "", "config file (default $"+config.ConfigEnv+" or "+config.DefaultFile+")")
	rootCmd.PersistentFlags().StringVar(&c.secretID, "secret", "", "secret to operate on (default secret_id from config)")

	rootCmd.AddCommand(c.rotateCmd(), c.stepCmd(), c.statusCmd(), c.versionCmd())
	return rootCmd
}

func (c *cli) rotateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rotate",
		Short: "Rotate the secret now",
		Long: "Rotate the secret now. On AWS the rotation is requested from Secrets Manager,\n" +
			"which invokes the configured rotation function; elsewhere all four steps run here.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, secretID, err := c.load(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			defer a.PushMetrics(cmd.Context())

			token, err := a.Rotate(cmd.Context(), secretID)
			if err != nil {
				return fmt.Errorf("rotation of %s failed: %w", secretID, err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Rotated %s to version %s\n", secretID, token)
			return err
		},
	}
}

func (c *cli) stepCmd() *cobra.Command {
	var token string
	cmd := &cobra.Command{
		Use:       "step <createSecret|setSecret|testSecret|finishSecret>",
		Short:     "Run a single rotation step for a pending version",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"createSecret", "setSecret", "testSecret", "finishSecret"},
		RunE: func(cmd *cobra.Command, args []string) error {
			step, err := rotation.ParseStep(args[0])
			if err != nil {
				return err
			}
			a, secretID, err := c.load(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			defer a.PushMetrics(cmd.Context())

			result, err := a.Driver.Run(cmd.Context(), rotation.Request{
				SecretId:           secretID,
				ClientRequestToken: token,
				Step:               step,
			})
			if err != nil {
				return err
			}
			out := fmt.Sprintf("%s: %s", result.Step, result.State)
			if result.AlreadyDone {
				out += " (already done)"
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), out)
			return err
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "client request token of the pending version")
	_ = cmd.MarkFlagRequired("token")
	return cmd
}

func (c *cli) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the rotation state of the secret",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, secretID, err := c.load(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			status, err := a.Status(cmd.Context(), secretID)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), status)
			return err
		},
	}
}

func (c *cli) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of rotator",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "rotator version %s\n", app.Version)
			return err
		},
	}
}

// load reads the configuration and builds the app. The secret comes from --secret
// or the config.
func (c *cli) load(ctx context.Context) (*app.App, string, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	var cfg config.Config
	var err error
	if c.configPath != "" {
		cfg, err = config.Load(c.configPath, os.LookupEnv)
	} else {
		cfg, err = config.FromEnv()
	}
	if err != nil {
		return nil, "", fmt.Errorf("configuration load failed: %w", err)
	}

	secretID := c.secretID
	if secretID == "" {
		secretID = cfg.SecretID
	}
	if secretID == "" {
		return nil, "", errors.New("no secret given: use --secret or set secret_id")
	}

	a, err := c.newApp(ctx, cfg)
	if err != nil {
		return nil, "", err
	}
	return a, secretID, nil
}
