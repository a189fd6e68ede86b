package main

import (
	"errors"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

type rootFlags struct {
	config  string
	envFile string
}

// newRootCmd creates the root procbot command. Without a subcommand it runs the bot.
func newRootCmd() *cobra.Command {
	f := &rootFlags{}
	cmd := &cobra.Command{
		Use:           "procbot",
		Short:         "Chat command bot with a process supervisor and reminders",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadEnvFile(f.envFile, cmd.Flags().Changed("env-file"))
		},
		RunE: func(cmd *cobra.Command, _ []string) error { return runBot(cmd, f) },
	}
	cmd.PersistentFlags().StringVar(&f.config, "config", "./config.json", "path to the config file (json, yaml or toml)")
	cmd.PersistentFlags().StringVar(&f.envFile, "env-file", ".env", "dotenv file loaded before the config")

	cmd.AddCommand(
		newRunCmd(f),
		newCheckCmd(f),
	)
	return cmd
}

// loadEnvFile loads a dotenv file. A missing default file is not an error.
func loadEnvFile(path string, explicit bool) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	return nil
}
