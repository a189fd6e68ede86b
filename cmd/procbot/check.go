package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"procbot/internal/config"
)

func newCheckCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the config file and print a summary",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.NewManager(f.config).Load()
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), summarize(f.config, cfg))
			return nil
		},
	}
}

func summarize(path string, cfg *config.Config) string {
	var b strings.Builder
	fmt.Fprintf(&b, "config %s is valid\n", path)

	driver := cfg.Storage.Driver
	if strings.TrimSpace(driver) == "" {
		driver = "memory"
	}
	fmt.Fprintf(&b, "storage:   %s %s\n", driver, cfg.Storage.Path)
	fmt.Fprintf(&b, "owners:    %d\n", len(cfg.Telegram.OwnerUserIDs))

	maxPerUser, maxPID := cfg.Processes.MaxPerUser, cfg.Processes.MaxPID
	if maxPerUser <= 0 {
		maxPerUser = 5
	}
	if maxPID <= 0 {
		maxPID = 999
	}
	fmt.Fprintf(&b, "processes: max_per_user=%d max_pid=%d\n", maxPerUser, maxPID)
	if len(cfg.Commands.Disabled) > 0 {
		fmt.Fprintf(&b, "disabled:  %s\n", strings.Join(cfg.Commands.Disabled, ", "))
	}

	if cfg.Reminders.IsEnabled() {
		fmt.Fprintf(&b, "reminders: on (tz %s)\n", cfg.Reminders.Location())
	} else {
		b.WriteString("reminders: off\n")
	}
	return b.String()
}
