package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"procbot/internal/app"
)

func newRunCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the bot until interrupted",
		RunE:  func(cmd *cobra.Command, _ []string) error { return runBot(cmd, f) },
	}
}

func runBot(cmd *cobra.Command, f *rootFlags) error {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	a, err := app.New(cmd.Context(), f.config)
	if err != nil {
		return err
	}
	if err := a.Start(context.Background()); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return err
	}

	reason := app.StopUnknown
	select {
	case s := <-sigs:
		reason = app.StopSIGTERM
		if s == os.Interrupt {
			reason = app.StopSIGINT
		}
	case <-a.Done():
		reason = app.StopFatalError
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := a.Stop(ctx, reason); err != nil {
		return err
	}
	if reason == app.StopFatalError {
		return a.Err()
	}
	return nil
}
