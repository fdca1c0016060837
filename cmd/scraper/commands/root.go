package commands

import (
	"context"
	"fmt"
	"os"

	"fare-scraper/internal/app"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:          "scraper",
	Short:        "scraper fetches bus fares for every active route and reconciles them into the database.",
	SilenceUsage: true,
}

func ExecuteContext(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// withApp builds the app from the environment, runs fn and closes it.
func withApp(cmd *cobra.Command, fn func(a *app.App) error) error {
	cfg, log, err := app.LoadEnv()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	a, err := app.New(cmd.Context(), cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}
