package commands

import (
	"encoding/json"
	"fmt"
	"time"

	"fare-scraper/internal/app"
	"fare-scraper/internal/services/scraper"

	"github.com/spf13/cobra"
)

var (
	runDate    string
	runCleanup bool
)

func init() {
	runCmd.Flags().StringVar(&runDate, "date", "", "Target departure date (YYYY-MM-DD), today when empty.")
	runCmd.Flags().BoolVar(&runCleanup, "cleanup", false, "Also delete price history and read notifications past retention.")
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run [--date YYYY-MM-DD] [--cleanup]",
	Short: "Runs one scrape pass over every active route and prints the run stats.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app.App) error {
			opts := scraper.RunOptions{PurgeOldSnapshots: runCleanup}
			if runDate != "" {
				d, err := time.ParseInLocation("2006-01-02", runDate, a.Config.Location())
				if err != nil {
					return fmt.Errorf("invalid --date %q: %w", runDate, err)
				}
				opts.TargetDate = d
			}

			stats, err := a.Scraper.Run(cmd.Context(), opts)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(stats, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		})
	},
}
