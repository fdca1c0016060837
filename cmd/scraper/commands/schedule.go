package commands

import (
	"fare-scraper/internal/app"
	"fare-scraper/internal/logger"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(scheduleCmd)
	rootCmd.AddCommand(serveCmd)
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Runs the scraper on SCHEDULE without the HTTP server until interrupted.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app.App) error {
			sched, err := a.NewScheduler(cmd.Context())
			if err != nil {
				return err
			}
			sched.Start()
			a.Log.Info("Scheduler started", logger.String("schedule", a.Config.Schedule))

			<-cmd.Context().Done()
			a.Log.Info("Stopping scheduler, waiting for the current run")
			sched.Stop()
			return nil
		})
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Runs the HTTP API and the scheduler until interrupted.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app.App) error {
			return a.Serve(cmd.Context())
		})
	},
}
