package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Run every auto-load template that is due, once",
	Long:  "Evaluates auto-load schedules a single time and runs the due templates. Useful when scheduling is driven by an external cron instead of serve.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "load")
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.newScheduler().Tick(ctx)
		if err != nil {
			return eris.Wrap(err, "tick")
		}
		fmt.Printf("due=%d ran=%d skipped=%d failed=%d\n", res.Due, res.Ran, res.Skipped, res.Failed)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tickCmd)
}
