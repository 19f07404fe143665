package main

import (
	"encoding/json"
	"os"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/fuelwise/fuel-ingest/internal/ingest"
	"github.com/fuelwise/fuel-ingest/internal/model"
)

var loadCmd = &cobra.Command{
	Use:   "load <template-id>",
	Short: "Run one manual ingestion for a template",
	Long:  "Fetches, normalizes and writes transactions for a template and prints the resulting upload event. Without --from/--to the template's day offsets define the window.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		id, err := parseTemplateID(args[0])
		if err != nil {
			return err
		}

		env, err := initEnv(ctx, "load")
		if err != nil {
			return err
		}
		defer env.Close()

		from, _ := cmd.Flags().GetString("from")
		to, _ := cmd.Flags().GetString("to")
		card, _ := cmd.Flags().GetString("card")
		file, _ := cmd.Flags().GetString("file")

		req := ingest.RunRequest{
			TemplateID: id,
			Source:     model.SourceManual,
			CardNumber: card,
			SourcePath: file,
		}
		if req.DateFrom, req.DateTo, err = ingest.ParseWindow(from, to, env.Location); err != nil {
			return eris.Wrap(err, "load")
		}

		ev, err := env.Runner.Run(ctx, req)
		if ev == nil {
			return eris.Wrap(err, "load")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(ev); encErr != nil {
			return eris.Wrap(encErr, "load: print event")
		}
		if ev.Status == model.StatusFailed {
			return eris.Errorf("load: template %d failed: %s", id, ev.Message)
		}
		return nil
	},
}

func parseTemplateID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, eris.Errorf("invalid template id %q", s)
	}
	return id, nil
}

func init() {
	loadCmd.Flags().String("from", "", "window start (YYYY-MM-DD or RFC 3339)")
	loadCmd.Flags().String("to", "", "window end (YYYY-MM-DD or RFC 3339)")
	loadCmd.Flags().String("card", "", "restrict the fetch to one card number")
	loadCmd.Flags().String("file", "", "read this file instead of the template's configured path (file templates)")
	rootCmd.AddCommand(loadCmd)
}
