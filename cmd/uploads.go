package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/fuelwise/fuel-ingest/internal/model"
)

var uploadsCmd = &cobra.Command{
	Use:   "uploads",
	Short: "Inspect upload history",
	Long:  "Commands for listing and summarizing upload events.",
}

// -- uploads list --

var uploadsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List upload events, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		events, err := listUploads(cmd)
		if err != nil {
			return eris.Wrap(err, "uploads list")
		}
		if len(events) == 0 {
			fmt.Fprintln(os.Stderr, "No uploads found.")
			return nil
		}
		formatUploadsList(os.Stdout, events)
		return nil
	},
}

// -- uploads stats --

var uploadsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate upload statistics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		events, err := listUploads(cmd)
		if err != nil {
			return eris.Wrap(err, "uploads stats")
		}
		since, _ := cmd.Flags().GetDuration("since")
		var cutoff time.Time
		if since > 0 {
			cutoff = time.Now().Add(-since)
		}
		formatUploadStats(os.Stdout, computeUploadStats(events, cutoff))
		return nil
	},
}

func listUploads(cmd *cobra.Command) ([]model.UploadEvent, error) {
	ctx := cmd.Context()

	if err := cfg.Validate("migrate"); err != nil {
		return nil, err
	}
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	defer st.Close() //nolint:errcheck
	if err := st.Migrate(ctx); err != nil {
		return nil, err
	}

	templateID, _ := cmd.Flags().GetInt64("template")
	status, _ := cmd.Flags().GetString("status")
	limit, _ := cmd.Flags().GetInt("limit")

	return st.ListUploadEvents(ctx, model.UploadFilter{
		TemplateID: templateID,
		Status:     model.UploadStatus(status),
		Limit:      limit,
	})
}

func init() {
	for _, c := range []*cobra.Command{uploadsListCmd, uploadsStatsCmd} {
		c.Flags().Int64("template", 0, "filter by template id")
		c.Flags().String("status", "", "filter by status (success, partial, failed)")
	}
	uploadsListCmd.Flags().Int("limit", 50, "max number of uploads to display")
	uploadsStatsCmd.Flags().Int("limit", 1000, "max number of uploads to aggregate")
	uploadsStatsCmd.Flags().Duration("since", 24*time.Hour, "time window for stats (e.g. 24h, 168h)")

	uploadsCmd.AddCommand(uploadsListCmd)
	uploadsCmd.AddCommand(uploadsStatsCmd)
	rootCmd.AddCommand(uploadsCmd)
}

// uploadStats holds aggregate statistics over a set of upload events.
type uploadStats struct {
	Uploads   int
	Success   int
	Partial   int
	Failed    int
	Records   int
	Created   int
	Skipped   int
	Rejected  int
	Scheduled int
	AvgDurMs  float64
}

// computeUploadStats aggregates events started at or after cutoff. A zero
// cutoff includes everything.
func computeUploadStats(events []model.UploadEvent, cutoff time.Time) uploadStats {
	var s uploadStats
	var totalMs int64
	for _, ev := range events {
		if !cutoff.IsZero() && ev.StartedAt.Before(cutoff) {
			continue
		}
		s.Uploads++
		switch ev.Status {
		case model.StatusSuccess:
			s.Success++
		case model.StatusPartial:
			s.Partial++
		case model.StatusFailed:
			s.Failed++
		}
		if ev.Source == model.SourceScheduled {
			s.Scheduled++
		}
		s.Records += ev.Total
		s.Created += ev.Created
		s.Skipped += ev.Skipped
		s.Rejected += ev.Failed
		totalMs += ev.DurationMs
	}
	if s.Uploads > 0 {
		s.AvgDurMs = float64(totalMs) / float64(s.Uploads)
	}
	return s
}

func formatUploadStats(out io.Writer, s uploadStats) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Uploads:\t%d\n", s.Uploads)
	_, _ = fmt.Fprintf(w, "  Success:\t%d\n", s.Success)
	_, _ = fmt.Fprintf(w, "  Partial:\t%d\n", s.Partial)
	_, _ = fmt.Fprintf(w, "  Failed:\t%d\n", s.Failed)
	_, _ = fmt.Fprintf(w, "  Scheduled:\t%d\n", s.Scheduled)
	_, _ = fmt.Fprintf(w, "Records:\t%d\n", s.Records)
	_, _ = fmt.Fprintf(w, "  Created:\t%d\n", s.Created)
	_, _ = fmt.Fprintf(w, "  Skipped:\t%d\n", s.Skipped)
	_, _ = fmt.Fprintf(w, "  Rejected:\t%d\n", s.Rejected)
	if s.AvgDurMs > 0 {
		_, _ = fmt.Fprintf(w, "Avg duration:\t%.1fs\n", s.AvgDurMs/1000)
	}
	_ = w.Flush()
}

// formatUploadsList writes a tabular list of upload events to w.
func formatUploadsList(out io.Writer, events []model.UploadEvent) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tTEMPLATE\tSOURCE\tSTATUS\tTOTAL\tCREATED\tSKIPPED\tFAILED\tSTARTED\tDURATION\tMESSAGE")
	_, _ = fmt.Fprintln(w, "--\t--------\t------\t------\t-----\t-------\t-------\t------\t-------\t--------\t-------")

	for _, ev := range events {
		dur := (time.Duration(ev.DurationMs) * time.Millisecond).Round(time.Second).String()
		_, _ = fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%d\t%d\t%d\t%d\t%s\t%s\t%s\n",
			truncateID(ev.ID),
			ev.TemplateID,
			ev.Source,
			ev.Status,
			ev.Total,
			ev.Created,
			ev.Skipped,
			ev.Failed,
			ev.StartedAt.Format("2006-01-02 15:04"),
			dur,
			truncate(ev.Message, 60),
		)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
