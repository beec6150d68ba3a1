package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/ip-patrol/internal/aggregate"
	"github.com/sells-group/ip-patrol/internal/model"
	"github.com/sells-group/ip-patrol/internal/monitoring"
	"github.com/sells-group/ip-patrol/internal/store"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect scan sessions",
	Long:  "Commands for listing, viewing, exporting, and summarizing scan sessions.",
}

// -- sessions list --

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List scan sessions, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		target, _ := cmd.Flags().GetString("target")
		owner, _ := cmd.Flags().GetString("owner")
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		sessions, err := st.ListSessions(ctx, store.SessionFilter{
			Target: target,
			Owner:  owner,
			Status: model.SessionStatus(status),
			Limit:  limit,
		})
		if err != nil {
			return eris.Wrap(err, "sessions list")
		}

		if len(sessions) == 0 {
			fmt.Fprintln(os.Stderr, "No sessions found.")
			return nil
		}

		formatSessionsList(os.Stdout, sessions)
		return nil
	},
}

// -- sessions show --

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show a session and its classified items",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		viewName, _ := cmd.Flags().GetString("view")
		view, err := aggregate.ParseView(viewName)
		if err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		sess, err := st.LoadSession(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "sessions show")
		}
		sess.Details = aggregate.Filter(sess.Details, view.Predicate())

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(sess)
		}

		formatSessionDetail(os.Stdout, sess, view)
		return nil
	},
}

// -- sessions export --

var sessionsExportCmd = &cobra.Command{
	Use:   "export <session-id>",
	Short: "Export a session's items as CSV",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		viewName, _ := cmd.Flags().GetString("view")
		view, err := aggregate.ParseView(viewName)
		if err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		sess, err := st.LoadSession(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "sessions export")
		}

		out := io.Writer(os.Stdout)
		if path, _ := cmd.Flags().GetString("output"); path != "" {
			f, err := os.Create(path)
			if err != nil {
				return eris.Wrap(err, "sessions export: create output")
			}
			defer f.Close() //nolint:errcheck
			out = f
		}

		return aggregate.ExportCSV(out, aggregate.Filter(sess.Details, view.Predicate()))
	},
}

// -- sessions stats --

var sessionsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate scan statistics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		since, _ := cmd.Flags().GetDuration("since")
		hours := int(since.Hours())
		if hours < 1 {
			hours = 1
		}

		snap, err := monitoring.NewCollector(st).Collect(ctx, hours)
		if err != nil {
			return eris.Wrap(err, "sessions stats")
		}
		formatStats(os.Stdout, snap)
		return nil
	},
}

// -- sessions history --

var sessionsHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List flagged items across sessions, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		limit, _ := cmd.Flags().GetInt("limit")
		items, err := st.ListFlagged(ctx, limit)
		if err != nil {
			return eris.Wrap(err, "sessions history")
		}

		if len(items) == 0 {
			fmt.Fprintln(os.Stderr, "No flagged items.")
			return nil
		}
		formatHistory(os.Stdout, items)
		return nil
	},
}

func init() {
	sessionsListCmd.Flags().String("target", "", "filter by target (shop URL or file set)")
	sessionsListCmd.Flags().String("owner", "", "filter by owner")
	sessionsListCmd.Flags().String("status", "", "filter by status (processing, paused, aborted, completed, failed)")
	sessionsListCmd.Flags().Int("limit", 50, "max number of sessions to display")

	sessionsShowCmd.Flags().String("view", "all", "item view (all, critical_or_high, medium, low, error)")
	sessionsShowCmd.Flags().Bool("json", false, "print the session as JSON")

	sessionsExportCmd.Flags().String("view", "all", "item view (all, critical_or_high, medium, low, error)")
	sessionsExportCmd.Flags().StringP("output", "o", "", "write CSV to this file instead of stdout")

	sessionsStatsCmd.Flags().Duration("since", 24*time.Hour, "time window for stats (e.g. 24h, 72h, 168h)")

	sessionsHistoryCmd.Flags().Int("limit", 50, "max number of flagged items")

	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsShowCmd)
	sessionsCmd.AddCommand(sessionsExportCmd)
	sessionsCmd.AddCommand(sessionsStatsCmd)
	sessionsCmd.AddCommand(sessionsHistoryCmd)
	rootCmd.AddCommand(sessionsCmd)
}

// formatSessionsList writes a tabular list of sessions to w.
func formatSessionsList(out io.Writer, sessions []model.Session) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tTYPE\tTARGET\tSTATUS\tPAGE\tITEMS\tHIGH\tCRITICAL\tCREATED")
	_, _ = fmt.Fprintln(w, "--\t----\t------\t------\t----\t-----\t----\t--------\t-------")

	for _, s := range sessions {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\t%s\n",
			truncateID(s.ID),
			s.Kind,
			truncate(s.Target, 40),
			s.Status,
			s.Checkpoint.Page,
			s.Summary.Total,
			s.Summary.High,
			s.Summary.Critical,
			s.CreatedAt.Local().Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

// formatSessionDetail writes the session header and the items of one view.
func formatSessionDetail(out io.Writer, s *model.Session, view aggregate.View) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Session:\t%s\n", s.ID)
	_, _ = fmt.Fprintf(w, "Target:\t%s (%s)\n", s.Target, s.Kind)
	if s.Owner != "" {
		_, _ = fmt.Fprintf(w, "Owner:\t%s\n", s.Owner)
	}
	_, _ = fmt.Fprintf(w, "Status:\t%s\n", s.Status)
	if s.Error != "" {
		_, _ = fmt.Fprintf(w, "Error:\t%s\n", s.Error)
	}
	_, _ = fmt.Fprintf(w, "Checkpoint:\tpage %d, offset %d\n", s.Checkpoint.Page, s.Checkpoint.Offset)
	_ = w.Flush()
	formatSummary(out, s.Summary)

	_, _ = fmt.Fprintf(out, "\n%s items (%d):\n", view, len(s.Details))
	w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "RISK\tCRIT\tNAME\tREASON")
	for _, d := range s.Details {
		crit := ""
		if d.IsCritical() {
			crit = "!"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", d.RiskTier, crit, truncate(d.Name, 50), truncate(d.Reason, 60))
	}
	_ = w.Flush()
}

// formatSummary writes verdict counts to w.
func formatSummary(out io.Writer, s model.Summary) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Items:\t%d\n", s.Total)
	_, _ = fmt.Fprintf(w, "High:\t%d\n", s.High)
	_, _ = fmt.Fprintf(w, "  Critical:\t%d\n", s.Critical)
	_, _ = fmt.Fprintf(w, "Medium:\t%d\n", s.Medium)
	_, _ = fmt.Fprintf(w, "Low:\t%d\n", s.Low)
	_, _ = fmt.Fprintf(w, "Unclassifiable:\t%d\n", s.Errors)
	_ = w.Flush()
}

// formatStats writes a metrics snapshot to w.
func formatStats(out io.Writer, snap *monitoring.MetricsSnapshot) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Sessions (last %dh):\t%d\n", snap.LookbackHours, snap.SessionsTotal)
	_, _ = fmt.Fprintf(w, "  Completed:\t%d\n", snap.SessionsCompleted)
	_, _ = fmt.Fprintf(w, "  Paused:\t%d\n", snap.SessionsPaused)
	_, _ = fmt.Fprintf(w, "  Aborted:\t%d\n", snap.SessionsAborted)
	_, _ = fmt.Fprintf(w, "  Failed:\t%d\n", snap.SessionsFailed)
	_, _ = fmt.Fprintf(w, "  Processing:\t%d\n", snap.SessionsProcessing)
	_, _ = fmt.Fprintf(w, "Items:\t%d\n", snap.Items)
	_, _ = fmt.Fprintf(w, "  High:\t%d\n", snap.HighItems)
	_, _ = fmt.Fprintf(w, "  Critical:\t%d\n", snap.CriticalItems)
	_, _ = fmt.Fprintf(w, "  Medium:\t%d\n", snap.MediumItems)
	_, _ = fmt.Fprintf(w, "  Unclassifiable:\t%d\n", snap.ErrorItems)
	if snap.Items > 0 {
		_, _ = fmt.Fprintf(w, "Error rate:\t%.1f%%\n", snap.ItemErrorRate*100)
	}
	_ = w.Flush()
}

// formatHistory writes flagged items to w.
func formatHistory(out io.Writer, items []model.FlaggedItem) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "DATE\tRISK\tCRIT\tNAME\tTARGET\tSESSION")
	for _, it := range items {
		crit := ""
		if it.IsCritical() {
			crit = "!"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			it.ClassifiedAt.Local().Format("2006-01-02 15:04"),
			it.RiskTier,
			crit,
			truncate(it.Name, 40),
			truncate(it.Target, 30),
			truncateID(it.SessionID),
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

// truncate shortens s to at most n runes.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
