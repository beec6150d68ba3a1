package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/ip-patrol/internal/model"
	"github.com/sells-group/ip-patrol/internal/monitoring"
	"github.com/sells-group/ip-patrol/internal/scheduler"
)

var (
	scanShopURL       string
	scanCSV           []string
	scanFast          bool
	scanMaxPages      int
	scanResume        string
	scanOwner         string
	scanPauseOnSignal bool
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan a shop or CSV files for IP-risk listings",
	Long: "Enumerates a Rakuten shop (--shop-url) or a set of CSV files (--csv), classifies every item and " +
		"checkpoints the session after each group. Interrupting stops at the next group boundary; " +
		"the session can be picked up again with --resume.",
	RunE: func(cmd *cobra.Command, args []string) error {
		mode := "scan"
		if scanShopURL != "" {
			mode = "rakuten"
		}

		env, err := initScan(cmd.Context(), mode)
		if err != nil {
			return err
		}
		defer env.Close()

		ctx, cancel := context.WithCancelCause(cmd.Context())
		defer cancel(nil)
		stopOnSignal(ctx, cancel, scanPauseOnSignal)

		req := scanRequest{
			ShopURL:  scanShopURL,
			CSVPaths: scanCSV,
			Owner:    scanOwner,
			Fast:     scanFast,
			MaxPages: scanMaxPages,
		}

		var sess *model.Session
		if scanResume != "" {
			sess, err = resumeScan(ctx, env, scanResume, req)
		} else {
			sess, err = startScan(ctx, env, req)
		}
		if sess != nil {
			formatScanResult(os.Stdout, sess)
			alerter := monitoring.NewAlerter(cfg.Monitoring)
			alerter.SendAlerts(context.WithoutCancel(ctx), alerter.SessionAlerts(sess))
		}
		return err
	},
}

func startScan(ctx context.Context, env *scanEnv, req scanRequest) (*model.Session, error) {
	src, meta, err := env.buildSource(req)
	if err != nil {
		return nil, err
	}
	sched := env.newScheduler(meta.Kind, req, printProgress(os.Stderr))
	return sched.Start(ctx, meta, src)
}

func resumeScan(ctx context.Context, env *scanEnv, id string, req scanRequest) (*model.Session, error) {
	prev, err := env.Store.LoadSession(ctx, id)
	if err != nil {
		return nil, eris.Wrap(err, "resume")
	}
	src, err := env.resumeSource(prev, req.CSVPaths)
	if err != nil {
		return nil, err
	}
	sched := env.newScheduler(prev.Kind, req, printProgress(os.Stderr))
	return sched.Resume(ctx, id, src)
}

// stopOnSignal cancels ctx on SIGINT or SIGTERM. With pause set the
// session ends paused instead of aborted.
func stopOnSignal(ctx context.Context, cancel context.CancelCauseFunc, pause bool) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigCh)
		select {
		case sig := <-sigCh:
			cause := context.Canceled
			if pause {
				cause = scheduler.ErrPaused
			}
			zap.L().Info("signal received, stopping at next group boundary",
				zap.Stringer("signal", sig),
				zap.Bool("pause", pause),
			)
			cancel(cause)
		case <-ctx.Done():
		}
	}()
}

// printProgress returns an OnCommit callback that writes one line per commit.
func printProgress(out io.Writer) func(*model.Session, int) {
	return func(s *model.Session, committed int) {
		if committed == 0 {
			return
		}
		_, _ = fmt.Fprintf(out, "page %d (+%d)  items %d  high %d  critical %d  errors %d\n",
			s.Checkpoint.NextPage(), committed,
			s.Summary.Total, s.Summary.High, s.Summary.Critical, s.Summary.Errors)
	}
}

// formatScanResult writes the end-of-run status line and counts.
func formatScanResult(out io.Writer, s *model.Session) {
	switch s.Status {
	case model.SessionCompleted:
		_, _ = fmt.Fprintf(out, "Scan %s completed.\n", s.ID)
	case model.SessionFailed:
		_, _ = fmt.Fprintf(out, "Scan %s stopped with error at page %d: %s\n", s.ID, s.Checkpoint.NextPage(), s.Error)
	default:
		_, _ = fmt.Fprintf(out, "Scan %s %s after page %d; resume with: ip-patrol scan --resume %s\n",
			s.ID, s.Status, s.Checkpoint.Page, s.ID)
	}
	formatSummary(out, s.Summary)
}

func init() {
	scanCmd.Flags().StringVar(&scanShopURL, "shop-url", "", "Rakuten shop URL to scan")
	scanCmd.Flags().StringSliceVar(&scanCSV, "csv", nil, "CSV or XLSX files to scan, one page per file")
	scanCmd.Flags().BoolVar(&scanFast, "fast", false, "fast mode: larger groups and shorter pacing")
	scanCmd.Flags().IntVar(&scanMaxPages, "max-pages", 0, "pages per run before pausing (0 = config default for shops, -1 = no cap)")
	scanCmd.Flags().StringVar(&scanResume, "resume", "", "resume the session with this ID")
	scanCmd.Flags().StringVar(&scanOwner, "owner", "", "user recorded as the session owner")
	scanCmd.Flags().BoolVar(&scanPauseOnSignal, "pause-on-signal", false, "end interrupted sessions paused instead of aborted")
	rootCmd.AddCommand(scanCmd)
}
