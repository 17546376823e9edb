package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ehr/revleak/internal/domain/leak"
	"github.com/ehr/revleak/internal/domain/ledger"
	"github.com/ehr/revleak/internal/domain/reconciliation"
)

// withApp wires the application for one command and runs fn against a
// tenant-scoped context.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	tenant, _ := cmd.Flags().GetString("tenant")
	tctx, release, err := a.tenantContext(ctx, tenant)
	if err != nil {
		return err
	}
	defer release()
	return fn(tctx, a)
}

func scanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Detect revenue leaks in visits closed in [from, to)",
		Example: `  revleak scan --from 2024-03-01 --to 2024-03-02
  revleak scan --from 2024-01-01 --to 2024-04-01 --chunk 24h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			fromS, _ := cmd.Flags().GetString("from")
			toS, _ := cmd.Flags().GetString("to")
			chunk, _ := cmd.Flags().GetDuration("chunk")
			return withApp(cmd, func(ctx context.Context, a *app) error {
				tr, err := parseRange(fromS, toS, a.loc)
				if err != nil {
					return err
				}
				var res *leak.ScanResult
				if chunk > 0 {
					res, err = a.leaks.DetectChunked(ctx, tr, chunk)
				} else {
					res, err = a.leaks.DetectAll(ctx, tr)
				}
				if res != nil {
					printScan(cmd.OutOrStdout(), res, a.exponent)
				}
				return err
			})
		},
	}
	cmd.Flags().String("from", "", "Start of the range, RFC 3339 or YYYY-MM-DD (inclusive)")
	cmd.Flags().String("to", "", "End of the range, RFC 3339 or YYYY-MM-DD (exclusive)")
	cmd.Flags().Duration("chunk", 0, "Scan in sub-ranges of this length; re-running resumes")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func leaksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "leaks",
		Short: "Inspect and resolve recorded leaks",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List leaks ordered by detection time",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, _ := cmd.Flags().GetString("status")
			typ, _ := cmd.Flags().GetString("type")
			fromS, _ := cmd.Flags().GetString("from")
			toS, _ := cmd.Flags().GetString("to")
			limit, _ := cmd.Flags().GetInt("limit")
			cursor, _ := cmd.Flags().GetString("cursor")
			return withApp(cmd, func(ctx context.Context, a *app) error {
				f, err := listFilter(status, typ, fromS, toS, a.loc)
				if err != nil {
					return err
				}
				f.Limit, f.Cursor = limit, cursor
				page, err := a.leaks.ListLeaks(ctx, f)
				if err != nil {
					return err
				}
				printLeaks(cmd.OutOrStdout(), page.Items, a.exponent)
				if page.HasMore {
					fmt.Fprintf(cmd.OutOrStdout(), "\nnext cursor: %s\n", page.NextCursor)
				}
				return nil
			})
		},
	}
	listCmd.Flags().String("status", "", "Filter by status")
	listCmd.Flags().String("type", "", "Filter by leak type")
	listCmd.Flags().String("from", "", "Only leaks detected at or after, RFC 3339 or YYYY-MM-DD")
	listCmd.Flags().String("to", "", "Only leaks detected before, RFC 3339 or YYYY-MM-DD")
	listCmd.Flags().Int("limit", 20, "Page size")
	listCmd.Flags().String("cursor", "", "Cursor from a previous page")
	cmd.AddCommand(listCmd)

	summaryCmd := &cobra.Command{
		Use:   "summary",
		Short: "Count and total leaks detected in [from, to) by type and status",
		RunE: func(cmd *cobra.Command, args []string) error {
			fromS, _ := cmd.Flags().GetString("from")
			toS, _ := cmd.Flags().GetString("to")
			return withApp(cmd, func(ctx context.Context, a *app) error {
				tr, err := parseRange(fromS, toS, a.loc)
				if err != nil {
					return err
				}
				sum, err := a.leaks.Summary(ctx, tr)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%-18s %-14s %8s %14s\n", "TYPE", "STATUS", "COUNT", "AMOUNT")
				for _, c := range sum.Cells {
					fmt.Fprintf(out, "%-18s %-14s %8d %14s\n", c.Type, c.Status, c.Count, c.Amount.Format(a.exponent))
				}
				fmt.Fprintf(out, "%-18s %-14s %8d %14s\n", "TOTAL", "", sum.TotalCount, sum.TotalAmount.Format(a.exponent))
				return nil
			})
		},
	}
	summaryCmd.Flags().String("from", "", "Start of the range (inclusive)")
	summaryCmd.Flags().String("to", "", "End of the range (exclusive)")
	_ = summaryCmd.MarkFlagRequired("from")
	_ = summaryCmd.MarkFlagRequired("to")
	cmd.AddCommand(summaryCmd)

	resolveCmd := &cobra.Command{
		Use:   "resolve <leak-id>",
		Short: "Move a leak to INVESTIGATING, RESOLVED or WAIVED",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid leak id %q", args[0])
			}
			target, _ := cmd.Flags().GetString("status")
			actor, _ := cmd.Flags().GetString("actor")
			note, _ := cmd.Flags().GetString("note")
			expected, _ := cmd.Flags().GetInt("expected-version")
			return withApp(cmd, func(ctx context.Context, a *app) error {
				l, err := a.leaks.Resolve(ctx, leak.TransitionRequest{
					LeakID:          id,
					Target:          leak.Status(target),
					Actor:           actor,
					Note:            note,
					ExpectedVersion: expected,
				})
				if l != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "leak %s is now %s (version %d)\n", l.ID, l.Status, l.Version)
				}
				return err
			})
		},
	}
	resolveCmd.Flags().String("status", string(leak.StatusResolved), "Target status")
	resolveCmd.Flags().String("actor", "", "Who is making the change")
	resolveCmd.Flags().String("note", "", "Resolution note")
	resolveCmd.Flags().Int("expected-version", 0, "Version last seen for this leak")
	_ = resolveCmd.MarkFlagRequired("actor")
	_ = resolveCmd.MarkFlagRequired("expected-version")
	cmd.AddCommand(resolveCmd)

	return cmd
}

func reconcileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Daily revenue reconciliation",
	}

	dayCmd := &cobra.Command{
		Use:   "day <YYYY-MM-DD>",
		Short: "Reconcile one calendar day",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				day, err := a.aggregator.ParseDay("daily_aggregation", args[0])
				if err != nil {
					return err
				}
				r, err := a.aggregator.Daily(ctx, day)
				if err != nil {
					return err
				}
				printReports(cmd.OutOrStdout(), []*reconciliation.Report{r}, a.exponent)
				return nil
			})
		},
	}
	cmd.AddCommand(dayCmd)

	summaryCmd := &cobra.Command{
		Use:   "summary <from> <to>",
		Short: "Reconcile every day from through to, inclusive",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				from, err := a.aggregator.ParseDay("reconciliation_summary", args[0])
				if err != nil {
					return err
				}
				to, err := a.aggregator.ParseDay("reconciliation_summary", args[1])
				if err != nil {
					return err
				}
				reports, err := a.aggregator.Summary(ctx, from, to)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				printReports(out, reports, a.exponent)
				for _, run := range reconciliation.UnreconciledRuns(reports) {
					fmt.Fprintf(out, "unreconciled: %s .. %s (%d days, variance %s)\n",
						run.From, run.To, run.Days, run.Variance.Format(a.exponent))
				}
				return nil
			})
		},
	}
	cmd.AddCommand(summaryCmd)

	invalidateCmd := &cobra.Command{
		Use:   "invalidate <YYYY-MM-DD>",
		Short: "Drop the cached report for a day after a late ledger posting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				day, err := a.aggregator.ParseDay("invalidate_report", args[0])
				if err != nil {
					return err
				}
				if err := a.aggregator.Invalidate(ctx, day); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "invalidated %s\n", args[0])
				return nil
			})
		},
	}
	cmd.AddCommand(invalidateCmd)

	return cmd
}

// parseInstant accepts an RFC 3339 instant or a bare date read in loc.
func parseInstant(s string, loc *time.Location) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return ledger.ParseDate(s, loc)
}

// listFilter builds the filters of `leaks list`. Empty values are unset.
func listFilter(status, typ, from, to string, loc *time.Location) (leak.ListFilter, error) {
	var f leak.ListFilter
	if status != "" {
		st, ok := leak.ParseStatus(status)
		if !ok {
			return f, fmt.Errorf("unknown status %q", status)
		}
		f.Status = &st
	}
	if typ != "" {
		t, ok := leak.ParseType(typ)
		if !ok {
			return f, fmt.Errorf("unknown leak type %q", typ)
		}
		f.Type = &t
	}
	if from != "" {
		t, err := parseInstant(from, loc)
		if err != nil {
			return f, fmt.Errorf("--from: %w", err)
		}
		f.From = &t
	}
	if to != "" {
		t, err := parseInstant(to, loc)
		if err != nil {
			return f, fmt.Errorf("--to: %w", err)
		}
		f.To = &t
	}
	if f.From != nil && f.To != nil && !f.From.Before(*f.To) {
		return f, fmt.Errorf("--from must be before --to")
	}
	return f, nil
}

// parseRange accepts RFC 3339 instants or bare dates read in loc.
func parseRange(from, to string, loc *time.Location) (ledger.TimeRange, error) {
	f, err := parseInstant(from, loc)
	if err != nil {
		return ledger.TimeRange{}, fmt.Errorf("--from: %w", err)
	}
	t, err := parseInstant(to, loc)
	if err != nil {
		return ledger.TimeRange{}, fmt.Errorf("--to: %w", err)
	}
	return ledger.TimeRange{From: f, To: t}, nil
}

func printScan(w io.Writer, res *leak.ScanResult, exponent int32) {
	fmt.Fprintf(w, "scanned %d visits in %s: %d new, %d already known\n",
		res.VisitsScanned, res.Range, len(res.Created), len(res.AlreadyKnown))
	for _, s := range res.Created {
		fmt.Fprintf(w, "  %s %-18s %12s visit %s\n", s.ID, s.Type, s.Amount.Format(exponent), s.VisitID)
	}
}

func printLeaks(w io.Writer, leaks []*leak.RevenueLeak, exponent int32) {
	fmt.Fprintf(w, "%-36s %-18s %-14s %12s %3s %s\n", "ID", "TYPE", "STATUS", "AMOUNT", "V", "DETECTED")
	for _, l := range leaks {
		fmt.Fprintf(w, "%-36s %-18s %-14s %12s %3d %s\n",
			l.ID, l.Type, l.Status, l.Amount.Format(exponent), l.Version, l.DetectedAt.Format(time.RFC3339))
	}
}

func printReports(w io.Writer, reports []*reconciliation.Report, exponent int32) {
	fmt.Fprintf(w, "%-10s %14s %14s %14s %14s %s\n", "DATE", "EXPECTED", "ACTUAL", "RESOLVED", "VARIANCE", "STATUS")
	for _, r := range reports {
		fmt.Fprintf(w, "%-10s %14s %14s %14s %14s %s\n", r.Date,
			r.ExpectedTotal.Format(exponent), r.ActualTotal.Format(exponent),
			r.ResolvedLeakTotal.Format(exponent), r.Variance.Format(exponent), r.Status)
	}
}
