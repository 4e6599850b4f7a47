package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/xraph/autopay"
)

type loader func() (*settings, error)

func newRunCmd(load loader) *cobra.Command {
	var (
		dryRun        bool
		leadDays      int
		workers       int
		skipReconcile bool
		asJSON        bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Charge every due subscriber, then reconcile pending attempts",
		Long: "run selects subscribers whose paid period ends within the lead time, " +
			"reserves at most one attempt per subscriber and charges it. Per-subscriber " +
			"failures are recorded and reported; the command only fails when the store " +
			"or configuration is unusable.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := load()
			if err != nil {
				return err
			}
			if workers > 0 {
				s.Engine.Workers = workers
			}

			ctx := cmd.Context()
			a, err := start(ctx, s, dryRun, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close(context.WithoutCancel(ctx))

			opts := autopay.RunOptions{DryRun: dryRun}
			if leadDays > 0 {
				opts.LeadTime = time.Duration(leadDays) * 24 * time.Hour
			}
			report, err := a.engine.RunDue(ctx, opts)
			if err != nil {
				return err
			}
			if err := printReport(cmd.OutOrStdout(), report, asJSON); err != nil {
				return err
			}

			if skipReconcile {
				return nil
			}
			recon, err := a.engine.ReconcilePending(ctx, autopay.ReconcileOptions{DryRun: dryRun})
			if err != nil {
				return err
			}
			return printReport(cmd.OutOrStdout(), recon, asJSON)
		},
	}

	f := cmd.Flags()
	f.BoolVar(&dryRun, "dry-run", false, "classify and report without writing or charging")
	f.IntVar(&leadDays, "lead-days", 0, "charge subscribers expiring within N days (overrides engine.lead_time)")
	f.IntVar(&workers, "workers", 0, "concurrent subscribers (overrides engine.workers)")
	f.BoolVar(&skipReconcile, "skip-reconcile", false, "do not reconcile pending attempts after charging")
	f.BoolVar(&asJSON, "json", false, "print reports as JSON")

	return cmd
}

func newReconcileCmd(load loader) *cobra.Command {
	var (
		dryRun bool
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Resolve attempts left pending at the gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := load()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := start(ctx, s, dryRun, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close(context.WithoutCancel(ctx))

			report, err := a.engine.ReconcilePending(ctx, autopay.ReconcileOptions{DryRun: dryRun})
			if err != nil {
				return err
			}
			return printReport(cmd.OutOrStdout(), report, asJSON)
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "poll and report without writing")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")

	return cmd
}

// start wires the application and starts the engine, which migrates the
// store unless disabled. A dry run never migrates.
func start(ctx context.Context, s *settings, dryRun bool, logOut io.Writer) (*app, error) {
	if dryRun {
		s.Engine.DisableMigrate = true
	}
	a, err := wireApp(ctx, s, logOut)
	if err != nil {
		return nil, err
	}
	if err := a.engine.Start(ctx); err != nil {
		a.Close(ctx)
		return nil, err
	}
	return a, nil
}

func printReport(w io.Writer, r *autopay.RunReport, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}

	s := r.Summary()
	mode := ""
	if s.DryRun {
		mode = " (dry run)"
	}
	_, err := fmt.Fprintf(w,
		"%s%s: scanned=%d reserved=%d succeeded=%d failed=%d pending=%d stale=%d skipped=%d disabled=%d errors=%d elapsed=%s\n",
		s.Kind, mode, s.Scanned, s.Reserved, s.Succeeded, s.Failed, s.Pending,
		s.Stale, s.Skipped, s.Disabled, s.Errors, s.Elapsed.Round(time.Millisecond),
	)
	return err
}
