package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/spf13/cobra"

	"github.com/MGallo-Code/ledgersync/internal/config"
	"github.com/MGallo-Code/ledgersync/internal/store"
	"github.com/MGallo-Code/ledgersync/internal/upstream"
	"github.com/MGallo-Code/ledgersync/internal/webhook"
)

const dateLayout = "2006-01-02"

// newRootCommand builds the ledgersync CLI. Every subcommand loads config
// from the environment (and .env) before it runs.
func newRootCommand() *cobra.Command {
	var cfg *config.Config

	root := &cobra.Command{
		Use:           "ledgersync",
		Short:         "Logicware CRM sync engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.LoadConfig()
			if err != nil {
				return err
			}
			setupLogging(c)
			cfg = c
			return nil
		},
	}

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook receiver and queue workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg, nil)
		},
	}

	replay := &cobra.Command{
		Use:   "replay <log-id>",
		Short: "Re-enqueue a failed webhook delivery",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.FromString(args[0])
			if err != nil {
				return fmt.Errorf("invalid log id %q: %w", args[0], err)
			}
			return replayLog(cmd, cfg, id)
		},
	}

	var from, to string
	syncSales := &cobra.Command{
		Use:   "sync-sales",
		Short: "Backfill contracts from upstream sales in a date range",
		Long: `Backfill contracts from upstream sales in a date range.

Dates are inclusive and default to yesterday through today (UTC).

Example:
  ledgersync sync-sales --from 2024-05-01 --to 2024-05-31`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			start, end, err := parseRange(from, to, time.Now().UTC())
			if err != nil {
				return err
			}
			return syncRange(cmd, cfg, start, end)
		},
	}
	syncSales.Flags().StringVar(&from, "from", "", "first day, YYYY-MM-DD")
	syncSales.Flags().StringVar(&to, "to", "", "last day, YYYY-MM-DD")

	var (
		stage string
		force bool
	)
	syncStock := &cobra.Command{
		Use:   "sync-stock",
		Short: "Apply upstream stock statuses to local lots",
		Long: `Apply upstream stock statuses to local lots.

The full listing is capped at a few real reads a day; without --force a
cached listing is used when one is still valid. --stage reads a single
stage instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return syncStockCmd(cmd, cfg, stage, force)
		},
	}
	syncStock.Flags().StringVar(&stage, "stage", "", "only this stage id")
	syncStock.Flags().BoolVar(&force, "force", false, "bypass the cache (counts against the daily quota)")

	root.AddCommand(serve, replay, syncSales, syncStock)
	return root
}

// parseRange resolves the sync-sales flags against now.
func parseRange(from, to string, now time.Time) (time.Time, time.Time, error) {
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	start, end := today.AddDate(0, 0, -1), today

	var err error
	if from != "" {
		if start, err = time.Parse(dateLayout, from); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid --from: %w", err)
		}
	}
	if to != "" {
		if end, err = time.Parse(dateLayout, to); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid --to: %w", err)
		}
	}
	if end.Before(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("--to %s is before --from %s", end.Format(dateLayout), start.Format(dateLayout))
	}
	return start, end, nil
}

func replayLog(cmd *cobra.Command, cfg *config.Config, id uuid.UUID) error {
	ctx := cmd.Context()
	a, err := open(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.ps.ResetWebhookForReplay(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("webhook %s does not exist or is not in a failed state", id)
		}
		return err
	}
	if err := a.queue.Enqueue(ctx, webhook.Task{LogID: id}); err != nil {
		// The row is received again; the recovery sweep of a running server picks it up.
		return fmt.Errorf("webhook %s reset but not queued: %w", id, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "webhook %s queued for replay\n", id)
	return nil
}

func syncRange(cmd *cobra.Command, cfg *config.Config, from, to time.Time) error {
	ctx := cmd.Context()
	a, err := open(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	rep, err := a.sync.SyncSalesRange(ctx, from, to)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	var created, skipped, failed int
	for _, r := range rep.Reports {
		created += r.Created()
		skipped += r.Skipped()
		failed += r.Failed()
	}
	fmt.Fprintf(out, "%s..%s: %d documents, %d created, %d skipped, %d failed\n",
		from.Format(dateLayout), to.Format(dateLayout), rep.Documents, created, skipped, failed)
	if used, err := a.client.Usage(ctx, upstream.OpSales); err == nil {
		fmt.Fprintf(out, "sales reads today: %d\n", used)
	}
	if rep.Degraded {
		fmt.Fprintln(out, "warning: upstream data was served from a stale cache")
	}
	for _, e := range rep.Errors {
		fmt.Fprintf(out, "error: %v\n", e)
	}
	if len(rep.Errors) > 0 {
		return fmt.Errorf("%d sale documents failed", len(rep.Errors))
	}
	return nil
}

func syncStockCmd(cmd *cobra.Command, cfg *config.Config, stage string, force bool) error {
	ctx := cmd.Context()
	a, err := open(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	op := upstream.OpStock
	var (
		units []upstream.StockUnit
		meta  upstream.Meta
	)
	if stage != "" {
		op = upstream.OpStockByStage
		units, meta, err = a.client.StockByStage(ctx, stage, force)
	} else {
		units, meta, err = a.client.Stock(ctx, force)
	}
	if err != nil {
		return err
	}

	rep, err := a.sync.ApplyStock(ctx, units)
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%d units: %d updated, %d skipped\n", len(units), rep.Updated(), rep.Skipped())
	if used, uerr := a.client.Usage(ctx, op); uerr == nil {
		fmt.Fprintf(out, "%s reads today: %d\n", op, used)
	}
	switch {
	case meta.Placeholder:
		fmt.Fprintln(out, "warning: stock quota exhausted and nothing cached; no lots changed")
	case meta.Degraded:
		fmt.Fprintln(out, "warning: upstream data was served from a stale cache")
	}
	return err
}
