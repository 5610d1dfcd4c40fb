package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/incentive-matcher/internal/matcher"
)

var matchCmd = &cobra.Command{
	Use:   "match",
	Short: "Match pending incentives to companies",
	Long:  "Processes every incentive without a scored result (or only --incentive ids). Already scored incentives are skipped, so an interrupted run can simply be restarted.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("match"); err != nil {
			return err
		}

		ids, _ := cmd.Flags().GetStringSlice("incentive")
		limit, _ := cmd.Flags().GetInt("limit")
		concurrency, _ := cmd.Flags().GetInt("concurrency")
		asJSON, _ := cmd.Flags().GetBool("json")
		if concurrency <= 0 {
			concurrency = cfg.Matcher.Concurrency
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		deps, err := buildMatchDeps(ctx, st)
		if err != nil {
			return err
		}
		defer deps.close()

		runner := matcher.NewRunner(deps.engine, st, matcher.RunnerOptions{
			Concurrency: concurrency,
			Timeout:     time.Duration(cfg.Matcher.IncentiveTimeoutSecs) * time.Second,
			Costs:       deps.costs,
		})

		var sum *matcher.Summary
		if len(ids) > 0 {
			sum, err = runner.Run(ctx, ids)
		} else {
			sum, err = runner.RunPending(ctx, limit)
		}

		stats := deps.resolver.Stats()
		zap.L().Info("location cache",
			zap.Int64("hits", stats.Hits),
			zap.Int64("misses", stats.Misses),
			zap.Int64("geocode_calls", stats.Calls),
			zap.Int64("failures", stats.Failures),
			zap.Int64("deferred", stats.Deferred),
			zap.Float64("hit_rate", stats.HitRate()),
			zap.Int64("budget_remaining", deps.resolver.Budget().Remaining()),
		)

		if sum != nil && asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if encErr := enc.Encode(sum); encErr != nil {
				return encErr
			}
		}
		return err
	},
}

func init() {
	matchCmd.Flags().StringSlice("incentive", nil, "process only these incentive ids")
	matchCmd.Flags().Int("limit", 0, "max pending incentives to process (0 = all)")
	matchCmd.Flags().Int("concurrency", 0, "incentives processed in parallel (0 = matcher.concurrency)")
	matchCmd.Flags().Bool("json", false, "print the run summary as JSON")
	rootCmd.AddCommand(matchCmd)
}
