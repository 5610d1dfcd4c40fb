package matcher

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/incentive-matcher/internal/cost"
)

// Processor processes one incentive.
type Processor interface {
	Process(ctx context.Context, incentiveID string) (*Outcome, error)
}

// RunnerOptions tunes a Runner.
type RunnerOptions struct {
	Concurrency int
	// Timeout bounds each incentive. Zero means no per-incentive deadline.
	Timeout time.Duration
	Costs   *cost.Tracker
}

// Summary aggregates a batch run.
type Summary struct {
	Requested    int           `json:"requested"`
	Processed    int           `json:"processed"`
	Skipped      int           `json:"skipped"`
	Invalid      int           `json:"invalid"`
	Failed       int           `json:"failed"`
	Cancelled    int           `json:"cancelled"`
	Matches      int           `json:"matches"`
	Exhausted    int           `json:"exhausted"`
	Cost         float64       `json:"cost_usd"`
	CostPerMatch float64       `json:"cost_per_match_usd"`
	Duration     time.Duration `json:"duration"`
}

// Runner processes many incentives concurrently. A failing incentive never
// stops the others; it is left without a result for the next run.
type Runner struct {
	proc  Processor
	store Store
	opts  RunnerOptions
}

// NewRunner creates a Runner.
func NewRunner(p Processor, st Store, opts RunnerOptions) *Runner {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	return &Runner{proc: p, store: st, opts: opts}
}

// RunPending processes up to limit incentives that have no scored record.
func (r *Runner) RunPending(ctx context.Context, limit int) (*Summary, error) {
	ids, err := r.store.ListPendingIncentives(ctx, limit)
	if err != nil {
		return nil, eris.Wrap(err, "matcher: list pending incentives")
	}
	return r.Run(ctx, ids)
}

// Run processes ids. Cancelling ctx stops scheduling; in-flight incentives
// are abandoned without writing and counted as cancelled.
func (r *Runner) Run(ctx context.Context, ids []string) (*Summary, error) {
	start := time.Now()
	sum := &Summary{Requested: len(ids)}
	if len(ids) == 0 {
		zap.L().Info("matcher: nothing to process")
		return sum, nil
	}

	zap.L().Info("matcher: starting batch",
		zap.Int("incentives", len(ids)),
		zap.Int("concurrency", r.opts.Concurrency),
	)

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(r.opts.Concurrency)

	scheduled := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		scheduled++
		g.Go(func() error {
			out, err := r.processOne(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			r.tally(ctx, sum, id, out, err)
			return nil
		})
	}
	_ = g.Wait()

	mu.Lock()
	sum.Cancelled += len(ids) - scheduled
	mu.Unlock()

	sum.Cost = r.opts.Costs.Total()
	sum.CostPerMatch = r.opts.Costs.PerMatch(sum.Matches)
	sum.Duration = time.Since(start)

	zap.L().Info("matcher: batch complete",
		zap.Int("processed", sum.Processed),
		zap.Int("skipped", sum.Skipped),
		zap.Int("invalid", sum.Invalid),
		zap.Int("failed", sum.Failed),
		zap.Int("cancelled", sum.Cancelled),
		zap.Int("matches", sum.Matches),
		zap.Float64("cost_usd", sum.Cost),
		zap.Float64("cost_per_match_usd", sum.CostPerMatch),
		zap.Duration("duration", sum.Duration),
	)
	r.opts.Costs.Log(sum.Matches)

	if err := ctx.Err(); err != nil {
		return sum, eris.Wrap(err, "matcher: batch interrupted")
	}
	return sum, nil
}

func (r *Runner) processOne(ctx context.Context, id string) (*Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.Timeout)
		defer cancel()
	}
	return r.proc.Process(ctx, id)
}

func (r *Runner) tally(ctx context.Context, sum *Summary, id string, out *Outcome, err error) {
	log := zap.L().With(zap.String("incentive", id))
	switch {
	case err == nil && out != nil && out.Skipped:
		sum.Skipped++
		log.Debug("matcher: skipped", zap.String("reason", out.Reason))
	case err == nil:
		sum.Processed++
		if out != nil {
			sum.Matches += out.Matches
			if out.Exhausted {
				sum.Exhausted++
			}
		}
	case IsInvalid(err):
		sum.Invalid++
		log.Warn("matcher: invalid incentive skipped", zap.Error(err))
	case ctx.Err() != nil:
		sum.Cancelled++
		log.Info("matcher: abandoned on cancellation")
	default:
		sum.Failed++
		log.Error("matcher: incentive failed, left unprocessed", zap.Error(err))
	}
}
