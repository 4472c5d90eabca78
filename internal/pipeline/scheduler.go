package pipeline

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// runWaves runs stages level by level. Stages in one wave share no
// dependencies and run concurrently, at most maxParallel at a time. Without
// keep_going the first failure cancels the rest of its wave and no later
// wave starts.
func (o *Orchestrator) runWaves(ctx context.Context, sum *RunSummary, stages []*Stage) error {
	failed := map[string]bool{}
	var errs []error
	for i, wave := range o.graph.waves(stages) {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if len(errs) > 0 && !o.keepGoing {
			break
		}
		o.logger.Debug("wave started", zap.Int("wave", i), zap.Int("stages", len(wave)))

		results := make([]StageResult, len(wave))
		var (
			g    *errgroup.Group
			wctx = ctx
		)
		if o.keepGoing {
			g = &errgroup.Group{}
		} else {
			g, wctx = errgroup.WithContext(ctx)
		}
		g.SetLimit(max(o.maxParallel, 1))
		for j, s := range wave {
			g.Go(func() error {
				results[j] = o.step(wctx, sum.RunID, s, failed)
				if results[j].Status == StatusFailed && !o.keepGoing {
					return results[j].Err
				}
				return nil
			})
		}
		first := g.Wait()

		for _, res := range results {
			sum.Stages = append(sum.Stages, res)
			if res.Status != StatusFailed {
				continue
			}
			failed[res.Stage] = true
			if o.keepGoing {
				errs = append(errs, res.Err)
			}
		}
		if first != nil {
			errs = append(errs, first)
		}
	}
	return o.runError(errs)
}
