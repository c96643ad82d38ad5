package ballistics

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// RecordFunc receives each record as soon as its configuration finishes.
// Records are delivered one at a time, in completion order.
type RecordFunc func(rec ResultRecord)

// Batch solves a list of configurations independently.
type Batch struct {
	solver   *Solver
	onRecord RecordFunc
}

// NewBatch creates a batch runner. onRecord may be nil.
func NewBatch(solver *Solver, onRecord RecordFunc) *Batch {
	return &Batch{solver: solver, onRecord: onRecord}
}

// Run solves every configuration and returns one record per configuration in
// input order. Configurations are numbered from 1. When ctx is cancelled, no
// new configuration is started; the remaining ones are reported as
// critical_failure records. A configuration already running always completes.
func (b *Batch) Run(ctx context.Context, configs []TargetConfiguration) []ResultRecord {
	logger := b.solver.opts.logger
	start := time.Now()
	records := make([]ResultRecord, len(configs))

	var mu sync.Mutex
	deliver := func(i int, rec ResultRecord) {
		mu.Lock()
		defer mu.Unlock()
		records[i] = rec
		if b.onRecord != nil {
			b.onRecord(rec)
		}
	}

	solveOne := func(i int) {
		index := i + 1
		if err := ctx.Err(); err != nil {
			rec := newRecord(index, configs[i], b.solver.params.VelocityFloor)
			rec.fail(newError(ReasonCriticalFailure, "Batch.Run", "batch cancelled before configuration started", err))
			deliver(i, rec)
			return
		}
		deliver(i, b.solver.Solve(ctx, index, configs[i]))
	}

	logger.Info("batch started", map[string]interface{}{
		"configurations": len(configs),
		"parallelism":    b.solver.opts.parallelism,
	})

	if b.solver.opts.parallelism < 2 {
		for i := range configs {
			solveOne(i)
		}
	} else {
		var g errgroup.Group
		g.SetLimit(b.solver.opts.parallelism)
		for i := range configs {
			i := i
			g.Go(func() error {
				solveOne(i)
				return nil
			})
		}
		_ = g.Wait()
	}

	succeeded := 0
	for _, rec := range records {
		if rec.Succeeded() {
			succeeded++
		}
	}
	logger.Info("batch finished", map[string]interface{}{
		"configurations": len(configs),
		"succeeded":      succeeded,
		"failed":         len(configs) - succeeded,
		"elapsed":        fmt.Sprintf("%.1fs", time.Since(start).Seconds()),
	})
	return records
}
