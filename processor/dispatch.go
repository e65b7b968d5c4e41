package processor

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"golang.org/x/sync/errgroup"

	"klineflow/logger"
)

// Result is the outcome of one unit of work. Index is the unit's position in
// the submitted slice.
type Result[T any] struct {
	Index int
	Value T
	Err   error
}

// PoolSize returns two thirds of the logical CPUs, at least one.
func PoolSize() int {
	cpus, err := cpu.Counts(true)
	if err != nil || cpus <= 0 {
		cpus = runtime.NumCPU()
	}
	if n := cpus * 2 / 3; n > 1 {
		return n
	}
	return 1
}

// Dispatch runs fn over every unit on a bounded pool. A failing or panicking
// unit is recorded in its own Result and never stops its siblings. Units not
// yet started when ctx ends are marked with the context error.
func Dispatch[U, T any](ctx context.Context, workers int, units []U, fn func(context.Context, U) (T, error)) []Result[T] {
	if workers <= 0 {
		workers = PoolSize()
	}
	results := make([]Result[T], len(units))
	if len(units) == 0 {
		return results
	}

	log := logger.GetLogger().WithComponent("dispatch")
	start := time.Now()

	var g errgroup.Group
	g.SetLimit(workers)
	for i, u := range units {
		results[i].Index = i
		if err := ctx.Err(); err != nil {
			results[i].Err = err
			continue
		}
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					results[i].Err = fmt.Errorf("unit %d panicked: %v", i, r)
				}
			}()
			if err := ctx.Err(); err != nil {
				results[i].Err = err
				return nil
			}
			results[i].Value, results[i].Err = fn(ctx, u)
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	logger.LogPerformanceEntry(log, "dispatch", "pool_round", time.Since(start), logger.Fields{
		"units":   len(units),
		"workers": workers,
		"failed":  failed,
	})
	return results
}
