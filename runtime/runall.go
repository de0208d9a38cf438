package runtime

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/wippyai/wasi-bridge/coordinator"
	"github.com/wippyai/wasi-bridge/wasi/preview1"
)

// Job is one guest run for RunAll.
type Job struct {
	Module *Module
	System *preview1.System
}

// JobResult is the outcome of a Job.
type JobResult struct {
	Err      error
	Stats    coordinator.Stats
	ExitCode uint32
}

// RunAll runs each job on its own instance, at most limit at a time
// (limit <= 0 means no limit). Instances are independent: each has its own
// coordinator and region. The first instantiation failure or guest error
// cancels the rest and is returned; per-job outcomes are in the results.
func RunAll(ctx context.Context, limit int, jobs ...Job) ([]JobResult, error) {
	results := make([]JobResult, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}

	for i, job := range jobs {
		g.Go(func() error {
			inst, err := job.Module.Instantiate(gctx, job.System)
			if err != nil {
				results[i] = JobResult{Err: err, ExitCode: 1}
				return err
			}
			defer inst.Close(context.WithoutCancel(gctx))

			code, err := inst.Run(gctx)
			results[i] = JobResult{Err: err, ExitCode: code, Stats: inst.Coordinator().Stats()}
			return err
		})
	}
	return results, g.Wait()
}
