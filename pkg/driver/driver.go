// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package driver implements the fuzzer's outer loop: seed pool
// management, worker-batched cluster runs, coverage feedback and bug
// capture. Grounded on modelfuzz.fuzzer.Fuzzer in the reference
// implementation, with golang.org/x/sync/errgroup standing in for its
// ProcessPoolExecutor-based run_batch — each worker's error is caught
// and logged inside its own goroutine rather than returned to the
// group, since one run's failure must not cancel or discard its batch
// siblings' in-flight work — and github.com/google/uuid providing the
// cluster group-id pool in place of a fixed string list.
package driver

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/google/raft-fuzz/pkg/config"
	"github.com/google/raft-fuzz/pkg/event"
	"github.com/google/raft-fuzz/pkg/guider"
	"github.com/google/raft-fuzz/pkg/log"
	"github.com/google/raft-fuzz/pkg/mutator"
	"github.com/google/raft-fuzz/pkg/report"
	"github.com/google/raft-fuzz/pkg/schedule"
	"github.com/google/raft-fuzz/pkg/stats"
)

// RunConfig is everything one worker needs to execute a single cluster
// run: an identity (for ports, logging and result naming) and the
// schedule to drive it with.
type RunConfig struct {
	RunID    int
	GroupID  uuid.UUID
	Schedule schedule.Schedule
}

// RunResult is what one cluster run produces: the schedule prefix that
// actually executed, the canonical event trace it generated, and any
// subprocess failure reports.
type RunResult struct {
	Executed   schedule.Schedule
	EventTrace []event.Event
	Errors     []report.Error
}

// RunFunc executes one cluster run. The caller supplies this: it is
// where orchestrator.Orchestrator, concrete node binaries, and port
// allocation are wired together, since those details live outside what
// the driver itself needs to know.
type RunFunc func(ctx context.Context, cfg RunConfig) (RunResult, error)

// Stats accumulates one strategy's results across Run, the Go
// counterpart of one entry in the reference implementation's per-fuzzer
// stats dict.
type Stats struct {
	Strategy         config.Strategy
	Coverage         []int
	RandomSchedules  int
	MutatedSchedules int
	BugIterations    []int
	Runtime          time.Duration
}

type seed struct {
	mutated  bool
	schedule schedule.Schedule
}

// Driver owns one strategy's seed pool and drives Run's worker batches
// against it.
type Driver struct {
	cfg     config.Config
	mutator mutator.Mutator
	run     RunFunc
	rnd     *rand.Rand

	pool     []seed
	groupIDs []uuid.UUID
	groupIdx int
}

// New builds a Driver. groupIDPoolSize controls how many distinct
// cluster group ids are cycled through across runs; the reference
// implementation hardcodes 15.
func New(cfg config.Config, m mutator.Mutator, run RunFunc, rnd *rand.Rand, groupIDPoolSize int) *Driver {
	ids := make([]uuid.UUID, groupIDPoolSize)
	for i := range ids {
		ids[i] = uuid.New()
	}
	return &Driver{cfg: cfg, mutator: m, run: run, rnd: rand.New(rand.NewSource(rnd.Int63())), groupIDs: ids}
}

func (d *Driver) nextGroupID() uuid.UUID {
	id := d.groupIDs[d.groupIdx%len(d.groupIDs)]
	d.groupIdx++
	return id
}

// generateSchedules appends num freshly-generated (not mutated)
// schedules to the seed pool.
func (d *Driver) generateSchedules(num int) {
	params := schedule.GeneratorParams{
		Nodes:          d.cfg.Nodes,
		Steps:          d.cfg.Steps,
		MaxMessages:    d.cfg.MaxMessages,
		CrashQuota:     d.cfg.CrashQuota,
		ClientRequests: d.cfg.ClientRequests,
	}
	for i := 0; i < num; i++ {
		d.pool = append(d.pool, seed{mutated: false, schedule: schedule.Generate(d.rnd, params)})
	}
}

// Run executes strategy's full iteration budget and returns its
// accumulated stats. errDir is where per-bug reports are written.
func (d *Driver) Run(ctx context.Context, strategy config.Strategy, g guider.Guider, errDir string) (Stats, error) {
	st := Stats{Strategy: strategy}
	start := time.Now()
	d.pool = nil

	for i := 0; i < d.cfg.Iterations; i += d.cfg.Workers {
		if i%d.cfg.SeedFrequency == 0 {
			d.pool = nil
			d.generateSchedules(d.cfg.SeedPopulation)
		}
		if len(d.pool) < d.cfg.Workers {
			d.generateSchedules(d.cfg.Workers - len(d.pool))
		}

		batch, mutatedCount, randomCount := d.popBatch(i)
		st.MutatedSchedules += mutatedCount
		st.RandomSchedules += randomCount

		results := d.runBatch(ctx, batch)

		for j, res := range results {
			newStates, err := g.AddAndGetNewStates(ctx, res.EventTrace)
			if err != nil {
				log.Logf(1, "driver: guider error at iteration %d: %v", i+j, err)
			}
			stats.NewStatesPerRun.Observe(float64(newStates))

			if len(res.Errors) > 0 {
				st.BugIterations = append(st.BugIterations, i+j)
				dir := fmt.Sprintf("%s/%s_%d", errDir, strategy, i+j)
				for _, e := range res.Errors {
					if saveErr := e.Save(dir); saveErr != nil {
						log.Logf(0, "driver: saving error report: %v", saveErr)
					}
				}
				stats.BugsTotal.WithLabelValues(string(strategy)).Inc()
				log.Logf(0, "%s found error(s) at iteration %d", strategy, i+j)
			} else if newStates > 0 && strategy != config.StrategyRandom {
				for k := 0; k < d.cfg.MutationsPerSchedule*newStates; k++ {
					d.pool = append(d.pool, seed{mutated: true, schedule: d.mutator.Mutate(d.rnd, res.Executed.Clone())})
				}
			}

			st.Coverage = append(st.Coverage, g.Coverage())
			stats.CoverageTotal.Set(float64(g.Coverage()))
		}
		stats.RunsTotal.WithLabelValues(string(strategy)).Add(float64(len(batch)))
		stats.SeedPoolSize.Set(float64(len(d.pool)))
	}

	st.Runtime = time.Since(start)
	return st, nil
}

// popBatch pops up to Workers seeds off the front of the pool and turns
// them into RunConfigs.
func (d *Driver) popBatch(iteration int) (batch []RunConfig, mutatedCount, randomCount int) {
	n := d.cfg.Workers
	if n > len(d.pool) {
		n = len(d.pool)
	}
	for i := 0; i < n; i++ {
		s := d.pool[0]
		d.pool = d.pool[1:]
		if s.mutated {
			mutatedCount++
		} else {
			randomCount++
		}
		batch = append(batch, RunConfig{
			RunID:    iteration + i,
			GroupID:  d.nextGroupID(),
			Schedule: s.schedule,
		})
	}
	return batch, mutatedCount, randomCount
}

// runBatch executes a worker's worth of cluster runs concurrently,
// standing in for the reference implementation's
// ProcessPoolExecutor.map call. A worker-level exception — a run
// that returns an error — is caught and logged inside the goroutine
// and never returned to the errgroup: returning it would cancel
// every sibling run's context and discard whatever they had already
// completed. The batch returns whatever results completed, in their
// original RunConfig order.
func (d *Driver) runBatch(ctx context.Context, batch []RunConfig) []RunResult {
	results := make([]RunResult, len(batch))
	ok := make([]bool, len(batch))
	g, _ := errgroup.WithContext(ctx)
	for i, cfg := range batch {
		i, cfg := i, cfg
		g.Go(func() error {
			timer := stats.NewTimer()
			defer timer.ObserveRunDuration()
			res, err := d.run(ctx, cfg)
			if err != nil {
				log.Logf(0, "driver: run %d failed: %v", cfg.RunID, err)
				return nil
			}
			results[i] = res
			ok[i] = true
			return nil
		})
	}
	g.Wait()

	completed := make([]RunResult, 0, len(batch))
	for i, res := range results {
		if ok[i] {
			completed = append(completed, res)
		}
	}
	return completed
}
