// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package driver

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/google/raft-fuzz/pkg/config"
	"github.com/google/raft-fuzz/pkg/event"
	"github.com/google/raft-fuzz/pkg/mutator"
	"github.com/google/raft-fuzz/pkg/report"
)

// fakeGuider reports every Nth trace as covering a new state and never
// errors, so tests can assert on the mutation feedback loop without a
// real oracle.
type fakeGuider struct {
	mu       sync.Mutex
	calls    int
	coverage int
	newEvery int
}

func (g *fakeGuider) AddAndGetNewStates(ctx context.Context, trace []event.Event) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.newEvery > 0 && g.calls%g.newEvery == 0 {
		g.coverage++
		return 1, nil
	}
	return 0, nil
}

func (g *fakeGuider) Coverage() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.coverage
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Workers = 2
	cfg.Iterations = 4
	cfg.SeedPopulation = 4
	cfg.SeedFrequency = 4
	cfg.Nodes = 3
	cfg.Steps = 5
	cfg.CrashQuota = 1
	cfg.ClientRequests = 1
	cfg.MaxMessages = 2
	cfg.MutationCount = 2
	cfg.MutationsPerSchedule = 1
	return cfg
}

func TestRunDrivesAllIterationsThroughFakeCluster(t *testing.T) {
	var runCount int32
	run := func(ctx context.Context, cfg RunConfig) (RunResult, error) {
		atomic.AddInt32(&runCount, 1)
		return RunResult{Executed: cfg.Schedule, EventTrace: []event.Event{{Name: event.ClientRequest}}}, nil
	}

	rnd := rand.New(rand.NewSource(1))
	d := New(testConfig(), mutator.Combined{Params: mutator.Params{Nodes: 3, Steps: 5, CrashQuota: 1, MutationCount: 2}}, run, rnd, 15)

	g := &fakeGuider{}
	st, err := d.Run(context.Background(), config.StrategyRandom, g, t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, int32(testConfig().Iterations), runCount)
	assert.Len(t, st.Coverage, testConfig().Iterations)
	assert.Zero(t, st.MutatedSchedules, "random strategy never mutates")
}

func TestRunFeedsNewStatesBackAsMutations(t *testing.T) {
	run := func(ctx context.Context, cfg RunConfig) (RunResult, error) {
		return RunResult{Executed: cfg.Schedule, EventTrace: []event.Event{{Name: event.ClientRequest}}}, nil
	}

	// The pool is consumed from the front, so the mutated children queue
	// behind the remaining seeds; give the run enough batches (within one
	// seed period) to reach them.
	cfg := testConfig()
	cfg.Iterations = 8
	cfg.SeedFrequency = 8

	rnd := rand.New(rand.NewSource(2))
	d := New(cfg, mutator.Combined{Params: mutator.Params{Nodes: 3, Steps: 5, CrashQuota: 1, MutationCount: 2}}, run, rnd, 15)

	g := &fakeGuider{newEvery: 1}
	st, err := d.Run(context.Background(), config.StrategyModelFuzz, g, t.TempDir())
	require.NoError(t, err)

	assert.Greater(t, st.MutatedSchedules, 0)
}

func TestRunPersistsErrorsAndRecordsBugIteration(t *testing.T) {
	errDir := t.TempDir()
	run := func(ctx context.Context, cfg RunConfig) (RunResult, error) {
		if cfg.RunID == 0 {
			return RunResult{
				Executed: cfg.Schedule,
				Errors: []report.Error{{
					Name:     fmt.Sprintf("ServerException_%d", cfg.RunID),
					Strategy: string(config.StrategyRandom),
				}},
			}, nil
		}
		return RunResult{Executed: cfg.Schedule}, nil
	}

	rnd := rand.New(rand.NewSource(3))
	d := New(testConfig(), mutator.Combined{Params: mutator.Params{Nodes: 3, Steps: 5, CrashQuota: 1, MutationCount: 2}}, run, rnd, 15)

	g := &fakeGuider{}
	st, err := d.Run(context.Background(), config.StrategyRandom, g, errDir)
	require.NoError(t, err)

	assert.Contains(t, st.BugIterations, 0)
}

// TestRunSurvivesEveryRunFailing checks that a run failure never
// aborts the strategy: Run keeps iterating to its full budget and
// returns no error, even when every worker run fails.
func TestRunSurvivesEveryRunFailing(t *testing.T) {
	var runCount int32
	run := func(ctx context.Context, cfg RunConfig) (RunResult, error) {
		atomic.AddInt32(&runCount, 1)
		return RunResult{}, fmt.Errorf("boom")
	}

	rnd := rand.New(rand.NewSource(4))
	d := New(testConfig(), mutator.Combined{Params: mutator.Params{Nodes: 3, Steps: 5, CrashQuota: 1, MutationCount: 2}}, run, rnd, 15)

	st, err := d.Run(context.Background(), config.StrategyRandom, &fakeGuider{}, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, int32(testConfig().Iterations), runCount)
	assert.Empty(t, st.Coverage, "no result completed, so no coverage sample is recorded")
}

// TestRunBatchIsolatesSiblingFailures checks that one failing run in a
// batch does not discard the results its siblings completed.
func TestRunBatchIsolatesSiblingFailures(t *testing.T) {
	run := func(ctx context.Context, cfg RunConfig) (RunResult, error) {
		if cfg.RunID%2 == 0 {
			return RunResult{}, fmt.Errorf("run %d failed", cfg.RunID)
		}
		return RunResult{Executed: cfg.Schedule, EventTrace: []event.Event{{Name: event.ClientRequest}}}, nil
	}

	rnd := rand.New(rand.NewSource(5))
	d := New(testConfig(), mutator.Combined{Params: mutator.Params{Nodes: 3, Steps: 5, CrashQuota: 1, MutationCount: 2}}, run, rnd, 15)

	batch := []RunConfig{{RunID: 0}, {RunID: 1}, {RunID: 2}, {RunID: 3}}
	results := d.runBatch(context.Background(), batch)
	assert.Len(t, results, 2, "only the odd-numbered runs should have completed")
}
