// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Command raft-fuzz drives coverage-guided fuzzing of a Raft replica
// group: for each configured strategy it repeatedly schedules, mutates
// and replays message-delivery schedules against a live cluster,
// feeding each run's event trace through a guider and persisting any
// crash it finds.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/google/raft-fuzz/pkg/config"
	"github.com/google/raft-fuzz/pkg/driver"
	"github.com/google/raft-fuzz/pkg/guider"
	"github.com/google/raft-fuzz/pkg/log"
	"github.com/google/raft-fuzz/pkg/mutator"
	"github.com/google/raft-fuzz/pkg/orchestrator"
	"github.com/google/raft-fuzz/pkg/report"
	"github.com/google/raft-fuzz/pkg/stats"
	"github.com/google/raft-fuzz/pkg/supervisor"
)

var (
	flagConfig     = flag.String("config", "", "path to a YAML config file; defaults are used if omitted")
	flagVerbosity  = flag.Int("v", 0, "log verbosity")
	flagMetricsURL = flag.String("metrics_addr", ":9090", "address to serve Prometheus metrics on")
)

func main() {
	flag.Parse()
	log.SetVerbosity(*flagVerbosity)

	cfg := config.Default()
	if *flagConfig != "" {
		loaded, err := config.Load(*flagConfig)
		if err != nil {
			log.Fatalf("raft-fuzz: %v", err)
		}
		cfg = loaded
	}

	go serveMetrics(*flagMetricsURL)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	for exp := 0; exp < cfg.Experiments; exp++ {
		for _, strategy := range cfg.Strategies {
			if err := runExperiment(ctx, cfg, strategy); err != nil {
				log.Logf(0, "raft-fuzz: experiment %d strategy %s: %v", exp, strategy, err)
			}
		}
	}
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", stats.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Logf(0, "raft-fuzz: metrics server: %v", err)
	}
}

func runExperiment(ctx context.Context, cfg config.Config, strategy config.Strategy) error {
	rnd := rand.New(rand.NewSource(config.SeedInt64(cfg.Seed)))

	var g guider.Guider
	if strategy == config.StrategyTrace {
		g = guider.NewTraceGuider(cfg.OracleURL)
	} else {
		g = guider.NewTLCGuider(cfg.OracleURL)
	}

	m := mutator.Combined{Params: mutator.Params{
		Nodes:         cfg.Nodes,
		Steps:         cfg.Steps,
		CrashQuota:    cfg.CrashQuota,
		MutationCount: cfg.MutationCount,
	}}

	run := newClusterRunner(cfg, strategy)
	d := driver.New(cfg, m, run, rnd, 15)

	st, err := d.Run(ctx, strategy, g, cfg.ErrorsDir)
	if err != nil {
		return err
	}

	summary := report.Stats{
		Strategy: string(strategy),
		Runs:     cfg.Iterations,
		Bugs:     len(st.BugIterations),
		Coverage: g.Coverage(),
		Elapsed:  st.Runtime,
	}
	if err := summary.Save(cfg.ResultDir); err != nil {
		return fmt.Errorf("raft-fuzz: saving result summary: %w", err)
	}
	log.Logf(0, "%s: %d runs, %d bugs, coverage %d, took %s", strategy, cfg.Iterations, len(st.BugIterations), g.Coverage(), st.Runtime)
	return nil
}

// newClusterRunner binds cfg.ServerCmd/ClientCmd into a driver.RunFunc
// that provisions one orchestrator.Orchestrator per run, replays the
// run's schedule against it, and tears it down once done.
func newClusterRunner(cfg config.Config, strategy config.Strategy) driver.RunFunc {
	return func(ctx context.Context, run driver.RunConfig) (driver.RunResult, error) {
		runCtx, cancel := context.WithTimeout(ctx, time.Duration(cfg.Timeout)*time.Second)
		defer cancel()

		port := cfg.BaseNetworkPort + run.RunID
		occ := orchestrator.Config{
			Nodes:       cfg.Nodes,
			Timeout:     time.Duration(cfg.Timeout) * time.Second,
			NetworkAddr: fmt.Sprintf(":%d", port),
			NewServer: func(node int, netAddr string) *supervisor.Supervisor {
				return supervisor.New(fmt.Sprintf("node-%d", node), supervisor.Config{
					Build: func(isRestart bool) []string {
						return appendNodeArgs(cfg.ServerCmd, node, netAddr, run.GroupID.String(), isRestart)
					},
				})
			},
			NewClient: func(request, leader int, netAddr string) *supervisor.Supervisor {
				return supervisor.New(fmt.Sprintf("client-%d", request), supervisor.Config{
					Build: func(isRestart bool) []string {
						return appendClientArgs(cfg.ClientCmd, request, leader, netAddr, run.GroupID.String())
					},
				})
			},
		}

		orc := orchestrator.New(occ)
		if err := orc.Provision(runCtx); err != nil {
			orc.Teardown()
			if errors.Is(err, orchestrator.ErrNodeRegisterTimeout) {
				log.Logf(0, "raft-fuzz: run %d: %v", run.RunID, err)
				return driver.RunResult{
					Errors: []report.Error{{
						Name:      "NodeRegisterTimeout",
						RunID:     run.RunID,
						Strategy:  string(strategy),
						Timestamp: time.Now(),
					}},
				}, nil
			}
			return driver.RunResult{}, fmt.Errorf("provisioning run %d: %w", run.RunID, err)
		}
		defer orc.Teardown()

		executed := orc.Execute(runCtx, run.Schedule)
		failures := orc.PostCheck()

		res := driver.RunResult{
			Executed:   executed,
			EventTrace: orc.EventTrace(),
		}
		for _, f := range failures {
			res.Errors = append(res.Errors, report.FromOrchestratorReport(f, run.RunID, string(strategy), executed, time.Now()))
		}
		return res, nil
	}
}

func appendNodeArgs(base []string, node int, netAddr, groupID string, isRestart bool) []string {
	args := append([]string{}, base...)
	args = append(args, "-node="+strconv.Itoa(node), "-net="+netAddr, "-group="+groupID)
	if isRestart {
		args = append(args, "-restart")
	}
	return args
}

func appendClientArgs(base []string, request, leader int, netAddr, groupID string) []string {
	args := append([]string{}, base...)
	return append(args, "-request="+strconv.Itoa(request), "-leader="+strconv.Itoa(leader), "-net="+netAddr, "-group="+groupID)
}
