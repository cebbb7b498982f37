// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package report persists a failing run's diagnostic record to disk, the
// Go counterpart of modelfuzz.cluster.Error.log_error in the reference
// implementation.
package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/raft-fuzz/pkg/event"
	"github.com/google/raft-fuzz/pkg/log"
	"github.com/google/raft-fuzz/pkg/orchestrator"
	"github.com/google/raft-fuzz/pkg/schedule"
)

// maxLogHead/maxLogTail bound how much of a subprocess's captured
// stdout/stderr survives into a persisted Error record.
const (
	maxLogHead = 4 << 10
	maxLogTail = 64 << 10
)

// Error is one persisted bug record: which subprocess failed, its exit
// status and captured output, and the run state needed to reproduce it.
type Error struct {
	Name      string    `json:"name"`
	RunID     int       `json:"run_id"`
	Strategy  string    `json:"fuzzer"`
	Timestamp time.Time `json:"timestamp"`

	ReturnCode int    `json:"returncode"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"strerr"`

	Schedule   schedule.Schedule `json:"schedule"`
	EventTrace []event.Event     `json:"event_trace"`
}

// FromOrchestratorReport builds an Error from one orchestrator.Report,
// stamping it with the run's identity.
func FromOrchestratorReport(r orchestrator.Report, runID int, strategy string, executed schedule.Schedule, timestamp time.Time) Error {
	return Error{
		Name:       r.Name,
		RunID:      runID,
		Strategy:   strategy,
		Timestamp:  timestamp,
		ReturnCode: r.ReturnCode,
		Stdout:     string(log.Truncate(r.Stdout, maxLogHead, maxLogTail)),
		Stderr:     string(log.Truncate(r.Stderr, maxLogHead, maxLogTail)),
		Schedule:   executed,
		EventTrace: r.EventTrace,
	}
}

// Save writes e as indented JSON to
// <dir>/<strategy>_<run_id>_<name>.json, matching the reference
// implementation's one-file-per-error layout.
func (e Error) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("report: creating %s: %w", dir, err)
	}
	name := fmt.Sprintf("%s_%d_%s.json", e.Strategy, e.RunID, e.Name)
	path := filepath.Join(dir, name)

	data, err := json.MarshalIndent(e, "", "\t")
	if err != nil {
		return fmt.Errorf("report: marshaling %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("report: writing %s: %w", path, err)
	}
	return nil
}

// Stats summarizes one experiment's outcome for the final console and
// JSON report, the Go counterpart of main.py's end-of-run printout.
type Stats struct {
	Strategy string        `json:"strategy"`
	Runs     int           `json:"runs"`
	Bugs     int           `json:"bugs"`
	Coverage int           `json:"coverage"`
	Elapsed  time.Duration `json:"elapsed_ns"`
}

// Save writes s as indented JSON to <dir>/<strategy>_stats.json.
func (s Stats) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("report: creating %s: %w", dir, err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%s_stats.json", s.Strategy))
	data, err := json.MarshalIndent(s, "", "\t")
	if err != nil {
		return fmt.Errorf("report: marshaling %s: %w", path, err)
	}
	return os.WriteFile(path, data, 0o644)
}
