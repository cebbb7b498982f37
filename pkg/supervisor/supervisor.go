// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package supervisor manages the lifecycle of one cluster node or client
// subprocess: start, crash (kill), restart and final teardown, built the
// way pkg/rpcserver.RunLocal drives the syz-executor subprocess — an
// os/exec.Cmd, a goroutine blocking on cmd.Wait, and a select loop over
// that goroutine's result and external lifecycle signals.
package supervisor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/google/raft-fuzz/pkg/log"
)

// State is a supervised process's lifecycle state.
type State int

const (
	StateInit State = iota
	StateRunning
	StateCrashed
	StateDone
	StateError
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateRunning:
		return "running"
	case StateCrashed:
		return "crashed"
	case StateDone:
		return "done"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Config describes how to launch one node's subprocess. Build constructs
// the argv fresh on every (re)start, so a restart can toggle a recovery
// flag (e.g. the node's "replay storage" argument) the way the reference
// implementation's RatisServer.get_cmd toggles a restart indicator.
type Config struct {
	Build  func(isRestart bool) []string
	Dir    string
	Stdout io.Writer
	Stderr io.Writer
}

// Supervisor owns exactly one subprocess across its crash/restart
// history. Start/Crash/Restart/Stop are serialized by the caller (the
// orchestrator's single-threaded step loop); State and Poll are safe to
// call from any goroutine.
type Supervisor struct {
	cfg  Config
	name string

	mu          sync.Mutex
	state       State
	cmd         *exec.Cmd
	done        chan struct{} // closed once the current process has exited
	intentional bool          // set before a Crash/Stop kill so the monitor doesn't flag it
	exitErr     error
	stdout      bytes.Buffer
	stderr      bytes.Buffer
}

// New returns a Supervisor in StateInit. name identifies the subprocess
// in log output only.
func New(name string, cfg Config) *Supervisor {
	return &Supervisor{cfg: cfg, name: name, state: StateInit}
}

// State returns the supervisor's current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start launches the subprocess for the first time.
func (s *Supervisor) Start(ctx context.Context) error {
	return s.launch(ctx, false)
}

func (s *Supervisor) launch(ctx context.Context, isRestart bool) error {
	argv := s.cfg.Build(isRestart)
	if len(argv) == 0 {
		return fmt.Errorf("supervisor %s: empty command", s.name)
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = s.cfg.Dir
	s.stdout.Reset()
	s.stderr.Reset()
	cmd.Stdout = &s.stdout
	cmd.Stderr = &s.stderr
	if s.cfg.Stdout != nil {
		cmd.Stdout = io.MultiWriter(&s.stdout, s.cfg.Stdout)
	}
	if s.cfg.Stderr != nil {
		cmd.Stderr = io.MultiWriter(&s.stderr, s.cfg.Stderr)
	}
	if err := cmd.Start(); err != nil {
		s.mu.Lock()
		s.state = StateError
		s.mu.Unlock()
		return fmt.Errorf("supervisor %s: start: %w", s.name, err)
	}

	done := make(chan struct{})
	s.mu.Lock()
	s.cmd = cmd
	s.done = done
	s.intentional = false
	s.exitErr = nil
	s.state = StateRunning
	s.mu.Unlock()

	go func() {
		err := cmd.Wait()
		s.mu.Lock()
		defer s.mu.Unlock()
		s.exitErr = err
		if err != nil && !s.intentional {
			s.state = StateError
		}
		close(done)
	}()
	return nil
}

// Crash kills the subprocess and transitions to StateCrashed. A crashed
// supervisor is expected to be resumed with Restart.
func (s *Supervisor) Crash() error {
	s.mu.Lock()
	if s.state != StateRunning {
		err := fmt.Errorf("supervisor %s: crash from state %s", s.name, s.state)
		s.mu.Unlock()
		return err
	}
	s.intentional = true
	cmd, done := s.cmd, s.done
	s.mu.Unlock()

	if cmd.Process != nil {
		if err := cmd.Process.Kill(); err != nil {
			log.Logf(1, "supervisor %s: kill: %v", s.name, err)
		}
	}
	<-done

	s.mu.Lock()
	s.state = StateCrashed
	s.mu.Unlock()
	return nil
}

// Restart relaunches the subprocess after a crash.
func (s *Supervisor) Restart(ctx context.Context) error {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state != StateCrashed {
		return fmt.Errorf("supervisor %s: restart from state %s", s.name, state)
	}
	return s.launch(ctx, true)
}

// Stop kills the subprocess (if running) and marks the supervisor done.
// Safe to call regardless of current state.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	state := s.state
	cmd, done := s.cmd, s.done
	if state == StateRunning {
		s.intentional = true
	}
	s.mu.Unlock()

	if state == StateRunning && cmd.Process != nil {
		cmd.Process.Kill()
		<-done
	}

	s.mu.Lock()
	s.state = StateDone
	s.mu.Unlock()
}

// Logs returns the most recent run's captured stdout/stderr. Safe to
// call once Poll or Wait report the run has exited; the copying that
// fills these buffers completes before cmd.Wait returns.
func (s *Supervisor) Logs() (stdout, stderr []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stdout.Bytes(), s.stderr.Bytes()
}

// Poll reports whether the current run has exited and, if so, whether it
// was unexpected (anything not caused by Crash or Stop). It never
// blocks, so the orchestrator's step loop can call it every iteration.
func (s *Supervisor) Poll() (exited, errored bool, err error) {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return false, false, nil
	}
	select {
	case <-done:
	default:
		return false, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return true, s.state == StateError, s.exitErr
}

// Wait blocks until the current run exits and reports the resulting
// state: StateDone if the exit was caused by Crash/Stop or a clean
// return, StateError otherwise.
func (s *Supervisor) Wait() (State, error) {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return StateInit, fmt.Errorf("supervisor %s: not started", s.name)
	}
	<-done
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateError {
		return StateError, s.exitErr
	}
	s.state = StateDone
	return StateDone, s.exitErr
}
