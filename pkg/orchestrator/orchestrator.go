// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package orchestrator drives one cluster run end to end: provisioning
// the network and node subprocesses, executing a schedule step by step,
// checking for node/client failures, and tearing the run down. Its
// five-phase shape (provision, start, execute, post-check, teardown)
// mirrors modelfuzz.cluster.Cluster.run in the reference implementation,
// adapted to Go's explicit subprocess and context-cancellation idioms.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"time"

	"github.com/google/raft-fuzz/pkg/event"
	"github.com/google/raft-fuzz/pkg/log"
	"github.com/google/raft-fuzz/pkg/network"
	"github.com/google/raft-fuzz/pkg/schedule"
	"github.com/google/raft-fuzz/pkg/supervisor"
)

// stepInterval is the pause the reference implementation takes between
// schedule steps, giving the target processes time to react before the
// next step is issued.
const stepInterval = 30 * time.Millisecond

// Report describes one subprocess failure observed during a run.
type Report struct {
	Name       string
	ReturnCode int
	Stdout     []byte
	Stderr     []byte
	Schedule   schedule.Schedule
	EventTrace []event.Event
}

// Config wires an Orchestrator to the concrete node/client binaries it
// supervises.
type Config struct {
	Nodes       int
	Timeout     time.Duration
	NetworkAddr string

	// NewServer builds the Nth (1-indexed) server node's supervisor. netAddr
	// is the Interception Network's bound host:port, known only once
	// Provision has opened its listener.
	NewServer func(node int, netAddr string) *supervisor.Supervisor
	// NewClient builds a client supervisor for one ClientRequest step,
	// given the request number and the node believed to be leader.
	NewClient func(request, leader int, netAddr string) *supervisor.Supervisor
}

// Orchestrator runs a single cluster lifecycle for one schedule.
type Orchestrator struct {
	cfg     Config
	net     *network.Network
	netAddr string

	servers []*supervisor.Supervisor
	clients []*supervisor.Supervisor
	crashed map[int]bool

	clientRequestCtr int
	netCancel        context.CancelFunc
}

// New builds an Orchestrator. Call Provision before Execute.
func New(cfg Config) *Orchestrator {
	return &Orchestrator{
		cfg:     cfg,
		net:     network.New(),
		crashed: make(map[int]bool),
	}
}

// Network exposes the run's Interception Network.
func (o *Orchestrator) Network() *network.Network {
	return o.net
}

// NetAddr returns the Interception Network's bound host:port. Only
// valid after Provision returns successfully.
func (o *Orchestrator) NetAddr() string {
	return o.netAddr
}

// ErrNodeRegisterTimeout is returned by Provision when not every node
// registers its address with the Interception Network before
// cfg.Timeout elapses. Callers distinguish this from other
// provisioning failures with errors.Is, since it is common under load
// and reported as a no-trace result rather than a fatal error.
var ErrNodeRegisterTimeout = errors.New("orchestrator: timed out waiting for nodes to register")

// Provision binds the Interception Network's listener, starts serving
// it, then starts every server node, then waits for all nodes to
// register their address, up to cfg.Timeout.
func (o *Orchestrator) Provision(ctx context.Context) error {
	ln, err := net.Listen("tcp", o.cfg.NetworkAddr)
	if err != nil {
		return fmt.Errorf("orchestrator: binding network listener: %w", err)
	}
	o.netAddr = ln.Addr().String()

	netCtx, cancel := context.WithCancel(ctx)
	o.netCancel = cancel
	go func() {
		if err := o.net.Serve(netCtx, ln); err != nil {
			log.Logf(0, "orchestrator: network server: %v", err)
		}
	}()

	o.servers = make([]*supervisor.Supervisor, o.cfg.Nodes)
	for i := 0; i < o.cfg.Nodes; i++ {
		sup := o.cfg.NewServer(i+1, o.netAddr)
		o.servers[i] = sup
		if err := sup.Start(ctx); err != nil {
			return fmt.Errorf("orchestrator: starting node %d: %w", i+1, err)
		}
	}

	deadline := time.Now().Add(o.cfg.Timeout)
	for o.net.NumReplicas() != o.cfg.Nodes {
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: wanted %d nodes, got %d", ErrNodeRegisterTimeout, o.cfg.Nodes, o.net.NumReplicas())
		}
		time.Sleep(10 * time.Millisecond)
	}
	return nil
}

// Execute runs sched to completion (or until a wall-clock timeout, a
// subprocess failure, or ctx cancellation) and returns the prefix of
// steps actually executed.
func (o *Orchestrator) Execute(ctx context.Context, sched schedule.Schedule) schedule.Schedule {
	var executed schedule.Schedule
	deadline := time.Now().Add(o.cfg.Timeout)

	for _, step := range sched {
		if ctx.Err() != nil || time.Now().After(deadline) {
			break
		}
		if len(o.checkFailures()) > 0 {
			break
		}
		o.runStep(ctx, step)
		executed = append(executed, step)
		time.Sleep(stepInterval)
	}
	return executed
}

func (o *Orchestrator) runStep(ctx context.Context, step schedule.Step) {
	switch step.Kind {
	case schedule.KindCrash:
		if o.crashed[step.Node] {
			return
		}
		if err := o.servers[step.Node-1].Crash(); err != nil {
			log.Logf(1, "orchestrator: crash node %d: %v", step.Node, err)
			return
		}
		o.crashed[step.Node] = true
		o.net.AddEvent(event.Event{Name: event.Remove, Params: map[string]interface{}{"i": step.Node, "node": step.Node}})

	case schedule.KindRestart:
		if !o.crashed[step.Node] {
			return
		}
		if err := o.servers[step.Node-1].Restart(ctx); err != nil {
			log.Logf(1, "orchestrator: restart node %d: %v", step.Node, err)
			return
		}
		delete(o.crashed, step.Node)
		o.net.AddEvent(event.Event{Name: event.Add, Params: map[string]interface{}{"i": step.Node, "node": step.Node}})

	case schedule.KindClientRequest:
		leader := o.net.LeaderID()
		if leader <= 0 || o.crashed[leader] {
			return
		}
		o.clientRequestCtr++
		req := o.clientRequestCtr
		client := o.cfg.NewClient(req, leader, o.netAddr)
		o.clients = append(o.clients, client)
		if err := client.Start(ctx); err != nil {
			log.Logf(1, "orchestrator: starting client for request %d: %v", req, err)
			return
		}
		o.net.AddEvent(event.Event{Name: event.ClientRequest, Params: map[string]interface{}{
			"leader": leader, "request": req, "node": 0,
		}})

	case schedule.KindSchedule:
		if o.crashed[step.From] {
			return
		}
		o.net.ScheduleNode(ctx, step.From, step.To, step.MaxMsgs, o.crashed[step.To])
	}
}

// checkFailures polls every server and client supervisor for an
// unexpected exit and builds a Report for each one found.
func (o *Orchestrator) checkFailures() []Report {
	var reports []Report
	for i, sup := range o.servers {
		if exited, errored, err := sup.Poll(); exited && errored {
			reports = append(reports, o.report("Server", i, sup, err))
		}
	}
	for i, sup := range o.clients {
		if exited, errored, err := sup.Poll(); exited && errored {
			reports = append(reports, o.report("Client", i, sup, err))
		}
	}
	return reports
}

// report names a failure ServerException_i/ClientException_i for a
// positive non-zero exit and NegativeServerReturnCode_i/
// NegativeClientReturnCode_i when the exit code comes back negative
// (a process killed by signal rather than one that called exit()),
// mirroring cluster.py's check_error sign check on returncode.
func (o *Orchestrator) report(kind string, i int, sup *supervisor.Supervisor, err error) Report {
	code := exitCode(err)
	name := fmt.Sprintf("%sException_%d", kind, i)
	if code < 0 {
		name = fmt.Sprintf("Negative%sReturnCode_%d", kind, i)
	}
	stdout, stderr := sup.Logs()
	return Report{
		Name:       name,
		ReturnCode: code,
		Stdout:     stdout,
		Stderr:     stderr,
		EventTrace: o.net.EventTrace(),
	}
}

// exitCode extracts the real process exit status from the error
// cmd.Wait returned. A non-*exec.ExitError failure (the process never
// started, or was killed before it could report a status) has no real
// exit code to report and is treated the same as a signal-killed
// process: negative, matching Python subprocess's -signal convention.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// PostCheck runs one last failure poll after Execute returns, so a
// failure that only manifested in the final step is still captured.
func (o *Orchestrator) PostCheck() []Report {
	return o.checkFailures()
}

// EventTrace returns the run's full canonical event trace.
func (o *Orchestrator) EventTrace() []event.Event {
	return o.net.EventTrace()
}

// Teardown stops every client and server subprocess and the network
// server. Safe to call even if Provision failed partway through.
func (o *Orchestrator) Teardown() {
	for _, c := range o.clients {
		c.Stop()
	}
	for _, s := range o.servers {
		s.Stop()
	}
	if o.netCancel != nil {
		o.netCancel()
	}
}
