// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package guider scores a run's event trace for coverage feedback. Two
// implementations are provided: TLCGuider asks an external model-checker
// oracle to map an event trace onto abstract specification states;
// TraceGuider additionally hashes the trace's own per-node event-chain
// shape, so novelty can be detected even when the oracle is unavailable
// or uninformative. Both are grounded on modelfuzz.guider.TLCGuider and
// TraceGuider in the reference implementation.
package guider

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/raft-fuzz/pkg/event"
	"github.com/google/raft-fuzz/pkg/log"
	"github.com/google/raft-fuzz/pkg/netutil"
)

// Guider turns an event trace into a coverage signal: the number of
// previously-unseen abstract states (or trace shapes) the run visited.
type Guider interface {
	AddAndGetNewStates(ctx context.Context, trace []event.Event) (int, error)
	Coverage() int
}

// TLAState is one abstract specification state the oracle reports,
// keyed by a value the oracle considers canonical.
type TLAState struct {
	State json.RawMessage
	Key   string
}

type oracleResponse struct {
	States []json.RawMessage `json:"states"`
	Keys   []string          `json:"keys"`
}

// TLCGuider asks a TLC-backed oracle HTTP endpoint to replay an event
// trace against a formal specification and report which abstract states
// it passed through.
type TLCGuider struct {
	oracleURL string

	mu     sync.Mutex
	states map[string]TLAState
}

// NewTLCGuider returns a guider that posts traces to the oracle's
// /execute endpoint at oracleURL.
func NewTLCGuider(oracleURL string) *TLCGuider {
	return &TLCGuider{oracleURL: oracleURL, states: make(map[string]TLAState)}
}

// GetStates replays trace against the oracle and returns the abstract
// states it reports. A reset marker is always appended, matching the
// oracle's expectation that each POST carries one complete trace rather
// than an incremental suffix. Oracle errors are logged and treated as
// zero states, not a fatal error: a flaky oracle should not crash a run.
func (g *TLCGuider) GetStates(ctx context.Context, trace []event.Event) []TLAState {
	body := make([]interface{}, 0, len(trace)+1)
	for _, e := range trace {
		body = append(body, e)
	}
	body = append(body, map[string]bool{"reset": true})

	resp, err := netutil.PostJSON[[]interface{}, oracleResponse](ctx, g.oracleURL+"/execute", body)
	if err != nil {
		log.Logf(1, "guider: oracle request failed: %v", err)
		return nil
	}
	n := len(resp.States)
	if len(resp.Keys) < n {
		n = len(resp.Keys)
	}
	states := make([]TLAState, n)
	for i := 0; i < n; i++ {
		states[i] = TLAState{State: resp.States[i], Key: resp.Keys[i]}
	}
	return states
}

// AddAndGetNewStates records every oracle state produced by trace and
// returns how many of them had never been seen before.
func (g *TLCGuider) AddAndGetNewStates(ctx context.Context, trace []event.Event) (int, error) {
	states := g.GetStates(ctx, trace)
	g.mu.Lock()
	defer g.mu.Unlock()
	newStates := 0
	for _, s := range states {
		if _, ok := g.states[s.Key]; !ok {
			g.states[s.Key] = s
			newStates++
		}
	}
	return newStates, nil
}

// Coverage returns the total number of distinct abstract states seen so
// far across all runs.
func (g *TLCGuider) Coverage() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.states)
}

// TraceGuider layers event-causality-graph novelty on top of a
// TLCGuider: even if the oracle reports nothing new, a run whose
// per-node event chains took a shape never seen before still counts as
// interesting.
type TraceGuider struct {
	tlc *TLCGuider

	mu     sync.Mutex
	traces map[string]bool
}

// NewTraceGuider returns a TraceGuider backed by an oracle at oracleURL.
func NewTraceGuider(oracleURL string) *TraceGuider {
	return &TraceGuider{tlc: NewTLCGuider(oracleURL), traces: make(map[string]bool)}
}

// graphNode is one node in the per-event causality graph: the event
// itself, plus the id of the previous event this node (by params.node)
// participated in, if any.
type graphNode struct {
	Name   string                 `json:"name"`
	Params map[string]interface{} `json:"params"`
	Node   interface{}            `json:"node"`
	Prev   string                 `json:"prev,omitempty"`
	ID     string                 `json:"id"`
}

// createEventGraph builds one causality chain per node id (the value of
// params.node), linking each event to the previous event on the same
// node. Events without a params.node are skipped: they carry no causal
// anchor to attach to.
func createEventGraph(trace []event.Event) map[string]graphNode {
	cur := make(map[interface{}]graphNode)
	nodes := make(map[string]graphNode)

	for _, e := range trace {
		node, ok := e.Params["node"]
		if !ok {
			continue
		}
		n := graphNode{Name: e.Name, Params: e.Params, Node: node}
		if prev, ok := cur[node]; ok {
			n.Prev = prev.ID
		}
		n.ID = hashJSON(n)
		cur[node] = n
		nodes[n.ID] = n
	}
	return nodes
}

func hashJSON(v interface{}) string {
	// encoding/json sorts object keys alphabetically, matching the
	// reference implementation's json.dumps(..., sort_keys=True).
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// AddAndGetNewStates records the oracle states for trace (for coverage
// bookkeeping) and reports 1 if trace's causality graph shape has never
// been seen before, 0 otherwise.
func (g *TraceGuider) AddAndGetNewStates(ctx context.Context, trace []event.Event) (int, error) {
	if _, err := g.tlc.AddAndGetNewStates(ctx, trace); err != nil {
		return 0, fmt.Errorf("trace guider: oracle pass: %w", err)
	}
	graph := createEventGraph(trace)
	id := hashJSON(graph)

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.traces[id] {
		return 0, nil
	}
	g.traces[id] = true
	return 1, nil
}

// Coverage returns the underlying TLCGuider's abstract-state count.
func (g *TraceGuider) Coverage() int {
	return g.tlc.Coverage()
}
