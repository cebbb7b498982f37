// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package network implements the Interception Network: the HTTP server
// that cluster node processes talk to instead of each other, so that the
// orchestrator controls message delivery order. Its handler shape follows
// syz-cluster/pkg/vcsserver.APIServer: a plain http.ServeMux dispatching
// to one method per route, wrapped in gorilla/handlers access logging.
package network

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/handlers"

	"github.com/google/raft-fuzz/pkg/event"
	"github.com/google/raft-fuzz/pkg/log"
	"github.com/google/raft-fuzz/pkg/mailbox"
	"github.com/google/raft-fuzz/pkg/netutil"
)

// Network is the shared state one cluster run's Interception Network
// keeps: the node address registry, per-edge mailboxes, the appended
// event trace and the Event Mapper that normalizes records onto it.
type Network struct {
	mapper *event.Mapper
	boxes  *mailbox.Set

	mu       sync.Mutex
	replicas map[int]string
	trace    []event.Event

	server *http.Server
}

// New returns an empty Network, ready to be served with ListenAndServe.
func New() *Network {
	return &Network{
		mapper:   event.NewMapper(),
		boxes:    mailbox.NewSet(),
		replicas: make(map[int]string),
	}
}

// Mux builds the network's request router. Exposed separately from
// ListenAndServe so tests can drive it with httptest without binding a
// port.
func (n *Network) Mux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/replica", n.handleReplica)
	mux.HandleFunc("/message", n.handleMessage)
	mux.HandleFunc("/event", n.handleEvent)
	return handlers.LoggingHandler(logWriter{}, mux)
}

// ListenAndServe starts the HTTP server on addr and blocks until ctx is
// canceled, then shuts the server down gracefully.
func (n *Network) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("network: listen on %s: %w", addr, err)
	}
	return n.Serve(ctx, ln)
}

// Serve runs the HTTP server on an already-bound listener and blocks
// until ctx is canceled, then shuts the server down gracefully. Tests
// use this with an ephemeral ":0" listener to learn the bound port.
func (n *Network) Serve(ctx context.Context, ln net.Listener) error {
	n.server = &http.Server{Handler: n.Mux()}
	errc := make(chan error, 1)
	go func() {
		errc <- n.server.Serve(ln)
	}()
	select {
	case <-ctx.Done():
		return n.server.Shutdown(context.Background())
	case err := <-errc:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

type replicaReq struct {
	ID   int    `json:"id"`
	Addr string `json:"addr"`
}

func (n *Network) handleReplica(w http.ResponseWriter, r *http.Request) {
	req, err := netutil.DecodeJSONBody[replicaReq](r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	n.mu.Lock()
	n.replicas[req.ID] = req.Addr
	n.mu.Unlock()
	netutil.WriteJSON(w, map[string]string{"message": "Ok"})
}

type messageReq struct {
	From   int                    `json:"from"`
	To     int                    `json:"to"`
	Type   string                 `json:"type"`
	Data   string                 `json:"data"`
	ID     string                 `json:"id"`
	Params map[string]interface{} `json:"params"`
}

func (n *Network) handleMessage(w http.ResponseWriter, r *http.Request) {
	req, err := netutil.DecodeJSONBody[messageReq](r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	msg := mailbox.Message{From: req.From, To: req.To, Type: req.Type, Data: req.Data, ID: req.ID, Params: req.Params}
	n.boxes.Push(msg)

	if params := n.mapper.MapMessage(msg); params != nil {
		params["node"] = params["from"]
		n.appendEvent(event.Event{Name: event.SendMessage, Params: params})
	}
	netutil.WriteJSON(w, map[string]string{"message": "Ok"})
}

// handleEvent's body is double-encoded JSON: the target posts a JSON
// string whose content is itself the event object's JSON encoding
// (network.py:117-118 does the same two-step json.loads), so the body
// is decoded once into a string and then into the event map.
func (n *Network) handleEvent(w http.ResponseWriter, r *http.Request) {
	encoded, err := netutil.DecodeJSONBody[string](r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var raw map[string]interface{}
	if err := json.Unmarshal([]byte(encoded), &raw); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if e, ok := n.mapper.MapEvent(raw); ok {
		if serverID, ok := raw["server_id"]; ok {
			e.Params["replica"] = serverID
		}
		n.appendEvent(e)
	}
	netutil.WriteJSON(w, map[string]string{"message": "Ok"})
}

// AddEvent appends an event the orchestrator derives itself (node
// removal/addition on crash/restart, client request submission) rather
// than one that arrived over the wire.
func (n *Network) AddEvent(e event.Event) {
	n.appendEvent(e)
}

func (n *Network) appendEvent(e event.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.trace = append(n.trace, e)
}

// MessageExists reports whether any undelivered message is queued on
// edge (from, to).
func (n *Network) MessageExists(from, to int) bool {
	return n.boxes.Exists(from, to)
}

// ScheduleNode pops up to maxMsgs messages queued on edge (from, to),
// records a DeliverMessage event for each, and forwards them to the
// destination's registered address unless toCrashed suppresses delivery
// (the messages are still drained and accounted for; crashed nodes just
// never see them, matching a real network's silent-drop-to-the-dead
// behavior). Returns the number of messages drained.
func (n *Network) ScheduleNode(ctx context.Context, from, to, maxMsgs int, toCrashed bool) int {
	msgs := n.boxes.Pop(from, to, maxMsgs)
	if len(msgs) == 0 {
		return 0
	}
	n.mu.Lock()
	addr, ok := n.replicas[to]
	n.mu.Unlock()

	for _, m := range msgs {
		if params := n.mapper.MapMessage(m); params != nil {
			params["node"] = params["to"]
			n.appendEvent(event.Event{Name: event.DeliverMessage, Params: params})
		}
		if toCrashed || !ok {
			continue
		}
		if _, err := netutil.PostJSON[mailbox.Message, any](ctx, fmt.Sprintf("http://%s/", addr), m); err != nil {
			log.Logf(1, "network: delivering %+v to node %d: %v", m, to, err)
		}
	}
	return len(msgs)
}

// NumReplicas returns the count of nodes that have registered an
// address since the network started.
func (n *Network) NumReplicas() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.replicas)
}

// EventTrace returns a snapshot of the event trace recorded so far.
func (n *Network) EventTrace() []event.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]event.Event, len(n.trace))
	copy(out, n.trace)
	return out
}

// LeaderID returns the Event Mapper's current leader hint.
func (n *Network) LeaderID() int {
	return n.mapper.LeaderID()
}

type logWriter struct{}

func (logWriter) Write(p []byte) (int, error) {
	log.Logf(2, "%s", string(p))
	return len(p), nil
}
