// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package event

import (
	"sort"
	"strconv"
	"sync"

	"github.com/google/raft-fuzz/pkg/mailbox"
)

// Mapper is a pure function from a raw target record to a canonical Event,
// with two pieces of state carried between calls: a request-number map
// (so log payloads become comparable across runs) and the current leader
// id, treated as a hint rather than an authority — concurrent leaders in
// a buggy run show up as two BecomeLeader events, not a mapper panic.
//
// One Mapper is owned by exactly one cluster run's Interception Network;
// it is not shared across runs.
type Mapper struct {
	mu        sync.Mutex
	requestNo map[string]int
	nextReqNo int
	leaderID  int
}

// NewMapper returns a Mapper with no leader known yet.
func NewMapper() *Mapper {
	return &Mapper{
		requestNo: make(map[string]int),
		nextReqNo: 1,
		leaderID:  -1,
	}
}

// LeaderID returns the last node to report BecomeLeader, reset to -1 by
// Timeout. It is a hint, not an authority: concurrent leaders in a buggy
// run are a bug, not an invariant violation of the mapper.
func (m *Mapper) LeaderID() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.leaderID
}

func (m *Mapper) requestNumber(data string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok := m.requestNo[data]; ok {
		return n
	}
	n := m.nextReqNo
	m.requestNo[data] = n
	m.nextReqNo++
	return n
}

// LogEntry is one normalized append-entries log entry.
type LogEntry struct {
	Term int    `json:"Term"`
	Data string `json:"Data"`
}

// MapMessage normalizes an intercepted wire message to canonical params.
// Returns nil for an unrecognized wire type: the caller drops the message
// from the trace rather than recording a partially-normalized record.
func (m *Mapper) MapMessage(msg mailbox.Message) map[string]interface{} {
	term := paramInt(msg.Params, "term")
	params := map[string]interface{}{
		"from":    msg.From,
		"to":      msg.To,
		"term":    term,
		"entries": []LogEntry{},
		"commit":  0,
	}
	switch msg.Type {
	case "append_entries_request":
		params["type"] = MsgApp
		params["log_term"] = paramInt(msg.Params, "prev_log_term")
		params["index"] = paramInt(msg.Params, "prev_log_idx")
		params["commit"] = paramInt(msg.Params, "leader_commit")
		params["reject"] = false
		params["entries"] = m.mapEntries(msg.Params)
	case "append_entries_reply":
		params["type"] = MsgAppResp
		params["log_term"] = 0
		params["index"] = paramInt(msg.Params, "current_idx")
		params["reject"] = paramInt(msg.Params, "success") == 0
	case "request_vote_request":
		params["type"] = MsgVote
		params["log_term"] = paramInt(msg.Params, "last_log_term")
		params["index"] = paramInt(msg.Params, "last_log_idx")
		params["reject"] = false
	case "request_vote_reply":
		params["type"] = MsgVoteResp
		params["log_term"] = 0
		params["index"] = 0
		params["reject"] = paramInt(msg.Params, "reject") == 0
	default:
		return nil
	}
	return params
}

// mapEntries normalizes a raw append-entries log payload, whose keys are
// stringified indices ("0", "1", ...) into a map with no defined
// iteration order. Keys are sorted numerically before appending so that
// identical protocol behavior always normalizes to the same entries
// slice, matching the original's dict-insertion-order iteration.
func (m *Mapper) mapEntries(raw map[string]interface{}) []LogEntry {
	entriesRaw, _ := raw["entries"].(map[string]interface{})
	if len(entriesRaw) == 0 {
		return nil
	}
	keys := make([]string, 0, len(entriesRaw))
	for k := range entriesRaw {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, aErr := strconv.Atoi(keys[i])
		b, bErr := strconv.Atoi(keys[j])
		if aErr == nil && bErr == nil {
			return a < b
		}
		return keys[i] < keys[j]
	})

	var out []LogEntry
	for _, k := range keys {
		entry, ok := entriesRaw[k].(map[string]interface{})
		if !ok {
			continue
		}
		data, _ := entry["data"].(string)
		if data == "" {
			continue
		}
		out = append(out, LogEntry{
			Term: toInt(entry["term"]),
			Data: strconv.Itoa(m.requestNumber(data)),
		})
	}
	return out
}

// MapEvent normalizes a raw spontaneous target event (BecomeLeader,
// Timeout, ClientRequest, MembershipChange, UpdateSnapshot,
// AdvanceCommitIndex) into a canonical Event. Returns (Event{}, false) for
// an unrecognized type, meaning: drop it.
func (m *Mapper) MapEvent(raw map[string]interface{}) (Event, bool) {
	typ, _ := raw["type"].(string)
	switch typ {
	case ClientRequest:
		m.mu.Lock()
		m.nextReqNo++
		req := m.nextReqNo - 1
		m.mu.Unlock()
		return Event{Name: ClientRequest, Params: map[string]interface{}{
			"leader":  toInt(raw["leader"]),
			"request": req,
		}}, true
	case BecomeLeader:
		node := toInt(raw["node"])
		m.mu.Lock()
		m.leaderID = node
		m.mu.Unlock()
		return Event{Name: BecomeLeader, Params: map[string]interface{}{
			"node": node,
			"term": toInt(raw["term"]),
		}}, true
	case Timeout:
		m.mu.Lock()
		m.leaderID = -1
		m.mu.Unlock()
		return Event{Name: Timeout, Params: map[string]interface{}{
			"node": toInt(raw["node"]),
		}}, true
	case MembershipChange:
		return Event{Name: MembershipChange, Params: map[string]interface{}{
			"action": raw["action"],
			"node":   toInt(raw["node"]),
		}}, true
	case UpdateSnapshot:
		return Event{Name: UpdateSnapshot, Params: map[string]interface{}{
			"node":           toInt(raw["server_id"]),
			"snapshot_index": toInt(raw["snapshot_index"]),
		}}, true
	case AdvanceCommitIndex:
		return Event{Name: AdvanceCommitIndex, Params: map[string]interface{}{
			"i":    toInt(raw["server_id"]),
			"node": toInt(raw["server_id"]),
		}}, true
	default:
		return Event{}, false
	}
}

func paramInt(params map[string]interface{}, key string) int {
	if params == nil {
		return 0
	}
	return toInt(params[key])
}

func toInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case bool:
		if n {
			return 1
		}
		return 0
	case string:
		// Best-effort: non-numeric strings normalize to 0, matching the
		// defensive int(...) coercion the original Python performs on
		// already-numeric JSON fields.
		i, err := strconv.Atoi(n)
		if err != nil {
			return 0
		}
		return i
	default:
		return 0
	}
}
