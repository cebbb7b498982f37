// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package schedule defines the adversarial schedule data model: an ordered
// sequence of Steps driving message delivery, node crashes/restarts, and
// client requests against a target cluster.
package schedule

import "fmt"

// Kind tags the variant a Step holds. Go has no tagged unions, so Step
// carries every variant's fields and Kind says which ones are meaningful,
// the same shape pkg/fuzzer/queue.Result uses a Status field for.
type Kind int

const (
	KindSchedule Kind = iota
	KindCrash
	KindRestart
	KindClientRequest
)

func (k Kind) String() string {
	switch k {
	case KindSchedule:
		return "Schedule"
	case KindCrash:
		return "Crash"
	case KindRestart:
		return "Restart"
	case KindClientRequest:
		return "ClientRequest"
	default:
		return "Unknown"
	}
}

// Step is one action in a Schedule.
type Step struct {
	Kind Kind

	// KindSchedule: deliver up to MaxMsgs queued messages on edge From->To.
	From    int
	To      int
	MaxMsgs int

	// KindCrash / KindRestart: node to affect and the id pairing the two.
	Node    int
	CrashID int
}

// Schedule is a finite ordered sequence of Steps.
type Schedule []Step

// Clone returns an independent deep copy; mutators must never alias the
// schedule they were handed since it may still be referenced by the caller
// (e.g. logged as part of an Error record).
func (s Schedule) Clone() Schedule {
	out := make(Schedule, len(s))
	copy(out, s)
	return out
}

// ScheduleSteps returns the indices of steps whose Kind is KindSchedule, in
// schedule order. Several mutators index "the i-th Schedule step" rather
// than "the i-th step", mirroring original_source's enumerate-with-counter
// pattern over step['type'] == 'Schedule'.
func (s Schedule) ScheduleSteps() []int {
	var out []int
	for i, step := range s {
		if step.Kind == KindSchedule {
			out = append(out, i)
		}
	}
	return out
}

// CrashIndex returns the index of the Crash step with the given crash id,
// or -1 if absent.
func (s Schedule) CrashIndex(crashID int) int {
	for i, step := range s {
		if step.Kind == KindCrash && step.CrashID == crashID {
			return i
		}
	}
	return -1
}

// RestartIndex returns the index of the Restart step with the given crash
// id, or -1 if absent.
func (s Schedule) RestartIndex(crashID int) int {
	for i, step := range s {
		if step.Kind == KindRestart && step.CrashID == crashID {
			return i
		}
	}
	return -1
}

// CrashIDs returns the distinct crash ids present among Crash steps, in
// schedule order of first appearance.
func (s Schedule) CrashIDs() []int {
	seen := map[int]bool{}
	var out []int
	for _, step := range s {
		if step.Kind == KindCrash && !seen[step.CrashID] {
			seen[step.CrashID] = true
			out = append(out, step.CrashID)
		}
	}
	return out
}

// Validate checks the invariants from the data model: every Crash has
// exactly one later Restart pairing the same crash id on the same node,
// every Schedule step has From != To and 1 <= MaxMsgs <= maxMessagesCap,
// and every node id lies in [1, nodes].
func Validate(s Schedule, nodes, maxMessagesCap int) error {
	crashes := map[int]Step{}
	crashPos := map[int]int{}
	restarted := map[int]bool{}
	for i, step := range s {
		switch step.Kind {
		case KindSchedule:
			if step.From == step.To {
				return fmt.Errorf("step %d: Schedule.From == Schedule.To (%d)", i, step.From)
			}
			if step.MaxMsgs < 1 || step.MaxMsgs > maxMessagesCap {
				return fmt.Errorf("step %d: MaxMsgs %d out of range [1, %d]", i, step.MaxMsgs, maxMessagesCap)
			}
			if err := checkNode(step.From, nodes); err != nil {
				return fmt.Errorf("step %d: %w", i, err)
			}
			if err := checkNode(step.To, nodes); err != nil {
				return fmt.Errorf("step %d: %w", i, err)
			}
		case KindCrash:
			if err := checkNode(step.Node, nodes); err != nil {
				return fmt.Errorf("step %d: %w", i, err)
			}
			if existing, ok := crashes[step.CrashID]; ok {
				return fmt.Errorf("step %d: duplicate crash id %d (first at node %d)", i, step.CrashID, existing.Node)
			}
			crashes[step.CrashID] = step
			crashPos[step.CrashID] = i
		case KindRestart:
			crash, ok := crashes[step.CrashID]
			if !ok {
				return fmt.Errorf("step %d: Restart for unknown crash id %d", i, step.CrashID)
			}
			if crash.Node != step.Node {
				return fmt.Errorf("step %d: Restart node %d does not match Crash node %d for id %d",
					i, step.Node, crash.Node, step.CrashID)
			}
			if i <= crashPos[step.CrashID] {
				return fmt.Errorf("step %d: Restart for crash id %d does not come after its Crash (at %d)",
					i, step.CrashID, crashPos[step.CrashID])
			}
			if restarted[step.CrashID] {
				return fmt.Errorf("step %d: duplicate restart for crash id %d", i, step.CrashID)
			}
			restarted[step.CrashID] = true
		case KindClientRequest:
			// No invariants beyond being a recognized kind.
		default:
			return fmt.Errorf("step %d: unknown kind %v", i, step.Kind)
		}
	}
	for id := range crashes {
		if !restarted[id] {
			return fmt.Errorf("crash id %d has no matching restart", id)
		}
	}
	return nil
}

func checkNode(node, nodes int) error {
	if node < 1 || node > nodes {
		return fmt.Errorf("node id %d out of range [1, %d]", node, nodes)
	}
	return nil
}
