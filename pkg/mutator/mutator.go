// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package mutator implements the schedule-mutation operators the fuzzer
// applies to seed schedules, each grounded on the corresponding class in
// modelfuzz.mutator from the reference implementation.
package mutator

import (
	"math/rand"

	"github.com/google/raft-fuzz/pkg/schedule"
)

// Params bounds what a mutator is allowed to touch in one schedule,
// mirroring the fields the reference implementation reads off its own
// params object.
type Params struct {
	Nodes         int
	Steps         int
	CrashQuota    int
	MutationCount int
}

// Mutator transforms a schedule in place (conceptually) and returns the
// mutated result.
type Mutator interface {
	Mutate(rnd *rand.Rand, s schedule.Schedule) schedule.Schedule
}

// SwapNodes swaps two randomly-chosen Schedule steps' positions.
type SwapNodes struct{ Params Params }

func (m SwapNodes) Mutate(rnd *rand.Rand, s schedule.Schedule) schedule.Schedule {
	for i := 0; i < m.Params.MutationCount; i++ {
		idx := s.ScheduleSteps()
		if len(idx) < 2 {
			continue
		}
		first, second := distinctIndices(rnd, len(idx))
		s[idx[first]], s[idx[second]] = s[idx[second]], s[idx[first]]
	}
	return s
}

// SwapCrashNodes swaps which node two crashes target. With a crash quota
// of 1 it instead just relocates the single crash (and its paired
// restart) to a different node, since there is no second crash to swap
// with.
type SwapCrashNodes struct{ Params Params }

func (m SwapCrashNodes) Mutate(rnd *rand.Rand, s schedule.Schedule) schedule.Schedule {
	for i := 0; i < m.Params.MutationCount; i++ {
		if m.Params.CrashQuota == 1 {
			for i := range s {
				if s[i].Kind != schedule.KindCrash {
					continue
				}
				s[i].Node = otherNode(rnd, m.Params.Nodes, s[i].Node)
				if r := s.RestartIndex(s[i].CrashID); r >= 0 {
					s[r].Node = s[i].Node
				}
			}
			continue
		}
		if m.Params.CrashQuota < 2 {
			continue
		}
		firstID, secondID := distinctIndices(rnd, m.Params.CrashQuota)
		firstCrash := s.CrashIndex(firstID)
		secondCrash := s.CrashIndex(secondID)
		if firstCrash < 0 || secondCrash < 0 {
			continue
		}
		s[firstCrash], s[secondCrash] = s[secondCrash], s[firstCrash]

		firstRestart := s.RestartIndex(firstID)
		secondRestart := s.RestartIndex(secondID)
		if firstRestart < 0 || secondRestart < 0 {
			continue
		}
		s[firstRestart], s[secondRestart] = s[secondRestart], s[firstRestart]
	}
	return s
}

// SwapCrashSteps relocates one crash (and its paired restart, which is
// always reinserted strictly after the crash's new position) to a
// random position in the schedule.
type SwapCrashSteps struct{ Params Params }

func (m SwapCrashSteps) Mutate(rnd *rand.Rand, s schedule.Schedule) schedule.Schedule {
	for i := 0; i < m.Params.MutationCount; i++ {
		if m.Params.CrashQuota == 0 {
			continue
		}
		crashID := rnd.Intn(m.Params.CrashQuota)
		crashIdx := s.CrashIndex(crashID)
		if crashIdx < 0 {
			continue
		}
		step := s[crashIdx]
		s = removeAt(s, crashIdx)
		newCrashIdx := rnd.Intn(len(s) + 1)
		s = insertAt(s, newCrashIdx, step)

		restartIdx := s.RestartIndex(crashID)
		if restartIdx < 0 {
			continue
		}
		restartStep := s[restartIdx]
		s = removeAt(s, restartIdx)
		if newCrashIdx >= len(s) {
			s = append(s, restartStep)
			continue
		}
		pos := newCrashIdx + 1 + rnd.Intn(len(s)-newCrashIdx)
		s = insertAt(s, pos, restartStep)
	}
	return s
}

// SwapMaxMessages swaps the MaxMsgs bound between two randomly-chosen
// Schedule steps.
type SwapMaxMessages struct{ Params Params }

func (m SwapMaxMessages) Mutate(rnd *rand.Rand, s schedule.Schedule) schedule.Schedule {
	for i := 0; i < m.Params.MutationCount; i++ {
		idx := s.ScheduleSteps()
		if len(idx) < 2 {
			continue
		}
		first, second := distinctIndices(rnd, len(idx))
		a, b := idx[first], idx[second]
		s[a].MaxMsgs, s[b].MaxMsgs = s[b].MaxMsgs, s[a].MaxMsgs
	}
	return s
}

// Combined applies all four operators in sequence, matching
// modelfuzz.mutator.CombinedMutator, the fuzzer's default mutator.
type Combined struct{ Params Params }

func (m Combined) Mutate(rnd *rand.Rand, s schedule.Schedule) schedule.Schedule {
	ops := []Mutator{
		SwapNodes{m.Params},
		SwapCrashNodes{m.Params},
		SwapCrashSteps{m.Params},
		SwapMaxMessages{m.Params},
	}
	for _, op := range ops {
		s = op.Mutate(rnd, s)
	}
	return s
}

func distinctIndices(rnd *rand.Rand, n int) (int, int) {
	first := rnd.Intn(n)
	second := rnd.Intn(n - 1)
	if second >= first {
		second++
	}
	return first, second
}

func otherNode(rnd *rand.Rand, nodes, exclude int) int {
	n := rnd.Intn(nodes-1) + 1
	if n >= exclude {
		n++
	}
	return n
}

func removeAt(s schedule.Schedule, i int) schedule.Schedule {
	out := make(schedule.Schedule, 0, len(s)-1)
	out = append(out, s[:i]...)
	out = append(out, s[i+1:]...)
	return out
}

func insertAt(s schedule.Schedule, i int, step schedule.Step) schedule.Schedule {
	out := make(schedule.Schedule, 0, len(s)+1)
	out = append(out, s[:i]...)
	out = append(out, step)
	out = append(out, s[i:]...)
	return out
}
