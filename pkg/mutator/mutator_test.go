// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package mutator

import (
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/google/raft-fuzz/pkg/schedule"
)

func sampleSchedule() schedule.Schedule {
	rnd := rand.New(rand.NewSource(7))
	return schedule.Generate(rnd, schedule.GeneratorParams{
		Nodes: 3, Steps: 8, MaxMessages: 5, CrashQuota: 2, ClientRequests: 2,
	})
}

func TestMutatorsPreserveValidity(t *testing.T) {
	params := Params{Nodes: 3, Steps: 8, CrashQuota: 2, MutationCount: 3}
	rnd := rand.New(rand.NewSource(42))

	mutators := []Mutator{
		SwapNodes{params},
		SwapCrashNodes{params},
		SwapCrashSteps{params},
		SwapMaxMessages{params},
		Combined{params},
	}
	for _, m := range mutators {
		s := sampleSchedule()
		mutated := m.Mutate(rnd, s)
		require.NoError(t, schedule.Validate(mutated, 3, 5))
		assert.Len(t, mutated.ScheduleSteps(), 8)
		assert.Len(t, mutated.CrashIDs(), 2)
	}
}

func TestSwapCrashNodesSingleQuotaRelocates(t *testing.T) {
	params := Params{Nodes: 3, Steps: 4, CrashQuota: 1, MutationCount: 5}
	rnd := rand.New(rand.NewSource(1))
	s := schedule.Generate(rnd, schedule.GeneratorParams{Nodes: 3, Steps: 4, MaxMessages: 3, CrashQuota: 1, ClientRequests: 0})

	mutated := SwapCrashNodes{params}.Mutate(rnd, s)
	require.NoError(t, schedule.Validate(mutated, 3, 3))
}

// TestSwapMaxMessagesTouchesOnlyMaxMsgs asserts the operator's blast
// radius: every field but MaxMsgs must come back byte-for-byte equal.
func TestSwapMaxMessagesTouchesOnlyMaxMsgs(t *testing.T) {
	params := Params{Nodes: 3, Steps: 8, CrashQuota: 2, MutationCount: 4}
	rnd := rand.New(rand.NewSource(9))
	s := sampleSchedule()

	mutated := SwapMaxMessages{params}.Mutate(rnd, s.Clone())

	diff := cmp.Diff(s, mutated, cmpopts.IgnoreFields(schedule.Step{}, "MaxMsgs"))
	assert.Empty(t, diff, "SwapMaxMessages changed a field other than MaxMsgs:\n%s", diff)
}
