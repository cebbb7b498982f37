// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package schedule

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateRejectsUnmatchedCrash(t *testing.T) {
	s := Schedule{
		{Kind: KindCrash, Node: 1, CrashID: 0},
	}
	err := Validate(s, 3, 5)
	require.Error(t, err)
}

func TestValidateRejectsSelfEdge(t *testing.T) {
	s := Schedule{
		{Kind: KindSchedule, From: 1, To: 1, MaxMsgs: 1},
	}
	require.Error(t, Validate(s, 3, 5))
}

func TestValidateRejectsMaxMsgsOutOfRange(t *testing.T) {
	s := Schedule{{Kind: KindSchedule, From: 1, To: 2, MaxMsgs: 0}}
	require.Error(t, Validate(s, 3, 5))

	s = Schedule{{Kind: KindSchedule, From: 1, To: 2, MaxMsgs: 6}}
	require.Error(t, Validate(s, 3, 5))
}

func TestValidateRejectsRestartBeforeCrash(t *testing.T) {
	s := Schedule{
		{Kind: KindRestart, Node: 1, CrashID: 0},
		{Kind: KindCrash, Node: 1, CrashID: 0},
	}
	require.Error(t, Validate(s, 3, 5))
}

func TestValidateAcceptsBalancedSchedule(t *testing.T) {
	s := Schedule{
		{Kind: KindCrash, Node: 2, CrashID: 0},
		{Kind: KindSchedule, From: 1, To: 2, MaxMsgs: 3},
		{Kind: KindRestart, Node: 2, CrashID: 0},
		{Kind: KindClientRequest},
	}
	assert.NoError(t, Validate(s, 3, 5))
}

func TestGenerateProducesBalancedSchedule(t *testing.T) {
	rnd := rand.New(rand.NewSource(1))
	p := GeneratorParams{Nodes: 3, Steps: 10, MaxMessages: 5, CrashQuota: 3, ClientRequests: 2}
	for i := 0; i < 50; i++ {
		s := Generate(rnd, p)
		require.NoError(t, Validate(s, p.Nodes, p.MaxMessages))
		assert.Len(t, s.ScheduleSteps(), p.Steps)
		assert.Len(t, s.CrashIDs(), p.CrashQuota)
	}
}

func TestEmptyScheduleHasNoCrashIDs(t *testing.T) {
	var s Schedule
	assert.Empty(t, s.CrashIDs())
	assert.NoError(t, Validate(s, 3, 5))
}
