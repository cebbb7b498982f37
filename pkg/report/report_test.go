// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package report

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/google/raft-fuzz/pkg/event"
	"github.com/google/raft-fuzz/pkg/orchestrator"
	"github.com/google/raft-fuzz/pkg/schedule"
)

func TestErrorSaveWritesExpectedFilename(t *testing.T) {
	dir := t.TempDir()
	e := FromOrchestratorReport(orchestrator.Report{
		Name:       "ServerException_0",
		ReturnCode: 1,
		EventTrace: []event.Event{{Name: event.Timeout}},
	}, 42, "modelfuzz", schedule.Schedule{{Kind: schedule.KindClientRequest}}, time.Unix(0, 0))

	require.NoError(t, e.Save(dir))

	path := filepath.Join(dir, "modelfuzz_42_ServerException_0.json")
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var decoded Error
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "ServerException_0", decoded.Name)
	assert.Equal(t, 42, decoded.RunID)
	assert.Len(t, decoded.EventTrace, 1)
}

func TestStatsSave(t *testing.T) {
	dir := t.TempDir()
	s := Stats{Strategy: "random", Runs: 10, Bugs: 1, Coverage: 50}
	require.NoError(t, s.Save(dir))

	data, err := os.ReadFile(filepath.Join(dir, "random_stats.json"))
	require.NoError(t, err)
	var decoded Stats
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, s, decoded)
}
