// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("nodes: 5\ncrash_quota: 2\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Nodes)
	assert.Equal(t, 2, cfg.CrashQuota)
	assert.Equal(t, 60, cfg.Timeout) // untouched default
}

func TestValidateRejectsBadSeedFrequency(t *testing.T) {
	cfg := Default()
	cfg.Workers = 7
	cfg.SeedFrequency = 200
	assert.Error(t, cfg.Validate())
}

func TestSeedInt64IsDeterministic(t *testing.T) {
	a := SeedInt64("delft")
	b := SeedInt64("delft")
	c := SeedInt64("other")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.GreaterOrEqual(t, a, int64(0))
}
