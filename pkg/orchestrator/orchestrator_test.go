// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/google/raft-fuzz/pkg/schedule"
	"github.com/google/raft-fuzz/pkg/supervisor"
)

// fakeNodeScript registers node id with the network and then sleeps,
// standing in for a real cluster node binary in tests.
func fakeNodeScript(id int) func(netAddr string) []string {
	return func(netAddr string) []string {
		curl := fmt.Sprintf(
			`curl -s -X POST -d '{"id":%d,"addr":"127.0.0.1:0"}' http://%s/replica >/dev/null; sleep 5`,
			id, netAddr)
		return []string{"sh", "-c", curl}
	}
}

func newTestConfig(nodes int) Config {
	return Config{
		Nodes:       nodes,
		Timeout:     5 * time.Second,
		NetworkAddr: "127.0.0.1:0",
		NewServer: func(node int, netAddr string) *supervisor.Supervisor {
			build := fakeNodeScript(node)
			return supervisor.New(fmt.Sprintf("node%d", node), supervisor.Config{
				Build: func(isRestart bool) []string { return build(netAddr) },
			})
		},
		NewClient: func(request, leader int, netAddr string) *supervisor.Supervisor {
			return supervisor.New(fmt.Sprintf("client%d", request), supervisor.Config{
				Build: func(isRestart bool) []string { return []string{"sh", "-c", "true"} },
			})
		},
	}
}

func TestProvisionWaitsForAllReplicas(t *testing.T) {
	o := New(newTestConfig(3))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, o.Provision(ctx))
	defer o.Teardown()
	assert.Equal(t, 3, o.Network().NumReplicas())
}

func TestProvisionReturnsErrNodeRegisterTimeoutWhenANodeNeverRegisters(t *testing.T) {
	cfg := newTestConfig(2)
	cfg.Timeout = 50 * time.Millisecond
	cfg.NewServer = func(node int, netAddr string) *supervisor.Supervisor {
		return supervisor.New(fmt.Sprintf("node%d", node), supervisor.Config{
			Build: func(isRestart bool) []string { return []string{"sh", "-c", "sleep 5"} },
		})
	}
	o := New(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	defer o.Teardown()

	err := o.Provision(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNodeRegisterTimeout))
}

func TestExecuteRunsScheduleSteps(t *testing.T) {
	o := New(newTestConfig(2))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, o.Provision(ctx))
	defer o.Teardown()

	sched := schedule.Schedule{
		{Kind: schedule.KindCrash, Node: 2, CrashID: 0},
		{Kind: schedule.KindRestart, Node: 2, CrashID: 0},
	}
	executed := o.Execute(ctx, sched)
	assert.Len(t, executed, 2)

	trace := o.EventTrace()
	require.Len(t, trace, 2)
	assert.Equal(t, "Remove", trace[0].Name)
	assert.Equal(t, "Add", trace[1].Name)
}

func TestExecuteStopsOnFailedNode(t *testing.T) {
	cfg := newTestConfig(1)
	cfg.NewServer = func(node int, netAddr string) *supervisor.Supervisor {
		return supervisor.New("flaky", supervisor.Config{
			Build: func(isRestart bool) []string {
				curl := fmt.Sprintf(
					`curl -s -X POST -d '{"id":%d,"addr":"127.0.0.1:0"}' http://%s/replica >/dev/null; exit 1`,
					node, netAddr)
				return []string{"sh", "-c", curl}
			},
		})
	}
	o := New(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, o.Provision(ctx))
	defer o.Teardown()

	time.Sleep(200 * time.Millisecond) // let the node exit nonzero
	sched := schedule.Schedule{
		{Kind: schedule.KindSchedule, From: 1, To: 1, MaxMsgs: 1},
	}
	executed := o.Execute(ctx, sched)
	assert.Empty(t, executed)
	assert.NotEmpty(t, o.PostCheck())
}
