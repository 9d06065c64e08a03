/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package command

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projectbeskar/truenas-incus/internal/truenas/api"
	"github.com/projectbeskar/truenas-incus/internal/truenas/errors"
	"github.com/projectbeskar/truenas-incus/internal/truenas/fake"
)

func newTestExecutor(t *testing.T, config *fake.Config) (*Executor, *fake.Server) {
	t.Helper()

	server, endpoint, closeServer, err := fake.StartFakeServer(config)
	require.NoError(t, err)
	t.Cleanup(func() { _ = closeServer() })
	server.AddInstance("web", "CONTAINER", api.StatusRunning)

	client, err := api.NewClient(&api.Config{Endpoint: endpoint, APIKey: "test-key"})
	require.NoError(t, err)

	return NewExecutor(client), server
}

func TestExecuteShellString(t *testing.T) {
	executor, server := newTestExecutor(t, nil)

	result, err := executor.Execute(context.Background(), &Request{
		Instance:    "web",
		Command:     ShellString("echo $MSG"),
		Environment: map[string]string{"MSG": "provisioned"},
	}, false)
	require.NoError(t, err)
	assert.True(t, result.Changed)
	assert.Equal(t, 0, result.RC)
	assert.False(t, result.Failed())
	assert.Equal(t, "provisioned\n", result.Stdout)

	history := server.ExecHistory()
	require.Len(t, history, 1)
	assert.Equal(t, []string{"/bin/sh", "-c", "echo $MSG"}, history[0])
}

func TestExecuteNonZeroExit(t *testing.T) {
	executor, _ := newTestExecutor(t, nil)

	result, err := executor.Execute(context.Background(), &Request{Instance: "web", Command: ShellString("exit 4")}, false)
	require.NoError(t, err)
	assert.True(t, result.Changed)
	assert.Equal(t, 4, result.RC)
	assert.True(t, result.Failed())
}

func TestCreatesGuardIsIdempotent(t *testing.T) {
	executor, server := newTestExecutor(t, nil)
	req := &Request{
		Instance: "web",
		Command:  ShellString("touch /etc/bootstrapped"),
		Creates:  "/etc/bootstrapped",
	}

	first, err := executor.Execute(context.Background(), req, false)
	require.NoError(t, err)
	assert.True(t, first.Changed)
	assert.True(t, server.HasFile("web", "/etc/bootstrapped"))

	second, err := executor.Execute(context.Background(), req, false)
	require.NoError(t, err)
	assert.False(t, second.Changed)
	assert.Equal(t, 0, second.RC)
	assert.Empty(t, second.Stdout)
	assert.Empty(t, second.Stderr)
	assert.Equal(t, "Path /etc/bootstrapped already exists, skipping command", second.Msg)

	want := [][]string{
		{"/bin/sh", "-c", "test -e /etc/bootstrapped"},
		{"/bin/sh", "-c", "touch /etc/bootstrapped"},
		{"/bin/sh", "-c", "test -e /etc/bootstrapped"},
	}
	if diff := cmp.Diff(want, server.ExecHistory()); diff != "" {
		t.Errorf("exec history mismatch (-want +got):\n%s", diff)
	}
}

func TestRemovesGuardIsInverseOfCreates(t *testing.T) {
	executor, server := newTestExecutor(t, nil)
	ctx := context.Background()

	skipped, err := executor.Execute(ctx, &Request{Instance: "web", Command: ShellString("rm /tmp/lock"), Removes: "/tmp/lock"}, false)
	require.NoError(t, err)
	assert.False(t, skipped.Changed)
	assert.Equal(t, "Path /tmp/lock does not exist, skipping command", skipped.Msg)

	server.AddFile("web", "/tmp/lock")

	ran, err := executor.Execute(ctx, &Request{Instance: "web", Command: ShellString("rm /tmp/lock"), Removes: "/tmp/lock"}, false)
	require.NoError(t, err)
	assert.True(t, ran.Changed)
	assert.False(t, server.HasFile("web", "/tmp/lock"))

	again, err := executor.Execute(ctx, &Request{Instance: "web", Command: ShellString("rm /tmp/lock"), Removes: "/tmp/lock"}, false)
	require.NoError(t, err)
	assert.False(t, again.Changed)
}

func TestGuardQuotesPath(t *testing.T) {
	executor, server := newTestExecutor(t, nil)
	server.AddFile("web", "/srv/my data")

	result, err := executor.Execute(context.Background(), &Request{
		Instance: "web",
		Command:  ShellString("true"),
		Creates:  "/srv/my data",
	}, false)
	require.NoError(t, err)
	assert.False(t, result.Changed)
	assert.Equal(t, []string{"/bin/sh", "-c", "test -e '/srv/my data'"}, server.ExecHistory()[0])
}

func TestChdir(t *testing.T) {
	executor, server := newTestExecutor(t, nil)
	server.AddFile("web", "/opt/app")

	result, err := executor.Execute(context.Background(), &Request{
		Instance: "web",
		Command:  ShellString("touch built"),
		Chdir:    "/opt/app",
	}, false)
	require.NoError(t, err)
	assert.Equal(t, 0, result.RC)
	assert.True(t, server.HasFile("web", "/opt/app/built"))
	assert.Equal(t, []string{"/bin/sh", "-c", "cd /opt/app && touch built"}, server.ExecHistory()[0])

	argv, err := executor.Execute(context.Background(), &Request{
		Instance: "web",
		Command:  Argv("touch", "plain"),
		Chdir:    "/opt/app",
	}, false)
	require.NoError(t, err)
	assert.True(t, argv.Changed)
	assert.Equal(t, []string{"touch", "plain"}, server.ExecHistory()[1])
}

func TestCheckMode(t *testing.T) {
	executor, server := newTestExecutor(t, nil)

	result, err := executor.Execute(context.Background(), &Request{
		Instance: "web",
		Command:  ShellString("touch /etc/flag"),
		Creates:  "/etc/flag",
	}, true)
	require.NoError(t, err)
	assert.True(t, result.Changed)
	assert.Equal(t, 0, result.RC)
	assert.Equal(t, MsgCheckMode, result.Msg)
	assert.False(t, server.HasFile("web", "/etc/flag"))
	// only the guard probe was sent
	assert.Len(t, server.ExecHistory(), 1)
}

func TestExecFailuresBecomeRCOne(t *testing.T) {
	for _, failure := range []fake.ExecFailure{fake.ExecFailureStatus, fake.ExecFailureMalformed} {
		t.Run(string(failure), func(t *testing.T) {
			executor, _ := newTestExecutor(t, &fake.Config{ExecFailure: failure})

			result, err := executor.Execute(context.Background(), &Request{Instance: "web", Command: ShellString("true")}, false)
			require.NoError(t, err)
			assert.True(t, result.Changed)
			assert.Equal(t, 1, result.RC)
			assert.True(t, result.Failed())
			assert.NotEmpty(t, result.Stderr)
		})
	}
}

func TestRemoteFailureDetail(t *testing.T) {
	executor, _ := newTestExecutor(t, &fake.Config{ExecFailure: fake.ExecFailureStatus})

	result, err := executor.Execute(context.Background(), &Request{Instance: "web", Command: ShellString("true")}, false)
	require.NoError(t, err)
	assert.Contains(t, result.Stderr, "API call failed: ")
	assert.Contains(t, result.Stderr, "exec failed")
}

type unreachable struct{}

func (unreachable) FindInstance(context.Context, string) (*api.Instance, error) {
	return &api.Instance{ID: "1", Name: "web", Status: api.StatusRunning}, nil
}

func (unreachable) Exec(context.Context, api.InstanceID, *api.ExecRequest) (*api.ExecResponse, error) {
	return nil, errors.NewTransport("exec command", fmt.Errorf("dial tcp 10.0.0.5:443: connect: connection refused"))
}

func TestTransportFailure(t *testing.T) {
	result, err := NewExecutor(unreachable{}).Execute(context.Background(), &Request{Instance: "web", Command: ShellString("true")}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, result.RC)
	assert.Contains(t, result.Stderr, "connection refused")
}

func TestExecuteUnknownInstance(t *testing.T) {
	executor, server := newTestExecutor(t, nil)

	_, err := executor.Execute(context.Background(), &Request{Instance: "ghost", Command: ShellString("true")}, false)
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
	assert.Equal(t, "Instance 'ghost' not found", err.Error())
	assert.Empty(t, server.ExecHistory())
}

func TestExecuteRejectsInvalidRequests(t *testing.T) {
	executor := NewExecutor(unreachable{})

	_, err := executor.Execute(context.Background(), &Request{Instance: "web"}, false)
	assert.True(t, errors.IsInvalidSpec(err))

	_, err = executor.Execute(context.Background(), &Request{Command: ShellString("true")}, false)
	assert.True(t, errors.IsInvalidSpec(err))

	_, err = executor.Execute(context.Background(), &Request{Instance: "web", Command: Argv(), Timeout: 5}, false)
	assert.True(t, errors.IsInvalidSpec(err))
}
