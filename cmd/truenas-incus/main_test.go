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

package main

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v2"

	"github.com/projectbeskar/truenas-incus/internal/truenas/api"
	"github.com/projectbeskar/truenas-incus/internal/truenas/fake"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	t.Setenv("TRUENAS_INCUS_CONFIG", "")
	t.Setenv("TRUENAS_POLL_INTERVAL", "5ms")
	t.Setenv("LOG_LEVEL", "error")

	configPath, apiURL, apiKey, insecure, output = "", "", "", true, "table"

	var stdout, stderr bytes.Buffer
	root := newRootCommand()
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(args)

	err := root.Execute()
	return stdout.String(), err
}

func startServer(t *testing.T) (*fake.Server, string) {
	t.Helper()

	server, endpoint, closeServer, err := fake.StartFakeServer(&fake.Config{APIKey: "cli-key"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = closeServer() })
	return server, endpoint
}

func TestListOutputs(t *testing.T) {
	server, endpoint := startServer(t)
	server.AddInstance("web", "CONTAINER", "Running")
	server.AddInstance("db", "VM", "Stopped")

	out, err := execute(t, "list", "--api-url", endpoint, "--api-key", "cli-key")
	require.NoError(t, err)
	assert.Contains(t, out, "NAME")
	assert.Less(t, bytes.Index([]byte(out), []byte("db")), bytes.Index([]byte(out), []byte("web")))

	out, err = execute(t, "list", "-o", "json", "--api-url", endpoint, "--api-key", "cli-key")
	require.NoError(t, err)
	var listed []api.Instance
	require.NoError(t, json.Unmarshal([]byte(out), &listed))
	require.Len(t, listed, 2)
	assert.Equal(t, "db", listed[0].Name)

	out, err = execute(t, "list", "-o", "yaml", "--api-url", endpoint, "--api-key", "cli-key")
	require.NoError(t, err)
	var fromYAML []map[string]string
	require.NoError(t, yaml.Unmarshal([]byte(out), &fromYAML))
	assert.Equal(t, "VM", fromYAML[0]["type"])
}

func TestInstanceCommand(t *testing.T) {
	server, endpoint := startServer(t)

	out, err := execute(t, "instance", "pxe",
		"--image", "debian/12",
		"--set", "boot.autostart=true",
		"--device", "tftp=type=disk,source=/mnt/tank/tftp,path=/srv/tftp",
		"--api-url", endpoint, "--api-key", "cli-key")
	require.NoError(t, err)
	assert.Contains(t, out, "instance pxe changed")

	inst, ok := server.Instance("pxe")
	require.True(t, ok)
	assert.Equal(t, "Running", inst.Status)
	assert.Equal(t, "/srv/tftp", inst.Devices["tftp"]["path"])

	out, err = execute(t, "instance", "pxe", "--state", "absent", "--check", "--api-url", endpoint, "--api-key", "cli-key")
	require.NoError(t, err)
	assert.Contains(t, out, "would change")
	_, ok = server.Instance("pxe")
	assert.True(t, ok)
}

func TestExecCommand(t *testing.T) {
	server, endpoint := startServer(t)
	server.AddInstance("pxe", "CONTAINER", "Running")

	out, err := execute(t, "exec", "pxe", "--shell", "echo ready", "--api-url", endpoint, "--api-key", "cli-key")
	require.NoError(t, err)
	assert.Equal(t, "ready\n", out)

	_, err = execute(t, "exec", "pxe", "--api-url", endpoint, "--api-key", "cli-key", "--", "/bin/sh", "-c", "exit 3")
	var exit *exitError
	require.ErrorAs(t, err, &exit)
	assert.Equal(t, 3, exit.code)

	_, err = execute(t, "exec", "pxe", "--api-url", endpoint, "--api-key", "cli-key")
	assert.ErrorContains(t, err, "a command is required")
}

func TestParseDevices(t *testing.T) {
	devices, err := parseDevices([]string{"eth0=type=nic,nictype=bridged,parent=br0"})
	require.NoError(t, err)
	assert.Equal(t, api.Device{"type": "nic", "nictype": "bridged", "parent": "br0"}, devices["eth0"])

	_, err = parseDevices([]string{"broken"})
	assert.Error(t, err)
	_, err = parseDevices([]string{"eth0=type"})
	assert.Error(t, err)
}

func TestHealthCommand(t *testing.T) {
	server, endpoint := startServer(t)
	server.AddInstance("pxe", "CONTAINER", "Stopped")

	out, err := execute(t, "health", "--api-url", endpoint, "--api-key", "cli-key")
	require.NoError(t, err)
	assert.Contains(t, out, "api")
	assert.Contains(t, out, "healthy")

	_, err = execute(t, "health", "--instance", "pxe", "--api-url", endpoint, "--api-key", "cli-key")
	var exit *exitError
	require.ErrorAs(t, err, &exit)

	_, err = execute(t, "health", "--api-url", endpoint, "--api-key", "wrong")
	require.ErrorAs(t, err, &exit)
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "truenas-incus version:")
}
