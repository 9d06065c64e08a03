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

package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// InstanceKind is the Incus instance type
type InstanceKind string

const (
	KindContainer InstanceKind = "CONTAINER"
	KindVM        InstanceKind = "VM"
)

// SourceType selects where a new instance comes from
type SourceType string

const (
	SourceImage     SourceType = "IMAGE"
	SourceMigration SourceType = "MIGRATION"
	SourceCopy      SourceType = "COPY"
	SourceNone      SourceType = "NONE"
)

// DefaultImageServer is used when an image source names no server
const DefaultImageServer = "https://images.linuxcontainers.org"

// Instance status labels reported by the list endpoint
const (
	StatusRunning = "Running"
	StatusStopped = "Stopped"
)

// InstanceID is the opaque identifier assigned by the appliance. Some
// releases report it as a number, others as a string.
type InstanceID string

// UnmarshalJSON accepts both JSON strings and numbers.
func (id *InstanceID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = InstanceID(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("instance id must be a string or number: %w", err)
	}
	*id = InstanceID(n.String())
	return nil
}

// Instance represents an Incus instance as reported by /virt/instance
type Instance struct {
	ID     InstanceID   `json:"id" yaml:"id"`
	Name   string       `json:"name" yaml:"name"`
	Status string       `json:"status" yaml:"status"`
	Kind   InstanceKind `json:"type" yaml:"type"`
}

// HasStatus compares the reported status case-insensitively; appliances
// differ on "Running" versus "RUNNING".
func (i *Instance) HasStatus(status string) bool {
	return i != nil && strings.EqualFold(i.Status, status)
}

// Source describes the origin of a new instance
type Source struct {
	Type   SourceType `json:"type,omitempty" yaml:"type,omitempty"`
	Alias  string     `json:"alias,omitempty" yaml:"alias,omitempty"`
	Server string     `json:"server,omitempty" yaml:"server,omitempty"`
}

// Device is one entry of the devices mapping (disk, nic, proxy, ...)
type Device map[string]string

// CreateRequest is the body of POST /virt/instance
type CreateRequest struct {
	Name    string            `json:"name"`
	Kind    InstanceKind      `json:"type"`
	Source  *Source           `json:"source,omitempty"`
	Config  map[string]string `json:"config,omitempty"`
	Devices map[string]Device `json:"devices,omitempty"`
}

// ExecRequest is the body of POST /virt/instance/{id}/exec
type ExecRequest struct {
	Command          []string          `json:"command"`
	WaitForWebsocket bool              `json:"wait_for_websocket"`
	Interactive      bool              `json:"interactive"`
	Timeout          int               `json:"timeout"`
	Environment      map[string]string `json:"environment,omitempty"`
}

// ExecResponse is the result of a non-interactive exec
type ExecResponse struct {
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
	Return int    `json:"return"`
}
