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

// Package module implements the Ansible binary module protocol for the
// instance and exec modules.
package module

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// CommonArgs are accepted by every module
type CommonArgs struct {
	APIURL    string `json:"api_url"`
	APIKey    string `json:"api_key"`
	CheckMode bool   `json:"_ansible_check_mode"`
	// ValidateCerts follows the Ansible convention; unset keeps the configured value
	ValidateCerts *Bool `json:"validate_certs"`
}

// Connection returns the connection overrides carried by the arguments
func (a *CommonArgs) Connection() Connection {
	conn := Connection{URL: a.APIURL, Key: a.APIKey}
	if a.ValidateCerts != nil {
		insecure := !bool(*a.ValidateCerts)
		conn.Insecure = &insecure
	}
	return conn
}

// Response is the single JSON document a module prints
type Response map[string]interface{}

// Handler runs one module invocation against the decoded arguments file
type Handler func(ctx context.Context, rt *Runtime, args []byte, common *CommonArgs) (Response, error)

// Main is the entry point of a binary module: it reads the arguments file
// named by argv[1], runs handler and writes one JSON document to stdout.
// The return value is the process exit code.
func Main(argv []string, stdout io.Writer, service string, handler Handler) int {
	if len(argv) < 2 {
		return fail(stdout, fmt.Errorf("usage: %s <args-file>", service))
	}

	data, err := os.ReadFile(argv[1])
	if err != nil {
		return fail(stdout, fmt.Errorf("failed to read module arguments: %w", err))
	}

	return Run(context.Background(), data, stdout, service, handler)
}

// Run executes handler for the raw arguments document
func Run(ctx context.Context, data []byte, stdout io.Writer, service string, handler Handler) int {
	var common CommonArgs
	if err := json.Unmarshal(data, &common); err != nil {
		return fail(stdout, fmt.Errorf("module arguments must be a JSON object: %w", err))
	}

	rt, ctx, err := NewRuntime(ctx, service, "", common.Connection())
	if err != nil {
		return fail(stdout, err)
	}
	defer rt.Close()

	resp, err := handler(ctx, rt, data, &common)
	if err != nil {
		rt.Logger.Error(err, "Module failed")
		return fail(stdout, err)
	}

	if err := write(stdout, resp); err != nil {
		return 1
	}
	if failed, _ := resp["failed"].(bool); failed {
		return 1
	}
	return 0
}

func fail(stdout io.Writer, err error) int {
	_ = write(stdout, Response{"failed": true, "changed": false, "msg": err.Error()})
	return 1
}

func write(w io.Writer, resp Response) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return enc.Encode(resp)
}

// Bool accepts JSON booleans and the strings Ansible treats as booleans
type Bool bool

// UnmarshalJSON implements json.Unmarshaler
func (b *Bool) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if string(data) == "null" {
		return nil
	}
	if len(data) > 0 && data[0] != '"' {
		var v bool
		if err := json.Unmarshal(data, &v); err != nil {
			return fmt.Errorf("expected a boolean, got %s", data)
		}
		*b = Bool(v)
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch strings.ToLower(s) {
	case "yes", "on", "true", "1", "y", "t":
		*b = true
	case "no", "off", "false", "0", "n", "f", "":
		*b = false
	default:
		return fmt.Errorf("expected a boolean, got %q", s)
	}
	return nil
}

// Int accepts JSON numbers and numeric strings
type Int int

// UnmarshalJSON implements json.Unmarshaler
func (i *Int) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if string(data) == "null" {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		data = []byte(strings.TrimSpace(s))
	}

	n, err := strconv.Atoi(string(data))
	if err != nil {
		return fmt.Errorf("expected an integer, got %s", data)
	}
	*i = Int(n)
	return nil
}

// StringMap is a dict parameter whose values may be written as YAML
// scalars. Numbers keep their literal text and booleans become "true" or
// "false"; null values are dropped.
type StringMap map[string]string

// UnmarshalJSON implements json.Unmarshaler
func (m *StringMap) UnmarshalJSON(data []byte) error {
	if string(bytes.TrimSpace(data)) == "null" {
		return nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("expected a mapping, got %s", data)
	}

	out := make(StringMap, len(raw))
	for key, value := range raw {
		s, ok, err := scalarString(value)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		if ok {
			out[key] = s
		}
	}
	*m = out
	return nil
}

// scalarString renders a JSON scalar as a string. ok is false for null.
func scalarString(value json.RawMessage) (string, bool, error) {
	value = bytes.TrimSpace(value)
	if len(value) == 0 {
		return "", false, nil
	}

	switch value[0] {
	case '"':
		var s string
		if err := json.Unmarshal(value, &s); err != nil {
			return "", false, err
		}
		return s, true, nil
	case '{', '[':
		return "", false, fmt.Errorf("expected a scalar value, got %s", value)
	}

	lit := string(value)
	switch lit {
	case "null":
		return "", false, nil
	case "true", "false":
		return lit, true, nil
	}

	var n json.Number
	if err := json.Unmarshal(value, &n); err != nil {
		return "", false, fmt.Errorf("expected a scalar value, got %s", value)
	}
	return n.String(), true, nil
}
