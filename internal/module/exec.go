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

package module

import (
	"context"
	"encoding/json"

	"github.com/projectbeskar/truenas-incus/internal/command"
	"github.com/projectbeskar/truenas-incus/internal/truenas/errors"
)

// ExecArgs are the parameters of the exec module
type ExecArgs struct {
	Name        string           `json:"name"`
	Command     *command.Command `json:"command"`
	Creates     string           `json:"creates"`
	Removes     string           `json:"removes"`
	Chdir       string           `json:"chdir"`
	Timeout     *Int             `json:"timeout"`
	Environment StringMap        `json:"environment"`
}

// Request converts the arguments to an executor request
func (a *ExecArgs) Request() (*command.Request, error) {
	if a.Name == "" {
		return nil, errors.NewInvalidSpec("name is required")
	}
	if a.Command == nil {
		return nil, errors.NewInvalidSpec("command is required")
	}

	timeout := command.DefaultTimeout
	if a.Timeout != nil {
		timeout = int(*a.Timeout)
	}

	return &command.Request{
		Instance:    a.Name,
		Command:     *a.Command,
		Creates:     a.Creates,
		Removes:     a.Removes,
		Chdir:       a.Chdir,
		Timeout:     timeout,
		Environment: a.Environment,
	}, nil
}

// RunExec is the Handler of the exec module
func RunExec(ctx context.Context, rt *Runtime, data []byte, common *CommonArgs) (Response, error) {
	var args ExecArgs
	if err := json.Unmarshal(data, &args); err != nil {
		return nil, errors.NewInvalidSpec("invalid module arguments: %v", err)
	}

	req, err := args.Request()
	if err != nil {
		return nil, err
	}

	result, err := command.NewExecutor(rt.Client).Execute(ctx, req, common.CheckMode)
	if err != nil {
		return nil, err
	}

	resp := Response{
		"changed": result.Changed,
		"stdout":  result.Stdout,
		"stderr":  result.Stderr,
		"rc":      result.RC,
		"failed":  result.Failed(),
	}
	if result.Msg != "" {
		resp["msg"] = result.Msg
	}
	return resp, nil
}
