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

// Package command runs guarded commands inside Incus instances.
package command

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/alessio/shellescape"
	"github.com/go-logr/logr"

	"github.com/projectbeskar/truenas-incus/internal/obs/logging"
	"github.com/projectbeskar/truenas-incus/internal/obs/metrics"
	"github.com/projectbeskar/truenas-incus/internal/obs/tracing"
	"github.com/projectbeskar/truenas-incus/internal/truenas/api"
	"github.com/projectbeskar/truenas-incus/internal/truenas/errors"
)

const (
	// DefaultTimeout is the command timeout in seconds
	DefaultTimeout = 300

	// probeTimeout is the timeout in seconds of a guard probe
	probeTimeout = 10

	// MsgCheckMode is reported when check mode suppresses the command
	MsgCheckMode = "Command would be executed (check mode)"
)

// Guard names used in metrics and spans
const (
	GuardCreates = "creates"
	GuardRemoves = "removes"
)

// ExecAPI is the subset of the TrueNAS client the executor needs
type ExecAPI interface {
	FindInstance(ctx context.Context, name string) (*api.Instance, error)
	Exec(ctx context.Context, id api.InstanceID, req *api.ExecRequest) (*api.ExecResponse, error)
}

// Request describes one guarded command
type Request struct {
	// Instance is the instance name
	Instance string
	Command  Command
	// Creates skips the command when this path exists
	Creates string
	// Removes skips the command when this path is missing
	Removes string
	Chdir   string
	// Timeout in seconds; zero means DefaultTimeout
	Timeout     int
	Environment map[string]string
}

// Result is the outcome of a guarded command
type Result struct {
	Stdout  string `json:"stdout"`
	Stderr  string `json:"stderr"`
	RC      int    `json:"rc"`
	Changed bool   `json:"changed"`
	Msg     string `json:"msg,omitempty"`
}

// Failed reports whether the command ran and exited non-zero
func (r *Result) Failed() bool {
	return r.RC != 0
}

// Executor runs commands through the exec endpoint
type Executor struct {
	client ExecAPI
}

// NewExecutor creates an Executor on top of client
func NewExecutor(client ExecAPI) *Executor {
	return &Executor{client: client}
}

// Execute resolves the instance, evaluates the guards and runs the command.
// Only instance resolution and invalid requests return an error; exec
// failures are reported as rc=1 with the detail in Stderr.
func (e *Executor) Execute(ctx context.Context, req *Request, checkMode bool) (*Result, error) {
	if req.Instance == "" {
		return nil, errors.NewInvalidSpec("name is required")
	}
	if req.Command.IsZero() {
		return nil, errors.NewInvalidSpec("command must not be empty")
	}
	if req.Timeout < 0 {
		return nil, errors.NewInvalidSpec("timeout must not be negative, got %d", req.Timeout)
	}
	timeout := req.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	ctx = logging.WithInstance(logging.WithOperation(ctx, "exec"), req.Instance)
	logger := logging.FromContext(ctx)

	ctx, span := tracing.StartSpan(ctx, tracing.SpanExecute)
	defer span.End()
	span.SetAttributes(
		tracing.AttrInstanceName.String(req.Instance),
		tracing.AttrCheckMode.Bool(checkMode),
	)

	inst, err := e.client.FindInstance(ctx, req.Instance)
	if err != nil {
		metrics.RecordExec(metrics.OutcomeFailed)
		tracing.RecordError(span, err)
		return nil, err
	}
	if inst == nil {
		err := errors.NewNotFound(req.Instance)
		metrics.RecordExec(metrics.OutcomeFailed)
		tracing.RecordError(span, err)
		return nil, err
	}
	span.SetAttributes(tracing.AttrInstanceID.String(string(inst.ID)))

	if req.Creates != "" && e.pathExists(ctx, logger, inst.ID, GuardCreates, req.Creates) {
		return e.skip(GuardCreates, fmt.Sprintf("Path %s already exists, skipping command", req.Creates)), nil
	}
	if req.Removes != "" && !e.pathExists(ctx, logger, inst.ID, GuardRemoves, req.Removes) {
		return e.skip(GuardRemoves, fmt.Sprintf("Path %s does not exist, skipping command", req.Removes)), nil
	}

	if checkMode {
		metrics.RecordExec(metrics.OutcomeCheckMode)
		span.SetAttributes(tracing.AttrChanged.Bool(true))
		return &Result{Changed: true, Msg: MsgCheckMode}, nil
	}

	if req.Chdir != "" && !req.Command.IsShell() {
		logger.Info("chdir is ignored for argv commands; use a shell string to change directory", "chdir", req.Chdir)
	}

	argv := req.Command.Resolve(req.Chdir)
	logger.V(1).Info("Dispatching command", "command", logging.RedactString(shellescape.QuoteCommand(argv)),
		"environment", logging.RedactMap(req.Environment))

	result := e.run(ctx, inst.ID, &api.ExecRequest{
		Command:     argv,
		Timeout:     timeout,
		Environment: req.Environment,
	})
	result.Changed = true

	outcome := metrics.OutcomeChanged
	if result.Failed() {
		outcome = metrics.OutcomeFailed
	}
	metrics.RecordExec(outcome)
	span.SetAttributes(tracing.AttrReturnCode.Int(result.RC), tracing.AttrChanged.Bool(true))
	logger.Info("Command finished", "rc", result.RC)

	return result, nil
}

// pathExists runs the test -e probe. Any failure to run it counts as missing.
func (e *Executor) pathExists(ctx context.Context, logger logr.Logger, id api.InstanceID, guard, path string) bool {
	ctx, span := tracing.StartSpan(ctx, tracing.SpanGuardProbe)
	defer span.End()
	span.SetAttributes(tracing.AttrGuard.String(guard))

	probe := ShellString("test -e " + shellescape.Quote(path))
	result := e.run(ctx, id, &api.ExecRequest{
		Command: probe.Resolve(""),
		Timeout: probeTimeout,
	})
	span.SetAttributes(tracing.AttrReturnCode.Int(result.RC))
	logger.V(1).Info("Guard probe", "guard", guard, "path", path, "rc", result.RC)

	return result.RC == 0
}

func (e *Executor) skip(guard, msg string) *Result {
	metrics.RecordGuardSkip(guard)
	metrics.RecordExec(metrics.OutcomeSkipped)
	return &Result{Changed: false, RC: 0, Msg: msg}
}

// run dispatches one exec and folds every failure into rc=1
func (e *Executor) run(ctx context.Context, id api.InstanceID, req *api.ExecRequest) *Result {
	resp, err := e.client.Exec(ctx, id, req)
	if err != nil {
		return &Result{RC: 1, Stderr: failureDetail(err)}
	}
	return &Result{Stdout: resp.Stdout, Stderr: resp.Stderr, RC: resp.Return}
}

func failureDetail(err error) string {
	var apiErr *errors.Error
	if stderrors.As(err, &apiErr) && apiErr.Type == errors.ErrorTypeRemoteCall {
		return "API call failed: " + apiErr.Body
	}
	return err.Error()
}
