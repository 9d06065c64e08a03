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
	"strings"
	"time"

	"github.com/projectbeskar/truenas-incus/internal/obs/logging"
	"github.com/projectbeskar/truenas-incus/internal/reconcile"
	"github.com/projectbeskar/truenas-incus/internal/truenas/api"
	"github.com/projectbeskar/truenas-incus/internal/truenas/errors"
)

// InstanceArgs are the parameters of the instance module
type InstanceArgs struct {
	Name    string               `json:"name"`
	State   string               `json:"state"`
	Type    string               `json:"type"`
	Source  *api.Source          `json:"source"`
	Config  StringMap            `json:"config"`
	Devices map[string]StringMap `json:"devices"`
	// WaitForIPv4 is accepted for compatibility and has no effect
	WaitForIPv4 Bool `json:"wait_for_ipv4"`
	// Timeout in seconds
	Timeout *Int `json:"timeout"`
}

// Spec converts the arguments to a reconcile request
func (a *InstanceArgs) Spec() (*reconcile.InstanceSpec, reconcile.State, time.Duration, error) {
	if a.Name == "" {
		return nil, "", 0, errors.NewInvalidSpec("name is required")
	}

	state, err := reconcile.ParseState(a.State)
	if err != nil {
		return nil, "", 0, err
	}

	timeout := reconcile.DefaultTimeout
	if a.Timeout != nil {
		if *a.Timeout < 0 {
			return nil, "", 0, errors.NewInvalidSpec("timeout must not be negative, got %d", *a.Timeout)
		}
		timeout = time.Duration(*a.Timeout) * time.Second
	}

	spec := &reconcile.InstanceSpec{
		Name:   a.Name,
		Kind:   api.InstanceKind(strings.ToUpper(a.Type)),
		Source: a.Source,
		Config: a.Config,
	}
	if a.Devices != nil {
		spec.Devices = make(map[string]api.Device, len(a.Devices))
		for name, dev := range a.Devices {
			spec.Devices[name] = api.Device(dev)
		}
	}
	return spec, state, timeout, nil
}

// RunInstance is the Handler of the instance module
func RunInstance(ctx context.Context, rt *Runtime, data []byte, common *CommonArgs) (Response, error) {
	var args InstanceArgs
	if err := json.Unmarshal(data, &args); err != nil {
		return nil, errors.NewInvalidSpec("invalid module arguments: %v", err)
	}

	spec, state, timeout, err := args.Spec()
	if err != nil {
		return nil, err
	}

	var warnings []string
	if args.WaitForIPv4 {
		warnings = append(warnings, "wait_for_ipv4 is not implemented and was ignored")
		logging.FromContext(ctx).Info("Ignoring wait_for_ipv4")
	}

	reconciler := reconcile.New(rt.Client, reconcile.WithPollInterval(rt.Config.API.PollInterval))
	result, err := reconciler.Reconcile(ctx, spec, state, reconcile.Options{
		Timeout:   timeout,
		CheckMode: common.CheckMode,
	})
	if err != nil {
		return nil, err
	}

	resp := Response{
		"changed":  result.Changed,
		"instance": instanceView(result.Instance),
	}
	if len(warnings) > 0 {
		resp["warnings"] = warnings
	}
	return resp, nil
}

// instanceView renders a missing instance as an empty object
func instanceView(inst *api.Instance) interface{} {
	if inst == nil {
		return map[string]interface{}{}
	}
	return inst
}
