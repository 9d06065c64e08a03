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

// Package reconcile drives one Incus instance towards a desired lifecycle
// state through the TrueNAS API.
package reconcile

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	"github.com/projectbeskar/truenas-incus/internal/obs/logging"
	"github.com/projectbeskar/truenas-incus/internal/obs/metrics"
	"github.com/projectbeskar/truenas-incus/internal/obs/tracing"
	"github.com/projectbeskar/truenas-incus/internal/truenas/api"
	"github.com/projectbeskar/truenas-incus/internal/truenas/errors"
	"github.com/projectbeskar/truenas-incus/internal/wait"
)

const (
	// DefaultTimeout bounds the state wait after a power operation
	DefaultTimeout = 60 * time.Second

	// DefaultPollInterval is the state wait interval
	DefaultPollInterval = 2 * time.Second

	// autostartKey makes a freshly created instance start immediately
	autostartKey = "boot.autostart"
)

// InstanceAPI is the subset of the TrueNAS client the reconciler needs
type InstanceAPI interface {
	FindInstance(ctx context.Context, name string) (*api.Instance, error)
	CreateInstance(ctx context.Context, req *api.CreateRequest) (*api.Instance, error)
	DeleteInstance(ctx context.Context, id api.InstanceID) error
	StartInstance(ctx context.Context, id api.InstanceID) error
	StopInstance(ctx context.Context, id api.InstanceID) error
	RestartInstance(ctx context.Context, id api.InstanceID) error
}

// Options controls a single reconcile
type Options struct {
	// Timeout bounds the state wait; zero means DefaultTimeout
	Timeout time.Duration
	// CheckMode reports the change without making it
	CheckMode bool
}

// Result is the outcome of a reconcile
type Result struct {
	Changed bool
	// Instance is the created or observed record; nil when there is none
	Instance *api.Instance
}

// Reconciler converges instances to a desired State
type Reconciler struct {
	client       InstanceAPI
	clock        clock.Clock
	pollInterval time.Duration
	logger       *logr.Logger
}

// Option configures a Reconciler
type Option func(*Reconciler)

// WithClock substitutes the clock used by the state wait
func WithClock(clk clock.Clock) Option {
	return func(r *Reconciler) {
		r.clock = clk
	}
}

// WithPollInterval overrides DefaultPollInterval
func WithPollInterval(interval time.Duration) Option {
	return func(r *Reconciler) {
		if interval > 0 {
			r.pollInterval = interval
		}
	}
}

// WithLogger sets a logger used when the context carries none
func WithLogger(logger logr.Logger) Option {
	return func(r *Reconciler) {
		r.logger = &logger
	}
}

// New creates a Reconciler on top of client
func New(client InstanceAPI, opts ...Option) *Reconciler {
	r := &Reconciler{
		client:       client,
		clock:        clock.RealClock{},
		pollInterval: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reconcile looks the instance up by name and performs the operations that
// move it to desired. Check mode performs only the lookup.
func (r *Reconciler) Reconcile(ctx context.Context, spec *InstanceSpec, desired State, opts Options) (result *Result, err error) {
	if err := spec.Validate(desired); err != nil {
		return nil, err
	}
	spec = spec.Defaulted()
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}

	if _, ctxErr := logr.FromContext(ctx); ctxErr != nil && r.logger != nil {
		ctx = logging.NewContext(ctx, *r.logger)
	}
	ctx = logging.WithInstance(logging.WithOperation(ctx, "reconcile"), spec.Name)
	logger := logging.FromContext(ctx).WithValues("state", string(desired), "checkMode", opts.CheckMode)

	ctx, span := tracing.StartReconcileSpan(ctx, spec.Name, string(desired), opts.CheckMode)
	defer span.End()

	defer func() {
		outcome := metrics.OutcomeUnchanged
		switch {
		case err != nil:
			outcome = metrics.OutcomeFailed
			tracing.RecordError(span, err)
		case opts.CheckMode && result.Changed:
			outcome = metrics.OutcomeCheckMode
		case result.Changed:
			outcome = metrics.OutcomeChanged
		}
		metrics.RecordReconcile(string(desired), outcome)
		if result != nil {
			span.SetAttributes(tracing.AttrChanged.Bool(result.Changed))
		}
	}()

	current, err := r.client.FindInstance(ctx, spec.Name)
	if err != nil {
		return nil, err
	}
	if current != nil {
		span.SetAttributes(tracing.AttrInstanceID.String(string(current.ID)))
		logger = logger.WithValues("id", string(current.ID), "status", current.Status)
	}
	logger.V(1).Info("Resolved instance", "exists", current != nil)

	switch desired {
	case StatePresent:
		return r.ensurePresent(ctx, logger, spec, current, opts)
	case StateAbsent:
		return r.ensureAbsent(ctx, logger, current, opts)
	case StateStarted:
		return r.ensurePower(ctx, logger, spec.Name, current, api.StatusRunning, r.client.StartInstance, opts)
	case StateStopped:
		return r.ensurePower(ctx, logger, spec.Name, current, api.StatusStopped, r.client.StopInstance, opts)
	default:
		return r.restart(ctx, logger, spec.Name, current, opts)
	}
}

func (r *Reconciler) ensurePresent(ctx context.Context, logger logr.Logger, spec *InstanceSpec, current *api.Instance, opts Options) (*Result, error) {
	if current != nil {
		// Existing instances are left alone; configuration drift is not corrected.
		return &Result{Changed: false, Instance: current}, nil
	}
	if opts.CheckMode {
		logger.Info("Instance would be created")
		return &Result{Changed: true}, nil
	}

	created, err := r.client.CreateInstance(ctx, spec.CreateRequest())
	if err != nil {
		return nil, err
	}
	if created.ID == "" {
		// Some releases answer with a job reference instead of the record.
		if found, findErr := r.client.FindInstance(ctx, spec.Name); findErr == nil && found != nil {
			created = found
		}
	}
	logger.Info("Created instance", "id", string(created.ID))

	if spec.Config[autostartKey] == "true" {
		if created.ID == "" {
			return nil, errors.NewRemoteCall("start instance", 0, "created instance has no id")
		}
		if err := r.client.StartInstance(ctx, created.ID); err != nil && !errors.IsConflict(err) {
			return nil, err
		}
		logger.Info("Started instance after creation", "id", string(created.ID))
	}

	return &Result{Changed: true, Instance: created}, nil
}

func (r *Reconciler) ensureAbsent(ctx context.Context, logger logr.Logger, current *api.Instance, opts Options) (*Result, error) {
	if current == nil {
		return &Result{Changed: false}, nil
	}
	if opts.CheckMode {
		logger.Info("Instance would be deleted")
		return &Result{Changed: true}, nil
	}

	if err := r.client.StopInstance(ctx, current.ID); err != nil && !errors.IsConflict(err) {
		return nil, err
	}
	if err := r.client.DeleteInstance(ctx, current.ID); err != nil {
		return nil, err
	}
	logger.Info("Deleted instance")

	return &Result{Changed: true}, nil
}

type powerFunc func(ctx context.Context, id api.InstanceID) error

func (r *Reconciler) ensurePower(ctx context.Context, logger logr.Logger, name string, current *api.Instance, status string, power powerFunc, opts Options) (*Result, error) {
	if current == nil {
		return nil, errors.NewNotFound(name)
	}
	if current.HasStatus(status) {
		return &Result{Changed: false, Instance: current}, nil
	}
	if opts.CheckMode {
		logger.Info("Instance status would change", "target", status)
		return &Result{Changed: true, Instance: current}, nil
	}

	if err := power(ctx, current.ID); err != nil {
		if !errors.IsConflict(err) {
			return nil, err
		}
		logger.V(1).Info("Instance already in target status", "target", status)
	}

	if err := r.waitForStatus(ctx, logger, name, status, opts.Timeout); err != nil {
		return nil, err
	}

	return &Result{Changed: true, Instance: current}, nil
}

func (r *Reconciler) restart(ctx context.Context, logger logr.Logger, name string, current *api.Instance, opts Options) (*Result, error) {
	if current == nil {
		return nil, errors.NewNotFound(name)
	}
	if opts.CheckMode {
		logger.Info("Instance would be restarted")
		return &Result{Changed: true, Instance: current}, nil
	}

	if err := r.client.RestartInstance(ctx, current.ID); err != nil {
		return nil, err
	}

	if err := r.waitForStatus(ctx, logger, name, api.StatusRunning, opts.Timeout); err != nil {
		return nil, err
	}

	return &Result{Changed: true, Instance: current}, nil
}

// waitForStatus polls the lookup until status is reported. Expiry is logged
// and otherwise ignored; lookup failures count as not yet converged.
func (r *Reconciler) waitForStatus(ctx context.Context, logger logr.Logger, name, status string, timeout time.Duration) error {
	ctx, span := tracing.StartSpan(ctx, tracing.SpanStateWait)
	defer span.End()

	start := r.clock.Now()
	converged, err := wait.Until(ctx, r.clock, r.pollInterval, timeout, func(ctx context.Context) (bool, error) {
		inst, err := r.client.FindInstance(ctx, name)
		if err != nil {
			logger.V(1).Info("Lookup failed while waiting", "error", err.Error())
			return false, nil
		}
		return inst.HasStatus(status), nil
	})
	metrics.RecordStateWait(status, converged, r.clock.Since(start))
	if err != nil {
		tracing.RecordError(span, err)
		return err
	}

	if !converged {
		logger.Info("Instance did not reach status before timeout", "target", status, "timeout", timeout.String())
	}
	return nil
}
