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

package metrics

import (
	"runtime"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds every collector of this package. Modules are one-shot
// processes, so the registry is exported to a node_exporter textfile
// instead of being scraped.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

var (
	// Build information
	buildInfo = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "truenas_incus_build_info",
			Help: "Build information for truenas-incus modules",
		},
		[]string{"version", "git_sha", "go_version", "component"},
	)

	apiRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "truenas_incus_api_requests_total",
			Help: "Total number of TrueNAS API requests by operation, method, and status code",
		},
		[]string{"operation", "method", "code"},
	)

	apiRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "truenas_incus_api_request_duration_seconds",
			Help:    "Latency of TrueNAS API requests by operation",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
		},
		[]string{"operation"},
	)

	reconcileTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "truenas_incus_reconcile_total",
			Help: "Total number of instance reconciliations by desired state and outcome",
		},
		[]string{"state", "outcome"},
	)

	stateWaitDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "truenas_incus_state_wait_duration_seconds",
			Help:    "Time spent waiting for an instance to reach a status",
			Buckets: prometheus.LinearBuckets(0, 10, 13), // 0s to 120s
		},
		[]string{"status", "converged"},
	)

	execTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "truenas_incus_exec_total",
			Help: "Total number of command executions by outcome",
		},
		[]string{"outcome"},
	)

	guardSkipsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "truenas_incus_guard_skips_total",
			Help: "Total number of command executions skipped by a guard",
		},
		[]string{"guard"},
	)
)

// Outcome labels
const (
	OutcomeChanged   = "changed"
	OutcomeUnchanged = "unchanged"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
	OutcomeCheckMode = "check_mode"
)

// SetBuildInfo records build information for a component
func SetBuildInfo(version, gitSHA, component string) {
	buildInfo.WithLabelValues(version, gitSHA, runtime.Version(), component).Set(1)
}

// RecordAPIRequest records one API round trip. A zero code means the request
// failed before a response arrived.
func RecordAPIRequest(operation, method string, code int, duration time.Duration) {
	codeLabel := "error"
	if code != 0 {
		codeLabel = strconv.Itoa(code)
	}
	apiRequestsTotal.WithLabelValues(operation, method, codeLabel).Inc()
	apiRequestDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordReconcile records the outcome of an instance reconciliation
func RecordReconcile(state, outcome string) {
	reconcileTotal.WithLabelValues(state, outcome).Inc()
}

// RecordStateWait records a status wait and whether it converged
func RecordStateWait(status string, converged bool, duration time.Duration) {
	stateWaitDuration.WithLabelValues(status, strconv.FormatBool(converged)).Observe(duration.Seconds())
}

// RecordExec records the outcome of a guarded command execution
func RecordExec(outcome string) {
	execTotal.WithLabelValues(outcome).Inc()
}

// RecordGuardSkip records a skip caused by the creates or removes guard
func RecordGuardSkip(guard string) {
	guardSkipsTotal.WithLabelValues(guard).Inc()
}

// WriteTextfile writes the registry in the node_exporter textfile format.
// It is a no-op when path is empty.
func WriteTextfile(path string) error {
	if path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, Registry)
}
