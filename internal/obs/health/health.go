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

// Package health runs preflight checks against a TrueNAS appliance.
package health

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/projectbeskar/truenas-incus/internal/util/closer"
)

// Status represents the health status of a check
type Status string

const (
	// StatusHealthy indicates the check passed
	StatusHealthy Status = "healthy"
	// StatusUnhealthy indicates the check failed
	StatusUnhealthy Status = "unhealthy"
	// StatusSkipped indicates an earlier failure made the check pointless
	StatusSkipped Status = "skipped"
)

// Check represents a health check function
type Check func(ctx context.Context) error

// CheckResult represents the result of a health check
type CheckResult struct {
	Name     string        `json:"name" yaml:"name"`
	Status   Status        `json:"status" yaml:"status"`
	Message  string        `json:"message,omitempty" yaml:"message,omitempty"`
	Duration time.Duration `json:"duration" yaml:"duration"`
}

// Report is the outcome of running every check
type Report struct {
	Status Status         `json:"status" yaml:"status"`
	Checks []*CheckResult `json:"checks" yaml:"checks"`
}

type namedCheck struct {
	name  string
	check Check
}

// Checker runs checks in registration order. A failing check skips the
// ones after it, since each builds on the previous.
type Checker struct {
	checks  []namedCheck
	timeout time.Duration
}

// NewChecker creates a checker with a per-check timeout
func NewChecker(timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Checker{timeout: timeout}
}

// Register appends a named check
func (c *Checker) Register(name string, check Check) {
	c.checks = append(c.checks, namedCheck{name: name, check: check})
}

// Run executes the checks and summarizes them
func (c *Checker) Run(ctx context.Context) *Report {
	report := &Report{Status: StatusHealthy, Checks: make([]*CheckResult, 0, len(c.checks))}

	for _, nc := range c.checks {
		result := &CheckResult{Name: nc.name}
		report.Checks = append(report.Checks, result)

		if report.Status != StatusHealthy {
			result.Status = StatusSkipped
			continue
		}

		checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
		start := time.Now()
		err := nc.check(checkCtx)
		result.Duration = time.Since(start)
		cancel()

		if err != nil {
			result.Status = StatusUnhealthy
			result.Message = err.Error()
			report.Status = StatusUnhealthy
			continue
		}
		result.Status = StatusHealthy
	}

	return report
}

// Healthy reports whether every check passed
func (r *Report) Healthy() bool {
	return r.Status == StatusHealthy
}

// TCPCheck creates a health check that dials the host of an API endpoint
func TCPCheck(endpoint string) Check {
	return func(ctx context.Context) error {
		addr, err := hostPort(endpoint)
		if err != nil {
			return err
		}

		conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", addr)
		if err != nil {
			return fmt.Errorf("failed to connect to %s: %w", addr, err)
		}
		closer.CloseQuietlyWithoutLogger(conn)
		return nil
	}
}

// FunctionCheck creates a health check from a simple function
func FunctionCheck(fn func() error) Check {
	return func(ctx context.Context) error {
		return fn()
	}
}

func hostPort(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid endpoint %q: no host", endpoint)
	}

	port := u.Port()
	if port == "" {
		port = "443"
		if u.Scheme == "http" {
			port = "80"
		}
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}
