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

// Package api is a client for the TrueNAS SCALE virt/instance REST API.
package api

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/projectbeskar/truenas-incus/internal/obs/logging"
	"github.com/projectbeskar/truenas-incus/internal/obs/metrics"
	"github.com/projectbeskar/truenas-incus/internal/obs/tracing"
	"github.com/projectbeskar/truenas-incus/internal/truenas/errors"
	"github.com/projectbeskar/truenas-incus/internal/util/closer"
	"github.com/projectbeskar/truenas-incus/internal/version"
)

// maxErrorBody caps how much of a failed response is kept in an error
const maxErrorBody = 64 << 10

// execTimeoutSlack is added to the command timeout for the HTTP round trip
const execTimeoutSlack = 10 * time.Second

// Config holds the TrueNAS API client configuration
type Config struct {
	// Endpoint is the API root, e.g. https://nas.local/api/v2.0
	Endpoint           string
	APIKey             string
	InsecureSkipVerify bool
	RequestTimeout     time.Duration
	// HTTPClient replaces the default client; used to substitute transports
	HTTPClient *http.Client
}

// Client represents a TrueNAS API client
type Client struct {
	config     *Config
	httpClient *http.Client
	baseURL    *url.URL
}

// NewClient creates a new TrueNAS API client
func NewClient(config *Config) (*Client, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}

	baseURL, err := url.Parse(strings.TrimRight(config.Endpoint, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint URL: %w", err)
	}
	if baseURL.Scheme != "http" && baseURL.Scheme != "https" {
		return nil, fmt.Errorf("invalid endpoint URL %q: scheme must be http or https", config.Endpoint)
	}

	if config.RequestTimeout == 0 {
		config.RequestTimeout = 30 * time.Second
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		// Request deadlines come from contexts so exec can outlive RequestTimeout.
		httpClient = &http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				TLSClientConfig: &tls.Config{
					InsecureSkipVerify: config.InsecureSkipVerify, //nolint:gosec // appliances use self-signed certificates
				},
			},
		}
	}

	return &Client{
		config:     config,
		httpClient: httpClient,
		baseURL:    baseURL,
	}, nil
}

// Config returns the client configuration
func (c *Client) Config() *Config {
	return c.config
}

// request makes an HTTP request to the TrueNAS API
func (c *Client) request(ctx context.Context, method string, body interface{}, segments ...string) (*http.Response, error) {
	var reqBody io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(jsonData)
	}

	reqURL := c.baseURL.JoinPath(segments...)
	req, err := http.NewRequestWithContext(ctx, method, reqURL.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	return c.httpClient.Do(req)
}

// call performs one API round trip. The response is decoded into out when
// out is non-nil and the status is one of accepted; any other status is a
// RemoteCall error.
func (c *Client) call(ctx context.Context, operation, method string, timeout time.Duration, body, out interface{}, accepted []int, segments ...string) error {
	ctx, span := tracing.StartAPISpan(ctx, operation, method)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	logger := logging.FromContext(ctx).WithValues("operation", operation)
	start := time.Now()

	resp, err := c.request(ctx, method, body, segments...)
	if err != nil {
		metrics.RecordAPIRequest(operation, method, 0, time.Since(start))
		tracing.RecordError(span, err)
		logger.V(1).Info("API request failed", "error", logging.RedactString(err.Error()))
		return errors.NewTransport(operation, err)
	}
	defer closer.CloseQuietly(resp.Body, logger, "response body")

	metrics.RecordAPIRequest(operation, method, resp.StatusCode, time.Since(start))
	span.SetAttributes(tracing.AttrHTTPStatus.Int(resp.StatusCode))
	logger.V(1).Info("API request", "method", method, "status", resp.StatusCode, "duration", time.Since(start).String())

	if !statusIn(resp.StatusCode, accepted) {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		callErr := errors.NewRemoteCall(operation, resp.StatusCode, strings.TrimSpace(string(data)))
		tracing.RecordError(span, callErr)
		return callErr
	}

	if out == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		decodeErr := errors.NewTransport(operation, fmt.Errorf("failed to decode response: %w", err))
		tracing.RecordError(span, decodeErr)
		return decodeErr
	}

	return nil
}

// ListInstances retrieves every instance known to the appliance
func (c *Client) ListInstances(ctx context.Context) ([]Instance, error) {
	var instances []Instance
	err := c.call(ctx, "list instances", http.MethodGet, c.config.RequestTimeout, nil, &instances,
		[]int{http.StatusOK}, "virt", "instance")
	if err != nil {
		return nil, err
	}
	return instances, nil
}

// FindInstance returns the first instance named name, or nil when none is.
// There is no get-by-name endpoint, so this lists and filters.
func (c *Client) FindInstance(ctx context.Context, name string) (*Instance, error) {
	instances, err := c.ListInstances(ctx)
	if err != nil {
		return nil, err
	}

	for i := range instances {
		if instances[i].Name == name {
			return &instances[i], nil
		}
	}

	return nil, nil
}

// CreateInstance creates a new instance and returns the appliance's record
func (c *Client) CreateInstance(ctx context.Context, req *CreateRequest) (*Instance, error) {
	var instance Instance
	err := c.call(ctx, "create instance", http.MethodPost, c.config.RequestTimeout, req, &instance,
		[]int{http.StatusOK, http.StatusCreated}, "virt", "instance")
	if err != nil {
		return nil, err
	}
	return &instance, nil
}

// DeleteInstance deletes an instance
func (c *Client) DeleteInstance(ctx context.Context, id InstanceID) error {
	return c.call(ctx, "delete instance", http.MethodDelete, c.config.RequestTimeout, nil, nil,
		[]int{http.StatusOK, http.StatusNoContent}, "virt", "instance", string(id))
}

// StartInstance starts an instance. A 409 answer (already running) is
// returned as a RemoteCall error that errors.IsConflict recognizes.
func (c *Client) StartInstance(ctx context.Context, id InstanceID) error {
	return c.powerOperation(ctx, id, "start")
}

// StopInstance stops an instance. A 409 answer means already stopped.
func (c *Client) StopInstance(ctx context.Context, id InstanceID) error {
	return c.powerOperation(ctx, id, "stop")
}

// RestartInstance restarts an instance
func (c *Client) RestartInstance(ctx context.Context, id InstanceID) error {
	return c.powerOperation(ctx, id, "restart")
}

// powerOperation performs a power operation on an instance
func (c *Client) powerOperation(ctx context.Context, id InstanceID, operation string) error {
	return c.call(ctx, operation+" instance", http.MethodPost, c.config.RequestTimeout, nil, nil,
		[]int{http.StatusOK, http.StatusAccepted}, "virt", "instance", string(id), operation)
}

// Exec runs a non-interactive command inside an instance and waits for it.
// The HTTP deadline is the command timeout plus a fixed slack.
func (c *Client) Exec(ctx context.Context, id InstanceID, req *ExecRequest) (*ExecResponse, error) {
	timeout := time.Duration(req.Timeout)*time.Second + execTimeoutSlack

	var result ExecResponse
	err := c.call(ctx, "exec command", http.MethodPost, timeout, req, &result,
		[]int{http.StatusOK}, "virt", "instance", string(id), "exec")
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func statusIn(code int, accepted []int) bool {
	for _, a := range accepted {
		if code == a {
			return true
		}
	}
	return false
}
