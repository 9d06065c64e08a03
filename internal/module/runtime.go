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
	"fmt"

	"github.com/go-logr/logr"

	"github.com/projectbeskar/truenas-incus/internal/config"
	"github.com/projectbeskar/truenas-incus/internal/obs/logging"
	"github.com/projectbeskar/truenas-incus/internal/obs/metrics"
	"github.com/projectbeskar/truenas-incus/internal/obs/tracing"
	"github.com/projectbeskar/truenas-incus/internal/truenas/api"
	"github.com/projectbeskar/truenas-incus/internal/version"
)

// Connection holds per-invocation overrides of the configured API settings
type Connection struct {
	URL      string
	Key      string
	Insecure *bool
}

// Runtime is the process-wide state shared by the modules and the CLI
type Runtime struct {
	Config *config.Config
	Logger logr.Logger
	Client *api.Client

	closers []func()
}

// NewRuntime loads configuration, applies conn on top of it and sets up
// logging, tracing and the API client. The returned context carries the
// logger and a fresh correlation ID. Close must be called before exit.
func NewRuntime(ctx context.Context, service, configPath string, conn Connection) (*Runtime, context.Context, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, ctx, err
	}
	if conn.URL != "" {
		cfg.API.URL = conn.URL
	}
	if conn.Key != "" {
		cfg.API.Key = conn.Key
	}
	if conn.Insecure != nil {
		cfg.API.InsecureSkipVerify = *conn.Insecure
	}
	if cfg.API.Key == "" {
		return nil, ctx, fmt.Errorf("api_key is required")
	}

	rt := &Runtime{Config: cfg}

	logger, flush, err := logging.New(&logging.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		Development: cfg.Log.Development,
	})
	if err != nil {
		return nil, ctx, err
	}
	rt.Logger = logger.WithName(service)
	rt.closers = append(rt.closers, flush)

	shutdown, err := tracing.Setup(ctx, &tracing.Config{
		Enabled:           cfg.Tracing.Enabled,
		Endpoint:          cfg.Tracing.Endpoint,
		ServiceName:       service,
		ServiceVersion:    version.Version,
		SamplingRatio:     cfg.Tracing.SamplingRatio,
		InsecureTransport: cfg.Tracing.InsecureTransport,
	})
	if err != nil {
		rt.Close()
		return nil, ctx, err
	}
	rt.closers = append(rt.closers, shutdown)

	metrics.SetBuildInfo(version.Version, version.GitSHA, service)
	textfile := cfg.Metrics.Textfile
	rt.closers = append(rt.closers, func() {
		if err := metrics.WriteTextfile(textfile); err != nil {
			rt.Logger.Error(err, "Failed to write metrics textfile", "path", textfile)
		}
	})

	rt.Client, err = api.NewClient(&api.Config{
		Endpoint:           cfg.API.URL,
		APIKey:             cfg.API.Key,
		InsecureSkipVerify: cfg.API.InsecureSkipVerify,
		RequestTimeout:     cfg.API.RequestTimeout,
	})
	if err != nil {
		rt.Close()
		return nil, ctx, err
	}

	ctx = logging.NewContext(ctx, rt.Logger)
	ctx = logging.WithCorrelationID(ctx, logging.NewCorrelationID())

	return rt, ctx, nil
}

// Close runs the shutdown hooks in reverse order
func (rt *Runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}
