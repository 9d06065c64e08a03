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

package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	otrace "go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	// ServiceInstanceModule is the service name of the lifecycle module
	ServiceInstanceModule = "truenas-incus-instance"
	// ServiceExecModule is the service name of the exec module
	ServiceExecModule = "truenas-incus-exec"
	// ServiceCLI is the service name of the operator CLI
	ServiceCLI = "truenas-incus"

	tracerName = "github.com/projectbeskar/truenas-incus"
)

// Config holds tracing configuration
type Config struct {
	Enabled           bool
	Endpoint          string
	ServiceName       string
	ServiceVersion    string
	SamplingRatio     float64
	InsecureTransport bool
}

// Setup initializes OpenTelemetry tracing. The returned func flushes and
// shuts down the provider; it must run before the process exits or the
// batch of a one-shot module is lost.
func Setup(ctx context.Context, config *Config) (func(), error) {
	if !config.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func() {}, nil
	}

	if config.Endpoint == "" {
		return nil, fmt.Errorf("tracing endpoint is required when tracing is enabled")
	}

	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(config.Endpoint),
	}

	if config.InsecureTransport {
		opts = append(opts, otlptracegrpc.WithTLSCredentials(insecure.NewCredentials()))
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			attribute.String("service.namespace", "truenas-incus"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
		trace.WithSampler(trace.ParentBased(trace.TraceIDRatioBased(config.SamplingRatio))),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		// Errors here are not actionable; the module result is already decided.
		_ = tp.Shutdown(shutdownCtx)
	}, nil
}

// StartSpan starts a new span with the given name and options
func StartSpan(ctx context.Context, name string, opts ...otrace.SpanStartOption) (context.Context, otrace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

// RecordError records err on the span and marks it failed. nil is ignored.
func RecordError(span otrace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// Common attribute keys
var (
	AttrInstanceName = attribute.Key("instance.name")
	AttrInstanceID   = attribute.Key("instance.id")
	AttrDesiredState = attribute.Key("instance.desired_state")
	AttrOperation    = attribute.Key("operation")
	AttrChanged      = attribute.Key("changed")
	AttrCheckMode    = attribute.Key("check_mode")
	AttrHTTPMethod   = attribute.Key("http.method")
	AttrHTTPStatus   = attribute.Key("http.status_code")
	AttrReturnCode   = attribute.Key("exec.return_code")
	AttrGuard        = attribute.Key("exec.guard")
)

// Span names for common operations
const (
	SpanReconcile  = "instance.reconcile"
	SpanStateWait  = "instance.wait"
	SpanExecute    = "exec.execute"
	SpanGuardProbe = "exec.guard_probe"
	SpanAPIRequest = "truenas.api"
)

// StartReconcileSpan starts a span for one instance reconciliation
func StartReconcileSpan(ctx context.Context, name, desiredState string, checkMode bool) (context.Context, otrace.Span) {
	return StartSpan(ctx, SpanReconcile,
		otrace.WithAttributes(
			AttrInstanceName.String(name),
			AttrDesiredState.String(desiredState),
			AttrCheckMode.Bool(checkMode),
		),
	)
}

// StartAPISpan starts a client span for an API request
func StartAPISpan(ctx context.Context, operation, method string) (context.Context, otrace.Span) {
	return StartSpan(ctx, fmt.Sprintf("%s %s", SpanAPIRequest, operation),
		otrace.WithSpanKind(otrace.SpanKindClient),
		otrace.WithAttributes(
			AttrOperation.String(operation),
			AttrHTTPMethod.String(method),
		),
	)
}
