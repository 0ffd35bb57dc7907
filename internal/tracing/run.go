// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tracing

import (
	"context"
	"fmt"

	"github.com/flowmesh/control-plane/pkg/observability"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// RunSpan wraps an OpenTelemetry span with run-lifecycle helpers.
type RunSpan struct {
	span trace.Span
}

// StartRun creates a root span for a workflow run.
func StartRun(ctx context.Context, tracer trace.Tracer, runID, workflowName string) (context.Context, *RunSpan) {
	ctx, span := tracer.Start(ctx, fmt.Sprintf("run: %s", workflowName),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("workflow.name", workflowName),
			attribute.String("run.id", runID),
			attribute.String("span.type", "run"),
		),
	)

	return ctx, &RunSpan{span: span}
}

// StartNode creates a span for a single node dispatch within a run.
func StartNode(ctx context.Context, tracer trace.Tracer, runID, nodeID, nodeType string) (context.Context, *RunSpan) {
	ctx, span := tracer.Start(ctx, fmt.Sprintf("node: %s", nodeID),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("node.id", nodeID),
			attribute.String("node.type", nodeType),
			attribute.String("span.type", "node"),
		),
	)

	return ctx, &RunSpan{span: span}
}

// SetAttributes adds key-value attributes to the span.
func (r *RunSpan) SetAttributes(attrs map[string]any) {
	if r == nil || r.span == nil {
		return
	}

	var otelAttrs []attribute.KeyValue
	for k, v := range attrs {
		switch val := v.(type) {
		case string:
			otelAttrs = append(otelAttrs, attribute.String(k, val))
		case int:
			otelAttrs = append(otelAttrs, attribute.Int(k, val))
		case int64:
			otelAttrs = append(otelAttrs, attribute.Int64(k, val))
		case float64:
			otelAttrs = append(otelAttrs, attribute.Float64(k, val))
		case bool:
			otelAttrs = append(otelAttrs, attribute.Bool(k, val))
		default:
			otelAttrs = append(otelAttrs, attribute.String(k, fmt.Sprintf("%v", val)))
		}
	}

	r.span.SetAttributes(otelAttrs...)
}

// AddEvent records a timestamped event within the span.
func (r *RunSpan) AddEvent(name string, attrs map[string]any) {
	if r == nil || r.span == nil {
		return
	}

	var otelAttrs []attribute.KeyValue
	for k, v := range attrs {
		switch val := v.(type) {
		case string:
			otelAttrs = append(otelAttrs, attribute.String(k, val))
		case int:
			otelAttrs = append(otelAttrs, attribute.Int(k, val))
		case int64:
			otelAttrs = append(otelAttrs, attribute.Int64(k, val))
		case float64:
			otelAttrs = append(otelAttrs, attribute.Float64(k, val))
		case bool:
			otelAttrs = append(otelAttrs, attribute.Bool(k, val))
		default:
			otelAttrs = append(otelAttrs, attribute.String(k, fmt.Sprintf("%v", val)))
		}
	}

	r.span.AddEvent(name, trace.WithAttributes(otelAttrs...))
}

// RecordError records an error that occurred during execution.
func (r *RunSpan) RecordError(err error) {
	if r == nil || r.span == nil || err == nil {
		return
	}

	r.span.RecordError(err)
	r.span.SetStatus(codes.Error, err.Error())
}

// SetStatus sets the span's final status.
func (r *RunSpan) SetStatus(code observability.StatusCode, message string) {
	if r == nil || r.span == nil {
		return
	}

	var otelCode codes.Code
	switch code {
	case observability.StatusCodeOK:
		otelCode = codes.Ok
	case observability.StatusCodeError:
		otelCode = codes.Error
	default:
		otelCode = codes.Unset
	}

	r.span.SetStatus(otelCode, message)
}

// End marks the span as complete.
func (r *RunSpan) End() {
	if r == nil || r.span == nil {
		return
	}

	r.span.End()
}

// SpanContext returns the span's trace context for propagation.
func (r *RunSpan) SpanContext() trace.SpanContext {
	if r == nil || r.span == nil {
		return trace.SpanContext{}
	}

	return r.span.SpanContext()
}

// TraceID returns the trace ID as a string.
func (r *RunSpan) TraceID() string {
	if r == nil || r.span == nil {
		return ""
	}

	return r.span.SpanContext().TraceID().String()
}

// SpanID returns the span ID as a string.
func (r *RunSpan) SpanID() string {
	if r == nil || r.span == nil {
		return ""
	}

	return r.span.SpanContext().SpanID().String()
}
