/**
* Copyright 2018 Comcast Cable Communications Management, LLC
* Licensed under the Apache License, Version 2.0 (the "License");
* you may not use this file except in compliance with the License.
* You may obtain a copy of the License at
* http://www.apache.org/licenses/LICENSE-2.0
* Unless required by applicable law or agreed to in writing, software
* distributed under the License is distributed on an "AS IS" BASIS,
* WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
* See the License for the specific language governing permissions and
* limitations under the License.
 */

package tracing

import (
	"context"
	"fmt"
	"net/http"

	"github.com/tridentcache/trident/internal/runtime"
	"go.opentelemetry.io/otel/api/core"
	"go.opentelemetry.io/otel/api/distributedcontext"
	"go.opentelemetry.io/otel/api/global"
	"go.opentelemetry.io/otel/api/trace"
	"go.opentelemetry.io/otel/plugin/httptrace"
)

// Name returns the tracer name for this application
func Name() string {
	return fmt.Sprintf("%s/%s", runtime.ApplicationName, runtime.ApplicationVersion)
}

// NewChildSpan starts a span under whatever span the context carries
func NewChildSpan(ctx context.Context, spanName string) (context.Context, trace.Span) {
	tracerName, ok := ctx.Value(tracerCtxKey).(string)
	if !ok {
		tracerName = Name()
	}
	tr := global.TraceProvider().Tracer(tracerName)
	return tr.Start(ctx, spanName)
}

// SpanFromContext starts a span continuing the trace material prepared
// by PrepareRequest
func SpanFromContext(ctx context.Context, spanName string) (context.Context, trace.Span) {
	tracerName, ok := ctx.Value(tracerCtxKey).(string)
	if !ok {
		return NewChildSpan(ctx, spanName)
	}
	tr := global.TraceProvider().Tracer(tracerName)

	attrs, _ := ctx.Value(attrKey).([]core.KeyValue)
	spanCtx, _ := ctx.Value(spanCtxKey).(core.SpanContext)

	ctx, span := tr.Start(
		ctx,
		spanName,
		trace.WithAttributes(attrs...),
		trace.ChildOf(spanCtx),
	)
	return ctx, span
}

// PrepareRequest extracts the remote trace material from an inbound
// request and parks it on the context for SpanFromContext
func PrepareRequest(r *http.Request, spanName string) (*http.Request, trace.Span) {

	attrs, entries, spanCtx := httptrace.Extract(r.Context(), r)

	ctx := distributedcontext.WithMap(
		r.Context(),
		distributedcontext.NewMap(
			distributedcontext.MapUpdate{
				MultiKV: entries,
			},
		),
	)

	ctx = context.WithValue(ctx, attrKey, attrs)
	ctx = context.WithValue(ctx, spanCtxKey, spanCtx)
	ctx = context.WithValue(ctx, tracerCtxKey, Name())

	tr := global.TraceProvider().Tracer(Name())

	ctx, span := tr.Start(
		ctx,
		spanName,
		trace.WithAttributes(attrs...),
		trace.ChildOf(spanCtx),
	)

	return r.WithContext(ctx), span
}

type ctxSpanType struct{}
type ctxAttrType struct{}
type tracerCtxType struct{}

var (
	attrKey      = &ctxAttrType{}
	spanCtxKey   = &ctxSpanType{}
	tracerCtxKey = &tracerCtxType{}
)
