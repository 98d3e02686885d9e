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
	"github.com/tridentcache/trident/internal/util/log"
)

// TracerImplementation enumerates the trace exporters
type TracerImplementation int

const (
	// RecorderTracerImplementation collects spans in memory
	RecorderTracerImplementation TracerImplementation = iota
	// StdoutTracerImplementation prints spans to stdout
	StdoutTracerImplementation
	// JaegerTracerImplementation exports spans to a Jaeger collector
	JaegerTracerImplementation
)

var tracerImplementationStrings = []string{
	"recorder",
	"stdout",
	"jaeger",
}

// TracerImplementations maps implementation names to their enum
var TracerImplementations = map[string]TracerImplementation{
	tracerImplementationStrings[RecorderTracerImplementation]: RecorderTracerImplementation,
	tracerImplementationStrings[StdoutTracerImplementation]:   StdoutTracerImplementation,
	tracerImplementationStrings[JaegerTracerImplementation]:   JaegerTracerImplementation,
}

func (t TracerImplementation) String() string {
	if t < RecorderTracerImplementation || t > JaegerTracerImplementation {
		return "unknown-tracer"
	}
	return tracerImplementationStrings[t]
}

// SetTracer installs the configured trace exporter as the global
// provider and returns its flush function
func SetTracer(name string, collectorURL string, sampleRate float64) (func(), error) {
	t, ok := TracerImplementations[name]
	if !ok {
		log.Warn("unknown tracer implementation, using recorder",
			log.Pairs{"implementation": name})
		t = RecorderTracerImplementation
	}
	switch t {
	case StdoutTracerImplementation:
		return setStdOutTracer()
	case JaegerTracerImplementation:
		return setJaegerTracer(collectorURL)
	default:
		_, flush, _, err := setRecorderTracer(func(err error) {
			log.Error("trace export failed", log.Pairs{"detail": err.Error()})
		}, sampleRate)
		return flush, err
	}
}
