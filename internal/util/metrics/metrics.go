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

// Package metrics provides registration and updates for Trident metrics
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tridentcache/trident/internal/config"
	"github.com/tridentcache/trident/internal/util/log"
)

// Default histogram buckets for request durations
var defaultBuckets = []float64{0.05, 0.1, 0.5, 1, 5, 10, 20}

var (
	// ProxyRequestStatus ... the status of the Proxy Request (hit, miss, pass, synth)
	ProxyRequestStatus *prometheus.CounterVec
	// ProxyRequestDuration is the time it took to fulfill the Proxy Request
	ProxyRequestDuration *prometheus.HistogramVec

	// BackendConnections is the number of new backend TCP connections opened
	BackendConnections prometheus.Counter
	// BackendReuse counts backend fetches satisfied by a recycled connection
	BackendReuse prometheus.Counter
	// BackendRecycle counts backend connections returned to the pool
	BackendRecycle prometheus.Counter
	// BackendRetry counts the silent retry of a failed recycled connection
	BackendRetry prometheus.Counter
	// BackendUnhealthy counts fetches refused because the backend was sick
	BackendUnhealthy prometheus.Counter
	// BackendBusy counts fetches refused for max_connections
	BackendBusy prometheus.Counter
	// BackendWait counts fetches queued for an admission slot
	BackendWait prometheus.Counter
	// BackendWaitFail counts queued fetches that timed out waiting
	BackendWaitFail prometheus.Counter
	// BackendFail is the per-cause count of backend connect failures
	BackendFail *prometheus.CounterVec

	// CacheObjectOperations ... the count of operations (hit, miss, etc.) on the cache object stores
	CacheObjectOperations *prometheus.CounterVec

	// ESIRequests counts ESI sub-requests spawned during delivery
	ESIRequests prometheus.Counter
	// ESIErrors counts ESI parse errors
	ESIErrors prometheus.Counter
	// ESIWarnings counts ESI parse warnings
	ESIWarnings prometheus.Counter

	// H2Frames is the per-type count of received HTTP/2 frames
	H2Frames *prometheus.CounterVec
	// H2StreamErrors counts streams reset for protocol violations
	H2StreamErrors prometheus.Counter
	// H2ConnErrors counts HTTP/2 sessions torn down for connection errors
	H2ConnErrors prometheus.Counter

	// ProxyPreambleErrors counts rejected PROXY protocol preambles
	ProxyPreambleErrors prometheus.Counter
)

// Init initializes the instrumented metrics and starts the listener endpoint
func Init() {

	ProxyRequestStatus = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trident_frontend_requests_total",
			Help: "Count of front end requests",
		},
		[]string{"backend_name", "method", "cache_status", "http_status", "path"},
	)

	ProxyRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "trident_frontend_requests_duration_seconds",
			Help:    "Time required to proxy a given request",
			Buckets: defaultBuckets,
		},
		[]string{"backend_name", "method", "cache_status", "http_status", "path"},
	)

	BackendConnections = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trident_backend_connections_total",
		Help: "Count of new backend connections opened",
	})

	BackendReuse = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trident_backend_reuse_total",
		Help: "Count of backend fetches on recycled connections",
	})

	BackendRecycle = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trident_backend_recycle_total",
		Help: "Count of backend connections recycled into the pool",
	})

	BackendRetry = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trident_backend_retry_total",
		Help: "Count of automatic retries of failed recycled connections",
	})

	BackendUnhealthy = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trident_backend_unhealthy_total",
		Help: "Count of fetches not attempted because the backend was sick",
	})

	BackendBusy = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trident_backend_busy_total",
		Help: "Count of fetches refused at the backend connection limit",
	})

	BackendWait = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trident_backend_wait_total",
		Help: "Count of fetches queued waiting for a backend connection slot",
	})

	BackendWaitFail = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trident_backend_wait_fail_total",
		Help: "Count of queued fetches that timed out before a slot opened",
	})

	BackendFail = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trident_backend_fail_total",
			Help: "Count of backend connection failures by cause",
		},
		[]string{"cause"},
	)

	CacheObjectOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trident_cache_operation_objects_total",
			Help: "Count (in # of objects) of operations performed on a Trident cache.",
		},
		[]string{"cache_name", "cache_type", "operation", "status"},
	)

	ESIRequests = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trident_esi_requests_total",
		Help: "Count of ESI sub-requests spawned during delivery",
	})

	ESIErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trident_esi_errors_total",
		Help: "Count of ESI parse errors",
	})

	ESIWarnings = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trident_esi_warnings_total",
		Help: "Count of ESI parse warnings",
	})

	H2Frames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trident_h2_frames_total",
			Help: "Count of received HTTP/2 frames by type",
		},
		[]string{"type"},
	)

	H2StreamErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trident_h2_stream_errors_total",
		Help: "Count of HTTP/2 streams reset for protocol violations",
	})

	H2ConnErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trident_h2_conn_errors_total",
		Help: "Count of HTTP/2 sessions closed for connection errors",
	})

	ProxyPreambleErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trident_proxy_preamble_errors_total",
		Help: "Count of rejected PROXY protocol preambles",
	})

	prometheus.MustRegister(ProxyRequestStatus)
	prometheus.MustRegister(ProxyRequestDuration)
	prometheus.MustRegister(BackendConnections)
	prometheus.MustRegister(BackendReuse)
	prometheus.MustRegister(BackendRecycle)
	prometheus.MustRegister(BackendRetry)
	prometheus.MustRegister(BackendUnhealthy)
	prometheus.MustRegister(BackendBusy)
	prometheus.MustRegister(BackendWait)
	prometheus.MustRegister(BackendWaitFail)
	prometheus.MustRegister(BackendFail)
	prometheus.MustRegister(CacheObjectOperations)
	prometheus.MustRegister(ESIRequests)
	prometheus.MustRegister(ESIErrors)
	prometheus.MustRegister(ESIWarnings)
	prometheus.MustRegister(H2Frames)
	prometheus.MustRegister(H2StreamErrors)
	prometheus.MustRegister(H2ConnErrors)
	prometheus.MustRegister(ProxyPreambleErrors)

	if config.Metrics != nil && config.Metrics.ListenPort > 0 {
		go func() {

			log.Info("metrics http endpoint starting", log.Pairs{"address": config.Metrics.ListenAddress, "port": fmt.Sprintf("%d", config.Metrics.ListenPort)})

			http.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(fmt.Sprintf("%s:%d", config.Metrics.ListenAddress, config.Metrics.ListenPort), nil); err != nil {
				log.Error("unable to start metrics http server", log.Pairs{"detail": err.Error()})
			}
		}()
	}
}
