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

package config

const (
	defaultLogFile  = ""
	defaultLogLevel = "INFO"

	defaultProxyListenPort    = 9090
	defaultProxyListenAddress = ""

	defaultMetricsListenPort    = 8082
	defaultMetricsListenAddress = ""

	defaultTracerImplementation = "recorder"

	defaultBackendStoreName = "default"
	defaultStoreType        = "memory"

	defaultMaxRequestHeaderBytes   = 32 * 1024
	defaultFrontendIdleTimeoutSecs = 20

	defaultMaxESIDepth         = 5
	defaultFetchChunkSizeBytes = 16 * 1024

	defaultDefaultTTLSecs = 120
	defaultDefaultGraceSecs = 10
	defaultClockSkewSecs  = 10

	defaultLocalErrorHolddownMS           = 10000
	defaultRemoteErrorHolddownMS          = 250
	defaultBackendIdleTimeoutSecs         = 60
	defaultBackendConnectTimeoutMS        = 3500
	defaultBackendFirstByteTimeoutSecs    = 60
	defaultBackendBetweenBytesTimeoutSecs = 60
	defaultBackendWaitTimeoutMS           = 0

	defaultStoreIndexReapSecs  = 3
	defaultStoreIndexFlushSecs = 5
	defaultStoreMaxSizeBytes   = 536870912
	defaultStoreMaxSizeObjects = 0

	defaultRedisProtocol = "tcp"
	defaultRedisEndpoint = "redis:6379"

	defaultStorePath   = "/tmp/trident"
	defaultBBoltFile   = "trident.db"
	defaultBBoltBucket = "trident"

	defaultConfigHandlerPath = "/trident/config"
	defaultPingHandlerPath   = "/trident/ping"

	defaultProbeIntervalSecs = 5
	defaultProbeTimeoutSecs  = 2
	defaultProbeWindow       = 8
	defaultProbeThreshold    = 3
)
