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

import (
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the Running Configuration for Trident
var Config *TridentConfig

// Main is the Main subsection of the Running Configuration
var Main *MainConfig

// Backends is the Backend Map subsection of the Running Configuration
var Backends map[string]*BackendConfig

// Stores is the Object Store Map subsection of the Running Configuration
var Stores map[string]*StoreConfig

// Frontend is the Proxy Server subsection of the Running Configuration
var Frontend *FrontendConfig

// Logging is the Logging subsection of the Running Configuration
var Logging *LoggingConfig

// Metrics is the Metrics subsection of the Running Configuration
var Metrics *MetricsConfig

// Tracing defines distributed trace options for the Running Configuration
var Tracing *TracingConfig

// Flags is a collection of command line flags that Trident loads.
var Flags = TridentFlags{}
var providedBackendAddr string

// LoaderWarnings holds warnings generated during config load (before the logger is initialized),
// so they can be logged at the end of the loading process
var LoaderWarnings = make([]string, 0, 0)

// TridentConfig is the main configuration object
type TridentConfig struct {
	// Main is the primary MainConfig section
	Main *MainConfig `toml:"main"`
	// Backends is a map of BackendConfigs
	Backends map[string]*BackendConfig `toml:"backends"`
	// Stores is a map of StoreConfigs
	Stores map[string]*StoreConfig `toml:"stores"`
	// Frontend provides configurations about the Proxy Front End
	Frontend *FrontendConfig `toml:"frontend"`
	// Logging provides configurations that affect logging behavior
	Logging *LoggingConfig `toml:"logging"`
	// Metrics provides configurations for collecting Metrics about the application
	Metrics *MetricsConfig `toml:"metrics"`
	// Tracing provides the distributed tracing configuration
	Tracing *TracingConfig `toml:"tracing"`

	activeStores map[string]bool
}

// MainConfig is a collection of general configuration values.
type MainConfig struct {
	// InstanceID represents a unique ID for the current instance, when multiple instances on the same host
	InstanceID int `toml:"instance_id"`
	// ConfigHandlerPath provides the path to register the Config Handler for outputting the running configuration
	ConfigHandlerPath string `toml:"config_handler_path"`
	// PingHandlerPath provides the path to register the Ping Handler for checking that Trident is running
	PingHandlerPath string `toml:"ping_handler_path"`

	// HTTPGzipSupport indicates whether Trident stores and serves the gzipped representation of objects
	HTTPGzipSupport bool `toml:"http_gzip_support"`
	// HTTPRangeSupport indicates whether Trident answers Range requests from cache
	HTTPRangeSupport bool `toml:"http_range_support"`
	// MaxESIDepth limits how deeply ESI includes may nest
	MaxESIDepth int `toml:"max_esi_depth"`
	// FetchChunkSizeBytes is the storage segment allocation size used during fetch
	FetchChunkSizeBytes int `toml:"fetch_chunksize_bytes"`

	// DefaultTTLSecs is the TTL applied when the response carries no freshness information
	DefaultTTLSecs int `toml:"default_ttl_secs"`
	// DefaultGraceSecs is the grace period applied to cached objects
	DefaultGraceSecs int `toml:"default_grace_secs"`
	// DefaultKeepSecs is the keep period applied to cached objects
	DefaultKeepSecs int `toml:"default_keep_secs"`
	// ClockSkewSecs is the tolerated skew between Trident and backend clocks when deriving TTLs
	ClockSkewSecs int `toml:"clock_skew_secs"`

	// BackendLocalErrorHolddownMS is how long connect attempts are suppressed after a local connect error
	BackendLocalErrorHolddownMS int `toml:"backend_local_error_holddown_ms"`
	// BackendRemoteErrorHolddownMS is how long connect attempts are suppressed after a remote connect error
	BackendRemoteErrorHolddownMS int `toml:"backend_remote_error_holddown_ms"`
	// BackendIdleTimeoutSecs is how long a recycled backend connection may sit idle before it is closed
	BackendIdleTimeoutSecs int `toml:"backend_idle_timeout_secs"`
	// BackendConnectTimeoutMS is the global default backend connect timeout
	BackendConnectTimeoutMS int `toml:"backend_connect_timeout_ms"`
	// BackendFirstByteTimeoutSecs is the global default first byte timeout
	BackendFirstByteTimeoutSecs int `toml:"backend_first_byte_timeout_secs"`
	// BackendBetweenBytesTimeoutSecs is the global default between bytes timeout
	BackendBetweenBytesTimeoutSecs int `toml:"backend_between_bytes_timeout_secs"`

	// FeatureESIIncludeOnError enables honoring of the onerror attribute on esi:include tags
	FeatureESIIncludeOnError bool `toml:"feature_esi_include_onerror"`
	// FeatureESIDisableXMLCheck parses bodies for ESI tags even when the first character is not '<'
	FeatureESIDisableXMLCheck bool `toml:"feature_esi_disable_xml_check"`
	// FeatureKeyMatcher enables the experimental Key response-header matcher
	FeatureKeyMatcher bool `toml:"feature_key_matcher"`

	// Synthesized Configurations
	// These configurations are parsed versions of those defined above, and are what Trident uses internally
	//
	// DefaultTTL is the time.Duration representation of DefaultTTLSecs
	DefaultTTL time.Duration `toml:"-"`
	// DefaultGrace is the time.Duration representation of DefaultGraceSecs
	DefaultGrace time.Duration `toml:"-"`
	// DefaultKeep is the time.Duration representation of DefaultKeepSecs
	DefaultKeep time.Duration `toml:"-"`
	// ClockSkew is the time.Duration representation of ClockSkewSecs
	ClockSkew time.Duration `toml:"-"`
	// BackendLocalErrorHolddown is the time.Duration representation of BackendLocalErrorHolddownMS
	BackendLocalErrorHolddown time.Duration `toml:"-"`
	// BackendRemoteErrorHolddown is the time.Duration representation of BackendRemoteErrorHolddownMS
	BackendRemoteErrorHolddown time.Duration `toml:"-"`
	// BackendIdleTimeout is the time.Duration representation of BackendIdleTimeoutSecs
	BackendIdleTimeout time.Duration `toml:"-"`
	// BackendConnectTimeout is the time.Duration representation of BackendConnectTimeoutMS
	BackendConnectTimeout time.Duration `toml:"-"`
	// BackendFirstByteTimeout is the time.Duration representation of BackendFirstByteTimeoutSecs
	BackendFirstByteTimeout time.Duration `toml:"-"`
	// BackendBetweenBytesTimeout is the time.Duration representation of BackendBetweenBytesTimeoutSecs
	BackendBetweenBytesTimeout time.Duration `toml:"-"`
}

// BackendConfig is a collection of configurations for an origin server proxied by Trident
type BackendConfig struct {

	// IsDefault indicates if this is the default backend for any request not matching a configured route
	IsDefault bool `toml:"is_default"`
	// Address is the host:port of the origin server, or the path of a unix domain socket prefixed with "unix:"
	Address string `toml:"address"`
	// HostHeader overrides the Host header applied to backend requests that don't carry one
	HostHeader string `toml:"host_header"`
	// StoreName provides the name of the configured store where this backend's objects are kept
	StoreName string `toml:"store_name"`

	// ConnectTimeoutMS defines how long a connect to the backend may take; -1 inherits the global default
	ConnectTimeoutMS int `toml:"connect_timeout_ms"`
	// FirstByteTimeoutSecs defines how long the first response byte may take; -1 inherits the global default
	FirstByteTimeoutSecs int `toml:"first_byte_timeout_secs"`
	// BetweenBytesTimeoutSecs defines how long consecutive response bytes may take; -1 inherits the global default
	BetweenBytesTimeoutSecs int `toml:"between_bytes_timeout_secs"`

	// MaxConnections caps concurrent connections to this backend; 0 is unlimited
	MaxConnections int `toml:"max_connections"`
	// BackendWaitLimit caps how many fetches may queue for an admission slot; 0 disables queueing
	BackendWaitLimit int `toml:"backend_wait_limit"`
	// BackendWaitTimeoutMS is how long a queued fetch waits for an admission slot
	BackendWaitTimeoutMS int `toml:"backend_wait_timeout_ms"`

	// ProxyHeader selects the PROXY protocol version (1 or 2) emitted ahead of backend requests; 0 disables
	ProxyHeader int `toml:"proxy_header"`
	// Via names another backend this backend's traffic is tunnelled through
	Via string `toml:"via"`

	// ESIEnable runs fetched bodies through the ESI parser
	ESIEnable bool `toml:"esi_enable"`
	// GzipResponses compresses fetched plain bodies before storing them
	GzipResponses bool `toml:"gzip_responses"`

	// Probe configures optional backend health probing
	Probe *ProbeConfig `toml:"probe"`

	// Synthesized Configurations
	//
	// Name is the Name of the backend, taken from the Key in the Backends map[string]*BackendConfig
	Name string `toml:"-"`
	// ConnectTimeout is the time.Duration representation of ConnectTimeoutMS; -1 means inherit
	ConnectTimeout time.Duration `toml:"-"`
	// FirstByteTimeout is the time.Duration representation of FirstByteTimeoutSecs; -1 means inherit
	FirstByteTimeout time.Duration `toml:"-"`
	// BetweenBytesTimeout is the time.Duration representation of BetweenBytesTimeoutSecs; -1 means inherit
	BetweenBytesTimeout time.Duration `toml:"-"`
	// BackendWaitTimeout is the time.Duration representation of BackendWaitTimeoutMS
	BackendWaitTimeout time.Duration `toml:"-"`
	// IsUDS indicates the Address is a unix domain socket path
	IsUDS bool `toml:"-"`
}

// ProbeConfig configures the health prober for a backend
type ProbeConfig struct {
	// URL is the path probed on the backend
	URL string `toml:"url"`
	// IntervalSecs is the time between probes
	IntervalSecs int `toml:"interval_secs"`
	// TimeoutSecs is how long a probe waits for a response
	TimeoutSecs int `toml:"timeout_secs"`
	// Window is the number of most recent probes considered for health flips
	Window int `toml:"window"`
	// Threshold is the number of good probes within Window required to be healthy
	Threshold int `toml:"threshold"`
	// ExpectedStatus is the response code counted as a good probe
	ExpectedStatus int `toml:"expected_status"`

	// Interval is the time.Duration representation of IntervalSecs
	Interval time.Duration `toml:"-"`
	// Timeout is the time.Duration representation of TimeoutSecs
	Timeout time.Duration `toml:"-"`
}

// StoreConfig is a collection of configurations defining the Trident Object Stores
type StoreConfig struct {
	// Name is the Name of the store, taken from the Key in the Stores map[string]*StoreConfig
	Name string `toml:"-"`
	// StoreType represents the type of store: "memory", "filesystem", "bbolt", "badger", or "redis"
	StoreType string `toml:"store_type"`
	// Compression determines whether object bodies are snappy-compressed at rest
	Compression bool `toml:"compression"`
	// Index provides options for the Store Index
	Index StoreIndexConfig `toml:"index"`
	// Redis provides options for Redis object storage
	Redis RedisStoreConfig `toml:"redis"`
	// Filesystem provides options for Filesystem object storage
	Filesystem FilesystemStoreConfig `toml:"filesystem"`
	// BBolt provides options for BBolt object storage
	BBolt BBoltStoreConfig `toml:"bbolt"`
	// Badger provides options for BadgerDB object storage
	Badger BadgerStoreConfig `toml:"badger"`
}

// StoreIndexConfig defines the operation of the Store Indexer
type StoreIndexConfig struct {
	// ReapIntervalSecs defines how long the Store Index reaper sleeps between reap cycles
	ReapIntervalSecs int `toml:"reap_interval_secs"`
	// FlushIntervalSecs sets how often the Store Index saves its metadata from application memory
	FlushIntervalSecs int `toml:"flush_interval_secs"`
	// MaxSizeBytes indicates how large the store can grow in bytes before the Index evicts least-recently-accessed objects
	MaxSizeBytes int64 `toml:"max_size_bytes"`
	// MaxSizeObjects indicates how large the store can grow in object count before the Index evicts
	MaxSizeObjects int64 `toml:"max_size_objects"`

	// ReapInterval is the time.Duration representation of ReapIntervalSecs
	ReapInterval time.Duration `toml:"-"`
	// FlushInterval is the time.Duration representation of FlushIntervalSecs
	FlushInterval time.Duration `toml:"-"`
}

// RedisStoreConfig is a collection of Configurations for connecting to Redis
type RedisStoreConfig struct {
	// Protocol represents the connection method (e.g., "tcp", "unix", etc.)
	Protocol string `toml:"protocol"`
	// Endpoint represents the host:port of the Redis endpoint
	Endpoint string `toml:"endpoint"`
	// Password can be set when using a password protected redis instance.
	Password string `toml:"password"`
	// DB is the Database to be selected after connecting to the server.
	DB int `toml:"db"`
}

// FilesystemStoreConfig is a collection of Configurations for storing objects on the Filesystem
type FilesystemStoreConfig struct {
	// StorePath represents the path on disk where the object store lives
	StorePath string `toml:"store_path"`
}

// BBoltStoreConfig is a collection of Configurations for storing objects in a BBolt database
type BBoltStoreConfig struct {
	// Filename represents the filename (including path) of the BBolt database
	Filename string `toml:"filename"`
	// Bucket represents the name of the bucket within BBolt under which Trident's keys will be stored.
	Bucket string `toml:"bucket"`
}

// BadgerStoreConfig is a collection of Configurations for storing objects in a Badger database
type BadgerStoreConfig struct {
	// Directory represents the path on disk where the Badger database resides
	Directory string `toml:"directory"`
	// ValueDirectory represents the path on disk where the Badger database's value log resides
	ValueDirectory string `toml:"value_directory"`
}

// FrontendConfig is a collection of configurations for the front-end proxy listeners
type FrontendConfig struct {
	// ListenAddress is IP address for the main http listener for the application
	ListenAddress string `toml:"listen_address"`
	// ListenPort is TCP Port for the main http listener for the application
	ListenPort int `toml:"listen_port"`
	// ProxyProtocol indicates the listener expects a PROXY v1/v2 preamble from its peers
	ProxyProtocol bool `toml:"proxy_protocol"`
	// H2CUpgrade indicates the listener accepts the h2c Upgrade and prior-knowledge preface
	H2CUpgrade bool `toml:"h2c_upgrade"`
	// MaxRequestHeaderBytes bounds the per-request header workspace
	MaxRequestHeaderBytes int `toml:"max_request_header_bytes"`
	// IdleTimeoutSecs is how long an idle client connection is kept open
	IdleTimeoutSecs int `toml:"idle_timeout_secs"`

	// IdleTimeout is the time.Duration representation of IdleTimeoutSecs
	IdleTimeout time.Duration `toml:"-"`
}

// LoggingConfig is a collection of Logging configurations
type LoggingConfig struct {
	// LogFile provides the filepath to the instance's logfile. Set as empty string to Log to Console
	LogFile string `toml:"log_file"`
	// LogLevel provides the most granular level (e.g., DEBUG, INFO, ERROR) to log
	LogLevel string `toml:"log_level"`
}

// MetricsConfig is a collection of Metrics Collection configurations
type MetricsConfig struct {
	// ListenAddress is IP address from which the Application Metrics are available for pulling at /metrics
	ListenAddress string `toml:"listen_address"`
	// ListenPort is TCP Port from which the Application Metrics are available for pulling at /metrics
	ListenPort int `toml:"listen_port"`
}

// TracingConfig provides the distributed tracing configuration
type TracingConfig struct {
	// Implementation is the particular implementation to use. "stdout", "jaeger", "recorder", and "noop" are valid
	Implementation string `toml:"implementation"`
	// CollectorEndpoint is the endpoint of the trace collector
	CollectorEndpoint string `toml:"collector"`
	// SampleRate sets the probability that a span will be recorded
	SampleRate float64 `toml:"sample_rate"`
}

// NewConfig returns a Config initialized with default values.
func NewConfig() *TridentConfig {
	return &TridentConfig{
		Main: &MainConfig{
			ConfigHandlerPath:              defaultConfigHandlerPath,
			PingHandlerPath:                defaultPingHandlerPath,
			HTTPGzipSupport:                true,
			HTTPRangeSupport:               true,
			FeatureESIDisableXMLCheck:      true,
			MaxESIDepth:                    defaultMaxESIDepth,
			FetchChunkSizeBytes:            defaultFetchChunkSizeBytes,
			DefaultTTLSecs:                 defaultDefaultTTLSecs,
			DefaultGraceSecs:               defaultDefaultGraceSecs,
			ClockSkewSecs:                  defaultClockSkewSecs,
			BackendLocalErrorHolddownMS:    defaultLocalErrorHolddownMS,
			BackendRemoteErrorHolddownMS:   defaultRemoteErrorHolddownMS,
			BackendIdleTimeoutSecs:         defaultBackendIdleTimeoutSecs,
			BackendConnectTimeoutMS:        defaultBackendConnectTimeoutMS,
			BackendFirstByteTimeoutSecs:    defaultBackendFirstByteTimeoutSecs,
			BackendBetweenBytesTimeoutSecs: defaultBackendBetweenBytesTimeoutSecs,
		},
		Backends: map[string]*BackendConfig{
			"default": NewBackendConfig(),
		},
		Stores: map[string]*StoreConfig{
			"default": NewStoreConfig(),
		},
		Frontend: &FrontendConfig{
			ListenPort:            defaultProxyListenPort,
			ListenAddress:         defaultProxyListenAddress,
			MaxRequestHeaderBytes: defaultMaxRequestHeaderBytes,
			IdleTimeoutSecs:       defaultFrontendIdleTimeoutSecs,
		},
		Logging: &LoggingConfig{
			LogFile:  defaultLogFile,
			LogLevel: defaultLogLevel,
		},
		Metrics: &MetricsConfig{
			ListenPort:    defaultMetricsListenPort,
			ListenAddress: defaultMetricsListenAddress,
		},
		Tracing: &TracingConfig{
			Implementation: defaultTracerImplementation,
			SampleRate:     1,
		},
		activeStores: map[string]bool{},
	}
}

// NewBackendConfig returns a BackendConfig with default values
func NewBackendConfig() *BackendConfig {
	return &BackendConfig{
		StoreName:               defaultBackendStoreName,
		ConnectTimeoutMS:        -1,
		FirstByteTimeoutSecs:    -1,
		BetweenBytesTimeoutSecs: -1,
		BackendWaitTimeoutMS:    defaultBackendWaitTimeoutMS,
	}
}

// NewStoreConfig returns a StoreConfig with default values
func NewStoreConfig() *StoreConfig {
	return &StoreConfig{
		StoreType:   defaultStoreType,
		Compression: true,
		Index: StoreIndexConfig{
			ReapIntervalSecs:  defaultStoreIndexReapSecs,
			FlushIntervalSecs: defaultStoreIndexFlushSecs,
			MaxSizeBytes:      defaultStoreMaxSizeBytes,
			MaxSizeObjects:    defaultStoreMaxSizeObjects,
		},
		Redis:      RedisStoreConfig{Protocol: defaultRedisProtocol, Endpoint: defaultRedisEndpoint},
		Filesystem: FilesystemStoreConfig{StorePath: defaultStorePath},
		BBolt:      BBoltStoreConfig{Filename: defaultBBoltFile, Bucket: defaultBBoltBucket},
		Badger:     BadgerStoreConfig{Directory: defaultStorePath, ValueDirectory: defaultStorePath},
	}
}

func (c *TridentConfig) loadFile() error {
	md, err := toml.DecodeFile(Flags.ConfigPath, c)
	if err != nil {
		return err
	}
	// backends decoded from the file start from zero values; timeouts the
	// file leaves unset get the -1 inherit sentinel
	for k, b := range c.Backends {
		if !md.IsDefined("backends", k, "connect_timeout_ms") {
			b.ConnectTimeoutMS = -1
		}
		if !md.IsDefined("backends", k, "first_byte_timeout_secs") {
			b.FirstByteTimeoutSecs = -1
		}
		if !md.IsDefined("backends", k, "between_bytes_timeout_secs") {
			b.BetweenBytesTimeoutSecs = -1
		}
	}
	return nil
}

// IsValidStoreType returns true if the provided store type is supported
func IsValidStoreType(t string) bool {
	switch strings.ToLower(t) {
	case "memory", "filesystem", "bbolt", "badger", "redis":
		return true
	}
	return false
}

// String returns the running configuration in TOML format, with secrets masked
func (c *TridentConfig) String() string {
	for k, s := range c.Stores {
		if s.Redis.Password != "" {
			c.Stores[k].Redis.Password = "*****"
		}
	}
	var sb tomlBuffer
	e := toml.NewEncoder(&sb)
	e.Encode(c)
	return sb.String()
}

type tomlBuffer struct {
	b []byte
}

func (t *tomlBuffer) Write(p []byte) (int, error) {
	t.b = append(t.b, p...)
	return len(p), nil
}

func (t *tomlBuffer) String() string {
	return string(t.b)
}
