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
	"flag"
	"fmt"
	"os"
	"strings"
	"time"
)

// TridentFlags holds the command line flags
type TridentFlags struct {
	PrintVersion  bool
	ConfigPath    string
	customPath    bool
	ListenPort  int
	LogLevel    string
	InstanceID  int
	BackendAddr string
}

const (
	// Environment variables that may override file settings
	evBackendAddr = "TRD_BACKEND_ADDR"
	evListenPort  = "TRD_PROXY_PORT"
	evLogLevel    = "TRD_LOG_LEVEL"
)

// Load returns the Application Configuration, starting with a default config,
// then overriding with any provided config file, then env vars, and finally flags
func Load(applicationName string, applicationVersion string, arguments []string) error {

	providedBackendAddr = ""
	LoaderWarnings = make([]string, 0, 0)

	c := NewConfig()
	c.parseFlags(applicationName, arguments) // Parse here to get config file path and version flags
	if Flags.PrintVersion {
		return nil
	}
	if err := c.loadFile(); err != nil && Flags.customPath {
		// a user-provided path couldn't be loaded. return the error for the application to handle
		return err
	}

	c.loadEnvVars()
	c.loadFlags() // load parsed flags to override file and envs

	// set the default backend address from the flags
	if d, ok := c.Backends["default"]; ok {
		if providedBackendAddr != "" {
			d.Address = providedBackendAddr
		}
		// If the user has configured their own backends, and one of them is not "default"
		// then Trident will not use the auto-created default backend
		if d.Address == "" {
			delete(c.Backends, "default")
		}
	}

	if len(c.Backends) == 0 {
		return fmt.Errorf("no valid backends configured%s", "")
	}

	Config = c
	Main = c.Main
	Backends = c.Backends
	Stores = c.Stores
	Frontend = c.Frontend
	Logging = c.Logging
	Metrics = c.Metrics
	Tracing = c.Tracing

	Main.DefaultTTL = time.Duration(Main.DefaultTTLSecs) * time.Second
	Main.DefaultGrace = time.Duration(Main.DefaultGraceSecs) * time.Second
	Main.DefaultKeep = time.Duration(Main.DefaultKeepSecs) * time.Second
	Main.ClockSkew = time.Duration(Main.ClockSkewSecs) * time.Second
	Main.BackendLocalErrorHolddown = time.Duration(Main.BackendLocalErrorHolddownMS) * time.Millisecond
	Main.BackendRemoteErrorHolddown = time.Duration(Main.BackendRemoteErrorHolddownMS) * time.Millisecond
	Main.BackendIdleTimeout = time.Duration(Main.BackendIdleTimeoutSecs) * time.Second
	Main.BackendConnectTimeout = time.Duration(Main.BackendConnectTimeoutMS) * time.Millisecond
	Main.BackendFirstByteTimeout = time.Duration(Main.BackendFirstByteTimeoutSecs) * time.Second
	Main.BackendBetweenBytesTimeout = time.Duration(Main.BackendBetweenBytesTimeoutSecs) * time.Second

	Frontend.IdleTimeout = time.Duration(Frontend.IdleTimeoutSecs) * time.Second

	for k, b := range c.Backends {

		if b.Address == "" {
			return fmt.Errorf(`missing address for backend "%s"`, k)
		}

		b.Name = k
		b.IsUDS = strings.HasPrefix(b.Address, "unix:")
		if b.IsUDS {
			b.Address = strings.TrimPrefix(b.Address, "unix:")
		}

		if b.ConnectTimeoutMS < 0 {
			b.ConnectTimeout = -1
		} else {
			b.ConnectTimeout = time.Duration(b.ConnectTimeoutMS) * time.Millisecond
		}
		if b.FirstByteTimeoutSecs < 0 {
			b.FirstByteTimeout = -1
		} else {
			b.FirstByteTimeout = time.Duration(b.FirstByteTimeoutSecs) * time.Second
		}
		if b.BetweenBytesTimeoutSecs < 0 {
			b.BetweenBytesTimeout = -1
		} else {
			b.BetweenBytesTimeout = time.Duration(b.BetweenBytesTimeoutSecs) * time.Second
		}
		b.BackendWaitTimeout = time.Duration(b.BackendWaitTimeoutMS) * time.Millisecond

		if b.ProxyHeader < 0 || b.ProxyHeader > 2 {
			return fmt.Errorf(`invalid proxy_header %d for backend "%s"`, b.ProxyHeader, k)
		}

		if b.Via != "" {
			if _, ok := c.Backends[b.Via]; !ok {
				return fmt.Errorf(`unknown via backend "%s" for backend "%s"`, b.Via, k)
			}
		}

		if _, ok := c.Stores[b.StoreName]; !ok {
			return fmt.Errorf(`invalid store name "%s" for backend "%s"`, b.StoreName, k)
		}
		c.activeStores[b.StoreName] = true

		if p := b.Probe; p != nil {
			if p.IntervalSecs == 0 {
				p.IntervalSecs = defaultProbeIntervalSecs
			}
			if p.TimeoutSecs == 0 {
				p.TimeoutSecs = defaultProbeTimeoutSecs
			}
			if p.Window == 0 {
				p.Window = defaultProbeWindow
			}
			if p.Threshold == 0 {
				p.Threshold = defaultProbeThreshold
			}
			if p.ExpectedStatus == 0 {
				p.ExpectedStatus = 200
			}
			if p.Threshold > p.Window {
				return fmt.Errorf(`probe threshold exceeds window for backend "%s"`, k)
			}
			p.Interval = time.Duration(p.IntervalSecs) * time.Second
			p.Timeout = time.Duration(p.TimeoutSecs) * time.Second
		}

		Backends[k] = b
	}

	for k, s := range Stores {
		s.Name = k
		if !IsValidStoreType(s.StoreType) {
			return fmt.Errorf(`invalid store type "%s" for store "%s"`, s.StoreType, k)
		}
		s.Index.FlushInterval = time.Duration(s.Index.FlushIntervalSecs) * time.Second
		s.Index.ReapInterval = time.Duration(s.Index.ReapIntervalSecs) * time.Second
	}

	return nil
}

// ActiveStores returns the names of stores referenced by a configured backend
func (c *TridentConfig) ActiveStores() map[string]bool {
	return c.activeStores
}

func (c *TridentConfig) parseFlags(applicationName string, arguments []string) {

	fs := flag.NewFlagSet(applicationName, flag.ExitOnError)

	fs.BoolVar(&Flags.PrintVersion, "version", false, "Prints the Trident version")
	fs.StringVar(&Flags.ConfigPath, "config", "/etc/trident/trident.conf", "Path to Trident Config File")
	fs.IntVar(&Flags.ListenPort, "proxy-port", 0, "Port that the primary Proxy server will listen on.")
	fs.StringVar(&Flags.LogLevel, "log-level", "", "Level of Logging to use (debug, info, warn, error)")
	fs.IntVar(&Flags.InstanceID, "instance-id", 0, "Instance ID is for running multiple Trident processes from the same config while logging to their own files")
	fs.StringVar(&Flags.BackendAddr, "backend", "", "Address of the default backend (host:port)")
	fs.Parse(arguments)

	// A non-default config path provided by the user must load successfully
	Flags.customPath = Flags.ConfigPath != "/etc/trident/trident.conf"
}

func (c *TridentConfig) loadEnvVars() {
	if x := os.Getenv(evBackendAddr); x != "" {
		providedBackendAddr = x
	}
	if x := os.Getenv(evListenPort); x != "" {
		fmt.Sscanf(x, "%d", &c.Frontend.ListenPort)
	}
	if x := os.Getenv(evLogLevel); x != "" {
		c.Logging.LogLevel = x
	}
}

func (c *TridentConfig) loadFlags() {
	if Flags.LogLevel != "" {
		c.Logging.LogLevel = Flags.LogLevel
	}
	if Flags.ListenPort > 0 {
		c.Frontend.ListenPort = Flags.ListenPort
	}
	if Flags.InstanceID > 0 {
		c.Main.InstanceID = Flags.InstanceID
	}
	if Flags.BackendAddr != "" {
		providedBackendAddr = Flags.BackendAddr
	}
}
