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
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testConfig = `
[main]
http_gzip_support = true
max_esi_depth = 7
backend_connect_timeout_ms = 1500

[frontend]
listen_port = 9999

[backends]
  [backends.origin1]
  address = "origin1.example.com:80"
  store_name = "mem1"
  max_connections = 4
  backend_wait_limit = 2
  backend_wait_timeout_ms = 500
  proxy_header = 2
  esi_enable = true
    [backends.origin1.probe]
    url = "/health"
    interval_secs = 3

[stores]
  [stores.mem1]
  store_type = "memory"
  compression = false

[logging]
log_level = "debug"
`

func loadTest(t *testing.T, body string, args ...string) error {
	t.Helper()
	dir, err := ioutil.TempDir("", "trident-config")
	if err != nil {
		t.Fatalf("tempdir: %v", err)
	}
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "trident.conf")
	if err := ioutil.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return Load("trident-test", "0", append([]string{"-config", path}, args...))
}

func TestLoadFullConfig(t *testing.T) {
	if err := loadTest(t, testConfig); err != nil {
		t.Fatalf("load: %v", err)
	}

	if Main.MaxESIDepth != 7 {
		t.Errorf("max_esi_depth = %d", Main.MaxESIDepth)
	}
	if Main.BackendConnectTimeout != 1500*time.Millisecond {
		t.Errorf("connect timeout = %v", Main.BackendConnectTimeout)
	}
	if Frontend.ListenPort != 9999 {
		t.Errorf("listen port = %d", Frontend.ListenPort)
	}

	b, ok := Backends["origin1"]
	if !ok {
		t.Fatalf("backend origin1 missing")
	}
	if b.Name != "origin1" || b.MaxConnections != 4 || b.ProxyHeader != 2 {
		t.Errorf("backend fields %+v", b)
	}
	if b.BackendWaitTimeout != 500*time.Millisecond {
		t.Errorf("wait timeout = %v", b.BackendWaitTimeout)
	}
	// unset per-backend timeouts inherit
	if b.ConnectTimeout != -1 {
		t.Errorf("connect timeout sentinel = %v", b.ConnectTimeout)
	}
	if b.Probe == nil || b.Probe.Interval != 3*time.Second || b.Probe.ExpectedStatus != 200 {
		t.Errorf("probe = %+v", b.Probe)
	}

	s, ok := Stores["mem1"]
	if !ok || s.StoreType != "memory" || s.Compression {
		t.Errorf("store = %+v", s)
	}
	if Logging.LogLevel != "debug" {
		t.Errorf("log level = %q", Logging.LogLevel)
	}

	// the default backend placeholder vanishes once real ones exist
	if _, ok := Backends["default"]; ok {
		t.Errorf("empty default backend survived")
	}
}

func TestLoadRejectsUnknownStore(t *testing.T) {
	bad := strings.Replace(testConfig, `store_name = "mem1"`, `store_name = "nope"`, 1)
	if err := loadTest(t, bad); err == nil {
		t.Errorf("unknown store accepted")
	}
}

func TestLoadRejectsBadProxyHeader(t *testing.T) {
	bad := strings.Replace(testConfig, "proxy_header = 2", "proxy_header = 9", 1)
	if err := loadTest(t, bad); err == nil {
		t.Errorf("bad proxy_header accepted")
	}
}

func TestLoadRejectsUnknownVia(t *testing.T) {
	bad := strings.Replace(testConfig, `max_connections = 4`, `via = "missing"`, 1)
	if err := loadTest(t, bad); err == nil {
		t.Errorf("unknown via accepted")
	}
}

func TestUDSAddress(t *testing.T) {
	uds := strings.Replace(testConfig,
		`address = "origin1.example.com:80"`, `address = "unix:/tmp/origin.sock"`, 1)
	if err := loadTest(t, uds); err != nil {
		t.Fatalf("load: %v", err)
	}
	b := Backends["origin1"]
	if !b.IsUDS || b.Address != "/tmp/origin.sock" {
		t.Errorf("uds backend = %+v", b)
	}
}

func TestFlagOverrides(t *testing.T) {
	if err := loadTest(t, testConfig, "-log-level", "warn", "-proxy-port", "7777"); err != nil {
		t.Fatalf("load: %v", err)
	}
	if Logging.LogLevel != "warn" {
		t.Errorf("log level = %q", Logging.LogLevel)
	}
	if Frontend.ListenPort != 7777 {
		t.Errorf("listen port = %d", Frontend.ListenPort)
	}
}

func TestRedisPasswordMasked(t *testing.T) {
	withRedis := strings.Replace(testConfig, `store_type = "memory"`,
		"store_type = \"redis\"\n  [stores.mem1.redis]\n  endpoint = \"localhost:6379\"\n  password = \"hunter2\"", 1)
	if err := loadTest(t, withRedis); err != nil {
		t.Fatalf("load: %v", err)
	}
	out := Config.String()
	if strings.Contains(out, "hunter2") {
		t.Errorf("password leaked into rendered config")
	}
}
