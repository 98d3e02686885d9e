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

package memory

import (
	"bytes"
	"testing"
	"time"

	"github.com/tridentcache/trident/internal/config"
	"github.com/tridentcache/trident/internal/util/log"
)

func init() {
	config.Config = config.NewConfig()
	config.Logging = &config.LoggingConfig{LogLevel: "error"}
	config.Main = config.Config.Main
	log.Init()
}

func newTestStore() *Store {
	cfg := config.NewStoreConfig()
	cfg.Name = "test"
	c := New("test", cfg)
	c.Connect()
	return c
}

func TestStoreRetrieveRemove(t *testing.T) {
	c := newTestStore()
	defer c.Close()

	if err := c.Store("k", []byte("value"), time.Minute); err != nil {
		t.Fatalf("store: %v", err)
	}
	v, err := c.Retrieve("k")
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if !bytes.Equal(v, []byte("value")) {
		t.Errorf("retrieve = %q", v)
	}
	c.Remove("k")
	if _, err := c.Retrieve("k"); err == nil {
		t.Errorf("expected miss after remove")
	}
}

func TestRetrieveExpired(t *testing.T) {
	c := newTestStore()
	defer c.Close()

	c.Store("k", []byte("value"), time.Nanosecond)
	time.Sleep(5 * time.Millisecond)
	if _, err := c.Retrieve("k"); err == nil {
		t.Errorf("expected expired object to miss")
	}
}

func TestBulkRemove(t *testing.T) {
	c := newTestStore()
	defer c.Close()

	c.Store("a", []byte("1"), time.Minute)
	c.Store("b", []byte("2"), time.Minute)
	c.BulkRemove([]string{"a", "b"}, false)
	if _, err := c.Retrieve("a"); err == nil {
		t.Errorf("bulk remove left a behind")
	}
	if _, err := c.Retrieve("b"); err == nil {
		t.Errorf("bulk remove left b behind")
	}
}
