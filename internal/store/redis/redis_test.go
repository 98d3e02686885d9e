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

package redis

import (
	"bytes"
	"testing"
	"time"

	"github.com/alicebob/miniredis"

	"github.com/tridentcache/trident/internal/config"
	"github.com/tridentcache/trident/internal/util/log"
)

func init() {
	config.Config = config.NewConfig()
	config.Logging = &config.LoggingConfig{LogLevel: "error"}
	config.Main = config.Config.Main
	log.Init()
}

func setupTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	cfg := config.NewStoreConfig()
	cfg.Name = "test"
	cfg.StoreType = "redis"
	cfg.Redis.Endpoint = mr.Addr()
	c := New("test", cfg)
	if err := c.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return c, mr
}

func TestStoreRetrieve(t *testing.T) {
	c, mr := setupTestStore(t)
	defer mr.Close()
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
}

func TestRetrieveExpired(t *testing.T) {
	c, mr := setupTestStore(t)
	defer mr.Close()
	defer c.Close()

	c.Store("k", []byte("value"), time.Second)
	mr.FastForward(2 * time.Second)
	if _, err := c.Retrieve("k"); err == nil {
		t.Errorf("expected expired object to miss")
	}
}

func TestRemove(t *testing.T) {
	c, mr := setupTestStore(t)
	defer mr.Close()
	defer c.Close()

	c.Store("k", []byte("value"), time.Minute)
	c.Remove("k")
	if _, err := c.Retrieve("k"); err == nil {
		t.Errorf("expected miss after remove")
	}
}
