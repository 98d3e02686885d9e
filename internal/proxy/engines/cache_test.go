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

package engines

import (
	"testing"
	"time"

	"github.com/tridentcache/trident/internal/config"
	"github.com/tridentcache/trident/internal/object"
	"github.com/tridentcache/trident/internal/util/log"
	"github.com/tridentcache/trident/internal/util/metrics"
	"github.com/tridentcache/trident/internal/vhttp"
	"github.com/tridentcache/trident/internal/ws"
)

func init() {
	config.Config = config.NewConfig()
	config.Main = config.Config.Main
	config.Logging = &config.LoggingConfig{LogLevel: "error"}
	log.Init()
	metrics.Init()
}

func reqMsg(t *testing.T, headers ...string) *vhttp.Message {
	t.Helper()
	m := vhttp.New(ws.New("req", 8192), 32)
	m.SetH(vhttp.HdrMethod, "GET")
	m.SetH(vhttp.HdrURL, "/x")
	m.SetH(vhttp.HdrProto, "HTTP/1.1")
	for _, h := range headers {
		m.SetHeader(h)
	}
	return m
}

func freshOC(ttl time.Duration) *object.ObjCore {
	oc := object.NewObjCore(nil)
	oc.TOrigin = time.Now()
	oc.TTL = ttl
	return oc
}

func TestLookupMissThenHit(t *testing.T) {
	c := NewCache(nil)
	now := time.Now()

	oc, res := c.Lookup("k1", reqMsg(t), now)
	if res != LookupMiss || oc != nil {
		t.Fatalf("first lookup = %v, %v", oc, res)
	}

	stored := freshOC(time.Minute)
	c.Insert("k1", stored)

	oc, res = c.Lookup("k1", reqMsg(t), now)
	if res != LookupHit || oc != stored {
		t.Fatalf("second lookup = %v, %v", oc, res)
	}
	if stored.Hits != 1 {
		t.Errorf("hits = %d", stored.Hits)
	}
	oc.Deref()
}

func TestLookupCoalesces(t *testing.T) {
	c := NewCache(nil)
	now := time.Now()

	if _, res := c.Lookup("k2", reqMsg(t), now); res != LookupMiss {
		t.Fatalf("expected miss")
	}

	got := make(chan LookupResult, 1)
	go func() {
		_, res := c.Lookup("k2", reqMsg(t), time.Now())
		got <- res
	}()

	select {
	case <-got:
		t.Fatalf("second lookup did not wait for the busy fetch")
	case <-time.After(50 * time.Millisecond):
	}

	c.Insert("k2", freshOC(time.Minute))
	select {
	case res := <-got:
		if res != LookupHit {
			t.Errorf("waiter got %v, want hit", res)
		}
	case <-time.After(time.Second):
		t.Errorf("waiter never woke")
	}
}

func TestLookupAbandonWakesWaiters(t *testing.T) {
	c := NewCache(nil)
	if _, res := c.Lookup("k3", reqMsg(t), time.Now()); res != LookupMiss {
		t.Fatalf("expected miss")
	}

	got := make(chan LookupResult, 1)
	go func() {
		_, res := c.Lookup("k3", reqMsg(t), time.Now())
		got <- res
	}()
	time.Sleep(20 * time.Millisecond)
	c.Abandon("k3")

	select {
	case res := <-got:
		// the waiter takes over the fetch
		if res != LookupMiss {
			t.Errorf("waiter got %v, want miss", res)
		}
		c.Abandon("k3")
	case <-time.After(time.Second):
		t.Errorf("waiter never woke")
	}
}

func TestLookupHitForMissBypassesCoalescing(t *testing.T) {
	c := NewCache(nil)
	now := time.Now()

	if _, res := c.Lookup("k4", reqMsg(t), now); res != LookupMiss {
		t.Fatalf("expected miss")
	}
	marker := freshOC(2 * time.Minute)
	marker.SetFlag(object.FlagHFM | object.FlagPrivate)
	c.Insert("k4", marker)

	_, res := c.Lookup("k4", reqMsg(t), now)
	if res != LookupHitForMiss {
		t.Errorf("lookup = %v, want hit-for-miss", res)
	}
}

func TestLookupVaryVariants(t *testing.T) {
	c := NewCache(nil)
	now := time.Now()

	// insert a variant keyed on Accept-Language: da
	if _, res := c.Lookup("k5", reqMsg(t, "Accept-Language: da"), now); res != LookupMiss {
		t.Fatalf("expected miss")
	}
	config.Main.HTTPGzipSupport = false
	defer func() { config.Main.HTTPGzipSupport = true }()

	daOC := freshOC(time.Minute)
	daOC.VaryKey = varyKeyFor(t, "Accept-Language", "da")
	c.Insert("k5", daOC)

	if oc, res := c.Lookup("k5", reqMsg(t, "Accept-Language: da"), now); res != LookupHit {
		t.Errorf("da lookup = %v", res)
	} else {
		oc.Deref()
	}

	// a request with a different value misses and owns a fetch slot
	if _, res := c.Lookup("k5", reqMsg(t, "Accept-Language: en"), now); res != LookupMiss {
		t.Errorf("en lookup should miss")
	}
	c.Abandon("k5")
}

// varyKeyFor builds the fingerprint an object fetched with the given
// request header would carry under "Vary: <name>"
func varyKeyFor(t *testing.T, name, value string) []byte {
	t.Helper()
	k := []byte{0, byte(len(value)), byte(len(name) + 1)}
	k = append(k, name...)
	k = append(k, ':', 0)
	k = append(k, value...)
	k = append(k, 0xff, 0xff, 0)
	return k
}

func TestExpiredVariantDropped(t *testing.T) {
	c := NewCache(nil)

	if _, res := c.Lookup("k6", reqMsg(t), time.Now()); res != LookupMiss {
		t.Fatalf("expected miss")
	}
	old := freshOC(time.Millisecond)
	old.Grace = 0
	old.Keep = 0
	c.Insert("k6", old)

	time.Sleep(5 * time.Millisecond)
	if _, res := c.Lookup("k6", reqMsg(t), time.Now()); res != LookupMiss {
		t.Errorf("expired variant still served")
	}
	c.Abandon("k6")
}

func TestHashKeyStable(t *testing.T) {
	a := HashKey("example.com", "/x")
	b := HashKey("example.com", "/x")
	if a != b {
		t.Errorf("hash key unstable")
	}
	if HashKey("example.com", "/y") == a || HashKey("other.com", "/x") == a {
		t.Errorf("hash key collisions across inputs")
	}
}
