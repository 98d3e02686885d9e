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

// Package engines drives a client request through lookup, fetch and
// deliver against one configured backend.
package engines

import (
	"crypto/sha1"
	"fmt"
	"sync"
	"time"

	"github.com/tridentcache/trident/internal/object"
	"github.com/tridentcache/trident/internal/store"
	"github.com/tridentcache/trident/internal/util/log"
	"github.com/tridentcache/trident/internal/vary"
	"github.com/tridentcache/trident/internal/vhttp"
)

// LookupResult classifies a cache lookup
type LookupResult int

const (
	// LookupHit - a usable variant was found
	LookupHit LookupResult = iota
	// LookupMiss - no variant; the caller owns a busy fetch slot
	LookupMiss
	// LookupHitForMiss - a hit-for-miss marker; fetch without coalescing
	LookupHitForMiss
)

// objHead collects the variants stored under one hash key
type objHead struct {
	mtx  sync.Mutex
	cond *sync.Cond

	variants []*object.ObjCore
	// busy counts fetches in flight for this head; waiters queue on cond
	busy int
}

// Cache is the in-process object lookup table backed by a stevedore
type Cache struct {
	mtx   sync.Mutex
	heads map[string]*objHead
	sv    *store.Stevedore
}

// NewCache returns a Cache over the provided stevedore
func NewCache(sv *store.Stevedore) *Cache {
	return &Cache{heads: make(map[string]*objHead), sv: sv}
}

// HashKey derives the object hash key the way the lookup step does
func HashKey(host, url string) string {
	h := sha1.New()
	h.Write([]byte(host))
	h.Write([]byte{0})
	h.Write([]byte(url))
	return fmt.Sprintf("%x", h.Sum(nil))
}

func (c *Cache) head(key string) *objHead {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	oh, ok := c.heads[key]
	if !ok {
		oh = &objHead{}
		oh.cond = sync.NewCond(&oh.mtx)
		c.heads[key] = oh
	}
	return oh
}

// usable reports whether oc can satisfy a request right now
func usable(oc *object.ObjCore, req *vhttp.Message, now time.Time) bool {
	if oc.HasFlag(object.FlagFailed) {
		return false
	}
	if !oc.Fresh(now) && !oc.InGrace(now) {
		return false
	}
	if !vary.Match(req, oc.VaryKey) {
		return false
	}
	if !vary.MatchKey(req, keyAttr(oc)) {
		return false
	}
	return true
}

func keyAttr(oc *object.ObjCore) []byte {
	if oc.Store == nil {
		return nil
	}
	v, _ := oc.Store.GetAttr(oc, object.AttrKey)
	return v
}

// Lookup finds a variant for the request, waiting on the head when a
// fetch is already in flight. On LookupMiss the caller holds a busy slot
// it must resolve with Insert or Abandon.
func (c *Cache) Lookup(key string, req *vhttp.Message, now time.Time) (*object.ObjCore, LookupResult) {
	oh := c.head(key)
	oh.mtx.Lock()
	defer oh.mtx.Unlock()

	for {
		// scan in-memory variants
		for _, oc := range c.scanLocked(oh, key, req, now) {
			if oc.HasFlag(object.FlagHFM) {
				if oc.Fresh(now) {
					return oc, LookupHitForMiss
				}
				continue
			}
			oc.Ref()
			oc.CountHit()
			return oc, LookupHit
		}

		if oh.busy > 0 {
			// a fetch is already under way; join the waiting list
			oh.cond.Wait()
			continue
		}

		oh.busy++
		return nil, LookupMiss
	}
}

// scanLocked returns the usable candidates, loading a persisted object
// when the head is empty. Caller holds oh.mtx.
func (c *Cache) scanLocked(oh *objHead, key string, req *vhttp.Message, now time.Time) []*object.ObjCore {
	var out []*object.ObjCore
	live := oh.variants[:0]
	for _, oc := range oh.variants {
		if oc.TTL >= 0 && !now.Before(oc.TOrigin.Add(oc.TTL+oc.Grace+oc.Keep)) {
			// past keep: drop the reference the head holds
			oc.Deref()
			continue
		}
		live = append(live, oc)
		if usable(oc, req, now) {
			out = append(out, oc)
		}
	}
	oh.variants = live

	if len(out) == 0 && len(oh.variants) == 0 && c.sv != nil {
		if oc, err := c.sv.Load(key); err == nil && oc != nil {
			if usable(oc, req, now) {
				oh.variants = append(oh.variants, oc)
				out = append(out, oc)
			} else {
				oc.Deref()
			}
		}
	}
	return out
}

// Insert publishes a fetched object under the key and releases the busy
// slot, waking the waiting list.
func (c *Cache) Insert(key string, oc *object.ObjCore) {
	oh := c.head(key)
	oh.mtx.Lock()
	if oc != nil {
		oc.Ref() // the head's reference
		oh.variants = append(oh.variants, oc)
	}
	if oh.busy <= 0 {
		oh.mtx.Unlock()
		panic("cache: insert without busy slot")
	}
	oh.busy--
	oh.cond.Broadcast()
	oh.mtx.Unlock()
}

// Abandon releases a busy slot without publishing an object
func (c *Cache) Abandon(key string) {
	oh := c.head(key)
	oh.mtx.Lock()
	if oh.busy <= 0 {
		oh.mtx.Unlock()
		panic("cache: abandon without busy slot")
	}
	oh.busy--
	oh.cond.Broadcast()
	oh.mtx.Unlock()
}

// Purge drops every variant under the key
func (c *Cache) Purge(key string) int {
	oh := c.head(key)
	oh.mtx.Lock()
	n := len(oh.variants)
	for _, oc := range oh.variants {
		if c.sv != nil {
			c.sv.Drop(oc.Key)
		}
		oc.Deref()
	}
	oh.variants = nil
	oh.mtx.Unlock()
	if n > 0 {
		log.Debug("purge", log.Pairs{"key": key, "objects": n})
	}
	return n
}
