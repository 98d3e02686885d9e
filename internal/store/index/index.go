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

// Package index maintains expiration and recency metadata for stores whose
// backing engines have no native TTL support. The index reaps expired
// objects on an interval and evicts least-recently-accessed objects when
// the store exceeds its configured size.
package index

import (
	"sort"
	"sync"
	"time"

	"github.com/tridentcache/trident/internal/config"
	"github.com/tridentcache/trident/internal/util/log"
)

// IndexKey is the reserved store key under which the index persists itself
const IndexKey = "trident.index"

// RemoveFunc removes a key from the owning store
type RemoveFunc func(key string, noLock bool)

// FlushFunc persists the serialized index
type FlushFunc func(data []byte)

// Index tracks object metadata for a store
type Index struct {
	name      string
	storeType string
	options   config.StoreIndexConfig

	mtx     sync.Mutex
	entries map[string]*Entry

	removeFn RemoveFunc
	flushFn  FlushFunc
	quit     chan struct{}
	once     sync.Once
}

// New returns an Index and starts its reaper and, when flushFn is non-nil,
// its flusher. seed, if non-nil, is a previously flushed index image.
func New(name, storeType string, options config.StoreIndexConfig, seed []byte,
	removeFn RemoveFunc, flushFn FlushFunc) *Index {
	idx := &Index{
		name:      name,
		storeType: storeType,
		options:   options,
		entries:   make(map[string]*Entry),
		removeFn:  removeFn,
		flushFn:   flushFn,
		quit:      make(chan struct{}),
	}
	if len(seed) > 0 {
		if err := idx.fromBytes(seed); err != nil {
			log.Warn("store index seed unreadable, starting empty",
				log.Pairs{"cacheName": name, "detail": err.Error()})
		}
	}
	if options.ReapInterval > 0 {
		go idx.reaper()
	}
	if flushFn != nil && options.FlushInterval > 0 {
		go idx.flusher()
	}
	return idx
}

// Close stops the index maintenance goroutines
func (idx *Index) Close() {
	idx.once.Do(func() { close(idx.quit) })
}

// UpdateObject records a stored object's size and expiration
func (idx *Index) UpdateObject(key string, size int64, expiration time.Time) {
	idx.mtx.Lock()
	e, ok := idx.entries[key]
	if !ok {
		e = &Entry{Key: key}
		idx.entries[key] = e
	}
	e.Size = size
	if expiration.IsZero() {
		e.Expiration = 0
	} else {
		e.Expiration = expiration.UnixNano()
	}
	e.LastAccess = time.Now().UnixNano()
	idx.mtx.Unlock()
}

// UpdateObjectAccessTime marks the object as recently used
func (idx *Index) UpdateObjectAccessTime(key string) {
	idx.mtx.Lock()
	if e, ok := idx.entries[key]; ok {
		e.LastAccess = time.Now().UnixNano()
	}
	idx.mtx.Unlock()
}

// RemoveObject drops the object from the index
func (idx *Index) RemoveObject(key string) {
	idx.mtx.Lock()
	delete(idx.entries, key)
	idx.mtx.Unlock()
}

// IsExpired returns true when the index knows the key and its expiration
// has passed. Objects with a zero expiration do not expire.
func (idx *Index) IsExpired(key string) bool {
	idx.mtx.Lock()
	defer idx.mtx.Unlock()
	e, ok := idx.entries[key]
	if !ok {
		return false
	}
	return e.Expiration > 0 && e.Expiration < time.Now().UnixNano()
}

// Count returns the number of indexed objects
func (idx *Index) Count() int {
	idx.mtx.Lock()
	defer idx.mtx.Unlock()
	return len(idx.entries)
}

func (idx *Index) reaper() {
	for {
		select {
		case <-idx.quit:
			return
		case <-time.After(idx.options.ReapInterval):
			idx.reap()
		}
	}
}

func (idx *Index) reap() {
	now := time.Now().UnixNano()

	idx.mtx.Lock()
	removals := make([]string, 0)
	var sizeBytes int64
	for k, e := range idx.entries {
		if e.Expiration > 0 && e.Expiration < now {
			removals = append(removals, k)
			continue
		}
		sizeBytes += e.Size
	}
	for _, k := range removals {
		delete(idx.entries, k)
	}

	// LRU eviction beyond the configured ceilings
	var evictions []string
	needBytes := idx.options.MaxSizeBytes > 0 && sizeBytes > idx.options.MaxSizeBytes
	needCount := idx.options.MaxSizeObjects > 0 && int64(len(idx.entries)) > idx.options.MaxSizeObjects
	if needBytes || needCount {
		byAccess := make([]*Entry, 0, len(idx.entries))
		for _, e := range idx.entries {
			byAccess = append(byAccess, e)
		}
		sort.Slice(byAccess, func(i, j int) bool { return byAccess[i].LastAccess < byAccess[j].LastAccess })
		count := int64(len(byAccess))
		for _, e := range byAccess {
			over := (idx.options.MaxSizeBytes > 0 && sizeBytes > idx.options.MaxSizeBytes) ||
				(idx.options.MaxSizeObjects > 0 && count > idx.options.MaxSizeObjects)
			if !over {
				break
			}
			evictions = append(evictions, e.Key)
			sizeBytes -= e.Size
			count--
			delete(idx.entries, e.Key)
		}
	}
	idx.mtx.Unlock()

	for _, k := range removals {
		idx.removeFn(k, false)
	}
	for _, k := range evictions {
		idx.removeFn(k, false)
	}
	if len(removals) > 0 || len(evictions) > 0 {
		log.Debug("store index reap",
			log.Pairs{"cacheName": idx.name, "expired": len(removals), "evicted": len(evictions)})
	}
}

func (idx *Index) flusher() {
	for {
		select {
		case <-idx.quit:
			return
		case <-time.After(idx.options.FlushInterval):
			idx.flushFn(idx.ToBytes())
		}
	}
}
