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

// Package memory is the in-process object store
package memory

import (
	"sync"
	"time"

	"github.com/tridentcache/trident/internal/config"
	"github.com/tridentcache/trident/internal/store"
	"github.com/tridentcache/trident/internal/store/index"
	"github.com/tridentcache/trident/internal/util/log"
)

// Store is the in-memory object store
type Store struct {
	Name   string
	Config *config.StoreConfig

	client sync.Map
	index  *index.Index
}

// New returns a memory Store for the provided configuration
func New(name string, cfg *config.StoreConfig) *Store {
	return &Store{Name: name, Config: cfg}
}

// Configuration returns the Configuration for the Store
func (c *Store) Configuration() *config.StoreConfig {
	return c.Config
}

// Connect initializes the Store
func (c *Store) Connect() error {
	log.Info("memorystore setup", log.Pairs{"cacheName": c.Name, "maxSizeBytes": c.Config.Index.MaxSizeBytes})
	c.index = index.New(c.Name, c.Config.StoreType, c.Config.Index, nil, c.remove, nil)
	return nil
}

// Store places an object in the store using the provided key and ttl
func (c *Store) Store(key string, data []byte, ttl time.Duration) error {
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	c.client.Store(key, data)
	c.index.UpdateObject(key, int64(len(data)), exp)
	store.ObserveOperation(c.Config, "set", "ok")
	return nil
}

// Retrieve looks for an object in the store and returns it (or an error if not found)
func (c *Store) Retrieve(key string) ([]byte, error) {
	if c.index.IsExpired(key) {
		c.Remove(key)
		store.ObserveOperation(c.Config, "get", "expired")
		return nil, store.ErrKNF
	}
	record, ok := c.client.Load(key)
	if !ok {
		store.ObserveOperation(c.Config, "get", "miss")
		return nil, store.ErrKNF
	}
	c.index.UpdateObjectAccessTime(key)
	store.ObserveOperation(c.Config, "get", "hit")
	return record.([]byte), nil
}

// Remove removes an object from the store
func (c *Store) Remove(key string) {
	c.remove(key, false)
}

func (c *Store) remove(key string, noLock bool) {
	c.client.Delete(key)
	c.index.RemoveObject(key)
}

// BulkRemove removes a list of objects from the store
func (c *Store) BulkRemove(keys []string, noLock bool) {
	for _, key := range keys {
		c.remove(key, noLock)
	}
}

// Close drops the stored objects
func (c *Store) Close() error {
	if c.index != nil {
		c.index.Close()
	}
	c.client.Range(func(k, _ interface{}) bool {
		c.client.Delete(k)
		return true
	})
	return nil
}
