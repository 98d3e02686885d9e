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

// Package filesystem is the file-backed object store
package filesystem

import (
	"crypto/sha1"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tridentcache/trident/internal/config"
	"github.com/tridentcache/trident/internal/store"
	"github.com/tridentcache/trident/internal/store/index"
	"github.com/tridentcache/trident/internal/util/log"
)

// Store stores objects as files beneath the configured path
type Store struct {
	Name   string
	Config *config.StoreConfig

	mtx   sync.Mutex
	index *index.Index
}

// New returns a filesystem Store for the provided configuration
func New(name string, cfg *config.StoreConfig) *Store {
	return &Store{Name: name, Config: cfg}
}

// Configuration returns the Configuration for the Store
func (c *Store) Configuration() *config.StoreConfig {
	return c.Config
}

// Connect creates the store path and loads any flushed index
func (c *Store) Connect() error {
	log.Info("filesystem store setup", log.Pairs{"cacheName": c.Name, "storePath": c.Config.Filesystem.StorePath})
	if err := os.MkdirAll(c.Config.Filesystem.StorePath, 0755); err != nil {
		return fmt.Errorf("[%s] filesystem store unable to create path %s: %v",
			c.Name, c.Config.Filesystem.StorePath, err)
	}
	seed, _ := ioutil.ReadFile(c.indexPath())
	c.index = index.New(c.Name, c.Config.StoreType, c.Config.Index, seed, c.remove, c.flushIndex)
	return nil
}

func (c *Store) indexPath() string {
	return filepath.Join(c.Config.Filesystem.StorePath, index.IndexKey)
}

func (c *Store) dataPath(key string) string {
	return filepath.Join(c.Config.Filesystem.StorePath, fmt.Sprintf("%x.data", sha1.Sum([]byte(key))))
}

func (c *Store) flushIndex(data []byte) {
	if err := ioutil.WriteFile(c.indexPath(), data, 0644); err != nil {
		log.Warn("filesystem store index flush failed", log.Pairs{"cacheName": c.Name, "detail": err.Error()})
	}
}

// Store places an object in the store using the provided key and ttl
func (c *Store) Store(key string, data []byte, ttl time.Duration) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if err := ioutil.WriteFile(c.dataPath(key), data, 0644); err != nil {
		store.ObserveOperation(c.Config, "set", "error")
		return err
	}
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
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
	c.mtx.Lock()
	data, err := ioutil.ReadFile(c.dataPath(key))
	c.mtx.Unlock()
	if err != nil {
		store.ObserveOperation(c.Config, "get", "miss")
		return nil, store.ErrKNF
	}
	c.index.UpdateObjectAccessTime(key)
	store.ObserveOperation(c.Config, "get", "hit")
	return data, nil
}

// Remove removes an object from the store
func (c *Store) Remove(key string) {
	c.remove(key, false)
}

func (c *Store) remove(key string, noLock bool) {
	if !noLock {
		c.mtx.Lock()
		defer c.mtx.Unlock()
	}
	os.Remove(c.dataPath(key))
	c.index.RemoveObject(key)
}

// BulkRemove removes a list of objects from the store
func (c *Store) BulkRemove(keys []string, noLock bool) {
	for _, key := range keys {
		c.remove(key, noLock)
	}
}

// Close flushes the index and stops maintenance
func (c *Store) Close() error {
	if c.index != nil {
		c.flushIndex(c.index.ToBytes())
		c.index.Close()
	}
	return nil
}
