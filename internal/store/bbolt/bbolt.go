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

// Package bbolt is the bbolt-backed object store
package bbolt

import (
	"fmt"
	"time"

	bolt "github.com/coreos/bbolt"

	"github.com/tridentcache/trident/internal/config"
	"github.com/tridentcache/trident/internal/store"
	"github.com/tridentcache/trident/internal/store/index"
	"github.com/tridentcache/trident/internal/util/log"
)

// Store stores objects in a bbolt database
type Store struct {
	Name   string
	Config *config.StoreConfig

	dbh   *bolt.DB
	index *index.Index
}

// New returns a bbolt Store for the provided configuration
func New(name string, cfg *config.StoreConfig) *Store {
	return &Store{Name: name, Config: cfg}
}

// Configuration returns the Configuration for the Store
func (c *Store) Configuration() *config.StoreConfig {
	return c.Config
}

// Connect opens the configured bbolt database
func (c *Store) Connect() error {
	log.Info("bbolt store setup", log.Pairs{"cacheFile": c.Config.BBolt.Filename})

	var err error
	c.dbh, err = bolt.Open(c.Config.BBolt.Filename, 0644, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return err
	}

	err = c.dbh.Update(func(tx *bolt.Tx) error {
		_, err2 := tx.CreateBucketIfNotExists([]byte(c.Config.BBolt.Bucket))
		if err2 != nil {
			return fmt.Errorf("create bucket: %s", err2)
		}
		return nil
	})
	if err != nil {
		return err
	}

	seed, _ := c.retrieveRaw(index.IndexKey)
	c.index = index.New(c.Name, c.Config.StoreType, c.Config.Index, seed, c.remove, c.flushIndex)
	return nil
}

func (c *Store) flushIndex(data []byte) {
	if err := c.storeRaw(index.IndexKey, data); err != nil {
		log.Warn("bbolt store index flush failed", log.Pairs{"cacheName": c.Name, "detail": err.Error()})
	}
}

func (c *Store) storeRaw(key string, data []byte) error {
	return c.dbh.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(c.Config.BBolt.Bucket))
		return b.Put([]byte(key), data)
	})
}

func (c *Store) retrieveRaw(key string) ([]byte, error) {
	var data []byte
	err := c.dbh.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(c.Config.BBolt.Bucket))
		v := b.Get([]byte(key))
		if v == nil {
			return store.ErrKNF
		}
		data = append(data, v...)
		return nil
	})
	return data, err
}

// Store places an object in the store using the provided key and ttl
func (c *Store) Store(key string, data []byte, ttl time.Duration) error {
	if err := c.storeRaw(key, data); err != nil {
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
	data, err := c.retrieveRaw(key)
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
	err := c.dbh.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(c.Config.BBolt.Bucket))
		return b.Delete([]byte(key))
	})
	if err != nil {
		log.Error("bbolt store key delete failure", log.Pairs{"cacheKey": key, "detail": err.Error()})
		return
	}
	c.index.RemoveObject(key)
}

// BulkRemove removes a list of objects from the store
func (c *Store) BulkRemove(keys []string, noLock bool) {
	for _, key := range keys {
		c.remove(key, noLock)
	}
}

// Close flushes the index and closes the database
func (c *Store) Close() error {
	if c.index != nil {
		c.flushIndex(c.index.ToBytes())
		c.index.Close()
	}
	if c.dbh != nil {
		return c.dbh.Close()
	}
	return nil
}
