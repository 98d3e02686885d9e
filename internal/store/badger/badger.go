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

// Package badger is the BadgerDB-backed object store
package badger

import (
	"time"

	badgerdb "github.com/dgraph-io/badger"

	"github.com/tridentcache/trident/internal/config"
	"github.com/tridentcache/trident/internal/store"
	"github.com/tridentcache/trident/internal/util/log"
)

// Store stores objects in a BadgerDB database. Badger expires keys
// natively, so no external index is kept.
type Store struct {
	Name   string
	Config *config.StoreConfig

	dbh *badgerdb.DB
}

// New returns a badger Store for the provided configuration
func New(name string, cfg *config.StoreConfig) *Store {
	return &Store{Name: name, Config: cfg}
}

// Configuration returns the Configuration for the Store
func (c *Store) Configuration() *config.StoreConfig {
	return c.Config
}

// Connect opens the configured Badger database
func (c *Store) Connect() error {
	log.Info("badger store setup", log.Pairs{"cacheDir": c.Config.Badger.Directory})
	opts := badgerdb.DefaultOptions(c.Config.Badger.Directory)
	opts.ValueDir = c.Config.Badger.ValueDirectory
	var err error
	c.dbh, err = badgerdb.Open(opts)
	return err
}

// Store places an object in the store using the provided key and ttl
func (c *Store) Store(key string, data []byte, ttl time.Duration) error {
	err := c.dbh.Update(func(txn *badgerdb.Txn) error {
		e := badgerdb.NewEntry([]byte(key), data)
		if ttl > 0 {
			e = e.WithTTL(ttl)
		}
		return txn.SetEntry(e)
	})
	if err != nil {
		store.ObserveOperation(c.Config, "set", "error")
		return err
	}
	store.ObserveOperation(c.Config, "set", "ok")
	return nil
}

// Retrieve looks for an object in the store and returns it (or an error if not found)
func (c *Store) Retrieve(key string) ([]byte, error) {
	var data []byte
	err := c.dbh.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		store.ObserveOperation(c.Config, "get", "miss")
		return nil, store.ErrKNF
	}
	store.ObserveOperation(c.Config, "get", "hit")
	return data, nil
}

// Remove removes an object from the store
func (c *Store) Remove(key string) {
	if err := c.dbh.Update(func(txn *badgerdb.Txn) error {
		return txn.Delete([]byte(key))
	}); err != nil {
		log.Error("badger store key delete failure", log.Pairs{"cacheKey": key, "detail": err.Error()})
	}
}

// BulkRemove removes a list of objects from the store
func (c *Store) BulkRemove(keys []string, noLock bool) {
	for _, key := range keys {
		c.Remove(key)
	}
}

// Close closes the database
func (c *Store) Close() error {
	if c.dbh != nil {
		return c.dbh.Close()
	}
	return nil
}
