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

// Package redis is the redis-backed object store
package redis

import (
	"time"

	"github.com/go-redis/redis"

	"github.com/tridentcache/trident/internal/config"
	"github.com/tridentcache/trident/internal/store"
	"github.com/tridentcache/trident/internal/util/log"
)

// Store stores objects in a Redis instance. Redis expires keys natively,
// so no external index is kept.
type Store struct {
	Name   string
	Config *config.StoreConfig

	client *redis.Client
}

// New returns a redis Store for the provided configuration
func New(name string, cfg *config.StoreConfig) *Store {
	return &Store{Name: name, Config: cfg}
}

// Configuration returns the Configuration for the Store
func (c *Store) Configuration() *config.StoreConfig {
	return c.Config
}

// Connect connects to the configured Redis endpoint
func (c *Store) Connect() error {
	log.Info("connecting to redis", log.Pairs{"protocol": c.Config.Redis.Protocol, "Endpoint": c.Config.Redis.Endpoint})
	opts := &redis.Options{
		Network: c.Config.Redis.Protocol,
		Addr:    c.Config.Redis.Endpoint,
	}
	if c.Config.Redis.Password != "" {
		opts.Password = c.Config.Redis.Password
	}
	if c.Config.Redis.DB != 0 {
		opts.DB = c.Config.Redis.DB
	}
	c.client = redis.NewClient(opts)
	return c.client.Ping().Err()
}

// Store places an object in the store using the provided key and ttl
func (c *Store) Store(key string, data []byte, ttl time.Duration) error {
	if err := c.client.Set(key, data, ttl).Err(); err != nil {
		store.ObserveOperation(c.Config, "set", "error")
		return err
	}
	store.ObserveOperation(c.Config, "set", "ok")
	return nil
}

// Retrieve looks for an object in the store and returns it (or an error if not found)
func (c *Store) Retrieve(key string) ([]byte, error) {
	data, err := c.client.Get(key).Bytes()
	if err != nil {
		store.ObserveOperation(c.Config, "get", "miss")
		return nil, store.ErrKNF
	}
	store.ObserveOperation(c.Config, "get", "hit")
	return data, nil
}

// Remove removes an object from the store
func (c *Store) Remove(key string) {
	c.client.Del(key)
}

// BulkRemove removes a list of objects from the store
func (c *Store) BulkRemove(keys []string, noLock bool) {
	c.client.Del(keys...)
}

// Close disconnects from the Redis instance
func (c *Store) Close() error {
	log.Info("closing redis connection", log.Pairs{"cacheName": c.Name})
	return c.client.Close()
}
