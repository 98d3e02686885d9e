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

// Package registration instantiates the configured object stores
package registration

import (
	"fmt"
	"strings"

	"github.com/tridentcache/trident/internal/config"
	"github.com/tridentcache/trident/internal/store"
	"github.com/tridentcache/trident/internal/store/badger"
	"github.com/tridentcache/trident/internal/store/bbolt"
	"github.com/tridentcache/trident/internal/store/filesystem"
	"github.com/tridentcache/trident/internal/store/memory"
	"github.com/tridentcache/trident/internal/store/redis"
)

// Stores maintains a list of active stores
var Stores = make(map[string]store.Store)

// GetStore returns the store named storeName if it is registered
func GetStore(storeName string) (store.Store, error) {
	if c, ok := Stores[storeName]; ok {
		return c, nil
	}
	return nil, fmt.Errorf("could not find store named [%s]", storeName)
}

// LoadStoresFromConfig instantiates the configured stores referenced by a backend
func LoadStoresFromConfig() error {
	for k, v := range config.Stores {
		if active := config.Config.ActiveStores(); !active[k] {
			continue
		}
		c := NewStore(k, v)
		if err := c.Connect(); err != nil {
			return err
		}
		Stores[k] = c
	}
	return nil
}

// CloseStores closes the registered stores
func CloseStores() {
	for _, c := range Stores {
		c.Close()
	}
}

// NewStore returns a Store for the provided config
func NewStore(storeName string, cfg *config.StoreConfig) store.Store {
	switch strings.ToLower(cfg.StoreType) {
	case "filesystem":
		return filesystem.New(storeName, cfg)
	case "bbolt":
		return bbolt.New(storeName, cfg)
	case "badger":
		return badger.New(storeName, cfg)
	case "redis":
		return redis.New(storeName, cfg)
	default:
		return memory.New(storeName, cfg)
	}
}
