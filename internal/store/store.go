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

// Package store defines the object-store interface consumed by the
// stevedore layer, and the shared lookup bookkeeping.
package store

import (
	"errors"
	"time"

	"github.com/tridentcache/trident/internal/config"
	"github.com/tridentcache/trident/internal/util/metrics"
)

// ErrKNF is the error to return when a retrieved key is not found
var ErrKNF = errors.New("key not found in store")

// Store is the interface any persistence backend must implement
type Store interface {
	// Connect sets up the store client
	Connect() error
	// Store places an object record in the store under key for ttl
	Store(key string, data []byte, ttl time.Duration) error
	// Retrieve returns the object record stored under key
	Retrieve(key string) ([]byte, error)
	// Remove deletes the record stored under key
	Remove(key string)
	// BulkRemove deletes the records stored under the provided keys
	BulkRemove(keys []string, noLock bool)
	// Close shuts the store client down
	Close() error
	// Configuration returns the store's configuration
	Configuration() *config.StoreConfig
}

// LookupStatus describes the result of an object lookup
type LookupStatus int

const (
	// LookupStatusHit - the object was fresh in the store
	LookupStatusHit LookupStatus = iota
	// LookupStatusMiss - the object was not in the store
	LookupStatusMiss
	// LookupStatusExpired - the object was in the store but expired
	LookupStatusExpired
	// LookupStatusError - the store errored during lookup
	LookupStatusError
)

var lookupStatusNames = []string{"hit", "miss", "expired", "error"}

func (s LookupStatus) String() string {
	if s < 0 || int(s) >= len(lookupStatusNames) {
		return "unknown"
	}
	return lookupStatusNames[s]
}

// ObserveOperation updates the store operation metric for the named store
func ObserveOperation(cfg *config.StoreConfig, operation string, status string) {
	if metrics.CacheObjectOperations != nil {
		metrics.CacheObjectOperations.WithLabelValues(cfg.Name, cfg.StoreType, operation, status).Inc()
	}
}
