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

package store

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/tridentcache/trident/internal/config"
	"github.com/tridentcache/trident/internal/object"
)

// mapStore is a minimal Store for exercising the stevedore without
// dragging a concrete engine into the test
type mapStore struct {
	mtx  sync.Mutex
	m    map[string][]byte
	conf *config.StoreConfig
}

func newMapStore(compression bool) *mapStore {
	cfg := config.NewStoreConfig()
	cfg.Name = "test"
	cfg.Compression = compression
	return &mapStore{m: make(map[string][]byte), conf: cfg}
}

func (s *mapStore) Connect() error { return nil }
func (s *mapStore) Store(key string, data []byte, ttl time.Duration) error {
	s.mtx.Lock()
	s.m[key] = append([]byte(nil), data...)
	s.mtx.Unlock()
	return nil
}
func (s *mapStore) Retrieve(key string) ([]byte, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if v, ok := s.m[key]; ok {
		return v, nil
	}
	return nil, ErrKNF
}
func (s *mapStore) Remove(key string) {
	s.mtx.Lock()
	delete(s.m, key)
	s.mtx.Unlock()
}
func (s *mapStore) BulkRemove(keys []string, noLock bool) {
	for _, k := range keys {
		s.Remove(k)
	}
}
func (s *mapStore) Close() error                       { return nil }
func (s *mapStore) Configuration() *config.StoreConfig { return s.conf }

func TestStevedoreRoundTrip(t *testing.T) {
	for _, compression := range []bool{false, true} {
		sv := NewStevedore(newMapStore(compression))

		oc := object.NewObjCore(sv)
		oc.Key = "obj1"
		oc.TTL = time.Minute
		oc.Grace = 10 * time.Second
		oc.SetFlag(object.FlagGzipped)
		oc.VaryKey = []byte{0xff, 0xff, 0x00}

		if err := sv.AllocObj(oc, 64); err != nil {
			t.Fatalf("alloc: %v", err)
		}
		sv.SetAttr(oc, object.AttrHeaders, []byte("packed-headers"))
		sv.AppendBody(oc, []byte("hello "))
		sv.AppendBody(oc, []byte("world"))
		if sv.BodyLen(oc) != 11 {
			t.Errorf("body len %d", sv.BodyLen(oc))
		}
		if err := sv.TrimFinish(oc); err != nil {
			t.Fatalf("finish: %v", err)
		}

		oc2, err := sv.Load("obj1")
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if oc2 == nil {
			t.Fatalf("object not found after store")
		}
		if !oc2.HasFlag(object.FlagGzipped) {
			t.Errorf("flags lost")
		}
		if oc2.TTL != time.Minute || oc2.Grace != 10*time.Second {
			t.Errorf("ttl/grace lost: %v %v", oc2.TTL, oc2.Grace)
		}
		if !bytes.Equal(oc2.VaryKey, []byte{0xff, 0xff, 0x00}) {
			t.Errorf("vary key lost: %x", oc2.VaryKey)
		}
		if v, ok := sv.GetAttr(oc2, object.AttrHeaders); !ok || string(v) != "packed-headers" {
			t.Errorf("attr lost: %q %v", v, ok)
		}
		var body []byte
		sv.Iterate(oc2, func(p []byte) error {
			body = append(body, p...)
			return nil
		})
		if string(body) != "hello world" {
			t.Errorf("body = %q", body)
		}
	}
}

func TestStevedoreLoadMiss(t *testing.T) {
	sv := NewStevedore(newMapStore(false))
	oc, err := sv.Load("nope")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if oc != nil {
		t.Errorf("expected nil objcore on miss")
	}
}

func TestStevedorePassObjectNotPersisted(t *testing.T) {
	ms := newMapStore(false)
	sv := NewStevedore(ms)
	oc := object.NewObjCore(sv)
	oc.Key = "p"
	oc.TTL = -1
	oc.SetFlag(object.FlagPrivate)
	sv.AllocObj(oc, 0)
	sv.AppendBody(oc, []byte("x"))
	sv.TrimFinish(oc)
	if len(ms.m) != 0 {
		t.Errorf("pass object was persisted")
	}
}
