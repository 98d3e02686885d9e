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
	"fmt"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/tinylib/msgp/msgp"

	"github.com/tridentcache/trident/internal/object"
)

// Stevedore adapts a Store to the object.Stevedore contract. While an
// object is busy (being fetched) its attributes and body segments live in
// memory on the objcore; TrimFinish packs them into a record and hands it
// to the Store. Objects loaded back from the Store carry the whole record
// on the objcore.
type Stevedore struct {
	store Store
	name  string
}

// NewStevedore returns a Stevedore backed by s
func NewStevedore(s Store) *Stevedore {
	return &Stevedore{store: s, name: s.Configuration().Name}
}

// Name identifies the stevedore in logs
func (sv *Stevedore) Name() string { return sv.name }

// objState is the per-object handle kept on the objcore
type objState struct {
	mtx   sync.Mutex
	attrs map[object.Attr][]byte
	segs  [][]byte
	blen  int64
	// chunk is the segment allocation size hint
	chunk int
}

func (sv *Stevedore) state(oc *object.ObjCore) *objState {
	st, _ := oc.Priv().(*objState)
	return st
}

// AllocObj prepares in-memory accumulation for a new object
func (sv *Stevedore) AllocObj(oc *object.ObjCore, estimate int) error {
	if oc.Priv() != nil {
		return fmt.Errorf("stevedore %s: object already allocated", sv.name)
	}
	chunk := estimate
	if chunk <= 0 {
		chunk = 16 * 1024
	}
	oc.SetPriv(&objState{attrs: make(map[object.Attr][]byte), chunk: chunk})
	return nil
}

// GetAttr returns the named attribute
func (sv *Stevedore) GetAttr(oc *object.ObjCore, attr object.Attr) ([]byte, bool) {
	st := sv.state(oc)
	if st == nil {
		return nil, false
	}
	st.mtx.Lock()
	v, ok := st.attrs[attr]
	st.mtx.Unlock()
	return v, ok
}

// SetAttr stores the named attribute
func (sv *Stevedore) SetAttr(oc *object.ObjCore, attr object.Attr, val []byte) error {
	st := sv.state(oc)
	if st == nil {
		return fmt.Errorf("stevedore %s: object not allocated", sv.name)
	}
	st.mtx.Lock()
	st.attrs[attr] = append([]byte(nil), val...)
	st.mtx.Unlock()
	return nil
}

// AppendBody adds bytes to the object body
func (sv *Stevedore) AppendBody(oc *object.ObjCore, p []byte) error {
	st := sv.state(oc)
	if st == nil {
		return fmt.Errorf("stevedore %s: object not allocated", sv.name)
	}
	st.mtx.Lock()
	n := len(st.segs)
	if n == 0 || len(st.segs[n-1])+len(p) > cap(st.segs[n-1]) {
		seg := make([]byte, 0, maxInt(st.chunk, len(p)))
		st.segs = append(st.segs, seg)
		n++
	}
	st.segs[n-1] = append(st.segs[n-1], p...)
	st.blen += int64(len(p))
	if oc.Boc != nil {
		oc.Boc.FetchedSoFar = st.blen
	}
	st.mtx.Unlock()
	return nil
}

// BodyLen returns the current body length
func (sv *Stevedore) BodyLen(oc *object.ObjCore) int64 {
	st := sv.state(oc)
	if st == nil {
		return 0
	}
	st.mtx.Lock()
	defer st.mtx.Unlock()
	return st.blen
}

// Iterate calls f with successive body segments
func (sv *Stevedore) Iterate(oc *object.ObjCore, f func(p []byte) error) error {
	st := sv.state(oc)
	if st == nil {
		return fmt.Errorf("stevedore %s: object not allocated", sv.name)
	}
	st.mtx.Lock()
	segs := st.segs
	st.mtx.Unlock()
	for _, seg := range segs {
		if len(seg) == 0 {
			continue
		}
		if err := f(seg); err != nil {
			return err
		}
	}
	return nil
}

// TrimFinish packs the object and persists it in the Store for the
// object's ttl+grace+keep lifetime.
func (sv *Stevedore) TrimFinish(oc *object.ObjCore) error {
	st := sv.state(oc)
	if st == nil {
		return fmt.Errorf("stevedore %s: object not allocated", sv.name)
	}
	if oc.HasFlag(object.FlagPrivate) || oc.TTL < 0 {
		// pass objects die with their transaction
		return nil
	}
	data := packRecord(oc, st)
	key := oc.Key
	if sv.store.Configuration().Compression {
		key += ".sz"
		data = snappy.Encode(nil, data)
	}
	life := oc.TTL + oc.Grace + oc.Keep
	return sv.store.Store(key, data, life)
}

// FreeObj releases the stevedore side of the object
func (sv *Stevedore) FreeObj(oc *object.ObjCore) {
	oc.SetPriv(nil)
}

// Load retrieves and unpacks the object stored under key, or nil when
// there is no such object.
func (sv *Stevedore) Load(key string) (*object.ObjCore, error) {
	k := key
	compressed := sv.store.Configuration().Compression
	if compressed {
		k += ".sz"
	}
	data, err := sv.store.Retrieve(k)
	if err != nil {
		if err == ErrKNF {
			return nil, nil
		}
		return nil, err
	}
	if compressed {
		if data, err = snappy.Decode(nil, data); err != nil {
			return nil, err
		}
	}
	oc := object.NewObjCore(sv)
	oc.Key = key
	if err := unpackRecord(oc, data); err != nil {
		return nil, err
	}
	return oc, nil
}

// Drop removes the object stored under key
func (sv *Stevedore) Drop(key string) {
	if sv.store.Configuration().Compression {
		key += ".sz"
	}
	sv.store.Remove(key)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// record layout (msgpack array): flags, torigin-unixnano, ttl, grace,
// keep, varykey, attr-count, (attr-id, attr-bytes)*, body
func packRecord(oc *object.ObjCore, st *objState) []byte {
	st.mtx.Lock()
	defer st.mtx.Unlock()
	b := msgp.AppendArrayHeader(nil, 8)
	b = msgp.AppendUint32(b, oc.Flags)
	b = msgp.AppendInt64(b, oc.TOrigin.UnixNano())
	b = msgp.AppendInt64(b, int64(oc.TTL))
	b = msgp.AppendInt64(b, int64(oc.Grace))
	b = msgp.AppendInt64(b, int64(oc.Keep))
	b = msgp.AppendBytes(b, oc.VaryKey)
	b = msgp.AppendMapHeader(b, uint32(len(st.attrs)))
	for id, v := range st.attrs {
		b = msgp.AppendInt(b, int(id))
		b = msgp.AppendBytes(b, v)
	}
	body := make([]byte, 0, st.blen)
	for _, seg := range st.segs {
		body = append(body, seg...)
	}
	b = msgp.AppendBytes(b, body)
	return b
}

func unpackRecord(oc *object.ObjCore, b []byte) error {
	sz, b, err := msgp.ReadArrayHeaderBytes(b)
	if err != nil {
		return err
	}
	if sz != 8 {
		return msgp.ArrayError{Wanted: 8, Got: sz}
	}
	var i64 int64
	if oc.Flags, b, err = msgp.ReadUint32Bytes(b); err != nil {
		return err
	}
	if i64, b, err = msgp.ReadInt64Bytes(b); err != nil {
		return err
	}
	oc.TOrigin = time.Unix(0, i64)
	if i64, b, err = msgp.ReadInt64Bytes(b); err != nil {
		return err
	}
	oc.TTL = time.Duration(i64)
	if i64, b, err = msgp.ReadInt64Bytes(b); err != nil {
		return err
	}
	oc.Grace = time.Duration(i64)
	if i64, b, err = msgp.ReadInt64Bytes(b); err != nil {
		return err
	}
	oc.Keep = time.Duration(i64)
	if oc.VaryKey, b, err = msgp.ReadBytesBytes(b, nil); err != nil {
		return err
	}
	var n uint32
	if n, b, err = msgp.ReadMapHeaderBytes(b); err != nil {
		return err
	}
	st := &objState{attrs: make(map[object.Attr][]byte, n), chunk: 16 * 1024}
	for i := uint32(0); i < n; i++ {
		var id int
		var v []byte
		if id, b, err = msgp.ReadIntBytes(b); err != nil {
			return err
		}
		if v, b, err = msgp.ReadBytesBytes(b, nil); err != nil {
			return err
		}
		st.attrs[object.Attr(id)] = v
	}
	var body []byte
	if body, _, err = msgp.ReadBytesBytes(b, nil); err != nil {
		return err
	}
	if len(body) > 0 {
		st.segs = [][]byte{body}
		st.blen = int64(len(body))
	}
	oc.SetPriv(st)
	return nil
}
