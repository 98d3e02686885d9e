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

package index

import (
	"github.com/tinylib/msgp/msgp"
)

// Entry is the indexed metadata for one stored object
type Entry struct {
	// Key is the object's store key
	Key string
	// Expiration is the unix nano time the object expires; 0 = never
	Expiration int64
	// LastAccess is the unix nano time the object was last read or written
	LastAccess int64
	// Size is the stored record size in bytes
	Size int64
}

// marshalMsg appends the msgpack form of the entry
func (e *Entry) marshalMsg(b []byte) []byte {
	b = msgp.AppendArrayHeader(b, 4)
	b = msgp.AppendString(b, e.Key)
	b = msgp.AppendInt64(b, e.Expiration)
	b = msgp.AppendInt64(b, e.LastAccess)
	b = msgp.AppendInt64(b, e.Size)
	return b
}

// unmarshalMsg reads the msgpack form of the entry, returning the remainder
func (e *Entry) unmarshalMsg(b []byte) ([]byte, error) {
	sz, b, err := msgp.ReadArrayHeaderBytes(b)
	if err != nil {
		return b, err
	}
	if sz != 4 {
		return b, msgp.ArrayError{Wanted: 4, Got: sz}
	}
	if e.Key, b, err = msgp.ReadStringBytes(b); err != nil {
		return b, err
	}
	if e.Expiration, b, err = msgp.ReadInt64Bytes(b); err != nil {
		return b, err
	}
	if e.LastAccess, b, err = msgp.ReadInt64Bytes(b); err != nil {
		return b, err
	}
	if e.Size, b, err = msgp.ReadInt64Bytes(b); err != nil {
		return b, err
	}
	return b, nil
}

// ToBytes serializes the index entries with msgpack
func (idx *Index) ToBytes() []byte {
	idx.mtx.Lock()
	defer idx.mtx.Unlock()
	b := msgp.AppendArrayHeader(nil, uint32(len(idx.entries)))
	for _, e := range idx.entries {
		b = e.marshalMsg(b)
	}
	return b
}

func (idx *Index) fromBytes(b []byte) error {
	sz, b, err := msgp.ReadArrayHeaderBytes(b)
	if err != nil {
		return err
	}
	entries := make(map[string]*Entry, sz)
	for i := uint32(0); i < sz; i++ {
		e := &Entry{}
		if b, err = e.unmarshalMsg(b); err != nil {
			return err
		}
		entries[e.Key] = e
	}
	idx.mtx.Lock()
	idx.entries = entries
	idx.mtx.Unlock()
	return nil
}
