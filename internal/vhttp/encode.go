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

package vhttp

import (
	"encoding/binary"
	"fmt"
)

// Encode filter selectors
const (
	// EncodeAll packs every field
	EncodeAll = iota
	// EncodeStore packs the fields that belong in a stored object,
	// skipping hop-by-hop and no-store marked fields
	EncodeStore
)

func (m *Message) skipField(i, how int) bool {
	if how != EncodeStore {
		return false
	}
	return m.hdf[i]&(FlagHopByHop|FlagNoStore) != 0
}

// EncodedLen returns the size of the packed form of m under the given filter
func (m *Message) EncodedLen(how int) int {
	l := 4
	l += len(m.hd[HdrProto]) + 1
	l += len(m.hd[HdrStatus]) + 1
	l += len(m.hd[HdrReason]) + 1
	for i := HdrFirst; i < m.nhd; i++ {
		if m.skipField(i, how) {
			continue
		}
		l += len(m.hd[i]) + 1
	}
	return l + 1
}

// Encode packs the message into the object-headers wire form: a BE16 field
// count, a BE16 status, then NUL-terminated strings for :proto, :status,
// :reason and each header in declaration order, closed by an empty string.
func (m *Message) Encode(how int) []byte {
	p := make([]byte, 0, m.EncodedLen(how))
	n := 3
	for i := HdrFirst; i < m.nhd; i++ {
		if !m.skipField(i, how) {
			n++
		}
	}
	var hdr [4]byte
	binary.BigEndian.PutUint16(hdr[0:2], uint16(n))
	binary.BigEndian.PutUint16(hdr[2:4], m.status)
	p = append(p, hdr[:]...)
	p = append(p, m.hd[HdrProto]...)
	p = append(p, 0)
	p = append(p, m.hd[HdrStatus]...)
	p = append(p, 0)
	p = append(p, m.hd[HdrReason]...)
	p = append(p, 0)
	for i := HdrFirst; i < m.nhd; i++ {
		if m.skipField(i, how) {
			continue
		}
		p = append(p, m.hd[i]...)
		p = append(p, 0)
	}
	p = append(p, 0)
	return p
}

// Decode unpacks a packed header block into m. The packed form is canonical
// after one Encode/Decode pass.
func (m *Message) Decode(p []byte) error {
	if len(p) < 5 {
		return fmt.Errorf("vhttp: short packed header block (%d)", len(p))
	}
	n := int(binary.BigEndian.Uint16(p[0:2]))
	if n > len(m.hd) {
		return fmt.Errorf("vhttp: too many headers to decode object (%d vs. %d)", n, len(m.hd))
	}
	m.Reset()
	m.status = binary.BigEndian.Uint16(p[2:4])
	p = p[4:]

	next := func() (string, error) {
		for i := 0; i < len(p); i++ {
			if p[i] == 0 {
				s := string(p[:i])
				p = p[i+1:]
				return s, nil
			}
		}
		return "", fmt.Errorf("vhttp: unterminated packed header field")
	}

	var err error
	var s string
	if s, err = next(); err != nil {
		return err
	}
	m.hd[HdrProto] = m.ws.CopyString(s)
	if s, err = next(); err != nil {
		return err
	}
	m.hd[HdrStatus] = m.ws.CopyString(s)
	if s, err = next(); err != nil {
		return err
	}
	m.hd[HdrReason] = m.ws.CopyString(s)

	for i := 3; i < n; i++ {
		if s, err = next(); err != nil {
			return err
		}
		if s == "" {
			return fmt.Errorf("vhttp: short packed header block (%d fields, %d declared)", i, n)
		}
		m.hd[m.nhd] = m.ws.CopyString(s)
		m.nhd++
	}
	if len(p) == 0 || p[0] != 0 {
		return fmt.Errorf("vhttp: missing packed header terminator")
	}
	return nil
}
