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

// Package vary builds and matches the compressed request fingerprints a
// response's Vary header demands.
//
// The matching string is a sequence of entries
//
//	<len-msb> <len-lsb> <name-len+1> <name> ':' 0x00 [value]
//
// closed by 0xff 0xff 0x00. A length of 0xffff records a header absent
// from the request; the value is omitted.
package vary

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/tridentcache/trident/internal/config"
	"github.com/tridentcache/trident/internal/vhttp"
)

const absent = 0xffff

// Create encodes a vary matching string for bereq against beresp's Vary
// header. Returns nil with no error when the response has no Vary header.
func Create(bereq, beresp *vhttp.Message) ([]byte, error) {
	v, ok := beresp.GetHdr(vhttp.HdrVary)
	if !ok {
		return nil, nil
	}

	var sb []byte
	fields := strings.Split(v, ",")
	for i, name := range fields {
		name = strings.TrimSpace(name)
		if name == "" {
			if i == len(fields)-1 {
				continue
			}
			return nil, fmt.Errorf("malformed Vary header")
		}
		if strings.ContainsAny(name, " \t") {
			return nil, fmt.Errorf("malformed Vary header")
		}
		if len(name) > 127 {
			return nil, fmt.Errorf("Vary header name length exceeded")
		}

		val, has := bereq.GetHdr(vhttp.Hdr(name))
		l := absent
		if has {
			// GetHdr already right-trimmed the value
			if len(val) > absent-1 {
				return nil, fmt.Errorf("Vary header maximum length exceeded")
			}
			l = len(val)
		}
		var lb [2]byte
		binary.BigEndian.PutUint16(lb[:], uint16(l))
		sb = append(sb, lb[:]...)
		sb = append(sb, byte(len(name)+1))
		sb = append(sb, name...)
		sb = append(sb, ':', 0)
		if has {
			sb = append(sb, val...)
		}
	}

	sb = append(sb, 0xff, 0xff, 0)
	return sb, nil
}

// entryLen returns the total length of the entry at p
func entryLen(p []byte) int {
	l := int(binary.BigEndian.Uint16(p))
	n := 2 + int(p[2]) + 2
	if l != absent {
		n += l
	}
	return n
}

// entryName returns the header-handle portion of the entry at p
func entryName(p []byte) []byte {
	return p[2 : 2+int(p[2])+2]
}

// compare classifies two entries: 0 same, 1 different header, 2 same
// header different contents. When gzip support is on, entries keyed on
// Accept-Encoding always match: the cache stores only the gzipped
// representation and re-encodes per client.
func compare(v1, v2 []byte) int {
	l1 := entryLen(v1)
	if l1 <= len(v2) && bytes.Equal(v1[:l1], v2[:l1]) {
		return 0
	}
	if !bytes.Equal(entryName(v1), entryName(v2)) {
		return 1
	}
	if config.Main != nil && config.Main.HTTPGzipSupport &&
		strings.EqualFold(string(entryName(v1)[1:len(entryName(v1))-1]), "Accept-Encoding:") {
		return 0
	}
	return 2
}

// buildEntry encodes a live entry for the stored entry's header name
// against the request
func buildEntry(req *vhttp.Message, stored []byte) []byte {
	nameField := entryName(stored) // <len> name ':' 0x00
	name := string(nameField[1 : len(nameField)-2])

	val, has := req.GetHdr(vhttp.Hdr(name))
	l := absent
	if has {
		l = len(val)
	}
	e := make([]byte, 0, 2+len(nameField)+len(val))
	var lb [2]byte
	binary.BigEndian.PutUint16(lb[:], uint16(l))
	e = append(e, lb[:]...)
	e = append(e, nameField...)
	if has {
		e = append(e, val...)
	}
	return e
}

// Match reports whether the request is compatible with the stored vary
// matching string. Live entries are built per stored header name and
// compared; a content mismatch is definitive.
func Match(req *vhttp.Message, stored []byte) bool {
	if len(stored) == 0 {
		return true
	}
	var live []byte
	for len(stored) >= 3 && stored[2] != 0 {
		if live == nil || !bytes.Equal(entryName(live), entryName(stored)) {
			// different header: build a new live entry, then retry
			live = buildEntry(req, stored)
			continue
		}
		switch compare(stored, live) {
		case 0:
			stored = stored[entryLen(stored):]
			live = nil
		case 2:
			// same header, different contents: cannot match
			return false
		}
	}
	return true
}

// Validate checks a matching string's structure and returns its total
// length.
func Validate(p []byte) (int, error) {
	total := 0
	for {
		if len(p) < 3 {
			return 0, fmt.Errorf("vary: truncated matching string")
		}
		if p[2] == 0 {
			if p[0] != 0xff || p[1] != 0xff {
				return 0, fmt.Errorf("vary: bad terminator")
			}
			return total + 3, nil
		}
		n := entryLen(p)
		if n > len(p) {
			return 0, fmt.Errorf("vary: truncated entry")
		}
		nf := entryName(p)
		if nf[len(nf)-1] != 0 || nf[len(nf)-2] != ':' {
			return 0, fmt.Errorf("vary: malformed entry name")
		}
		total += n
		p = p[n:]
	}
}
