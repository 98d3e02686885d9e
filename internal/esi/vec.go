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

// Package esi implements Edge-Side-Includes: a fetch-side parser that
// compiles the response body into a linear instruction program, and a
// deliver-side interpreter that executes it, splicing sub-request bodies
// into the stream while preserving gzip framing.
package esi

import (
	"encoding/binary"
	"fmt"
)

// Instruction bytes. Length operands are encoded in 1, 2 or 8 big-endian
// bytes selected by the low nibble.
const (
	// VecGZ is the leading marker of a gzip object's program
	VecGZ = 0x21

	VecV1 = 0x40 + 1
	VecV2 = 0x40 + 2
	VecV8 = 0x40 + 8

	VecC1 = 0x50 + 1
	VecC2 = 0x50 + 2
	VecC8 = 0x50 + 8

	VecS1 = 0x60 + 1
	VecS2 = 0x60 + 2
	VecS8 = 0x60 + 8

	// VecIC is an include honoring onerror=continue
	VecIC = 0x70 + 1
	// VecIA is an include whose failure aborts the delivery
	VecIA = 0x70 + 2
)

func appendLen(b []byte, l int64, m1, m2, m8 byte) []byte {
	switch {
	case l < 256:
		return append(b, m1, byte(l))
	case l < 65536:
		var x [2]byte
		binary.BigEndian.PutUint16(x[:], uint16(l))
		return append(b, m2, x[0], x[1])
	default:
		var x [8]byte
		binary.BigEndian.PutUint64(x[:], uint64(l))
		return append(append(b, m8), x[:]...)
	}
}

// decodeLen reads one length operand, returning the value and remaining
// program bytes
func decodeLen(p []byte) (int64, []byte, error) {
	if len(p) == 0 {
		return 0, p, fmt.Errorf("esi: truncated program")
	}
	switch p[0] & 15 {
	case 1:
		if len(p) < 2 {
			return 0, p, fmt.Errorf("esi: truncated length")
		}
		return int64(p[1]), p[2:], nil
	case 2:
		if len(p) < 3 {
			return 0, p, fmt.Errorf("esi: truncated length")
		}
		return int64(binary.BigEndian.Uint16(p[1:3])), p[3:], nil
	case 8:
		if len(p) < 9 {
			return 0, p, fmt.Errorf("esi: truncated length")
		}
		return int64(binary.BigEndian.Uint64(p[1:9])), p[9:], nil
	}
	return 0, p, fmt.Errorf("esi: illegal length encoding 0x%02x", p[0])
}
