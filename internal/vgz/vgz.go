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

// Package vgz holds the gzip plumbing shared by the fetch filters and the
// ESI deliver engine: canonical framing, CRC combination, the stored
// bit-offset record, and the copy-block encoding used to dress plain
// bytes as valid deflate output.
package vgz

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// Header is the canonical 10-byte gzip member header
var Header = []byte{
	0x1f, 0x8b, 0x08,
	0x00, 0x00, 0x00, 0x00,
	0x00,
	0x02, 0x03,
}

// FinalBlock is an empty final stored deflate block, byte aligned
var FinalBlock = []byte{0x01, 0x00, 0x00, 0xff, 0xff}

// Crc32 computes the IEEE crc of p seeded with crc
func Crc32(crc uint32, p []byte) uint32 {
	return crc32.Update(crc, crc32.IEEETable, p)
}

// Crc32Combine combines two IEEE crcs as if their inputs were
// concatenated; len2 is the length of the second input.
func Crc32Combine(crc1, crc2 uint32, len2 int64) uint32 {
	if len2 <= 0 {
		return crc1
	}

	var even, odd [32]uint32

	// put operator for one zero bit in odd
	odd[0] = 0xedb88320
	row := uint32(1)
	for n := 1; n < 32; n++ {
		odd[n] = row
		row <<= 1
	}

	// put operator for two zero bits in even
	gf2MatrixSquare(&even, &odd)
	// put operator for four zero bits in odd
	gf2MatrixSquare(&odd, &even)

	// apply len2 zeros to crc1 (first square will put the operator for
	// one zero byte, eight zero bits, in even)
	for {
		gf2MatrixSquare(&even, &odd)
		if len2&1 != 0 {
			crc1 = gf2MatrixTimes(&even, crc1)
		}
		len2 >>= 1
		if len2 == 0 {
			break
		}
		gf2MatrixSquare(&odd, &even)
		if len2&1 != 0 {
			crc1 = gf2MatrixTimes(&odd, crc1)
		}
		len2 >>= 1
		if len2 == 0 {
			break
		}
	}
	return crc1 ^ crc2
}

func gf2MatrixTimes(mat *[32]uint32, vec uint32) uint32 {
	var sum uint32
	for i := 0; vec != 0; i++ {
		if vec&1 != 0 {
			sum ^= mat[i]
		}
		vec >>= 1
	}
	return sum
}

func gf2MatrixSquare(square, mat *[32]uint32) {
	for n := 0; n < 32; n++ {
		square[n] = gf2MatrixTimes(mat, mat[n])
	}
}

// Bits is the stored gzip bit-offset record: bit positions of the first
// deflate block, the final block's header bit, and the end of the deflate
// data, plus the member's 8-byte trailer.
type Bits struct {
	Start   uint64
	Last    uint64
	Stop    uint64
	Trailer [8]byte
}

// Encode packs the record into its 32-byte attribute form: three BE64
// offsets followed by the trailer.
func (b *Bits) Encode() []byte {
	p := make([]byte, 32)
	binary.BigEndian.PutUint64(p[0:8], b.Start)
	binary.BigEndian.PutUint64(p[8:16], b.Last)
	binary.BigEndian.PutUint64(p[16:24], b.Stop)
	copy(p[24:32], b.Trailer[:])
	return p
}

// DecodeBits unpacks a 32-byte attribute record
func DecodeBits(p []byte) (*Bits, error) {
	if len(p) != 32 {
		return nil, fmt.Errorf("vgz: gzip bits record is %d bytes, want 32", len(p))
	}
	b := &Bits{
		Start: binary.BigEndian.Uint64(p[0:8]),
		Last:  binary.BigEndian.Uint64(p[8:16]),
		Stop:  binary.BigEndian.Uint64(p[16:24]),
	}
	copy(b.Trailer[:], p[24:32])
	return b, nil
}

// Trailer renders the 8-byte gzip member trailer: little-endian CRC32 and
// modulo-2^32 length.
func Trailer(crc uint32, length int64) []byte {
	p := make([]byte, 8)
	binary.LittleEndian.PutUint32(p[0:4], crc)
	binary.LittleEndian.PutUint32(p[4:8], uint32(length))
	return p
}

// SyntheticTail renders the 13-byte end-of-stream emitted after spliced
// deflate fragments: an empty final stored block followed by the combined
// CRC and length.
func SyntheticTail(crc uint32, length int64) []byte {
	p := make([]byte, 0, 13)
	p = append(p, FinalBlock...)
	p = append(p, Trailer(crc, length)...)
	return p
}

// AppendCopyBlocks wraps up to 64KiB-1 windows of p in stored-block
// deflate framing (00 ll ll ~ll ~ll) so plain bytes form valid
// non-final compressed output.
func AppendCopyBlocks(dst, p []byte) []byte {
	for len(p) > 0 {
		lx := len(p)
		if lx > 65535 {
			lx = 65535
		}
		var hdr [5]byte
		hdr[0] = 0
		binary.LittleEndian.PutUint16(hdr[1:3], uint16(lx))
		binary.LittleEndian.PutUint16(hdr[3:5], ^uint16(lx))
		dst = append(dst, hdr[:]...)
		dst = append(dst, p[:lx]...)
		p = p[lx:]
	}
	return dst
}
