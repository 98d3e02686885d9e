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

package vgz

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"hash/crc32"
	"io/ioutil"
	"strings"
	"testing"

	"github.com/tridentcache/trident/internal/vhttp"
	"github.com/tridentcache/trident/internal/ws"
)

var etagHdr = vhttp.HdrETag

func newRespMsg(t *testing.T) *vhttp.Message {
	t.Helper()
	return vhttp.New(ws.New("test", 4096), 16)
}

func TestCrc32Combine(t *testing.T) {
	a := []byte("the quick brown fox ")
	b := []byte("jumps over the lazy dog")
	crcA := Crc32(0, a)
	crcB := Crc32(0, b)
	whole := Crc32(0, append(append([]byte(nil), a...), b...))
	if got := Crc32Combine(crcA, crcB, int64(len(b))); got != whole {
		t.Errorf("combine = %08x, want %08x", got, whole)
	}
	if got := Crc32Combine(crcA, 0, 0); got != crcA {
		t.Errorf("combine with empty second input changed crc")
	}
	if Crc32(0, a) != crc32.ChecksumIEEE(a) {
		t.Errorf("Crc32 disagrees with stdlib")
	}
}

func TestBitsRoundTrip(t *testing.T) {
	b := &Bits{Start: 80, Last: 8080, Stop: 8120}
	copy(b.Trailer[:], []byte{1, 2, 3, 4, 5, 6, 7, 8})
	enc := b.Encode()
	if len(enc) != 32 {
		t.Fatalf("encoded length %d", len(enc))
	}
	b2, err := DecodeBits(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if *b2 != *b {
		t.Errorf("round trip mismatch: %+v vs %+v", b2, b)
	}
	if _, err := DecodeBits(enc[:31]); err == nil {
		t.Errorf("short record accepted")
	}
}

func TestSyntheticTail(t *testing.T) {
	tail := SyntheticTail(0xdeadbeef, 42)
	if len(tail) != 13 {
		t.Fatalf("tail length %d", len(tail))
	}
	if !bytes.Equal(tail[:5], FinalBlock) {
		t.Errorf("tail does not start with the final stored block")
	}
}

// TestCopyBlocksInflate wraps plain bytes in copy blocks, closes the
// stream and verifies a real inflater recovers the input
func TestCopyBlocksInflate(t *testing.T) {
	payload := bytes.Repeat([]byte("trident"), 20000) // > 64 KiB

	var deflateStream []byte
	deflateStream = AppendCopyBlocks(deflateStream, payload)
	deflateStream = append(deflateStream, FinalBlock...)

	fr := flate.NewReader(bytes.NewReader(deflateStream))
	got, err := ioutil.ReadAll(fr)
	if err != nil {
		t.Fatalf("inflate: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("inflated payload differs (%d vs %d bytes)", len(got), len(payload))
	}
}

// TestSplicedMemberIsValidGzip builds a whole gzip member the way the ESI
// deliver path does: canonical header, copy blocks, synthetic tail.
func TestSplicedMemberIsValidGzip(t *testing.T) {
	payload := []byte("spliced content")

	var member []byte
	member = append(member, Header...)
	member = AppendCopyBlocks(member, payload)
	member = append(member, SyntheticTail(Crc32(0, payload), int64(len(payload)))...)

	zr, err := gzip.NewReader(bytes.NewReader(member))
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	got, err := ioutil.ReadAll(zr)
	if err != nil {
		t.Fatalf("gunzip: %v", err)
	}
	if string(got) != string(payload) {
		t.Errorf("payload = %q", got)
	}
}

func TestWeakenETagPlain(t *testing.T) {
	resp := newRespMsg(t)
	resp.SetHeader(`ETag: "abc"`)
	WeakenETag(resp)
	if v, _ := resp.GetHdr(etagHdr); v != `W/"abc"` {
		t.Errorf("etag = %q", v)
	}
	// already weak: unchanged
	WeakenETag(resp)
	if v, _ := resp.GetHdr(etagHdr); v != `W/"abc"` {
		t.Errorf("etag double-weakened: %q", v)
	}
}

func TestGzipRoundTripPreservesContent(t *testing.T) {
	// sanity check the framing constants against the stdlib reader
	content := strings.Repeat("0123456789", 500)

	var buf bytes.Buffer
	buf.Write(Header)
	fw, _ := flate.NewWriter(&buf, flate.DefaultCompression)
	fw.Write([]byte(content))
	fw.Flush()
	buf.Write(FinalBlock)
	buf.Write(Trailer(Crc32(0, []byte(content)), int64(len(content))))

	zr, err := gzip.NewReader(&buf)
	if err != nil {
		t.Fatalf("reader: %v", err)
	}
	got, err := ioutil.ReadAll(zr)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != content {
		t.Errorf("content mismatch after round trip")
	}
}
