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
	"bytes"
	"testing"

	"github.com/tridentcache/trident/internal/ws"
)

func newTestMessage(t *testing.T) *Message {
	t.Helper()
	return New(ws.New("test", 8192), 32)
}

func TestHdrHandle(t *testing.T) {
	h := Hdr("Host")
	if h != "\x05Host:" {
		t.Errorf("bad handle %q", h)
	}
	if HdrName(h) != "Host" {
		t.Errorf("bad name %q", HdrName(h))
	}
}

func TestGetSetUnset(t *testing.T) {
	m := newTestMessage(t)
	m.SetHeader("Host: example.com")
	m.SetHeader("Accept-Encoding: gzip, br")
	m.SetHeader("X-Test: one")

	if v, ok := m.GetHdr(HdrHost); !ok || v != "example.com" {
		t.Errorf("GetHdr Host = %q, %v", v, ok)
	}
	if v, ok := m.GetHdr(Hdr("x-test")); !ok || v != "one" {
		t.Errorf("case-insensitive lookup failed: %q %v", v, ok)
	}
	m.Unset(HdrHost)
	if _, ok := m.GetHdr(HdrHost); ok {
		t.Errorf("Host survived Unset")
	}
	if v, ok := m.GetHdr(Hdr("X-Test")); !ok || v != "one" {
		t.Errorf("Unset disturbed other headers: %q %v", v, ok)
	}
}

func TestGetHdrToken(t *testing.T) {
	m := newTestMessage(t)
	m.SetHeader("Accept-Encoding: deflate, gzip;q=0.5, br")
	if _, ok := m.GetHdrToken(HdrAcceptEncoding, "gzip"); !ok {
		t.Errorf("gzip token not found")
	}
	if _, ok := m.GetHdrToken(HdrAcceptEncoding, "zstd"); ok {
		t.Errorf("zstd token falsely found")
	}
	if q := m.GetHdrQ(HdrAcceptEncoding, "gzip"); q != 0.5 {
		t.Errorf("q(gzip) = %v", q)
	}
	if q := m.GetHdrQ(HdrAcceptEncoding, "br"); q != 1 {
		t.Errorf("q(br) = %v", q)
	}
}

func TestGetHdrField(t *testing.T) {
	m := newTestMessage(t)
	m.SetHeader("Cache-Control: public, max-age=60, stale-while-revalidate=30")
	if v, ok := m.GetHdrField(HdrCacheControl, "max-age"); !ok || v != "60" {
		t.Errorf("max-age = %q, %v", v, ok)
	}
	if _, ok := m.GetHdrField(HdrCacheControl, "public"); !ok {
		t.Errorf("public flag not found")
	}
	if _, ok := m.GetHdrField(HdrCacheControl, "private"); ok {
		t.Errorf("private falsely found")
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	m := newTestMessage(t)
	m.SetH(HdrProto, "HTTP/1.1")
	m.SetStatus(200)
	m.SetH(HdrReason, "OK")
	m.SetHeader("Content-Type: text/html")
	m.SetHeader("Vary: Accept-Encoding")

	p := m.Encode(EncodeAll)

	m2 := newTestMessage(t)
	if err := m2.Decode(p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m2.Status() != 200 || m2.Proto() != "HTTP/1.1" || m2.Reason() != "OK" {
		t.Errorf("pseudo slots wrong after decode: %d %q %q", m2.Status(), m2.Proto(), m2.Reason())
	}
	if v, ok := m2.GetHdr(HdrVary); !ok || v != "Accept-Encoding" {
		t.Errorf("Vary lost in decode: %q %v", v, ok)
	}

	// packed form is canonical after one pass
	p2 := m2.Encode(EncodeAll)
	if !bytes.Equal(p, p2) {
		t.Errorf("encode/decode round trip not byte-identical:\n%q\n%q", p, p2)
	}
}

func TestEncodeStoreFiltersMarkedFields(t *testing.T) {
	m := newTestMessage(t)
	m.SetH(HdrProto, "HTTP/1.1")
	m.SetStatus(200)
	m.SetH(HdrReason, "OK")
	m.SetHeader("Connection: close")
	m.SetFieldFlags(HdrFirst, FlagHopByHop)
	m.SetHeader("Content-Type: text/plain")

	p := m.Encode(EncodeStore)
	m2 := newTestMessage(t)
	if err := m2.Decode(p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := m2.GetHdr(HdrConnection); ok {
		t.Errorf("hop-by-hop header packed into object form")
	}
	if _, ok := m2.GetHdr(Hdr("Content-Type")); !ok {
		t.Errorf("end-to-end header lost")
	}
}

func TestDecodeTooManyHeaders(t *testing.T) {
	m := New(ws.New("test", 8192), 16)
	for i := 0; i < 13; i++ {
		m.PrintfHeader("X-H%d: %d", i, i)
	}
	m.SetH(HdrProto, "HTTP/1.1")
	m.SetStatus(200)
	p := m.Encode(EncodeAll)

	small := New(ws.New("test", 8192), 8)
	if err := small.Decode(p); err == nil {
		t.Errorf("expected decode failure on undersized message")
	}
}

func TestSetHeaderOverflow(t *testing.T) {
	m := New(ws.New("test", 8192), HdrFirst+1)
	if err := m.SetHeader("A: 1"); err != nil {
		t.Fatalf("first header: %v", err)
	}
	if err := m.SetHeader("B: 2"); err == nil {
		t.Errorf("expected slot exhaustion error")
	}
	if !m.Ws().Overflowed() {
		t.Errorf("expected workspace overflow mark")
	}
}

func TestDup(t *testing.T) {
	m := newTestMessage(t)
	m.SetH(HdrMethod, "GET")
	m.SetH(HdrURL, "/x")
	m.SetH(HdrProto, "HTTP/1.1")
	m.SetHeader("Host: a")

	m2 := newTestMessage(t)
	m2.Dup(m)
	if m2.Method() != "GET" || m2.URL() != "/x" {
		t.Errorf("Dup lost pseudo slots")
	}
	if v, ok := m2.GetHdr(HdrHost); !ok || v != "a" {
		t.Errorf("Dup lost headers: %q %v", v, ok)
	}
}
