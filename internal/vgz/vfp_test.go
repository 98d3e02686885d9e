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
	"compress/gzip"
	"io/ioutil"
	"strings"
	"testing"

	"github.com/tridentcache/trident/internal/filter"
	"github.com/tridentcache/trident/internal/object"
	"github.com/tridentcache/trident/internal/ws"
)

// bufStevedore collects the fetched body and attributes in memory
type bufStevedore struct {
	body  bytes.Buffer
	attrs map[object.Attr][]byte
}

func (m *bufStevedore) Name() string                                    { return "buf" }
func (m *bufStevedore) AllocObj(oc *object.ObjCore, estimate int) error { return nil }
func (m *bufStevedore) GetAttr(oc *object.ObjCore, a object.Attr) ([]byte, bool) {
	v, ok := m.attrs[a]
	return v, ok
}
func (m *bufStevedore) SetAttr(oc *object.ObjCore, a object.Attr, v []byte) error {
	if m.attrs == nil {
		m.attrs = map[object.Attr][]byte{}
	}
	m.attrs[a] = append([]byte(nil), v...)
	return nil
}
func (m *bufStevedore) AppendBody(oc *object.ObjCore, p []byte) error {
	m.body.Write(p)
	return nil
}
func (m *bufStevedore) BodyLen(oc *object.ObjCore) int64 { return int64(m.body.Len()) }
func (m *bufStevedore) Iterate(oc *object.ObjCore, f func(p []byte) error) error {
	return f(m.body.Bytes())
}
func (m *bufStevedore) TrimFinish(oc *object.ObjCore) error { return nil }
func (m *bufStevedore) FreeObj(oc *object.ObjCore)          {}

func gzipBytes(t *testing.T, content string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	zw.Write([]byte(content))
	zw.Close()
	return buf.Bytes()
}

func runChain(t *testing.T, body []byte, names string) (*bufStevedore, *object.ObjCore, error) {
	t.Helper()
	s := filter.NewSet()
	RegisterFilters(s)
	sv := &bufStevedore{}
	oc := object.NewObjCore(sv)
	fc := filter.NewVfpCtx(ws.New("fetch", 16*1024), newRespMsg(t), oc, bytes.NewReader(body))
	if err := s.StackVFP(fc, names); err != nil {
		t.Fatalf("stack %q: %v", names, err)
	}
	return sv, oc, fc.FetchBody(4096)
}

func TestGunzipVfp(t *testing.T) {
	sv, oc, err := runChain(t, gzipBytes(t, "uncompressed content"), "gunzip")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if sv.body.String() != "uncompressed content" {
		t.Errorf("stored body = %q", sv.body.String())
	}
	if oc.HasFlag(object.FlagGzipped) {
		t.Errorf("gunzipped object marked gzipped")
	}
}

func TestGunzipVfpBadInput(t *testing.T) {
	if _, _, err := runChain(t, []byte("this is not gzip"), "gunzip"); err == nil {
		t.Errorf("bogus gzip accepted")
	}
}

func TestGzipVfp(t *testing.T) {
	content := strings.Repeat("compressible content ", 200)
	sv, oc, err := runChain(t, []byte(content), "gzip")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !oc.HasFlag(object.FlagGzipped) {
		t.Errorf("compressed object not marked gzipped")
	}

	// the stored body must be a valid gzip member holding the content
	zr, err := gzip.NewReader(bytes.NewReader(sv.body.Bytes()))
	if err != nil {
		t.Fatalf("stored body is not gzip: %v", err)
	}
	got, err := ioutil.ReadAll(zr)
	if err != nil {
		t.Fatalf("inflate: %v", err)
	}
	if string(got) != content {
		t.Errorf("content mismatch after gzip vfp")
	}

	// the recorded bit offsets must describe the stored member
	raw, ok := sv.attrs[object.AttrGzipBits]
	if !ok {
		t.Fatalf("no gzip bits attribute")
	}
	bits, err := DecodeBits(raw)
	if err != nil {
		t.Fatalf("bits: %v", err)
	}
	if bits.Start != 80 {
		t.Errorf("start = %d", bits.Start)
	}
	if bits.Start&7 != 0 || bits.Last&7 != 0 || bits.Stop&7 != 0 {
		t.Errorf("offsets not byte aligned: %+v", bits)
	}
	if bits.Last <= bits.Start || bits.Stop <= bits.Last {
		t.Errorf("offsets out of order: %+v", bits)
	}
	bodyLen := uint64(sv.body.Len())
	if bits.Stop/8 != bodyLen-8 {
		t.Errorf("stop (%d bits) does not abut the trailer of the %d-byte member", bits.Stop, bodyLen)
	}
}

func TestTestGunzipVfp(t *testing.T) {
	member := gzipBytes(t, "checked content")
	sv, oc, err := runChain(t, member, "testgunzip")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !bytes.Equal(sv.body.Bytes(), member) {
		t.Errorf("testgunzip modified the stored bytes")
	}
	if !oc.HasFlag(object.FlagGzipped) {
		t.Errorf("verified gzip object not marked gzipped")
	}
}

func TestTestGunzipVfpCorrupt(t *testing.T) {
	member := gzipBytes(t, "checked content")
	member[len(member)-5] ^= 0xff // corrupt the CRC
	if _, _, err := runChain(t, member, "testgunzip"); err == nil {
		t.Errorf("corrupt gzip accepted")
	}
}

func TestGunzipVdp(t *testing.T) {
	s := filter.NewSet()
	RegisterFilters(s)

	sv := &bufStevedore{}
	sv.body.Write(gzipBytes(t, "deliver me plain"))
	oc := object.NewObjCore(sv)
	oc.SetFlag(object.FlagGzipped)

	dc := filter.NewVdpCtx(ws.New("deliver", 8192), newRespMsg(t), oc)
	if err := s.StackVDP(dc, "gunzip"); err != nil {
		t.Fatalf("stack: %v", err)
	}
	sink := &collectVdp{}
	dc.Push(sink, nil)
	if err := dc.Deliver(); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	dc.Close()
	if sink.buf.String() != "deliver me plain" {
		t.Errorf("delivered = %q", sink.buf.String())
	}
}

type collectVdp struct {
	buf bytes.Buffer
}

func (*collectVdp) Name() string { return "collect" }
func (*collectVdp) Init(dc *filter.VdpCtx, e *filter.VdpEntry, oc *object.ObjCore) (int, error) {
	return 0, nil
}
func (c *collectVdp) Bytes(dc *filter.VdpCtx, e *filter.VdpEntry, act filter.VdpAction, p []byte) error {
	c.buf.Write(p)
	return nil
}
func (*collectVdp) Fini(dc *filter.VdpCtx, e *filter.VdpEntry) error { return nil }
