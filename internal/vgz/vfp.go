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
	"io"
	"io/ioutil"

	"github.com/tridentcache/trident/internal/filter"
	"github.com/tridentcache/trident/internal/object"
	"github.com/tridentcache/trident/internal/vhttp"
)

// RegisterFilters adds the gzip fetch filters to the provided set
func RegisterFilters(s *filter.Set) {
	s.Register(&filter.Registration{Name: "gzip", NewVfp: func() filter.Vfp { return &gzipVfp{} }})
	s.Register(&filter.Registration{
		Name:   "gunzip",
		NewVfp: func() filter.Vfp { return &gunzipVfp{} },
		NewVdp: func() filter.Vdp { return &gunzipVdp{} },
	})
	s.Register(&filter.Registration{Name: "testgunzip", NewVfp: func() filter.Vfp { return &testGunzipVfp{} }})
}

// suckReader adapts a chain entry's upstream pulls to io.Reader
type suckReader struct {
	fc  *filter.VfpCtx
	e   *filter.VfpEntry
	end bool
}

func (r *suckReader) Read(p []byte) (int, error) {
	if r.end {
		return 0, io.EOF
	}
	n, st := r.e.Suck(p)
	switch st {
	case filter.VfpEnd:
		r.end = true
		if n == 0 {
			return 0, io.EOF
		}
		return n, nil
	case filter.VfpError:
		err := r.fc.Err
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		return n, err
	}
	return n, nil
}

// dropBodyFraming strips the headers a body transform invalidates
func dropBodyFraming(resp *vhttp.Message) {
	if resp == nil {
		return
	}
	resp.Unset(vhttp.HdrContentLength)
	WeakenETag(resp)
}

// WeakenETag turns a strong response ETag into a weak one, as any body
// transform demands.
func WeakenETag(resp *vhttp.Message) {
	if resp == nil {
		return
	}
	if v, ok := resp.GetHdr(vhttp.HdrETag); ok {
		if len(v) < 2 || v[0] != 'W' || v[1] != '/' {
			resp.SetHdr(vhttp.HdrETag, "W/"+v)
		}
	}
}

/*--------------------------------------------------------------------
 * gunzip: inflate the backend body before storing it
 */

type gunzipVfp struct {
	zr *gzip.Reader
	sr *suckReader
}

func (*gunzipVfp) Name() string { return "gunzip" }

func (g *gunzipVfp) Init(fc *filter.VfpCtx, e *filter.VfpEntry) (int, error) {
	g.sr = &suckReader{fc: fc, e: e}
	if fc.Resp != nil {
		fc.Resp.Unset(vhttp.HdrContentEncoding)
		dropBodyFraming(fc.Resp)
	}
	return 0, nil
}

func (g *gunzipVfp) Pull(fc *filter.VfpCtx, e *filter.VfpEntry, p []byte) (int, filter.VfpStatus) {
	if g.zr == nil {
		zr, err := gzip.NewReader(g.sr)
		if err != nil {
			return 0, fc.Error("gunzip: %v", err)
		}
		zr.Multistream(false)
		g.zr = zr
	}
	n, err := g.zr.Read(p)
	if err == io.EOF {
		return n, filter.VfpEnd
	}
	if err != nil {
		return n, fc.Error("gunzip: %v", err)
	}
	return n, filter.VfpOK
}

func (g *gunzipVfp) Fini(fc *filter.VfpCtx, e *filter.VfpEntry) {
	if g.zr != nil {
		g.zr.Close()
	}
}

/*--------------------------------------------------------------------
 * gzip: compress the backend body, recording the deflate bit offsets so
 * the object can later be spliced into another gzip stream
 */

type gzipVfp struct {
	fw   *flate.Writer
	out  bytes.Buffer
	in   []byte
	crc  uint32
	ulen int64
	// clen tracks deflate bytes after the gzip header
	clen    int64
	srcEnd  bool
	tailGen bool
}

func (*gzipVfp) Name() string { return "gzip" }

func (g *gzipVfp) Init(fc *filter.VfpCtx, e *filter.VfpEntry) (int, error) {
	var err error
	g.fw, err = flate.NewWriter(&g.out, flate.DefaultCompression)
	if err != nil {
		return 0, err
	}
	g.in = make([]byte, 16*1024)
	g.out.Write(Header)
	if fc.Resp != nil {
		fc.Resp.SetHdr(vhttp.HdrContentEncoding, "gzip")
		dropBodyFraming(fc.Resp)
	}
	return 0, nil
}

func (g *gzipVfp) Pull(fc *filter.VfpCtx, e *filter.VfpEntry, p []byte) (int, filter.VfpStatus) {
	for g.out.Len() == 0 && !g.tailGen {
		if !g.srcEnd {
			n, st := e.Suck(g.in)
			if st == filter.VfpError {
				return 0, st
			}
			if n > 0 {
				g.crc = Crc32(g.crc, g.in[:n])
				g.ulen += int64(n)
				if _, err := g.fw.Write(g.in[:n]); err != nil {
					return 0, fc.Error("gzip: %v", err)
				}
			}
			if st == filter.VfpEnd {
				g.srcEnd = true
			}
			continue
		}
		// input is complete: flush byte-aligned, then close the member
		// with an empty final stored block and the trailer
		if err := g.fw.Flush(); err != nil {
			return 0, fc.Error("gzip: %v", err)
		}
		g.clen += int64(g.out.Len()) - int64(len(Header))
		bits := &Bits{
			Start: uint64(len(Header)) * 8,
			Last:  uint64(len(Header)+int(g.clen)) * 8,
			Stop:  uint64(len(Header)+int(g.clen)+len(FinalBlock)) * 8,
		}
		trailer := Trailer(g.crc, g.ulen)
		copy(bits.Trailer[:], trailer)
		g.out.Write(FinalBlock)
		g.out.Write(trailer)
		if fc.Oc != nil {
			fc.Oc.SetFlag(object.FlagGzipped)
			fc.Oc.Store.SetAttr(fc.Oc, object.AttrGzipBits, bits.Encode())
		}
		g.tailGen = true
	}
	n, _ := g.out.Read(p)
	if !g.tailGen {
		// the header and early deflate output leave before the flush;
		// count them so clen covers every deflate byte
		g.clen += int64(n)
	}
	if g.tailGen && g.out.Len() == 0 {
		return n, filter.VfpEnd
	}
	return n, filter.VfpOK
}

func (g *gzipVfp) Fini(fc *filter.VfpCtx, e *filter.VfpEntry) {}

/*--------------------------------------------------------------------
 * testgunzip: verify that a backend body claiming gzip really inflates,
 * storing the bytes untouched
 */

type testGunzipVfp struct {
	pw   *io.PipeWriter
	done chan error
}

func (*testGunzipVfp) Name() string { return "testgunzip" }

func (t *testGunzipVfp) Init(fc *filter.VfpCtx, e *filter.VfpEntry) (int, error) {
	pr, pw := io.Pipe()
	t.pw = pw
	t.done = make(chan error, 1)
	go func() {
		zr, err := gzip.NewReader(pr)
		if err != nil {
			pr.CloseWithError(err)
			t.done <- err
			return
		}
		zr.Multistream(false)
		_, err = io.Copy(ioutil.Discard, zr)
		if err == nil {
			err = zr.Close()
		}
		if err != nil {
			pr.CloseWithError(err)
		}
		t.done <- err
	}()
	return 0, nil
}

func (t *testGunzipVfp) Pull(fc *filter.VfpCtx, e *filter.VfpEntry, p []byte) (int, filter.VfpStatus) {
	n, st := e.Suck(p)
	if n > 0 {
		if _, err := t.pw.Write(p[:n]); err != nil {
			return n, fc.Error("testgunzip: %v", err)
		}
	}
	if st == filter.VfpEnd {
		t.pw.Close()
		if err := <-t.done; err != nil {
			return n, fc.Error("testgunzip: %v", err)
		}
		t.done = nil
		if fc.Oc != nil {
			fc.Oc.SetFlag(object.FlagGzipped)
		}
	}
	return n, st
}

func (t *testGunzipVfp) Fini(fc *filter.VfpCtx, e *filter.VfpEntry) {
	if t.done != nil {
		t.pw.CloseWithError(io.ErrClosedPipe)
		<-t.done
		t.done = nil
	}
}

/*--------------------------------------------------------------------
 * gunzip VDP: inflate a stored gzip object for a client that did not
 * advertise gzip support. The body is collected and inflated at End.
 */

type gunzipVdp struct {
	buf bytes.Buffer
}

func (*gunzipVdp) Name() string { return "gunzip" }

func (g *gunzipVdp) Init(dc *filter.VdpCtx, e *filter.VdpEntry, oc *object.ObjCore) (int, error) {
	if oc == nil || !oc.HasFlag(object.FlagGzipped) {
		return 1, nil
	}
	if dc.Resp != nil {
		dc.Resp.Unset(vhttp.HdrContentEncoding)
		dropBodyFraming(dc.Resp)
	}
	return 0, nil
}

func (g *gunzipVdp) Bytes(dc *filter.VdpCtx, e *filter.VdpEntry, act filter.VdpAction, p []byte) error {
	g.buf.Write(p)
	if act != filter.VdpEnd {
		return nil
	}
	zr, err := gzip.NewReader(&g.buf)
	if err != nil {
		return err
	}
	defer zr.Close()
	out := make([]byte, 16*1024)
	for {
		n, err := zr.Read(out)
		if n > 0 {
			if err2 := e.Forward(filter.VdpNull, out[:n]); err2 != nil {
				return err2
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
	}
	return e.Forward(filter.VdpEnd, nil)
}

func (g *gunzipVdp) Fini(dc *filter.VdpCtx, e *filter.VdpEntry) error { return nil }
