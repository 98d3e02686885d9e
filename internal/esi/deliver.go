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

package esi

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io/ioutil"

	"github.com/tridentcache/trident/internal/filter"
	"github.com/tridentcache/trident/internal/object"
	"github.com/tridentcache/trident/internal/util/log"
	"github.com/tridentcache/trident/internal/util/metrics"
	"github.com/tridentcache/trident/internal/vgz"
	"github.com/tridentcache/trident/internal/vhttp"
)

// IncludeDriver runs ESI sub-requests. The engine resolves src/host
// through its normal request path and, once the child response is ready,
// calls Ecx.DeliverChild on the same goroutine. The parent's delivery is
// suspended for the duration.
type IncludeDriver interface {
	Include(src, host string, ecx *Ecx) error
}

// DeliverCtl is the per-delivery control block carried on the chain
// context for the esi filter and its children.
type DeliverCtl struct {
	// Driver runs includes; a nil driver fails any include
	Driver IncludeDriver
	// ParentEcx links a sub-request's interpreter to its parent
	ParentEcx *Ecx
	// Depth is this request's include depth
	Depth int
	// MaxDepth bounds Depth; includes beyond it fail
	MaxDepth int
	// OnError honors onerror=continue / abort propagation
	OnError bool
	// Set resolves the child deliver filters
	Set *filter.Set
}

// interpreter states, numbered like the original
const (
	ecxInit = iota
	ecxOps
	ecxTail
	ecxVerbatim
	ecxSkip
	ecxDone = 99
)

// Ecx is one execution of an ESI program
type Ecx struct {
	prog  []byte
	state int
	l     int64
	// isGzip is set by the program's GZ marker
	isGzip bool
	// abrt propagates a child failure to the top request
	abrt bool

	crc  uint32
	lCrc int64

	entry *filter.VdpEntry
	ctl   *DeliverCtl
	pecx  *Ecx
}

// Abort reports whether a failure must propagate
func (ecx *Ecx) Abort() bool { return ecx.abrt }

// IsGzip reports whether the parent stream is gzip-framed
func (ecx *Ecx) IsGzip() bool { return ecx.isGzip }

// Depth returns the include depth of the next child
func (ecx *Ecx) Depth() int { return ecx.ctl.Depth + 1 }

// esiVdp executes a stored ESI program during delivery
type esiVdp struct {
	ecx *Ecx
}

func (*esiVdp) Name() string { return "esi" }

func (f *esiVdp) Init(dc *filter.VdpCtx, e *filter.VdpEntry, oc *object.ObjCore) (int, error) {
	if oc == nil {
		return 1, nil
	}
	if _, ok := oc.Store.GetAttr(oc, object.AttrESIData); !ok {
		return 1, nil
	}
	ctl, _ := dc.Priv.(*DeliverCtl)
	if ctl == nil {
		ctl = &DeliverCtl{}
	}
	ecx := &Ecx{entry: e, ctl: ctl}
	if ctl.ParentEcx != nil && ctl.ParentEcx.isGzip {
		ecx.pecx = ctl.ParentEcx
	}
	f.ecx = ecx
	e.Priv = ecx

	if dc.Resp != nil {
		vgz.WeakenETag(dc.Resp)
		dc.Resp.Unset(vhttp.HdrContentLength)
	}
	return 0, nil
}

func (f *esiVdp) Fini(dc *filter.VdpCtx, e *filter.VdpEntry) error {
	f.ecx = nil
	return nil
}

// fwd forwards bytes downstream of the esi filter, weakening End as the
// interpreter emits its own
func (ecx *Ecx) fwd(act filter.VdpAction, p []byte) error {
	if act == filter.VdpEnd {
		act = filter.VdpFlush
	}
	return ecx.entry.Forward(act, p)
}

func (f *esiVdp) Bytes(dc *filter.VdpCtx, e *filter.VdpEntry, act filter.VdpAction, p []byte) error {
	ecx := f.ecx
	if act == filter.VdpEnd {
		act = filter.VdpFlush
	}

	for {
		switch ecx.state {
		case ecxInit:
			prog, _ := dc.Oc.Store.GetAttr(dc.Oc, object.AttrESIData)
			if len(prog) == 0 {
				return fmt.Errorf("esi: empty program")
			}
			ecx.prog = prog
			if ecx.prog[0] == VecGZ {
				if ecx.pecx == nil {
					if err := ecx.fwd(filter.VdpNull, vgz.Header); err != nil {
						return err
					}
				}
				ecx.lCrc = 0
				ecx.crc = 0
				ecx.isGzip = true
				ecx.prog = ecx.prog[1:]
			}
			ecx.state = ecxOps

		case ecxOps:
			if len(ecx.prog) == 0 {
				ecx.state = ecxTail
				break
			}
			op := ecx.prog[0]
			switch {
			case op == VecV1 || op == VecV2 || op == VecV8:
				var err error
				ecx.l, ecx.prog, err = decodeLen(ecx.prog)
				if err != nil {
					return err
				}
				if ecx.isGzip {
					c := ecx.prog[0]
					if c != VecC1 && c != VecC2 && c != VecC8 {
						return fmt.Errorf("esi: missing crc record 0x%02x", c)
					}
					var l2 int64
					l2, ecx.prog, err = decodeLen(ecx.prog)
					if err != nil {
						return err
					}
					if len(ecx.prog) < 4 {
						return fmt.Errorf("esi: truncated crc record")
					}
					icrc := binary.BigEndian.Uint32(ecx.prog)
					ecx.prog = ecx.prog[4:]
					ecx.crc = vgz.Crc32Combine(ecx.crc, icrc, l2)
					ecx.lCrc += l2
				}
				ecx.state = ecxVerbatim

			case op == VecS1 || op == VecS2 || op == VecS8:
				var err error
				ecx.l, ecx.prog, err = decodeLen(ecx.prog)
				if err != nil {
					return err
				}
				ecx.state = ecxSkip

			case op == VecIC || op == VecIA:
				if op == VecIA && ecx.ctl.OnError {
					ecx.abrt = true
				}
				ecx.prog = ecx.prog[1:]
				z := bytes.IndexByte(ecx.prog, 0)
				if z < 0 {
					return fmt.Errorf("esi: unterminated include host")
				}
				host := string(ecx.prog[:z])
				ecx.prog = ecx.prog[z+1:]
				z = bytes.IndexByte(ecx.prog, 0)
				if z < 0 {
					return fmt.Errorf("esi: unterminated include src")
				}
				src := string(ecx.prog[:z])
				ecx.prog = ecx.prog[z+1:]

				if err := ecx.fwd(filter.VdpFlush, nil); err != nil {
					ecx.prog = nil
					break
				}
				if err := ecx.include(src, host); err != nil {
					return err
				}

			default:
				return fmt.Errorf("esi: illegal code 0x%02x", op)
			}

		case ecxTail:
			var tail []byte
			if ecx.isGzip && ecx.pecx == nil {
				// byte aligned here: a final stored block, then the
				// combined CRC and modulo length
				tail = vgz.SyntheticTail(ecx.crc, ecx.lCrc)
			} else if ecx.pecx != nil {
				ecx.pecx.crc = vgz.Crc32Combine(ecx.pecx.crc, ecx.crc, ecx.lCrc)
				ecx.pecx.lCrc += ecx.lCrc
			}
			err := ecx.entry.Forward(filter.VdpEnd, tail)
			ecx.state = ecxDone
			return err

		case ecxVerbatim, ecxSkip:
			// the l bytes may span storage segments
			if ecx.l <= int64(len(p)) {
				if ecx.state == ecxVerbatim {
					if err := ecx.fwd(act, p[:ecx.l]); err != nil {
						return err
					}
				}
				p = p[ecx.l:]
				ecx.state = ecxOps
				break
			}
			if ecx.state == ecxVerbatim && len(p) > 0 {
				if err := ecx.fwd(act, p); err != nil {
					return err
				}
			}
			ecx.l -= int64(len(p))
			return nil

		case ecxDone:
			// trailing storage bytes (member padding and trailer) are
			// not referenced by the program
			return nil

		default:
			return fmt.Errorf("esi: wrong state %d", ecx.state)
		}
	}
}

// include suspends the parent delivery and runs the sub-request
func (ecx *Ecx) include(src, host string) error {
	ctl := ecx.ctl
	if ctl.Depth >= ctl.MaxDepth {
		log.Error("VCL_Error", log.Pairs{
			"detail": fmt.Sprintf("ESI depth limit reached (max_esi_depth = %d)", ctl.MaxDepth)})
		if ecx.abrt {
			return fmt.Errorf("esi: depth limit reached")
		}
		return nil
	}
	if ctl.Driver == nil {
		if ecx.abrt {
			return fmt.Errorf("esi: no include driver")
		}
		return nil
	}
	metrics.ESIRequests.Inc()
	err := ctl.Driver.Include(src, host, ecx)
	if err != nil && ecx.abrt {
		return err
	}
	return nil
}

/*--------------------------------------------------------------------
 * child delivery
 */

// DeliverChild streams a finished child object into the parent's
// delivery, picking the splice strategy from the parent and child gzip
// dispositions. Called by the include driver once the child response is
// ready; childResp must carry the child's response headers.
func (ecx *Ecx) DeliverChild(dc *filter.VdpCtx, childResp *vhttp.Message) error {
	ctl := ecx.ctl
	childOc := dc.Oc
	status := childResp.Status() % 1000

	if ctl.OnError && status != 200 && status != 204 {
		if ecx.abrt {
			return fmt.Errorf("esi: include failed with status %d", status)
		}
		return nil
	}

	childGz := childOc.HasFlag(object.FlagGzipped)
	_, childESI := childOc.Store.GetAttr(childOc, object.AttrESIData)

	if ctl.Set == nil {
		ctl.Set = filter.Global
	}
	// the include driver may have pre-seeded a driver bound to the child
	// request; keep it so nested includes resolve against the child
	drv := ctl.Driver
	if pre, ok := dc.Priv.(*DeliverCtl); ok && pre != nil && pre.Driver != nil {
		drv = pre.Driver
	}
	dc.Priv = &DeliverCtl{
		Driver:    drv,
		ParentEcx: ecx,
		Depth:     ctl.Depth + 1,
		MaxDepth:  ctl.MaxDepth,
		OnError:   ctl.OnError,
		Set:       ctl.Set,
	}

	if childESI {
		if _, err := dc.Push(&esiVdp{}, nil); err != nil {
			return err
		}
	} else if childGz && !ecx.isGzip {
		// the child request could not advertise gzip; inflate for the
		// plain parent
		if err := ctl.Set.StackVDP(dc, "gunzip"); err != nil {
			return err
		}
		childGz = false
	}

	var sink filter.Vdp
	switch {
	case ecx.isGzip && childGz && !childESI:
		raw, ok := childOc.Store.GetAttr(childOc, object.AttrGzipBits)
		if ok {
			bits, err := vgz.DecodeBits(raw)
			if err != nil {
				return err
			}
			sink = &gzgzVdp{ecx: ecx, bits: bits, olen: uint64(childOc.Store.BodyLen(childOc))}
		} else {
			// no recorded deflate boundaries: inflate and re-frame
			sink = &regzipVdp{ecx: ecx}
		}
	case ecx.isGzip && !childGz:
		sink = &pretendGzVdp{ecx: ecx}
	default:
		sink = &plainVdp{ecx: ecx}
	}
	if _, err := dc.Push(sink, nil); err != nil {
		return err
	}

	if err := dc.Deliver(); err != nil {
		return err
	}
	return dc.Close()
}

/*--------------------------------------------------------------------
 * straight through without processing
 */

type plainVdp struct {
	ecx *Ecx
}

func (*plainVdp) Name() string { return "VED" }
func (*plainVdp) Init(dc *filter.VdpCtx, e *filter.VdpEntry, oc *object.ObjCore) (int, error) {
	return 0, nil
}
func (v *plainVdp) Bytes(dc *filter.VdpCtx, e *filter.VdpEntry, act filter.VdpAction, p []byte) error {
	return v.ecx.fwd(act, p)
}
func (*plainVdp) Fini(dc *filter.VdpCtx, e *filter.VdpEntry) error { return nil }

/*--------------------------------------------------------------------
 * a plain child in a gzip parent: wrap the bytes in deflate copy-blocks
 * instead of firing up a compressor
 */

type pretendGzVdp struct {
	ecx *Ecx
}

func (*pretendGzVdp) Name() string { return "PGZ" }
func (*pretendGzVdp) Init(dc *filter.VdpCtx, e *filter.VdpEntry, oc *object.ObjCore) (int, error) {
	return 0, nil
}
func (v *pretendGzVdp) Bytes(dc *filter.VdpCtx, e *filter.VdpEntry, act filter.VdpAction, p []byte) error {
	ecx := v.ecx
	if len(p) == 0 {
		return ecx.fwd(act, p)
	}
	ecx.crc = vgz.Crc32(ecx.crc, p)
	ecx.lCrc += int64(len(p))
	out := vgz.AppendCopyBlocks(nil, p)
	if err := ecx.fwd(filter.VdpNull, out); err != nil {
		return err
	}
	return ecx.fwd(filter.VdpFlush, nil)
}
func (*pretendGzVdp) Fini(dc *filter.VdpCtx, e *filter.VdpEntry) error { return nil }

/*--------------------------------------------------------------------
 * a gzip child in a gzip parent: deliver the child's deflate blocks,
 * stripping the LAST bit of the final block and padding to a byte
 * boundary
 */

type gzgzVdp struct {
	ecx  *Ecx
	bits *vgz.Bits
	olen uint64

	ll      uint64
	lpad    int
	dbits   [8]byte
	tailbuf [8]byte
	tailGot uint64
}

func (*gzgzVdp) Name() string { return "VZZ" }

func (g *gzgzVdp) Init(dc *filter.VdpCtx, e *filter.VdpEntry, oc *object.ObjCore) (int, error) {
	b := g.bits
	if b.Start == 0 || b.Start >= g.olen*8 ||
		b.Last < b.Start || b.Last >= b.Stop || b.Stop >= g.olen*8 ||
		b.Start&7 != 0 {
		return 0, fmt.Errorf("esi: implausible gzip bit record %+v", b)
	}
	return 0, nil
}

func (g *gzgzVdp) Bytes(dc *filter.VdpCtx, e *filter.VdpEntry, act filter.VdpAction, p []byte) error {
	ecx := g.ecx

	if len(p) > 0 {
		// skip over the gzip header
		if dl := g.bits.Start/8 - g.ll; dl > 0 {
			if dl > uint64(len(p)) {
				dl = uint64(len(p))
			}
			g.ll += dl
			p = p[dl:]
		}
	}
	if len(p) > 0 {
		// the main body of the member
		if dl := g.bits.Last/8 - g.ll; dl > 0 {
			if dl > uint64(len(p)) {
				dl = uint64(len(p))
			}
			if err := ecx.fwd(act, p[:dl]); err != nil {
				return err
			}
			g.ll += dl
			p = p[dl:]
		}
	}
	if len(p) > 0 && g.ll == g.bits.Last/8 {
		// remove the LAST bit
		g.dbits[0] = p[0] &^ (1 << (g.bits.Last & 7))
		if err := ecx.fwd(act, g.dbits[:1]); err != nil {
			return err
		}
		g.ll++
		p = p[1:]
	}
	if len(p) > 0 {
		// the final block
		if dl := g.bits.Stop/8 - g.ll; dl > 0 {
			if dl > uint64(len(p)) {
				dl = uint64(len(p))
			}
			if err := ecx.fwd(act, p[:dl]); err != nil {
				return err
			}
			g.ll += dl
			p = p[dl:]
		}
	}
	if len(p) > 0 && g.bits.Stop&7 != 0 && g.ll == g.bits.Stop/8 {
		// align to a byte boundary
		g.dbits[1] = p[0]
		g.ll++
		p = p[1:]
		switch g.bits.Stop & 7 {
		case 1, 3, 5:
			g.dbits[2] = 0x00
			g.dbits[3] = 0x00
			g.dbits[4] = 0xff
			g.dbits[5] = 0xff
			g.lpad = 5
		case 2:
			g.dbits[1] |= 0x08
			g.dbits[2] = 0x20
			g.dbits[3] = 0x80
			g.dbits[4] = 0x00
			g.lpad = 4
		case 4:
			g.dbits[1] |= 0x20
			g.dbits[2] = 0x80
			g.dbits[3] = 0x00
			g.lpad = 3
		case 6:
			g.dbits[1] |= 0x80
			g.dbits[2] = 0x00
			g.lpad = 2
		case 7:
			g.dbits[2] = 0x00
			g.dbits[3] = 0x00
			g.dbits[4] = 0x00
			g.dbits[5] = 0xff
			g.dbits[6] = 0xff
			g.lpad = 6
		}
		if err := ecx.fwd(act, g.dbits[1:1+g.lpad]); err != nil {
			return err
		}
	}
	if len(p) > 0 {
		// recover the gzip tail
		dl := g.olen - g.ll
		if dl > uint64(len(p)) {
			dl = uint64(len(p))
		}
		if dl > 0 {
			if dl > 8 {
				return fmt.Errorf("esi: oversized gzip tail")
			}
			off := g.ll - (g.olen - 8)
			copy(g.tailbuf[off:], p[:dl])
			g.ll += dl
			g.tailGot += dl
			p = p[dl:]
		}
	}
	if len(p) != 0 {
		return fmt.Errorf("esi: %d bytes past the gzip tail", len(p))
	}
	return nil
}

func (g *gzgzVdp) Fini(dc *filter.VdpCtx, e *filter.VdpEntry) error {
	g.ecx.fwd(filter.VdpFlush, nil)
	icrc := binary.LittleEndian.Uint32(g.tailbuf[0:4])
	ilen := binary.LittleEndian.Uint32(g.tailbuf[4:8])
	g.ecx.crc = vgz.Crc32Combine(g.ecx.crc, icrc, int64(ilen))
	g.ecx.lCrc += int64(ilen)
	return nil
}

/*--------------------------------------------------------------------
 * a gzip child without recorded deflate boundaries: collect, inflate,
 * and re-frame as copy blocks
 */

type regzipVdp struct {
	ecx *Ecx
	buf bytes.Buffer
}

func (*regzipVdp) Name() string { return "VZI" }
func (*regzipVdp) Init(dc *filter.VdpCtx, e *filter.VdpEntry, oc *object.ObjCore) (int, error) {
	return 0, nil
}
func (r *regzipVdp) Bytes(dc *filter.VdpCtx, e *filter.VdpEntry, act filter.VdpAction, p []byte) error {
	r.buf.Write(p)
	if act != filter.VdpEnd && act != filter.VdpFlush {
		return nil
	}
	if act == filter.VdpFlush && r.buf.Len() == 0 {
		return r.ecx.fwd(filter.VdpFlush, nil)
	}
	return nil
}
func (r *regzipVdp) Fini(dc *filter.VdpCtx, e *filter.VdpEntry) error {
	if r.buf.Len() == 0 {
		return nil
	}
	zr, err := gzip.NewReader(&r.buf)
	if err != nil {
		return err
	}
	plain, err := ioutil.ReadAll(zr)
	if err != nil {
		return err
	}
	zr.Close()
	ecx := r.ecx
	ecx.crc = vgz.Crc32(ecx.crc, plain)
	ecx.lCrc += int64(len(plain))
	if err := ecx.fwd(filter.VdpNull, vgz.AppendCopyBlocks(nil, plain)); err != nil {
		return err
	}
	return ecx.fwd(filter.VdpFlush, nil)
}
