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

package filter

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tridentcache/trident/internal/object"
	"github.com/tridentcache/trident/internal/vhttp"
)

// RegisterRange adds the range deliver filter to the set
func RegisterRange(s *Set) {
	s.Register(&Registration{Name: "range", NewVdp: func() Vdp { return &rangeVdp{} }})
}

// rangeVdp extracts a single byte range from a 200 delivery, rewriting
// the response to 206 with Content-Range. Unsatisfiable or multi-part
// ranges deliver the whole object.
type rangeVdp struct {
	low, high int64
	off       int64
	active    bool
	sawEnd    bool
}

func (*rangeVdp) Name() string { return "range" }

// parseRange understands "bytes=lo-hi", "bytes=lo-" and "bytes=-suffix"
func parseRange(spec string, olen int64) (low, high int64, ok bool) {
	if !strings.HasPrefix(spec, "bytes=") {
		return 0, 0, false
	}
	spec = spec[len("bytes="):]
	if strings.ContainsRune(spec, ',') {
		// multi-part ranges are not extracted
		return 0, 0, false
	}
	dash := strings.IndexByte(spec, '-')
	if dash < 0 {
		return 0, 0, false
	}
	lo, hi := strings.TrimSpace(spec[:dash]), strings.TrimSpace(spec[dash+1:])
	switch {
	case lo == "" && hi == "":
		return 0, 0, false
	case lo == "":
		n, err := strconv.ParseInt(hi, 10, 64)
		if err != nil || n <= 0 {
			return 0, 0, false
		}
		if n > olen {
			n = olen
		}
		return olen - n, olen - 1, true
	case hi == "":
		n, err := strconv.ParseInt(lo, 10, 64)
		if err != nil || n < 0 || n >= olen {
			return 0, 0, false
		}
		return n, olen - 1, true
	default:
		l, err1 := strconv.ParseInt(lo, 10, 64)
		h, err2 := strconv.ParseInt(hi, 10, 64)
		if err1 != nil || err2 != nil || l < 0 || h < l || l >= olen {
			return 0, 0, false
		}
		if h > olen-1 {
			h = olen - 1
		}
		return l, h, true
	}
}

func (r *rangeVdp) Init(dc *VdpCtx, e *VdpEntry, oc *object.ObjCore) (int, error) {
	if oc == nil || dc.Resp == nil || !dc.Resp.IsStatus(200) {
		return 1, nil
	}
	if dc.RangeSpec == "" {
		return 1, nil
	}
	spec := dc.RangeSpec
	olen := oc.Store.BodyLen(oc)
	low, high, ok := parseRange(spec, olen)
	if !ok {
		return 1, nil
	}
	r.low, r.high = low, high
	r.active = true
	dc.Resp.SetStatus(206)
	dc.Resp.SetH(vhttp.HdrReason, "Partial Content")
	dc.Resp.SetHdr(vhttp.Hdr("Content-Range"),
		fmt.Sprintf("bytes %d-%d/%d", low, high, olen))
	dc.Resp.SetHdr(vhttp.HdrContentLength, strconv.FormatInt(high-low+1, 10))
	return 0, nil
}

func (r *rangeVdp) Bytes(dc *VdpCtx, e *VdpEntry, act VdpAction, p []byte) error {
	if !r.active {
		return e.Forward(act, p)
	}
	start := r.off
	end := r.off + int64(len(p))
	r.off = end

	lo := r.low - start
	if lo < 0 {
		lo = 0
	}
	hi := r.high + 1 - start
	if hi > int64(len(p)) {
		hi = int64(len(p))
	}
	var out []byte
	if lo < hi {
		out = p[lo:hi]
	}
	if act == VdpEnd {
		r.sawEnd = true
		return e.Forward(VdpEnd, out)
	}
	if len(out) == 0 && act == VdpNull {
		return nil
	}
	return e.Forward(act, out)
}

func (r *rangeVdp) Fini(dc *VdpCtx, e *VdpEntry) error { return nil }
