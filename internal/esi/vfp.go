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

	"github.com/tridentcache/trident/internal/config"
	"github.com/tridentcache/trident/internal/filter"
	"github.com/tridentcache/trident/internal/object"
	"github.com/tridentcache/trident/internal/vgz"
	"github.com/tridentcache/trident/internal/vhttp"
)

// RegisterFilters adds the esi fetch filters and the esi deliver filter
// to the provided set
func RegisterFilters(s *filter.Set) {
	s.Register(&filter.Registration{
		Name:   "esi",
		NewVfp: func() filter.Vfp { return &esiVfp{} },
		NewVdp: func() filter.Vdp { return &esiVdp{} },
	})
	s.Register(&filter.Registration{
		Name:   "esi_gzip",
		NewVfp: func() filter.Vfp { return &esiVfp{gz: true} },
	})
}

// esiVfp runs the streaming parser over the fetched body. The plain
// variant stores the input bytes untouched and compiles a program over
// them; the gzip variant stores each verbatim run as an independent
// deflate fragment inside a valid gzip member.
type esiVfp struct {
	gz   bool
	vep  *Vep
	out  bytes.Buffer
	in   []byte
	done bool
}

func (f *esiVfp) Name() string {
	if f.gz {
		return "esi_gzip"
	}
	return "esi"
}

func (f *esiVfp) Init(fc *filter.VfpCtx, e *filter.VfpEntry) (int, error) {
	checkXML := !(config.Main != nil && config.Main.FeatureESIDisableXMLCheck)
	f.vep = NewVep(func(p []byte) error {
		f.out.Write(p)
		return nil
	}, fc.ReqURL, f.gz, checkXML)
	f.in = make([]byte, 8*1024)
	if f.gz {
		f.out.Write(vgz.Header)
		if fc.Resp != nil {
			fc.Resp.SetHdr(vhttp.HdrContentEncoding, "gzip")
		}
	}
	if fc.Resp != nil {
		fc.Resp.Unset(vhttp.HdrContentLength)
		vgz.WeakenETag(fc.Resp)
	}
	return 0, nil
}

func (f *esiVfp) Pull(fc *filter.VfpCtx, e *filter.VfpEntry, p []byte) (int, filter.VfpStatus) {
	for f.out.Len() == 0 && !f.done {
		n, st := e.Suck(f.in)
		if st == filter.VfpError {
			return 0, st
		}
		if n > 0 {
			if err := f.vep.Parse(f.in[:n]); err != nil {
				return 0, fc.Error("esi parse: %v", err)
			}
		}
		if st == filter.VfpEnd {
			prog, bits, err := f.vep.Finish()
			if err != nil {
				return 0, fc.Error("esi parse: %v", err)
			}
			if fc.Oc != nil {
				if prog != nil {
					fc.Oc.Store.SetAttr(fc.Oc, object.AttrESIData, prog)
				}
				if bits != nil {
					fc.Oc.Store.SetAttr(fc.Oc, object.AttrGzipBits, bits.Encode())
					fc.Oc.SetFlag(object.FlagGzipped)
				}
			}
			f.done = true
		}
	}
	n, _ := f.out.Read(p)
	if f.done && f.out.Len() == 0 {
		return n, filter.VfpEnd
	}
	return n, filter.VfpOK
}

func (f *esiVfp) Fini(fc *filter.VfpCtx, e *filter.VfpEntry) {}
