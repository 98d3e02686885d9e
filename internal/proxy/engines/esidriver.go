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

package engines

import (
	"fmt"

	"github.com/tridentcache/trident/internal/esi"
	"github.com/tridentcache/trident/internal/filter"
	"github.com/tridentcache/trident/internal/util/log"
	"github.com/tridentcache/trident/internal/vhttp"
	"github.com/tridentcache/trident/internal/ws"
)

// includeDriver satisfies esi.IncludeDriver: it builds the sub-request
// from the parent, runs it through the normal lookup/fetch path on the
// same goroutine, and splices the child body into the parent delivery.
type includeDriver struct {
	e      *Engine
	parent *Req
}

// buildChildReq clones the parent request and applies the include
// overrides: forced method and protocol, replaced path and optionally
// Host, stripped conditionals and ranges, Accept-Encoding pinned to the
// parent's framing.
func (d *includeDriver) buildChildReq(src, host string, gzipParent bool) *Req {
	w := ws.New("esireq", 32*1024)
	child := &Req{
		Ws:         w,
		Http:       vhttp.New(w, 64),
		Resp:       vhttp.New(w, 64),
		XID:        NextXID(),
		ClientAddr: d.parent.ClientAddr,
		ESILevel:   d.parent.ESILevel + 1,
	}
	child.Http.Dup(d.parent.Http)
	child.Http.SetH(vhttp.HdrURL, src)
	if host != "" {
		child.Http.Unset(vhttp.HdrHost)
		child.Http.SetHeader(host)
	}
	child.Http.ForceField(vhttp.HdrMethod, "GET")
	child.Http.ForceField(vhttp.HdrProto, "HTTP/1.1")

	// conditionals cannot be honored inside a spliced body
	child.Http.Unset(vhttp.HdrIfModifiedSince)
	child.Http.Unset(vhttp.HdrIfNoneMatch)
	child.Http.Unset(vhttp.HdrRange)
	child.Http.Unset(vhttp.HdrContentLength)
	child.Http.Unset(vhttp.HdrTransferEncoding)

	if gzipParent {
		child.Http.SetHdr(vhttp.HdrAcceptEncoding, "gzip")
	} else {
		child.Http.Unset(vhttp.HdrAcceptEncoding)
	}
	return child
}

// Include resolves one esi:include on the parent's goroutine
func (d *includeDriver) Include(src, host string, ecx *esi.Ecx) error {
	child := d.buildChildReq(src, host, ecx.IsGzip())
	log.Debug("esi include", log.Pairs{"src": src, "xid": child.XID, "parentXid": d.parent.XID})

	st := &serveState{}
	step := StepRecv
	for step != StepDeliver && step != StepSynth && step != StepDone {
		step = d.e.step(step, child, st)
	}
	if step != StepDeliver || st.oc == nil {
		if st.oc != nil {
			st.oc.Deref()
		}
		return fmt.Errorf("esi: include of %s failed", src)
	}
	defer st.oc.Deref()

	// project the child's stored headers for the deliver decision
	if err := d.e.buildResp(child, st.oc); err != nil {
		return err
	}

	dc := filter.NewVdpCtx(child.Ws, child.Resp, st.oc)
	// nested includes must resolve against the child request
	dc.Priv = &esi.DeliverCtl{Driver: &includeDriver{e: d.e, parent: child}}
	return ecx.DeliverChild(dc, child.Resp)
}

var _ esi.IncludeDriver = (*includeDriver)(nil)
