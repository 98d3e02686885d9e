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

// Package filter implements the composable byte pipelines a transaction's
// body flows through: the pull-style fetch chain (VFP) between the backend
// and storage, and the push-style deliver chain (VDP) between storage and
// the client transport.
package filter

import (
	"fmt"

	"github.com/tridentcache/trident/internal/object"
	"github.com/tridentcache/trident/internal/vhttp"
	"github.com/tridentcache/trident/internal/ws"
)

// VdpAction qualifies a deliver-chain write
type VdpAction int

// Deliver actions. A filter must forward exactly one End downstream; an
// End may be weakened to Flush when the filter will emit further bytes
// from its Fini.
const (
	VdpNull VdpAction = iota
	VdpFlush
	VdpEnd
)

// Vdp is one deliver-side filter
type Vdp interface {
	// Name identifies the filter in lists and logs
	Name() string
	// Init prepares the filter; returning (1, nil) declines the push
	// (the filter is unnecessary for this delivery)
	Init(dc *VdpCtx, e *VdpEntry, oc *object.ObjCore) (int, error)
	// Bytes processes one span of body bytes
	Bytes(dc *VdpCtx, e *VdpEntry, act VdpAction, p []byte) error
	// Fini releases the filter's state
	Fini(dc *VdpCtx, e *VdpEntry) error
}

// VdpEntry is one pushed filter instance in a deliver chain
type VdpEntry struct {
	Filter Vdp
	// Priv is the filter's per-delivery state
	Priv interface{}

	idx int
	dc  *VdpCtx
}

// Forward hands bytes to the next filter below this one
func (e *VdpEntry) Forward(act VdpAction, p []byte) error {
	return e.dc.bytes(e.idx+1, act, p)
}

// VdpCtx is the head of a deliver chain
type VdpCtx struct {
	Ws *ws.Workspace
	// Resp is the response message being delivered
	Resp *vhttp.Message
	// Oc is the object being delivered
	Oc *object.ObjCore
	// Priv carries the engine's request adapter for filters that spawn
	// sub-requests
	Priv interface{}
	// RangeSpec is the request's Range header, parked here by the
	// deliver engine for the range filter
	RangeSpec string

	chain  []*VdpEntry
	sawEnd bool
	// Retval latches a delivery abort
	Retval error
}

// NewVdpCtx returns an empty deliver chain
func NewVdpCtx(w *ws.Workspace, resp *vhttp.Message, oc *object.ObjCore) *VdpCtx {
	return &VdpCtx{Ws: w, Resp: resp, Oc: oc}
}

// Push appends a filter to the chain being assembled. Returns false when
// the filter declined the push.
func (dc *VdpCtx) Push(v Vdp, priv interface{}) (bool, error) {
	e := &VdpEntry{Filter: v, Priv: priv, dc: dc, idx: len(dc.chain)}
	r, err := v.Init(dc, e, dc.Oc)
	if err != nil {
		return false, err
	}
	if r == 1 {
		return false, nil
	}
	dc.chain = append(dc.chain, e)
	return true, nil
}

func (dc *VdpCtx) bytes(from int, act VdpAction, p []byte) error {
	if dc.Retval != nil {
		return dc.Retval
	}
	if from >= len(dc.chain) {
		return fmt.Errorf("vdp: bytes past chain tail")
	}
	e := dc.chain[from]
	if act == VdpEnd {
		// only one End travels the chain; later Ends weaken to Flush
		if dc.sawEnd {
			act = VdpFlush
		} else if from == len(dc.chain)-1 {
			dc.sawEnd = true
		}
	}
	err := e.Filter.Bytes(dc, e, act, p)
	if err != nil {
		dc.Retval = err
	}
	return err
}

// Deliver feeds the object's stored body through the chain. When the
// object is still busy, readers chase the producer by waiting for the
// stream state first.
func (dc *VdpCtx) Deliver() error {
	if len(dc.chain) == 0 {
		return fmt.Errorf("vdp: empty chain")
	}
	oc := dc.Oc
	if oc.Boc != nil {
		oc.Boc.WaitState(object.BocFinished)
	}
	if oc.HasFlag(object.FlagFailed) {
		return fmt.Errorf("vdp: object fetch failed")
	}
	err := oc.Store.Iterate(oc, func(p []byte) error {
		return dc.bytes(0, VdpNull, p)
	})
	if err != nil {
		return err
	}
	return dc.bytes(0, VdpEnd, nil)
}

// SynthBody pushes a synthesized body through the chain in one span
func (dc *VdpCtx) SynthBody(p []byte) error {
	if len(dc.chain) == 0 {
		return fmt.Errorf("vdp: empty chain")
	}
	return dc.bytes(0, VdpEnd, p)
}

// Close runs every filter's Fini in chain order and returns the first
// error latched during delivery.
func (dc *VdpCtx) Close() error {
	for _, e := range dc.chain {
		e.Filter.Fini(dc, e)
	}
	dc.chain = nil
	return dc.Retval
}
