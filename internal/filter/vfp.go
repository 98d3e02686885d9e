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
	"io"

	"github.com/tridentcache/trident/internal/object"
	"github.com/tridentcache/trident/internal/vhttp"
	"github.com/tridentcache/trident/internal/ws"
)

// VfpStatus is the result of one fetch-chain pull
type VfpStatus int

// Pull results
const (
	// VfpOK - the buffer holds bytes and more will follow
	VfpOK VfpStatus = iota
	// VfpEnd - the buffer holds the final bytes
	VfpEnd
	// VfpError - the fetch failed
	VfpError
)

// Vfp is one fetch-side filter
type Vfp interface {
	// Name identifies the filter in lists and logs
	Name() string
	// Init prepares the filter; returning (1, nil) declines the push
	Init(fc *VfpCtx, e *VfpEntry) (int, error)
	// Pull fills p with processed bytes
	Pull(fc *VfpCtx, e *VfpEntry, p []byte) (int, VfpStatus)
	// Fini releases the filter's state
	Fini(fc *VfpCtx, e *VfpEntry)
}

// VfpEntry is one pushed filter instance in a fetch chain
type VfpEntry struct {
	Filter Vfp
	// Priv is the filter's per-fetch state
	Priv interface{}

	idx int
	fc  *VfpCtx
}

// Suck pulls bytes from the filter below this one; the bottom of the
// chain reads the backend body.
func (e *VfpEntry) Suck(p []byte) (int, VfpStatus) {
	return e.fc.pull(e.idx+1, p)
}

// VfpCtx is the head of a fetch chain
type VfpCtx struct {
	Ws *ws.Workspace
	// Resp is the backend response message the filters may edit
	Resp *vhttp.Message
	// ReqURL is the backend request URL, for filters that resolve
	// relative references
	ReqURL string
	// Oc is the object being fetched into
	Oc *object.ObjCore
	// Source reads the (possibly chunked-decoded) backend body
	Source io.Reader

	chain []*VfpEntry
	// Frozen is set once any byte has been processed; the filter list
	// may not change afterwards
	Frozen bool
	// Err records a failed fetch
	Err error
}

// NewVfpCtx returns an empty fetch chain over the given body source
func NewVfpCtx(w *ws.Workspace, resp *vhttp.Message, oc *object.ObjCore, src io.Reader) *VfpCtx {
	return &VfpCtx{Ws: w, Resp: resp, Oc: oc, Source: src}
}

// Push appends a filter below the current chain tail. Filters are pushed
// in processing order: the first pushed sees backend bytes first.
func (fc *VfpCtx) Push(f Vfp) (bool, error) {
	if fc.Frozen {
		return false, fmt.Errorf("vfp: chain frozen")
	}
	e := &VfpEntry{Filter: f, fc: fc, idx: len(fc.chain)}
	r, err := f.Init(fc, e)
	if err != nil {
		return false, err
	}
	if r == 1 {
		return false, nil
	}
	fc.chain = append(fc.chain, e)
	return true, nil
}

// Error latches a fetch failure
func (fc *VfpCtx) Error(format string, args ...interface{}) VfpStatus {
	if fc.Err == nil {
		fc.Err = fmt.Errorf(format, args...)
	}
	return VfpError
}

func (fc *VfpCtx) pull(from int, p []byte) (int, VfpStatus) {
	if from < len(fc.chain) {
		e := fc.chain[from]
		return e.Filter.Pull(fc, e, p)
	}
	// chain bottom: the backend body source
	n, err := fc.Source.Read(p)
	if err == io.EOF {
		return n, VfpEnd
	}
	if err != nil {
		return n, fc.Error("backend body read: %v", err)
	}
	if n == 0 {
		// a zero-byte read without error is not end-of-body
		return 0, VfpOK
	}
	return n, VfpOK
}

// FetchBody drains the chain into the object's storage, appending each
// buffer-full via the stevedore.
func (fc *VfpCtx) FetchBody(chunk int) error {
	if chunk <= 0 {
		chunk = 16 * 1024
	}
	buf := make([]byte, chunk)
	for {
		fc.Frozen = true
		n, st := fc.pull(0, buf)
		if n > 0 {
			if err := fc.Oc.Store.AppendBody(fc.Oc, buf[:n]); err != nil {
				return err
			}
		}
		switch st {
		case VfpOK:
			continue
		case VfpEnd:
			fc.closeChain()
			return fc.Err
		default:
			fc.closeChain()
			if fc.Err == nil {
				fc.Err = fmt.Errorf("vfp: fetch failed")
			}
			return fc.Err
		}
	}
}

func (fc *VfpCtx) closeChain() {
	for _, e := range fc.chain {
		e.Filter.Fini(fc, e)
	}
	fc.chain = nil
}
