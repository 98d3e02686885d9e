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

// Package object defines the cached-object model: the refcounted ObjCore
// handle, the Boc side of an in-progress fetch, and the stevedore contract
// the storage layer satisfies.
package object

import (
	"sync"
	"sync/atomic"
	"time"
)

// ObjCore flag bits
const (
	// FlagHFM marks a hit-for-miss object
	FlagHFM = 1 << iota
	// FlagPrivate marks an uncacheable (pass) object
	FlagPrivate
	// FlagGzipped marks an object stored in gzip form
	FlagGzipped
	// FlagFailed marks an object whose fetch failed
	FlagFailed
	// FlagIMSObject marks an object usable as a conditional fetch template
	FlagIMSObject
)

// Attr names an object attribute
type Attr int

// Object attributes
const (
	// AttrHeaders is the packed response header block
	AttrHeaders Attr = iota
	// AttrESIData is the ESI instruction program
	AttrESIData
	// AttrGzipBits is the gzip bit-offset record: three BE64 bit offsets
	// {start, last, stop} plus the 8-byte gzip trailer
	AttrGzipBits
	// AttrVary is the vary matching string
	AttrVary
	// AttrKey is the experimental Key matching string
	AttrKey
	// AttrLastModified is the parsed Last-Modified timestamp
	AttrLastModified
)

// Boc states; transitions are strictly forward
const (
	BocReqDone = iota
	BocPrepStream
	BocStream
	BocFinished
	BocFailed
)

// Boc is the busy-object-context: the producing side of an object whose
// fetch is still in progress. Readers that want to stream attach with
// WaitState.
type Boc struct {
	mtx   sync.Mutex
	cond  *sync.Cond
	state int

	// FetchedSoFar is maintained by the fetch side so streaming readers
	// can chase the producer
	FetchedSoFar int64
}

// NewBoc returns a Boc in state BocReqDone
func NewBoc() *Boc {
	b := &Boc{}
	b.cond = sync.NewCond(&b.mtx)
	return b
}

// State returns the current state
func (b *Boc) State() int {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return b.state
}

// SetState advances the state machine. Backward transitions panic.
func (b *Boc) SetState(state int) {
	b.mtx.Lock()
	if state < b.state {
		b.mtx.Unlock()
		panic("boc: backward state transition")
	}
	b.state = state
	b.cond.Broadcast()
	b.mtx.Unlock()
}

// WaitState blocks until the state is at least want
func (b *Boc) WaitState(want int) int {
	b.mtx.Lock()
	for b.state < want {
		b.cond.Wait()
	}
	s := b.state
	b.mtx.Unlock()
	return s
}

// ObjCore is the refcounted handle to a cached object
type ObjCore struct {
	refs int32

	// Key is the object's hash key within its store
	Key string

	// TOrigin is the origin timestamp the TTL is relative to
	TOrigin time.Time
	// TTL, Grace and Keep are the freshness intervals; a negative TTL
	// means uncacheable
	TTL   time.Duration
	Grace time.Duration
	Keep  time.Duration

	// Flags holds the Flag* bits
	Flags uint32

	// Hits counts cache hits delivered from this object
	Hits int64

	// FetchXID is the transaction id of the fetch that produced the
	// object, reported alongside hit transaction ids
	FetchXID uint64

	// VaryKey is the vary matching string this variant was stored under
	VaryKey []byte

	// Boc is non-nil while the fetch is in progress
	Boc *Boc

	// Store is the stevedore holding this object's attributes and body
	Store Stevedore

	// priv is the stevedore's per-object handle
	priv interface{}
}

// NewObjCore returns an ObjCore with one reference held by the caller
func NewObjCore(store Stevedore) *ObjCore {
	return &ObjCore{refs: 1, Store: store, TOrigin: time.Now()}
}

// Ref takes an additional reference
func (oc *ObjCore) Ref() {
	atomic.AddInt32(&oc.refs, 1)
}

// Deref drops a reference; the last release frees the stevedore side.
// Returns the remaining count.
func (oc *ObjCore) Deref() int32 {
	n := atomic.AddInt32(&oc.refs, -1)
	if n < 0 {
		panic("objcore: negative refcount")
	}
	if n == 0 && oc.Store != nil {
		oc.Store.FreeObj(oc)
	}
	return n
}

// Refs returns the current reference count
func (oc *ObjCore) Refs() int32 { return atomic.LoadInt32(&oc.refs) }

// HasFlag returns true if all bits of f are set
func (oc *ObjCore) HasFlag(f uint32) bool { return oc.Flags&f == f }

// SetFlag ors f into the flag word
func (oc *ObjCore) SetFlag(f uint32) { oc.Flags |= f }

// CountHit increments the object's hit counter
func (oc *ObjCore) CountHit() { atomic.AddInt64(&oc.Hits, 1) }

// Expiry returns the instant the object leaves its TTL
func (oc *ObjCore) Expiry() time.Time { return oc.TOrigin.Add(oc.TTL) }

// Fresh returns true if the object is within TTL at now
func (oc *ObjCore) Fresh(now time.Time) bool {
	return oc.TTL >= 0 && now.Before(oc.TOrigin.Add(oc.TTL))
}

// InGrace returns true if the object is expired but within its grace period
func (oc *ObjCore) InGrace(now time.Time) bool {
	if oc.TTL < 0 {
		return false
	}
	exp := oc.TOrigin.Add(oc.TTL)
	return !now.Before(exp) && now.Before(exp.Add(oc.Grace))
}

// Age returns the object age at now
func (oc *ObjCore) Age(now time.Time) time.Duration {
	a := now.Sub(oc.TOrigin)
	if a < 0 {
		a = 0
	}
	return a
}

// Priv returns the stevedore's per-object handle
func (oc *ObjCore) Priv() interface{} { return oc.priv }

// SetPriv installs the stevedore's per-object handle
func (oc *ObjCore) SetPriv(p interface{}) { oc.priv = p }

// Stevedore is the storage contract the cache core consumes. Everything the
// core knows about persistence goes through this interface; the concrete
// stores live under internal/store.
type Stevedore interface {
	// Name identifies the stevedore in logs
	Name() string
	// AllocObj prepares storage for a new object body of approximately
	// estimate bytes
	AllocObj(oc *ObjCore, estimate int) error
	// GetAttr returns the named attribute
	GetAttr(oc *ObjCore, attr Attr) ([]byte, bool)
	// SetAttr stores the named attribute. Attributes are immutable once
	// the object's Boc reaches BocFinished, except AttrGzipBits and
	// AttrESIData which are written at fetch end.
	SetAttr(oc *ObjCore, attr Attr, val []byte) error
	// AppendBody adds bytes to the object body
	AppendBody(oc *ObjCore, p []byte) error
	// BodyLen returns the current body length
	BodyLen(oc *ObjCore) int64
	// Iterate calls f with successive body segments
	Iterate(oc *ObjCore, f func(p []byte) error) error
	// TrimFinish marks the body complete and persists the object
	TrimFinish(oc *ObjCore) error
	// FreeObj releases the stevedore side of the object
	FreeObj(oc *ObjCore)
}
