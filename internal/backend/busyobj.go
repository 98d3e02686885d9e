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

package backend

import (
	"bufio"
	"net"
	"time"

	"github.com/tridentcache/trident/internal/object"
	"github.com/tridentcache/trident/internal/pool"
	"github.com/tridentcache/trident/internal/vhttp"
	"github.com/tridentcache/trident/internal/ws"
)

// HTC is the backend side of an HTTP connection during one fetch
type HTC struct {
	Pfd     *pool.Pfd
	Doclose *vhttp.CloseReason
	Rd      *bufio.Reader

	FirstByteTimeout    time.Duration
	BetweenBytesTimeout time.Duration

	// BodyStatus classifies how the response body is delimited
	BodyStatus    int
	ContentLength int64
}

// Body delimiters
const (
	BodyNone = iota
	BodyLength
	BodyChunked
	BodyEOF
)

// Acct accumulates byte counts for one backend transaction
type Acct struct {
	BereqHdrBytes   int64
	BereqBodyBytes  int64
	BerespHdrBytes  int64
	BerespBodyBytes int64
}

// BusyObj carries the backend side of one transaction: the outgoing
// request, the incoming response, and the object being fetched into
// storage.
type BusyObj struct {
	Ws     *ws.Workspace
	Bereq  *vhttp.Message
	Beresp *vhttp.Message
	Htc    *HTC

	// Timeout overrides; -1 inherits from the backend, then the globals
	ConnectTimeout      time.Duration
	FirstByteTimeout    time.Duration
	BetweenBytesTimeout time.Duration

	// NoRetry, when set, names why the silent gethdrs retry is not
	// allowed (e.g. a request body that was already consumed)
	NoRetry string

	// ClientAddr is the original client address carried into PROXY
	// preambles
	ClientAddr *net.TCPAddr
	// LocalAddr is this side of the client connection
	LocalAddr *net.TCPAddr

	// FetchObjCore is the object being produced
	FetchObjCore *object.ObjCore

	// Uncacheable marks the response as hit-for-miss / pass
	Uncacheable bool

	// DoESI / DoGzip / DoGunzip drive the fetch filter list
	DoESI    bool
	DoGzip   bool
	DoGunzip bool

	// FiltersFrozen is set once the fetch pipeline has processed bytes
	FiltersFrozen bool
	// FilterList overrides the computed fetch filter list
	FilterList string

	Acct Acct

	// XID tags log records for this transaction
	XID uint64
}

// NewBusyObj returns a BusyObj with freshly sized backend messages
func NewBusyObj(wsSize, shd int) *BusyObj {
	w := ws.New("bo", wsSize)
	return &BusyObj{
		Ws:                  w,
		Bereq:               vhttp.New(w, shd),
		Beresp:              vhttp.New(w, shd),
		ConnectTimeout:      -1,
		FirstByteTimeout:    -1,
		BetweenBytesTimeout: -1,
	}
}
