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
	"crypto/sha1"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/tridentcache/trident/internal/backend"
	"github.com/tridentcache/trident/internal/config"
	"github.com/tridentcache/trident/internal/esi"
	"github.com/tridentcache/trident/internal/filter"
	"github.com/tridentcache/trident/internal/object"
	"github.com/tridentcache/trident/internal/rfc2616"
	"github.com/tridentcache/trident/internal/store"
	"github.com/tridentcache/trident/internal/util/log"
	"github.com/tridentcache/trident/internal/vary"
	"github.com/tridentcache/trident/internal/vgz"
	"github.com/tridentcache/trident/internal/vhttp"
)

var xidCounter uint64

// NextXID issues transaction ids for log correlation
func NextXID() uint64 {
	return atomic.AddUint64(&xidCounter, 1)
}

// Engine serves requests for one configured backend
type Engine struct {
	Name    string
	Backend *backend.Backend
	SV      *store.Stevedore
	Cache   *Cache
	Filters *filter.Set
}

// NewEngine wires an engine for the backend over the given store
func NewEngine(cfg *config.BackendConfig, be *backend.Backend, st store.Store) *Engine {
	sv := store.NewStevedore(st)
	set := filter.NewSet()
	vgz.RegisterFilters(set)
	esi.RegisterFilters(set)
	filter.RegisterRange(set)
	return &Engine{
		Name:    cfg.Name,
		Backend: be,
		SV:      sv,
		Cache:   NewCache(sv),
		Filters: set,
	}
}

// storeKey derives the persistence key of a variant
func storeKey(hashKey string, varyKey []byte) string {
	if len(varyKey) <= 3 {
		return hashKey
	}
	return fmt.Sprintf("%s.%x", hashKey, sha1.Sum(varyKey))
}

// hop-by-hop fields never forwarded to the backend; "scheme" is the
// HTTP/2 pseudo-header projection and stays on the client side
var hopByHop = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"TE", "Trailer", "Transfer-Encoding", "Upgrade", "scheme",
}

// buildBereq assembles the backend request from the client request
func buildBereq(bo *backend.BusyObj, req *Req, cacheable bool) {
	m := bo.Bereq
	m.SetH(vhttp.HdrMethod, req.Http.Method())
	m.SetH(vhttp.HdrURL, req.Http.URL())
	m.SetH(vhttp.HdrProto, "HTTP/1.1")

	req.Http.ForEach(func(name, value string) {
		for _, h := range hopByHop {
			if strings.EqualFold(h, name) {
				return
			}
		}
		m.SetHeader(name + ": " + value)
	})

	if cacheable {
		// the cache answers conditionals and ranges itself
		m.Unset(vhttp.HdrIfModifiedSince)
		m.Unset(vhttp.HdrIfNoneMatch)
		m.Unset(vhttp.HdrRange)
		if config.Main.HTTPGzipSupport {
			// fetch the gzipped representation for everybody
			m.SetHdr(vhttp.HdrAcceptEncoding, "gzip")
		}
	}
	m.PrintfHeader("X-Forwarded-For: %s", req.RemoteHost())
	m.PrintfHeader("X-Varnish: %d", req.XID)
}

// Fetch runs one backend transaction and produces a finished object.
// The returned beresp belongs to the bo workspace and is copied into the
// object's packed attribute before return.
func (e *Engine) Fetch(req *Req, hashKey string, pass bool) (*object.ObjCore, error) {
	bo := backend.NewBusyObj(64*1024, 96)
	bo.XID = req.XID
	bo.ClientAddr = req.ClientAddr
	bo.DoESI = e.Backend.Cfg.ESIEnable
	bo.DoGzip = e.Backend.Cfg.GzipResponses
	buildBereq(bo, req, !pass)

	oc := object.NewObjCore(e.SV)
	boc := object.NewBoc()
	oc.Boc = boc

	if err := e.SV.AllocObj(oc, config.Main.FetchChunkSizeBytes); err != nil {
		oc.Deref()
		return nil, err
	}

	if err := e.Backend.GetHdrs(bo, req.Body); err != nil {
		boc.SetState(object.BocFailed)
		oc.SetFlag(object.FlagFailed)
		oc.Deref()
		return nil, err
	}
	boc.SetState(object.BocReqDone)

	beresp := bo.Beresp
	now := time.Now()

	if pass {
		oc.SetFlag(object.FlagPrivate)
	}
	tOrigin, ttl, grace, keep := rfc2616.TTL(beresp, oc, now)
	oc.TOrigin, oc.TTL, oc.Grace, oc.Keep = tOrigin, ttl, grace, keep

	if !pass && ttl <= 0 {
		// uncacheable: mark hit-for-miss so the next requests bypass
		// the waiting list for a while
		oc.SetFlag(object.FlagHFM | object.FlagPrivate)
		oc.TTL = 120 * time.Second
		bo.Uncacheable = true
	}

	// the variant fingerprints are built against the outgoing bereq
	vk, err := vary.Create(bo.Bereq, beresp)
	if err != nil {
		log.Error("FetchError", log.Pairs{"backend": e.Name, "detail": err.Error(), "xid": req.XID})
		bo.Htc.Doclose = vhttp.ScRxBad
		e.Backend.Finish(bo)
		boc.SetState(object.BocFailed)
		oc.SetFlag(object.FlagFailed)
		oc.Deref()
		return nil, err
	}
	oc.VaryKey = vk
	if vk != nil {
		e.SV.SetAttr(oc, object.AttrVary, vk)
	}
	if kk, err := vary.CreateKey(bo.Bereq, beresp); err == nil && kk != nil {
		e.SV.SetAttr(oc, object.AttrKey, kk)
	}
	oc.Key = storeKey(hashKey, vk)

	// classify the response for the filter pipeline
	isGzip := false
	if ce, ok := beresp.GetHdr(vhttp.HdrContentEncoding); ok {
		isGzip = strings.EqualFold(ce, "gzip")
	}
	hasBody := bo.Htc.BodyStatus != backend.BodyNone

	list := bo.FilterList
	if list == "" {
		list = filter.DefaultFetchList(hasBody, config.Main.HTTPGzipSupport,
			bo.DoESI && !pass, bo.DoGzip, bo.DoGunzip, isGzip)
	}

	boc.SetState(object.BocPrepStream)
	boc.SetState(object.BocStream)

	if hasBody {
		fc := filter.NewVfpCtx(bo.Ws, beresp, oc, bo.BodyReader())
		fc.ReqURL = bo.Bereq.URL()
		if err := e.Filters.StackVFP(fc, list); err != nil {
			bo.Htc.Doclose = vhttp.ScRxBody
			e.Backend.Finish(bo)
			boc.SetState(object.BocFailed)
			oc.SetFlag(object.FlagFailed)
			oc.Deref()
			return nil, err
		}
		if err := fc.FetchBody(config.Main.FetchChunkSizeBytes); err != nil {
			log.Error("FetchError", log.Pairs{"backend": e.Name, "detail": err.Error(), "xid": req.XID})
			bo.Htc.Doclose = vhttp.ScRxBody
			e.Backend.Finish(bo)
			boc.SetState(object.BocFailed)
			oc.SetFlag(object.FlagFailed)
			oc.Deref()
			return nil, err
		}
	}

	// body transforms may have edited the framing headers
	if lm, ok := beresp.GetHdr(vhttp.HdrLastModified); ok {
		e.SV.SetAttr(oc, object.AttrLastModified, []byte(lm))
	}

	// connection disposition: keep-alive unless the response says close
	if cc, ok := beresp.GetHdr(vhttp.HdrConnection); ok && strings.EqualFold(cc, "close") {
		bo.Htc.Doclose = vhttp.ScRespClose
	}

	// hop-by-hop response fields never enter the stored object
	beresp.Unset(vhttp.HdrConnection)
	beresp.Unset(vhttp.Hdr("Keep-Alive"))
	beresp.Unset(vhttp.HdrTransferEncoding)
	e.SV.SetAttr(oc, object.AttrHeaders, beresp.Encode(vhttp.EncodeStore))

	if bo.Htc.BodyStatus == backend.BodyEOF {
		bo.Htc.Doclose = vhttp.ScRespClose
	}
	e.Backend.Finish(bo)

	if err := e.SV.TrimFinish(oc); err != nil {
		log.Error("FetchError", log.Pairs{"backend": e.Name, "detail": err.Error(), "xid": req.XID})
	}
	boc.SetState(object.BocFinished)
	oc.Boc = nil
	return oc, nil
}
