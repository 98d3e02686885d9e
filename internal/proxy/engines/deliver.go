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
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/tridentcache/trident/internal/config"
	"github.com/tridentcache/trident/internal/esi"
	"github.com/tridentcache/trident/internal/filter"
	"github.com/tridentcache/trident/internal/object"
	"github.com/tridentcache/trident/internal/rfc2616"
	"github.com/tridentcache/trident/internal/util/log"
	"github.com/tridentcache/trident/internal/util/metrics"
	"github.com/tridentcache/trident/internal/vhttp"
	"github.com/tridentcache/trident/internal/ws"
)

// Req carries one client transaction through the engine
type Req struct {
	Ws   *ws.Workspace
	Http *vhttp.Message
	Resp *vhttp.Message

	XID        uint64
	ClientAddr *net.TCPAddr
	Body       []byte

	// ESILevel counts include nesting; sub-requests skip the transport
	ESILevel int
	// DisableESI suppresses ESI expansion for this delivery
	DisableESI bool

	// SendResp emits the response head on the transport; nil for
	// sub-requests
	SendResp func(req *Req, resp *vhttp.Message) error
	// Sink is the transport body sink; nil for sub-requests
	Sink filter.Vdp

	// Doclose propagates a connection disposition to the transport
	Doclose *vhttp.CloseReason

	cacheStatus string
}

// RemoteHost returns the client host for logging and X-Forwarded-For
func (r *Req) RemoteHost() string {
	if r.ClientAddr == nil {
		return "unknown"
	}
	return r.ClientAddr.IP.String()
}

// CacheStatus reports how the last Serve satisfied the request
func (r *Req) CacheStatus() string { return r.cacheStatus }

// ReqStep enumerates the client state machine
type ReqStep int

// client request steps
const (
	StepRecv ReqStep = iota
	StepHash
	StepLookup
	StepHit
	StepMiss
	StepPass
	StepFetch
	StepDeliver
	StepSynth
	StepDone
)

// serveState is the per-Serve scratch the steps hand forward
type serveState struct {
	key       string
	oc        *object.ObjCore
	pass      bool
	hfm       bool
	busyHeld  bool
	synthCode uint16
	synthMsg  string
}

// Serve drives the request through the step machine to completion
func (e *Engine) Serve(req *Req) error {
	start := time.Now()
	st := &serveState{}
	step := StepRecv
	for step != StepDone {
		step = e.step(step, req, st)
	}
	if st.oc != nil {
		st.oc.Deref()
	}

	elapsed := time.Since(start)
	status := "000"
	if req.Resp != nil {
		status = strconv.Itoa(int(req.Resp.Status()))
	}
	if req.ESILevel == 0 {
		metrics.ProxyRequestStatus.WithLabelValues(
			e.Name, req.Http.Method(), req.cacheStatus, status, req.Http.URL()).Inc()
		metrics.ProxyRequestDuration.WithLabelValues(
			e.Name, req.Http.Method(), req.cacheStatus, status, req.Http.URL()).Observe(elapsed.Seconds())
	}
	return nil
}

// step runs one state and returns the next
func (e *Engine) step(step ReqStep, req *Req, st *serveState) ReqStep {
	switch step {

	case StepRecv:
		m := req.Http.Method()
		if m == "" || req.Http.URL() == "" {
			st.synthCode, st.synthMsg = 400, "Bad Request"
			return StepSynth
		}
		if m != "GET" && m != "HEAD" {
			st.pass = true
		}
		if _, ok := req.Http.GetHdr(vhttp.Hdr("Authorization")); ok {
			st.pass = true
		}
		return StepHash

	case StepHash:
		host, _ := req.Http.GetHdr(vhttp.HdrHost)
		st.key = HashKey(host, req.Http.URL())
		if st.pass {
			return StepPass
		}
		return StepLookup

	case StepLookup:
		oc, res := e.Cache.Lookup(st.key, req.Http, time.Now())
		switch res {
		case LookupHit:
			st.oc = oc
			return StepHit
		case LookupHitForMiss:
			st.hfm = true
			return StepPass
		default:
			st.busyHeld = true
			return StepMiss
		}

	case StepHit:
		req.cacheStatus = "hit"
		return StepDeliver

	case StepMiss:
		req.cacheStatus = "miss"
		oc, err := e.Fetch(req, st.key, false)
		if err != nil {
			e.Cache.Abandon(st.key)
			st.busyHeld = false
			st.synthCode, st.synthMsg = 503, "Backend fetch failed"
			return StepSynth
		}
		oc.FetchXID = req.XID
		// a hit-for-miss marker is published like any object; later
		// lookups see the flag and bypass coalescing
		e.Cache.Insert(st.key, oc)
		st.busyHeld = false
		st.oc = oc
		return StepDeliver

	case StepPass:
		if req.cacheStatus == "" {
			req.cacheStatus = "pass"
		}
		oc, err := e.Fetch(req, st.key, true)
		if err != nil {
			st.synthCode, st.synthMsg = 503, "Backend fetch failed"
			return StepSynth
		}
		oc.FetchXID = req.XID
		st.oc = oc
		return StepDeliver

	case StepDeliver:
		if err := e.deliver(req, st.oc); err != nil {
			log.Error("DeliverError", log.Pairs{"backend": e.Name, "detail": err.Error(), "xid": req.XID})
			if req.Doclose == nil || req.Doclose == vhttp.ScNull {
				req.Doclose = vhttp.ScTxError
			}
		}
		return StepDone

	case StepSynth:
		e.synth(req, st.synthCode, st.synthMsg)
		return StepDone
	}
	return StepDone
}

// buildResp projects the stored object into a response message
func (e *Engine) buildResp(req *Req, oc *object.ObjCore) error {
	packed, ok := e.SV.GetAttr(oc, object.AttrHeaders)
	if !ok {
		return fmt.Errorf("object without packed headers")
	}
	if err := req.Resp.Decode(packed); err != nil {
		return err
	}

	now := time.Now()
	req.Resp.Unset(vhttp.HdrAge)
	req.Resp.PrintfHeader("Age: %d", int(oc.Age(now).Seconds()))
	req.Resp.Unset(vhttp.Hdr("X-Varnish"))
	if oc.FetchXID != 0 && oc.FetchXID != req.XID {
		req.Resp.PrintfHeader("X-Varnish: %d %d", req.XID, oc.FetchXID)
	} else {
		req.Resp.PrintfHeader("X-Varnish: %d", req.XID)
	}
	req.Resp.PrintfHeader("Via: 1.1 trident")
	return nil
}

// deliver streams the object to the transport through the deliver chain
func (e *Engine) deliver(req *Req, oc *object.ObjCore) error {
	if err := e.buildResp(req, oc); err != nil {
		return err
	}
	resp := req.Resp

	// conditional request: answer 304 from the cache
	var lm time.Time
	if v, ok := e.SV.GetAttr(oc, object.AttrLastModified); ok {
		if t, err := parseHTTPTime(string(v)); err == nil {
			lm = t
		}
	}
	if req.ESILevel == 0 && rfc2616.DoCond(req.Http, resp, lm) {
		resp.SetStatus(304)
		resp.SetH(vhttp.HdrReason, "Not Modified")
		resp.Unset(vhttp.HdrContentLength)
		if req.SendResp != nil {
			return req.SendResp(req, resp)
		}
		return nil
	}

	_, hasESI := e.SV.GetAttr(oc, object.AttrESIData)
	objGz := oc.HasFlag(object.FlagGzipped)
	clientGz := rfc2616.ReqGzip(req.Http)
	rangeSpec, hasRange := req.Http.GetHdr(vhttp.HdrRange)

	list := filter.DefaultDeliverList(hasESI, req.DisableESI, objGz, clientGz,
		config.Main.HTTPGzipSupport, config.Main.HTTPRangeSupport,
		resp.IsStatus(200), hasRange)

	dc := filter.NewVdpCtx(req.Ws, resp, oc)
	dc.Priv = &esi.DeliverCtl{
		Driver:   &includeDriver{e: e, parent: req},
		Depth:    req.ESILevel,
		MaxDepth: config.Main.MaxESIDepth,
		OnError:  config.Main.FeatureESIIncludeOnError,
		Set:      e.Filters,
	}
	if strings.Contains(" "+list+" ", " range ") {
		dc.RangeSpec = rangeSpec
	}
	if err := e.Filters.StackVDP(dc, list); err != nil {
		return err
	}

	if list == "" {
		resp.SetHdr(vhttp.HdrContentLength, strconv.FormatInt(e.SV.BodyLen(oc), 10))
	} else if !strings.Contains(" "+list+" ", " range ") {
		// transformed bodies lose their length
		resp.Unset(vhttp.HdrContentLength)
	}

	if req.SendResp != nil {
		if err := req.SendResp(req, resp); err != nil {
			return err
		}
	}
	if req.Http.Method() == "HEAD" {
		return nil
	}
	if req.Sink != nil {
		if _, err := dc.Push(req.Sink, nil); err != nil {
			return err
		}
	}
	if err := dc.Deliver(); err != nil {
		dc.Close()
		return err
	}
	return dc.Close()
}

// synth writes a synthesized error response
func (e *Engine) synth(req *Req, code uint16, msg string) {
	req.cacheStatus = "synth"
	resp := req.Resp
	resp.Reset()
	resp.SetH(vhttp.HdrProto, "HTTP/1.1")
	resp.SetStatus(code)
	resp.SetH(vhttp.HdrReason, msg)
	body := fmt.Sprintf("<html><body><h1>Error %d %s</h1><p>XID: %d</p></body></html>\n",
		code, msg, req.XID)
	resp.SetHeader("Content-Type: text/html; charset=utf-8")
	resp.PrintfHeader("Content-Length: %d", len(body))
	resp.PrintfHeader("X-Varnish: %d", req.XID)
	if req.SendResp != nil {
		if err := req.SendResp(req, resp); err != nil {
			return
		}
	}
	if req.Sink != nil {
		dc := filter.NewVdpCtx(req.Ws, resp, nil)
		if _, err := dc.Push(req.Sink, nil); err == nil {
			dc.SynthBody([]byte(body))
			dc.Close()
		}
	}
}

func parseHTTPTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC1123, time.RFC1123Z, time.RFC850, time.ANSIC} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("bad http date %q", s)
}
