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

// Package backend implements the director gluing configured origins to the
// connection pool: admission control with a bounded wait queue, PROXY
// preamble emission, the HTTP/1 fetch protocol, and the single silent
// retry of a recycled connection that the peer closed under us.
package backend

import (
	"bufio"
	"container/list"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/tridentcache/trident/internal/config"
	"github.com/tridentcache/trident/internal/pool"
	"github.com/tridentcache/trident/internal/proxyproto"
	"github.com/tridentcache/trident/internal/util/log"
	"github.com/tridentcache/trident/internal/util/metrics"
	"github.com/tridentcache/trident/internal/vhttp"
)

// connwait states
const (
	cwDoConnect = iota
	cwQueued
	cwDequeued
	cwBeBusy
)

// connwait is a reservation in the backend's admission queue
type connwait struct {
	state int
	ready chan struct{}
	elem  *list.Element
}

// Backend is one configured origin
type Backend struct {
	Cfg *config.BackendConfig

	mtx     sync.Mutex
	nConn   int
	cwHead  *list.List
	cwCount int

	pool *pool.ConnPool

	// sick is the probe-driven health flag
	sick bool

	probe *Probe

	// via, when set, tunnels this backend's connections through another
	// backend with a PROXY v2 preamble naming the intended endpoint
	via *Backend
}

// Backends is the registry of configured backends
var backendsMtx sync.Mutex
var backends = map[string]*Backend{}

// New creates a Backend for the provided configuration and registers it
func New(cfg *config.BackendConfig) *Backend {
	b := &Backend{Cfg: cfg, cwHead: list.New()}

	network := "tcp"
	if cfg.IsUDS {
		network = "unix"
	}
	b.pool = pool.Ref(network, cfg.Address, "trident")

	if cfg.Probe != nil {
		b.probe = newProbe(b, cfg.Probe)
		b.probe.Start()
	}

	backendsMtx.Lock()
	backends[cfg.Name] = b
	backendsMtx.Unlock()
	return b
}

// Get returns the registered backend of the given name
func Get(name string) (*Backend, error) {
	backendsMtx.Lock()
	defer backendsMtx.Unlock()
	if b, ok := backends[name]; ok {
		return b, nil
	}
	return nil, fmt.Errorf("unknown backend [%s]", name)
}

// SetVia points the backend's traffic through another backend
func (b *Backend) SetVia(via *Backend) { b.via = via }

// Drop unregisters the backend, stops its prober and releases its pool
func (b *Backend) Drop() {
	backendsMtx.Lock()
	delete(backends, b.Cfg.Name)
	backendsMtx.Unlock()
	if b.probe != nil {
		b.probe.Stop()
	}
	b.pool.Rel()
}

// Healthy reports the probe-driven health of the backend
func (b *Backend) Healthy() bool {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return !b.sick
}

// SetSick overrides the health state (used by the prober)
func (b *Backend) SetSick(sick bool) {
	b.mtx.Lock()
	changed := b.sick != sick
	b.sick = sick
	b.mtx.Unlock()
	if changed {
		log.Info("backend health changed", log.Pairs{"backend": b.Cfg.Name, "sick": sick})
	}
}

// NConn returns the count of in-use connections
func (b *Backend) NConn() int {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return b.nConn
}

func (b *Backend) busyLocked() bool {
	return b.Cfg.MaxConnections > 0 && b.nConn >= b.Cfg.MaxConnections
}

// connwaitSignalLocked wakes the head of the admission queue if a slot is
// open. Caller holds b.mtx.
func (b *Backend) connwaitSignalLocked() {
	if b.Cfg.MaxConnections > 0 && b.nConn >= b.Cfg.MaxConnections {
		return
	}
	if e := b.cwHead.Front(); e != nil {
		cw := e.Value.(*connwait)
		select {
		case cw.ready <- struct{}{}:
		default:
		}
	}
}

func (b *Backend) connwaitDequeueLocked(cw *connwait) {
	b.cwHead.Remove(cw.elem)
	b.connwaitSignalLocked()
	cw.state = cwDequeued
}

// findTimeout resolves a timeout: transaction override, then backend,
// then the global default.
func findTimeout(boTmo, beTmo, def time.Duration) time.Duration {
	if boTmo >= 0 {
		return boTmo
	}
	if beTmo >= 0 {
		return beTmo
	}
	return def
}

// GetFd acquires a backend connection for bo, waiting for an admission
// slot when the backend is at max_connections and the wait queue admits
// us. On success the returned pfd is installed in bo.Htc.
func (b *Backend) GetFd(bo *BusyObj, forceFresh bool) (*pool.Pfd, error) {

	if !b.Healthy() {
		metrics.BackendUnhealthy.Inc()
		log.Error("FetchError", log.Pairs{"backend": b.Cfg.Name, "detail": "unhealthy", "xid": bo.XID})
		return nil, fmt.Errorf("backend %s: unhealthy", b.Cfg.Name)
	}

	cw := &connwait{state: cwDoConnect, ready: make(chan struct{}, 1)}
	waitLimit := b.Cfg.BackendWaitLimit
	waitTmo := b.Cfg.BackendWaitTimeout

	b.mtx.Lock()
	if b.cwHead.Len() > 0 || b.busyLocked() {
		cw.state = cwBeBusy
	}
	if cw.state == cwBeBusy && waitLimit > 0 && waitTmo > 0 && b.cwCount < waitLimit {
		cw.elem = b.cwHead.PushBack(cw)
		b.cwCount++
		metrics.BackendWait.Inc()
		cw.state = cwQueued
		waitEnd := time.Now().Add(waitTmo)
		for {
			b.mtx.Unlock()
			var woke bool
			select {
			case <-cw.ready:
				woke = true
			case <-time.After(time.Until(waitEnd)):
			}
			b.mtx.Lock()
			if woke && !b.busyLocked() {
				break
			}
			if !time.Now().Before(waitEnd) {
				break
			}
		}
		b.cwCount--
		if b.busyLocked() {
			b.cwHead.Remove(cw.elem)
			metrics.BackendWaitFail.Inc()
			cw.state = cwBeBusy
		}
	}
	b.mtx.Unlock()

	if cw.state == cwBeBusy {
		metrics.BackendBusy.Inc()
		log.Error("FetchError", log.Pairs{"backend": b.Cfg.Name, "detail": "busy", "xid": bo.XID})
		return nil, fmt.Errorf("backend %s: busy", b.Cfg.Name)
	}

	// the htc lives on the busyobj workspace
	if bo.Ws.Alloc(htcWsCost) == nil {
		log.Error("FetchError", log.Pairs{"backend": b.Cfg.Name, "detail": "out of workspace", "xid": bo.XID})
		b.mtx.Lock()
		if cw.state == cwQueued {
			b.connwaitDequeueLocked(cw)
		}
		b.mtx.Unlock()
		return nil, fmt.Errorf("backend %s: out of workspace", b.Cfg.Name)
	}

	tmo := findTimeout(bo.ConnectTimeout, b.Cfg.ConnectTimeout, config.Main.BackendConnectTimeout)

	cp, proxyVersion, authority := b.route()
	pfd, err := cp.Get(tmo, forceFresh)
	if err != nil {
		metrics.BackendFail.WithLabelValues(pool.CauseName(err)).Inc()
		log.Error("FetchError", log.Pairs{"backend": b.Cfg.Name, "detail": err.Error(), "xid": bo.XID})
		b.mtx.Lock()
		if cw.state == cwQueued {
			b.connwaitDequeueLocked(cw)
		}
		b.mtx.Unlock()
		return nil, err
	}

	b.mtx.Lock()
	b.nConn++
	if cw.state == cwQueued {
		b.connwaitDequeueLocked(cw)
	}
	b.mtx.Unlock()

	if proxyVersion != 0 {
		if err := sendProxyPreamble(pfd, proxyVersion, authority, bo); err != nil {
			log.Error("FetchError", log.Pairs{"backend": b.Cfg.Name,
				"detail": fmt.Sprintf("proxy write: %v", err), "xid": bo.XID})
			metrics.BackendFail.WithLabelValues("other").Inc()
			cp.Close(pfd)
			b.mtx.Lock()
			b.nConn--
			b.connwaitSignalLocked()
			b.mtx.Unlock()
			return nil, err
		}
	}

	bo.Htc = &HTC{
		Pfd:     pfd,
		Doclose: vhttp.ScNull,
		Rd:      bufio.NewReader(pfd.Conn()),
		FirstByteTimeout: findTimeout(bo.FirstByteTimeout,
			b.Cfg.FirstByteTimeout, config.Main.BackendFirstByteTimeout),
		BetweenBytesTimeout: findTimeout(bo.BetweenBytesTimeout,
			b.Cfg.BetweenBytesTimeout, config.Main.BackendBetweenBytesTimeout),
	}
	return pfd, nil
}

// htcWsCost approximates the workspace cost of an htc allocation; running
// out here surfaces overflow before the fetch starts
const htcWsCost = 64

// route resolves the pool to connect through and the PROXY preamble to
// apply: the backend's own, or the via backend's pool with a v2 preamble
// naming this backend as the authority.
func (b *Backend) route() (*pool.ConnPool, int, string) {
	if b.via != nil {
		authority := b.Cfg.HostHeader
		if authority == "" {
			authority = b.Cfg.Address
		}
		return b.via.pool, 2, authority
	}
	return b.pool, b.Cfg.ProxyHeader, ""
}

func sendProxyPreamble(pfd *pool.Pfd, version int, authority string, bo *BusyObj) error {
	src := bo.ClientAddr
	dst := bo.LocalAddr
	if src == nil {
		src = &net.TCPAddr{IP: net.IPv4zero}
	}
	if dst == nil {
		if a, ok := pfd.Conn().LocalAddr().(*net.TCPAddr); ok {
			dst = a
		} else {
			dst = &net.TCPAddr{IP: net.IPv4zero}
		}
	}
	p, err := proxyproto.Format(version, src, dst, authority)
	if err != nil {
		return err
	}
	if _, err := pfd.Conn().Write(p); err != nil {
		return err
	}
	bo.Acct.BereqHdrBytes += int64(len(p))
	return nil
}

// Finish returns the transaction's connection to the pool or closes it,
// charges accounting, and signals the admission queue. Connections that
// carried a PROXY preamble are per-request and never recycled.
func (b *Backend) Finish(bo *BusyObj) {
	if bo.Htc == nil {
		return
	}
	htc := bo.Htc
	pfd := htc.Pfd
	_, proxyVersion, _ := b.route()

	if htc.Doclose != vhttp.ScNull || proxyVersion != 0 {
		log.Debug("BackendClose", log.Pairs{"backend": b.Cfg.Name, "reason": htc.Doclose.Name(), "xid": bo.XID})
		b.connPool(pfd).Close(pfd)
	} else {
		log.Debug("BackendRecycle", log.Pairs{"backend": b.Cfg.Name, "xid": bo.XID})
		b.connPool(pfd).Recycle(pfd)
	}

	b.mtx.Lock()
	if b.nConn <= 0 {
		b.mtx.Unlock()
		panic("backend: finish without connection")
	}
	b.nConn--
	b.connwaitSignalLocked()
	b.mtx.Unlock()
	bo.Htc = nil
}

// connPool returns the pool the pfd belongs to (the via pool when routed)
func (b *Backend) connPool(_ *pool.Pfd) *pool.ConnPool {
	if b.via != nil {
		return b.via.pool
	}
	return b.pool
}

// GetHdrs drives one backend transaction to the point where response
// headers have parsed: acquire a connection, default the Host header,
// send the request and read the response status line and headers. A
// recycled connection closed by the peer before the request arrived is
// silently retried exactly once on a fresh connection, unless a request
// body was already sent.
func (b *Backend) GetHdrs(bo *BusyObj, body []byte) error {

	if _, ok := bo.Bereq.GetHdr(vhttp.HdrHost); !ok && b.Cfg.HostHeader != "" {
		bo.Bereq.PrintfHeader("Host: %s", b.Cfg.HostHeader)
	}

	extrachance := 1
	for {
		pfd, err := b.GetFd(bo, extrachance == 0)
		if err != nil {
			return err
		}
		if pfd.State() != pool.StateStolen {
			extrachance = 0
		}

		err = b.sendReq(bo, body)

		if err == nil && pfd.State() != pool.StateUsed {
			// a recycled connection only advances to Used when response
			// bytes arrive; apply the first byte timeout here
			deadline := time.Now().Add(bo.Htc.FirstByteTimeout)
			if werr := b.connPool(pfd).Wait(pfd, deadline); werr != nil {
				bo.Htc.Doclose = vhttp.ScRxTimeout
				log.Error("FetchError", log.Pairs{"backend": b.Cfg.Name,
					"detail": "first byte timeout (reused connection)", "xid": bo.XID})
				extrachance = 0
			}
		}

		if bo.Htc.Doclose == vhttp.ScNull {
			if err == nil {
				err = b.fetchRespHdr(bo)
			}
			if err == nil {
				return nil
			}
		}

		// If we recycled a backend connection, there is a finite chance
		// that the backend closed it before we got the bereq to it.
		// In that case do a single automatic retry if req.body allows.
		if bo.Htc.Doclose == vhttp.ScNull {
			bo.Htc.Doclose = vhttp.ScTxError
		}
		b.Finish(bo)
		if extrachance == 0 {
			return err
		}
		if bo.NoRetry != "" {
			log.Debug("FetchNoRetry", log.Pairs{"backend": b.Cfg.Name, "reason": bo.NoRetry, "xid": bo.XID})
			return err
		}
		metrics.BackendRetry.Inc()
		extrachance--
	}
}
