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

// Package pool maintains the shared backend connection pools.
//
// One ConnPool exists per unique endpoint identity (a SHA-256 over a proto
// tag, an ident string, and the socket address). Pools hold reusable open
// connections, each watched by an idle waiter; a connection observed
// readable while parked must mean EOF, so the waiter closes it. A caller
// reusing a parked connection takes it in state Stolen and is signalled
// into Used when the waiter observes the response beginning to arrive.
package pool

import (
	"crypto/sha256"
	"net"
	"sync"
	"time"

	"github.com/tridentcache/trident/internal/config"
	"github.com/tridentcache/trident/internal/util/log"
	"github.com/tridentcache/trident/internal/util/metrics"
)

// Pfd states
const (
	StateAvail = iota
	StateStolen
	StateUsed
	StateCleanup
)

// Pfd is a pooled backend connection
type Pfd struct {
	conn  net.Conn
	state int
	pool  *ConnPool
	// usedCh is closed by the waiter when a Stolen connection advances
	// to Used
	usedCh chan struct{}
	// elem tracks membership in the pool's lists
	next, prev *Pfd
}

// Conn returns the underlying connection
func (p *Pfd) Conn() net.Conn { return p.conn }

// State returns the current pfd state; only stable while the caller owns
// the pfd (Used) or holds the pool mutex.
func (p *Pfd) State() int {
	p.pool.mtx.Lock()
	defer p.pool.mtx.Unlock()
	return p.state
}

// list is an intrusive doubly-linked pfd list
type list struct {
	head, tail *Pfd
	n          int
}

func (l *list) pushHead(p *Pfd) {
	p.prev = nil
	p.next = l.head
	if l.head != nil {
		l.head.prev = p
	}
	l.head = p
	if l.tail == nil {
		l.tail = p
	}
	l.n++
}

func (l *list) pushTail(p *Pfd) {
	p.next = nil
	p.prev = l.tail
	if l.tail != nil {
		l.tail.next = p
	}
	l.tail = p
	if l.head == nil {
		l.head = p
	}
	l.n++
}

func (l *list) remove(p *Pfd) {
	if p.prev != nil {
		p.prev.next = p.next
	} else {
		l.head = p.next
	}
	if p.next != nil {
		p.next.prev = p.prev
	} else {
		l.tail = p.prev
	}
	p.next = nil
	p.prev = nil
	l.n--
}

// Dialer opens new connections for a pool
type Dialer interface {
	Dial(tmo time.Duration) (net.Conn, error)
}

// ConnPool is a reference-counted pool of connections to one endpoint
type ConnPool struct {
	ident  [sha256.Size]byte
	dialer Dialer

	refcnt int

	mtx      sync.Mutex
	connlist list
	killlist list
	nUsed    int

	holddown    time.Time
	holddownErr error
}

var poolsMtx sync.Mutex
var pools = map[[sha256.Size]byte]*ConnPool{}

// Digest computes the pool identity for an endpoint
func Digest(network, address, ident string) [sha256.Size]byte {
	h := sha256.New()
	h.Write([]byte(ident))
	h.Write([]byte{0})
	if network == "unix" {
		h.Write([]byte("UDS\x00"))
	} else {
		h.Write([]byte("IP\x00"))
	}
	h.Write([]byte(address))
	var d [sha256.Size]byte
	copy(d[:], h.Sum(nil))
	return d
}

// Ref returns the pool for the endpoint identity, creating it if needed.
// Pools are deduplicated by digest; every Ref must be paired with a Rel.
func Ref(network, address, ident string) *ConnPool {
	d := Digest(network, address, ident)
	poolsMtx.Lock()
	defer poolsMtx.Unlock()
	if cp, ok := pools[d]; ok {
		cp.refcnt++
		return cp
	}
	cp := &ConnPool{ident: d, dialer: &netDialer{network: network, address: address}, refcnt: 1}
	pools[d] = cp
	return cp
}

// AddRef takes an additional pool reference
func (cp *ConnPool) AddRef() {
	poolsMtx.Lock()
	cp.refcnt++
	poolsMtx.Unlock()
}

// Rel drops a pool reference; the last release drains and frees the pool.
func (cp *ConnPool) Rel() {
	poolsMtx.Lock()
	cp.refcnt--
	if cp.refcnt > 0 {
		poolsMtx.Unlock()
		return
	}
	delete(pools, cp.ident)
	poolsMtx.Unlock()

	cp.mtx.Lock()
	for p := cp.connlist.head; p != nil; p = cp.connlist.head {
		cp.connlist.remove(p)
		p.state = StateCleanup
		cp.killlist.pushHead(p)
		// both directions, so the waiter observes the EOF immediately
		// and finishes the close
		shutdownRDWR(p.conn)
	}
	for cp.killlist.n > 0 {
		cp.mtx.Unlock()
		time.Sleep(20 * time.Millisecond)
		cp.mtx.Lock()
	}
	cp.mtx.Unlock()
}

// NConn returns the count of parked connections
func (cp *ConnPool) NConn() int {
	cp.mtx.Lock()
	defer cp.mtx.Unlock()
	return cp.connlist.n
}

// NKill returns the count of connections pending cleanup
func (cp *ConnPool) NKill() int {
	cp.mtx.Lock()
	defer cp.mtx.Unlock()
	return cp.killlist.n
}

// NUsed returns the count of checked-out connections
func (cp *ConnPool) NUsed() int {
	cp.mtx.Lock()
	defer cp.mtx.Unlock()
	return cp.nUsed
}

// open dials a new connection, honoring and arming the holddown window.
func (cp *ConnPool) open(tmo time.Duration) (net.Conn, error) {
	cp.mtx.Lock()
	if !cp.holddown.IsZero() {
		if time.Now().Before(cp.holddown) {
			err := cp.holddownErr
			cp.mtx.Unlock()
			return nil, err
		}
		cp.holddown = time.Time{}
	}
	cp.mtx.Unlock()

	c, err := cp.dialer.Dial(tmo)
	if err == nil {
		return c, nil
	}

	var h time.Duration
	switch classifyDialError(err) {
	case causeEACCES, causeEADDRNOTAVAIL:
		h = config.Main.BackendLocalErrorHolddown
	case causeECONNREFUSED, causeENETUNREACH:
		h = config.Main.BackendRemoteErrorHolddown
	}
	if h > 0 {
		cp.mtx.Lock()
		hd := time.Now().Add(h)
		if cp.holddown.IsZero() || hd.Before(cp.holddown) {
			cp.holddown = hd
			cp.holddownErr = err
		}
		cp.mtx.Unlock()
	}
	return nil, err
}

// Get returns a connection in state Used (fresh) or Stolen (recycled).
// A Stolen return must be followed by Wait before the response headers
// are read.
func (cp *ConnPool) Get(tmo time.Duration, forceFresh bool) (*Pfd, error) {
	cp.mtx.Lock()
	p := cp.connlist.head
	if forceFresh || p == nil || p.state == StateStolen {
		p = nil
	} else {
		if p.state != StateAvail {
			panic("pool: non-avail pfd at list head")
		}
		cp.connlist.remove(p)
		p.state = StateStolen
		p.usedCh = make(chan struct{})
		// park it at the tail so a second getter dials fresh
		cp.connlist.pushTail(p)
		metrics.BackendReuse.Inc()
	}
	cp.nUsed++ // Opening mostly works
	cp.mtx.Unlock()

	if p != nil {
		return p, nil
	}

	c, err := cp.open(tmo)
	if err != nil {
		cp.mtx.Lock()
		cp.nUsed-- // Nope, didn't work after all.
		cp.mtx.Unlock()
		return nil, err
	}
	metrics.BackendConnections.Inc()
	return &Pfd{conn: c, state: StateUsed, pool: cp}, nil
}

// Wait blocks until a Stolen pfd advances to Used (the waiter observed
// response bytes or close), or the deadline passes.
func (cp *ConnPool) Wait(p *Pfd, deadline time.Time) error {
	cp.mtx.Lock()
	if p.state == StateUsed {
		cp.mtx.Unlock()
		return nil
	}
	ch := p.usedCh
	cp.mtx.Unlock()

	var tmoC <-chan time.Time
	if !deadline.IsZero() {
		d := time.Until(deadline)
		if d <= 0 {
			return ErrWaitTimeout
		}
		t := time.NewTimer(d)
		defer t.Stop()
		tmoC = t.C
	}
	select {
	case <-ch:
		return nil
	case <-tmoC:
		return ErrWaitTimeout
	}
}

// Recycle parks a Used connection back in the pool and arms its idle
// waiter.
func (cp *ConnPool) Recycle(p *Pfd) {
	cp.mtx.Lock()
	if p.state != StateUsed {
		panic("pool: recycle of non-used pfd")
	}
	cp.nUsed--
	p.state = StateAvail
	p.usedCh = nil
	cp.connlist.pushHead(p)
	cp.mtx.Unlock()
	metrics.BackendRecycle.Inc()
	go cp.waiter(p, time.Now().Add(config.Main.BackendIdleTimeout))
}

// Close hard-closes a connection. A Stolen pfd moves to Cleanup for its
// waiter to finish; a Used pfd is closed inline.
func (cp *ConnPool) Close(p *Pfd) {
	cp.mtx.Lock()
	switch p.state {
	case StateStolen:
		cp.nUsed--
		shutdownRDWR(p.conn)
		cp.connlist.remove(p)
		p.state = StateCleanup
		cp.killlist.pushHead(p)
	case StateUsed:
		cp.nUsed--
		p.conn.Close()
	default:
		panic("pool: close of idle pfd")
	}
	cp.mtx.Unlock()
}

// waiter watches a parked connection until it is readable, closed, or
// idles out. Readability in Avail means EOF; in Stolen it means the
// response has begun arriving, so the caller is signalled.
func (cp *ConnPool) waiter(p *Pfd, idleDeadline time.Time) {
	for {
		readable, err := pollReadable(p.conn, idleDeadline)

		cp.mtx.Lock()
		switch p.state {
		case StateStolen:
			if !readable && err == nil {
				// idle deadline does not apply once stolen
				cp.mtx.Unlock()
				idleDeadline = time.Time{}
				continue
			}
			p.state = StateUsed
			cp.connlist.remove(p)
			close(p.usedCh)
			cp.mtx.Unlock()
			return
		case StateAvail:
			// EOF, error or idle timeout: either way the connection
			// is done
			cp.connlist.remove(p)
			p.conn.Close()
			cp.mtx.Unlock()
			return
		case StateCleanup:
			p.conn.Close()
			cp.killlist.remove(p)
			cp.mtx.Unlock()
			return
		default:
			cp.mtx.Unlock()
			log.Error("pool waiter: wrong pfd state", log.Pairs{"state": p.state})
			return
		}
	}
}
