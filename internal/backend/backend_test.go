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
	"fmt"
	"io"
	"io/ioutil"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/tridentcache/trident/internal/config"
	"github.com/tridentcache/trident/internal/util/log"
	"github.com/tridentcache/trident/internal/util/metrics"
	"github.com/tridentcache/trident/internal/vhttp"
)

func init() {
	config.Config = config.NewConfig()
	config.Main = config.Config.Main
	config.Main.BackendIdleTimeout = 5 * time.Second
	config.Main.BackendConnectTimeout = time.Second
	config.Main.BackendFirstByteTimeout = 2 * time.Second
	config.Main.BackendBetweenBytesTimeout = 2 * time.Second
	config.Main.BackendRemoteErrorHolddown = 10 * time.Second
	config.Main.BackendLocalErrorHolddown = 10 * time.Second
	config.Logging = &config.LoggingConfig{LogLevel: "error"}
	log.Init()
	metrics.Init()
}

// origin is a scriptable single-purpose HTTP/1 origin
type origin struct {
	l net.Listener
	t *testing.T
	// handle is invoked per accepted connection
	handle func(c net.Conn, reqNum int)
}

func newOrigin(t *testing.T, handle func(c net.Conn, reqNum int)) *origin {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	o := &origin{l: l, t: t, handle: handle}
	go func() {
		n := 0
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			n++
			go handle(c, n)
		}
	}()
	return o
}

func (o *origin) addr() string { return o.l.Addr().String() }
func (o *origin) close()       { o.l.Close() }

// readRequest consumes one request's header block from c
func readRequest(c net.Conn) (string, error) {
	br := bufio.NewReader(c)
	var first string
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return first, err
		}
		if first == "" {
			first = strings.TrimSpace(line)
		}
		if line == "\r\n" || line == "\n" {
			return first, nil
		}
	}
}

func respond(c net.Conn, status int, body string) {
	fmt.Fprintf(c, "HTTP/1.1 %d OK\r\nContent-Length: %d\r\n\r\n%s", status, len(body), body)
}

func testBackendConfig(name, addr string) *config.BackendConfig {
	cfg := config.NewBackendConfig()
	cfg.Name = name
	cfg.Address = addr
	cfg.ConnectTimeout = -1
	cfg.FirstByteTimeout = -1
	cfg.BetweenBytesTimeout = -1
	return cfg
}

func newBo() *BusyObj {
	bo := NewBusyObj(16*1024, 64)
	bo.Bereq.SetH(vhttp.HdrMethod, "GET")
	bo.Bereq.SetH(vhttp.HdrURL, "/")
	bo.Bereq.SetH(vhttp.HdrProto, "HTTP/1.1")
	return bo
}

func TestGetHdrsSimple(t *testing.T) {
	o := newOrigin(t, func(c net.Conn, n int) {
		defer c.Close()
		if _, err := readRequest(c); err != nil {
			return
		}
		respond(c, 200, "hello")
	})
	defer o.close()

	be := New(testBackendConfig("t-simple", o.addr()))
	defer be.Drop()

	bo := newBo()
	if err := be.GetHdrs(bo, nil); err != nil {
		t.Fatalf("gethdrs: %v", err)
	}
	if bo.Beresp.Status() != 200 {
		t.Errorf("status = %d", bo.Beresp.Status())
	}
	if bo.Htc.BodyStatus != BodyLength || bo.Htc.ContentLength != 5 {
		t.Errorf("body class %d len %d", bo.Htc.BodyStatus, bo.Htc.ContentLength)
	}
	body, err := ioutil.ReadAll(bo.BodyReader())
	if err != nil && err != io.EOF {
		t.Fatalf("body read: %v", err)
	}
	if string(body) != "hello" {
		t.Errorf("body = %q", body)
	}
	bo.Htc.Doclose = vhttp.ScRespClose
	be.Finish(bo)
	if be.NConn() != 0 {
		t.Errorf("NConn = %d after finish", be.NConn())
	}
}

func TestHostHeaderDefaulted(t *testing.T) {
	gotHost := make(chan string, 1)
	o := newOrigin(t, func(c net.Conn, n int) {
		defer c.Close()
		br := bufio.NewReader(c)
		for {
			line, err := br.ReadString('\n')
			if err != nil {
				return
			}
			if strings.HasPrefix(strings.ToLower(line), "host:") {
				gotHost <- strings.TrimSpace(line[5:])
			}
			if line == "\r\n" {
				break
			}
		}
		respond(c, 200, "")
	})
	defer o.close()

	cfg := testBackendConfig("t-host", o.addr())
	cfg.HostHeader = "origin.example.com"
	be := New(cfg)
	defer be.Drop()

	bo := newBo()
	if err := be.GetHdrs(bo, nil); err != nil {
		t.Fatalf("gethdrs: %v", err)
	}
	select {
	case h := <-gotHost:
		if h != "origin.example.com" {
			t.Errorf("Host = %q", h)
		}
	case <-time.After(time.Second):
		t.Errorf("origin saw no Host header")
	}
	bo.Htc.Doclose = vhttp.ScRespClose
	be.Finish(bo)
}

func TestChunkedBody(t *testing.T) {
	o := newOrigin(t, func(c net.Conn, n int) {
		defer c.Close()
		readRequest(c)
		io.WriteString(c, "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n"+
			"5\r\nhello\r\n6\r\n world\r\n0\r\n\r\n")
	})
	defer o.close()

	be := New(testBackendConfig("t-chunked", o.addr()))
	defer be.Drop()

	bo := newBo()
	if err := be.GetHdrs(bo, nil); err != nil {
		t.Fatalf("gethdrs: %v", err)
	}
	if bo.Htc.BodyStatus != BodyChunked {
		t.Fatalf("body class %d", bo.Htc.BodyStatus)
	}
	body, err := ioutil.ReadAll(bo.BodyReader())
	if err != nil && err != io.EOF {
		t.Fatalf("body read: %v", err)
	}
	if string(body) != "hello world" {
		t.Errorf("body = %q", body)
	}
	bo.Htc.Doclose = vhttp.ScRespClose
	be.Finish(bo)
}

func TestBusyWithoutQueueFails(t *testing.T) {
	block := make(chan struct{})
	o := newOrigin(t, func(c net.Conn, n int) {
		defer c.Close()
		readRequest(c)
		<-block
		respond(c, 200, "")
	})
	defer o.close()
	defer close(block)

	cfg := testBackendConfig("t-busy", o.addr())
	cfg.MaxConnections = 1
	be := New(cfg)
	defer be.Drop()

	bo1 := newBo()
	if _, err := be.GetFd(bo1, false); err != nil {
		t.Fatalf("first getfd: %v", err)
	}

	bo2 := newBo()
	if _, err := be.GetFd(bo2, false); err == nil {
		t.Fatalf("expected busy failure")
	} else if !strings.Contains(err.Error(), "busy") {
		t.Errorf("err = %v", err)
	}

	bo1.Htc.Doclose = vhttp.ScRespClose
	be.Finish(bo1)
}

func TestWaitQueueAdmission(t *testing.T) {
	o := newOrigin(t, func(c net.Conn, n int) {
		defer c.Close()
		readRequest(c)
		respond(c, 200, "")
	})
	defer o.close()

	cfg := testBackendConfig("t-wait", o.addr())
	cfg.MaxConnections = 1
	cfg.BackendWaitLimit = 1
	cfg.BackendWaitTimeout = time.Second
	be := New(cfg)
	defer be.Drop()

	bo1 := newBo()
	if _, err := be.GetFd(bo1, false); err != nil {
		t.Fatalf("first getfd: %v", err)
	}

	got := make(chan error, 1)
	go func() {
		bo2 := newBo()
		_, err := be.GetFd(bo2, false)
		if err == nil {
			bo2.Htc.Doclose = vhttp.ScRespClose
			be.Finish(bo2)
		}
		got <- err
	}()

	// let the second fetch queue, then release the slot within the wait
	// timeout
	time.Sleep(50 * time.Millisecond)
	bo1.Htc.Doclose = vhttp.ScRespClose
	be.Finish(bo1)

	select {
	case err := <-got:
		if err != nil {
			t.Errorf("queued fetch failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Errorf("queued fetch never proceeded")
	}
}

func TestWaitQueueTimeout(t *testing.T) {
	o := newOrigin(t, func(c net.Conn, n int) {
		defer c.Close()
		readRequest(c)
		respond(c, 200, "")
	})
	defer o.close()

	cfg := testBackendConfig("t-waittmo", o.addr())
	cfg.MaxConnections = 1
	cfg.BackendWaitLimit = 1
	cfg.BackendWaitTimeout = 100 * time.Millisecond
	be := New(cfg)
	defer be.Drop()

	bo1 := newBo()
	if _, err := be.GetFd(bo1, false); err != nil {
		t.Fatalf("first getfd: %v", err)
	}
	defer func() {
		bo1.Htc.Doclose = vhttp.ScRespClose
		be.Finish(bo1)
	}()

	start := time.Now()
	bo2 := newBo()
	if _, err := be.GetFd(bo2, false); err == nil {
		t.Fatalf("expected wait timeout")
	}
	if time.Since(start) < 80*time.Millisecond {
		t.Errorf("wait returned before the timeout window")
	}
}

// flakyOrigin serves one keep-alive response per first connection, then
// drops the connection as soon as the next request starts arriving.
// Subsequent connections answer normally.
func flakyOrigin(t *testing.T, secondBody string) *origin {
	return newOrigin(t, func(c net.Conn, n int) {
		defer c.Close()
		if n == 1 {
			if _, err := readRequest(c); err != nil {
				return
			}
			respond(c, 200, "one")
			// the reused connection dies before answering
			buf := make([]byte, 1)
			c.Read(buf)
			return
		}
		if _, err := readRequest(c); err != nil {
			return
		}
		respond(c, 200, secondBody)
	})
}

func TestRecycledConnRetry(t *testing.T) {
	// the recycled connection is closed by the peer mid-request; the
	// proxy must transparently retry once on a fresh connection
	o := flakyOrigin(t, "two")
	defer o.close()

	be := New(testBackendConfig("t-retry", o.addr()))
	defer be.Drop()

	bo := newBo()
	if err := be.GetHdrs(bo, nil); err != nil {
		t.Fatalf("first gethdrs: %v", err)
	}
	ioutil.ReadAll(bo.BodyReader())
	be.Finish(bo) // doclose == ScNull: recycles

	bo2 := newBo()
	if err := be.GetHdrs(bo2, nil); err != nil {
		t.Fatalf("retry gethdrs: %v", err)
	}
	if bo2.Beresp.Status() != 200 {
		t.Errorf("status = %d after retry", bo2.Beresp.Status())
	}
	body, _ := ioutil.ReadAll(bo2.BodyReader())
	if string(body) != "two" {
		t.Errorf("body = %q after retry", body)
	}
	bo2.Htc.Doclose = vhttp.ScRespClose
	be.Finish(bo2)
}

func TestNoRetryWithConsumedBody(t *testing.T) {
	o := flakyOrigin(t, "two")
	defer o.close()

	be := New(testBackendConfig("t-noretry", o.addr()))
	defer be.Drop()

	bo := newBo()
	if err := be.GetHdrs(bo, nil); err != nil {
		t.Fatalf("first gethdrs: %v", err)
	}
	ioutil.ReadAll(bo.BodyReader())
	be.Finish(bo)

	bo2 := newBo()
	bo2.Bereq.SetH(vhttp.HdrMethod, "POST")
	if err := be.GetHdrs(bo2, []byte("payload")); err == nil {
		t.Errorf("expected failure: a sent body forbids the silent retry")
		bo2.Htc.Doclose = vhttp.ScRespClose
		be.Finish(bo2)
	}
}

func TestUnhealthyBackendRefuses(t *testing.T) {
	o := newOrigin(t, func(c net.Conn, n int) { c.Close() })
	defer o.close()

	be := New(testBackendConfig("t-sick", o.addr()))
	defer be.Drop()
	be.SetSick(true)

	bo := newBo()
	if _, err := be.GetFd(bo, false); err == nil {
		t.Errorf("sick backend accepted a fetch")
	}
}
