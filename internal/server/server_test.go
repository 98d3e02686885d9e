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

package server

import (
	"compress/gzip"
	"fmt"
	"io/ioutil"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tridentcache/trident/internal/backend"
	"github.com/tridentcache/trident/internal/config"
	"github.com/tridentcache/trident/internal/proxy/engines"
	"github.com/tridentcache/trident/internal/store/memory"
	"github.com/tridentcache/trident/internal/util/log"
	"github.com/tridentcache/trident/internal/util/metrics"
)

func init() {
	config.Config = config.NewConfig()
	config.Main = config.Config.Main
	config.Main.DefaultTTL = 120 * time.Second
	config.Main.DefaultGrace = 10 * time.Second
	config.Main.ClockSkew = 10 * time.Second
	config.Main.MaxESIDepth = 5
	config.Main.FetchChunkSizeBytes = 16 * 1024
	config.Main.BackendIdleTimeout = 30 * time.Second
	config.Main.BackendConnectTimeout = time.Second
	config.Main.BackendFirstByteTimeout = 5 * time.Second
	config.Main.BackendBetweenBytesTimeout = 5 * time.Second
	config.Main.BackendRemoteErrorHolddown = time.Second
	config.Main.BackendLocalErrorHolddown = time.Second
	config.Frontend = config.Config.Frontend
	config.Frontend.IdleTimeout = 5 * time.Second
	config.Logging = &config.LoggingConfig{LogLevel: "error"}
	log.Init()
	metrics.Init()
}

// originHandler builds responses per path
type originHandler func(path string) (status int, hdrs []string, body string)

func startOrigin(t *testing.T, handler originHandler) (net.Listener, *int64) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("origin listen: %v", err)
	}
	var hits int64
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 8192)
				for {
					// read one request head
					var head []byte
					for !strings.Contains(string(head), "\r\n\r\n") {
						n, err := c.Read(buf)
						if err != nil {
							return
						}
						head = append(head, buf[:n]...)
					}
					line := strings.SplitN(string(head), "\r\n", 2)[0]
					parts := strings.Split(line, " ")
					if len(parts) < 2 {
						return
					}
					atomic.AddInt64(&hits, 1)
					status, hdrs, body := handler(parts[1])
					fmt.Fprintf(c, "HTTP/1.1 %d OK\r\n", status)
					for _, h := range hdrs {
						fmt.Fprintf(c, "%s\r\n", h)
					}
					fmt.Fprintf(c, "Content-Length: %d\r\n\r\n%s", len(body), body)
				}
			}(c)
		}
	}()
	return l, &hits
}

func startTrident(t *testing.T, originAddr string, esi, gz bool) (string, func()) {
	t.Helper()
	becfg := config.NewBackendConfig()
	becfg.Name = "default"
	becfg.Address = originAddr
	becfg.ConnectTimeout = -1
	becfg.FirstByteTimeout = -1
	becfg.BetweenBytesTimeout = -1
	becfg.ESIEnable = esi
	becfg.GzipResponses = gz

	be := backend.New(becfg)

	stcfg := config.NewStoreConfig()
	stcfg.Name = "default"
	st := memory.New("default", stcfg)
	st.Connect()

	e := engines.NewEngine(becfg, be, st)
	srv := New(map[string]*engines.Engine{}, e)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go srv.Serve(l)
	return l.Addr().String(), func() {
		l.Close()
		be.Drop()
		st.Close()
	}
}

func httpGet(t *testing.T, url string, hdrs ...string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	for i := 0; i+1 < len(hdrs); i += 2 {
		req.Header.Set(hdrs[i], hdrs[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	body, _ := ioutil.ReadAll(resp.Body)
	resp.Body.Close()
	return resp, string(body)
}

// scenario: simple miss then hit
func TestMissThenHit(t *testing.T) {
	origin, hits := startOrigin(t, func(path string) (int, []string, string) {
		return 200, []string{"Cache-Control: max-age=60"}, "hello"
	})
	defer origin.Close()

	addr, stop := startTrident(t, origin.Addr().String(), false, false)
	defer stop()

	r1, body1 := httpGet(t, "http://"+addr+"/x")
	if r1.StatusCode != 200 || body1 != "hello" {
		t.Fatalf("first response %d %q", r1.StatusCode, body1)
	}
	xv1 := r1.Header.Get("X-Varnish")
	if xv1 == "" || strings.Contains(xv1, " ") {
		t.Errorf("first X-Varnish = %q, want a single id", xv1)
	}
	if age := r1.Header.Get("Age"); age != "0" {
		t.Errorf("first Age = %q", age)
	}

	time.Sleep(1100 * time.Millisecond)

	r2, body2 := httpGet(t, "http://"+addr+"/x")
	if body2 != "hello" {
		t.Fatalf("second response %q", body2)
	}
	xv2 := strings.Fields(r2.Header.Get("X-Varnish"))
	if len(xv2) != 2 {
		t.Errorf("second X-Varnish = %v, want two ids", xv2)
	}
	if age := r2.Header.Get("Age"); age == "0" || age == "" {
		t.Errorf("second Age = %q, want > 0", age)
	}
	if n := atomic.LoadInt64(hits); n != 1 {
		t.Errorf("origin saw %d requests, want 1", n)
	}
}

func TestUncacheableNotShared(t *testing.T) {
	origin, hits := startOrigin(t, func(path string) (int, []string, string) {
		return 200, []string{"Cache-Control: max-age=0"}, "private"
	})
	defer origin.Close()

	addr, stop := startTrident(t, origin.Addr().String(), false, false)
	defer stop()

	httpGet(t, "http://"+addr+"/p")
	httpGet(t, "http://"+addr+"/p")
	if n := atomic.LoadInt64(hits); n != 2 {
		t.Errorf("origin saw %d requests, want 2 (uncacheable)", n)
	}
}

func TestConditionalGet304(t *testing.T) {
	lm := time.Now().Add(-time.Hour).UTC().Format(time.RFC1123)
	origin, _ := startOrigin(t, func(path string) (int, []string, string) {
		return 200, []string{"Cache-Control: max-age=60", "Last-Modified: " + lm}, "stuff"
	})
	defer origin.Close()

	addr, stop := startTrident(t, origin.Addr().String(), false, false)
	defer stop()

	httpGet(t, "http://"+addr+"/c")
	r, body := httpGet(t, "http://"+addr+"/c", "If-Modified-Since", lm)
	if r.StatusCode != 304 {
		t.Errorf("conditional hit status %d", r.StatusCode)
	}
	if body != "" {
		t.Errorf("304 carried a body %q", body)
	}
}

func TestSynth503OnDeadBackend(t *testing.T) {
	l, _ := net.Listen("tcp", "127.0.0.1:0")
	dead := l.Addr().String()
	l.Close()

	addr, stop := startTrident(t, dead, false, false)
	defer stop()

	r, _ := httpGet(t, "http://"+addr+"/x")
	if r.StatusCode != 503 {
		t.Errorf("dead backend status %d", r.StatusCode)
	}
}

// scenario: ESI expansion of a plain parent with a plain child
func TestESIExpansion(t *testing.T) {
	origin, _ := startOrigin(t, func(path string) (int, []string, string) {
		switch path {
		case "/c":
			return 200, []string{"Cache-Control: max-age=60"}, "CCC"
		default:
			return 200, []string{"Cache-Control: max-age=60", "Content-Type: text/html"},
				`<html>AAA<esi:include src="/c"/>BBB</html>`
		}
	})
	defer origin.Close()

	addr, stop := startTrident(t, origin.Addr().String(), true, false)
	defer stop()

	r, body := httpGet(t, "http://"+addr+"/page")
	if r.StatusCode != 200 {
		t.Fatalf("status %d", r.StatusCode)
	}
	if body != "<html>AAACCCBBB</html>" {
		t.Errorf("expanded body = %q", body)
	}
	if cl := r.Header.Get("Content-Length"); cl != "" {
		t.Errorf("ESI response carried Content-Length %q", cl)
	}
}

// scenario: ESI gzip splice observed end to end; the client advertises
// gzip and receives a valid member that inflates to the spliced content
func TestESIGzipSplice(t *testing.T) {
	origin, _ := startOrigin(t, func(path string) (int, []string, string) {
		switch path {
		case "/c":
			return 200, []string{"Cache-Control: max-age=60"}, "CCC"
		default:
			return 200, []string{"Cache-Control: max-age=60", "Content-Type: text/html"},
				`AAA<esi:include src="/c"/>BBB`
		}
	})
	defer origin.Close()

	addr, stop := startTrident(t, origin.Addr().String(), true, true)
	defer stop()

	req, _ := http.NewRequest("GET", "http://"+addr+"/page", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	tr := &http.Transport{DisableCompression: true}
	resp, err := tr.RoundTrip(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	if ce := resp.Header.Get("Content-Encoding"); ce != "gzip" {
		t.Fatalf("Content-Encoding = %q", ce)
	}
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		t.Errorf("spliced response carried Content-Length %q", cl)
	}
	zr, err := gzip.NewReader(resp.Body)
	if err != nil {
		t.Fatalf("response is not gzip: %v", err)
	}
	got, err := ioutil.ReadAll(zr)
	if err != nil {
		t.Fatalf("inflate: %v", err)
	}
	if string(got) != "AAACCCBBB" {
		t.Errorf("inflated = %q", got)
	}
}

func TestRangeRequest(t *testing.T) {
	origin, _ := startOrigin(t, func(path string) (int, []string, string) {
		return 200, []string{"Cache-Control: max-age=60"}, "0123456789"
	})
	defer origin.Close()

	addr, stop := startTrident(t, origin.Addr().String(), false, false)
	defer stop()

	// warm the cache, then extract a range
	httpGet(t, "http://"+addr+"/r")
	r, body := httpGet(t, "http://"+addr+"/r", "Range", "bytes=2-5")
	if r.StatusCode != 206 {
		t.Errorf("range status %d", r.StatusCode)
	}
	if body != "2345" {
		t.Errorf("range body %q", body)
	}
	if cr := r.Header.Get("Content-Range"); cr != "bytes 2-5/10" {
		t.Errorf("Content-Range %q", cr)
	}
}
