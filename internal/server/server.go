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

// Package server terminates client connections: PROXY preamble
// consumption, HTTP/1.x request handling and the h2c upgrade into the
// HTTP/2 session layer. Each accepted session runs on its own goroutine.
package server

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/tridentcache/trident/internal/config"
	"github.com/tridentcache/trident/internal/filter"
	"github.com/tridentcache/trident/internal/object"
	"github.com/tridentcache/trident/internal/proxy/engines"
	"github.com/tridentcache/trident/internal/proxyproto"
	"github.com/tridentcache/trident/internal/util/log"
	"github.com/tridentcache/trident/internal/util/metrics"
	"github.com/tridentcache/trident/internal/vhttp"
	"github.com/tridentcache/trident/internal/ws"
)

// Server owns the frontend listener and the engine routing table
type Server struct {
	listener net.Listener

	engines       map[string]*engines.Engine
	defaultEngine *engines.Engine
}

// New returns a Server routing to the provided engines. Engines are
// selected by the request Host header matching a backend name; def takes
// everything else.
func New(engs map[string]*engines.Engine, def *engines.Engine) *Server {
	return &Server{engines: engs, defaultEngine: def}
}

// route picks the engine for a request host
func (s *Server) route(host string) *engines.Engine {
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	if e, ok := s.engines[host]; ok {
		return e
	}
	return s.defaultEngine
}

// ListenAndServe accepts sessions until the listener closes
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("%s:%d", config.Frontend.ListenAddress, config.Frontend.ListenPort)
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = l
	log.Info("frontend http server starting", log.Pairs{"address": addr})
	return s.Serve(l)
}

// Serve accepts sessions from l
func (s *Server) Serve(l net.Listener) error {
	s.listener = l
	for {
		conn, err := l.Accept()
		if err != nil {
			return err
		}
		go s.session(conn)
	}
}

// Close stops the listener
func (s *Server) Close() error {
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

// session drives one accepted connection
func (s *Server) session(conn net.Conn) {
	defer conn.Close()

	clientAddr, _ := conn.RemoteAddr().(*net.TCPAddr)
	br := bufio.NewReaderSize(conn, 16*1024)

	if config.Frontend.ProxyProtocol {
		info, err := readProxyPreamble(conn, br)
		if err != nil {
			metrics.ProxyPreambleErrors.Inc()
			log.Debug("ProxyGarbage", log.Pairs{"detail": err.Error(), "close": vhttp.ScRxJunk.Name()})
			return
		}
		if info != nil && !info.Local && info.Src != nil {
			clientAddr = info.Src
		}
	}

	if config.Frontend.H2CUpgrade {
		if isH2Preface(br) {
			s.h2Session(conn, br, clientAddr, "")
			return
		}
	}

	s.http1Session(conn, br, clientAddr)
}

// readProxyPreamble consumes a complete PROXY v1/v2 preamble from the
// buffered reader. A rejected preamble closes the session before any
// request is dispatched.
func readProxyPreamble(conn net.Conn, br *bufio.Reader) (*proxyproto.Info, error) {
	conn.SetReadDeadline(time.Now().Add(config.Frontend.IdleTimeout))
	defer conn.SetReadDeadline(time.Time{})
	for peek := 1; ; peek++ {
		buf, err := br.Peek(peek)
		if err != nil && len(buf) == 0 {
			return nil, err
		}
		status, length := proxyproto.Detect(buf)
		switch status {
		case proxyproto.Complete:
			full := make([]byte, length)
			if _, err := io.ReadFull(br, full); err != nil {
				return nil, err
			}
			return proxyproto.Parse(full)
		case proxyproto.Junk:
			return nil, fmt.Errorf("not a PROXY preamble")
		case proxyproto.Overflow:
			return nil, fmt.Errorf("oversized PROXY preamble")
		}
		if err != nil {
			// More, but the peer stopped sending
			return nil, err
		}
		if peek < len(buf)+1 {
			peek = len(buf) + 1
		}
	}
}

// isH2Preface peeks for the 24-byte client preface
func isH2Preface(br *bufio.Reader) bool {
	p, err := br.Peek(24)
	if err != nil {
		return false
	}
	return string(p) == "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"
}

/*--------------------------------------------------------------------
 * HTTP/1
 */

// readRequest parses one request head into req.Http. Parsing of the
// first request line is deliberately minimal.
func readRequest(br *bufio.Reader, req *engines.Req) error {
	line, err := br.ReadString('\n')
	if err != nil {
		return err
	}
	line = strings.TrimRight(line, "\r\n")
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 || !strings.HasPrefix(parts[2], "HTTP/1.") {
		return fmt.Errorf("bad request line %q", line)
	}
	req.Http.SetH(vhttp.HdrMethod, parts[0])
	req.Http.SetH(vhttp.HdrURL, parts[1])
	req.Http.SetH(vhttp.HdrProto, parts[2])

	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			return nil
		}
		if err := req.Http.SetHeader(line); err != nil {
			return err
		}
	}
}

// readBody consumes a request body per its framing headers
func readBody(br *bufio.Reader, req *engines.Req) error {
	if cl, ok := req.Http.GetHdr(vhttp.HdrContentLength); ok {
		n, err := strconv.ParseInt(cl, 10, 64)
		if err != nil || n < 0 {
			return fmt.Errorf("bad Content-Length %q", cl)
		}
		if n == 0 {
			return nil
		}
		body := make([]byte, n)
		if _, err := io.ReadFull(br, body); err != nil {
			return err
		}
		req.Body = body
	}
	return nil
}

func (s *Server) http1Session(conn net.Conn, br *bufio.Reader, clientAddr *net.TCPAddr) {
	for {
		conn.SetReadDeadline(time.Now().Add(config.Frontend.IdleTimeout))

		w := ws.New("req", 64*1024)
		req := &engines.Req{
			Ws:         w,
			Http:       vhttp.New(w, 96),
			Resp:       vhttp.New(w, 96),
			XID:        engines.NextXID(),
			ClientAddr: clientAddr,
		}

		if err := readRequest(br, req); err != nil {
			// idle close or junk; either way the session ends
			return
		}
		conn.SetReadDeadline(time.Time{})
		if err := readBody(br, req); err != nil {
			return
		}

		// h2c upgrade negotiated over HTTP/1
		if config.Frontend.H2CUpgrade {
			if u, ok := req.Http.GetHdr(vhttp.HdrUpgrade); ok && strings.EqualFold(u, "h2c") {
				settings, _ := req.Http.GetHdr(vhttp.HdrHTTP2Settings)
				s.upgradeH2C(conn, br, clientAddr, settings)
				return
			}
		}

		sink := &http1Sink{conn: conn}
		req.Sink = sink
		req.SendResp = func(r *engines.Req, resp *vhttp.Message) error {
			return sink.sendHead(r, resp)
		}

		host, _ := req.Http.GetHdr(vhttp.HdrHost)
		e := s.route(host)
		if e == nil {
			log.Error("no backend for request", log.Pairs{"host": host, "xid": req.XID})
			return
		}
		e.Serve(req)

		if req.Doclose != nil && req.Doclose != vhttp.ScNull {
			return
		}
		if v, ok := req.Http.GetHdr(vhttp.HdrConnection); ok && strings.EqualFold(v, "close") {
			return
		}
		if sink.failed {
			return
		}
	}
}

// http1Sink writes the response body, chunk-framed unless a
// Content-Length was emitted
type http1Sink struct {
	conn    net.Conn
	chunked bool
	failed  bool
	started bool
}

func (h *http1Sink) sendHead(req *engines.Req, resp *vhttp.Message) error {
	var sb strings.Builder
	reason := resp.Reason()
	if reason == "" {
		reason = "OK"
	}
	fmt.Fprintf(&sb, "HTTP/1.1 %d %s\r\n", resp.Status(), reason)
	hasCL := false
	resp.ForEach(func(name, value string) {
		if strings.EqualFold(name, "Content-Length") {
			hasCL = true
		}
		fmt.Fprintf(&sb, "%s: %s\r\n", name, value)
	})
	bodyless := resp.Status() == 304 || resp.Status() == 204 || req.Http.Method() == "HEAD"
	if !hasCL && !bodyless {
		h.chunked = true
		sb.WriteString("Transfer-Encoding: chunked\r\n")
	}
	sb.WriteString("Connection: keep-alive\r\n\r\n")
	h.started = true
	_, err := io.WriteString(h.conn, sb.String())
	if err != nil {
		h.failed = true
	}
	return err
}

func (h *http1Sink) Name() string { return "http1" }

func (h *http1Sink) Init(dc *filter.VdpCtx, e *filter.VdpEntry, oc *object.ObjCore) (int, error) {
	return 0, nil
}

func (h *http1Sink) Bytes(dc *filter.VdpCtx, e *filter.VdpEntry, act filter.VdpAction, p []byte) error {
	if h.failed {
		return fmt.Errorf("http1: client write already failed")
	}
	var err error
	if h.chunked {
		if len(p) > 0 {
			_, err = fmt.Fprintf(h.conn, "%x\r\n%s\r\n", len(p), p)
		}
		if err == nil && act == filter.VdpEnd {
			_, err = io.WriteString(h.conn, "0\r\n\r\n")
		}
	} else if len(p) > 0 {
		_, err = h.conn.Write(p)
	}
	if err != nil {
		h.failed = true
	}
	return err
}

func (h *http1Sink) Fini(dc *filter.VdpCtx, e *filter.VdpEntry) error { return nil }
