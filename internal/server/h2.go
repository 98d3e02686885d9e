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
	"bufio"
	"io"
	"net"
	"strconv"
	"strings"

	"golang.org/x/net/http2/hpack"

	"github.com/tridentcache/trident/internal/filter"
	"github.com/tridentcache/trident/internal/h2"
	"github.com/tridentcache/trident/internal/object"
	"github.com/tridentcache/trident/internal/proxy/engines"
	"github.com/tridentcache/trident/internal/util/log"
	"github.com/tridentcache/trident/internal/vhttp"
	"github.com/tridentcache/trident/internal/ws"
)

// bufferedConn lets the h2 session read bytes the http1 reader buffered
type bufferedConn struct {
	net.Conn
	br *bufio.Reader
}

func (b *bufferedConn) Read(p []byte) (int, error) {
	return b.br.Read(p)
}

// upgradeH2C answers a 101 and continues the connection as HTTP/2
func (s *Server) upgradeH2C(conn net.Conn, br *bufio.Reader, clientAddr *net.TCPAddr, settings string) {
	io.WriteString(conn, "HTTP/1.1 101 Switching Protocols\r\nConnection: Upgrade\r\nUpgrade: h2c\r\n\r\n")
	s.h2Session(conn, br, clientAddr, settings)
}

// h2Session runs one HTTP/2 connection to completion
func (s *Server) h2Session(conn net.Conn, br *bufio.Reader, clientAddr *net.TCPAddr, upgradeSettings string) {
	bc := &bufferedConn{Conn: conn, br: br}
	sess := h2.NewSession(bc, h2.DefaultConfig())

	if upgradeSettings != "" {
		if err := sess.ApplyUpgradeSettings(upgradeSettings); err != nil {
			log.Debug("h2 upgrade settings rejected", log.Pairs{"detail": err.Error()})
			return
		}
	}
	if err := sess.ReadPreface(); err != nil {
		log.Debug("h2 preface rejected", log.Pairs{"detail": err.Error()})
		return
	}
	if err := sess.Start(); err != nil {
		return
	}
	defer sess.Stop()

	for st := range sess.AcceptC {
		go s.h2Request(sess, st, clientAddr)
	}
}

// h2Request serves one accepted stream
func (s *Server) h2Request(sess *h2.Session, st *h2.Stream, clientAddr *net.TCPAddr) {
	defer sess.DropStream(st)

	w := ws.New("req", 64*1024)
	req := &engines.Req{
		Ws:         w,
		Http:       vhttp.New(w, 96),
		Resp:       vhttp.New(w, 96),
		XID:        engines.NextXID(),
		ClientAddr: clientAddr,
	}
	req.Http.Dup(st.Req)
	req.Http.SetH(vhttp.HdrProto, "HTTP/2.0")

	// drain any request body the peer streams
	var body []byte
	buf := make([]byte, 8*1024)
	for {
		n, err := st.ReadBody(buf)
		if n > 0 {
			body = append(body, buf[:n]...)
		}
		if err != nil {
			break
		}
	}
	req.Body = body

	sink := &h2Sink{sess: sess, st: st}
	req.Sink = sink
	req.SendResp = func(r *engines.Req, resp *vhttp.Message) error {
		return sink.sendHead(r, resp)
	}

	host, _ := req.Http.GetHdr(vhttp.HdrHost)
	e := s.route(host)
	if e == nil {
		sess.RstStream(st, h2.ErrRefusedStream)
		return
	}
	e.Serve(req)
	sink.finish()
}

// h2Sink frames the response body as DATA
type h2Sink struct {
	sess     *h2.Session
	st       *h2.Stream
	headSent bool
	bodyless bool
	ended    bool
}

func (h *h2Sink) sendHead(req *engines.Req, resp *vhttp.Message) error {
	fields := []hpack.HeaderField{
		{Name: ":status", Value: strconv.Itoa(int(resp.Status()))},
	}
	resp.ForEach(func(name, value string) {
		lower := strings.ToLower(name)
		switch lower {
		case "connection", "keep-alive", "transfer-encoding", "upgrade":
			return
		}
		fields = append(fields, hpack.HeaderField{Name: lower, Value: value})
	})
	h.bodyless = resp.Status() == 304 || resp.Status() == 204 || req.Http.Method() == "HEAD"
	h.headSent = true
	if h.bodyless {
		h.ended = true
	}
	return h.sess.WriteHeaders(h.st, fields, h.bodyless)
}

func (h *h2Sink) finish() {
	if h.headSent && !h.ended {
		h.st.WriteData(nil, true)
		h.ended = true
	}
}

func (h *h2Sink) Name() string { return "h2" }

func (h *h2Sink) Init(dc *filter.VdpCtx, e *filter.VdpEntry, oc *object.ObjCore) (int, error) {
	return 0, nil
}

func (h *h2Sink) Bytes(dc *filter.VdpCtx, e *filter.VdpEntry, act filter.VdpAction, p []byte) error {
	if h.ended {
		return nil
	}
	if act == filter.VdpEnd {
		h.ended = true
		return h.st.WriteData(p, true)
	}
	if len(p) == 0 {
		return nil
	}
	return h.st.WriteData(p, false)
}

func (h *h2Sink) Fini(dc *filter.VdpCtx, e *filter.VdpEntry) error { return nil }
