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

package h2

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"golang.org/x/net/http2/hpack"

	"github.com/tridentcache/trident/internal/config"
	"github.com/tridentcache/trident/internal/util/log"
	"github.com/tridentcache/trident/internal/util/metrics"
	"github.com/tridentcache/trident/internal/vhttp"
)

func init() {
	config.Config = config.NewConfig()
	config.Main = config.Config.Main
	config.Logging = &config.LoggingConfig{LogLevel: "error"}
	log.Init()
	metrics.Init()
}

// testClient speaks raw client-side h2 against a Session
type testClient struct {
	t    *testing.T
	conn net.Conn
	enc  *hpack.Encoder
	ebuf bytes.Buffer
}

func newPair(t *testing.T) (*Session, *testClient) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()

	connC := make(chan net.Conn, 1)
	go func() {
		c, err := l.Accept()
		if err == nil {
			connC <- c
		}
	}()
	cliConn, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	srvConn := <-connC

	cli := &testClient{t: t, conn: cliConn}
	cli.enc = hpack.NewEncoder(&cli.ebuf)

	sess := NewSession(srvConn, DefaultConfig())
	cli.conn.Write(clientPreface)
	if err := sess.ReadPreface(); err != nil {
		t.Fatalf("preface: %v", err)
	}
	if err := sess.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	// consume the server SETTINGS and ack it
	hdr, _ := cli.readFrame()
	if hdr.typ != FrameSettings {
		t.Fatalf("expected SETTINGS, got %s", FrameName(hdr.typ))
	}
	cli.writeFrame(FrameSettings, FlagAck, 0, nil)
	return sess, cli
}

func (c *testClient) writeFrame(typ, flags byte, streamID uint32, payload []byte) {
	c.t.Helper()
	hdr := appendFrameHeader(nil, len(payload), typ, flags, streamID)
	c.conn.Write(hdr)
	if len(payload) > 0 {
		c.conn.Write(payload)
	}
}

func (c *testClient) readFrame() (frameHeader, []byte) {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	hdr, err := readFrameHeader(c.conn)
	if err != nil {
		c.t.Fatalf("read frame header: %v", err)
	}
	payload := make([]byte, hdr.length)
	if _, err := io.ReadFull(c.conn, payload); err != nil {
		c.t.Fatalf("read frame payload: %v", err)
	}
	return hdr, payload
}

// readFrameOfType skips frames until one of the wanted type arrives
func (c *testClient) readFrameOfType(typ byte) (frameHeader, []byte) {
	c.t.Helper()
	for i := 0; i < 10; i++ {
		hdr, p := c.readFrame()
		if hdr.typ == typ {
			return hdr, p
		}
	}
	c.t.Fatalf("no %s frame arrived", FrameName(typ))
	return frameHeader{}, nil
}

func (c *testClient) headerBlock(fields ...hpack.HeaderField) []byte {
	c.t.Helper()
	c.ebuf.Reset()
	for _, f := range fields {
		if err := c.enc.WriteField(f); err != nil {
			c.t.Fatalf("hpack: %v", err)
		}
	}
	return append([]byte(nil), c.ebuf.Bytes()...)
}

func getFields(path string) []hpack.HeaderField {
	return []hpack.HeaderField{
		{Name: ":method", Value: "GET"},
		{Name: ":scheme", Value: "http"},
		{Name: ":path", Value: path},
		{Name: ":authority", Value: "example.com"},
	}
}

func acceptStream(t *testing.T, s *Session) *Stream {
	t.Helper()
	select {
	case st := <-s.AcceptC:
		return st
	case <-time.After(2 * time.Second):
		t.Fatalf("no stream accepted")
		return nil
	}
}

func TestHeadersDecodeIntoRequest(t *testing.T) {
	sess, cli := newPair(t)
	defer sess.Stop()

	block := cli.headerBlock(append(getFields("/x"),
		hpack.HeaderField{Name: "user-agent", Value: "test/1"})...)
	cli.writeFrame(FrameHeaders, FlagEndHeaders|FlagEndStream, 1, block)

	st := acceptStream(t, sess)
	if st.Req.Method() != "GET" || st.Req.URL() != "/x" {
		t.Errorf("decoded %q %q", st.Req.Method(), st.Req.URL())
	}
	// :authority is projected into Host
	if v, ok := st.Req.GetHdr(vhttp.HdrHost); !ok || v != "example.com" {
		t.Errorf("Host = %q, %v", v, ok)
	}
	if v, ok := st.Req.GetHdr(vhttp.Hdr("user-agent")); !ok || v != "test/1" {
		t.Errorf("user-agent = %q, %v", v, ok)
	}
}

// an upper-case field name resets the stream, not the connection
func TestUpperCaseHeaderResetsStreamOnly(t *testing.T) {
	sess, cli := newPair(t)
	defer sess.Stop()

	block := cli.headerBlock(append(getFields("/bad"),
		hpack.HeaderField{Name: "Upper-Case", Value: "x"})...)
	cli.writeFrame(FrameHeaders, FlagEndHeaders|FlagEndStream, 1, block)

	hdr, p := cli.readFrameOfType(FrameRSTStream)
	if hdr.streamID != 1 {
		t.Errorf("RST on stream %d", hdr.streamID)
	}
	if code := binary.BigEndian.Uint32(p); code != ErrProtocol {
		t.Errorf("RST code %d, want PROTOCOL_ERROR", code)
	}

	// the connection survives: a following stream decodes fine
	block = cli.headerBlock(getFields("/good")...)
	cli.writeFrame(FrameHeaders, FlagEndHeaders|FlagEndStream, 3, block)
	st := acceptStream(t, sess)
	if st.ID != 3 || st.Req.URL() != "/good" {
		t.Errorf("stream %d url %q", st.ID, st.Req.URL())
	}
}

func TestMissingSchemeRejected(t *testing.T) {
	sess, cli := newPair(t)
	defer sess.Stop()

	block := cli.headerBlock(
		hpack.HeaderField{Name: ":method", Value: "GET"},
		hpack.HeaderField{Name: ":path", Value: "/x"},
	)
	cli.writeFrame(FrameHeaders, FlagEndHeaders|FlagEndStream, 1, block)
	hdr, _ := cli.readFrameOfType(FrameRSTStream)
	if hdr.streamID != 1 {
		t.Errorf("RST on stream %d", hdr.streamID)
	}
}

func TestDuplicateAuthorityRejected(t *testing.T) {
	sess, cli := newPair(t)
	defer sess.Stop()

	block := cli.headerBlock(append(getFields("/x"),
		hpack.HeaderField{Name: ":authority", Value: "twice.example.com"})...)
	cli.writeFrame(FrameHeaders, FlagEndHeaders|FlagEndStream, 1, block)
	hdr, p := cli.readFrameOfType(FrameRSTStream)
	if hdr.streamID != 1 || binary.BigEndian.Uint32(p) != ErrProtocol {
		t.Errorf("expected PROTOCOL_ERROR reset, got stream %d code %d",
			hdr.streamID, binary.BigEndian.Uint32(p))
	}
}

func TestDataFlowControlAccounting(t *testing.T) {
	sess, cli := newPair(t)
	defer sess.Stop()

	block := cli.headerBlock(getFields("/post")...)
	cli.writeFrame(FrameHeaders, FlagEndHeaders, 1, block)
	st := acceptStream(t, sess)

	payload := []byte("hello body")
	cli.writeFrame(FrameData, FlagEndStream, 1, payload)

	buf := make([]byte, 64)
	n, err := st.ReadBody(buf)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(buf[:n]) != "hello body" {
		t.Errorf("body = %q", buf[:n])
	}
	// the receive windows shrank by the payload length
	if got := st.RecvWindow(); got != initialWindow-int64(len(payload)) {
		t.Errorf("stream recv window = %d", got)
	}
	sess.mtx.Lock()
	connWin := sess.recvWindow
	sess.mtx.Unlock()
	if connWin != initialWindow-int64(len(payload)) {
		t.Errorf("conn recv window = %d", connWin)
	}
}

// P5: the payload bytes of sent DATA equal the decrease of the stream's
// peer window since open
func TestSendWindowDecrement(t *testing.T) {
	sess, cli := newPair(t)
	defer sess.Stop()

	cli.writeFrame(FrameHeaders, FlagEndHeaders|FlagEndStream, 1, cli.headerBlock(getFields("/x")...))
	st := acceptStream(t, sess)

	before := st.SendWindow()
	if err := st.WriteData([]byte("0123456789"), false); err != nil {
		t.Fatalf("write: %v", err)
	}
	hdr, p := cli.readFrameOfType(FrameData)
	if hdr.streamID != 1 || string(p) != "0123456789" {
		t.Errorf("DATA frame %d %q", hdr.streamID, p)
	}
	if got := before - st.SendWindow(); got != 10 {
		t.Errorf("send window shrank by %d, want 10", got)
	}
}

func TestWindowUpdateGrowsSendWindow(t *testing.T) {
	sess, cli := newPair(t)
	defer sess.Stop()

	cli.writeFrame(FrameHeaders, FlagEndHeaders|FlagEndStream, 1, cli.headerBlock(getFields("/x")...))
	st := acceptStream(t, sess)

	var incr [4]byte
	binary.BigEndian.PutUint32(incr[:], 1000)
	cli.writeFrame(FrameWindowUpdate, 0, 1, incr[:])

	deadline := time.Now().Add(time.Second)
	for st.SendWindow() != initialWindow+1000 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := st.SendWindow(); got != initialWindow+1000 {
		t.Errorf("send window = %d", got)
	}
}

func TestInitialWindowSizeDeltaAppliesToLiveStreams(t *testing.T) {
	sess, cli := newPair(t)
	defer sess.Stop()

	cli.writeFrame(FrameHeaders, FlagEndHeaders|FlagEndStream, 1, cli.headerBlock(getFields("/x")...))
	st := acceptStream(t, sess)

	var set [6]byte
	binary.BigEndian.PutUint16(set[0:2], SettingInitialWindowSize)
	binary.BigEndian.PutUint32(set[2:6], 70000)
	cli.writeFrame(FrameSettings, 0, 0, set[:])

	deadline := time.Now().Add(time.Second)
	want := int64(initialWindow) + (70000 - initialWindow)
	for st.SendWindow() != want && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := st.SendWindow(); got != want {
		t.Errorf("send window after settings = %d, want %d", got, want)
	}
}

func TestPingAck(t *testing.T) {
	sess, cli := newPair(t)
	defer sess.Stop()

	data := []byte("opaque!!")
	cli.writeFrame(FramePing, 0, 0, data)
	hdr, p := cli.readFrameOfType(FramePing)
	if hdr.flags&FlagAck == 0 || !bytes.Equal(p, data) {
		t.Errorf("PING ack flags %x payload %q", hdr.flags, p)
	}
}

func TestGoawayRecorded(t *testing.T) {
	sess, cli := newPair(t)
	defer sess.Stop()

	var p [8]byte
	binary.BigEndian.PutUint32(p[0:4], 5)
	binary.BigEndian.PutUint32(p[4:8], ErrCancel)
	cli.writeFrame(FrameGoaway, 0, 0, p[:])

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		sess.mtx.Lock()
		last, code := sess.goawayLast, sess.goawayCode
		sess.mtx.Unlock()
		if last == 5 && code == ErrCancel {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Errorf("GOAWAY not recorded")
}

func TestUpgradeSettings(t *testing.T) {
	sess, cli := newPair(t)
	defer sess.Stop()
	_ = cli

	// SETTINGS_INITIAL_WINDOW_SIZE = 8192, base64url encoded
	var raw [6]byte
	binary.BigEndian.PutUint16(raw[0:2], SettingInitialWindowSize)
	binary.BigEndian.PutUint32(raw[2:6], 8192)
	b64 := base64.RawURLEncoding.EncodeToString(raw[:])
	if err := sess.ApplyUpgradeSettings(b64); err != nil {
		t.Fatalf("apply: %v", err)
	}
	sess.mtx.Lock()
	got := sess.peerInitWindow
	sess.mtx.Unlock()
	if got != 8192 {
		t.Errorf("peer initial window = %d", got)
	}
}

func TestBadPrefaceRejected(t *testing.T) {
	l, _ := net.Listen("tcp", "127.0.0.1:0")
	defer l.Close()
	connC := make(chan net.Conn, 1)
	go func() {
		c, err := l.Accept()
		if err == nil {
			connC <- c
		}
	}()
	cli, _ := net.Dial("tcp", l.Addr().String())
	defer cli.Close()
	srv := <-connC

	sess := NewSession(srv, DefaultConfig())
	cli.Write([]byte("GET / HTTP/1.1\r\nHost: a\r\n\r\n       "))
	if err := sess.ReadPreface(); err == nil {
		t.Errorf("bad preface accepted")
	}
}
