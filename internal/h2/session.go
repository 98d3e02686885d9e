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
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"golang.org/x/net/http2/hpack"

	"github.com/tridentcache/trident/internal/util/log"
	"github.com/tridentcache/trident/internal/util/metrics"
	"github.com/tridentcache/trident/internal/ws"
)

var errEndOfStream = errors.New("h2: end of stream")
var errSessionClosed = errors.New("h2: session closed")

// Config bounds a session
type Config struct {
	// MaxFrameSize is our advertised maximum frame payload
	MaxFrameSize uint32
	// MaxHeaderTableSize is our advertised HPACK table limit
	MaxHeaderTableSize uint32
	// ReqWsSize sizes each stream's request workspace
	ReqWsSize int
	// ReqHdrSlots sizes each stream's request message
	ReqHdrSlots int
}

// DefaultConfig returns the session defaults
func DefaultConfig() Config {
	return Config{
		MaxFrameSize:       16384,
		MaxHeaderTableSize: 4096,
		ReqWsSize:          32 * 1024,
		ReqHdrSlots:        64,
	}
}

// Session is the per-TCP-connection HTTP/2 state
type Session struct {
	conn net.Conn
	cfg  Config

	mtx  sync.Mutex
	cond *sync.Cond

	running bool

	streams      map[uint32]*Stream
	lastStreamID uint32

	// connection flow control windows: ours (peer sending to us) and the
	// peer's view (us sending to them)
	recvWindow int64
	sendWindow int64

	// peer settings
	peerInitWindow int64
	peerMaxFrame   uint32

	// our view of header decoding
	dec    *hpack.Decoder
	enc    *hpack.Encoder
	encBuf *writeBuf

	// continuation state: the stream whose header block is open
	contStream *Stream

	// AcceptC delivers streams whose request headers finished decoding
	AcceptC chan *Stream

	// goaway bookkeeping
	goawayLast  uint32
	goawayCode  uint32
	goawayDebug []byte
	pingData    [8]byte

	wmtx sync.Mutex

	recvDone chan struct{}
}

type writeBuf struct {
	b []byte
}

func (w *writeBuf) Write(p []byte) (int, error) {
	w.b = append(w.b, p...)
	return len(p), nil
}

// NewSession wraps an accepted connection. The caller then runs Start
// after consuming the preface or h2c upgrade.
func NewSession(conn net.Conn, cfg Config) *Session {
	s := &Session{
		conn:           conn,
		cfg:            cfg,
		streams:        make(map[uint32]*Stream),
		recvWindow:     initialWindow,
		sendWindow:     initialWindow,
		peerInitWindow: initialWindow,
		peerMaxFrame:   16384,
		AcceptC:        make(chan *Stream, 8),
		recvDone:       make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mtx)
	s.dec = hpack.NewDecoder(cfg.MaxHeaderTableSize, nil)
	s.encBuf = &writeBuf{}
	s.enc = hpack.NewEncoder(s.encBuf)
	return s
}

// ReadPreface consumes and checks the 24-byte client preface
func (s *Session) ReadPreface() error {
	buf := make([]byte, len(clientPreface))
	if _, err := io.ReadFull(s.conn, buf); err != nil {
		return err
	}
	if string(buf) != string(clientPreface) {
		return fmt.Errorf("h2: bad connection preface")
	}
	return nil
}

// ApplyUpgradeSettings applies a base64url HTTP2-Settings payload from an
// h2c upgrade to the peer view.
func (s *Session) ApplyUpgradeSettings(b64 string) error {
	p, err := base64.RawURLEncoding.DecodeString(b64)
	if err != nil {
		return fmt.Errorf("h2: bad HTTP2-Settings: %v", err)
	}
	if len(p)%6 != 0 {
		return fmt.Errorf("h2: bad HTTP2-Settings length")
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.applySettingsLocked(p)
}

// Start sends our SETTINGS and launches the receiver
func (s *Session) Start() error {
	var settings []byte
	var v [6]byte
	binary.BigEndian.PutUint16(v[0:2], SettingMaxFrameSize)
	binary.BigEndian.PutUint32(v[2:6], s.cfg.MaxFrameSize)
	settings = append(settings, v[:]...)
	binary.BigEndian.PutUint16(v[0:2], SettingHeaderTableSize)
	binary.BigEndian.PutUint32(v[2:6], s.cfg.MaxHeaderTableSize)
	settings = append(settings, v[:]...)
	if err := s.writeFrame(FrameSettings, 0, 0, settings); err != nil {
		return err
	}
	s.mtx.Lock()
	s.running = true
	s.mtx.Unlock()
	go s.receiver()
	return nil
}

// Stop tears the session down: the run flag is cleared, waiters released,
// the receiver joined, and the HPACK contexts discarded.
func (s *Session) Stop() {
	s.mtx.Lock()
	was := s.running
	s.running = false
	s.cond.Broadcast()
	s.mtx.Unlock()
	s.conn.Close()
	if was {
		<-s.recvDone
	}
	s.mtx.Lock()
	s.dec = nil
	s.enc = nil
	s.mtx.Unlock()
}

// writeFrame serializes one frame onto the connection
func (s *Session) writeFrame(typ, flags byte, streamID uint32, payload []byte) error {
	s.wmtx.Lock()
	defer s.wmtx.Unlock()
	hdr := appendFrameHeader(nil, len(payload), typ, flags, streamID)
	if _, err := s.conn.Write(hdr); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := s.conn.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

// RstStream resets one stream with the given error code
func (s *Session) RstStream(st *Stream, code uint32) error {
	var p [4]byte
	binary.BigEndian.PutUint32(p[:], code)
	s.mtx.Lock()
	st.state = StreamClosed
	st.rxErr = fmt.Errorf("h2: stream reset (%d)", code)
	s.cond.Broadcast()
	s.mtx.Unlock()
	metrics.H2StreamErrors.Inc()
	return s.writeFrame(FrameRSTStream, 0, st.ID, p[:])
}

// Goaway announces connection teardown
func (s *Session) Goaway(code uint32) error {
	s.mtx.Lock()
	last := s.lastStreamID
	s.mtx.Unlock()
	var p [8]byte
	binary.BigEndian.PutUint32(p[0:4], last&0x7fffffff)
	binary.BigEndian.PutUint32(p[4:8], code)
	return s.writeFrame(FrameGoaway, 0, 0, p[:])
}

// WriteHeaders HPACK-encodes and sends a response header block
func (s *Session) WriteHeaders(st *Stream, fields []hpack.HeaderField, endStream bool) error {
	s.mtx.Lock()
	if s.enc == nil {
		s.mtx.Unlock()
		return errSessionClosed
	}
	s.encBuf.b = s.encBuf.b[:0]
	for _, f := range fields {
		if err := s.enc.WriteField(f); err != nil {
			s.mtx.Unlock()
			return err
		}
	}
	block := append([]byte(nil), s.encBuf.b...)
	s.mtx.Unlock()

	flags := byte(FlagEndHeaders)
	if endStream {
		flags |= FlagEndStream
	}
	return s.writeFrame(FrameHeaders, flags, st.ID, block)
}

// receiver is the per-session frame reading loop. It never writes to the
// socket except through writeFrame (acks), and enqueues work under the
// session mutex.
func (s *Session) receiver() {
	defer close(s.recvDone)
	// no more streams will be accepted once the receiver exits
	defer close(s.AcceptC)
	for {
		s.mtx.Lock()
		running := s.running
		s.mtx.Unlock()
		if !running {
			return
		}

		hdr, err := readFrameHeader(s.conn)
		if err != nil {
			s.connError(&connError{ErrNone, "read: " + err.Error()}, false)
			return
		}
		if hdr.length > s.cfg.MaxFrameSize {
			s.connError(&connError{ErrFrameSize, "oversized frame"}, true)
			return
		}
		payload := make([]byte, hdr.length)
		if _, err := io.ReadFull(s.conn, payload); err != nil {
			s.connError(&connError{ErrNone, "read: " + err.Error()}, false)
			return
		}
		metrics.H2Frames.WithLabelValues(FrameName(hdr.typ)).Inc()

		if err := s.dispatch(hdr, payload); err != nil {
			switch e := err.(type) {
			case *streamError:
				s.mtx.Lock()
				st := s.streams[e.stream]
				s.mtx.Unlock()
				if st != nil {
					s.RstStream(st, e.code)
				} else {
					var p [4]byte
					binary.BigEndian.PutUint32(p[:], e.code)
					s.writeFrame(FrameRSTStream, 0, e.stream, p[:])
				}
				log.Debug("h2 stream error", log.Pairs{"stream": e.stream, "code": e.code, "detail": e.msg})
			case *connError:
				s.connError(e, true)
				return
			default:
				s.connError(&connError{ErrInternal, err.Error()}, true)
				return
			}
		}
	}
}

func (s *Session) connError(e *connError, sendGoaway bool) {
	metrics.H2ConnErrors.Inc()
	if sendGoaway {
		s.Goaway(e.code)
	}
	s.mtx.Lock()
	s.running = false
	for _, st := range s.streams {
		if st.rxErr == nil {
			st.rxErr = e
		}
	}
	s.cond.Broadcast()
	s.mtx.Unlock()
	s.conn.Close()
}

// checkContinuation guards the HEADERS/CONTINUATION pairing rule
func (s *Session) checkContinuation(hdr frameHeader) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.contStream == nil {
		return nil
	}
	if hdr.typ != FrameContinuation || hdr.streamID != s.contStream.ID {
		return &connError{ErrProtocol, "interleaved header block"}
	}
	return nil
}

func (s *Session) dispatch(hdr frameHeader, payload []byte) error {
	if err := s.checkContinuation(hdr); err != nil {
		return err
	}

	switch hdr.typ {
	case FrameData:
		return s.rxData(hdr, payload)
	case FrameHeaders, FrameContinuation:
		return s.rxHeaders(hdr, payload)
	case FramePushPromise:
		// clients must not push
		return &connError{ErrProtocol, "PUSH_PROMISE from client"}
	case FramePriority:
		return s.rxPriority(hdr, payload)
	case FrameRSTStream:
		return s.rxRstStream(hdr, payload)
	case FrameSettings:
		return s.rxSettings(hdr, payload)
	case FramePing:
		return s.rxPing(hdr, payload)
	case FrameGoaway:
		return s.rxGoaway(hdr, payload)
	case FrameWindowUpdate:
		return s.rxWindowUpdate(hdr, payload)
	default:
		// unknown frame types are ignored
		return nil
	}
}

func (s *Session) rxData(hdr frameHeader, payload []byte) error {
	if hdr.streamID == 0 {
		return &connError{ErrProtocol, "DATA on stream 0"}
	}
	if hdr.flags&FlagPadded != 0 {
		if len(payload) < 1 {
			return &connError{ErrFrameSize, "bad padding"}
		}
		pad := int(payload[0])
		if pad >= len(payload) {
			return &connError{ErrProtocol, "padding exceeds payload"}
		}
		payload = payload[1 : len(payload)-pad]
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()
	st := s.streams[hdr.streamID]
	if st == nil || st.state == StreamClosed {
		return &streamError{hdr.streamID, ErrStreamClosed, "DATA on closed stream"}
	}
	if st.state == StreamHalfClosedRemote {
		return &streamError{hdr.streamID, ErrStreamClosed, "DATA after end of stream"}
	}

	// subtract from the stream's and the connection's windows
	n := int64(hdr.length)
	if n > st.recvWindow || n > s.recvWindow {
		return &connError{ErrFlowControl, "window exceeded"}
	}
	st.recvWindow -= n
	s.recvWindow -= n

	st.body.Write(payload)
	if hdr.flags&FlagEndStream != 0 {
		st.rxEnd = true
		st.state = StreamHalfClosedRemote
	}
	s.cond.Broadcast()
	return nil
}

func (s *Session) rxPriority(hdr frameHeader, payload []byte) error {
	if len(payload) != 5 {
		return &streamError{hdr.streamID, ErrFrameSize, "bad PRIORITY size"}
	}
	dep := binary.BigEndian.Uint32(payload[0:4])
	exclusive := dep&0x80000000 != 0
	dep &= 0x7fffffff
	if dep == hdr.streamID {
		return &streamError{hdr.streamID, ErrProtocol, "stream depends on itself"}
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()
	st := s.streams[hdr.streamID]
	if st == nil {
		return nil
	}
	st.dependsOn = dep
	st.weight = payload[4]
	st.exclusive = exclusive
	if exclusive {
		// mark exclusive rewrites the parent of this stream's siblings
		for _, other := range s.streams {
			if other != st && other.dependsOn == dep {
				other.dependsOn = st.ID
			}
		}
	}
	return nil
}

func (s *Session) rxRstStream(hdr frameHeader, payload []byte) error {
	if hdr.streamID == 0 || len(payload) != 4 {
		return &connError{ErrProtocol, "bad RST_STREAM"}
	}
	code := binary.BigEndian.Uint32(payload)
	s.mtx.Lock()
	defer s.mtx.Unlock()
	st := s.streams[hdr.streamID]
	if st == nil {
		return nil
	}
	st.resetC = code
	st.state = StreamClosed
	if st.rxErr == nil {
		st.rxErr = fmt.Errorf("h2: stream reset by peer (%d)", code)
	}
	s.cond.Broadcast()
	return nil
}

func (s *Session) applySettingsLocked(payload []byte) error {
	for len(payload) >= 6 {
		k := binary.BigEndian.Uint16(payload[0:2])
		v := binary.BigEndian.Uint32(payload[2:6])
		payload = payload[6:]
		switch k {
		case SettingInitialWindowSize:
			if v > 0x7fffffff {
				return &connError{ErrFlowControl, "bad initial window"}
			}
			// adjust the peer-view window of every live stream by delta
			delta := int64(v) - s.peerInitWindow
			for _, st := range s.streams {
				st.sendWindow += delta
			}
			s.peerInitWindow = int64(v)
			s.cond.Broadcast()
		case SettingMaxFrameSize:
			if v < 16384 || v > 0xffffff {
				return &connError{ErrProtocol, "bad max frame size"}
			}
			s.peerMaxFrame = v
		case SettingHeaderTableSize:
			if s.dec != nil {
				s.dec.SetMaxDynamicTableSize(v)
			}
		case SettingEnablePush:
			if v > 1 {
				return &connError{ErrProtocol, "bad enable push"}
			}
		}
	}
	return nil
}

func (s *Session) rxSettings(hdr frameHeader, payload []byte) error {
	if hdr.streamID != 0 {
		return &connError{ErrProtocol, "SETTINGS on a stream"}
	}
	if hdr.flags&FlagAck != 0 {
		if len(payload) != 0 {
			return &connError{ErrFrameSize, "SETTINGS ack with payload"}
		}
		return nil
	}
	if len(payload)%6 != 0 {
		return &connError{ErrFrameSize, "bad SETTINGS size"}
	}
	s.mtx.Lock()
	err := s.applySettingsLocked(payload)
	s.mtx.Unlock()
	if err != nil {
		return err
	}
	return s.writeFrame(FrameSettings, FlagAck, 0, nil)
}

func (s *Session) rxPing(hdr frameHeader, payload []byte) error {
	if len(payload) != 8 || hdr.streamID != 0 {
		return &connError{ErrFrameSize, "bad PING"}
	}
	if hdr.flags&FlagAck != 0 {
		return nil
	}
	s.mtx.Lock()
	copy(s.pingData[:], payload)
	s.mtx.Unlock()
	return s.writeFrame(FramePing, FlagAck, 0, payload)
}

func (s *Session) rxGoaway(hdr frameHeader, payload []byte) error {
	if len(payload) < 8 || hdr.streamID != 0 {
		return &connError{ErrProtocol, "bad GOAWAY"}
	}
	s.mtx.Lock()
	s.goawayLast = binary.BigEndian.Uint32(payload[0:4]) & 0x7fffffff
	s.goawayCode = binary.BigEndian.Uint32(payload[4:8])
	s.goawayDebug = append([]byte(nil), payload[8:]...)
	s.mtx.Unlock()
	return nil
}

func (s *Session) rxWindowUpdate(hdr frameHeader, payload []byte) error {
	if len(payload) != 4 {
		return &connError{ErrFrameSize, "bad WINDOW_UPDATE"}
	}
	incr := int64(binary.BigEndian.Uint32(payload) & 0x7fffffff)
	if incr == 0 {
		if hdr.streamID == 0 {
			return &connError{ErrProtocol, "zero WINDOW_UPDATE"}
		}
		return &streamError{hdr.streamID, ErrProtocol, "zero WINDOW_UPDATE"}
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if hdr.streamID == 0 {
		s.sendWindow += incr
		if s.sendWindow > 0x7fffffff {
			return &connError{ErrFlowControl, "window overflow"}
		}
	} else if st := s.streams[hdr.streamID]; st != nil {
		st.sendWindow += incr
		if st.sendWindow > 0x7fffffff {
			return &streamError{hdr.streamID, ErrFlowControl, "window overflow"}
		}
	}
	s.cond.Broadcast()
	return nil
}

// newStream registers a stream for an arriving HEADERS frame
func (s *Session) newStream(id uint32) (*Stream, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if id == 0 || id%2 == 0 {
		return nil, &connError{ErrProtocol, "bad client stream id"}
	}
	if id <= s.lastStreamID {
		return nil, &connError{ErrProtocol, "stream id not increasing"}
	}
	s.lastStreamID = id
	w := ws.New("h2req", s.cfg.ReqWsSize)
	st := &Stream{
		ID:         id,
		sess:       s,
		state:      StreamOpen,
		recvWindow: initialWindow,
		sendWindow: s.peerInitWindow,
		Ws:         w,
	}
	st.Req = newReqMessage(w, s.cfg.ReqHdrSlots)
	s.streams[id] = st
	return st, nil
}

// DropStream forgets a finished stream
func (s *Session) DropStream(st *Stream) {
	s.mtx.Lock()
	st.state = StreamClosed
	delete(s.streams, st.ID)
	s.mtx.Unlock()
}
