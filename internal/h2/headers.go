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
	"golang.org/x/net/http2/hpack"

	"github.com/tridentcache/trident/internal/util/log"
	"github.com/tridentcache/trident/internal/vhttp"
	"github.com/tridentcache/trident/internal/ws"
)

func newReqMessage(w *ws.Workspace, slots int) *vhttp.Message {
	m := vhttp.New(w, slots)
	m.SetH(vhttp.HdrProto, "HTTP/2.0")
	return m
}

// token characters per RFC 7230 tchar
func isTchar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		return true
	case c == '!' || c == '#' || c == '$' || c == '%' || c == '&' ||
		c == '\'' || c == '*' || c == '+' || c == '-' || c == '.' ||
		c == '^' || c == '_' || c == '`' || c == '|' || c == '~':
		return true
	}
	return false
}

// header field values allow VCHAR, HTAB, SP and obs-text
func isHdrVal(c byte) bool {
	return c == '\t' || (c >= 0x20 && c != 0x7f)
}

func isUpper(c byte) bool { return c >= 'A' && c <= 'Z' }
func isSPc(c byte) bool   { return c == ' ' || c == '\t' }

// checkField validates one decoded field name and value (rfc9113 rules)
func checkField(name, value string) *streamError {
	if len(name) == 0 {
		return &streamError{0, ErrProtocol, "empty field name"}
	}
	start := 0
	if name[0] == ':' {
		start = 1
	}
	for i := start; i < len(name); i++ {
		c := name[i]
		if isUpper(c) {
			return &streamError{0, ErrProtocol, "upper-case field name: " + name}
		}
		if !isTchar(c) || c == ':' {
			return &streamError{0, ErrProtocol, "non-token field name: " + name}
		}
	}
	if len(value) > 0 {
		if isSPc(value[0]) || isSPc(value[len(value)-1]) {
			return &streamError{0, ErrProtocol, "field value edge whitespace: " + name}
		}
		for i := 0; i < len(value); i++ {
			if !isHdrVal(value[i]) {
				return &streamError{0, ErrProtocol, "illegal field value: " + name}
			}
		}
	}
	return nil
}

// addField projects one decoded field into the stream's request message.
// Pseudo-headers land in the reserved slots; :authority is rewritten to
// Host. Workspace exhaustion is a stream-level ENHANCE_YOUR_CALM; the
// HPACK state stays consistent because decoding continues regardless.
func (st *Stream) addField(name, value string) {
	if st.hdrErr != nil && !isCalm(st.hdrErr) {
		return
	}
	if err := checkField(name, value); err != nil {
		err.stream = st.ID
		st.hdrErr = err
		return
	}
	m := st.Req

	switch name {
	case ":method":
		if m.Method() != "" {
			st.hdrErr = &streamError{st.ID, ErrProtocol, "duplicate :method"}
			return
		}
		if value == "" {
			st.hdrErr = &streamError{st.ID, ErrProtocol, "empty :method"}
			return
		}
		for i := 0; i < len(value); i++ {
			if !isTchar(value[i]) && !isUpper(value[i]) {
				st.hdrErr = &streamError{st.ID, ErrProtocol, "bad :method"}
				return
			}
		}
		m.SetH(vhttp.HdrMethod, value)
	case ":path":
		if m.URL() != "" {
			st.hdrErr = &streamError{st.ID, ErrProtocol, "duplicate :path"}
			return
		}
		if value == "" {
			st.hdrErr = &streamError{st.ID, ErrProtocol, "empty :path"}
			return
		}
		if value[0] != '/' && value != "*" {
			st.hdrErr = &streamError{st.ID, ErrProtocol, "illegal :path"}
			return
		}
		for i := 0; i < len(value); i++ {
			c := value[i]
			if c == ' ' || c == '\t' || c < 0x20 || c == 0x7f {
				st.hdrErr = &streamError{st.ID, ErrProtocol, ":path contains LWS or CTL"}
				return
			}
		}
		m.SetH(vhttp.HdrURL, value)
	case ":scheme":
		if st.hasScheme {
			st.hdrErr = &streamError{st.ID, ErrProtocol, "duplicate :scheme"}
			return
		}
		st.hasScheme = true
		if value == "" {
			st.hdrErr = &streamError{st.ID, ErrProtocol, "empty :scheme"}
			return
		}
		for i := 0; i < len(value); i++ {
			if !isTchar(value[i]) {
				st.hdrErr = &streamError{st.ID, ErrProtocol, "bad :scheme"}
				return
			}
		}
		if err := m.SetHeader("scheme: " + value); err != nil {
			st.calm()
		}
	case ":authority":
		if st.hasAuthority {
			st.hdrErr = &streamError{st.ID, ErrProtocol, "duplicate :authority"}
			return
		}
		st.hasAuthority = true
		if err := m.SetHeader("Host: " + value); err != nil {
			st.calm()
		}
	default:
		if name[0] == ':' {
			st.hdrErr = &streamError{st.ID, ErrProtocol, "unknown pseudo-header: " + name}
			return
		}
		if err := m.SetHeader(name + ": " + value); err != nil {
			st.calm()
		}
	}
}

func (st *Stream) calm() {
	if st.hdrErr == nil {
		st.hdrErr = &streamError{st.ID, ErrEnhanceYourCalm, "request workspace exhausted"}
	}
}

func isCalm(err error) bool {
	se, ok := err.(*streamError)
	return ok && se.code == ErrEnhanceYourCalm
}

// rxHeaders handles HEADERS and CONTINUATION frames: run the HPACK
// decoder with the stream's emit hook, validate, and finalize on
// END_HEADERS.
func (s *Session) rxHeaders(hdr frameHeader, payload []byte) error {
	var st *Stream

	if hdr.typ == FrameHeaders {
		if hdr.streamID == 0 {
			return &connError{ErrProtocol, "HEADERS on stream 0"}
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
		if hdr.flags&FlagPriority != 0 {
			if len(payload) < 5 {
				return &connError{ErrFrameSize, "short priority section"}
			}
			payload = payload[5:]
		}
		var err error
		st, err = s.newStream(hdr.streamID)
		if err != nil {
			return err
		}
		if hdr.flags&FlagEndStream != 0 {
			s.mtx.Lock()
			st.rxEnd = true
			st.state = StreamHalfClosedRemote
			s.mtx.Unlock()
		}
		s.mtx.Lock()
		s.contStream = st
		s.mtx.Unlock()
	} else {
		s.mtx.Lock()
		st = s.contStream
		s.mtx.Unlock()
		if st == nil {
			return &connError{ErrProtocol, "CONTINUATION without HEADERS"}
		}
	}

	// drive the HPACK decoder; decode failures are connection-fatal
	s.dec.SetEmitFunc(func(f hpack.HeaderField) {
		st.addField(f.Name, f.Value)
	})
	if _, err := s.dec.Write(payload); err != nil {
		log.Debug("BogoHeader", log.Pairs{"detail": "HPACK compression error: " + err.Error()})
		return &connError{ErrCompression, err.Error()}
	}

	if hdr.flags&FlagEndHeaders == 0 {
		return nil
	}

	// header block complete
	s.dec.SetEmitFunc(func(hpack.HeaderField) {})
	if err := s.dec.Close(); err != nil {
		return &connError{ErrCompression, err.Error()}
	}
	s.mtx.Lock()
	s.contStream = nil
	s.mtx.Unlock()

	if st.hdrErr != nil {
		err := st.hdrErr.(*streamError)
		log.Debug("BogoHeader", log.Pairs{"stream": st.ID, "detail": err.msg})
		return err
	}
	if !st.hasScheme {
		// rfc7540: requests without :scheme are malformed
		return &streamError{st.ID, ErrProtocol, "missing :scheme"}
	}
	if st.Req.Method() == "" || st.Req.URL() == "" {
		return &streamError{st.ID, ErrProtocol, "missing mandatory pseudo-header"}
	}
	st.endHeaders = true

	select {
	case s.AcceptC <- st:
	default:
		// the accept queue is bounded; shed the stream
		return &streamError{st.ID, ErrRefusedStream, "accept queue full"}
	}
	return nil
}
