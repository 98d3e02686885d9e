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

	"github.com/tridentcache/trident/internal/vhttp"
	"github.com/tridentcache/trident/internal/ws"
)

// stream states; the state is implicit in which frames have been seen
const (
	StreamIdle = iota
	StreamOpen
	StreamHalfClosedRemote
	StreamClosed
)

// Stream is one HTTP/2 stream of a session
type Stream struct {
	ID uint32

	sess  *Session
	state int

	// flow control: how much the peer may still send us, and how much
	// we may still send the peer
	recvWindow int64
	sendWindow int64

	// pending received DATA payloads, consumed by the request body
	// reader; guarded by the session mutex, waiters on the session cond
	body   bytes.Buffer
	rxEnd  bool
	rxErr  error
	resetC uint32

	// decoded request
	Req *vhttp.Message
	Ws  *ws.Workspace

	// header collection state
	hasScheme    bool
	hasAuthority bool
	hdrErr       error
	endHeaders   bool

	// priority
	dependsOn uint32
	weight    uint8
	exclusive bool
}

// State returns the stream state under the session lock
func (st *Stream) State() int {
	st.sess.mtx.Lock()
	defer st.sess.mtx.Unlock()
	return st.state
}

// RecvWindow returns the stream's receive window
func (st *Stream) RecvWindow() int64 {
	st.sess.mtx.Lock()
	defer st.sess.mtx.Unlock()
	return st.recvWindow
}

// SendWindow returns the stream's send window
func (st *Stream) SendWindow() int64 {
	st.sess.mtx.Lock()
	defer st.sess.mtx.Unlock()
	return st.sendWindow
}

// ReadBody blocks until body bytes, end-of-stream, or a reset arrive.
// Within a stream, data is observed in arrival order.
func (st *Stream) ReadBody(p []byte) (int, error) {
	s := st.sess
	s.mtx.Lock()
	defer s.mtx.Unlock()
	for {
		if st.body.Len() > 0 {
			n, _ := st.body.Read(p)
			return n, nil
		}
		if st.rxErr != nil {
			return 0, st.rxErr
		}
		if st.rxEnd {
			return 0, errEndOfStream
		}
		if !s.running {
			return 0, errSessionClosed
		}
		s.cond.Wait()
	}
}

// WriteData frames p as DATA on this stream, decrementing both the
// stream's and the connection's send windows by the payload length.
func (st *Stream) WriteData(p []byte, endStream bool) error {
	s := st.sess
	for {
		var n int64
		s.mtx.Lock()
		for {
			n = int64(len(p))
			if n > int64(s.peerMaxFrame) {
				n = int64(s.peerMaxFrame)
			}
			if n > st.sendWindow {
				n = st.sendWindow
			}
			if n > s.sendWindow {
				n = s.sendWindow
			}
			if n < 0 {
				n = 0
			}
			if len(p) == 0 || n > 0 {
				break
			}
			// wait for window updates
			if !s.running {
				s.mtx.Unlock()
				return errSessionClosed
			}
			s.cond.Wait()
		}
		st.sendWindow -= n
		s.sendWindow -= n
		s.mtx.Unlock()

		last := int64(len(p)) == n
		flags := byte(0)
		if endStream && last {
			flags = FlagEndStream
		}
		if err := s.writeFrame(FrameData, flags, st.ID, p[:n]); err != nil {
			return err
		}
		p = p[n:]
		if last {
			return nil
		}
	}
}
