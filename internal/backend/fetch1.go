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
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/tridentcache/trident/internal/vhttp"
)

// sendReq writes the bereq message and optional body on the backend
// connection
func (b *Backend) sendReq(bo *BusyObj, body []byte) error {
	m := bo.Bereq
	sb := &strings.Builder{}
	fmt.Fprintf(sb, "%s %s %s\r\n", m.Method(), m.URL(), m.Proto())
	for i := vhttp.HdrFirst; i < m.NumFields(); i++ {
		sb.WriteString(m.Field(i))
		sb.WriteString("\r\n")
	}
	sb.WriteString("\r\n")

	conn := bo.Htc.Pfd.Conn()
	n, err := io.WriteString(conn, sb.String())
	bo.Acct.BereqHdrBytes += int64(n)
	if err != nil {
		bo.Htc.Doclose = vhttp.ScTxError
		return err
	}
	if len(body) > 0 {
		n, err := conn.Write(body)
		bo.Acct.BereqBodyBytes += int64(n)
		if err != nil {
			bo.Htc.Doclose = vhttp.ScTxError
			return err
		}
		// a body already on the wire forbids the silent retry
		bo.NoRetry = "req.body requested"
	}
	return nil
}

// readLine reads one CRLF-terminated line honoring the deadline
func (bo *BusyObj) readLine(deadline time.Time) (string, error) {
	conn := bo.Htc.Pfd.Conn()
	conn.SetReadDeadline(deadline)
	line, err := bo.Htc.Rd.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// fetchRespHdr reads and parses the response status line and headers into
// beresp, classifying the body delimiter.
func (b *Backend) fetchRespHdr(bo *BusyObj) error {
	m := bo.Beresp
	m.Reset()

	deadline := time.Now().Add(bo.Htc.FirstByteTimeout)
	line, err := bo.readLine(deadline)
	if err != nil {
		if isTimeout(err) {
			bo.Htc.Doclose = vhttp.ScRxTimeout
		} else {
			bo.Htc.Doclose = vhttp.ScRxBad
		}
		return err
	}
	bo.Acct.BerespHdrBytes += int64(len(line) + 2)

	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "HTTP/1.") {
		bo.Htc.Doclose = vhttp.ScRxBad
		return fmt.Errorf("bad response status line %q", line)
	}
	status, err := strconv.Atoi(parts[1])
	if err != nil || status < 100 || status > 999 {
		bo.Htc.Doclose = vhttp.ScRxBad
		return fmt.Errorf("bad response status %q", parts[1])
	}
	m.SetH(vhttp.HdrProto, parts[0])
	m.SetStatus(uint16(status))
	if len(parts) == 3 {
		m.SetH(vhttp.HdrReason, parts[2])
	}

	deadline = time.Now().Add(bo.Htc.BetweenBytesTimeout)
	for {
		line, err := bo.readLine(deadline)
		if err != nil {
			if isTimeout(err) {
				bo.Htc.Doclose = vhttp.ScRxTimeout
			} else {
				bo.Htc.Doclose = vhttp.ScRxBad
			}
			return err
		}
		bo.Acct.BerespHdrBytes += int64(len(line) + 2)
		if line == "" {
			break
		}
		if line[0] == ' ' || line[0] == '\t' {
			bo.Htc.Doclose = vhttp.ScRxBad
			return fmt.Errorf("obsolete line folding in response headers")
		}
		if err := m.SetHeader(line); err != nil {
			bo.Htc.Doclose = vhttp.ScRxOverflow
			return err
		}
	}

	bo.classifyBody()
	return nil
}

// classifyBody sets the htc body status from the beresp framing headers
func (bo *BusyObj) classifyBody() {
	m := bo.Beresp
	htc := bo.Htc
	status := m.Status()

	if status == 204 || status == 304 || status/100 == 1 {
		htc.BodyStatus = BodyNone
		return
	}
	if te, ok := m.GetHdr(vhttp.HdrTransferEncoding); ok {
		if strings.EqualFold(te, "chunked") {
			htc.BodyStatus = BodyChunked
			return
		}
		htc.BodyStatus = BodyEOF
		return
	}
	if cl, ok := m.GetHdr(vhttp.HdrContentLength); ok {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil && n >= 0 {
			htc.ContentLength = n
			if n == 0 {
				htc.BodyStatus = BodyNone
			} else {
				htc.BodyStatus = BodyLength
			}
			return
		}
	}
	htc.BodyStatus = BodyEOF
}

// BodyReader returns a reader over the response body honoring the
// between-bytes timeout. The caller drains it through the fetch pipeline.
func (bo *BusyObj) BodyReader() io.Reader {
	switch bo.Htc.BodyStatus {
	case BodyNone:
		return strings.NewReader("")
	case BodyLength:
		return io.LimitReader(&tmoReader{bo: bo}, bo.Htc.ContentLength)
	case BodyChunked:
		return &chunkedReader{bo: bo, r: &tmoReader{bo: bo}}
	default:
		return &tmoReader{bo: bo}
	}
}

// tmoReader applies the between-bytes timeout to each read
type tmoReader struct {
	bo *BusyObj
}

func (t *tmoReader) Read(p []byte) (int, error) {
	conn := t.bo.Htc.Pfd.Conn()
	conn.SetReadDeadline(time.Now().Add(t.bo.Htc.BetweenBytesTimeout))
	n, err := t.bo.Htc.Rd.Read(p)
	t.bo.Acct.BerespBodyBytes += int64(n)
	if err != nil && isTimeout(err) {
		t.bo.Htc.Doclose = vhttp.ScRxTimeout
	}
	return n, err
}

// chunkedReader decodes a chunked response body
type chunkedReader struct {
	bo      *BusyObj
	r       io.Reader
	remain  int64
	sawLast bool
}

func (c *chunkedReader) readChunkHeader() error {
	line, err := c.bo.readLine(time.Now().Add(c.bo.Htc.BetweenBytesTimeout))
	if err != nil {
		return err
	}
	if i := strings.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	n, err := strconv.ParseInt(strings.TrimSpace(line), 16, 64)
	if err != nil || n < 0 {
		c.bo.Htc.Doclose = vhttp.ScRxBody
		return fmt.Errorf("bad chunk header %q", line)
	}
	c.remain = n
	if n == 0 {
		c.sawLast = true
		// trailer section: consume through the blank line
		for {
			l, err := c.bo.readLine(time.Now().Add(c.bo.Htc.BetweenBytesTimeout))
			if err != nil {
				return err
			}
			if l == "" {
				return nil
			}
		}
	}
	return nil
}

func (c *chunkedReader) Read(p []byte) (int, error) {
	for c.remain == 0 {
		if c.sawLast {
			return 0, io.EOF
		}
		if err := c.readChunkHeader(); err != nil {
			return 0, err
		}
		if c.sawLast {
			return 0, io.EOF
		}
	}
	if int64(len(p)) > c.remain {
		p = p[:c.remain]
	}
	n, err := c.r.Read(p)
	c.remain -= int64(n)
	if c.remain == 0 && err == nil {
		// consume the chunk-terminating CRLF
		if _, err2 := c.bo.readLine(time.Now().Add(c.bo.Htc.BetweenBytesTimeout)); err2 != nil {
			err = err2
		}
	}
	return n, err
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

// Pipe shuttles raw bytes between the client connection and a backend
// connection until either side closes or the deadline passes. Used for
// upgrade-style traffic that the cache cannot interpret.
func (b *Backend) Pipe(bo *BusyObj, client net.Conn, deadline time.Time) *vhttp.CloseReason {
	pfd, err := b.GetFd(bo, false)
	if err != nil {
		return vhttp.ScTxError
	}
	if err := b.sendReq(bo, nil); err != nil {
		b.Finish(bo)
		return vhttp.ScTxError
	}
	srv := pfd.Conn()
	if !deadline.IsZero() {
		client.SetDeadline(deadline)
		srv.SetDeadline(deadline)
	}

	done := make(chan *vhttp.CloseReason, 2)
	go func() {
		_, err := io.Copy(srv, client)
		shutdownWriteConn(srv)
		if err != nil {
			done <- vhttp.ScTxError
			return
		}
		done <- vhttp.ScTxPipe
	}()
	go func() {
		// drain anything the htc reader already buffered first
		if n := bo.Htc.Rd.Buffered(); n > 0 {
			buffered, _ := bo.Htc.Rd.Peek(n)
			client.Write(buffered)
		}
		_, err := io.Copy(client, srv)
		shutdownWriteConn(client)
		if err != nil {
			done <- vhttp.ScTxError
			return
		}
		done <- vhttp.ScTxPipe
	}()
	ret := <-done
	<-done
	bo.Htc.Doclose = vhttp.ScTxPipe
	b.Finish(bo)
	return ret
}

func shutdownWriteConn(c net.Conn) {
	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		cw.CloseWrite()
	}
}
