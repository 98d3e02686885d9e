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

// Package vhttp implements the bounded HTTP message store shared by the
// client and backend sides of a transaction.
//
// A Message holds an ordered, capacity-bounded sequence of header fields
// plus three reserved pseudo slots. Slot 0 carries the method (requests)
// or status (responses), slot 1 the URL or reason, slot 2 the protocol.
// Field bytes are copied into the owning task's workspace, so nothing in
// a Message outlives its task.
package vhttp

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tridentcache/trident/internal/ws"
)

// Pseudo slot indexes. HdrFirst is the index of the first real header.
const (
	HdrMethod = 0
	HdrStatus = 0
	HdrURL    = 1
	HdrReason = 1
	HdrProto  = 2
	HdrFirst  = 3
)

// Per-slot flag bits
const (
	// FlagHopByHop marks connection-oriented headers never forwarded
	FlagHopByHop = 1 << iota
	// FlagNoStore marks headers excluded from the packed object form
	FlagNoStore
)

// Message is a bounded header store
type Message struct {
	ws     *ws.Workspace
	hd     []string
	hdf    []byte
	nhd    int
	status uint16
}

// New returns a Message backed by the provided workspace with capacity for
// shd total slots (pseudo slots included).
func New(w *ws.Workspace, shd int) *Message {
	if shd < HdrFirst {
		panic("vhttp: message capacity below pseudo slots")
	}
	return &Message{ws: w, hd: make([]string, shd), hdf: make([]byte, shd), nhd: HdrFirst}
}

// Reset returns the message to its post-New state
func (m *Message) Reset() {
	for i := range m.hd {
		m.hd[i] = ""
		m.hdf[i] = 0
	}
	m.nhd = HdrFirst
	m.status = 0
}

// Ws returns the workspace backing this message
func (m *Message) Ws() *ws.Workspace { return m.ws }

// NumFields returns the number of occupied slots
func (m *Message) NumFields() int { return m.nhd }

// Cap returns the slot capacity
func (m *Message) Cap() int { return len(m.hd) }

// Field returns the raw contents of slot i
func (m *Message) Field(i int) string { return m.hd[i] }

// FieldFlags returns the flag byte of slot i
func (m *Message) FieldFlags(i int) byte { return m.hdf[i] }

// SetFieldFlags ors fl into the flag byte of slot i
func (m *Message) SetFieldFlags(i int, fl byte) { m.hdf[i] |= fl }

// SetH stores s into pseudo slot i (or overwrites an existing header slot)
func (m *Message) SetH(i int, s string) {
	m.hd[i] = m.ws.CopyString(s)
}

// ForceField overwrites pseudo slot i without consulting current contents
func (m *Message) ForceField(i int, s string) {
	m.hd[i] = m.ws.CopyString(s)
}

// Status returns the numeric response status
func (m *Message) Status() uint16 { return m.status }

// SetStatus sets the numeric response status and pseudo slot 0
func (m *Message) SetStatus(status uint16) {
	m.status = status
	m.SetH(HdrStatus, strconv.Itoa(int(status)))
}

// IsStatus returns true if the response status equals s, modulo 1000
func (m *Message) IsStatus(s uint16) bool { return m.status%1000 == s }

// Method returns pseudo slot 0 as a request method
func (m *Message) Method() string { return m.hd[HdrMethod] }

// URL returns pseudo slot 1
func (m *Message) URL() string { return m.hd[HdrURL] }

// Proto returns pseudo slot 2
func (m *Message) Proto() string { return m.hd[HdrProto] }

// Reason returns pseudo slot 1 as a response reason phrase
func (m *Message) Reason() string { return m.hd[HdrReason] }

// Hdr builds a header-id handle for the named header: a length byte
// (strlen+1) followed by the name and a colon. Handles enable length-
// prefixed comparison against stored fields.
func Hdr(name string) string {
	if len(name) > 126 {
		panic("vhttp: header name too long for handle")
	}
	return string(rune(len(name)+1)) + name + ":"
}

// Predefined handles for headers the cache core consults
var (
	HdrHost             = Hdr("Host")
	HdrContentLength    = Hdr("Content-Length")
	HdrContentEncoding  = Hdr("Content-Encoding")
	HdrTransferEncoding = Hdr("Transfer-Encoding")
	HdrConnection       = Hdr("Connection")
	HdrCacheControl     = Hdr("Cache-Control")
	HdrExpires          = Hdr("Expires")
	HdrDate             = Hdr("Date")
	HdrAge              = Hdr("Age")
	HdrVary             = Hdr("Vary")
	HdrKey              = Hdr("Key")
	HdrETag             = Hdr("ETag")
	HdrLastModified     = Hdr("Last-Modified")
	HdrIfModifiedSince  = Hdr("If-Modified-Since")
	HdrIfNoneMatch      = Hdr("If-None-Match")
	HdrRange            = Hdr("Range")
	HdrAcceptEncoding   = Hdr("Accept-Encoding")
	HdrUpgrade          = Hdr("Upgrade")
	HdrHTTP2Settings    = Hdr("HTTP2-Settings")
)

// HdrName returns the bare header name of a handle
func HdrName(hdr string) string {
	return hdr[1 : len(hdr)-1]
}

// hdrMatch returns true if the stored field begins with the handle's
// "Name:" prefix, case-insensitively.
func hdrMatch(field, hdr string) bool {
	l := int(hdr[0])
	if len(field) < l {
		return false
	}
	return strings.EqualFold(field[:l], hdr[1:])
}

// GetHdr looks up the named header and returns its value with surrounding
// whitespace trimmed.
func (m *Message) GetHdr(hdr string) (string, bool) {
	for i := HdrFirst; i < m.nhd; i++ {
		if hdrMatch(m.hd[i], hdr) {
			return strings.TrimSpace(m.hd[i][int(hdr[0]):]), true
		}
	}
	return "", false
}

// findHdr returns the slot index of the named header, or -1
func (m *Message) findHdr(hdr string) int {
	for i := HdrFirst; i < m.nhd; i++ {
		if hdrMatch(m.hd[i], hdr) {
			return i
		}
	}
	return -1
}

// Unset removes every occurrence of the named header
func (m *Message) Unset(hdr string) {
	v := HdrFirst
	for i := HdrFirst; i < m.nhd; i++ {
		if hdrMatch(m.hd[i], hdr) {
			continue
		}
		m.hd[v] = m.hd[i]
		m.hdf[v] = m.hdf[i]
		v++
	}
	for i := v; i < m.nhd; i++ {
		m.hd[i] = ""
		m.hdf[i] = 0
	}
	m.nhd = v
}

// SetHeader appends a complete "Name: value" field, or fails with the
// message full.
func (m *Message) SetHeader(field string) error {
	if m.nhd >= len(m.hd) {
		m.ws.MarkOverflow()
		return fmt.Errorf("vhttp: no header slots (%d)", len(m.hd))
	}
	s := m.ws.CopyString(field)
	if s == "" && field != "" {
		return fmt.Errorf("vhttp: out of workspace")
	}
	m.hd[m.nhd] = s
	m.hdf[m.nhd] = 0
	m.nhd++
	return nil
}

// PrintfHeader formats and appends a header field
func (m *Message) PrintfHeader(format string, args ...interface{}) error {
	return m.SetHeader(fmt.Sprintf(format, args...))
}

// SetHdr replaces the named header with the provided value, appending if absent
func (m *Message) SetHdr(hdr, value string) error {
	m.Unset(hdr)
	return m.SetHeader(HdrName(hdr) + ": " + value)
}

// GetHdrToken scans the named header as a comma-separated token list and
// returns the remainder after the matched token (e.g. ";q=0.9"), if any.
func (m *Message) GetHdrToken(hdr, token string) (string, bool) {
	v, ok := m.GetHdr(hdr)
	if !ok {
		return "", false
	}
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		rest := ""
		if i := strings.IndexByte(part, ';'); i >= 0 {
			rest = part[i:]
			part = strings.TrimSpace(part[:i])
		}
		if strings.EqualFold(part, token) {
			return rest, true
		}
	}
	return "", false
}

// GetHdrField finds a "field" or "field=value" element in the named header
// and returns the value, if present.
func (m *Message) GetHdrField(hdr, field string) (string, bool) {
	v, ok := m.GetHdr(hdr)
	if !ok {
		return "", false
	}
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if eq := strings.IndexByte(part, '='); eq >= 0 {
			if strings.EqualFold(strings.TrimSpace(part[:eq]), field) {
				val := strings.TrimSpace(part[eq+1:])
				val = strings.Trim(val, `"`)
				return val, true
			}
		} else if strings.EqualFold(part, field) {
			return "", true
		}
	}
	return "", false
}

// GetHdrQ returns the q value of the matched token in the named header,
// 1.0 when no q parameter is given, and 0 when the token is absent.
func (m *Message) GetHdrQ(hdr, token string) float64 {
	rest, ok := m.GetHdrToken(hdr, token)
	if !ok {
		return 0
	}
	rest = strings.TrimPrefix(rest, ";")
	for _, p := range strings.Split(rest, ";") {
		p = strings.TrimSpace(p)
		if strings.HasPrefix(p, "q=") {
			q, err := strconv.ParseFloat(p[2:], 64)
			if err != nil || q < 0 {
				return 0
			}
			if q > 1 {
				return 1
			}
			return q
		}
	}
	return 1
}

// Dup copies every slot of src into m via m's workspace
func (m *Message) Dup(src *Message) {
	m.Reset()
	m.nhd = src.nhd
	m.status = src.status
	for i := 0; i < src.nhd; i++ {
		m.hd[i] = m.ws.CopyString(src.hd[i])
		m.hdf[i] = src.hdf[i]
	}
}

// ForEach calls f for each real header field
func (m *Message) ForEach(f func(name, value string)) {
	for i := HdrFirst; i < m.nhd; i++ {
		c := strings.IndexByte(m.hd[i], ':')
		if c < 0 {
			continue
		}
		f(m.hd[i][:c], strings.TrimSpace(m.hd[i][c+1:]))
	}
}
