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

package esi

import (
	"bytes"
	"compress/flate"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/tridentcache/trident/internal/util/log"
	"github.com/tridentcache/trident/internal/util/metrics"
	"github.com/tridentcache/trident/internal/vgz"
)

// parser states
const (
	stStart = iota
	stTestXML
	stNotXML
	stNextTag
	stNotMyTag
	stStartTag
	stComment
	stCDATA
	stESITag
	stESIInclude
	stESIRemove
	stESIComment
	stESIBogon
	stInTag
	stTagError
	stAttr
	stSkipAttr
	stAttrGetVal
	stAttrDelim
	stAttrVal
	stMatch
	stMatchBuf
	stUntil
)

type mark int

const (
	markVerbatim mark = iota
	markSkip
)

type vepMatch struct {
	match string
	state int
}

var matchStartTag = []vepMatch{
	{"!--", stComment},
	{"esi:", stESITag},
	{"![CDATA[", stCDATA},
	{"", stNotMyTag},
}

var matchESI = []vepMatch{
	{"include", stESIInclude},
	{"remove", stESIRemove},
	{"comment", stESIComment},
	{"", stESIBogon},
}

var matchAttrInclude = []vepMatch{
	{"src=", stAttrGetVal},
	{"onerror=", stAttrGetVal},
	{"", stSkipAttr},
}

// Vep is the streaming fetch-side parser. It consumes the (plain text)
// response body piecemeal, forwards the bytes that belong in storage, and
// assembles the instruction program.
type Vep struct {
	state int

	// emit forwards bytes into object storage
	emit func(p []byte) error
	// gz selects the compressing variant: verbatim runs are stored as
	// byte-aligned deflate fragments
	gz bool
	// checkXML bails out of ESI processing when the first character is
	// not '<'
	checkXML bool
	// url is the parent request URL, for resolving relative includes
	url string

	prog []byte

	// run accounting; pending bytes may still become either mark
	oWait    int64
	oPending int64
	oTotal   int64
	crc      uint32
	oCrc     int64
	crcp     uint32
	lastMark mark

	// gzip mode buffers
	runBuf  bytes.Buffer
	pendBuf bytes.Buffer
	// clen counts deflate bytes forwarded so far (after the header)
	clen int64

	// tag state
	endtag   bool
	emptytag bool
	canattr  bool
	remove   bool
	inESITag bool

	esicmt  string
	esicmtP int
	hasCmt  bool

	until  string
	untilP int
	untilS int

	attr      []vepMatch
	attrBuf   bytes.Buffer
	attrName  string
	attrDelim byte
	attrWant  bool

	match    []vepMatch
	matchHit *vepMatch
	tag      []byte

	dostuff func(v *Vep, what int)

	includeSrc     string
	hasIncludeSrc  bool
	includeOnError string

	errors   int
	warnings int
}

const (
	doAttr = iota
	doTag
)

// NewVep returns a parser. emit receives the bytes destined for object
// storage; url resolves relative includes; gz selects compressed output;
// checkXML enables the leading-character probe that disables processing
// of bodies that do not look like markup.
func NewVep(emit func(p []byte) error, url string, gz, checkXML bool) *Vep {
	v := &Vep{
		state:    stStart,
		emit:     emit,
		url:      url,
		gz:       gz,
		checkXML: checkXML,
		tag:      make([]byte, 0, 10),
	}
	if gz {
		v.prog = append(v.prog, VecGZ)
		// the stored member's 10-byte header is skipped by the program
		v.prog = appendLen(v.prog, int64(len(vgz.Header)), VecS1, VecS2, VecS8)
	}
	return v
}

func (v *Vep) error(p string) {
	v.errors++
	metrics.ESIErrors.Inc()
	log.Error("ESI_xmlerror", log.Pairs{"at": v.oTotal, "detail": p})
}

func (v *Vep) warn(p string) {
	v.warnings++
	metrics.ESIWarnings.Inc()
	log.Warn("ESI_xmlerror", log.Pairs{"at": v.oTotal, "detail": p})
}

/*--------------------------------------------------------------------
 * run emission
 */

func (v *Vep) emitSkip(l int64) error {
	if v.gz {
		// skipped content is never stored in the compressed variant
		return nil
	}
	v.prog = appendLen(v.prog, l, VecS1, VecS2, VecS8)
	return nil
}

func (v *Vep) emitVerbatim(l int64) error {
	if !v.gz {
		v.prog = appendLen(v.prog, l, VecV1, VecV2, VecV8)
		return nil
	}
	// compress the run into an independent byte-aligned fragment
	var frag bytes.Buffer
	fw, err := flate.NewWriter(&frag, flate.DefaultCompression)
	if err != nil {
		return err
	}
	if _, err := fw.Write(v.runBuf.Next(int(l))); err != nil {
		return err
	}
	if err := fw.Flush(); err != nil {
		return err
	}
	if err := v.emit(frag.Bytes()); err != nil {
		return err
	}
	v.clen += int64(frag.Len())
	v.prog = appendLen(v.prog, int64(frag.Len()), VecV1, VecV2, VecV8)
	v.prog = appendLen(v.prog, l, VecC1, VecC2, VecC8)
	var c [4]byte
	binary.BigEndian.PutUint32(c[:], v.crc)
	v.prog = append(v.prog, c[:]...)
	return nil
}

func (v *Vep) emitCommon(l *int64, m mark) error {
	if *l == 0 {
		return nil
	}
	var err error
	if m == markSkip {
		err = v.emitSkip(*l)
	} else {
		err = v.emitVerbatim(*l)
	}
	v.crc = 0
	v.oCrc = 0
	v.oTotal += *l
	*l = 0
	return err
}

// markCommon accounts the bytes of p up to off as the given mark
func (v *Vep) markCommon(p []byte, off int, m mark) error {
	if v.lastMark != m && v.oWait > 0 {
		if err := v.emitCommon(&v.oWait, v.lastMark); err != nil {
			return err
		}
	}

	// transfer pending bytes into the active mark
	if v.oPending > 0 {
		if v.oCrc == 0 {
			v.crc = v.crcp
		} else {
			v.crc = vgz.Crc32Combine(v.crc, v.crcp, v.oPending)
		}
		v.oCrc += v.oPending
		v.crcp = 0
		if v.gz {
			if m == markVerbatim {
				v.runBuf.Write(v.pendBuf.Bytes())
			}
			v.pendBuf.Reset()
		}
	}

	seg := p[:off]
	v.crc = vgz.Crc32(v.crc, seg)
	v.oCrc += int64(len(seg))
	if v.gz && m == markVerbatim {
		v.runBuf.Write(seg)
	}

	v.oWait += v.oPending + int64(len(seg))
	v.oPending = 0
	v.lastMark = m
	return nil
}

func (v *Vep) markPending(p []byte) {
	v.crcp = vgz.Crc32(v.crcp, p)
	v.oPending += int64(len(p))
	if v.gz {
		v.pendBuf.Write(p)
	}
}

/*--------------------------------------------------------------------
 * tag handlers
 */

func doComment(v *Vep, what int) {
	if what != doTag {
		return
	}
	if !v.emptytag {
		v.error("ESI 1.0 <esi:comment> needs final '/'")
	}
}

func doRemove(v *Vep, what int) {
	if what != doTag {
		return
	}
	if v.emptytag {
		v.error("ESI 1.0 <esi:remove/> not legal")
		return
	}
	if v.remove && !v.endtag {
		v.error("ESI 1.0 <esi:remove> already open")
	} else if !v.remove && v.endtag {
		v.error("ESI 1.0 <esi:remove> not open")
	} else {
		v.remove = !v.endtag
	}
}

// unescape resolves the XML entities an src attribute may carry
func unescape(s string) string {
	if !strings.ContainsRune(s, '&') {
		return s
	}
	r := strings.NewReplacer(
		"&apos;", "'",
		"&quot;", `"`,
		"&lt;", "<",
		"&gt;", ">",
		"&amp;", "&",
	)
	return r.Replace(s)
}

func doInclude(v *Vep, what int) {
	if what == doAttr {
		switch v.attrName {
		case "src=":
			if v.hasIncludeSrc {
				v.error("ESI 1.0 <esi:include> multiple src= attributes")
				return
			}
			v.includeSrc = v.attrBuf.String()
			v.hasIncludeSrc = true
		case "onerror=":
			v.includeOnError = v.attrBuf.String()
		}
		return
	}

	if !v.emptytag {
		v.warn("ESI 1.0 <esi:include> lacks final '/'")
	}
	if !v.hasIncludeSrc {
		v.error("ESI 1.0 <esi:include> lacks src attr")
		return
	}

	src := unescape(v.includeSrc)
	v.includeSrc = ""
	v.hasIncludeSrc = false
	onerror := v.includeOnError
	v.includeOnError = ""

	op := byte(VecIA)
	if onerror == "continue" {
		op = VecIC
	}

	var host, path string
	if strings.HasPrefix(src, "http://") {
		rest := src[len("http://"):]
		i := strings.IndexByte(rest, '/')
		if i < 0 {
			v.error("ESI 1.0 <esi:include> src without path")
			return
		}
		host = "Host: " + rest[:i]
		path = rest[i:]
	} else if strings.HasPrefix(src, "/") {
		path = src
	} else {
		// resolve against the directory of the parent URL
		base := v.url
		if q := strings.IndexByte(base, '?'); q >= 0 {
			base = base[:q]
		}
		if i := strings.LastIndexByte(base, '/'); i >= 0 {
			base = base[:i+1]
		} else {
			base = "/"
		}
		path = base + src
	}

	v.prog = append(v.prog, op)
	v.prog = append(v.prog, host...)
	v.prog = append(v.prog, 0)
	v.prog = append(v.prog, path...)
	v.prog = append(v.prog, 0)
}

/*--------------------------------------------------------------------
 * the state machine proper
 */

func isLWS(c byte) bool { return c == ' ' || c == '\t' || c == '\r' || c == '\n' }
func isSP(c byte) bool  { return c == ' ' || c == '\t' }
func isXMLNameStart(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == ':' || c == '_'
}
func isXMLName(c byte) bool {
	return isXMLNameStart(c) || (c >= '0' && c <= '9') || c == '-' || c == '.'
}

// fullMatch returns the table entry the buffered bytes equal, if any
func (v *Vep) fullMatch() *vepMatch {
	for i := range v.match {
		vm := &v.match[i]
		if vm.match != "" && string(v.tag) == vm.match {
			return vm
		}
	}
	return nil
}

// prefixPossible reports whether appending c can still lead to a match
func (v *Vep) prefixPossible(c byte) bool {
	cand := string(v.tag) + string(c)
	for i := range v.match {
		vm := &v.match[i]
		if vm.match != "" && strings.HasPrefix(vm.match, cand) {
			return true
		}
	}
	return false
}

func (v *Vep) takeMatch(vm *vepMatch) {
	v.state = vm.state
	if v.attr != nil && vm.state == stAttrGetVal {
		v.attrName = vm.match
	}
	v.matchHit = vm
	v.match = nil
	v.tag = v.tag[:0]
}

// Parse consumes one span of input. It may be called with arbitrarily
// small pieces.
func (v *Vep) Parse(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	if !v.gz {
		// everything is stored as received; the program references it
		if err := v.emit(p); err != nil {
			return err
		}
	}

	i := 0    // cursor
	verP := 0 // first unaccounted byte

	markVerb := func(to int) error {
		err := v.markCommon(p[verP:], to-verP, markVerbatim)
		verP = to
		return err
	}
	markSkp := func(to int) error {
		err := v.markCommon(p[verP:], to-verP, markSkip)
		verP = to
		return err
	}

	e := len(p)
	for i < e {
		switch v.state {

		/* SECTION A */
		case stStart:
			if v.checkXML {
				v.state = stTestXML
			} else {
				v.state = stNextTag
			}

		case stTestXML:
			// If the first non-whitespace char is different from '<'
			// we assume this is not XML.
			for i < e && isLWS(p[i]) {
				i++
			}
			if err := markVerb(i); err != nil {
				return err
			}
			if i < e {
				if p[i] == '<' {
					i++
					v.state = stStartTag
				} else {
					log.Debug("ESI_xmlerror", log.Pairs{"detail": "No ESI processing, first char not '<'"})
					v.state = stNotXML
				}
			}

		case stNotXML:
			// not recognized as XML, just skip through
			i = e
			if err := markVerb(i); err != nil {
				return err
			}

		/* SECTION B */
		case stNotMyTag:
			v.tag = v.tag[:0]
			for i < e {
				c := p[i]
				i++
				if c == '>' {
					v.state = stNextTag
					break
				}
			}
			if i == e && !v.remove {
				if err := markVerb(i); err != nil {
					return err
				}
			}

		case stNextTag:
			// hunt for the start of the next tag, watching for the end
			// of an armed <!--esi comment
			v.emptytag = false
			v.endtag = false
			v.attr = nil
			v.dostuff = nil
			for i < e && p[i] != '<' {
				if !v.hasCmt {
					i++
					continue
				}
				if p[i] != v.esicmt[v.esicmtP] {
					i++
					v.esicmtP = 0
					continue
				}
				if !v.remove && v.esicmtP == 0 {
					if err := markVerb(i); err != nil {
						return err
					}
				}
				i++
				v.esicmtP++
				if v.esicmtP == len(v.esicmt) {
					v.hasCmt = false
					v.esicmtP = 0
					// the end of the esi comment is not emitted
					if err := markSkp(i); err != nil {
						return err
					}
				}
			}
			if i < e {
				if !v.remove {
					if err := markVerb(i); err != nil {
						return err
					}
				}
				i++ // consume '<'
				v.state = stStartTag
			} else if v.esicmtP == 0 && !v.remove {
				if err := markVerb(i); err != nil {
					return err
				}
			}

		/* SECTION C */
		case stStartTag:
			if p[i] == '/' {
				v.endtag = true
				i++
			}
			v.match = matchStartTag
			v.tag = v.tag[:0]
			v.state = stMatch

		case stComment:
			// find out whether this is an esi comment
			if !v.hasCmt && v.esicmtP == 0 {
				v.esicmt = "esi"
			}
			for i < e {
				if p[i] != v.esicmt[v.esicmtP] {
					v.esicmtP = 0
					v.until = "-->"
					v.untilP = 0
					v.untilS = stNextTag
					v.state = stUntil
					break
				}
				i++
				v.esicmtP++
				if v.esicmtP < len(v.esicmt) {
					continue
				}
				if v.remove {
					v.error("ESI 1.0 Nested <!--esi element in <esi:remove>")
				}
				v.esicmt = "-->"
				v.esicmtP = 0
				v.hasCmt = true
				v.state = stNextTag
				if err := markSkp(i); err != nil {
					return err
				}
				break
			}

		case stCDATA:
			v.until = "]]>"
			v.untilP = 0
			v.untilS = stNextTag
			v.state = stUntil

		case stESITag:
			v.inESITag = true
			if err := markSkp(i); err != nil {
				return err
			}
			v.match = matchESI
			v.tag = v.tag[:0]
			v.state = stMatch

		case stESIInclude:
			if v.remove {
				v.error("ESI 1.0 <esi:include> element nested in <esi:remove>")
				v.state = stTagError
			} else if v.endtag {
				v.error("ESI 1.0 </esi:include> illegal end-tag")
				v.state = stTagError
			} else {
				v.dostuff = doInclude
				v.state = stInTag
				v.attr = matchAttrInclude
			}

		case stESIRemove:
			v.dostuff = doRemove
			v.state = stInTag

		case stESIComment:
			if v.remove {
				v.error("ESI 1.0 <esi:comment> element nested in <esi:remove>")
				v.state = stTagError
			} else if v.endtag {
				v.error("ESI 1.0 </esi:comment> illegal end-tag")
				v.state = stTagError
			} else {
				v.dostuff = doComment
				v.state = stInTag
			}

		case stESIBogon:
			v.error("ESI 1.0 <esi:bogus> element")
			v.state = stTagError

		/* SECTION D */
		case stInTag:
			for i < e && isLWS(p[i]) && !v.emptytag {
				i++
				v.canattr = true
			}
			if i < e && p[i] == '/' && !v.emptytag {
				i++
				v.emptytag = true
				v.canattr = false
			}
			if i < e && p[i] == '>' {
				i++
				if err := markSkp(i); err != nil {
					return err
				}
				v.dostuff(v, doTag)
				v.inESITag = false
				v.state = stNextTag
			} else if i < e && v.emptytag {
				v.error("XML 1.0 '>' does not follow '/' in tag")
				v.state = stTagError
			} else if i < e && v.canattr && isXMLNameStart(p[i]) {
				v.state = stAttr
			} else if i < e {
				v.error("XML 1.0 Illegal attribute start char")
				v.state = stTagError
			}

		case stTagError:
			for i < e && p[i] != '>' {
				i++
			}
			if i < e {
				i++
				if err := markSkp(i); err != nil {
					return err
				}
				v.inESITag = false
				v.state = stNextTag
			}

		/* SECTION E */
		case stAttr:
			v.attrDelim = 0
			if v.attr == nil {
				i++
				v.state = stSkipAttr
			} else {
				v.match = v.attr
				v.tag = v.tag[:0]
				v.state = stMatch
			}

		case stSkipAttr:
			for i < e && isXMLName(p[i]) {
				i++
			}
			if i < e {
				switch {
				case p[i] == '=':
					i++
					v.attrName = ""
					v.state = stAttrDelim
				case p[i] == '>' || p[i] == '/' || isSP(p[i]):
					v.state = stInTag
				default:
					v.error("XML 1.0 Illegal attr char")
					v.state = stTagError
				}
			}

		case stAttrGetVal:
			v.attrBuf.Reset()
			v.state = stAttrDelim

		case stAttrDelim:
			if p[i] == '"' || p[i] == '\'' {
				v.attrDelim = p[i]
				i++
				v.state = stAttrVal
			} else if !isSP(p[i]) {
				v.attrDelim = ' '
				v.state = stAttrVal
			} else {
				v.error("XML 1.0 Illegal attribute delimiter")
				v.state = stTagError
			}

		case stAttrVal:
			for i < e && p[i] != '>' && p[i] != v.attrDelim &&
				!(v.attrDelim == ' ' && isSP(p[i])) {
				if v.attrName != "" {
					v.attrBuf.WriteByte(p[i])
				}
				i++
			}
			if i < e && p[i] == '>' {
				v.error("XML 1.0 Missing end attribute delimiter")
				v.state = stTagError
				v.attrDelim = 0
			} else if i < e {
				v.attrDelim = 0
				i++
				if v.attrName != "" && v.dostuff != nil {
					v.dostuff(v, doAttr)
				}
				v.attrName = ""
				v.state = stInTag
			}

		/* utility states */
		case stMatch:
			// feed the match buffer byte-wise until the table decides;
			// may be split over input sections
			needMore := false
			for v.state == stMatch {
				if vm := v.fullMatch(); vm != nil {
					v.takeMatch(vm)
					break
				}
				if i >= e {
					needMore = true
					break
				}
				if !v.prefixPossible(p[i]) {
					// no entry can match: the catch-all decides and the
					// pending byte stays unconsumed
					v.takeMatch(&v.match[len(v.match)-1])
					break
				}
				v.tag = append(v.tag, p[i])
				i++
			}
			if needMore {
				i = e
			}

		case stUntil:
			// skip until the magic string
			for i < e {
				c := p[i]
				i++
				if c != v.until[v.untilP] {
					v.untilP = 0
				} else {
					v.untilP++
					if v.untilP == len(v.until) {
						v.untilP = 0
						v.state = v.untilS
						break
					}
				}
			}
			if i == e && !v.remove {
				if err := markVerb(i); err != nil {
					return err
				}
			}

		default:
			return fmt.Errorf("esi parser: unknown state %d", v.state)
		}
	}

	// account whatever is left of this span
	if i == verP {
		return nil
	}
	if v.inESITag || v.remove {
		return markSkp(i)
	}
	v.markPending(p[verP:i])
	return nil
}


// Finish flushes the pending run and closes the program. Returns the
// program bytes (nil when the input never looked like XML) and, for
// compressed objects, the gzip bit record, which carries the member
// trailer that was appended to storage.
func (v *Vep) Finish() (prog []byte, bits *vgz.Bits, err error) {
	if v.oPending > 0 {
		if err := v.markCommon(nil, 0, v.lastMark); err != nil {
			return nil, nil, err
		}
	}
	if v.oWait > 0 {
		if err := v.emitCommon(&v.oWait, v.lastMark); err != nil {
			return nil, nil, err
		}
	}

	if v.gz {
		// close the stored member: empty final stored block + trailer
		last := uint64(len(vgz.Header)) * 8
		last += uint64(v.clen) * 8
		b := &vgz.Bits{
			Start: uint64(len(vgz.Header)) * 8,
			Last:  last,
			Stop:  last + uint64(len(vgz.FinalBlock))*8,
		}
		// oCrc was reset run by run; the accumulated whole-body values
		// are tracked by the caller combining the C records at deliver
		// time. The trailer stored here covers the stored member.
		trailer := vgz.Trailer(v.bodyCrc(), v.oTotal)
		copy(b.Trailer[:], trailer)
		if err := v.emit(vgz.FinalBlock); err != nil {
			return nil, nil, err
		}
		if err := v.emit(trailer); err != nil {
			return nil, nil, err
		}
		bits = b
	}

	if len(v.prog) == 0 || (v.state == stNotXML && !v.gz) {
		return nil, bits, nil
	}
	return v.prog, bits, nil
}

// bodyCrc recomputes the member CRC from the emitted C records
func (v *Vep) bodyCrc() uint32 {
	if !v.gz {
		return 0
	}
	var crc uint32
	var total int64
	p := v.prog
	// skip the GZ marker and header skip
	p = p[1:]
	_, p, _ = decodeLen(p)
	for len(p) > 0 {
		op := p[0]
		switch {
		case op == VecV1 || op == VecV2 || op == VecV8:
			_, p, _ = decodeLen(p)
		case op == VecC1 || op == VecC2 || op == VecC8:
			var l int64
			l, p, _ = decodeLen(p)
			if len(p) < 4 {
				return crc
			}
			icrc := binary.BigEndian.Uint32(p)
			p = p[4:]
			crc = vgz.Crc32Combine(crc, icrc, l)
			total += l
		case op == VecS1 || op == VecS2 || op == VecS8:
			_, p, _ = decodeLen(p)
		case op == VecIC || op == VecIA:
			p = p[1:]
			for len(p) > 0 && p[0] != 0 {
				p = p[1:]
			}
			p = p[1:]
			for len(p) > 0 && p[0] != 0 {
				p = p[1:]
			}
			if len(p) > 0 {
				p = p[1:]
			}
		default:
			return crc
		}
	}
	return crc
}

// Errors returns the parse error count
func (v *Vep) Errors() int { return v.errors }
