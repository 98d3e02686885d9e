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

package vary

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/tridentcache/trident/internal/config"
	"github.com/tridentcache/trident/internal/vhttp"
)

// Key matching extends Vary with per-header matcher programs taken from a
// response's Key header:
//
//	entry := len_hi len_lo type name [value | matcher-prog]
//
// type 0 entries compare exactly like Vary entries; type 1 entries carry
// a matcher program evaluated against the live request header.
//
// The subsystem is experimental and only active behind the
// feature_key_matcher main setting.

// matcher opcodes
const (
	mWord      = 1
	mSubstring = 2
	mBeginning = 3
	mCase      = 5
	mNot       = 6
)

// KeyEnabled reports whether Key processing is configured on
func KeyEnabled() bool {
	return config.Main != nil && config.Main.FeatureKeyMatcher
}

// parseMatcher compiles the ";"-introduced matcher suffix of a Key field
func parseMatcher(s string) (prog []byte, rest string, err error) {
	for strings.HasPrefix(s, ";") {
		p := s[1:]
		switch {
		case strings.HasPrefix(p, `w="`), strings.HasPrefix(p, `s="`), strings.HasPrefix(p, `b="`):
			var op byte
			switch p[0] {
			case 'w':
				op = mWord
			case 's':
				op = mSubstring
			case 'b':
				op = mBeginning
			}
			e := strings.IndexByte(p[3:], '"')
			if e < 0 {
				return nil, s, fmt.Errorf("key: unterminated matcher literal")
			}
			prog = append(prog, op)
			prog = append(prog, p[3:3+e]...)
			prog = append(prog, 0)
			s = p[3+e+1:]
		case strings.HasPrefix(p, "c"):
			prog = append(prog, mCase)
			s = p[1:]
		case strings.HasPrefix(p, "n"):
			prog = append(prog, mNot)
			s = p[1:]
		default:
			return nil, s, fmt.Errorf("key: invalid matcher")
		}
	}
	return prog, s, nil
}

// CreateKey encodes a key matching string for bereq against beresp's Key
// header. Returns nil with no error when there is no Key header or the
// feature is off.
func CreateKey(bereq, beresp *vhttp.Message) ([]byte, error) {
	if !KeyEnabled() {
		return nil, nil
	}
	v, ok := beresp.GetHdr(vhttp.HdrKey)
	if !ok {
		return nil, nil
	}

	var sb []byte
	rest := v
	for rest != "" {
		rest = strings.TrimLeft(rest, " \t,")
		if rest == "" {
			break
		}
		n := strings.IndexAny(rest, " \t,;")
		name := rest
		if n >= 0 {
			name = rest[:n]
			rest = rest[n:]
		} else {
			rest = ""
		}
		if len(name) > 127 {
			return nil, fmt.Errorf("key: header name length exceeded")
		}

		var matcher []byte
		if strings.HasPrefix(rest, ";") {
			var err error
			matcher, rest, err = parseMatcher(rest)
			if err != nil {
				return nil, err
			}
		}

		nameField := append([]byte{byte(len(name) + 1)}, name...)
		nameField = append(nameField, ':', 0)

		var l int
		var value []byte
		typ := byte(0)
		if matcher != nil {
			typ = 1
			l = len(matcher)
			value = matcher
		} else {
			val, has := bereq.GetHdr(vhttp.Hdr(name))
			if has {
				if len(val) > absent-1 {
					return nil, fmt.Errorf("key: header maximum length exceeded")
				}
				l = len(val)
				value = []byte(val)
			} else {
				l = absent
			}
		}

		var lb [2]byte
		binary.BigEndian.PutUint16(lb[:], uint16(l))
		sb = append(sb, lb[:]...)
		sb = append(sb, typ)
		sb = append(sb, nameField...)
		sb = append(sb, value...)
	}

	sb = append(sb, 0xff, 0xff, 0)
	return sb, nil
}

func keyEntryLen(p []byte) int {
	l := int(binary.BigEndian.Uint16(p))
	n := 3 + int(p[3]) + 2
	if l != absent {
		n += l
	}
	return n
}

func keyEntryName(p []byte) []byte {
	return p[3 : 3+int(p[3])+2]
}

// evalMatcher runs a matcher program against a request header value
func evalMatcher(prog []byte, val string, has bool) bool {
	caseSensitive := false
	negate := false
	result := true

	// flags may precede or follow the match op; collect them first
	var ops [][2]interface{}
	for len(prog) > 0 {
		op := prog[0]
		switch op {
		case mCase:
			caseSensitive = true
			prog = prog[1:]
		case mNot:
			negate = true
			prog = prog[1:]
		case mWord, mSubstring, mBeginning:
			z := bytes.IndexByte(prog[1:], 0)
			if z < 0 {
				return false
			}
			ops = append(ops, [2]interface{}{op, string(prog[1 : 1+z])})
			prog = prog[1+z+1:]
		default:
			return false
		}
	}

	for _, o := range ops {
		op := o[0].(byte)
		lit := o[1].(string)
		v := val
		l := lit
		if !caseSensitive {
			v = strings.ToLower(v)
			l = strings.ToLower(l)
		}
		var m bool
		if has {
			switch op {
			case mWord:
				for _, w := range strings.FieldsFunc(v, func(r rune) bool {
					return r == ' ' || r == '\t' || r == ','
				}) {
					if w == l {
						m = true
						break
					}
				}
			case mSubstring:
				m = strings.Contains(v, l)
			case mBeginning:
				m = strings.HasPrefix(v, l)
			}
		}
		if negate {
			m = !m
		}
		result = result && m
	}
	return result
}

// MatchKey reports whether the request satisfies the stored key matching
// string.
func MatchKey(req *vhttp.Message, stored []byte) bool {
	if !KeyEnabled() || len(stored) == 0 {
		return true
	}
	for len(stored) >= 4 && stored[3] != 0 {
		n := keyEntryLen(stored)
		if n > len(stored) {
			return false
		}
		entry := stored[:n]
		nameField := keyEntryName(entry)
		name := string(nameField[1 : len(nameField)-2])
		val, has := req.GetHdr(vhttp.Hdr(name))

		l := int(binary.BigEndian.Uint16(entry))
		switch entry[2] {
		case 0:
			// exact entry, Vary semantics
			if l == absent {
				if has {
					return false
				}
			} else {
				if !has || val != string(entry[3+len(nameField):]) {
					if !(config.Main != nil && config.Main.HTTPGzipSupport &&
						strings.EqualFold(name, "Accept-Encoding")) {
						return false
					}
				}
			}
		case 1:
			if !evalMatcher(entry[3+len(nameField):], val, has) {
				return false
			}
		default:
			return false
		}
		stored = stored[n:]
	}
	return true
}
