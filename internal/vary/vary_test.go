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
	"testing"

	"github.com/tridentcache/trident/internal/config"
	"github.com/tridentcache/trident/internal/vhttp"
	"github.com/tridentcache/trident/internal/ws"
)

func init() {
	config.Config = config.NewConfig()
	config.Main = config.Config.Main
}

func msg(t *testing.T, headers ...string) *vhttp.Message {
	t.Helper()
	m := vhttp.New(ws.New("test", 8192), 32)
	for _, h := range headers {
		if err := m.SetHeader(h); err != nil {
			t.Fatalf("header %q: %v", h, err)
		}
	}
	return m
}

func TestCreateNoVary(t *testing.T) {
	v, err := Create(msg(t), msg(t))
	if err != nil || v != nil {
		t.Errorf("Create = %x, %v", v, err)
	}
}

func TestCreateEncodesPresentAndAbsent(t *testing.T) {
	bereq := msg(t, "Accept-Language: da, en ")
	beresp := msg(t, "Vary: Accept-Language, Cookie")
	v, err := Create(bereq, beresp)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !bytes.HasSuffix(v, []byte{0xff, 0xff, 0}) {
		t.Errorf("missing terminator: %x", v)
	}
	// first entry: present header, trimmed value
	if v[0] != 0 || v[1] != byte(len("da, en")) {
		t.Errorf("value length = %d %d", v[0], v[1])
	}
	if v[2] != byte(len("Accept-Language")+1) {
		t.Errorf("name length byte = %d", v[2])
	}
	if !bytes.Contains(v, []byte("Accept-Language:\x00da, en")) {
		t.Errorf("entry payload wrong: %q", v)
	}
	// second entry: absent header marker
	if !bytes.Contains(v, []byte{0xff, 0xff, byte(len("Cookie") + 1), 'C'}) {
		t.Errorf("absent entry missing: %x", v)
	}
}

// encoding then validating yields a structurally identical string
func TestValidateRoundTrip(t *testing.T) {
	bereq := msg(t, "Accept-Language: da", "User-Agent: test")
	beresp := msg(t, "Vary: Accept-Language, User-Agent, Cookie")
	v, err := Create(bereq, beresp)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	n, err := Validate(v)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if n != len(v) {
		t.Errorf("validate length %d, encoded %d", n, len(v))
	}
}

func TestMatchSameRequest(t *testing.T) {
	bereq := msg(t, "Accept-Language: da")
	beresp := msg(t, "Vary: Accept-Language")
	v, _ := Create(bereq, beresp)
	if !Match(bereq, v) {
		t.Errorf("request does not match its own fingerprint")
	}
}

func TestMatchDifferentValue(t *testing.T) {
	beresp := msg(t, "Vary: Accept-Language")
	v, _ := Create(msg(t, "Accept-Language: da"), beresp)
	if Match(msg(t, "Accept-Language: en"), v) {
		t.Errorf("mismatched value matched")
	}
	if Match(msg(t), v) {
		t.Errorf("absent header matched a present fingerprint")
	}
}

func TestMatchAbsentHeader(t *testing.T) {
	beresp := msg(t, "Vary: Cookie")
	v, _ := Create(msg(t), beresp)
	if !Match(msg(t), v) {
		t.Errorf("absent/absent should match")
	}
	if Match(msg(t, "Cookie: a=1"), v) {
		t.Errorf("present header matched an absent fingerprint")
	}
}

func TestMatchAcceptEncodingSpecialCase(t *testing.T) {
	config.Main.HTTPGzipSupport = true
	beresp := msg(t, "Vary: Accept-Encoding")
	v, _ := Create(msg(t, "Accept-Encoding: gzip"), beresp)
	if !Match(msg(t, "Accept-Encoding: br"), v) {
		t.Errorf("Accept-Encoding should not vary under gzip support")
	}
	if !Match(msg(t), v) {
		t.Errorf("absent Accept-Encoding should not vary under gzip support")
	}

	config.Main.HTTPGzipSupport = false
	if Match(msg(t, "Accept-Encoding: br"), v) {
		t.Errorf("Accept-Encoding must vary with gzip support off")
	}
	config.Main.HTTPGzipSupport = true
}

func TestCreateRejectsOversizedName(t *testing.T) {
	long := make([]byte, 130)
	for i := range long {
		long[i] = 'x'
	}
	beresp := msg(t, "Vary: "+string(long))
	if _, err := Create(msg(t), beresp); err == nil {
		t.Errorf("oversized name accepted")
	}
}

/*--------------------------------------------------------------------
 * key matcher (feature gated)
 */

func TestKeyDisabledByDefault(t *testing.T) {
	config.Main.FeatureKeyMatcher = false
	beresp := msg(t, "Key: User-Agent")
	v, err := CreateKey(msg(t), beresp)
	if v != nil || err != nil {
		t.Errorf("key created while feature off")
	}
}

func TestKeyExactEntry(t *testing.T) {
	config.Main.FeatureKeyMatcher = true
	defer func() { config.Main.FeatureKeyMatcher = false }()

	bereq := msg(t, "X-Variant: a")
	beresp := msg(t, "Key: X-Variant")
	v, err := CreateKey(bereq, beresp)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !MatchKey(bereq, v) {
		t.Errorf("request does not match its own key")
	}
	if MatchKey(msg(t, "X-Variant: b"), v) {
		t.Errorf("different value matched exact key entry")
	}
}

func TestKeyMatcherOps(t *testing.T) {
	config.Main.FeatureKeyMatcher = true
	defer func() { config.Main.FeatureKeyMatcher = false }()

	beresp := msg(t, `Key: User-Agent;s="Mobile"`)
	v, err := CreateKey(msg(t, "User-Agent: SomeMobile/1.0"), beresp)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !MatchKey(msg(t, "User-Agent: OtherMobile/2.0"), v) {
		t.Errorf("substring matcher should match")
	}
	if MatchKey(msg(t, "User-Agent: Desktop/2.0"), v) {
		t.Errorf("substring matcher should not match")
	}

	beresp = msg(t, `Key: Accept;w="text/html"`)
	v, err = CreateKey(msg(t, "Accept: text/html, text/plain"), beresp)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !MatchKey(msg(t, "Accept: text/plain, text/html"), v) {
		t.Errorf("word matcher should match")
	}
	if MatchKey(msg(t, "Accept: text/htmlx"), v) {
		t.Errorf("word matcher matched a partial word")
	}

	beresp = msg(t, `Key: X-P;b="abc";n`)
	v, err = CreateKey(msg(t, "X-P: zzz"), beresp)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !MatchKey(msg(t, "X-P: zzz"), v) {
		t.Errorf("negated begins-with should match a non-prefix")
	}
	if MatchKey(msg(t, "X-P: abcdef"), v) {
		t.Errorf("negated begins-with matched a prefix")
	}
}

func TestKeyCaseFlag(t *testing.T) {
	config.Main.FeatureKeyMatcher = true
	defer func() { config.Main.FeatureKeyMatcher = false }()

	beresp := msg(t, `Key: X-C;s="ABC";c`)
	v, err := CreateKey(msg(t), beresp)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !MatchKey(msg(t, "X-C: xxABCxx"), v) {
		t.Errorf("case-sensitive matcher should match exact case")
	}
	if MatchKey(msg(t, "X-C: xxabcxx"), v) {
		t.Errorf("case-sensitive matcher matched wrong case")
	}
}
