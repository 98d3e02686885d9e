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

// Package rfc2616 derives object lifetimes from response headers and
// answers conditional requests.
//
// The policy is RFC2616-compliant when the clocks agree and degrades
// gracefully otherwise: with a plausible Date header, Expires is taken
// relative to our own clock; with clock skew beyond the configured
// tolerance, the Expires-Date difference is used instead.
package rfc2616

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tridentcache/trident/internal/config"
	"github.com/tridentcache/trident/internal/object"
	"github.com/tridentcache/trident/internal/util/log"
	"github.com/tridentcache/trident/internal/vhttp"
)

// delta parses a delta-seconds value, tolerating a trailing ',' or '.'
// so Cache-Control members and future fractional seconds parse.
func delta(p string) (time.Duration, bool) {
	if p == "" || p[0] == '-' {
		return 0, false
	}
	end := len(p)
	for i := 0; i < len(p); i++ {
		if p[i] < '0' || p[i] > '9' {
			end = i
			break
		}
	}
	v, err := strconv.ParseUint(p[:end], 10, 32)
	if err != nil {
		return 0, false
	}
	rest := strings.TrimLeft(p[end:], " \t")
	if rest != "" && rest[0] != ',' && rest[0] != '.' {
		return 0, false
	}
	return time.Duration(v) * time.Second, true
}

// TTL computes t_origin, ttl, grace and keep for a fetched response.
// A negative ttl marks the response uncacheable.
func TTL(beresp *vhttp.Message, oc *object.ObjCore, now time.Time) (tOrigin time.Time, ttl, grace, keep time.Duration) {
	tOrigin = now
	ttl = config.Main.DefaultTTL
	grace = config.Main.DefaultGrace
	keep = config.Main.DefaultKeep

	var age time.Duration
	if p, ok := beresp.GetHdr(vhttp.HdrAge); ok {
		if d, ok := delta(p); ok {
			age = d
		}
		tOrigin = tOrigin.Add(-age)
	}

	if oc != nil && oc.HasFlag(object.FlagPrivate) {
		// pass object: keep only t_origin for Age synthesis
		return tOrigin, -1, 0, 0
	}

	// HTTP-date forms first, then RFC1123 with any zone name
	parse := func(p string) time.Time {
		t, err := http.ParseTime(p)
		if err != nil {
			t, _ = time.Parse(time.RFC1123, p)
		}
		return t
	}
	var hExpires, hDate time.Time
	if p, ok := beresp.GetHdr(vhttp.HdrExpires); ok {
		hExpires = parse(p)
	}
	if p, ok := beresp.GetHdr(vhttp.HdrDate); ok {
		hDate = parse(p)
	}

	status := beresp.Status()
	switch status {
	case 302, 307:
		// only cacheable with explicit freshness information
		ttl = -1
		fallthrough
	case 200, 203, 204, 300, 301, 304, 404, 410, 414:
		if p, ok := beresp.GetHdrField(vhttp.HdrCacheControl, "s-maxage"); ok {
			if d, ok := delta(p); ok {
				ttl = d
				break
			}
		}
		if p, ok := beresp.GetHdrField(vhttp.HdrCacheControl, "max-age"); ok {
			if d, ok := delta(p); ok {
				ttl = d
				break
			}
		}

		if hExpires.IsZero() {
			break
		}
		if !hDate.IsZero() && hExpires.Before(hDate) {
			// expired before it was born
			ttl = 0
			break
		}
		skew := config.Main.ClockSkew
		if hDate.IsZero() || absDuration(hDate.Sub(now)) < skew {
			if hExpires.Before(now) {
				ttl = 0
			} else {
				ttl = hExpires.Sub(now)
			}
			break
		}
		// clocks are out of whack; derive a relative lifetime
		ttl = hExpires.Sub(hDate)
	default:
		ttl = -1
	}

	if ttl >= 0 {
		if p, ok := beresp.GetHdrField(vhttp.HdrCacheControl, "stale-while-revalidate"); ok {
			if d, ok := delta(p); ok {
				grace = d
			}
		}
	}

	log.Debug("TTL", log.Pairs{
		"ttl": ttl.Seconds(), "grace": grace.Seconds(), "keep": keep.Seconds(),
		"status": status, "tOrigin": tOrigin.Unix(),
	})
	return tOrigin, ttl, grace, keep
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// ReqGzip reports whether the request can receive a gzipped response
func ReqGzip(req *vhttp.Message) bool {
	// x-gzip is http/1.0 backwards compat; no q values apply
	if _, ok := req.GetHdrToken(vhttp.HdrAcceptEncoding, "x-gzip"); ok {
		return true
	}
	// gzip proper needs a nonzero q
	return req.GetHdrQ(vhttp.HdrAcceptEncoding, "gzip") > 0
}

// rfc7232 weak comparison; If-None-Match never compares strongly
func weakCompare(p, e string) bool {
	return strings.TrimPrefix(p, "W/") == strings.TrimPrefix(e, "W/")
}

// DoCond decides whether a 200 response can be answered 304 for the
// request's conditional headers. If-None-Match takes precedence over
// If-Modified-Since.
func DoCond(req, resp *vhttp.Message, lastModified time.Time) bool {
	if !resp.IsStatus(200) {
		return false
	}

	if inm, ok := req.GetHdr(vhttp.HdrIfNoneMatch); ok {
		etag, ok := resp.GetHdr(vhttp.HdrETag)
		if !ok {
			return false
		}
		if inm == "*" {
			return true
		}
		for _, cand := range strings.Split(inm, ",") {
			if weakCompare(strings.TrimSpace(cand), etag) {
				return true
			}
		}
		return false
	}

	if ims, ok := req.GetHdr(vhttp.HdrIfModifiedSince); ok {
		// HTTP-date forms first, then RFC1123 with any zone name
		parse := func(p string) (time.Time, error) {
			t, err := http.ParseTime(p)
			if err != nil {
				t, err = time.Parse(time.RFC1123, p)
			}
			return t, err
		}
		t, err := parse(ims)
		if err != nil {
			return false
		}
		if lastModified.IsZero() {
			if lm, ok := resp.GetHdr(vhttp.HdrLastModified); ok {
				lastModified, _ = parse(lm)
			}
		}
		if lastModified.IsZero() {
			return false
		}
		return !lastModified.After(t)
	}

	return false
}

// WeakenETag turns a strong ETag weak, as ESI-processed and re-encoded
// responses demand
func WeakenETag(resp *vhttp.Message) {
	if v, ok := resp.GetHdr(vhttp.HdrETag); ok && !strings.HasPrefix(v, "W/") {
		resp.SetHdr(vhttp.HdrETag, "W/"+v)
	}
}
