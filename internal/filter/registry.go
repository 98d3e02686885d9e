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

package filter

import (
	"fmt"
	"strings"
	"sync"
)

// Registration binds a filter name to its constructors; either side may
// be nil when the name only exists in one pipeline.
type Registration struct {
	Name   string
	NewVfp func() Vfp
	NewVdp func() Vdp
}

// Set is an ordered collection of filter registrations. Lookups on a
// per-configuration Set fall back to the process-wide set.
type Set struct {
	mtx     sync.Mutex
	entries []*Registration
	parent  *Set
}

// Global is the process-wide filter set
var Global = &Set{}

// NewSet returns an empty set whose lookups fall back to Global
func NewSet() *Set {
	return &Set{parent: Global}
}

// Register adds a filter registration to the set. Duplicate names fail.
func (s *Set) Register(r *Registration) error {
	if r.Name == "" || (r.NewVfp == nil && r.NewVdp == nil) {
		return fmt.Errorf("filter: empty registration")
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()
	for _, e := range s.entries {
		if e.Name == r.Name {
			return fmt.Errorf("filter: %q already registered", r.Name)
		}
	}
	s.entries = append(s.entries, r)
	return nil
}

// lookup finds a registration by name, preferring this set over its parent
func (s *Set) lookup(name string, wantVfp bool) *Registration {
	s.mtx.Lock()
	for _, e := range s.entries {
		if e.Name == name {
			if (wantVfp && e.NewVfp != nil) || (!wantVfp && e.NewVdp != nil) {
				s.mtx.Unlock()
				return e
			}
		}
	}
	s.mtx.Unlock()
	if s.parent != nil {
		return s.parent.lookup(name, wantVfp)
	}
	return nil
}

// StackVFP resolves a whitespace-separated filter list and pushes each
// named fetch filter onto the chain.
func (s *Set) StackVFP(fc *VfpCtx, list string) error {
	for _, name := range strings.Fields(list) {
		r := s.lookup(name, true)
		if r == nil {
			return fmt.Errorf("filter '%s' not found", name)
		}
		if _, err := fc.Push(r.NewVfp()); err != nil {
			return err
		}
	}
	return nil
}

// StackVDP resolves a whitespace-separated filter list and pushes each
// named deliver filter onto the chain.
func (s *Set) StackVDP(dc *VdpCtx, list string) error {
	for _, name := range strings.Fields(list) {
		r := s.lookup(name, false)
		if r == nil {
			return fmt.Errorf("filter '%s' not found", name)
		}
		if _, err := dc.Push(r.NewVdp(), nil); err != nil {
			return err
		}
	}
	return nil
}

// DefaultFetchList computes the fetch-side filter list from the beresp
// disposition, per the gzip/esi decision table.
func DefaultFetchList(hasBody, gzipSupport, doESI bool, doGzip, doGunzip, isGzip bool) string {
	var parts []string

	if !hasBody {
		return ""
	}
	if !gzipSupport {
		doGzip = false
		doGunzip = false
	}
	isGunzip := !isGzip

	// We won't gunzip unless it is gzip'ed
	if doGunzip && !isGzip {
		doGunzip = false
	}
	// We won't gzip unless it already is ungzip'ed
	if doGzip && !isGunzip {
		doGzip = false
	}

	if doGunzip || (isGzip && doESI) {
		parts = append(parts, "gunzip")
	}
	if doESI && (doGzip || (isGzip && !doGunzip)) {
		parts = append(parts, "esi_gzip")
		return strings.Join(parts, " ")
	}
	if doESI {
		parts = append(parts, "esi")
		return strings.Join(parts, " ")
	}
	if doGzip {
		parts = append(parts, "gzip")
	}
	if isGzip && !doGunzip {
		parts = append(parts, "testgunzip")
	}
	return strings.Join(parts, " ")
}

// DefaultDeliverList computes the deliver-side filter list from the
// object and request disposition.
func DefaultDeliverList(hasESIData, disableESI, objGzipped, clientGzip, gzipSupport,
	rangeSupport, statusOK, hasRange bool) string {
	var parts []string
	if hasESIData && !disableESI {
		parts = append(parts, "esi")
	}
	if gzipSupport && objGzipped && !clientGzip {
		parts = append(parts, "gunzip")
	}
	if rangeSupport && statusOK && hasRange {
		parts = append(parts, "range")
	}
	return strings.Join(parts, " ")
}
