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

package ws

import (
	"bytes"
	"testing"
)

func TestAllocAndOverflow(t *testing.T) {
	w := New("req", 16)
	if w.Free() != 16 {
		t.Errorf("expected 16 free bytes, got %d", w.Free())
	}
	a := w.Alloc(10)
	if a == nil || len(a) != 10 {
		t.Fatalf("alloc of 10 failed")
	}
	b := w.Alloc(10)
	if b != nil {
		t.Errorf("expected nil on overflowing alloc")
	}
	if !w.Overflowed() {
		t.Errorf("expected overflow mark")
	}
	w.Reset()
	if w.Overflowed() || w.Free() != 16 {
		t.Errorf("reset did not clear state")
	}
}

func TestCopy(t *testing.T) {
	w := New("req", 32)
	in := []byte("hello")
	out := w.Copy(in)
	if !bytes.Equal(in, out) {
		t.Errorf("copy mismatch: %q", out)
	}
	in[0] = 'x'
	if out[0] != 'h' {
		t.Errorf("copy aliases input")
	}
}

func TestReservation(t *testing.T) {
	w := New("bo", 64)
	w.Alloc(8)
	sz := w.ReserveAll()
	if sz != 56 {
		t.Errorf("expected 56 reserved, got %d", sz)
	}
	r := w.Reservation()
	if len(r) != 56 {
		t.Errorf("expected 56-byte reservation, got %d", len(r))
	}
	copy(r, "abc")
	kept := w.Release(3)
	if string(kept) != "abc" {
		t.Errorf("expected kept bytes abc, got %q", kept)
	}
	if w.Free() != 53 {
		t.Errorf("expected 53 free after release, got %d", w.Free())
	}
	if w.ReservationSize() != 0 {
		t.Errorf("reservation still open")
	}
}

func TestAllocDuringReservationOverflows(t *testing.T) {
	w := New("bo", 32)
	w.ReserveAll()
	if w.Alloc(1) != nil {
		t.Errorf("alloc during reservation should fail")
	}
	if !w.Overflowed() {
		t.Errorf("expected overflow mark")
	}
}

func TestBuilder(t *testing.T) {
	w := New("req", 64)
	sb := w.VSB()
	sb.WriteString("Host")
	sb.WriteByte(':')
	sb.Printf(" %s", "example.com")
	got := sb.Finish()
	if string(got) != "Host: example.com" {
		t.Errorf("builder result %q", got)
	}
}

func TestBuilderOverflow(t *testing.T) {
	w := New("req", 4)
	sb := w.VSB()
	sb.WriteString("too long for the arena")
	if sb.Finish() != nil {
		t.Errorf("expected nil from overflowing Finish")
	}
	if !w.Overflowed() {
		t.Errorf("expected overflow mark")
	}
}
