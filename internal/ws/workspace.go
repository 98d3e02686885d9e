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

// Package ws provides the per-task scratch workspace.
//
// A Workspace is a bump allocator owned by exactly one task (request,
// backend fetch, or session). Allocations are never freed individually;
// the whole arena is reset when the task ends. Running out of space is a
// recoverable condition: the workspace is marked overflowed, the failed
// allocation returns nil, and the task surfaces the overflow as an error
// at a convenient step boundary.
package ws

import (
	"fmt"
)

// Workspace is a bump-allocated scratch arena with an optional open
// reservation at the free end.
type Workspace struct {
	tag string
	buf []byte
	// f is the free pointer, r the reservation end (len(buf) while a
	// reservation is open, -1 otherwise)
	f        int
	r        int
	overflow bool
}

// New returns a Workspace of the given size. The tag identifies the owner
// in log records.
func New(tag string, size int) *Workspace {
	return &Workspace{tag: tag, buf: make([]byte, size), r: -1}
}

// Tag returns the owner tag the workspace was created with
func (w *Workspace) Tag() string { return w.tag }

// Reset abandons all allocations and clears the overflow mark
func (w *Workspace) Reset() {
	w.f = 0
	w.r = -1
	w.overflow = false
}

// Free reports the number of unallocated bytes
func (w *Workspace) Free() int {
	if w.r >= 0 {
		return 0
	}
	return len(w.buf) - w.f
}

// MarkOverflow marks the workspace as overflowed
func (w *Workspace) MarkOverflow() { w.overflow = true }

// Overflowed returns true if any allocation has failed since the last Reset
func (w *Workspace) Overflowed() bool { return w.overflow }

// Alloc returns a zeroed slice of n bytes from the workspace, or nil with
// the overflow mark set if the space is not available.
func (w *Workspace) Alloc(n int) []byte {
	if w.r >= 0 || n > len(w.buf)-w.f {
		w.overflow = true
		return nil
	}
	b := w.buf[w.f : w.f+n : w.f+n]
	for i := range b {
		b[i] = 0
	}
	w.f += n
	return b
}

// Copy stores a copy of p in the workspace
func (w *Workspace) Copy(p []byte) []byte {
	b := w.Alloc(len(p))
	if b == nil {
		return nil
	}
	copy(b, p)
	return b
}

// CopyString stores a copy of s in the workspace and returns it as a string
// aliasing workspace memory lifetime rules (valid until Reset).
func (w *Workspace) CopyString(s string) string {
	b := w.Copy([]byte(s))
	if b == nil {
		return ""
	}
	return string(b)
}

// ReserveAll opens a reservation over all remaining free space and returns
// its size. Only one reservation may be open at a time.
func (w *Workspace) ReserveAll() int {
	if w.r >= 0 {
		panic(fmt.Sprintf("ws %s: nested reservation", w.tag))
	}
	w.r = len(w.buf)
	return w.r - w.f
}

// Reservation returns the currently reserved bytes
func (w *Workspace) Reservation() []byte {
	if w.r < 0 {
		return nil
	}
	return w.buf[w.f:w.r]
}

// ReservationSize returns the size of the open reservation
func (w *Workspace) ReservationSize() int {
	if w.r < 0 {
		return 0
	}
	return w.r - w.f
}

// Release closes the open reservation, keeping the first n bytes allocated.
func (w *Workspace) Release(keep int) []byte {
	if w.r < 0 {
		panic(fmt.Sprintf("ws %s: release without reservation", w.tag))
	}
	if keep > w.r-w.f {
		panic(fmt.Sprintf("ws %s: release beyond reservation", w.tag))
	}
	b := w.buf[w.f : w.f+keep : w.f+keep]
	w.f += keep
	w.r = -1
	return b
}

// VSB returns a Builder whose contents will be committed to the workspace
// on Finish. It mirrors the scoped string-builder pattern used for header
// assembly: callers append freely, and Finish either lands the bytes in the
// arena or marks the overflow.
func (w *Workspace) VSB() *Builder {
	return &Builder{ws: w}
}

// Builder accumulates bytes destined for a workspace
type Builder struct {
	ws  *Workspace
	b   []byte
	err bool
}

// Len returns the number of accumulated bytes
func (sb *Builder) Len() int { return len(sb.b) }

// Bytes returns the accumulated bytes
func (sb *Builder) Bytes() []byte { return sb.b }

// Reset clears the accumulated bytes
func (sb *Builder) Reset() { sb.b = sb.b[:0] }

// WriteByte appends a single byte
func (sb *Builder) WriteByte(c byte) error {
	sb.b = append(sb.b, c)
	return nil
}

// Write appends p
func (sb *Builder) Write(p []byte) (int, error) {
	sb.b = append(sb.b, p...)
	return len(p), nil
}

// WriteString appends s
func (sb *Builder) WriteString(s string) (int, error) {
	sb.b = append(sb.b, s...)
	return len(s), nil
}

// Printf appends formatted text
func (sb *Builder) Printf(format string, args ...interface{}) {
	sb.b = append(sb.b, fmt.Sprintf(format, args...)...)
}

// Finish commits the accumulated bytes into the workspace and returns the
// stored slice, or nil with the workspace overflow mark set.
func (sb *Builder) Finish() []byte {
	return sb.ws.Copy(sb.b)
}
