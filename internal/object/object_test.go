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

package object

import (
	"testing"
	"time"
)

func TestBocForwardOnly(t *testing.T) {
	b := NewBoc()
	b.SetState(BocStream)
	defer func() {
		if recover() == nil {
			t.Errorf("expected panic on backward transition")
		}
	}()
	b.SetState(BocPrepStream)
}

func TestBocWaitState(t *testing.T) {
	b := NewBoc()
	done := make(chan int)
	go func() {
		done <- b.WaitState(BocPrepStream)
	}()
	select {
	case <-done:
		t.Fatalf("WaitState returned before state advanced")
	case <-time.After(10 * time.Millisecond):
	}
	b.SetState(BocStream)
	if s := <-done; s != BocStream {
		t.Errorf("WaitState returned state %d", s)
	}
	// satisfied immediately once past the wanted state
	if s := b.WaitState(BocPrepStream); s != BocStream {
		t.Errorf("WaitState after the fact returned %d", s)
	}
}

func TestFreshGraceWindows(t *testing.T) {
	now := time.Now()
	oc := &ObjCore{TOrigin: now.Add(-30 * time.Second), TTL: 60 * time.Second, Grace: 10 * time.Second}
	if !oc.Fresh(now) {
		t.Errorf("object should be fresh")
	}
	later := now.Add(45 * time.Second)
	if oc.Fresh(later) {
		t.Errorf("object should be expired")
	}
	if !oc.InGrace(later) {
		t.Errorf("object should be in grace")
	}
	if oc.InGrace(now.Add(5 * time.Minute)) {
		t.Errorf("object should be past grace")
	}
	if oc.Fresh(now) && (&ObjCore{TTL: -1}).Fresh(now) {
		t.Errorf("negative ttl must never be fresh")
	}
}

func TestRefcount(t *testing.T) {
	oc := NewObjCore(nil)
	oc.Ref()
	if n := oc.Deref(); n != 1 {
		t.Errorf("expected 1 remaining ref, got %d", n)
	}
	if n := oc.Deref(); n != 0 {
		t.Errorf("expected 0 remaining refs, got %d", n)
	}
}
