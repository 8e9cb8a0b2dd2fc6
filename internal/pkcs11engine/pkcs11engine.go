// Copyright 2020 Google LLC. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package pkcs11engine models the process-wide, reference-counted
// handle to a hardware-token engine that original_source's p11engine.cc
// implements (spec §5, §9: "a process-wide PKCS#11 engine handle is
// acquired via a reference-counted scoped guard; release is guaranteed
// on the last holder going out of scope"). This package makes that a
// per-process singleton guarded by a mutex rather than per-engine state,
// which the spec's restatement in §9 explicitly allows ("any
// implementation that makes the resource per-engine rather than
// per-process is acceptable so long as concurrent callers observe a
// consistent lifecycle").
package pkcs11engine

import (
	"fmt"
	"sync"

	"github.com/golang/glog"
)

// Handle is a held reference to the singleton engine. Release must be
// called exactly once per Acquire; calling it twice panics, matching
// the "on last holder going out of scope" contract rather than silently
// tolerating a double-free.
type Handle struct {
	released bool
}

var (
	mu       sync.Mutex
	refcount int
	initFn   func() error
	closeFn  func() error
)

// SetBackend installs the functions used to initialize/tear down the
// real engine (e.g. a cgo binding to a PKCS#11 module). Tests install a
// no-op backend. Must be called before the first Acquire.
func SetBackend(init, close func() error) {
	mu.Lock()
	defer mu.Unlock()
	initFn, closeFn = init, close
}

// Acquire increments the process-wide refcount, initializing the
// underlying engine on the first acquisition.
func Acquire() (*Handle, error) {
	mu.Lock()
	defer mu.Unlock()
	if refcount == 0 && initFn != nil {
		if err := initFn(); err != nil {
			return nil, fmt.Errorf("pkcs11engine: init: %w", err)
		}
		glog.V(1).Info("pkcs11engine: engine initialized")
	}
	refcount++
	return &Handle{}, nil
}

// Release decrements the refcount, tearing down the underlying engine
// when the last holder releases.
func (h *Handle) Release() {
	mu.Lock()
	defer mu.Unlock()
	if h.released {
		panic("pkcs11engine: Handle released twice")
	}
	h.released = true
	refcount--
	if refcount < 0 {
		refcount = 0
	}
	if refcount == 0 && closeFn != nil {
		if err := closeFn(); err != nil {
			glog.Warningf("pkcs11engine: close: %v", err)
		} else {
			glog.V(1).Info("pkcs11engine: engine torn down")
		}
	}
}

// Refcount reports the current number of held references, for tests.
func Refcount() int {
	mu.Lock()
	defer mu.Unlock()
	return refcount
}
