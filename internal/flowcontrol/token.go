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

// Package flowcontrol implements the cooperative-cancellation token
// (spec §5) that Transport and PackageDriver implementations poll at
// I/O boundaries. It is a thin, named wrapper around context.Context so
// that those interfaces don't need to import context directly just to
// accept a cancellation signal.
package flowcontrol

import "context"

// Token carries a monotonic can-continue signal. Once Cancel is called
// (or the underlying context is done), CanContinue always returns
// false; there is no way to un-cancel a Token.
type Token struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// New derives a cancelable Token from parent. Cancel must eventually be
// called to release the Token's resources, mirroring context.WithCancel.
func New(parent context.Context) (Token, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	return Token{ctx: ctx, cancel: cancel}, cancel
}

// Background returns a Token that never cancels, for call sites with no
// natural parent context (e.g. top-level CLI invocations).
func Background() Token {
	return Token{ctx: context.Background(), cancel: func() {}}
}

// CanContinue reports whether the caller should proceed with the next
// unit of I/O. Transport and PackageDriver implementations must check
// this at least once per I/O boundary (spec §5) and unwind promptly
// once it turns false.
func (t Token) CanContinue() bool {
	select {
	case <-t.ctx.Done():
		return false
	default:
		return true
	}
}

// Context exposes the underlying context.Context for callers (e.g. net/
// http requests) that need to thread cancellation through APIs that
// already speak context.
func (t Token) Context() context.Context {
	if t.ctx == nil {
		return context.Background()
	}
	return t.ctx
}

// Err returns the reason CanContinue turned false, or nil if it hasn't.
func (t Token) Err() error {
	return t.ctx.Err()
}
