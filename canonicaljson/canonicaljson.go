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

// Package canonicaljson is the single choke point every signature and
// key-id computation in this repository goes through (spec §3, §6, §9:
// "Signed-JSON canonicalization is load-bearing... No other serialization
// is acceptable for hashing or verifying."). It wraps go-tuf's own
// canonicalizer (github.com/tent/canonical-json-go) rather than
// hand-rolling a sorted-key marshaler.
package canonicaljson

import (
	"encoding/json"
	"fmt"

	cjson "github.com/tent/canonical-json-go"
)

// Marshal returns the canonical JSON byte string for v: sorted object
// keys, no insignificant whitespace, UTF-8. This is the exact byte string
// that must be signed and hashed.
func Marshal(v interface{}) ([]byte, error) {
	b, err := cjson.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicaljson: marshal failed: %w", err)
	}
	return b, nil
}

// MarshalRaw re-canonicalizes an already-encoded JSON value (e.g. a
// json.RawMessage captured from the `signed` field of a SignedMeta
// envelope) so that signature verification never depends on how the
// original encoder ordered its keys.
func MarshalRaw(raw json.RawMessage) ([]byte, error) {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("canonicaljson: invalid json: %w", err)
	}
	return Marshal(v)
}
