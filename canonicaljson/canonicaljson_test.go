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

package canonicaljson

import (
	"encoding/json"
	"testing"
)

// TestRoundTrip exercises property 1 from spec §8: parse(canonicalize(v))
// is value-equal to v.
func TestRoundTrip(t *testing.T) {
	in := map[string]interface{}{
		"zebra":   1,
		"alpha":   "text",
		"nested":  map[string]interface{}{"b": 2, "a": 1},
		"numbers": []interface{}{3.0, 1.0, 2.0},
	}
	b, err := Marshal(in)
	if err != nil {
		t.Fatalf("Marshal() err = %v", err)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("Unmarshal() err = %v", err)
	}
	inB, _ := json.Marshal(in)
	outB, _ := json.Marshal(out)
	var inCanon, outCanon interface{}
	json.Unmarshal(inB, &inCanon)
	json.Unmarshal(outB, &outCanon)
	aB, _ := Marshal(inCanon)
	bB, _ := Marshal(outCanon)
	if string(aB) != string(bB) {
		t.Errorf("round-trip mismatch:\n got %s\nwant %s", bB, aB)
	}
}

// TestDeterministic exercises property 2: equivalent JSON values (same
// keys, different encoding order/whitespace) canonicalize identically.
func TestDeterministic(t *testing.T) {
	v1 := json.RawMessage(`{"b":2,  "a"  :1}`)
	v2 := json.RawMessage(`{"a":1,"b":2}`)
	c1, err := MarshalRaw(v1)
	if err != nil {
		t.Fatalf("MarshalRaw(v1) err = %v", err)
	}
	c2, err := MarshalRaw(v2)
	if err != nil {
		t.Fatalf("MarshalRaw(v2) err = %v", err)
	}
	if string(c1) != string(c2) {
		t.Errorf("canonical forms differ: %s != %s", c1, c2)
	}
}

func TestNoWhitespace(t *testing.T) {
	b, err := Marshal(map[string]int{"a": 1})
	if err != nil {
		t.Fatalf("Marshal() err = %v", err)
	}
	for _, c := range b {
		if c == ' ' || c == '\n' || c == '\t' {
			t.Fatalf("canonical form contains insignificant whitespace: %q", b)
		}
	}
}
