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

package api

import "testing"

func TestTargetSameContent(t *testing.T) {
	a := Target{
		Filename: "firmware.bin",
		Length:   10,
		Hashes:   []Hash{{Algorithm: HashSHA256, HexDigest: "abc"}},
	}
	for _, test := range []struct {
		name string
		b    Target
		want bool
	}{
		{"identical", Target{Filename: "other-name.bin", Length: 10, Hashes: []Hash{{Algorithm: HashSHA256, HexDigest: "abc"}}}, true},
		{"length mismatch", Target{Length: 11, Hashes: []Hash{{Algorithm: HashSHA256, HexDigest: "abc"}}}, false},
		{"hash mismatch", Target{Length: 10, Hashes: []Hash{{Algorithm: HashSHA256, HexDigest: "def"}}}, false},
		{"no overlapping algorithm", Target{Length: 10, Hashes: []Hash{{Algorithm: HashSHA512, HexDigest: "abc"}}}, false},
		{"other has no hashes", Target{Length: 10}, false},
	} {
		t.Run(test.name, func(t *testing.T) {
			if got := a.SameContent(test.b); got != test.want {
				t.Errorf("SameContent() = %v, want %v", got, test.want)
			}
		})
	}
}

func TestRoleFileName(t *testing.T) {
	for _, test := range []struct {
		role Role
		want string
	}{
		{RoleRoot, "root.json"},
		{RoleTimestamp, "timestamp.json"},
		{RoleSnapshot, "snapshot.json"},
		{RoleTargets, "targets.json"},
	} {
		if got := test.role.FileName(); got != test.want {
			t.Errorf("Role(%v).FileName() = %q, want %q", test.role, got, test.want)
		}
	}
}

func TestPkcs11URIRoundTrip(t *testing.T) {
	in := "pkcs11:serial=deadbeef;pin-value=1234;id=%0a1b"
	u, err := ParsePkcs11URI(in)
	if err != nil {
		t.Fatalf("ParsePkcs11URI() err = %v", err)
	}
	if u.TokenSerial != "deadbeef" || u.PinValue != "1234" {
		t.Errorf("parsed = %+v", u)
	}
	if got := u.String(); got != in {
		t.Errorf("String() = %q, want %q", got, in)
	}
}

func TestPkcs11URIOddLengthID(t *testing.T) {
	if _, err := ParsePkcs11URI("pkcs11:serial=x;id=%0a1"); err == nil {
		t.Error("expected error for odd-length id")
	}
}
