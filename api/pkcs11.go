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

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Pkcs11URI identifies a key or certificate on a hardware token, of the
// form "pkcs11:serial=<token_serial>;pin-value=<pin>;id=%<hex_id>"
// (spec §6).
type Pkcs11URI struct {
	TokenSerial string
	PinValue    string
	ID          []byte // decoded from the even-length lowercase hex %id
}

// ParsePkcs11URI parses a pkcs11: URI of the shape documented in spec §6.
func ParsePkcs11URI(s string) (Pkcs11URI, error) {
	const scheme = "pkcs11:"
	if !strings.HasPrefix(s, scheme) {
		return Pkcs11URI{}, fmt.Errorf("not a pkcs11 uri: %q", s)
	}
	out := Pkcs11URI{}
	for _, part := range strings.Split(strings.TrimPrefix(s, scheme), ";") {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key, val := kv[0], kv[1]
		switch key {
		case "serial":
			out.TokenSerial = val
		case "pin-value":
			out.PinValue = val
		case "id":
			hexID := strings.TrimPrefix(val, "%")
			if len(hexID)%2 != 0 {
				return Pkcs11URI{}, fmt.Errorf("pkcs11 uri %q has odd-length id", s)
			}
			id, err := hex.DecodeString(strings.ToLower(hexID))
			if err != nil {
				return Pkcs11URI{}, fmt.Errorf("pkcs11 uri %q has invalid hex id: %w", s, err)
			}
			out.ID = id
		}
	}
	if out.TokenSerial == "" {
		return Pkcs11URI{}, fmt.Errorf("pkcs11 uri %q missing serial", s)
	}
	return out, nil
}

// String renders the URI back to its canonical wire form.
func (u Pkcs11URI) String() string {
	return fmt.Sprintf("pkcs11:serial=%s;pin-value=%s;id=%%%s", u.TokenSerial, u.PinValue, hex.EncodeToString(u.ID))
}
