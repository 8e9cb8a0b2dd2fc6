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
	"encoding/json"
	"time"
)

// Signature is one entry of the `signatures` array of a SignedMeta envelope.
type Signature struct {
	KeyID  string          `json:"keyid"`
	Method SignatureMethod `json:"method"`
	Sig    string          `json:"sig"` // base64
}

// SignedMeta is the wire envelope every Uptane metadata file is wrapped in:
// {signed: <body>, signatures: [...]}. Signed is kept as raw JSON so that
// signature verification always operates on the exact bytes the signer
// produced, never a round-tripped re-encoding.
type SignedMeta struct {
	Signed     json.RawMessage `json:"signed"`
	Signatures []Signature     `json:"signatures"`
}

// KeyVal holds the public half of a key as it appears inside a Root's
// `keys` map.
type KeyVal struct {
	Public string `json:"public"`
}

// WireKey is the on-the-wire shape of one entry of Root.signed.keys,
// and also the exact object canonicalized to derive a key's KeyID
// (spec §3, §6): {keytype, keyval:{public}}.
type WireKey struct {
	KeyType string `json:"keytype"`
	KeyVal  KeyVal `json:"keyval"`
}

// WireRole is one entry of Root.signed.roles: which keys are authorized
// for a role and how many of them must sign.
type WireRole struct {
	KeyIDs    []string `json:"keyids"`
	Threshold int      `json:"threshold"`
}

// RootSigned is the `signed` body of a Root metadata file.
type RootSigned struct {
	Type    string              `json:"_type"`
	Version int                 `json:"version"`
	Expires time.Time           `json:"expires"`
	Keys    map[string]WireKey  `json:"keys"`
	Roles   map[string]WireRole `json:"roles"`
}

// TimestampMeta describes the Snapshot file a Timestamp commits to.
type TimestampMeta struct {
	Length int64            `json:"length"`
	Hashes map[string]string `json:"hashes"`
	Version int             `json:"version"`
}

// TimestampSigned is the `signed` body of a Timestamp metadata file.
type TimestampSigned struct {
	Type    string                   `json:"_type"`
	Version int                      `json:"version"`
	Expires time.Time                `json:"expires"`
	Meta    map[string]TimestampMeta `json:"meta"`
}

// SnapshotMeta describes one role file a Snapshot commits to.
type SnapshotMeta struct {
	Version int   `json:"version"`
	Length  int64 `json:"length,omitempty"`
}

// SnapshotSigned is the `signed` body of a Snapshot metadata file.
type SnapshotSigned struct {
	Type    string                  `json:"_type"`
	Version int                     `json:"version"`
	Expires time.Time               `json:"expires"`
	Meta    map[string]SnapshotMeta `json:"meta"`
}

// WireTarget is the on-the-wire shape of one entry of Targets.signed.targets.
type WireTarget struct {
	Length  int64             `json:"length"`
	Hashes  map[string]string `json:"hashes"`
	Custom  json.RawMessage   `json:"custom,omitempty"`
}

// WireTargetCustom is the `custom` object of a WireTarget.
type WireTargetCustom struct {
	Ecus map[string]string `json:"ecuIdentifiers,omitempty"`
	URI  string            `json:"uri,omitempty"`
	Type string            `json:"type,omitempty"`
}

// TargetsSigned is the `signed` body of a Targets metadata file.
type TargetsSigned struct {
	Type        string                `json:"_type"`
	Version     int                   `json:"version"`
	Expires     time.Time             `json:"expires"`
	Targets     map[string]WireTarget `json:"targets"`
	Delegations json.RawMessage       `json:"delegations,omitempty"`
}

// TrustedRoot is the verified, in-memory projection of a Root: which keys
// exist, and which role each is authorized for along with its threshold.
type TrustedRoot struct {
	Version int
	Expires time.Time
	Keys    map[string]PublicKey // keyid -> key
	Roles   map[Role]RoleKeys
}

// RoleKeys is the authorized key set and threshold for one role, as
// declared by a Root.
type RoleKeys struct {
	Threshold int
	KeyIDs    map[string]bool
}

// Authorizes reports whether keyID is one of the keys authorized to sign
// for role under this Root.
func (t TrustedRoot) Authorizes(role Role, keyID string) bool {
	rk, ok := t.Roles[role]
	if !ok {
		return false
	}
	return rk.KeyIDs[keyID]
}
