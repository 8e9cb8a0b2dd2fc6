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

// Package api holds the wire and domain types shared between the Uptane
// Repository, Fetcher, TargetResolver, SecondaryProtocol, and UpdateEngine
// components.
package api

import "fmt"

// Role identifies one of the four Uptane signed-metadata roles.
type Role int

const (
	RoleUnknown Role = iota
	RoleRoot
	RoleTimestamp
	RoleSnapshot
	RoleTargets
)

func (r Role) String() string {
	switch r {
	case RoleRoot:
		return "root"
	case RoleTimestamp:
		return "timestamp"
	case RoleSnapshot:
		return "snapshot"
	case RoleTargets:
		return "targets"
	default:
		return "unknown"
	}
}

// FileName returns the canonical metadata filename for this role, e.g.
// "root.json", "timestamp.json".
func (r Role) FileName() string {
	return r.String() + ".json"
}

// RepositoryKind distinguishes the two independent Uptane repositories.
type RepositoryKind int

const (
	RepositoryUnknown RepositoryKind = iota
	RepositoryDirector
	RepositoryImage
)

func (k RepositoryKind) String() string {
	switch k {
	case RepositoryDirector:
		return "director"
	case RepositoryImage:
		return "image"
	default:
		return "unknown"
	}
}

// Version is a strictly-increasing per (RepositoryKind, Role) metadata
// version number.
type Version uint64

// KeyType enumerates the public-key algorithms this client understands.
type KeyType int

const (
	KeyTypeUnknown KeyType = iota
	KeyTypeRSA2048
	KeyTypeRSA4096
	KeyTypeED25519
)

func (t KeyType) String() string {
	switch t {
	case KeyTypeRSA2048:
		return "rsa2048"
	case KeyTypeRSA4096:
		return "rsa4096"
	case KeyTypeED25519:
		return "ed25519"
	default:
		return "unknown"
	}
}

// SignatureMethod identifies a signing scheme named in the wire format
// (spec §6).
type SignatureMethod string

const (
	MethodRSASSAPSSSHA256 SignatureMethod = "rsassa-pss-sha256"
	MethodED25519         SignatureMethod = "ed25519"
)

// PublicKey is a key known to a Root, identified by the lowercase hex
// SHA-256 of the canonical JSON serialization of
// {keytype, keyval:{public}}.
type PublicKey struct {
	Type     KeyType
	Material []byte // raw key material, algorithm-dependent encoding
	KeyID    string
}

// Hash is a named digest of some byte string.
type HashAlgorithm string

const (
	HashSHA256 HashAlgorithm = "sha256"
	HashSHA512 HashAlgorithm = "sha512"
)

type Hash struct {
	Algorithm HashAlgorithm
	HexDigest string
}

// EcuSerial uniquely identifies one ECU on this device.
type EcuSerial string

// HardwareId names a hardware variant an ECU serial is expected to match.
type HardwareId string

// TargetType distinguishes the install mechanism a Target expects.
type TargetType int

const (
	TargetTypeUnknown TargetType = iota
	TargetTypeBinary
	TargetTypeOSTree
)

// TargetCustom is the `custom` field of a Target as emitted by the
// Director repository: which ECUs it's destined for, and how to fetch/
// install it.
type TargetCustom struct {
	Ecus map[EcuSerial]HardwareId
	URI  string
	Type TargetType
}

// Target describes one firmware/software image named by a Targets role.
type Target struct {
	Filename string
	Length   int64
	Hashes   []Hash
	Custom   TargetCustom
}

// HashOf returns the Hash for the given algorithm, if present.
func (t Target) HashOf(alg HashAlgorithm) (Hash, bool) {
	for _, h := range t.Hashes {
		if h.Algorithm == alg {
			return h, true
		}
	}
	return Hash{}, false
}

// SameContent reports whether two targets describe byte-identical content:
// same length and an identical (non-empty) intersection of hash values for
// every algorithm both declare.
func (t Target) SameContent(o Target) bool {
	if t.Length != o.Length {
		return false
	}
	if len(t.Hashes) == 0 || len(o.Hashes) == 0 {
		return false
	}
	matched := 0
	for _, h := range t.Hashes {
		oh, ok := o.HashOf(h.Algorithm)
		if !ok {
			continue
		}
		if oh.HexDigest != h.HexDigest {
			return false
		}
		matched++
	}
	return matched > 0
}

func (t Target) String() string {
	return fmt.Sprintf("%s (%d bytes, %d hashes)", t.Filename, t.Length, len(t.Hashes))
}
