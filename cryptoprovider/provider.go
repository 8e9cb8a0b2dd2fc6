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

// Package cryptoprovider is the reference implementation of the
// CryptoProvider external collaborator (spec §2, §4): signing, signature
// verification, hashing, and importing existing keys (RSA keys are
// parsed from PEM via crypto/x509). It does not generate keys. The core
// Uptane state machine never touches crypto.rand or an HSM directly; it
// only calls through this interface, the way the teacher's
// internal/crypto.Claimant is the single place RSA-PSS signing happens.
package cryptoprovider

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"

	"github.com/uptaneclient/primary/api"
	"github.com/uptaneclient/primary/canonicaljson"
)

// Provider is everything the core needs from the cryptography layer.
type Provider interface {
	// VerifySignature checks that sig (base64-decoded by the caller's
	// wire layer, passed here raw) verifies over msg using method.
	VerifySignature(key api.PublicKey, method api.SignatureMethod, msg, sig []byte) error
	// Sign produces a signature over msg using keyID's private
	// material, which may live in software or behind a PKCS#11 token.
	Sign(keyID string, msg []byte) (api.SignatureMethod, []byte, error)
	// Hash computes a named digest over data.
	Hash(alg api.HashAlgorithm, data []byte) (string, error)
}

// KeyID computes the Uptane key-id for a public key: the lowercase hex
// SHA-256 of the canonical JSON of {keytype, keyval:{public}} (spec §3,
// §6, §8 property 3).
func KeyID(keyType string, publicMaterial string) (string, error) {
	b, err := canonicaljson.Marshal(api.WireKey{
		KeyType: keyType,
		KeyVal:  api.KeyVal{Public: publicMaterial},
	})
	if err != nil {
		return "", fmt.Errorf("cryptoprovider: canonicalize key: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// HashBytes computes a named digest over data without going through a
// Provider; used by components (Fetcher, PackageDriver) that only need
// hashing, never signing, and so don't need the full interface.
func HashBytes(alg api.HashAlgorithm, data []byte) (string, error) {
	switch alg {
	case api.HashSHA256:
		sum := sha256.Sum256(data)
		return hex.EncodeToString(sum[:]), nil
	case api.HashSHA512:
		sum := sha512.Sum512(data)
		return hex.EncodeToString(sum[:]), nil
	default:
		return "", fmt.Errorf("cryptoprovider: unsupported hash algorithm %q", alg)
	}
}
