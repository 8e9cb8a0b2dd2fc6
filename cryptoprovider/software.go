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

package cryptoprovider

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"io"
	"sync"

	"github.com/uptaneclient/primary/api"
)

// SoftwareProvider keeps private keys in process memory, PEM-encoded,
// the same shape as the teacher's internal/crypto.Claimant (priv/pub PEM
// strings), generalized to hold many named keys and both RSA and Ed25519.
type SoftwareProvider struct {
	mu   sync.RWMutex
	priv map[string]crypto.Signer // keyID -> private key
}

func NewSoftwareProvider() *SoftwareProvider {
	return &SoftwareProvider{priv: make(map[string]crypto.Signer)}
}

// ImportRSAPEM decodes a PKCS#1 RSA private key and registers it under
// its Uptane key-id, returning the PublicKey record.
func (p *SoftwareProvider) ImportRSAPEM(pemBytes []byte, bits int) (api.PublicKey, error) {
	blk, _ := pem.Decode(pemBytes)
	if blk == nil {
		return api.PublicKey{}, fmt.Errorf("cryptoprovider: no PEM block found")
	}
	key, err := x509.ParsePKCS1PrivateKey(blk.Bytes)
	if err != nil {
		return api.PublicKey{}, fmt.Errorf("cryptoprovider: parse RSA key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return api.PublicKey{}, fmt.Errorf("cryptoprovider: marshal RSA public key: %w", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	kt := api.KeyTypeRSA2048
	if bits >= 4096 {
		kt = api.KeyTypeRSA4096
	}
	kid, err := KeyID(kt.String(), string(pubPEM))
	if err != nil {
		return api.PublicKey{}, err
	}
	p.mu.Lock()
	p.priv[kid] = key
	p.mu.Unlock()
	return api.PublicKey{Type: kt, Material: pubPEM, KeyID: kid}, nil
}

// ImportEd25519 registers a raw Ed25519 private key and returns its
// PublicKey record.
func (p *SoftwareProvider) ImportEd25519(priv ed25519.PrivateKey) (api.PublicKey, error) {
	pub := priv.Public().(ed25519.PublicKey)
	hexPub := fmt.Sprintf("%x", []byte(pub))
	kid, err := KeyID(api.KeyTypeED25519.String(), hexPub)
	if err != nil {
		return api.PublicKey{}, err
	}
	p.mu.Lock()
	p.priv[kid] = signerFunc{priv}
	p.mu.Unlock()
	return api.PublicKey{Type: api.KeyTypeED25519, Material: []byte(hexPub), KeyID: kid}, nil
}

type signerFunc struct{ k ed25519.PrivateKey }

func (s signerFunc) Public() crypto.PublicKey { return s.k.Public() }
func (s signerFunc) Sign(rand io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	return ed25519.Sign(s.k, digest), nil
}

// Sign implements Provider.
func (p *SoftwareProvider) Sign(keyID string, msg []byte) (api.SignatureMethod, []byte, error) {
	p.mu.RLock()
	signer, ok := p.priv[keyID]
	p.mu.RUnlock()
	if !ok {
		return "", nil, fmt.Errorf("cryptoprovider: no private key for %q", keyID)
	}
	switch k := signer.(type) {
	case *rsa.PrivateKey:
		h := sha256.Sum256(msg)
		sig, err := rsa.SignPSS(rand.Reader, k, crypto.SHA256, h[:], &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: crypto.SHA256})
		if err != nil {
			return "", nil, fmt.Errorf("cryptoprovider: rsa-pss sign: %w", err)
		}
		return api.MethodRSASSAPSSSHA256, sig, nil
	case signerFunc:
		sig, err := k.Sign(rand.Reader, msg, crypto.Hash(0))
		if err != nil {
			return "", nil, fmt.Errorf("cryptoprovider: ed25519 sign: %w", err)
		}
		return api.MethodED25519, sig, nil
	default:
		return "", nil, fmt.Errorf("cryptoprovider: unsupported key type for %q", keyID)
	}
}

// VerifySignature implements Provider. It dispatches purely on
// key.Type/method; the actual key material is never mutated, so this
// never needs p.mu.
func (p *SoftwareProvider) VerifySignature(key api.PublicKey, method api.SignatureMethod, msg, sig []byte) error {
	switch method {
	case api.MethodED25519:
		if key.Type != api.KeyTypeED25519 {
			return fmt.Errorf("cryptoprovider: method ed25519 used with key type %v", key.Type)
		}
		pub, err := ed25519PublicFromHex(string(key.Material))
		if err != nil {
			return err
		}
		if !ed25519.Verify(pub, msg, sig) {
			return fmt.Errorf("cryptoprovider: ed25519 signature verification failed")
		}
		return nil
	case api.MethodRSASSAPSSSHA256:
		blk, _ := pem.Decode(key.Material)
		if blk == nil {
			return fmt.Errorf("cryptoprovider: rsa public key is not PEM")
		}
		pubAny, err := x509.ParsePKIXPublicKey(blk.Bytes)
		if err != nil {
			return fmt.Errorf("cryptoprovider: parse rsa public key: %w", err)
		}
		pub, ok := pubAny.(*rsa.PublicKey)
		if !ok {
			return fmt.Errorf("cryptoprovider: key is not RSA")
		}
		h := sha256.Sum256(msg)
		if err := rsa.VerifyPSS(pub, crypto.SHA256, h[:], sig, &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: crypto.SHA256}); err != nil {
			return fmt.Errorf("cryptoprovider: rsa-pss verification failed: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("cryptoprovider: unsupported signature method %q", method)
	}
}

func (p *SoftwareProvider) Hash(alg api.HashAlgorithm, data []byte) (string, error) {
	return HashBytes(alg, data)
}

func ed25519PublicFromHex(s string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("cryptoprovider: decode ed25519 public key: %w", err)
	}
	return ed25519.PublicKey(raw), nil
}

var _ Provider = (*SoftwareProvider)(nil)
