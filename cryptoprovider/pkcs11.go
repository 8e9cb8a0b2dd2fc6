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
	"fmt"
	"sync"

	"github.com/uptaneclient/primary/api"
	"github.com/uptaneclient/primary/internal/pkcs11engine"
)

// TokenSigner is the narrow operation a PKCS#11 module exposes: sign a
// digest using the private key named by a Pkcs11URI, without the key
// material ever leaving the token. A real build wires this to a cgo
// PKCS#11 binding; tests inject a stub.
type TokenSigner func(uri api.Pkcs11URI, method api.SignatureMethod, msg []byte) ([]byte, error)

// Pkcs11Provider is a Provider whose private keys live behind a
// hardware token, referenced by URI (spec §6, §9) rather than held in
// process memory. It never materializes private key bytes; Sign always
// goes back out to the token via TokenSigner. Public-key verification
// needs no token access and is handled identically to SoftwareProvider.
type Pkcs11Provider struct {
	mu      sync.RWMutex
	pub     map[string]api.PublicKey // keyID -> public half (known without the token)
	uris    map[string]api.Pkcs11URI // keyID -> token reference
	sign    TokenSigner
	methods map[string]api.SignatureMethod // keyID -> method that key uses

	handle *pkcs11engine.Handle
}

// NewPkcs11Provider acquires the process-wide engine handle (spec §9's
// "scoped acquisition of a single logical resource") and returns a
// Provider backed by it. Callers must call Close when done so the
// handle is released and, if this was the last holder, the engine is
// torn down.
func NewPkcs11Provider(sign TokenSigner) (*Pkcs11Provider, error) {
	h, err := pkcs11engine.Acquire()
	if err != nil {
		return nil, fmt.Errorf("cryptoprovider: acquire pkcs11 engine: %w", err)
	}
	return &Pkcs11Provider{
		pub:     map[string]api.PublicKey{},
		uris:    map[string]api.Pkcs11URI{},
		methods: map[string]api.SignatureMethod{},
		sign:    sign,
		handle:  h,
	}, nil
}

// Close releases this provider's hold on the process-wide engine
// handle.
func (p *Pkcs11Provider) Close() {
	p.handle.Release()
}

// RegisterKey associates a key-id with its public half and a token URI
// where the private half lives.
func (p *Pkcs11Provider) RegisterKey(key api.PublicKey, method api.SignatureMethod, uri api.Pkcs11URI) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pub[key.KeyID] = key
	p.uris[key.KeyID] = uri
	p.methods[key.KeyID] = method
}

func (p *Pkcs11Provider) Sign(keyID string, msg []byte) (api.SignatureMethod, []byte, error) {
	p.mu.RLock()
	uri, ok := p.uris[keyID]
	method := p.methods[keyID]
	p.mu.RUnlock()
	if !ok {
		return "", nil, fmt.Errorf("cryptoprovider: no pkcs11 reference for key %q", keyID)
	}
	if p.sign == nil {
		return "", nil, fmt.Errorf("cryptoprovider: no token signer configured")
	}
	sig, err := p.sign(uri, method, msg)
	if err != nil {
		return "", nil, fmt.Errorf("cryptoprovider: token sign with %s: %w", uri, err)
	}
	return method, sig, nil
}

// VerifySignature needs no token access: public-key verification is
// identical regardless of where the private key lives.
func (p *Pkcs11Provider) VerifySignature(key api.PublicKey, method api.SignatureMethod, msg, sig []byte) error {
	sw := &SoftwareProvider{}
	return sw.VerifySignature(key, method, msg, sig)
}

func (p *Pkcs11Provider) Hash(alg api.HashAlgorithm, data []byte) (string, error) {
	return HashBytes(alg, data)
}

var _ Provider = (*Pkcs11Provider)(nil)
