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

package secondary

import (
	"context"
	"sync"

	"github.com/uptaneclient/primary/api"
	"github.com/uptaneclient/primary/cryptoprovider"
	"github.com/uptaneclient/primary/internal/flowcontrol"
)

// Virtual is an in-process reference Secondary used by tests and the
// cmd/secondary-emulator demo binary, the way the teacher's dummy
// device package is a fake used by the flash tool and its tests.
type Virtual struct {
	mu sync.Mutex

	serial api.EcuSerial
	hwID   api.HardwareId
	pubKey api.PublicKey
	crypto cryptoprovider.Provider

	rootVersions map[api.RepositoryKind]int
	installed    api.Target
	lastResult   *api.InstallationResult
	lastMeta     api.RawMetaPack
	lastFirmware []byte
}

var _ Secondary = (*Virtual)(nil)

// NewVirtual constructs a Virtual Secondary with the given identity.
func NewVirtual(serial api.EcuSerial, hwID api.HardwareId, pubKey api.PublicKey, crypto cryptoprovider.Provider) *Virtual {
	return &Virtual{
		serial:       serial,
		hwID:         hwID,
		pubKey:       pubKey,
		crypto:       crypto,
		rootVersions: map[api.RepositoryKind]int{},
	}
}

func (v *Virtual) Kind() Kind { return KindVirtual }

func (v *Virtual) GetSerial(ctx context.Context, token flowcontrol.Token) (api.EcuSerial, error) {
	return v.serial, nil
}

func (v *Virtual) GetHwID(ctx context.Context, token flowcontrol.Token) (api.HardwareId, error) {
	return v.hwID, nil
}

func (v *Virtual) GetPublicKey(ctx context.Context, token flowcontrol.Token) (api.PublicKey, error) {
	return v.pubKey, nil
}

func (v *Virtual) GetManifest(ctx context.Context, token flowcontrol.Token) (api.EcuManifest, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	m := api.EcuManifest{
		EcuSerial: v.serial,
		Installed: v.installed,
		Result:    v.lastResult,
	}
	body, err := cryptoSignableBody(m)
	if err != nil {
		return api.EcuManifest{}, err
	}
	method, sig, err := v.crypto.Sign(v.pubKey.KeyID, body)
	if err != nil {
		return api.EcuManifest{}, api.WrapError(api.ErrCrypto, err, "virtual secondary %s: sign manifest", v.serial)
	}
	m.SignedBody = body
	m.Signature = api.Signature{KeyID: v.pubKey.KeyID, Method: method, Sig: encodeBase64(sig)}
	return m, nil
}

func (v *Virtual) GetRootVersion(ctx context.Context, token flowcontrol.Token, repo api.RepositoryKind) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.rootVersions[repo], nil
}

func (v *Virtual) PutRoot(ctx context.Context, token flowcontrol.Token, raw []byte, isDirector bool) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	kind := api.RepositoryImage
	if isDirector {
		kind = api.RepositoryDirector
	}
	v.rootVersions[kind]++
	return nil
}

func (v *Virtual) PutMetadata(ctx context.Context, token flowcontrol.Token, pack api.RawMetaPack) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.lastMeta = pack
	return nil
}

func (v *Virtual) SendFirmware(ctx context.Context, token flowcontrol.Token, payload []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.lastFirmware = append([]byte(nil), payload...)
	v.lastResult = &api.InstallationResult{ID: string(v.serial), Code: api.InstallOk, Description: "applied by virtual secondary"}
	return nil
}

// SetInstalled lets tests seed what the Virtual Secondary reports as
// currently installed.
func (v *Virtual) SetInstalled(t api.Target) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.installed = t
}

// LastFirmware returns the most recently received firmware payload, for
// test assertions.
func (v *Virtual) LastFirmware() []byte {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.lastFirmware
}
