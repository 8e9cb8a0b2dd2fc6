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
	"crypto/ed25519"
	"encoding/base64"
	"testing"

	"github.com/uptaneclient/primary/api"
	"github.com/uptaneclient/primary/cryptoprovider"
	"github.com/uptaneclient/primary/internal/flowcontrol"
)

func newVirtualForTest(t *testing.T) *Virtual {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey() err = %v", err)
	}
	crypto := cryptoprovider.NewSoftwareProvider()
	pub, err := crypto.ImportEd25519(priv)
	if err != nil {
		t.Fatalf("ImportEd25519() err = %v", err)
	}
	return NewVirtual("SECONDARY1", "big-board-v2", pub, crypto)
}

func TestVirtualSecondaryIdentity(t *testing.T) {
	v := newVirtualForTest(t)
	token := flowcontrol.Background()
	ctx := context.Background()

	serial, err := v.GetSerial(ctx, token)
	if err != nil || serial != "SECONDARY1" {
		t.Errorf("GetSerial() = %q, %v", serial, err)
	}
	hw, err := v.GetHwID(ctx, token)
	if err != nil || hw != "big-board-v2" {
		t.Errorf("GetHwID() = %q, %v", hw, err)
	}
}

// TestVirtualSecondaryManifestVerifiesAgainstItsOwnKey exercises spec
// §4.4 put_manifest's "re-verified against the Secondary's known public
// key before inclusion" requirement from the engine's side: the manifest
// a Virtual Secondary produces must actually verify.
func TestVirtualSecondaryManifestVerifiesAgainstItsOwnKey(t *testing.T) {
	v := newVirtualForTest(t)
	token := flowcontrol.Background()
	ctx := context.Background()

	v.SetInstalled(api.Target{Filename: "fw.bin", Length: 10})

	m, err := v.GetManifest(ctx, token)
	if err != nil {
		t.Fatalf("GetManifest() err = %v", err)
	}
	if m.Installed.Filename != "fw.bin" {
		t.Errorf("GetManifest().Installed = %+v", m.Installed)
	}
	pub, err := v.GetPublicKey(ctx, token)
	if err != nil {
		t.Fatalf("GetPublicKey() err = %v", err)
	}
	sig, err := base64.StdEncoding.DecodeString(m.Signature.Sig)
	if err != nil {
		t.Fatalf("decode signature: %v", err)
	}
	if err := v.crypto.VerifySignature(pub, m.Signature.Method, m.SignedBody, sig); err != nil {
		t.Errorf("manifest signature does not verify against the Secondary's own key: %v", err)
	}
}

func TestVirtualSecondaryRootRotationBumpsVersion(t *testing.T) {
	v := newVirtualForTest(t)
	token := flowcontrol.Background()
	ctx := context.Background()

	if err := v.PutRoot(ctx, token, []byte(`{}`), true); err != nil {
		t.Fatalf("PutRoot() err = %v", err)
	}
	got, err := v.GetRootVersion(ctx, token, api.RepositoryDirector)
	if err != nil || got != 1 {
		t.Errorf("GetRootVersion(director) = %d, %v, want 1", got, err)
	}
	if got, _ := v.GetRootVersion(ctx, token, api.RepositoryImage); got != 0 {
		t.Errorf("GetRootVersion(image) = %d, want 0 (unaffected)", got)
	}
}

func TestVirtualSecondaryFirmwareRecordsResult(t *testing.T) {
	v := newVirtualForTest(t)
	token := flowcontrol.Background()
	ctx := context.Background()

	if err := v.SendFirmware(ctx, token, []byte("firmware-bytes")); err != nil {
		t.Fatalf("SendFirmware() err = %v", err)
	}
	if string(v.LastFirmware()) != "firmware-bytes" {
		t.Errorf("LastFirmware() = %q", v.LastFirmware())
	}
	m, err := v.GetManifest(ctx, token)
	if err != nil {
		t.Fatalf("GetManifest() err = %v", err)
	}
	if m.Result == nil || m.Result.Code != api.InstallOk {
		t.Errorf("GetManifest().Result = %+v, want InstallOk", m.Result)
	}
}
