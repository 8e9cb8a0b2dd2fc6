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

package uptane

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/uptaneclient/primary/api"
	"github.com/uptaneclient/primary/canonicaljson"
	"github.com/uptaneclient/primary/cryptoprovider"
)

// testFixture builds a self-consistent chain of signed Root/Timestamp/
// Snapshot/Targets bodies using a single in-memory SoftwareProvider, the
// way the engine would see them come off the wire.
type testFixture struct {
	t      *testing.T
	crypto *cryptoprovider.SoftwareProvider
	keys   map[string]api.PublicKey // label -> key
}

func newFixture(t *testing.T) *testFixture {
	t.Helper()
	return &testFixture{t: t, crypto: cryptoprovider.NewSoftwareProvider(), keys: map[string]api.PublicKey{}}
}

func (f *testFixture) newKey(label string) api.PublicKey {
	f.t.Helper()
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		f.t.Fatalf("GenerateKey() err = %v", err)
	}
	pk, err := f.crypto.ImportEd25519(priv)
	if err != nil {
		f.t.Fatalf("ImportEd25519() err = %v", err)
	}
	f.keys[label] = pk
	return pk
}

// sign canonicalizes body, signs it with each of signers, and returns
// the full wire envelope bytes.
func (f *testFixture) sign(body interface{}, signers ...string) []byte {
	f.t.Helper()
	canon, err := canonicaljson.Marshal(body)
	if err != nil {
		f.t.Fatalf("Marshal() err = %v", err)
	}
	sigs := make([]api.Signature, 0, len(signers))
	for _, label := range signers {
		key := f.keys[label]
		method, sig, err := f.crypto.Sign(key.KeyID, canon)
		if err != nil {
			f.t.Fatalf("Sign(%s) err = %v", label, err)
		}
		sigs = append(sigs, api.Signature{KeyID: key.KeyID, Method: method, Sig: base64.StdEncoding.EncodeToString(sig)})
	}
	env := api.SignedMeta{Signed: json.RawMessage(canon), Signatures: sigs}
	out, err := json.Marshal(env)
	if err != nil {
		f.t.Fatalf("marshal envelope err = %v", err)
	}
	return out
}

// signRaw signs rawSigned's exact bytes, preserving its key order in the
// returned envelope's "signed" field, unlike sign (which always
// canonicalizes body first and so always emits sorted keys). Used to
// exercise wire-order preservation.
func (f *testFixture) signRaw(rawSigned string, signers ...string) []byte {
	f.t.Helper()
	canon, err := canonicaljson.MarshalRaw(json.RawMessage(rawSigned))
	if err != nil {
		f.t.Fatalf("MarshalRaw() err = %v", err)
	}
	sigs := make([]api.Signature, 0, len(signers))
	for _, label := range signers {
		key := f.keys[label]
		method, sig, err := f.crypto.Sign(key.KeyID, canon)
		if err != nil {
			f.t.Fatalf("Sign(%s) err = %v", label, err)
		}
		sigs = append(sigs, api.Signature{KeyID: key.KeyID, Method: method, Sig: base64.StdEncoding.EncodeToString(sig)})
	}
	env := api.SignedMeta{Signed: json.RawMessage(rawSigned), Signatures: sigs}
	out, err := json.Marshal(env)
	if err != nil {
		f.t.Fatalf("marshal envelope err = %v", err)
	}
	return out
}

func (f *testFixture) rootSigned(version int, expires time.Time, keyLabels ...string) api.RootSigned {
	keys := map[string]api.WireKey{}
	ids := make([]string, 0, len(keyLabels))
	for _, l := range keyLabels {
		k := f.keys[l]
		keys[k.KeyID] = api.WireKey{KeyType: k.Type.String(), KeyVal: api.KeyVal{Public: string(k.Material)}}
		ids = append(ids, k.KeyID)
	}
	return api.RootSigned{
		Type:    "Root",
		Version: version,
		Expires: expires,
		Keys:    keys,
		Roles: map[string]api.WireRole{
			"root":      {KeyIDs: ids, Threshold: 1},
			"timestamp": {KeyIDs: ids, Threshold: 1},
			"snapshot":  {KeyIDs: ids, Threshold: 1},
			"targets":   {KeyIDs: ids, Threshold: 1},
		},
	}
}

var future = time.Date(2999, 1, 1, 0, 0, 0, 0, time.UTC)
var past = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestInitRootAcceptsFirstRootUnconditionally(t *testing.T) {
	f := newFixture(t)
	f.newKey("root1")
	raw := f.sign(f.rootSigned(1, future, "root1"), "root1")

	repo := New(api.RepositoryDirector, f.crypto, fixedClock(past))
	if err := repo.InitRoot(raw); err != nil {
		t.Fatalf("InitRoot() err = %v, want nil", err)
	}
	if v := repo.RootVersion(); v != 1 {
		t.Errorf("RootVersion() = %d, want 1", v)
	}
}

func TestInitRootRejectsUnderThreshold(t *testing.T) {
	f := newFixture(t)
	f.newKey("root1")
	f.newKey("decoy")
	body := f.rootSigned(1, future, "root1")
	raw := f.sign(body, "decoy") // decoy is not in the declared key set at all... actually is not referenced

	repo := New(api.RepositoryDirector, f.crypto, fixedClock(past))
	if err := repo.InitRoot(raw); err == nil {
		t.Fatal("InitRoot() err = nil, want error")
	} else if api.KindOf(err) != api.ErrBadThreshold {
		t.Errorf("InitRoot() kind = %v, want ErrBadThreshold", api.KindOf(err))
	}
}

func TestVerifyRootRotationRequiresBothKeySets(t *testing.T) {
	f := newFixture(t)
	f.newKey("root1")
	f.newKey("root2")
	raw1 := f.sign(f.rootSigned(1, future, "root1"), "root1")

	repo := New(api.RepositoryDirector, f.crypto, fixedClock(past))
	if err := repo.InitRoot(raw1); err != nil {
		t.Fatalf("InitRoot() err = %v", err)
	}

	// v2 signed only by the new key set: must fail (old threshold not met).
	v2OnlyNew := f.sign(f.rootSigned(2, future, "root2"), "root2")
	if err := repo.VerifyRoot(v2OnlyNew); err == nil {
		t.Fatal("VerifyRoot() with only new key set succeeded, want error")
	}

	// v2 signed by both: must succeed and invalidate non-root state.
	v2Both := f.sign(f.rootSigned(2, future, "root2"), "root1", "root2")
	if err := repo.VerifyRoot(v2Both); err != nil {
		t.Fatalf("VerifyRoot() with both key sets err = %v, want nil", err)
	}
	if v := repo.RootVersion(); v != 2 {
		t.Errorf("RootVersion() = %d, want 2", v)
	}
}

func TestVerifyRootRejectsNonSequentialVersion(t *testing.T) {
	f := newFixture(t)
	f.newKey("root1")
	raw1 := f.sign(f.rootSigned(1, future, "root1"), "root1")
	repo := New(api.RepositoryDirector, f.crypto, fixedClock(past))
	if err := repo.InitRoot(raw1); err != nil {
		t.Fatalf("InitRoot() err = %v", err)
	}
	skip := f.sign(f.rootSigned(3, future, "root1"), "root1")
	if err := repo.VerifyRoot(skip); api.KindOf(err) != api.ErrVersionOutOfOrder {
		t.Errorf("VerifyRoot() kind = %v, want ErrVersionOutOfOrder", api.KindOf(err))
	}
}

func TestVerifyRootRejectsExpired(t *testing.T) {
	f := newFixture(t)
	f.newKey("root1")
	raw1 := f.sign(f.rootSigned(1, future, "root1"), "root1")
	repo := New(api.RepositoryDirector, f.crypto, fixedClock(future.Add(time.Hour)))
	if err := repo.InitRoot(raw1); err != nil {
		t.Fatalf("InitRoot() err = %v", err)
	}
	v2 := f.sign(f.rootSigned(2, future, "root1"), "root1", "root1")
	if err := repo.VerifyRoot(v2); api.KindOf(err) != api.ErrExpiredMetadata {
		t.Errorf("VerifyRoot() kind = %v, want ErrExpiredMetadata (S7)", api.KindOf(err))
	}
}

// buildChain signs a full Root -> Timestamp -> Snapshot -> Targets chain
// and returns the repository with it trusted, plus a helper to build a
// fresh Targets body at a chosen version.
func (f *testFixture) buildChain(t *testing.T, targetsVersion int, targetFiles map[string]api.WireTarget) (*Repository, []byte) {
	t.Helper()
	f.newKey("root")
	rootRaw := f.sign(f.rootSigned(1, future, "root"), "root")
	repo := New(api.RepositoryDirector, f.crypto, fixedClock(past))
	if err := repo.InitRoot(rootRaw); err != nil {
		t.Fatalf("InitRoot() err = %v", err)
	}

	targetsBody := api.TargetsSigned{Type: "Targets", Version: targetsVersion, Expires: future, Targets: targetFiles}
	targetsRaw := f.sign(targetsBody, "root")

	snapBody := api.SnapshotSigned{
		Type: "Snapshot", Version: 1, Expires: future,
		Meta: map[string]api.SnapshotMeta{"targets.json": {Version: targetsVersion}},
	}
	snapRaw := f.sign(snapBody, "root")

	snapHash, err := cryptoprovider.HashBytes(api.HashSHA256, snapRaw)
	if err != nil {
		t.Fatalf("HashBytes() err = %v", err)
	}
	tsBody := api.TimestampSigned{
		Type: "Timestamp", Version: 1, Expires: future,
		Meta: map[string]api.TimestampMeta{"snapshot.json": {Length: int64(len(snapRaw)), Hashes: map[string]string{"sha256": snapHash}, Version: 1}},
	}
	tsRaw := f.sign(tsBody, "root")

	if err := repo.VerifyTimestamp(tsRaw); err != nil {
		t.Fatalf("VerifyTimestamp() err = %v", err)
	}
	if err := repo.VerifySnapshot(snapRaw); err != nil {
		t.Fatalf("VerifySnapshot() err = %v", err)
	}
	if err := repo.VerifyTargets(targetsRaw); err != nil {
		t.Fatalf("VerifyTargets() err = %v", err)
	}
	return repo, targetsRaw
}

func TestFullChainTrustsTargets(t *testing.T) {
	f := newFixture(t)
	files := map[string]api.WireTarget{
		"firmware.bin": {Length: 10, Hashes: map[string]string{"sha256": "deadbeef"}},
	}
	repo, _ := f.buildChain(t, 7, files)
	got := repo.Targets()
	if len(got) != 1 || got[0].Filename != "firmware.bin" {
		t.Fatalf("Targets() = %+v, want one firmware.bin entry", got)
	}
}

// TestTargetsPreserveDirectorDeclaredOrder is grounded on spec §4.3's
// "Order is preserved from the Director". It hand-writes the signed
// JSON text rather than going through api.TargetsSigned, whose
// map[string]WireTarget field always marshals back out in sorted key
// order regardless of the map literal's source order, so it cannot
// exercise a non-alphabetical wire declaration the way a real Director
// can.
func TestTargetsPreserveDirectorDeclaredOrder(t *testing.T) {
	f := newFixture(t)
	f.newKey("root")
	rootRaw := f.sign(f.rootSigned(1, future, "root"), "root")
	repo := New(api.RepositoryDirector, f.crypto, fixedClock(past))
	if err := repo.InitRoot(rootRaw); err != nil {
		t.Fatalf("InitRoot() err = %v", err)
	}

	rawSigned := `{"_type":"Targets","version":1,"expires":"2999-01-01T00:00:00Z",` +
		`"targets":{"zebra.bin":{"length":10,"hashes":{"sha256":"aaaa"}},` +
		`"alpha.bin":{"length":20,"hashes":{"sha256":"bbbb"}}}}`
	targetsRaw := f.signRaw(rawSigned, "root")

	snapBody := api.SnapshotSigned{
		Type: "Snapshot", Version: 1, Expires: future,
		Meta: map[string]api.SnapshotMeta{"targets.json": {Version: 1}},
	}
	snapRaw := f.sign(snapBody, "root")

	snapHash, err := cryptoprovider.HashBytes(api.HashSHA256, snapRaw)
	if err != nil {
		t.Fatalf("HashBytes() err = %v", err)
	}
	tsBody := api.TimestampSigned{
		Type: "Timestamp", Version: 1, Expires: future,
		Meta: map[string]api.TimestampMeta{"snapshot.json": {Length: int64(len(snapRaw)), Hashes: map[string]string{"sha256": snapHash}, Version: 1}},
	}
	tsRaw := f.sign(tsBody, "root")

	if err := repo.VerifyTimestamp(tsRaw); err != nil {
		t.Fatalf("VerifyTimestamp() err = %v", err)
	}
	if err := repo.VerifySnapshot(snapRaw); err != nil {
		t.Fatalf("VerifySnapshot() err = %v", err)
	}
	if err := repo.VerifyTargets(targetsRaw); err != nil {
		t.Fatalf("VerifyTargets() err = %v", err)
	}

	got := repo.Targets()
	if len(got) != 2 || got[0].Filename != "zebra.bin" || got[1].Filename != "alpha.bin" {
		t.Fatalf("Targets() = %+v, want [zebra.bin, alpha.bin] preserving declared (non-alphabetical) order", got)
	}
}

// TestRollbackRejection is scenario S4 from spec §8: once version 7 is
// trusted, a fetched version 6 must be rejected and the trusted Targets
// left unchanged.
func TestRollbackRejection(t *testing.T) {
	f := newFixture(t)
	files := map[string]api.WireTarget{
		"firmware.bin": {Length: 10, Hashes: map[string]string{"sha256": "deadbeef"}},
	}
	repo, _ := f.buildChain(t, 7, files)

	// A new Targets claiming to be version 6 cannot even be signed into
	// the chain because Snapshot already committed to version 7; but to
	// exercise the Targets-level guard directly, build a lower-versioned
	// Targets body and expect VerifyTargets to reject the version
	// mismatch against the (still-v7) Snapshot expectation.
	lower := api.TargetsSigned{Type: "Targets", Version: 6, Expires: future, Targets: files}
	lowerRaw := f.sign(lower, "root")
	if err := repo.VerifyTargets(lowerRaw); api.KindOf(err) != api.ErrVersionOutOfOrder {
		t.Errorf("VerifyTargets() kind = %v, want ErrVersionOutOfOrder", api.KindOf(err))
	}
	got := repo.Targets()
	if len(got) != 1 || got[0].Filename != "firmware.bin" {
		t.Errorf("Targets() changed after rejected rollback: %+v", got)
	}
}

func TestVerifySnapshotRejectsHashMismatch(t *testing.T) {
	f := newFixture(t)
	f.newKey("root")
	rootRaw := f.sign(f.rootSigned(1, future, "root"), "root")
	repo := New(api.RepositoryImage, f.crypto, fixedClock(past))
	if err := repo.InitRoot(rootRaw); err != nil {
		t.Fatalf("InitRoot() err = %v", err)
	}
	snapBody := api.SnapshotSigned{Type: "Snapshot", Version: 1, Expires: future, Meta: map[string]api.SnapshotMeta{"targets.json": {Version: 1}}}
	snapRaw := f.sign(snapBody, "root")
	tsBody := api.TimestampSigned{
		Type: "Timestamp", Version: 1, Expires: future,
		Meta: map[string]api.TimestampMeta{"snapshot.json": {Length: int64(len(snapRaw)), Hashes: map[string]string{"sha256": "0000"}, Version: 1}},
	}
	tsRaw := f.sign(tsBody, "root")
	if err := repo.VerifyTimestamp(tsRaw); err != nil {
		t.Fatalf("VerifyTimestamp() err = %v", err)
	}
	if err := repo.VerifySnapshot(snapRaw); api.KindOf(err) != api.ErrHashMismatch {
		t.Errorf("VerifySnapshot() kind = %v, want ErrHashMismatch", api.KindOf(err))
	}
}

func TestResetMetaDropsNonRootState(t *testing.T) {
	f := newFixture(t)
	files := map[string]api.WireTarget{"f.bin": {Length: 1, Hashes: map[string]string{"sha256": "aa"}}}
	repo, _ := f.buildChain(t, 1, files)
	repo.ResetMeta()
	if got := repo.Targets(); len(got) != 0 {
		t.Errorf("Targets() after ResetMeta() = %+v, want empty", got)
	}
}
