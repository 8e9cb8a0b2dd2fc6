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

// Package uptane holds the verified metadata tree for one Uptane
// repository (Director or Image) and enforces the role state machine:
// Root continuity, monotonic versions, cross-role hash/version checks,
// and expiry. It is the sole place signature-threshold arithmetic
// happens; everything else in this repository treats a Repository as
// an opaque source of trusted Targets.
package uptane

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/uptaneclient/primary/api"
	"github.com/uptaneclient/primary/canonicaljson"
	"github.com/uptaneclient/primary/cryptoprovider"
)

// Repository holds the trust state for one RepositoryKind: the current
// Root and, once verified, the current Timestamp/Snapshot/Targets.
// Mutated only through InitRoot/VerifyRoot/VerifyTimestamp/VerifySnapshot/
// VerifyTargets/ResetMeta; every other accessor is read-only.
type Repository struct {
	kind     api.RepositoryKind
	crypto   cryptoprovider.Provider
	now      func() time.Time

	mu        sync.RWMutex
	root      *api.TrustedRoot
	timestamp *timestampState
	snapshot  *snapshotState
	targets   []api.Target
}

type timestampState struct {
	version      int
	expires      time.Time
	snapshotLen  int64
	snapshotHash map[string]string // alg -> hex digest
}

type snapshotState struct {
	version int
	expires time.Time
	meta    map[string]api.SnapshotMeta // role filename -> expectation
}

// New constructs an empty Repository for the given kind. now defaults to
// time.Now if nil; tests inject a fixed clock to exercise expiry.
func New(kind api.RepositoryKind, crypto cryptoprovider.Provider, now func() time.Time) *Repository {
	if now == nil {
		now = time.Now
	}
	return &Repository{kind: kind, crypto: crypto, now: now}
}

// Kind reports which repository (Director or Image) this instance holds.
func (r *Repository) Kind() api.RepositoryKind { return r.kind }

// HasRoot reports whether a Root has been accepted yet.
func (r *Repository) HasRoot() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.root != nil
}

// RootVersion returns the currently trusted Root version, or 0 if none.
func (r *Repository) RootVersion() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.root == nil {
		return 0
	}
	return r.root.Version
}

// InitRoot accepts the first Root unconditionally (spec §4.1, §3
// invariant "the initial Root is accepted unconditionally when no Root
// is stored"), requiring only that it is self-consistent: signed by the
// key set it itself declares, meeting its own threshold. No expiry
// check; the caller decides whether an expired initial Root is usable.
func (r *Repository) InitRoot(raw []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.root != nil {
		return api.NewError(api.ErrMetadataInvalid, "%s: root already initialized, use VerifyRoot", r.kind)
	}
	trusted, _, err := r.parseAndSelfVerifyRoot(raw)
	if err != nil {
		return err
	}
	r.root = trusted
	r.resetNonRootLocked()
	return nil
}

// VerifyRoot validates the next Root in the rotation chain (spec §4.1,
// §8 property 5): version must be exactly current+1, signed by the new
// key set at the new threshold AND by the old key set at the old
// threshold, and not expired at commit time. On success it replaces the
// current Root and invalidates all non-Root state (spec §3 invariant,
// §8 property 6).
func (r *Repository) VerifyRoot(raw []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.root == nil {
		return api.NewError(api.ErrMetadataInvalid, "%s: no root to rotate from, call InitRoot first", r.kind)
	}
	newTrusted, body, err := r.parseAndSelfVerifyRoot(raw)
	if err != nil {
		return err
	}
	if body.Version != r.root.Version+1 {
		return api.NewError(api.ErrVersionOutOfOrder, "%s: root version %d, want %d", r.kind, body.Version, r.root.Version+1)
	}
	// Cross-signed by the old key set at the old threshold.
	canon, err := canonicaljson.MarshalRaw(mustSignedBytes(raw))
	if err != nil {
		return api.WrapError(api.ErrParseError, err, "%s: canonicalize root.signed", r.kind)
	}
	sigs, err := decodeSignatures(raw)
	if err != nil {
		return err
	}
	if err := r.checkThresholdLocked(*r.root, api.RoleRoot, sigs, canon); err != nil {
		return fmt.Errorf("old root key set: %w", err)
	}
	if !r.now().Before(newTrusted.Expires) {
		return api.NewError(api.ErrExpiredMetadata, "%s: new root v%d expired at %s", r.kind, body.Version, newTrusted.Expires)
	}
	r.root = newTrusted
	r.resetNonRootLocked()
	glog.V(1).Infof("uptane: %s root rotated to v%d", r.kind, newTrusted.Version)
	return nil
}

// VerifyTimestamp validates a Timestamp against the current Root's
// role-to-keys mapping (spec §4.1): version must be strictly greater
// than any previously accepted Timestamp, signed to threshold, and not
// expired.
func (r *Repository) VerifyTimestamp(raw []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.root == nil {
		return api.NewError(api.ErrMetadataInvalid, "%s: no trusted root", r.kind)
	}
	var body api.TimestampSigned
	if _, err := r.verifyAgainstRoot(raw, api.RoleTimestamp, &body); err != nil {
		return err
	}
	if body.Type != "Timestamp" {
		return api.NewError(api.ErrParseError, "%s: expected _type Timestamp, got %q", r.kind, body.Type)
	}
	if r.timestamp != nil && body.Version <= r.timestamp.version {
		return api.NewError(api.ErrVersionOutOfOrder, "%s: timestamp version %d <= stored %d", r.kind, body.Version, r.timestamp.version)
	}
	if !r.now().Before(body.Expires) {
		return api.NewError(api.ErrExpiredMetadata, "%s: timestamp v%d expired at %s", r.kind, body.Version, body.Expires)
	}
	snapMeta, ok := body.Meta["snapshot.json"]
	if !ok {
		return api.NewError(api.ErrMetadataInvalid, "%s: timestamp missing snapshot.json entry", r.kind)
	}
	r.timestamp = &timestampState{
		version:      body.Version,
		expires:      body.Expires,
		snapshotLen:  snapMeta.Length,
		snapshotHash: snapMeta.Hashes,
	}
	// Accepting a new timestamp invalidates any snapshot/targets that
	// were verified against a stale timestamp commitment.
	r.snapshot = nil
	r.targets = nil
	return nil
}

// VerifySnapshot validates a Snapshot against both the current Root and
// the length/hash the current Timestamp committed to (spec §4.1).
func (r *Repository) VerifySnapshot(raw []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timestamp == nil {
		return api.NewError(api.ErrMetadataInvalid, "%s: no trusted timestamp", r.kind)
	}
	if got := int64(len(raw)); got != r.timestamp.snapshotLen {
		return api.NewError(api.ErrLengthMismatch, "%s: snapshot length %d, timestamp says %d", r.kind, got, r.timestamp.snapshotLen)
	}
	for alg, want := range r.timestamp.snapshotHash {
		got, err := r.crypto.Hash(api.HashAlgorithm(alg), raw)
		if err != nil {
			return api.WrapError(api.ErrCrypto, err, "%s: hash snapshot for %s", r.kind, alg)
		}
		if got != want {
			return api.NewError(api.ErrHashMismatch, "%s: snapshot hash mismatch for %s", r.kind, alg)
		}
	}
	var body api.SnapshotSigned
	if _, err := r.verifyAgainstRoot(raw, api.RoleSnapshot, &body); err != nil {
		return err
	}
	if body.Type != "Snapshot" {
		return api.NewError(api.ErrParseError, "%s: expected _type Snapshot, got %q", r.kind, body.Type)
	}
	if r.snapshot != nil && body.Version <= r.snapshot.version {
		return api.NewError(api.ErrVersionOutOfOrder, "%s: snapshot version %d <= stored %d", r.kind, body.Version, r.snapshot.version)
	}
	if !r.now().Before(body.Expires) {
		return api.NewError(api.ErrExpiredMetadata, "%s: snapshot v%d expired at %s", r.kind, body.Version, body.Expires)
	}
	r.snapshot = &snapshotState{version: body.Version, expires: body.Expires, meta: body.Meta}
	r.targets = nil
	return nil
}

// VerifyTargets validates a Targets role against the current Root and
// the version the current Snapshot expects (spec §4.1).
func (r *Repository) VerifyTargets(raw []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.snapshot == nil {
		return api.NewError(api.ErrMetadataInvalid, "%s: no trusted snapshot", r.kind)
	}
	expect, ok := r.snapshot.meta[api.RoleTargets.FileName()]
	if !ok {
		return api.NewError(api.ErrMetadataInvalid, "%s: snapshot has no targets.json entry", r.kind)
	}
	var body api.TargetsSigned
	if _, err := r.verifyAgainstRoot(raw, api.RoleTargets, &body); err != nil {
		return err
	}
	if body.Type != "Targets" {
		return api.NewError(api.ErrParseError, "%s: expected _type Targets, got %q", r.kind, body.Type)
	}
	if body.Version != expect.Version {
		return api.NewError(api.ErrVersionOutOfOrder, "%s: targets version %d, snapshot expects %d", r.kind, body.Version, expect.Version)
	}
	if !r.now().Before(body.Expires) {
		return api.NewError(api.ErrExpiredMetadata, "%s: targets v%d expired at %s", r.kind, body.Version, body.Expires)
	}
	targets, err := decodeTargets(body.Targets, raw)
	if err != nil {
		return err
	}
	r.targets = targets
	return nil
}

// Targets returns the currently trusted Targets list, empty if none is
// trusted (spec §4.1).
func (r *Repository) Targets() []api.Target {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]api.Target, len(r.targets))
	copy(out, r.targets)
	return out
}

// ResetMeta drops all non-Root state; used by the engine before an
// online iteration so that a fresh Root→Timestamp→Snapshot→Targets walk
// cannot accidentally observe stale intermediate state (spec §4.1).
func (r *Repository) ResetMeta() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetNonRootLocked()
}

func (r *Repository) resetNonRootLocked() {
	r.timestamp = nil
	r.snapshot = nil
	r.targets = nil
}

// verifyAgainstRoot canonicalizes raw's signed body, checks the
// threshold for role against the current Root, decodes the signed body
// into out, and returns the canonical bytes (callers that need them for
// further hashing reuse them instead of re-canonicalizing).
func (r *Repository) verifyAgainstRoot(raw []byte, role api.Role, out interface{}) ([]byte, error) {
	var env api.SignedMeta
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, api.WrapError(api.ErrParseError, err, "%s: parse %s envelope", r.kind, role)
	}
	canon, err := canonicaljson.MarshalRaw(env.Signed)
	if err != nil {
		return nil, api.WrapError(api.ErrParseError, err, "%s: canonicalize %s.signed", r.kind, role)
	}
	if err := r.checkThresholdLocked(*r.root, role, env.Signatures, canon); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(env.Signed, out); err != nil {
		return nil, api.WrapError(api.ErrParseError, err, "%s: parse %s body", r.kind, role)
	}
	return canon, nil
}

// checkThresholdLocked counts signatures that are both authorized by
// root for role and cryptographically valid over canon, and requires at
// least the role's threshold (spec §4.1, §8 property 5). Each key_id is
// counted at most once even if it appears twice in sigs.
func (r *Repository) checkThresholdLocked(root api.TrustedRoot, role api.Role, sigs []api.Signature, canon []byte) error {
	rk, ok := root.Roles[role]
	if !ok {
		return api.NewError(api.ErrRoleMismatch, "root has no role entry for %s", role)
	}
	if len(sigs) == 0 {
		return api.NewError(api.ErrMissingSignatures, "%s: no signatures present", role)
	}
	seen := make(map[string]bool)
	valid := 0
	for _, s := range sigs {
		if seen[s.KeyID] {
			continue
		}
		if !rk.KeyIDs[s.KeyID] {
			continue
		}
		key, ok := root.Keys[s.KeyID]
		if !ok {
			continue
		}
		sigBytes, err := decodeBase64(s.Sig)
		if err != nil {
			continue
		}
		if err := r.crypto.VerifySignature(key, s.Method, canon, sigBytes); err != nil {
			glog.V(2).Infof("uptane: signature by %s on %s rejected: %v", s.KeyID, role, err)
			continue
		}
		seen[s.KeyID] = true
		valid++
	}
	if valid < rk.Threshold {
		return api.NewError(api.ErrBadThreshold, "%s: %d of %d required signatures verified", role, valid, rk.Threshold)
	}
	return nil
}

// parseAndSelfVerifyRoot parses raw as a Root SignedMeta envelope and
// checks that it is self-consistent: signed by the key set and
// threshold it itself declares for the Root role. It does not check
// expiry or version continuity; callers do that.
func (r *Repository) parseAndSelfVerifyRoot(raw []byte) (*api.TrustedRoot, *api.RootSigned, error) {
	var env api.SignedMeta
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, nil, api.WrapError(api.ErrParseError, err, "%s: parse root envelope", r.kind)
	}
	var body api.RootSigned
	if err := json.Unmarshal(env.Signed, &body); err != nil {
		return nil, nil, api.WrapError(api.ErrParseError, err, "%s: parse root body", r.kind)
	}
	if body.Type != "Root" {
		return nil, nil, api.NewError(api.ErrParseError, "%s: expected _type Root, got %q", r.kind, body.Type)
	}
	trusted, err := rootSignedToTrusted(body)
	if err != nil {
		return nil, nil, err
	}
	canon, err := canonicaljson.MarshalRaw(env.Signed)
	if err != nil {
		return nil, nil, api.WrapError(api.ErrParseError, err, "%s: canonicalize root.signed", r.kind)
	}
	if err := r.checkThresholdLocked(*trusted, api.RoleRoot, env.Signatures, canon); err != nil {
		return nil, nil, fmt.Errorf("new root key set: %w", err)
	}
	return trusted, &body, nil
}

// rootSignedToTrusted projects the wire RootSigned into the in-memory
// TrustedRoot shape used by every other verify step.
func rootSignedToTrusted(body api.RootSigned) (*api.TrustedRoot, error) {
	keys := make(map[string]api.PublicKey, len(body.Keys))
	for keyID, wk := range body.Keys {
		kt := parseKeyType(wk.KeyType)
		keys[keyID] = api.PublicKey{Type: kt, Material: []byte(wk.KeyVal.Public), KeyID: keyID}
	}
	roles := make(map[api.Role]api.RoleKeys, len(body.Roles))
	for name, wr := range body.Roles {
		role := parseRoleName(name)
		if role == api.RoleUnknown {
			continue
		}
		if wr.Threshold < 1 {
			return nil, api.NewError(api.ErrBadThreshold, "root role %q has threshold %d", name, wr.Threshold)
		}
		ids := make(map[string]bool, len(wr.KeyIDs))
		for _, id := range wr.KeyIDs {
			if _, ok := keys[id]; !ok {
				return nil, api.NewError(api.ErrBadKeyID, "root role %q references unknown key %s", name, id)
			}
			ids[id] = true
		}
		roles[role] = api.RoleKeys{Threshold: wr.Threshold, KeyIDs: ids}
	}
	return &api.TrustedRoot{Version: body.Version, Expires: body.Expires, Keys: keys, Roles: roles}, nil
}

func parseRoleName(s string) api.Role {
	switch s {
	case "root":
		return api.RoleRoot
	case "timestamp":
		return api.RoleTimestamp
	case "snapshot":
		return api.RoleSnapshot
	case "targets":
		return api.RoleTargets
	default:
		return api.RoleUnknown
	}
}

func parseKeyType(s string) api.KeyType {
	switch s {
	case "rsa2048":
		return api.KeyTypeRSA2048
	case "rsa4096":
		return api.KeyTypeRSA4096
	case "ed25519":
		return api.KeyTypeED25519
	default:
		return api.KeyTypeUnknown
	}
}

func decodeSignatures(raw []byte) ([]api.Signature, error) {
	var env api.SignedMeta
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, api.WrapError(api.ErrParseError, err, "parse envelope for signatures")
	}
	return env.Signatures, nil
}

func mustSignedBytes(raw []byte) json.RawMessage {
	var env api.SignedMeta
	_ = json.Unmarshal(raw, &env)
	return env.Signed
}

// decodeTargets builds the trusted Targets list in the order the
// Director declared it in raw's signed.targets object (spec §4.3:
// "Order is preserved from the Director"). json.Unmarshal into wire's
// map[string]WireTarget already discarded that order, so it's recovered
// separately from raw by walking the JSON tokens.
func decodeTargets(wire map[string]api.WireTarget, raw []byte) ([]api.Target, error) {
	order, err := targetFilenameOrder(mustSignedBytes(raw))
	if err != nil {
		return nil, api.WrapError(api.ErrParseError, err, "determine declared target order")
	}
	out := make([]api.Target, 0, len(wire))
	seen := make(map[string]bool, len(wire))
	for _, name := range order {
		if seen[name] {
			continue // a repeated key in the wire object; last value wins, as json.Unmarshal already did
		}
		wt, ok := wire[name]
		if !ok {
			continue
		}
		seen[name] = true
		t, err := decodeOneTarget(name, wt)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func decodeOneTarget(name string, wt api.WireTarget) (api.Target, error) {
	hashes := make([]api.Hash, 0, len(wt.Hashes))
	for alg, digest := range wt.Hashes {
		hashes = append(hashes, api.Hash{Algorithm: api.HashAlgorithm(alg), HexDigest: digest})
	}
	if len(hashes) == 0 {
		return api.Target{}, api.NewError(api.ErrMetadataInvalid, "target %q declares no hashes", name)
	}
	var custom api.TargetCustom
	if len(wt.Custom) > 0 {
		var wc api.WireTargetCustom
		if err := json.Unmarshal(wt.Custom, &wc); err != nil {
			return api.Target{}, api.WrapError(api.ErrParseError, err, "parse custom for target %q", name)
		}
		ecus := make(map[api.EcuSerial]api.HardwareId, len(wc.Ecus))
		for serial, hw := range wc.Ecus {
			ecus[api.EcuSerial(serial)] = api.HardwareId(hw)
		}
		custom = api.TargetCustom{Ecus: ecus, URI: wc.URI, Type: parseTargetType(wc.Type)}
	}
	return api.Target{Filename: name, Length: wt.Length, Hashes: hashes, Custom: custom}, nil
}

// targetFilenameOrder returns the keys of signed.targets in the order
// they appear in signed, the raw `signed` object bytes of a Targets
// metadata file. Returns nil, nil if signed has no "targets" key.
func targetFilenameOrder(signed json.RawMessage) ([]string, error) {
	dec := json.NewDecoder(bytes.NewReader(signed))
	if err := expectDelim(dec, '{'); err != nil {
		return nil, err
	}
	for dec.More() {
		key, err := decodeObjectKey(dec)
		if err != nil {
			return nil, err
		}
		if key == "targets" {
			return decodeObjectKeysInOrder(dec)
		}
		if err := skipJSONValue(dec); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

// decodeObjectKeysInOrder reads the object dec is positioned at the
// start of and returns its keys in declaration order, leaving dec
// positioned just past the closing '}'.
func decodeObjectKeysInOrder(dec *json.Decoder) ([]string, error) {
	if err := expectDelim(dec, '{'); err != nil {
		return nil, err
	}
	var keys []string
	for dec.More() {
		key, err := decodeObjectKey(dec)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
		if err := skipJSONValue(dec); err != nil {
			return nil, err
		}
	}
	if _, err := dec.Token(); err != nil { // closing '}'
		return nil, err
	}
	return keys, nil
}

func decodeObjectKey(dec *json.Decoder) (string, error) {
	tok, err := dec.Token()
	if err != nil {
		return "", err
	}
	key, ok := tok.(string)
	if !ok {
		return "", fmt.Errorf("expected object key, got %v", tok)
	}
	return key, nil
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	d, ok := tok.(json.Delim)
	if !ok || d != want {
		return fmt.Errorf("expected %q, got %v", want, tok)
	}
	return nil
}

// skipJSONValue advances dec past one complete JSON value (scalar,
// object, or array) without decoding it into anything.
func skipJSONValue(dec *json.Decoder) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	delim, ok := tok.(json.Delim)
	if !ok || (delim != '{' && delim != '[') {
		return nil // scalar, already consumed
	}
	for dec.More() {
		if delim == '{' {
			if _, err := decodeObjectKey(dec); err != nil {
				return err
			}
		}
		if err := skipJSONValue(dec); err != nil {
			return err
		}
	}
	_, err = dec.Token() // closing delim
	return err
}

func parseTargetType(s string) api.TargetType {
	switch s {
	case "binary":
		return api.TargetTypeBinary
	case "OSTREE", "ostree":
		return api.TargetTypeOSTree
	default:
		return api.TargetTypeUnknown
	}
}
