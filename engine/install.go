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

package engine

import (
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"hash"
	"time"

	"github.com/golang/glog"

	"github.com/uptaneclient/primary/api"
	"github.com/uptaneclient/primary/internal/flowcontrol"
	"github.com/uptaneclient/primary/storage"
	"github.com/uptaneclient/primary/transport"
)

// InstallReport is the per-ECU outcome of one Install command.
type InstallReport struct {
	PrimaryResult   api.InstallationResult
	SecondaryErrors map[api.EcuSerial]error
}

// doInstall carries out spec §4.4 Install: splits the approved targets
// between the Primary and its Secondaries, pushes metadata (root
// rotation then RawMetaPack) and firmware to each targeted Secondary in
// strict per-Secondary order, and installs the Primary's own slice.
// Per-target and per-Secondary failures are isolated (spec §7): one
// Secondary's refusal never aborts delivery to the others.
func (e *Engine) doInstall(ctx context.Context, token flowcontrol.Token) (InstallReport, error) {
	e.setState(StateInstalling)
	report := InstallReport{SecondaryErrors: map[api.EcuSerial]error{}}

	primaryTarget, secondaryTargets := e.splitTargets(e.lastApproved)

	if err := e.sendMetadataToSecondaries(ctx, token, secondaryTargets, report.SecondaryErrors); err != nil {
		return report, err
	}

	if len(primaryTarget.Filename) > 0 {
		if mismatch := e.driverTypeMismatch(primaryTarget); mismatch != nil {
			report.PrimaryResult = api.InstallationResult{ID: primaryTarget.Filename, Code: api.InstallValidationFailed, Description: mismatch.Error()}
		} else {
			res, err := e.Primary.Install(primaryTarget)
			if err != nil {
				return report, api.WrapError(api.ErrPackageInstallFailed, err, "install: primary target %q", primaryTarget.Filename)
			}
			report.PrimaryResult = res
		}
		primary, _ := e.inventory.Primary()
		if err := e.Storage.RecordInstallResult(primary.Serial, report.PrimaryResult); err != nil {
			glog.Warningf("install: failed to persist primary install result: %v", err)
		}
		if err := e.Storage.AppendInstalledVersion(storage.InstalledVersionRecord{
			Filename:  primaryTarget.Filename,
			Hashes:    primaryTarget.Hashes,
			EcuSerial: primary.Serial,
			Timestamp: time.Now(),
			Outcome:   report.PrimaryResult.Code,
		}); err != nil {
			glog.Warningf("install: failed to append installed-version log entry: %v", err)
		}
		if report.PrimaryResult.Code == api.InstallNeedCompletion {
			if err := e.Storage.SetPendingRebootTarget(primaryTarget); err != nil {
				glog.Warningf("install: failed to persist pending reboot target: %v", err)
			}
			if err := e.Bootloader.SetRebootFlag(); err != nil {
				glog.Warningf("install: failed to set reboot flag: %v", err)
			}
			e.setState(StateNeedsReboot)
		}
	}

	if err := e.sendFirmwareToSecondaries(ctx, token, secondaryTargets, report.SecondaryErrors); err != nil {
		return report, err
	}

	if e.State() != StateNeedsReboot {
		e.setState(StateIdle)
	}
	return report, nil
}

// splitTargets partitions approved targets into the Primary's single
// slice (spec §4.4 step 1 expects exactly the targets whose ecus map
// includes the Primary serial) and the remaining per-Secondary
// assignments.
func (e *Engine) splitTargets(targets []api.Target) (api.Target, map[api.EcuSerial]api.Target) {
	primary, _ := e.inventory.Primary()
	var primaryTarget api.Target
	secondaryTargets := map[api.EcuSerial]api.Target{}
	for _, t := range targets {
		for serial := range t.Custom.Ecus {
			if serial == primary.Serial {
				primaryTarget = t
				continue
			}
			if _, ok := e.Secondaries[serial]; ok {
				secondaryTargets[serial] = t
			}
		}
	}
	return primaryTarget, secondaryTargets
}

// driverTypeMismatch implements spec §4.4 step 2's guard: if the active
// PackageDriver is OSTree-typed and a Primary target declares a
// non-OSTree type (or vice versa), fail that target with
// ValidationFailed without attempting installation.
func (e *Engine) driverTypeMismatch(t api.Target) error {
	switch e.Primary.Name() {
	case "ostree":
		if t.Custom.Type != api.TargetTypeUnknown && t.Custom.Type != api.TargetTypeOSTree {
			return api.NewError(api.ErrTargetMismatch, "ostree driver cannot install target %q of type %v", t.Filename, t.Custom.Type)
		}
	case "binary":
		if t.Custom.Type == api.TargetTypeOSTree {
			return api.NewError(api.ErrTargetMismatch, "binary driver cannot install ostree target %q", t.Filename)
		}
	}
	return nil
}

// sendMetadataToSecondaries assembles a RawMetaPack from Storage and,
// for each targeted Secondary, performs root rotation (every Root from
// secondary.root_version+1 to the latest, halting on failure for that
// Secondary only) before pushing the pack (spec §4.4 step 3, §4.5:
// "root rotation precedes metadata push").
func (e *Engine) sendMetadataToSecondaries(ctx context.Context, token flowcontrol.Token, targets map[api.EcuSerial]api.Target, errs map[api.EcuSerial]error) error {
	if len(targets) == 0 {
		return nil
	}
	pack, err := e.buildRawMetaPack()
	if err != nil {
		return err
	}
	for serial := range targets {
		sec, ok := e.Secondaries[serial]
		if !ok {
			continue
		}
		if err := e.rotateSecondaryRoots(ctx, token, serial, sec, api.RepositoryDirector); err != nil {
			glog.Warningf("install: secondary %s director root rotation failed, skipping: %v", serial, err)
			errs[serial] = err
			continue
		}
		if err := e.rotateSecondaryRoots(ctx, token, serial, sec, api.RepositoryImage); err != nil {
			glog.Warningf("install: secondary %s image root rotation failed, skipping: %v", serial, err)
			errs[serial] = err
			continue
		}
		if err := sec.PutMetadata(ctx, token, pack); err != nil {
			glog.Warningf("install: secondary %s refused metadata push: %v", serial, err)
			errs[serial] = err
		}
	}
	return nil
}

func (e *Engine) buildRawMetaPack() (api.RawMetaPack, error) {
	load := func(kind api.RepositoryKind, role api.Role, isRoot bool, version int) ([]byte, error) {
		var raw []byte
		var ok bool
		var err error
		if isRoot {
			raw, ok, err = e.Storage.LoadRoot(kind, version)
		} else {
			raw, ok, err = e.Storage.LoadNonRole(kind, role)
		}
		if err != nil {
			return nil, api.WrapError(api.ErrStorageFailure, err, "metadata pack: load %s %s", kind, role)
		}
		if !ok {
			return nil, api.NewError(api.ErrNotFound, "metadata pack: %s %s not in storage", kind, role)
		}
		return raw, nil
	}
	dv := e.Director.RootVersion()
	iv := e.Image.RootVersion()
	dRoot, err := load(api.RepositoryDirector, api.RoleRoot, true, dv)
	if err != nil {
		return api.RawMetaPack{}, err
	}
	dTargets, err := load(api.RepositoryDirector, api.RoleTargets, false, 0)
	if err != nil {
		return api.RawMetaPack{}, err
	}
	iRoot, err := load(api.RepositoryImage, api.RoleRoot, true, iv)
	if err != nil {
		return api.RawMetaPack{}, err
	}
	iTimestamp, err := load(api.RepositoryImage, api.RoleTimestamp, false, 0)
	if err != nil {
		return api.RawMetaPack{}, err
	}
	iSnapshot, err := load(api.RepositoryImage, api.RoleSnapshot, false, 0)
	if err != nil {
		return api.RawMetaPack{}, err
	}
	iTargets, err := load(api.RepositoryImage, api.RoleTargets, false, 0)
	if err != nil {
		return api.RawMetaPack{}, err
	}
	return api.RawMetaPack{
		DirectorRoot:    dRoot,
		DirectorTargets: dTargets,
		ImageRoot:       iRoot,
		ImageTimestamp:  iTimestamp,
		ImageSnapshot:   iSnapshot,
		ImageTargets:    iTargets,
	}, nil
}

// rotateSecondaryRoots pushes every Root from the Secondary's last known
// version+1 up to the repository's current version (spec §4.4 step 3).
func (e *Engine) rotateSecondaryRoots(ctx context.Context, token flowcontrol.Token, serial api.EcuSerial, sec secondaryPusher, kind api.RepositoryKind) error {
	from, err := e.Storage.SecondaryRootVersion(serial, kind)
	if err != nil {
		return api.WrapError(api.ErrStorageFailure, err, "secondary %s: load last root version for %s", serial, kind)
	}
	latest := e.repoFor(kind).RootVersion()
	for v := from + 1; v <= latest; v++ {
		raw, ok, err := e.Storage.LoadRoot(kind, v)
		if err != nil {
			return api.WrapError(api.ErrStorageFailure, err, "secondary %s: load root v%d", serial, v)
		}
		if !ok {
			return api.NewError(api.ErrNotFound, "secondary %s: root v%d not in storage", serial, v)
		}
		if err := sec.PutRoot(ctx, token, raw, kind == api.RepositoryDirector); err != nil {
			return api.WrapError(api.ErrSecondaryUnreachable, err, "secondary %s: put root v%d", serial, v)
		}
		if err := e.Storage.SetSecondaryRootVersion(serial, kind, v); err != nil {
			return api.WrapError(api.ErrStorageFailure, err, "secondary %s: record root v%d", serial, v)
		}
	}
	return nil
}

func (e *Engine) repoFor(kind api.RepositoryKind) interface{ RootVersion() int } {
	if kind == api.RepositoryImage {
		return e.Image
	}
	return e.Director
}

// secondaryPusher is the subset of secondary.Secondary rotateSecondaryRoots needs.
type secondaryPusher interface {
	PutRoot(ctx context.Context, token flowcontrol.Token, raw []byte, isDirector bool) error
}

// sendFirmwareToSecondaries streams each Secondary's approved image:
// raw image bytes for Binary-driven Secondaries, or a packed TLS-
// credential + OSTree-server-URL bundle for OSTree-driven ones (spec
// §4.4 step 5).
func (e *Engine) sendFirmwareToSecondaries(ctx context.Context, token flowcontrol.Token, targets map[api.EcuSerial]api.Target, errs map[api.EcuSerial]error) error {
	for serial, target := range targets {
		if _, already := errs[serial]; already {
			continue // metadata push already failed for this secondary
		}
		sec, ok := e.Secondaries[serial]
		if !ok {
			continue
		}
		payload, err := e.firmwarePayloadFor(ctx, token, target)
		if err != nil {
			glog.Warningf("install: secondary %s firmware payload unavailable: %v", serial, err)
			errs[serial] = err
			continue
		}
		if err := sec.SendFirmware(ctx, token, payload); err != nil {
			glog.Warningf("install: secondary %s refused firmware push: %v", serial, err)
			errs[serial] = err
		}
	}
	return nil
}

// firmwarePayloadFor fetches target's image bytes fresh from the Image
// repository for a Binary Secondary (a Secondary is a separate ECU from
// the Primary, so it gets its own fetch rather than reading the
// Primary's staging area). For an OSTree target, the payload is instead
// the packed TLS credentials and OSTree server URL so the Secondary can
// pull the ref itself (spec §4.4 step 5).
func (e *Engine) firmwarePayloadFor(ctx context.Context, token flowcontrol.Token, target api.Target) ([]byte, error) {
	if target.Custom.Type == api.TargetTypeOSTree {
		creds, ok, err := e.Storage.LoadTLSCreds()
		if err != nil {
			return nil, api.WrapError(api.ErrStorageFailure, err, "firmware payload: load tls creds")
		}
		if !ok {
			return nil, api.NewError(api.ErrConfiguration, "firmware payload: no tls creds provisioned for ostree bundle")
		}
		return ostreeBundle(creds, target.Custom.URI)
	}
	resp, err := e.Fetcher.Transport.Get(ctx, token, transport.EndpointImage, target.Custom.URI, target.Length)
	if err != nil {
		return nil, api.WrapError(api.ErrTransport, err, "firmware payload: fetch %q", target.Filename)
	}
	if int64(len(resp.Body)) != target.Length {
		return nil, api.NewError(api.ErrLengthMismatch, "firmware payload: %q got %d bytes, want %d", target.Filename, len(resp.Body), target.Length)
	}
	if err := verifyTargetHashes(target, resp.Body); err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// verifyTargetHashes checks every hash target declares against data,
// mirroring packagemanager/binary's incremental verification (spec
// §4.4 Download: "verify every declared hash, not just one").
func verifyTargetHashes(target api.Target, data []byte) error {
	for _, h := range target.Hashes {
		var hasher hash.Hash
		switch h.Algorithm {
		case api.HashSHA256:
			hasher = sha256.New()
		case api.HashSHA512:
			hasher = sha512.New()
		default:
			return api.NewError(api.ErrCrypto, "unsupported hash algorithm %q for %q", h.Algorithm, target.Filename)
		}
		hasher.Write(data)
		if got := hex.EncodeToString(hasher.Sum(nil)); got != h.HexDigest {
			return api.NewError(api.ErrHashMismatch, "%q: %s mismatch (got %s, want %s)", target.Filename, h.Algorithm, got, h.HexDigest)
		}
	}
	return nil
}

// ostreeBundle packs the TLS credentials and OSTree ref URI a Secondary
// needs to pull the deployment itself, in place of raw image bytes
// (spec §4.4 step 5).
func ostreeBundle(creds storage.TLSCreds, refURI string) ([]byte, error) {
	bundle := struct {
		RefURI        string `json:"ref_uri"`
		CAPEM         []byte `json:"ca_pem"`
		ClientCertPEM []byte `json:"client_cert_pem"`
		ClientKeyPEM  []byte `json:"client_key_pem,omitempty"`
		KeyPkcs11URI  string `json:"key_pkcs11_uri,omitempty"`
	}{
		RefURI:        refURI,
		CAPEM:         creds.CAPEM,
		ClientCertPEM: creds.ClientCertPEM,
		ClientKeyPEM:  creds.ClientKeyPEM,
		KeyPkcs11URI:  creds.KeyPkcs11URI,
	}
	b, err := json.Marshal(bundle)
	if err != nil {
		return nil, api.WrapError(api.ErrParseError, err, "ostree bundle: marshal")
	}
	return b, nil
}
