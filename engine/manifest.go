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
	"time"

	"github.com/golang/glog"

	"github.com/uptaneclient/primary/api"
	"github.com/uptaneclient/primary/canonicaljson"
	"github.com/uptaneclient/primary/internal/flowcontrol"
	"github.com/uptaneclient/primary/transport"
)

// doSendDeviceData signs and PUTs the aggregate manifest to the Director
// (spec §4.4 SendDeviceData / put_manifest). It does not send hardware
// info or the installed-package inventory as separate reports.
func (e *Engine) doSendDeviceData(ctx context.Context, token flowcontrol.Token) error {
	manifest, skip, err := e.buildManifest(ctx, token)
	if err != nil {
		return err
	}
	if skip {
		glog.Infof("engine: skipping manifest PUT, an included ECU reports InProgress")
		return nil
	}
	return e.putManifest(ctx, token, manifest)
}

// buildManifest assembles a Manifest from the Primary's own report
// (PackageDriver.Current) plus each reachable Secondary's self-report
// (spec §4.4 put_manifest). Each Secondary manifest is re-verified
// against the Secondary's known public key before inclusion; a
// Secondary that fails verification is omitted with an error log, never
// aborting the whole manifest (spec §7 propagation policy). If any
// included ECU reports InProgress, skip=true so the caller doesn't race
// a still-running install.
func (e *Engine) buildManifest(ctx context.Context, token flowcontrol.Token) (api.Manifest, bool, error) {
	primaryTarget, err := e.Primary.Current()
	if err != nil {
		return api.Manifest{}, false, api.WrapError(api.ErrStorageFailure, err, "manifest: read primary current target")
	}
	primary, ok := e.inventory.Primary()
	if !ok {
		return api.Manifest{}, false, api.NewError(api.ErrConfiguration, "manifest: no primary ECU in inventory")
	}

	pending, err := e.Storage.LoadPendingInstallResults()
	if err != nil {
		return api.Manifest{}, false, api.WrapError(api.ErrStorageFailure, err, "manifest: load pending install results")
	}

	m := api.Manifest{
		PrimaryEcuSerial: primary.Serial,
		GeneratedAt:      time.Now(),
		Ecus:             map[api.EcuSerial]api.EcuManifest{},
	}
	primaryResult := pending[primary.Serial]
	m.Ecus[primary.Serial] = api.EcuManifest{
		EcuSerial: primary.Serial,
		Installed: primaryTarget,
		Result:    resultOrNil(primaryResult),
	}

	skip := primaryResult.Code == api.InstallInProgress
	for serial, sec := range e.Secondaries {
		secManifest, err := sec.GetManifest(ctx, token)
		if err != nil {
			glog.Warningf("manifest: secondary %s refused GetManifest: %v", serial, err)
			continue
		}
		pub, err := sec.GetPublicKey(ctx, token)
		if err != nil {
			glog.Warningf("manifest: secondary %s refused GetPublicKey: %v", serial, err)
			continue
		}
		sigBytes, err := decodeSig(secManifest.Signature.Sig)
		if err != nil {
			glog.Warningf("manifest: secondary %s manifest signature not decodable: %v", serial, err)
			continue
		}
		if err := e.Crypto.VerifySignature(pub, secManifest.Signature.Method, secManifest.SignedBody, sigBytes); err != nil {
			glog.Warningf("manifest: secondary %s manifest failed verification, omitting: %v", serial, err)
			continue
		}
		m.Ecus[serial] = secManifest
		if secManifest.Result != nil && secManifest.Result.Code == api.InstallInProgress {
			skip = true
		}
	}
	return m, skip, nil
}

func resultOrNil(r api.InstallationResult) *api.InstallationResult {
	if r.Code == api.InstallUnknown {
		return nil
	}
	return &r
}

// putManifest signs the aggregate manifest with the Primary's Uptane
// key and PUTs it to the Director (spec §4.4).
func (e *Engine) putManifest(ctx context.Context, token flowcontrol.Token, m api.Manifest) error {
	body, err := canonicaljson.Marshal(manifestWire(m))
	if err != nil {
		return api.WrapError(api.ErrParseError, err, "manifest: canonicalize")
	}
	method, sig, err := e.Crypto.Sign(e.deviceKID, body)
	if err != nil {
		return api.WrapError(api.ErrCrypto, err, "manifest: sign")
	}
	envelope := api.SignedMeta{
		Signed: body,
		Signatures: []api.Signature{{
			KeyID:  e.deviceKID,
			Method: method,
			Sig:    encodeSig(sig),
		}},
	}
	wire, err := canonicaljson.Marshal(envelope)
	if err != nil {
		return api.WrapError(api.ErrParseError, err, "manifest: canonicalize envelope")
	}
	resp, err := e.Fetcher.Transport.Put(ctx, token, transport.EndpointDirector, "manifest", wire)
	if err != nil {
		return api.WrapError(api.ErrTransport, err, "manifest: put")
	}
	if resp.StatusCode >= 300 {
		return api.NewError(api.ErrTransport, "manifest: put returned http %d", resp.StatusCode)
	}
	return nil
}

// manifestWire projects a Manifest to a plain map so canonicaljson can
// sort keys without needing Manifest to carry json tags purely for the
// signing path.
func manifestWire(m api.Manifest) map[string]interface{} {
	ecus := make(map[string]interface{}, len(m.Ecus))
	for serial, em := range m.Ecus {
		entry := map[string]interface{}{
			"filename": em.Installed.Filename,
			"length":   em.Installed.Length,
		}
		if em.Result != nil {
			entry["result_code"] = em.Result.Code.String()
			entry["result_description"] = em.Result.Description
		}
		ecus[string(serial)] = entry
	}
	return map[string]interface{}{
		"primary_ecu_serial": string(m.PrimaryEcuSerial),
		"generated_at":       m.GeneratedAt.UTC().Format(time.RFC3339),
		"ecus":               ecus,
	}
}
