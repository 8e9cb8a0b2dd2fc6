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

	"github.com/golang/glog"

	"github.com/uptaneclient/primary/api"
	"github.com/uptaneclient/primary/internal/flowcontrol"
	"github.com/uptaneclient/primary/uptane"
)

// doProvision loads the ECU-serial inventory from Storage and checks
// that a device key id and TLS credentials are already stored (spec
// §4.4 Provision). It neither generates device keys nor registers the
// device; a missing key or missing credentials fail provisioning.
// Failure here is fatal to the engine; the caller must not proceed to
// any other command.
func (e *Engine) doProvision(ctx context.Context, token flowcontrol.Token) error {
	inv, err := e.Storage.LoadEcuInventory()
	if err != nil {
		return api.WrapError(api.ErrStorageFailure, err, "provision: load ecu inventory")
	}
	if len(inv.Ecus) == 0 {
		return api.NewError(api.ErrConfiguration, "provision: no ECU inventory configured; Primary must be registered before provisioning")
	}
	e.inventory = inv

	kid, ok, err := e.Storage.DeviceKeyID()
	if err != nil {
		return api.WrapError(api.ErrStorageFailure, err, "provision: load device key id")
	}
	if !ok {
		return api.NewError(api.ErrConfiguration, "provision: no device key provisioned; generate and register one out of band before Provision runs")
	}
	e.deviceKID = kid

	if _, ok, err := e.Storage.LoadTLSCreds(); err != nil {
		return api.WrapError(api.ErrStorageFailure, err, "provision: load tls creds")
	} else if !ok {
		return api.NewError(api.ErrConfiguration, "provision: device has no TLS credentials; registration must complete before Provision runs")
	}

	if err := e.loadRepositoryRoots(); err != nil {
		return err
	}

	glog.Infof("provision: loaded %d ECUs, device key %s", len(inv.Ecus), e.deviceKID)
	e.setState(StateProvisioned)
	if e.Bootloader != nil {
		detected, err := e.Bootloader.RebootDetected()
		if err != nil {
			glog.Warningf("provision: failed to read reboot flag: %v", err)
		} else if detected {
			// A reboot flag left by a previous Install means this start
			// follows the requested reboot: resume in NeedsReboot so the
			// next poll runs Finalize.
			e.setState(StateNeedsReboot)
			return nil
		}
	}
	e.setState(StateIdle)
	return nil
}

// loadRepositoryRoots seeds the in-memory Director/Image Repository
// objects from whatever Root is already on disk, so a restart doesn't
// need to refetch Root v1 over the network before it can even attempt
// an offline CheckUpdates.
func (e *Engine) loadRepositoryRoots() error {
	for kind, repo := range map[api.RepositoryKind]*uptane.Repository{
		api.RepositoryDirector: e.Director,
		api.RepositoryImage:    e.Image,
	} {
		v, err := e.Storage.LatestRootVersion(kind)
		if err != nil {
			return api.WrapError(api.ErrStorageFailure, err, "provision: latest root version for %s", kind)
		}
		if v == 0 {
			continue
		}
		raw, ok, err := e.Storage.LoadRoot(kind, v)
		if err != nil {
			return api.WrapError(api.ErrStorageFailure, err, "provision: load root v%d for %s", v, kind)
		}
		if !ok {
			continue
		}
		if err := repo.InitRoot(raw); err != nil {
			return api.WrapError(api.ErrMetadataInvalid, err, "provision: seed root for %s", kind)
		}
	}
	return nil
}
