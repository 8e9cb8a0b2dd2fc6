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
	"github.com/golang/glog"

	"github.com/uptaneclient/primary/api"
)

// doFinalize runs after a reboot, on the first command the engine
// processes in StateNeedsReboot (spec §4.4 Finalize). It compares what
// actually booted against the target that was staged before the
// reboot, calls the PackageDriver's own Finalize to complete the
// pending deployment, and clears the reboot flag regardless of outcome
// so the client never gets stuck waiting for a finalize that will never
// come.
func (e *Engine) doFinalize() (api.InstallationResult, error) {
	e.setState(StateFinalizing)

	detected, err := e.Bootloader.RebootDetected()
	if err != nil {
		return api.InstallationResult{}, api.WrapError(api.ErrStorageFailure, err, "finalize: read reboot flag")
	}
	if !detected {
		e.setState(StateIdle)
		return api.InstallationResult{Code: api.InstallAlreadyProcessed, Description: "no pending install to finalize"}, nil
	}

	pending, ok, err := e.Storage.PendingRebootTarget()
	if err != nil {
		return api.InstallationResult{}, api.WrapError(api.ErrStorageFailure, err, "finalize: read pending reboot target")
	}
	if !ok {
		e.setState(StateIdle)
		_ = e.Bootloader.ClearRebootFlag()
		return api.InstallationResult{Code: api.InstallFailed, Description: "reboot flag set but no pending target recorded"}, nil
	}

	result, err := e.finalizePrimary(pending)
	if err != nil {
		if cerr := e.Bootloader.ClearRebootFlag(); cerr != nil {
			glog.Warningf("finalize: failed to clear reboot flag: %v", cerr)
		}
		return api.InstallationResult{}, err
	}

	primary, _ := e.inventory.Primary()
	if rerr := e.Storage.RecordInstallResult(primary.Serial, result); rerr != nil {
		glog.Warningf("finalize: failed to persist install result: %v", rerr)
	}
	if cerr := e.Bootloader.ClearRebootFlag(); cerr != nil {
		glog.Warningf("finalize: failed to clear reboot flag: %v", cerr)
	}
	if cerr := e.Storage.ClearPendingRebootTarget(); cerr != nil {
		glog.Warningf("finalize: failed to clear pending reboot target: %v", cerr)
	}

	e.setState(StateIdle)
	return result, nil
}

// finalizePrimary checks the booted hash against pending before
// delegating to the PackageDriver (spec §4.4: "finalize must verify the
// booted image is the one that was staged, not merely that some image
// booted").
func (e *Engine) finalizePrimary(pending api.Target) (api.InstallationResult, error) {
	wantHash, haveHash := pending.HashOf(api.HashSHA256)
	currentHash, err := e.Primary.CurrentHash()
	if err != nil {
		return api.InstallationResult{}, api.WrapError(api.ErrStorageFailure, err, "finalize: read current hash")
	}
	if haveHash && currentHash != wantHash.HexDigest {
		return api.InstallationResult{
			ID:          pending.Filename,
			Code:        api.InstallFailed,
			Description: "wrong version booted",
		}, nil
	}

	result, err := e.Primary.Finalize(pending)
	if err != nil {
		return api.InstallationResult{}, api.WrapError(api.ErrPackageInstallFailed, err, "finalize: primary target %q", pending.Filename)
	}
	return result, nil
}
