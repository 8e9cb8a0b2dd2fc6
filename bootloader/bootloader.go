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

// Package bootloader declares the Bootloader external collaborator
// (spec §1, §4.4 Finalize): the thing the engine asks whether a reboot
// it requested has actually happened. original_source's ostreemanager.cc
// calls bootloader_->rebootFlagSet() when Install stages a deployment
// that needs a restart, and bootloader_->rebootDetected() /
// bootloader_->rebootFlagClear() from Finalize; this package is the Go
// shape of that same three-call contract, kept distinct from
// storage.Storage (which separately persists which target is pending
// completion, spec §7) because the two are different physical facts: a
// flag a bootloader/init system can observe versus durable application
// state.
package bootloader

// Bootloader is everything the engine needs from bootloader integration
// (spec §4.4 Finalize): setting a flag before a reboot, detecting that
// the flag survived a real reboot, and clearing it once observed.
type Bootloader interface {
	// SetRebootFlag is called once Install stages a Primary deployment
	// that needs a restart to take effect.
	SetRebootFlag() error
	// RebootDetected reports whether the reboot flag is currently set,
	// i.e. whether the process is starting up after a reboot it itself
	// requested (spec §4.4: "if Bootloader.reboot_detected() is true").
	RebootDetected() (bool, error)
	// ClearRebootFlag clears the flag. Finalize calls this unconditionally
	// once it has observed the flag, per spec §4.4 ("Clear the reboot flag
	// regardless").
	ClearRebootFlag() error
}
