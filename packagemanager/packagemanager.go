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

// Package packagemanager declares PackageDriver (spec §2, §4.6): the
// package-manager back-end external collaborator that fetches image
// bytes, stages, installs, and reports the currently running image.
// Polymorphism over back-ends is by tag (spec §9 "Polymorphism over
// package managers and Secondaries"), mirroring the teacher's
// cmd/flash_tool dispatch between its dummy and usbarmory devices.Device
// implementations.
package packagemanager

import (
	"context"

	"github.com/uptaneclient/primary/api"
	"github.com/uptaneclient/primary/internal/flowcontrol"
)

// VerifyResult is the outcome of PackageDriver.Verify.
type VerifyResult int

const (
	VerifyUnknown VerifyResult = iota
	VerifyGood
	VerifyNotFound
)

// ProgressFunc reports incremental fetch progress; implementations may
// call it as often as they like, including never.
type ProgressFunc func(received, total int64)

// Driver is the PackageDriver external collaborator. Name reports which
// back-end ("binary", "ostree") is active, letting the engine apply
// spec §4.4 step 2's driver/target-type compatibility guard without a
// type assertion.
type Driver interface {
	Name() string
	// Fetch retrieves and stages target (spec §4.4 Download). The binary
	// driver reads the whole body, then checks its length and every
	// declared hash before staging it; the ostree driver requires a
	// SHA-256 entry but does not hash the pulled commit. Neither driver
	// verifies hashes incrementally while the bytes arrive. Idempotent:
	// if target is already present and verified, Fetch returns
	// immediately without re-downloading.
	Fetch(ctx context.Context, token flowcontrol.Token, target api.Target, progress ProgressFunc) error
	Verify(target api.Target) (VerifyResult, error)
	// Install stages and activates target, producing at most one pending
	// deployment (spec §8 property 9).
	Install(target api.Target) (api.InstallationResult, error)
	Finalize(target api.Target) (api.InstallationResult, error)
	Current() (api.Target, error)
	CurrentHash() (string, error)
	// ImageUpdated reports false once Install has produced a pending
	// deployment and true again once Finalize has completed it (spec §8
	// property 9).
	ImageUpdated() (bool, error)
	InstalledPackages() ([]api.Target, error)
}
