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

// Package storage declares the MetaStore external collaborator (spec §2,
// §6): durable storage for metadata, the installed-version log, device
// keys and TLS credentials, the ECU inventory, and which target is
// pending completion after a reboot. The reboot flag itself belongs to
// bootloader.Bootloader, not here (see that package's doc comment for
// why the two are kept separate). The core never touches a filesystem
// or database directly; every mutation the engine makes goes through
// this interface, the way the teacher's devices.Device abstracts local
// storage away from the flash tool.
package storage

import (
	"time"

	"github.com/uptaneclient/primary/api"
)

// InstalledVersionRecord is one append-only entry of the installed-
// version log (spec §6): what was installed, on which ECU, when, and
// with what outcome.
type InstalledVersionRecord struct {
	Filename  string
	Hashes    []api.Hash
	EcuSerial api.EcuSerial
	Timestamp time.Time
	Outcome   api.InstallationCode
}

// TLSCreds holds the client identity used to talk to the Director/Image
// servers (spec §6). CAPEM/ClientCertPEM/ClientKeyPEM may hold either raw
// PEM bytes or, when KeyPkcs11URI is set, ClientKeyPEM is empty and the
// private key lives behind a PKCS#11 token instead.
type TLSCreds struct {
	CAPEM         []byte
	ClientCertPEM []byte
	ClientKeyPEM  []byte
	KeyPkcs11URI  string
}

// Storage is the MetaStore external collaborator. Implementations must
// make StoreRoot/StoreNonRole/AppendInstalledVersion durable before
// returning, so that a crash between a verify and its store never leaves
// the engine believing state is trusted that was never persisted.
type Storage interface {
	// LoadRoot returns the stored Root of the given version for kind, or
	// ok=false if none is stored.
	LoadRoot(kind api.RepositoryKind, version int) (raw []byte, ok bool, err error)
	// StoreRoot persists a verified Root. Roots already stored at lower
	// versions are retained (root rotation needs the whole chain).
	StoreRoot(kind api.RepositoryKind, version int, raw []byte) error
	// LatestRootVersion returns the highest Root version stored for kind,
	// or 0 if none.
	LatestRootVersion(kind api.RepositoryKind) (int, error)

	// LoadNonRole returns the stored Timestamp/Snapshot/Targets for kind,
	// or ok=false if none is stored (including after InvalidateNonRoot).
	LoadNonRole(kind api.RepositoryKind, role api.Role) (raw []byte, ok bool, err error)
	// StoreNonRole persists the latest verified non-Root role, replacing
	// whatever was stored before.
	StoreNonRole(kind api.RepositoryKind, role api.Role, raw []byte) error
	// InvalidateNonRoot drops Timestamp/Snapshot/Targets for kind (spec
	// §3: "upon accepting a new Root, all non-Root metadata... must be
	// re-fetched").
	InvalidateNonRoot(kind api.RepositoryKind) error

	// LoadEcuInventory returns the locally known ECU inventory loaded
	// during Provision (spec §4.4).
	LoadEcuInventory() (api.EcuInventory, error)
	// StoreEcuInventory persists the ECU inventory.
	StoreEcuInventory(api.EcuInventory) error

	// LoadMisconfiguredEcus / StoreMisconfiguredEcus persist the
	// inventory-mismatch bookkeeping supplemented from original_source
	// (SPEC_FULL "misconfigured_ecus bookkeeping").
	LoadMisconfiguredEcus() ([]api.MisconfiguredEcu, error)
	StoreMisconfiguredEcus([]api.MisconfiguredEcu) error

	// SecondaryRootVersion / SetSecondaryRootVersion track, per
	// Secondary, the last Root version known to have been pushed to it
	// (SPEC_FULL "per-Secondary root-version bookkeeping"), bounding the
	// root-rotation walk in Install without re-querying the Secondary.
	SecondaryRootVersion(serial api.EcuSerial, kind api.RepositoryKind) (int, error)
	SetSecondaryRootVersion(serial api.EcuSerial, kind api.RepositoryKind, version int) error

	// AppendInstalledVersion appends one record to the installed-version
	// log (spec §6).
	AppendInstalledVersion(InstalledVersionRecord) error

	// RecordInstallResult / LoadPendingInstallResults persist per-ECU
	// install outcomes so they survive a reboot and can still be
	// reported in the next manifest PUT (spec §7).
	RecordInstallResult(serial api.EcuSerial, result api.InstallationResult) error
	LoadPendingInstallResults() (map[api.EcuSerial]api.InstallationResult, error)

	// LoadTLSCreds / StoreTLSCreds persist the provisioned device
	// identity (spec §6).
	LoadTLSCreds() (TLSCreds, bool, error)
	StoreTLSCreds(TLSCreds) error

	// DeviceKeyID / StoreDeviceKeyID persist the key-id of the Primary's
	// Uptane signing key. cmd/primary generates and stores it at startup
	// if absent; the engine's Provision only reads it.
	DeviceKeyID() (string, bool, error)
	StoreDeviceKeyID(keyID string) error

	// DeviceKeyMaterial / StoreDeviceKeyMaterial persist the raw private
	// key material backing DeviceKeyID, so a CryptoProvider can be
	// rehydrated across restarts (spec §6: MetaStore holds "device
	// keys", not just their ids).
	DeviceKeyMaterial() ([]byte, bool, error)
	StoreDeviceKeyMaterial(material []byte) error

	// SetPendingRebootTarget / PendingRebootTarget / ClearPendingRebootTarget
	// persist which target Install staged before asking
	// bootloader.Bootloader to set the reboot flag, so Finalize knows
	// what hash to expect after a real reboot (spec §4.4 Finalize,
	// §7 "Installation results are additionally persisted").
	SetPendingRebootTarget(target api.Target) error
	PendingRebootTarget() (api.Target, bool, error)
	ClearPendingRebootTarget() error
}
