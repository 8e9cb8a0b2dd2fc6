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
	"fmt"

	"github.com/uptaneclient/primary/api"
	"github.com/uptaneclient/primary/storage"
)

// fakeStorage is an in-memory storage.Storage for engine tests, standing
// in for storage/filestore the way the teacher's in-memory
// devices/dummy.FakeDevice stands in for a real device in its own tests.
type fakeStorage struct {
	roots         map[api.RepositoryKind]map[int][]byte
	nonRoot       map[api.RepositoryKind]map[api.Role][]byte
	inventory     api.EcuInventory
	misconfigured []api.MisconfiguredEcu
	secondaryRoot map[string]int
	installLog    []storage.InstalledVersionRecord
	installResult map[api.EcuSerial]api.InstallationResult
	tlsCreds      storage.TLSCreds
	tlsCredsOK    bool
	deviceKID     string
	deviceKeyIDOK bool
	deviceKey     []byte
	pending       api.Target
	pendingOK     bool
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{
		roots:         map[api.RepositoryKind]map[int][]byte{},
		nonRoot:       map[api.RepositoryKind]map[api.Role][]byte{},
		secondaryRoot: map[string]int{},
		installResult: map[api.EcuSerial]api.InstallationResult{},
	}
}

var _ storage.Storage = (*fakeStorage)(nil)

func (s *fakeStorage) LoadRoot(kind api.RepositoryKind, version int) ([]byte, bool, error) {
	m := s.roots[kind]
	raw, ok := m[version]
	return raw, ok, nil
}

func (s *fakeStorage) StoreRoot(kind api.RepositoryKind, version int, raw []byte) error {
	if s.roots[kind] == nil {
		s.roots[kind] = map[int][]byte{}
	}
	s.roots[kind][version] = raw
	return nil
}

func (s *fakeStorage) LatestRootVersion(kind api.RepositoryKind) (int, error) {
	latest := 0
	for v := range s.roots[kind] {
		if v > latest {
			latest = v
		}
	}
	return latest, nil
}

func (s *fakeStorage) LoadNonRole(kind api.RepositoryKind, role api.Role) ([]byte, bool, error) {
	m := s.nonRoot[kind]
	raw, ok := m[role]
	return raw, ok, nil
}

func (s *fakeStorage) StoreNonRole(kind api.RepositoryKind, role api.Role, raw []byte) error {
	if s.nonRoot[kind] == nil {
		s.nonRoot[kind] = map[api.Role][]byte{}
	}
	s.nonRoot[kind][role] = raw
	return nil
}

func (s *fakeStorage) InvalidateNonRoot(kind api.RepositoryKind) error {
	delete(s.nonRoot, kind)
	return nil
}

func (s *fakeStorage) LoadEcuInventory() (api.EcuInventory, error) { return s.inventory, nil }

func (s *fakeStorage) StoreEcuInventory(inv api.EcuInventory) error {
	s.inventory = inv
	return nil
}

func (s *fakeStorage) LoadMisconfiguredEcus() ([]api.MisconfiguredEcu, error) {
	return s.misconfigured, nil
}

func (s *fakeStorage) StoreMisconfiguredEcus(list []api.MisconfiguredEcu) error {
	s.misconfigured = list
	return nil
}

func (s *fakeStorage) SecondaryRootVersion(serial api.EcuSerial, kind api.RepositoryKind) (int, error) {
	return s.secondaryRoot[fmt.Sprintf("%d/%s", kind, serial)], nil
}

func (s *fakeStorage) SetSecondaryRootVersion(serial api.EcuSerial, kind api.RepositoryKind, version int) error {
	s.secondaryRoot[fmt.Sprintf("%d/%s", kind, serial)] = version
	return nil
}

func (s *fakeStorage) AppendInstalledVersion(rec storage.InstalledVersionRecord) error {
	s.installLog = append(s.installLog, rec)
	return nil
}

func (s *fakeStorage) RecordInstallResult(serial api.EcuSerial, result api.InstallationResult) error {
	s.installResult[serial] = result
	return nil
}

func (s *fakeStorage) LoadPendingInstallResults() (map[api.EcuSerial]api.InstallationResult, error) {
	return s.installResult, nil
}

func (s *fakeStorage) LoadTLSCreds() (storage.TLSCreds, bool, error) {
	return s.tlsCreds, s.tlsCredsOK, nil
}

func (s *fakeStorage) StoreTLSCreds(c storage.TLSCreds) error {
	s.tlsCreds = c
	s.tlsCredsOK = true
	return nil
}

func (s *fakeStorage) DeviceKeyID() (string, bool, error) {
	return s.deviceKID, s.deviceKeyIDOK, nil
}

func (s *fakeStorage) StoreDeviceKeyID(keyID string) error {
	s.deviceKID = keyID
	s.deviceKeyIDOK = true
	return nil
}

func (s *fakeStorage) DeviceKeyMaterial() ([]byte, bool, error) {
	return s.deviceKey, s.deviceKey != nil, nil
}

func (s *fakeStorage) StoreDeviceKeyMaterial(material []byte) error {
	s.deviceKey = material
	return nil
}

func (s *fakeStorage) SetPendingRebootTarget(target api.Target) error {
	s.pending = target
	s.pendingOK = true
	return nil
}

func (s *fakeStorage) PendingRebootTarget() (api.Target, bool, error) {
	return s.pending, s.pendingOK, nil
}

func (s *fakeStorage) ClearPendingRebootTarget() error {
	s.pending = api.Target{}
	s.pendingOK = false
	return nil
}
