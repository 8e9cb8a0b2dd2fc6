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

// Package filestore is the reference filesystem implementation of
// storage.Storage, laid out exactly per spec §6's persisted-state
// layout. It generalizes the teacher's devices/dummy read-JSON-from-a-
// state-dir pattern (one bundle.json, one firmware.bin) to the full
// layout this client needs: a roots/ directory per repository keyed by
// version, a non_root/ directory holding the latest Timestamp/Snapshot/
// Targets per repository, an append-only installed_versions.log, and a
// handful of single-file records (ecu_serials, tls_creds,
// misconfigured_ecus, the pending-reboot-target record). The reboot
// flag itself is bootloader.Bootloader's concern, not this package's.
package filestore

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/uptaneclient/primary/api"
	"github.com/uptaneclient/primary/storage"
)

// Store is a storage.Storage backed by a directory tree under Root.
type Store struct {
	root string
	mu   sync.Mutex
}

// New returns a Store rooted at dir, creating dir and its subdirectories
// if they don't yet exist.
func New(dir string) (*Store, error) {
	s := &Store{root: dir}
	for _, sub := range []string{
		"roots/director", "roots/image",
		"non_root/director", "non_root/image",
	} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("filestore: mkdir %s: %w", sub, err)
		}
	}
	return s, nil
}

var _ storage.Storage = (*Store)(nil)

func kindDir(kind api.RepositoryKind) string {
	if kind == api.RepositoryDirector {
		return "director"
	}
	return "image"
}

func (s *Store) rootPath(kind api.RepositoryKind, version int) string {
	return filepath.Join(s.root, "roots", kindDir(kind), fmt.Sprintf("v%d.json", version))
}

func (s *Store) nonRootPath(kind api.RepositoryKind, role api.Role) string {
	return filepath.Join(s.root, "non_root", kindDir(kind), role.FileName())
}

func (s *Store) LoadRoot(kind api.RepositoryKind, version int) ([]byte, bool, error) {
	return readFileOk(s.rootPath(kind, version))
}

func (s *Store) StoreRoot(kind api.RepositoryKind, version int, raw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeFileAtomic(s.rootPath(kind, version), raw)
}

func (s *Store) LatestRootVersion(kind api.RepositoryKind) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dir := filepath.Join(s.root, "roots", kindDir(kind))
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("filestore: list %s: %w", dir, err)
	}
	latest := 0
	for _, e := range entries {
		var v int
		if _, err := fmt.Sscanf(e.Name(), "v%d.json", &v); err != nil {
			continue
		}
		if v > latest {
			latest = v
		}
	}
	return latest, nil
}

func (s *Store) LoadNonRole(kind api.RepositoryKind, role api.Role) ([]byte, bool, error) {
	return readFileOk(s.nonRootPath(kind, role))
}

func (s *Store) StoreNonRole(kind api.RepositoryKind, role api.Role, raw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeFileAtomic(s.nonRootPath(kind, role), raw)
}

func (s *Store) InvalidateNonRoot(kind api.RepositoryKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, role := range []api.Role{api.RoleTimestamp, api.RoleSnapshot, api.RoleTargets} {
		p := s.nonRootPath(kind, role)
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("filestore: invalidate %s: %w", p, err)
		}
	}
	return nil
}

func (s *Store) LoadEcuInventory() (api.EcuInventory, error) {
	var inv api.EcuInventory
	ok, err := readJSON(filepath.Join(s.root, "ecu_serials"), &inv)
	if err != nil || !ok {
		return api.EcuInventory{}, err
	}
	return inv, nil
}

func (s *Store) StoreEcuInventory(inv api.EcuInventory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSON(filepath.Join(s.root, "ecu_serials"), inv)
}

func (s *Store) LoadMisconfiguredEcus() ([]api.MisconfiguredEcu, error) {
	var list []api.MisconfiguredEcu
	_, err := readJSON(filepath.Join(s.root, "misconfigured_ecus"), &list)
	return list, err
}

func (s *Store) StoreMisconfiguredEcus(list []api.MisconfiguredEcu) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSON(filepath.Join(s.root, "misconfigured_ecus"), list)
}

func (s *Store) secondaryRootVersionPath() string {
	return filepath.Join(s.root, "secondary_root_versions")
}

func (s *Store) loadSecondaryRootVersionsLocked() (map[string]int, error) {
	m := map[string]int{}
	if _, err := readJSON(s.secondaryRootVersionPath(), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Store) SecondaryRootVersion(serial api.EcuSerial, kind api.RepositoryKind) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.loadSecondaryRootVersionsLocked()
	if err != nil {
		return 0, err
	}
	return m[secondaryRootVersionKey(serial, kind)], nil
}

func (s *Store) SetSecondaryRootVersion(serial api.EcuSerial, kind api.RepositoryKind, version int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.loadSecondaryRootVersionsLocked()
	if err != nil {
		return err
	}
	m[secondaryRootVersionKey(serial, kind)] = version
	return writeJSON(s.secondaryRootVersionPath(), m)
}

func secondaryRootVersionKey(serial api.EcuSerial, kind api.RepositoryKind) string {
	return fmt.Sprintf("%s/%s", kind, serial)
}

func (s *Store) AppendInstalledVersion(rec storage.InstalledVersionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(filepath.Join(s.root, "installed_versions.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("filestore: open installed_versions.log: %w", err)
	}
	defer f.Close()
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("filestore: marshal installed-version record: %w", err)
	}
	w := bufio.NewWriter(f)
	if _, err := w.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("filestore: append installed-version record: %w", err)
	}
	return w.Flush()
}

func (s *Store) installResultsPath() string {
	return filepath.Join(s.root, "pending_install_results")
}

func (s *Store) RecordInstallResult(serial api.EcuSerial, result api.InstallationResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := map[api.EcuSerial]api.InstallationResult{}
	if _, err := readJSON(s.installResultsPath(), &m); err != nil {
		return err
	}
	m[serial] = result
	return writeJSON(s.installResultsPath(), m)
}

func (s *Store) LoadPendingInstallResults() (map[api.EcuSerial]api.InstallationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := map[api.EcuSerial]api.InstallationResult{}
	if _, err := readJSON(s.installResultsPath(), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Store) LoadTLSCreds() (storage.TLSCreds, bool, error) {
	var c storage.TLSCreds
	ok, err := readJSON(filepath.Join(s.root, "tls_creds"), &c)
	return c, ok, err
}

func (s *Store) StoreTLSCreds(c storage.TLSCreds) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSON(filepath.Join(s.root, "tls_creds"), c)
}

func (s *Store) DeviceKeyID() (string, bool, error) {
	b, ok, err := readFileOk(filepath.Join(s.root, "device_key_id"))
	if err != nil || !ok {
		return "", ok, err
	}
	return string(b), true, nil
}

func (s *Store) StoreDeviceKeyID(keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeFileAtomic(filepath.Join(s.root, "device_key_id"), []byte(keyID))
}

func (s *Store) DeviceKeyMaterial() ([]byte, bool, error) {
	return readFileOk(filepath.Join(s.root, "device_key"))
}

func (s *Store) StoreDeviceKeyMaterial(material []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeFileAtomic(filepath.Join(s.root, "device_key"), material)
}

func (s *Store) pendingRebootTargetPath() string { return filepath.Join(s.root, "pending_reboot_target") }

func (s *Store) SetPendingRebootTarget(target api.Target) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSON(s.pendingRebootTargetPath(), pendingRebootTargetBody{Target: target, SetAt: time.Now()})
}

func (s *Store) PendingRebootTarget() (api.Target, bool, error) {
	var body pendingRebootTargetBody
	ok, err := readJSON(s.pendingRebootTargetPath(), &body)
	if err != nil || !ok {
		return api.Target{}, ok, err
	}
	return body.Target, true, nil
}

func (s *Store) ClearPendingRebootTarget() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.pendingRebootTargetPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("filestore: clear pending reboot target: %w", err)
	}
	return nil
}

type pendingRebootTargetBody struct {
	Target api.Target
	SetAt  time.Time
}

func readFileOk(path string) ([]byte, bool, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("filestore: read %s: %w", path, err)
	}
	return b, true, nil
}

func readJSON(path string, out interface{}) (bool, error) {
	b, ok, err := readFileOk(path)
	if err != nil || !ok {
		return ok, err
	}
	if err := json.Unmarshal(b, out); err != nil {
		return true, fmt.Errorf("filestore: decode %s: %w", path, err)
	}
	return true, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("filestore: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("filestore: rename %s -> %s: %w", tmp, path, err)
	}
	return nil
}

func writeJSON(path string, v interface{}) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("filestore: encode %s: %w", path, err)
	}
	return writeFileAtomic(path, b)
}
