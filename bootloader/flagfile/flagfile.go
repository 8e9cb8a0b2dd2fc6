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

// Package flagfile is the reference bootloader.Bootloader: a presence
// file on disk (spec §6 "Reboot flag. A presence-file..."), the way the
// teacher's devices/dummy package signals state across process restarts
// by the mere existence of a file rather than its contents. A real
// integration would instead ask an actual bootloader (U-Boot env,
// grub-reboot, systemd boot counting) whether its own reboot-pending
// marker survived; this implementation is the one the primary binary
// uses when no such integration is configured.
package flagfile

import (
	"fmt"
	"os"
	"path/filepath"
)

// Flag is a Bootloader backed by the presence of one file.
type Flag struct {
	path string
}

// New returns a Flag whose presence file lives at path.
func New(path string) *Flag {
	return &Flag{path: path}
}

func (f *Flag) SetRebootFlag() error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("bootloader/flagfile: mkdir: %w", err)
	}
	if err := os.WriteFile(f.path, []byte{}, 0o644); err != nil {
		return fmt.Errorf("bootloader/flagfile: set flag: %w", err)
	}
	return nil
}

func (f *Flag) RebootDetected() (bool, error) {
	_, err := os.Stat(f.path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("bootloader/flagfile: stat flag: %w", err)
}

func (f *Flag) ClearRebootFlag() error {
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("bootloader/flagfile: clear flag: %w", err)
	}
	return nil
}
