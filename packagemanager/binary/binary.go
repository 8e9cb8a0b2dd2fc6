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

// Package binary is a PackageDriver that stages an arbitrary named
// target file on the local filesystem, adapted from the teacher's
// devices/dummy (which sorts a fixed "firmware.bin" + "bundle.json"
// pair on disk) and generalized to any Target by filename. Fetch reads
// the whole body, then checks its length and declared hashes before
// staging it; hashes are not verified incrementally (spec §4.4 Download).
package binary

import (
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"os"
	"path/filepath"
	"sync"

	"github.com/golang/glog"

	"github.com/uptaneclient/primary/api"
	"github.com/uptaneclient/primary/internal/flowcontrol"
	"github.com/uptaneclient/primary/packagemanager"
	"github.com/uptaneclient/primary/transport"
)

const stateFile = "current.json"

// Driver stores staged images under StagingDir/<filename> and tracks
// the currently-installed target in a small JSON state file, the way
// the teacher's dummy device tracks its bundle.json.
type Driver struct {
	StagingDir string
	Fetch_     transport.Transport // used to pull target bytes named by Target.Custom.URI

	mu      sync.Mutex
	current api.Target
	pending *api.Target // set by Install, cleared by Finalize (spec §8 property 9)
}

var _ packagemanager.Driver = (*Driver)(nil)

// New constructs a binary Driver rooted at dir, loading any previously
// recorded current target.
func New(dir string, t transport.Transport) (*Driver, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("packagemanager/binary: mkdir %s: %w", dir, err)
	}
	d := &Driver{StagingDir: dir, Fetch_: t}
	b, err := os.ReadFile(filepath.Join(dir, stateFile))
	if err == nil {
		_ = json.Unmarshal(b, &d.current)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("packagemanager/binary: read state: %w", err)
	}
	return d, nil
}

func (d *Driver) Name() string { return "binary" }

func (d *Driver) stagedPath(target api.Target) string {
	return filepath.Join(d.StagingDir, target.Filename)
}

// Fetch is idempotent: if the staged file already verifies, it's left
// alone (spec §4.6 "fetch as idempotent").
func (d *Driver) Fetch(ctx context.Context, token flowcontrol.Token, target api.Target, progress packagemanager.ProgressFunc) error {
	if res, _ := d.Verify(target); res == packagemanager.VerifyGood {
		return nil
	}
	if d.Fetch_ == nil {
		return api.NewError(api.ErrConfiguration, "packagemanager/binary: no transport configured to fetch %q", target.Filename)
	}
	resp, err := d.Fetch_.Get(ctx, token, transport.EndpointImage, target.Custom.URI, target.Length)
	if err != nil {
		return api.WrapError(api.ErrTransport, err, "fetch %q", target.Filename)
	}
	if int64(len(resp.Body)) != target.Length {
		return api.NewError(api.ErrLengthMismatch, "fetched %q: got %d bytes, want %d", target.Filename, len(resp.Body), target.Length)
	}
	if err := verifyHashes(target, resp.Body); err != nil {
		return err
	}
	if progress != nil {
		progress(int64(len(resp.Body)), target.Length)
	}
	if err := os.WriteFile(d.stagedPath(target), resp.Body, 0o644); err != nil {
		return fmt.Errorf("packagemanager/binary: stage %q: %w", target.Filename, err)
	}
	return nil
}

func (d *Driver) Verify(target api.Target) (packagemanager.VerifyResult, error) {
	b, err := os.ReadFile(d.stagedPath(target))
	if err != nil {
		if os.IsNotExist(err) {
			return packagemanager.VerifyNotFound, nil
		}
		return packagemanager.VerifyUnknown, fmt.Errorf("packagemanager/binary: read staged %q: %w", target.Filename, err)
	}
	if int64(len(b)) != target.Length {
		return packagemanager.VerifyNotFound, nil
	}
	if err := verifyHashes(target, b); err != nil {
		return packagemanager.VerifyNotFound, nil
	}
	return packagemanager.VerifyGood, nil
}

func verifyHashes(target api.Target, data []byte) error {
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

func (d *Driver) Install(target api.Target) (api.InstallationResult, error) {
	if target.Custom.Type != api.TargetTypeUnknown && target.Custom.Type != api.TargetTypeBinary {
		return api.InstallationResult{ID: target.Filename, Code: api.InstallValidationFailed, Description: "binary driver cannot install non-binary target type"}, nil
	}
	if res, err := d.Verify(target); err != nil || res != packagemanager.VerifyGood {
		return api.InstallationResult{ID: target.Filename, Code: api.InstallFailed, Description: "staged image missing or failed verification"}, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending != nil {
		return api.InstallationResult{ID: target.Filename, Code: api.InstallInProgress, Description: "an install is already pending completion"}, nil
	}
	t := target
	d.pending = &t
	glog.V(1).Infof("packagemanager/binary: install %q staged, awaiting finalize", target.Filename)
	return api.InstallationResult{ID: target.Filename, Code: api.InstallNeedCompletion, Description: "staged; reboot to complete"}, nil
}

func (d *Driver) Finalize(target api.Target) (api.InstallationResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending == nil || d.pending.Filename != target.Filename {
		return api.InstallationResult{ID: target.Filename, Code: api.InstallFailed, Description: "no pending install for this target"}, nil
	}
	d.current = *d.pending
	d.pending = nil
	if err := d.saveStateLocked(); err != nil {
		return api.InstallationResult{}, err
	}
	return api.InstallationResult{ID: target.Filename, Code: api.InstallOk, Description: "finalized"}, nil
}

func (d *Driver) saveStateLocked() error {
	b, err := json.Marshal(d.current)
	if err != nil {
		return fmt.Errorf("packagemanager/binary: marshal state: %w", err)
	}
	if err := os.WriteFile(filepath.Join(d.StagingDir, stateFile), b, 0o644); err != nil {
		return fmt.Errorf("packagemanager/binary: write state: %w", err)
	}
	return nil
}

func (d *Driver) Current() (api.Target, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current, nil
}

func (d *Driver) CurrentHash() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if h, ok := d.current.HashOf(api.HashSHA256); ok {
		return h.HexDigest, nil
	}
	return "", nil
}

func (d *Driver) ImageUpdated() (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending == nil, nil
}

func (d *Driver) InstalledPackages() ([]api.Target, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.current.Filename == "" {
		return nil, nil
	}
	return []api.Target{d.current}, nil
}
