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

// Package ostree is a PackageDriver modeling OSTree's content-addressed
// ref/commit install semantics: pull a ref, deploy it, record the
// booted deployment. Adapted from the teacher's devices/usbarmory/flash
// (a raw block device plus a mount-point staging area for a proof
// bundle), generalized from "write firmware.bin to a block device" to
// "pull an OSTree ref, stage a deployment, and track staged-vs-booted"
// the way original_source's ostreemanager.cc does (the ground truth for
// this sequencing: a reimplementation should require at least a SHA-256
// hash of the ref commit, per spec §9's Open Question).
package ostree

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/golang/glog"

	"github.com/uptaneclient/primary/api"
	"github.com/uptaneclient/primary/internal/flowcontrol"
	"github.com/uptaneclient/primary/packagemanager"
)

const deploymentStateFile = "deployment.json"

// RefFetcher pulls the bytes of an OSTree ref/commit from the image
// server's OSTree repo; kept narrow so this driver doesn't need the
// full transport.Transport surface.
type RefFetcher interface {
	FetchRef(ctx context.Context, token flowcontrol.Token, uri string) ([]byte, error)
}

// Driver models one OSTree sysroot. MountPoint is the deployment
// staging area (spec §9's "SHA-256 of the ref commit" requirement is
// enforced in Fetch).
type Driver struct {
	MountPoint string
	Refs       RefFetcher

	mu      sync.Mutex
	booted  api.Target // the currently-booted deployment
	staged  *api.Target
	pending *api.Target // set by Install, cleared by Finalize
}

var _ packagemanager.Driver = (*Driver)(nil)

// New constructs an ostree Driver rooted at mountPoint, loading any
// previously recorded deployment state.
func New(mountPoint string, refs RefFetcher) (*Driver, error) {
	if err := os.MkdirAll(mountPoint, 0o755); err != nil {
		return nil, fmt.Errorf("packagemanager/ostree: mkdir %s: %w", mountPoint, err)
	}
	d := &Driver{MountPoint: mountPoint, Refs: refs}
	b, err := os.ReadFile(filepath.Join(mountPoint, deploymentStateFile))
	if err == nil {
		var st deploymentState
		if jerr := json.Unmarshal(b, &st); jerr == nil {
			d.booted = st.Booted
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("packagemanager/ostree: read state: %w", err)
	}
	return d, nil
}

type deploymentState struct {
	Booted api.Target
}

func (d *Driver) Name() string { return "ostree" }

// Fetch pulls target's ref/commit from the Image repository's OSTree
// store, requiring at least a SHA-256 hash of the commit (spec §9 Open
// Question: "a reimplementation should decide explicitly that OSTree
// targets require at least a SHA-256 hash of the ref commit and fail
// otherwise").
func (d *Driver) Fetch(ctx context.Context, token flowcontrol.Token, target api.Target, progress packagemanager.ProgressFunc) error {
	if _, ok := target.HashOf(api.HashSHA256); !ok {
		return api.NewError(api.ErrHashMismatch, "ostree target %q has no SHA-256 hash of its ref commit", target.Filename)
	}
	if res, _ := d.Verify(target); res == packagemanager.VerifyGood {
		return nil
	}
	if d.Refs == nil {
		return api.NewError(api.ErrConfiguration, "packagemanager/ostree: no ref fetcher configured for %q", target.Filename)
	}
	commit, err := d.Refs.FetchRef(ctx, token, target.Custom.URI)
	if err != nil {
		return api.WrapError(api.ErrTransport, err, "pull ostree ref %q", target.Custom.URI)
	}
	if progress != nil {
		progress(int64(len(commit)), int64(len(commit)))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	t := target
	d.staged = &t
	return nil
}

func (d *Driver) Verify(target api.Target) (packagemanager.VerifyResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.staged != nil && d.staged.Filename == target.Filename && d.staged.SameContent(target) {
		return packagemanager.VerifyGood, nil
	}
	if d.booted.Filename == target.Filename && d.booted.SameContent(target) {
		return packagemanager.VerifyGood, nil
	}
	return packagemanager.VerifyNotFound, nil
}

func (d *Driver) Install(target api.Target) (api.InstallationResult, error) {
	if target.Custom.Type != api.TargetTypeUnknown && target.Custom.Type != api.TargetTypeOSTree {
		return api.InstallationResult{ID: target.Filename, Code: api.InstallValidationFailed, Description: "ostree driver cannot install non-ostree target type"}, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.staged == nil || d.staged.Filename != target.Filename {
		return api.InstallationResult{ID: target.Filename, Code: api.InstallFailed, Description: "ref not pulled"}, nil
	}
	if d.pending != nil {
		return api.InstallationResult{ID: target.Filename, Code: api.InstallInProgress, Description: "a deployment is already pending completion"}, nil
	}
	t := *d.staged
	d.pending = &t
	glog.V(1).Infof("packagemanager/ostree: deployment %q staged, awaiting reboot", target.Filename)
	return api.InstallationResult{ID: target.Filename, Code: api.InstallNeedCompletion, Description: "deployment staged; reboot to complete"}, nil
}

func (d *Driver) Finalize(target api.Target) (api.InstallationResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending == nil || d.pending.Filename != target.Filename {
		return api.InstallationResult{ID: target.Filename, Code: api.InstallFailed, Description: "no pending deployment for this target"}, nil
	}
	d.booted = *d.pending
	d.pending = nil
	d.staged = nil
	b, err := json.Marshal(deploymentState{Booted: d.booted})
	if err != nil {
		return api.InstallationResult{}, fmt.Errorf("packagemanager/ostree: marshal state: %w", err)
	}
	if err := os.WriteFile(filepath.Join(d.MountPoint, deploymentStateFile), b, 0o644); err != nil {
		return api.InstallationResult{}, fmt.Errorf("packagemanager/ostree: write state: %w", err)
	}
	return api.InstallationResult{ID: target.Filename, Code: api.InstallOk, Description: "deployment finalized"}, nil
}

func (d *Driver) Current() (api.Target, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.booted, nil
}

func (d *Driver) CurrentHash() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if h, ok := d.booted.HashOf(api.HashSHA256); ok {
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
	if d.booted.Filename == "" {
		return nil, nil
	}
	return []api.Target{d.booted}, nil
}
