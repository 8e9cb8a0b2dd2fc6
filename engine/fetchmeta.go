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
	"github.com/uptaneclient/primary/resolver"
	"github.com/uptaneclient/primary/uptane"
)

// maxRootRotationSteps bounds the Root-version walk (spec §4.4 step 1:
// "bounded by a small constant... to stop infinite rotation attacks").
const maxRootRotationSteps = 1024

// doFetchMeta is the online iteration (spec §4.4 FetchMeta): refreshes
// the Director's Root chain and Targets, and, only if that yields new
// work, refreshes the Image repository's Root chain, Timestamp,
// Snapshot, and Targets in that order. Returns the approved targets.
func (e *Engine) doFetchMeta(ctx context.Context, token flowcontrol.Token) ([]api.Target, error) {
	e.setState(StateFetchingMeta)

	e.Director.ResetMeta()
	if err := e.rotateRoot(ctx, token, api.RepositoryDirector, e.Director); err != nil {
		return nil, err
	}
	if err := e.fetchAndVerify(ctx, token, api.RepositoryDirector, api.RoleTargets, e.Director.VerifyTargets); err != nil {
		return nil, err
	}

	directorTargets := e.Director.Targets()
	approved, err := e.resolveAgainstImage(ctx, token, directorTargets, true)
	if err != nil {
		return nil, err
	}
	if len(approved) > 0 {
		e.setState(StateUpdatesAvailable)
	} else {
		e.setState(StateIdle)
	}
	e.lastApproved = approved
	return approved, nil
}

// doCheckUpdates is the offline iteration (spec §4.4 CheckUpdates): the
// same decision as FetchMeta but reasoning only from what's already in
// Storage, used to decide whether to present updates without a network
// round trip. Mirrors uptaneOfflineIteration's two-step shape: decide
// whether the Director has new work (steps 1-3) before even looking at
// whatever Image Targets happen to be cached, then resolve for real
// (step 4 included) only if so.
func (e *Engine) doCheckUpdates() ([]api.Target, error) {
	director := e.inMemoryFromStorage(api.RepositoryDirector)
	if director == nil {
		return nil, api.NewError(api.ErrMetadataInvalid, "check-updates: no director metadata in storage")
	}
	directorTargets := director.Targets()

	hasNewWork, err := resolver.HasNewWork(directorTargets, e.inventory, e.currentInstalled)
	if err != nil {
		return nil, err
	}
	if !hasNewWork {
		e.lastApproved = nil
		return nil, nil
	}

	image := e.inMemoryFromStorage(api.RepositoryImage)
	approved, err := resolver.Select(directorTargets, imageTargetsOrEmpty(image), e.inventory, e.currentInstalled)
	if err != nil {
		return nil, err
	}
	e.lastApproved = approved.Targets
	return approved.Targets, nil
}

func imageTargetsOrEmpty(r *uptane.Repository) []api.Target {
	if r == nil {
		return nil
	}
	return r.Targets()
}

// inMemoryFromStorage replays whatever is durably stored for kind into
// a scratch Repository, used by the offline CheckUpdates path so it
// never touches the network.
func (e *Engine) inMemoryFromStorage(kind api.RepositoryKind) *uptane.Repository {
	r := uptane.New(kind, e.Crypto, nil)
	v, err := e.Storage.LatestRootVersion(kind)
	if err != nil || v == 0 {
		return nil
	}
	raw, ok, err := e.Storage.LoadRoot(kind, v)
	if err != nil || !ok {
		return nil
	}
	if err := r.InitRoot(raw); err != nil {
		return nil
	}
	if kind == api.RepositoryImage {
		if raw, ok, _ := e.Storage.LoadNonRole(kind, api.RoleTimestamp); ok {
			_ = r.VerifyTimestamp(raw)
		}
		if raw, ok, _ := e.Storage.LoadNonRole(kind, api.RoleSnapshot); ok {
			_ = r.VerifySnapshot(raw)
		}
	}
	if raw, ok, _ := e.Storage.LoadNonRole(kind, api.RoleTargets); ok {
		_ = r.VerifyTargets(raw)
	}
	return r
}

// rotateRoot walks Root versions from current+1 up to the latest
// available, bounded by maxRootRotationSteps (spec §4.4 step 1, §8
// property 5). Each accepted Root is stored atomically before moving on
// to the next.
func (e *Engine) rotateRoot(ctx context.Context, token flowcontrol.Token, kind api.RepositoryKind, repo *uptane.Repository) error {
	if !repo.HasRoot() {
		raw, err := e.Fetcher.FetchRole(ctx, token, kind, api.RoleRoot, 1)
		if err != nil {
			return api.WrapError(api.ErrTransport, err, "%s: fetch root v1", kind)
		}
		if err := repo.InitRoot(raw); err != nil {
			return err
		}
		if err := e.Storage.StoreRoot(kind, 1, raw); err != nil {
			return api.WrapError(api.ErrStorageFailure, err, "%s: store root v1", kind)
		}
		if err := e.Storage.InvalidateNonRoot(kind); err != nil {
			return api.WrapError(api.ErrStorageFailure, err, "%s: invalidate non-root after initial root", kind)
		}
	}
	for i := 0; i < maxRootRotationSteps; i++ {
		next := repo.RootVersion() + 1
		raw, err := e.Fetcher.FetchRole(ctx, token, kind, api.RoleRoot, next)
		if api.KindOf(err) == api.ErrNotFound {
			return nil // caught up; next isn't published yet
		}
		if err != nil {
			return api.WrapError(api.ErrTransport, err, "%s: fetch root v%d", kind, next)
		}
		if err := repo.VerifyRoot(raw); err != nil {
			return err
		}
		if err := e.Storage.StoreRoot(kind, next, raw); err != nil {
			return api.WrapError(api.ErrStorageFailure, err, "%s: store root v%d", kind, next)
		}
		if err := e.Storage.InvalidateNonRoot(kind); err != nil {
			return api.WrapError(api.ErrStorageFailure, err, "%s: invalidate non-root after root v%d", kind, next)
		}
		glog.V(1).Infof("engine: %s root rotated to v%d", kind, next)
	}
	return api.NewError(api.ErrMetadataInvalid, "%s: root rotation exceeded %d steps, possible rotation attack", kind, maxRootRotationSteps)
}

type verifyFunc func([]byte) error

// fetchAndVerify fetches the latest version of role from kind and
// verifies it against repo, storing it on success (spec §4.4 step 3:
// "Store each accepted role atomically to MetaStore").
func (e *Engine) fetchAndVerify(ctx context.Context, token flowcontrol.Token, kind api.RepositoryKind, role api.Role, verify verifyFunc) error {
	raw, err := e.Fetcher.FetchLatestRole(ctx, token, kind, role)
	if err != nil {
		return api.WrapError(api.ErrTransport, err, "%s: fetch %s", kind, role)
	}
	if err := verify(raw); err != nil {
		return err
	}
	if err := e.Storage.StoreNonRole(kind, role, raw); err != nil {
		return api.WrapError(api.ErrStorageFailure, err, "%s: store %s", kind, role)
	}
	return nil
}

// resolveAgainstImage checks whether directorTargets yield new work at
// all (spec §4.3 steps 1-3: known ECU, matching hardware-id, not already
// installed — never step 4's image authorization, which requires Image
// Targets this device may not have fetched yet); if so (and online is
// true) it refreshes the Image repository's full chain before doing the
// real resolution (spec §4.4 step 2: "Director precedes Image for a
// given iteration"). Mirrors original_source's two-step
// uptaneIteration: getNewTargets decides "new", then Image metadata is
// fetched and the real (step-4-inclusive) resolution happens after.
func (e *Engine) resolveAgainstImage(ctx context.Context, token flowcontrol.Token, directorTargets []api.Target, online bool) ([]api.Target, error) {
	hasNewWork, err := resolver.HasNewWork(directorTargets, e.inventory, e.currentInstalled)
	if err != nil {
		return nil, err
	}
	if !hasNewWork {
		return nil, nil
	}
	if online {
		e.Image.ResetMeta()
		if err := e.rotateRoot(ctx, token, api.RepositoryImage, e.Image); err != nil {
			return nil, err
		}
		if err := e.fetchAndVerify(ctx, token, api.RepositoryImage, api.RoleTimestamp, e.Image.VerifyTimestamp); err != nil {
			return nil, err
		}
		if err := e.fetchAndVerify(ctx, token, api.RepositoryImage, api.RoleSnapshot, e.Image.VerifySnapshot); err != nil {
			return nil, err
		}
		if err := e.fetchAndVerify(ctx, token, api.RepositoryImage, api.RoleTargets, e.Image.VerifyTargets); err != nil {
			return nil, err
		}
	}
	result, err := resolver.Select(directorTargets, e.Image.Targets(), e.inventory, e.currentInstalled)
	if err != nil {
		return nil, err
	}
	if err := e.Storage.StoreMisconfiguredEcus(result.Misconfigured); err != nil {
		glog.Warningf("engine: failed to persist misconfigured ecu list: %v", err)
	}
	return result.Targets, nil
}

// currentInstalled answers resolver.CurrentInstalled for the Primary
// ECU from the PackageDriver. The engine doesn't cache Secondaries'
// last-reported manifests, so every Secondary is reported as
// not-installed (never short-circuits a real update).
func (e *Engine) currentInstalled(serial api.EcuSerial) (string, bool) {
	if primary, ok := e.inventory.Primary(); ok && primary.Serial == serial {
		t, err := e.Primary.Current()
		if err != nil {
			return "", false
		}
		return t.Filename, t.Filename != ""
	}
	return "", false
}
