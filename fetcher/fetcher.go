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

// Package fetcher performs bounded-size role downloads over an injected
// transport.Transport, retrying transient transport errors (spec §4.2).
// It never parses a response past its byte cap; an oversized body is a
// LengthMismatch regardless of what it contains.
package fetcher

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang/glog"
	"google.golang.org/grpc/codes"

	"github.com/uptaneclient/primary/api"
	"github.com/uptaneclient/primary/internal/flowcontrol"
	"github.com/uptaneclient/primary/transport"
)

// Default per-role byte caps (spec §4.2).
const (
	MaxRootBytes            = 64 * 1024
	MaxTimestampBytes       = 64 * 1024
	MaxSnapshotBytes        = 2 * 1024 * 1024
	MaxImageTargetsBytes    = 8 * 1024 * 1024
	MaxDirectorTargetsBytes = 1 * 1024 * 1024
)

// Fetcher wraps a transport.Transport with spec §4.2's bounded-retry,
// bounded-size role download contract.
type Fetcher struct {
	Transport transport.Transport
	// Backoff constructs a fresh retry policy per call; overridable in
	// tests to avoid real sleeps.
	Backoff func() backoff.BackOff
}

// New builds a Fetcher with the teacher's standard exponential-backoff
// policy (cenkalti/backoff/v4), capped so a single fetch can't retry
// forever against a persistently failing server.
func New(t transport.Transport) *Fetcher {
	return &Fetcher{
		Transport: t,
		Backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxElapsedTime = 10 * time.Second
			return b
		},
	}
}

func repoEndpoint(kind api.RepositoryKind) transport.RepoEndpoint {
	if kind == api.RepositoryImage {
		return transport.EndpointImage
	}
	return transport.EndpointDirector
}

func maxBytesFor(kind api.RepositoryKind, role api.Role) int64 {
	switch role {
	case api.RoleRoot:
		return MaxRootBytes
	case api.RoleTimestamp:
		return MaxTimestampBytes
	case api.RoleSnapshot:
		return MaxSnapshotBytes
	case api.RoleTargets:
		if kind == api.RepositoryImage {
			return MaxImageTargetsBytes
		}
		return MaxDirectorTargetsBytes
	default:
		return MaxSnapshotBytes
	}
}

// FetchRole downloads a specific version of role from kind's repository.
func (f *Fetcher) FetchRole(ctx context.Context, token flowcontrol.Token, kind api.RepositoryKind, role api.Role, version int) ([]byte, error) {
	path := fmt.Sprintf("%d.%s", version, role.FileName())
	return f.fetch(ctx, token, kind, role, path)
}

// FetchLatestRole downloads the latest version of role from kind's
// repository (used for Timestamp, which has no version-qualified path,
// and for an unversioned "current" fetch of any role).
func (f *Fetcher) FetchLatestRole(ctx context.Context, token flowcontrol.Token, kind api.RepositoryKind, role api.Role) ([]byte, error) {
	return f.fetch(ctx, token, kind, role, role.FileName())
}

func (f *Fetcher) fetch(ctx context.Context, token flowcontrol.Token, kind api.RepositoryKind, role api.Role, path string) ([]byte, error) {
	maxBytes := maxBytesFor(kind, role)
	var body []byte
	op := func() error {
		if !token.CanContinue() {
			return backoff.Permanent(api.WrapError(api.ErrTransport, token.Err(), "%s: fetch %s cancelled", kind, role))
		}
		resp, err := f.Transport.Get(ctx, token, repoEndpoint(kind), path, maxBytes)
		if err != nil {
			if transport.IsOversized(err) {
				return backoff.Permanent(api.WrapError(api.ErrLengthMismatch, err, "%s: %s exceeds %d byte cap", kind, role, maxBytes))
			}
			return api.WrapError(api.ErrTransport, err, "%s: fetch %s", kind, role)
		}
		if resp.StatusCode == http.StatusNotFound {
			return backoff.Permanent(api.NewError(api.ErrNotFound, "%s: %s not found", kind, role))
		}
		if !isRetryable(resp.StatusCode) && resp.StatusCode != http.StatusOK {
			return backoff.Permanent(api.NewError(api.ErrTransport, "%s: fetch %s: http %d", kind, role, resp.StatusCode))
		}
		if resp.StatusCode != http.StatusOK {
			return api.NewError(api.ErrTransport, "%s: fetch %s: http %d", kind, role, resp.StatusCode)
		}
		body = resp.Body
		return nil
	}
	bo := f.Backoff()
	if err := backoff.Retry(op, bo); err != nil {
		glog.Warningf("fetcher: %s %s failed: %v", kind, role, err)
		return nil, err
	}
	return body, nil
}

// isRetryable classifies an HTTP status the way the teacher's
// client.codeFromHTTPResponse maps statuses to grpc/codes. Unlike the
// teacher's version, codeFromHTTPResponse here only names the statuses
// this Fetcher actually treats as transient (resp.StatusCode == OK and
// == NotFound are already handled by the caller); everything else
// collapses to Unknown, not retryable.
func isRetryable(status int) bool {
	switch codeFromHTTPResponse(status) {
	case codes.Canceled, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Unavailable, codes.Internal:
		return true
	default:
		return false
	}
}

func codeFromHTTPResponse(r int) codes.Code {
	switch r {
	case http.StatusRequestTimeout:
		return codes.Canceled
	case http.StatusGatewayTimeout:
		return codes.DeadlineExceeded
	case http.StatusTooManyRequests:
		return codes.ResourceExhausted
	case http.StatusServiceUnavailable:
		return codes.Unavailable
	case http.StatusInternalServerError:
		return codes.Internal
	default:
		return codes.Unknown
	}
}
