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

package fetcher

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/uptaneclient/primary/api"
	"github.com/uptaneclient/primary/internal/flowcontrol"
	"github.com/uptaneclient/primary/transport"
)

// fakeTransport scripts a sequence of responses/errors per call, used to
// exercise Fetcher's retry and byte-cap behavior without a real socket.
type fakeTransport struct {
	calls int
	resps []transport.Response
	errs  []error
}

func (f *fakeTransport) Get(ctx context.Context, token flowcontrol.Token, repo transport.RepoEndpoint, path string, maxBytes int64) (transport.Response, error) {
	i := f.calls
	f.calls++
	if i >= len(f.resps) {
		i = len(f.resps) - 1
	}
	var err error
	if i < len(f.errs) {
		err = f.errs[i]
	}
	return f.resps[i], err
}

func (f *fakeTransport) Put(ctx context.Context, token flowcontrol.Token, repo transport.RepoEndpoint, path string, body []byte) (transport.Response, error) {
	return transport.Response{}, nil
}

func noSleepBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxElapsedTime = 200 * time.Millisecond
	return b
}

func TestFetchRoleNotFound(t *testing.T) {
	ft := &fakeTransport{resps: []transport.Response{{StatusCode: http.StatusNotFound}}}
	f := &Fetcher{Transport: ft, Backoff: noSleepBackoff}
	token, cancel := flowcontrol.New(context.Background())
	defer cancel()

	_, err := f.FetchRole(context.Background(), token, api.RepositoryDirector, api.RoleRoot, 2)
	if api.KindOf(err) != api.ErrNotFound {
		t.Fatalf("FetchRole() kind = %v, want ErrNotFound", api.KindOf(err))
	}
}

func TestFetchRoleBadRequestNotRetried(t *testing.T) {
	ft := &fakeTransport{resps: []transport.Response{{StatusCode: http.StatusBadRequest}}}
	f := &Fetcher{Transport: ft, Backoff: noSleepBackoff}
	token, cancel := flowcontrol.New(context.Background())
	defer cancel()

	_, err := f.FetchLatestRole(context.Background(), token, api.RepositoryDirector, api.RoleRoot)
	if api.KindOf(err) != api.ErrTransport {
		t.Fatalf("FetchLatestRole() kind = %v, want ErrTransport", api.KindOf(err))
	}
	if ft.calls != 1 {
		t.Errorf("non-retryable status was retried %d times, want 1", ft.calls)
	}
}

func TestFetchRoleRetriesTransientThenSucceeds(t *testing.T) {
	ft := &fakeTransport{
		resps: []transport.Response{
			{StatusCode: http.StatusServiceUnavailable},
			{StatusCode: http.StatusOK, Body: []byte(`{"signed":{},"signatures":[]}`)},
		},
	}
	f := &Fetcher{Transport: ft, Backoff: noSleepBackoff}
	token, cancel := flowcontrol.New(context.Background())
	defer cancel()

	body, err := f.FetchLatestRole(context.Background(), token, api.RepositoryDirector, api.RoleTimestamp)
	if err != nil {
		t.Fatalf("FetchLatestRole() err = %v, want nil after retry", err)
	}
	if string(body) != `{"signed":{},"signatures":[]}` {
		t.Errorf("FetchLatestRole() body = %q", body)
	}
	if ft.calls < 2 {
		t.Errorf("FetchLatestRole() calls = %d, want >= 2 (retried)", ft.calls)
	}
}

func TestFetchRoleCancelledTokenAborts(t *testing.T) {
	ft := &fakeTransport{resps: []transport.Response{{StatusCode: http.StatusOK}}}
	f := &Fetcher{Transport: ft, Backoff: noSleepBackoff}
	token, cancel := flowcontrol.New(context.Background())
	cancel()

	_, err := f.FetchLatestRole(context.Background(), token, api.RepositoryDirector, api.RoleRoot)
	if api.KindOf(err) != api.ErrTransport {
		t.Fatalf("FetchLatestRole() kind = %v, want ErrTransport", api.KindOf(err))
	}
	if ft.calls != 0 {
		t.Errorf("FetchLatestRole() called transport %d times on a pre-cancelled token, want 0", ft.calls)
	}
}
