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

package binary

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"testing"

	"github.com/uptaneclient/primary/api"
	"github.com/uptaneclient/primary/internal/flowcontrol"
	"github.com/uptaneclient/primary/transport"
)

func targetFor(data []byte, name string) api.Target {
	sum := sha256.Sum256(data)
	return api.Target{
		Filename: name,
		Length:   int64(len(data)),
		Hashes:   []api.Hash{{Algorithm: api.HashSHA256, HexDigest: hex.EncodeToString(sum[:])}},
		Custom:   api.TargetCustom{URI: name},
	}
}

func newTestDriver(t *testing.T, tr transport.Transport) *Driver {
	t.Helper()
	dir := t.TempDir()
	d, err := New(dir, tr)
	if err != nil {
		t.Fatalf("New() err = %v", err)
	}
	return d
}

// TestAtMostOnePendingDeployment is spec §8 property 9: after Install
// returns NeedCompletion, ImageUpdated is false; after Finalize it's
// true again.
func TestAtMostOnePendingDeployment(t *testing.T) {
	payload := []byte("firmware-bytes")
	target := targetFor(payload, "fw.bin")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()
	base, _ := url.Parse(srv.URL + "/")
	d := newTestDriver(t, transport.NewHTTPTransport(base, base))

	token := flowcontrol.Background()
	if err := d.Fetch(context.Background(), token, target, nil); err != nil {
		t.Fatalf("Fetch() err = %v", err)
	}

	res, err := d.Install(target)
	if err != nil || res.Code != api.InstallNeedCompletion {
		t.Fatalf("Install() = %+v, %v, want InstallNeedCompletion", res, err)
	}
	if up, _ := d.ImageUpdated(); up {
		t.Error("ImageUpdated() = true right after Install(), want false")
	}

	res2, err := d.Install(target)
	if err != nil || res2.Code != api.InstallInProgress {
		t.Fatalf("second Install() = %+v, %v, want InstallInProgress", res2, err)
	}

	res3, err := d.Finalize(target)
	if err != nil || res3.Code != api.InstallOk {
		t.Fatalf("Finalize() = %+v, %v, want InstallOk", res3, err)
	}
	if up, _ := d.ImageUpdated(); !up {
		t.Error("ImageUpdated() = false after Finalize(), want true")
	}

	cur, err := d.Current()
	if err != nil || cur.Filename != "fw.bin" {
		t.Errorf("Current() = %+v, %v", cur, err)
	}
}

func TestFetchIsIdempotentWhenAlreadyVerified(t *testing.T) {
	payload := []byte("firmware-bytes")
	target := targetFor(payload, "fw.bin")

	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write(payload)
	}))
	defer srv.Close()
	base, _ := url.Parse(srv.URL + "/")
	d := newTestDriver(t, transport.NewHTTPTransport(base, base))

	token := flowcontrol.Background()
	if err := d.Fetch(context.Background(), token, target, nil); err != nil {
		t.Fatalf("first Fetch() err = %v", err)
	}
	if err := d.Fetch(context.Background(), token, target, nil); err != nil {
		t.Fatalf("second Fetch() err = %v", err)
	}
	if calls != 1 {
		t.Errorf("server hit %d times, want 1 (second Fetch should be a no-op)", calls)
	}
}

func TestFetchRejectsWrongLengthPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("wrong-bytes"))
	}))
	defer srv.Close()
	base, _ := url.Parse(srv.URL + "/")
	d := newTestDriver(t, transport.NewHTTPTransport(base, base))

	target := targetFor([]byte("expected-bytes"), "fw.bin")
	token := flowcontrol.Background()
	err := d.Fetch(context.Background(), token, target, nil)
	if api.KindOf(err) != api.ErrLengthMismatch {
		t.Fatalf("Fetch() kind = %v, want ErrLengthMismatch (length differs before hashing)", api.KindOf(err))
	}
	if _, statErr := os.Stat(d.stagedPath(target)); !os.IsNotExist(statErr) {
		t.Error("Fetch() left a staged file behind after rejecting the payload")
	}
}

func TestInstallRejectsWrongDriverType(t *testing.T) {
	d := newTestDriver(t, nil)
	target := targetFor([]byte("x"), "fw.bin")
	target.Custom.Type = api.TargetTypeOSTree

	res, err := d.Install(target)
	if err != nil {
		t.Fatalf("Install() err = %v", err)
	}
	if res.Code != api.InstallValidationFailed {
		t.Errorf("Install() code = %v, want InstallValidationFailed for an OSTree target on a binary driver", res.Code)
	}
}
