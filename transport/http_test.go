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

package transport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/uptaneclient/primary/internal/flowcontrol"
)

func TestGetOversizedBodyNeverBuffered(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("a", 100)))
	}))
	defer srv.Close()

	base, _ := url.Parse(srv.URL + "/")
	tr := NewHTTPTransport(base, base)
	token := flowcontrol.Background()

	_, err := tr.Get(context.Background(), token, EndpointDirector, "root.json", 10)
	if !IsOversized(err) {
		t.Fatalf("Get() err = %v, want IsOversized", err)
	}
}

func TestGetWithinCapSucceeds(t *testing.T) {
	want := "hello uptane"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(want))
	}))
	defer srv.Close()

	base, _ := url.Parse(srv.URL + "/")
	tr := NewHTTPTransport(base, base)
	token := flowcontrol.Background()

	resp, err := tr.Get(context.Background(), token, EndpointImage, "targets.json", 1024)
	if err != nil {
		t.Fatalf("Get() err = %v", err)
	}
	if string(resp.Body) != want {
		t.Errorf("Get() body = %q, want %q", resp.Body, want)
	}
}

func TestGetCancelledTokenSkipsRequest(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	base, _ := url.Parse(srv.URL + "/")
	tr := NewHTTPTransport(base, base)
	token, cancel := flowcontrol.New(context.Background())
	cancel()

	if _, err := tr.Get(context.Background(), token, EndpointDirector, "root.json", 1024); err == nil {
		t.Error("Get() with a cancelled token succeeded, want error")
	}
	if called {
		t.Error("Get() hit the server despite a cancelled token")
	}
}

func TestPutRoundTrip(t *testing.T) {
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	base, _ := url.Parse(srv.URL + "/")
	tr := NewHTTPTransport(base, base)
	token := flowcontrol.Background()

	resp, err := tr.Put(context.Background(), token, EndpointDirector, "manifest", []byte(`{"ok":true}`))
	if err != nil {
		t.Fatalf("Put() err = %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Put() status = %d, want 200", resp.StatusCode)
	}
	if string(gotBody) != `{"ok":true}` {
		t.Errorf("Put() server saw body = %q", gotBody)
	}
}
