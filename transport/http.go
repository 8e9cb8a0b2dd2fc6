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
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/golang/glog"

	"github.com/uptaneclient/primary/internal/flowcontrol"
)

// HTTPTransport is the reference Transport, built the way the teacher's
// internal/client.Client/WitnessClient build theirs: a base *url.URL per
// endpoint plus the stdlib net/http client, here extended with a
// FlowControlToken check before every request (spec §5) and an optional
// mutual-TLS client identity sourced from the provisioned tls_creds
// (spec §6).
type HTTPTransport struct {
	DirectorURL *url.URL
	ImageURL    *url.URL
	Client      *http.Client
}

var _ Transport = (*HTTPTransport)(nil)

// NewHTTPTransport builds a transport against the given base URLs using
// plain TLS (no client certificate).
func NewHTTPTransport(directorURL, imageURL *url.URL) *HTTPTransport {
	return &HTTPTransport{DirectorURL: directorURL, ImageURL: imageURL, Client: &http.Client{}}
}

// WithClientCert returns a copy of t configured to present the given
// mutual-TLS client identity on every request, the identity issued
// during Provision (spec §4.4, §6).
func (t *HTTPTransport) WithClientCert(caPEM []byte, cert tls.Certificate) (*HTTPTransport, error) {
	pool := x509.NewCertPool()
	if len(caPEM) > 0 && !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("transport: failed to parse CA certificate")
	}
	tr := &http.Transport{TLSClientConfig: &tls.Config{
		RootCAs:      pool,
		Certificates: []tls.Certificate{cert},
	}}
	return &HTTPTransport{DirectorURL: t.DirectorURL, ImageURL: t.ImageURL, Client: &http.Client{Transport: tr}}, nil
}

func (t *HTTPTransport) base(repo RepoEndpoint) *url.URL {
	if repo == EndpointImage {
		return t.ImageURL
	}
	return t.DirectorURL
}

func (t *HTTPTransport) Get(ctx context.Context, token flowcontrol.Token, repo RepoEndpoint, path string, maxBytes int64) (Response, error) {
	if !token.CanContinue() {
		return Response{}, fmt.Errorf("transport: get %s/%s: %w", repo, path, token.Err())
	}
	u, err := t.base(repo).Parse(path)
	if err != nil {
		return Response{}, fmt.Errorf("transport: bad path %q: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Response{}, fmt.Errorf("transport: new request: %w", err)
	}
	resp, err := t.Client.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("transport: get %s: %w", u, err)
	}
	defer resp.Body.Close()
	// Read at most maxBytes+1 so an oversized response is detected without
	// buffering the whole body (spec §4.2's per-role byte cap).
	limited := io.LimitReader(resp.Body, maxBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return Response{}, fmt.Errorf("transport: read body from %s: %w", u, err)
	}
	if int64(len(body)) > maxBytes {
		return Response{StatusCode: resp.StatusCode}, errOversized{url: u.String(), limit: maxBytes}
	}
	glog.V(2).Infof("transport: GET %s -> %d (%d bytes)", u, resp.StatusCode, len(body))
	return Response{StatusCode: resp.StatusCode, Body: body}, nil
}

func (t *HTTPTransport) Put(ctx context.Context, token flowcontrol.Token, repo RepoEndpoint, path string, body []byte) (Response, error) {
	if !token.CanContinue() {
		return Response{}, fmt.Errorf("transport: put %s/%s: %w", repo, path, token.Err())
	}
	u, err := t.base(repo).Parse(path)
	if err != nil {
		return Response{}, fmt.Errorf("transport: bad path %q: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u.String(), bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("transport: new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.Client.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("transport: put %s: %w", u, err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)
	glog.V(2).Infof("transport: PUT %s -> %d", u, resp.StatusCode)
	return Response{StatusCode: resp.StatusCode, Body: respBody}, nil
}

// errOversized reports a response that exceeded its byte cap before the
// caller decoded a single byte of it (spec §4.2: "oversized responses
// fail with LengthMismatch without being parsed").
type errOversized struct {
	url   string
	limit int64
}

func (e errOversized) Error() string {
	return fmt.Sprintf("transport: response from %s exceeded %d byte limit", e.url, e.limit)
}

// IsOversized reports whether err was produced by the byte-cap guard.
func IsOversized(err error) bool {
	_, ok := err.(errOversized)
	return ok
}
