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

// Package transport declares the Transport external collaborator (spec
// §2, §6): signed HTTP GET/PUT against the Director and Image servers.
// The core never opens a socket itself; Fetcher and the engine's
// manifest PUT both go through this interface.
package transport

import (
	"context"

	"github.com/uptaneclient/primary/internal/flowcontrol"
)

// Response is the result of one Transport call.
type Response struct {
	StatusCode int
	Body       []byte
}

// Transport is everything the core needs from the HTTP layer. path is
// resolved against whichever base URL (Director or Image) the caller
// selected; implementations don't need to know Uptane role semantics.
type Transport interface {
	// Get fetches path, reading at most maxBytes of body (implementations
	// must stop reading, not merely truncate, past maxBytes so an
	// oversized response can't be used to exhaust memory).
	Get(ctx context.Context, token flowcontrol.Token, repo RepoEndpoint, path string, maxBytes int64) (Response, error)
	// Put sends body to path.
	Put(ctx context.Context, token flowcontrol.Token, repo RepoEndpoint, path string, body []byte) (Response, error)
}

// RepoEndpoint selects which server a Transport call targets.
type RepoEndpoint int

const (
	EndpointDirector RepoEndpoint = iota
	EndpointImage
)

func (e RepoEndpoint) String() string {
	if e == EndpointImage {
		return "image"
	}
	return "director"
}
