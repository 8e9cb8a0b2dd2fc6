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

// Package secondary declares SecondaryProtocol (spec §4.5): the
// per-Secondary interface the engine uses for root rotation, metadata
// push, and firmware push. Each concrete Secondary reports a Kind tag,
// mirroring the teacher's cmd/flash_tool/impl/flash_tool.go tagging of
// "dummy" vs "armory" devices.Device implementations, generalized from a
// one-shot flash tool to a long-lived per-Secondary client. Virtual is
// the only implementation; KindIP is declared but has none.
package secondary

import (
	"context"

	"github.com/uptaneclient/primary/api"
	"github.com/uptaneclient/primary/internal/flowcontrol"
)

// Kind tags which concrete Secondary implementation backs a connection,
// selected the way the teacher selects "dummy" vs "armory" devices.
type Kind int

const (
	KindUnknown Kind = iota
	KindVirtual
	KindIP
)

// Secondary is everything the engine needs from one subordinate ECU.
// Order of operations per Secondary is strict (spec §4.5): root
// rotation precedes metadata push, which precedes firmware push. A
// Secondary may reject any call with a typed *api.Error; the engine
// logs and moves on to the next Secondary rather than aborting.
type Secondary interface {
	Kind() Kind
	GetSerial(ctx context.Context, token flowcontrol.Token) (api.EcuSerial, error)
	GetHwID(ctx context.Context, token flowcontrol.Token) (api.HardwareId, error)
	GetPublicKey(ctx context.Context, token flowcontrol.Token) (api.PublicKey, error)
	GetManifest(ctx context.Context, token flowcontrol.Token) (api.EcuManifest, error)
	GetRootVersion(ctx context.Context, token flowcontrol.Token, repo api.RepositoryKind) (int, error)
	PutRoot(ctx context.Context, token flowcontrol.Token, raw []byte, isDirector bool) error
	PutMetadata(ctx context.Context, token flowcontrol.Token, pack api.RawMetaPack) error
	// SendFirmware streams image bytes for a Binary-driven Secondary, or,
	// for an OSTree-driven Secondary, the packed TLS-credential + server
	// URL bundle in place of image bytes (spec §4.4 step 5). Callers
	// decide which shape to send; Secondary just transports it.
	SendFirmware(ctx context.Context, token flowcontrol.Token, payload []byte) error
}
