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

// This package is a demo Secondary ECU: an in-process
// secondary.Virtual with an identity printed on startup and its
// received manifest/root-version state logged on a timer, useful for
// exercising a Primary client's SecondaryProtocol calls without real
// hardware.
//
// Start it using:
// go run ./cmd/secondary-emulator --logtostderr -v=1 --serial=SECONDARY001 --hw_id=big-board-v2
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"flag"
	"time"

	"github.com/golang/glog"

	"github.com/uptaneclient/primary/api"
	"github.com/uptaneclient/primary/cryptoprovider"
	"github.com/uptaneclient/primary/internal/flowcontrol"
	"github.com/uptaneclient/primary/secondary"
)

var (
	serial       = flag.String("serial", "SECONDARY001", "This Secondary's ECU serial")
	hwID         = flag.String("hw_id", "emulated-secondary", "This Secondary's hardware id")
	installedRef = flag.String("installed_filename", "", "Filename to report as currently installed, if any")
	printEvery   = flag.Duration("print_interval", 10*time.Second, "How often to log this Secondary's state")
)

func main() {
	flag.Parse()

	crypto := cryptoprovider.NewSoftwareProvider()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		glog.Exitf("failed to generate secondary key: %v", err)
	}
	pub, err := crypto.ImportEd25519(priv)
	if err != nil {
		glog.Exitf("failed to import secondary key: %v", err)
	}

	v := secondary.NewVirtual(api.EcuSerial(*serial), api.HardwareId(*hwID), pub, crypto)
	if *installedRef != "" {
		v.SetInstalled(api.Target{Filename: *installedRef})
	}

	glog.Infof("secondary-emulator: serial=%s hw_id=%s key_id=%s", *serial, *hwID, pub.KeyID)

	ctx := context.Background()
	token, cancel := flowcontrol.New(ctx)
	defer cancel()

	ticker := time.NewTicker(*printEvery)
	defer ticker.Stop()
	for range ticker.C {
		logState(ctx, token, v)
	}
}

func logState(ctx context.Context, token flowcontrol.Token, v *secondary.Virtual) {
	m, err := v.GetManifest(ctx, token)
	if err != nil {
		glog.Warningf("secondary-emulator: GetManifest failed: %v", err)
		return
	}
	dv, _ := v.GetRootVersion(ctx, token, api.RepositoryDirector)
	iv, _ := v.GetRootVersion(ctx, token, api.RepositoryImage)
	glog.Infof("secondary-emulator: installed=%q director_root=v%d image_root=v%d firmware_bytes=%d",
		m.Installed.Filename, dv, iv, len(v.LastFirmware()))
}
