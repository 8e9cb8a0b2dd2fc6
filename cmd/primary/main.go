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

// This package is the entrypoint for the Uptane primary-ECU client. It
// provisions local state on first run, then polls the Director for new
// metadata, downloads and installs any approved targets, and reports
// device manifests back.
//
// Start the client using:
// go run ./cmd/primary --logtostderr -v=1 --director_url=https://director.example/ --image_url=https://image.example/ --storage_dir=/var/lib/primary
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"flag"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/golang/glog"

	"github.com/uptaneclient/primary/api"
	"github.com/uptaneclient/primary/bootloader/flagfile"
	"github.com/uptaneclient/primary/cryptoprovider"
	"github.com/uptaneclient/primary/engine"
	"github.com/uptaneclient/primary/fetcher"
	"github.com/uptaneclient/primary/packagemanager/binary"
	"github.com/uptaneclient/primary/storage"
	"github.com/uptaneclient/primary/storage/filestore"
	"github.com/uptaneclient/primary/transport"
	"github.com/uptaneclient/primary/uptane"
)

// PrimaryOpts encapsulates the primary client's configuration, the way
// the teacher's cmd/flash_tool/impl.FlashOpts collects flags into a
// struct its Main function takes instead of reading globals directly.
type PrimaryOpts struct {
	DirectorURL  string
	ImageURL     string
	StorageDir   string
	StagingDir   string
	PrimarySerial string
	PrimaryHwID  string
	PollInterval time.Duration
}

var (
	directorURL   = flag.String("director_url", "", "Base URL of the Director repository")
	imageURL      = flag.String("image_url", "", "Base URL of the Image repository")
	storageDir    = flag.String("storage_dir", "", "Directory for persisted Uptane metadata and device state")
	stagingDir    = flag.String("staging_dir", "", "Directory for staged target images (defaults under storage_dir)")
	primarySerial = flag.String("primary_serial", "", "This device's Primary ECU serial")
	primaryHwID   = flag.String("primary_hw_id", "", "This device's Primary ECU hardware id")
	pollInterval  = flag.Duration("poll_interval", 5*time.Minute, "Duration to wait between FetchMeta polls")
)

func main() {
	flag.Parse()

	opts := PrimaryOpts{
		DirectorURL:   *directorURL,
		ImageURL:      *imageURL,
		StorageDir:    *storageDir,
		StagingDir:    *stagingDir,
		PrimarySerial: *primarySerial,
		PrimaryHwID:   *primaryHwID,
		PollInterval:  *pollInterval,
	}
	if err := run(opts); err != nil {
		glog.Exitf("primary client failed: %v", err)
	}
}

func run(opts PrimaryOpts) error {
	if opts.StorageDir == "" {
		return errConfig("storage_dir is required")
	}
	if opts.StagingDir == "" {
		opts.StagingDir = opts.StorageDir + "/staged"
	}
	dURL, err := url.Parse(opts.DirectorURL)
	if err != nil {
		return errConfigf("director_url is invalid: %v", err)
	}
	iURL, err := url.Parse(opts.ImageURL)
	if err != nil {
		return errConfigf("image_url is invalid: %v", err)
	}

	store, err := filestore.New(opts.StorageDir)
	if err != nil {
		return err
	}
	if err := provisionIfNeeded(store, opts); err != nil {
		return err
	}

	crypto := cryptoprovider.NewSoftwareProvider()
	if _, ok, err := store.DeviceKeyID(); err != nil {
		return err
	} else if !ok {
		return errConfig("no device key id persisted after provisioning")
	}
	if err := importDeviceKey(store, crypto); err != nil {
		return err
	}

	httpTransport := transport.NewHTTPTransport(dURL, iURL)
	if creds, ok, err := store.LoadTLSCreds(); err != nil {
		return err
	} else if ok && len(creds.ClientCertPEM) > 0 {
		cert, err := clientCertFromCreds(creds)
		if err != nil {
			return err
		}
		httpTransport, err = httpTransport.WithClientCert(creds.CAPEM, cert)
		if err != nil {
			return err
		}
	}

	director := uptane.New(api.RepositoryDirector, crypto, nil)
	image := uptane.New(api.RepositoryImage, crypto, nil)

	primaryDriver, err := binary.New(opts.StagingDir, httpTransport)
	if err != nil {
		return err
	}

	eng := engine.New()
	eng.Storage = store
	eng.Crypto = crypto
	eng.Director = director
	eng.Image = image
	eng.Fetcher = fetcher.New(httpTransport)
	eng.Primary = primaryDriver
	eng.Bootloader = flagfile.New(filepath.Join(opts.StorageDir, "reboot_flag"))
	eng.PollInterval = opts.PollInterval

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	go eng.Run(ctx)
	go logEvents(eng)

	eng.Enqueue(engine.CmdProvision, false)
	ticker := time.NewTicker(opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			glog.Info("primary client shutting down")
			return nil
		case <-ticker.C:
			runIteration(eng)
		}
	}
}

// runIteration drives one poll's worth of the update loop (spec §4.4's
// top-level FetchMeta -> Download -> Install -> Finalize sequence),
// each a separate Command so a failure at any step just returns the
// engine to Idle for the next tick rather than wedging the loop.
func runIteration(eng *engine.Engine) {
	eng.Enqueue(engine.CmdSendDeviceData, false)
	if eng.State() == engine.StateNeedsReboot {
		eng.Enqueue(engine.CmdFinalize, false)
		return
	}
	<-eng.Enqueue(engine.CmdFetchMeta, true).Done
	if eng.State() != engine.StateUpdatesAvailable {
		return
	}
	<-eng.Enqueue(engine.CmdDownload, true).Done
	if eng.State() != engine.StateUpdatesAvailable {
		return
	}
	eng.Enqueue(engine.CmdInstall, false)
}

func logEvents(eng *engine.Engine) {
	for ev := range eng.Events() {
		if ev.Kind == engine.EventError {
			glog.Warningf("event: %s (id=%s) error: %v", ev.Command, ev.ID, ev.Err)
			continue
		}
		glog.V(1).Infof("event: %s (id=%s) state=%s", ev.Command, ev.ID, ev.State)
	}
}

// provisionIfNeeded persists the ECU inventory and a fresh device
// signing key on first run, the way the teacher's dummy device
// self-initializes its state directory on first ApplyUpdate.
func provisionIfNeeded(store *filestore.Store, opts PrimaryOpts) error {
	if opts.PrimarySerial == "" || opts.PrimaryHwID == "" {
		return nil // already provisioned in a prior run; inventory persists
	}
	inv, err := store.LoadEcuInventory()
	if err == nil && len(inv.Ecus) > 0 {
		return nil
	}
	inv = api.EcuInventory{Ecus: []api.EcuInfo{{
		Serial:    api.EcuSerial(opts.PrimarySerial),
		HwID:      api.HardwareId(opts.PrimaryHwID),
		IsPrimary: true,
	}}}
	if err := store.StoreEcuInventory(inv); err != nil {
		return err
	}
	if _, ok, err := store.DeviceKeyID(); err != nil {
		return err
	} else if !ok {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return err
		}
		crypto := cryptoprovider.NewSoftwareProvider()
		pub, err := crypto.ImportEd25519(priv)
		if err != nil {
			return err
		}
		if err := store.StoreDeviceKeyID(pub.KeyID); err != nil {
			return err
		}
		if err := store.StoreDeviceKeyMaterial(priv); err != nil {
			return err
		}
	}
	return nil
}

// importDeviceKey loads the Primary's persisted device-key material
// back into a fresh CryptoProvider on every startup, since
// SoftwareProvider only keeps keys in process memory.
func importDeviceKey(store *filestore.Store, crypto *cryptoprovider.SoftwareProvider) error {
	material, ok, err := store.DeviceKeyMaterial()
	if err != nil {
		return err
	}
	if !ok {
		return errConfig("no device key material persisted; provisioning did not complete")
	}
	_, err = crypto.ImportEd25519(ed25519.PrivateKey(material))
	return err
}

// clientCertFromCreds builds a tls.Certificate from provisioned
// PEM-encoded TLS credentials for mutual-TLS against the Director/Image
// servers (spec §6).
func clientCertFromCreds(creds storage.TLSCreds) (tls.Certificate, error) {
	if len(creds.KeyPkcs11URI) > 0 {
		return tls.Certificate{}, errConfig("client certs backed by a PKCS#11 key are not supported by the plain net/http transport")
	}
	cert, err := tls.X509KeyPair(creds.ClientCertPEM, creds.ClientKeyPEM)
	if err != nil {
		return tls.Certificate{}, errConfigf("parse client certificate: %v", err)
	}
	return cert, nil
}

func errConfig(msg string) error {
	return api.NewError(api.ErrConfiguration, "%s", msg)
}

func errConfigf(format string, args ...interface{}) error {
	return api.NewError(api.ErrConfiguration, format, args...)
}
