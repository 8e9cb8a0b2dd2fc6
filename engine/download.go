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
)

// DownloadReport summarizes which approved targets downloaded
// successfully (spec §4.4 Download: "On partial failure, report which
// subset downloaded; do not proceed to install").
type DownloadReport struct {
	Downloaded []api.Target
	Failed     map[string]error
}

// doDownload fetches every approved target, including targets destined
// only for Secondaries, via the Primary's PackageDriver, which does the
// byte-level fetch + incremental hash verification (spec §4.6). Install
// does not read Secondary images back from this staging area: its
// send_firmware_to_secondaries step fetches them again from the Image
// repository (see firmwarePayloadFor).
func (e *Engine) doDownload(ctx context.Context, token flowcontrol.Token) (DownloadReport, error) {
	e.setState(StateDownloading)
	report := DownloadReport{Failed: map[string]error{}}
	for _, t := range e.lastApproved {
		if !token.CanContinue() {
			return report, api.WrapError(api.ErrTransport, token.Err(), "download: cancelled")
		}
		if err := e.Primary.Fetch(ctx, token, t, nil); err != nil {
			glog.Warningf("download: %q failed: %v", t.Filename, err)
			report.Failed[t.Filename] = err
			continue
		}
		report.Downloaded = append(report.Downloaded, t)
	}
	if len(report.Failed) > 0 {
		e.setState(StateIdle)
		return report, errIsolated{what: "download", err: api.NewError(api.ErrTargetMismatch, "%d of %d targets failed to download", len(report.Failed), len(e.lastApproved))}
	}
	e.setState(StateUpdatesAvailable)
	return report, nil
}
