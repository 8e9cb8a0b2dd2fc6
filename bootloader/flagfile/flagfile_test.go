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

package flagfile

import (
	"path/filepath"
	"testing"
)

func TestRebootDetectedFollowsFlagPresence(t *testing.T) {
	f := New(filepath.Join(t.TempDir(), "reboot_flag"))

	if detected, err := f.RebootDetected(); err != nil || detected {
		t.Fatalf("RebootDetected() = %v, %v before SetRebootFlag, want false, nil", detected, err)
	}
	if err := f.SetRebootFlag(); err != nil {
		t.Fatalf("SetRebootFlag() err = %v", err)
	}
	if detected, err := f.RebootDetected(); err != nil || !detected {
		t.Fatalf("RebootDetected() = %v, %v after SetRebootFlag, want true, nil", detected, err)
	}
	if err := f.ClearRebootFlag(); err != nil {
		t.Fatalf("ClearRebootFlag() err = %v", err)
	}
	if detected, err := f.RebootDetected(); err != nil || detected {
		t.Fatalf("RebootDetected() = %v, %v after Clear, want false, nil", detected, err)
	}
}

func TestClearRebootFlagIsIdempotent(t *testing.T) {
	f := New(filepath.Join(t.TempDir(), "reboot_flag"))
	if err := f.ClearRebootFlag(); err != nil {
		t.Errorf("ClearRebootFlag() on an unset flag err = %v, want nil", err)
	}
}
