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

package secondary

import (
	"encoding/base64"

	"github.com/uptaneclient/primary/api"
	"github.com/uptaneclient/primary/canonicaljson"
)

func cryptoSignableBody(m api.EcuManifest) ([]byte, error) {
	return canonicaljson.Marshal(struct {
		EcuSerial string `json:"ecu_serial"`
		Installed string `json:"installed_filename"`
	}{EcuSerial: string(m.EcuSerial), Installed: m.Installed.Filename})
}

func encodeBase64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}
