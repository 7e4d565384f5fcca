// Copyright 2025 The ogmios-go authors
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

// Package test holds shared test fixtures
package test

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// DecodeHexString decodes a hex fixture, panicking on bad input so it can be
// used inline when building conversation entries and expected values
func DecodeHexString(hexData string) []byte {
	decoded, err := hex.DecodeString(strings.TrimSpace(hexData))
	if err != nil {
		panic(fmt.Sprintf("error decoding hex: %s", err))
	}
	return decoded
}
