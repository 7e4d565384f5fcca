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

package cbor

import (
	"bytes"
	"fmt"
	"sync"

	_cbor "github.com/fxamacker/cbor/v2"
)

var (
	cachedDecMode     _cbor.DecMode
	cachedDecModeErr  error
	cachedDecModeOnce sync.Once
)

func getDecMode() (_cbor.DecMode, error) {
	cachedDecModeOnce.Do(func() {
		opts := _cbor.DecOptions{
			// This defaults to 32, but query results have been seen in the
			// wild using deeper nesting
			MaxNestedLevels: 256,
		}
		cachedDecMode, cachedDecModeErr = opts.DecMode()
	})
	return cachedDecMode, cachedDecModeErr
}

// Decode decodes the provided CBOR data into the destination object. It
// returns the number of bytes consumed, which allows the caller to detect
// (and process) trailing data from a subsequent message
func Decode(dataBytes []byte, dest any) (int, error) {
	data := bytes.NewReader(dataBytes)
	decMode, err := getDecMode()
	if err != nil {
		return 0, err
	}
	dec := decMode.NewDecoder(data)
	err = dec.Decode(dest)
	return int(dec.NumBytesRead()), err
}

// DecodeIdFromList decodes only the initial numeric ID from a CBOR list. The
// wire messages for every mini-protocol are CBOR lists with the message type
// as the first element
func DecodeIdFromList(cborData []byte) (int, error) {
	var tmp []RawMessage
	if _, err := Decode(cborData, &tmp); err != nil {
		return 0, err
	}
	if len(tmp) == 0 {
		return 0, fmt.Errorf("cannot determine ID from empty list")
	}
	var id int
	if _, err := Decode(tmp[0], &id); err != nil {
		return 0, err
	}
	return id, nil
}
