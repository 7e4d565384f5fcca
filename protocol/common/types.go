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

// Package common provides types used by multiple mini-protocols
package common

import (
	"fmt"

	"github.com/bjing/ogmios/cbor"
)

// Point represents a position on the chain: either origin or a slot number
// and block hash
type Point struct {
	// Tells the CBOR decoder to convert to/from a struct and a CBOR array
	_    struct{} `cbor:",toarray"`
	Slot uint64
	Hash []byte
}

// NewPoint returns a Point object with the specified slot and block hash
func NewPoint(slot uint64, blockHash []byte) Point {
	return Point{
		Slot: slot,
		Hash: blockHash,
	}
}

// NewPointOrigin returns an origin Point object
func NewPointOrigin() Point {
	return Point{}
}

// Origin returns whether the point represents the chain origin
func (p Point) Origin() bool {
	return p.Slot == 0 && len(p.Hash) == 0
}

// The origin point is encoded as an empty CBOR list, which the CBOR library
// can't produce when auto-encoding a struct to an array, so we handle that
// case specially
func (p *Point) UnmarshalCBOR(data []byte) error {
	var tmp []cbor.RawMessage
	if _, err := cbor.Decode(data, &tmp); err != nil {
		return err
	}
	if len(tmp) == 0 {
		p.Slot = 0
		p.Hash = nil
		return nil
	}
	if len(tmp) < 2 {
		return fmt.Errorf("point list has unexpected length: %d", len(tmp))
	}
	if _, err := cbor.Decode(tmp[0], &p.Slot); err != nil {
		return err
	}
	if _, err := cbor.Decode(tmp[1], &p.Hash); err != nil {
		return err
	}
	return nil
}

func (p *Point) MarshalCBOR() ([]byte, error) {
	var data []any
	if p.Origin() {
		data = make([]any, 0)
	} else {
		data = []any{p.Slot, p.Hash}
	}
	return cbor.Encode(data)
}

// Tip represents the node's current chain head
type Tip struct {
	// Tells the CBOR decoder to convert to/from a struct and a CBOR array
	_           struct{} `cbor:",toarray"`
	Point       Point
	BlockNumber uint64
}
