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

package protocol

import "bytes"

// Message is the interface implemented by every mini-protocol message. The
// raw CBOR is retained so messages can be re-sent or inspected without a
// round-trip through the codec
type Message interface {
	SetCbor([]byte)
	Cbor() []byte
	Type() uint8
}

// MessageBase carries the message type word and raw CBOR for a message.
// Concrete message types embed it as their first field so the type word
// lands first in the encoded array
type MessageBase struct {
	// Tells the CBOR decoder to convert to/from a struct and a CBOR array
	_           struct{} `cbor:",toarray"`
	rawCbor     []byte
	MessageType uint8
}

// SetCbor stores a copy of the raw message CBOR
func (m *MessageBase) SetCbor(data []byte) {
	m.rawCbor = bytes.Clone(data)
}

// Cbor returns the raw message CBOR, or nil if none was stored
func (m *MessageBase) Cbor() []byte {
	return m.rawCbor
}

// Type returns the message type word
func (m *MessageBase) Type() uint8 {
	return m.MessageType
}
