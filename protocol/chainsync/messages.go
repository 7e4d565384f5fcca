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

package chainsync

import (
	"fmt"

	"github.com/bjing/ogmios/cbor"
	"github.com/bjing/ogmios/protocol"
	"github.com/bjing/ogmios/protocol/common"
)

// Message types
const (
	MessageTypeRequestNext       = 0
	MessageTypeAwaitReply        = 1
	MessageTypeRollForward       = 2
	MessageTypeRollBackward      = 3
	MessageTypeFindIntersect     = 4
	MessageTypeIntersectFound    = 5
	MessageTypeIntersectNotFound = 6
	MessageTypeDone              = 7
)

// NewMsgFromCbor parses a ChainSync message from CBOR
func NewMsgFromCbor(msgType uint, data []byte) (protocol.Message, error) {
	var ret protocol.Message
	switch msgType {
	case MessageTypeRequestNext:
		ret = &MsgRequestNext{}
	case MessageTypeAwaitReply:
		ret = &MsgAwaitReply{}
	case MessageTypeRollForward:
		ret = &MsgRollForward{}
	case MessageTypeRollBackward:
		ret = &MsgRollBackward{}
	case MessageTypeFindIntersect:
		ret = &MsgFindIntersect{}
	case MessageTypeIntersectFound:
		ret = &MsgIntersectFound{}
	case MessageTypeIntersectNotFound:
		ret = &MsgIntersectNotFound{}
	case MessageTypeDone:
		ret = &MsgDone{}
	}
	if ret == nil {
		// An unknown message type is reported by the protocol runtime
		return nil, nil
	}
	if _, err := cbor.Decode(data, ret); err != nil {
		return nil, fmt.Errorf("%s: decode error: %w", ProtocolName, err)
	}
	// Store the raw message CBOR
	ret.SetCbor(data)
	return ret, nil
}

type MsgRequestNext struct {
	protocol.MessageBase
}

func NewMsgRequestNext() *MsgRequestNext {
	m := &MsgRequestNext{
		MessageBase: protocol.MessageBase{
			MessageType: MessageTypeRequestNext,
		},
	}
	return m
}

type MsgAwaitReply struct {
	protocol.MessageBase
}

func NewMsgAwaitReply() *MsgAwaitReply {
	m := &MsgAwaitReply{
		MessageBase: protocol.MessageBase{
			MessageType: MessageTypeAwaitReply,
		},
	}
	return m
}

type MsgRollForward struct {
	protocol.MessageBase
	WrappedBlock cbor.Tag
	Tip          common.Tip
	blockType    uint
	blockCbor    []byte
}

func NewMsgRollForward(blockType uint, blockCbor []byte, tip common.Tip) *MsgRollForward {
	m := &MsgRollForward{
		MessageBase: protocol.MessageBase{
			MessageType: MessageTypeRollForward,
		},
		Tip: tip,
	}
	wb := NewWrappedBlock(blockType, blockCbor)
	content, err := cbor.Encode(wb)
	if err != nil {
		return nil
	}
	m.WrappedBlock = cbor.Tag{Number: cbor.CborTagCbor, Content: content}
	m.blockType = blockType
	m.blockCbor = blockCbor
	return m
}

// BlockType returns the type ID of the wrapped block
func (m *MsgRollForward) BlockType() uint {
	return m.blockType
}

// BlockCbor returns the CBOR of the wrapped block
func (m *MsgRollForward) BlockCbor() []byte {
	return m.blockCbor
}

func (m *MsgRollForward) UnmarshalCBOR(data []byte) error {
	type tMsgRollForward MsgRollForward
	var tmp tMsgRollForward
	if _, err := cbor.Decode(data, &tmp); err != nil {
		return err
	}
	*m = MsgRollForward(tmp)
	// Unwrap the inner block
	content, ok := m.WrappedBlock.Content.([]byte)
	if !ok {
		return fmt.Errorf("%s: unexpected content type for wrapped block", ProtocolName)
	}
	var wb WrappedBlock
	if _, err := cbor.Decode(content, &wb); err != nil {
		return err
	}
	m.blockType = wb.BlockType
	m.blockCbor = wb.BlockCbor
	return nil
}

type MsgRollBackward struct {
	protocol.MessageBase
	Point common.Point
	Tip   common.Tip
}

func NewMsgRollBackward(point common.Point, tip common.Tip) *MsgRollBackward {
	m := &MsgRollBackward{
		MessageBase: protocol.MessageBase{
			MessageType: MessageTypeRollBackward,
		},
		Point: point,
		Tip:   tip,
	}
	return m
}

type MsgFindIntersect struct {
	protocol.MessageBase
	Points []common.Point
}

func NewMsgFindIntersect(points []common.Point) *MsgFindIntersect {
	m := &MsgFindIntersect{
		MessageBase: protocol.MessageBase{
			MessageType: MessageTypeFindIntersect,
		},
		Points: points,
	}
	return m
}

type MsgIntersectFound struct {
	protocol.MessageBase
	Point common.Point
	Tip   common.Tip
}

func NewMsgIntersectFound(point common.Point, tip common.Tip) *MsgIntersectFound {
	m := &MsgIntersectFound{
		MessageBase: protocol.MessageBase{
			MessageType: MessageTypeIntersectFound,
		},
		Point: point,
		Tip:   tip,
	}
	return m
}

type MsgIntersectNotFound struct {
	protocol.MessageBase
	Tip common.Tip
}

func NewMsgIntersectNotFound(tip common.Tip) *MsgIntersectNotFound {
	m := &MsgIntersectNotFound{
		MessageBase: protocol.MessageBase{
			MessageType: MessageTypeIntersectNotFound,
		},
		Tip: tip,
	}
	return m
}

type MsgDone struct {
	protocol.MessageBase
}

func NewMsgDone() *MsgDone {
	m := &MsgDone{
		MessageBase: protocol.MessageBase{
			MessageType: MessageTypeDone,
		},
	}
	return m
}
