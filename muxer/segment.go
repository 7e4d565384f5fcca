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

package muxer

import (
	"time"
)

const (
	segmentProtocolIdResponseFlag = 0x8000

	// SegmentMaxPayloadLength is the maximum payload per segment. Larger
	// protocol messages are split across multiple segments
	SegmentMaxPayloadLength = 65535
)

// SegmentHeader represents the wire format header of a muxer segment
type SegmentHeader struct {
	Timestamp     uint32
	ProtocolId    uint16
	PayloadLength uint16
}

// Segment represents a muxer segment, the underlying transport for all
// mini-protocol messages
type Segment struct {
	SegmentHeader
	Payload []byte
}

// NewSegment returns a new Segment with the specified protocol ID and
// payload. It returns nil if the payload exceeds the maximum segment
// payload length
func NewSegment(protocolId uint16, payload []byte, isResponse bool) *Segment {
	if len(payload) > SegmentMaxPayloadLength {
		return nil
	}
	header := SegmentHeader{
		Timestamp:  uint32(time.Now().UnixNano() & 0xffffffff),
		ProtocolId: protocolId,
	}
	if isResponse {
		header.ProtocolId |= segmentProtocolIdResponseFlag
	}
	header.PayloadLength = uint16(len(payload))
	return &Segment{
		SegmentHeader: header,
		Payload:       payload,
	}
}

func (s *SegmentHeader) IsRequest() bool {
	return (s.ProtocolId & segmentProtocolIdResponseFlag) == 0
}

func (s *SegmentHeader) IsResponse() bool {
	return (s.ProtocolId & segmentProtocolIdResponseFlag) > 0
}

// GetProtocolId returns the protocol ID with the response flag stripped
func (s *SegmentHeader) GetProtocolId() uint16 {
	return s.ProtocolId &^ segmentProtocolIdResponseFlag
}
