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

package server

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/bjing/ogmios/protocol/common"
)

// Message type discriminators
const (
	MessageTypeRequest  = "request"
	MessageTypeResponse = "response"
	MessageTypeFault    = "fault"
	MessageTypeEvent    = "event"
)

// Fault codes
const (
	FaultCodeBadRequest    = "badRequest"
	FaultCodeUnknownMethod = "unknownMethod"
	FaultCodeInvalidState  = "invalidState"
	FaultCodeLinkClosed    = "linkClosed"
	FaultCodeInternalError = "internalError"
)

// Request is an inbound client message. The mirror token is opaque to the
// bridge and echoed verbatim in the matching response or fault
type Request struct {
	Type   string            `json:"type"`
	Method string            `json:"method"`
	Args   []json.RawMessage `json:"args"`
	Mirror json.RawMessage   `json:"mirror,omitempty"`
}

// Response is the reply to a single request
type Response struct {
	Type       string          `json:"type"`
	Method     string          `json:"method"`
	Result     any             `json:"result"`
	Reflection json.RawMessage `json:"reflection,omitempty"`
}

// Fault reports a failed request
type Fault struct {
	Type       string          `json:"type"`
	Fault      FaultDetail     `json:"fault"`
	Reflection json.RawMessage `json:"reflection,omitempty"`
}

// FaultDetail carries the fault code and a human-readable message
type FaultDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Event is an unsolicited push message. It never carries a client mirror token
type Event struct {
	Type  string `json:"type"`
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// NewResponse returns a response envelope echoing the request's mirror token
func NewResponse(req *Request, result any) *Response {
	return &Response{
		Type:       MessageTypeResponse,
		Method:     req.Method,
		Result:     result,
		Reflection: req.Mirror,
	}
}

// NewFault returns a fault envelope echoing the request's mirror token
func NewFault(req *Request, code string, message string) *Fault {
	f := &Fault{
		Type: MessageTypeFault,
		Fault: FaultDetail{
			Code:    code,
			Message: message,
		},
	}
	if req != nil {
		f.Reflection = req.Mirror
	}
	return f
}

// NewEvent returns a push envelope
func NewEvent(event string, data any) *Event {
	return &Event{
		Type:  MessageTypeEvent,
		Event: event,
		Data:  data,
	}
}

// pointJson is the JSON view of a non-origin chain point
type pointJson struct {
	Slot uint64 `json:"slot"`
	Hash string `json:"hash"`
}

// tipJson is the JSON view of the node's chain tip
type tipJson struct {
	Slot    uint64 `json:"slot"`
	Hash    string `json:"hash"`
	BlockNo uint64 `json:"blockNo"`
}

// pointToJson renders a point as either the string "origin" or a slot/hash pair
func pointToJson(point common.Point) any {
	if point.Origin() {
		return "origin"
	}
	return pointJson{
		Slot: point.Slot,
		Hash: hex.EncodeToString(point.Hash),
	}
}

// pointFromJson parses a point from either the string "origin" or a
// slot/hash pair
func pointFromJson(data json.RawMessage) (common.Point, error) {
	var origin string
	if err := json.Unmarshal(data, &origin); err == nil {
		if origin == "origin" {
			return common.NewPointOrigin(), nil
		}
		return common.Point{}, fmt.Errorf("unknown point value: %q", origin)
	}
	var tmp pointJson
	if err := json.Unmarshal(data, &tmp); err != nil {
		return common.Point{}, fmt.Errorf("malformed point: %w", err)
	}
	hash, err := hex.DecodeString(tmp.Hash)
	if err != nil {
		return common.Point{}, fmt.Errorf("malformed point hash: %w", err)
	}
	return common.NewPoint(tmp.Slot, hash), nil
}

func tipToJson(tip common.Tip) tipJson {
	return tipJson{
		Slot:    tip.Point.Slot,
		Hash:    hex.EncodeToString(tip.Point.Hash),
		BlockNo: tip.BlockNumber,
	}
}
