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

package server_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	ogmios "github.com/bjing/ogmios"
	"github.com/bjing/ogmios/internal/mock"
	"github.com/bjing/ogmios/internal/server"
	"github.com/bjing/ogmios/internal/test"
	"github.com/bjing/ogmios/protocol"
	"github.com/bjing/ogmios/protocol/chainsync"
	"github.com/bjing/ogmios/protocol/common"
	"github.com/bjing/ogmios/protocol/localtxsubmission"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

var (
	testPoint = common.NewPoint(
		20001,
		test.DecodeHexString("9b1446a770fcb6a7a9aeee39e9e2c6f5a36317e7245705b1c013c6dbbb46e681"),
	)
	testTip = common.Tip{
		Point: common.NewPoint(
			30001,
			test.DecodeHexString("913e83278b0a9df56c2e36c917e185f0fdda5c0412459778bcd304b504a50d2d"),
		),
		BlockNumber: 1234,
	}
)

// reply is a decoded wire message of any type
type reply struct {
	Type       string          `json:"type"`
	Method     string          `json:"method"`
	Event      string          `json:"event"`
	Result     json.RawMessage `json:"result"`
	Data       json.RawMessage `json:"data"`
	Fault      json.RawMessage `json:"fault"`
	Reflection json.RawMessage `json:"reflection"`
}

func runServerTest(
	t *testing.T,
	conversation []mock.ConversationEntry,
	innerFunc func(*testing.T, *websocket.Conn),
) {
	defer goleak.VerifyNone(t)
	srv := server.New(server.NewConfig(
		server.WithNewNodeLinkFunc(func() (*ogmios.NodeLink, error) {
			return ogmios.New(
				ogmios.WithConnection(mock.NewConnection(conversation)),
				ogmios.WithNetworkMagic(mock.MockNetworkMagic),
			)
		}),
	))
	httpSrv := httptest.NewServer(srv.Handler())
	wsUrl := "ws" + strings.TrimPrefix(httpSrv.URL, "http")
	wsConn, resp, err := websocket.DefaultDialer.Dial(wsUrl, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	innerFunc(t, wsConn)
	wsConn.Close()
	// Give the handler time to notice the disconnect before tearing down
	time.Sleep(50 * time.Millisecond)
	httpSrv.Close()
	require.NoError(t, srv.Shutdown(context.Background()))
}

func sendRequest(t *testing.T, wsConn *websocket.Conn, method string, args []any, mirror any) {
	req := map[string]any{
		"type":   "request",
		"method": method,
		"args":   args,
	}
	if mirror != nil {
		req["mirror"] = mirror
	}
	require.NoError(t, wsConn.WriteJSON(req))
}

func readReply(t *testing.T, wsConn *websocket.Conn) reply {
	require.NoError(t, wsConn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var r reply
	require.NoError(t, wsConn.ReadJSON(&r))
	return r
}

func TestMirrorRoundTrip(t *testing.T) {
	conversation := append(
		mock.ConversationKeepAlive,
		mock.ConversationEntry{
			Type:             mock.EntryTypeInput,
			ProtocolId:       chainsync.ProtocolId,
			InputMessageType: chainsync.MessageTypeFindIntersect,
		},
		mock.ConversationEntry{
			Type:       mock.EntryTypeOutput,
			ProtocolId: chainsync.ProtocolId,
			IsResponse: true,
			OutputMessages: []protocol.Message{
				chainsync.NewMsgIntersectFound(testPoint, testTip),
			},
		},
	)
	runServerTest(
		t,
		conversation,
		func(t *testing.T, wsConn *websocket.Conn) {
			mirror := map[string]any{"id": 42, "step": "sync"}
			sendRequest(t, wsConn, "findIntersect", []any{
				map[string]any{
					"slot": 20001,
					"hash": "9b1446a770fcb6a7a9aeee39e9e2c6f5a36317e7245705b1c013c6dbbb46e681",
				},
			}, mirror)
			r := readReply(t, wsConn)
			assert.Equal(t, "response", r.Type)
			assert.Equal(t, "findIntersect", r.Method)
			// The mirror token comes back byte-for-byte
			assert.JSONEq(t, `{"id":42,"step":"sync"}`, string(r.Reflection))
			var result struct {
				IntersectionFound struct {
					Point struct {
						Slot uint64 `json:"slot"`
					} `json:"point"`
					Tip struct {
						Slot uint64 `json:"slot"`
					} `json:"tip"`
				} `json:"intersectionFound"`
			}
			require.NoError(t, json.Unmarshal(r.Result, &result))
			assert.Equal(t, uint64(20001), result.IntersectionFound.Point.Slot)
			assert.Equal(t, uint64(30001), result.IntersectionFound.Tip.Slot)
		},
	)
}

func TestFindIntersectMiss(t *testing.T) {
	conversation := append(
		mock.ConversationKeepAlive,
		mock.ConversationEntry{
			Type:             mock.EntryTypeInput,
			ProtocolId:       chainsync.ProtocolId,
			InputMessageType: chainsync.MessageTypeFindIntersect,
		},
		mock.ConversationEntry{
			Type:       mock.EntryTypeOutput,
			ProtocolId: chainsync.ProtocolId,
			IsResponse: true,
			OutputMessages: []protocol.Message{
				chainsync.NewMsgIntersectNotFound(testTip),
			},
		},
	)
	runServerTest(
		t,
		conversation,
		func(t *testing.T, wsConn *websocket.Conn) {
			sendRequest(t, wsConn, "findIntersect", []any{
				map[string]any{"slot": 100, "hash": "0102"},
			}, "req-1")
			r := readReply(t, wsConn)
			assert.Equal(t, "response", r.Type)
			assert.JSONEq(t, `"req-1"`, string(r.Reflection))
			var result struct {
				IntersectionNotFound struct {
					Tip struct {
						Slot    uint64 `json:"slot"`
						BlockNo uint64 `json:"blockNo"`
					} `json:"tip"`
				} `json:"intersectionNotFound"`
			}
			require.NoError(t, json.Unmarshal(r.Result, &result))
			assert.Equal(t, uint64(30001), result.IntersectionNotFound.Tip.Slot)
			assert.Equal(t, uint64(1234), result.IntersectionNotFound.Tip.BlockNo)
		},
	)
}

func TestRequestNextPushEvent(t *testing.T) {
	conversation := append(
		mock.ConversationKeepAlive,
		mock.ConversationEntry{
			Type:             mock.EntryTypeInput,
			ProtocolId:       chainsync.ProtocolId,
			InputMessageType: chainsync.MessageTypeRequestNext,
		},
		mock.ConversationEntry{
			Type:       mock.EntryTypeOutput,
			ProtocolId: chainsync.ProtocolId,
			IsResponse: true,
			OutputMessages: []protocol.Message{
				chainsync.NewMsgRollBackward(testPoint, testTip),
			},
		},
	)
	runServerTest(
		t,
		conversation,
		func(t *testing.T, wsConn *websocket.Conn) {
			// No mirror token, so the roll event comes back as a push
			sendRequest(t, wsConn, "requestNext", nil, nil)
			r := readReply(t, wsConn)
			assert.Equal(t, "event", r.Type)
			assert.Equal(t, "rollBackward", r.Event)
			assert.Empty(t, r.Reflection)
			var data struct {
				Point struct {
					Slot uint64 `json:"slot"`
				} `json:"point"`
			}
			require.NoError(t, json.Unmarshal(r.Data, &data))
			assert.Equal(t, uint64(20001), data.Point.Slot)
		},
	)
}

func TestSubmitTxRejected(t *testing.T) {
	conversation := append(
		mock.ConversationKeepAlive,
		mock.ConversationEntry{
			Type:             mock.EntryTypeInput,
			ProtocolId:       localtxsubmission.ProtocolId,
			InputMessageType: localtxsubmission.MessageTypeSubmitTx,
		},
		mock.ConversationEntry{
			Type:       mock.EntryTypeOutput,
			ProtocolId: localtxsubmission.ProtocolId,
			IsResponse: true,
			OutputMessages: []protocol.Message{
				localtxsubmission.NewMsgRejectTx(
					test.DecodeHexString("820082018163666f6f"),
				),
			},
		},
	)
	runServerTest(
		t,
		conversation,
		func(t *testing.T, wsConn *websocket.Conn) {
			sendRequest(t, wsConn, "submitTx", []any{5, "abcdef0123456789"}, "tx-1")
			r := readReply(t, wsConn)
			// Rejection is a normal response, not a fault
			assert.Equal(t, "response", r.Type)
			assert.JSONEq(t, `"tx-1"`, string(r.Reflection))
			var result struct {
				Rejected struct {
					ReasonCbor string `json:"reasonCbor"`
				} `json:"rejected"`
			}
			require.NoError(t, json.Unmarshal(r.Result, &result))
			assert.Equal(t, "820082018163666f6f", result.Rejected.ReasonCbor)
		},
	)
}

func TestUnknownMethod(t *testing.T) {
	runServerTest(
		t,
		mock.ConversationKeepAlive,
		func(t *testing.T, wsConn *websocket.Conn) {
			sendRequest(t, wsConn, "bogusMethod", nil, "req-9")
			r := readReply(t, wsConn)
			assert.Equal(t, "fault", r.Type)
			assert.JSONEq(t, `"req-9"`, string(r.Reflection))
			var fault struct {
				Code string `json:"code"`
			}
			require.NoError(t, json.Unmarshal(r.Fault, &fault))
			assert.Equal(t, "unknownMethod", fault.Code)
		},
	)
}

func TestMalformedRequest(t *testing.T) {
	runServerTest(
		t,
		mock.ConversationKeepAlive,
		func(t *testing.T, wsConn *websocket.Conn) {
			require.NoError(
				t,
				wsConn.WriteMessage(websocket.TextMessage, []byte("{not json")),
			)
			r := readReply(t, wsConn)
			assert.Equal(t, "fault", r.Type)
			var fault struct {
				Code string `json:"code"`
			}
			require.NoError(t, json.Unmarshal(r.Fault, &fault))
			assert.Equal(t, "badRequest", fault.Code)
		},
	)
}

// TestDispatchDuringSuspendedRequestNext verifies that a requestNext
// suspended on a quiet chain does not hold up the client's other requests
func TestDispatchDuringSuspendedRequestNext(t *testing.T) {
	conversation := append(
		mock.ConversationKeepAlive,
		mock.ConversationEntry{
			Type:             mock.EntryTypeInput,
			ProtocolId:       chainsync.ProtocolId,
			InputMessageType: chainsync.MessageTypeRequestNext,
		},
	)
	runServerTest(
		t,
		conversation,
		func(t *testing.T, wsConn *websocket.Conn) {
			// The node never answers this one
			sendRequest(t, wsConn, "requestNext", nil, nil)
			time.Sleep(100 * time.Millisecond)
			sendRequest(t, wsConn, "bogusMethod", nil, "req-2")
			r := readReply(t, wsConn)
			assert.Equal(t, "fault", r.Type)
			assert.JSONEq(t, `"req-2"`, string(r.Reflection))
			var fault struct {
				Code string `json:"code"`
			}
			require.NoError(t, json.Unmarshal(r.Fault, &fault))
			assert.Equal(t, "unknownMethod", fault.Code)
		},
	)
}

// TestCloseUnblocksRequestNext verifies that a client disconnect while a
// requestNext is suspended tears the session down promptly instead of
// leaving it blocked on the node. The leak check does the real assertion
func TestCloseUnblocksRequestNext(t *testing.T) {
	conversation := append(
		mock.ConversationKeepAlive,
		mock.ConversationEntry{
			Type:             mock.EntryTypeInput,
			ProtocolId:       chainsync.ProtocolId,
			InputMessageType: chainsync.MessageTypeRequestNext,
		},
	)
	runServerTest(
		t,
		conversation,
		func(t *testing.T, wsConn *websocket.Conn) {
			sendRequest(t, wsConn, "requestNext", nil, nil)
			// Give the request time to reach the node before disconnecting
			time.Sleep(100 * time.Millisecond)
		},
	)
}
