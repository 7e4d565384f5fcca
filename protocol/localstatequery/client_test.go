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

package localstatequery_test

import (
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	ogmios "github.com/bjing/ogmios"
	"github.com/bjing/ogmios/internal/mock"
	"github.com/bjing/ogmios/internal/test"
	"github.com/bjing/ogmios/protocol"
	"github.com/bjing/ogmios/protocol/common"
	"github.com/bjing/ogmios/protocol/localstatequery"
	"go.uber.org/goleak"
)

var (
	testPoint = common.NewPoint(
		20001,
		test.DecodeHexString("9b1446a770fcb6a7a9aeee39e9e2c6f5a36317e7245705b1c013c6dbbb46e681"),
	)
	conversationAcquireVolatileTip = append(
		mock.ConversationKeepAlive,
		mock.ConversationEntry{
			Type:             mock.EntryTypeInput,
			ProtocolId:       localstatequery.ProtocolId,
			InputMessageType: localstatequery.MessageTypeAcquireVolatileTip,
		},
		mock.ConversationEntry{
			Type:       mock.EntryTypeOutput,
			ProtocolId: localstatequery.ProtocolId,
			IsResponse: true,
			OutputMessages: []protocol.Message{
				localstatequery.NewMsgAcquired(),
			},
		},
	)
)

type testInnerFunc func(*testing.T, *ogmios.NodeLink)

func runTest(
	t *testing.T,
	conversation []mock.ConversationEntry,
	innerFunc testInnerFunc,
) {
	defer goleak.VerifyNone(t)
	mockConn := mock.NewConnection(conversation)
	nodeLink, err := ogmios.New(
		ogmios.WithConnection(mockConn),
		ogmios.WithNetworkMagic(mock.MockNetworkMagic),
	)
	if err != nil {
		t.Fatalf("unexpected error when creating NodeLink object: %s", err)
	}
	// Async error handler
	go func() {
		err, ok := <-nodeLink.ErrorChan()
		if !ok {
			return
		}
		// We can't call t.Fatalf() from a different goroutine, so we panic instead
		panic(fmt.Sprintf("unexpected NodeLink error: %s", err))
	}()
	// Run test inner function
	innerFunc(t, nodeLink)
	// Close NodeLink connection
	if err := nodeLink.Close(); err != nil {
		t.Fatalf("unexpected error when closing NodeLink object: %s", err)
	}
	// Wait for connection shutdown
	select {
	case <-nodeLink.ErrorChan():
	case <-time.After(10 * time.Second):
		t.Errorf("did not shutdown within timeout")
	}
}

func TestAcquireVolatileTip(t *testing.T) {
	runTest(
		t,
		conversationAcquireVolatileTip,
		func(t *testing.T, nodeLink *ogmios.NodeLink) {
			if err := nodeLink.LocalStateQuery().Acquire(nil); err != nil {
				t.Fatalf("received unexpected error: %s", err)
			}
			if !nodeLink.LocalStateQuery().Acquired() {
				t.Fatalf("expected snapshot to be held after acquire")
			}
		},
	)
}

func TestAcquirePoint(t *testing.T) {
	conversation := append(
		mock.ConversationKeepAlive,
		mock.ConversationEntry{
			Type:             mock.EntryTypeInput,
			ProtocolId:       localstatequery.ProtocolId,
			InputMessageType: localstatequery.MessageTypeAcquire,
		},
		mock.ConversationEntry{
			Type:       mock.EntryTypeOutput,
			ProtocolId: localstatequery.ProtocolId,
			IsResponse: true,
			OutputMessages: []protocol.Message{
				localstatequery.NewMsgAcquired(),
			},
		},
	)
	runTest(
		t,
		conversation,
		func(t *testing.T, nodeLink *ogmios.NodeLink) {
			if err := nodeLink.LocalStateQuery().Acquire(&testPoint); err != nil {
				t.Fatalf("received unexpected error: %s", err)
			}
		},
	)
}

func TestAcquireFailurePointTooOld(t *testing.T) {
	conversation := append(
		mock.ConversationKeepAlive,
		mock.ConversationEntry{
			Type:             mock.EntryTypeInput,
			ProtocolId:       localstatequery.ProtocolId,
			InputMessageType: localstatequery.MessageTypeAcquire,
		},
		mock.ConversationEntry{
			Type:       mock.EntryTypeOutput,
			ProtocolId: localstatequery.ProtocolId,
			IsResponse: true,
			OutputMessages: []protocol.Message{
				localstatequery.NewMsgFailure(
					localstatequery.AcquireFailurePointTooOld,
				),
			},
		},
	)
	runTest(
		t,
		conversation,
		func(t *testing.T, nodeLink *ogmios.NodeLink) {
			err := nodeLink.LocalStateQuery().Acquire(&testPoint)
			if !errors.Is(err, localstatequery.ErrAcquireFailurePointTooOld) {
				t.Fatalf(
					"did not receive expected error\n  got:    %s\n  wanted: %s",
					err,
					localstatequery.ErrAcquireFailurePointTooOld,
				)
			}
			if nodeLink.LocalStateQuery().Acquired() {
				t.Fatalf("did not expect snapshot to be held after failed acquire")
			}
		},
	)
}

func TestAcquireWhileAcquired(t *testing.T) {
	runTest(
		t,
		conversationAcquireVolatileTip,
		func(t *testing.T, nodeLink *ogmios.NodeLink) {
			if err := nodeLink.LocalStateQuery().Acquire(nil); err != nil {
				t.Fatalf("received unexpected error: %s", err)
			}
			err := nodeLink.LocalStateQuery().Acquire(&testPoint)
			if !errors.Is(err, localstatequery.ErrAlreadyAcquired) {
				t.Fatalf(
					"did not receive expected error\n  got:    %s\n  wanted: %s",
					err,
					localstatequery.ErrAlreadyAcquired,
				)
			}
		},
	)
}

func TestQueryWithoutAcquire(t *testing.T) {
	runTest(
		t,
		mock.ConversationKeepAlive,
		func(t *testing.T, nodeLink *ogmios.NodeLink) {
			_, err := nodeLink.LocalStateQuery().GetCurrentEra()
			if !errors.Is(err, localstatequery.ErrNotAcquired) {
				t.Fatalf(
					"did not receive expected error\n  got:    %s\n  wanted: %s",
					err,
					localstatequery.ErrNotAcquired,
				)
			}
		},
	)
}

func TestReleaseWithoutAcquire(t *testing.T) {
	runTest(
		t,
		mock.ConversationKeepAlive,
		func(t *testing.T, nodeLink *ogmios.NodeLink) {
			err := nodeLink.LocalStateQuery().Release()
			if !errors.Is(err, localstatequery.ErrNotAcquired) {
				t.Fatalf(
					"did not receive expected error\n  got:    %s\n  wanted: %s",
					err,
					localstatequery.ErrNotAcquired,
				)
			}
		},
	)
}

// TestIllegalAcquiredWhileIdle verifies that an unsolicited acquire
// confirmation is rejected by the protocol state machine
func TestIllegalAcquiredWhileIdle(t *testing.T) {
	defer goleak.VerifyNone(t)
	conversation := append(
		mock.ConversationKeepAlive,
		mock.ConversationEntry{
			Type:       mock.EntryTypeOutput,
			ProtocolId: localstatequery.ProtocolId,
			IsResponse: true,
			OutputMessages: []protocol.Message{
				localstatequery.NewMsgAcquired(),
			},
		},
	)
	mockConn := mock.NewConnection(conversation)
	nodeLink, err := ogmios.New(
		ogmios.WithConnection(mockConn),
		ogmios.WithNetworkMagic(mock.MockNetworkMagic),
	)
	if err != nil {
		t.Fatalf("unexpected error when creating NodeLink object: %s", err)
	}
	select {
	case err := <-nodeLink.ErrorChan():
		var transitionErr protocol.StateTransitionError
		if !errors.As(err, &transitionErr) {
			t.Fatalf("did not receive expected state transition error, got: %s", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for protocol error")
	}
	nodeLink.Close()
}

func TestGetCurrentEra(t *testing.T) {
	conversation := append(
		conversationAcquireVolatileTip,
		mock.ConversationEntry{
			Type:             mock.EntryTypeInput,
			ProtocolId:       localstatequery.ProtocolId,
			InputMessageType: localstatequery.MessageTypeQuery,
		},
		mock.ConversationEntry{
			Type:       mock.EntryTypeOutput,
			ProtocolId: localstatequery.ProtocolId,
			IsResponse: true,
			OutputMessages: []protocol.Message{
				// 5 (Babbage)
				localstatequery.NewMsgResult(test.DecodeHexString("05")),
			},
		},
	)
	runTest(
		t,
		conversation,
		func(t *testing.T, nodeLink *ogmios.NodeLink) {
			if err := nodeLink.LocalStateQuery().Acquire(nil); err != nil {
				t.Fatalf("received unexpected error: %s", err)
			}
			era, err := nodeLink.LocalStateQuery().GetCurrentEra()
			if err != nil {
				t.Fatalf("received unexpected error: %s", err)
			}
			if era != 5 {
				t.Fatalf(
					"did not receive expected era\n  got:    %d\n  wanted: %d",
					era,
					5,
				)
			}
		},
	)
}

func TestGetChainBlockNo(t *testing.T) {
	conversation := append(
		conversationAcquireVolatileTip,
		mock.ConversationEntry{
			Type:             mock.EntryTypeInput,
			ProtocolId:       localstatequery.ProtocolId,
			InputMessageType: localstatequery.MessageTypeQuery,
		},
		mock.ConversationEntry{
			Type:       mock.EntryTypeOutput,
			ProtocolId: localstatequery.ProtocolId,
			IsResponse: true,
			OutputMessages: []protocol.Message{
				// [1, 8523507]
				localstatequery.NewMsgResult(test.DecodeHexString("82011a00820ef3")),
			},
		},
	)
	runTest(
		t,
		conversation,
		func(t *testing.T, nodeLink *ogmios.NodeLink) {
			if err := nodeLink.LocalStateQuery().Acquire(nil); err != nil {
				t.Fatalf("received unexpected error: %s", err)
			}
			blockNo, err := nodeLink.LocalStateQuery().GetChainBlockNo()
			if err != nil {
				t.Fatalf("received unexpected error: %s", err)
			}
			if blockNo != 8523507 {
				t.Fatalf(
					"did not receive expected block number\n  got:    %d\n  wanted: %d",
					blockNo,
					8523507,
				)
			}
		},
	)
}

func TestGetChainPoint(t *testing.T) {
	conversation := append(
		conversationAcquireVolatileTip,
		mock.ConversationEntry{
			Type:             mock.EntryTypeInput,
			ProtocolId:       localstatequery.ProtocolId,
			InputMessageType: localstatequery.MessageTypeQuery,
		},
		mock.ConversationEntry{
			Type:       mock.EntryTypeOutput,
			ProtocolId: localstatequery.ProtocolId,
			IsResponse: true,
			OutputMessages: []protocol.Message{
				// [20001, h'9b1446...']
				localstatequery.NewMsgResult(test.DecodeHexString(
					"82194e2158209b1446a770fcb6a7a9aeee39e9e2c6f5a36317e7245705b1c013c6dbbb46e681",
				)),
			},
		},
	)
	runTest(
		t,
		conversation,
		func(t *testing.T, nodeLink *ogmios.NodeLink) {
			if err := nodeLink.LocalStateQuery().Acquire(nil); err != nil {
				t.Fatalf("received unexpected error: %s", err)
			}
			point, err := nodeLink.LocalStateQuery().GetChainPoint()
			if err != nil {
				t.Fatalf("received unexpected error: %s", err)
			}
			if !reflect.DeepEqual(*point, testPoint) {
				t.Fatalf(
					"did not receive expected point\n  got:    %+v\n  wanted: %+v",
					*point,
					testPoint,
				)
			}
		},
	)
}

func TestRelease(t *testing.T) {
	conversation := append(
		conversationAcquireVolatileTip,
		mock.ConversationEntry{
			Type:             mock.EntryTypeInput,
			ProtocolId:       localstatequery.ProtocolId,
			InputMessageType: localstatequery.MessageTypeRelease,
		},
		mock.ConversationEntry{
			Type:             mock.EntryTypeInput,
			ProtocolId:       localstatequery.ProtocolId,
			InputMessageType: localstatequery.MessageTypeAcquireVolatileTip,
		},
		mock.ConversationEntry{
			Type:       mock.EntryTypeOutput,
			ProtocolId: localstatequery.ProtocolId,
			IsResponse: true,
			OutputMessages: []protocol.Message{
				localstatequery.NewMsgAcquired(),
			},
		},
	)
	runTest(
		t,
		conversation,
		func(t *testing.T, nodeLink *ogmios.NodeLink) {
			if err := nodeLink.LocalStateQuery().Acquire(nil); err != nil {
				t.Fatalf("received unexpected error: %s", err)
			}
			if err := nodeLink.LocalStateQuery().Release(); err != nil {
				t.Fatalf("received unexpected error: %s", err)
			}
			if nodeLink.LocalStateQuery().Acquired() {
				t.Fatalf("did not expect snapshot to be held after release")
			}
			// A fresh snapshot can be taken after the previous one is let go
			if err := nodeLink.LocalStateQuery().Acquire(nil); err != nil {
				t.Fatalf("received unexpected error: %s", err)
			}
			if !nodeLink.LocalStateQuery().Acquired() {
				t.Fatalf("expected snapshot to be held after re-acquire")
			}
		},
	)
}
