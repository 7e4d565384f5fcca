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
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	ogmios "github.com/bjing/ogmios"
	"github.com/bjing/ogmios/protocol"
	"github.com/bjing/ogmios/protocol/chainsync"
	"github.com/bjing/ogmios/protocol/common"
	"github.com/bjing/ogmios/protocol/localstatequery"
	"github.com/bjing/ogmios/protocol/localtxsubmission"
)

// session is the bundle of mini-protocol handlers backing one WebSocket
// client. Each session owns a dedicated NodeLink, established lazily on the
// first request that needs it, so every client drives its own isolated
// protocol state machines
type session struct {
	server    *HybridServer
	logger    *slog.Logger
	nodeLink  *ogmios.NodeLink
	linkErr   error
	linkDown  atomic.Bool
	onceLink  sync.Once
	onceClose sync.Once
}

// rollEventResult lets the transport layer distinguish roll events from
// plain results, so it can push them as events when the request carried no
// mirror token
type rollEventResult struct {
	kind string
	data any
}

type rollForwardJson struct {
	BlockType uint    `json:"blockType"`
	Block     string  `json:"block"`
	Tip       tipJson `json:"tip"`
}

type rollBackwardJson struct {
	Point any     `json:"point"`
	Tip   tipJson `json:"tip"`
}

func newSession(server *HybridServer, remoteAddr string) *session {
	return &session{
		server: server,
		logger: server.logger.With(
			"component", "server",
			"remote_addr", remoteAddr,
		),
	}
}

// link returns the session's NodeLink, dialing the node on first use
func (s *session) link() (*ogmios.NodeLink, error) {
	s.onceLink.Do(func() {
		nodeLink, err := s.server.config.NewNodeLinkFunc()
		if err != nil {
			s.linkErr = err
			s.linkDown.Store(true)
			return
		}
		s.nodeLink = nodeLink
		// Watch for link failures so subsequent requests fail fast
		go func() {
			for err := range nodeLink.ErrorChan() {
				s.linkDown.Store(true)
				s.logger.Warn("node link error",
					"error", err,
				)
			}
			s.linkDown.Store(true)
		}()
	})
	if s.linkErr != nil {
		return nil, s.linkErr
	}
	if s.linkDown.Load() {
		return nil, protocol.ErrProtocolShuttingDown
	}
	return s.nodeLink, nil
}

// close tears down the session's NodeLink. Closing the node connection
// releases any node-side resources still held, including an acquired ledger
// snapshot, and unblocks any suspended request
func (s *session) close() {
	s.onceClose.Do(func() {
		s.linkDown.Store(true)
		if s.nodeLink != nil {
			s.nodeLink.Close()
		}
	})
}

func (s *session) dispatch(req *Request) (any, *FaultDetail) {
	switch req.Method {
	case "findIntersect":
		return s.handleFindIntersect(req)
	case "requestNext":
		return s.handleRequestNext(req)
	case "acquire":
		return s.handleAcquire(req)
	case "query":
		return s.handleQuery(req)
	case "release":
		return s.handleRelease(req)
	case "submitTx":
		return s.handleSubmitTx(req)
	default:
		return nil, &FaultDetail{
			Code:    FaultCodeUnknownMethod,
			Message: fmt.Sprintf("unknown method: %q", req.Method),
		}
	}
}

func (s *session) handleFindIntersect(req *Request) (any, *FaultDetail) {
	points := make([]common.Point, 0, len(req.Args))
	for _, arg := range req.Args {
		point, err := pointFromJson(arg)
		if err != nil {
			return nil, &FaultDetail{
				Code:    FaultCodeBadRequest,
				Message: err.Error(),
			}
		}
		points = append(points, point)
	}
	nodeLink, err := s.link()
	if err != nil {
		return nil, s.faultFromError(err)
	}
	point, tip, err := nodeLink.ChainSync().FindIntersect(points)
	if err != nil {
		if errors.Is(err, chainsync.ErrIntersectNotFound) {
			// A miss is a normal outcome and carries the node's current tip
			return map[string]any{
				"intersectionNotFound": map[string]any{
					"tip": tipToJson(tip),
				},
			}, nil
		}
		return nil, s.faultFromError(err)
	}
	return map[string]any{
		"intersectionFound": map[string]any{
			"point": pointToJson(point),
			"tip":   tipToJson(tip),
		},
	}, nil
}

func (s *session) handleRequestNext(req *Request) (any, *FaultDetail) {
	nodeLink, err := s.link()
	if err != nil {
		return nil, s.faultFromError(err)
	}
	event, err := nodeLink.ChainSync().RequestNext()
	if err != nil {
		return nil, s.faultFromError(err)
	}
	if event.Rollback {
		return rollEventResult{
			kind: "rollBackward",
			data: rollBackwardJson{
				Point: pointToJson(event.Point),
				Tip:   tipToJson(event.Tip),
			},
		}, nil
	}
	return rollEventResult{
		kind: "rollForward",
		data: rollForwardJson{
			BlockType: event.BlockType,
			Block:     hex.EncodeToString(event.BlockCbor),
			Tip:       tipToJson(event.Tip),
		},
	}, nil
}

func (s *session) handleAcquire(req *Request) (any, *FaultDetail) {
	var point *common.Point
	if len(req.Args) > 0 {
		tmpPoint, err := pointFromJson(req.Args[0])
		if err != nil {
			return nil, &FaultDetail{
				Code:    FaultCodeBadRequest,
				Message: err.Error(),
			}
		}
		point = &tmpPoint
	}
	nodeLink, err := s.link()
	if err != nil {
		return nil, s.faultFromError(err)
	}
	stateQuery, fault := s.stateQuery(nodeLink)
	if fault != nil {
		return nil, fault
	}
	if err := stateQuery.Acquire(point); err != nil {
		switch {
		case errors.Is(err, localstatequery.ErrAcquireFailurePointTooOld):
			return map[string]any{"acquireFailure": "pointTooOld"}, nil
		case errors.Is(err, localstatequery.ErrAcquireFailurePointNotOnChain):
			return map[string]any{"acquireFailure": "pointNotOnChain"}, nil
		}
		return nil, s.faultFromError(err)
	}
	return map[string]any{"acquired": true}, nil
}

func (s *session) handleQuery(req *Request) (any, *FaultDetail) {
	if len(req.Args) == 0 {
		return nil, &FaultDetail{
			Code:    FaultCodeBadRequest,
			Message: "query name argument is required",
		}
	}
	var queryName string
	if err := json.Unmarshal(req.Args[0], &queryName); err != nil {
		return nil, &FaultDetail{
			Code:    FaultCodeBadRequest,
			Message: fmt.Sprintf("malformed query name: %s", err),
		}
	}
	queryFunc, ok := queryRegistry[queryName]
	if !ok {
		return nil, &FaultDetail{
			Code:    FaultCodeBadRequest,
			Message: fmt.Sprintf("unknown query: %q", queryName),
		}
	}
	nodeLink, err := s.link()
	if err != nil {
		return nil, s.faultFromError(err)
	}
	stateQuery, fault := s.stateQuery(nodeLink)
	if fault != nil {
		return nil, fault
	}
	result, err := queryFunc(stateQuery, req.Args[1:])
	if err != nil {
		if errors.Is(err, errMalformedQueryArgs) {
			return nil, &FaultDetail{
				Code:    FaultCodeBadRequest,
				Message: err.Error(),
			}
		}
		if errors.Is(err, localstatequery.ErrQueryNotSupported) {
			// Unsupported at the negotiated version or era; the snapshot
			// stays usable
			return map[string]any{
				"queryUnsupported": map[string]any{"query": queryName},
			}, nil
		}
		return nil, s.faultFromError(err)
	}
	return map[string]any{queryName: result}, nil
}

func (s *session) handleRelease(req *Request) (any, *FaultDetail) {
	nodeLink, err := s.link()
	if err != nil {
		return nil, s.faultFromError(err)
	}
	stateQuery, fault := s.stateQuery(nodeLink)
	if fault != nil {
		return nil, fault
	}
	if err := stateQuery.Release(); err != nil {
		return nil, s.faultFromError(err)
	}
	return map[string]any{"released": true}, nil
}

func (s *session) handleSubmitTx(req *Request) (any, *FaultDetail) {
	if len(req.Args) < 2 {
		return nil, &FaultDetail{
			Code:    FaultCodeBadRequest,
			Message: "submitTx requires era and transaction CBOR arguments",
		}
	}
	var eraId uint16
	if err := json.Unmarshal(req.Args[0], &eraId); err != nil {
		return nil, &FaultDetail{
			Code:    FaultCodeBadRequest,
			Message: fmt.Sprintf("malformed era: %s", err),
		}
	}
	var txHex string
	if err := json.Unmarshal(req.Args[1], &txHex); err != nil {
		return nil, &FaultDetail{
			Code:    FaultCodeBadRequest,
			Message: fmt.Sprintf("malformed transaction: %s", err),
		}
	}
	txCbor, err := hex.DecodeString(txHex)
	if err != nil {
		return nil, &FaultDetail{
			Code:    FaultCodeBadRequest,
			Message: fmt.Sprintf("malformed transaction CBOR: %s", err),
		}
	}
	nodeLink, err := s.link()
	if err != nil {
		return nil, s.faultFromError(err)
	}
	if err := nodeLink.LocalTxSubmission().SubmitTx(eraId, txCbor); err != nil {
		var rejectErr localtxsubmission.TransactionRejectedError
		if errors.As(err, &rejectErr) {
			// Rejection is a normal outcome, never a link failure
			s.server.sampler.TxRejected()
			return map[string]any{
				"rejected": map[string]any{
					"reasonCbor": hex.EncodeToString(rejectErr.ReasonCbor),
				},
			}, nil
		}
		return nil, s.faultFromError(err)
	}
	s.server.sampler.TxAccepted()
	return map[string]any{"accepted": true}, nil
}

// stateQuery returns the link's local-state-query handler, which is only
// available when the negotiated protocol version supports it
func (s *session) stateQuery(nodeLink *ogmios.NodeLink) (*localstatequery.Client, *FaultDetail) {
	stateQuery := nodeLink.LocalStateQuery()
	if stateQuery == nil {
		return nil, &FaultDetail{
			Code:    FaultCodeInvalidState,
			Message: "state queries are not available at the negotiated protocol version",
		}
	}
	return stateQuery, nil
}

// faultFromError maps session errors onto wire fault codes
func (s *session) faultFromError(err error) *FaultDetail {
	code := FaultCodeInternalError
	switch {
	case errors.Is(err, protocol.ErrProtocolShuttingDown):
		code = FaultCodeLinkClosed
	case errors.Is(err, chainsync.ErrRequestInFlight),
		errors.Is(err, localstatequery.ErrAlreadyAcquired),
		errors.Is(err, localstatequery.ErrNotAcquired):
		code = FaultCodeInvalidState
	default:
		// Any failure after the link has gone down is a link failure
		if s.linkDown.Load() {
			code = FaultCodeLinkClosed
		}
	}
	return &FaultDetail{
		Code:    code,
		Message: err.Error(),
	}
}

// queryFunc runs one named state query. Extra request arguments are passed
// through for queries that take parameters
type queryFunc func(*localstatequery.Client, []json.RawMessage) (any, error)

// errMalformedQueryArgs marks query argument parse failures so they surface
// as client errors rather than internal ones
var errMalformedQueryArgs = errors.New("malformed query arguments")

// queryRegistry maps wire query names to their handlers. The set is
// extensible: adding a query means adding an entry here
var queryRegistry = map[string]queryFunc{
	"currentEra": func(client *localstatequery.Client, _ []json.RawMessage) (any, error) {
		return client.GetCurrentEra()
	},
	"epochNo": func(client *localstatequery.Client, _ []json.RawMessage) (any, error) {
		return client.GetEpochNo()
	},
	"systemStart": func(client *localstatequery.Client, _ []json.RawMessage) (any, error) {
		return client.GetSystemStart()
	},
	"chainPoint": func(client *localstatequery.Client, _ []json.RawMessage) (any, error) {
		point, err := client.GetChainPoint()
		if err != nil {
			return nil, err
		}
		return pointToJson(*point), nil
	},
	"chainBlockNo": func(client *localstatequery.Client, _ []json.RawMessage) (any, error) {
		return client.GetChainBlockNo()
	},
	"currentProtocolParams": func(client *localstatequery.Client, _ []json.RawMessage) (any, error) {
		params, err := client.GetCurrentProtocolParams()
		if err != nil {
			return nil, err
		}
		return hex.EncodeToString(params), nil
	},
	"raw": func(client *localstatequery.Client, args []json.RawMessage) (any, error) {
		if len(args) == 0 {
			return nil, fmt.Errorf("%w: raw query requires a CBOR argument", errMalformedQueryArgs)
		}
		var queryHex string
		if err := json.Unmarshal(args[0], &queryHex); err != nil {
			return nil, fmt.Errorf("%w: %s", errMalformedQueryArgs, err)
		}
		queryCbor, err := hex.DecodeString(queryHex)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", errMalformedQueryArgs, err)
		}
		result, err := client.RunRawQuery(queryCbor)
		if err != nil {
			return nil, err
		}
		return hex.EncodeToString(result), nil
	},
}
