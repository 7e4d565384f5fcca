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

// Package server implements the remote-facing half of the bridge: a hybrid
// WebSocket/HTTP endpoint that gives each WebSocket client its own bundle of
// node mini-protocol sessions and serves health, metrics and a static page
// over plain HTTP
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	ogmios "github.com/bjing/ogmios"
	"github.com/bjing/ogmios/internal/health"
	"github.com/bjing/ogmios/internal/metrics"
	"github.com/gorilla/websocket"
)

const staticPage = `<!DOCTYPE html>
<html>
<head><title>ogmios-go</title></head>
<body>
<h1>ogmios-go</h1>
<p>A WebSocket/HTTP bridge to a Cardano-compatible node.</p>
<ul>
<li><a href="/health">/health</a></li>
<li><a href="/metrics">/metrics</a></li>
</ul>
<p>Connect a WebSocket client to this endpoint to drive the chain-sync,
local-state-query and local-tx-submission mini-protocols over JSON.</p>
</body>
</html>
`

// NewNodeLinkFunc returns a connected NodeLink for a new session
type NewNodeLinkFunc func() (*ogmios.NodeLink, error)

// Config describes a HybridServer
type Config struct {
	Logger          *slog.Logger
	Sampler         *metrics.Sampler
	Monitor         *health.Monitor
	NewNodeLinkFunc NewNodeLinkFunc
}

// ConfigOptionFunc describes a function used to set HybridServer configuration options
type ConfigOptionFunc func(*Config)

// NewConfig returns a new HybridServer config object with the provided options
func NewConfig(options ...ConfigOptionFunc) Config {
	c := Config{}
	for _, option := range options {
		option(&c)
	}
	return c
}

// WithLogger specifies the logger used by the server
func WithLogger(logger *slog.Logger) ConfigOptionFunc {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithSampler specifies the metrics sampler
func WithSampler(sampler *metrics.Sampler) ConfigOptionFunc {
	return func(c *Config) {
		c.Sampler = sampler
	}
}

// WithMonitor specifies the health monitor backing the health endpoint
func WithMonitor(monitor *health.Monitor) ConfigOptionFunc {
	return func(c *Config) {
		c.Monitor = monitor
	}
}

// WithNewNodeLinkFunc specifies the factory used to open a NodeLink for each
// WebSocket session
func WithNewNodeLinkFunc(newNodeLinkFunc NewNodeLinkFunc) ConfigOptionFunc {
	return func(c *Config) {
		c.NewNodeLinkFunc = newNodeLinkFunc
	}
}

// HybridServer serves WebSocket JSON sessions and plain HTTP endpoints on a
// single listener
type HybridServer struct {
	config       Config
	logger       *slog.Logger
	sampler      *metrics.Sampler
	upgrader     websocket.Upgrader
	httpServer   *http.Server
	sessionMutex sync.Mutex
	sessions     map[*session]struct{}
	onceShutdown sync.Once
}

// New returns a new HybridServer object with the provided config
func New(cfg Config) *HybridServer {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Sampler == nil {
		cfg.Sampler = metrics.NewSampler()
	}
	return &HybridServer{
		config:   cfg,
		logger:   cfg.Logger,
		sampler:  cfg.Sampler,
		sessions: map[*session]struct{}{},
	}
}

// Handler returns the HTTP handler serving both WebSocket upgrades and the
// plain HTTP endpoints
func (s *HybridServer) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if websocket.IsWebSocketUpgrade(r) {
			s.handleWebSocket(w, r)
			return
		}
		switch r.URL.Path {
		case "/health":
			s.handleHealth(w, r)
		case "/metrics":
			s.sampler.Handler().ServeHTTP(w, r)
		default:
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = w.Write([]byte(staticPage))
		}
	})
}

// ListenAndServe starts the server on the provided address and blocks until
// the listener fails or Shutdown is called
func (s *HybridServer) ListenAndServe(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("listening",
		"component", "server",
		"address", addr,
	)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the listener and tears down all active sessions, releasing
// any node-side resources they hold
func (s *HybridServer) Shutdown(ctx context.Context) error {
	var err error
	s.onceShutdown.Do(func() {
		if s.httpServer != nil {
			err = s.httpServer.Shutdown(ctx)
		}
		s.sessionMutex.Lock()
		for sess := range s.sessions {
			sess.close()
		}
		s.sessionMutex.Unlock()
	})
	return err
}

func (s *HybridServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	status := http.StatusOK
	var current health.Health
	if s.config.Monitor != nil {
		current = s.config.Monitor.Current()
		if !s.config.Monitor.Healthy() {
			status = http.StatusServiceUnavailable
		}
	} else {
		status = http.StatusServiceUnavailable
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(current)
}

func (s *HybridServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed",
			"component", "server",
			"remote_addr", r.RemoteAddr,
			"error", err,
		)
		return
	}
	sess := newSession(s, r.RemoteAddr)
	s.trackSession(sess)
	s.sampler.SessionOpened()
	sess.logger.Info("client connected")
	doneChan := make(chan struct{})
	var dispatchGroup sync.WaitGroup
	defer func() {
		close(doneChan)
		// Closing the session unblocks dispatches suspended on the node, so
		// waiting on them here cannot hang
		sess.close()
		dispatchGroup.Wait()
		s.untrackSession(sess)
		s.sampler.SessionClosed()
		conn.Close()
		sess.logger.Info("client disconnected")
	}()
	// Writes are serialized so responses and push events never interleave
	var writeMutex sync.Mutex
	writeJson := func(v any) error {
		writeMutex.Lock()
		defer writeMutex.Unlock()
		return conn.WriteJSON(v)
	}
	// Read in a separate goroutine so a client disconnect tears down the
	// session immediately, unblocking any dispatch suspended on the node
	requestChan := make(chan []byte)
	go func() {
		defer close(requestChan)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				sess.close()
				return
			}
			select {
			case requestChan <- data:
			case <-doneChan:
				return
			}
		}
	}()
	for data := range requestChan {
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			s.sampler.FaultReturned(FaultCodeBadRequest)
			_ = writeJson(NewFault(nil, FaultCodeBadRequest, err.Error()))
			continue
		}
		if req.Type != MessageTypeRequest {
			s.sampler.FaultReturned(FaultCodeBadRequest)
			_ = writeJson(NewFault(&req, FaultCodeBadRequest, "expected a request message"))
			continue
		}
		s.sampler.RequestServed(req.Method)
		// Dispatch on its own goroutine so a request suspended on the node,
		// like a requestNext awaiting the next block, does not hold up the
		// client's other requests. Per-protocol ordering is enforced by the
		// mini-protocol clients themselves
		dispatchGroup.Add(1)
		go func() {
			defer dispatchGroup.Done()
			result, fault := sess.dispatch(&req)
			if fault != nil {
				s.sampler.FaultReturned(fault.Code)
				_ = writeJson(&Fault{
					Type:       MessageTypeFault,
					Fault:      *fault,
					Reflection: req.Mirror,
				})
				return
			}
			// Roll events are pushed without an envelope when the request did
			// not carry a mirror token
			if rollEvent, ok := result.(rollEventResult); ok {
				if req.Mirror == nil {
					_ = writeJson(NewEvent(rollEvent.kind, rollEvent.data))
					return
				}
				result = map[string]any{rollEvent.kind: rollEvent.data}
			}
			_ = writeJson(NewResponse(&req, result))
		}()
	}
}

func (s *HybridServer) trackSession(sess *session) {
	s.sessionMutex.Lock()
	defer s.sessionMutex.Unlock()
	s.sessions[sess] = struct{}{}
}

func (s *HybridServer) untrackSession(sess *session) {
	s.sessionMutex.Lock()
	defer s.sessionMutex.Unlock()
	delete(s.sessions, sess)
}
