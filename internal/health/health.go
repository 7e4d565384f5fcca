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

// Package health maintains a debounced snapshot of the node's liveness
package health

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bjing/ogmios/protocol/common"
)

// TipSource provides the node's current chain tip. The chain-sync client
// satisfies this interface. A source that also implements io.Closer is
// closed when the monitor discards it
type TipSource interface {
	GetCurrentTip() (*common.Tip, error)
}

// TipSourceFunc opens a new TipSource. The monitor calls it again after a
// failed probe, so one bad node connection never wedges the monitor
type TipSourceFunc func() (TipSource, error)

// Health is a point-in-time snapshot of the node connection. Snapshots are
// replaced wholesale on each successful probe and never mutated in place
type Health struct {
	StartTime        time.Time   `json:"startTime"`
	LastKnownTip     *common.Tip `json:"lastKnownTip"`
	LastTipUpdate    time.Time   `json:"lastTipUpdate"`
	NetworkMagic     uint32      `json:"networkMagic"`
	ConnectedToNode  bool        `json:"connectedToNode"`
	UptimeSeconds    int64       `json:"uptimeSeconds"`
	LastProbeFailure string      `json:"lastProbeFailure,omitempty"`
}

// Config describes the probe behavior for a Monitor
type Config struct {
	ProbeInterval  time.Duration
	StaleThreshold time.Duration
	NetworkMagic   uint32
	Logger         *slog.Logger
	TipNotifyFunc  TipNotifyFunc
}

// TipNotifyFunc is a callback invoked with the tip from each successful probe
type TipNotifyFunc func(common.Tip)

// ConfigOptionFunc describes a function used to set Monitor configuration options
type ConfigOptionFunc func(*Config)

// NewConfig returns a new Monitor config object with the provided options
func NewConfig(options ...ConfigOptionFunc) Config {
	c := Config{
		ProbeInterval:  10 * time.Second,
		StaleThreshold: 30 * time.Second,
	}
	for _, option := range options {
		option(&c)
	}
	return c
}

// WithProbeInterval specifies the interval between node probes
func WithProbeInterval(interval time.Duration) ConfigOptionFunc {
	return func(c *Config) {
		c.ProbeInterval = interval
	}
}

// WithStaleThreshold specifies how old the last successful probe may be
// before the snapshot is considered stale
func WithStaleThreshold(threshold time.Duration) ConfigOptionFunc {
	return func(c *Config) {
		c.StaleThreshold = threshold
	}
}

// WithNetworkMagic specifies the network magic reported in snapshots
func WithNetworkMagic(networkMagic uint32) ConfigOptionFunc {
	return func(c *Config) {
		c.NetworkMagic = networkMagic
	}
}

// WithLogger specifies the logger used by the Monitor
func WithLogger(logger *slog.Logger) ConfigOptionFunc {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithTipNotifyFunc specifies a callback invoked with the tip from each
// successful probe
func WithTipNotifyFunc(notifyFunc TipNotifyFunc) ConfigOptionFunc {
	return func(c *Config) {
		c.TipNotifyFunc = notifyFunc
	}
}

// Monitor probes a node for its current tip on a fixed interval and exposes
// the latest Health snapshot. Readers never block the prober
type Monitor struct {
	config       Config
	logger       *slog.Logger
	newTipSource TipSourceFunc
	// tipSource is owned by the probe goroutine once Start is called
	tipSource   TipSource
	startTime   time.Time
	current     atomic.Pointer[Health]
	started     atomic.Bool
	doneChan    chan struct{}
	stoppedChan chan struct{}
	onceStart   sync.Once
	onceStop    sync.Once
}

// NewMonitor returns a new Monitor using the provided function to open its
// tip source
func NewMonitor(newTipSource TipSourceFunc, cfg Config) *Monitor {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	m := &Monitor{
		config:       cfg,
		logger:       cfg.Logger,
		newTipSource: newTipSource,
		startTime:    time.Now(),
		doneChan:     make(chan struct{}),
		stoppedChan:  make(chan struct{}),
	}
	m.current.Store(&Health{
		StartTime:    m.startTime,
		NetworkMagic: cfg.NetworkMagic,
	})
	return m
}

// Start begins the probe loop. The first probe runs immediately
func (m *Monitor) Start() {
	m.onceStart.Do(func() {
		m.started.Store(true)
		go func() {
			defer close(m.stoppedChan)
			defer m.discardSource()
			m.probe()
			ticker := time.NewTicker(m.config.ProbeInterval)
			defer ticker.Stop()
			for {
				select {
				case <-m.doneChan:
					return
				case <-ticker.C:
					m.probe()
				}
			}
		}()
	})
}

// Stop shuts down the probe loop and closes the current tip source
func (m *Monitor) Stop() {
	m.onceStop.Do(func() {
		close(m.doneChan)
		if m.started.Load() {
			<-m.stoppedChan
		}
	})
}

// Current returns the latest Health snapshot
func (m *Monitor) Current() Health {
	health := *m.current.Load()
	health.UptimeSeconds = int64(time.Since(m.startTime).Seconds())
	return health
}

// Healthy returns whether the node responded within the staleness threshold
func (m *Monitor) Healthy() bool {
	health := m.current.Load()
	if !health.ConnectedToNode {
		return false
	}
	return time.Since(health.LastTipUpdate) <= m.config.StaleThreshold
}

// probe asks the node for its current tip and replaces the Health snapshot.
// A failed probe keeps the previous tip and timestamp so staleness becomes
// visible to readers, and drops the tip source so the next cycle opens a
// fresh one
func (m *Monitor) probe() {
	prev := m.current.Load()
	if m.tipSource == nil {
		tipSource, err := m.newTipSource()
		if err != nil {
			m.recordFailure(prev, err)
			return
		}
		m.tipSource = tipSource
	}
	tip, err := m.tipSource.GetCurrentTip()
	if err != nil {
		m.discardSource()
		m.recordFailure(prev, err)
		return
	}
	m.logger.Debug("health probe succeeded",
		"component", "health",
		"slot", tip.Point.Slot,
		"block_number", tip.BlockNumber,
	)
	m.current.Store(&Health{
		StartTime:       m.startTime,
		LastKnownTip:    tip,
		LastTipUpdate:   time.Now(),
		NetworkMagic:    m.config.NetworkMagic,
		ConnectedToNode: true,
	})
	if m.config.TipNotifyFunc != nil {
		m.config.TipNotifyFunc(*tip)
	}
}

// recordFailure replaces the snapshot after a failed probe, retaining the
// previous tip
func (m *Monitor) recordFailure(prev *Health, err error) {
	m.logger.Warn("health probe failed",
		"component", "health",
		"error", err,
	)
	m.current.Store(&Health{
		StartTime:        m.startTime,
		LastKnownTip:     prev.LastKnownTip,
		LastTipUpdate:    prev.LastTipUpdate,
		NetworkMagic:     m.config.NetworkMagic,
		ConnectedToNode:  false,
		LastProbeFailure: err.Error(),
	})
}

// discardSource closes and forgets the current tip source. Only called from
// the probe goroutine
func (m *Monitor) discardSource() {
	if m.tipSource == nil {
		return
	}
	if closer, ok := m.tipSource.(io.Closer); ok {
		closer.Close()
	}
	m.tipSource = nil
}
