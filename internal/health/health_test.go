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

package health

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bjing/ogmios/protocol/common"
	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
)

// fakeTipSource returns a scripted sequence of tips and errors
type fakeTipSource struct {
	mutex   sync.Mutex
	results []fakeTipResult
	closed  bool
}

type fakeTipResult struct {
	tip *common.Tip
	err error
}

func (f *fakeTipSource) GetCurrentTip() (*common.Tip, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if len(f.results) == 0 {
		return nil, errors.New("no more scripted results")
	}
	result := f.results[0]
	if len(f.results) > 1 {
		f.results = f.results[1:]
	}
	return result.tip, result.err
}

func (f *fakeTipSource) Close() error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTipSource) isClosed() bool {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.closed
}

// sourceFunc returns a TipSourceFunc that always opens the same source
func sourceFunc(source *fakeTipSource) TipSourceFunc {
	return func() (TipSource, error) {
		return source, nil
	}
}

func tipAtSlot(slot uint64) *common.Tip {
	return &common.Tip{
		Point:       common.NewPoint(slot, []byte{0x01}),
		BlockNumber: slot,
	}
}

func TestMonitorTimestampIncreases(t *testing.T) {
	defer goleak.VerifyNone(t)
	source := &fakeTipSource{
		results: []fakeTipResult{
			{tip: tipAtSlot(100)},
		},
	}
	monitor := NewMonitor(sourceFunc(source), NewConfig(
		WithProbeInterval(10*time.Millisecond),
	))
	monitor.Start()
	defer monitor.Stop()
	// Wait for the first probe to land
	var first Health
	assert.Eventually(
		t,
		func() bool {
			first = monitor.Current()
			return first.ConnectedToNode
		},
		2*time.Second,
		5*time.Millisecond,
	)
	// Each successful probe must carry a strictly newer timestamp
	assert.Eventually(
		t,
		func() bool {
			return monitor.Current().LastTipUpdate.After(first.LastTipUpdate)
		},
		2*time.Second,
		5*time.Millisecond,
	)
}

func TestMonitorProbeFailureRetainsTip(t *testing.T) {
	defer goleak.VerifyNone(t)
	source := &fakeTipSource{
		results: []fakeTipResult{
			{tip: tipAtSlot(100)},
			{err: errors.New("node went away")},
		},
	}
	monitor := NewMonitor(sourceFunc(source), NewConfig(
		WithProbeInterval(10*time.Millisecond),
	))
	monitor.Start()
	defer monitor.Stop()
	// Wait for the failed probe to land
	var current Health
	assert.Eventually(
		t,
		func() bool {
			current = monitor.Current()
			return current.LastProbeFailure != ""
		},
		2*time.Second,
		5*time.Millisecond,
	)
	// The previous tip survives the failure
	if assert.NotNil(t, current.LastKnownTip) {
		assert.Equal(t, uint64(100), current.LastKnownTip.Point.Slot)
	}
	assert.False(t, current.ConnectedToNode)
	assert.False(t, monitor.Healthy())
}

func TestMonitorHealthy(t *testing.T) {
	defer goleak.VerifyNone(t)
	source := &fakeTipSource{
		results: []fakeTipResult{
			{tip: tipAtSlot(100)},
		},
	}
	monitor := NewMonitor(sourceFunc(source), NewConfig(
		WithProbeInterval(10*time.Millisecond),
		WithStaleThreshold(time.Minute),
	))
	assert.False(t, monitor.Healthy())
	monitor.Start()
	defer monitor.Stop()
	assert.Eventually(
		t,
		func() bool { return monitor.Healthy() },
		2*time.Second,
		5*time.Millisecond,
	)
}

// TestMonitorReopensSourceAfterFailure verifies that a failed probe drops
// the tip source and a later cycle recovers on a fresh one
func TestMonitorReopensSourceAfterFailure(t *testing.T) {
	defer goleak.VerifyNone(t)
	bad := &fakeTipSource{
		results: []fakeTipResult{
			{err: errors.New("node restarting")},
		},
	}
	good := &fakeTipSource{
		results: []fakeTipResult{
			{tip: tipAtSlot(200)},
		},
	}
	var mutex sync.Mutex
	sources := []*fakeTipSource{bad, good}
	monitor := NewMonitor(
		func() (TipSource, error) {
			mutex.Lock()
			defer mutex.Unlock()
			source := sources[0]
			if len(sources) > 1 {
				sources = sources[1:]
			}
			return source, nil
		},
		NewConfig(
			WithProbeInterval(10*time.Millisecond),
			WithStaleThreshold(time.Minute),
		),
	)
	monitor.Start()
	defer monitor.Stop()
	assert.Eventually(
		t,
		func() bool { return monitor.Healthy() },
		2*time.Second,
		5*time.Millisecond,
	)
	current := monitor.Current()
	if assert.NotNil(t, current.LastKnownTip) {
		assert.Equal(t, uint64(200), current.LastKnownTip.Point.Slot)
	}
	// The failed source was closed when it was dropped
	assert.True(t, bad.isClosed())
}

func TestMonitorTipNotify(t *testing.T) {
	defer goleak.VerifyNone(t)
	source := &fakeTipSource{
		results: []fakeTipResult{
			{tip: tipAtSlot(42)},
		},
	}
	notifyChan := make(chan common.Tip, 1)
	monitor := NewMonitor(sourceFunc(source), NewConfig(
		WithProbeInterval(time.Hour),
		WithTipNotifyFunc(func(tip common.Tip) {
			select {
			case notifyChan <- tip:
			default:
			}
		}),
	))
	monitor.Start()
	defer monitor.Stop()
	select {
	case tip := <-notifyChan:
		assert.Equal(t, uint64(42), tip.Point.Slot)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for tip notification")
	}
}
