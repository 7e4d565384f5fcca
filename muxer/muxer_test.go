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

package muxer_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bjing/ogmios/muxer"
	"go.uber.org/goleak"
)

// mockConn implements net.Conn for testing
type mockConn struct {
	readBuf  *bytes.Buffer
	writeBuf *bytes.Buffer
	closed   bool
	mu       sync.Mutex
}

func newMockConn() *mockConn {
	return &mockConn{
		readBuf:  &bytes.Buffer{},
		writeBuf: &bytes.Buffer{},
	}
}

func (m *mockConn) Read(b []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, io.EOF
	}
	if m.readBuf.Len() == 0 {
		// Simulate blocking without returning EOF
		return 0, nil
	}
	return m.readBuf.Read(b)
}

func (m *mockConn) Write(b []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, io.ErrClosedPipe
	}
	return m.writeBuf.Write(b)
}

func (m *mockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockConn) LocalAddr() net.Addr                { return nil }
func (m *mockConn) RemoteAddr() net.Addr               { return nil }
func (m *mockConn) SetDeadline(t time.Time) error      { return nil }
func (m *mockConn) SetReadDeadline(t time.Time) error  { return nil }
func (m *mockConn) SetWriteDeadline(t time.Time) error { return nil }

func (m *mockConn) writeToReadBuf(b []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readBuf.Write(b)
}

func (m *mockConn) readWritten() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]byte, m.writeBuf.Len())
	copy(out, m.writeBuf.Bytes())
	return out
}

func segmentBytes(segment *muxer.Segment) []byte {
	buf := &bytes.Buffer{}
	_ = binary.Write(buf, binary.BigEndian, segment.SegmentHeader)
	buf.Write(segment.Payload)
	return buf.Bytes()
}

func TestSegmentProperties(t *testing.T) {
	defer goleak.VerifyNone(t)
	payload := []byte("test payload")
	segment := muxer.NewSegment(0x05, payload, false)
	if segment == nil {
		t.Fatal("expected valid segment, got nil")
	}
	if segment.GetProtocolId() != 0x05 {
		t.Errorf("expected protocol ID 5, got %d", segment.GetProtocolId())
	}
	if !segment.IsRequest() || segment.IsResponse() {
		t.Error("expected request segment")
	}
	if segment.PayloadLength != uint16(len(payload)) {
		t.Errorf(
			"expected payload length %d, got %d",
			len(payload),
			segment.PayloadLength,
		)
	}
	response := muxer.NewSegment(0x05, payload, true)
	if !response.IsResponse() || response.IsRequest() {
		t.Error("expected response segment")
	}
	if response.GetProtocolId() != 0x05 {
		t.Errorf(
			"expected response flag to be stripped, got %d",
			response.GetProtocolId(),
		)
	}
	if oversized := muxer.NewSegment(0x05, make([]byte, muxer.SegmentMaxPayloadLength+1), false); oversized != nil {
		t.Error("expected nil segment for oversized payload")
	}
}

func TestMuxerStop(t *testing.T) {
	defer goleak.VerifyNone(t)
	m := muxer.New(newMockConn())
	if m.ErrorChan() == nil {
		t.Error("expected non-nil error channel")
	}
	m.Stop()
	// Stopping more than once must not panic
	m.Stop()
	// Registration after shutdown returns nil channels
	sendChan, recvChan, doneChan := m.RegisterProtocol(
		0x02,
		muxer.ProtocolRoleInitiator,
	)
	if sendChan != nil || recvChan != nil || doneChan != nil {
		t.Error("expected nil channels from registration after shutdown")
	}
}

func TestMuxerSend(t *testing.T) {
	defer goleak.VerifyNone(t)
	conn := newMockConn()
	m := muxer.New(conn)
	defer m.Stop()
	sendChan, _, _ := m.RegisterProtocol(0x05, muxer.ProtocolRoleInitiator)
	m.Start()
	payload := []byte("test message")
	sendChan <- muxer.NewSegment(0x05, payload, false)
	time.Sleep(10 * time.Millisecond)
	written := conn.readWritten()
	if len(written) < 8 {
		t.Fatalf("written data too short: %d bytes", len(written))
	}
	var header muxer.SegmentHeader
	if err := binary.Read(bytes.NewReader(written[:8]), binary.BigEndian, &header); err != nil {
		t.Fatalf("failed to parse header: %v", err)
	}
	if header.GetProtocolId() != 0x05 {
		t.Errorf("expected protocol ID 5, got %d", header.GetProtocolId())
	}
	if !bytes.Equal(written[8:], payload) {
		t.Errorf("expected payload %v, got %v", payload, written[8:])
	}
}

func TestMuxerReceiveDemux(t *testing.T) {
	defer goleak.VerifyNone(t)
	conn := newMockConn()
	m := muxer.New(conn)
	defer m.Stop()
	_, recvChan, _ := m.RegisterProtocol(0x05, muxer.ProtocolRoleInitiator)
	m.Start()
	conn.writeToReadBuf(
		segmentBytes(muxer.NewSegment(0x05, []byte("reply"), true)),
	)
	select {
	case segment := <-recvChan:
		if !bytes.Equal(segment.Payload, []byte("reply")) {
			t.Errorf("unexpected payload: %v", segment.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("did not receive segment within timeout")
	}
}

func TestMuxerUnknownProtocol(t *testing.T) {
	defer goleak.VerifyNone(t)
	conn := newMockConn()
	m := muxer.New(conn)
	defer m.Stop()
	m.Start()
	conn.writeToReadBuf(
		segmentBytes(muxer.NewSegment(0x999, []byte("test"), true)),
	)
	select {
	case err := <-m.ErrorChan():
		if err == nil || !strings.Contains(err.Error(), "unknown protocol ID") {
			t.Errorf("expected unknown protocol error, got: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected error for unknown protocol")
	}
}

func TestMuxerDiffusionMode(t *testing.T) {
	defer goleak.VerifyNone(t)
	conn := newMockConn()
	m := muxer.New(conn)
	defer m.Stop()
	m.SetDiffusionMode(muxer.DiffusionModeInitiator)
	_, _, _ = m.RegisterProtocol(0x05, muxer.ProtocolRoleInitiator)
	m.Start()
	// A request segment comes from another initiator, which we don't accept
	// unless we're configured as a responder
	conn.writeToReadBuf(
		segmentBytes(muxer.NewSegment(0x05, []byte("request"), false)),
	)
	select {
	case err := <-m.ErrorChan():
		if err == nil ||
			!strings.Contains(err.Error(), "not configured as a responder") {
			t.Errorf("expected diffusion mode error, got: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected diffusion mode error")
	}
}

func TestMuxerConnectionClosed(t *testing.T) {
	defer goleak.VerifyNone(t)
	conn := newMockConn()
	m := muxer.New(conn)
	defer m.Stop()
	_, _, _ = m.RegisterProtocol(0x05, muxer.ProtocolRoleInitiator)
	m.Start()
	conn.Close()
	select {
	case err := <-m.ErrorChan():
		var connErr muxer.ConnectionClosedError
		if !errors.As(err, &connErr) {
			t.Errorf("expected ConnectionClosedError, got: %T", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected connection closed error")
	}
}
