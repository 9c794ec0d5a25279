package minerapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/phayes/freeport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDevice accepts one connection, reads the command, writes payload and
// closes, like real firmware does.
func fakeDevice(t *testing.T, payload []byte) string {
	t.Helper()
	port, err := freeport.GetFreePort()
	require.NoError(t, err)
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	ln, err := net.Listen("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			buf := make([]byte, 512)
			_, _ = conn.Read(buf)
			_, _ = conn.Write(payload)
			_ = conn.Close()
		}
	}()
	return addr
}

func TestSendParsesNullTerminatedReply(t *testing.T) {
	body := `{"STATUS":[{"STATUS":"S"}],"SUMMARY":[{"Elapsed":120,"GHS 5s":"98000.11"}],"id":1}`
	addr := fakeDevice(t, append([]byte(body), 0))

	c := New()
	reply, err := c.Send(context.Background(), addr, Summary())
	require.NoError(t, err)
	require.Len(t, reply.Frames, 1)

	// Same object as parsing with the terminator stripped by hand.
	var want map[string]any
	require.NoError(t, json.Unmarshal([]byte(body), &want))
	assert.Equal(t, want, reply.First())
}

func TestSendMultipleFrames(t *testing.T) {
	payload := []byte(`{"STATS":[{"temp1":62}]}`)
	payload = append(payload, 0)
	payload = append(payload, []byte(`{"STATS":[{"temp2":64}]}`)...)
	payload = append(payload, 0)
	addr := fakeDevice(t, payload)

	c := New()
	reply, err := c.Send(context.Background(), addr, Stats())
	require.NoError(t, err)
	assert.Len(t, reply.Frames, 2)
	assert.Len(t, reply.Section("STATS"), 2)
}

func TestSendRepairsJoinedStatsFrames(t *testing.T) {
	// Bitmain stats replies join the header and body objects with `}{`.
	body := `{"STATS":[{"BMMiner":"2.0.0"}{"temp1":60,"fan1":4200}],"id":1}`
	addr := fakeDevice(t, append([]byte(body), 0))

	c := New()
	reply, err := c.Send(context.Background(), addr, Stats())
	require.NoError(t, err)
	assert.Len(t, reply.Section("STATS"), 2)
}

func TestSendConnectionRefused(t *testing.T) {
	port, err := freeport.GetFreePort()
	require.NoError(t, err)
	addr := fmt.Sprintf("127.0.0.1:%d", port)

	c := New()
	_, err = c.Send(context.Background(), addr, Summary())
	require.Error(t, err)
	assert.True(t, IsConnection(err), "want CONNECTION_FAILED, got %v", err)
}

func TestSendTimeout(t *testing.T) {
	port, err := freeport.GetFreePort()
	require.NoError(t, err)
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	ln, err := net.Listen("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		// accept but never reply, never close
		time.Sleep(2 * time.Second)
		_ = conn.Close()
	}()

	c := &Client{Timeout: 150 * time.Millisecond, Dialer: &net.Dialer{Timeout: 150 * time.Millisecond}}
	_, err = c.Send(context.Background(), addr, Summary())
	require.Error(t, err)
	assert.True(t, IsTimeout(err), "want TIMEOUT, got %v", err)
}

func TestSendTimeoutWithPartialReply(t *testing.T) {
	port, err := freeport.GetFreePort()
	require.NoError(t, err)
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	ln, err := net.Listen("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		buf := make([]byte, 512)
		_, _ = conn.Read(buf)
		// half a frame, no terminator, then hang past the client deadline
		_, _ = conn.Write([]byte(`{"STATUS":[{"STATUS":"S"`))
		time.Sleep(2 * time.Second)
		_ = conn.Close()
	}()

	c := &Client{Timeout: 150 * time.Millisecond, Dialer: &net.Dialer{Timeout: 150 * time.Millisecond}}
	_, err = c.Send(context.Background(), addr, Summary())
	require.Error(t, err)
	assert.True(t, IsTimeout(err), "want TIMEOUT, got %v", err)
}

func TestSendDialTimeoutIsConnectionError(t *testing.T) {
	// TEST-NET-3 blackholes the SYN; the dial either times out or is
	// rejected outright, and both mean the device was unreachable.
	c := &Client{Timeout: 150 * time.Millisecond, Dialer: &net.Dialer{Timeout: 150 * time.Millisecond}}
	_, err := c.Send(context.Background(), "203.0.113.1:4028", Summary())
	require.Error(t, err)
	assert.True(t, IsConnection(err), "want CONNECTION_FAILED, got %v", err)
}

func TestSendMalformedReply(t *testing.T) {
	addr := fakeDevice(t, append([]byte(`this is not json`), 0))

	c := New()
	_, err := c.Send(context.Background(), addr, Summary())
	require.Error(t, err)
	assert.True(t, IsProtocol(err), "want PROTOCOL_ERROR, got %v", err)
}

func TestDefaultPortAppended(t *testing.T) {
	// Address without a port must not panic; it will just fail to connect
	// (nothing listens on 4028 locally in tests).
	c := &Client{Timeout: 100 * time.Millisecond, Dialer: &net.Dialer{Timeout: 100 * time.Millisecond}}
	_, err := c.Send(context.Background(), "127.0.0.1", Version())
	require.Error(t, err)
}
