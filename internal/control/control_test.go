package control

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
	"go.uber.org/zap"

	"minerwatt/internal/minerapi"
)

// fakeDevice answers every command with the given body, or closes without
// replying when body is empty.
func fakeDevice(t *testing.T, body string) string {
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
			go func(conn net.Conn) {
				defer conn.Close()
				buf := make([]byte, 512)
				_, _ = conn.Read(buf)
				if body == "" {
					return
				}
				_, _ = conn.Write(append([]byte(body), 0))
			}(conn)
		}
	}()
	return addr
}

func newTestApplier() *Applier {
	c := &minerapi.Client{Timeout: 500 * time.Millisecond, Dialer: &net.Dialer{Timeout: 500 * time.Millisecond}}
	return NewApplier(c, zap.NewNop())
}

func TestApplyConfirmed(t *testing.T) {
	addr := fakeDevice(t, `{"STATUS":[{"STATUS":"S","Msg":"ASC 0 set OK"}]}`)
	res := newTestApplier().Apply(context.Background(), addr, "eco")
	assert.Equal(t, Confirmed, res.Outcome)
	assert.Equal(t, "eco", res.Profile)
	assert.Equal(t, 2400, res.TargetWatts)
}

func TestApplyUnconfirmedOnErrorStatus(t *testing.T) {
	addr := fakeDevice(t, `{"STATUS":[{"STATUS":"E","Msg":"invalid parameter"}]}`)
	res := newTestApplier().Apply(context.Background(), addr, "normal")
	assert.Equal(t, SentUnconfirmed, res.Outcome)
	assert.NotEmpty(t, res.Detail)
}

func TestApplyUnconfirmedOnSilentDevice(t *testing.T) {
	// Accepts the connection, never replies: the command may have landed.
	addr := fakeDevice(t, "")
	res := newTestApplier().Apply(context.Background(), addr, "turbo")
	assert.Equal(t, SentUnconfirmed, res.Outcome)
}

func TestApplyFailedOnRefusedConnection(t *testing.T) {
	port, err := freeport.GetFreePort()
	require.NoError(t, err)
	res := newTestApplier().Apply(context.Background(), fmt.Sprintf("127.0.0.1:%d", port), "eco")
	assert.Equal(t, Failed, res.Outcome)
	assert.NotEmpty(t, res.Detail)
}

func TestApplyFailedOnDialTimeout(t *testing.T) {
	// TEST-NET-3 never answers the SYN. The command could not have reached
	// the device, so this is failed, not sent_unconfirmed.
	res := newTestApplier().Apply(context.Background(), "203.0.113.1:4028", "eco")
	assert.Equal(t, Failed, res.Outcome)
	assert.NotEmpty(t, res.Detail)
}

func TestApplyUnknownProfile(t *testing.T) {
	res := newTestApplier().Apply(context.Background(), "127.0.0.1:1", "overdrive")
	assert.Equal(t, Failed, res.Outcome)
	assert.Equal(t, "unknown profile", res.Detail)
}

func TestLookupCaseInsensitive(t *testing.T) {
	p, ok := Lookup("ECO")
	require.True(t, ok)
	assert.Equal(t, 2400, p.TargetWatts)
	_, ok = Lookup("nope")
	assert.False(t, ok)
}

func TestSleepProfileParameter(t *testing.T) {
	// Sleep routes through a distinct firmware parameter; keep the marshalled
	// shape stable.
	p, ok := Lookup("sleep")
	require.True(t, ok)
	assert.Zero(t, p.TargetWatts)

	cmd := minerapi.WithParameter("ascset", "0,sleep,on")
	raw, err := json.Marshal(cmd)
	require.NoError(t, err)
	assert.JSONEq(t, `{"command":"ascset","parameter":"0,sleep,on"}`, string(raw))
}
