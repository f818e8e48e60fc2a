package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pathfinder/internal/config"
	"pathfinder/internal/logging"
)

func freeTCPAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

// TestEndToEndHelloPublishSubscribe exercises a full client round trip over
// a real TCP socket: hello, publish, then a second connection subscribing
// and observing the appeared backlog notification.
func TestEndToEndHelloPublishSubscribe(t *testing.T) {
	addr := freeTCPAddr(t)
	cfg := &config.Config{
		Domains: []config.DomainConfig{{
			Name:            "default",
			Sockets:         []config.SocketConfig{{Addr: "tcp:" + addr}},
			Idle:            config.IdleConfig{Min: 4, Max: 30},
			ProtocolVersion: config.ProtocolVersionConfig{Min: 2, Max: 3},
		}},
	}
	srv := New(cfg, logging.NewTestLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		_ = srv.Run(ctx)
		close(done)
	}()
	waitForListener(t, addr)

	publisher := newTestConn(t, addr)
	defer publisher.Close()
	publisher.send(t, map[string]any{"ta-cmd": "hello", "ta-id": 1, "msg-type": "request", "client-id": 1, "protocol-minimum-version": 2, "protocol-maximum-version": 3})
	publisher.requireMsgType(t, "complete")

	publisher.send(t, map[string]any{
		"ta-cmd": "publish", "ta-id": 2, "msg-type": "request",
		"service-id": 10, "generation": 1, "ttl": 60,
		"properties": map[string][]any{"type": {"http"}},
	})
	publisher.requireMsgType(t, "complete")

	subscriber := newTestConn(t, addr)
	defer subscriber.Close()
	subscriber.send(t, map[string]any{"ta-cmd": "hello", "ta-id": 1, "msg-type": "request", "client-id": 2, "protocol-minimum-version": 2, "protocol-maximum-version": 3})
	subscriber.requireMsgType(t, "complete")

	subscriber.send(t, map[string]any{"ta-cmd": "subscribe", "ta-id": 2, "msg-type": "request", "subscription-id": 1, "filter": "(type=http)"})
	subscriber.requireMsgType(t, "accept")
	notify := subscriber.requireMsgType(t, "notify")
	require.Equal(t, "appeared", notify["match-type"])

	cancel()
	<-done
}

func waitForListener(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c, err := net.Dial("tcp", addr)
		if err == nil {
			c.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("listener at %s never became ready", addr)
}

type testConn struct {
	net.Conn
	reader *bufio.Reader
}

func newTestConn(t *testing.T, addr string) *testConn {
	t.Helper()
	c, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	return &testConn{Conn: c, reader: bufio.NewReader(c)}
}

func (tc *testConn) send(t *testing.T, fields map[string]any) {
	t.Helper()
	data, err := json.Marshal(fields)
	require.NoError(t, err)
	_, err = tc.Write(append(data, '\n'))
	require.NoError(t, err)
}

func (tc *testConn) requireMsgType(t *testing.T, want string) map[string]any {
	t.Helper()
	require.NoError(t, tc.SetReadDeadline(time.Now().Add(2*time.Second)))
	line, err := tc.reader.ReadBytes('\n')
	require.NoError(t, err)
	var msg map[string]any
	require.NoError(t, json.Unmarshal(line, &msg))
	require.Equal(t, want, msg["msg-type"])
	return msg
}
