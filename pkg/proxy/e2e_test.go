// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c-hudson/has/pkg/metrics"
)

// fakeGame implements just enough of a text game server: logins succeed
// with the stock success line, `think` echoes its argument (which carries
// both the liveness probe and the reconnect sentinel), `@` commands are
// silent, everything else echoes behind a prompt.
type fakeGame struct {
	t  *testing.T
	ln net.Listener

	mu    sync.Mutex
	conns []net.Conn
	seen  []string

	lines chan string
}

func newFakeGame(t *testing.T, addr string) *fakeGame {
	t.Helper()
	ln, err := net.Listen("tcp", addr)
	require.NoError(t, err)

	fg := &fakeGame{t: t, ln: ln, lines: make(chan string, 256)}
	go fg.acceptLoop()
	return fg
}

func (fg *fakeGame) addr() string { return fg.ln.Addr().String() }

func (fg *fakeGame) acceptLoop() {
	for {
		conn, err := fg.ln.Accept()
		if err != nil {
			return
		}
		fg.mu.Lock()
		fg.conns = append(fg.conns, conn)
		fg.mu.Unlock()
		go fg.serve(conn)
	}
}

func (fg *fakeGame) serve(conn net.Conn) {
	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		line := sc.Text()
		fg.mu.Lock()
		fg.seen = append(fg.seen, line)
		fg.mu.Unlock()
		select {
		case fg.lines <- line:
		default:
		}

		switch {
		case strings.HasPrefix(line, "connect "):
			fmt.Fprintf(conn, "Last connect was from 1.2.3.4\n")
		case strings.HasPrefix(line, "think "):
			fmt.Fprintf(conn, "%s\n", strings.TrimPrefix(line, "think "))
		case strings.HasPrefix(line, "@"):
			// Admin commands are silent.
		default:
			fmt.Fprintf(conn, "> %s\n", line)
		}
	}
}

// stop kills the whole game: listener and every live connection.
func (fg *fakeGame) stop() {
	fg.ln.Close()
	fg.mu.Lock()
	defer fg.mu.Unlock()
	for _, c := range fg.conns {
		c.Close()
	}
	fg.conns = nil
}

// closeConn closes a single connection, like a server-side @boot.
func (fg *fakeGame) closeConn(i int) {
	fg.mu.Lock()
	defer fg.mu.Unlock()
	require.Greater(fg.t, len(fg.conns), i)
	fg.conns[i].Close()
}

func (fg *fakeGame) sawLine(substr string) bool {
	fg.mu.Lock()
	defer fg.mu.Unlock()
	for _, l := range fg.seen {
		if strings.Contains(l, substr) {
			return true
		}
	}
	return false
}

// waitLine blocks until the game receives a line containing substr.
func (fg *fakeGame) waitLine(substr string, timeout time.Duration) string {
	deadline := time.After(timeout)
	for {
		select {
		case line := <-fg.lines:
			if strings.Contains(line, substr) {
				return line
			}
		case <-deadline:
			fg.t.Fatalf("game never received %q", substr)
			return ""
		}
	}
}

type testClient struct {
	t    *testing.T
	conn net.Conn
	rd   *bufio.Reader
}

func newTestClient(t *testing.T, addr string) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &testClient{t: t, conn: conn, rd: bufio.NewReader(conn)}
}

func (c *testClient) send(line string) {
	_, err := fmt.Fprintf(c.conn, "%s\n", line)
	require.NoError(c.t, err)
}

// expectLine reads until a line containing substr arrives.
func (c *testClient) expectLine(substr string, timeout time.Duration) string {
	c.conn.SetReadDeadline(time.Now().Add(timeout))
	for {
		line, err := c.rd.ReadString('\n')
		if strings.Contains(line, substr) {
			return line
		}
		if err != nil {
			c.t.Fatalf("client never received %q: %v", substr, err)
			return ""
		}
	}
}

// expectEOF reads until the proxy closes the client side.
func (c *testClient) expectEOF(timeout time.Duration) {
	c.conn.SetReadDeadline(time.Now().Add(timeout))
	for {
		_, err := c.rd.ReadString('\n')
		if err == io.EOF {
			return
		}
		if err != nil {
			c.t.Fatalf("expected EOF, got: %v", err)
			return
		}
	}
}

func startService(t *testing.T, backendAddr string) *Service {
	t.Helper()
	svc := New(Config{
		ListenAddress:     "127.0.0.1:0",
		BackendAddress:    backendAddr,
		HeartbeatInterval: 50 * time.Millisecond,
		HeartbeatUser:     "hb",
		HeartbeatPassword: "hbpass",
		RemoteHostnameCmd: "@REMOTEHOSTNAME",
		OfflineNotice:     "OFFLINE-NOTICE",
		OnlineNotice:      "ONLINE-NOTICE",
		ProbeTimeout:      300 * time.Millisecond,
		DialTimeout:       time.Second,
		TickInterval:      20 * time.Millisecond,
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics:           metrics.New("has_e2e", prometheus.NewRegistry()),
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go svc.Listen(ctx)

	require.Eventually(t, func() bool { return svc.Addr() != nil },
		2*time.Second, 10*time.Millisecond, "listener never bound")
	return svc
}

func waitOnline(t *testing.T, svc *Service) {
	t.Helper()
	require.Eventually(t, svc.Online, 2*time.Second, 10*time.Millisecond,
		"heartbeat never established")
}

func TestEndToEnd_ForwardsTraffic(t *testing.T) {
	game := newFakeGame(t, "127.0.0.1:0")
	t.Cleanup(game.stop)

	svc := startService(t, game.addr())
	waitOnline(t, svc)

	client := newTestClient(t, svc.Addr().String())

	// The fresh world socket announces the true client address first.
	game.waitLine("@REMOTEHOSTNAME 127.0.0.1", 2*time.Second)

	client.send("hello")
	game.waitLine("hello", 2*time.Second)
	got := client.expectLine("> hello", 2*time.Second)
	assert.Contains(t, got, "> hello")
	assert.Equal(t, 1, svc.Sessions())
}

func TestEndToEnd_LoginCaptureAndBackendRestart(t *testing.T) {
	game := newFakeGame(t, "127.0.0.1:0")
	addr := game.addr()

	svc := startService(t, addr)
	waitOnline(t, svc)

	client := newTestClient(t, svc.Addr().String())
	game.waitLine("@REMOTEHOSTNAME", 2*time.Second)

	client.send("connect alice secret")
	client.expectLine("Last connect was from", 2*time.Second)

	// Kill the game. The heartbeat EOF triggers failover teardown and
	// the client is told, once.
	game.stop()
	client.expectLine("OFFLINE-NOTICE", 3*time.Second)

	// Bring the game back on the same address. The proxy reconnects,
	// replays the captured login and clears the gag with the sentinel.
	revived := newFakeGame(t, addr)
	t.Cleanup(revived.stop)

	client.expectLine("ONLINE-NOTICE", 3*time.Second)
	revived.waitLine("connect alice secret", 2*time.Second)
	require.True(t, revived.sawLine("### RECONNECT COMPLETE ###"))

	// The restored session proxies again.
	client.send("look")
	client.expectLine("> look", 2*time.Second)
}

func TestEndToEnd_IntentionalDisconnect(t *testing.T) {
	game := newFakeGame(t, "127.0.0.1:0")
	t.Cleanup(game.stop)

	svc := startService(t, game.addr())
	waitOnline(t, svc)

	client := newTestClient(t, svc.Addr().String())
	game.waitLine("@REMOTEHOSTNAME", 2*time.Second)

	// The game boots this user: only the world socket closes, the
	// heartbeat stays up. The proxy probes, the game's echo confirms the
	// disconnect was intentional, and the client is dropped.
	game.closeConn(1)
	game.waitLine("### PING:", 2*time.Second)
	client.expectEOF(3 * time.Second)
}

func TestEndToEnd_IntrospectionStaysLocal(t *testing.T) {
	game := newFakeGame(t, "127.0.0.1:0")
	t.Cleanup(game.stop)

	svc := startService(t, game.addr())
	waitOnline(t, svc)

	bob := newTestClient(t, svc.Addr().String())
	charlie := newTestClient(t, svc.Addr().String())
	_ = charlie

	bob.send("connect bob pw")
	bob.expectLine("Last connect was from", 2*time.Second)

	bob.send("#?")
	report := bob.expectLine("bob", 2*time.Second)
	assert.Contains(t, report, "bob")
	bob.expectLine("unconnected", 2*time.Second)

	// Prove ordering: a later line reaches the game, the dump never did.
	bob.send("after the dump")
	game.waitLine("after the dump", 2*time.Second)
	assert.False(t, game.sawLine("#?"))
}

func TestEndToEnd_StaleUnauthenticatedSessionReaped(t *testing.T) {
	game := newFakeGame(t, "127.0.0.1:0")
	t.Cleanup(game.stop)

	svc := New(Config{
		ListenAddress:     "127.0.0.1:0",
		BackendAddress:    game.addr(),
		HeartbeatInterval: 50 * time.Millisecond,
		HeartbeatUser:     "hb",
		HeartbeatPassword: "hbpass",
		UnauthTimeout:     200 * time.Millisecond,
		TickInterval:      20 * time.Millisecond,
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics:           metrics.New("has_e2e_stale", prometheus.NewRegistry()),
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go svc.Listen(ctx)
	require.Eventually(t, func() bool { return svc.Addr() != nil },
		2*time.Second, 10*time.Millisecond)
	waitOnline(t, svc)

	client := newTestClient(t, svc.Addr().String())
	client.expectEOF(3 * time.Second)
	require.Eventually(t, func() bool { return svc.Sessions() == 0 },
		time.Second, 10*time.Millisecond)
}
