// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/c-hudson/has/pkg/breaker"
	haserrors "github.com/c-hudson/has/pkg/errors"
	"github.com/c-hudson/has/pkg/framing"
	"github.com/c-hudson/has/pkg/metrics"
)

const (
	// DefaultHeartbeatInterval is the minimum spacing between heartbeat
	// connection attempts.
	DefaultHeartbeatInterval = 10 * time.Second

	// DefaultAuthTimeout is how long a pending login waits for a backend
	// confirmation line before being dropped.
	DefaultAuthTimeout = 4 * time.Second

	// DefaultUnauthTimeout is how long a session may stay unauthenticated
	// before being destroyed.
	DefaultUnauthTimeout = 300 * time.Second

	// DefaultProbeTimeout is how long an unanswered disconnect probe is
	// tolerated before the backend is declared down.
	DefaultProbeTimeout = 10 * time.Second

	// DefaultDialTimeout bounds a single backend dial.
	DefaultDialTimeout = 5 * time.Second

	// DefaultConnectSuccess matches the backend's successful-login line.
	DefaultConnectSuccess = "Last connect was from.*"

	// DefaultConnectFail matches the backend's failed-login line.
	DefaultConnectFail = "Either that player .*not exist.*"

	writeTimeout = 5 * time.Second
	readBufSize  = 4096
)

// Config holds the proxy configuration.
type Config struct {
	// ListenAddress is the client-facing listen address (host:port).
	ListenAddress string

	// BackendAddress is the game server to front (host:port).
	BackendAddress string

	// HeartbeatInterval is the spacing between heartbeat connection
	// attempts while the backend is down.
	HeartbeatInterval time.Duration

	// HeartbeatUser and HeartbeatPassword log in the dedicated liveness
	// connection.
	HeartbeatUser     string
	HeartbeatPassword string

	// ConnectSuccess and ConnectFail are matched against backend lines
	// while a login is pending confirmation.
	ConnectSuccess *regexp.Regexp
	ConnectFail    *regexp.Regexp

	// RemoteHostnameCmd, when non-empty, is sent with the client IP on
	// each freshly opened backend socket so the game sees the true
	// client address.
	RemoteHostnameCmd string

	// OfflineNotice and OnlineNotice are written to clients at failover
	// teardown and on restored service. May be multi-line.
	OfflineNotice string
	OnlineNotice  string

	// AuthTimeout, UnauthTimeout and ProbeTimeout are the engine's three
	// staleness horizons.
	AuthTimeout   time.Duration
	UnauthTimeout time.Duration
	ProbeTimeout  time.Duration

	// DialTimeout bounds one backend dial attempt.
	DialTimeout time.Duration

	// TickInterval drives the timer sweep; production uses the 1s default.
	TickInterval time.Duration

	// AcceptRate and AcceptBurst bound accepted connections per second.
	// Zero rate disables the limit.
	AcceptRate  rate.Limit
	AcceptBurst int

	// Logger for proxy events.
	Logger *slog.Logger

	// Metrics receives instrumentation; nil registers on the default
	// Prometheus registerer.
	Metrics *metrics.Metrics
}

func withDefaults(cfg Config) Config {
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.AuthTimeout == 0 {
		cfg.AuthTimeout = DefaultAuthTimeout
	}
	if cfg.UnauthTimeout == 0 {
		cfg.UnauthTimeout = DefaultUnauthTimeout
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.TickInterval == 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.ConnectSuccess == nil {
		cfg.ConnectSuccess = regexp.MustCompile(DefaultConnectSuccess)
	}
	if cfg.ConnectFail == nil {
		cfg.ConnectFail = regexp.MustCompile(DefaultConnectFail)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}

// Service is the session-survival engine: a single event loop owning the
// session registry, heartbeat state and pending queues. Socket readers,
// dial attempts and reloads all deliver events onto one channel; the loop
// goroutine is the only mutator, which makes reading a heartbeat line and
// walking the session table one atomic step.
type Service struct {
	cfg Config
	log *slog.Logger
	m   *metrics.Metrics

	registry *Registry
	events   chan event
	done     chan struct{}

	hbConn    net.Conn
	hbDialing bool
	hbNext    time.Time
	hbBackoff backoff.BackOff

	onlineFlag   atomic.Bool
	sessionCount atomic.Int64

	dialBreaker   *breaker.Breaker
	acceptLimiter *rate.Limiter

	mu       sync.Mutex
	listener net.Listener
}

// event is a unit of work delivered to the loop goroutine.
type event interface{}

type evAccept struct{ conn net.Conn }

type evClientLine struct {
	conn net.Conn
	line string
}

type evClientEOF struct{ conn net.Conn }

type evBackendLine struct {
	conn net.Conn
	line string
}

type evBackendEOF struct{ conn net.Conn }

type evHeartbeatLine struct {
	conn net.Conn
	line string
}

type evHeartbeatEOF struct{ conn net.Conn }

type evHeartbeatDialed struct {
	conn net.Conn
	err  error
}

type evBackendDialed struct {
	sessionID  int64
	conn       net.Conn
	wasOffline bool
	err        error
}

type evReload struct{ cfg Config }

// New creates a proxy service with the given configuration.
func New(cfg Config) *Service {
	cfg = withDefaults(cfg)
	m := cfg.Metrics
	if m == nil {
		m = metrics.New("has", prometheus.DefaultRegisterer)
	}

	s := &Service{
		cfg:         cfg,
		log:         cfg.Logger,
		m:           m,
		registry:    NewRegistry(),
		events:      make(chan event, 256),
		done:        make(chan struct{}),
		hbBackoff:   backoff.NewConstantBackOff(cfg.HeartbeatInterval),
		dialBreaker: breaker.New(3, cfg.HeartbeatInterval),
	}
	if cfg.AcceptRate > 0 {
		s.acceptLimiter = rate.NewLimiter(cfg.AcceptRate, cfg.AcceptBurst)
	}
	return s
}

// Online reports whether the heartbeat connection to the backend is up.
// Safe to call from any goroutine.
func (s *Service) Online() bool {
	return s.onlineFlag.Load()
}

// Sessions reports the number of tracked client sessions. Safe to call
// from any goroutine.
func (s *Service) Sessions() int {
	return int(s.sessionCount.Load())
}

// Addr returns the bound listener address, or nil before Listen has bound.
func (s *Service) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Reload delivers a new configuration to the loop. Pattern and notice
// changes apply immediately; a changed backend address forces a failover
// teardown so sessions migrate on reconnect.
func (s *Service) Reload(cfg Config) {
	s.post(evReload{cfg: withDefaults(cfg)})
}

// Listen binds the client-facing listener and runs the event loop until
// the context is cancelled. A bind failure is the one fatal error.
func (s *Service) Listen(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddress, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.log.Info("proxy started",
		slog.String("address", ln.Addr().String()),
		slog.String("backend", s.cfg.BackendAddress),
		slog.Duration("heartbeat_interval", s.cfg.HeartbeatInterval))

	go s.acceptLoop(ctx, ln)

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown(ln)
			return nil
		case ev := <-s.events:
			s.safely(func() { s.dispatch(ev) })
		case now := <-ticker.C:
			s.safely(func() { s.tick(now) })
		}
	}
}

// safely is the per-iteration fault boundary: a panic in one dispatch is
// logged and the loop continues, so no client is dropped because of an
// error in another session's path.
func (s *Service) safely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("recovered from loop fault", slog.Any("panic", r))
		}
	}()
	fn()
}

func (s *Service) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Error("failed to accept connection", slog.String("error", err.Error()))
			continue
		}
		if s.acceptLimiter != nil && !s.acceptLimiter.Allow() {
			s.m.AcceptsThrottled.Inc()
			conn.Close()
			continue
		}
		if !s.post(evAccept{conn: conn}) {
			conn.Close()
			return
		}
	}
}

// post delivers an event unless the loop has stopped.
func (s *Service) post(ev event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

// readLines frames one socket into lines and posts them until EOF.
func (s *Service) readLines(conn net.Conn, onLine func(string) event, onEOF event) {
	fr := &framing.Framer{}
	buf := make([]byte, readBufSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			for _, line := range fr.Push(buf[:n]) {
				if !s.post(onLine(line)) {
					return
				}
			}
		}
		if err != nil {
			s.post(onEOF)
			return
		}
	}
}

func (s *Service) dispatch(ev event) {
	switch ev := ev.(type) {
	case evAccept:
		s.handleAccept(ev.conn)
	case evClientLine:
		s.handleClientLine(ev.conn, ev.line)
	case evClientEOF:
		s.handleClientEOF(ev.conn)
	case evBackendLine:
		s.handleBackendLine(ev.conn, ev.line)
	case evBackendEOF:
		s.handleBackendEOF(ev.conn)
	case evHeartbeatLine:
		s.handleHeartbeatLine(ev.conn, ev.line)
	case evHeartbeatEOF:
		s.handleHeartbeatEOF(ev.conn)
	case evHeartbeatDialed:
		s.handleHeartbeatDialed(ev)
	case evBackendDialed:
		s.handleBackendDialed(ev)
	case evReload:
		s.handleReload(ev.cfg)
	}
}

// tick is one timer sweep: heartbeat attempt, auth-correlation expiry and
// the stale-session rules.
func (s *Service) tick(now time.Time) {
	s.maybeOpenHeartbeat(now)
	s.expirePending(now)
	s.cleanupStale(now)
}

func (s *Service) expirePending(now time.Time) {
	for _, sess := range s.registry.All() {
		for {
			age, ok := sess.Pending.HeadAge(now)
			if !ok || age <= s.cfg.AuthTimeout {
				break
			}
			sess.Pending.Pop()
			s.m.AuthTimeouts.Inc()
			s.log.Debug("pending login expired without confirmation",
				slog.Int64("session", sess.ID))
		}
	}
}

func (s *Service) cleanupStale(now time.Time) {
	var probeLost bool
	for _, sess := range s.registry.All() {
		if !sess.Authenticated() && now.Sub(sess.CreatedAt) > s.cfg.UnauthTimeout {
			s.destroy(sess, "unauthenticated-timeout")
			continue
		}
		if !sess.DisconnectAt.IsZero() && now.Sub(sess.DisconnectAt) > s.cfg.ProbeTimeout {
			probeLost = true
		}
	}
	if probeLost {
		s.log.Warn("disconnect probe unanswered, treating backend as down")
		s.failoverTeardown()
	}
}

// destroy ends a session: both sockets closed, registry entries and queue
// state dropped.
func (s *Service) destroy(sess *Session, reason string) {
	if b := s.registry.DetachBackend(sess); b != nil {
		b.Close()
	}
	sess.Client.Close()
	s.registry.Remove(sess)
	s.sessionCount.Add(-1)
	s.m.SessionsActive.Dec()
	s.m.SessionsReaped.WithLabelValues(reason).Inc()
	s.log.Info("session closed",
		slog.Int64("session", sess.ID),
		slog.String("trace", sess.TraceID),
		slog.String("reason", reason))
}

// dialBackend attempts one TCP connect, gated by the dial breaker.
func (s *Service) dialBackend(addr string, timeout time.Duration) (net.Conn, error) {
	var conn net.Conn
	err := s.dialBreaker.Do(func() error {
		c, err := net.DialTimeout("tcp", addr, timeout)
		if err != nil {
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		if errors.Is(err, breaker.ErrOpen) {
			return nil, haserrors.ErrDialSuppressed
		}
		return nil, err
	}
	return conn, nil
}

// writeLine appends the line terminator and writes. Failures are dropped
// silently; peer loss is detected on the read path.
func (s *Service) writeLine(conn net.Conn, line string) {
	if conn == nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := conn.Write([]byte(line + "\n")); err != nil {
		s.log.Debug("write dropped", slog.String("error", err.Error()))
	}
}

// writeNotice writes a possibly multi-line notice to a client.
func (s *Service) writeNotice(conn net.Conn, notice string) {
	if notice == "" {
		return
	}
	for _, line := range splitLines(notice) {
		s.writeLine(conn, line)
	}
}

func (s *Service) handleReload(cfg Config) {
	oldBackend := s.cfg.BackendAddress

	cfg.Logger = s.log
	cfg.Metrics = s.m
	s.cfg = cfg
	s.hbBackoff = backoff.NewConstantBackOff(cfg.HeartbeatInterval)

	if cfg.BackendAddress != oldBackend {
		s.log.Info("backend address changed, forcing failover",
			slog.String("old", oldBackend),
			slog.String("new", cfg.BackendAddress))
		s.failoverTeardown()
	} else {
		s.log.Info("configuration reloaded")
	}
}

func (s *Service) shutdown(ln net.Listener) {
	close(s.done)
	ln.Close()
	if s.hbConn != nil {
		s.hbConn.Close()
		s.hbConn = nil
	}
	s.onlineFlag.Store(false)
	for _, sess := range s.registry.All() {
		s.destroy(sess, "shutdown")
	}
	s.log.Info("proxy stopped")
}
