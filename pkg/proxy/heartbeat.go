// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"log/slog"
	"net"
	"time"
)

// The heartbeat is a dedicated, permanently-logged-in backend connection.
// Its presence is the definition of "backend online": world-side dials for
// client sessions are suppressed while it is absent, and any line it
// produces is proof the game is alive.

// online reports backend liveness inside the loop.
func (s *Service) online() bool {
	return s.hbConn != nil
}

// maybeOpenHeartbeat attempts to establish the heartbeat, at most once per
// heartbeat interval. Runs at the top of every timer sweep.
func (s *Service) maybeOpenHeartbeat(now time.Time) {
	if s.hbConn != nil || s.hbDialing || now.Before(s.hbNext) {
		return
	}
	s.hbDialing = true
	s.hbNext = now.Add(s.hbBackoff.NextBackOff())

	addr, timeout := s.cfg.BackendAddress, s.cfg.DialTimeout
	go func() {
		conn, err := s.dialBackend(addr, timeout)
		s.post(evHeartbeatDialed{conn: conn, err: err})
	}()
}

func (s *Service) handleHeartbeatDialed(ev evHeartbeatDialed) {
	s.hbDialing = false
	if ev.err != nil {
		s.m.HeartbeatAttempts.WithLabelValues("failed").Inc()
		s.log.Debug("heartbeat dial failed", slog.String("error", ev.err.Error()))
		return
	}
	if s.hbConn != nil {
		ev.conn.Close()
		return
	}

	s.hbConn = ev.conn
	s.onlineFlag.Store(true)
	s.m.HeartbeatAttempts.WithLabelValues("ok").Inc()
	s.m.BackendOnline.Set(1)

	conn := ev.conn
	go s.readLines(conn,
		func(line string) event { return evHeartbeatLine{conn: conn, line: line} },
		evHeartbeatEOF{conn: conn})

	s.writeLine(conn, "connect "+s.cfg.HeartbeatUser+" "+s.cfg.HeartbeatPassword)
	s.log.Info("heartbeat established", slog.String("backend", s.cfg.BackendAddress))

	// The backend is back: resume every suspended session. Sessions
	// without a captured login cannot be resumed and are dropped inside
	// connectBackend.
	for _, sess := range s.registry.All() {
		sess.WasOffline = true
		s.connectBackend(sess, true)
	}
}

// handleHeartbeatLine treats any heartbeat output as confirmed backend
// liveness: a session whose world socket dropped while the game is
// provably up was disconnected on purpose, so its client is dropped too.
func (s *Service) handleHeartbeatLine(conn net.Conn, line string) {
	if conn != s.hbConn {
		return
	}
	for _, sess := range s.registry.All() {
		if sess.DisconnectAt.IsZero() {
			continue
		}
		s.m.IntentionalDisconnects.Inc()
		s.log.Info("backend disconnect confirmed intentional",
			slog.Int64("session", sess.ID),
			slog.String("user", sess.User))
		s.destroy(sess, "backend-disconnect")
	}
}

func (s *Service) handleHeartbeatEOF(conn net.Conn) {
	if conn != s.hbConn {
		return
	}
	s.log.Warn("heartbeat lost, backend presumed down")
	s.failoverTeardown()
	s.maybeOpenHeartbeat(time.Now())
}

// failoverTeardown is the global outage reaction: close the heartbeat,
// detach every world socket, gag every session and tell each client once.
// Triggered by heartbeat EOF, by an unanswered probe and by a backend
// address change on reload. Safe to run repeatedly during one outage.
func (s *Service) failoverTeardown() {
	if s.hbConn != nil {
		s.hbConn.Close()
		s.hbConn = nil
		s.onlineFlag.Store(false)
		s.m.BackendOnline.Set(0)
		s.m.OutagesTotal.Inc()
	}

	for _, sess := range s.registry.All() {
		if b := s.registry.DetachBackend(sess); b != nil {
			b.Close()
		}
		sess.ReconnectPending = true
		if !sess.offlineNotified {
			sess.offlineNotified = true
			s.writeNotice(sess.Client, s.cfg.OfflineNotice)
		}
	}

	// Allow the next sweep to probe immediately.
	s.hbNext = time.Time{}
	s.hbBackoff.Reset()
}
