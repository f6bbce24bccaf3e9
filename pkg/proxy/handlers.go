// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/c-hudson/has/pkg/errors"
	"github.com/c-hudson/has/pkg/pending"
)

// The in-band signals shared with the backend. The probe makes the game
// echo something on the heartbeat; the reconnect token, echoed back on a
// freshly reopened world socket, marks the end of the gag. Both ride the
// game's `think` echo command, so matching stays isolated here.
const (
	introspectCommand = "#?"

	reconnectToken   = "### RECONNECT COMPLETE ###"
	reconnectCommand = "think " + reconnectToken
)

func probeLine(id int64) string {
	return fmt.Sprintf("think ### PING: %d###", id)
}

// connectPattern recognizes a client login attempt. Tokens may not
// contain `;`, `,`, `%` or whitespace.
var connectPattern = regexp.MustCompile(`(?i)^\s*connect\s+([^\s;,%]+)\s+([^\s;,%]+)\s*$`)

func parseConnect(line string) (user, pass string, ok bool) {
	m := connectPattern.FindStringSubmatch(line)
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}

func splitLines(text string) []string {
	return strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
}

func (s *Service) handleAccept(conn net.Conn) {
	sess := s.registry.Create(conn)
	s.sessionCount.Add(1)
	s.m.SessionsActive.Inc()
	s.m.SessionsTotal.Inc()
	s.log.Info("client connected",
		slog.Int64("session", sess.ID),
		slog.String("trace", sess.TraceID),
		slog.String("client", sess.RemoteHost))

	go s.readLines(conn,
		func(line string) event { return evClientLine{conn: conn, line: line} },
		evClientEOF{conn: conn})

	s.connectBackend(sess, false)
}

// connectBackend initiates a world-side connection for the session. While
// the heartbeat is down no dial is attempted; sessions wait for it to
// return. On the replay path a session without stored credentials cannot
// be resumed and is dropped.
func (s *Service) connectBackend(sess *Session, wasOffline bool) {
	if wasOffline && !sess.Authenticated() {
		err := errors.New("resume", sess.ID, sess.RemoteHost, errors.ErrNoCredentials)
		s.log.Info("dropping session", slog.String("error", err.Error()))
		s.destroy(sess, "no-credentials")
		return
	}
	if !s.online() {
		s.log.Debug("world dial deferred",
			slog.Int64("session", sess.ID),
			slog.String("error", errors.ErrBackendOffline.Error()))
		return
	}
	if wasOffline {
		// The reconnect is initiated; the disconnect is no longer
		// awaiting probe confirmation.
		sess.DisconnectAt = time.Time{}
	}

	id := sess.ID
	addr, timeout := s.cfg.BackendAddress, s.cfg.DialTimeout
	go func() {
		conn, err := s.dialBackend(addr, timeout)
		s.post(evBackendDialed{sessionID: id, conn: conn, wasOffline: wasOffline, err: err})
	}()
}

func (s *Service) handleBackendDialed(ev evBackendDialed) {
	sess := s.registry.ByID(ev.sessionID)
	if sess == nil {
		// The session ended while the dial was in flight.
		if ev.conn != nil {
			ev.conn.Close()
		}
		s.log.Debug("discarding dial result",
			slog.Int64("session", ev.sessionID),
			slog.String("error", errors.ErrSessionNotFound.Error()))
		return
	}
	if ev.err != nil {
		s.m.ReconnectsTotal.WithLabelValues("dial-failed").Inc()
		err := errors.New("connect world", sess.ID, sess.RemoteHost, ev.err)
		s.log.Warn("backend dial failed", slog.String("error", err.Error()))
		if ev.wasOffline {
			// Re-arm the probe horizon so the sweep escalates to a
			// failover teardown instead of leaving the session gagged.
			sess.DisconnectAt = time.Now()
		}
		return
	}
	if sess.Backend != nil {
		ev.conn.Close()
		return
	}

	s.registry.AttachBackend(sess, ev.conn)
	conn := ev.conn
	go s.readLines(conn,
		func(line string) event { return evBackendLine{conn: conn, line: line} },
		evBackendEOF{conn: conn})

	if s.cfg.RemoteHostnameCmd != "" {
		s.writeLine(conn, s.cfg.RemoteHostnameCmd+" "+sess.RemoteHost)
	}
	if ev.wasOffline {
		s.writeLine(conn, "connect "+sess.User+" "+sess.Password)
		s.writeLine(conn, reconnectCommand)
		s.m.ReconnectsTotal.WithLabelValues("replayed").Inc()
		s.log.Info("login replayed",
			slog.Int64("session", sess.ID),
			slog.String("user", sess.User))
		return
	}
	s.log.Debug("backend connected",
		slog.Int64("session", sess.ID),
		slog.String("backend", s.cfg.BackendAddress))
}

func (s *Service) handleClientLine(conn net.Conn, line string) {
	sess := s.registry.ByClient(conn)
	if sess == nil {
		return
	}

	if strings.TrimSpace(line) == introspectCommand {
		s.writeIntrospection(sess)
		return
	}

	if user, pass, ok := parseConnect(line); ok {
		sess.Pending.Push(pending.Command{
			Kind:      pending.KindConnect,
			User:      user,
			Password:  pass,
			CreatedAt: time.Now(),
		})
	}

	if sess.Backend != nil {
		s.writeLine(sess.Backend, line)
		s.m.LinesForwarded.WithLabelValues("upstream").Inc()
	}
}

func (s *Service) handleClientEOF(conn net.Conn) {
	sess := s.registry.ByClient(conn)
	if sess == nil {
		return
	}
	if sess.WasOffline {
		// One spurious client-side teardown per reconnect cycle is the
		// proxy's own doing; swallow it.
		sess.WasOffline = false
		s.log.Debug("client EOF suppressed after failover",
			slog.Int64("session", sess.ID))
		return
	}
	s.destroy(sess, "client-closed")
}

func (s *Service) handleBackendLine(conn net.Conn, line string) {
	sess := s.registry.ByBackend(conn)
	if sess == nil {
		return
	}

	if sess.ReconnectPending {
		if strings.Contains(line, reconnectToken) {
			sess.ReconnectPending = false
			sess.offlineNotified = false
			sess.DisconnectAt = time.Time{}
			s.writeNotice(sess.Client, s.cfg.OnlineNotice)
			s.m.ReconnectsTotal.WithLabelValues("completed").Inc()
			s.log.Info("session restored",
				slog.Int64("session", sess.ID),
				slog.String("user", sess.User))
			return
		}
		s.m.LinesGagged.Inc()
		return
	}

	s.writeLine(sess.Client, line)
	s.m.LinesForwarded.WithLabelValues("downstream").Inc()
	s.correlateAuth(sess, line)
}

// correlateAuth matches a backend line against the pending login at the
// head of the session's queue.
func (s *Service) correlateAuth(sess *Session, line string) {
	kind, ok := sess.Pending.PeekKind()
	if !ok || kind != pending.KindConnect {
		return
	}
	switch {
	case s.cfg.ConnectSuccess.MatchString(line):
		cmd, _ := sess.Pending.Pop()
		sess.User = cmd.User
		sess.Password = cmd.Password
		s.m.CredentialCaptures.Inc()
		s.log.Info("login captured",
			slog.Int64("session", sess.ID),
			slog.String("user", cmd.User),
			slog.String("client", sess.RemoteHost))
	case s.cfg.ConnectFail.MatchString(line):
		sess.Pending.Pop()
		s.log.Debug("login rejected by backend", slog.Int64("session", sess.ID))
	}
}

func (s *Service) handleBackendEOF(conn net.Conn) {
	sess := s.registry.ByBackend(conn)
	if sess == nil {
		conn.Close()
		return
	}

	if b := s.registry.DetachBackend(sess); b != nil {
		b.Close()
	}
	sess.DisconnectAt = time.Now()
	sess.ReconnectPending = true

	if s.online() {
		// The backend is up but closed this one socket. Probe: any line
		// coming back on the heartbeat confirms the disconnect was
		// intentional and the client should be dropped too.
		s.writeLine(s.hbConn, probeLine(sess.ID))
		s.m.ProbesSent.Inc()
		s.log.Debug("backend closed session socket, probing",
			slog.Int64("session", sess.ID))
		return
	}
	readErr := errors.New("world read", sess.ID, sess.RemoteHost, errors.ErrConnectionClosed)
	s.log.Debug("backend socket lost while offline", slog.String("error", readErr.Error()))
}
