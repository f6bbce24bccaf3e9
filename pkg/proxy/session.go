// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"fmt"
	"net"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/c-hudson/has/pkg/pending"
)

// Session pairs one client connection with at most one backend connection
// at a time, plus the state needed to survive backend restarts.
//
// All fields are owned by the event loop; nothing here is locked.
type Session struct {
	// ID is a stable numeric identifier allocated at accept. It keys the
	// registry and appears in the liveness probe sent on the heartbeat.
	ID int64

	// TraceID tags this session's log lines.
	TraceID string

	// Client is the accepted connection. Owned by the session; closed
	// exactly once, when the session is destroyed.
	Client net.Conn

	// Backend is the world-side connection, nil while detached. It may be
	// opened, closed and reopened many times over the session's life.
	Backend net.Conn

	// RemoteHost is the client IP as seen by the proxy.
	RemoteHost string

	// User and Password are captured on a confirmed login and replayed
	// after a backend restart. Empty until then.
	User     string
	Password string

	// CreatedAt is the accept time; unauthenticated sessions are reaped
	// after UnauthTimeout.
	CreatedAt time.Time

	// DisconnectAt is set the instant the backend socket drops
	// unexpectedly and cleared when a reconnect is initiated or the
	// disconnect is confirmed intentional.
	DisconnectAt time.Time

	// ReconnectPending gags backend output until the reconnect sentinel
	// is seen.
	ReconnectPending bool

	// WasOffline suppresses one spurious client-side teardown per
	// reconnect cycle.
	WasOffline bool

	// offlineNotified limits the offline notice to one per outage episode.
	offlineNotified bool

	// Pending holds in-flight commands awaiting backend confirmation.
	Pending *pending.Queue
}

// Authenticated reports whether a login has been captured.
func (s *Session) Authenticated() bool {
	return s.User != ""
}

// phase names the lifecycle state for logs and the introspection dump.
func (s *Session) phase() string {
	switch {
	case s.ReconnectPending && s.Backend == nil:
		return "backend-lost"
	case s.ReconnectPending:
		return "reconnecting"
	default:
		return "proxying"
	}
}

// Registry is the bidirectional mapping between client sockets, backend
// sockets and sessions. It is confined to the event loop: every lookup and
// mutation happens between channel receives, so no lock is needed.
type Registry struct {
	nextID    int64
	byID      map[int64]*Session
	byClient  map[net.Conn]*Session
	byBackend map[net.Conn]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:      make(map[int64]*Session),
		byClient:  make(map[net.Conn]*Session),
		byBackend: make(map[net.Conn]*Session),
	}
}

// Create allocates a session for an accepted client connection.
func (r *Registry) Create(client net.Conn) *Session {
	r.nextID++

	host := client.RemoteAddr().String()
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}

	sess := &Session{
		ID:         r.nextID,
		TraceID:    uuid.New().String(),
		Client:     client,
		RemoteHost: host,
		CreatedAt:  time.Now(),
		Pending:    pending.New(),
	}
	r.byID[sess.ID] = sess
	r.byClient[client] = sess
	return sess
}

// AttachBackend records conn as the session's backend socket.
func (r *Registry) AttachBackend(sess *Session, conn net.Conn) {
	sess.Backend = conn
	r.byBackend[conn] = sess
}

// DetachBackend drops the session's backend socket, returning it for the
// caller to close. Returns nil when no backend is attached.
func (r *Registry) DetachBackend(sess *Session) net.Conn {
	conn := sess.Backend
	if conn == nil {
		return nil
	}
	delete(r.byBackend, conn)
	sess.Backend = nil
	return conn
}

// ByID returns the session with the given id, or nil.
func (r *Registry) ByID(id int64) *Session {
	return r.byID[id]
}

// ByClient returns the session owning the given client socket, or nil.
func (r *Registry) ByClient(conn net.Conn) *Session {
	return r.byClient[conn]
}

// ByBackend returns the session owning the given backend socket, or nil.
func (r *Registry) ByBackend(conn net.Conn) *Session {
	return r.byBackend[conn]
}

// All returns every session ordered by id. The slice is a snapshot; it is
// safe to destroy sessions while iterating it.
func (r *Registry) All() []*Session {
	out := make([]*Session, 0, len(r.byID))
	for _, sess := range r.byID {
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Remove drops the session from every index. Sockets are the caller's to
// close.
func (r *Registry) Remove(sess *Session) {
	if sess.Backend != nil {
		delete(r.byBackend, sess.Backend)
	}
	delete(r.byClient, sess.Client)
	delete(r.byID, sess.ID)
}

// Len returns the number of tracked sessions.
func (r *Registry) Len() int {
	return len(r.byID)
}

// Integrity reports dual-index violations: backend entries pointing at
// unknown sessions and sessions whose backend socket is missing from the
// reverse index.
func (r *Registry) Integrity() []string {
	var errs []string
	for conn, sess := range r.byBackend {
		if r.byID[sess.ID] != sess {
			errs = append(errs, fmt.Sprintf("error: orphan backend socket for #%d", sess.ID))
		}
		if sess.Backend != conn {
			errs = append(errs, fmt.Sprintf("error: stale backend index entry for #%d", sess.ID))
		}
	}
	for _, sess := range r.byID {
		if r.byClient[sess.Client] != sess {
			errs = append(errs, fmt.Sprintf("error: missing client index entry for #%d", sess.ID))
		}
		if sess.Backend != nil && r.byBackend[sess.Backend] != sess {
			errs = append(errs, fmt.Sprintf("error: missing backend index entry for #%d", sess.ID))
		}
	}
	sort.Strings(errs)
	return errs
}
