// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package proxy implements the session-survival engine: a transparent TCP
// proxy that keeps interactive text-protocol clients connected across
// backend restarts.
//
// # Overview
//
// Clients connect to the proxy instead of the game server. When the
// backend restarts, crashes or is migrated, the client-side TCP
// connections stay open; once the backend is reachable again the proxy
// reopens the world-side sockets, replays the captured login and drops the
// gag, so the session appears continuous.
//
// # Architecture
//
//	┌─────────┐         ┌──────────────────┐         ┌─────────┐
//	│ Client  │ ←─TCP─→ │     Service      │ ←─TCP─→ │ Backend │
//	└─────────┘         │  (event loop)    │         └─────────┘
//	                    │                  │ ←─TCP─→ heartbeat
//	                    └──────────────────┘
//
// One goroutine owns all mutable state: the session registry, the pending
// command queues and the heartbeat. Socket readers only frame bytes into
// lines and post events onto a single channel; backend dials complete
// asynchronously and deliver their result the same way. A periodic tick
// drives heartbeat attempts and the staleness sweeps.
//
// # Liveness
//
// The heartbeat is a dedicated, permanently-logged-in backend connection.
// Its presence defines "online": while it is absent no world-side dials
// are attempted. Any line it produces is proof the game is alive, which is
// how the proxy tells "the backend is down" apart from "the backend
// dropped this one user on purpose":
//
//   - world socket drops, heartbeat absent → wait for the backend to
//     return, then reconnect and replay the login
//   - world socket drops, heartbeat present → send a probe line; any
//     heartbeat output confirms an intentional disconnect and the client
//     is dropped too
//   - heartbeat drops, or a probe stays unanswered → failover teardown:
//     every session is detached, gagged and given the offline notice
//
// # Reconnect
//
// On a reopened world socket the proxy replays `connect <user> <pass>`
// followed by a sentinel echo command. Backend output is discarded until
// the sentinel comes back; everything after it flows verbatim again.
//
// # Session lifecycle
//
// A session is created at accept and destroyed when the client closes,
// when a backend-initiated disconnect is confirmed intentional, or when it
// stays unauthenticated past the timeout. Logins are recognized by
// pattern-matching backend output against the configured success and
// failure expressions while a `connect` command is pending.
package proxy
