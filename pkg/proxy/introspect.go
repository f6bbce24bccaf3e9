// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import "fmt"

// writeIntrospection answers the `#?` command: a session-table dump
// written only to the requesting client, never forwarded to the backend.
func (s *Service) writeIntrospection(req *Session) {
	for _, line := range s.introspectionReport() {
		s.writeLine(req.Client, line)
	}
}

func (s *Service) introspectionReport() []string {
	var out []string

	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln != nil {
		out = append(out, fmt.Sprintf("listener %s", ln.Addr()))
	}

	if s.online() {
		out = append(out, "hb       [connected]")
	} else {
		out = append(out, "hb       [not connected]")
	}

	for _, sess := range s.registry.All() {
		name := sess.User
		if name == "" {
			name = "unconnected"
		}
		out = append(out, fmt.Sprintf("client   #%d [connected] %s %s (%s)",
			sess.ID, name, sess.RemoteHost, sess.phase()))

		worldState := "[not connected]"
		if sess.Backend != nil {
			worldState = "[connected]"
		}
		out = append(out, fmt.Sprintf("world    #%d %s %s", sess.ID, worldState, name))
	}

	out = append(out, s.registry.Integrity()...)
	return out
}
