package server

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/giantswarm/kubedeck/internal/auth"
	"github.com/giantswarm/kubedeck/internal/logging"
)

// handleWS upgrades the request and hands the socket to the hub, which owns
// it from then on. The handler blocks for the lifetime of the connection.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "websocket support is not enabled"})
		return
	}
	actx, ok := auth.FromContext(r.Context())
	if !ok || actx == nil {
		s.respondError(w, r, auth.ErrUnauthorized)
		return
	}

	sock, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the handshake failure.
		s.logger.Debug("WebSocket upgrade rejected", logging.SanitizedErr(err))
		return
	}

	conn, err := s.hub.Accept(sock, actx.UserID)
	if err != nil {
		// Accept closed the socket; a full hub is routine backpressure.
		s.logger.Debug("WebSocket connection refused", logging.SanitizedErr(err))
		return
	}
	s.hub.Serve(r.Context(), conn)
}

// checkOrigin builds the WebSocket origin policy from the CORS allow-list.
// Requests without an Origin header (non-browser clients) always pass; with
// no allow-list configured, only same-host upgrades are accepted.
func checkOrigin(origins []string) func(*http.Request) bool {
	allowed := make(map[string]struct{}, len(origins))
	wildcard := false
	for _, origin := range origins {
		if origin == "*" {
			wildcard = true
			continue
		}
		allowed[strings.ToLower(strings.TrimRight(origin, "/"))] = struct{}{}
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || wildcard {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		if strings.EqualFold(u.Host, r.Host) {
			return true
		}
		_, ok := allowed[strings.ToLower(strings.TrimRight(origin, "/"))]
		return ok
	}
}
