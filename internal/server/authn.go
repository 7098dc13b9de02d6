package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/giantswarm/kubedeck/internal/audit"
	"github.com/giantswarm/kubedeck/internal/auth"
	"github.com/giantswarm/kubedeck/internal/logging"
	serverMiddleware "github.com/giantswarm/kubedeck/internal/server/middleware"
	"github.com/giantswarm/kubedeck/internal/store"
)

// Audit action names for authentication events.
const (
	actionLogin   = "login"
	actionRefresh = "refresh_token"
	actionLogout  = "logout"
)

type loginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

type logoutRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// tokenResponse is the credential pair issued by login and refresh.
type tokenResponse struct {
	AccessToken  string    `json:"access_token"`
	TokenType    string    `json:"token_type"`
	ExpiresAt    time.Time `json:"expires_at"`
	RefreshToken string    `json:"refresh_token"`
}

// handleLogin exchanges username and password for a token pair. Unknown
// users, wrong passwords and disabled accounts all answer the same 401.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := s.decodeJSON(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}

	user, err := s.registry.GetUserByUsername(r.Context(), req.Username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			err = fmt.Errorf("%w: invalid credentials", auth.ErrUnauthorized)
		}
		s.record(r, audit.Entry{Action: actionLogin, Success: false, Error: "invalid credentials",
			Details: map[string]any{"username": req.Username}})
		s.respondError(w, r, err)
		return
	}
	if !user.IsActive {
		s.record(r, audit.Entry{UserID: &user.ID, Action: actionLogin, Success: false, Error: "account disabled"})
		s.respondError(w, r, fmt.Errorf("%w: invalid credentials", auth.ErrUnauthorized))
		return
	}
	if err := auth.CheckPassword(user.PasswordHash, req.Password); err != nil {
		s.record(r, audit.Entry{UserID: &user.ID, Action: actionLogin, Success: false, Error: "invalid credentials"})
		s.respondError(w, r, err)
		return
	}

	resp, err := s.issueTokens(r, user)
	if err != nil {
		s.record(r, audit.Entry{UserID: &user.ID, Action: actionLogin, Success: false, Error: err.Error()})
		s.respondError(w, r, err)
		return
	}

	// The session row is bookkeeping for the audit trail; its failure must
	// not undo a successful credential exchange.
	session := &store.UserSession{
		SessionID: uuid.NewString(),
		UserID:    user.ID,
		IP:        serverMiddleware.ClientIP(r),
		UserAgent: r.UserAgent(),
		ExpiresAt: s.now().Add(auth.DefaultRefreshTokenTTL),
	}
	if err := s.registry.CreateSession(r.Context(), session); err != nil {
		s.logger.Warn("Failed to record login session", logging.UserID(user.ID), logging.Err(err))
	}

	s.record(r, audit.Entry{UserID: &user.ID, Action: actionLogin, Success: true})
	s.logger.Info("User logged in", logging.UserID(user.ID), logging.UserHash(user.Username))
	writeJSON(w, http.StatusOK, resp)
}

// handleRefresh rotates a refresh token: the presented token is revoked and a
// fresh pair is issued. Expired, revoked and unknown tokens answer 401.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := s.decodeJSON(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}

	hash := auth.HashAPIKey(req.RefreshToken)
	token, err := s.registry.GetRefreshToken(r.Context(), hash)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			err = fmt.Errorf("%w: invalid refresh token", auth.ErrUnauthorized)
		}
		s.respondError(w, r, err)
		return
	}
	if token.Revoked || s.now().After(token.ExpiresAt) {
		s.respondError(w, r, fmt.Errorf("%w: refresh token expired", auth.ErrUnauthorized))
		return
	}

	user, err := s.registry.GetUserByID(r.Context(), token.UserID)
	if err != nil || !user.IsActive {
		s.respondError(w, r, fmt.Errorf("%w: invalid refresh token", auth.ErrUnauthorized))
		return
	}

	if err := s.registry.RevokeRefreshToken(r.Context(), hash); err != nil && !errors.Is(err, store.ErrNotFound) {
		s.respondError(w, r, err)
		return
	}
	resp, err := s.issueTokens(r, user)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	s.record(r, audit.Entry{UserID: &user.ID, Action: actionRefresh, Success: true})
	writeJSON(w, http.StatusOK, resp)
}

// issueTokens signs an access token and stores a fresh refresh token.
func (s *Server) issueTokens(r *http.Request, user *store.User) (*tokenResponse, error) {
	role, err := auth.ParseRole(user.Role)
	if err != nil {
		return nil, fmt.Errorf("%w: account misconfigured", auth.ErrUnauthorized)
	}

	access, expiresAt, err := s.verifier.Issue(user.ID, user.Username, role, user.TenantID)
	if err != nil {
		return nil, err
	}
	refresh, refreshHash, err := auth.NewRefreshToken()
	if err != nil {
		return nil, err
	}
	expiry := s.now().Add(auth.DefaultRefreshTokenTTL)
	if err := s.registry.CreateRefreshToken(r.Context(), user.ID, refreshHash, expiry); err != nil {
		return nil, err
	}

	return &tokenResponse{
		AccessToken:  access,
		TokenType:    "Bearer",
		ExpiresAt:    expiresAt,
		RefreshToken: refresh,
	}, nil
}

// handleLogout revokes the presented refresh token. The access token stays
// valid until it expires; only the long-lived credential is withdrawn. The
// body is optional: logout without a token just leaves the audit entry.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req logoutRequest
	_ = json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req)

	if req.RefreshToken != "" {
		err := s.registry.RevokeRefreshToken(r.Context(), auth.HashAPIKey(req.RefreshToken))
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			s.respondError(w, r, err)
			return
		}
	}

	s.record(r, audit.Entry{Action: actionLogout, Success: true})
	w.WriteHeader(http.StatusNoContent)
}

// meResponse is the caller's resolved identity and grants.
type meResponse struct {
	UserID          int64                       `json:"user_id"`
	Username        string                      `json:"username"`
	Role            string                      `json:"role"`
	TenantID        string                      `json:"tenant_id,omitempty"`
	ClusterGrants   map[int64]string            `json:"cluster_grants,omitempty"`
	NamespaceGrants map[int64]map[string]string `json:"namespace_grants,omitempty"`
}

// handleMe returns the identity the authenticator resolved for this request.
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	actx, ok := auth.FromContext(r.Context())
	if !ok || actx == nil {
		s.respondError(w, r, auth.ErrUnauthorized)
		return
	}

	resp := meResponse{
		UserID:   actx.UserID,
		Username: actx.Username,
		Role:     string(actx.Role),
		TenantID: actx.TenantID,
	}
	if len(actx.ClusterGrants) > 0 {
		resp.ClusterGrants = make(map[int64]string, len(actx.ClusterGrants))
		for id, level := range actx.ClusterGrants {
			resp.ClusterGrants[id] = level.String()
		}
	}
	if len(actx.NamespaceGrants) > 0 {
		resp.NamespaceGrants = make(map[int64]map[string]string, len(actx.NamespaceGrants))
		for id, namespaces := range actx.NamespaceGrants {
			grants := make(map[string]string, len(namespaces))
			for ns, level := range namespaces {
				grants[ns] = level.String()
			}
			resp.NamespaceGrants[id] = grants
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
