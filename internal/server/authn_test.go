package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/kubedeck/internal/auth"
)

func (ts *testServer) login(t *testing.T, username, password string) *tokenResponse {
	t.Helper()
	body := fmt.Sprintf(`{"username":%q,"password":%q}`, username, password)
	w := ts.do(t, http.MethodPost, "/api/auth/login", "", body)
	require.Equal(t, http.StatusOK, w.Code)

	var resp tokenResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return &resp
}

func TestLogin(t *testing.T) {
	ts := newTestServer(t, Config{})
	ts.seedUser(t, "casey", "hunter2hunter2", "operator")

	resp := ts.login(t, "casey", "hunter2hunter2")

	assert.NotEmpty(t, resp.AccessToken)
	assert.Equal(t, "Bearer", resp.TokenType)
	assert.NotEmpty(t, resp.RefreshToken)
	assert.True(t, resp.ExpiresAt.After(time.Now()))

	// The issued token authenticates follow-up requests.
	me := ts.do(t, http.MethodGet, "/api/auth/me", resp.AccessToken, "")
	assert.Equal(t, http.StatusOK, me.Code)

	// A session row records the login.
	ts.registry.mu.Lock()
	defer ts.registry.mu.Unlock()
	require.Len(t, ts.registry.sessions, 1)
	assert.NotEmpty(t, ts.registry.sessions[0].SessionID)
}

// Unknown users, wrong passwords and disabled accounts must be
// indistinguishable from the outside.
func TestLoginFailuresAreUniform(t *testing.T) {
	ts := newTestServer(t, Config{})
	ts.seedUser(t, "casey", "hunter2hunter2", "operator")
	disabledID := ts.seedUser(t, "gone", "hunter2hunter2", "operator")
	ts.registry.mu.Lock()
	u := ts.registry.users[disabledID]
	u.IsActive = false
	ts.registry.users[disabledID] = u
	ts.registry.mu.Unlock()

	attempts := map[string]string{
		"wrong password":   `{"username":"casey","password":"not-the-password"}`,
		"unknown user":     `{"username":"nobody","password":"hunter2hunter2"}`,
		"disabled account": `{"username":"gone","password":"hunter2hunter2"}`,
	}

	var bodies []string
	for name, body := range attempts {
		t.Run(name, func(t *testing.T) {
			w := ts.do(t, http.MethodPost, "/api/auth/login", "", body)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
			bodies = append(bodies, w.Body.String())
		})
	}
	for i := 1; i < len(bodies); i++ {
		assert.Equal(t, bodies[0], bodies[i])
	}
}

func TestRefreshRotatesToken(t *testing.T) {
	ts := newTestServer(t, Config{})
	ts.seedUser(t, "casey", "hunter2hunter2", "operator")
	first := ts.login(t, "casey", "hunter2hunter2")

	w := ts.do(t, http.MethodPost, "/api/auth/refresh", "",
		fmt.Sprintf(`{"refresh_token":%q}`, first.RefreshToken))
	require.Equal(t, http.StatusOK, w.Code)

	var second tokenResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &second))
	assert.NotEmpty(t, second.AccessToken)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)

	// The presented token was revoked during rotation.
	replay := ts.do(t, http.MethodPost, "/api/auth/refresh", "",
		fmt.Sprintf(`{"refresh_token":%q}`, first.RefreshToken))
	assert.Equal(t, http.StatusUnauthorized, replay.Code)
}

func TestRefreshRejectsExpiredToken(t *testing.T) {
	ts := newTestServer(t, Config{})
	userID := ts.seedUser(t, "casey", "hunter2hunter2", "operator")

	err := ts.registry.CreateRefreshToken(context.Background(), userID,
		auth.HashAPIKey("stale-token"), time.Now().Add(-time.Hour))
	require.NoError(t, err)

	w := ts.do(t, http.MethodPost, "/api/auth/refresh", "", `{"refresh_token":"stale-token"}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRefreshRejectsUnknownToken(t *testing.T) {
	ts := newTestServer(t, Config{})
	w := ts.do(t, http.MethodPost, "/api/auth/refresh", "", `{"refresh_token":"never-issued"}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestLogoutRevokesRefreshToken(t *testing.T) {
	ts := newTestServer(t, Config{})
	ts.seedUser(t, "casey", "hunter2hunter2", "operator")
	pair := ts.login(t, "casey", "hunter2hunter2")

	w := ts.do(t, http.MethodPost, "/api/auth/logout", pair.AccessToken,
		fmt.Sprintf(`{"refresh_token":%q}`, pair.RefreshToken))
	assert.Equal(t, http.StatusNoContent, w.Code)

	// The access token survives until expiry, but the refresh token is gone.
	me := ts.do(t, http.MethodGet, "/api/auth/me", pair.AccessToken, "")
	assert.Equal(t, http.StatusOK, me.Code)

	refresh := ts.do(t, http.MethodPost, "/api/auth/refresh", "",
		fmt.Sprintf(`{"refresh_token":%q}`, pair.RefreshToken))
	assert.Equal(t, http.StatusUnauthorized, refresh.Code)
}

func TestLogoutWithoutBody(t *testing.T) {
	ts := newTestServer(t, Config{})
	userID := ts.seedUser(t, "casey", "hunter2hunter2", "operator")

	w := ts.do(t, http.MethodPost, "/api/auth/logout", ts.token(t, userID), "")
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestMeReportsGrants(t *testing.T) {
	ts := newTestServer(t, Config{})
	clusterID := ts.seedCluster(t, "prod", true)
	viewerID := ts.seedUser(t, "viewer", "hunter2hunter2", "viewer")
	ts.grantCluster(viewerID, clusterID, "read")

	w := ts.do(t, http.MethodGet, "/api/auth/me", ts.token(t, viewerID), "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Role          string           `json:"role"`
		ClusterGrants map[int64]string `json:"cluster_grants"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "viewer", resp.Role)
	assert.Equal(t, map[int64]string{clusterID: "read"}, resp.ClusterGrants)
}

// A token for a user who was deactivated after issuance stops working
// immediately: the resolver re-reads the account on every request.
func TestDeactivatedUserTokenStopsWorking(t *testing.T) {
	ts := newTestServer(t, Config{})
	userID := ts.seedUser(t, "casey", "hunter2hunter2", "operator")
	token := ts.token(t, userID)

	before := ts.do(t, http.MethodGet, "/api/auth/me", token, "")
	require.Equal(t, http.StatusOK, before.Code)

	ts.registry.mu.Lock()
	u := ts.registry.users[userID]
	u.IsActive = false
	ts.registry.users[userID] = u
	ts.registry.mu.Unlock()

	after := ts.do(t, http.MethodGet, "/api/auth/me", token, "")
	assert.Equal(t, http.StatusUnauthorized, after.Code)
}
