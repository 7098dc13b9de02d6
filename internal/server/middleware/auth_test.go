package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/kubedeck/internal/audit"
	"github.com/giantswarm/kubedeck/internal/auth"
)

// fakeResolver accepts exactly one token and one API key.
type fakeResolver struct {
	token string
	key   string
	actx  *auth.Context
}

func (f *fakeResolver) FromToken(_ context.Context, token string) (*auth.Context, error) {
	if token == f.token {
		return f.actx, nil
	}
	return nil, auth.ErrUnauthorized
}

func (f *fakeResolver) FromAPIKey(_ context.Context, key string) (*auth.Context, error) {
	if key == f.key {
		return f.actx, nil
	}
	return nil, auth.ErrUnauthorized
}

func TestAuthenticator(t *testing.T) {
	resolver := &fakeResolver{
		token: "good-token",
		key:   "good-key",
		actx:  &auth.Context{UserID: 7, Username: "jo", Role: auth.RoleOperator},
	}

	tests := []struct {
		name       string
		prepare    func(r *http.Request)
		wantStatus int
	}{
		{
			name:       "bearer token",
			prepare:    func(r *http.Request) { r.Header.Set("Authorization", "Bearer good-token") },
			wantStatus: http.StatusOK,
		},
		{
			name:       "bearer token with surrounding space",
			prepare:    func(r *http.Request) { r.Header.Set("Authorization", "Bearer  good-token ") },
			wantStatus: http.StatusOK,
		},
		{
			name:       "API key header",
			prepare:    func(r *http.Request) { r.Header.Set("X-API-Key", "good-key") },
			wantStatus: http.StatusOK,
		},
		{
			name:       "token query parameter",
			prepare:    func(r *http.Request) { r.URL.RawQuery = "token=good-token" },
			wantStatus: http.StatusOK,
		},
		{
			name:       "no credentials",
			prepare:    func(r *http.Request) {},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "wrong token",
			prepare:    func(r *http.Request) { r.Header.Set("Authorization", "Bearer bad-token") },
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "malformed authorization header",
			prepare:    func(r *http.Request) { r.Header.Set("Authorization", "Basic Zm9vOmJhcg==") },
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "wrong API key",
			prepare:    func(r *http.Request) { r.Header.Set("X-API-Key", "bad-key") },
			wantStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen *auth.Context
			handler := Authenticator(resolver, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen, _ = auth.FromContext(r.Context())
				w.WriteHeader(http.StatusOK)
			}))

			r := httptest.NewRequest(http.MethodGet, "/api/pods", nil)
			tt.prepare(r)
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, r)

			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantStatus == http.StatusOK {
				require.NotNil(t, seen)
				assert.Equal(t, int64(7), seen.UserID)
			} else {
				assert.Equal(t, `Bearer realm="kubedeck"`, w.Header().Get("WWW-Authenticate"))
				assert.JSONEq(t, `{"error":"authentication required"}`, w.Body.String())
			}
		})
	}
}

func TestAuthenticatorStoresRequestMeta(t *testing.T) {
	resolver := &fakeResolver{token: "tok", actx: &auth.Context{UserID: 1, Role: auth.RoleAdmin}}

	var meta audit.RequestMeta
	handler := Authenticator(resolver, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		meta, _ = audit.MetaFromContext(r.Context())
	}))

	r := httptest.NewRequest(http.MethodGet, "/api/pods", nil)
	r.Header.Set("Authorization", "Bearer tok")
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	r.Header.Set("User-Agent", "kubedeck-test/1.0")
	handler.ServeHTTP(httptest.NewRecorder(), r)

	assert.Equal(t, "203.0.113.9", meta.IP)
	assert.Equal(t, "kubedeck-test/1.0", meta.UserAgent)
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		forwarded  string
		expected   string
	}{
		{
			name:       "remote addr with port",
			remoteAddr: "192.0.2.4:51234",
			expected:   "192.0.2.4",
		},
		{
			name:       "forwarded single hop",
			remoteAddr: "10.0.0.1:80",
			forwarded:  "203.0.113.9",
			expected:   "203.0.113.9",
		},
		{
			name:       "forwarded chain keeps first",
			remoteAddr: "10.0.0.1:80",
			forwarded:  "203.0.113.9, 10.0.0.2, 10.0.0.3",
			expected:   "203.0.113.9",
		},
		{
			name:       "remote addr without port",
			remoteAddr: "192.0.2.4",
			expected:   "192.0.2.4",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.forwarded != "" {
				r.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			assert.Equal(t, tt.expected, ClientIP(r))
		})
	}
}
