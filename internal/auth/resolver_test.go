package auth

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/kubedeck/internal/store"
)

// stubUserSource serves canned rows keyed by id and API key hash.
type stubUserSource struct {
	users           map[int64]*store.User
	byAPIKeyHash    map[string]*store.User
	clusterGrants   map[int64]map[int64]string
	namespaceGrants map[int64]map[int64]map[string]string
}

func (s *stubUserSource) GetUserByID(_ context.Context, id int64) (*store.User, error) {
	if u, ok := s.users[id]; ok {
		return u, nil
	}
	return nil, store.ErrNotFound
}

func (s *stubUserSource) GetUserByAPIKeyHash(_ context.Context, hash string) (*store.User, error) {
	if u, ok := s.byAPIKeyHash[hash]; ok && u.IsActive {
		return u, nil
	}
	return nil, store.ErrNotFound
}

func (s *stubUserSource) ClusterGrants(_ context.Context, userID int64) (map[int64]string, error) {
	return s.clusterGrants[userID], nil
}

func (s *stubUserSource) NamespaceGrants(_ context.Context, userID int64) (map[int64]map[string]string, error) {
	return s.namespaceGrants[userID], nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestResolver(t *testing.T, users *stubUserSource) *Resolver {
	t.Helper()
	v, err := NewVerifier(testSecret)
	require.NoError(t, err)
	return NewResolver(users, v, quietLogger())
}

func TestResolverFromToken(t *testing.T) {
	users := &stubUserSource{
		users: map[int64]*store.User{
			9: {ID: 9, Username: "casey", Role: "user", TenantID: "acme", IsActive: true},
		},
		clusterGrants: map[int64]map[int64]string{
			9: {3: "manage"},
		},
		namespaceGrants: map[int64]map[int64]map[string]string{
			9: {5: {"team-a": "manage"}},
		},
	}
	r := newTestResolver(t, users)

	token, _, err := r.verifier.Issue(9, "casey", RoleUser, "acme")
	require.NoError(t, err)

	actx, err := r.FromToken(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, int64(9), actx.UserID)
	assert.Equal(t, RoleUser, actx.Role)
	assert.Equal(t, map[int64]Level{3: LevelManage}, actx.ClusterGrants)
	assert.Equal(t, map[int64]map[string]Level{5: {"team-a": LevelManage}}, actx.NamespaceGrants)
}

func TestResolverFromTokenDeletedUser(t *testing.T) {
	users := &stubUserSource{users: map[int64]*store.User{}}
	r := newTestResolver(t, users)

	token, _, err := r.verifier.Issue(9, "casey", RoleUser, "")
	require.NoError(t, err)

	_, err = r.FromToken(context.Background(), token)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestResolverFromTokenInactiveUser(t *testing.T) {
	users := &stubUserSource{
		users: map[int64]*store.User{
			9: {ID: 9, Username: "casey", Role: "user", IsActive: false},
		},
	}
	r := newTestResolver(t, users)

	token, _, err := r.verifier.Issue(9, "casey", RoleUser, "")
	require.NoError(t, err)

	_, err = r.FromToken(context.Background(), token)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestResolverFromAPIKey(t *testing.T) {
	key := "svc-account-key"
	users := &stubUserSource{
		byAPIKeyHash: map[string]*store.User{
			HashAPIKey(key): {ID: 4, Username: "ci-bot", Role: "operator", IsActive: true},
		},
	}
	r := newTestResolver(t, users)

	actx, err := r.FromAPIKey(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, int64(4), actx.UserID)
	assert.Equal(t, RoleOperator, actx.Role)

	_, err = r.FromAPIKey(context.Background(), "wrong-key")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestResolverSkipsMalformedGrants(t *testing.T) {
	users := &stubUserSource{
		users: map[int64]*store.User{
			9: {ID: 9, Username: "casey", Role: "user", IsActive: true},
		},
		clusterGrants: map[int64]map[int64]string{
			9: {3: "manage", 4: "bogus"},
		},
	}
	r := newTestResolver(t, users)

	token, _, err := r.verifier.Issue(9, "casey", RoleUser, "")
	require.NoError(t, err)

	actx, err := r.FromToken(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, map[int64]Level{3: LevelManage}, actx.ClusterGrants)
	assert.NotContains(t, actx.ClusterGrants, int64(4))
}

func TestContextRoundTrip(t *testing.T) {
	actx := &Context{UserID: 9, Role: RoleAdmin}
	ctx := WithContext(context.Background(), actx)

	got, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Same(t, actx, got)

	_, ok = FromContext(context.Background())
	assert.False(t, ok)
}
