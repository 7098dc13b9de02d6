package store

import (
	"context"
	"fmt"
	"time"
)

// User is an account that can authenticate against the API, either with
// credentials (JWT flow) or a hashed API key.
type User struct {
	ID           int64     `db:"id" json:"id"`
	Username     string    `db:"username" json:"username"`
	Email        string    `db:"email" json:"email"`
	PasswordHash string    `db:"password_hash" json:"-"`
	Role         string    `db:"role" json:"role"`
	TenantID     string    `db:"tenant_id" json:"tenant_id,omitempty"`
	APIKeyHash   *string   `db:"api_key_hash" json:"-"`
	IsActive     bool      `db:"is_active" json:"is_active"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// RefreshToken is a hashed long-lived token exchangeable for a fresh JWT.
type RefreshToken struct {
	ID        int64     `db:"id"`
	UserID    int64     `db:"user_id"`
	TokenHash string    `db:"token_hash"`
	ExpiresAt time.Time `db:"expires_at"`
	Revoked   bool      `db:"revoked"`
	CreatedAt time.Time `db:"created_at"`
}

// UserSession records a login for the session listing and audit trail.
type UserSession struct {
	ID         int64     `db:"id"`
	SessionID  string    `db:"session_id"`
	UserID     int64     `db:"user_id"`
	IP         string    `db:"ip"`
	UserAgent  string    `db:"user_agent"`
	CreatedAt  time.Time `db:"created_at"`
	LastSeenAt time.Time `db:"last_seen_at"`
	ExpiresAt  time.Time `db:"expires_at"`
}

const userColumns = `id, username, email, password_hash, role, tenant_id, api_key_hash, is_active, created_at, updated_at`

// GetUserByID returns the user with the given id, or ErrNotFound.
func (s *Store) GetUserByID(ctx context.Context, id int64) (*User, error) {
	var u User
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	if err := s.db.GetContext(ctx, &u, query, id); err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

// GetUserByUsername returns the user with the given username, or ErrNotFound.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	var u User
	query := `SELECT ` + userColumns + ` FROM users WHERE username = $1`
	if err := s.db.GetContext(ctx, &u, query, username); err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

// GetUserByAPIKeyHash resolves an active user from the sha256 hex digest of
// a presented API key. Inactive users never match.
func (s *Store) GetUserByAPIKeyHash(ctx context.Context, hash string) (*User, error) {
	var u User
	query := `SELECT ` + userColumns + ` FROM users WHERE api_key_hash = $1 AND is_active`
	if err := s.db.GetContext(ctx, &u, query, hash); err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

// CreateUser inserts a new user and fills in the generated id and timestamps.
func (s *Store) CreateUser(ctx context.Context, u *User) error {
	query := `INSERT INTO users (username, email, password_hash, role, tenant_id, api_key_hash)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, is_active, created_at, updated_at`
	err := s.db.GetContext(ctx, u, query, u.Username, u.Email, u.PasswordHash, u.Role, u.TenantID, u.APIKeyHash)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", writeErr(err))
	}
	return nil
}

// ClusterGrants returns the user's per-cluster permission levels keyed by
// cluster id.
func (s *Store) ClusterGrants(ctx context.Context, userID int64) (map[int64]string, error) {
	rows := []struct {
		ClusterID int64  `db:"cluster_id"`
		Level     string `db:"level"`
	}{}
	query := `SELECT cluster_id, level FROM user_cluster_permissions WHERE user_id = $1`
	if err := s.db.SelectContext(ctx, &rows, query, userID); err != nil {
		return nil, fmt.Errorf("failed to load cluster grants: %w", err)
	}
	grants := make(map[int64]string, len(rows))
	for _, r := range rows {
		grants[r.ClusterID] = r.Level
	}
	return grants, nil
}

// NamespaceGrants returns the user's per-namespace permission levels keyed
// by cluster id then namespace.
func (s *Store) NamespaceGrants(ctx context.Context, userID int64) (map[int64]map[string]string, error) {
	rows := []struct {
		ClusterID int64  `db:"cluster_id"`
		Namespace string `db:"namespace"`
		Level     string `db:"level"`
	}{}
	query := `SELECT cluster_id, namespace, level FROM user_namespace_permissions WHERE user_id = $1`
	if err := s.db.SelectContext(ctx, &rows, query, userID); err != nil {
		return nil, fmt.Errorf("failed to load namespace grants: %w", err)
	}
	grants := make(map[int64]map[string]string)
	for _, r := range rows {
		if grants[r.ClusterID] == nil {
			grants[r.ClusterID] = make(map[string]string)
		}
		grants[r.ClusterID][r.Namespace] = r.Level
	}
	return grants, nil
}

// UpsertClusterGrant sets the user's permission level on a cluster.
func (s *Store) UpsertClusterGrant(ctx context.Context, userID, clusterID int64, level string) error {
	query := `INSERT INTO user_cluster_permissions (user_id, cluster_id, level) VALUES ($1, $2, $3)
		ON CONFLICT (user_id, cluster_id) DO UPDATE SET level = EXCLUDED.level`
	if _, err := s.db.ExecContext(ctx, query, userID, clusterID, level); err != nil {
		return fmt.Errorf("failed to upsert cluster grant: %w", err)
	}
	return nil
}

// UpsertNamespaceGrant sets the user's permission level on one namespace of
// a cluster.
func (s *Store) UpsertNamespaceGrant(ctx context.Context, userID, clusterID int64, namespace, level string) error {
	query := `INSERT INTO user_namespace_permissions (user_id, cluster_id, namespace, level) VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, cluster_id, namespace) DO UPDATE SET level = EXCLUDED.level`
	if _, err := s.db.ExecContext(ctx, query, userID, clusterID, namespace, level); err != nil {
		return fmt.Errorf("failed to upsert namespace grant: %w", err)
	}
	return nil
}

// DeleteClusterGrant revokes the user's cluster-level grant.
func (s *Store) DeleteClusterGrant(ctx context.Context, userID, clusterID int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM user_cluster_permissions WHERE user_id = $1 AND cluster_id = $2`, userID, clusterID)
	if err != nil {
		return fmt.Errorf("failed to delete cluster grant: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateRefreshToken stores the hash of a newly issued refresh token.
func (s *Store) CreateRefreshToken(ctx context.Context, userID int64, tokenHash string, expiresAt time.Time) error {
	query := `INSERT INTO refresh_tokens (user_id, token_hash, expires_at) VALUES ($1, $2, $3)`
	if _, err := s.db.ExecContext(ctx, query, userID, tokenHash, expiresAt); err != nil {
		return fmt.Errorf("failed to create refresh token: %w", writeErr(err))
	}
	return nil
}

// GetRefreshToken looks up a refresh token by hash. Expiry and revocation
// are checked by the caller so it can distinguish the failure modes.
func (s *Store) GetRefreshToken(ctx context.Context, tokenHash string) (*RefreshToken, error) {
	var t RefreshToken
	query := `SELECT id, user_id, token_hash, expires_at, revoked, created_at FROM refresh_tokens WHERE token_hash = $1`
	if err := s.db.GetContext(ctx, &t, query, tokenHash); err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

// RevokeRefreshToken marks a refresh token unusable.
func (s *Store) RevokeRefreshToken(ctx context.Context, tokenHash string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE refresh_tokens SET revoked = TRUE WHERE token_hash = $1`, tokenHash)
	if err != nil {
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteExpiredRefreshTokens removes revoked and expired refresh tokens.
// Returns the number of rows deleted.
func (s *Store) DeleteExpiredRefreshTokens(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE revoked OR expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired refresh tokens: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CreateSession records a login session.
func (s *Store) CreateSession(ctx context.Context, session *UserSession) error {
	query := `INSERT INTO user_sessions (session_id, user_id, ip, user_agent, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, last_seen_at`
	err := s.db.GetContext(ctx, session, query,
		session.SessionID, session.UserID, session.IP, session.UserAgent, session.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", writeErr(err))
	}
	return nil
}

// TouchSession refreshes the session's last activity timestamp.
func (s *Store) TouchSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE user_sessions SET last_seen_at = now() WHERE session_id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	return nil
}

// DeleteExpiredSessions removes sessions past their expiry. Returns the
// number of rows deleted.
func (s *Store) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM user_sessions WHERE expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
