package auth

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/giantswarm/kubedeck/internal/logging"
	"github.com/giantswarm/kubedeck/internal/store"
)

// UserSource is the slice of the store the resolver needs. *store.Store
// satisfies it.
type UserSource interface {
	GetUserByID(ctx context.Context, id int64) (*store.User, error)
	GetUserByAPIKeyHash(ctx context.Context, hash string) (*store.User, error)
	ClusterGrants(ctx context.Context, userID int64) (map[int64]string, error)
	NamespaceGrants(ctx context.Context, userID int64) (map[int64]map[string]string, error)
}

// Resolver turns presented credentials into a request Context.
type Resolver struct {
	users    UserSource
	verifier *Verifier
	logger   *slog.Logger
}

// NewResolver wires the verifier to the user store.
func NewResolver(users UserSource, verifier *Verifier, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		users:    users,
		verifier: verifier,
		logger:   logging.WithComponent(logger, "auth"),
	}
}

// FromToken resolves a bearer JWT. The user row is re-read so deactivation
// and role changes take effect before the token expires.
func (r *Resolver) FromToken(ctx context.Context, token string) (*Context, error) {
	claims, err := r.verifier.Parse(token)
	if err != nil {
		return nil, err
	}

	u, err := r.users.GetUserByID(ctx, claims.UserID)
	if err != nil {
		return nil, fmt.Errorf("%w: unknown user", ErrUnauthorized)
	}
	return r.resolve(ctx, u)
}

// FromAPIKey resolves an X-API-Key credential via its stored digest.
func (r *Resolver) FromAPIKey(ctx context.Context, key string) (*Context, error) {
	u, err := r.users.GetUserByAPIKeyHash(ctx, HashAPIKey(key))
	if err != nil {
		return nil, fmt.Errorf("%w: unknown API key", ErrUnauthorized)
	}
	return r.resolve(ctx, u)
}

// resolve loads grants and assembles the immutable request Context.
func (r *Resolver) resolve(ctx context.Context, u *store.User) (*Context, error) {
	if !u.IsActive {
		return nil, fmt.Errorf("%w: account disabled", ErrUnauthorized)
	}
	role, err := ParseRole(u.Role)
	if err != nil {
		r.logger.Warn("User has unknown role, refusing authentication",
			logging.UserID(u.ID), slog.String("role", u.Role))
		return nil, fmt.Errorf("%w: account misconfigured", ErrUnauthorized)
	}

	clusterRows, err := r.users.ClusterGrants(ctx, u.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load cluster grants: %w", err)
	}
	namespaceRows, err := r.users.NamespaceGrants(ctx, u.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load namespace grants: %w", err)
	}

	actx := &Context{
		UserID:          u.ID,
		Username:        u.Username,
		Role:            role,
		TenantID:        u.TenantID,
		ClusterGrants:   make(map[int64]Level, len(clusterRows)),
		NamespaceGrants: make(map[int64]map[string]Level, len(namespaceRows)),
	}

	for clusterID, levelStr := range clusterRows {
		level, err := ParseLevel(levelStr)
		if err != nil {
			// A malformed grant row fails closed for that cluster.
			r.logger.Warn("Skipping malformed cluster grant",
				logging.UserID(u.ID), logging.ClusterID(clusterID), logging.Err(err))
			continue
		}
		actx.ClusterGrants[clusterID] = level
	}
	for clusterID, namespaces := range namespaceRows {
		for ns, levelStr := range namespaces {
			level, err := ParseLevel(levelStr)
			if err != nil {
				r.logger.Warn("Skipping malformed namespace grant",
					logging.UserID(u.ID), logging.ClusterID(clusterID), logging.Namespace(ns), logging.Err(err))
				continue
			}
			if actx.NamespaceGrants[clusterID] == nil {
				actx.NamespaceGrants[clusterID] = make(map[string]Level, len(namespaces))
			}
			actx.NamespaceGrants[clusterID][ns] = level
		}
	}

	return actx, nil
}
