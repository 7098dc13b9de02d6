package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/giantswarm/kubedeck/internal/kube"
)

// Cluster is a registered Kubernetes cluster. Credential columns never
// serialize to JSON; API responses expose only descriptive fields.
type Cluster struct {
	ID              int64     `db:"id" json:"id"`
	Name            string    `db:"name" json:"name"`
	Description     string    `db:"description" json:"description"`
	AuthMode        string    `db:"auth_mode" json:"auth_mode"`
	Kubeconfig      []byte    `db:"kubeconfig" json:"-"`
	Endpoint        string    `db:"endpoint" json:"endpoint,omitempty"`
	BearerToken     string    `db:"bearer_token" json:"-"`
	CACert          []byte    `db:"ca_cert" json:"-"`
	InsecureSkipTLS bool      `db:"insecure_skip_tls" json:"insecure_skip_tls"`
	Active          bool      `db:"active" json:"active"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time `db:"updated_at" json:"updated_at"`
}

// Spec converts the stored row into the connection spec the client pool
// consumes. This is the single place registry columns map to credentials.
func (c *Cluster) Spec() kube.ClusterSpec {
	return kube.ClusterSpec{
		ID:              c.ID,
		Name:            c.Name,
		AuthMode:        kube.AuthMode(c.AuthMode),
		Kubeconfig:      c.Kubeconfig,
		Endpoint:        c.Endpoint,
		BearerToken:     c.BearerToken,
		CACert:          c.CACert,
		InsecureSkipTLS: c.InsecureSkipTLS,
	}
}

const clusterColumns = `id, name, description, auth_mode, kubeconfig, endpoint, bearer_token, ca_cert, insecure_skip_tls, active, created_at, updated_at`

// ListClusters returns all registered clusters ordered by id.
func (s *Store) ListClusters(ctx context.Context) ([]Cluster, error) {
	var clusters []Cluster
	query := `SELECT ` + clusterColumns + ` FROM clusters ORDER BY id`
	if err := s.db.SelectContext(ctx, &clusters, query); err != nil {
		return nil, fmt.Errorf("failed to list clusters: %w", err)
	}
	return clusters, nil
}

// GetCluster returns the cluster with the given id, or ErrNotFound.
func (s *Store) GetCluster(ctx context.Context, id int64) (*Cluster, error) {
	var c Cluster
	query := `SELECT ` + clusterColumns + ` FROM clusters WHERE id = $1`
	if err := s.db.GetContext(ctx, &c, query, id); err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

// ClusterSpec resolves a registry id to the connection spec the client pool
// consumes. Unknown ids surface as the pool's own not-found error so callers
// see one consistent taxonomy for cluster resolution failures.
func (s *Store) ClusterSpec(ctx context.Context, id int64) (kube.ClusterSpec, error) {
	c, err := s.GetCluster(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return kube.ClusterSpec{}, &kube.ClusterNotFoundError{ClusterID: id}
		}
		return kube.ClusterSpec{}, err
	}
	return c.Spec(), nil
}

// GetClusterByName returns the cluster with the given name, or ErrNotFound.
func (s *Store) GetClusterByName(ctx context.Context, name string) (*Cluster, error) {
	var c Cluster
	query := `SELECT ` + clusterColumns + ` FROM clusters WHERE name = $1`
	if err := s.db.GetContext(ctx, &c, query, name); err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

// GetActiveCluster returns the currently active cluster, or ErrNotFound when
// no cluster is active.
func (s *Store) GetActiveCluster(ctx context.Context) (*Cluster, error) {
	var c Cluster
	query := `SELECT ` + clusterColumns + ` FROM clusters WHERE active LIMIT 1`
	if err := s.db.GetContext(ctx, &c, query); err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

// CreateCluster inserts a new cluster and fills in the generated id and
// timestamps. A name collision returns ErrDuplicate.
func (s *Store) CreateCluster(ctx context.Context, c *Cluster) error {
	query := `INSERT INTO clusters (name, description, auth_mode, kubeconfig, endpoint, bearer_token, ca_cert, insecure_skip_tls)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, active, created_at, updated_at`
	err := s.db.GetContext(ctx, c, query,
		c.Name, c.Description, c.AuthMode, c.Kubeconfig, c.Endpoint, c.BearerToken, c.CACert, c.InsecureSkipTLS)
	if err != nil {
		return fmt.Errorf("failed to create cluster: %w", writeErr(err))
	}
	return nil
}

// UpdateCluster replaces the mutable columns of an existing cluster. The
// active flag is managed separately by ActivateCluster.
func (s *Store) UpdateCluster(ctx context.Context, c *Cluster) error {
	query := `UPDATE clusters
		SET name = $1, description = $2, auth_mode = $3, kubeconfig = $4, endpoint = $5, bearer_token = $6, ca_cert = $7, insecure_skip_tls = $8, updated_at = now()
		WHERE id = $9
		RETURNING updated_at`
	err := s.db.GetContext(ctx, c, query,
		c.Name, c.Description, c.AuthMode, c.Kubeconfig, c.Endpoint, c.BearerToken, c.CACert, c.InsecureSkipTLS, c.ID)
	if err != nil {
		return fmt.Errorf("failed to update cluster: %w", writeErr(notFound(err)))
	}
	return nil
}

// DeleteCluster removes a cluster. Grants referencing it cascade away.
func (s *Store) DeleteCluster(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM clusters WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete cluster: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ActivateCluster marks one cluster active and clears the flag everywhere
// else in the same transaction, so at most one cluster is ever active.
func (s *Store) ActivateCluster(ctx context.Context, id int64) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE clusters SET active = FALSE, updated_at = now() WHERE active AND id <> $1`, id); err != nil {
			return fmt.Errorf("failed to clear active clusters: %w", err)
		}
		res, err := tx.ExecContext(ctx, `UPDATE clusters SET active = TRUE, updated_at = now() WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("failed to activate cluster: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// DeactivateCluster clears the active flag on one cluster.
func (s *Store) DeactivateCluster(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE clusters SET active = FALSE, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to deactivate cluster: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
