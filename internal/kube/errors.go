package kube

import (
	"context"
	"errors"
	"fmt"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
)

// Sentinel errors for common cluster fabric failure scenarios.
// These errors can be checked using errors.Is() for programmatic handling.
var (
	// ErrClusterNotFound indicates that the requested cluster does not exist
	// or the user does not have permission to access it.
	ErrClusterNotFound = errors.New("cluster not found")

	// ErrPoolExhausted indicates that the per-cluster connection pool is at
	// capacity and no entry could be borrowed.
	ErrPoolExhausted = errors.New("connection pool exhausted")

	// ErrPoolClosed indicates that the pool has been closed and can no
	// longer lend clients.
	ErrPoolClosed = errors.New("connection pool is closed")

	// ErrUpstreamUnreachable indicates that the cluster API server could not
	// be reached (network failure, timeout, or an open circuit breaker).
	ErrUpstreamUnreachable = errors.New("cluster unreachable")

	// ErrUpstream indicates that the cluster API server answered with an
	// error status.
	ErrUpstream = errors.New("upstream API error")

	// ErrInvalidClusterSpec indicates that a cluster descriptor is missing
	// required fields or carries malformed credentials.
	ErrInvalidClusterSpec = errors.New("invalid cluster spec")

	// ErrKindUnknown indicates that a resource kind is not in the registry.
	ErrKindUnknown = errors.New("unknown resource kind")

	// ErrNotScalable indicates a scale request against a kind that does not
	// support replica scaling.
	ErrNotScalable = errors.New("resource kind is not scalable")
)

// userFacingClusterError is the standardized message returned to users for
// cluster lookup and credential errors. A single message prevents error
// response differentiation from leaking cluster existence information.
const userFacingClusterError = "cluster access denied or unavailable"

// ClusterNotFoundError provides detailed context about a cluster lookup failure.
type ClusterNotFoundError struct {
	ClusterID int64
}

// Error implements the error interface.
func (e *ClusterNotFoundError) Error() string {
	return fmt.Sprintf("cluster %d not found", e.ClusterID)
}

// Unwrap returns the underlying sentinel error for use with errors.Is().
func (e *ClusterNotFoundError) Unwrap() error {
	return ErrClusterNotFound
}

// UserFacingError returns a sanitized message safe for end users. The generic
// wording does not reveal whether the cluster exists.
func (e *ClusterNotFoundError) UserFacingError() string {
	return userFacingClusterError
}

// PoolExhaustedError reports a borrow attempt against a saturated pool.
type PoolExhaustedError struct {
	ClusterID int64
	Limit     int
}

// Error implements the error interface.
func (e *PoolExhaustedError) Error() string {
	return fmt.Sprintf("connection pool for cluster %d exhausted (limit %d)", e.ClusterID, e.Limit)
}

// Unwrap returns the underlying sentinel error for use with errors.Is().
func (e *PoolExhaustedError) Unwrap() error {
	return ErrPoolExhausted
}

// UserFacingError returns a message suitable for displaying to end users.
func (e *PoolExhaustedError) UserFacingError() string {
	return "no cluster connection capacity available - please retry shortly"
}

// ClusterSpecError reports an invalid cluster descriptor field.
type ClusterSpecError struct {
	Field  string
	Reason string
}

// Error implements the error interface.
func (e *ClusterSpecError) Error() string {
	return fmt.Sprintf("invalid cluster spec: %s: %s", e.Field, e.Reason)
}

// Unwrap returns the underlying sentinel error for use with errors.Is().
func (e *ClusterSpecError) Unwrap() error {
	return ErrInvalidClusterSpec
}

// UserFacingError returns a message suitable for displaying to end users.
func (e *ClusterSpecError) UserFacingError() string {
	return fmt.Sprintf("invalid cluster configuration: %s", e.Reason)
}

// UpstreamError carries the status answered by the cluster API server.
// Handlers map it onto an HTTP status via HTTPStatus without ever exposing
// client-go internals to the caller.
type UpstreamError struct {
	ClusterID  int64
	StatusCode int
	Reason     string
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream API error on cluster %d (status %d %s): %s",
		e.ClusterID, e.StatusCode, e.Reason, e.Message)
}

// Unwrap returns the underlying error for use with errors.Is() and errors.As().
func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// Is implements custom error matching for errors.Is().
func (e *UpstreamError) Is(target error) bool {
	return target == ErrUpstream
}

// UserFacingError returns the upstream message, which is already meant for
// API consumers (e.g. "pods \"web-0\" not found").
func (e *UpstreamError) UserFacingError() string {
	if e.Message != "" {
		return e.Message
	}
	return "upstream API request failed"
}

// HTTPStatus maps the upstream status onto the response class served to
// callers: 404 and 409 pass through, other 4xx collapse to 400, everything
// else is a 502.
func (e *UpstreamError) HTTPStatus() int {
	switch {
	case e.StatusCode == 404:
		return 404
	case e.StatusCode == 409:
		return 409
	case e.StatusCode >= 400 && e.StatusCode < 500:
		return 400
	default:
		return 502
	}
}

// UnreachableError reports that a cluster could not be dialed at all.
type UnreachableError struct {
	ClusterID int64
	Err       error
}

// Error implements the error interface.
func (e *UnreachableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cluster %d unreachable: %v", e.ClusterID, e.Err)
	}
	return fmt.Sprintf("cluster %d unreachable", e.ClusterID)
}

// Unwrap returns the underlying error for use with errors.Is() and errors.As().
func (e *UnreachableError) Unwrap() error {
	return e.Err
}

// Is implements custom error matching for errors.Is().
func (e *UnreachableError) Is(target error) bool {
	return target == ErrUpstreamUnreachable
}

// UserFacingError returns a message suitable for displaying to end users.
func (e *UnreachableError) UserFacingError() string {
	return "cluster unreachable - please verify the cluster is up and reachable"
}

// WrapUpstream classifies an error returned by client-go. API status errors
// become UpstreamError; caller cancellation passes through untouched; every
// other failure (DNS, TLS, refused connections) is treated as unreachable.
func WrapUpstream(clusterID int64, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var statusErr *apierrors.StatusError
	if errors.As(err, &statusErr) {
		status := statusErr.ErrStatus
		return &UpstreamError{
			ClusterID:  clusterID,
			StatusCode: int(status.Code),
			Reason:     string(status.Reason),
			Message:    status.Message,
			Err:        err,
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &UnreachableError{ClusterID: clusterID, Err: err}
	}

	return &UnreachableError{ClusterID: clusterID, Err: err}
}
