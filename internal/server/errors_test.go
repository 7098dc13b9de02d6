package server

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/kubedeck/internal/auth"
	"github.com/giantswarm/kubedeck/internal/fabric"
	"github.com/giantswarm/kubedeck/internal/kube"
	"github.com/giantswarm/kubedeck/internal/store"
)

func TestMapError(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantStatus  int
		wantMessage string
	}{
		{
			name:       "unauthorized",
			err:        fmt.Errorf("%w: invalid credentials", auth.ErrUnauthorized),
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "forbidden",
			err:        fmt.Errorf("%w: cluster not granted", auth.ErrForbidden),
			wantStatus: http.StatusForbidden,
		},
		{
			name:        "not found",
			err:         store.ErrNotFound,
			wantStatus:  http.StatusNotFound,
			wantMessage: "record not found",
		},
		{
			name:        "duplicate",
			err:         store.ErrDuplicate,
			wantStatus:  http.StatusConflict,
			wantMessage: "record already exists",
		},
		{
			name:       "protected namespace",
			err:        fmt.Errorf("%w: %q", fabric.ErrProtectedNamespace, "kube-system"),
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "bad manifest",
			err:        fabric.ErrBadManifest,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unknown kind",
			err:        kube.ErrKindUnknown,
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "not scalable",
			err:        kube.ErrNotScalable,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:        "cluster lookup failure is anonymized",
			err:         &kube.ClusterNotFoundError{ClusterID: 7},
			wantStatus:  http.StatusNotFound,
			wantMessage: "cluster access denied or unavailable",
		},
		{
			name:        "invalid cluster spec surfaces the reason",
			err:         &kube.ClusterSpecError{Field: "endpoint", Reason: "endpoint is required"},
			wantStatus:  http.StatusBadRequest,
			wantMessage: "invalid cluster configuration: endpoint is required",
		},
		{
			name:       "pool exhausted",
			err:        &kube.PoolExhaustedError{ClusterID: 1, Limit: 10},
			wantStatus: http.StatusServiceUnavailable,
		},
		{
			name:       "pool closed",
			err:        kube.ErrPoolClosed,
			wantStatus: http.StatusServiceUnavailable,
		},
		{
			name:       "unreachable",
			err:        &kube.UnreachableError{ClusterID: 3, Err: errors.New("dial tcp: i/o timeout")},
			wantStatus: http.StatusServiceUnavailable,
		},
		{
			name:        "no active cluster",
			err:         ErrNoActiveCluster,
			wantStatus:  http.StatusBadRequest,
			wantMessage: "no active cluster configured",
		},
		{
			name:       "bad request",
			err:        fmt.Errorf("%w: invalid clusterID \"abc\"", ErrBadRequest),
			wantStatus: http.StatusBadRequest,
		},
		{
			name:        "upstream 404 passes through",
			err:         &kube.UpstreamError{ClusterID: 1, StatusCode: 404, Reason: "NotFound", Message: `pods "web-0" not found`},
			wantStatus:  http.StatusNotFound,
			wantMessage: `pods "web-0" not found`,
		},
		{
			name:       "upstream 409 passes through",
			err:        &kube.UpstreamError{ClusterID: 1, StatusCode: 409, Reason: "Conflict", Message: "object has been modified"},
			wantStatus: http.StatusConflict,
		},
		{
			name:       "upstream 422 collapses to 400",
			err:        &kube.UpstreamError{ClusterID: 1, StatusCode: 422, Reason: "Invalid", Message: "spec.replicas: must be non-negative"},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "upstream 500 becomes bad gateway",
			err:        &kube.UpstreamError{ClusterID: 1, StatusCode: 500, Reason: "InternalError", Message: "etcd leader changed"},
			wantStatus: http.StatusBadGateway,
		},
		{
			name:        "unclassified error hides details",
			err:         errors.New("pq: relation clusters does not exist"),
			wantStatus:  http.StatusInternalServerError,
			wantMessage: "internal server error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, message := mapError(tt.err)
			assert.Equal(t, tt.wantStatus, status)
			if tt.wantMessage != "" {
				assert.Equal(t, tt.wantMessage, message)
			}
		})
	}
}

func TestMapErrorValidation(t *testing.T) {
	type payload struct {
		Name string `validate:"required"`
	}
	err := validator.New(validator.WithRequiredStructEnabled()).Struct(payload{})
	require.Error(t, err)

	status, message := mapError(err)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, message, "Name")
	assert.Contains(t, message, "required")
}
