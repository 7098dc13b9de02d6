package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/giantswarm/kubedeck/internal/auth"
	"github.com/giantswarm/kubedeck/internal/fabric"
	"github.com/giantswarm/kubedeck/internal/kube"
	"github.com/giantswarm/kubedeck/internal/logging"
	"github.com/giantswarm/kubedeck/internal/store"
)

// Request-shape errors raised by the handlers themselves.
var (
	// ErrBadRequest indicates a malformed path or query parameter.
	ErrBadRequest = errors.New("bad request")

	// ErrNoActiveCluster indicates that a request omitted cluster_id and no
	// cluster is currently active to serve as the default.
	ErrNoActiveCluster = errors.New("no active cluster configured")
)

// errorBody is the uniform JSON error envelope for every non-2xx response.
type errorBody struct {
	Error string `json:"error"`
}

// userFacing is implemented by errors that carry a message already sanitized
// for API callers.
type userFacing interface {
	UserFacingError() string
}

// userMessage prefers an error's sanitized message over the fallback.
func userMessage(err error, fallback string) string {
	var uf userFacing
	if errors.As(err, &uf) {
		return uf.UserFacingError()
	}
	return fallback
}

// mapError translates an operation failure into the HTTP status and
// caller-safe message served for it. Every error the facades, the store and
// the authorization gate can produce is classified here and nowhere else.
func mapError(err error) (int, string) {
	switch {
	case errors.Is(err, auth.ErrUnauthorized):
		return http.StatusUnauthorized, err.Error()

	case errors.Is(err, auth.ErrForbidden):
		return http.StatusForbidden, err.Error()

	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "record not found"

	case errors.Is(err, store.ErrDuplicate):
		return http.StatusConflict, "record already exists"

	case errors.Is(err, fabric.ErrProtectedNamespace):
		return http.StatusBadRequest, err.Error()

	case errors.Is(err, fabric.ErrBadManifest):
		// The parser message helps callers fix their YAML.
		return http.StatusBadRequest, err.Error()

	case errors.Is(err, kube.ErrKindUnknown):
		return http.StatusNotFound, err.Error()

	case errors.Is(err, kube.ErrNotScalable):
		return http.StatusBadRequest, err.Error()

	case errors.Is(err, kube.ErrInvalidClusterSpec):
		return http.StatusBadRequest, userMessage(err, "invalid cluster configuration")

	case errors.Is(err, kube.ErrClusterNotFound):
		return http.StatusNotFound, userMessage(err, "cluster not found")

	case errors.Is(err, kube.ErrPoolExhausted),
		errors.Is(err, kube.ErrPoolClosed),
		errors.Is(err, kube.ErrUpstreamUnreachable):
		return http.StatusServiceUnavailable, userMessage(err, "cluster unavailable")

	case errors.Is(err, ErrNoActiveCluster):
		return http.StatusBadRequest, err.Error()

	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest, err.Error()
	}

	// Upstream API answers map by status class: 404 and 409 pass through,
	// other 4xx collapse to 400, everything else is a bad gateway.
	var upstream *kube.UpstreamError
	if errors.As(err, &upstream) {
		return upstream.HTTPStatus(), upstream.UserFacingError()
	}

	var invalid validator.ValidationErrors
	if errors.As(err, &invalid) {
		return http.StatusBadRequest, validationMessage(invalid)
	}

	return http.StatusInternalServerError, "internal server error"
}

// validationMessage flattens validator failures into one caller-readable
// line naming each rejected field.
func validationMessage(errs validator.ValidationErrors) string {
	parts := make([]string, 0, len(errs))
	for _, fe := range errs {
		parts = append(parts, fmt.Sprintf("%s failed %q validation", fe.Field(), fe.Tag()))
	}
	return "invalid request: " + strings.Join(parts, "; ")
}

// respondError writes the mapped error response. Internal failures log the
// full error; client errors only show up at debug level.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	// The client went away mid-request; nothing we write will arrive.
	if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
		s.logger.Debug("Request abandoned by client",
			logging.Operation(r.Method+" "+r.URL.Path))
		return
	}

	status, message := mapError(err)
	switch {
	case status >= 500:
		s.logger.Error("Request failed",
			logging.Operation(r.Method+" "+r.URL.Path),
			logging.Status(http.StatusText(status)),
			logging.Err(err))
	case status == http.StatusServiceUnavailable || status == http.StatusBadGateway:
		s.logger.Warn("Upstream failure",
			logging.Operation(r.Method+" "+r.URL.Path),
			logging.SanitizedErr(err))
	default:
		s.logger.Debug("Request rejected",
			logging.Operation(r.Method+" "+r.URL.Path),
			logging.Status(http.StatusText(status)),
			logging.SanitizedErr(err))
	}

	writeJSON(w, status, errorBody{Error: message})
}
