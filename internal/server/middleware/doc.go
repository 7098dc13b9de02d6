// Package middleware provides the HTTP middleware for the kubedeck API
// server: panic recovery, request ids, security headers, host filtering,
// request metrics and bearer/API-key authentication.
package middleware
