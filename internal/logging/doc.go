// Package logging provides structured logging utilities for kubedeck.
//
// This package centralizes logging patterns to ensure consistent, structured
// logging throughout the codebase using the standard library's slog package.
//
// # Key Features
//
//   - Structured logging with slog
//   - PII sanitization (email anonymization, credential masking)
//   - Host/URL sanitization for cluster endpoints
//   - Consistent attribute naming across the codebase
//
// # Usage Patterns
//
// Create a logger with standard attributes:
//
//	logger := logging.WithComponent(slog.Default(), "pool")
//	logger.Info("client created",
//	    logging.ClusterID(clusterID),
//	    logging.Host(endpoint))
//
// Sanitize sensitive data before logging:
//
//	logger.Warn("health check failed",
//	    logging.ClusterID(clusterID),
//	    logging.SanitizedErr(err))
//
// # Security Considerations
//
//   - User emails are hashed to prevent PII leakage while allowing correlation
//   - Cluster endpoints have IP addresses redacted to prevent topology leakage
//   - Credentials and tokens are never logged directly
package logging
