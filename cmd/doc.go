// Package cmd provides the command-line interface for kubedeck.
//
// This package implements a Cobra-based CLI with multiple subcommands:
//   - serve: Starts the control plane (default behavior when no subcommand is provided)
//   - version: Displays the application version
//
// The CLI runs the serve command when no subcommand is specified, so the
// bare binary behaves like a daemon.
//
// Command Structure:
//
//	kubedeck [flags]                 # Starts the control plane (default)
//	kubedeck serve [flags]           # Explicitly starts the control plane
//	kubedeck version                 # Shows version information
//	kubedeck help [command]          # Shows help information
//
// The serve command reads most of its settings from flags, each of which
// falls back to a deployment environment variable (DATABASE_URL, REDIS_URL,
// JWT_SECRET_KEY, CORS_ORIGINS, WS_MAX_CONNECTIONS, ...). An explicitly set
// flag always wins over the environment.
package cmd
