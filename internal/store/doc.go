// Package store persists the control plane's own state: the cluster
// registry, users and their grants, audit history, alert rules and events,
// and job templates. Everything Kubernetes-shaped lives upstream; this
// package only holds what kubedeck itself owns.
//
// The store wraps a PostgreSQL pool via sqlx on the pgx stdlib driver.
// Every method takes a context and runs as a single statement or a single
// transaction; there are no long-lived sessions. Schema changes ship as
// embedded goose migrations applied by Migrate.
package store
