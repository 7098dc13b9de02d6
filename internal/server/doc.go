// Package server is the HTTP surface of kubedeck.
//
// A Server wires the component packages behind one chi router:
//
//   - Cluster registry CRUD, activation and connectivity checks backed by
//     the store and the client pool
//   - Generic resource families (list/detail/yaml plus mutations where a
//     kind supports them) served through the fabric for every routed kind
//   - Authentication (JWT login/refresh, API keys) and per-request
//     authorization through the auth package
//   - Alert rules, alert events and the public Alertmanager webhook
//   - Job templates with run history
//   - Monitoring endpoints over the in-process recorder and the audit trail
//   - The /api/ws WebSocket upgrade into the hub
//
// Construction follows Config plus Deps:
//
//	srv, err := server.New(server.DefaultConfig(), server.Deps{
//		Registry: st,
//		Fabric:   fab,
//		Resolver: resolver,
//		Verifier: verifier,
//	})
//	if err != nil {
//		return err
//	}
//	return srv.Start(ctx)
//
// Registry, Fabric, Resolver and Verifier are mandatory; everything else
// (pool, hub, watcher, cache, audit sink, recorder) degrades to a no-op when
// absent so tests can construct a Server from just the four.
//
// Error mapping is centralized: handlers return component errors as-is and
// respondError translates them through mapError into the uniform JSON error
// envelope. Mutations the server performs itself (registry writes, auth
// events, alert rules, job templates) are recorded to the audit sink here;
// fleet mutations are audited inside the fabric instead.
package server
