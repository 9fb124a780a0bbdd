// Package audit records every committed change to the permission graph.
//
// A Recorder subscribes to the engine with rbac.WithChangeListener, converts each
// rbac.Change into an Event and hands it to a Logger on a background worker pool:
//
//	store, _ := audit.NewSQLStore(ctx, db)
//	recorder := audit.NewRecorder(ctx, audit.NewMultiLogger(store, fileLogger), audit.RecorderConfig{})
//	defer recorder.Close(5 * time.Second)
//
//	engine, _ := rbac.NewEngine(ctx, repo, rbac.WithChangeListener(recorder.Listener()))
//
// Destinations:
//
//   - FileLogger: JSON lines with size based rotation
//   - SQLStore: the rbac_audit_events table, searchable
//   - MemoryStore: a bounded in-memory trail for single-node deployments
//   - MultiLogger: fan-out to several of the above
//
// Handlers serves the trail under /rbac/audit, with JSON, NDJSON and CSV export.
package audit
