// Package storage holds the persistence backends of the permission graph.
//
// Every backend implements rbac.Repository:
//
//   - rbac.MemoryRepository: in process, the default
//   - rbac.Store on a postgres.Open connection: SQL tables created by rbac.RunMigrations
//   - redisrepo.Repository: Redis hashes written with MULTI/EXEC
//
// Instrument wraps any of them with OpenTelemetry spans and per-operation metrics. The
// snapshot subpackage exports and restores whole graphs through S3.
package storage
