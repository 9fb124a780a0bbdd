// Package config loads rolegraph configuration from ROLEGRAPH_* environment variables.
//
// LoadConfig reads every section and validates the result; unset variables fall back to
// defaults suitable for a single in-memory instance:
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
//	engine, err := rbac.NewEngine(ctx, repo, rbac.WithConfig(cfg.Engine))
//
// Storage is selected with ROLEGRAPH_STORAGE_TYPE (memory, postgres or redis). Review and
// snapshot schedules use cron syntax including descriptors such as "@every 15m".
package config
