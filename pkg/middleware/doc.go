// Package middleware provides HTTP middleware that sits in front of the rolegraph admin API:
// caller identification and rate limiting.
//
// # Caller identification
//
// CallerMiddleware reads the caller's role IDs and request attributes from headers and stores
// them on the request context, where rbac.PermissionMiddleware picks them up.
//
//	X-Rolegraph-Roles: 7c1d...,a90e...
//	X-Rolegraph-Attributes: {"tenant":"acme","mfa":true}
//
//	router.Use(middleware.NewCallerMiddleware(false).Handler)
//
// In required mode requests without a roles header are rejected with 401.
//
// # Rate limiting
//
// RateLimitMiddleware accepts any Limiter. RateLimiter is an in-process token bucket,
// DistributedRateLimiter a Redis fixed window shared between replicas.
//
//	limiter := middleware.NewRateLimiter(&middleware.RateLimitConfig{
//		RequestsPerWindow: 600,
//		WindowDuration:    time.Minute,
//		BurstSize:         20,
//	})
//	router.Use(middleware.NewRateLimitMiddleware(limiter, logger).Handler)
//
// Requests are keyed by the caller's sorted role set, or by client IP when no roles are
// present. Limiter errors fail open unless SetFallbackEnabled(false) is called.
//
// # Related Packages
//
//   - pkg/rbac: Permission checks on top of the caller context
//   - pkg/httputil: Error responses
package middleware
