// Package webhooks pushes permission graph changes to external HTTP endpoints.
//
// A Manager implements audit.Logger, so it is attached behind an audit.Recorder and sees
// every committed mutation as an audit.Event. Each active endpoint whose event filter
// matches gets its own delivery, rendered as plain JSON or as a Slack or Teams message.
//
// # Event Filters
//
// An endpoint with no events receives everything. Entries name an event type
// ("rule.revoked") or a whole family ("role.*").
//
// # Usage Example
//
//	manager := webhooks.NewManager(webhooks.DefaultConfig())
//	manager.StartRetryWorker(ctx)
//	manager.Register(&webhooks.Endpoint{
//		URL:    "https://hooks.example.com/rbac",
//		Events: []audit.EventType{"rule.*"},
//		Secret: "shared-secret",
//	})
//	recorder := audit.NewRecorder(ctx, audit.NewMultiLogger(store, manager), audit.RecorderConfig{})
//
// Verify signature (receiver side):
//
//	sig := r.Header.Get(webhooks.HeaderSignature)
//	if !webhooks.VerifySignature(body, sig, secret) {
//		return errors.New("invalid signature")
//	}
//
// # Retry Policy
//
// Failed deliveries are retried by a background worker with exponential backoff
// (1s, 2s, 4s, 8s by default) until MaxAttempts is reached. Each endpoint is rate limited
// by a token bucket.
package webhooks
