// Package review runs periodic jobs against a live engine: conflict reviews that publish
// severity counts for operators, and snapshot exports.
package review

import (
	"context"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/platinummonkey/rolegraph/pkg/observability"
	"github.com/platinummonkey/rolegraph/pkg/rbac"
)

var tracer = otel.Tracer("github.com/platinummonkey/rolegraph/pkg/review")

// ConflictGauge receives conflict counts keyed by severity. observability.Metrics implements it.
type ConflictGauge interface {
	SetConflicts(counts map[string]int)
}

// Finding is one conflict seen from one role
type Finding struct {
	RoleID   rbac.RoleID         `json:"role_id"`
	RoleName string              `json:"role_name"`
	Report   rbac.ConflictReport `json:"report"`
}

// Report summarises a review run. Roles counts every role reviewed, ConflictedRoles the
// ones with at least one conflict.
type Report struct {
	RunAt           time.Time             `json:"run_at"`
	Generation      uint64                `json:"generation"`
	Roles           int                   `json:"roles"`
	ConflictedRoles int                   `json:"conflicted_roles"`
	Conflicts       int                   `json:"conflicts"`
	BySeverity      map[rbac.Severity]int `json:"by_severity"`
	Findings        []Finding             `json:"findings"`
}

// Reviewer inspects every role for conflicting rules
type Reviewer struct {
	engine *rbac.Engine
	logger *observability.Logger
	gauge  ConflictGauge
	now    func() time.Time
}

// NewReviewer creates a reviewer. gauge may be nil.
func NewReviewer(engine *rbac.Engine, logger *observability.Logger, gauge ConflictGauge) *Reviewer {
	if logger == nil {
		logger = observability.Discard()
	}
	return &Reviewer{
		engine: engine,
		logger: logger,
		gauge:  gauge,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Review runs the conflict detector across every role, publishes the counts and logs
// high-severity findings
func (r *Reviewer) Review(ctx context.Context) Report {
	_, span := tracer.Start(ctx, "review.Review")
	defer span.End()

	report := Report{
		RunAt:      r.now(),
		Generation: r.engine.Generation(),
		Roles:      len(r.engine.Roles()),
		BySeverity: map[rbac.Severity]int{
			rbac.SeverityHigh:   0,
			rbac.SeverityMedium: 0,
			rbac.SeverityLow:    0,
		},
	}

	for roleID, conflicts := range r.engine.DetectAllConflicts() {
		if len(conflicts) == 0 {
			continue
		}
		name := string(roleID)
		if role, err := r.engine.Role(roleID); err == nil {
			name = role.Name
		}
		report.ConflictedRoles++
		for _, c := range conflicts {
			report.Conflicts++
			report.BySeverity[c.Severity]++
			report.Findings = append(report.Findings, Finding{RoleID: roleID, RoleName: name, Report: c})
		}
	}
	sort.Slice(report.Findings, func(i, j int) bool {
		a, b := report.Findings[i], report.Findings[j]
		if a.RoleName != b.RoleName {
			return a.RoleName < b.RoleName
		}
		return a.Report.Key.String() < b.Report.Key.String()
	})

	if r.gauge != nil {
		counts := make(map[string]int, len(report.BySeverity))
		for sev, n := range report.BySeverity {
			counts[string(sev)] = n
		}
		r.gauge.SetConflicts(counts)
	}

	span.SetAttributes(
		attribute.Int("review.roles", report.Roles),
		attribute.Int("review.conflicted_roles", report.ConflictedRoles),
		attribute.Int("review.conflicts", report.Conflicts),
		attribute.Int("review.high", report.BySeverity[rbac.SeverityHigh]),
	)

	logger := r.logger
	for _, f := range report.Findings {
		if f.Report.Severity != rbac.SeverityHigh {
			continue
		}
		logger.WithFields(map[string]interface{}{
			"role_id":    f.RoleID,
			"role":       f.RoleName,
			"key":        f.Report.Key.String(),
			"winner":     f.Report.Winner,
			"resolution": f.Report.Resolution,
		}).Warn("High severity permission conflict")
	}
	logger.WithFields(map[string]interface{}{
		"generation": report.Generation,
		"roles":      report.Roles,
		"conflicted": report.ConflictedRoles,
		"conflicts":  report.Conflicts,
		"high":       report.BySeverity[rbac.SeverityHigh],
		"medium":     report.BySeverity[rbac.SeverityMedium],
		"low":        report.BySeverity[rbac.SeverityLow],
	}).Info("Conflict review completed")

	return report
}
