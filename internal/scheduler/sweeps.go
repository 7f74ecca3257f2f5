package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/horuscamacho/thoth-audit/internal/audit"
)

// Auditor is the part of the audit service the sweeps use.
type Auditor interface {
	VerifyIntegrity(ctx context.Context, tenantID string) (*audit.IntegrityReport, error)
	DetectAnomalies(ctx context.Context, tenantID string) ([]audit.Anomaly, error)
	LogAction(ctx context.Context, tenantID string, userID *string, action audit.Action,
		entityType audit.EntityType, d audit.Details, rc *audit.RequestContext)
}

// IntegritySweep returns a job that verifies every tenant and records an
// INTEGRITY_CHECKED entry per tenant. Violations are logged at error level.
// A failing tenant does not stop the sweep; failures are joined.
func IntegritySweep(a Auditor, tenants []string, logger *slog.Logger) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		var errs []error
		for _, tenant := range tenants {
			if err := ctx.Err(); err != nil {
				return err
			}
			r, err := a.VerifyIntegrity(ctx, tenant)
			if err != nil {
				errs = append(errs, fmt.Errorf("tenant %s: %w", tenant, err))
				continue
			}
			if r.InvalidLogs > 0 {
				logger.Error("scheduled integrity check failed",
					"tenant", tenant, "invalid", r.InvalidLogs, "total", r.TotalLogs)
			}
			a.LogAction(ctx, tenant, nil, audit.ActionIntegrityChecked, audit.EntityAuditLog,
				audit.Details{Metadata: map[string]any{
					"trigger":     "schedule",
					"totalLogs":   r.TotalLogs,
					"invalidLogs": r.InvalidLogs,
				}}, nil)
		}
		return errors.Join(errs...)
	}
}

// AnomalySweep returns a job that runs anomaly detection for every tenant
// and logs each finding at warn level.
func AnomalySweep(a Auditor, tenants []string, logger *slog.Logger) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		var errs []error
		for _, tenant := range tenants {
			if err := ctx.Err(); err != nil {
				return err
			}
			anomalies, err := a.DetectAnomalies(ctx, tenant)
			if err != nil {
				errs = append(errs, fmt.Errorf("tenant %s: %w", tenant, err))
				continue
			}
			for _, an := range anomalies {
				logger.Warn("anomaly detected",
					"tenant", tenant,
					"type", an.Type,
					"severity", an.Severity,
					"description", an.Description)
			}
		}
		return errors.Join(errs...)
	}
}
