package audit

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
)

// DetectAnomalies scans the tenant's recent activity and returns every
// anomaly raised by the three rules below, most severe first. The rules are
// independent: one user may trigger several of them at once.
//
//   - MULTIPLE_FAILED_LOGINS: LOGIN_FAILED per IP within FailedLoginWindow.
//   - UNUSUAL_HOURS: off-hours actions per (user, IP) within UnusualHoursWindow.
//   - RAPID_ACTIONS: bursts per (user, IP) within RapidWindow spanning less
//     than RapidSpan.
func (s *Service) DetectAnomalies(ctx context.Context, tenantID string) ([]Anomaly, error) {
	now := s.now()
	t, trusted := s.policy()

	var failed, unusual, rapid []Anomaly
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		groups, err := s.store.Aggregate(gctx, tenantID, GroupQuery{
			By:        GroupByIP,
			Since:     now.Add(-t.FailedLoginWindow),
			Until:     now,
			Action:    ActionLoginFailed,
			RequireIP: true,
			MinCount:  t.FailedLoginMin,
		})
		if err != nil {
			return wrapRead("aggregating failed logins", err)
		}
		for _, gr := range groups {
			if isTrusted(trusted, gr.IPAddress) {
				continue
			}
			sev := SeverityHigh
			if gr.Count >= t.FailedLoginCritical {
				sev = SeverityCritical
			}
			failed = append(failed, Anomaly{
				ID:          s.newID(),
				Type:        AnomalyMultipleFailedLogins,
				Description: fmt.Sprintf("%d failed login attempts from IP %s in the last %s", gr.Count, deref(gr.IPAddress), humanWindow(t.FailedLoginWindow)),
				Severity:    sev,
				IPAddress:   gr.IPAddress,
				DetectedAt:  now,
				Metadata: map[string]any{
					"attempts":   gr.Count,
					"timeWindow": humanWindow(t.FailedLoginWindow),
				},
			})
		}
		return nil
	})

	g.Go(func() error {
		off := t.OffHours
		groups, err := s.store.Aggregate(gctx, tenantID, GroupQuery{
			By:          GroupByUserIP,
			Since:       now.Add(-t.UnusualHoursWindow),
			Until:       now,
			RequireUser: true,
			OffHours:    &off,
			Location:    s.loc,
			MinCount:    t.UnusualHoursMin,
		})
		if err != nil {
			return wrapRead("aggregating off-hours activity", err)
		}
		for _, gr := range groups {
			unusual = append(unusual, Anomaly{
				ID:          s.newID(),
				Type:        AnomalyUnusualHours,
				Description: fmt.Sprintf("User %s performed %d actions outside business hours", deref(gr.UserID), gr.Count),
				Severity:    SeverityMedium,
				UserID:      gr.UserID,
				IPAddress:   gr.IPAddress,
				DetectedAt:  now,
				Metadata: map[string]any{
					"actionCount": gr.Count,
					"timeWindow":  humanWindow(t.UnusualHoursWindow),
				},
			})
		}
		return nil
	})

	g.Go(func() error {
		groups, err := s.store.Aggregate(gctx, tenantID, GroupQuery{
			By:          GroupByUserIP,
			Since:       now.Add(-t.RapidWindow),
			Until:       now,
			RequireUser: true,
			MinCount:    t.RapidMin,
		})
		if err != nil {
			return wrapRead("aggregating bursts", err)
		}
		for _, gr := range groups {
			span := gr.Last.Sub(gr.First)
			if span >= t.RapidSpan || isTrusted(trusted, gr.IPAddress) {
				continue
			}
			rapid = append(rapid, Anomaly{
				ID:          s.newID(),
				Type:        AnomalyRapidActions,
				Description: fmt.Sprintf("User %s performed %d actions in %s", deref(gr.UserID), gr.Count, span.Round(time.Second)),
				Severity:    SeverityHigh,
				UserID:      gr.UserID,
				IPAddress:   gr.IPAddress,
				DetectedAt:  now,
				Metadata: map[string]any{
					"actionCount":     gr.Count,
					"timespanSeconds": span.Seconds(),
				},
			})
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	anomalies := make([]Anomaly, 0, len(failed)+len(unusual)+len(rapid))
	anomalies = append(anomalies, failed...)
	anomalies = append(anomalies, unusual...)
	anomalies = append(anomalies, rapid...)
	sort.SliceStable(anomalies, func(i, j int) bool {
		return anomalies[i].Severity.Rank() > anomalies[j].Severity.Rank()
	})
	return anomalies, nil
}

// humanWindow renders windows like "1h", "24h" or "5m".
func humanWindow(d time.Duration) string {
	switch {
	case d%time.Hour == 0:
		return fmt.Sprintf("%dh", int(d/time.Hour))
	case d%time.Minute == 0:
		return fmt.Sprintf("%dm", int(d/time.Minute))
	}
	return d.String()
}
