package audit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

// Windows used by GetAuditStats.
const (
	statsRecentWindow  = 24 * time.Hour
	statsUnusualWindow = 7 * 24 * time.Hour
	statsTopActions    = 10
)

// GetLogs returns one page of the tenant's entries matching f, newest
// first, together with the total number of matches. A zero Limit selects
// DefaultPageSize.
func (s *Service) GetLogs(ctx context.Context, tenantID string, f Filter) (*LogPage, error) {
	if err := f.validate(); err != nil {
		return nil, err
	}
	if f.Limit == 0 {
		f.Limit = DefaultPageSize
	}

	page := &LogPage{}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logs, err := s.store.Find(gctx, tenantID, f)
		if err != nil {
			return fmt.Errorf("%w: finding logs: %w", ErrPersistence, err)
		}
		page.Logs = logs
		return nil
	})
	g.Go(func() error {
		total, err := s.store.Count(gctx, tenantID, f.Unpaged())
		if err != nil {
			return fmt.Errorf("%w: counting logs: %w", ErrPersistence, err)
		}
		page.Total = total
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if page.Logs == nil {
		page.Logs = []Entry{}
	}
	return page, nil
}

// GetAuditStats computes the tenant's activity summary. The underlying
// reads run concurrently and are not snapshot-consistent with each other.
func (s *Service) GetAuditStats(ctx context.Context, tenantID string) (*Stats, error) {
	now := s.now()
	local := now.In(s.loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.loc)
	t, _ := s.policy()

	st := &Stats{}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		n, err := s.store.Count(gctx, tenantID, Filter{})
		st.TotalLogs = n
		return wrapRead("counting logs", err)
	})
	g.Go(func() error {
		n, err := s.store.Count(gctx, tenantID, Filter{StartDate: midnight, EndDate: now})
		st.TodayLogs = n
		return wrapRead("counting today's logs", err)
	})
	g.Go(func() error {
		n, err := s.store.CountDistinctUsers(gctx, tenantID)
		st.UniqueUsers = n
		return wrapRead("counting users", err)
	})
	g.Go(func() error {
		groups, err := s.store.Aggregate(gctx, tenantID, GroupQuery{By: GroupByAction, Limit: statsTopActions})
		if err != nil {
			return wrapRead("aggregating actions", err)
		}
		st.TopActions = make([]ActionCount, 0, len(groups))
		for _, gr := range groups {
			st.TopActions = append(st.TopActions, ActionCount{Action: gr.Action, Count: gr.Count})
		}
		return nil
	})
	g.Go(func() error {
		groups, err := s.store.Aggregate(gctx, tenantID, GroupQuery{
			By:       GroupByHour,
			Since:    now.Add(-statsRecentWindow),
			Until:    now,
			Location: s.loc,
		})
		if err != nil {
			return wrapRead("aggregating hours", err)
		}
		st.ActivityByHour = make([]HourCount, 24)
		for h := range st.ActivityByHour {
			st.ActivityByHour[h].Hour = h
		}
		for _, gr := range groups {
			if gr.Hour >= 0 && gr.Hour < 24 {
				st.ActivityByHour[gr.Hour].Count = gr.Count
			}
		}
		return nil
	})
	g.Go(func() error {
		n, err := s.store.Count(gctx, tenantID, Filter{
			Action:    ActionLoginFailed,
			StartDate: now.Add(-statsRecentWindow),
			EndDate:   now,
		})
		st.SuspiciousActivity.FailedLogins = n
		return wrapRead("counting failed logins", err)
	})
	g.Go(func() error {
		off := t.OffHours
		groups, err := s.store.Aggregate(gctx, tenantID, GroupQuery{
			By:       GroupByHour,
			Since:    now.Add(-statsUnusualWindow),
			Until:    now,
			OffHours: &off,
			Location: s.loc,
		})
		if err != nil {
			return wrapRead("aggregating off-hours activity", err)
		}
		for _, gr := range groups {
			st.SuspiciousActivity.UnusualHours += gr.Count
		}
		return nil
	})
	g.Go(func() error {
		groups, err := s.store.Aggregate(gctx, tenantID, GroupQuery{
			By:             GroupByUser,
			Since:          now.Add(-statsRecentWindow),
			Until:          now,
			RequireUser:    true,
			MinDistinctIPs: t.MaxIPsPerUser + 1,
		})
		st.SuspiciousActivity.MultipleIPs = len(groups)
		return wrapRead("aggregating user IPs", err)
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return st, nil
}

func wrapRead(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)
}
