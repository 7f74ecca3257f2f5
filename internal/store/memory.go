// Package store provides the persistence collaborators for the audit core:
// an SQLite-backed store for production and a thread-safe in-memory store
// for tests and ephemeral deployments. Both implement audit.Store.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/horuscamacho/thoth-audit/internal/audit"
)

// Memory is a thread-safe, append-only in-memory audit.Store.
type Memory struct {
	mu      sync.RWMutex
	entries []audit.Entry // insertion order
	ids     map[string]struct{}
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{ids: make(map[string]struct{})}
}

// Insert appends a copy of e.
func (m *Memory) Insert(ctx context.Context, e *audit.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, dup := m.ids[e.ID]; dup {
		return fmt.Errorf("duplicate audit entry id %s", e.ID)
	}
	m.ids[e.ID] = struct{}{}
	m.entries = append(m.entries, copyEntry(e))
	return nil
}

// Find returns matching entries, newest first.
func (m *Memory) Find(ctx context.Context, tenantID string, f audit.Filter) ([]audit.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	matched := m.matching(tenantID, f)

	// matching returns insertion order; a stable sort on descending time
	// after reversing keeps newest insertion first on ties.
	for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
		matched[i], matched[j] = matched[j], matched[i]
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].PerformedAt.After(matched[j].PerformedAt)
	})

	if f.Offset >= len(matched) {
		return []audit.Entry{}, nil
	}
	matched = matched[f.Offset:]
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	return matched, nil
}

// Count returns the number of matching entries.
func (m *Memory) Count(ctx context.Context, tenantID string, f audit.Filter) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return len(m.matching(tenantID, f)), nil
}

// CountDistinctUsers returns the number of distinct non-nil user IDs.
func (m *Memory) CountDistinctUsers(ctx context.Context, tenantID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	users := make(map[string]struct{})
	for i := range m.entries {
		e := &m.entries[i]
		if ownedBy(e, tenantID) && e.UserID != nil {
			users[*e.UserID] = struct{}{}
		}
	}
	return len(users), nil
}

// groupKey identifies one aggregate bucket.
type groupKey struct {
	action audit.Action
	hour   int
	user   string
	hasUsr bool
	ip     string
	hasIP  bool
}

// Aggregate groups and counts entries in memory.
func (m *Memory) Aggregate(ctx context.Context, tenantID string, q audit.GroupQuery) ([]audit.Group, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch q.By {
	case audit.GroupByAction, audit.GroupByHour, audit.GroupByIP, audit.GroupByUser, audit.GroupByUserIP:
	default:
		return nil, fmt.Errorf("unsupported group key %d", q.By)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	type bucket struct {
		group audit.Group
		ips   map[string]struct{}
	}
	buckets := make(map[groupKey]*bucket)
	var order []groupKey

	for i := range m.entries {
		e := &m.entries[i]
		if !ownedBy(e, tenantID) || !inWindow(e, q) {
			continue
		}
		hour := q.Hour(e.PerformedAt)
		if q.OffHours != nil && !q.OffHours.Contains(hour) {
			continue
		}

		var k groupKey
		switch q.By {
		case audit.GroupByAction:
			k.action = e.Action
		case audit.GroupByHour:
			k.hour = hour
		case audit.GroupByIP:
			k.ip, k.hasIP = optional(e.IPAddress)
		case audit.GroupByUser:
			k.user, k.hasUsr = optional(e.UserID)
		case audit.GroupByUserIP:
			k.user, k.hasUsr = optional(e.UserID)
			k.ip, k.hasIP = optional(e.IPAddress)
		}

		b, ok := buckets[k]
		if !ok {
			b = &bucket{
				group: audit.Group{First: e.PerformedAt, Last: e.PerformedAt},
				ips:   make(map[string]struct{}),
			}
			switch q.By {
			case audit.GroupByAction:
				b.group.Action = e.Action
			case audit.GroupByHour:
				b.group.Hour = hour
			case audit.GroupByIP:
				b.group.IPAddress = e.IPAddress
			case audit.GroupByUser:
				b.group.UserID = e.UserID
			case audit.GroupByUserIP:
				b.group.UserID = e.UserID
				b.group.IPAddress = e.IPAddress
			}
			buckets[k] = b
			order = append(order, k)
		}
		b.group.Count++
		if e.IPAddress != nil {
			b.ips[*e.IPAddress] = struct{}{}
		}
		if e.PerformedAt.Before(b.group.First) {
			b.group.First = e.PerformedAt
		}
		if e.PerformedAt.After(b.group.Last) {
			b.group.Last = e.PerformedAt
		}
	}

	groups := make([]audit.Group, 0, len(order))
	for _, k := range order {
		b := buckets[k]
		b.group.DistinctIPs = len(b.ips)
		if b.group.Count < q.MinCount || b.group.DistinctIPs < q.MinDistinctIPs {
			continue
		}
		groups = append(groups, b.group)
	}
	sort.SliceStable(groups, func(i, j int) bool {
		if groups[i].Count != groups[j].Count {
			return groups[i].Count > groups[j].Count
		}
		return lessKey(groups[i], groups[j])
	})
	if q.Limit > 0 && len(groups) > q.Limit {
		groups = groups[:q.Limit]
	}
	return groups, nil
}

// Walk calls fn for each of the tenant's entries in insertion order. The
// store lock is not held while fn runs.
func (m *Memory) Walk(ctx context.Context, tenantID string, fn func(*audit.Entry) error) error {
	for _, e := range m.matching(tenantID, audit.Filter{}) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(&e); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of stored entries across all tenants.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }

// matching returns copies of the tenant's entries matching f, in insertion order.
func (m *Memory) matching(tenantID string, f audit.Filter) []audit.Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []audit.Entry
	for i := range m.entries {
		e := &m.entries[i]
		if ownedBy(e, tenantID) && f.Matches(e) {
			out = append(out, copyEntry(e))
		}
	}
	return out
}

func ownedBy(e *audit.Entry, tenantID string) bool {
	return e.TenantID != nil && *e.TenantID == tenantID
}

func inWindow(e *audit.Entry, q audit.GroupQuery) bool {
	if !q.Since.IsZero() && e.PerformedAt.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && e.PerformedAt.After(q.Until) {
		return false
	}
	if q.Action != "" && e.Action != q.Action {
		return false
	}
	if q.RequireUser && e.UserID == nil {
		return false
	}
	if q.RequireIP && e.IPAddress == nil {
		return false
	}
	return true
}

func optional(s *string) (string, bool) {
	if s == nil {
		return "", false
	}
	return *s, true
}

// lessKey orders groups by key with nil before any value, matching SQLite's
// NULLS FIRST ordering.
func lessKey(a, b audit.Group) bool {
	if a.Action != b.Action {
		return a.Action < b.Action
	}
	if a.Hour != b.Hour {
		return a.Hour < b.Hour
	}
	if c := compareOptional(a.UserID, b.UserID); c != 0 {
		return c < 0
	}
	return compareOptional(a.IPAddress, b.IPAddress) < 0
}

func compareOptional(a, b *string) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	case *a < *b:
		return -1
	case *a > *b:
		return 1
	}
	return 0
}

// copyEntry returns a copy of e that shares no mutable state with it.
func copyEntry(e *audit.Entry) audit.Entry {
	c := *e
	c.TenantID = copyString(e.TenantID)
	c.UserID = copyString(e.UserID)
	c.EntityID = copyString(e.EntityID)
	c.IPAddress = copyString(e.IPAddress)
	c.UserAgent = copyString(e.UserAgent)
	c.SessionID = copyString(e.SessionID)
	c.ClientFingerprint = copyString(e.ClientFingerprint)
	if e.SecurityLevel != nil {
		l := *e.SecurityLevel
		c.SecurityLevel = &l
	}
	c.OldValues = copyMap(e.OldValues)
	c.NewValues = copyMap(e.NewValues)
	c.Metadata = copyMap(e.Metadata)
	return c
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyMap(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = copyValue(t[i])
		}
		return out
	}
	return v
}
