package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/horuscamacho/thoth-audit/internal/audit"
)

// backend is one audit.Store implementation under test.
type backend struct {
	name string
	open func(t *testing.T) audit.Store
}

func backends() []backend {
	return []backend{
		{name: "memory", open: func(*testing.T) audit.Store { return NewMemory() }},
		{name: "sqlite", open: openTestSQLite},
	}
}

func openTestSQLite(t *testing.T) audit.Store {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// forEachBackend runs fn once per store implementation.
func forEachBackend(t *testing.T, fn func(t *testing.T, s audit.Store)) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			fn(t, b.open(t))
		})
	}
}

var base = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type entryOpt func(*audit.Entry)

func withUser(u string) entryOpt { return func(e *audit.Entry) { e.UserID = audit.String(u) } }
func withIP(ip string) entryOpt  { return func(e *audit.Entry) { e.IPAddress = audit.String(ip) } }
func withAction(a audit.Action) entryOpt {
	return func(e *audit.Entry) { e.Action = a }
}
func withTenant(tn *string) entryOpt { return func(e *audit.Entry) { e.TenantID = tn } }
func withMeta(m map[string]any) entryOpt {
	return func(e *audit.Entry) { e.Metadata = m }
}

func newEntry(id string, at time.Time, opts ...entryOpt) *audit.Entry {
	e := &audit.Entry{
		ID:          id,
		TenantID:    audit.String("t1"),
		Action:      audit.ActionDataAccessed,
		EntityType:  audit.EntityReport,
		Checksum:    "c-" + id,
		PerformedAt: at,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func mustInsert(t *testing.T, s audit.Store, entries ...*audit.Entry) {
	t.Helper()
	for _, e := range entries {
		if err := s.Insert(context.Background(), e); err != nil {
			t.Fatalf("Insert %s: %v", e.ID, err)
		}
	}
}

func ids(entries []audit.Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}

func sameIDs(got []audit.Entry, want ...string) bool {
	g := ids(got)
	if len(g) != len(want) {
		return false
	}
	for i := range g {
		if g[i] != want[i] {
			return false
		}
	}
	return true
}

func TestFind_OrderAndPaging(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s audit.Store) {
		ctx := context.Background()
		mustInsert(t, s,
			newEntry("a", base),
			newEntry("b", base.Add(2*time.Minute)),
			newEntry("c", base.Add(time.Minute)),
			newEntry("d", base.Add(2*time.Minute)), // ties with b, inserted later
		)

		all, err := s.Find(ctx, "t1", audit.Filter{})
		if err != nil {
			t.Fatalf("Find: %v", err)
		}
		if !sameIDs(all, "d", "b", "c", "a") {
			t.Errorf("order: got %v, want [d b c a]", ids(all))
		}

		page, err := s.Find(ctx, "t1", audit.Filter{Limit: 2, Offset: 1})
		if err != nil {
			t.Fatal(err)
		}
		if !sameIDs(page, "b", "c") {
			t.Errorf("limit 2 offset 1: got %v", ids(page))
		}

		tail, err := s.Find(ctx, "t1", audit.Filter{Offset: 3})
		if err != nil {
			t.Fatal(err)
		}
		if !sameIDs(tail, "a") {
			t.Errorf("offset only: got %v", ids(tail))
		}

		past, err := s.Find(ctx, "t1", audit.Filter{Offset: 10})
		if err != nil {
			t.Fatal(err)
		}
		if past == nil || len(past) != 0 {
			t.Errorf("offset past end: expected empty non-nil slice, got %v", past)
		}
	})
}

func TestFind_Filters(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s audit.Store) {
		ctx := context.Background()
		restricted := audit.SecurityRestricted
		e4 := newEntry("e4", base.Add(3*time.Hour), withUser("bob"))
		e4.SecurityLevel = &restricted
		e4.EntityType = audit.EntityAPIKey
		e4.EntityID = audit.String("key-9")

		mustInsert(t, s,
			newEntry("e1", base, withUser("alice"), withIP("10.0.0.1"), withAction(audit.ActionLogin)),
			newEntry("e2", base.Add(time.Hour), withUser("alice"), withIP("10.0.0.2"),
				withMeta(map[string]any{"note": "Quarterly Report"})),
			newEntry("e3", base.Add(2*time.Hour), withIP("10.0.0.1"), withAction(audit.ActionLoginFailed),
				withMeta(map[string]any{"reason": "100% wrong", "query": "AT&T <b>"})),
			e4,
		)

		tests := []struct {
			name   string
			filter audit.Filter
			want   []string
		}{
			{"user", audit.Filter{UserID: "alice"}, []string{"e2", "e1"}},
			{"action", audit.Filter{Action: audit.ActionLoginFailed}, []string{"e3"}},
			{"entity type", audit.Filter{EntityType: audit.EntityAPIKey}, []string{"e4"}},
			{"entity id", audit.Filter{EntityID: "key-9"}, []string{"e4"}},
			{"ip", audit.Filter{IPAddress: "10.0.0.1"}, []string{"e3", "e1"}},
			{"security level", audit.Filter{SecurityLevel: audit.SecurityRestricted}, []string{"e4"}},
			{"start inclusive", audit.Filter{StartDate: base.Add(2 * time.Hour)}, []string{"e4", "e3"}},
			{"end inclusive", audit.Filter{EndDate: base.Add(time.Hour)}, []string{"e2", "e1"}},
			{"range", audit.Filter{StartDate: base.Add(time.Hour), EndDate: base.Add(2 * time.Hour)}, []string{"e3", "e2"}},
			{"search case-insensitive", audit.Filter{Search: "quarterly"}, []string{"e2"}},
			{"search literal percent", audit.Filter{Search: "100%"}, []string{"e3"}},
			{"search wildcard chars are literal", audit.Filter{Search: "_"}, nil},
			{"search ampersand", audit.Filter{Search: "at&t"}, []string{"e3"}},
			{"search angle brackets", audit.Filter{Search: "<b>"}, []string{"e3"}},
			{"search does not see escapes", audit.Filter{Search: "u0026"}, nil},
			{"combined", audit.Filter{UserID: "alice", IPAddress: "10.0.0.2"}, []string{"e2"}},
			{"no match", audit.Filter{UserID: "carol"}, nil},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				got, err := s.Find(ctx, "t1", tt.filter)
				if err != nil {
					t.Fatalf("Find: %v", err)
				}
				if !sameIDs(got, tt.want...) {
					t.Errorf("got %v, want %v", ids(got), tt.want)
				}
				n, err := s.Count(ctx, "t1", tt.filter)
				if err != nil {
					t.Fatalf("Count: %v", err)
				}
				if n != len(tt.want) {
					t.Errorf("Count = %d, want %d", n, len(tt.want))
				}
			})
		}
	})
}

func TestTenantIsolation(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s audit.Store) {
		ctx := context.Background()
		mustInsert(t, s,
			newEntry("mine", base, withUser("u1")),
			newEntry("theirs", base, withUser("u2"), withTenant(audit.String("t2"))),
			newEntry("system", base, withUser("u3"), withTenant(nil)),
		)

		got, err := s.Find(ctx, "t1", audit.Filter{})
		if err != nil {
			t.Fatal(err)
		}
		if !sameIDs(got, "mine") {
			t.Errorf("Find leaked entries: %v", ids(got))
		}
		if n, _ := s.Count(ctx, "t1", audit.Filter{}); n != 1 {
			t.Errorf("Count = %d, want 1", n)
		}
		if n, _ := s.CountDistinctUsers(ctx, "t1"); n != 1 {
			t.Errorf("CountDistinctUsers = %d, want 1", n)
		}
		groups, err := s.Aggregate(ctx, "t1", audit.GroupQuery{By: audit.GroupByUser})
		if err != nil {
			t.Fatal(err)
		}
		if len(groups) != 1 || *groups[0].UserID != "u1" {
			t.Errorf("Aggregate leaked groups: %+v", groups)
		}
		var walked []string
		err = s.Walk(ctx, "t1", func(e *audit.Entry) error {
			walked = append(walked, e.ID)
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
		if len(walked) != 1 || walked[0] != "mine" {
			t.Errorf("Walk leaked entries: %v", walked)
		}
		if n, _ := s.Count(ctx, "nobody", audit.Filter{}); n != 0 {
			t.Errorf("unknown tenant Count = %d, want 0", n)
		}
	})
}

func TestCountDistinctUsers(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s audit.Store) {
		mustInsert(t, s,
			newEntry("1", base, withUser("alice")),
			newEntry("2", base, withUser("alice")),
			newEntry("3", base, withUser("bob")),
			newEntry("4", base),
		)
		n, err := s.CountDistinctUsers(context.Background(), "t1")
		if err != nil {
			t.Fatal(err)
		}
		if n != 2 {
			t.Errorf("CountDistinctUsers = %d, want 2", n)
		}
	})
}

func TestInsert_DuplicateID(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s audit.Store) {
		mustInsert(t, s, newEntry("dup", base))
		if err := s.Insert(context.Background(), newEntry("dup", base)); err == nil {
			t.Error("expected error inserting a duplicate id")
		}
	})
}

func TestInsert_RoundTripPreservesChecksumInput(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s audit.Store) {
		ctx := context.Background()
		confidential := audit.SecurityConfidential
		e := newEntry("rt", base.Add(123*time.Millisecond), withUser("alice"), withIP("192.168.1.10"))
		e.EntityID = audit.String("r-1")
		e.UserAgent = audit.String("curl/8.0")
		e.SessionID = audit.String("sess-1")
		e.ClientFingerprint = audit.String("fp")
		e.SecurityLevel = &confidential
		e.OldValues = map[string]any{"name": "old", "count": 42, "ratio": 1.5}
		e.NewValues = map[string]any{"name": "new <b>", "tags": []any{"x", "y"}, "nested": map[string]any{"z": true, "a": nil}}
		e.Metadata = map[string]any{"source": "test"}
		mustInsert(t, s, e)

		got, err := s.Find(ctx, "t1", audit.Filter{})
		if err != nil || len(got) != 1 {
			t.Fatalf("Find: %v, %d entries", err, len(got))
		}
		r := got[0]

		codec := audit.NewCodec(nil)
		want, err := codec.Checksum(fieldsOf(e))
		if err != nil {
			t.Fatal(err)
		}
		have, err := codec.Checksum(fieldsOf(&r))
		if err != nil {
			t.Fatal(err)
		}
		if want != have {
			t.Errorf("checksum input changed across storage: %s != %s", have, want)
		}
		if !r.PerformedAt.Equal(e.PerformedAt) {
			t.Errorf("PerformedAt = %s, want %s", r.PerformedAt, e.PerformedAt)
		}
		if r.SecurityLevel == nil || *r.SecurityLevel != confidential {
			t.Errorf("SecurityLevel = %v", r.SecurityLevel)
		}
		if r.UserAgent == nil || *r.UserAgent != "curl/8.0" || r.SessionID == nil || *r.SessionID != "sess-1" {
			t.Errorf("request context fields lost: %+v", r)
		}
		if r.Checksum != "c-rt" {
			t.Errorf("Checksum = %q", r.Checksum)
		}
	})
}

func TestInsert_AbsentFieldsStayAbsent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s audit.Store) {
		mustInsert(t, s, newEntry("bare", base))
		got, err := s.Find(context.Background(), "t1", audit.Filter{})
		if err != nil || len(got) != 1 {
			t.Fatalf("Find: %v", err)
		}
		r := got[0]
		if r.UserID != nil || r.IPAddress != nil || r.EntityID != nil || r.SecurityLevel != nil {
			t.Errorf("nil fields came back populated: %+v", r)
		}
		if r.OldValues != nil || r.NewValues != nil || r.Metadata != nil {
			t.Errorf("nil maps came back populated: %+v", r)
		}
	})
}

func TestMemory_InsertCopies(t *testing.T) {
	m := NewMemory()
	e := newEntry("x", base, withMeta(map[string]any{"k": "v"}))
	mustInsert(t, m, e)

	e.Metadata["k"] = "mutated"
	*e.TenantID = "t2"

	got, err := m.Find(context.Background(), "t1", audit.Filter{})
	if err != nil || len(got) != 1 {
		t.Fatalf("Find: %v, %d entries", err, len(got))
	}
	if got[0].Metadata["k"] != "v" {
		t.Errorf("stored entry shares state with caller: %v", got[0].Metadata)
	}
	got[0].Metadata["k"] = "again"
	again, _ := m.Find(context.Background(), "t1", audit.Filter{})
	if again[0].Metadata["k"] != "v" {
		t.Errorf("returned entry shares state with store: %v", again[0].Metadata)
	}
	if m.Len() != 1 {
		t.Errorf("Len = %d, want 1", m.Len())
	}
}

func TestAggregate_ByAction(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s audit.Store) {
		for i := 0; i < 3; i++ {
			mustInsert(t, s, newEntry(fmt.Sprintf("l%d", i), base, withAction(audit.ActionLogin)))
		}
		mustInsert(t, s,
			newEntry("f1", base, withAction(audit.ActionLoginFailed)),
			newEntry("f2", base, withAction(audit.ActionLoginFailed)),
			newEntry("o1", base, withAction(audit.ActionLogout)),
		)

		groups, err := s.Aggregate(context.Background(), "t1", audit.GroupQuery{By: audit.GroupByAction, Limit: 2})
		if err != nil {
			t.Fatal(err)
		}
		if len(groups) != 2 {
			t.Fatalf("expected 2 groups, got %+v", groups)
		}
		if groups[0].Action != audit.ActionLogin || groups[0].Count != 3 {
			t.Errorf("first group = %+v", groups[0])
		}
		if groups[1].Action != audit.ActionLoginFailed || groups[1].Count != 2 {
			t.Errorf("second group = %+v", groups[1])
		}
	})
}

func TestAggregate_ByIPWithThreshold(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s audit.Store) {
		n := 0
		add := func(ip string, count int, at time.Time) {
			for i := 0; i < count; i++ {
				n++
				opts := []entryOpt{withAction(audit.ActionLoginFailed)}
				if ip != "" {
					opts = append(opts, withIP(ip))
				}
				mustInsert(t, s, newEntry(fmt.Sprintf("e%d", n), at.Add(time.Duration(i)*time.Second), opts...))
			}
		}
		add("203.0.113.7", 6, base)
		add("198.51.100.2", 4, base)
		add("", 9, base)                          // no IP
		add("192.0.2.1", 7, base.Add(-2*time.Hour)) // outside window
		mustInsert(t, s, newEntry("ok", base, withIP("203.0.113.7"), withAction(audit.ActionLogin)))

		groups, err := s.Aggregate(context.Background(), "t1", audit.GroupQuery{
			By:        audit.GroupByIP,
			Since:     base.Add(-time.Hour),
			Until:     base.Add(time.Hour),
			Action:    audit.ActionLoginFailed,
			RequireIP: true,
			MinCount:  5,
		})
		if err != nil {
			t.Fatal(err)
		}
		if len(groups) != 1 {
			t.Fatalf("expected 1 group, got %+v", groups)
		}
		g := groups[0]
		if g.IPAddress == nil || *g.IPAddress != "203.0.113.7" || g.Count != 6 {
			t.Errorf("group = %+v", g)
		}
		if !g.First.Equal(base) || !g.Last.Equal(base.Add(5*time.Second)) {
			t.Errorf("first/last = %s/%s", g.First, g.Last)
		}
	})
}

func TestAggregate_ByHourInLocation(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s audit.Store) {
		loc := time.FixedZone("UTC-6", -6*3600)
		mustInsert(t, s,
			newEntry("a", time.Date(2026, 3, 10, 3, 30, 0, 0, time.UTC)), // 21 local
			newEntry("b", time.Date(2026, 3, 10, 3, 59, 0, 0, time.UTC)), // 21 local
			newEntry("c", time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)), // 08 local
		)

		groups, err := s.Aggregate(context.Background(), "t1", audit.GroupQuery{
			By:       audit.GroupByHour,
			Until:    time.Date(2026, 3, 10, 23, 0, 0, 0, time.UTC),
			Location: loc,
		})
		if err != nil {
			t.Fatal(err)
		}
		counts := map[int]int{}
		for _, g := range groups {
			counts[g.Hour] = g.Count
		}
		if len(counts) != 2 || counts[21] != 2 || counts[8] != 1 {
			t.Errorf("hour buckets = %v, want map[8:1 21:2]", counts)
		}
	})
}

func TestAggregate_OffHours(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s audit.Store) {
		day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
		mustInsert(t, s,
			newEntry("late", day.Add(23*time.Hour), withUser("u"), withIP("1.1.1.1")),
			newEntry("early", day.Add(2*time.Hour), withUser("u"), withIP("1.1.1.1")),
			newEntry("edge-start", day.Add(22*time.Hour), withUser("u"), withIP("1.1.1.1")),
			newEntry("edge-end", day.Add(6*time.Hour), withUser("u"), withIP("1.1.1.1")),
			newEntry("noon", day.Add(12*time.Hour), withUser("u"), withIP("1.1.1.1")),
			newEntry("anon", day.Add(23*time.Hour), withIP("1.1.1.1")),
		)

		off := audit.HourRange{Start: 22, End: 6}
		groups, err := s.Aggregate(context.Background(), "t1", audit.GroupQuery{
			By:          audit.GroupByUserIP,
			RequireUser: true,
			OffHours:    &off,
			Location:    time.UTC,
			Until:       day.Add(24 * time.Hour),
		})
		if err != nil {
			t.Fatal(err)
		}
		if len(groups) != 1 || groups[0].Count != 3 {
			t.Fatalf("expected one (user, ip) group of 3, got %+v", groups)
		}
		if *groups[0].UserID != "u" || *groups[0].IPAddress != "1.1.1.1" {
			t.Errorf("group keys = %+v", groups[0])
		}
	})
}

func TestAggregate_DistinctIPs(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s audit.Store) {
		for i, ip := range []string{"1.1.1.1", "1.1.1.2", "1.1.1.3", "1.1.1.4", "1.1.1.4"} {
			mustInsert(t, s, newEntry(fmt.Sprintf("roam%d", i), base, withUser("roamer"), withIP(ip)))
		}
		for i, ip := range []string{"2.2.2.1", "2.2.2.2", "2.2.2.3"} {
			mustInsert(t, s, newEntry(fmt.Sprintf("home%d", i), base, withUser("homebody"), withIP(ip)))
		}

		groups, err := s.Aggregate(context.Background(), "t1", audit.GroupQuery{
			By:             audit.GroupByUser,
			RequireUser:    true,
			MinDistinctIPs: 4,
		})
		if err != nil {
			t.Fatal(err)
		}
		if len(groups) != 1 || *groups[0].UserID != "roamer" {
			t.Fatalf("expected only roamer, got %+v", groups)
		}
		if groups[0].DistinctIPs != 4 || groups[0].Count != 5 {
			t.Errorf("roamer group = %+v", groups[0])
		}
	})
}

func TestAggregate_UnsupportedKey(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s audit.Store) {
		if _, err := s.Aggregate(context.Background(), "t1", audit.GroupQuery{}); err == nil {
			t.Error("expected error for zero group key")
		}
	})
}

func TestWalk_InsertionOrderAndStop(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s audit.Store) {
		mustInsert(t, s,
			newEntry("first", base.Add(time.Hour)),
			newEntry("second", base),
			newEntry("third", base.Add(2*time.Hour)),
		)

		var seen []string
		err := s.Walk(context.Background(), "t1", func(e *audit.Entry) error {
			seen = append(seen, e.ID)
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
		if fmt.Sprint(seen) != "[first second third]" {
			t.Errorf("walk order = %v", seen)
		}

		stop := errors.New("stop")
		seen = nil
		err = s.Walk(context.Background(), "t1", func(e *audit.Entry) error {
			seen = append(seen, e.ID)
			return stop
		})
		if !errors.Is(err, stop) {
			t.Errorf("Walk error = %v, want stop", err)
		}
		if len(seen) != 1 {
			t.Errorf("walk continued after error: %v", seen)
		}
	})
}

func TestContextCanceled(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s audit.Store) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if err := s.Insert(ctx, newEntry("x", base)); err == nil {
			t.Error("Insert with canceled context should fail")
		}
		if _, err := s.Find(ctx, "t1", audit.Filter{}); err == nil {
			t.Error("Find with canceled context should fail")
		}
	})
}

func fieldsOf(e *audit.Entry) audit.Fields {
	return audit.Fields{
		TenantID:    e.TenantID,
		UserID:      e.UserID,
		Action:      e.Action,
		EntityType:  e.EntityType,
		EntityID:    e.EntityID,
		OldValues:   e.OldValues,
		NewValues:   e.NewValues,
		PerformedAt: e.PerformedAt,
	}
}
