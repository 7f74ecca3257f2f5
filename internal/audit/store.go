package audit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Store is the append-only persistence collaborator. Every method is scoped
// to a single tenant; entries whose tenant differs (or is nil) must never be
// returned. A successful Insert must be visible to subsequent reads.
type Store interface {
	// Insert appends one entry atomically.
	Insert(ctx context.Context, e *Entry) error
	// Find returns entries matching f ordered by PerformedAt descending,
	// newest insertion first on ties, honoring f.Limit and f.Offset.
	Find(ctx context.Context, tenantID string, f Filter) ([]Entry, error)
	// Count returns the number of entries matching f, ignoring paging.
	Count(ctx context.Context, tenantID string, f Filter) (int, error)
	// CountDistinctUsers returns the number of distinct non-nil user IDs.
	CountDistinctUsers(ctx context.Context, tenantID string) (int, error)
	// Aggregate runs a grouped count described by q.
	Aggregate(ctx context.Context, tenantID string, q GroupQuery) ([]Group, error)
	// Walk calls fn for every entry of the tenant in insertion order.
	// Iteration stops at the first error returned by fn.
	Walk(ctx context.Context, tenantID string, fn func(*Entry) error) error
}

// Filter selects entries for Find and Count. Zero values mean "no filter".
type Filter struct {
	UserID        string
	Action        Action
	EntityType    EntityType
	EntityID      string
	IPAddress     string
	SecurityLevel SecurityLevel
	StartDate     time.Time // inclusive
	EndDate       time.Time // inclusive
	Search        string    // substring of metadata, old or new values
	Limit         int
	Offset        int
}

// Unpaged returns a copy of f without Limit and Offset.
func (f Filter) Unpaged() Filter {
	f.Limit = 0
	f.Offset = 0
	return f
}

// Matches reports whether e satisfies every non-paging criterion of f.
// In-process stores use it; SQL stores translate the same criteria.
func (f Filter) Matches(e *Entry) bool {
	if f.UserID != "" && deref(e.UserID) != f.UserID {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.EntityType != "" && e.EntityType != f.EntityType {
		return false
	}
	if f.EntityID != "" && deref(e.EntityID) != f.EntityID {
		return false
	}
	if f.IPAddress != "" && deref(e.IPAddress) != f.IPAddress {
		return false
	}
	if f.SecurityLevel != "" && (e.SecurityLevel == nil || *e.SecurityLevel != f.SecurityLevel) {
		return false
	}
	if !f.StartDate.IsZero() && e.PerformedAt.Before(f.StartDate) {
		return false
	}
	if !f.EndDate.IsZero() && e.PerformedAt.After(f.EndDate) {
		return false
	}
	if f.Search != "" {
		needle := strings.ToLower(f.Search)
		found := false
		for _, m := range []map[string]any{e.Metadata, e.OldValues, e.NewValues} {
			if m == nil {
				continue
			}
			s, err := canonicalJSON(m)
			if err == nil && strings.Contains(strings.ToLower(s), needle) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// FilterParams is the string form of a Filter, as received from the CLI or
// an HTTP query string. Empty fields are ignored.
type FilterParams struct {
	UserID        string
	Action        string
	EntityType    string
	EntityID      string
	IPAddress     string
	SecurityLevel string
	StartDate     string
	EndDate       string
	Search        string
	Limit         string
	Offset        string
}

// Filter parses p. Dates are RFC 3339 or YYYY-MM-DD; a date-only EndDate
// covers the whole day.
func (p FilterParams) Filter() (Filter, error) {
	f := Filter{
		UserID:    p.UserID,
		EntityID:  p.EntityID,
		IPAddress: p.IPAddress,
		Search:    p.Search,
	}
	var err error
	if p.Action != "" {
		if f.Action, err = ParseAction(p.Action); err != nil {
			return Filter{}, err
		}
	}
	if p.EntityType != "" {
		if f.EntityType, err = ParseEntityType(p.EntityType); err != nil {
			return Filter{}, err
		}
	}
	if p.SecurityLevel != "" {
		if f.SecurityLevel, err = ParseSecurityLevel(p.SecurityLevel); err != nil {
			return Filter{}, err
		}
	}
	if p.StartDate != "" {
		if f.StartDate, _, err = parseDate(p.StartDate); err != nil {
			return Filter{}, err
		}
	}
	if p.EndDate != "" {
		var dateOnly bool
		if f.EndDate, dateOnly, err = parseDate(p.EndDate); err != nil {
			return Filter{}, err
		}
		if dateOnly {
			f.EndDate = f.EndDate.Add(24*time.Hour - time.Millisecond)
		}
	}
	if f.Limit, err = parseNonNegative("limit", p.Limit); err != nil {
		return Filter{}, err
	}
	if f.Offset, err = parseNonNegative("offset", p.Offset); err != nil {
		return Filter{}, err
	}
	if err := f.validate(); err != nil {
		return Filter{}, err
	}
	return f, nil
}

func (f Filter) validate() error {
	if f.Action != "" && !f.Action.Valid() {
		return fmt.Errorf("%w: unknown action %q", ErrInvalidArgument, f.Action)
	}
	if f.EntityType != "" && !f.EntityType.Valid() {
		return fmt.Errorf("%w: unknown entity type %q", ErrInvalidArgument, f.EntityType)
	}
	if f.SecurityLevel != "" && !f.SecurityLevel.Valid() {
		return fmt.Errorf("%w: unknown security level %q", ErrInvalidArgument, f.SecurityLevel)
	}
	if f.Limit < 0 || f.Offset < 0 {
		return fmt.Errorf("%w: limit and offset must be non-negative", ErrInvalidArgument)
	}
	if !f.StartDate.IsZero() && !f.EndDate.IsZero() && f.StartDate.After(f.EndDate) {
		return fmt.Errorf("%w: startDate is after endDate", ErrInvalidArgument)
	}
	return nil
}

func parseDate(s string) (time.Time, bool, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), false, nil
	}
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t.UTC(), true, nil
	}
	return time.Time{}, false, fmt.Errorf("%w: invalid date %q (use RFC 3339 or YYYY-MM-DD)", ErrInvalidArgument, s)
}

func parseNonNegative(name, s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer, got %q", ErrInvalidArgument, name, s)
	}
	return n, nil
}

// GroupKey selects the grouping of an aggregate query.
type GroupKey int

const (
	GroupByAction GroupKey = iota + 1
	GroupByHour
	GroupByIP
	GroupByUser
	GroupByUserIP
)

// HourRange is a half-open range of hours of the day [Start, End). When
// Start > End the range wraps midnight, e.g. {22, 6} covers 22:00-05:59.
type HourRange struct {
	Start int
	End   int
}

// Contains reports whether hour h (0-23) falls in the range.
func (r HourRange) Contains(h int) bool {
	if r.Start > r.End {
		return h >= r.Start || h < r.End
	}
	return h >= r.Start && h < r.End
}

// GroupQuery describes a grouped count: a time window, optional
// restrictions, the grouping key and having-style thresholds.
type GroupQuery struct {
	By          GroupKey
	Since       time.Time // inclusive; zero means unbounded
	Until       time.Time // inclusive; zero means unbounded
	Action      Action    // restrict to one action; empty means any
	RequireUser bool      // skip entries with a nil user
	RequireIP   bool      // skip entries with a nil IP address
	OffHours    *HourRange
	// Location is used for hour-of-day extraction; nil means UTC.
	Location       *time.Location
	MinCount       int // having count(*) >= MinCount
	MinDistinctIPs int // having count(distinct ip) >= MinDistinctIPs
	Limit          int // 0 means no limit
}

// Hour returns the hour of day of t in the query's location.
func (q GroupQuery) Hour(t time.Time) int {
	loc := q.Location
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Hour()
}

// Group is one row of an aggregate result. Only the key fields selected by
// the query's GroupKey are populated.
type Group struct {
	Action      Action
	Hour        int
	UserID      *string
	IPAddress   *string
	Count       int
	DistinctIPs int
	First       time.Time
	Last        time.Time
}
