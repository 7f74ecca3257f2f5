package audit

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/google/uuid"
)

// Default paging and export bounds.
const (
	DefaultPageSize  = 50
	DefaultExportCap = 10000
)

// Clock supplies the current wall-clock time.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

// Now calls f.
func (f ClockFunc) Now() time.Time { return f() }

// Thresholds are the tunable anomaly-detection policy constants.
type Thresholds struct {
	FailedLoginWindow   time.Duration
	FailedLoginMin      int // attempts per IP that raise an anomaly
	FailedLoginCritical int // attempts per IP that escalate to CRITICAL

	UnusualHoursWindow time.Duration
	UnusualHoursMin    int
	OffHours           HourRange

	RapidWindow time.Duration
	RapidMin    int
	RapidSpan   time.Duration // the burst must be shorter than this

	// MaxIPsPerUser is the distinct-IP count per user in 24h above which
	// the user counts toward SuspiciousActivity.MultipleIPs.
	MaxIPsPerUser int

	// TrustedIPs are glob patterns exempt from the failed-login and
	// rapid-action rules.
	TrustedIPs []string
}

// DefaultThresholds returns the standard detection policy.
func DefaultThresholds() Thresholds {
	return Thresholds{
		FailedLoginWindow:   time.Hour,
		FailedLoginMin:      5,
		FailedLoginCritical: 10,
		UnusualHoursWindow:  24 * time.Hour,
		UnusualHoursMin:     10,
		OffHours:            HourRange{Start: 22, End: 6},
		RapidWindow:         time.Hour,
		RapidMin:            50,
		RapidSpan:           5 * time.Minute,
		MaxIPsPerUser:       3,
	}
}

// Validate checks t for logical errors.
func (t Thresholds) Validate() error {
	if t.FailedLoginWindow <= 0 || t.UnusualHoursWindow <= 0 || t.RapidWindow <= 0 || t.RapidSpan <= 0 {
		return fmt.Errorf("%w: anomaly windows must be positive", ErrInvalidArgument)
	}
	if t.FailedLoginMin < 1 || t.UnusualHoursMin < 1 || t.RapidMin < 1 {
		return fmt.Errorf("%w: anomaly thresholds must be at least 1", ErrInvalidArgument)
	}
	if t.FailedLoginCritical < t.FailedLoginMin {
		return fmt.Errorf("%w: failed login critical threshold %d below minimum %d",
			ErrInvalidArgument, t.FailedLoginCritical, t.FailedLoginMin)
	}
	if t.OffHours.Start < 0 || t.OffHours.Start > 23 || t.OffHours.End < 0 || t.OffHours.End > 23 {
		return fmt.Errorf("%w: off-hours bounds must be within 0-23", ErrInvalidArgument)
	}
	if t.MaxIPsPerUser < 1 {
		return fmt.Errorf("%w: max IPs per user must be at least 1", ErrInvalidArgument)
	}
	if _, err := compileGlobs(t.TrustedIPs); err != nil {
		return err
	}
	return nil
}

func compileGlobs(patterns []string) ([]glob.Glob, error) {
	globs := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid trusted IP pattern %q: %v", ErrInvalidArgument, p, err)
		}
		globs = append(globs, g)
	}
	return globs, nil
}

// Options holds the collaborators injected into a Service.
type Options struct {
	Store Store
	Clock Clock         // default: time.Now
	NewID func() string // default: uuid.NewString
	Codec *Codec        // default: unkeyed SHA-256
	// Location is the server time zone used for "today", hour-of-day
	// buckets and off-hours rules. Default: UTC.
	Location   *time.Location
	Thresholds *Thresholds // default: DefaultThresholds()
	ExportCap  int         // default: DefaultExportCap
	Logger     *slog.Logger
	// OnRecord, when set, is called after each successful append.
	OnRecord func(Entry)
}

// Service is the audit core. It is safe for concurrent use; apart from the
// reloadable thresholds it holds no mutable state of its own.
type Service struct {
	store     Store
	clock     Clock
	newID     func() string
	codec     *Codec
	loc       *time.Location
	exportCap int
	logger    *slog.Logger
	onRecord  func(Entry)

	mu         sync.RWMutex
	thresholds Thresholds
	trusted    []glob.Glob
}

// New creates a Service from opts. Store is required.
func New(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("%w: audit store is required", ErrInvalidArgument)
	}
	s := &Service{
		store:     opts.Store,
		clock:     opts.Clock,
		newID:     opts.NewID,
		codec:     opts.Codec,
		loc:       opts.Location,
		exportCap: opts.ExportCap,
		logger:    opts.Logger,
		onRecord:  opts.OnRecord,
	}
	if s.clock == nil {
		s.clock = ClockFunc(time.Now)
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	if s.codec == nil {
		s.codec = NewCodec(nil)
	}
	if s.loc == nil {
		s.loc = time.UTC
	}
	if s.exportCap <= 0 {
		s.exportCap = DefaultExportCap
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	t := DefaultThresholds()
	if opts.Thresholds != nil {
		t = *opts.Thresholds
	}
	if err := s.SetThresholds(t); err != nil {
		return nil, err
	}
	return s, nil
}

// SetThresholds replaces the anomaly policy. Used for config hot-reload.
func (s *Service) SetThresholds(t Thresholds) error {
	if err := t.Validate(); err != nil {
		return err
	}
	globs, err := compileGlobs(t.TrustedIPs)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.thresholds = t
	s.trusted = globs
	s.mu.Unlock()
	return nil
}

// Thresholds returns the current anomaly policy.
func (s *Service) Thresholds() Thresholds {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.thresholds
}

func (s *Service) policy() (Thresholds, []glob.Glob) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.thresholds, s.trusted
}

func (s *Service) now() time.Time {
	return s.clock.Now().UTC()
}

func isTrusted(globs []glob.Glob, ip *string) bool {
	if ip == nil {
		return false
	}
	for _, g := range globs {
		if g.Match(*ip) {
			return true
		}
	}
	return false
}
