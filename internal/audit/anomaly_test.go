package audit_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/horuscamacho/thoth-audit/internal/audit"
	"github.com/horuscamacho/thoth-audit/internal/store"
)

func failedLogins(t *testing.T, f *fixture, ip string, n int, start time.Time) {
	t.Helper()
	for i := 0; i < n; i++ {
		f.act(t, start.Add(time.Duration(i)*time.Second), audit.ActionLoginFailed, "", ip)
	}
}

func detect(t *testing.T, f *fixture) []audit.Anomaly {
	t.Helper()
	anomalies, err := f.svc.DetectAnomalies(context.Background(), "t1")
	if err != nil {
		t.Fatalf("DetectAnomalies: %v", err)
	}
	return anomalies
}

func TestDetectAnomalies_FailedLogins(t *testing.T) {
	tests := []struct {
		name     string
		attempts int
		start    time.Time
		want     audit.Severity // empty means no anomaly
	}{
		{"below threshold", 4, now.Add(-30 * time.Minute), ""},
		{"at threshold", 5, now.Add(-30 * time.Minute), audit.SeverityHigh},
		{"just below critical", 9, now.Add(-30 * time.Minute), audit.SeverityHigh},
		{"at critical", 10, now.Add(-30 * time.Minute), audit.SeverityCritical},
		{"outside window", 12, now.Add(-2 * time.Hour), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newMemoryFixture(t)
			failedLogins(t, f, "198.51.100.4", tt.attempts, tt.start)
			got := detect(t, f)
			if tt.want == "" {
				if len(got) != 0 {
					t.Errorf("expected no anomalies, got %+v", got)
				}
				return
			}
			if len(got) != 1 {
				t.Fatalf("expected 1 anomaly, got %+v", got)
			}
			if got[0].Severity != tt.want || got[0].Type != audit.AnomalyMultipleFailedLogins {
				t.Errorf("anomaly = %+v", got[0])
			}
		})
	}
}

func TestDetectAnomalies_TwelveFailedLoginsIsCritical(t *testing.T) {
	f := newMemoryFixture(t)
	failedLogins(t, f, "203.0.113.9", 12, now.Add(-20*time.Minute))
	// A successful login from the same address does not count.
	f.act(t, now.Add(-time.Minute), audit.ActionLogin, "alice", "203.0.113.9")

	got := detect(t, f)
	if len(got) != 1 {
		t.Fatalf("expected exactly 1 anomaly, got %+v", got)
	}
	a := got[0]
	if a.Type != audit.AnomalyMultipleFailedLogins || a.Severity != audit.SeverityCritical {
		t.Errorf("anomaly = %+v", a)
	}
	if a.IPAddress == nil || *a.IPAddress != "203.0.113.9" {
		t.Errorf("IPAddress = %v", a.IPAddress)
	}
	if a.Metadata["attempts"] != 12 {
		t.Errorf("attempts = %v, want 12", a.Metadata["attempts"])
	}
	if a.Metadata["timeWindow"] != "1h" {
		t.Errorf("timeWindow = %v", a.Metadata["timeWindow"])
	}
	if a.ID == "" || !a.DetectedAt.Equal(now) {
		t.Errorf("ID/DetectedAt = %q/%s", a.ID, a.DetectedAt)
	}
}

func TestDetectAnomalies_FailedLoginsWithoutIPIgnored(t *testing.T) {
	f := newMemoryFixture(t)
	failedLogins(t, f, "", 20, now.Add(-10*time.Minute))
	if got := detect(t, f); len(got) != 0 {
		t.Errorf("entries without an IP should not be grouped, got %+v", got)
	}
}

func TestDetectAnomalies_TrustedIPs(t *testing.T) {
	f := newFixture(t, store.NewMemory(), func(o *audit.Options) {
		th := audit.DefaultThresholds()
		th.TrustedIPs = []string{"10.0.*"}
		o.Thresholds = &th
	})
	failedLogins(t, f, "10.0.3.4", 15, now.Add(-10*time.Minute))
	for i := 0; i < 60; i++ {
		f.act(t, now.Add(-time.Duration(i)*time.Second), audit.ActionDataAccessed, "monitor", "10.0.8.8")
	}
	failedLogins(t, f, "192.0.2.50", 5, now.Add(-10*time.Minute))

	got := detect(t, f)
	if len(got) != 1 || *got[0].IPAddress != "192.0.2.50" {
		t.Errorf("only the untrusted IP should be reported, got %+v", got)
	}
}

func TestDetectAnomalies_UnusualHours(t *testing.T) {
	night := time.Date(2026, 3, 10, 2, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		actions int
		want    int
	}{
		{"below threshold", 9, 0},
		{"at threshold", 10, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newMemoryFixture(t)
			for i := 0; i < tt.actions; i++ {
				f.act(t, night.Add(time.Duration(i)*time.Minute), audit.ActionDataAccessed, "owl", "10.9.9.9")
			}
			// The same count during business hours is fine.
			for i := 0; i < 20; i++ {
				f.act(t, now.Add(-2*time.Hour).Add(time.Duration(i)*time.Minute), audit.ActionDataAccessed, "lark", "10.9.9.8")
			}
			got := detect(t, f)
			if len(got) != tt.want {
				t.Fatalf("expected %d anomalies, got %+v", tt.want, got)
			}
			if tt.want == 0 {
				return
			}
			a := got[0]
			if a.Type != audit.AnomalyUnusualHours || a.Severity != audit.SeverityMedium {
				t.Errorf("anomaly = %+v", a)
			}
			if *a.UserID != "owl" || *a.IPAddress != "10.9.9.9" {
				t.Errorf("keys = %v/%v", *a.UserID, *a.IPAddress)
			}
			if a.Metadata["actionCount"] != 10 || a.Metadata["timeWindow"] != "24h" {
				t.Errorf("metadata = %v", a.Metadata)
			}
		})
	}
}

func TestDetectAnomalies_UnusualHoursUsesServerTimezone(t *testing.T) {
	// 13:00 UTC is 22:00 in UTC+9.
	evening := time.Date(2026, 3, 10, 13, 0, 0, 0, time.UTC)
	for _, tc := range []struct {
		name string
		loc  *time.Location
		want int
	}{
		{"utc", time.UTC, 0},
		{"utc+9", time.FixedZone("UTC+9", 9*3600), 1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, store.NewMemory(), func(o *audit.Options) { o.Location = tc.loc })
			for i := 0; i < 10; i++ {
				f.act(t, evening.Add(time.Duration(i)*time.Minute), audit.ActionDataAccessed, "owl", "10.9.9.9")
			}
			if got := detect(t, f); len(got) != tc.want {
				t.Errorf("expected %d anomalies, got %+v", tc.want, got)
			}
		})
	}
}

func TestDetectAnomalies_RapidActions(t *testing.T) {
	tests := []struct {
		name    string
		actions int
		spacing time.Duration
		want    int
	}{
		{"burst", 50, 2 * time.Second, 1},
		{"one short", 49, 2 * time.Second, 0},
		{"spread out", 50, 12 * time.Second, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newMemoryFixture(t)
			start := now.Add(-15 * time.Minute)
			for i := 0; i < tt.actions; i++ {
				f.act(t, start.Add(time.Duration(i)*tt.spacing), audit.ActionDataAccessed, "bot", "192.0.2.77")
			}
			got := detect(t, f)
			if len(got) != tt.want {
				t.Fatalf("expected %d anomalies, got %+v", tt.want, got)
			}
			if tt.want == 0 {
				return
			}
			a := got[0]
			if a.Type != audit.AnomalyRapidActions || a.Severity != audit.SeverityHigh {
				t.Errorf("anomaly = %+v", a)
			}
			if a.Metadata["actionCount"] != 50 {
				t.Errorf("actionCount = %v", a.Metadata["actionCount"])
			}
			if a.Metadata["timespanSeconds"] != float64(98) {
				t.Errorf("timespanSeconds = %v, want 98", a.Metadata["timespanSeconds"])
			}
		})
	}
}

// seedAllRules triggers every rule once: a CRITICAL failed-login burst, a
// MEDIUM off-hours user and a HIGH rapid burst.
func seedAllRules(t *testing.T, f *fixture) {
	t.Helper()
	for i := 0; i < 10; i++ {
		f.act(t, time.Date(2026, 3, 10, 1, 0, i, 0, time.UTC), audit.ActionDataAccessed, "owl", "10.9.9.9")
	}
	for i := 0; i < 50; i++ {
		f.act(t, now.Add(-10*time.Minute).Add(time.Duration(i)*time.Second), audit.ActionDataAccessed, "bot", "192.0.2.77")
	}
	failedLogins(t, f, "203.0.113.9", 11, now.Add(-5*time.Minute))
}

func checkAllRules(t *testing.T, got []audit.Anomaly) {
	t.Helper()
	want := []struct {
		typ audit.AnomalyType
		sev audit.Severity
	}{
		{audit.AnomalyMultipleFailedLogins, audit.SeverityCritical},
		{audit.AnomalyRapidActions, audit.SeverityHigh},
		{audit.AnomalyUnusualHours, audit.SeverityMedium},
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d anomalies, got %+v", len(want), got)
	}
	for i, w := range want {
		if got[i].Type != w.typ || got[i].Severity != w.sev {
			t.Errorf("anomaly %d = %s/%s, want %s/%s", i, got[i].Type, got[i].Severity, w.typ, w.sev)
		}
	}
	seen := map[string]bool{}
	for _, a := range got {
		if seen[a.ID] {
			t.Errorf("duplicate anomaly id %s", a.ID)
		}
		seen[a.ID] = true
	}
}

func TestDetectAnomalies_SortedBySeverity(t *testing.T) {
	f := newMemoryFixture(t)
	seedAllRules(t, f)
	checkAllRules(t, detect(t, f))
}

func TestDetectAnomalies_SQLite(t *testing.T) {
	f := newFixture(t, openSQLite(t), nil)
	seedAllRules(t, f)
	checkAllRules(t, detect(t, f))
}

func TestDetectAnomalies_TenantScoped(t *testing.T) {
	f := newMemoryFixture(t)
	for i := 0; i < 12; i++ {
		f.record(t, now.Add(-time.Duration(i)*time.Second), audit.CreateParams{
			TenantID: audit.String("other"), Action: audit.ActionLoginFailed, IPAddress: audit.String("203.0.113.9"),
		})
	}
	if got := detect(t, f); len(got) != 0 {
		t.Errorf("anomalies leaked across tenants: %+v", got)
	}
}

func TestDetectAnomalies_ThresholdReload(t *testing.T) {
	f := newMemoryFixture(t)
	failedLogins(t, f, "198.51.100.4", 3, now.Add(-time.Minute))
	if got := detect(t, f); len(got) != 0 {
		t.Fatalf("expected no anomalies with default policy, got %+v", got)
	}

	th := audit.DefaultThresholds()
	th.FailedLoginMin = 3
	th.FailedLoginCritical = 3
	if err := f.svc.SetThresholds(th); err != nil {
		t.Fatal(err)
	}
	got := detect(t, f)
	if len(got) != 1 || got[0].Severity != audit.SeverityCritical {
		t.Errorf("reloaded policy not applied: %+v", got)
	}
}

func TestDetectAnomalies_StoreFailure(t *testing.T) {
	f := newFixture(t, &failingStore{Store: store.NewMemory(), failReads: true}, nil)
	_, err := f.svc.DetectAnomalies(context.Background(), "t1")
	if !errors.Is(err, audit.ErrPersistence) {
		t.Errorf("expected ErrPersistence, got %v", err)
	}
}
