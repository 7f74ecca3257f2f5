// Package audit implements the tamper-evident, multi-tenant audit log.
//
// Every sensitive state change is recorded as an immutable Entry carrying a
// checksum computed over its canonicalized fields:
//
//	SHA-256(tenant | user | action | entity_type | entity_id | old | new | performed_at)
//
// Entries are never updated after creation, so any later change to a stored
// field that does not update the checksum in lockstep is reported by
// VerifyIntegrity. On top of the log the package provides filtered queries,
// tenant statistics, heuristic anomaly detection and export.
//
// Persistence is delegated to a Store; see internal/store for the SQLite
// and in-memory implementations.
package audit

import "time"

// Entry is a single audit log record. Optional fields are pointers: nil
// means absent, which is distinct from an empty string everywhere except
// inside the checksum canonicalization.
type Entry struct {
	ID                string         `json:"id"`
	TenantID          *string        `json:"tenantId"`
	UserID            *string        `json:"userId"`
	Action            Action         `json:"action"`
	EntityType        EntityType     `json:"entityType"`
	EntityID          *string        `json:"entityId"`
	OldValues         map[string]any `json:"oldValues"`
	NewValues         map[string]any `json:"newValues"`
	Metadata          map[string]any `json:"metadata"`
	IPAddress         *string        `json:"ipAddress"`
	UserAgent         *string        `json:"userAgent"`
	SessionID         *string        `json:"sessionId"`
	ClientFingerprint *string        `json:"clientFingerprint"`
	SecurityLevel     *SecurityLevel `json:"securityLevel"`
	Checksum          string         `json:"checksum"`
	PerformedAt       time.Time      `json:"performedAt"`
}

// fields returns the subset of the entry covered by the checksum.
func (e *Entry) fields() Fields {
	return Fields{
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

// Anomaly is a behavioral finding derived from the log. Anomalies are not
// persisted; detecting twice yields the same content under fresh IDs.
type Anomaly struct {
	ID          string         `json:"id"`
	Type        AnomalyType    `json:"type"`
	Description string         `json:"description"`
	Severity    Severity       `json:"severity"`
	UserID      *string        `json:"userId"`
	IPAddress   *string        `json:"ipAddress"`
	DetectedAt  time.Time      `json:"detectedAt"`
	Metadata    map[string]any `json:"metadata"`
}

// IntegrityReport is the outcome of VerifyIntegrity.
// ValidLogs + InvalidLogs always equals TotalLogs.
type IntegrityReport struct {
	TotalLogs     int            `json:"totalLogs"`
	ValidLogs     int            `json:"validLogs"`
	InvalidLogs   int            `json:"invalidLogs"`
	CorruptedLogs []CorruptedLog `json:"corruptedLogs"`
}

// CorruptedLog describes one entry whose stored checksum no longer matches
// its stored fields.
type CorruptedLog struct {
	ID               string    `json:"id"`
	ExpectedChecksum string    `json:"expectedChecksum"`
	ActualChecksum   string    `json:"actualChecksum"`
	PerformedAt      time.Time `json:"performedAt"`
}

// LogPage is one page of GetLogs results. Total counts every entry that
// matches the filters, ignoring Limit and Offset.
type LogPage struct {
	Logs  []Entry `json:"logs"`
	Total int     `json:"total"`
}

// Stats summarizes a tenant's audit activity.
type Stats struct {
	TotalLogs          int                `json:"totalLogs"`
	TodayLogs          int                `json:"todayLogs"`
	UniqueUsers        int                `json:"uniqueUsers"`
	TopActions         []ActionCount      `json:"topActions"`
	ActivityByHour     []HourCount        `json:"activityByHour"`
	SuspiciousActivity SuspiciousActivity `json:"suspiciousActivity"`
}

// ActionCount is the number of entries recorded for one action.
type ActionCount struct {
	Action Action `json:"action"`
	Count  int    `json:"count"`
}

// HourCount is the number of entries recorded in one hour of the day (0-23).
type HourCount struct {
	Hour  int `json:"hour"`
	Count int `json:"count"`
}

// SuspiciousActivity holds the counters surfaced on the stats view.
type SuspiciousActivity struct {
	FailedLogins int `json:"failedLogins"`
	UnusualHours int `json:"unusualHours"`
	MultipleIPs  int `json:"multipleIPs"`
}

// String returns a pointer to s, or nil when s is empty. Used at API
// boundaries where an empty string means "not provided".
func String(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// deref returns the pointed-to string, or "" for nil.
func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
