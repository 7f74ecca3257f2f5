package audit

import "fmt"

// Action is the closed set of audited operations.
type Action string

const (
	ActionUserCreated       Action = "USER_CREATED"
	ActionUserUpdated       Action = "USER_UPDATED"
	ActionUserDeleted       Action = "USER_DELETED"
	ActionUserSuspended     Action = "USER_SUSPENDED"
	ActionUserActivated     Action = "USER_ACTIVATED"
	ActionTenantCreated     Action = "TENANT_CREATED"
	ActionTenantUpdated     Action = "TENANT_UPDATED"
	ActionTenantSuspended   Action = "TENANT_SUSPENDED"
	ActionTenantActivated   Action = "TENANT_ACTIVATED"
	ActionTenantDeleted     Action = "TENANT_DELETED"
	ActionLogin             Action = "LOGIN"
	ActionLogout            Action = "LOGOUT"
	ActionLoginFailed       Action = "LOGIN_FAILED"
	ActionPasswordChanged   Action = "PASSWORD_CHANGED"
	ActionPasswordReset     Action = "PASSWORD_RESET"
	ActionDataAccessed      Action = "DATA_ACCESSED"
	ActionDataExported      Action = "DATA_EXPORTED"
	ActionDataImported      Action = "DATA_IMPORTED"
	ActionSettingsChanged   Action = "SETTINGS_CHANGED"
	ActionPermissionChanged Action = "PERMISSION_CHANGED"
	ActionRoleChanged       Action = "ROLE_CHANGED"
	ActionAPIKeyCreated     Action = "API_KEY_CREATED"
	ActionAPIKeyRevoked     Action = "API_KEY_REVOKED"
	ActionAuditExported     Action = "AUDIT_EXPORTED"
	ActionIntegrityChecked  Action = "INTEGRITY_CHECKED"
	ActionScraperRun        Action = "SCRAPER_RUN"
)

// Actions lists every valid Action.
var Actions = []Action{
	ActionUserCreated, ActionUserUpdated, ActionUserDeleted, ActionUserSuspended, ActionUserActivated,
	ActionTenantCreated, ActionTenantUpdated, ActionTenantSuspended, ActionTenantActivated, ActionTenantDeleted,
	ActionLogin, ActionLogout, ActionLoginFailed, ActionPasswordChanged, ActionPasswordReset,
	ActionDataAccessed, ActionDataExported, ActionDataImported,
	ActionSettingsChanged, ActionPermissionChanged, ActionRoleChanged,
	ActionAPIKeyCreated, ActionAPIKeyRevoked,
	ActionAuditExported, ActionIntegrityChecked, ActionScraperRun,
}

// Valid reports whether a is a member of the closed set.
func (a Action) Valid() bool {
	for _, v := range Actions {
		if a == v {
			return true
		}
	}
	return false
}

// ParseAction converts s to an Action.
func ParseAction(s string) (Action, error) {
	a := Action(s)
	if !a.Valid() {
		return "", fmt.Errorf("%w: unknown action %q", ErrInvalidArgument, s)
	}
	return a, nil
}

// EntityType is the closed set of entity kinds an action can target.
type EntityType string

const (
	EntityUser     EntityType = "USER"
	EntityTenant   EntityType = "TENANT"
	EntityTweet    EntityType = "TWEET"
	EntityNews     EntityType = "NEWS"
	EntityAlert    EntityType = "ALERT"
	EntityReport   EntityType = "REPORT"
	EntitySession  EntityType = "SESSION"
	EntityAPIKey   EntityType = "API_KEY"
	EntitySettings EntityType = "SETTINGS"
	EntityAuditLog EntityType = "AUDIT_LOG"
	EntitySystem   EntityType = "SYSTEM"
)

// EntityTypes lists every valid EntityType.
var EntityTypes = []EntityType{
	EntityUser, EntityTenant, EntityTweet, EntityNews, EntityAlert, EntityReport,
	EntitySession, EntityAPIKey, EntitySettings, EntityAuditLog, EntitySystem,
}

// Valid reports whether t is a member of the closed set.
func (t EntityType) Valid() bool {
	for _, v := range EntityTypes {
		if t == v {
			return true
		}
	}
	return false
}

// ParseEntityType converts s to an EntityType.
func ParseEntityType(s string) (EntityType, error) {
	t := EntityType(s)
	if !t.Valid() {
		return "", fmt.Errorf("%w: unknown entity type %q", ErrInvalidArgument, s)
	}
	return t, nil
}

// SecurityLevel tags the sensitivity of an audited operation.
type SecurityLevel string

const (
	SecurityPublic       SecurityLevel = "PUBLIC"
	SecurityInternal     SecurityLevel = "INTERNAL"
	SecurityConfidential SecurityLevel = "CONFIDENTIAL"
	SecurityRestricted   SecurityLevel = "RESTRICTED"
)

// Valid reports whether l is a member of the closed set.
func (l SecurityLevel) Valid() bool {
	switch l {
	case SecurityPublic, SecurityInternal, SecurityConfidential, SecurityRestricted:
		return true
	}
	return false
}

// ParseSecurityLevel converts s to a SecurityLevel.
func ParseSecurityLevel(s string) (SecurityLevel, error) {
	l := SecurityLevel(s)
	if !l.Valid() {
		return "", fmt.Errorf("%w: unknown security level %q", ErrInvalidArgument, s)
	}
	return l, nil
}

// Severity ranks anomalies.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Rank orders severities from 1 (LOW) to 4 (CRITICAL); unknown values rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// AnomalyType classifies a detected anomaly.
type AnomalyType string

const (
	AnomalyMultipleFailedLogins AnomalyType = "MULTIPLE_FAILED_LOGINS"
	AnomalyUnusualHours         AnomalyType = "UNUSUAL_HOURS"
	AnomalyRapidActions         AnomalyType = "RAPID_ACTIONS"
)

// Format is an export serialization.
type Format string

const (
	FormatCSV   Format = "csv"
	FormatJSON  Format = "json"
	FormatPDF   Format = "pdf"
	FormatJSONL Format = "jsonl"
)

// ParseFormat converts s to a Format.
func ParseFormat(s string) (Format, error) {
	switch f := Format(s); f {
	case FormatCSV, FormatJSON, FormatPDF, FormatJSONL:
		return f, nil
	}
	return "", fmt.Errorf("%w: unsupported export format %q (use csv, json, pdf, or jsonl)", ErrInvalidArgument, s)
}
