package audit

import (
	"context"
	"fmt"
	"time"
)

// CreateParams is the input of CreateAuditLog. Nil pointers and maps mean
// the field is absent.
type CreateParams struct {
	TenantID          *string
	UserID            *string
	Action            Action
	EntityType        EntityType
	EntityID          *string
	OldValues         map[string]any
	NewValues         map[string]any
	Metadata          map[string]any
	IPAddress         *string
	UserAgent         *string
	SessionID         *string
	ClientFingerprint *string
	SecurityLevel     *SecurityLevel
}

// Details carries the optional parts of a LogAction call.
type Details struct {
	EntityID      *string
	OldValues     map[string]any
	NewValues     map[string]any
	Metadata      map[string]any
	SecurityLevel *SecurityLevel
}

// RequestContext is request provenance supplied by the HTTP layer.
// Empty strings mean the value was not available.
type RequestContext struct {
	IPAddress         string
	UserAgent         string
	SessionID         string
	ClientFingerprint string
}

// CreateAuditLog validates p, stamps it with a fresh ID and the current
// time, computes its checksum and appends it. Unlike LogAction it returns
// every failure; storage failures wrap ErrPersistence.
func (s *Service) CreateAuditLog(ctx context.Context, p CreateParams) (*Entry, error) {
	if !p.Action.Valid() {
		return nil, fmt.Errorf("%w: unknown action %q", ErrInvalidArgument, p.Action)
	}
	if !p.EntityType.Valid() {
		return nil, fmt.Errorf("%w: unknown entity type %q", ErrInvalidArgument, p.EntityType)
	}
	if p.SecurityLevel != nil && !p.SecurityLevel.Valid() {
		return nil, fmt.Errorf("%w: unknown security level %q", ErrInvalidArgument, *p.SecurityLevel)
	}

	oldValues, err := normalizeMap(p.OldValues)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding old values: %v", ErrInvalidArgument, err)
	}
	newValues, err := normalizeMap(p.NewValues)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding new values: %v", ErrInvalidArgument, err)
	}
	metadata, err := normalizeMap(p.Metadata)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding metadata: %v", ErrInvalidArgument, err)
	}

	e := &Entry{
		ID:                s.newID(),
		TenantID:          p.TenantID,
		UserID:            p.UserID,
		Action:            p.Action,
		EntityType:        p.EntityType,
		EntityID:          p.EntityID,
		OldValues:         oldValues,
		NewValues:         newValues,
		Metadata:          metadata,
		IPAddress:         p.IPAddress,
		UserAgent:         p.UserAgent,
		SessionID:         p.SessionID,
		ClientFingerprint: p.ClientFingerprint,
		SecurityLevel:     p.SecurityLevel,
		// Stored and hashed at the same precision so verification is exact.
		PerformedAt: s.now().Truncate(time.Millisecond),
	}

	sum, err := s.codec.Checksum(e.fields())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	e.Checksum = sum

	if err := s.store.Insert(ctx, e); err != nil {
		return nil, fmt.Errorf("%w: inserting entry %s: %w", ErrPersistence, e.ID, err)
	}

	if s.onRecord != nil {
		s.onRecord(*e)
	}
	return e, nil
}

// LogAction records an action on behalf of a business operation. It never
// fails from the caller's point of view: errors are logged and dropped so
// that the primary operation is not affected by audit availability.
//
// The write uses a context detached from ctx's cancellation, so a request
// that finishes first does not abort its own audit record.
func (s *Service) LogAction(ctx context.Context, tenantID string, userID *string, action Action, entityType EntityType, d Details, rc *RequestContext) {
	p := CreateParams{
		TenantID:      String(tenantID),
		UserID:        userID,
		Action:        action,
		EntityType:    entityType,
		EntityID:      d.EntityID,
		OldValues:     d.OldValues,
		NewValues:     d.NewValues,
		Metadata:      d.Metadata,
		SecurityLevel: d.SecurityLevel,
	}
	if rc != nil {
		p.IPAddress = String(rc.IPAddress)
		p.UserAgent = String(rc.UserAgent)
		p.SessionID = String(rc.SessionID)
		p.ClientFingerprint = String(rc.ClientFingerprint)
	}

	if _, err := s.CreateAuditLog(context.WithoutCancel(ctx), p); err != nil {
		s.logger.Error("audit log write failed",
			"tenant", tenantID, "user", deref(userID),
			"action", action, "entity_type", entityType, "error", err)
	}
}
