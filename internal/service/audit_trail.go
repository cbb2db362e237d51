package service

import (
	"context"
	"strings"

	"github.com/pesio-ai/be-plt-workflow/internal/platform/errors"
	"github.com/pesio-ai/be-plt-workflow/internal/platform/logger"
	"github.com/pesio-ai/be-plt-workflow/internal/repository"
)

// AuditTrail is the append-only ledger of executed transitions.
type AuditTrail struct {
	store AuditStore
	log   *logger.Logger
}

// NewAuditTrail creates a new AuditTrail.
func NewAuditTrail(store AuditStore, log *logger.Logger) *AuditTrail {
	return &AuditTrail{store: store, log: log.Component("audit_trail")}
}

// Append records one transition and returns its id.
func (a *AuditTrail) Append(ctx context.Context, rec *repository.AuditRecord) (string, error) {
	if err := prepareAudit(rec); err != nil {
		return "", err
	}
	if err := a.store.Append(ctx, rec); err != nil {
		return "", err
	}
	a.appended(rec)
	return rec.ID, nil
}

// prepareAudit validates rec and canonicalizes its entity type.
func prepareAudit(rec *repository.AuditRecord) error {
	switch {
	case rec.EntityType == "":
		return errors.InvalidInput("entityType", "entity type is required")
	case rec.EntityID == "":
		return errors.InvalidInput("entityId", "entity id is required")
	case rec.Action == "":
		return errors.InvalidInput("action", "action is required")
	case rec.ActingUserID == "":
		return errors.InvalidInput("actingUserId", "acting user is required")
	}
	rec.EntityType = canonicalType(rec.EntityType)
	return nil
}

func (a *AuditTrail) appended(rec *repository.AuditRecord) {
	a.log.Debug().
		Str("audit_id", rec.ID).
		Str("entity_type", rec.EntityType).
		Str("entity_id", rec.EntityID).
		Str("action", rec.Action).
		Msg("Audit record appended")
}

// Query returns the full history of one entity, oldest first.
func (a *AuditTrail) Query(ctx context.Context, entityType, entityID string) ([]*repository.AuditRecord, error) {
	if strings.TrimSpace(entityType) == "" || strings.TrimSpace(entityID) == "" {
		return nil, errors.InvalidInput("entity", "entity type and id are required")
	}
	records, err := a.store.Query(ctx, canonicalType(entityType), entityID)
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = []*repository.AuditRecord{}
	}
	return records, nil
}
