package handler

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rs/zerolog"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-plt-workflow/internal/platform/errors"
	"github.com/pesio-ai/be-plt-workflow/internal/platform/identity"
	"github.com/pesio-ai/be-plt-workflow/internal/repository"
	"github.com/pesio-ai/be-plt-workflow/internal/service"
	"github.com/pesio-ai/be-plt-workflow/internal/workflowpb"
)

// GRPCHandler implements workflowpb.WorkflowServiceServer.
type GRPCHandler struct {
	executor  *service.TransitionExecutor
	steps     *service.StepRegistry
	audit     *service.AuditTrail
	matcher   *service.AbacMatcher
	adminRole string
	logger    zerolog.Logger
}

// NewGRPCHandler creates a new gRPC handler.
func NewGRPCHandler(
	executor *service.TransitionExecutor,
	steps *service.StepRegistry,
	audit *service.AuditTrail,
	matcher *service.AbacMatcher,
	adminRole string,
	logger zerolog.Logger,
) *GRPCHandler {
	return &GRPCHandler{
		executor:  executor,
		steps:     steps,
		audit:     audit,
		matcher:   matcher,
		adminRole: adminRole,
		logger:    logger.With().Str("handler", "grpc").Logger(),
	}
}

var _ workflowpb.WorkflowServiceServer = (*GRPCHandler)(nil)

// ExecuteTransition applies a step on behalf of the authenticated caller.
func (h *GRPCHandler) ExecuteTransition(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	p, err := identity.Require(ctx)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	tr := service.TransitionRequest{
		EntityType:   str(req, "entityType"),
		EntityID:     str(req, "entityId"),
		StepCode:     str(req, "stepCode"),
		Comment:      str(req, "comment"),
		ActingUserID: p.UserID,
		Roles:        p.Roles,
	}
	h.logger.Info().
		Str("entity_type", tr.EntityType).
		Str("entity_id", tr.EntityID).
		Str("step_code", tr.StepCode).
		Msg("gRPC ExecuteTransition called")

	ok, err := h.executor.ExecuteTransition(ctx, tr)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return toStruct(map[string]any{"success": ok})
}

// ListAvailableSteps returns the legal next steps for a module and state.
func (h *GRPCHandler) ListAvailableSteps(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	module := repository.Module(strings.ToUpper(str(req, "module")))
	state := str(req, "state")
	if state == "" {
		return nil, mapErrorToGRPC(errors.InvalidInput("state", "state is required"))
	}
	steps, err := h.steps.GetAvailableSteps(ctx, module, state)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return toStruct(map[string]any{"steps": steps})
}

// GetHistory returns the ordered audit trail of one entity.
func (h *GRPCHandler) GetHistory(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	records, err := h.audit.Query(ctx, str(req, "entityType"), str(req, "entityId"))
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return toStruct(map[string]any{"records": records})
}

// ResolveAccess evaluates an access request. Callers may only ask about
// their own roles and scopes unless they hold the admin role.
func (h *GRPCHandler) ResolveAccess(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	p, err := identity.Require(ctx)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	ar := service.AccessRequest{
		Endpoint: str(req, "endpoint"),
		Action:   repository.Action(strings.ToUpper(str(req, "action"))),
		Roles:    p.Roles,
		Scopes:   p.DirectionIDs,
	}
	if !ar.Action.Valid() {
		return nil, mapErrorToGRPC(errors.InvalidInput("action", "action must be one of CREATE, READ, UPDATE, DELETE"))
	}
	if roles, ok := strs(req, "roles"); ok {
		if !p.HasRole(h.adminRole) {
			return nil, mapErrorToGRPC(errors.PermissionDenied("role " + h.adminRole + " is required to resolve for other roles"))
		}
		ar.Roles = roles
		ar.Scopes, _ = strs(req, "scopes")
	}
	return toStruct(h.matcher.Resolve(ctx, ar))
}

// ── struct helpers ────────────────────────────────────────────────────────────

func str(s *structpb.Struct, key string) string {
	if v, ok := s.GetFields()[key]; ok {
		return strings.TrimSpace(v.GetStringValue())
	}
	return ""
}

func strs(s *structpb.Struct, key string) ([]string, bool) {
	v, ok := s.GetFields()[key]
	if !ok {
		return nil, false
	}
	var out []string
	for _, item := range v.GetListValue().GetValues() {
		if sv := item.GetStringValue(); sv != "" {
			out = append(out, sv)
		}
	}
	return out, true
}

// toStruct converts any JSON-encodable value into a Struct through its JSON
// form, so gRPC and REST share field names.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, mapErrorToGRPC(errors.Wrap(err, errors.ErrCodeInternal, "failed to encode response"))
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, mapErrorToGRPC(errors.Wrap(err, errors.ErrCodeInternal, "failed to encode response"))
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, mapErrorToGRPC(errors.Wrap(err, errors.ErrCodeInternal, "failed to encode response"))
	}
	return s, nil
}
