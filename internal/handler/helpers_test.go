package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-plt-workflow/internal/config"
	"github.com/pesio-ai/be-plt-workflow/internal/platform/identity"
	"github.com/pesio-ai/be-plt-workflow/internal/platform/logger"
	"github.com/pesio-ai/be-plt-workflow/internal/repository"
	"github.com/pesio-ai/be-plt-workflow/internal/service"
)

type fixture struct {
	executor *service.TransitionExecutor
	steps    *service.StepRegistry
	audit    *service.AuditTrail
	rules    *service.AbacRuleService
	matcher  *service.AbacMatcher
	ideas    *repository.MemoryEntityStore
	verifier *identity.Verifier
	router   http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logger.Nop()

	entities, err := service.NewEntityStoreRegistry(map[string]string{
		"IDEE_PROJET": "MATURATION",
		"PIP_ANNUEL":  "PIP",
		"PROJET":      "SUIVI",
	})
	require.NoError(t, err)
	ideas := repository.NewMemoryEntityStore()
	entities.Register("IDEE_PROJET", ideas)

	ruleStore := repository.NewMemoryRuleStore()
	f := &fixture{
		steps:    service.NewStepRegistry(repository.NewMemoryStepStore(), nil, nil, log),
		audit:    service.NewAuditTrail(repository.NewMemoryAuditStore(), log),
		matcher:  service.NewAbacMatcher(ruleStore, config.PolicyPermitAuthenticated, nil, log),
		ideas:    ideas,
		verifier: identity.NewVerifier("", "", ""),
	}
	f.rules = service.NewAbacRuleService(ruleStore, f.matcher, nil, log)
	f.executor = service.NewTransitionExecutor(f.steps, entities, f.audit, nil, nil, log)

	h := NewHTTPHandler(f.executor, f.steps, f.audit, f.rules, f.matcher, log)
	f.router = h.Router(RouterConfig{Verifier: f.verifier, AdminRole: "ADMIN"})
	return f
}

// do sends a request as user holding roles through the trusted headers.
func (f *fixture) do(t *testing.T, method, target, user string, roles []string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var payload []byte
	switch b := body.(type) {
	case nil:
	case string:
		payload = []byte(b)
	default:
		var err error
		payload, err = json.Marshal(b)
		require.NoError(t, err)
	}

	req := httptest.NewRequest(method, target, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(identity.HeaderUserID, user)
		req.Header.Set(identity.HeaderRoles, strings.Join(roles, ","))
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

var (
	admin = []string{"ADMIN"}
	agent = []string{"AGENT"}
)

func mat01Body() map[string]any {
	return map[string]any{
		"module":      "MATURATION",
		"code":        "MAT-01",
		"name":        "Soumission",
		"order":       1,
		"sourceState": "BROUILLON",
		"targetState": "SOUMIS",
		"active":      true,
	}
}
