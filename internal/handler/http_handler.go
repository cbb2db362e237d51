package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pesio-ai/be-plt-workflow/internal/platform/errors"
	"github.com/pesio-ai/be-plt-workflow/internal/platform/identity"
	"github.com/pesio-ai/be-plt-workflow/internal/platform/logger"
	"github.com/pesio-ai/be-plt-workflow/internal/repository"
	"github.com/pesio-ai/be-plt-workflow/internal/service"
)

const maxBodyBytes = 1 << 20

// HTTPHandler serves the workflow and ABAC administration REST API.
type HTTPHandler struct {
	executor *service.TransitionExecutor
	steps    *service.StepRegistry
	audit    *service.AuditTrail
	rules    *service.AbacRuleService
	matcher  *service.AbacMatcher
	log      *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler.
func NewHTTPHandler(
	executor *service.TransitionExecutor,
	steps *service.StepRegistry,
	audit *service.AuditTrail,
	rules *service.AbacRuleService,
	matcher *service.AbacMatcher,
	log *logger.Logger,
) *HTTPHandler {
	return &HTTPHandler{
		executor: executor,
		steps:    steps,
		audit:    audit,
		rules:    rules,
		matcher:  matcher,
		log:      log,
	}
}

// RouterConfig carries the cross-cutting pieces of the router.
type RouterConfig struct {
	Verifier       *identity.Verifier
	AdminRole      string
	RequestTimeout time.Duration
	Gatherer       prometheus.Gatherer // nil disables /metrics
}

// Router builds the full middleware chain and route table. Every /api/v1
// route is authenticated and passes the ABAC gate; the route patterns are
// registered as the protected-endpoint reference list.
func (h *HTTPHandler) Router(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(accessLog(h.log.Logger))
	r.Use(recovery)
	r.Use(middleware.RealIP)
	if cfg.RequestTimeout > 0 {
		r.Use(middleware.Timeout(cfg.RequestTimeout))
	}

	r.Get("/health", h.Health)
	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	api := chi.NewRouter()
	api.Use(cfg.Verifier.Middleware)
	api.Use(abacGate(h.matcher))

	api.Route("/workflow", func(wf chi.Router) {
		wf.Post("/transitions", h.ExecuteTransition)
		wf.Get("/history/{entityType}/{entityId}", h.GetHistory)

		wf.Route("/steps", func(st chi.Router) {
			st.Get("/", h.ListSteps)
			st.Get("/available", h.ListAvailableSteps)
			st.Get("/by-code/{module}/{code}", h.GetStepByCode)
			st.Get("/{id}", h.GetStep)
			st.Group(func(admin chi.Router) {
				admin.Use(requireRole(cfg.AdminRole))
				admin.Post("/", h.CreateStep)
				admin.Post("/import", h.ImportSteps)
				admin.Put("/{id}", h.UpdateStep)
				admin.Delete("/{id}", h.DeleteStep)
			})
		})
	})

	api.Route("/admin", func(adm chi.Router) {
		adm.Use(requireRole(cfg.AdminRole))
		adm.Get("/abac-endpoints", h.ListEndpoints)
		adm.Post("/abac/resolve", h.ResolveAccess)
		adm.Route("/abac-rules", func(ar chi.Router) {
			ar.Get("/", h.ListRules)
			ar.Post("/", h.CreateRule)
			ar.Put("/group", h.SaveRuleGroup)
			ar.Get("/{id}", h.GetRule)
			ar.Put("/{id}", h.UpdateRule)
			ar.Delete("/{id}", h.DeleteRule)
		})
	})

	r.Mount("/api/v1", api)
	h.registerEndpoints(api)
	return r
}

func (h *HTTPHandler) registerEndpoints(api chi.Routes) {
	var endpoints []string
	_ = chi.Walk(api, func(_ string, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		endpoints = append(endpoints, "/api/v1"+strings.TrimSuffix(route, "/"))
		return nil
	})
	h.rules.RegisterEndpoints(endpoints...)
}

// Health reports liveness and the snapshot versions in use.
func (h *HTTPHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "healthy",
		"steps_version": h.steps.Version(),
		"rules_version": h.matcher.Version(),
	})
}

// ── workflow ──────────────────────────────────────────────────────────────────

type transitionBody struct {
	EntityType string `json:"entityType"`
	EntityID   string `json:"entityId"`
	StepCode   string `json:"stepCode"`
	Comment    string `json:"comment,omitempty"`
}

// ExecuteTransition applies a step to an entity on behalf of the caller.
func (h *HTTPHandler) ExecuteTransition(w http.ResponseWriter, r *http.Request) {
	var body transitionBody
	if !decodeJSON(w, r, &body) {
		return
	}
	p, err := identity.Require(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}

	ok, err := h.executor.ExecuteTransition(r.Context(), service.TransitionRequest{
		EntityType:   body.EntityType,
		EntityID:     body.EntityID,
		StepCode:     body.StepCode,
		ActingUserID: p.UserID,
		Roles:        p.Roles,
		Comment:      body.Comment,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": ok})
}

// ListAvailableSteps returns the legal next steps for ?module=&state=.
func (h *HTTPHandler) ListAvailableSteps(w http.ResponseWriter, r *http.Request) {
	module := repository.Module(strings.ToUpper(r.URL.Query().Get("module")))
	state := r.URL.Query().Get("state")
	if state == "" {
		writeError(w, r, errors.InvalidInput("state", "state is required"))
		return
	}

	steps, err := h.steps.GetAvailableSteps(r.Context(), module, state)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, steps)
}

// GetHistory returns the ordered audit trail of one entity.
func (h *HTTPHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	records, err := h.audit.Query(r.Context(), chi.URLParam(r, "entityType"), chi.URLParam(r, "entityId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// ── steps ─────────────────────────────────────────────────────────────────────

func (h *HTTPHandler) ListSteps(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	active, _ := strconv.ParseBool(q.Get("active"))
	steps, err := h.steps.List(r.Context(), repository.StepFilter{
		Module:     repository.Module(strings.ToUpper(q.Get("module"))),
		ActiveOnly: active,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, steps)
}

func (h *HTTPHandler) GetStep(w http.ResponseWriter, r *http.Request) {
	step, err := h.steps.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, step)
}

func (h *HTTPHandler) GetStepByCode(w http.ResponseWriter, r *http.Request) {
	module := repository.Module(strings.ToUpper(chi.URLParam(r, "module")))
	step, err := h.steps.GetByCode(r.Context(), module, chi.URLParam(r, "code"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, step)
}

func (h *HTTPHandler) CreateStep(w http.ResponseWriter, r *http.Request) {
	var step repository.WorkflowStep
	if !decodeJSON(w, r, &step) {
		return
	}
	created, err := h.steps.Create(r.Context(), &step)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *HTTPHandler) UpdateStep(w http.ResponseWriter, r *http.Request) {
	var step repository.WorkflowStep
	if !decodeJSON(w, r, &step) {
		return
	}
	updated, err := h.steps.Update(r.Context(), chi.URLParam(r, "id"), &step)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *HTTPHandler) DeleteStep(w http.ResponseWriter, r *http.Request) {
	if err := h.steps.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ImportSteps upserts a YAML step catalog sent as the request body.
func (h *HTTPHandler) ImportSteps(w http.ResponseWriter, r *http.Request) {
	res, err := h.steps.ImportSteps(r.Context(), http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ── abac administration ───────────────────────────────────────────────────────

func (h *HTTPHandler) ListEndpoints(w http.ResponseWriter, r *http.Request) {
	endpoints, err := h.rules.ListEndpoints(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, endpoints)
}

func (h *HTTPHandler) ListRules(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	enabled, _ := strconv.ParseBool(q.Get("enabled"))
	rules, err := h.rules.ListRules(r.Context(), repository.RuleFilter{
		Endpoint:    q.Get("endpoint"),
		EnabledOnly: enabled,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rules)
}

func (h *HTTPHandler) GetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.rules.GetRule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (h *HTTPHandler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var rule repository.AbacRule
	if !decodeJSON(w, r, &rule) {
		return
	}
	created, err := h.rules.CreateRule(r.Context(), &rule)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *HTTPHandler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	var rule repository.AbacRule
	if !decodeJSON(w, r, &rule) {
		return
	}
	updated, err := h.rules.UpdateRule(r.Context(), chi.URLParam(r, "id"), &rule)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *HTTPHandler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	if err := h.rules.DeleteRule(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type ruleGroupBody struct {
	Endpoint string                 `json:"endpoint"`
	Actions  []service.ActionConfig `json:"actions"`
}

// SaveRuleGroup applies the access editor's per-endpoint submission.
func (h *HTTPHandler) SaveRuleGroup(w http.ResponseWriter, r *http.Request) {
	var body ruleGroupBody
	if !decodeJSON(w, r, &body) {
		return
	}
	res, err := h.rules.SaveGroup(r.Context(), body.Endpoint, body.Actions)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ResolveAccess evaluates an access request without performing it.
func (h *HTTPHandler) ResolveAccess(w http.ResponseWriter, r *http.Request) {
	var req service.AccessRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !req.Action.Valid() {
		writeError(w, r, errors.InvalidInput("action", "action must be one of CREATE, READ, UPDATE, DELETE"))
		return
	}
	writeJSON(w, http.StatusOK, h.matcher.Resolve(r.Context(), req))
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		writeError(w, r, errors.InvalidInput("body", "invalid request body"))
		return false
	}
	return true
}
