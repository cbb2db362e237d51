package handler

import (
	"net/http"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/pesio-ai/be-plt-workflow/internal/platform/errors"
	"github.com/pesio-ai/be-plt-workflow/internal/platform/identity"
	"github.com/pesio-ai/be-plt-workflow/internal/repository"
	"github.com/pesio-ai/be-plt-workflow/internal/service"
)

// accessLog wires zerolog into the request context and logs one line per
// request.
func accessLog(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		h := hlog.AccessHandler(func(r *http.Request, status, size int, d time.Duration) {
			hlog.FromRequest(r).Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Int("size", size).
				Dur("duration", d).
				Msg("HTTP request")
		})(next)
		h = hlog.RemoteAddrHandler("remote_addr")(h)
		h = hlog.RequestIDHandler("request_id", "X-Request-Id")(h)
		return hlog.NewHandler(log)(h)
	}
}

// recovery turns a handler panic into a 500 so the process keeps serving.
func recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				hlog.FromRequest(r).Error().
					Interface("panic", rec).
					Bytes("stack", debug.Stack()).
					Msg("Recovered from handler panic")
				writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error", Code: string(errors.ErrCodeInternal)})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// ActionForMethod maps an HTTP method to the CRUD action it performs.
func ActionForMethod(method string) repository.Action {
	switch method {
	case http.MethodPost:
		return repository.ActionCreate
	case http.MethodPut, http.MethodPatch:
		return repository.ActionUpdate
	case http.MethodDelete:
		return repository.ActionDelete
	default:
		return repository.ActionRead
	}
}

// abacGate consults the matcher for every request. It must run after the
// identity middleware.
func abacGate(matcher *service.AbacMatcher) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, _ := identity.FromContext(r.Context())
			req := service.AccessRequest{
				Endpoint: r.URL.Path,
				Action:   ActionForMethod(r.Method),
			}
			if p != nil {
				req.Roles, req.Scopes = p.Roles, p.DirectionIDs
			}

			d := matcher.Resolve(r.Context(), req)
			if !d.Permitted() {
				hlog.FromRequest(r).Info().
					Str("endpoint", req.Endpoint).
					Str("action", string(req.Action)).
					Str("reason", d.Reason).
					Str("rule_id", d.RuleID).
					Msg("Access denied")
				writeJSON(w, http.StatusForbidden, errorBody{
					Error: "access denied: " + d.Reason,
					Code:  string(errors.ErrCodePermissionDenied),
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requireRole rejects callers lacking role. An empty role disables the check.
func requireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if role != "" {
				p, _ := identity.FromContext(r.Context())
				if !p.HasRole(role) {
					writeError(w, r, errors.PermissionDenied("role "+role+" is required"))
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
