// Package identity turns already-issued bearer tokens into a Principal. It
// never authenticates credentials; tokens come from the external identity
// provider.
package identity

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pesio-ai/be-plt-workflow/internal/platform/errors"
)

// Trusted headers read when no signing secret is configured (local runs
// behind a gateway that already validated the caller).
const (
	HeaderUserID     = "X-User-Id"
	HeaderRoles      = "X-User-Roles"
	HeaderDirections = "X-User-Directions"
)

// Principal is the authenticated caller.
type Principal struct {
	UserID       string   `json:"userId"`
	Roles        []string `json:"roles"`
	DirectionIDs []string `json:"directionIds"`
}

// HasRole reports whether p holds role.
func (p *Principal) HasRole(role string) bool {
	return p != nil && slices.Contains(p.Roles, role)
}

// Claims are the token claims this service reads. Roles may be carried flat
// or under realm_access as Keycloak does.
type Claims struct {
	jwt.RegisteredClaims
	PreferredUsername string   `json:"preferred_username,omitempty"`
	Roles             []string `json:"roles,omitempty"`
	DirectionIDs      []string `json:"direction_ids,omitempty"`
	RealmAccess       struct {
		Roles []string `json:"roles"`
	} `json:"realm_access,omitempty"`
}

// Verifier validates HS256 bearer tokens.
type Verifier struct {
	secret []byte
	parser *jwt.Parser
}

// NewVerifier creates a Verifier. An empty secret switches to trusted
// headers.
func NewVerifier(secret, issuer, audience string) *Verifier {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}
	return &Verifier{secret: []byte(secret), parser: jwt.NewParser(opts...)}
}

// TrustsHeaders reports whether the verifier reads identity from headers.
func (v *Verifier) TrustsHeaders() bool { return len(v.secret) == 0 }

// Verify parses and validates a raw token.
func (v *Verifier) Verify(raw string) (*Principal, error) {
	claims := &Claims{}
	_, err := v.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeUnauthorized, "invalid bearer token")
	}

	p := &Principal{
		UserID:       claims.Subject,
		Roles:        mergeRoles(claims.Roles, claims.RealmAccess.Roles),
		DirectionIDs: claims.DirectionIDs,
	}
	if p.UserID == "" {
		p.UserID = claims.PreferredUsername
	}
	if p.UserID == "" {
		return nil, errors.New(errors.ErrCodeUnauthorized, "token has no subject")
	}
	return p, nil
}

// Authenticate extracts the principal from an Authorization header value or,
// in trusted-header mode, from the lookup function.
func (v *Verifier) Authenticate(authorization string, header func(string) string) (*Principal, error) {
	if v.TrustsHeaders() {
		p := &Principal{
			UserID:       strings.TrimSpace(header(HeaderUserID)),
			Roles:        splitList(header(HeaderRoles)),
			DirectionIDs: splitList(header(HeaderDirections)),
		}
		if p.UserID == "" {
			return nil, errors.New(errors.ErrCodeUnauthorized, "missing "+HeaderUserID+" header")
		}
		return p, nil
	}

	token, ok := BearerToken(authorization)
	if !ok {
		return nil, errors.New(errors.ErrCodeUnauthorized, "missing bearer token")
	}
	return v.Verify(token)
}

// Middleware authenticates every request and stores the principal in its
// context. Unauthenticated requests get 401.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := v.Authenticate(r.Header.Get("Authorization"), r.Header.Get)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("WWW-Authenticate", "Bearer")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

// BearerToken returns the token of a "Bearer <token>" header value.
func BearerToken(authorization string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(authorization), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

type ctxKey struct{}

// WithPrincipal returns a copy of ctx carrying p.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

// FromContext returns the principal stored by Middleware.
func FromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(*Principal)
	return p, ok && p != nil
}

// Require returns the principal stored in ctx or an Unauthorized error.
func Require(ctx context.Context) (*Principal, error) {
	p, ok := FromContext(ctx)
	if !ok {
		return nil, errors.New(errors.ErrCodeUnauthorized, "no authenticated caller")
	}
	return p, nil
}

func mergeRoles(lists ...[]string) []string {
	var out []string
	for _, l := range lists {
		for _, r := range l {
			if r != "" && !slices.Contains(out, r) {
				out = append(out, r)
			}
		}
	}
	return out
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
