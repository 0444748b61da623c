package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"expenseflow/fault"
	"expenseflow/models"
)

// Context keys for storing authenticated user information.
type contextKey string

const contextKeyClaims contextKey = "auth_claims"

var allowedRoles = map[models.Role]struct{}{
	models.RoleEmployee: {},
	models.RoleManager:  {},
	models.RoleAdmin:    {},
}

// Claims represents identity data extracted from the inbound request. Every
// identity is scoped to exactly one company; handlers never trust IDs from
// the request body or path for tenancy decisions.
type Claims struct {
	UserID    uuid.UUID
	CompanyID uuid.UUID
	Role      models.Role
}

// Authenticator verifies bearer credentials and attaches Claims to the
// request context. Production deployments verify HS256 JWTs; development
// deployments may additionally accept plain "uid|cid|role" tokens so local
// clients and tests can mint identities without a signer.
type Authenticator struct {
	secret        []byte
	allowInsecure bool
	leeway        time.Duration
	now           func() time.Time
}

// New constructs an Authenticator. secret is the HS256 signing key; it may be
// empty only when allowInsecure is set.
func New(secret string, allowInsecure bool) *Authenticator {
	return &Authenticator{
		secret:        []byte(secret),
		allowInsecure: allowInsecure,
		leeway:        30 * time.Second,
		now:           time.Now,
	}
}

// Authenticate enforces bearer authentication before invoking next.
func (a *Authenticator) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authz := strings.TrimSpace(r.Header.Get("Authorization"))
		if authz == "" {
			writeAuthError(w, http.StatusUnauthorized, "missing authorization")
			return
		}
		parts := strings.SplitN(authz, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			writeAuthError(w, http.StatusUnauthorized, "invalid authorization scheme")
			return
		}
		token := strings.TrimSpace(parts[1])
		if token == "" {
			writeAuthError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		claims, err := a.verify(token)
		if err != nil {
			writeAuthError(w, http.StatusUnauthorized, "invalid authorization token")
			return
		}
		ctx := context.WithValue(r.Context(), contextKeyClaims, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *Authenticator) verify(token string) (*Claims, error) {
	if a.allowInsecure && strings.Contains(token, "|") {
		return parseInsecureToken(token)
	}
	return a.verifyJWT(token)
}

// parseInsecureToken decodes the development-only "uid|cid|role" form.
func parseInsecureToken(token string) (*Claims, error) {
	parts := strings.Split(token, "|")
	if len(parts) != 3 {
		return nil, errors.New("insecure token must be uid|cid|role")
	}
	userID, err := uuid.Parse(strings.TrimSpace(parts[0]))
	if err != nil {
		return nil, fmt.Errorf("parse user id: %w", err)
	}
	companyID, err := uuid.Parse(strings.TrimSpace(parts[1]))
	if err != nil {
		return nil, fmt.Errorf("parse company id: %w", err)
	}
	role := models.Role(strings.ToLower(strings.TrimSpace(parts[2])))
	if _, ok := allowedRoles[role]; !ok {
		return nil, fmt.Errorf("role %q is not permitted", role)
	}
	return &Claims{UserID: userID, CompanyID: companyID, Role: role}, nil
}

func (a *Authenticator) verifyJWT(token string) (*Claims, error) {
	if len(a.secret) == 0 {
		return nil, errors.New("JWT verification is not configured")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(a.leeway),
	}
	if a.now != nil {
		opts = append(opts, jwt.WithTimeFunc(func() time.Time { return a.now() }))
	}
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errors.New("token validation failed")
	}

	userID, err := uuidClaim(claims, "sub")
	if err != nil {
		return nil, err
	}
	companyID, err := uuidClaim(claims, "cid")
	if err != nil {
		return nil, err
	}
	roleStr, _ := claims["role"].(string)
	role := models.Role(strings.ToLower(strings.TrimSpace(roleStr)))
	if _, ok := allowedRoles[role]; !ok {
		return nil, fmt.Errorf("role %q is not permitted", roleStr)
	}
	return &Claims{UserID: userID, CompanyID: companyID, Role: role}, nil
}

func uuidClaim(claims jwt.MapClaims, name string) (uuid.UUID, error) {
	raw, _ := claims[name].(string)
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return uuid.Nil, fmt.Errorf("token claim %q missing", name)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("token claim %q: %w", name, err)
	}
	return id, nil
}

// FromContext extracts the Claims previously attached by Authenticate.
func FromContext(ctx context.Context) (*Claims, error) {
	if ctx == nil {
		return nil, errors.New("missing context")
	}
	if claims, ok := ctx.Value(contextKeyClaims).(*Claims); ok && claims != nil {
		return claims, nil
	}
	return nil, errors.New("missing identity in context")
}

// WithClaims returns a context carrying the supplied claims. Intended for
// tests that exercise handlers below the middleware.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, contextKeyClaims, claims)
}

// RequireRole ensures the authenticated user has one of the allowed roles.
func RequireRole(roles ...models.Role) func(http.Handler) http.Handler {
	allowed := make(map[models.Role]struct{}, len(roles))
	for _, r := range roles {
		allowed[r] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := FromContext(r.Context())
			if err != nil {
				writeAuthError(w, http.StatusUnauthorized, "missing identity")
				return
			}
			if _, ok := allowed[claims.Role]; !ok {
				writeAuthError(w, http.StatusForbidden, "insufficient role")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeAuthError(w http.ResponseWriter, status int, message string) {
	kind := fault.Unauthorized
	if status == http.StatusForbidden {
		kind = fault.Forbidden
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   string(kind),
		"details": message,
	})
}
