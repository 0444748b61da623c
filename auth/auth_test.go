package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"expenseflow/models"
)

const testSecret = "test-secret"

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func echoClaims(t *testing.T, captured **Claims) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := FromContext(r.Context())
		require.NoError(t, err)
		*captured = claims
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthenticateVerifiesJWT(t *testing.T) {
	a := New(testSecret, false)
	now := time.Date(2025, 10, 4, 12, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return now }

	userID, companyID := uuid.New(), uuid.New()
	token := signToken(t, testSecret, jwt.MapClaims{
		"sub":  userID.String(),
		"cid":  companyID.String(),
		"role": "manager",
		"exp":  now.Add(time.Hour).Unix(),
	})

	var got *Claims
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	a.Authenticate(echoClaims(t, &got)).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, userID, got.UserID)
	require.Equal(t, companyID, got.CompanyID)
	require.Equal(t, models.RoleManager, got.Role)
}

func TestAuthenticateRejections(t *testing.T) {
	a := New(testSecret, false)
	now := time.Date(2025, 10, 4, 12, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return now }
	userID, companyID := uuid.New(), uuid.New()

	cases := map[string]string{
		"expired token": signToken(t, testSecret, jwt.MapClaims{
			"sub": userID.String(), "cid": companyID.String(), "role": "employee",
			"exp": now.Add(-time.Hour).Unix(),
		}),
		"wrong secret": signToken(t, "other-secret", jwt.MapClaims{
			"sub": userID.String(), "cid": companyID.String(), "role": "employee",
			"exp": now.Add(time.Hour).Unix(),
		}),
		"missing cid": signToken(t, testSecret, jwt.MapClaims{
			"sub": userID.String(), "role": "employee",
			"exp": now.Add(time.Hour).Unix(),
		}),
		"unknown role": signToken(t, testSecret, jwt.MapClaims{
			"sub": userID.String(), "cid": companyID.String(), "role": "superuser",
			"exp": now.Add(time.Hour).Unix(),
		}),
		"not a token": "garbage",
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("Authorization", "Bearer "+token)
			rec := httptest.NewRecorder()
			a.Authenticate(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
				t.Fatal("handler must not run")
			})).ServeHTTP(rec, req)
			require.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}

func TestAuthenticateExpiredWithinLeeway(t *testing.T) {
	a := New(testSecret, false)
	now := time.Date(2025, 10, 4, 12, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return now }

	token := signToken(t, testSecret, jwt.MapClaims{
		"sub":  uuid.New().String(),
		"cid":  uuid.New().String(),
		"role": "employee",
		"exp":  now.Add(-10 * time.Second).Unix(),
	})
	var got *Claims
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	a.Authenticate(echoClaims(t, &got)).ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, "30s leeway covers a 10s-expired token")
}

func TestAuthenticateHeaderShapes(t *testing.T) {
	a := New(testSecret, false)
	cases := map[string]string{
		"missing header": "",
		"wrong scheme":   "Basic dXNlcjpwYXNz",
		"empty token":    "Bearer ",
	}
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			rec := httptest.NewRecorder()
			a.Authenticate(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
				t.Fatal("handler must not run")
			})).ServeHTTP(rec, req)
			require.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}

func TestInsecureTokensOnlyWhenEnabled(t *testing.T) {
	userID, companyID := uuid.New(), uuid.New()
	raw := userID.String() + "|" + companyID.String() + "|admin"

	insecure := New("", true)
	var got *Claims
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+raw)
	rec := httptest.NewRecorder()
	insecure.Authenticate(echoClaims(t, &got)).ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, models.RoleAdmin, got.Role)

	strict := New(testSecret, false)
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+raw)
	rec = httptest.NewRecorder()
	strict.Authenticate(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run")
	})).ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code, "pipe tokens are dev-only")
}

func TestParseInsecureTokenValidation(t *testing.T) {
	for name, token := range map[string]string{
		"two parts":    uuid.New().String() + "|employee",
		"bad user id":  "nope|" + uuid.New().String() + "|employee",
		"bad role":     uuid.New().String() + "|" + uuid.New().String() + "|root",
		"empty fields": "||",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := parseInsecureToken(token)
			require.Error(t, err)
		})
	}
}

func TestRequireRole(t *testing.T) {
	gate := RequireRole(models.RoleManager, models.RoleAdmin)
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	run := func(claims *Claims) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if claims != nil {
			req = req.WithContext(WithClaims(req.Context(), claims))
		}
		rec := httptest.NewRecorder()
		gate(next).ServeHTTP(rec, req)
		return rec.Code
	}

	require.Equal(t, http.StatusOK, run(&Claims{UserID: uuid.New(), CompanyID: uuid.New(), Role: models.RoleAdmin}))
	require.Equal(t, http.StatusOK, run(&Claims{UserID: uuid.New(), CompanyID: uuid.New(), Role: models.RoleManager}))
	require.Equal(t, http.StatusForbidden, run(&Claims{UserID: uuid.New(), CompanyID: uuid.New(), Role: models.RoleEmployee}))
	require.Equal(t, http.StatusUnauthorized, run(nil))
}

func TestFromContextWithoutClaims(t *testing.T) {
	_, err := FromContext(httptest.NewRequest(http.MethodGet, "/", nil).Context())
	require.Error(t, err)
}
