package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ErlanBelekov/escrow-orchestrator/internal/transport/http/middleware"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const testKey = "middleware-test-secret-32-chars!!"

func init() {
	gin.SetMode(gin.TestMode)
}

// newEngine protects GET /protected with Auth and GET /ops with Auth plus RequireOperator.
// Handlers echo the identity Auth stored so tests can assert it.
func newEngine() *gin.Engine {
	r := gin.New()
	echo := func(c *gin.Context) {
		c.String(http.StatusOK, "%s operator=%t", c.GetString("userID"), c.GetBool("operator"))
	}
	r.GET("/protected", middleware.Auth([]byte(testKey)), echo)
	r.GET("/ops", middleware.Auth([]byte(testKey)), middleware.RequireOperator(), echo)
	return r
}

func makeJWT(t *testing.T, key []byte, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign jwt: %v", err)
	}
	return s
}

func serve(path, authorization string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	newEngine().ServeHTTP(w, req)
	return w
}

func TestAuth_Rejects(t *testing.T) {
	valid := jwt.MapClaims{"sub": "user-1", "exp": time.Now().Add(time.Hour).Unix()}

	tests := []struct {
		name   string
		header func(t *testing.T) string
	}{
		{"missing header", func(*testing.T) string { return "" }},
		{"basic scheme", func(*testing.T) string { return "Basic dXNlcjpwYXNz" }},
		{"malformed token", func(*testing.T) string { return "Bearer not.a.jwt" }},
		{"expired", func(t *testing.T) string {
			return "Bearer " + makeJWT(t, []byte(testKey), jwt.MapClaims{
				"sub": "user-1",
				"exp": time.Now().Add(-time.Hour).Unix(),
			})
		}},
		{"wrong key", func(t *testing.T) string {
			return "Bearer " + makeJWT(t, []byte("different-key-that-is-32-chars!!"), valid)
		}},
		{"no subject", func(t *testing.T) string {
			return "Bearer " + makeJWT(t, []byte(testKey), jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()})
		}},
		{"no expiry", func(t *testing.T) string {
			return "Bearer " + makeJWT(t, []byte(testKey), jwt.MapClaims{"sub": "user-1"})
		}},
		{"other hmac size", func(t *testing.T) string {
			s, err := jwt.NewWithClaims(jwt.SigningMethodHS512, valid).SignedString([]byte(testKey))
			if err != nil {
				t.Fatalf("sign: %v", err)
			}
			return "Bearer " + s
		}},
		{"unsigned", func(t *testing.T) string {
			s, err := jwt.NewWithClaims(jwt.SigningMethodNone, valid).SignedString(jwt.UnsafeAllowNoneSignatureType)
			if err != nil {
				t.Fatalf("sign: %v", err)
			}
			return "Bearer " + s
		}},
		{"empty bearer", func(*testing.T) string { return "Bearer " }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := serve("/protected", tt.header(t)); w.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", w.Code)
			}
		})
	}
}

func TestAuth_SetsIdentity(t *testing.T) {
	tests := []struct {
		name   string
		claims jwt.MapClaims
		want   string
	}{
		{"requester", jwt.MapClaims{"sub": "user-abc"}, "user-abc operator=false"},
		{"operator", jwt.MapClaims{"sub": "ops-1", "role": "operator"}, "ops-1 operator=true"},
		{"other role", jwt.MapClaims{"sub": "bill-1", "role": "billing"}, "bill-1 operator=false"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.claims["exp"] = time.Now().Add(time.Hour).Unix()
			w := serve("/protected", "Bearer "+makeJWT(t, []byte(testKey), tt.claims))

			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", w.Code)
			}
			if got := w.Body.String(); got != tt.want {
				t.Errorf("body = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRequireOperator(t *testing.T) {
	exp := time.Now().Add(time.Hour).Unix()

	requester := makeJWT(t, []byte(testKey), jwt.MapClaims{"sub": "user-1", "exp": exp})
	if w := serve("/ops", "Bearer "+requester); w.Code != http.StatusForbidden {
		t.Errorf("requester status = %d, want 403", w.Code)
	}

	operator := makeJWT(t, []byte(testKey), jwt.MapClaims{"sub": "ops-1", "role": "operator", "exp": exp})
	if w := serve("/ops", "Bearer "+operator); w.Code != http.StatusOK {
		t.Errorf("operator status = %d, want 200", w.Code)
	}
}
