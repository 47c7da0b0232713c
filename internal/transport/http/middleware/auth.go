package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	errUnauthorized = "Unauthorized"
	errForbidden    = "Operator role required"

	roleOperator = "operator"

	// Gin context keys read by the handlers.
	keyUserID   = "userID"
	keyOperator = "operator"
)

// claims are the bearer token fields the API understands. Requesters carry only
// a subject; operators also carry role=operator.
type claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Auth validates an HS256 Bearer JWT with an expiry and sets "userID" and
// "operator" in the gin context.
func Auth(jwtKey []byte) gin.HandlerFunc {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30*time.Second),
	)
	keyFunc := func(*jwt.Token) (any, error) { return jwtKey, nil }

	return func(c *gin.Context) {
		raw, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errUnauthorized})
			return
		}

		var cl claims
		if _, err := parser.ParseWithClaims(raw, &cl, keyFunc); err != nil || cl.Subject == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errUnauthorized})
			return
		}

		c.Set(keyUserID, cl.Subject)
		c.Set(keyOperator, cl.Role == roleOperator)
		c.Next()
	}
}

// RequireOperator runs after Auth and rejects callers without the operator role.
func RequireOperator() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !c.GetBool(keyOperator) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": errForbidden})
			return
		}
		c.Next()
	}
}
