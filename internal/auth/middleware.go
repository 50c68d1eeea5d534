package auth

import (
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const identityKey = "identity"

// Middleware authenticates bearer tokens signed with secret. The subject
// claim must be a wallet address; it becomes the request identity.
func Middleware(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		claims := &jwt.RegisteredClaims{}
		_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
			return secret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		if !common.IsHexAddress(claims.Subject) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "token subject is not a wallet address"})
			return
		}

		c.Set(identityKey, NormalizeIdentity(claims.Subject))
		c.Next()
	}
}

// Identity returns the authenticated wallet address, or "" when the
// middleware did not run.
func Identity(c *gin.Context) string {
	return c.GetString(identityKey)
}

// SetIdentity stores an identity on the context
func SetIdentity(c *gin.Context, identity string) {
	c.Set(identityKey, NormalizeIdentity(identity))
}

// IssueToken signs a token for identity. Used by tooling and tests.
func IssueToken(secret []byte, identity string, claims jwt.RegisteredClaims) (string, error) {
	claims.Subject = NormalizeIdentity(identity)
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
