package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"messaging-service/internal/auth"
	"messaging-service/internal/models"
)

const partyContextKey = "party"

// AuthMiddleware validates the Authorization header and stores the acting
// party in the request context.
func AuthMiddleware(verifier *auth.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
			return
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization header"})
			return
		}

		party, err := verifier.Verify(parts[1])
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set(partyContextKey, party)
		c.Next()
	}
}

// PartyFromContext returns the authenticated party set by AuthMiddleware.
func PartyFromContext(c *gin.Context) (models.Party, bool) {
	val, ok := c.Get(partyContextKey)
	if !ok {
		return models.Party{}, false
	}
	party, ok := val.(models.Party)
	return party, ok
}
