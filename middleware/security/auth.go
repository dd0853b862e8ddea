package security

import (
	"net/http"
	"strings"

	"IMProject/tools/errs"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// CtxUserID is the gin context key the middleware stores the
// authenticated user id under.
const CtxUserID = "userID"

type claims struct {
	UserID string `json:"userId"`
	jwt.RegisteredClaims
}

// TokenFromRequest pulls the bearer token from the Authorization header,
// falling back to the token query parameter for websocket clients that
// cannot set headers.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// ParseToken validates an HS256 token and returns the user id it carries.
func ParseToken(secret, token string) (string, error) {
	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errs.ErrForbidden.WithDetail("unexpected signing method")
		}
		return []byte(secret), nil
	})
	if err != nil || !parsed.Valid {
		return "", errs.ErrForbidden.WithDetail("invalid token")
	}
	uid := c.UserID
	if uid == "" {
		uid = c.Subject
	}
	if uid == "" {
		return "", errs.ErrForbidden.WithDetail("token carries no user")
	}
	return uid, nil
}

// Auth guards a route group: requests without a valid token are rejected
// before the upgrade.
func Auth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := TokenFromRequest(c.Request)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			return
		}
		uid, err := ParseToken(secret, token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(CtxUserID, uid)
		c.Next()
	}
}
