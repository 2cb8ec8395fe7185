package rbac

import (
	"net/http"

	"telehealth-rtc/internal/auth"

	"github.com/gin-gonic/gin"
)

// DenyFunc is told about every forbidden request; the audit trail hooks in here.
type DenyFunc func(c *gin.Context, userID, role string)

// RequireAnyRole allows access if the caller has any of the provided roles.
// Rules:
// - admin bypasses all checks
// - unknown roles are always denied
func RequireAnyRole(onDeny DenyFunc, allowed ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		role, err := auth.Role(c.Request.Context())
		if err != nil || role == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "role required"})
			return
		}

		if !IsKnown(role) || !Allows(role, allowed...) {
			if onDeny != nil {
				uid, _ := auth.UserID(c.Request.Context())
				onDeny(c, uid, role)
			}
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}
