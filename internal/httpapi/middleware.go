package httpapi

import (
	"net/http"

	"github.com/elysiawen/SubLinks-sub002/internal/model"
	"github.com/gin-gonic/gin"
)

// adminAuth guards session-authenticated admin routes. The session token
// comes from the X-Admin-Session header or the admin_session cookie.
func adminAuth(lookup SessionLookup) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader("X-Admin-Session")
		if token == "" {
			if cookie, err := c.Cookie("admin_session"); err == nil {
				token = cookie
			}
		}

		if lookup == nil || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "未登录或登录已过期"})
			return
		}
		user, ok := lookup(token)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "未登录或登录已过期"})
			return
		}
		if user.Role != model.RoleAdmin {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "需要管理员权限"})
			return
		}

		c.Set("admin_user", user.Username)
		c.Next()
	}
}
