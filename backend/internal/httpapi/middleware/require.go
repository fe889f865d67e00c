package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"collabEngine/backend/internal/perm"
)

// RequireLevel 卡在 AuthMiddleware 之后，令牌级别不够直接 403。
func RequireLevel(min perm.Level) gin.HandlerFunc {
	return func(c *gin.Context) {
		lv, ok := c.Get("permLevel")
		if !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"code": "PERMISSION_DENIED"})
			return
		}
		level, ok := lv.(perm.Level)
		if !ok || level < min {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"code": "PERMISSION_DENIED"})
			return
		}
		c.Next()
	}
}
