package server

import (
	"crypto/subtle"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/creditline/internal/authorization"
)

const callerRoleKey = "caller_role"

// InternalAuthRequired authenticates trusted callers with a shared bearer
// token and records the role the token grants.
func (s *Server) InternalAuthRequired() gin.HandlerFunc {
	serviceToken := []byte(s.cfg.InternalAPIToken)
	adminToken := []byte(s.cfg.AdminAPIToken)
	return func(c *gin.Context) {
		if len(serviceToken) == 0 && len(adminToken) == 0 {
			if s.cfg.IsProduction() {
				AbortWithError(c, ErrUnauthorized)
				return
			}
			c.Set(callerRoleKey, authorization.RoleAdmin)
			c.Next()
			return
		}

		parts := strings.Fields(strings.TrimSpace(c.GetHeader("Authorization")))
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		presented := []byte(parts[1])
		switch {
		case tokenMatches(presented, adminToken):
			c.Set(callerRoleKey, authorization.RoleAdmin)
		case tokenMatches(presented, serviceToken):
			c.Set(callerRoleKey, authorization.RoleService)
		default:
			AbortWithError(c, ErrUnauthorized)
			return
		}

		c.Next()
	}
}

// authorizeAction checks the caller role against the policy for object and action.
func (s *Server) authorizeAction(object, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.authzSvc == nil {
			c.Next()
			return
		}
		if err := s.authzSvc.Authorize(c.Request.Context(), c.GetString(callerRoleKey), object, action); err != nil {
			AbortWithError(c, err)
			return
		}
		c.Next()
	}
}

func tokenMatches(presented, expected []byte) bool {
	if len(expected) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare(presented, expected) == 1
}
