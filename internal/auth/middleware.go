package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// PrincipalKey is the gin context key holding the authenticated Principal.
const PrincipalKey = "auth_principal"

// GinAuth rejects requests without valid credentials. Safe methods need
// read access; everything else needs write access. A disabled gate lets
// every request through.
func (g *Gate) GinAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !g.Enabled() {
			c.Next()
			return
		}
		p, err := g.Authenticate(c.Request)
		if err != nil {
			if _, _, basic := c.Request.BasicAuth(); !basic {
				c.Header("WWW-Authenticate", `Basic realm="botkeeper"`)
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "authentication_failed",
				"message": "Authentication required",
			})
			return
		}
		if !p.Can(actionOf(c.Request.Method)) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "permission_denied",
				"message": "Insufficient permissions",
			})
			return
		}
		c.Set(PrincipalKey, p)
		c.Next()
	}
}

// FromContext returns the principal GinAuth stored, if any.
func FromContext(c *gin.Context) (Principal, bool) {
	v, ok := c.Get(PrincipalKey)
	if !ok {
		return Principal{}, false
	}
	p, ok := v.(Principal)
	return p, ok
}

func actionOf(method string) Action {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return ActionRead
	}
	return ActionWrite
}
