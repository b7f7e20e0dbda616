package httpmw

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/sandboxagent/agentd/internal/schema"
)

const sandboxTokenHeader = "x-sandbox-token"

// TokenAuth enforces the single process-wide bearer token described in §6.
// An empty token disables auth entirely (local/dev use).
func TokenAuth(token string) gin.HandlerFunc {
	if token == "" {
		return func(c *gin.Context) { c.Next() }
	}

	return func(c *gin.Context) {
		if !tokenMatches(c, token) {
			problem := schema.NewAgentError(schema.ErrorTokenInvalid, "missing or invalid bearer token")
			schema.WriteProblem(c.Writer, problem)
			c.Abort()
			return
		}
		c.Next()
	}
}

func tokenMatches(c *gin.Context, want string) bool {
	if h := c.GetHeader(sandboxTokenHeader); h != "" {
		return h == want
	}
	auth := c.GetHeader("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(auth, prefix) {
		return strings.TrimPrefix(auth, prefix) == want
	}
	return false
}
