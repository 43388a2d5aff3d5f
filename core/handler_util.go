package core

import "github.com/gin-gonic/gin"

// respondError sends the unified error payload {"error": {"code", "message"}}.
// Every failure surface in the pipeline goes through here so callers never
// see more detail than the code and a fixed message.
func respondError(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{"error": gin.H{"code": code, "message": message}})
}
