package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/flowrelay/flowrelay/pkg/flow"
	"github.com/flowrelay/flowrelay/pkg/flowstore"
)

// writeStoreError maps store and compiler errors to HTTP responses.
func (s *Server) writeStoreError(c *gin.Context, err error) {
	if errors.Is(err, flowstore.ErrFlowNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "flow not found"})
		return
	}
	var compileErr *flow.CompileError
	if errors.As(err, &compileErr) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":  "flow failed validation",
			"issues": compileErr.Issues,
		})
		return
	}
	s.logger.Error("Unexpected store error", "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
}
