package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/flowrelay/flowrelay/pkg/flow"
)

// CreateFlowRequest is the body for POST /api/flows.
type CreateFlowRequest struct {
	TenantID string     `json:"tenant_id"`
	Flow     *flow.Flow `json:"flow" binding:"required"`
}

// CreateFlow handles POST /api/flows. The definition must compile before
// it is persisted; warnings are returned but do not block.
func (s *Server) CreateFlow(c *gin.Context) {
	var req CreateFlowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	compiled, err := flow.Compile(req.Flow)
	if err != nil {
		s.writeStoreError(c, err)
		return
	}
	if err := s.flows.CreateFlow(c.Request.Context(), req.TenantID, req.Flow); err != nil {
		s.writeStoreError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"id":       req.Flow.ID,
		"version":  1,
		"warnings": compiled.Warnings,
	})
}

// ListFlows handles GET /api/flows?tenant_id=.
func (s *Server) ListFlows(c *gin.Context) {
	records, err := s.flows.ListFlows(c.Request.Context(), c.Query("tenant_id"))
	if err != nil {
		s.writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"flows": records})
}

// GetFlow handles GET /api/flows/:id.
func (s *Server) GetFlow(c *gin.Context) {
	def, version, err := s.flows.GetFlow(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"flow": def, "version": version})
}

// UpdateFlowRequest is the body for PUT /api/flows/:id.
type UpdateFlowRequest struct {
	Flow *flow.Flow `json:"flow" binding:"required"`
}

// UpdateFlow handles PUT /api/flows/:id: full replacement of the
// definition, bumping the version and snapshotting the history.
func (s *Server) UpdateFlow(c *gin.Context) {
	flowID := c.Param("id")

	var req UpdateFlowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Flow.ID != flowID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "flow id in body does not match path"})
		return
	}

	compiled, err := flow.Compile(req.Flow)
	if err != nil {
		s.writeStoreError(c, err)
		return
	}

	_, version, err := s.flows.GetFlow(c.Request.Context(), flowID)
	if err != nil {
		s.writeStoreError(c, err)
		return
	}
	if err := s.flows.SaveVersion(c.Request.Context(), req.Flow, version+1); err != nil {
		s.writeStoreError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"id":       flowID,
		"version":  version + 1,
		"warnings": compiled.Warnings,
	})
}

// DeleteFlow handles DELETE /api/flows/:id.
func (s *Server) DeleteFlow(c *gin.Context) {
	if err := s.flows.DeleteFlow(c.Request.Context(), c.Param("id")); err != nil {
		s.writeStoreError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GetFlowVersion handles GET /api/flows/:id/versions/:version.
func (s *Server) GetFlowVersion(c *gin.Context) {
	version, err := strconv.Atoi(c.Param("version"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "version must be an integer"})
		return
	}
	def, err := s.flows.GetVersion(c.Request.Context(), c.Param("id"), version)
	if err != nil {
		s.writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"flow": def, "version": version})
}

// ModifyFlowRequest is the body for POST /api/flows/:id/modify.
type ModifyFlowRequest struct {
	Instruction string `json:"instruction" binding:"required"`
}

// ModifyFlow handles POST /api/flows/:id/modify: the natural-language
// modification path, same executor the conversational action uses. The
// management surface is always privileged.
func (s *Server) ModifyFlow(c *gin.Context) {
	if s.flowMod == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "flow modification is not enabled"})
		return
	}

	var req ModifyFlowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result := s.flowMod.Execute(c.Request.Context(), c.Param("id"), req.Instruction, true)
	status := http.StatusOK
	if !result.Success {
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, result)
}

// GetTranscript handles GET /api/sessions/:id/transcript.
func (s *Server) GetTranscript(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "200"))
	entries, err := s.flows.GetTranscript(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		s.writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": entries})
}
