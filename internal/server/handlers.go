package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ifuryst/moviefactory/internal/models"
	"github.com/ifuryst/moviefactory/internal/service"
)

type createResearchRequest struct {
	Topic string `json:"topic" binding:"required,max=500"`
}

type createCurationRequest struct {
	ResearchJobID    string   `json:"research_job_id" binding:"required"`
	SelectedVideoIDs []string `json:"selected_video_ids" binding:"omitempty,dive,required"`
	ImageModel       string   `json:"image_model" binding:"max=50"`
}

type approveBriefRequest struct {
	Brief *models.Brief `json:"brief"`
}

type createProductionRequest struct {
	CurationJobID string `json:"curation_job_id" binding:"required"`
}

type listResponse struct {
	Items  interface{} `json:"items"`
	Total  int64       `json:"total"`
	Limit  int         `json:"limit"`
	Offset int         `json:"offset"`
}

func (s *Server) handleCreateResearch(c *gin.Context) {
	var req createResearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job, err := s.Jobs.CreateResearch(c.Request.Context(), req.Topic)
	if err != nil {
		s.respondError(c, "Failed to create research job", err)
		return
	}
	c.JSON(http.StatusAccepted, job)
}

func (s *Server) handleListResearch(c *gin.Context) {
	opts := listOptions(c).Normalize()
	jobs, total, err := s.Jobs.ListResearch(c.Request.Context(), opts)
	if err != nil {
		s.respondError(c, "Failed to list research jobs", err)
		return
	}
	c.JSON(http.StatusOK, newListResponse(jobs, total, opts))
}

func (s *Server) handleGetResearch(c *gin.Context) {
	job, err := s.Jobs.GetResearch(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, "Failed to get research job", err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) handleDeleteResearch(c *gin.Context) {
	if err := s.Jobs.DeleteResearch(c.Request.Context(), c.Param("id")); err != nil {
		s.respondError(c, "Failed to delete research job", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleCreateCuration(c *gin.Context) {
	var req createCurationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job, err := s.Jobs.CreateCuration(c.Request.Context(), req.ResearchJobID, req.SelectedVideoIDs, req.ImageModel)
	if err != nil {
		s.respondError(c, "Failed to create curation job", err)
		return
	}
	c.JSON(http.StatusAccepted, job)
}

func (s *Server) handleListCuration(c *gin.Context) {
	opts := listOptions(c).Normalize()
	jobs, total, err := s.Jobs.ListCuration(c.Request.Context(), opts)
	if err != nil {
		s.respondError(c, "Failed to list curation jobs", err)
		return
	}
	c.JSON(http.StatusOK, newListResponse(jobs, total, opts))
}

func (s *Server) handleGetCuration(c *gin.Context) {
	job, err := s.Jobs.GetCuration(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, "Failed to get curation job", err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// handleApproveBrief approves the generated brief, or an edited one when the
// body carries a brief.
func (s *Server) handleApproveBrief(c *gin.Context) {
	var req approveBriefRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	job, err := s.Jobs.ApproveBrief(c.Request.Context(), c.Param("id"), req.Brief)
	if err != nil {
		s.respondError(c, "Failed to approve brief", err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) handleCreateProduction(c *gin.Context) {
	var req createProductionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job, err := s.Jobs.CreateProduction(c.Request.Context(), req.CurationJobID)
	if err != nil {
		s.respondError(c, "Failed to create production job", err)
		return
	}
	c.JSON(http.StatusAccepted, job)
}

func (s *Server) handleListProduction(c *gin.Context) {
	opts := listOptions(c).Normalize()
	jobs, total, err := s.Jobs.ListProduction(c.Request.Context(), opts)
	if err != nil {
		s.respondError(c, "Failed to list production jobs", err)
		return
	}
	c.JSON(http.StatusOK, newListResponse(jobs, total, opts))
}

func (s *Server) handleGetProduction(c *gin.Context) {
	job, err := s.Jobs.GetProduction(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, "Failed to get production job", err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) handleGetProductionByCuration(c *gin.Context) {
	job, err := s.Jobs.GetProductionByCuration(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, "Failed to get production job", err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) handleStats(c *gin.Context) {
	stats, err := s.Jobs.Stats(c.Request.Context())
	if err != nil {
		s.respondError(c, "Failed to get stats", err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) respondError(c *gin.Context, msg string, err error) {
	switch {
	case errors.Is(err, service.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrReferenced), errors.Is(err, service.ErrNotReady):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrBriefNotApproved), errors.Is(err, service.ErrInvalidBrief):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		s.Logger.Error(msg, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
	}
}

func listOptions(c *gin.Context) service.ListOptions {
	limit, _ := strconv.Atoi(c.Query("limit"))
	offset, _ := strconv.Atoi(c.Query("offset"))
	return service.ListOptions{
		Limit:  limit,
		Offset: offset,
		Status: c.Query("status"),
	}
}

func newListResponse(items interface{}, total int64, opts service.ListOptions) listResponse {
	return listResponse{
		Items:  items,
		Total:  total,
		Limit:  opts.Limit,
		Offset: opts.Offset,
	}
}
