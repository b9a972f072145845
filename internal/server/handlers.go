package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"helmsman/internal/eventstore"
	"helmsman/internal/mission"
)

type errorResponse struct {
	Error string `json:"error"`
}

func fail(c *gin.Context, status int, err error) {
	c.JSON(status, errorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, eventstore.ErrMissionNotFound):
		return http.StatusNotFound
	case errors.Is(err, eventstore.ErrRevisionConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// handleCreateMission accepts a mission spec and seeds its log. The spec is
// validated before anything is written; construction errors come back 422.
func (s *Server) handleCreateMission(c *gin.Context) {
	var spec mission.MissionSpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}

	state, err := s.orchestrator.CreateMission(c.Request.Context(), spec)
	if err != nil {
		if errors.Is(err, mission.ErrInvalidSpec) {
			fail(c, http.StatusUnprocessableEntity, err)
			return
		}
		fail(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusCreated, state)
}

func (s *Server) handleListMissions(c *gin.Context) {
	ids, err := s.orchestrator.ListMissions(c.Request.Context())
	if err != nil {
		fail(c, statusFor(err), err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"missions": ids})
}

func (s *Server) handleGetMission(c *gin.Context) {
	state, err := s.orchestrator.GetState(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, state)
}

// handleListEvents returns the log tail past ?since_rev (default 0, i.e. the
// whole log).
func (s *Server) handleListEvents(c *gin.Context) {
	sinceRev := int64(0)
	if raw := c.Query("since_rev"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			fail(c, http.StatusBadRequest, errors.New("since_rev must be a non-negative integer"))
			return
		}
		sinceRev = parsed
	}

	records, err := s.orchestrator.ListEvents(c.Request.Context(), c.Param("id"), sinceRev)
	if err != nil {
		fail(c, statusFor(err), err)
		return
	}
	if records == nil {
		records = []mission.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"events": records})
}

func (s *Server) handleStartMission(c *gin.Context) {
	if err := s.orchestrator.StartMission(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, conflictOr(err), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "running"})
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handlePauseMission(c *gin.Context) {
	var req reasonRequest
	_ = c.ShouldBindJSON(&req)
	if err := s.orchestrator.Pause(c.Request.Context(), c.Param("id"), req.Reason); err != nil {
		fail(c, conflictOr(err), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "paused"})
}

func (s *Server) handleResumeMission(c *gin.Context) {
	if err := s.orchestrator.Resume(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, conflictOr(err), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "running"})
}

func (s *Server) handleCancelMission(c *gin.Context) {
	var req reasonRequest
	_ = c.ShouldBindJSON(&req)
	reason := req.Reason
	if reason == "" {
		reason = "canceled via API"
	}
	if err := s.orchestrator.Cancel(c.Request.Context(), c.Param("id"), reason); err != nil {
		fail(c, conflictOr(err), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "canceled"})
}

// conflictOr maps lifecycle-guard rejections ("not startable", "already
// terminal") to 409 and store errors to their usual status.
func conflictOr(err error) int {
	if errors.Is(err, eventstore.ErrMissionNotFound) {
		return http.StatusNotFound
	}
	msg := err.Error()
	if strings.Contains(msg, "is not") || strings.Contains(msg, "already") {
		return http.StatusConflict
	}
	return statusFor(err)
}

func (s *Server) handleListApprovals(c *gin.Context) {
	pending := s.orchestrator.PendingApprovals(c.Query("mission_id"))
	c.JSON(http.StatusOK, gin.H{"approvals": pending})
}

type approvalReplyRequest struct {
	Granted bool   `json:"granted"`
	Reason  string `json:"reason"`
}

// handleApprovalReply resolves a pending approval. Unknown or already
// resolved ids come back 404 so retries are visible to the caller.
func (s *Server) handleApprovalReply(c *gin.Context) {
	var req approvalReplyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	if !s.orchestrator.SubmitApprovalReply(c.Param("id"), req.Granted, req.Reason) {
		fail(c, http.StatusNotFound, errors.New("approval not found or already resolved"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "resolved"})
}
