package httptransport

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"brokerdesk/backend/internal/middleware"
	"brokerdesk/backend/internal/service"
)

type startScanRequest struct {
	AccountIDs  []string   `json:"accountIds"`
	Keywords    []string   `json:"keywords"`
	Folders     []string   `json:"folders"`
	Since       *time.Time `json:"since"`
	Before      *time.Time `json:"before"`
	ForceRescan bool       `json:"forceRescan"`
}

type controlResponse struct {
	Applied bool `json:"applied"`
}

func (h *Handler) startScan(c *gin.Context) {
	var req startScanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	job, err := h.scans.StartScan(c.Request.Context(), service.StartScanInput{
		OwnerID:     middleware.OwnerID(c),
		AccountIDs:  req.AccountIDs,
		Keywords:    req.Keywords,
		Folders:     req.Folders,
		Since:       req.Since,
		Before:      req.Before,
		ForceRescan: req.ForceRescan,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	Accepted(c, job)
}

func (h *Handler) listScans(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	jobs, err := h.scans.ListJobs(c.Request.Context(), middleware.OwnerID(c), limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	Success(c, jobs)
}

func (h *Handler) getScan(c *gin.Context) {
	status, err := h.scans.Status(c.Request.Context(), middleware.OwnerID(c), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	Success(c, status)
}

func (h *Handler) pauseScan(c *gin.Context) {
	h.control(c, h.scans.Pause)
}

func (h *Handler) resumeScan(c *gin.Context) {
	h.control(c, h.scans.Resume)
}

func (h *Handler) cancelScan(c *gin.Context) {
	h.control(c, h.scans.Cancel)
}

// control 状态不适用时同样返回 200，由 applied 字段区分
func (h *Handler) control(c *gin.Context, op func(ctx context.Context, ownerID, jobID string) (bool, error)) {
	applied, err := op(c.Request.Context(), middleware.OwnerID(c), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	Success(c, controlResponse{Applied: applied})
}

func (h *Handler) listAttachments(c *gin.Context) {
	atts, err := h.scans.Attachments(c.Request.Context(), middleware.OwnerID(c), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	Success(c, atts)
}

func (h *Handler) testAccount(c *gin.Context) {
	err := h.scans.TestConnection(c.Request.Context(), middleware.OwnerID(c), c.Param("id"))
	switch {
	case err == nil:
		Success(c, gin.H{"connected": true})
	case statusFor(err) != http.StatusInternalServerError:
		h.respondError(c, err)
	default:
		// 连接或登录失败属于上游错误，原样返回给调用方
		Error(c, http.StatusBadGateway, err.Error())
	}
}

func (h *Handler) listWatermarks(c *gin.Context) {
	marks, err := h.scans.Watermarks(c.Request.Context(), middleware.OwnerID(c), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	Success(c, marks)
}

func (h *Handler) streamScan(c *gin.Context) {
	owner := strings.TrimSpace(c.GetHeader(middleware.OwnerHeader))
	if owner == "" {
		owner = strings.TrimSpace(c.Query("owner"))
	}
	if owner == "" {
		Error(c, http.StatusUnauthorized, "missing owner")
		return
	}

	jobID := c.Param("id")
	if _, err := h.scans.Status(c.Request.Context(), owner, jobID); err != nil {
		h.respondError(c, err)
		return
	}
	h.hub.Serve(c, jobID)
}
