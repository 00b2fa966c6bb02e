package httptransport

import (
	"time"

	"github.com/gin-gonic/gin"

	"brokerdesk/backend/internal/domain"
	"brokerdesk/backend/internal/middleware"
	"brokerdesk/backend/internal/service"
)

type enqueueRequest struct {
	ContactID    string             `json:"contactId" binding:"required"`
	AttachmentID *string            `json:"attachmentId"`
	Template     string             `json:"template"`
	Policy       *domain.PolicyInfo `json:"policy"`
	ScheduledAt  *time.Time         `json:"scheduledAt"`
}

func (h *Handler) enqueueOutbound(c *gin.Context) {
	var req enqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	res, err := h.outbound.Enqueue(c.Request.Context(), service.EnqueueInput{
		OwnerID:      middleware.OwnerID(c),
		ContactID:    req.ContactID,
		AttachmentID: req.AttachmentID,
		Template:     req.Template,
		Policy:       req.Policy,
		ScheduledAt:  req.ScheduledAt,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	Created(c, res)
}

func (h *Handler) getOutbound(c *gin.Context) {
	msg, err := h.outbound.Get(c.Request.Context(), middleware.OwnerID(c), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	Success(c, msg)
}
