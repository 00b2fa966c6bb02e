package httptransport

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"brokerdesk/backend/internal/outbound"
	"brokerdesk/backend/internal/scan"
	"brokerdesk/backend/internal/service"
)

// errorStatus 业务错误 -> HTTP 状态码
var errorStatus = []struct {
	err    error
	status int
}{
	{service.ErrJobNotFound, http.StatusNotFound},
	{service.ErrAccountNotFound, http.StatusNotFound},
	{service.ErrContactNotFound, http.StatusNotFound},
	{service.ErrAttachmentNotFound, http.StatusNotFound},
	{service.ErrOutboundNotFound, http.StatusNotFound},

	{service.ErrScanInProgress, http.StatusConflict},
	{scan.ErrTooManyJobs, http.StatusServiceUnavailable},

	{service.ErrNoAccounts, http.StatusBadRequest},
	{service.ErrTooManyAccounts, http.StatusBadRequest},
	{service.ErrInvalidDateRange, http.StatusBadRequest},
	{service.ErrEmptyMessage, http.StatusBadRequest},

	{service.ErrAccountInactive, http.StatusUnprocessableEntity},
	{outbound.ErrInvalidPhone, http.StatusUnprocessableEntity},
}

// statusFor 返回错误对应的状态码，未知错误为 500
func statusFor(err error) int {
	for _, e := range errorStatus {
		if errors.Is(err, e.err) {
			return e.status
		}
	}
	return http.StatusInternalServerError
}

// 通用错误消息
const (
	MsgInvalidRequest = "invalid request body"
	MsgInternal       = "internal server error"
)

// respondError 写出错误响应，内部错误只记录日志不回显细节
func (h *Handler) respondError(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.log.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
		Error(c, status, MsgInternal)
		return
	}
	Error(c, status, err.Error())
}
