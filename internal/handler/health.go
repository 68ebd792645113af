package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/weibaohui/fitnessgpt/backend/internal/service/orchestrator"
)

// HealthHandler 健康检查，附带编排器队列状态
type HealthHandler struct {
	status func() *orchestrator.QueueStatus
}

func NewHealthHandler(status func() *orchestrator.QueueStatus) *HealthHandler {
	return &HealthHandler{status: status}
}

func (h *HealthHandler) Health(c *gin.Context) {
	resp := gin.H{"status": "ok"}
	if h.status != nil {
		if s := h.status(); s != nil {
			resp["queue"] = s
		}
	}
	c.JSON(http.StatusOK, resp)
}
