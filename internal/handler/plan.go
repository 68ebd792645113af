package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"k8s.io/klog/v2"

	"github.com/weibaohui/fitnessgpt/backend/internal/domain"
	"github.com/weibaohui/fitnessgpt/backend/internal/eventbus"
	"github.com/weibaohui/fitnessgpt/backend/internal/repository"
	"github.com/weibaohui/fitnessgpt/backend/internal/service"
	"github.com/weibaohui/fitnessgpt/backend/internal/service/orchestrator"
	"github.com/weibaohui/fitnessgpt/backend/internal/service/statemachine"
)

const (
	streamBufferSize  = 256
	streamKeepAlive   = 15 * time.Second
	defaultListLimit  = 20
	maxListLimit      = 100
	streamLaggedError = "stream lagged behind, reconnect to resume"
)

// PlanHandler 计划运行处理器
type PlanHandler struct {
	service *service.PlanService
}

func NewPlanHandler(service *service.PlanService) *PlanHandler {
	return &PlanHandler{service: service}
}

// RegisterRoutes 注册路由
func (h *PlanHandler) RegisterRoutes(router *gin.RouterGroup) {
	plans := router.Group("/plans")
	{
		plans.POST("", h.Start)
		plans.GET("", h.List)
		plans.GET("/:id", h.Get)
		plans.DELETE("/:id", h.Delete)
		plans.GET("/:id/preview", h.Preview)
		plans.GET("/:id/stream", h.Stream)
		plans.POST("/:id/cancel", h.Cancel)
		plans.POST("/:id/resume", h.Resume)
		plans.GET("/:id/export", h.Export)
		plans.GET("/:id/share", h.Share)
	}
}

// Start 使用已保存的画像创建并提交新的计划运行
func (h *PlanHandler) Start(c *gin.Context) {
	run, err := h.service.Start(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, run)
}

func (h *PlanHandler) List(c *gin.Context) {
	limit := defaultListLimit
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = min(n, maxListLimit)
	}

	runs, err := h.service.List(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, runs)
}

func (h *PlanHandler) Get(c *gin.Context) {
	run, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

func (h *PlanHandler) Delete(c *gin.Context) {
	if err := h.service.Delete(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "deleted"})
}

// Preview 已渲染内容的 HTML 片段
func (h *PlanHandler) Preview(c *gin.Context) {
	fragment, err := h.service.Preview(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(fragment))
}

// Cancel 对应表单的"返回"：中断流读取并标记取消
func (h *PlanHandler) Cancel(c *gin.Context) {
	if err := h.service.Cancel(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "canceled"})
}

// Resume 从失败或取消的阶段继续
func (h *PlanHandler) Resume(c *gin.Context) {
	run, err := h.service.Resume(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, run)
}

// Export 下载计划文本，format 可选 txt/md/html
func (h *PlanHandler) Export(c *gin.Context) {
	format, err := service.ParseExportFormat(c.Query("format"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	file, err := h.service.Export(c.Request.Context(), c.Param("id"), format)
	if err != nil {
		writeError(c, err)
		return
	}

	c.Header("Content-Disposition", "attachment; filename="+file.Filename)
	c.Data(http.StatusOK, file.ContentType, file.Data)
}

// Share 返回社交分享链接
func (h *PlanHandler) Share(c *gin.Context) {
	shareURL, err := h.service.ShareURL(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": shareURL})
}

// Stream 以 SSE 推送渲染单元
// 先发送已渲染内容的快照，随后推送 stage/unit 事件，运行结束时发送 done 或 error
func (h *PlanHandler) Stream(c *gin.Context) {
	runID := c.Param("id")

	events := make(chan eventbus.PlanEvent, streamBufferSize)
	lagged := make(chan struct{})
	var lagOnce sync.Once
	snapshot, unsubscribe, err := h.service.Watch(runID, func(ctx context.Context, event eventbus.PlanEvent) error {
		select {
		case events <- event:
		default:
			lagOnce.Do(func() { close(lagged) })
		}
		return nil
	})
	if err != nil {
		writeError(c, err)
		return
	}
	defer unsubscribe()

	run, err := h.service.Get(c.Request.Context(), runID)
	if err != nil {
		writeError(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	status := statemachine.RunStatus(run.Status)
	if statemachine.IsTerminal(status) {
		sendUnit(c, runID, run.Content)
		sendFinal(c, eventbus.PlanEvent{RunID: runID, Stage: run.Cursor().Label(), Calls: run.Calls, Total: run.TotalCalls, Error: run.ErrorMsg}, status)
		return
	}
	sendUnit(c, runID, snapshot)

	keepAlive := time.NewTicker(streamKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			klog.V(6).Infof("SSE 客户端断开: runID=%s", runID)
			return
		case <-lagged:
			klog.Warningf("SSE 订阅者积压过多，断开: runID=%s", runID)
			c.SSEvent("error", gin.H{"run_id": runID, "error": streamLaggedError})
			c.Writer.Flush()
			return
		case <-keepAlive.C:
			c.SSEvent("ping", gin.H{"run_id": runID})
			c.Writer.Flush()
		case event := <-events:
			switch event.Type {
			case eventbus.PlanEventStageStarted, eventbus.PlanEventStageCompleted:
				c.SSEvent("stage", event)
			case eventbus.PlanEventUnitRendered:
				c.SSEvent("unit", event)
			case eventbus.PlanEventRunCompleted:
				c.SSEvent("done", event)
			case eventbus.PlanEventStageFailed, eventbus.PlanEventRunCanceled:
				c.SSEvent("error", event)
			}
			c.Writer.Flush()
			if event.Terminal() {
				return
			}
		}
	}
}

func sendUnit(c *gin.Context, runID, content string) {
	if content == "" {
		return
	}
	c.SSEvent("unit", eventbus.PlanEvent{Type: eventbus.PlanEventUnitRendered, RunID: runID, Unit: content})
	c.Writer.Flush()
}

// sendFinal 已结束的运行直接发送终止事件
func sendFinal(c *gin.Context, event eventbus.PlanEvent, status statemachine.RunStatus) {
	switch status {
	case statemachine.RunStatusSucceeded:
		event.Type = eventbus.PlanEventRunCompleted
		c.SSEvent("done", event)
	case statemachine.RunStatusCanceled:
		event.Type = eventbus.PlanEventRunCanceled
		c.SSEvent("error", event)
	default:
		event.Type = eventbus.PlanEventStageFailed
		c.SSEvent("error", event)
	}
	c.Writer.Flush()
}

// writeError 将领域错误映射为 HTTP 状态码
func writeError(c *gin.Context, err error) {
	var verr *domain.ValidationError
	var transitionErr *statemachine.InvalidStateTransitionError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "fields": verr.Fields})
	case errors.Is(err, domain.ErrNoCredential):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, repository.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "plan not found"})
	case errors.As(err, &transitionErr),
		errors.Is(err, service.ErrPlanNotReady),
		errors.Is(err, service.ErrRunActive),
		errors.Is(err, repository.ErrStatusConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, orchestrator.ErrQueueFull), errors.Is(err, orchestrator.ErrOrchestratorStopped):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		klog.Errorf("请求处理失败: %s %s, err=%v", c.Request.Method, c.Request.URL.Path, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
