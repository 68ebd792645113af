package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"k8s.io/klog/v2"

	"github.com/weibaohui/fitnessgpt/backend/internal/domain"
	"github.com/weibaohui/fitnessgpt/backend/internal/service"
)

// ProfileHandler 画像与表单处理器
type ProfileHandler struct {
	service *service.ProfileService
}

func NewProfileHandler(service *service.ProfileService) *ProfileHandler {
	return &ProfileHandler{service: service}
}

// CredentialRequest 设置 API Key 请求
type CredentialRequest struct {
	APIKey string `json:"api_key"`
}

// ProfileResponse 画像响应，API Key 只返回脱敏值
type ProfileResponse struct {
	Values  domain.Values             `json:"values"`
	Visible map[domain.FieldID]bool   `json:"visible"`
	APIKey  string                    `json:"api_key"`
	Errors  map[domain.FieldID]string `json:"errors,omitempty"`
}

// RegisterRoutes 注册路由
func (h *ProfileHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/form", h.Form)
	router.GET("/profile", h.Get)
	router.PUT("/profile", h.Save)
	router.DELETE("/profile", h.Clear)
	router.PUT("/credential", h.SetCredential)
}

// Form 返回表单字段定义
func (h *ProfileHandler) Form(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"fields": h.service.FormSchema()})
}

func (h *ProfileHandler) Get(c *gin.Context) {
	resp, err := h.buildResponse(c)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Save 保存表单取值，校验结果随响应返回但不阻止保存
func (h *ProfileHandler) Save(c *gin.Context) {
	var values domain.Values
	if err := c.ShouldBindJSON(&values); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.service.Save(c.Request.Context(), values); err != nil {
		klog.Errorf("保存画像失败: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp, err := h.buildResponse(c)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *ProfileHandler) Clear(c *gin.Context) {
	if err := h.service.Clear(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "cleared"})
}

// SetCredential 设置 API Key，空值表示删除
func (h *ProfileHandler) SetCredential(c *gin.Context) {
	var req CredentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	if err := h.service.SetCredential(ctx, req.APIKey); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"api_key": h.service.MaskedCredential(ctx)})
}

func (h *ProfileHandler) buildResponse(c *gin.Context) (*ProfileResponse, error) {
	ctx := c.Request.Context()
	values, err := h.service.Load(ctx)
	if err != nil {
		return nil, err
	}

	visible := make(map[domain.FieldID]bool, len(domain.FormFields))
	for _, f := range domain.FormFields {
		visible[f.ID] = domain.Visible(f.ID, values)
	}

	resp := &ProfileResponse{
		Values:  values,
		Visible: visible,
		APIKey:  h.service.MaskedCredential(ctx),
	}
	if len(values) > 0 {
		var verr *domain.ValidationError
		if _, err := domain.ParseProfile(values); errors.As(err, &verr) {
			resp.Errors = verr.Fields
		}
	}
	return resp, nil
}
