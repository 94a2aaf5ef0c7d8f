// Package handler EHS 工作流 HTTP 接口
package handler

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/bitfantasy/nimo-ehs/internal/ehs/entity"
	"github.com/bitfantasy/nimo-ehs/internal/ehs/repository"
	"github.com/bitfantasy/nimo-ehs/internal/ehs/service"
	"github.com/bitfantasy/nimo-ehs/internal/ehs/sse"
	"github.com/bitfantasy/nimo-ehs/internal/ehs/workflow"
	"github.com/bitfantasy/nimo-ehs/internal/middleware"
)

// Handlers 处理器集合
type Handlers struct {
	Workflow  *WorkflowHandler
	Case      *CaseHandler
	Directory *DirectoryHandler
	SSE       *SSEHandler
}

// NewHandlers 创建处理器集合
func NewHandlers(svc *service.CaseWorkflowService, hub *sse.Hub) *Handlers {
	return &Handlers{
		Workflow:  NewWorkflowHandler(svc),
		Case:      NewCaseHandler(svc),
		Directory: NewDirectoryHandler(svc),
		SSE:       NewSSEHandler(hub),
	}
}

// RegisterRoutes 注册 /api/v1 下的路由，api 需已挂载 JWT 认证
func (h *Handlers) RegisterRoutes(api *gin.RouterGroup) {
	wf := api.Group("/workflows")
	{
		wf.GET("", h.Workflow.ListTypes)
		wf.GET("/:type/steps", h.Workflow.Steps)
		wf.POST("/:type/preview", h.Workflow.Preview)
		wf.POST("/:type/cases", h.Case.Create)
	}

	cases := api.Group("/cases")
	{
		cases.GET("/:id", h.Case.Get)
		cases.DELETE("/:id", h.Case.Delete)
		cases.GET("/:id/logs", h.Case.Logs)
		cases.GET("/:id/export", h.Case.Export)
		cases.POST("/:id/actions/:action", h.Case.Act)
		cases.GET("/:id/workflow", h.Case.ListSteps)
		cases.GET("/:id/workflow/:step", h.Case.GetStep)
		cases.PUT("/:id/workflow/:step", h.Case.UpdateStep)
		cases.POST("/:id/workflow/refresh", h.Case.RefreshStep)
	}

	api.POST("/directory/sync", middleware.RequireRole(middleware.AdminRole), h.Directory.Sync)

	api.GET("/events", h.SSE.Stream)
}

// Response 通用响应结构
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Success 成功响应
func Success(c *gin.Context, data interface{}) {
	c.JSON(200, Response{Code: 0, Message: "success", Data: data})
}

// Created 创建成功响应
func Created(c *gin.Context, data interface{}) {
	c.JSON(201, Response{Code: 0, Message: "success", Data: data})
}

// Error 错误响应，HTTP 状态码取业务码前三位
func Error(c *gin.Context, code int, message string) {
	statusCode := code / 100
	if statusCode < 100 || statusCode > 599 {
		statusCode = 500
	}
	c.JSON(statusCode, Response{Code: code, Message: message})
}

func BadRequest(c *gin.Context, message string) {
	Error(c, 40000, message)
}

func NotFound(c *gin.Context, message string) {
	Error(c, 40400, message)
}

func InternalError(c *gin.Context, message string) {
	Error(c, 50000, message)
}

// ServiceError 按服务层错误类型选择响应码
func ServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		NotFound(c, "记录不存在")
	case errors.Is(err, service.ErrUnknownWorkflow):
		Error(c, 40401, err.Error())
	case errors.Is(err, service.ErrHistoricalStep):
		Error(c, 40900, err.Error())
	case errors.Is(err, service.ErrNoHandler):
		Error(c, 42200, err.Error())
	case errors.Is(err, service.ErrInvalidAction), errors.Is(err, service.ErrUnknownUser), errors.Is(err, service.ErrInvalidDirectory),
		errors.Is(err, workflow.ErrInvalidAction), errors.Is(err, workflow.ErrActionNotAllowed):
		BadRequest(c, err.Error())
	default:
		c.Error(err)
		InternalError(c, err.Error())
	}
}

// GetUserID 从上下文获取用户ID
func GetUserID(c *gin.Context) string {
	return c.GetString(middleware.ContextUserID)
}

// Operator 当前登录用户
func Operator(c *gin.Context) entity.UserRef {
	return entity.UserRef{ID: GetUserID(c), Name: c.GetString(middleware.ContextUserName)}
}

func stepParam(c *gin.Context) (int, bool) {
	step, err := strconv.Atoi(c.Param("step"))
	if err != nil || step < 0 {
		BadRequest(c, "步骤下标无效")
		return 0, false
	}
	return step, true
}
