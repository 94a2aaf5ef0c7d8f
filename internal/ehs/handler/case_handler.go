package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/bitfantasy/nimo-ehs/internal/ehs/service"
)

type CaseHandler struct {
	svc *service.CaseWorkflowService
}

func NewCaseHandler(svc *service.CaseWorkflowService) *CaseHandler {
	return &CaseHandler{svc: svc}
}

// Create POST /workflows/:type/cases
func (h *CaseHandler) Create(c *gin.Context) {
	var req CaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "参数错误: "+err.Error())
		return
	}
	cw, err := h.svc.CreateCase(c.Request.Context(), c.Param("type"), req.Draft(), Operator(c))
	if err != nil {
		ServiceError(c, err)
		return
	}
	Created(c, cw)
}

// Get GET /cases/:id
func (h *CaseHandler) Get(c *gin.Context) {
	cw, err := h.svc.GetCase(c.Request.Context(), c.Param("id"))
	if err != nil {
		ServiceError(c, err)
		return
	}
	Success(c, cw)
}

// Delete DELETE /cases/:id
func (h *CaseHandler) Delete(c *gin.Context) {
	if err := h.svc.DeleteCase(c.Request.Context(), c.Param("id")); err != nil {
		ServiceError(c, err)
		return
	}
	Success(c, nil)
}

// Logs GET /cases/:id/logs
func (h *CaseHandler) Logs(c *gin.Context) {
	logs, err := h.svc.ListLogs(c.Request.Context(), c.Param("id"))
	if err != nil {
		ServiceError(c, err)
		return
	}
	Success(c, gin.H{"items": logs})
}

// ActionRequest 执行动作参数
type ActionRequest struct {
	Comment string            `json:"comment"`
	Extra   map[string]string `json:"extra"`
}

// Act POST /cases/:id/actions/:action
func (h *CaseHandler) Act(c *gin.Context) {
	var req ActionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			BadRequest(c, "参数错误: "+err.Error())
			return
		}
	}
	res, err := h.svc.Act(c.Request.Context(), c.Param("id"), service.ActRequest{
		Action:   c.Param("action"),
		Operator: Operator(c),
		Comment:  req.Comment,
		Extra:    req.Extra,
	})
	if err != nil {
		ServiceError(c, err)
		return
	}
	Success(c, res)
}

// ListSteps GET /cases/:id/workflow
func (h *CaseHandler) ListSteps(c *gin.Context) {
	cw, err := h.svc.ListWorkflowSteps(c.Request.Context(), c.Param("id"))
	if err != nil {
		ServiceError(c, err)
		return
	}
	Success(c, cw)
}

// GetStep GET /cases/:id/workflow/:step
func (h *CaseHandler) GetStep(c *gin.Context) {
	step, ok := stepParam(c)
	if !ok {
		return
	}
	res, err := h.svc.GetWorkflowStep(c.Request.Context(), c.Param("id"), step)
	if err != nil {
		ServiceError(c, err)
		return
	}
	Success(c, res)
}

// UpdateStep PUT /cases/:id/workflow/:step
func (h *CaseHandler) UpdateStep(c *gin.Context) {
	step, ok := stepParam(c)
	if !ok {
		return
	}
	var patch service.StepPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		BadRequest(c, "参数错误: "+err.Error())
		return
	}
	if patch.HandlerIDs == nil && patch.CCIDs == nil {
		BadRequest(c, "handler_ids 和 cc_ids 不能同时为空")
		return
	}
	res, err := h.svc.UpdateWorkflowStep(c.Request.Context(), c.Param("id"), step, patch, Operator(c))
	if err != nil {
		ServiceError(c, err)
		return
	}
	Success(c, res)
}

// RefreshStep POST /cases/:id/workflow/refresh
func (h *CaseHandler) RefreshStep(c *gin.Context) {
	res, err := h.svc.RefreshCurrentStep(c.Request.Context(), c.Param("id"), Operator(c))
	if err != nil {
		ServiceError(c, err)
		return
	}
	Success(c, res)
}

// Export GET /cases/:id/export
func (h *CaseHandler) Export(c *gin.Context) {
	f, filename, err := h.svc.ExportWorkflow(c.Request.Context(), c.Param("id"))
	if err != nil {
		ServiceError(c, err)
		return
	}
	defer f.Close()

	c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	c.Header("Content-Disposition", "attachment; filename=\""+filename+"\"")
	c.Header("Content-Transfer-Encoding", "binary")

	if err := f.Write(c.Writer); err != nil {
		InternalError(c, "write excel: "+err.Error())
	}
}
