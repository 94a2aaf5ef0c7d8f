package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/bitfantasy/nimo-ehs/internal/ehs/entity"
	"github.com/bitfantasy/nimo-ehs/internal/ehs/service"
)

type WorkflowHandler struct {
	svc *service.CaseWorkflowService
}

func NewWorkflowHandler(svc *service.CaseWorkflowService) *WorkflowHandler {
	return &WorkflowHandler{svc: svc}
}

// ListTypes GET /workflows
func (h *WorkflowHandler) ListTypes(c *gin.Context) {
	Success(c, gin.H{"items": h.svc.WorkflowTypes()})
}

// Steps GET /workflows/:type/steps
func (h *WorkflowHandler) Steps(c *gin.Context) {
	def, err := h.svc.Definition(c.Param("type"))
	if err != nil {
		ServiceError(c, err)
		return
	}
	Success(c, gin.H{
		"type":          def.Type,
		"name":          def.Name,
		"steps":         def.Steps,
		"actions":       def.Actions,
		"status_labels": def.StatusLabels,
	})
}

// Preview POST /workflows/:type/preview
// 提交前预览处理人 / 抄送人，不落库
func (h *WorkflowHandler) Preview(c *gin.Context) {
	var req CaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "参数错误: "+err.Error())
		return
	}
	cw, err := h.svc.PreviewWorkflow(c.Request.Context(), c.Param("type"), req.Draft(), Operator(c))
	if err != nil {
		ServiceError(c, err)
		return
	}
	Success(c, cw)
}

// CaseRequest 建案 / 预览参数
type CaseRequest struct {
	Title                   string                 `json:"title"`
	Description             string                 `json:"description"`
	Type                    string                 `json:"type"`
	Location                string                 `json:"location"`
	RiskLevel               string                 `json:"risk_level"`
	ReporterID              string                 `json:"reporter_id"`
	ReporterDepartmentID    string                 `json:"reporter_department_id"`
	ResponsibleID           string                 `json:"responsible_id"`
	ResponsibleDepartmentID string                 `json:"responsible_department_id"`
	AssignedDepartmentID    string                 `json:"assigned_department_id"`
	Attributes              map[string]interface{} `json:"attributes"`
}

// Draft 转换为未保存的案件
func (r CaseRequest) Draft() *entity.Case {
	return &entity.Case{
		Title:                   r.Title,
		Description:             r.Description,
		Type:                    r.Type,
		Location:                r.Location,
		RiskLevel:               r.RiskLevel,
		ReporterID:              r.ReporterID,
		ReporterDepartmentID:    r.ReporterDepartmentID,
		ResponsibleID:           r.ResponsibleID,
		ResponsibleDepartmentID: r.ResponsibleDepartmentID,
		AssignedDepartmentID:    r.AssignedDepartmentID,
		Attributes:              r.Attributes,
	}
}
