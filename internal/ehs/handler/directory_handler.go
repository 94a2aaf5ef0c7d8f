package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/bitfantasy/nimo-ehs/internal/ehs/entity"
	"github.com/bitfantasy/nimo-ehs/internal/ehs/service"
)

type DirectoryHandler struct {
	svc *service.CaseWorkflowService
}

func NewDirectoryHandler(svc *service.CaseWorkflowService) *DirectoryHandler {
	return &DirectoryHandler{svc: svc}
}

// SyncRequest 组织架构同步请求
type SyncRequest struct {
	Users       []entity.User       `json:"users"`
	Departments []entity.Department `json:"departments"`
}

// Sync POST /directory/sync
// 按 id 覆盖用户和部门，并清除组织架构缓存
func (h *DirectoryHandler) Sync(c *gin.Context) {
	var req SyncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "参数错误: "+err.Error())
		return
	}
	if len(req.Users) == 0 && len(req.Departments) == 0 {
		BadRequest(c, "没有需要同步的数据")
		return
	}
	for i := range req.Users {
		if req.Users[i].Status == "" {
			req.Users[i].Status = entity.UserStatusActive
		}
	}
	for i := range req.Departments {
		if req.Departments[i].Status == "" {
			req.Departments[i].Status = entity.DepartmentStatusActive
		}
	}
	if err := h.svc.SyncDirectory(c.Request.Context(), req.Users, req.Departments); err != nil {
		ServiceError(c, err)
		return
	}
	Success(c, gin.H{"users": len(req.Users), "departments": len(req.Departments)})
}
