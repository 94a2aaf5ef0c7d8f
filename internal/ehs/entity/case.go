package entity

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"gorm.io/datatypes"
)

// 工作流类型
const (
	WorkflowHazard   = "hazard"
	WorkflowIncident = "incident"
)

// Case 案件（隐患 / 事故的统一抽象）
// 引擎只读取案件，并对 status / current_step_index 提出变更建议
type Case struct {
	ID                      string            `json:"id" yaml:"id" gorm:"primaryKey;size:36"`
	WorkflowType            string            `json:"workflow_type" yaml:"workflow_type" gorm:"size:32;not null;index"`
	Code                    string            `json:"code" yaml:"code" gorm:"size:50;uniqueIndex"`
	Title                   string            `json:"title" yaml:"title" gorm:"size:200"`
	Description             string            `json:"description" yaml:"description" gorm:"type:text"`
	Type                    string            `json:"type" yaml:"type" gorm:"size:64"`
	Location                string            `json:"location" yaml:"location" gorm:"size:200"`
	RiskLevel               string            `json:"risk_level" yaml:"risk_level" gorm:"size:32"`
	ReporterID              string            `json:"reporter_id" yaml:"reporter_id" gorm:"size:32;index"`
	ReporterDepartmentID    string            `json:"reporter_department_id" yaml:"reporter_department_id" gorm:"size:32"`
	ResponsibleID           string            `json:"responsible_id" yaml:"responsible_id" gorm:"size:32;index"`
	ResponsibleDepartmentID string            `json:"responsible_department_id" yaml:"responsible_department_id" gorm:"size:32"`
	AssignedDepartmentID    string            `json:"assigned_department_id" yaml:"assigned_department_id" gorm:"size:32"`
	RootCause               string            `json:"root_cause" yaml:"root_cause" gorm:"type:text"`
	Status                  string            `json:"status" yaml:"status" gorm:"size:32;not null;index"`
	CurrentStepIndex        int               `json:"current_step_index" yaml:"current_step_index" gorm:"not null;default:0"`
	Attributes              datatypes.JSONMap `json:"attributes,omitempty" yaml:"attributes,omitempty"`
	CreatedBy               string            `json:"created_by" yaml:"-" gorm:"size:32"`
	CreatedAt               time.Time         `json:"created_at" yaml:"-"`
	UpdatedAt               time.Time         `json:"updated_at" yaml:"-"`
}

func (Case) TableName() string {
	return "ehs_cases"
}

// Clone 深拷贝，dispatch 只在副本上应用字段变更
func (c *Case) Clone() *Case {
	if c == nil {
		return nil
	}
	out := *c
	if c.Attributes != nil {
		out.Attributes = make(datatypes.JSONMap, len(c.Attributes))
		for k, v := range c.Attributes {
			out.Attributes[k] = v
		}
	}
	return &out
}

// Field 按字段名取值；同时接受 snake_case 与 camelCase，未知字段从 Attributes 取
func (c *Case) Field(name string) (string, bool) {
	if p := c.fieldPtr(name); p != nil {
		return *p, true
	}
	switch name {
	case "workflow_type", "workflowType":
		return c.WorkflowType, true
	case "status":
		return c.Status, true
	case "current_step_index", "currentStepIndex":
		return itoa(c.CurrentStepIndex), true
	case "created_by", "createdBy":
		return c.CreatedBy, true
	}
	if c.Attributes != nil {
		if v, ok := c.Attributes[name]; ok && v != nil {
			if s, ok := v.(string); ok {
				return s, true
			}
			return stringify(v), true
		}
	}
	return "", false
}

// protectedFields 案件身份和流转位置，只能由工作流本身修改
var protectedFields = map[string]bool{
	"id":                 true,
	"code":               true,
	"workflow_type":      true,
	"workflowType":       true,
	"status":             true,
	"current_step_index": true,
	"currentStepIndex":   true,
	"created_by":         true,
	"createdBy":          true,
}

// IsProtectedField 该字段不能通过额外字段覆盖
func IsProtectedField(name string) bool {
	return protectedFields[name]
}

// ProtectedFieldsIn 返回 fields 中不可覆盖的字段名（已排序）
func ProtectedFieldsIn(fields map[string]string) []string {
	var out []string
	for k := range fields {
		if protectedFields[k] {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

var departmentFields = map[string]bool{
	"reporter_department_id":    true,
	"reporterDepartmentId":      true,
	"responsible_department_id": true,
	"responsibleDepartmentId":   true,
	"assigned_department_id":    true,
	"assignedDepartmentId":      true,
}

// IsDepartmentField 字段值是部门引用
func IsDepartmentField(name string) bool {
	return departmentFields[name]
}

// CanonicalDepartments 用 canon 改写案件中的部门引用
func (c *Case) CanonicalDepartments(canon func(string) string) {
	c.ReporterDepartmentID = canon(c.ReporterDepartmentID)
	c.ResponsibleDepartmentID = canon(c.ResponsibleDepartmentID)
	c.AssignedDepartmentID = canon(c.AssignedDepartmentID)
}

// Apply 把额外字段写入案件；已知字段直接赋值，其余进入 Attributes，受保护字段忽略
func (c *Case) Apply(fields map[string]string) {
	for k, v := range fields {
		if protectedFields[k] {
			continue
		}
		if p := c.fieldPtr(k); p != nil {
			*p = v
			continue
		}
		if c.Attributes == nil {
			c.Attributes = datatypes.JSONMap{}
		}
		c.Attributes[k] = v
	}
}

func (c *Case) fieldPtr(name string) *string {
	switch name {
	case "id":
		return &c.ID
	case "code":
		return &c.Code
	case "title":
		return &c.Title
	case "description":
		return &c.Description
	case "type":
		return &c.Type
	case "location":
		return &c.Location
	case "risk_level", "riskLevel", "severity":
		return &c.RiskLevel
	case "reporter_id", "reporterId":
		return &c.ReporterID
	case "reporter_department_id", "reporterDepartmentId":
		return &c.ReporterDepartmentID
	case "responsible_id", "responsibleId":
		return &c.ResponsibleID
	case "responsible_department_id", "responsibleDepartmentId":
		return &c.ResponsibleDepartmentID
	case "assigned_department_id", "assignedDepartmentId":
		return &c.AssignedDepartmentID
	case "root_cause", "rootCause":
		return &c.RootCause
	}
	return nil
}

// CaseLog 案件操作日志
type CaseLog struct {
	ID           string    `json:"id" gorm:"primaryKey;size:36"`
	CaseID       string    `json:"case_id" gorm:"size:36;not null;index"`
	Action       string    `json:"action" gorm:"size:50;not null"`
	FromStatus   string    `json:"from_status" gorm:"size:32"`
	ToStatus     string    `json:"to_status" gorm:"size:32"`
	StepIndex    int       `json:"step_index"`
	StepName     string    `json:"step_name" gorm:"size:100"`
	OperatorID   string    `json:"operator_id" gorm:"size:32"`
	OperatorName string    `json:"operator_name" gorm:"size:64"`
	Message      string    `json:"message" gorm:"type:text"`
	Comment      string    `json:"comment" gorm:"type:text"`
	CreatedAt    time.Time `json:"created_at"`
}

func (CaseLog) TableName() string {
	return "ehs_case_logs"
}

func itoa(i int) string {
	return strconv.Itoa(i)
}

func stringify(v interface{}) string {
	return fmt.Sprintf("%v", v)
}
