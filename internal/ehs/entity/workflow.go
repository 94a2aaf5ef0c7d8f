package entity

import (
	"encoding/json"
	"fmt"
	"strings"
)

// 处理人策略类型
const (
	HandlerFixed             = "fixed"
	HandlerReporter          = "reporter"
	HandlerDepartmentManager = "department_manager"
	HandlerRole              = "role"
)

// 抄送规则类型
const (
	CCFixedUsers         = "fixed_users"
	CCReporterManager    = "reporter_manager"
	CCResponsibleManager = "responsible_manager"
	CCHandlerManager     = "handler_manager"
	CCDeptByLocation     = "dept_by_location"
	CCDeptByType         = "dept_by_type"
	CCRoleMatch          = "role_match"
	CCResponsible        = "responsible"
	CCReporter           = "reporter"
)

// ApprovalMode 多人审批模式
type ApprovalMode string

const (
	ApprovalModeUnset ApprovalMode = ""
	ApprovalModeOr    ApprovalMode = "OR"
	ApprovalModeAnd   ApprovalMode = "AND"
)

// =============================================================================
// 处理人策略（封闭和类型）
// =============================================================================

// HandlerStrategy 步骤处理人策略，实现只能是本包内的变体
type HandlerStrategy interface {
	StrategyType() string
	handlerStrategy()
}

// FixedHandler 固定人员
type FixedHandler struct {
	UserID string
}

// ReporterHandler 上报人本人
type ReporterHandler struct{}

// DepartmentManagerHandler 案件所属部门的管理人员
type DepartmentManagerHandler struct{}

// RoleHandler 指定角色的全部用户
type RoleHandler struct {
	Value string
}

func (FixedHandler) StrategyType() string             { return HandlerFixed }
func (ReporterHandler) StrategyType() string          { return HandlerReporter }
func (DepartmentManagerHandler) StrategyType() string { return HandlerDepartmentManager }
func (RoleHandler) StrategyType() string              { return HandlerRole }

func (FixedHandler) handlerStrategy()             {}
func (ReporterHandler) handlerStrategy()          {}
func (DepartmentManagerHandler) handlerStrategy() {}
func (RoleHandler) handlerStrategy()              {}

func (h FixedHandler) MarshalJSON() ([]byte, error) { return json.Marshal(SpecOfHandler(h)) }
func (h ReporterHandler) MarshalJSON() ([]byte, error) {
	return json.Marshal(SpecOfHandler(h))
}
func (h DepartmentManagerHandler) MarshalJSON() ([]byte, error) {
	return json.Marshal(SpecOfHandler(h))
}
func (h RoleHandler) MarshalJSON() ([]byte, error) { return json.Marshal(SpecOfHandler(h)) }

// HandlerSpec 处理人策略的配置形式（type 标签 + 参数）
type HandlerSpec struct {
	Type   string `json:"type" yaml:"type"`
	UserID string `json:"user_id,omitempty" yaml:"user_id,omitempty"`
	Value  string `json:"value,omitempty" yaml:"value,omitempty"`
}

// Strategy 把配置转换为具体策略
func (s HandlerSpec) Strategy() (HandlerStrategy, error) {
	switch strings.TrimSpace(s.Type) {
	case HandlerFixed:
		if s.UserID == "" {
			return nil, fmt.Errorf("fixed 策略缺少 user_id")
		}
		return FixedHandler{UserID: strings.TrimSpace(s.UserID)}, nil
	case HandlerReporter:
		return ReporterHandler{}, nil
	case HandlerDepartmentManager:
		return DepartmentManagerHandler{}, nil
	case HandlerRole:
		if s.Value == "" {
			return nil, fmt.Errorf("role 策略缺少 value")
		}
		return RoleHandler{Value: strings.TrimSpace(s.Value)}, nil
	default:
		return nil, fmt.Errorf("未知的处理人策略类型: %q", s.Type)
	}
}

// SpecOfHandler 策略 → 配置形式
func SpecOfHandler(h HandlerStrategy) HandlerSpec {
	switch v := h.(type) {
	case FixedHandler:
		return HandlerSpec{Type: HandlerFixed, UserID: v.UserID}
	case RoleHandler:
		return HandlerSpec{Type: HandlerRole, Value: v.Value}
	case nil:
		return HandlerSpec{}
	default:
		return HandlerSpec{Type: h.StrategyType()}
	}
}

// =============================================================================
// 抄送规则（封闭和类型，9 种）
// =============================================================================

// CCRule 抄送规则
type CCRule interface {
	RuleID() string
	RuleType() string
	ccRule()
}

// FixedUsersRule 固定抄送人；同时配置了名字且数量一致时直接使用
type FixedUsersRule struct {
	ID        string
	UserIDs   []string
	UserNames []string
}

// ReporterManagerRule 上报人的上级
type ReporterManagerRule struct{ ID string }

// ResponsibleManagerRule 责任人的上级
type ResponsibleManagerRule struct{ ID string }

// HandlerManagerRule 当前处理人的上级
type HandlerManagerRule struct{ ID string }

// DeptByLocationRule 地点包含关键字时抄送指定部门全员
type DeptByLocationRule struct {
	ID            string
	LocationMatch string
	DeptID        string
}

// DeptByTypeRule 类型完全一致时抄送指定部门全员
type DeptByTypeRule struct {
	ID        string
	TypeMatch string
	DeptID    string
}

// RoleMatchRule 指定部门中角色包含 RoleName 的用户
type RoleMatchRule struct {
	ID       string
	DeptID   string
	RoleName string
}

// ResponsibleRule 责任人本人
type ResponsibleRule struct{ ID string }

// ReporterRule 上报人本人
type ReporterRule struct{ ID string }

func (r FixedUsersRule) RuleID() string         { return r.ID }
func (r ReporterManagerRule) RuleID() string    { return r.ID }
func (r ResponsibleManagerRule) RuleID() string { return r.ID }
func (r HandlerManagerRule) RuleID() string     { return r.ID }
func (r DeptByLocationRule) RuleID() string     { return r.ID }
func (r DeptByTypeRule) RuleID() string         { return r.ID }
func (r RoleMatchRule) RuleID() string          { return r.ID }
func (r ResponsibleRule) RuleID() string        { return r.ID }
func (r ReporterRule) RuleID() string           { return r.ID }

func (FixedUsersRule) RuleType() string         { return CCFixedUsers }
func (ReporterManagerRule) RuleType() string    { return CCReporterManager }
func (ResponsibleManagerRule) RuleType() string { return CCResponsibleManager }
func (HandlerManagerRule) RuleType() string     { return CCHandlerManager }
func (DeptByLocationRule) RuleType() string     { return CCDeptByLocation }
func (DeptByTypeRule) RuleType() string         { return CCDeptByType }
func (RoleMatchRule) RuleType() string          { return CCRoleMatch }
func (ResponsibleRule) RuleType() string        { return CCResponsible }
func (ReporterRule) RuleType() string           { return CCReporter }

func (FixedUsersRule) ccRule()         {}
func (ReporterManagerRule) ccRule()    {}
func (ResponsibleManagerRule) ccRule() {}
func (HandlerManagerRule) ccRule()     {}
func (DeptByLocationRule) ccRule()     {}
func (DeptByTypeRule) ccRule()         {}
func (RoleMatchRule) ccRule()          {}
func (ResponsibleRule) ccRule()        {}
func (ReporterRule) ccRule()           {}

// CCRuleSpec 抄送规则的配置形式
type CCRuleSpec struct {
	ID            string   `json:"id,omitempty" yaml:"id,omitempty"`
	Type          string   `json:"type" yaml:"type"`
	UserIDs       []string `json:"user_ids,omitempty" yaml:"user_ids,omitempty"`
	UserNames     []string `json:"user_names,omitempty" yaml:"user_names,omitempty"`
	LocationMatch string   `json:"location_match,omitempty" yaml:"location_match,omitempty"`
	TypeMatch     string   `json:"type_match,omitempty" yaml:"type_match,omitempty"`
	DeptID        string   `json:"dept_id,omitempty" yaml:"dept_id,omitempty"`
	RoleName      string   `json:"role_name,omitempty" yaml:"role_name,omitempty"`
}

// Rule 把配置转换为具体规则；id 为空时由调用方补齐
func (s CCRuleSpec) Rule() (CCRule, error) {
	id := strings.TrimSpace(s.ID)
	switch strings.TrimSpace(s.Type) {
	case CCFixedUsers:
		if len(s.UserIDs) == 0 {
			return nil, fmt.Errorf("fixed_users 规则缺少 user_ids")
		}
		return FixedUsersRule{ID: id, UserIDs: append([]string(nil), s.UserIDs...), UserNames: append([]string(nil), s.UserNames...)}, nil
	case CCReporterManager:
		return ReporterManagerRule{ID: id}, nil
	case CCResponsibleManager:
		return ResponsibleManagerRule{ID: id}, nil
	case CCHandlerManager:
		return HandlerManagerRule{ID: id}, nil
	case CCDeptByLocation:
		if s.LocationMatch == "" || s.DeptID == "" {
			return nil, fmt.Errorf("dept_by_location 规则需要 location_match 和 dept_id")
		}
		return DeptByLocationRule{ID: id, LocationMatch: s.LocationMatch, DeptID: s.DeptID}, nil
	case CCDeptByType:
		if s.TypeMatch == "" || s.DeptID == "" {
			return nil, fmt.Errorf("dept_by_type 规则需要 type_match 和 dept_id")
		}
		return DeptByTypeRule{ID: id, TypeMatch: s.TypeMatch, DeptID: s.DeptID}, nil
	case CCRoleMatch:
		if s.RoleName == "" || s.DeptID == "" {
			return nil, fmt.Errorf("role_match 规则需要 dept_id 和 role_name")
		}
		return RoleMatchRule{ID: id, DeptID: s.DeptID, RoleName: s.RoleName}, nil
	case CCResponsible:
		return ResponsibleRule{ID: id}, nil
	case CCReporter:
		return ReporterRule{ID: id}, nil
	default:
		return nil, fmt.Errorf("未知的抄送规则类型: %q", s.Type)
	}
}

// SpecOfCCRule 规则 → 配置形式
func SpecOfCCRule(r CCRule) CCRuleSpec {
	spec := CCRuleSpec{ID: r.RuleID(), Type: r.RuleType()}
	switch v := r.(type) {
	case FixedUsersRule:
		spec.UserIDs = v.UserIDs
		spec.UserNames = v.UserNames
	case DeptByLocationRule:
		spec.LocationMatch = v.LocationMatch
		spec.DeptID = v.DeptID
	case DeptByTypeRule:
		spec.TypeMatch = v.TypeMatch
		spec.DeptID = v.DeptID
	case RoleMatchRule:
		spec.DeptID = v.DeptID
		spec.RoleName = v.RoleName
	}
	return spec
}

// WithRuleID 返回替换了 id 的规则副本
func WithRuleID(r CCRule, id string) CCRule {
	spec := SpecOfCCRule(r)
	spec.ID = id
	out, err := spec.Rule()
	if err != nil {
		return r
	}
	return out
}

// =============================================================================
// 步骤配置
// =============================================================================

// WorkflowStepConfig 工作流步骤配置；Index 是当前位置的唯一依据
type WorkflowStepConfig struct {
	ID             string
	Name           string
	Index          int
	Handler        HandlerStrategy
	CCRules        []CCRule
	ApprovalMode   ApprovalMode
	RequiredFields []string
}

// StepSpec 步骤配置的 YAML/JSON 形式
type StepSpec struct {
	ID              string       `json:"id" yaml:"id"`
	Name            string       `json:"name" yaml:"name"`
	Index           int          `json:"index" yaml:"index"`
	HandlerStrategy *HandlerSpec `json:"handler_strategy,omitempty" yaml:"handler_strategy,omitempty"`
	CCRules         []CCRuleSpec `json:"cc_rules,omitempty" yaml:"cc_rules,omitempty"`
	ApprovalMode    ApprovalMode `json:"approval_mode,omitempty" yaml:"approval_mode,omitempty"`
	RequiredFields  []string     `json:"required_fields,omitempty" yaml:"required_fields,omitempty"`
}

// Build 校验并转换为步骤配置，未命名的抄送规则按 "<type>#<序号>" 命名
func (s StepSpec) Build() (WorkflowStepConfig, error) {
	step := WorkflowStepConfig{
		ID:             strings.TrimSpace(s.ID),
		Name:           s.Name,
		Index:          s.Index,
		ApprovalMode:   ApprovalMode(strings.ToUpper(string(s.ApprovalMode))),
		RequiredFields: append([]string(nil), s.RequiredFields...),
	}
	if step.ID == "" {
		return step, fmt.Errorf("步骤[%d]缺少 id", s.Index)
	}
	switch step.ApprovalMode {
	case ApprovalModeUnset, ApprovalModeOr, ApprovalModeAnd:
	default:
		return step, fmt.Errorf("步骤[%s]审批模式无效: %s", step.ID, s.ApprovalMode)
	}
	if s.HandlerStrategy != nil && s.HandlerStrategy.Type != "" {
		h, err := s.HandlerStrategy.Strategy()
		if err != nil {
			return step, fmt.Errorf("步骤[%s]: %w", step.ID, err)
		}
		step.Handler = h
	}
	for i, rs := range s.CCRules {
		r, err := rs.Rule()
		if err != nil {
			return step, fmt.Errorf("步骤[%s]抄送规则[%d]: %w", step.ID, i, err)
		}
		if r.RuleID() == "" {
			r = WithRuleID(r, fmt.Sprintf("%s#%d", r.RuleType(), i))
		}
		step.CCRules = append(step.CCRules, r)
	}
	return step, nil
}

// Spec 步骤配置 → YAML/JSON 形式
func (s WorkflowStepConfig) Spec() StepSpec {
	spec := StepSpec{
		ID:             s.ID,
		Name:           s.Name,
		Index:          s.Index,
		ApprovalMode:   s.ApprovalMode,
		RequiredFields: s.RequiredFields,
	}
	if s.Handler != nil {
		h := SpecOfHandler(s.Handler)
		spec.HandlerStrategy = &h
	}
	for _, r := range s.CCRules {
		spec.CCRules = append(spec.CCRules, SpecOfCCRule(r))
	}
	return spec
}

func (s WorkflowStepConfig) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Spec())
}

func (s *WorkflowStepConfig) UnmarshalJSON(data []byte) error {
	var spec StepSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return err
	}
	step, err := spec.Build()
	if err != nil {
		return err
	}
	*s = step
	return nil
}
