// Package workflow 案件工作流：步骤定义、状态流转、处理人 / 抄送人解析与派发
package workflow

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/bitfantasy/nimo-ehs/internal/ehs/condition"
	"github.com/bitfantasy/nimo-ehs/internal/ehs/entity"
	"github.com/bitfantasy/nimo-ehs/internal/ehs/orgchart"
)

// 内置动作
const (
	ActionSubmit              = "submit"
	ActionAssign              = "assign"
	ActionSubmitRectification = "submit_rectification"
	ActionSubmitInvestigation = "submit_investigation"
	ActionApprove             = "approve"
	ActionReject              = "reject"
	ActionClose               = "close"
	ActionReopen              = "reopen"
)

var (
	ErrInvalidAction     = errors.New("无效的操作")
	ErrActionNotAllowed  = errors.New("当前步骤不允许该操作")
	ErrInvalidDefinition = errors.New("工作流定义无效")
)

// ActionDef 动作 → 目标步骤
// From 为空表示任意步骤都可执行
type ActionDef struct {
	Target string   `json:"target" yaml:"target"`
	From   []string `json:"from,omitempty" yaml:"from,omitempty"`
	Label  string   `json:"label,omitempty" yaml:"label,omitempty"`
}

// Definition 某一工作流类型的静态配置
type Definition struct {
	Type            string                      `json:"type"`
	Name            string                      `json:"name"`
	Steps           []entity.WorkflowStepConfig `json:"steps"`
	Actions         map[string]ActionDef        `json:"actions"`
	StatusMap       map[string]string           `json:"status_map,omitempty"`
	StatusLabels    map[string]string           `json:"status_labels,omitempty"`
	RejectTargets   map[string]string           `json:"reject_targets,omitempty"`
	AssignmentRules []condition.AssignmentRule  `json:"assignment_rules,omitempty"`
}

// definitionFile YAML 文件结构
type definitionFile struct {
	Type            string                     `yaml:"type"`
	Name            string                     `yaml:"name"`
	Steps           []entity.StepSpec          `yaml:"steps"`
	Actions         map[string]ActionDef       `yaml:"actions"`
	StatusMap       map[string]string          `yaml:"status_map"`
	StatusLabels    map[string]string          `yaml:"status_labels"`
	RejectTargets   map[string]string          `yaml:"reject_targets"`
	AssignmentRules []condition.AssignmentRule `yaml:"assignment_rules"`
}

func (f definitionFile) build() (*Definition, error) {
	def := &Definition{
		Type:            strings.TrimSpace(f.Type),
		Name:            f.Name,
		Actions:         f.Actions,
		StatusMap:       f.StatusMap,
		StatusLabels:    f.StatusLabels,
		RejectTargets:   f.RejectTargets,
		AssignmentRules: f.AssignmentRules,
	}
	if def.Type == "" {
		return nil, fmt.Errorf("%w: 缺少 type", ErrInvalidDefinition)
	}
	specs := append([]entity.StepSpec(nil), f.Steps...)
	sort.SliceStable(specs, func(i, j int) bool { return specs[i].Index < specs[j].Index })
	for _, spec := range specs {
		step, err := spec.Build()
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidDefinition, def.Type, err)
		}
		def.Steps = append(def.Steps, step)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def.Normalized(), nil
}

// Validate 校验步骤表：index 从 0 连续，步骤 id 和状态唯一，分派规则条件合法
func (d *Definition) Validate() error {
	if len(d.Steps) == 0 {
		return fmt.Errorf("%w: %s 没有步骤", ErrInvalidDefinition, d.Type)
	}
	seen := make(map[string]bool, len(d.Steps))
	for i, step := range d.Steps {
		if step.Index != i {
			return fmt.Errorf("%w: %s 步骤 index 不连续 (位置 %d 的 index 为 %d)", ErrInvalidDefinition, d.Type, i, step.Index)
		}
		if seen[step.ID] {
			return fmt.Errorf("%w: %s 步骤 id 重复: %s", ErrInvalidDefinition, d.Type, step.ID)
		}
		seen[step.ID] = true
	}
	// 状态反查步骤必须唯一
	stepOfStatus := make(map[string]string, len(d.Steps))
	for _, step := range d.Steps {
		status := d.StatusFor(step.ID)
		if other, dup := stepOfStatus[status]; dup {
			return fmt.Errorf("%w: %s 步骤 %s 与 %s 映射到同一状态 %s", ErrInvalidDefinition, d.Type, other, step.ID, status)
		}
		stepOfStatus[status] = step.ID
	}
	for name, a := range d.Actions {
		if strings.TrimSpace(name) == "" || strings.TrimSpace(a.Target) == "" {
			return fmt.Errorf("%w: %s 动作 %q 缺少目标步骤", ErrInvalidDefinition, d.Type, name)
		}
	}
	for _, r := range d.AssignmentRules {
		if err := condition.Validate(r.Condition); err != nil {
			return fmt.Errorf("%w: %s 分派规则 %s: %v", ErrInvalidDefinition, d.Type, r.ID, err)
		}
	}
	return nil
}

// Normalized 补齐默认值：驳回目标、状态映射、关闭动作
func (d *Definition) Normalized() *Definition {
	out := *d
	if out.RejectTargets == nil {
		out.RejectTargets = map[string]string{"reviewed": "investigating"}
	}
	if out.StatusMap == nil {
		out.StatusMap = map[string]string{}
	}
	if out.StatusLabels == nil {
		out.StatusLabels = map[string]string{}
	}
	if out.Actions == nil {
		out.Actions = map[string]ActionDef{}
	}
	if _, ok := out.Actions[ActionClose]; !ok && len(out.Steps) > 0 {
		out.Actions[ActionClose] = ActionDef{Target: out.Steps[len(out.Steps)-1].ID}
	}
	return &out
}

// Lint 返回不影响运行的配置问题（运行时会被兜底处理）
func (d *Definition) Lint() []string {
	var warnings []string
	names := make([]string, 0, len(d.Actions))
	for name := range d.Actions {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		a := d.Actions[name]
		if d.IndexOf(a.Target) < 0 {
			warnings = append(warnings, fmt.Sprintf("动作 %s 的目标步骤 %s 不存在，将按最后一步处理", name, a.Target))
		}
		for _, from := range a.From {
			if d.IndexOf(from) < 0 {
				warnings = append(warnings, fmt.Sprintf("动作 %s 的来源步骤 %s 不存在", name, from))
			}
		}
	}
	froms := make([]string, 0, len(d.RejectTargets))
	for from := range d.RejectTargets {
		froms = append(froms, from)
	}
	sort.Strings(froms)
	for _, from := range froms {
		to := d.RejectTargets[from]
		if d.IndexOf(from) >= 0 && d.IndexOf(to) < 0 {
			warnings = append(warnings, fmt.Sprintf("步骤 %s 的驳回目标 %s 不存在", from, to))
		}
	}
	for i, step := range d.Steps {
		if step.Handler == nil && i != d.LastIndex() {
			warnings = append(warnings, fmt.Sprintf("步骤 %s 未配置处理人", step.ID))
		}
	}
	return warnings
}

// ApplyAssignment 按优先级命中第一条启用的自动分派规则，只填补案件中为空的字段
func (d *Definition) ApplyAssignment(c *entity.Case) *condition.AssignmentRule {
	rule := condition.MatchFirst(d.AssignmentRules, c)
	if rule == nil {
		return nil
	}
	if c.AssignedDepartmentID == "" {
		c.AssignedDepartmentID = rule.AssignDepartmentID
	}
	if c.ResponsibleID == "" {
		c.ResponsibleID = rule.AssignResponsibleID
	}
	return rule
}

// WithDepartments 把抄送规则和分派规则中的部门引用改写为目录中的部门 id
// 没有需要改写的引用时返回 d 本身
func (d *Definition) WithDepartments(dir *orgchart.Index) *Definition {
	if dir == nil {
		return d
	}
	canon := dir.CanonicalDepartmentID
	changed := false
	steps := make([]entity.WorkflowStepConfig, len(d.Steps))
	for i, step := range d.Steps {
		steps[i] = step
		var rules []entity.CCRule
		for j, r := range step.CCRules {
			nr := canonicalRule(r, canon)
			if nr == nil {
				continue
			}
			if rules == nil {
				rules = append([]entity.CCRule(nil), step.CCRules...)
			}
			rules[j] = nr
		}
		if rules != nil {
			steps[i].CCRules = rules
			changed = true
		}
	}
	var assignments []condition.AssignmentRule
	for i, r := range d.AssignmentRules {
		if r.AssignDepartmentID == "" {
			continue
		}
		if id := canon(r.AssignDepartmentID); id != r.AssignDepartmentID {
			if assignments == nil {
				assignments = append([]condition.AssignmentRule(nil), d.AssignmentRules...)
			}
			assignments[i].AssignDepartmentID = id
		}
	}
	if !changed && assignments == nil {
		return d
	}
	out := *d
	out.Steps = steps
	if assignments != nil {
		out.AssignmentRules = assignments
	}
	return &out
}

// canonicalRule 部门引用需要改写时返回新规则，否则返回 nil
func canonicalRule(r entity.CCRule, canon func(string) string) entity.CCRule {
	switch v := r.(type) {
	case entity.DeptByLocationRule:
		if id := canon(v.DeptID); id != v.DeptID {
			v.DeptID = id
			return v
		}
	case entity.DeptByTypeRule:
		if id := canon(v.DeptID); id != v.DeptID {
			v.DeptID = id
			return v
		}
	case entity.RoleMatchRule:
		if id := canon(v.DeptID); id != v.DeptID {
			v.DeptID = id
			return v
		}
	}
	return nil
}

// LastIndex 最后一步（终态）的下标
func (d *Definition) LastIndex() int {
	return len(d.Steps) - 1
}

// IndexOf 按步骤 id 查下标，找不到返回 -1
func (d *Definition) IndexOf(stepID string) int {
	for i, s := range d.Steps {
		if s.ID == stepID {
			return i
		}
	}
	return -1
}

// Step 按下标取步骤，越界时返回 nil
func (d *Definition) Step(index int) *entity.WorkflowStepConfig {
	if index < 0 || index >= len(d.Steps) {
		return nil
	}
	return &d.Steps[index]
}

// StatusFor 步骤 id → 案件状态
func (d *Definition) StatusFor(stepID string) string {
	if s, ok := d.StatusMap[stepID]; ok && s != "" {
		return s
	}
	return stepID
}

// StatusLabel 状态的显示名
func (d *Definition) StatusLabel(status string) string {
	if l, ok := d.StatusLabels[status]; ok && l != "" {
		return l
	}
	return status
}

// IndexForStatus 案件状态 → 步骤下标，找不到返回 -1
func (d *Definition) IndexForStatus(status string) int {
	for i, s := range d.Steps {
		if d.StatusFor(s.ID) == status {
			return i
		}
	}
	return -1
}

// ActionNames 已配置的动作（含 reject），按名称排序
func (d *Definition) ActionNames() []string {
	names := []string{ActionReject}
	for name := range d.Actions {
		if name != ActionReject {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
