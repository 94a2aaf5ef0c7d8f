package workflow

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/bitfantasy/nimo-ehs/internal/ehs/entity"
	"github.com/bitfantasy/nimo-ehs/internal/ehs/orgchart"
)

// HandlerResult 处理人解析结果
type HandlerResult struct {
	Success   bool             `json:"success"`
	Users     []entity.UserRef `json:"users"`
	MatchedBy string           `json:"matched_by,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// UserIDs 处理人 id 列表
func (r HandlerResult) UserIDs() []string {
	return refIDs(r.Users)
}

// CCDetail 单条抄送规则的命中明细，只记录命中的规则
type CCDetail struct {
	RuleID    string           `json:"rule_id"`
	RuleType  string           `json:"rule_type"`
	MatchedBy string           `json:"matched_by"`
	Users     []entity.UserRef `json:"users"`
}

// CCResult 抄送人解析结果：全部命中规则的并集（按 id 去重，保持首次出现的顺序）
type CCResult struct {
	Users   []entity.UserRef `json:"users"`
	Details []CCDetail       `json:"details"`
}

// UserIDs 抄送人 id 列表
func (r CCResult) UserIDs() []string {
	return refIDs(r.Users)
}

// ResolveHandlers 按策略解析步骤处理人
// 解析失败只影响本步骤，不返回 error
func (e *Engine) ResolveHandlers(strategy entity.HandlerStrategy, c *entity.Case, dir *orgchart.Index, reporter *entity.User) HandlerResult {
	users, matchedBy, err := resolveStrategy(strategy, c, dir, reporter)
	if err != nil {
		e.logger.Debug("处理人解析失败",
			zap.String("case_id", caseID(c)),
			zap.String("strategy", strategyType(strategy)),
			zap.Error(err))
		return HandlerResult{Success: false, Users: []entity.UserRef{}, Error: err.Error()}
	}
	return HandlerResult{Success: true, Users: users, MatchedBy: matchedBy}
}

func resolveStrategy(strategy entity.HandlerStrategy, c *entity.Case, dir *orgchart.Index, reporter *entity.User) ([]entity.UserRef, string, error) {
	if c == nil {
		return nil, "", fmt.Errorf("案件为空")
	}
	switch s := strategy.(type) {
	case entity.FixedHandler:
		u := dir.User(s.UserID)
		if u == nil {
			return nil, "", fmt.Errorf("指定处理人 %s 不存在", s.UserID)
		}
		return []entity.UserRef{ref(u)}, "fixed:" + u.ID, nil

	case entity.ReporterHandler:
		u := reporterOf(c, dir, reporter)
		if u == nil {
			if c.ReporterID == "" {
				return nil, "", fmt.Errorf("案件未设置上报人")
			}
			return nil, "", fmt.Errorf("上报人 %s 不存在", c.ReporterID)
		}
		return []entity.UserRef{ref(u)}, "reporter:" + u.ID, nil

	case entity.DepartmentManagerHandler:
		deptID := caseDepartment(c)
		if deptID == "" {
			return nil, "", fmt.Errorf("案件未设置所属部门")
		}
		var out []entity.UserRef
		for _, u := range dir.UsersInDepartment(deptID) {
			if isManagerRole(u.Role) {
				out = append(out, ref(u))
			}
		}
		if len(out) == 0 {
			return nil, "", fmt.Errorf("部门 %s 没有管理人员", deptID)
		}
		return out, "department_manager:" + deptID, nil

	case entity.RoleHandler:
		var out []entity.UserRef
		for _, u := range dir.UsersWithRole(s.Value) {
			out = append(out, ref(u))
		}
		if len(out) == 0 {
			return nil, "", fmt.Errorf("没有角色为 %s 的用户", s.Value)
		}
		return out, "role:" + s.Value, nil

	case nil:
		return nil, "", fmt.Errorf("步骤未配置处理人")
	}
	return nil, "", fmt.Errorf("未知的处理人策略: %s", strategy.StrategyType())
}

// ResolveCC 逐条执行抄送规则并合并结果，单条规则失败不影响其他规则
func (e *Engine) ResolveCC(rules []entity.CCRule, c *entity.Case, dir *orgchart.Index, reporter *entity.User, currentHandler *entity.UserRef) CCResult {
	res := CCResult{Users: []entity.UserRef{}, Details: []CCDetail{}}
	if c == nil {
		return res
	}
	seen := make(map[string]bool)
	for _, rule := range rules {
		users, matchedBy, err := resolveCCRule(rule, c, dir, reporter, currentHandler)
		if err != nil {
			e.logger.Debug("抄送规则未命中",
				zap.String("case_id", c.ID),
				zap.String("rule_id", rule.RuleID()),
				zap.String("rule_type", rule.RuleType()),
				zap.Error(err))
			continue
		}
		res.Details = append(res.Details, CCDetail{
			RuleID:    rule.RuleID(),
			RuleType:  rule.RuleType(),
			MatchedBy: matchedBy,
			Users:     users,
		})
		for _, u := range users {
			if u.ID == "" || seen[u.ID] {
				continue
			}
			seen[u.ID] = true
			res.Users = append(res.Users, u)
		}
	}
	return res
}

func resolveCCRule(rule entity.CCRule, c *entity.Case, dir *orgchart.Index, reporter *entity.User, currentHandler *entity.UserRef) ([]entity.UserRef, string, error) {
	switch r := rule.(type) {
	case entity.FixedUsersRule:
		if len(r.UserNames) > 0 && len(r.UserNames) == len(r.UserIDs) {
			out := make([]entity.UserRef, 0, len(r.UserIDs))
			for i, id := range r.UserIDs {
				out = append(out, entity.UserRef{ID: id, Name: r.UserNames[i]})
			}
			return out, "fixed_users", nil
		}
		var out []entity.UserRef
		for _, id := range r.UserIDs {
			if u := dir.User(id); u != nil {
				out = append(out, ref(u))
			}
		}
		if len(out) == 0 {
			return nil, "", fmt.Errorf("固定抄送人均不存在")
		}
		return out, "fixed_users", nil

	case entity.ReporterManagerRule:
		anchor := c.ReporterID
		if anchor == "" && reporter != nil {
			anchor = reporter.ID
		}
		return supervisorRef(dir, anchor, "上报人", "reporter_manager")

	case entity.ResponsibleManagerRule:
		return supervisorRef(dir, c.ResponsibleID, "责任人", "responsible_manager")

	case entity.HandlerManagerRule:
		if currentHandler == nil {
			return supervisorRef(dir, "", "当前处理人", "handler_manager")
		}
		return supervisorRef(dir, currentHandler.ID, "当前处理人", "handler_manager")

	case entity.DeptByLocationRule:
		if c.Location == "" || !strings.Contains(c.Location, r.LocationMatch) {
			return nil, "", fmt.Errorf("地点 %q 不包含 %q", c.Location, r.LocationMatch)
		}
		return departmentRefs(dir, r.DeptID, "dept_by_location:"+r.DeptID)

	case entity.DeptByTypeRule:
		if c.Type != r.TypeMatch {
			return nil, "", fmt.Errorf("类型 %q 不等于 %q", c.Type, r.TypeMatch)
		}
		return departmentRefs(dir, r.DeptID, "dept_by_type:"+r.DeptID)

	case entity.RoleMatchRule:
		var out []entity.UserRef
		for _, u := range dir.UsersInDepartment(r.DeptID) {
			if strings.Contains(u.Role, r.RoleName) {
				out = append(out, ref(u))
			}
		}
		if len(out) == 0 {
			return nil, "", fmt.Errorf("部门 %s 没有角色含 %s 的用户", r.DeptID, r.RoleName)
		}
		return out, "role_match:" + r.RoleName, nil

	case entity.ResponsibleRule:
		u := dir.User(c.ResponsibleID)
		if u == nil {
			return nil, "", fmt.Errorf("责任人 %q 不存在", c.ResponsibleID)
		}
		return []entity.UserRef{ref(u)}, "responsible", nil

	case entity.ReporterRule:
		u := reporterOf(c, dir, reporter)
		if u == nil {
			return nil, "", fmt.Errorf("上报人 %q 不存在", c.ReporterID)
		}
		return []entity.UserRef{ref(u)}, "reporter", nil
	}
	return nil, "", fmt.Errorf("未知的抄送规则: %s", rule.RuleType())
}

func supervisorRef(dir *orgchart.Index, anchorID, anchorLabel, matchedBy string) ([]entity.UserRef, string, error) {
	if anchorID == "" {
		return nil, "", fmt.Errorf("%s为空", anchorLabel)
	}
	sup := dir.SupervisorOf(anchorID)
	if sup == nil {
		return nil, "", fmt.Errorf("找不到%s %s 的上级", anchorLabel, anchorID)
	}
	return []entity.UserRef{ref(sup)}, matchedBy + ":" + sup.ID, nil
}

func departmentRefs(dir *orgchart.Index, deptID, matchedBy string) ([]entity.UserRef, string, error) {
	members := dir.UsersInDepartment(deptID)
	if len(members) == 0 {
		return nil, "", fmt.Errorf("部门 %s 没有成员", deptID)
	}
	out := make([]entity.UserRef, 0, len(members))
	for _, u := range members {
		out = append(out, ref(u))
	}
	return out, matchedBy, nil
}

// reporterOf 目录中的上报人；草稿预览时目录里可能还没有，使用调用方传入的 reporter
func reporterOf(c *entity.Case, dir *orgchart.Index, reporter *entity.User) *entity.User {
	if c.ReporterID != "" {
		if u := dir.User(c.ReporterID); u != nil {
			return u
		}
	}
	if reporter != nil && (c.ReporterID == "" || reporter.ID == c.ReporterID) {
		return reporter
	}
	return nil
}

func caseDepartment(c *entity.Case) string {
	for _, id := range []string{c.AssignedDepartmentID, c.ResponsibleDepartmentID, c.ReporterDepartmentID} {
		if id = strings.TrimSpace(id); id != "" {
			return id
		}
	}
	return ""
}

func isManagerRole(role string) bool {
	return role == "manager" || role == "admin" || strings.Contains(role, "主管")
}

func ref(u *entity.User) entity.UserRef {
	return entity.UserRef{ID: u.ID, Name: u.Name}
}

func refIDs(refs []entity.UserRef) []string {
	out := make([]string, 0, len(refs))
	for _, r := range refs {
		out = append(out, r.ID)
	}
	return out
}

func refNames(refs []entity.UserRef) []string {
	out := make([]string, 0, len(refs))
	for _, r := range refs {
		out = append(out, r.Name)
	}
	return out
}

func caseID(c *entity.Case) string {
	if c == nil {
		return ""
	}
	return c.ID
}

func strategyType(s entity.HandlerStrategy) string {
	if s == nil {
		return "none"
	}
	return s.StrategyType()
}
