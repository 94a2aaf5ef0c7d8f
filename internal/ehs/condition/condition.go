// Package condition 字段条件规则求值，用于自动分派规则
package condition

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// 比较运算符
const (
	OpEquals     = "equals"
	OpContains   = "contains"
	OpStartsWith = "startsWith"
	OpIn         = "in"
	OpRegex      = "regex"
	OpLevelGte   = "levelGte"
	OpLevelLte   = "levelLte"
)

// 条件组合方式
const (
	ConjunctionAnd = "AND"
	ConjunctionOr  = "OR"
)

// Record 可被条件匹配的记录（案件、用户）
type Record interface {
	Field(name string) (string, bool)
}

// Rule 条件规则：叶子节点比较单个字段，Conjunction 非空时为组合节点
type Rule struct {
	Field       string      `json:"field,omitempty" yaml:"field,omitempty"`
	Operator    string      `json:"operator,omitempty" yaml:"operator,omitempty"`
	Value       interface{} `json:"value,omitempty" yaml:"value,omitempty"`
	Conjunction string      `json:"conjunction,omitempty" yaml:"conjunction,omitempty"`
	Conditions  []Rule      `json:"conditions,omitempty" yaml:"conditions,omitempty"`
}

// IsGroup 是否为组合节点
func (r Rule) IsGroup() bool {
	return r.Conjunction != "" || len(r.Conditions) > 0
}

// Evaluate 对记录求值；空 AND 为真，空 OR 为假
func Evaluate(r Rule, rec Record) bool {
	if r.IsGroup() {
		if strings.EqualFold(r.Conjunction, ConjunctionOr) {
			for _, c := range r.Conditions {
				if Evaluate(c, rec) {
					return true
				}
			}
			return false
		}
		for _, c := range r.Conditions {
			if !Evaluate(c, rec) {
				return false
			}
		}
		return true
	}
	if rec == nil || r.Field == "" {
		return false
	}
	actual, ok := rec.Field(r.Field)
	if !ok {
		return false
	}
	return Compare(r.Operator, actual, r.Value)
}

// Compare 单个运算符比较，未知运算符为假
func Compare(op, actual string, expected interface{}) bool {
	switch op {
	case OpEquals:
		return actual == toString(expected)
	case OpContains:
		want := toString(expected)
		return want != "" && strings.Contains(actual, want)
	case OpStartsWith:
		want := toString(expected)
		return want != "" && strings.HasPrefix(actual, want)
	case OpIn:
		for _, v := range toList(expected) {
			if actual == v {
				return true
			}
		}
		return false
	case OpRegex:
		re, err := regexp.Compile(toString(expected))
		if err != nil {
			return false
		}
		return re.MatchString(actual)
	case OpLevelGte, OpLevelLte:
		a, ok1 := LevelOf(actual)
		b, ok2 := LevelOf(toString(expected))
		if !ok1 || !ok2 {
			return false
		}
		if op == OpLevelGte {
			return a >= b
		}
		return a <= b
	}
	return false
}

// Validate 检查运算符和正则是否合法
func Validate(r Rule) error {
	if r.IsGroup() {
		switch strings.ToUpper(r.Conjunction) {
		case "", ConjunctionAnd, ConjunctionOr:
		default:
			return fmt.Errorf("未知的条件组合方式: %s", r.Conjunction)
		}
		for i, c := range r.Conditions {
			if err := Validate(c); err != nil {
				return fmt.Errorf("conditions[%d]: %w", i, err)
			}
		}
		return nil
	}
	if r.Field == "" {
		return fmt.Errorf("条件缺少 field")
	}
	switch r.Operator {
	case OpEquals, OpContains, OpStartsWith, OpIn, OpLevelGte, OpLevelLte:
	case OpRegex:
		if _, err := regexp.Compile(toString(r.Value)); err != nil {
			return fmt.Errorf("正则表达式无效: %w", err)
		}
	default:
		return fmt.Errorf("未知的运算符: %s", r.Operator)
	}
	return nil
}

var levelOrdinals = map[string]int{
	"低": 1, "一般": 2, "较大": 3, "重大": 4,
	"low": 1, "medium": 2, "high": 3, "critical": 4,
	"minor": 1, "general": 2, "major": 3, "severe": 4,
}

// LevelOf 风险 / 严重等级的序数；数字按数值比较
func LevelOf(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	if n, ok := levelOrdinals[strings.ToLower(s)]; ok {
		return float64(n), true
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f, true
	}
	return 0, false
}

func toString(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprintf("%v", x)
	}
}

func toList(v interface{}) []string {
	switch x := v.(type) {
	case nil:
		return nil
	case []string:
		return x
	case []interface{}:
		out := make([]string, 0, len(x))
		for _, e := range x {
			out = append(out, toString(e))
		}
		return out
	case string:
		parts := strings.Split(x, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	default:
		return []string{toString(x)}
	}
}

// AssignmentRule 自动分派规则：条件命中时为案件指定部门 / 责任人
type AssignmentRule struct {
	ID                  string `json:"id" yaml:"id"`
	Name                string `json:"name" yaml:"name"`
	Priority            int    `json:"priority" yaml:"priority"`
	Enabled             bool   `json:"enabled" yaml:"enabled"`
	Condition           Rule   `json:"condition" yaml:"condition"`
	AssignDepartmentID  string `json:"assign_department_id,omitempty" yaml:"assign_department_id,omitempty"`
	AssignResponsibleID string `json:"assign_responsible_id,omitempty" yaml:"assign_responsible_id,omitempty"`
}

// MatchFirst 返回优先级最高且命中的启用规则，优先级相同按配置顺序
func MatchFirst(rules []AssignmentRule, rec Record) *AssignmentRule {
	ordered := make([]int, 0, len(rules))
	for i := range rules {
		if rules[i].Enabled {
			ordered = append(ordered, i)
		}
	}
	sort.SliceStable(ordered, func(a, b int) bool {
		return rules[ordered[a]].Priority > rules[ordered[b]].Priority
	})
	for _, i := range ordered {
		if Evaluate(rules[i].Condition, rec) {
			r := rules[i]
			return &r
		}
	}
	return nil
}
