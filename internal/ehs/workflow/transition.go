package workflow

import (
	"fmt"
)

// TransitionResult 一次状态流转的结果
type TransitionResult struct {
	Action        string
	FromIndex     int
	FromStepID    string
	FromStatus    string
	NextIndex     int
	NextStepID    string
	NewStatus     string
	Terminal      bool
	Clamped       bool
	ClampedTarget string
}

// Transition 计算动作执行后的目标步骤
// 状态始终由目标步骤 id 推导，不由动作名推导
func (d *Definition) Transition(current int, action string) (TransitionResult, error) {
	last := d.LastIndex()
	if last < 0 {
		return TransitionResult{}, fmt.Errorf("%w: %s 没有步骤", ErrInvalidDefinition, d.Type)
	}
	if current < 0 {
		current = 0
	}
	if current > last {
		current = last
	}
	from := d.Steps[current]
	res := TransitionResult{
		Action:     action,
		FromIndex:  current,
		FromStepID: from.ID,
		FromStatus: d.StatusFor(from.ID),
	}

	next := current
	if action == ActionReject {
		if target, ok := d.RejectTargets[from.ID]; ok {
			if i := d.IndexOf(target); i >= 0 {
				next = i
			} else {
				next = current - 1
			}
		} else {
			next = current - 1
		}
		if next < 0 {
			next = 0
		}
	} else {
		def, ok := d.Actions[action]
		if !ok {
			return res, fmt.Errorf("%w: %s", ErrInvalidAction, action)
		}
		if len(def.From) > 0 && !contains(def.From, from.ID) {
			return res, fmt.Errorf("%w: 步骤[%s]不能执行 %s", ErrActionNotAllowed, from.ID, action)
		}
		next = d.IndexOf(def.Target)
		if next < 0 {
			next = last
			res.Clamped = true
			res.ClampedTarget = def.Target
		}
	}

	to := d.Steps[next]
	res.NextIndex = next
	res.NextStepID = to.ID
	res.NewStatus = d.StatusFor(to.ID)
	res.Terminal = next == last
	return res, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
