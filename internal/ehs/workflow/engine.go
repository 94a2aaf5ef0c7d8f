package workflow

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/bitfantasy/nimo-ehs/internal/ehs/entity"
	"github.com/bitfantasy/nimo-ehs/internal/ehs/orgchart"
)

// 通知类型
const (
	NotifyStepAssigned = "step_assigned"
	NotifyCC           = "cc"
	NotifyCaseClosed   = "case_closed"
)

// Engine 工作流引擎：不持有可变状态，不做 I/O
// 预览和实际派发走同一套解析逻辑
type Engine struct {
	logger *zap.Logger
}

// NewEngine 创建引擎，logger 为 nil 时不输出日志
func NewEngine(logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{logger: logger.Named("workflow")}
}

// StepResult 单个步骤的解析结果
type StepResult struct {
	StepIndex    int                 `json:"step_index"`
	StepID       string              `json:"step_id"`
	StepName     string              `json:"step_name"`
	Handlers     []entity.UserRef    `json:"handlers"`
	CC           []entity.UserRef    `json:"cc"`
	CCDetails    []CCDetail          `json:"cc_details"`
	MatchedBy    string              `json:"matched_by"`
	ApprovalMode entity.ApprovalMode `json:"approval_mode,omitempty"`
	Success      bool                `json:"success"`
	Error        string              `json:"error,omitempty"`
	Terminal     bool                `json:"terminal"`
}

// Resolution 转换为持久化记录（id 由存储层生成）
func (s StepResult) Resolution(caseID string) entity.StepResolution {
	r := entity.StepResolution{
		CaseID:       caseID,
		StepIndex:    s.StepIndex,
		StepID:       s.StepID,
		StepName:     s.StepName,
		MatchedBy:    s.MatchedBy,
		ApprovalMode: s.ApprovalMode,
		Success:      s.Success,
		Error:        s.Error,
	}
	r.SetHandlers(s.Handlers)
	r.SetCC(s.CC)
	return r
}

// StepResultFromResolution 从持久化记录还原步骤结果
func StepResultFromResolution(def *Definition, r *entity.StepResolution) StepResult {
	return StepResult{
		StepIndex:    r.StepIndex,
		StepID:       r.StepID,
		StepName:     r.StepName,
		Handlers:     r.Handlers(),
		CC:           r.CC(),
		CCDetails:    []CCDetail{},
		MatchedBy:    r.MatchedBy,
		ApprovalMode: r.ApprovalMode,
		Success:      r.Success,
		Error:        r.Error,
		Terminal:     def != nil && r.StepIndex == def.LastIndex(),
	}
}

// WorkflowResult 整个工作流的解析结果
type WorkflowResult struct {
	Success bool         `json:"success"`
	Steps   []StepResult `json:"steps"`
}

// Resolutions 全部步骤的持久化记录
func (w WorkflowResult) Resolutions(caseID string) []entity.StepResolution {
	out := make([]entity.StepResolution, 0, len(w.Steps))
	for _, s := range w.Steps {
		out = append(out, s.Resolution(caseID))
	}
	return out
}

// ResolveStep 解析单个步骤
// 抄送规则中的"当前处理人"取本步骤解析出的第一个处理人
func (e *Engine) ResolveStep(def *Definition, index int, c *entity.Case, dir *orgchart.Index, reporter *entity.User) StepResult {
	step := def.Step(index)
	if step == nil {
		return StepResult{StepIndex: index, Handlers: []entity.UserRef{}, CC: []entity.UserRef{}, CCDetails: []CCDetail{},
			Error: fmt.Sprintf("步骤下标 %d 越界", index)}
	}
	res := StepResult{
		StepIndex:    index,
		StepID:       step.ID,
		StepName:     step.Name,
		ApprovalMode: step.ApprovalMode,
		Terminal:     index == def.LastIndex(),
	}

	if step.Handler == nil && res.Terminal {
		res.Success = true
		res.MatchedBy = "none"
		res.Handlers = []entity.UserRef{}
	} else {
		h := e.ResolveHandlers(step.Handler, c, dir, reporter)
		res.Success = h.Success
		res.Handlers = h.Users
		res.MatchedBy = h.MatchedBy
		if !h.Success {
			res.Error = fmt.Sprintf("步骤[%s]未找到处理人: %s", step.Name, h.Error)
		}
	}

	var current *entity.UserRef
	if len(res.Handlers) > 0 {
		current = &res.Handlers[0]
	}
	cc := e.ResolveCC(step.CCRules, c, dir, reporter, current)
	res.CC = cc.Users
	res.CCDetails = cc.Details

	e.logger.Debug("步骤解析完成",
		zap.String("case_id", caseID(c)),
		zap.String("step_id", step.ID),
		zap.Bool("success", res.Success),
		zap.String("matched_by", res.MatchedBy),
		zap.Strings("handlers", refIDs(res.Handlers)),
		zap.Strings("cc", refIDs(res.CC)))
	return res
}

// ResolveWorkflow 一次性解析全部步骤，用于建案时落库和提交前预览
func (e *Engine) ResolveWorkflow(def *Definition, c *entity.Case, dir *orgchart.Index, reporter *entity.User) WorkflowResult {
	out := WorkflowResult{Success: true, Steps: make([]StepResult, 0, len(def.Steps))}
	for i := range def.Steps {
		s := e.ResolveStep(def, i, c, dir, reporter)
		if !s.Success {
			out.Success = false
			e.logger.Warn("步骤解析失败",
				zap.String("workflow", def.Type),
				zap.String("case_id", caseID(c)),
				zap.String("step_id", s.StepID),
				zap.String("error", s.Error))
		}
		out.Steps = append(out.Steps, s)
	}
	return out
}

// DispatchInput 派发参数
type DispatchInput struct {
	Definition *Definition
	Case       *entity.Case
	Action     string
	Operator   entity.UserRef
	Directory  *orgchart.Index
	// Reporter 目录中没有上报人时（草稿）使用
	Reporter *entity.User
	// CurrentStepIndex 为空时按案件状态反查
	CurrentStepIndex *int
	Comment          string
	Extra            map[string]string
	// Resolutions 已落库的步骤记录，目标步骤有成功记录时直接使用
	Resolutions []entity.StepResolution
}

// LogEntry 操作日志内容
type LogEntry struct {
	Action       string `json:"action"`
	FromStatus   string `json:"from_status"`
	ToStatus     string `json:"to_status"`
	StepIndex    int    `json:"step_index"`
	StepName     string `json:"step_name"`
	OperatorID   string `json:"operator_id"`
	OperatorName string `json:"operator_name"`
	Message      string `json:"message"`
	Comment      string `json:"comment,omitempty"`
}

// NotificationIntent 通知意图，由调用方投递
type NotificationIntent struct {
	Kind     string `json:"kind"`
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
	CaseID   string `json:"case_id"`
	Title    string `json:"title"`
	Body     string `json:"body"`
}

// DispatchResult 派发结果
// Success 为 false 时状态和步骤保持不变，调用方直接拒绝操作即可
type DispatchResult struct {
	Success       bool                 `json:"success"`
	Error         string               `json:"error,omitempty"`
	Action        string               `json:"action"`
	FromStatus    string               `json:"from_status"`
	NewStatus     string               `json:"new_status"`
	FromStepIndex int                  `json:"from_step_index"`
	NextStepIndex int                  `json:"next_step_index"`
	NextStepID    string               `json:"next_step_id"`
	NextStepName  string               `json:"next_step_name"`
	Terminal      bool                 `json:"terminal"`
	Step          StepResult           `json:"step"`
	Case          *entity.Case         `json:"case"`
	LogEntry      LogEntry             `json:"log_entry"`
	Notifications []NotificationIntent `json:"notifications"`
}

// Handlers 目标步骤的处理人
func (r DispatchResult) Handlers() []entity.UserRef { return r.Step.Handlers }

// CC 目标步骤的抄送人
func (r DispatchResult) CC() []entity.UserRef { return r.Step.CC }

// Dispatch 执行一次状态流转并解析目标步骤的处理人和抄送人
// 不修改传入的案件；任何 panic 都会被转换为失败结果
func (e *Engine) Dispatch(in DispatchInput) (result DispatchResult) {
	status := ""
	if in.Case != nil {
		status = in.Case.Status
	}
	fail := func(from int, msg string) DispatchResult {
		return DispatchResult{
			Success:       false,
			Error:         msg,
			Action:        in.Action,
			FromStatus:    status,
			NewStatus:     status,
			FromStepIndex: from,
			NextStepIndex: from,
			Step:          StepResult{StepIndex: from, Handlers: []entity.UserRef{}, CC: []entity.UserRef{}, CCDetails: []CCDetail{}},
			Case:          in.Case.Clone(),
			Notifications: []NotificationIntent{},
		}
	}

	current := 0
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("派发异常", zap.String("case_id", caseID(in.Case)), zap.String("action", in.Action), zap.Any("panic", r))
			result = fail(current, fmt.Sprintf("派发异常: %v", r))
		}
	}()

	if in.Definition == nil || in.Case == nil {
		return fail(current, "缺少工作流定义或案件")
	}
	def := in.Definition
	current = e.currentIndex(def, in)
	if locked := entity.ProtectedFieldsIn(in.Extra); len(locked) > 0 {
		e.logger.Warn("额外字段试图修改受保护字段", zap.String("case_id", in.Case.ID), zap.Strings("fields", locked))
		return fail(current, fmt.Sprintf("字段不可修改: %s", strings.Join(locked, ", ")))
	}

	tr, err := def.Transition(current, in.Action)
	if err != nil {
		e.logger.Warn("状态流转失败", zap.String("case_id", in.Case.ID), zap.String("action", in.Action), zap.Error(err))
		return fail(current, err.Error())
	}
	if tr.Clamped {
		e.logger.Warn("目标步骤不存在，按最后一步处理",
			zap.String("workflow", def.Type),
			zap.String("action", in.Action),
			zap.String("target", tr.ClampedTarget))
	}

	updated := in.Case.Clone()
	updated.Apply(in.Extra)
	updated.Status = tr.NewStatus
	updated.CurrentStepIndex = tr.NextIndex

	step := def.Steps[tr.NextIndex]
	if in.Action != ActionReject {
		if missing := missingFields(updated, step.RequiredFields); len(missing) > 0 {
			return fail(current, fmt.Sprintf("步骤[%s]缺少必填字段: %s", step.Name, strings.Join(missing, ", ")))
		}
	}

	var sr StepResult
	if stored := storedResolution(in.Resolutions, tr.NextIndex); stored != nil {
		sr = StepResultFromResolution(def, stored)
		sr.MatchedBy = "stored:" + stored.MatchedBy
	} else {
		sr = e.ResolveStep(def, tr.NextIndex, updated, in.Directory, in.Reporter)
	}

	label := def.StatusLabel(tr.NewStatus)
	result = DispatchResult{
		Success:       true,
		Action:        in.Action,
		FromStatus:    in.Case.Status,
		NewStatus:     tr.NewStatus,
		FromStepIndex: tr.FromIndex,
		NextStepIndex: tr.NextIndex,
		NextStepID:    step.ID,
		NextStepName:  step.Name,
		Terminal:      tr.Terminal,
		Step:          sr,
		Case:          updated,
		LogEntry: LogEntry{
			Action:       in.Action,
			FromStatus:   in.Case.Status,
			ToStatus:     tr.NewStatus,
			StepIndex:    tr.NextIndex,
			StepName:     step.Name,
			OperatorID:   in.Operator.ID,
			OperatorName: in.Operator.Name,
			Message:      logMessage(step.Name, label, sr.Handlers, in.Comment),
			Comment:      in.Comment,
		},
		Notifications: buildNotifications(updated, step, label, sr, tr.Terminal, in.Directory, in.Reporter),
	}
	e.logger.Info("案件派发",
		zap.String("case_id", in.Case.ID),
		zap.String("action", in.Action),
		zap.Int("from", tr.FromIndex),
		zap.Int("to", tr.NextIndex),
		zap.String("status", tr.NewStatus),
		zap.Bool("resolved", sr.Success),
		zap.String("matched_by", sr.MatchedBy))
	return result
}

func (e *Engine) currentIndex(def *Definition, in DispatchInput) int {
	if in.CurrentStepIndex != nil {
		return *in.CurrentStepIndex
	}
	if i := def.IndexForStatus(in.Case.Status); i >= 0 {
		return i
	}
	e.logger.Warn("案件状态无法对应步骤，使用 current_step_index",
		zap.String("case_id", in.Case.ID),
		zap.String("status", in.Case.Status))
	return in.Case.CurrentStepIndex
}

func storedResolution(rows []entity.StepResolution, index int) *entity.StepResolution {
	for i := range rows {
		if rows[i].StepIndex == index && rows[i].Success {
			return &rows[i]
		}
	}
	return nil
}

func missingFields(c *entity.Case, fields []string) []string {
	var missing []string
	for _, f := range fields {
		if v, ok := c.Field(f); !ok || strings.TrimSpace(v) == "" {
			missing = append(missing, f)
		}
	}
	return missing
}

func logMessage(stepName, statusLabel string, handlers []entity.UserRef, comment string) string {
	msg := fmt.Sprintf("进入[%s]，状态：%s", stepName, statusLabel)
	if len(handlers) > 0 {
		msg += "，处理人：" + strings.Join(refNames(handlers), "、")
	}
	if comment != "" {
		msg += "，备注：" + comment
	}
	return msg
}

func buildNotifications(c *entity.Case, step entity.WorkflowStepConfig, statusLabel string, sr StepResult, terminal bool, dir *orgchart.Index, reporter *entity.User) []NotificationIntent {
	out := []NotificationIntent{}
	subject := c.Title
	if subject == "" {
		subject = c.Code
	}
	notified := make(map[string]bool)
	for _, h := range sr.Handlers {
		notified[h.ID] = true
		out = append(out, NotificationIntent{
			Kind:     NotifyStepAssigned,
			UserID:   h.ID,
			UserName: h.Name,
			CaseID:   c.ID,
			Title:    fmt.Sprintf("待处理：%s", step.Name),
			Body:     fmt.Sprintf("%s 已进入[%s]，状态：%s", subject, step.Name, statusLabel),
		})
	}
	for _, u := range sr.CC {
		if notified[u.ID] {
			continue
		}
		notified[u.ID] = true
		out = append(out, NotificationIntent{
			Kind:     NotifyCC,
			UserID:   u.ID,
			UserName: u.Name,
			CaseID:   c.ID,
			Title:    fmt.Sprintf("抄送：%s", step.Name),
			Body:     fmt.Sprintf("%s 已进入[%s]，状态：%s", subject, step.Name, statusLabel),
		})
	}
	if terminal {
		if u := reporterOf(c, dir, reporter); u != nil {
			out = append(out, NotificationIntent{
				Kind:     NotifyCaseClosed,
				UserID:   u.ID,
				UserName: u.Name,
				CaseID:   c.ID,
				Title:    "案件已关闭",
				Body:     fmt.Sprintf("您上报的 %s 已关闭", subject),
			})
		}
	}
	return out
}
