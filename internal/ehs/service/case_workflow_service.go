// Package service 案件工作流服务：调用引擎，负责持久化、事务和通知投递
package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/bitfantasy/nimo-ehs/internal/ehs/entity"
	"github.com/bitfantasy/nimo-ehs/internal/ehs/orgchart"
	"github.com/bitfantasy/nimo-ehs/internal/ehs/repository"
	"github.com/bitfantasy/nimo-ehs/internal/ehs/workflow"
)

var (
	ErrHistoricalStep   = errors.New("历史步骤不可修改")
	ErrNoHandler        = errors.New("目标步骤没有可用的处理人")
	ErrUnknownWorkflow  = errors.New("未知的工作流类型")
	ErrInvalidAction    = errors.New("操作无法执行")
	ErrUnknownUser      = errors.New("用户不存在")
	ErrInvalidDirectory = errors.New("组织架构数据无效")
)

// 日志动作（派发动作之外）
const (
	LogActionCreate      = "create"
	LogActionUpdateStep  = "update_step"
	LogActionRefreshStep = "refresh_step"
)

const (
	notifyTimeout      = 30 * time.Second
	createCaseAttempts = 3
)

var codePrefixes = map[string]string{
	entity.WorkflowHazard:   "HZ",
	entity.WorkflowIncident: "IN",
}

// CaseWorkflow 案件及其各步骤解析结果
type CaseWorkflow struct {
	Case    *entity.Case          `json:"case"`
	Success bool                  `json:"success"`
	Steps   []workflow.StepResult `json:"steps"`
}

// ActRequest 执行动作的参数
type ActRequest struct {
	Action   string            `json:"action"`
	Operator entity.UserRef    `json:"operator"`
	Comment  string            `json:"comment"`
	Extra    map[string]string `json:"extra"`
}

// StepPatch 手工修正步骤；nil 字段不修改
type StepPatch struct {
	HandlerIDs []string `json:"handler_ids"`
	CCIDs      []string `json:"cc_ids"`
}

// CaseWorkflowService 案件工作流服务
type CaseWorkflowService struct {
	db        *gorm.DB
	repos     *repository.Repositories
	registry  *workflow.Registry
	engine    *workflow.Engine
	directory *DirectoryLoader
	notifier  Notifier
	logger    *zap.Logger
	now       func() time.Time
}

// NewCaseWorkflowService 创建案件工作流服务
func NewCaseWorkflowService(db *gorm.DB, repos *repository.Repositories, registry *workflow.Registry, engine *workflow.Engine, directory *DirectoryLoader, logger *zap.Logger) *CaseWorkflowService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CaseWorkflowService{
		db:        db,
		repos:     repos,
		registry:  registry,
		engine:    engine,
		directory: directory,
		logger:    logger.Named("case_workflow"),
		now:       time.Now,
	}
}

// SetNotifier 注入通知渠道
func (s *CaseWorkflowService) SetNotifier(n Notifier) {
	s.notifier = n
}

// Definition 按类型取工作流定义
func (s *CaseWorkflowService) Definition(workflowType string) (*workflow.Definition, error) {
	def, ok := s.registry.Get(workflowType)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorkflow, workflowType)
	}
	return def, nil
}

// WorkflowTypes 已注册的工作流类型
func (s *CaseWorkflowService) WorkflowTypes() []string {
	return s.registry.Types()
}

// PreviewWorkflow 提交前预览：对未保存的草稿解析全部步骤，不落库
func (s *CaseWorkflowService) PreviewWorkflow(ctx context.Context, workflowType string, draft *entity.Case, operator entity.UserRef) (*CaseWorkflow, error) {
	def, err := s.Definition(workflowType)
	if err != nil {
		return nil, err
	}
	dir, err := s.directory.Load(ctx)
	if err != nil {
		return nil, err
	}
	def = def.WithDepartments(dir)
	c := s.prepareDraft(def, draft, operator, dir)
	wf := s.engine.ResolveWorkflow(def, c, dir, reporterFor(c, dir, operator))
	return &CaseWorkflow{Case: c, Success: wf.Success, Steps: wf.Steps}, nil
}

// CreateCase 建案：自动分派，解析全部步骤，并在同一事务中写入案件、步骤记录和日志
// 个别步骤解析失败不阻止建案，失败原因记录在步骤上，等待手工修正
func (s *CaseWorkflowService) CreateCase(ctx context.Context, workflowType string, draft *entity.Case, operator entity.UserRef) (*CaseWorkflow, error) {
	def, err := s.Definition(workflowType)
	if err != nil {
		return nil, err
	}
	dir, err := s.directory.Load(ctx)
	if err != nil {
		return nil, err
	}
	def = def.WithDepartments(dir)
	c := s.prepareDraft(def, draft, operator, dir)
	c.ID = uuid.New().String()
	c.CreatedBy = operator.ID

	wf := s.engine.ResolveWorkflow(def, c, dir, reporterFor(c, dir, operator))

	for attempt := 1; ; attempt++ {
		err = s.insertCase(ctx, def, c, wf, operator)
		if err == nil {
			break
		}
		// 并发建案可能拿到同一编号，唯一索引拒绝后重新取号
		if c.Code == "" || attempt >= createCaseAttempts {
			return nil, err
		}
		if taken, cerr := s.repos.Case.CodeExists(ctx, c.Code); cerr != nil || !taken {
			return nil, err
		}
		s.logger.Warn("案件编号冲突，重新生成", zap.String("code", c.Code), zap.Int("attempt", attempt))
	}

	s.logger.Info("案件已创建",
		zap.String("case_id", c.ID),
		zap.String("code", c.Code),
		zap.String("workflow", workflowType),
		zap.Bool("resolved", wf.Success))
	s.notify(Notification{Case: c, Action: LogActionCreate, StepName: def.Steps[0].Name, Status: def.StatusLabel(c.Status)})
	return &CaseWorkflow{Case: c, Success: wf.Success, Steps: wf.Steps}, nil
}

func (s *CaseWorkflowService) insertCase(ctx context.Context, def *workflow.Definition, c *entity.Case, wf workflow.WorkflowResult, operator entity.UserRef) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repos := s.repos.WithTx(tx)
		code, err := s.nextCode(ctx, repos, def.Type)
		if err != nil {
			return err
		}
		c.Code = code
		if err := repos.Case.Create(ctx, c); err != nil {
			return fmt.Errorf("创建案件失败: %w", err)
		}
		if err := repos.Resolution.SaveAll(ctx, c.ID, wf.Resolutions(c.ID)); err != nil {
			return fmt.Errorf("保存步骤解析结果失败: %w", err)
		}
		first := def.Steps[0]
		return repos.CaseLog.Create(ctx, &entity.CaseLog{
			ID:           uuid.New().String(),
			CaseID:       c.ID,
			Action:       LogActionCreate,
			ToStatus:     c.Status,
			StepIndex:    0,
			StepName:     first.Name,
			OperatorID:   operator.ID,
			OperatorName: operator.Name,
			Message:      fmt.Sprintf("创建%s：%s", def.Name, nonEmpty(c.Title, c.Code)),
		})
	})
}

// prepareDraft 复制草稿并补齐初始状态、上报人和自动分派字段
func (s *CaseWorkflowService) prepareDraft(def *workflow.Definition, draft *entity.Case, operator entity.UserRef, dir *orgchart.Index) *entity.Case {
	c := draft.Clone()
	if c == nil {
		c = &entity.Case{}
	}
	c.WorkflowType = def.Type
	c.CurrentStepIndex = 0
	c.Status = def.StatusFor(def.Steps[0].ID)
	if c.ReporterID == "" {
		c.ReporterID = operator.ID
	}
	if c.ReporterDepartmentID == "" {
		if u := dir.User(c.ReporterID); u != nil {
			c.ReporterDepartmentID = u.DepartmentID
		}
	}
	c.CanonicalDepartments(dir.CanonicalDepartmentID)
	if rule := def.ApplyAssignment(c); rule != nil {
		s.logger.Debug("命中自动分派规则", zap.String("rule_id", rule.ID), zap.String("workflow", def.Type))
	}
	return c
}

// nextCode 生成 "<前缀>-<日期>-<序号>"，序号取当天最大编号加一
func (s *CaseWorkflowService) nextCode(ctx context.Context, repos *repository.Repositories, workflowType string) (string, error) {
	prefix, ok := codePrefixes[workflowType]
	if !ok {
		prefix = strings.ToUpper(workflowType)
	}
	prefix = fmt.Sprintf("%s-%s-", prefix, s.now().Format("20060102"))
	latest, err := repos.Case.LatestCode(ctx, prefix)
	if err != nil {
		return "", fmt.Errorf("生成案件编号失败: %w", err)
	}
	seq := 0
	if latest != "" {
		if seq, err = strconv.Atoi(strings.TrimPrefix(latest, prefix)); err != nil {
			return "", fmt.Errorf("无法解析案件编号 %s: %w", latest, err)
		}
	}
	return fmt.Sprintf("%s%04d", prefix, seq+1), nil
}

// Act 执行动作。锁定案件行，优先使用已落库的步骤记录，
// 在同一事务中写入案件状态、缺失的步骤记录和日志，提交后异步投递通知
func (s *CaseWorkflowService) Act(ctx context.Context, caseID string, req ActRequest) (*workflow.DispatchResult, error) {
	dir, err := s.directory.Load(ctx)
	if err != nil {
		return nil, err
	}

	var (
		result workflow.DispatchResult
		def    *workflow.Definition
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repos := s.repos.WithTx(tx)
		c, err := repos.Case.LockByID(ctx, caseID)
		if err != nil {
			return err
		}
		if def, err = s.Definition(c.WorkflowType); err != nil {
			return err
		}
		rows, err := repos.Resolution.GetAll(ctx, caseID)
		if err != nil {
			return fmt.Errorf("读取步骤记录失败: %w", err)
		}

		current := c.CurrentStepIndex
		result = s.engine.Dispatch(workflow.DispatchInput{
			Definition:       def.WithDepartments(dir),
			Case:             c,
			Action:           req.Action,
			Operator:         req.Operator,
			Directory:        dir,
			CurrentStepIndex: &current,
			Comment:          req.Comment,
			Extra:            canonicalExtra(dir, req.Extra),
			Resolutions:      rows,
		})
		if !result.Success {
			return fmt.Errorf("%w: %s", ErrInvalidAction, result.Error)
		}
		if !result.Step.Success && !result.Terminal {
			return fmt.Errorf("%w: %s", ErrNoHandler, result.Step.Error)
		}

		if err := repos.Case.UpdateState(ctx, caseID, result.Case); err != nil {
			return fmt.Errorf("更新案件失败: %w", err)
		}
		if !hasResolved(rows, result.NextStepIndex) {
			row := result.Step.Resolution(caseID)
			if err := repos.Resolution.Upsert(ctx, &row); err != nil {
				return fmt.Errorf("保存步骤解析结果失败: %w", err)
			}
		}
		entry := result.LogEntry
		return repos.CaseLog.Create(ctx, &entity.CaseLog{
			ID:           uuid.New().String(),
			CaseID:       caseID,
			Action:       entry.Action,
			FromStatus:   entry.FromStatus,
			ToStatus:     entry.ToStatus,
			StepIndex:    entry.StepIndex,
			StepName:     entry.StepName,
			OperatorID:   entry.OperatorID,
			OperatorName: entry.OperatorName,
			Message:      entry.Message,
			Comment:      entry.Comment,
		})
	})
	if err != nil {
		s.logger.Warn("案件操作失败",
			zap.String("case_id", caseID),
			zap.String("action", req.Action),
			zap.Error(err))
		return nil, err
	}

	s.notify(Notification{
		Case:     result.Case,
		Action:   req.Action,
		StepName: result.NextStepName,
		Status:   def.StatusLabel(result.NewStatus),
		Handlers: result.Handlers(),
		Intents:  result.Notifications,
	})
	return &result, nil
}

// canonicalExtra 额外字段中的部门引用改写为部门 id
func canonicalExtra(dir *orgchart.Index, extra map[string]string) map[string]string {
	if len(extra) == 0 {
		return extra
	}
	out := make(map[string]string, len(extra))
	for k, v := range extra {
		if entity.IsDepartmentField(k) {
			v = dir.CanonicalDepartmentID(v)
		}
		out[k] = v
	}
	return out
}

func hasResolved(rows []entity.StepResolution, index int) bool {
	for _, r := range rows {
		if r.StepIndex == index && r.Success {
			return true
		}
	}
	return false
}

// GetCase 案件及全部步骤记录
func (s *CaseWorkflowService) GetCase(ctx context.Context, caseID string) (*CaseWorkflow, error) {
	c, err := s.repos.Case.FindByID(ctx, caseID)
	if err != nil {
		return nil, err
	}
	return s.caseWorkflow(ctx, c)
}

// ListWorkflowSteps 案件全部步骤记录（只读，不重新解析）
func (s *CaseWorkflowService) ListWorkflowSteps(ctx context.Context, caseID string) (*CaseWorkflow, error) {
	return s.GetCase(ctx, caseID)
}

func (s *CaseWorkflowService) caseWorkflow(ctx context.Context, c *entity.Case) (*CaseWorkflow, error) {
	def, err := s.Definition(c.WorkflowType)
	if err != nil {
		return nil, err
	}
	rows, err := s.repos.Resolution.GetAll(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	out := &CaseWorkflow{Case: c, Success: len(rows) > 0, Steps: make([]workflow.StepResult, 0, len(rows))}
	for i := range rows {
		step := workflow.StepResultFromResolution(def, &rows[i])
		if !step.Success {
			out.Success = false
		}
		out.Steps = append(out.Steps, step)
	}
	return out, nil
}

// GetWorkflowStep 单个步骤记录
func (s *CaseWorkflowService) GetWorkflowStep(ctx context.Context, caseID string, stepIndex int) (*workflow.StepResult, error) {
	c, err := s.repos.Case.FindByID(ctx, caseID)
	if err != nil {
		return nil, err
	}
	def, err := s.Definition(c.WorkflowType)
	if err != nil {
		return nil, err
	}
	row, err := s.repos.Resolution.Get(ctx, caseID, stepIndex)
	if err != nil {
		return nil, err
	}
	step := workflow.StepResultFromResolution(def, row)
	return &step, nil
}

// UpdateWorkflowStep 手工指定当前或后续步骤的处理人 / 抄送人；历史步骤不可修改
// 后续步骤未解析出处理人时，先在此修正，案件才能流转过去
func (s *CaseWorkflowService) UpdateWorkflowStep(ctx context.Context, caseID string, stepIndex int, patch StepPatch, operator entity.UserRef) (*workflow.StepResult, error) {
	dir, err := s.directory.Load(ctx)
	if err != nil {
		return nil, err
	}
	handlers, err := userRefs(dir, patch.HandlerIDs)
	if err != nil {
		return nil, err
	}
	cc, err := userRefs(dir, patch.CCIDs)
	if err != nil {
		return nil, err
	}

	upd := repository.StepUpdate{Handlers: handlers, CC: cc}
	if handlers != nil {
		matchedBy := "manual:" + operator.ID
		success := len(handlers) > 0
		errMsg := ""
		if !success {
			errMsg = "未指定处理人"
		}
		upd.MatchedBy, upd.Success, upd.Error = &matchedBy, &success, &errMsg
	}
	return s.writeCurrentStep(ctx, caseID, stepIndex, operator, LogActionUpdateStep, func(repos *repository.Repositories, c *entity.Case, def *workflow.Definition) (*entity.StepResolution, error) {
		return repos.Resolution.UpdateOne(ctx, caseID, stepIndex, upd)
	})
}

// RefreshCurrentStep 按当前组织架构重新解析当前步骤，由操作人显式触发
func (s *CaseWorkflowService) RefreshCurrentStep(ctx context.Context, caseID string, operator entity.UserRef) (*workflow.StepResult, error) {
	dir, err := s.directory.Load(ctx)
	if err != nil {
		return nil, err
	}
	return s.writeCurrentStep(ctx, caseID, -1, operator, LogActionRefreshStep, func(repos *repository.Repositories, c *entity.Case, def *workflow.Definition) (*entity.StepResolution, error) {
		sr := s.engine.ResolveStep(def.WithDepartments(dir), c.CurrentStepIndex, c, dir, nil)
		row, err := repos.Resolution.UpdateOne(ctx, caseID, c.CurrentStepIndex, repository.StepUpdate{
			Handlers:  sr.Handlers,
			CC:        sr.CC,
			MatchedBy: &sr.MatchedBy,
			Success:   &sr.Success,
			Error:     &sr.Error,
		})
		if errors.Is(err, repository.ErrNotFound) {
			fresh := sr.Resolution(caseID)
			if err := repos.Resolution.Upsert(ctx, &fresh); err != nil {
				return nil, err
			}
			return &fresh, nil
		}
		return row, err
	})
}

type stepWriter func(repos *repository.Repositories, c *entity.Case, def *workflow.Definition) (*entity.StepResolution, error)

// writeCurrentStep 锁定案件并修改步骤记录；stepIndex 为 -1 表示当前步骤
func (s *CaseWorkflowService) writeCurrentStep(ctx context.Context, caseID string, stepIndex int, operator entity.UserRef, action string, write stepWriter) (*workflow.StepResult, error) {
	var out workflow.StepResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repos := s.repos.WithTx(tx)
		c, err := repos.Case.LockByID(ctx, caseID)
		if err != nil {
			return err
		}
		// 后续步骤允许修正：目标步骤没有处理人时 Act 返回 ErrNoHandler，只能先在这里指定
		if stepIndex >= 0 && stepIndex < c.CurrentStepIndex {
			return fmt.Errorf("%w: 当前步骤为 %d，请求修改 %d", ErrHistoricalStep, c.CurrentStepIndex, stepIndex)
		}
		def, err := s.Definition(c.WorkflowType)
		if err != nil {
			return err
		}
		row, err := write(repos, c, def)
		if err != nil {
			return err
		}
		out = workflow.StepResultFromResolution(def, row)

		msg := fmt.Sprintf("修改[%s]处理人：%s", row.StepName, strings.Join(row.HandlerUserNames, "、"))
		if action == LogActionRefreshStep {
			msg = fmt.Sprintf("重新解析[%s]处理人：%s", row.StepName, strings.Join(row.HandlerUserNames, "、"))
		}
		return repos.CaseLog.Create(ctx, &entity.CaseLog{
			ID:           uuid.New().String(),
			CaseID:       caseID,
			Action:       action,
			FromStatus:   c.Status,
			ToStatus:     c.Status,
			StepIndex:    row.StepIndex,
			StepName:     row.StepName,
			OperatorID:   operator.ID,
			OperatorName: operator.Name,
			Message:      msg,
		})
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("步骤记录已修改",
		zap.String("case_id", caseID),
		zap.String("action", action),
		zap.Int("step_index", out.StepIndex),
		zap.String("matched_by", out.MatchedBy))
	return &out, nil
}

// SyncDirectory 同步组织架构；已落库的步骤记录不受影响，只有之后的建案和刷新读取新数据
func (s *CaseWorkflowService) SyncDirectory(ctx context.Context, users []entity.User, depts []entity.Department) error {
	for _, u := range users {
		if strings.TrimSpace(u.ID) == "" {
			return fmt.Errorf("%w: 用户缺少 id", ErrInvalidDirectory)
		}
	}
	for _, d := range depts {
		if strings.TrimSpace(d.ID) == "" {
			return fmt.Errorf("%w: 部门缺少 id", ErrInvalidDirectory)
		}
	}
	return s.directory.Sync(ctx, users, depts)
}

// ListLogs 案件操作日志
func (s *CaseWorkflowService) ListLogs(ctx context.Context, caseID string) ([]entity.CaseLog, error) {
	if _, err := s.repos.Case.FindByID(ctx, caseID); err != nil {
		return nil, err
	}
	return s.repos.CaseLog.ListByCase(ctx, caseID)
}

// DeleteCase 删除案件及其步骤记录和日志
func (s *CaseWorkflowService) DeleteCase(ctx context.Context, caseID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repos := s.repos.WithTx(tx)
		if err := repos.Resolution.DeleteByCase(ctx, caseID); err != nil {
			return err
		}
		if err := repos.CaseLog.DeleteByCase(ctx, caseID); err != nil {
			return err
		}
		return repos.Case.Delete(ctx, caseID)
	})
}

func (s *CaseWorkflowService) notify(n Notification) {
	if s.notifier == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if err := s.notifier.Notify(ctx, n); err != nil {
			s.logger.Warn("通知投递失败", zap.String("case_id", n.Case.ID), zap.String("action", n.Action), zap.Error(err))
		}
	}()
}

func reporterFor(c *entity.Case, dir *orgchart.Index, operator entity.UserRef) *entity.User {
	if u := dir.User(c.ReporterID); u != nil {
		return u
	}
	if c.ReporterID == operator.ID && operator.ID != "" {
		return &entity.User{ID: operator.ID, Name: operator.Name, DepartmentID: c.ReporterDepartmentID}
	}
	return nil
}

// userRefs ids 为 nil 时返回 nil（不修改），空切片表示清空
func userRefs(dir *orgchart.Index, ids []string) ([]entity.UserRef, error) {
	if ids == nil {
		return nil, nil
	}
	out := make([]entity.UserRef, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		u := dir.User(id)
		if u == nil {
			return nil, fmt.Errorf("%w: %s", ErrUnknownUser, id)
		}
		out = append(out, entity.UserRef{ID: u.ID, Name: u.Name})
	}
	return out, nil
}

func nonEmpty(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
