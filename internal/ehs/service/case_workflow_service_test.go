package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/bitfantasy/nimo-ehs/internal/ehs/entity"
	"github.com/bitfantasy/nimo-ehs/internal/ehs/repository"
	"github.com/bitfantasy/nimo-ehs/internal/ehs/testutil"
	"github.com/bitfantasy/nimo-ehs/internal/ehs/workflow"
)

type recordingNotifier struct {
	mu   sync.Mutex
	sent []Notification
}

func (r *recordingNotifier) Notify(ctx context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

func (r *recordingNotifier) find(action string) (Notification, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.sent {
		if n.Action == action {
			return n, true
		}
	}
	return Notification{}, false
}

type fixture struct {
	db       *gorm.DB
	repos    *repository.Repositories
	svc      *CaseWorkflowService
	notifier *recordingNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.SetupTestDB(t)
	testutil.SeedOrg(t, db)
	repos := repository.NewRepositories(db)
	reg, err := workflow.LoadRegistry("")
	require.NoError(t, err)
	svc := NewCaseWorkflowService(db, repos, reg, workflow.NewEngine(nil), NewDirectoryLoader(repos, nil, 0, nil, nil), nil)
	svc.now = func() time.Time { return time.Date(2026, 10, 19, 9, 0, 0, 0, time.Local) }
	n := &recordingNotifier{}
	svc.SetNotifier(n)
	return &fixture{db: db, repos: repos, svc: svc, notifier: n}
}

var (
	reporter = entity.UserRef{ID: "u1", Name: "张三"}
	admin    = entity.UserRef{ID: "boss", Name: "总经理"}
)

func incidentDraft() *entity.Case {
	return &entity.Case{
		Title:         "冲压机夹手",
		Type:          "机械伤害",
		Location:      "生产车间A",
		ResponsibleID: "u2",
	}
}

func ids(refs []entity.UserRef) []string {
	out := make([]string, 0, len(refs))
	for _, r := range refs {
		out = append(out, r.ID)
	}
	return out
}

func TestCreateCase_PersistsAllSteps(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cw, err := f.svc.CreateCase(ctx, entity.WorkflowIncident, incidentDraft(), reporter)
	require.NoError(t, err)
	require.True(t, cw.Success)
	c := cw.Case
	assert.Equal(t, "IN-20261019-0001", c.Code)
	assert.Equal(t, "reported", c.Status)
	assert.Equal(t, "u1", c.ReporterID)
	assert.Equal(t, "prod", c.ReporterDepartmentID)
	assert.Empty(t, c.AssignedDepartmentID)

	rows, err := f.repos.Resolution.GetAll(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, []string{"u1"}, []string(rows[0].HandlerUserIDs))
	assert.Equal(t, []string{"pm"}, []string(rows[0].CCUserIDs))
	assert.Equal(t, []string{"pm"}, []string(rows[1].HandlerUserIDs))
	assert.Equal(t, "department_manager:prod", rows[1].MatchedBy)
	assert.ElementsMatch(t, []string{"u9", "u10"}, []string(rows[2].HandlerUserIDs))
	assert.Equal(t, entity.ApprovalModeOr, rows[2].ApprovalMode)
	assert.True(t, rows[3].Success)
	assert.Empty(t, rows[3].HandlerUserIDs)

	logs, err := f.repos.CaseLog.ListByCase(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, LogActionCreate, logs[0].Action)

	second, err := f.svc.CreateCase(ctx, entity.WorkflowIncident, incidentDraft(), reporter)
	require.NoError(t, err)
	assert.Equal(t, "IN-20261019-0002", second.Case.Code)
}

func TestCreateCase_AssignmentRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	fire := incidentDraft()
	fire.Type = "动火作业"
	cw, err := f.svc.CreateCase(ctx, entity.WorkflowIncident, fire, reporter)
	require.NoError(t, err)
	assert.Equal(t, "safety", cw.Case.AssignedDepartmentID)
	assert.Equal(t, []string{"sm"}, ids(cw.Steps[1].Handlers))

	hazard := &entity.Case{Title: "货架倾斜", Location: "3号仓库", RiskLevel: "重大"}
	hw, err := f.svc.CreateCase(ctx, entity.WorkflowHazard, hazard, reporter)
	require.NoError(t, err)
	assert.Equal(t, "HZ-20261019-0001", hw.Case.Code)
	// 两条规则都命中，优先级高的生效
	assert.Equal(t, "safety", hw.Case.AssignedDepartmentID)
	assert.Equal(t, []string{"sm"}, ids(hw.Steps[1].Handlers))
	assert.Contains(t, ids(hw.Steps[1].CC), "l1")

	_, err = f.svc.CreateCase(ctx, "training", incidentDraft(), reporter)
	assert.ErrorIs(t, err, ErrUnknownWorkflow)
}

func TestPreviewWorkflow_MatchesCreate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	preview, err := f.svc.PreviewWorkflow(ctx, entity.WorkflowIncident, incidentDraft(), reporter)
	require.NoError(t, err)
	n, err := f.repos.Case.CountByWorkflow(ctx, entity.WorkflowIncident)
	require.NoError(t, err)
	assert.Zero(t, n, "预览不落库")

	created, err := f.svc.CreateCase(ctx, entity.WorkflowIncident, incidentDraft(), reporter)
	require.NoError(t, err)
	require.Len(t, preview.Steps, len(created.Steps))
	for i := range preview.Steps {
		assert.Equal(t, ids(preview.Steps[i].Handlers), ids(created.Steps[i].Handlers), "step %d handlers", i)
		assert.Equal(t, ids(preview.Steps[i].CC), ids(created.Steps[i].CC), "step %d cc", i)
	}
}

func TestAct_Lifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cw, err := f.svc.CreateCase(ctx, entity.WorkflowIncident, incidentDraft(), reporter)
	require.NoError(t, err)
	id := cw.Case.ID

	res, err := f.svc.Act(ctx, id, ActRequest{Action: workflow.ActionSubmit, Operator: reporter})
	require.NoError(t, err)
	assert.Equal(t, "investigating", res.NewStatus)
	assert.Equal(t, "stored:department_manager:prod", res.Step.MatchedBy)
	assert.Equal(t, []string{"pm"}, ids(res.Handlers()))

	// 调查审核要求填写 root_cause
	_, err = f.svc.Act(ctx, id, ActRequest{Action: workflow.ActionSubmitInvestigation, Operator: entity.UserRef{ID: "pm", Name: "生产经理"}})
	assert.ErrorIs(t, err, ErrInvalidAction)
	c, err := f.repos.Case.FindByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "investigating", c.Status)
	assert.Equal(t, 1, c.CurrentStepIndex)

	res, err = f.svc.Act(ctx, id, ActRequest{
		Action:   workflow.ActionSubmitInvestigation,
		Operator: entity.UserRef{ID: "pm", Name: "生产经理"},
		Extra:    map[string]string{"root_cause": "防护罩未复位"},
	})
	require.NoError(t, err)
	assert.Equal(t, "reviewed", res.NewStatus)

	res, err = f.svc.Act(ctx, id, ActRequest{Action: workflow.ActionReject, Operator: entity.UserRef{ID: "u9", Name: "安全员甲"}, Comment: "补充现场照片"})
	require.NoError(t, err)
	assert.Equal(t, "investigating", res.NewStatus)
	assert.Equal(t, 1, res.NextStepIndex)

	_, err = f.svc.Act(ctx, id, ActRequest{Action: workflow.ActionSubmitInvestigation, Operator: entity.UserRef{ID: "pm", Name: "生产经理"}})
	require.NoError(t, err, "root_cause 已落库")

	res, err = f.svc.Act(ctx, id, ActRequest{Action: workflow.ActionApprove, Operator: entity.UserRef{ID: "u9", Name: "安全员甲"}})
	require.NoError(t, err)
	assert.True(t, res.Terminal)
	assert.Equal(t, "closed", res.NewStatus)

	c, err = f.repos.Case.FindByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "closed", c.Status)
	assert.Equal(t, 3, c.CurrentStepIndex)
	assert.Equal(t, "防护罩未复位", c.RootCause)

	logs, err := f.repos.CaseLog.ListByCase(ctx, id)
	require.NoError(t, err)
	assert.Len(t, logs, 6, "失败的操作不记日志")

	assert.Eventually(t, func() bool {
		_, ok := f.notifier.find(workflow.ActionApprove)
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	n, _ := f.notifier.find(workflow.ActionApprove)
	var closed []string
	for _, in := range n.Intents {
		if in.Kind == workflow.NotifyCaseClosed {
			closed = append(closed, in.UserID)
		}
	}
	assert.Equal(t, []string{"u1"}, closed)
}

func TestAct_UnresolvedStepRefusedUntilCorrected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	draft := incidentDraft()
	draft.AssignedDepartmentID = "ghost"
	cw, err := f.svc.CreateCase(ctx, entity.WorkflowIncident, draft, reporter)
	require.NoError(t, err, "个别步骤解析失败不阻止建案")
	assert.False(t, cw.Success)
	assert.False(t, cw.Steps[1].Success)
	assert.Contains(t, cw.Steps[1].Error, "ghost")
	id := cw.Case.ID

	_, err = f.svc.Act(ctx, id, ActRequest{Action: workflow.ActionSubmit, Operator: reporter})
	assert.ErrorIs(t, err, ErrNoHandler)
	c, err := f.repos.Case.FindByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "reported", c.Status)
	assert.Equal(t, 0, c.CurrentStepIndex)

	_, err = f.svc.UpdateWorkflowStep(ctx, id, 1, StepPatch{HandlerIDs: []string{"nobody"}}, admin)
	assert.ErrorIs(t, err, ErrUnknownUser)

	step, err := f.svc.UpdateWorkflowStep(ctx, id, 1, StepPatch{HandlerIDs: []string{"sm", "sm"}}, admin)
	require.NoError(t, err)
	assert.True(t, step.Success)
	assert.Equal(t, []string{"sm"}, ids(step.Handlers))
	assert.Equal(t, "manual:boss", step.MatchedBy)
	assert.Empty(t, step.Error)

	res, err := f.svc.Act(ctx, id, ActRequest{Action: workflow.ActionSubmit, Operator: reporter})
	require.NoError(t, err)
	assert.Equal(t, []string{"sm"}, ids(res.Handlers()))
	assert.Equal(t, "stored:manual:boss", res.Step.MatchedBy)

	_, err = f.svc.UpdateWorkflowStep(ctx, id, 0, StepPatch{HandlerIDs: []string{"u2"}}, admin)
	assert.ErrorIs(t, err, ErrHistoricalStep)
}

func TestGetWorkflowStep_OrgChartImmunity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cw, err := f.svc.CreateCase(ctx, entity.WorkflowIncident, incidentDraft(), reporter)
	require.NoError(t, err)
	id := cw.Case.ID

	before, err := f.svc.GetWorkflowStep(ctx, id, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"pm"}, ids(before.CC))

	require.NoError(t, f.repos.Department.SetManager(ctx, "prod", "u2"))

	after, err := f.svc.GetWorkflowStep(ctx, id, 0)
	require.NoError(t, err)
	assert.Equal(t, ids(before.Handlers), ids(after.Handlers))
	assert.Equal(t, ids(before.CC), ids(after.CC))
	assert.Equal(t, before.MatchedBy, after.MatchedBy)

	// 只有显式刷新才会读取新的组织架构
	refreshed, err := f.svc.RefreshCurrentStep(ctx, id, admin)
	require.NoError(t, err)
	assert.Equal(t, []string{"u2"}, ids(refreshed.CC))

	logs, err := f.svc.ListLogs(ctx, id)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, LogActionRefreshStep, logs[1].Action)

	_, err = f.svc.GetWorkflowStep(ctx, id, 9)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestExportWorkflow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cw, err := f.svc.CreateCase(ctx, entity.WorkflowIncident, incidentDraft(), reporter)
	require.NoError(t, err)

	xf, name, err := f.svc.ExportWorkflow(ctx, cw.Case.ID)
	require.NoError(t, err)
	defer xf.Close()
	assert.Equal(t, "工作流_IN-20261019-0001.xlsx", name)

	rows, err := xf.GetRows("工作流")
	require.NoError(t, err)
	require.Len(t, rows, 5)
	assert.Equal(t, "步骤名称", rows[0][2])
	assert.Equal(t, "事故上报", rows[1][2])
	assert.Equal(t, "张三", rows[1][5])
	assert.Equal(t, "调查中", rows[2][3])
}

func TestDeleteCase(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cw, err := f.svc.CreateCase(ctx, entity.WorkflowHazard, &entity.Case{Title: "消防通道堵塞", Location: "办公楼"}, reporter)
	require.NoError(t, err)

	require.NoError(t, f.svc.DeleteCase(ctx, cw.Case.ID))
	_, err = f.svc.GetCase(ctx, cw.Case.ID)
	assert.ErrorIs(t, err, repository.ErrNotFound)
	rows, err := f.repos.Resolution.GetAll(ctx, cw.Case.ID)
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.ErrorIs(t, f.svc.DeleteCase(ctx, cw.Case.ID), repository.ErrNotFound)
}

func TestAct_ExtraCannotRetargetCase(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.svc.CreateCase(ctx, entity.WorkflowIncident, incidentDraft(), reporter)
	require.NoError(t, err)
	b, err := f.svc.CreateCase(ctx, entity.WorkflowIncident, incidentDraft(), reporter)
	require.NoError(t, err)

	_, err = f.svc.Act(ctx, a.Case.ID, ActRequest{
		Action:   workflow.ActionSubmit,
		Operator: reporter,
		Extra:    map[string]string{"id": b.Case.ID, "code": "HIJACK"},
	})
	require.ErrorIs(t, err, ErrInvalidAction)
	assert.Contains(t, err.Error(), "code")

	_, err = f.svc.Act(ctx, a.Case.ID, ActRequest{
		Action:   workflow.ActionSubmit,
		Operator: reporter,
		Extra:    map[string]string{"status": "closed"},
	})
	require.ErrorIs(t, err, ErrInvalidAction)

	for _, want := range []*entity.Case{a.Case, b.Case} {
		c, err := f.repos.Case.FindByID(ctx, want.ID)
		require.NoError(t, err)
		assert.Equal(t, want.Code, c.Code)
		assert.Equal(t, "reported", c.Status)
		assert.Equal(t, 0, c.CurrentStepIndex)
		logs, err := f.repos.CaseLog.ListByCase(ctx, want.ID)
		require.NoError(t, err)
		assert.Len(t, logs, 1)
	}

	// 普通字段照常写入，部门名称改写为 id
	_, err = f.svc.Act(ctx, a.Case.ID, ActRequest{
		Action:   workflow.ActionSubmit,
		Operator: reporter,
		Extra:    map[string]string{"assigned_department_id": "安全部", "root_cause": "待查"},
	})
	require.NoError(t, err)
	c, err := f.repos.Case.FindByID(ctx, a.Case.ID)
	require.NoError(t, err)
	assert.Equal(t, a.Case.ID, c.ID)
	assert.Equal(t, "safety", c.AssignedDepartmentID)
	assert.Equal(t, "待查", c.RootCause)
	other, err := f.repos.Case.FindByID(ctx, b.Case.ID)
	require.NoError(t, err)
	assert.Empty(t, other.RootCause)
}

func TestAct_StepIndexIsAuthoritative(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cw, err := f.svc.CreateCase(ctx, entity.WorkflowIncident, incidentDraft(), reporter)
	require.NoError(t, err)
	id := cw.Case.ID
	_, err = f.svc.Act(ctx, id, ActRequest{Action: workflow.ActionSubmit, Operator: reporter})
	require.NoError(t, err)
	_, err = f.svc.Act(ctx, id, ActRequest{
		Action:   workflow.ActionSubmitInvestigation,
		Operator: entity.UserRef{ID: "pm", Name: "生产经理"},
		Extra:    map[string]string{"root_cause": "防护罩未复位"},
	})
	require.NoError(t, err)

	// 状态列与步骤位置不一致
	require.NoError(t, f.db.Model(&entity.Case{}).Where("id = ?", id).Update("status", "investigating").Error)

	res, err := f.svc.Act(ctx, id, ActRequest{Action: workflow.ActionReject, Operator: entity.UserRef{ID: "u9", Name: "安全员甲"}})
	require.NoError(t, err)
	assert.Equal(t, 2, res.FromStepIndex)
	assert.Equal(t, 1, res.NextStepIndex)
	assert.Equal(t, "investigating", res.NewStatus)

	c, err := f.repos.Case.FindByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, c.CurrentStepIndex)
}

func TestCreateCase_CodesSurviveDeletion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.CreateCase(ctx, entity.WorkflowIncident, incidentDraft(), reporter)
	require.NoError(t, err)
	second, err := f.svc.CreateCase(ctx, entity.WorkflowIncident, incidentDraft(), reporter)
	require.NoError(t, err)
	assert.Equal(t, "IN-20261019-0002", second.Case.Code)

	require.NoError(t, f.svc.DeleteCase(ctx, first.Case.ID))
	third, err := f.svc.CreateCase(ctx, entity.WorkflowIncident, incidentDraft(), reporter)
	require.NoError(t, err)
	assert.Equal(t, "IN-20261019-0003", third.Case.Code, "删除后不复用编号")

	f.svc.now = func() time.Time { return time.Date(2026, 10, 20, 9, 0, 0, 0, time.Local) }
	next, err := f.svc.CreateCase(ctx, entity.WorkflowIncident, incidentDraft(), reporter)
	require.NoError(t, err)
	assert.Equal(t, "IN-20261020-0001", next.Case.Code)
}

func TestCreateCase_DepartmentNameCanonicalised(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	draft := incidentDraft()
	draft.AssignedDepartmentID = "安全部"
	cw, err := f.svc.CreateCase(ctx, entity.WorkflowIncident, draft, reporter)
	require.NoError(t, err)
	assert.True(t, cw.Success)
	assert.Equal(t, "safety", cw.Case.AssignedDepartmentID)
	assert.Equal(t, []string{"sm"}, ids(cw.Steps[1].Handlers))

	c, err := f.repos.Case.FindByID(ctx, cw.Case.ID)
	require.NoError(t, err)
	assert.Equal(t, "safety", c.AssignedDepartmentID)
}

func TestSyncDirectory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.svc.SyncDirectory(ctx, nil, []entity.Department{
		{ID: "prod", Name: "生产部", ParentID: "root", ManagerID: "u2", Status: entity.DepartmentStatusActive},
	})
	require.NoError(t, err)

	cw, err := f.svc.CreateCase(ctx, entity.WorkflowIncident, incidentDraft(), reporter)
	require.NoError(t, err)
	assert.Equal(t, []string{"u2"}, ids(cw.Steps[0].CC))

	err = f.svc.SyncDirectory(ctx, []entity.User{{Name: "无编号"}}, nil)
	assert.ErrorIs(t, err, ErrInvalidDirectory)
	err = f.svc.SyncDirectory(ctx, nil, []entity.Department{{ID: " ", Name: "空部门"}})
	assert.ErrorIs(t, err, ErrInvalidDirectory)
}
