package repository

import (
	"context"
	"errors"
	"testing"

	"github.com/bitfantasy/nimo-ehs/internal/ehs/entity"
	"github.com/bitfantasy/nimo-ehs/internal/ehs/testutil"
)

func sampleRows(caseID string) []entity.StepResolution {
	rows := []entity.StepResolution{
		{StepIndex: 0, StepID: "reported", StepName: "上报", MatchedBy: "reporter:u1", Success: true},
		{StepIndex: 1, StepID: "investigating", StepName: "调查", MatchedBy: "department_manager:prod", Success: true},
		{StepIndex: 2, StepID: "reviewed", StepName: "审核", Success: false, Error: "没有角色为 admin 的用户"},
	}
	rows[0].SetHandlers([]entity.UserRef{{ID: "u1", Name: "张三"}})
	rows[1].SetHandlers([]entity.UserRef{{ID: "pm", Name: "生产经理"}})
	rows[1].SetCC([]entity.UserRef{{ID: "u2", Name: "李四"}, {ID: "u9", Name: "安全员甲"}})
	for i := range rows {
		rows[i].CaseID = caseID
	}
	return rows
}

func TestResolutionRepository_SaveAllAndGet(t *testing.T) {
	db := testutil.SetupTestDB(t)
	repo := NewResolutionRepository(db)
	ctx := context.Background()

	if err := repo.SaveAll(ctx, "c1", sampleRows("c1")); err != nil {
		t.Fatalf("SaveAll: %v", err)
	}
	rows, err := repo.GetAll(ctx, "c1")
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("期望 3 条记录, 实际 %d", len(rows))
	}
	if rows[1].StepID != "investigating" || len(rows[1].CCUserIDs) != 2 || rows[1].CCUserIDs[1] != "u9" {
		t.Errorf("记录内容不符: %+v", rows[1])
	}
	if rows[2].HandlerUserIDs == nil || len(rows[2].HandlerUserIDs) != 0 {
		t.Errorf("空处理人应存为空数组: %#v", rows[2].HandlerUserIDs)
	}

	row, err := repo.Get(ctx, "c1", 1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got := row.Handlers(); len(got) != 1 || got[0].Name != "生产经理" {
		t.Errorf("处理人不符: %+v", got)
	}

	if _, err := repo.Get(ctx, "c1", 9); !errors.Is(err, ErrNotFound) {
		t.Errorf("期望 ErrNotFound, 实际 %v", err)
	}

	// 再次 SaveAll 整体替换
	if err := repo.SaveAll(ctx, "c1", sampleRows("c1")[:1]); err != nil {
		t.Fatalf("SaveAll again: %v", err)
	}
	rows, _ = repo.GetAll(ctx, "c1")
	if len(rows) != 1 {
		t.Fatalf("SaveAll 应替换全部记录, 实际 %d 条", len(rows))
	}
}

func TestResolutionRepository_UpdateOne(t *testing.T) {
	db := testutil.SetupTestDB(t)
	repo := NewResolutionRepository(db)
	ctx := context.Background()
	if err := repo.SaveAll(ctx, "c1", sampleRows("c1")); err != nil {
		t.Fatalf("SaveAll: %v", err)
	}

	ok := true
	empty := ""
	updated, err := repo.UpdateOne(ctx, "c1", 2, StepUpdate{
		Handlers: []entity.UserRef{{ID: "u9", Name: "安全员甲"}},
		Success:  &ok,
		Error:    &empty,
	})
	if err != nil {
		t.Fatalf("UpdateOne: %v", err)
	}
	if !updated.Success || updated.Error != "" || len(updated.HandlerUserIDs) != 1 || updated.HandlerUserIDs[0] != "u9" {
		t.Errorf("更新结果不符: %+v", updated)
	}
	if updated.StepID != "reviewed" {
		t.Errorf("未更新的字段不应改变: %s", updated.StepID)
	}

	if _, err := repo.UpdateOne(ctx, "c1", 7, StepUpdate{Success: &ok}); !errors.Is(err, ErrNotFound) {
		t.Errorf("期望 ErrNotFound, 实际 %v", err)
	}
	if _, err := repo.UpdateOne(ctx, "other", 0, StepUpdate{Success: &ok}); !errors.Is(err, ErrNotFound) {
		t.Errorf("其他案件期望 ErrNotFound, 实际 %v", err)
	}
}

func TestResolutionRepository_UpsertAndDelete(t *testing.T) {
	db := testutil.SetupTestDB(t)
	repo := NewResolutionRepository(db)
	ctx := context.Background()

	row := entity.StepResolution{CaseID: "c2", StepIndex: 0, StepID: "reported", Success: false, Error: "x"}
	if err := repo.Upsert(ctx, &row); err != nil {
		t.Fatalf("Upsert insert: %v", err)
	}
	again := entity.StepResolution{CaseID: "c2", StepIndex: 0, StepID: "reported", Success: true}
	again.SetHandlers([]entity.UserRef{{ID: "u1", Name: "张三"}})
	if err := repo.Upsert(ctx, &again); err != nil {
		t.Fatalf("Upsert update: %v", err)
	}
	rows, _ := repo.GetAll(ctx, "c2")
	if len(rows) != 1 || !rows[0].Success || rows[0].Error != "" {
		t.Fatalf("Upsert 应覆盖同一步骤: %+v", rows)
	}

	if err := repo.DeleteByCase(ctx, "c2"); err != nil {
		t.Fatalf("DeleteByCase: %v", err)
	}
	rows, _ = repo.GetAll(ctx, "c2")
	if len(rows) != 0 {
		t.Fatalf("删除后仍有 %d 条", len(rows))
	}
}

func TestCaseRepository(t *testing.T) {
	db := testutil.SetupTestDB(t)
	repos := NewRepositories(db)
	ctx := context.Background()

	c := &entity.Case{ID: "c1", Code: "HZ-20261019-0001", WorkflowType: entity.WorkflowHazard, Status: "reported", Location: "仓库"}
	c.Apply(map[string]string{"rectification": "已更换灭火器"})
	if err := repos.Case.Create(ctx, c); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := repos.Case.LockByID(ctx, "c1")
	if err != nil {
		t.Fatalf("LockByID: %v", err)
	}
	if v, ok := got.Field("rectification"); !ok || v != "已更换灭火器" {
		t.Errorf("扩展字段读取失败: %q %v", v, ok)
	}

	n, err := repos.Case.CountByWorkflow(ctx, entity.WorkflowHazard)
	if err != nil || n != 1 {
		t.Errorf("CountByWorkflow = %d, %v", n, err)
	}

	if err := repos.Case.Delete(ctx, "c1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := repos.Case.FindByID(ctx, "c1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("期望 ErrNotFound, 实际 %v", err)
	}
	if err := repos.Case.Delete(ctx, "c1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("重复删除期望 ErrNotFound, 实际 %v", err)
	}
}

func TestCaseRepository_UpdateStateTargetsID(t *testing.T) {
	db := testutil.SetupTestDB(t)
	repos := NewRepositories(db)
	ctx := context.Background()

	for _, c := range []*entity.Case{
		{ID: "a", Code: "IN-20261019-0001", WorkflowType: entity.WorkflowIncident, Status: "reported"},
		{ID: "b", Code: "IN-20261019-0002", WorkflowType: entity.WorkflowIncident, Status: "reported"},
	} {
		if err := repos.Case.Create(ctx, c); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	// 传入的案件对象指向另一行时仍只更新 id 对应的行
	updated := &entity.Case{ID: "b", Code: "HIJACK", Status: "investigating", CurrentStepIndex: 1, RootCause: "待查"}
	if err := repos.Case.UpdateState(ctx, "a", updated); err != nil {
		t.Fatalf("UpdateState: %v", err)
	}
	a, err := repos.Case.FindByID(ctx, "a")
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if a.Status != "investigating" || a.CurrentStepIndex != 1 || a.RootCause != "待查" {
		t.Errorf("a 未更新: %+v", a)
	}
	if a.Code != "IN-20261019-0001" {
		t.Errorf("编号不应被改写: %s", a.Code)
	}
	b, err := repos.Case.FindByID(ctx, "b")
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if b.Status != "reported" || b.CurrentStepIndex != 0 || b.RootCause != "" {
		t.Errorf("b 不应被修改: %+v", b)
	}

	if err := repos.Case.UpdateState(ctx, "ghost", updated); !errors.Is(err, ErrNotFound) {
		t.Errorf("期望 ErrNotFound, 实际 %v", err)
	}
}

func TestCaseRepository_Codes(t *testing.T) {
	db := testutil.SetupTestDB(t)
	repos := NewRepositories(db)
	ctx := context.Background()

	latest, err := repos.Case.LatestCode(ctx, "IN-20261019-")
	if err != nil || latest != "" {
		t.Errorf("空表 LatestCode = %q, %v", latest, err)
	}

	for i, code := range []string{"IN-20261019-0002", "IN-20261019-0010", "IN-20261019-0009", "IN-20261020-0001", "HZ-20261019-0042"} {
		c := &entity.Case{ID: string(rune('a' + i)), Code: code, WorkflowType: entity.WorkflowIncident, Status: "reported"}
		if err := repos.Case.Create(ctx, c); err != nil {
			t.Fatalf("Create %s: %v", code, err)
		}
	}

	latest, err = repos.Case.LatestCode(ctx, "IN-20261019-")
	if err != nil || latest != "IN-20261019-0010" {
		t.Errorf("LatestCode = %q, %v", latest, err)
	}

	dup := &entity.Case{ID: "z", Code: "IN-20261019-0010", WorkflowType: entity.WorkflowIncident, Status: "reported"}
	if err := repos.Case.Create(ctx, dup); err == nil {
		t.Error("重复编号应违反唯一索引")
	}
	exists, err := repos.Case.CodeExists(ctx, "IN-20261019-0010")
	if err != nil || !exists {
		t.Errorf("CodeExists = %v, %v", exists, err)
	}
	exists, err = repos.Case.CodeExists(ctx, "IN-20261019-0011")
	if err != nil || exists {
		t.Errorf("CodeExists(未使用) = %v, %v", exists, err)
	}
}

func TestDirectoryRepositories(t *testing.T) {
	db := testutil.SetupTestDB(t)
	repos := NewRepositories(db)
	ctx := context.Background()
	testutil.SeedOrg(t, db)

	users, err := repos.User.ListActive(ctx)
	if err != nil || len(users) != 8 {
		t.Fatalf("ListActive users = %d, %v", len(users), err)
	}
	if users[0].ID != "boss" {
		t.Errorf("应按 id 排序, 首个为 %s", users[0].ID)
	}

	users[4].Status = entity.UserStatusDisabled
	if err := repos.User.Upsert(ctx, users[4]); err != nil {
		t.Fatalf("Upsert user: %v", err)
	}
	users, _ = repos.User.ListActive(ctx)
	if len(users) != 7 {
		t.Errorf("停用后应剩 7 人, 实际 %d", len(users))
	}

	if err := repos.Department.SetManager(ctx, "prod", "u2"); err != nil {
		t.Fatalf("SetManager: %v", err)
	}
	if err := repos.Department.SetManager(ctx, "ghost", "u2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("期望 ErrNotFound, 实际 %v", err)
	}
	depts, _ := repos.Department.ListActive(ctx)
	for _, d := range depts {
		if d.ID == "prod" && d.ManagerID != "u2" {
			t.Errorf("负责人未更新: %+v", d)
		}
	}

	if err := repos.CaseLog.Create(ctx, &entity.CaseLog{ID: "l1", CaseID: "c1", Action: "create"}); err != nil {
		t.Fatalf("CaseLog.Create: %v", err)
	}
	logs, _ := repos.CaseLog.ListByCase(ctx, "c1")
	if len(logs) != 1 {
		t.Errorf("日志数量不符: %d", len(logs))
	}
}
