package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/bitfantasy/nimo-ehs/internal/ehs/entity"
)

// CaseRepository 案件仓库
type CaseRepository struct {
	db *gorm.DB
}

// NewCaseRepository 创建案件仓库
func NewCaseRepository(db *gorm.DB) *CaseRepository {
	return &CaseRepository{db: db}
}

// FindByID 根据ID查找案件
func (r *CaseRepository) FindByID(ctx context.Context, id string) (*entity.Case, error) {
	var c entity.Case
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&c).Error; err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

// LockByID 在事务中对案件加行锁（SELECT ... FOR UPDATE），保证同一案件串行派发
func (r *CaseRepository) LockByID(ctx context.Context, id string) (*entity.Case, error) {
	var c entity.Case
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&c).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

// Create 创建案件
func (r *CaseRepository) Create(ctx context.Context, c *entity.Case) error {
	return r.db.WithContext(ctx).Create(c).Error
}

// UpdateState 按 id 写入派发后的状态、步骤和可编辑字段；id、编号、工作流类型不写
func (r *CaseRepository) UpdateState(ctx context.Context, id string, c *entity.Case) error {
	res := r.db.WithContext(ctx).Model(&entity.Case{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":                    c.Status,
		"current_step_index":        c.CurrentStepIndex,
		"title":                     c.Title,
		"description":               c.Description,
		"type":                      c.Type,
		"location":                  c.Location,
		"risk_level":                c.RiskLevel,
		"reporter_id":               c.ReporterID,
		"reporter_department_id":    c.ReporterDepartmentID,
		"responsible_id":            c.ResponsibleID,
		"responsible_department_id": c.ResponsibleDepartmentID,
		"assigned_department_id":    c.AssignedDepartmentID,
		"root_cause":                c.RootCause,
		"attributes":                c.Attributes,
		"updated_at":                time.Now(),
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete 删除案件
func (r *CaseRepository) Delete(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Where("id = ?", id).Delete(&entity.Case{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// LatestCode 以 prefix 开头的最大编号；序号等宽时按长度、字典序比较，没有时返回空串
func (r *CaseRepository) LatestCode(ctx context.Context, prefix string) (string, error) {
	var codes []string
	err := r.db.WithContext(ctx).Model(&entity.Case{}).
		Where("code LIKE ?", prefix+"%").
		Order("LENGTH(code) DESC, code DESC").
		Limit(1).
		Pluck("code", &codes).Error
	if err != nil || len(codes) == 0 {
		return "", err
	}
	return codes[0], nil
}

// CodeExists 编号是否已被占用
func (r *CaseRepository) CodeExists(ctx context.Context, code string) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&entity.Case{}).Where("code = ?", code).Count(&n).Error
	return n > 0, err
}

// CountByWorkflow 某类工作流的案件数
func (r *CaseRepository) CountByWorkflow(ctx context.Context, workflowType string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&entity.Case{}).Where("workflow_type = ?", workflowType).Count(&n).Error
	return n, err
}

// CaseLogRepository 案件日志仓库
type CaseLogRepository struct {
	db *gorm.DB
}

// NewCaseLogRepository 创建案件日志仓库
func NewCaseLogRepository(db *gorm.DB) *CaseLogRepository {
	return &CaseLogRepository{db: db}
}

// Create 写入日志
func (r *CaseLogRepository) Create(ctx context.Context, l *entity.CaseLog) error {
	return r.db.WithContext(ctx).Create(l).Error
}

// ListByCase 案件日志，按时间正序
func (r *CaseLogRepository) ListByCase(ctx context.Context, caseID string) ([]entity.CaseLog, error) {
	var logs []entity.CaseLog
	err := r.db.WithContext(ctx).Where("case_id = ?", caseID).Order("created_at ASC, id ASC").Find(&logs).Error
	return logs, err
}

// DeleteByCase 删除案件全部日志
func (r *CaseLogRepository) DeleteByCase(ctx context.Context, caseID string) error {
	return r.db.WithContext(ctx).Where("case_id = ?", caseID).Delete(&entity.CaseLog{}).Error
}
