package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/bitfantasy/nimo-ehs/internal/ehs/entity"
)

// ResolutionRepository 步骤解析结果仓库
// 建案时整体写入，之后只允许通过 UpdateOne / Upsert 修改单个步骤
type ResolutionRepository struct {
	db *gorm.DB
}

// NewResolutionRepository 创建步骤解析结果仓库
func NewResolutionRepository(db *gorm.DB) *ResolutionRepository {
	return &ResolutionRepository{db: db}
}

// StepUpdate 单步骤的部分更新，nil 字段不修改
type StepUpdate struct {
	Handlers  []entity.UserRef
	CC        []entity.UserRef
	MatchedBy *string
	Success   *bool
	Error     *string
}

// SaveAll 替换案件的全部步骤记录（先删后插，在同一事务中）
func (r *ResolutionRepository) SaveAll(ctx context.Context, caseID string, rows []entity.StepResolution) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("case_id = ?", caseID).Delete(&entity.StepResolution{}).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		batch := make([]entity.StepResolution, len(rows))
		for i, row := range rows {
			row.CaseID = caseID
			if row.ID == "" {
				row.ID = uuid.New().String()
			}
			batch[i] = normalizeRow(row)
		}
		return tx.Create(&batch).Error
	})
}

// GetAll 案件全部步骤记录，按步骤下标排序
func (r *ResolutionRepository) GetAll(ctx context.Context, caseID string) ([]entity.StepResolution, error) {
	var rows []entity.StepResolution
	err := r.db.WithContext(ctx).
		Where("case_id = ?", caseID).
		Order("step_index ASC").
		Find(&rows).Error
	return rows, err
}

// Get 单个步骤记录，不存在时返回 ErrNotFound
func (r *ResolutionRepository) Get(ctx context.Context, caseID string, stepIndex int) (*entity.StepResolution, error) {
	var row entity.StepResolution
	err := r.db.WithContext(ctx).
		Where("case_id = ? AND step_index = ?", caseID, stepIndex).
		First(&row).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &row, nil
}

// UpdateOne 部分更新单个步骤；记录不存在时返回 ErrNotFound
func (r *ResolutionRepository) UpdateOne(ctx context.Context, caseID string, stepIndex int, upd StepUpdate) (*entity.StepResolution, error) {
	var out *entity.StepResolution
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row entity.StepResolution
		if err := tx.Where("case_id = ? AND step_index = ?", caseID, stepIndex).First(&row).Error; err != nil {
			return notFound(err)
		}
		updates := map[string]interface{}{"updated_at": time.Now()}
		if upd.Handlers != nil {
			row.SetHandlers(upd.Handlers)
			updates["handler_user_ids"] = row.HandlerUserIDs
			updates["handler_user_names"] = row.HandlerUserNames
		}
		if upd.CC != nil {
			row.SetCC(upd.CC)
			updates["cc_user_ids"] = row.CCUserIDs
			updates["cc_user_names"] = row.CCUserNames
		}
		if upd.MatchedBy != nil {
			updates["matched_by"] = *upd.MatchedBy
		}
		if upd.Success != nil {
			updates["success"] = *upd.Success
		}
		if upd.Error != nil {
			updates["error"] = *upd.Error
		}
		if err := tx.Model(&entity.StepResolution{}).Where("id = ?", row.ID).Updates(updates).Error; err != nil {
			return err
		}
		var fresh entity.StepResolution
		if err := tx.Where("id = ?", row.ID).First(&fresh).Error; err != nil {
			return err
		}
		out = &fresh
		return nil
	})
	return out, err
}

// Upsert 写入单个步骤（按 case_id + step_index 覆盖）
func (r *ResolutionRepository) Upsert(ctx context.Context, row *entity.StepResolution) error {
	if row.ID == "" {
		row.ID = uuid.New().String()
	}
	*row = normalizeRow(*row)
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "case_id"}, {Name: "step_index"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"step_id", "step_name", "handler_user_ids", "handler_user_names",
			"cc_user_ids", "cc_user_names", "matched_by", "approval_mode", "success", "error", "updated_at",
		}),
	}).Create(row).Error
}

// DeleteByCase 删除案件全部步骤记录
func (r *ResolutionRepository) DeleteByCase(ctx context.Context, caseID string) error {
	return r.db.WithContext(ctx).Where("case_id = ?", caseID).Delete(&entity.StepResolution{}).Error
}

// 空数组存为 []，不存 null
func normalizeRow(row entity.StepResolution) entity.StepResolution {
	if row.HandlerUserIDs == nil {
		row.HandlerUserIDs = datatypes.JSONSlice[string]{}
	}
	if row.HandlerUserNames == nil {
		row.HandlerUserNames = datatypes.JSONSlice[string]{}
	}
	if row.CCUserIDs == nil {
		row.CCUserIDs = datatypes.JSONSlice[string]{}
	}
	if row.CCUserNames == nil {
		row.CCUserNames = datatypes.JSONSlice[string]{}
	}
	return row
}
