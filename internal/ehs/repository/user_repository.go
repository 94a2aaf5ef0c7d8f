package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/bitfantasy/nimo-ehs/internal/ehs/entity"
)

// UserRepository 用户仓库
type UserRepository struct {
	db *gorm.DB
}

// NewUserRepository 创建用户仓库
func NewUserRepository(db *gorm.DB) *UserRepository {
	return &UserRepository{db: db}
}

// FindByID 根据ID查找用户
func (r *UserRepository) FindByID(ctx context.Context, id string) (*entity.User, error) {
	var user entity.User
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&user).Error; err != nil {
		return nil, notFound(err)
	}
	return &user, nil
}

// ListActive 全部启用用户，按 id 排序保证目录快照顺序稳定
func (r *UserRepository) ListActive(ctx context.Context) ([]entity.User, error) {
	var users []entity.User
	err := r.db.WithContext(ctx).
		Where("status = ?", entity.UserStatusActive).
		Order("id ASC").
		Find(&users).Error
	return users, err
}

// Upsert 按 id 创建或更新用户（组织架构同步）
func (r *UserRepository) Upsert(ctx context.Context, users ...entity.User) error {
	if len(users) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"username", "name", "role", "department_id", "job_title", "feishu_open_id", "status", "updated_at"}),
	}).Create(&users).Error
}

// DepartmentRepository 部门仓库
type DepartmentRepository struct {
	db *gorm.DB
}

// NewDepartmentRepository 创建部门仓库
func NewDepartmentRepository(db *gorm.DB) *DepartmentRepository {
	return &DepartmentRepository{db: db}
}

// ListActive 全部启用部门
func (r *DepartmentRepository) ListActive(ctx context.Context) ([]entity.Department, error) {
	var depts []entity.Department
	err := r.db.WithContext(ctx).
		Where("status = ?", entity.DepartmentStatusActive).
		Order("id ASC").
		Find(&depts).Error
	return depts, err
}

// Upsert 按 id 创建或更新部门
func (r *DepartmentRepository) Upsert(ctx context.Context, depts ...entity.Department) error {
	if len(depts) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "parent_id", "manager_id", "status", "updated_at"}),
	}).Create(&depts).Error
}

// SetManager 修改部门负责人
func (r *DepartmentRepository) SetManager(ctx context.Context, deptID, managerID string) error {
	res := r.db.WithContext(ctx).Model(&entity.Department{}).Where("id = ?", deptID).Update("manager_id", managerID)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
