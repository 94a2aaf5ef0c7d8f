package repository

import (
	"errors"

	"gorm.io/gorm"

	"github.com/bitfantasy/nimo-ehs/internal/ehs/entity"
)

// 错误定义
var (
	ErrNotFound = errors.New("record not found")
)

// Repositories 仓库集合
type Repositories struct {
	User       *UserRepository
	Department *DepartmentRepository
	Case       *CaseRepository
	Resolution *ResolutionRepository
	CaseLog    *CaseLogRepository
}

// NewRepositories 创建仓库集合
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		User:       NewUserRepository(db),
		Department: NewDepartmentRepository(db),
		Case:       NewCaseRepository(db),
		Resolution: NewResolutionRepository(db),
		CaseLog:    NewCaseLogRepository(db),
	}
}

// WithTx 返回绑定到事务的仓库集合
func (r *Repositories) WithTx(tx *gorm.DB) *Repositories {
	return NewRepositories(tx)
}

// Models 需要 AutoMigrate 的表
func Models() []interface{} {
	return []interface{}{
		&entity.User{},
		&entity.Department{},
		&entity.Case{},
		&entity.StepResolution{},
		&entity.CaseLog{},
	}
}

// AutoMigrate 建表 / 补列
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(Models()...)
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
