package entity

import (
	"time"
)

// 用户状态
const (
	UserStatusActive   = "active"
	UserStatusDisabled = "disabled"
)

// 部门状态
const (
	DepartmentStatusActive   = "active"
	DepartmentStatusDisabled = "disabled"
)

// User 用户实体
type User struct {
	ID           string    `json:"id" yaml:"id" gorm:"primaryKey;size:32"`
	Username     string    `json:"username" yaml:"username" gorm:"size:64;index"`
	Name         string    `json:"name" yaml:"name" gorm:"size:64;not null"`
	Role         string    `json:"role" yaml:"role" gorm:"size:64;index"`
	DepartmentID string    `json:"department_id" yaml:"department_id" gorm:"size:32;index"`
	JobTitle     string    `json:"job_title" yaml:"job_title" gorm:"size:64"`
	FeishuOpenID string    `json:"feishu_open_id" yaml:"feishu_open_id" gorm:"size:64"`
	Status       string    `json:"status" yaml:"status" gorm:"size:16;not null;default:active"`
	CreatedAt    time.Time `json:"created_at" yaml:"-"`
	UpdatedAt    time.Time `json:"updated_at" yaml:"-"`
}

func (User) TableName() string {
	return "users"
}

// Field 按字段名取值，供条件规则匹配使用
func (u User) Field(name string) (string, bool) {
	switch name {
	case "id":
		return u.ID, true
	case "name":
		return u.Name, true
	case "role":
		return u.Role, true
	case "department_id", "departmentId":
		return u.DepartmentID, true
	case "job_title", "jobTitle":
		return u.JobTitle, true
	case "status":
		return u.Status, true
	}
	return "", false
}

// Department 部门实体
type Department struct {
	ID        string    `json:"id" yaml:"id" gorm:"primaryKey;size:32"`
	Name      string    `json:"name" yaml:"name" gorm:"size:128;not null"`
	ParentID  string    `json:"parent_id" yaml:"parent_id" gorm:"size:32;index"`
	ManagerID string    `json:"manager_id" yaml:"manager_id" gorm:"size:32"`
	Status    string    `json:"status" yaml:"status" gorm:"size:16;not null;default:active"`
	CreatedAt time.Time `json:"created_at" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

func (Department) TableName() string {
	return "departments"
}

// UserRef 用户引用（id + 名字）
type UserRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}
