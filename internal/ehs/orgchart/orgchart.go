// Package orgchart 组织架构索引：部门树 + 用户目录的只读快照
package orgchart

import (
	"sort"
	"strings"

	"golang.org/x/text/cases"

	"github.com/bitfantasy/nimo-ehs/internal/ehs/entity"
)

// DefaultSupervisorKeywords 角色 / 职务中表示"上级"的关键字
var DefaultSupervisorKeywords = []string{"负责人", "经理", "主管", "manager", "director", "部长", "科长"}

// 部门树向上查找的最大深度
const maxAncestorDepth = 32

// Index 组织架构索引，构建后只读，可并发使用
type Index struct {
	users       []*entity.User
	userByID    map[string]*entity.User
	depts       []*entity.Department
	deptByID    map[string]*entity.Department
	deptByName  map[string]*entity.Department
	usersByDept map[string][]*entity.User
	keywords    []string
}

// Option 索引构建选项
type Option func(*Index)

// WithSupervisorKeywords 替换上级关键字列表，空列表保持默认
func WithSupervisorKeywords(keywords []string) Option {
	return func(ix *Index) {
		if len(keywords) > 0 {
			ix.keywords = append([]string(nil), keywords...)
		}
	}
}

// NewIndex 构建索引
// 在这里统一 id：去掉首尾空白，用户 DepartmentID 若填的是部门名称则改写为部门 id
func NewIndex(users []entity.User, depts []entity.Department, opts ...Option) *Index {
	ix := &Index{
		userByID:    make(map[string]*entity.User, len(users)),
		deptByID:    make(map[string]*entity.Department, len(depts)),
		deptByName:  make(map[string]*entity.Department, len(depts)),
		usersByDept: make(map[string][]*entity.User),
		keywords:    append([]string(nil), DefaultSupervisorKeywords...),
	}
	for _, opt := range opts {
		opt(ix)
	}

	for i := range depts {
		d := depts[i]
		d.ID = strings.TrimSpace(d.ID)
		d.ParentID = strings.TrimSpace(d.ParentID)
		d.ManagerID = strings.TrimSpace(d.ManagerID)
		if d.ID == "" {
			continue
		}
		if _, dup := ix.deptByID[d.ID]; dup {
			continue
		}
		ix.depts = append(ix.depts, &d)
		ix.deptByID[d.ID] = &d
		if name := strings.TrimSpace(d.Name); name != "" {
			if _, taken := ix.deptByName[name]; !taken {
				ix.deptByName[name] = &d
			}
		}
	}

	for i := range users {
		u := users[i]
		u.ID = strings.TrimSpace(u.ID)
		if u.ID == "" {
			continue
		}
		if _, dup := ix.userByID[u.ID]; dup {
			continue
		}
		u.DepartmentID = ix.canonicalDeptID(u.DepartmentID)
		ix.users = append(ix.users, &u)
		ix.userByID[u.ID] = &u
		if u.DepartmentID != "" {
			ix.usersByDept[u.DepartmentID] = append(ix.usersByDept[u.DepartmentID], &u)
		}
	}
	return ix
}

// CanonicalDepartmentID 把外部输入的部门引用（id 或名称）改写为部门 id，未知引用原样返回
// 只在数据进入系统时调用；查询接口只认 id
func (ix *Index) CanonicalDepartmentID(ref string) string {
	if ix == nil {
		return strings.TrimSpace(ref)
	}
	return ix.canonicalDeptID(ref)
}

func (ix *Index) canonicalDeptID(ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	if _, ok := ix.deptByID[ref]; ok {
		return ref
	}
	if d, ok := ix.deptByName[ref]; ok {
		return d.ID
	}
	return ref
}

// User 按 id 查找用户
func (ix *Index) User(id string) *entity.User {
	if ix == nil {
		return nil
	}
	return ix.userByID[strings.TrimSpace(id)]
}

// Department 按 id 查找部门
func (ix *Index) Department(id string) *entity.Department {
	if ix == nil {
		return nil
	}
	return ix.deptByID[id]
}

// Users 全部用户（按构建顺序）
func (ix *Index) Users() []*entity.User {
	if ix == nil {
		return nil
	}
	return ix.users
}

// Departments 全部部门（按构建顺序）
func (ix *Index) Departments() []*entity.Department {
	if ix == nil {
		return nil
	}
	return ix.depts
}

// UsersInDepartment 部门成员（按构建顺序）
func (ix *Index) UsersInDepartment(deptID string) []*entity.User {
	if ix == nil || deptID == "" {
		return nil
	}
	return ix.usersByDept[deptID]
}

// UsersWithRole 角色完全相同的用户
func (ix *Index) UsersWithRole(role string) []*entity.User {
	if ix == nil || role == "" {
		return nil
	}
	var out []*entity.User
	for _, u := range ix.users {
		if u.Role == role {
			out = append(out, u)
		}
	}
	return out
}

// DepartmentManager 部门 ManagerID 指向的用户，不存在时返回 nil
func (ix *Index) DepartmentManager(deptID string) *entity.User {
	d := ix.Department(deptID)
	if d == nil || d.ManagerID == "" {
		return nil
	}
	return ix.userByID[d.ManagerID]
}

// SupervisorOf 查找用户的上级
//  1. 所在部门 ManagerID 指向的其他用户
//  2. 同部门中角色、职务含上级关键字的其他用户（先比角色再比职务）
//  3. 本人就是部门负责人时，沿上级部门找最近的其他负责人
func (ix *Index) SupervisorOf(userID string) *entity.User {
	u := ix.User(userID)
	if u == nil {
		return nil
	}
	dept := ix.Department(u.DepartmentID)
	if dept == nil {
		return nil
	}

	if m := ix.userByID[dept.ManagerID]; m != nil && m.ID != u.ID {
		return m
	}

	members := ix.usersByDept[dept.ID]
	for _, c := range members {
		if c.ID != u.ID && ix.hasKeyword(c.Role) {
			return c
		}
	}
	for _, c := range members {
		if c.ID != u.ID && ix.hasKeyword(c.JobTitle) {
			return c
		}
	}

	if dept.ManagerID != u.ID {
		return nil
	}
	visited := map[string]bool{dept.ID: true}
	cur := dept
	for depth := 0; depth < maxAncestorDepth && cur.ParentID != ""; depth++ {
		parent := ix.deptByID[cur.ParentID]
		if parent == nil || visited[parent.ID] {
			return nil
		}
		visited[parent.ID] = true
		if m := ix.userByID[parent.ManagerID]; m != nil && m.ID != u.ID {
			return m
		}
		cur = parent
	}
	return nil
}

func (ix *Index) hasKeyword(s string) bool {
	if s == "" {
		return false
	}
	// Caser 有状态，不能在 goroutine 间共享
	fold := cases.Fold()
	folded := fold.String(s)
	for _, kw := range ix.keywords {
		if kw != "" && strings.Contains(folded, fold.String(kw)) {
			return true
		}
	}
	return false
}

// Ancestors 部门的上级部门链（由近到远），遇环或超出深度即停止
func (ix *Index) Ancestors(deptID string) []*entity.Department {
	d := ix.Department(deptID)
	if d == nil {
		return nil
	}
	var out []*entity.Department
	visited := map[string]bool{d.ID: true}
	for depth := 0; depth < maxAncestorDepth && d.ParentID != ""; depth++ {
		p := ix.deptByID[d.ParentID]
		if p == nil || visited[p.ID] {
			break
		}
		visited[p.ID] = true
		out = append(out, p)
		d = p
	}
	return out
}

// SortedUserIDs 排序后的用户 id，便于比较
func SortedUserIDs(users []*entity.User) []string {
	ids := make([]string, 0, len(users))
	for _, u := range users {
		ids = append(ids, u.ID)
	}
	sort.Strings(ids)
	return ids
}
