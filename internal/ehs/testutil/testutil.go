package testutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	_ "modernc.org/sqlite"

	"github.com/bitfantasy/nimo-ehs/internal/ehs/entity"
	"github.com/bitfantasy/nimo-ehs/internal/middleware"
)

const JWTSecret = "nimo-ehs-test-secret"

// SetupTestDB 在 t.TempDir() 中创建 SQLite 数据库并建表，测试结束自动关闭
func SetupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ehs_test.db")
	db, err := gorm.Open(sqlite.Dialector{
		DriverName: "sqlite",
		DSN:        path + "?_pragma=busy_timeout(5000)",
	}, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("get sql db: %v", err)
	}
	// SQLite 单写者，避免事务内外连接互相等待
	sqlDB.SetMaxOpenConns(1)

	err = db.AutoMigrate(
		&entity.User{},
		&entity.Department{},
		&entity.Case{},
		&entity.StepResolution{},
		&entity.CaseLog{},
	)
	if err != nil {
		t.Fatalf("migrate test tables: %v", err)
	}
	t.Cleanup(func() {
		sqlDB.Close()
	})
	return db
}

// SetupRouter 创建测试用 gin 路由
func SetupRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(gin.Recovery())
	return r
}

// AuthGroup 带 JWT 认证的路由组
func AuthGroup(r *gin.Engine, path string) *gin.RouterGroup {
	return r.Group(path, middleware.JWTAuth(JWTSecret))
}

// GenerateTestToken 生成测试 token
func GenerateTestToken(userID, name string, roles []string) string {
	if roles == nil {
		roles = []string{}
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":   userID,
		"uid":   userID,
		"name":  name,
		"roles": roles,
		"iss":   "nimo-ehs",
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
		"jti":   fmt.Sprintf("test-jti-%d", now.UnixNano()),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, _ := token.SignedString([]byte(JWTSecret))
	return s
}

// DoRequest 对测试路由发起请求
func DoRequest(r *gin.Engine, method, path string, body interface{}, token string) *httptest.ResponseRecorder {
	reqBody := bytes.NewBuffer(nil)
	if body != nil {
		data, _ := json.Marshal(body)
		reqBody = bytes.NewBuffer(data)
	}
	req, _ := http.NewRequest(method, path, reqBody)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

// ParseResponse 解析 {code, message, data} 响应
func ParseResponse(w *httptest.ResponseRecorder) map[string]interface{} {
	var result map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &result)
	return result
}

// SeedOrg 写入一套组织架构：
//
//	root(总部, 负责人 boss) ─┬─ prod(生产部, 负责人 pm): u1, u2
//	                         ├─ safety(安全部, 负责人 sm): u9, u10 (safety_officer)
//	                         └─ logistics(物流部): l1 (物流主管)
func SeedOrg(t *testing.T, db *gorm.DB) ([]entity.User, []entity.Department) {
	t.Helper()
	depts := []entity.Department{
		{ID: "root", Name: "总部", ManagerID: "boss", Status: entity.DepartmentStatusActive},
		{ID: "prod", Name: "生产部", ParentID: "root", ManagerID: "pm", Status: entity.DepartmentStatusActive},
		{ID: "safety", Name: "安全部", ParentID: "root", ManagerID: "sm", Status: entity.DepartmentStatusActive},
		{ID: "logistics", Name: "物流部", ParentID: "root", Status: entity.DepartmentStatusActive},
	}
	users := []entity.User{
		{ID: "boss", Name: "总经理", Role: "admin", DepartmentID: "root"},
		{ID: "l1", Name: "仓管", Role: "物流主管", DepartmentID: "logistics"},
		{ID: "pm", Name: "生产经理", Role: "manager", DepartmentID: "prod"},
		{ID: "sm", Name: "安全经理", Role: "manager", DepartmentID: "safety"},
		{ID: "u1", Name: "张三", Role: "worker", DepartmentID: "prod"},
		{ID: "u10", Name: "安全员乙", Role: "safety_officer", DepartmentID: "safety"},
		{ID: "u2", Name: "李四", Role: "worker", DepartmentID: "prod"},
		{ID: "u9", Name: "安全员甲", Role: "safety_officer", DepartmentID: "safety"},
	}
	for i := range users {
		users[i].Status = entity.UserStatusActive
		users[i].Username = "user_" + users[i].ID
		users[i].FeishuOpenID = "ou_" + users[i].ID
	}
	if err := db.Create(&depts).Error; err != nil {
		t.Fatalf("seed departments: %v", err)
	}
	if err := db.Create(&users).Error; err != nil {
		t.Fatalf("seed users: %v", err)
	}
	return users, depts
}
