package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFrom(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  port: 9090
database:
  driver: sqlite
  path: /tmp/ehs.db
workflow:
  dir: ./workflows
  directory_cache_ttl: 30s
  supervisor_keywords: [经理, 班组长]
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("JWT_SECRET", "from-env")
	t.Setenv("DB_HOST", "db.internal")

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("server.port = %d", cfg.Server.Port)
	}
	if cfg.Server.ShutdownTimeout != 10*time.Second {
		t.Errorf("默认 shutdown_timeout = %v", cfg.Server.ShutdownTimeout)
	}
	if cfg.Database.Driver != "sqlite" || cfg.Database.Path != "/tmp/ehs.db" {
		t.Errorf("database = %+v", cfg.Database)
	}
	if cfg.Database.Host != "db.internal" {
		t.Errorf("环境变量未覆盖 database.host: %s", cfg.Database.Host)
	}
	if cfg.JWT.Secret != "from-env" {
		t.Errorf("jwt.secret = %s", cfg.JWT.Secret)
	}
	if cfg.Workflow.DirectoryCacheTTL != 30*time.Second {
		t.Errorf("directory_cache_ttl = %v", cfg.Workflow.DirectoryCacheTTL)
	}
	if len(cfg.Workflow.SupervisorKeywords) != 2 || cfg.Workflow.SupervisorKeywords[1] != "班组长" {
		t.Errorf("supervisor_keywords = %v", cfg.Workflow.SupervisorKeywords)
	}
}

func TestGetEnvOrDefault(t *testing.T) {
	t.Setenv("NIMO_EHS_TEST_KEY", "x")
	if GetEnvOrDefault("NIMO_EHS_TEST_KEY", "y") != "x" {
		t.Error("应返回环境变量值")
	}
	if GetEnvOrDefault("NIMO_EHS_TEST_MISSING", "y") != "y" {
		t.Error("应返回默认值")
	}
}
