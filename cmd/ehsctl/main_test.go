package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const orgYAML = `
departments:
  - {id: prod, name: 生产部, manager_id: pm}
  - {id: safety, name: 安全部, manager_id: sm}
users:
  - {id: pm, name: 生产经理, role: manager, department_id: prod}
  - {id: u1, name: 张三, role: worker, department_id: 生产部}
  - {id: u2, name: 李四, role: worker, department_id: prod}
  - {id: sm, name: 安全经理, role: manager, department_id: safety}
  - {id: u9, name: 安全员甲, role: safety_officer, department_id: safety}
`

const caseYAML = `
id: c1
title: 车间动火事故
type: 动火作业
location: 生产车间A
reporter_id: u1
responsible_id: u2
`

func writeFixtures(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	org := filepath.Join(dir, "org.yaml")
	kase := filepath.Join(dir, "case.yaml")
	require.NoError(t, os.WriteFile(org, []byte(orgYAML), 0o644))
	require.NoError(t, os.WriteFile(kase, []byte(caseYAML), 0o644))
	return org, kase
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	err := newApp(&buf).Run(context.Background(), append([]string{"ehsctl"}, args...))
	return buf.String(), err
}

func TestValidate(t *testing.T) {
	out, err := run(t, "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "hazard (隐患整改): 4 steps")
	assert.Contains(t, out, "incident (事故调查): 4 steps")
}

func TestPreview(t *testing.T) {
	org, kase := writeFixtures(t)
	out, err := run(t, "preview", "--type", "incident", "--org", org, "--case", kase)
	require.NoError(t, err)
	assert.Contains(t, out, "reporter:u1")
	// u1 用部门名称登记，加载时归一为 prod，上级为 pm
	assert.Contains(t, out, "pm(生产经理)")
	// 动火作业命中自动分派规则，归口安全部
	assert.Contains(t, out, "department_manager:safety")
	assert.Contains(t, out, "u9(安全员甲)")
}

func TestDispatch(t *testing.T) {
	org, kase := writeFixtures(t)
	out, err := run(t, "dispatch", "--type", "incident", "--org", org, "--case", kase, "--action", "submit", "--operator", "u1")
	require.NoError(t, err)
	assert.Contains(t, out, "submit: reported -> investigating (step 1 事故调查)")
	assert.Contains(t, out, "notify step_assigned")

	_, err = run(t, "dispatch", "--type", "incident", "--org", org, "--case", kase, "--action", "fly")
	assert.Error(t, err)
}

func TestParseAssignments(t *testing.T) {
	got, err := parseAssignments([]string{"root_cause=未办理动火证", "rectification=a=b"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"root_cause": "未办理动火证", "rectification": "a=b"}, got)

	_, err = parseAssignments([]string{"novalue"})
	assert.Error(t, err)
}

func TestDispatch_UsesStepIndex(t *testing.T) {
	org, _ := writeFixtures(t)
	kase := filepath.Join(t.TempDir(), "stale.yaml")
	// 状态列落后于步骤位置
	require.NoError(t, os.WriteFile(kase, []byte(caseYAML+"status: investigating\ncurrent_step_index: 2\nroot_cause: 未执行动火审批\n"), 0o644))

	out, err := run(t, "dispatch", "--type", "incident", "--org", org, "--case", kase, "--action", "reject", "--operator", "u9")
	require.NoError(t, err)
	assert.Contains(t, out, "reject: investigating -> investigating (step 1 事故调查)")

	out, err = run(t, "dispatch", "--type", "incident", "--org", org, "--case", kase, "--action", "approve", "--operator", "u9")
	require.NoError(t, err)
	assert.Contains(t, out, "-> closed (step 3 已结案)")

	_, err = run(t, "dispatch", "--type", "incident", "--org", org, "--case", kase, "--action", "approve", "--set", "code=HIJACK")
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte(caseYAML+"current_step_index: 9\n"), 0o644))
	_, err = run(t, "dispatch", "--type", "incident", "--org", org, "--case", bad, "--action", "submit")
	assert.Error(t, err)
}
