package entity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCase_ApplySkipsProtectedFields(t *testing.T) {
	c := &Case{ID: "a", Code: "IN-20261019-0001", WorkflowType: WorkflowIncident, Status: "reported", CreatedBy: "u1"}
	c.Apply(map[string]string{
		"id":                 "b",
		"code":               "HIJACK",
		"workflowType":       WorkflowHazard,
		"status":             "closed",
		"current_step_index": "3",
		"created_by":         "boss",
		"root_cause":         "防护罩未复位",
		"shift":              "夜班",
	})
	assert.Equal(t, "a", c.ID)
	assert.Equal(t, "IN-20261019-0001", c.Code)
	assert.Equal(t, WorkflowIncident, c.WorkflowType)
	assert.Equal(t, "reported", c.Status)
	assert.Equal(t, 0, c.CurrentStepIndex)
	assert.Equal(t, "u1", c.CreatedBy)
	assert.Equal(t, "防护罩未复位", c.RootCause)
	assert.Equal(t, "夜班", c.Attributes["shift"])
	assert.NotContains(t, c.Attributes, "status")
}

func TestProtectedFieldsIn(t *testing.T) {
	got := ProtectedFieldsIn(map[string]string{"status": "x", "title": "y", "code": "z", "id": "w"})
	assert.Equal(t, []string{"code", "id", "status"}, got)
	assert.Empty(t, ProtectedFieldsIn(map[string]string{"title": "y"}))
	assert.Empty(t, ProtectedFieldsIn(nil))
	assert.True(t, IsProtectedField("currentStepIndex"))
	assert.False(t, IsProtectedField("root_cause"))
}

func TestCase_CanonicalDepartments(t *testing.T) {
	names := map[string]string{"安全部": "safety", "生产部": "prod"}
	canon := func(ref string) string {
		if id, ok := names[ref]; ok {
			return id
		}
		return ref
	}
	c := &Case{ReporterDepartmentID: "生产部", AssignedDepartmentID: "安全部", ResponsibleDepartmentID: "logistics"}
	c.CanonicalDepartments(canon)
	assert.Equal(t, "prod", c.ReporterDepartmentID)
	assert.Equal(t, "safety", c.AssignedDepartmentID)
	assert.Equal(t, "logistics", c.ResponsibleDepartmentID)
	assert.True(t, IsDepartmentField("assignedDepartmentId"))
	assert.False(t, IsDepartmentField("location"))
}
