package entity

import (
	"time"

	"gorm.io/datatypes"
)

// StepResolution 单个案件某一步骤的处理人 / 抄送人解析结果
// (case_id, step_index) 唯一
type StepResolution struct {
	ID               string                      `json:"id" gorm:"primaryKey;size:36"`
	CaseID           string                      `json:"case_id" gorm:"size:36;not null;uniqueIndex:idx_case_step"`
	StepIndex        int                         `json:"step_index" gorm:"not null;uniqueIndex:idx_case_step"`
	StepID           string                      `json:"step_id" gorm:"size:64"`
	StepName         string                      `json:"step_name" gorm:"size:100"`
	HandlerUserIDs   datatypes.JSONSlice[string] `json:"handler_user_ids"`
	HandlerUserNames datatypes.JSONSlice[string] `json:"handler_user_names"`
	CCUserIDs        datatypes.JSONSlice[string] `json:"cc_user_ids"`
	CCUserNames      datatypes.JSONSlice[string] `json:"cc_user_names"`
	MatchedBy        string                      `json:"matched_by" gorm:"size:100"`
	ApprovalMode     ApprovalMode                `json:"approval_mode" gorm:"size:8"`
	Success          bool                        `json:"success"`
	Error            string                      `json:"error,omitempty" gorm:"type:text"`
	CreatedAt        time.Time                   `json:"created_at"`
	UpdatedAt        time.Time                   `json:"updated_at"`
}

func (StepResolution) TableName() string {
	return "ehs_step_resolutions"
}

// Handlers 处理人引用列表
func (r *StepResolution) Handlers() []UserRef {
	return zipRefs(r.HandlerUserIDs, r.HandlerUserNames)
}

// CC 抄送人引用列表
func (r *StepResolution) CC() []UserRef {
	return zipRefs(r.CCUserIDs, r.CCUserNames)
}

// SetHandlers 按顺序写入处理人 id / 名字
func (r *StepResolution) SetHandlers(refs []UserRef) {
	r.HandlerUserIDs, r.HandlerUserNames = splitRefs(refs)
}

// SetCC 按顺序写入抄送人 id / 名字
func (r *StepResolution) SetCC(refs []UserRef) {
	r.CCUserIDs, r.CCUserNames = splitRefs(refs)
}

func zipRefs(ids, names []string) []UserRef {
	out := make([]UserRef, 0, len(ids))
	for i, id := range ids {
		ref := UserRef{ID: id}
		if i < len(names) {
			ref.Name = names[i]
		}
		out = append(out, ref)
	}
	return out
}

func splitRefs(refs []UserRef) (datatypes.JSONSlice[string], datatypes.JSONSlice[string]) {
	ids := make(datatypes.JSONSlice[string], 0, len(refs))
	names := make(datatypes.JSONSlice[string], 0, len(refs))
	for _, ref := range refs {
		ids = append(ids, ref.ID)
		names = append(names, ref.Name)
	}
	return ids, names
}
