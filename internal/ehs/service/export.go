package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"
)

var workflowExportHeaders = []string{
	"序号", "步骤ID", "步骤名称", "状态", "审批方式", "处理人", "抄送人", "匹配方式", "解析结果", "失败原因",
}

// ExportWorkflow 导出案件各步骤处理人 / 抄送人为 xlsx
func (s *CaseWorkflowService) ExportWorkflow(ctx context.Context, caseID string) (*excelize.File, string, error) {
	cw, err := s.GetCase(ctx, caseID)
	if err != nil {
		return nil, "", err
	}
	def, err := s.Definition(cw.Case.WorkflowType)
	if err != nil {
		return nil, "", err
	}

	f := excelize.NewFile()
	sheet := "工作流"
	f.SetSheetName("Sheet1", sheet)

	headerStyle, _ := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true, Size: 11},
		Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"#D9E1F2"}},
		Border: []excelize.Border{
			{Type: "bottom", Color: "000000", Style: 1},
		},
	})
	failedStyle, _ := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Color: "C00000"},
	})
	currentStyle, _ := f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"#FFF2CC"}},
	})

	for i, h := range workflowExportHeaders {
		col, _ := excelize.ColumnNumberToName(i + 1)
		cell := col + "1"
		f.SetCellValue(sheet, cell, h)
		f.SetCellStyle(sheet, cell, cell, headerStyle)
	}

	for i, step := range cw.Steps {
		row := i + 2
		handlerNames := make([]string, 0, len(step.Handlers))
		for _, h := range step.Handlers {
			handlerNames = append(handlerNames, h.Name)
		}
		ccNames := make([]string, 0, len(step.CC))
		for _, u := range step.CC {
			ccNames = append(ccNames, u.Name)
		}
		result := "成功"
		if !step.Success {
			result = "失败"
		}
		f.SetCellValue(sheet, fmt.Sprintf("A%d", row), step.StepIndex+1)
		f.SetCellValue(sheet, fmt.Sprintf("B%d", row), step.StepID)
		f.SetCellValue(sheet, fmt.Sprintf("C%d", row), step.StepName)
		f.SetCellValue(sheet, fmt.Sprintf("D%d", row), def.StatusLabel(def.StatusFor(step.StepID)))
		f.SetCellValue(sheet, fmt.Sprintf("E%d", row), string(step.ApprovalMode))
		f.SetCellValue(sheet, fmt.Sprintf("F%d", row), strings.Join(handlerNames, "、"))
		f.SetCellValue(sheet, fmt.Sprintf("G%d", row), strings.Join(ccNames, "、"))
		f.SetCellValue(sheet, fmt.Sprintf("H%d", row), step.MatchedBy)
		f.SetCellValue(sheet, fmt.Sprintf("I%d", row), result)
		f.SetCellValue(sheet, fmt.Sprintf("J%d", row), step.Error)

		switch {
		case !step.Success:
			f.SetCellStyle(sheet, fmt.Sprintf("A%d", row), fmt.Sprintf("J%d", row), failedStyle)
		case step.StepIndex == cw.Case.CurrentStepIndex:
			f.SetCellStyle(sheet, fmt.Sprintf("A%d", row), fmt.Sprintf("J%d", row), currentStyle)
		}
	}

	colWidths := []float64{6, 14, 14, 10, 10, 24, 30, 28, 10, 30}
	for i, w := range colWidths {
		col, _ := excelize.ColumnNumberToName(i + 1)
		f.SetColWidth(sheet, col, col, w)
	}

	name := cw.Case.Code
	if name == "" {
		name = cw.Case.ID
	}
	return f, fmt.Sprintf("工作流_%s.xlsx", name), nil
}
