package feishu

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// SendUserCard 向个人（open_id）发送消息卡片
func (c *FeishuClient) SendUserCard(ctx context.Context, openID string, card InteractiveCard) (string, error) {
	content, err := json.Marshal(card)
	if err != nil {
		return "", fmt.Errorf("序列化卡片内容失败: %w", err)
	}
	reqBody := map[string]interface{}{
		"receive_id": openID,
		"msg_type":   "interactive",
		"content":    string(content),
	}
	var resp SendMessageResponse
	if err := c.doRequest(ctx, "POST", "/open-apis/im/v1/messages?receive_id_type=open_id", reqBody, &resp); err != nil {
		return "", fmt.Errorf("发送消息卡片失败: %w", err)
	}
	return resp.Data.MessageID, nil
}

// CaseCard 案件通知卡片内容
type CaseCard struct {
	Kind     string // step_assigned / cc / case_closed
	Title    string
	CaseCode string
	CaseName string
	StepName string
	Status   string
	Handlers []string
	Body     string
	URL      string
}

// NewCaseCard 案件工作流通知卡片
func NewCaseCard(in CaseCard) InteractiveCard {
	template, heading := "blue", "📋 "+in.Title
	switch in.Kind {
	case "cc":
		template, heading = "grey", "📨 "+in.Title
	case "case_closed":
		template, heading = "green", "✅ "+in.Title
	}

	fields := []CardField{
		mdField("案件", nonEmpty(in.CaseName, in.CaseCode)),
		mdField("当前步骤", nonEmpty(in.StepName, "-")),
		mdField("状态", nonEmpty(in.Status, "-")),
	}
	if len(in.Handlers) > 0 {
		fields = append(fields, mdField("处理人", strings.Join(in.Handlers, "、")))
	}
	elements := []CardElement{{Tag: "div", Fields: fields}}
	if in.Body != "" {
		elements = append(elements, CardElement{Tag: "div", Text: &CardText{Tag: "lark_md", Content: in.Body}})
	}
	if in.URL != "" {
		elements = append(elements, CardElement{
			Tag: "action",
			Actions: []CardAction{{
				Tag:  "button",
				Text: CardText{Tag: "plain_text", Content: "查看案件"},
				Type: "primary",
				URL:  in.URL,
			}},
		})
	}
	return InteractiveCard{
		Config:   &CardConfig{WideScreenMode: true},
		Header:   &CardHeader{Title: CardText{Tag: "plain_text", Content: heading}, Template: template},
		Elements: elements,
	}
}

func mdField(label, value string) CardField {
	return CardField{IsShort: true, Text: CardText{Tag: "lark_md", Content: fmt.Sprintf("**%s**\n%s", label, value)}}
}

func nonEmpty(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
