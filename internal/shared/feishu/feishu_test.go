package feishu

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

func TestSendUserCard(t *testing.T) {
	var tokenCalls int32
	var gotContent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/app_access_token/internal"):
			atomic.AddInt32(&tokenCalls, 1)
			w.Write([]byte(`{"code":0,"msg":"ok","app_access_token":"t-1","expire":7200}`))
		case r.URL.Path == "/open-apis/im/v1/messages":
			if r.Header.Get("Authorization") != "Bearer t-1" {
				t.Errorf("缺少 token: %q", r.Header.Get("Authorization"))
			}
			var body map[string]string
			json.NewDecoder(r.Body).Decode(&body)
			gotContent = body["content"]
			w.Write([]byte(`{"code":0,"msg":"ok","data":{"message_id":"om_1"}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewClient("app", "secret", WithBaseURL(srv.URL))
	card := NewCaseCard(CaseCard{Kind: "step_assigned", Title: "待处理：事故调查", CaseName: "车间动火事故", StepName: "事故调查", Handlers: []string{"生产经理"}})

	for i := 0; i < 2; i++ {
		id, err := c.SendUserCard(context.Background(), "ou_pm", card)
		if err != nil {
			t.Fatalf("SendUserCard: %v", err)
		}
		if id != "om_1" {
			t.Errorf("message id = %s", id)
		}
	}
	if n := atomic.LoadInt32(&tokenCalls); n != 1 {
		t.Errorf("token 应缓存, 实际请求 %d 次", n)
	}
	if !strings.Contains(gotContent, "生产经理") || !strings.Contains(gotContent, `"template":"blue"`) {
		t.Errorf("卡片内容不符: %s", gotContent)
	}
}

func TestSendUserCard_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/app_access_token/internal") {
			w.Write([]byte(`{"code":0,"app_access_token":"t","expire":7200}`))
			return
		}
		w.Write([]byte(`{"code":230001,"msg":"invalid receive_id"}`))
	}))
	defer srv.Close()

	c := NewClient("app", "secret", WithBaseURL(srv.URL))
	_, err := c.SendUserCard(context.Background(), "bad", NewCaseCard(CaseCard{Kind: "cc", Title: "抄送"}))
	if err == nil || !strings.Contains(err.Error(), "230001") {
		t.Fatalf("期望飞书错误码, 实际 %v", err)
	}
}

func TestNewCaseCard_Templates(t *testing.T) {
	if got := NewCaseCard(CaseCard{Kind: "case_closed", Title: "已关闭"}).Header.Template; got != "green" {
		t.Errorf("case_closed 模板 = %s", got)
	}
	card := NewCaseCard(CaseCard{Kind: "cc", Title: "抄送", URL: "https://ehs.example.com/cases/1"})
	if card.Header.Template != "grey" {
		t.Errorf("cc 模板 = %s", card.Header.Template)
	}
	if last := card.Elements[len(card.Elements)-1]; last.Tag != "action" || last.Actions[0].URL == "" {
		t.Errorf("缺少查看按钮: %+v", last)
	}
}
