package sse

import (
	"strings"
	"testing"
)

func TestHub_SendToUserAndBroadcast(t *testing.T) {
	h := NewHub(nil)
	a := &Client{ID: "a", UserID: "u1", Events: make(chan Event, 4)}
	b := &Client{ID: "b", UserID: "u2", Events: make(chan Event, 4)}
	h.Register(a)
	h.Register(b)

	h.PublishToUser("u1", EventNotification, map[string]string{"title": "待处理"})
	if len(a.Events) != 1 || len(b.Events) != 0 {
		t.Fatalf("定向推送错误: a=%d b=%d", len(a.Events), len(b.Events))
	}
	ev := <-a.Events
	if ev.EventType != EventNotification || !strings.Contains(ev.Data, "待处理") {
		t.Errorf("事件内容不符: %+v", ev)
	}

	h.PublishCaseUpdate("c1", "submit", "investigating", 1)
	if len(a.Events) != 1 || len(b.Events) != 1 {
		t.Fatalf("广播未送达全部连接")
	}

	h.Unregister("a")
	if h.ClientCount() != 1 {
		t.Errorf("注销后连接数 = %d", h.ClientCount())
	}
	<-a.Events
	if _, ok := <-a.Events; ok {
		t.Errorf("注销后通道应关闭")
	}
}

func TestHub_FullBufferSkips(t *testing.T) {
	h := NewHub(nil)
	c := &Client{ID: "c", UserID: "u", Events: make(chan Event, 1)}
	h.Register(c)
	h.Broadcast(Event{EventType: "x"})
	h.Broadcast(Event{EventType: "y"})
	if len(c.Events) != 1 {
		t.Fatalf("缓冲区满时应丢弃, len=%d", len(c.Events))
	}
}
