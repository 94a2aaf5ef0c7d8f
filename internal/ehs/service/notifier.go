package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/bitfantasy/nimo-ehs/internal/ehs/entity"
	"github.com/bitfantasy/nimo-ehs/internal/ehs/repository"
	"github.com/bitfantasy/nimo-ehs/internal/ehs/sse"
	"github.com/bitfantasy/nimo-ehs/internal/ehs/workflow"
	"github.com/bitfantasy/nimo-ehs/internal/shared/feishu"
)

// Notification 一次派发产生的全部通知
type Notification struct {
	Case     *entity.Case
	Action   string
	StepName string
	Status   string
	Handlers []entity.UserRef
	Intents  []workflow.NotificationIntent
}

// Notifier 通知投递
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// MultiNotifier 依次投递到多个渠道，单个渠道失败不影响其他渠道
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, notifier := range m {
		if notifier == nil {
			continue
		}
		if err := notifier.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SSENotifier 推送到浏览器：广播案件变化，并按用户推送通知
type SSENotifier struct {
	hub *sse.Hub
}

func NewSSENotifier(hub *sse.Hub) *SSENotifier {
	return &SSENotifier{hub: hub}
}

func (s *SSENotifier) Notify(ctx context.Context, n Notification) error {
	if n.Case == nil {
		return nil
	}
	s.hub.PublishCaseUpdate(n.Case.ID, n.Action, n.Case.Status, n.Case.CurrentStepIndex)
	for _, in := range n.Intents {
		s.hub.PublishToUser(in.UserID, sse.EventNotification, in)
	}
	return nil
}

// FeishuNotifier 以飞书消息卡片通知处理人 / 抄送人 / 上报人
type FeishuNotifier struct {
	client    *feishu.FeishuClient
	users     *repository.UserRepository
	publicURL string
	logger    *zap.Logger
}

func NewFeishuNotifier(client *feishu.FeishuClient, users *repository.UserRepository, publicURL string, logger *zap.Logger) *FeishuNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FeishuNotifier{
		client:    client,
		users:     users,
		publicURL: strings.TrimRight(publicURL, "/"),
		logger:    logger.Named("feishu"),
	}
}

func (f *FeishuNotifier) Notify(ctx context.Context, n Notification) error {
	if n.Case == nil {
		return nil
	}
	handlerNames := make([]string, 0, len(n.Handlers))
	for _, h := range n.Handlers {
		handlerNames = append(handlerNames, h.Name)
	}
	url := ""
	if f.publicURL != "" {
		url = fmt.Sprintf("%s/ehs/%s/%s", f.publicURL, n.Case.WorkflowType, n.Case.ID)
	}

	var errs []error
	for _, in := range n.Intents {
		user, err := f.users.FindByID(ctx, in.UserID)
		if err != nil {
			f.logger.Warn("通知对象不存在", zap.String("user_id", in.UserID), zap.Error(err))
			continue
		}
		if user.FeishuOpenID == "" {
			f.logger.Debug("用户未绑定飞书，跳过", zap.String("user_id", in.UserID))
			continue
		}
		card := feishu.NewCaseCard(feishu.CaseCard{
			Kind:     in.Kind,
			Title:    in.Title,
			CaseCode: n.Case.Code,
			CaseName: n.Case.Title,
			StepName: n.StepName,
			Status:   n.Status,
			Handlers: handlerNames,
			Body:     in.Body,
			URL:      url,
		})
		msgID, err := f.client.SendUserCard(ctx, user.FeishuOpenID, card)
		if err != nil {
			f.logger.Warn("飞书通知发送失败",
				zap.String("case_id", n.Case.ID),
				zap.String("user_id", in.UserID),
				zap.String("kind", in.Kind),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("通知 %s 失败: %w", in.UserID, err))
			continue
		}
		f.logger.Info("飞书通知已发送",
			zap.String("case_id", n.Case.ID),
			zap.String("user_id", in.UserID),
			zap.String("message_id", msgID))
	}
	return errors.Join(errs...)
}
