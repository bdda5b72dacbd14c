package notify

import (
	"context"
	"time"

	"spot-grid-bot-go/internal/models"

	"go.uber.org/zap"
)

const defaultSendTimeout = 10 * time.Second

// Sender 单个推送渠道
type Sender interface {
	Send(ctx context.Context, title, content string) error
	Name() string
}

// Manager 将通知发送到所有已配置的渠道。发送失败只记录日志, 不会向调用方返回错误。
type Manager struct {
	senders []Sender
	logger  *zap.Logger
	timeout time.Duration
}

// NewManager 使用给定的渠道创建通知管理器
func NewManager(logger *zap.Logger, senders ...Sender) *Manager {
	return &Manager{senders: senders, logger: logger, timeout: defaultSendTimeout}
}

// FromConfig 根据环境变量中的凭证启用 PushPlus 与 Telegram
func FromConfig(cfg models.NotifyConfig, logger *zap.Logger) *Manager {
	var senders []Sender
	if cfg.PushPlusToken != "" {
		senders = append(senders, NewPushPlusSender(cfg.PushPlusToken))
	}
	if cfg.TelegramToken != "" && cfg.TelegramChatID != 0 {
		senders = append(senders, NewTelegramSender(cfg.TelegramToken, cfg.TelegramChatID))
	}
	if len(senders) == 0 {
		logger.Warn("未配置任何推送渠道, 通知只会写入日志")
	}
	return NewManager(logger, senders...)
}

// Notify 尽力发送通知
func (m *Manager) Notify(ctx context.Context, title, content string) {
	if m == nil {
		return
	}
	m.logger.Info("发送通知", zap.String("title", title), zap.String("content", content))
	for _, s := range m.senders {
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
		err := s.Send(sendCtx, title, content)
		cancel()
		if err != nil {
			m.logger.Error("通知发送失败", zap.String("channel", s.Name()), zap.String("title", title), zap.Error(err))
		}
	}
}
