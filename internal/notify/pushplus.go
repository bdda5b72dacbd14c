package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const pushPlusEndpoint = "https://www.pushplus.plus/send"

// PushPlusSender 通过 PushPlus 推送文本消息
type PushPlusSender struct {
	token    string
	endpoint string
	client   *http.Client
}

// NewPushPlusSender 创建 PushPlus 渠道
func NewPushPlusSender(token string) *PushPlusSender {
	return &PushPlusSender{
		token:    token,
		endpoint: pushPlusEndpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (p *PushPlusSender) Name() string {
	return "pushplus"
}

func (p *PushPlusSender) Send(ctx context.Context, title, content string) error {
	payload := map[string]string{
		"token":    p.token,
		"title":    title,
		"content":  content,
		"template": "txt",
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal pushplus payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send pushplus message: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("pushplus returned status %d with unreadable body: %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK || result.Code != 200 {
		return fmt.Errorf("pushplus returned status %d code %d: %s", resp.StatusCode, result.Code, result.Msg)
	}
	return nil
}
