package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"spot-grid-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingSender struct {
	mu     sync.Mutex
	name   string
	err    error
	titles []string
}

func (r *recordingSender) Send(ctx context.Context, title, content string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.titles = append(r.titles, title)
	return r.err
}

func (r *recordingSender) Name() string { return r.name }

func TestNotifyIsBestEffort(t *testing.T) {
	failing := &recordingSender{name: "broken", err: errors.New("boom")}
	ok := &recordingSender{name: "ok"}
	m := NewManager(zap.NewNop(), failing, ok)

	m.Notify(context.Background(), "买入成功", "price=97.9")
	assert.Equal(t, []string{"买入成功"}, failing.titles)
	assert.Equal(t, []string{"买入成功"}, ok.titles, "a failing channel must not block the others")

	var nilManager *Manager
	assert.NotPanics(t, func() { nilManager.Notify(context.Background(), "t", "c") })
}

func TestNotifySurvivesCancelledContext(t *testing.T) {
	s := &recordingSender{name: "ok"}
	m := NewManager(zap.NewNop(), s)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m.Notify(ctx, "紧急停止", "")
	assert.Len(t, s.titles, 1)
}

func TestFromConfigEnablesConfiguredChannels(t *testing.T) {
	m := FromConfig(models.NotifyConfig{}, zap.NewNop())
	assert.Empty(t, m.senders)

	m = FromConfig(models.NotifyConfig{PushPlusToken: "p", TelegramToken: "t", TelegramChatID: 1}, zap.NewNop())
	require.Len(t, m.senders, 2)
	assert.Equal(t, "pushplus", m.senders[0].Name())
	assert.Equal(t, "telegram", m.senders[1].Name())
}

func TestPushPlusSender(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		fmt.Fprint(w, `{"code":200,"msg":"请求成功"}`)
	}))
	defer srv.Close()

	p := NewPushPlusSender("tok")
	p.endpoint = srv.URL
	require.NoError(t, p.Send(context.Background(), "title", "content"))
	assert.Equal(t, "tok", got["token"])
	assert.Equal(t, "title", got["title"])
	assert.Equal(t, "content", got["content"])
	assert.Equal(t, "txt", got["template"])
}

func TestPushPlusSenderReportsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":903,"msg":"无效的用户token"}`)
	}))
	defer srv.Close()

	p := NewPushPlusSender("bad")
	p.endpoint = srv.URL
	err := p.Send(context.Background(), "t", "c")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "903")
}

func TestTelegramSender(t *testing.T) {
	var mu sync.Mutex
	var sent []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/getMe"):
			fmt.Fprint(w, `{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"grid","username":"grid_bot"}}`)
		case strings.HasSuffix(r.URL.Path, "/sendMessage"):
			r.ParseForm()
			mu.Lock()
			sent = append(sent, r.PostForm.Get("chat_id")+"|"+r.PostForm.Get("text"))
			mu.Unlock()
			fmt.Fprint(w, `{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":42,"type":"private"}}}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	s := NewTelegramSender("123:abc", 42)
	s.endpoint = srv.URL + "/bot%s/%s"
	s.client = srv.Client()

	require.NoError(t, s.Send(context.Background(), "卖出成功", "price=102.1"))
	require.NoError(t, s.Send(context.Background(), "second", "msg"))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, sent, 2)
	assert.Equal(t, "42|卖出成功\n\nprice=102.1", sent[0])
}
