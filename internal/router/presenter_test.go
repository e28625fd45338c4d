package router

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amimimor/claude-code-telegram-bot/internal/telegram"
	"github.com/amimimor/claude-code-telegram-bot/internal/telegram/telegramtest"
)

func TestStatusText(t *testing.T) {
	text := statusText("", true)
	assert.True(t, strings.HasPrefix(text, "🔄"))
	assert.Contains(t, text, "...")

	text = statusText("", false)
	assert.True(t, strings.HasPrefix(text, "✨"))

	text = statusText("[<code>proj</code>] ", true)
	assert.True(t, strings.HasPrefix(text, "[<code>proj</code>] 🔄"))
}

func TestPresenterLifecycle(t *testing.T) {
	srv := telegramtest.New()
	defer srv.Close()
	tg := telegram.New("tok", 42, telegram.WithBaseURL(srv.URL()))

	p := startPresenter(context.Background(), tg, "", false)
	require.Equal(t, 1, srv.CallCount("sendMessage"))
	assert.Equal(t, int64(1), p.messageID)

	p.Stop(context.Background())
	require.Equal(t, 1, srv.CallCount("deleteMessage"))
	assert.Equal(t, float64(1), srv.LastCall("deleteMessage").Payload["message_id"])

	// Stop is idempotent
	p.Stop(context.Background())
}

func TestPresenterSurvivesSendFailure(t *testing.T) {
	srv := telegramtest.New()
	defer srv.Close()
	srv.Handle("sendMessage", func(map[string]any) map[string]any {
		return telegramtest.Err(500, "Internal Server Error")
	})
	tg := telegram.New("tok", 42, telegram.WithBaseURL(srv.URL()))

	p := startPresenter(context.Background(), tg, "", false)
	// No message to delete, Stop must still return promptly
	p.Stop(context.Background())
	assert.Zero(t, srv.CallCount("deleteMessage"))
}
