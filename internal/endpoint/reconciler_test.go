package endpoint

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amimimor/claude-code-telegram-bot/internal/config"
	"github.com/amimimor/claude-code-telegram-bot/internal/event"
	"github.com/amimimor/claude-code-telegram-bot/internal/telegram"
	"github.com/amimimor/claude-code-telegram-bot/internal/telegram/telegramtest"
)

type fixture struct {
	rec   *Reconciler
	tgSrv *telegramtest.Server
	bus   *event.Bus

	mu      sync.Mutex
	updates []*telegram.Update

	cancel context.CancelFunc
	done   chan struct{}
}

func newFixture(t *testing.T, mode config.Mode) *fixture {
	t.Helper()

	cfg := config.Default()
	cfg.BotToken = "test-token"
	cfg.ChatID = 42
	cfg.Mode = mode
	cfg.WebhookURL = "https://example.com"
	// Keep retries fast
	cfg.RetryBaseDelay = 2 * time.Millisecond
	cfg.RetryMaxDelay = 10 * time.Millisecond
	cfg.RetryMaxAttempts = 4

	tgSrv := telegramtest.New()
	t.Cleanup(tgSrv.Close)
	tg := telegram.New(cfg.BotToken, cfg.ChatID, telegram.WithBaseURL(tgSrv.URL()))

	bus := event.NewBus()
	t.Cleanup(func() { bus.Close() })

	f := &fixture{tgSrv: tgSrv, bus: bus}
	f.rec = New(cfg, tg, nil, bus, func(ctx context.Context, upd *telegram.Update) {
		f.mu.Lock()
		f.updates = append(f.updates, upd)
		f.mu.Unlock()
	})
	return f
}

func (f *fixture) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	f.done = make(chan struct{})
	go func() {
		defer close(f.done)
		f.rec.Run(ctx)
	}()
	t.Cleanup(f.stop)
}

func (f *fixture) stop() {
	if f.cancel == nil {
		return
	}
	f.cancel()
	select {
	case <-f.done:
	case <-time.After(5 * time.Second):
	}
	f.cancel = nil
}

func (f *fixture) waitForState(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return f.rec.State() == want },
		5*time.Second, 5*time.Millisecond, "state never reached %s, at %s", want, f.rec.State())
}

func TestWebhookModeActivates(t *testing.T) {
	f := newFixture(t, config.ModeWebhook)
	f.run(t)

	f.waitForState(t, StateActive)
	assert.Equal(t, "https://example.com", f.rec.PublicURL())

	call := f.tgSrv.LastCall("setWebhook")
	require.NotNil(t, call)
	assert.Equal(t, "https://example.com/webhook", call.Payload["url"])

	// Shutdown unregisters the webhook
	f.stop()
	assert.Equal(t, 1, f.tgSrv.CallCount("deleteWebhook"))
}

func TestRegistrationRetriesTransientFailures(t *testing.T) {
	f := newFixture(t, config.ModeWebhook)

	attempts := 0
	f.tgSrv.Handle("setWebhook", func(map[string]any) map[string]any {
		attempts++
		if attempts <= 3 {
			return telegramtest.Err(502, "Bad Gateway")
		}
		return nil
	})

	f.run(t)
	f.waitForState(t, StateActive)
	assert.Equal(t, 4, f.tgSrv.CallCount("setWebhook"))
}

func TestRegistrationPermanentFailureStopsRetrying(t *testing.T) {
	f := newFixture(t, config.ModeWebhook)
	f.tgSrv.Handle("setWebhook", func(map[string]any) map[string]any {
		return telegramtest.Err(400, "Bad Request: bad webhook url")
	})

	f.run(t)
	f.waitForState(t, StateDegradedPolling)

	// A 4xx rejection must not be retried
	assert.Equal(t, 1, f.tgSrv.CallCount("setWebhook"))
}

func TestRegistrationExhaustionDegradesToPolling(t *testing.T) {
	f := newFixture(t, config.ModeWebhook)
	f.tgSrv.Handle("setWebhook", func(map[string]any) map[string]any {
		return telegramtest.Err(502, "Bad Gateway")
	})

	f.run(t)
	f.waitForState(t, StateDegradedPolling)

	// Exhaustion stops at the configured attempt cap
	assert.Equal(t, 4, f.tgSrv.CallCount("setWebhook"))
	// Polling cleared any stale webhook before fetching
	require.Eventually(t, func() bool { return f.tgSrv.CallCount("getUpdates") > 0 },
		5*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, f.tgSrv.CallCount("deleteWebhook"), 1)
}

func TestPollingFeedsHandlerAndAdvancesOffset(t *testing.T) {
	f := newFixture(t, config.ModePolling)

	calls := 0
	f.tgSrv.Handle("getUpdates", func(payload map[string]any) map[string]any {
		calls++
		if calls == 1 {
			return telegramtest.OK([]any{
				map[string]any{
					"update_id": 100,
					"message": map[string]any{
						"message_id": 1,
						"text":       "hi",
						"chat":       map[string]any{"id": 42},
					},
				},
			})
		}
		// Simulate the long poll holding the connection
		time.Sleep(20 * time.Millisecond)
		return telegramtest.OK([]any{})
	})

	f.run(t)
	f.waitForState(t, StateDegradedPolling)

	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return len(f.updates) == 1
	}, 5*time.Second, 5*time.Millisecond)

	f.mu.Lock()
	assert.Equal(t, "hi", f.updates[0].Message.Text)
	f.mu.Unlock()

	// The next fetch acknowledges the consumed update
	require.Eventually(t, func() bool { return f.tgSrv.CallCount("getUpdates") >= 2 },
		5*time.Second, 5*time.Millisecond)
	assert.Equal(t, float64(101), f.tgSrv.Calls("getUpdates")[1].Payload["offset"])
}

func TestStateChangesPublished(t *testing.T) {
	f := newFixture(t, config.ModeWebhook)

	states := make(chan string, 16)
	f.bus.Subscribe(event.EndpointStateChanged, func(ev event.Event) {
		var s string
		if err := ev.Decode(&s); err == nil {
			states <- s
		}
	})

	f.run(t)
	f.waitForState(t, StateActive)

	seen := make(map[string]bool)
	deadline := time.After(2 * time.Second)
	for len(seen) < 2 {
		select {
		case s := <-states:
			seen[s] = true
		case <-deadline:
			t.Fatalf("missing state events, saw %v", seen)
		}
	}
	assert.True(t, seen[string(StateRegistering)])
	assert.True(t, seen[string(StateActive)])
}
