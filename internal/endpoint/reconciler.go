// Package endpoint reconciles public-endpoint exposure with Telegram's
// delivery mechanism: it establishes a reachable URL (tunnel or pre-supplied),
// registers it as the webhook with retries, and falls back to long polling
// when no push endpoint can be established.
package endpoint

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/amimimor/claude-code-telegram-bot/internal/config"
	"github.com/amimimor/claude-code-telegram-bot/internal/event"
	"github.com/amimimor/claude-code-telegram-bot/internal/logging"
	"github.com/amimimor/claude-code-telegram-bot/internal/telegram"
	"github.com/amimimor/claude-code-telegram-bot/internal/tunnel"
)

// State is the reconciler's position in its lifecycle.
type State string

const (
	// StateIdle is the initial state, before Run.
	StateIdle State = "idle"
	// StateEstablishing means a tunnel is being started.
	StateEstablishing State = "establishing"
	// StateRegistering means the webhook registration is in progress.
	StateRegistering State = "registering"
	// StateActive means push delivery is registered and live.
	StateActive State = "active"
	// StateDegradedPolling means push delivery could not be established;
	// updates are fetched by long polling instead.
	StateDegradedPolling State = "degraded_polling"
)

// UpdateHandler consumes inbound updates fetched by the polling loop.
type UpdateHandler func(ctx context.Context, upd *telegram.Update)

// Reconciler drives the endpoint state machine. All transitions happen on
// the Run goroutine; State is safe to read concurrently.
type Reconciler struct {
	cfg     *config.Config
	tg      *telegram.Client
	tun     *tunnel.Tunnel
	bus     *event.Bus
	handler UpdateHandler

	mu    sync.Mutex
	state State
	url   string
}

// New creates a Reconciler. handler receives updates when the reconciler is
// operating in polling mode.
func New(cfg *config.Config, tg *telegram.Client, tun *tunnel.Tunnel, bus *event.Bus, handler UpdateHandler) *Reconciler {
	return &Reconciler{
		cfg:     cfg,
		tg:      tg,
		tun:     tun,
		bus:     bus,
		handler: handler,
		state:   StateIdle,
	}
}

// State returns the current state.
func (r *Reconciler) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// PublicURL returns the established public URL, or "".
func (r *Reconciler) PublicURL() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.url
}

func (r *Reconciler) transition(s State) {
	r.mu.Lock()
	prev := r.state
	r.state = s
	r.mu.Unlock()

	logging.Info().Str("from", string(prev)).Str("to", string(s)).Msg("endpoint state")
	r.bus.Publish(event.EndpointStateChanged, string(s))
}

func (r *Reconciler) setURL(url string) {
	r.mu.Lock()
	r.url = url
	r.mu.Unlock()
	if url != "" {
		r.bus.Publish(event.TunnelURLChanged, url)
	}
}

// Run drives the state machine until ctx is cancelled. It blocks; callers
// start it on its own goroutine. On return the webhook is deleted and the
// tunnel stopped.
func (r *Reconciler) Run(ctx context.Context) {
	defer r.teardown()

	switch r.cfg.Mode {
	case config.ModeWebhook:
		if r.register(ctx, r.cfg.WebhookURL+r.cfg.WebhookPath) {
			r.setURL(r.cfg.WebhookURL)
			r.transition(StateActive)
			<-ctx.Done()
			return
		}
		r.pollLoop(ctx)

	case config.ModePolling:
		r.pollLoop(ctx)

	case config.ModeTunnel:
		r.tunnelLoop(ctx)
	}
}

// tunnelLoop runs Establishing -> Registering -> Active, re-entering
// Establishing whenever the tunnel process dies, and degrading to polling
// when the tunnel or the registration cannot be brought up.
func (r *Reconciler) tunnelLoop(ctx context.Context) {
	for ctx.Err() == nil {
		if !tunnel.Available() {
			logging.Warn().Msg("cloudflared not found, falling back to polling")
			r.pollLoop(ctx)
			return
		}

		r.transition(StateEstablishing)
		url, err := r.tun.Start(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logging.Warn().Err(err).Msg("tunnel failed to start, falling back to polling")
			r.pollLoop(ctx)
			return
		}
		r.setURL(url)

		if !r.register(ctx, url+r.cfg.WebhookPath) {
			if ctx.Err() != nil {
				return
			}
			r.tun.Stop()
			r.pollLoop(ctx)
			return
		}
		r.transition(StateActive)

		// Stay active until shutdown or unexpected tunnel exit.
		select {
		case <-ctx.Done():
			return
		case <-r.tun.Done():
			logging.Warn().Msg("tunnel exited unexpectedly, re-establishing")
			r.setURL("")
		}
	}
}

// register calls setWebhook with exponential backoff. Transient failures are
// retried up to the configured attempt cap; exhaustion returns false.
func (r *Reconciler) register(ctx context.Context, webhookURL string) bool {
	r.transition(StateRegistering)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.RetryBaseDelay
	b.MaxInterval = r.cfg.RetryMaxDelay
	b.Multiplier = 2.0
	b.RandomizationFactor = 0.5
	b.MaxElapsedTime = 0
	b.Reset()

	// WithMaxRetries counts retries after the first call, so the attempt cap
	// maps to cap-1 retries.
	var retries uint64
	if r.cfg.RetryMaxAttempts > 0 {
		retries = r.cfg.RetryMaxAttempts - 1
	}

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := r.tg.SetWebhook(ctx, webhookURL)
		if err != nil {
			logging.Warn().Err(err).Int("attempt", attempt).Msg("webhook registration failed")
			var apiErr *telegram.APIError
			if errors.As(err, &apiErr) && apiErr.Code >= 400 && apiErr.Code < 500 {
				// A rejected URL will not start working on retry.
				return backoff.Permanent(err)
			}
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, retries), ctx))

	if err != nil {
		if ctx.Err() == nil {
			logging.Error().Err(err).Int("attempts", attempt).Msg("webhook registration exhausted")
		}
		return false
	}

	logging.Info().Str("url", webhookURL).Msg("webhook registered")
	return true
}

// pollLoop fetches updates with getUpdates and feeds them to the handler.
// This is the degraded push-less mode; it runs until shutdown.
func (r *Reconciler) pollLoop(ctx context.Context) {
	r.transition(StateDegradedPolling)

	// A lingering webhook blocks getUpdates.
	if err := r.tg.DeleteWebhook(ctx); err != nil && ctx.Err() == nil {
		logging.Warn().Err(err).Msg("webhook delete failed")
	}

	var offset int64
	for {
		if ctx.Err() != nil {
			return
		}

		updates, err := r.tg.GetUpdates(ctx, offset, 30)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logging.Error().Err(err).Msg("polling error")
			select {
			case <-time.After(5 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		for i := range updates {
			offset = updates[i].UpdateID + 1
			r.handler(ctx, &updates[i])
		}
	}
}

// teardown deletes the webhook and stops the tunnel on shutdown.
func (r *Reconciler) teardown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if r.State() == StateActive {
		if err := r.tg.DeleteWebhook(ctx); err != nil {
			logging.Warn().Err(err).Msg("webhook delete on shutdown failed")
		}
	}
	if r.tun != nil && r.tun.Running() {
		r.tun.Stop()
	}
}
