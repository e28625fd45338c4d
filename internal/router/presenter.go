package router

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/amimimor/claude-code-telegram-bot/internal/logging"
	"github.com/amimimor/claude-code-telegram-bot/internal/telegram"
)

// spinnerVerbs are the rotating progress words, borrowed from the Claude
// Code CLI's own spinner.
var spinnerVerbs = []string{
	"Accomplishing", "Actualizing", "Baking", "Brewing", "Calculating",
	"Cerebrating", "Churning", "Clauding", "Coalescing", "Cogitating",
	"Computing", "Concocting", "Conjuring", "Considering", "Contemplating",
	"Cooking", "Crafting", "Crunching", "Deciphering", "Deliberating",
	"Divining", "Elucidating", "Envisioning", "Forging", "Generating",
	"Hatching", "Ideating", "Incubating", "Inferring", "Manifesting",
	"Marinating", "Mulling", "Musing", "Noodling", "Percolating",
	"Pondering", "Processing", "Puzzling", "Reticulating", "Ruminating",
	"Scheming", "Simmering", "Synthesizing", "Thinking", "Tinkering",
	"Transmuting", "Unravelling", "Vibing", "Whirring", "Working",
}

// statusTick is how often the progress message is refreshed.
const statusTick = 2500 * time.Millisecond

// statusText renders one progress line. Continuations get the cycle emoji,
// fresh conversations the sparkle.
func statusText(prefix string, continuing bool) string {
	verb := spinnerVerbs[rand.Intn(len(spinnerVerbs))]
	if continuing {
		return fmt.Sprintf("%s🔄 <i>%s...</i>", prefix, verb)
	}
	return fmt.Sprintf("%s✨ <i>%s...</i>", prefix, verb)
}

// presenter keeps a single progress message alive in chat while an
// invocation runs, editing it on a fixed tick.
type presenter struct {
	tg         *telegram.Client
	messageID  int64
	prefix     string
	continuing bool
	stop       chan struct{}
	stopOnce   sync.Once
	done       chan struct{}
}

// startPresenter sends the initial progress message and starts the edit
// loop. A send failure is non-fatal: the invocation proceeds without a
// progress message.
func startPresenter(ctx context.Context, tg *telegram.Client, prefix string, continuing bool) *presenter {
	p := &presenter{
		tg:         tg,
		prefix:     prefix,
		continuing: continuing,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}

	msg, err := tg.SendMessage(ctx, statusText(prefix, continuing), &telegram.SendOptions{ParseMode: "HTML"})
	if err != nil {
		logging.Warn().Err(err).Msg("status message send failed")
		close(p.done)
		return p
	}
	p.messageID = msg.MessageID

	go p.loop()
	return p
}

func (p *presenter) loop() {
	defer close(p.done)

	ticker := time.NewTicker(statusTick)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := p.tg.EditMessageText(ctx, p.messageID, statusText(p.prefix, p.continuing), "HTML")
			cancel()
			if err != nil {
				// The message may have been deleted; keep ticking, the
				// next edit may still land.
				logging.Debug().Err(err).Msg("status edit failed")
			}
		}
	}
}

// Stop ends the edit loop and removes the progress message so the final
// result takes its place. Safe to call when the initial send failed.
func (p *presenter) Stop(ctx context.Context) {
	p.stopOnce.Do(func() {
		close(p.stop)
		<-p.done

		if p.messageID != 0 {
			if err := p.tg.DeleteMessage(ctx, p.messageID); err != nil {
				logging.Debug().Err(err).Msg("status message delete failed")
			}
		}
	})
}
