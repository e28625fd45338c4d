// Package router classifies inbound Telegram updates and drives assistant
// invocations against the session registry.
package router

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/amimimor/claude-code-telegram-bot/internal/claude"
	"github.com/amimimor/claude-code-telegram-bot/internal/config"
	"github.com/amimimor/claude-code-telegram-bot/internal/event"
	"github.com/amimimor/claude-code-telegram-bot/internal/logging"
	"github.com/amimimor/claude-code-telegram-bot/internal/markdown"
	"github.com/amimimor/claude-code-telegram-bot/internal/telegram"
)

// chunkSize is the largest message body sent in one Telegram message.
const chunkSize = 4000

// Router routes inbound updates to sessions and the process runner.
type Router struct {
	cfg      *config.Config
	registry *claude.Registry
	runner   *claude.Runner
	tg       *telegram.Client
	bus      *event.Bus

	// baseCtx outlives individual webhook requests; invocations run on it
	// so returning 200 to Telegram does not kill a run in progress.
	baseCtx context.Context

	// pendingPerm holds the turn awaiting an allow/deny decision after a
	// permission denial. One slot: the bridge serves a single chat.
	permMu      sync.Mutex
	pendingPerm *pendingPermission
}

// pendingPermission is a denied turn kept around so perm:allow can retry it
// with the refused tools pre-authorized.
type pendingPermission struct {
	prompt  string
	dir     string
	denials []claude.PermissionDenial
}

// New creates a Router. baseCtx is the application lifetime context;
// cancelling it aborts all in-flight invocations.
func New(baseCtx context.Context, cfg *config.Config, registry *claude.Registry, runner *claude.Runner, tg *telegram.Client, bus *event.Bus) *Router {
	rt := &Router{
		cfg:      cfg,
		registry: registry,
		runner:   runner,
		tg:       tg,
		bus:      bus,
		baseCtx:  baseCtx,
	}

	// Hook notifications bypass routing entirely: the assistant's own hook
	// fires them and they go straight to chat.
	bus.Subscribe(event.HookNotification, rt.onHookNotification)

	return rt
}

// Commands returns the bot command menu for registration with Telegram.
func (rt *Router) Commands() []telegram.BotCommand {
	return []telegram.BotCommand{
		{Command: "c", Description: "Continue the conversation"},
		{Command: "new", Description: "Start a fresh conversation"},
		{Command: "dir", Description: "Switch working directory"},
		{Command: "dirs", Description: "List active sessions"},
		{Command: "compact", Description: "Compact session context"},
		{Command: "cancel", Description: "Stop the current task"},
		{Command: "status", Description: "Show session status"},
		{Command: "help", Description: "Show help"},
	}
}

// HandleUpdate processes one inbound update. Unauthorized senders are
// dropped without a response. Execution paths that invoke the assistant
// return once the invocation is started; the result is delivered
// asynchronously.
func (rt *Router) HandleUpdate(ctx context.Context, upd *telegram.Update) {
	switch {
	case upd.Message != nil:
		rt.handleMessage(ctx, upd.Message)
	case upd.CallbackQuery != nil:
		rt.handleCallback(ctx, upd.CallbackQuery)
	}
}

func (rt *Router) handleMessage(ctx context.Context, msg *telegram.Message) {
	if !rt.tg.Authorized(msg.Chat.ID) {
		logging.Warn().Int64("chat_id", msg.Chat.ID).Msg("dropping update from unauthorized chat")
		return
	}

	cls := Classify(msg.Text)
	switch cls.Intent {
	case IntentEmpty:
		return

	case IntentHelp:
		rt.sendHTML(ctx, helpText)

	case IntentContinue:
		if cls.Args == "" {
			rt.sendHTML(ctx, "Usage: <code>/c &lt;message&gt;</code>")
			return
		}
		rt.runClaude(ctx, cls.Args, rt.registry.CurrentDir(), true, false, nil)

	case IntentNew:
		if cls.Args == "" {
			rt.sendHTML(ctx, "Usage: <code>/new &lt;message&gt;</code>")
			return
		}
		dir := rt.registry.CurrentDir()
		rt.registry.ResetConversation(dir)
		rt.runClaude(ctx, cls.Args, dir, false, false, nil)

	case IntentSwitchDir:
		rt.handleSwitchDir(ctx, cls.Args)

	case IntentListDirs:
		rt.handleListDirs(ctx)

	case IntentCompact:
		rt.runClaude(ctx, "", rt.registry.CurrentDir(), true, true, nil)

	case IntentCancel:
		dir := rt.registry.CurrentDir()
		if rt.registry.Cancel(dir) {
			rt.sendHTML(ctx, fmt.Sprintf("🛑 Cancelled <code>%s</code>", markdown.Escape(rt.registry.Resolve(dir).Name())))
		} else {
			rt.sendHTML(ctx, "Nothing to cancel")
		}

	case IntentStatus:
		rt.handleStatus(ctx)

	case IntentUnknownCommand:
		rt.sendHTML(ctx, fmt.Sprintf("Unknown command — try <code>/c %s</code> to continue", markdown.Escape(cls.Args)))

	case IntentPlain:
		dir := rt.registry.CurrentDir()
		continuing := IsQuickReply(cls.Args, rt.cfg.QuickReplies) ||
			rt.registry.Continuable(dir, time.Now())
		if !continuing {
			rt.registry.ResetConversation(dir)
		}
		rt.runClaude(ctx, cls.Args, dir, continuing, false, nil)
	}
}

func (rt *Router) handleCallback(ctx context.Context, cb *telegram.CallbackQuery) {
	if cb.Message == nil || !rt.tg.Authorized(cb.Message.Chat.ID) {
		return
	}

	// Ack first so the button loses its loading state even if handling is
	// slow.
	if err := rt.tg.AnswerCallbackQuery(ctx, cb.ID); err != nil {
		logging.Debug().Err(err).Msg("callback ack failed")
	}

	switch {
	case strings.HasPrefix(cb.Data, "reply:"):
		reply := strings.TrimPrefix(cb.Data, "reply:")
		rt.runClaude(ctx, reply, rt.registry.CurrentDir(), true, false, nil)

	case strings.HasPrefix(cb.Data, "dir:"):
		rt.switchAndReport(ctx, strings.TrimPrefix(cb.Data, "dir:"))

	case cb.Data == "perm:allow":
		rt.handlePermAllow(ctx)

	case cb.Data == "perm:deny":
		rt.handlePermDeny(ctx)
	}
}

// handlePermAllow retries the pending denied turn with the refused tools
// pre-authorized.
func (rt *Router) handlePermAllow(ctx context.Context) {
	rt.permMu.Lock()
	pending := rt.pendingPerm
	rt.pendingPerm = nil
	rt.permMu.Unlock()

	if pending == nil {
		rt.sendHTML(ctx, "No pending permission request.")
		return
	}

	rt.sendHTML(ctx, "✅ <i>Retrying with permissions...</i>")
	rt.runClaude(ctx, pending.prompt, pending.dir, true, false, allowedTools(pending.denials))
}

func (rt *Router) handlePermDeny(ctx context.Context) {
	rt.permMu.Lock()
	rt.pendingPerm = nil
	rt.permMu.Unlock()

	rt.sendHTML(ctx, "❌ Permission denied. Request cancelled.")
}

// allowedTools converts denials into "Tool:argument" pre-authorization
// entries for the retry.
func allowedTools(denials []claude.PermissionDenial) []string {
	var tools []string
	for _, d := range denials {
		switch d.ToolName {
		case "Write", "Edit", "Read":
			tools = append(tools, fmt.Sprintf("%s:%s", d.ToolName, inputString(d.ToolInput, "file_path")))
		case "Bash":
			tools = append(tools, "Bash:"+inputString(d.ToolInput, "command"))
		default:
			tools = append(tools, d.ToolName)
		}
	}
	return tools
}

// inputString extracts a string field from a denial's tool input.
func inputString(input map[string]any, key string) string {
	if s, ok := input[key].(string); ok {
		return s
	}
	return ""
}

func (rt *Router) handleSwitchDir(ctx context.Context, args string) {
	if args != "" {
		rt.switchAndReport(ctx, args)
		return
	}

	current := rt.registry.Resolve(rt.registry.CurrentDir())
	list := rt.registry.List()
	if len(list) > 1 {
		rt.sendHTMLWithMarkup(ctx,
			fmt.Sprintf("📂 Current: <code>%s</code>\n\nSelect or add new: <code>/dir projects/foo</code>\n<i>(paths are relative to home)</i>",
				markdown.Escape(current.Name())),
			sessionButtons(list))
		return
	}
	rt.sendHTML(ctx, fmt.Sprintf("📂 Current: <code>%s</code>\n\nUsage: <code>/dir projects/foo</code>\n<i>(paths are relative to home)</i>",
		markdown.Escape(current.Name())))
}

func (rt *Router) switchAndReport(ctx context.Context, raw string) {
	sess := rt.registry.SwitchDir(raw)

	status := "💤 idle"
	if rt.registry.Running(sess.Dir) {
		status = "🔄 running"
	}
	conv := "fresh"
	if rt.registry.Continuable(sess.Dir, time.Now()) {
		conv = "in conversation"
	}
	rt.sendHTML(ctx, fmt.Sprintf("📂 Switched to <code>%s</code>\nStatus: %s • %s",
		markdown.Escape(sess.Name()), status, conv))
}

func (rt *Router) handleListDirs(ctx context.Context) {
	list := rt.registry.List()
	if len(list) == 0 {
		rt.sendHTML(ctx, "No active sessions")
		return
	}

	lines := []string{"<b>Active Sessions</b>", ""}
	for i, s := range list {
		marker := "  "
		if s.Current {
			marker = "→ "
		}
		status := "💤"
		if s.Running {
			status = "🔄"
		}
		lines = append(lines, fmt.Sprintf("%s%d. %s <code>%s</code>", marker, i+1, status, markdown.Escape(s.Name())))
	}
	rt.sendHTMLWithMarkup(ctx, strings.Join(lines, "\n"), sessionButtons(list))
}

func (rt *Router) handleStatus(ctx context.Context) {
	dir := rt.registry.CurrentDir()
	sess := rt.registry.Resolve(dir)

	status := "💤 <b>Idle</b>"
	if rt.registry.Running(dir) {
		status = "🔄 <b>Running</b>"
	}
	conv := "new session"
	if rt.registry.Continuable(dir, time.Now()) {
		conv = "in conversation"
	}
	rt.sendHTML(ctx, fmt.Sprintf("📂 <code>%s</code>\n%s • %s", markdown.Escape(sess.Name()), status, conv))
}

// runClaude reserves the session and starts one invocation. The reservation
// either succeeds and the run proceeds asynchronously on the router's base
// context, or the user gets the busy message. Either way exactly one chat
// message results from this action.
func (rt *Router) runClaude(ctx context.Context, prompt, dir string, continuing, compact bool, allowed []string) {
	sess := rt.registry.Resolve(dir)
	prefix := rt.prefixFor(sess)

	inv := claude.NewInvocation(prompt, dir)
	inv.Continue = continuing
	inv.Compact = compact
	inv.ResumeID = rt.registry.LastSessionID(dir)
	inv.AllowedTools = allowed

	res, err := rt.registry.TryReserve(rt.baseCtx, dir, inv.ID)
	if err != nil {
		rt.sendHTML(ctx, prefix+"⏳ Claude is busy — use <code>/cancel</code> to stop")
		return
	}

	rt.bus.Publish(event.InvocationStarted, inv.ID)

	go rt.execute(res, inv, prefix, continuing || compact)
}

// execute owns the invocation from reservation to release. It runs on the
// application context, not the inbound request's.
func (rt *Router) execute(res *claude.Reservation, inv *claude.Invocation, prefix string, continuing bool) {
	runCtx := res.Context()

	p := startPresenter(runCtx, rt.tg, prefix, continuing)

	result, err := rt.runner.Run(runCtx, inv)
	if err != nil {
		// The process never started; synthesize a failure result so the
		// release path stays uniform.
		result = &claude.Result{Kind: claude.Failed, Stderr: err.Error()}
	}

	rt.registry.Release(res, result)
	rt.bus.Publish(event.InvocationFinished, result.Kind.String())

	// The run context may be cancelled; deliver the outcome regardless.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	p.Stop(ctx)

	switch result.Kind {
	case claude.Success:
		if len(result.Denials) > 0 {
			rt.sendPermissionRequest(ctx, result, inv, prefix)
			return
		}
		rt.sendResponse(ctx, result.Text, prefix)
	case claude.Cancelled:
		rt.sendHTML(ctx, prefix+"🛑 <b>Stopped.</b>")
	case claude.Timeout:
		rt.sendHTML(ctx, prefix+"⌛️ <b>Timed out</b> — the task was stopped. Try a smaller step or <code>/c</code> to pick up where it left off.")
	case claude.Failed:
		detail := strings.TrimSpace(result.Stderr)
		if detail == "" {
			detail = strings.TrimSpace(result.Text)
		}
		if len(detail) > 500 {
			detail = detail[:500]
		}
		rt.sendHTML(ctx, fmt.Sprintf("%s❌ <b>Error:</b> <code>%s</code>", prefix, markdown.Escape(detail)))
	}
}

// sendPermissionRequest reports refused tool uses and offers to retry the
// turn with them pre-authorized. The turn is parked until the user answers.
func (rt *Router) sendPermissionRequest(ctx context.Context, result *claude.Result, inv *claude.Invocation, prefix string) {
	rt.permMu.Lock()
	rt.pendingPerm = &pendingPermission{
		prompt:  inv.Prompt,
		dir:     inv.Dir,
		denials: result.Denials,
	}
	rt.permMu.Unlock()

	lines := make([]string, 0, len(result.Denials))
	for _, d := range result.Denials {
		lines = append(lines, denialLine(d))
	}

	msg := prefix + "⚠️ <b>Permission denied:</b>\n" + strings.Join(lines, "\n")
	if partial := strings.TrimSpace(result.Text); partial != "" {
		if len(partial) > 500 {
			partial = partial[:500]
		}
		msg += fmt.Sprintf("\n\n<i>%s</i>", markdown.Escape(partial))
	}

	markup := &telegram.InlineKeyboardMarkup{InlineKeyboard: [][]telegram.InlineKeyboardButton{{
		{Text: "✅ Allow & Retry", CallbackData: "perm:allow"},
		{Text: "❌ Deny", CallbackData: "perm:deny"},
	}}}
	rt.sendHTMLWithMarkup(ctx, msg, markup)
}

// denialLine formats one refused tool use for the denial message.
func denialLine(d claude.PermissionDenial) string {
	switch d.ToolName {
	case "Write":
		return fmt.Sprintf("• <b>Write</b> to <code>%s</code>", markdown.Escape(pathOr(d, "file_path")))
	case "Edit":
		return fmt.Sprintf("• <b>Edit</b> <code>%s</code>", markdown.Escape(pathOr(d, "file_path")))
	case "Read":
		return fmt.Sprintf("• <b>Read</b> <code>%s</code>", markdown.Escape(pathOr(d, "file_path")))
	case "Bash":
		cmd := pathOr(d, "command")
		if len(cmd) > 60 {
			cmd = cmd[:60]
		}
		return fmt.Sprintf("• <b>Bash</b>: <code>%s</code>", markdown.Escape(cmd))
	default:
		detail := fmt.Sprintf("%v", d.ToolInput)
		if len(detail) > 50 {
			detail = detail[:50]
		}
		return fmt.Sprintf("• <b>%s</b>: %s", markdown.Escape(d.ToolName), markdown.Escape(detail))
	}
}

func pathOr(d claude.PermissionDenial, key string) string {
	if s := inputString(d.ToolInput, key); s != "" {
		return s
	}
	return "unknown"
}

// sendResponse renders assistant markdown to Telegram HTML, splits it into
// chunks and attaches quick-reply buttons when the text offers numbered
// options.
func (rt *Router) sendResponse(ctx context.Context, text, prefix string) {
	if strings.TrimSpace(text) == "" {
		rt.sendHTML(ctx, prefix+"<i>(no output)</i>")
		return
	}

	buttons := detectOptions(text)
	html := markdown.ToTelegramHTML(text)
	chunks := markdown.Split(html, chunkSize)
	plainChunks := markdown.Split(text, chunkSize)

	for i, chunk := range chunks {
		last := i == len(chunks)-1
		var markup *telegram.InlineKeyboardMarkup
		if last {
			markup = buttons
		}

		plain := text
		if len(chunks) > 1 && i < len(plainChunks) {
			plain = plainChunks[i]
		}
		if _, err := rt.tg.SendHTML(ctx, chunk, plain, markup); err != nil {
			logging.Error().Err(err).Msg("response send failed")
		}
		if !last {
			time.Sleep(500 * time.Millisecond)
		}
	}
}

func (rt *Router) sendHTML(ctx context.Context, text string) {
	rt.sendHTMLWithMarkup(ctx, text, nil)
}

func (rt *Router) sendHTMLWithMarkup(ctx context.Context, text string, markup *telegram.InlineKeyboardMarkup) {
	if _, err := rt.tg.SendMessage(ctx, text, &telegram.SendOptions{ParseMode: "HTML", ReplyMarkup: markup}); err != nil {
		logging.Error().Err(err).Msg("message send failed")
	}
}

// prefixFor labels responses with the session name when it is not the
// default session.
func (rt *Router) prefixFor(sess claude.Session) string {
	if sess.Dir == rt.cfg.WorkingDir || sess.Name() == "default" {
		return ""
	}
	return fmt.Sprintf("[<code>%s</code>] ", markdown.Escape(sess.Name()))
}

// onHookNotification forwards assistant hook events straight to chat.
func (rt *Router) onHookNotification(ev event.Event) {
	var data event.HookData
	if err := ev.Decode(&data); err != nil {
		logging.Debug().Err(err).Msg("hook payload decode failed")
		return
	}

	var msg string
	switch data.Event {
	case "completed":
		msg = "✅ Claude has completed the task."
	case "waiting":
		msg = "⏸ Claude is waiting for input."
	default:
		msg = fmt.Sprintf("📢 Claude event: %s", data.Event)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rt.sendHTML(ctx, msg)
}

// optionPattern matches numbered options at the start of a line: "1." or
// "2)".
var optionPattern = regexp.MustCompile(`(?m)^(\d+)[.)]\s+`)

// detectOptions builds reply:N buttons when the text presents two or more
// numbered options. At most 8 buttons, rows of 4.
func detectOptions(text string) *telegram.InlineKeyboardMarkup {
	matches := optionPattern.FindAllStringSubmatch(text, -1)
	if len(matches) < 2 {
		return nil
	}

	seen := make(map[int]bool)
	var numbers []int
	for _, m := range matches {
		n, err := strconv.Atoi(m[1])
		if err != nil || seen[n] {
			continue
		}
		seen[n] = true
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)
	if len(numbers) < 2 {
		return nil
	}
	if len(numbers) > 8 {
		numbers = numbers[:8]
	}

	markup := &telegram.InlineKeyboardMarkup{}
	for start := 0; start < len(numbers); start += 4 {
		end := start + 4
		if end > len(numbers) {
			end = len(numbers)
		}
		var row []telegram.InlineKeyboardButton
		for _, n := range numbers[start:end] {
			s := strconv.Itoa(n)
			row = append(row, telegram.InlineKeyboardButton{Text: s, CallbackData: "reply:" + s})
		}
		markup.InlineKeyboard = append(markup.InlineKeyboard, row)
	}
	return markup
}

// sessionButtons builds dir-switch buttons, two per row, current session
// marked.
func sessionButtons(list []claude.Summary) *telegram.InlineKeyboardMarkup {
	markup := &telegram.InlineKeyboardMarkup{}
	var row []telegram.InlineKeyboardButton
	for i, s := range list {
		label := fmt.Sprintf("%d. %s", i+1, s.Name())
		if s.Current {
			label = "✓ " + label
		}
		row = append(row, telegram.InlineKeyboardButton{Text: label, CallbackData: "dir:" + s.Dir})
		if len(row) == 2 {
			markup.InlineKeyboard = append(markup.InlineKeyboard, row)
			row = nil
		}
	}
	if len(row) > 0 {
		markup.InlineKeyboard = append(markup.InlineKeyboard, row)
	}
	return markup
}

const helpText = `<b>Claude Code</b> via Telegram

<b>Commands</b>
<code>/c &lt;msg&gt;</code> — Continue conversation
<code>/new &lt;msg&gt;</code> — Fresh session
<code>/dir path</code> — Switch directory (relative to ~)
<code>/dirs</code> — List sessions + buttons
<code>/compact</code> — Compact context
<code>/cancel</code> — Stop current task
<code>/status</code> — Check status

<b>Tips</b>
• Just type to chat — auto-continues for 10 min
• <code>/dir projects/foo</code> = ~/projects/foo
• Tap buttons in /dirs to switch`
