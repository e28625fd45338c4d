package router

import (
	"regexp"
	"strings"
)

// Intent is the closed classification of inbound message text.
type Intent int

const (
	// IntentEmpty is a message with no text. Ignored.
	IntentEmpty Intent = iota
	// IntentPlain is free text for the assistant.
	IntentPlain
	// IntentHelp is /start or /help.
	IntentHelp
	// IntentContinue is /c or /continue: force continuation.
	IntentContinue
	// IntentNew is /new: start a fresh conversation.
	IntentNew
	// IntentSwitchDir is /dir: switch or show the working directory.
	IntentSwitchDir
	// IntentListDirs is /dirs: list sessions.
	IntentListDirs
	// IntentCompact is /compact: compact the session context.
	IntentCompact
	// IntentCancel is /cancel: stop the running invocation.
	IntentCancel
	// IntentStatus is /status.
	IntentStatus
	// IntentUnknownCommand is an unrecognized leading-slash token.
	IntentUnknownCommand
)

// Classification is the result of classifying one message.
type Classification struct {
	Intent Intent
	// Args is the text after the command token, or the full text for
	// IntentPlain.
	Args string
}

// Classify maps message text onto an Intent. It is a pure function of the
// text.
func Classify(text string) Classification {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Classification{Intent: IntentEmpty}
	}

	if !strings.HasPrefix(trimmed, "/") {
		return Classification{Intent: IntentPlain, Args: trimmed}
	}

	fields := strings.SplitN(trimmed, " ", 2)
	cmd := strings.ToLower(fields[0])
	// Strip a @botname suffix as sent from group chats.
	if at := strings.Index(cmd, "@"); at > 0 {
		cmd = cmd[:at]
	}
	args := ""
	if len(fields) == 2 {
		args = strings.TrimSpace(fields[1])
	}

	switch cmd {
	case "/start", "/help":
		return Classification{Intent: IntentHelp, Args: args}
	case "/c", "/continue":
		return Classification{Intent: IntentContinue, Args: args}
	case "/new":
		return Classification{Intent: IntentNew, Args: args}
	case "/dir":
		return Classification{Intent: IntentSwitchDir, Args: args}
	case "/dirs":
		return Classification{Intent: IntentListDirs, Args: args}
	case "/compact":
		return Classification{Intent: IntentCompact, Args: args}
	case "/cancel":
		return Classification{Intent: IntentCancel, Args: args}
	case "/status":
		return Classification{Intent: IntentStatus, Args: args}
	default:
		return Classification{Intent: IntentUnknownCommand, Args: trimmed}
	}
}

var digitPattern = regexp.MustCompile(`^\d+$`)

// IsQuickReply reports whether text is a short acknowledgment that should
// always continue the current conversation regardless of the window: a bare
// number, or one of the configured reply tokens.
func IsQuickReply(text string, tokens []string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	if digitPattern.MatchString(t) {
		return true
	}
	for _, tok := range tokens {
		if t == tok {
			return true
		}
	}
	return false
}
