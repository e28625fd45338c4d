package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		text   string
		intent Intent
		args   string
	}{
		{"empty", "", IntentEmpty, ""},
		{"whitespace only", "   \n\t", IntentEmpty, ""},
		{"plain text", "fix the bug", IntentPlain, "fix the bug"},
		{"plain text trimmed", "  fix the bug  ", IntentPlain, "fix the bug"},
		{"bare number is plain", "2", IntentPlain, "2"},
		{"start", "/start", IntentHelp, ""},
		{"help", "/help", IntentHelp, ""},
		{"help uppercase", "/HELP", IntentHelp, ""},
		{"continue short", "/c keep going", IntentContinue, "keep going"},
		{"continue long", "/continue keep going", IntentContinue, "keep going"},
		{"continue bare", "/c", IntentContinue, ""},
		{"new", "/new build a parser", IntentNew, "build a parser"},
		{"dir with arg", "/dir ~/projects/x", IntentSwitchDir, "~/projects/x"},
		{"dir bare", "/dir", IntentSwitchDir, ""},
		{"dirs", "/dirs", IntentListDirs, ""},
		{"compact", "/compact", IntentCompact, ""},
		{"cancel", "/cancel", IntentCancel, ""},
		{"status", "/status", IntentStatus, ""},
		{"botname suffix stripped", "/help@mybot", IntentHelp, ""},
		{"botname suffix with args", "/dir@mybot /tmp", IntentSwitchDir, "/tmp"},
		{"unknown command", "/frobnicate now", IntentUnknownCommand, "/frobnicate now"},
		{"slash alone", "/", IntentUnknownCommand, "/"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Classify(tt.text)
			assert.Equal(t, tt.intent, c.Intent)
			assert.Equal(t, tt.args, c.Args)
		})
	}
}

func TestIsQuickReply(t *testing.T) {
	tokens := []string{"yes", "y", "ok", "continue", "go ahead"}

	assert.True(t, IsQuickReply("2", tokens))
	assert.True(t, IsQuickReply("42", tokens))
	assert.True(t, IsQuickReply(" 7 ", tokens))
	assert.True(t, IsQuickReply("yes", tokens))
	assert.True(t, IsQuickReply("OK", tokens))
	assert.True(t, IsQuickReply("Go Ahead", tokens))

	assert.False(t, IsQuickReply("2b", tokens))
	assert.False(t, IsQuickReply("yes please", tokens))
	assert.False(t, IsQuickReply("no", tokens))
	assert.False(t, IsQuickReply("", tokens))
	assert.False(t, IsQuickReply("maybe", nil))
	assert.True(t, IsQuickReply("3", nil))
}
