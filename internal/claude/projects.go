package claude

import (
	"os"
	"path/filepath"
	"strings"
)

// claudeDir returns the CLI's state directory (~/.claude), overridable for
// tests via CLAUDE_DIR.
func claudeDir() string {
	if dir := os.Getenv("CLAUDE_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".claude")
}

// projectDir locates the CLI's project directory for a working directory.
// The CLI names project directories after the absolute path with slashes
// replaced by dashes.
func projectDir(workingDir string) string {
	projects := filepath.Join(claudeDir(), "projects")
	entries, err := os.ReadDir(projects)
	if err != nil {
		return ""
	}

	abs, err := filepath.Abs(workingDir)
	if err != nil {
		abs = workingDir
	}
	munged := strings.TrimPrefix(strings.ReplaceAll(abs, string(filepath.Separator), "-"), "-")

	for _, e := range entries {
		if e.IsDir() && e.Name() == munged {
			return filepath.Join(projects, e.Name())
		}
	}

	// Fallback: any project directory that mentions the base name.
	base := filepath.Base(workingDir)
	for _, e := range entries {
		if e.IsDir() && strings.Contains(e.Name(), base) {
			return filepath.Join(projects, e.Name())
		}
	}

	return ""
}

// LatestSessionID returns the most recent conversation id recorded by the
// CLI for a working directory, or "" when none exists. Conversation ids are
// the stems of the *.jsonl transcripts in the project directory; agent-*
// transcripts belong to subagents and are skipped.
func LatestSessionID(workingDir string) string {
	dir := projectDir(workingDir)
	if dir == "" {
		return ""
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}

	var newest string
	var newestMod int64
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".jsonl") || strings.HasPrefix(name, "agent-") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if mod := info.ModTime().UnixNano(); newest == "" || mod > newestMod {
			newest = name
			newestMod = mod
		}
	}

	return strings.TrimSuffix(newest, ".jsonl")
}
