package claude

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/amimimor/claude-code-telegram-bot/internal/logging"
)

// ErrBusy is returned by TryReserve when the session already has a running
// invocation.
var ErrBusy = errors.New("claude: session busy")

// Session is the registry's view of one working-directory session.
type Session struct {
	Dir           string
	LastActiveAt  time.Time
	LastSessionID string
}

// Name returns a short display name for the session.
func (s Session) Name() string {
	if s.Dir == "" {
		return "default"
	}
	return filepath.Base(s.Dir)
}

// Summary describes a session for operator listings.
type Summary struct {
	Session
	Running bool
	Current bool
}

type running struct {
	invocationID string
	cancel       context.CancelFunc
}

type sessionState struct {
	Session
	running *running
}

// Registry owns all session state. Every mutation goes through its methods;
// TryReserve/Release are the single concurrency-control point guaranteeing
// at most one running invocation per session.
type Registry struct {
	mu         sync.Mutex
	sessions   map[string]*sessionState
	currentDir string
	window     time.Duration
}

// NewRegistry creates a Registry with defaultDir as the initial current
// session key and window as the auto-continuation window.
func NewRegistry(defaultDir string, window time.Duration) *Registry {
	return &Registry{
		sessions:   make(map[string]*sessionState),
		currentDir: defaultDir,
		window:     window,
	}
}

// get returns the state for dir, creating it on first reference.
// Caller must hold mu.
func (r *Registry) get(dir string) *sessionState {
	st, ok := r.sessions[dir]
	if !ok {
		st = &sessionState{Session: Session{Dir: dir}}
		r.sessions[dir] = st
		logging.Info().Str("dir", dir).Msg("session created")
	}
	return st
}

// Resolve returns a snapshot of the session for dir, creating it if needed.
func (r *Registry) Resolve(dir string) Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.get(dir).Session
}

// CurrentDir returns the process-wide default session key.
func (r *Registry) CurrentDir() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentDir
}

// SwitchDir normalizes raw (paths without a leading / or ~ are taken as
// relative to home), makes it the current default, and returns the session.
func (r *Registry) SwitchDir(raw string) Session {
	dir := ExpandDir(raw)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.currentDir = dir
	return r.get(dir).Session
}

// ExpandDir normalizes a user-supplied directory argument.
func ExpandDir(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw != "" && !strings.HasPrefix(raw, "/") && !strings.HasPrefix(raw, "~") {
		raw = "~/" + raw
	}
	if strings.HasPrefix(raw, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			raw = filepath.Join(home, strings.TrimPrefix(raw[1:], "/"))
		}
	}
	if abs, err := filepath.Abs(raw); err == nil {
		return abs
	}
	return filepath.Clean(raw)
}

// Reservation is an exclusive claim on a session's running slot. It must be
// released exactly once; Release is idempotent so racing completion paths
// are safe.
type Reservation struct {
	dir     string
	ctx     context.Context
	cancel  context.CancelFunc
	release sync.Once
}

// Context returns the context governing the reserved invocation. Cancelling
// the session cancels this context.
func (res *Reservation) Context() context.Context { return res.ctx }

// Dir returns the reserved session key.
func (res *Reservation) Dir() string { return res.dir }

// TryReserve atomically claims the running slot for dir. It fails with
// ErrBusy while another invocation is in flight. The check and the set
// happen under one lock; there is no window for two claims to both succeed.
func (r *Registry) TryReserve(ctx context.Context, dir, invocationID string) (*Reservation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.get(dir)
	if st.running != nil {
		return nil, ErrBusy
	}

	runCtx, cancel := context.WithCancel(ctx)
	st.running = &running{invocationID: invocationID, cancel: cancel}

	return &Reservation{dir: dir, ctx: runCtx, cancel: cancel}, nil
}

// Release clears the running slot and folds the result into the session:
// LastActiveAt is stamped, and the conversation id is adopted only from a
// successful result so a failed or cancelled turn can be retried against the
// previous conversation.
func (r *Registry) Release(res *Reservation, result *Result) {
	res.release.Do(func() {
		r.mu.Lock()
		st := r.get(res.dir)
		st.running = nil
		st.LastActiveAt = time.Now()
		if result != nil && result.Kind == Success && result.SessionID != "" {
			st.LastSessionID = result.SessionID
		}
		r.mu.Unlock()

		res.cancel()
	})
}

// Cancel fires the cancellation signal of dir's running invocation.
// Returns false when nothing is running.
func (r *Registry) Cancel(dir string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.sessions[dir]
	if !ok || st.running == nil {
		return false
	}
	st.running.cancel()
	return true
}

// Running reports whether dir has an invocation in flight.
func (r *Registry) Running(dir string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.sessions[dir]
	return ok && st.running != nil
}

// AnyRunning reports whether any session has an invocation in flight.
func (r *Registry) AnyRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, st := range r.sessions {
		if st.running != nil {
			return true
		}
	}
	return false
}

// Continuable reports whether a plain message at time now should continue
// dir's conversation: true iff the session was active within the window.
func (r *Registry) Continuable(dir string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.sessions[dir]
	if !ok || st.LastActiveAt.IsZero() {
		return false
	}
	return now.Sub(st.LastActiveAt) <= r.window
}

// LastSessionID returns the conversation id to resume for dir, or "".
func (r *Registry) LastSessionID(dir string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.sessions[dir]; ok {
		return st.LastSessionID
	}
	return ""
}

// ResetConversation drops dir's continuation state so the next turn starts a
// fresh conversation.
func (r *Registry) ResetConversation(dir string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.get(dir)
	st.LastSessionID = ""
	st.LastActiveAt = time.Time{}
}

// List returns all sessions ordered by LastActiveAt descending.
func (r *Registry) List() []Summary {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Summary, 0, len(r.sessions))
	for _, st := range r.sessions {
		out = append(out, Summary{
			Session: st.Session,
			Running: st.running != nil,
			Current: st.Dir == r.currentDir,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActiveAt.After(out[j].LastActiveAt)
	})
	return out
}

// Count returns the number of tracked sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Shutdown cancels every running invocation. Called once at process exit.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, st := range r.sessions {
		if st.running != nil {
			st.running.cancel()
		}
	}
}
