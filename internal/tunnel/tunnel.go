// Package tunnel manages a cloudflared quick tunnel that exposes the local
// webhook server on a public trycloudflare.com URL.
package tunnel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"sync"
	"time"

	"github.com/amimimor/claude-code-telegram-bot/internal/logging"
)

// urlPattern matches the public URL cloudflared prints once the tunnel is up.
var urlPattern = regexp.MustCompile(`https://[a-z0-9-]+\.trycloudflare\.com`)

// startupCeiling bounds how long we wait for cloudflared to print its URL.
const startupCeiling = 30 * time.Second

// ErrNoURL means cloudflared started but never produced a public URL.
var ErrNoURL = errors.New("tunnel: no public URL within startup window")

// Tunnel runs one cloudflared subprocess.
type Tunnel struct {
	Port int

	mu   sync.Mutex
	cmd  *exec.Cmd
	url  string
	done chan struct{}
}

// New creates a Tunnel for the given local port.
func New(port int) *Tunnel {
	return &Tunnel{Port: port}
}

// Available reports whether the cloudflared binary is installed.
func Available() bool {
	_, err := exec.LookPath("cloudflared")
	return err == nil
}

// Start launches cloudflared and blocks until it prints the assigned public
// URL or the startup ceiling passes. On success the tunnel keeps running in
// the background; Done is closed if it exits.
func (t *Tunnel) Start(ctx context.Context) (string, error) {
	startCtx, cancel := context.WithTimeout(ctx, startupCeiling)
	defer cancel()

	cmd := exec.Command("cloudflared", "tunnel", "--url", fmt.Sprintf("http://localhost:%d", t.Port))
	// cloudflared logs the URL to stderr.
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", err
	}

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("tunnel: start cloudflared: %w", err)
	}

	t.mu.Lock()
	t.cmd = cmd
	t.done = make(chan struct{})
	t.mu.Unlock()

	urlCh := make(chan string, 2)
	scan := func(r interface{ Read([]byte) (int, error) }) {
		s := bufio.NewScanner(r)
		for s.Scan() {
			line := s.Text()
			logging.Debug().Str("cloudflared", line).Msg("tunnel output")
			if m := urlPattern.FindString(line); m != "" {
				select {
				case urlCh <- m:
				default:
				}
			}
		}
	}
	go scan(stderr)
	go scan(stdout)

	go func() {
		cmd.Wait()
		t.mu.Lock()
		done := t.done
		t.cmd = nil
		t.mu.Unlock()
		if done != nil {
			close(done)
		}
	}()

	select {
	case url := <-urlCh:
		t.mu.Lock()
		t.url = url
		t.mu.Unlock()
		logging.Info().Str("url", url).Msg("tunnel established")
		return url, nil
	case <-startCtx.Done():
		t.Stop()
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", ErrNoURL
	}
}

// URL returns the current public URL, or "" when not established.
func (t *Tunnel) URL() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.url
}

// Done returns a channel closed when the cloudflared process exits for any
// reason, including Stop. Nil before Start.
func (t *Tunnel) Done() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

// Running reports whether the tunnel subprocess is alive.
func (t *Tunnel) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cmd != nil
}

// Stop terminates cloudflared: SIGTERM first, SIGKILL if it lingers.
func (t *Tunnel) Stop() {
	t.mu.Lock()
	cmd := t.cmd
	done := t.done
	t.url = ""
	t.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return
	}

	terminate(cmd)

	if done != nil {
		select {
		case <-done:
		case <-time.After(killGrace):
			cmd.Process.Kill()
		}
	}
	logging.Info().Msg("tunnel stopped")
}

const killGrace = 5 * time.Second
