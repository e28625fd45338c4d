//go:build !windows

package tunnel

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCloudflared puts a stub cloudflared binary on PATH.
func fakeCloudflared(t *testing.T, script string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "cloudflared")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755))
	t.Setenv("PATH", dir+":"+os.Getenv("PATH"))
}

func TestAvailable(t *testing.T) {
	fakeCloudflared(t, "exit 0")
	assert.True(t, Available())

	t.Setenv("PATH", t.TempDir())
	assert.False(t, Available())
}

func TestStartParsesURL(t *testing.T) {
	fakeCloudflared(t, `echo "INF +--------------------------------+" >&2
echo "INF |  https://witty-llama.trycloudflare.com  |" >&2
sleep 30`)

	tun := New(8000)
	url, err := tun.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "https://witty-llama.trycloudflare.com", url)
	assert.Equal(t, url, tun.URL())
	assert.True(t, tun.Running())

	tun.Stop()

	select {
	case <-tun.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("tunnel process did not exit")
	}
	assert.False(t, tun.Running())
	assert.Empty(t, tun.URL())
}

func TestStartCancelled(t *testing.T) {
	// Never prints a URL
	fakeCloudflared(t, `sleep 30`)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	tun := New(8000)
	start := time.Now()
	_, err := tun.Start(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestDoneSignalsUnexpectedExit(t *testing.T) {
	fakeCloudflared(t, `echo "https://short-lived.trycloudflare.com" >&2
sleep 0.2`)

	tun := New(8000)
	_, err := tun.Start(context.Background())
	require.NoError(t, err)

	select {
	case <-tun.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("done not signalled after process exit")
	}
	assert.False(t, tun.Running())
}

func TestURLPattern(t *testing.T) {
	line := "2026-01-02T15:04:05Z INF |  Your quick Tunnel has been created! Visit it at: https://ab1-cd2.trycloudflare.com  |"
	assert.Equal(t, "https://ab1-cd2.trycloudflare.com", urlPattern.FindString(line))
	assert.Empty(t, urlPattern.FindString("no url here"))
}
