package claude

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryReserveExclusive(t *testing.T) {
	r := NewRegistry("/work", 10*time.Minute)

	res, err := r.TryReserve(context.Background(), "/work", "inv-1")
	require.NoError(t, err)
	assert.True(t, r.Running("/work"))

	// Second claim on the same session must fail
	_, err = r.TryReserve(context.Background(), "/work", "inv-2")
	assert.ErrorIs(t, err, ErrBusy)

	// A different session is unaffected
	other, err := r.TryReserve(context.Background(), "/other", "inv-3")
	require.NoError(t, err)
	r.Release(other, &Result{Kind: Success})

	r.Release(res, &Result{Kind: Success})
	assert.False(t, r.Running("/work"))
}

func TestTryReserveConcurrent(t *testing.T) {
	r := NewRegistry("/work", 10*time.Minute)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.TryReserve(context.Background(), "/work", "inv"); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	// Exactly one goroutine may win the slot
	assert.Equal(t, int32(1), wins.Load())
	assert.True(t, r.Running("/work"))
}

func TestReleaseAdoptsSessionIDOnlyOnSuccess(t *testing.T) {
	r := NewRegistry("/work", 10*time.Minute)

	res, err := r.TryReserve(context.Background(), "/work", "inv-1")
	require.NoError(t, err)
	r.Release(res, &Result{Kind: Success, SessionID: "abc-123"})
	assert.Equal(t, "abc-123", r.LastSessionID("/work"))

	// Failed result keeps the previous conversation id
	res, err = r.TryReserve(context.Background(), "/work", "inv-2")
	require.NoError(t, err)
	r.Release(res, &Result{Kind: Failed, SessionID: "should-not-stick"})
	assert.Equal(t, "abc-123", r.LastSessionID("/work"))

	// So do cancelled and timed-out results
	res, err = r.TryReserve(context.Background(), "/work", "inv-3")
	require.NoError(t, err)
	r.Release(res, &Result{Kind: Cancelled})
	assert.Equal(t, "abc-123", r.LastSessionID("/work"))

	res, err = r.TryReserve(context.Background(), "/work", "inv-4")
	require.NoError(t, err)
	r.Release(res, &Result{Kind: Timeout})
	assert.Equal(t, "abc-123", r.LastSessionID("/work"))
}

func TestReleaseStampsActivityRegardlessOfOutcome(t *testing.T) {
	r := NewRegistry("/work", 10*time.Minute)

	res, err := r.TryReserve(context.Background(), "/work", "inv-1")
	require.NoError(t, err)
	r.Release(res, &Result{Kind: Failed})

	sess := r.Resolve("/work")
	assert.False(t, sess.LastActiveAt.IsZero())
}

func TestReleaseIdempotent(t *testing.T) {
	r := NewRegistry("/work", 10*time.Minute)

	res, err := r.TryReserve(context.Background(), "/work", "inv-1")
	require.NoError(t, err)
	r.Release(res, &Result{Kind: Success, SessionID: "first"})

	// A second reservation is live; the stale double release must not clobber it
	res2, err := r.TryReserve(context.Background(), "/work", "inv-2")
	require.NoError(t, err)
	r.Release(res, &Result{Kind: Success, SessionID: "stale"})
	assert.True(t, r.Running("/work"))
	assert.Equal(t, "first", r.LastSessionID("/work"))

	r.Release(res2, &Result{Kind: Success, SessionID: "second"})
	assert.Equal(t, "second", r.LastSessionID("/work"))
}

func TestCancel(t *testing.T) {
	r := NewRegistry("/work", 10*time.Minute)

	// Nothing running yet
	assert.False(t, r.Cancel("/work"))

	res, err := r.TryReserve(context.Background(), "/work", "inv-1")
	require.NoError(t, err)

	assert.True(t, r.Cancel("/work"))
	select {
	case <-res.Context().Done():
	case <-time.After(time.Second):
		t.Fatal("reservation context not cancelled")
	}

	// The slot stays occupied until the owner releases it
	assert.True(t, r.Running("/work"))
	r.Release(res, &Result{Kind: Cancelled})
	assert.False(t, r.Running("/work"))
}

func TestContinuableWindow(t *testing.T) {
	window := 10 * time.Minute
	r := NewRegistry("/work", window)

	// Never-active session is not continuable
	assert.False(t, r.Continuable("/work", time.Now()))

	res, err := r.TryReserve(context.Background(), "/work", "inv-1")
	require.NoError(t, err)
	r.Release(res, &Result{Kind: Success, SessionID: "abc"})

	last := r.Resolve("/work").LastActiveAt
	assert.True(t, r.Continuable("/work", last.Add(window)))
	assert.False(t, r.Continuable("/work", last.Add(window+time.Second)))
}

func TestResetConversation(t *testing.T) {
	r := NewRegistry("/work", 10*time.Minute)

	res, err := r.TryReserve(context.Background(), "/work", "inv-1")
	require.NoError(t, err)
	r.Release(res, &Result{Kind: Success, SessionID: "abc"})
	require.Equal(t, "abc", r.LastSessionID("/work"))

	r.ResetConversation("/work")
	assert.Empty(t, r.LastSessionID("/work"))
	assert.False(t, r.Continuable("/work", time.Now()))
}

func TestSwitchDirAndList(t *testing.T) {
	r := NewRegistry("/a", 10*time.Minute)

	sess := r.SwitchDir("/b")
	assert.Equal(t, "/b", sess.Dir)
	assert.Equal(t, "/b", r.CurrentDir())

	res, err := r.TryReserve(context.Background(), "/a", "inv-1")
	require.NoError(t, err)
	r.Release(res, &Result{Kind: Success})

	list := r.List()
	require.Len(t, list, 2)
	// Most recently active first
	assert.Equal(t, "/a", list[0].Dir)
	assert.True(t, list[1].Current)
}

func TestShutdownCancelsAll(t *testing.T) {
	r := NewRegistry("/a", 10*time.Minute)

	ra, err := r.TryReserve(context.Background(), "/a", "inv-1")
	require.NoError(t, err)
	rb, err := r.TryReserve(context.Background(), "/b", "inv-2")
	require.NoError(t, err)

	r.Shutdown()
	for _, res := range []*Reservation{ra, rb} {
		select {
		case <-res.Context().Done():
		case <-time.After(time.Second):
			t.Fatal("context not cancelled on shutdown")
		}
	}
}

func TestExpandDir(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, "/tmp/work", ExpandDir("/tmp/work"))
	assert.Equal(t, "/tmp/work", ExpandDir("  /tmp/work  "))
	assert.Equal(t, filepath.Join(home, "projects/x"), ExpandDir("projects/x"))
	assert.Equal(t, filepath.Join(home, "projects/x"), ExpandDir("~/projects/x"))
	assert.Equal(t, home, ExpandDir("~"))
}

func TestSessionName(t *testing.T) {
	assert.Equal(t, "default", Session{}.Name())
	assert.Equal(t, "proj", Session{Dir: "/home/me/proj"}.Name())
}
