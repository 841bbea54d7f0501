package transport

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func spawnShell(t *testing.T, script string) *Mux {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	mux, err := Spawn(context.Background(), "sh", []string{"-c", script})
	require.NoError(t, err)
	return mux
}

func TestSpawn_CloseDrainsStdoutBeforeWait(t *testing.T) {
	mux := spawnShell(t, `cat >/dev/null; echo '{"request_id":"late","request_state":{"type":"OK"},"done":true}'`)

	sub, err := mux.Subscribe("late")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, mux.Close())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "late", resp.RequestID)
	assert.True(t, resp.Done)

	_, err = sub.Next(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSpawn_CloseReportsExitStatus(t *testing.T) {
	mux := spawnShell(t, `cat >/dev/null; exit 3`)

	err := mux.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend exited with status 3")
}

func TestSpawn_CloseKillsProcessIgnoringStdin(t *testing.T) {
	mux := spawnShell(t, `exec sleep 30`)

	started := time.Now()
	require.NoError(t, mux.Close())
	assert.Less(t, time.Since(started), 10*time.Second)

	select {
	case <-mux.Done():
	default:
		t.Fatal("read loop still running after Close")
	}
}
