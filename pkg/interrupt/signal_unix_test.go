//go:build unix

package interrupt

import (
	"context"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotifyOnSignal(t *testing.T) {
	c := New(context.Background())
	forced := make(chan os.Signal, 1)
	stop := c.NotifyOnSignal(func(s os.Signal) { forced <- s }, syscall.SIGUSR1)
	defer stop()

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGUSR1))
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("first signal did not interrupt")
	}
	assert.Contains(t, c.Reason(), "signal")

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGUSR1))
	select {
	case <-forced:
	case <-time.After(2 * time.Second):
		t.Fatal("second signal did not force")
	}
}
