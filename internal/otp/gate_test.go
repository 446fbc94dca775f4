package otp

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/rpa-flow/internal/config"
)

func newTestGate(t *testing.T) *Gate {
	t.Helper()
	return NewGate(config.OTPConfig{Dir: t.TempDir(), PollInterval: 20 * time.Millisecond}, zaptest.NewLogger(t))
}

func TestValidCode(t *testing.T) {
	assert.True(t, ValidCode("1234"))
	assert.True(t, ValidCode("12345678"))
	assert.False(t, ValidCode("123"))
	assert.False(t, ValidCode("123456789"))
	assert.False(t, ValidCode("12a4"))
	assert.False(t, ValidCode(".DS_Store"))
}

func TestAwait(t *testing.T) {
	t.Run("receives a code submitted while waiting", func(t *testing.T) {
		defer goleak.VerifyNone(t)
		g := newTestGate(t)

		go func() {
			time.Sleep(50 * time.Millisecond)
			_ = Submit(g.root, "79991234567", "4821")
		}()

		code, err := g.Await(context.Background(), "79991234567", 2*time.Second)
		require.NoError(t, err)
		assert.Equal(t, "4821", code)

		dir, _ := g.ChannelDir("79991234567")
		_, statErr := os.Stat(filepath.Join(dir, "4821"))
		assert.True(t, os.IsNotExist(statErr), "the code entry is consumed")
	})

	t.Run("ignores entries that are not codes", func(t *testing.T) {
		g := newTestGate(t)
		dir, err := g.ChannelDir("")
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dir, "README"), nil, 0o644))
		require.NoError(t, Submit(g.root, "", "987654"))

		code, err := g.Await(context.Background(), "", time.Second)
		require.NoError(t, err)
		assert.Equal(t, "987654", code)
	})

	t.Run("times out with ErrTimeout", func(t *testing.T) {
		defer goleak.VerifyNone(t)
		g := newTestGate(t)

		_, err := g.Await(context.Background(), "lavka", 60*time.Millisecond)
		assert.ErrorIs(t, err, ErrTimeout)
	})

	t.Run("parent cancellation aborts the wait", func(t *testing.T) {
		defer goleak.VerifyNone(t)
		g := newTestGate(t)
		ctx, cancel := context.WithCancel(context.Background())

		done := make(chan error, 1)
		go func() {
			_, err := g.Await(ctx, "lavka", time.Minute)
			done <- err
		}()
		cancel()

		select {
		case err := <-done:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(2 * time.Second):
			t.Fatal("Await did not observe cancellation")
		}
	})

	t.Run("rejects channels outside the root", func(t *testing.T) {
		g := newTestGate(t)
		_, err := g.Await(context.Background(), "../etc", time.Second)
		assert.ErrorIs(t, err, ErrInvalidChannel)
	})
}

func TestDrain(t *testing.T) {
	g := newTestGate(t)
	require.NoError(t, Submit(g.root, "samokat", "1111"))

	require.NoError(t, g.Drain("samokat"))
	_, err := g.Await(context.Background(), "samokat", 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout, "stale codes must not satisfy a new wait")

	assert.NoError(t, g.Drain("never-used"))
}

func TestSubmit(t *testing.T) {
	root := t.TempDir()
	assert.ErrorIs(t, Submit(root, "c", "12"), ErrInvalidCode)
	assert.ErrorIs(t, Submit(root, "a/b", "1234"), ErrInvalidChannel)

	require.NoError(t, Submit(root, "c", "1234"))
	assert.FileExists(t, filepath.Join(root, "c", "1234"))
}
