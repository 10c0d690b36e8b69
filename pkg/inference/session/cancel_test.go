package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCancelToken_CancelTransitionsOnce(t *testing.T) {
	t.Parallel()

	tok := NewCancelToken(context.Background())
	require.False(t, tok.Cancelled())
	require.True(t, tok.Cancel())
	require.False(t, tok.Cancel())
	require.True(t, tok.Cancelled())
	require.ErrorIs(t, tok.Context().Err(), context.Canceled)
	require.ErrorIs(t, tok.Cause(), ErrCancelled)

	tok.Finish()
	require.True(t, tok.Cancelled())
}

func TestCancelToken_CancelAfterFinishIsNoop(t *testing.T) {
	t.Parallel()

	tok := NewCancelToken(context.Background())
	tok.Finish()
	require.False(t, tok.Cancel())
	require.False(t, tok.Cancelled())
	require.NoError(t, tok.Cause())
	require.Error(t, tok.Context().Err())
}

func TestCancelToken_CancelAfter(t *testing.T) {
	t.Parallel()

	tok := NewCancelToken(context.Background())
	tok.CancelAfter(10 * time.Millisecond)
	select {
	case <-tok.Context().Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("token was not cancelled by timeout")
	}
	require.ErrorIs(t, tok.Cause(), ErrTimeout)
	require.False(t, tok.Cancel())
}

func TestCancelToken_FinishStopsTimer(t *testing.T) {
	t.Parallel()

	tok := NewCancelToken(context.Background())
	tok.CancelAfter(10 * time.Millisecond)
	tok.Finish()
	time.Sleep(30 * time.Millisecond)
	require.False(t, tok.Cancelled())
}

func TestCancelToken_FollowsParent(t *testing.T) {
	t.Parallel()

	parent, cancel := context.WithCancel(context.Background())
	tok := NewCancelToken(parent)
	cancel()
	<-tok.Context().Done()
	require.True(t, tok.Cancelled())
}
