package broadcast

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHubPublishAndRecv(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe()
	defer sub.Close()

	hub.Publish(testFrame(1))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	frame, lag, err := sub.Recv(ctx)
	require.NoError(t, err)
	require.Zero(t, lag)
	require.EqualValues(t, 1, frame.Seq)
}

func TestHubPublishDoesNotBlockOnFullSubscriber(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe()
	defer sub.Close()

	for i := 0; i < EventChannelCapacity+5; i++ {
		hub.Publish(testFrame(uint64(i)))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, lag, err := sub.Recv(ctx)
	require.ErrorIs(t, err, ErrLagged)
	require.Equal(t, 5, lag)
}

func TestHubCloseEndsSubscribersWithEOF(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe()
	hub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, _, err := sub.Recv(ctx)
	require.ErrorIs(t, err, io.EOF)
}
