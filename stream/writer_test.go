package stream_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/firewatchio/go-firewatch/stream"
)

func TestBufferedWriterOrder(t *testing.T) {
	w := stream.NewBufferedWriter()
	w.Write([]byte("one"))
	w.Write([]byte("two"))
	w.Write([]byte("three"))
	w.Finish(nil)

	for _, expected := range []string{"one", "two", "three"} {
		data, ok := w.Next()
		require.True(t, ok)
		require.Equal(t, expected, string(data))
	}

	_, ok := w.Next()
	require.False(t, ok, "drained and finished writer has no more frames")
}

func TestBufferedWriterBlocksUntilWrite(t *testing.T) {
	w := stream.NewBufferedWriter()

	got := make(chan []byte)
	go func() {
		data, ok := w.Next()
		require.True(t, ok)
		got <- data
	}()

	// The consumer should be parked; a write releases it.
	time.Sleep(10 * time.Millisecond)
	w.Write([]byte("frame"))

	select {
	case data := <-got:
		require.Equal(t, "frame", string(data))
	case <-time.After(time.Second):
		t.Fatal("Next never returned after a write")
	}
}

func TestBufferedWriterFinishIdempotent(t *testing.T) {
	w := stream.NewBufferedWriter()

	boom := errors.New("stream torn down")
	w.Finish(boom)
	w.Finish(nil)
	w.Finish(errors.New("second error"))

	// The first finish wins.
	require.ErrorIs(t, w.Err(), boom)

	// Writes after close are dropped.
	w.Write([]byte("late"))
	_, ok := w.Next()
	require.False(t, ok)
}

func TestBufferedWriterFinishReleasesConsumer(t *testing.T) {
	w := stream.NewBufferedWriter()

	done := make(chan bool)
	go func() {
		_, ok := w.Next()
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	w.Finish(nil)

	select {
	case ok := <-done:
		require.False(t, ok, "finish must release a parked consumer")
	case <-time.After(time.Second):
		t.Fatal("Next never returned after finish")
	}
}
