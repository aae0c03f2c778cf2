package completion

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type sliceStream struct {
	ctx    context.Context
	deltas []string
	err    error
	hold   bool
}

func (s *sliceStream) Recv() (string, error) {
	if len(s.deltas) > 0 {
		d := s.deltas[0]
		s.deltas = s.deltas[1:]
		return d, nil
	}
	if s.hold {
		<-s.ctx.Done()
		return "", s.ctx.Err()
	}
	if s.err != nil {
		return "", s.err
	}
	return "", io.EOF
}

func (s *sliceStream) Close() error { return nil }

type fakeStreamer struct {
	mu       sync.Mutex
	deltas   []string
	err      error
	openErr  error
	hold     bool
	requests []Request
}

func (f *fakeStreamer) StreamCompletion(ctx context.Context, req Request) (TextStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.openErr != nil {
		return nil, f.openErr
	}
	return &sliceStream{ctx: ctx, deltas: append([]string(nil), f.deltas...), err: f.err, hold: f.hold}, nil
}

func TestCompleteStreamsText(t *testing.T) {
	streamer := &fakeStreamer{deltas: []string{"Once ", "upon ", "a time"}}

	var (
		seen     []string
		finished string
	)
	c, err := New(Options{
		Streamer: streamer,
		Body:     map[string]any{"temperature": 0.2},
		OnFinish: func(prompt, completion string) { finished = prompt + "|" + completion },
	})
	require.NoError(t, err)
	c.completion.Subscribe(func(s string) { seen = append(seen, s) })

	var loading []bool
	c.loading.Subscribe(func(b bool) { loading = append(loading, b) })

	text, err := c.Complete(context.Background(), "tell me a story")
	require.NoError(t, err)
	require.Equal(t, "Once upon a time", text)
	require.Equal(t, "Once upon a time", c.Completion())
	require.Equal(t, []string{"Once ", "Once upon ", "Once upon a time"}, seen)
	require.Equal(t, []bool{true, false}, loading)
	require.Equal(t, "tell me a story|Once upon a time", finished)
	require.False(t, c.IsLoading())
	require.NoError(t, c.Error())

	require.Len(t, streamer.requests, 1)
	require.Equal(t, "tell me a story", streamer.requests[0].Prompt)
	require.Equal(t, 0.2, streamer.requests[0].Body["temperature"])
}

func TestCompleteRecordsErrors(t *testing.T) {
	boom := errors.New("quota exceeded")

	cases := map[string]*fakeStreamer{
		"open":   {openErr: boom},
		"stream": {deltas: []string{"par"}, err: boom},
	}
	for name, streamer := range cases {
		t.Run(name, func(t *testing.T) {
			var reported error
			c, err := New(Options{Streamer: streamer, OnError: func(err error) { reported = err }})
			require.NoError(t, err)

			_, err = c.Complete(context.Background(), "x")
			require.NoError(t, err)
			require.Equal(t, boom, c.Error())
			require.Equal(t, boom, reported)
			require.False(t, c.IsLoading())
		})
	}
}

func TestStopKeepsPartialText(t *testing.T) {
	streamer := &fakeStreamer{deltas: []string{"partial"}, hold: true}
	c, err := New(Options{Streamer: streamer})
	require.NoError(t, err)

	done := make(chan string, 1)
	go func() {
		text, _ := c.Complete(context.Background(), "x")
		done <- text
	}()

	require.Eventually(t, func() bool { return c.Completion() == "partial" }, time.Second, time.Millisecond)

	_, err = c.Complete(context.Background(), "y")
	require.ErrorIs(t, err, ErrRequestInFlight)

	c.Stop()
	require.Equal(t, "partial", <-done)
	require.NoError(t, c.Error())
	require.False(t, c.IsLoading())
}

func TestHandleSubmitUsesInput(t *testing.T) {
	streamer := &fakeStreamer{deltas: []string{"ok"}}
	c, err := New(Options{Streamer: streamer, InitialInput: "draft"})
	require.NoError(t, err)

	changes := 0
	c.Watch(func() { changes++ })
	c.SetInput("final prompt")

	_, err = c.HandleSubmit(context.Background())
	require.NoError(t, err)
	require.Equal(t, "final prompt", streamer.requests[0].Prompt)
	require.Equal(t, "final prompt", c.Input())
	require.Positive(t, changes)
}

func TestNewRequiresStreamer(t *testing.T) {
	_, err := New(Options{})
	require.ErrorIs(t, err, ErrNoStreamer)
}
