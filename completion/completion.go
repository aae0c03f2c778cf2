// Package completion holds the observable state of a single-prompt text completion: the text
// streamed so far, the input being edited, the last error and whether a request is running.
package completion

import (
	"context"
	"io"
	"reflect"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/victhorio/opachat/reactive"
)

var (
	ErrRequestInFlight = errors.New("completion: a request is already in flight")
	ErrNoStreamer      = errors.New("completion: a streamer is required")
)

type Request struct {
	Prompt  string            `json:"prompt"`
	Body    map[string]any    `json:"body,omitempty"`
	Headers map[string]string `json:"-"`
}

// TextStream yields text deltas until Recv returns io.EOF.
type TextStream interface {
	Recv() (string, error)
	Close() error
}

type Streamer interface {
	StreamCompletion(ctx context.Context, req Request) (TextStream, error)
}

type Options struct {
	Streamer Streamer

	InitialInput      string
	InitialCompletion string

	Body    map[string]any
	Headers map[string]string

	OnFinish func(prompt, completion string)
	OnError  func(err error)

	Logger *zerolog.Logger
}

type Completion struct {
	streamer Streamer
	body     map[string]any
	headers  map[string]string
	onFinish func(prompt, completion string)
	onError  func(error)
	log      zerolog.Logger

	completion *reactive.Signal[string]
	input      *reactive.Signal[string]
	err        *reactive.Signal[error]
	loading    *reactive.Signal[bool]

	mu     sync.Mutex
	cancel context.CancelFunc
}

func New(opts Options) (*Completion, error) {
	if opts.Streamer == nil {
		return nil, ErrNoStreamer
	}

	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	return &Completion{
		streamer:   opts.Streamer,
		body:       opts.Body,
		headers:    opts.Headers,
		onFinish:   opts.OnFinish,
		onError:    opts.OnError,
		log:        logger.With().Str("component", "completion").Logger(),
		completion: reactive.NewSignal(opts.InitialCompletion),
		input:      reactive.NewSignal(opts.InitialInput),
		err:        reactive.NewSignalFunc[error](nil, sameError),
		loading:    reactive.NewSignal(false),
	}, nil
}

func (c *Completion) Completion() string { return c.completion.Get() }
func (c *Completion) Input() string      { return c.input.Get() }
func (c *Completion) Error() error       { return c.err.Get() }
func (c *Completion) IsLoading() bool    { return c.loading.Get() }

func (c *Completion) SetInput(s string)      { c.input.Set(s) }
func (c *Completion) SetCompletion(s string) { c.completion.Set(s) }

// Watch calls fn after any of the four cells changed.
func (c *Completion) Watch(fn func()) func() {
	unsubs := []func(){
		c.completion.Subscribe(func(string) { fn() }),
		c.input.Subscribe(func(string) { fn() }),
		c.err.Subscribe(func(error) { fn() }),
		c.loading.Subscribe(func(bool) { fn() }),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// Complete streams the completion of prompt and returns the full text. Stream failures are
// recorded in Error rather than returned; the returned error is only for a call made while
// another request is running. A stopped request returns the text received so far.
func (c *Completion) Complete(ctx context.Context, prompt string) (string, error) {
	ctx, cancel, err := c.begin(ctx)
	if err != nil {
		return "", err
	}
	defer c.end(cancel)

	c.completion.Set("")
	c.err.Set(nil)
	c.loading.Set(true)
	defer c.loading.Set(false)

	text, err := c.stream(ctx, prompt)
	switch {
	case err == nil:
		if c.onFinish != nil {
			c.onFinish(prompt, text)
		}
	case errors.Is(err, context.Canceled):
		c.log.Debug().Msg("completion stopped")
	default:
		c.log.Error().Err(err).Msg("completion failed")
		if c.onError != nil {
			c.onError(err)
		}
		c.err.Set(err)
	}
	return text, nil
}

// HandleSubmit completes the current input.
func (c *Completion) HandleSubmit(ctx context.Context) (string, error) {
	return c.Complete(ctx, c.input.Get())
}

func (c *Completion) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
}

func (c *Completion) stream(ctx context.Context, prompt string) (string, error) {
	s, err := c.streamer.StreamCompletion(ctx, Request{Prompt: prompt, Body: c.body, Headers: c.headers})
	if err != nil {
		return "", err
	}
	defer s.Close()

	var text string
	for {
		delta, err := s.Recv()
		if err == io.EOF {
			return text, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return text, ctxErr
		}
		if err != nil {
			return text, err
		}
		text += delta
		c.completion.Set(text)
	}
}

func (c *Completion) begin(ctx context.Context) (context.Context, context.CancelFunc, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return nil, nil, ErrRequestInFlight
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	return ctx, cancel, nil
}

func (c *Completion) end(cancel context.CancelFunc) {
	cancel()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancel = nil
}

func sameError(a, b error) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || !ta.Comparable() {
		return false
	}
	return a == b
}
