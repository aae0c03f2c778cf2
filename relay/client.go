package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/victhorio/opachat/chat"
	"github.com/victhorio/opachat/completion"
)

// Client talks to a relay Server. It implements chat.Transport and completion.Streamer.
type Client struct {
	baseURL string
	http    *http.Client
	headers map[string]string

	webSocketResume bool
	dialer          *websocket.Dialer
}

type ClientOption func(*Client)

func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) { cl.http = c }
}

// WithHeaders adds headers to every request.
func WithHeaders(h map[string]string) ClientOption {
	return func(cl *Client) { cl.headers = h }
}

// WithWebSocketResume makes ReconnectToStream follow the stream over a websocket instead of SSE.
func WithWebSocketResume() ClientOption {
	return func(cl *Client) { cl.webSocketResume = true }
}

func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    http.DefaultClient,
		dialer:  websocket.DefaultDialer,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) SendMessages(ctx context.Context, req chat.SendRequest) (chat.ChunkStream, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "relay.Client.SendMessages: encode")
	}

	resp, err := c.do(ctx, http.MethodPost, "/api/chat", body, req.Headers)
	if err != nil {
		return nil, errors.Wrap(err, "relay.Client.SendMessages")
	}
	if err := checkStatus(resp); err != nil {
		return nil, errors.Wrap(err, "relay.Client.SendMessages")
	}
	return &sseStream{body: resp.Body}, nil
}

func (c *Client) ReconnectToStream(ctx context.Context, req chat.ReconnectRequest) (chat.ChunkStream, error) {
	path := "/api/chat/" + url.PathEscape(req.ChatID)
	if c.webSocketResume {
		return c.reconnectWebSocket(ctx, path+"/ws", req.Headers)
	}

	resp, err := c.do(ctx, http.MethodGet, path+"/stream", nil, req.Headers)
	if err != nil {
		return nil, errors.Wrap(err, "relay.Client.ReconnectToStream")
	}
	if resp.StatusCode == http.StatusNoContent {
		resp.Body.Close()
		return nil, nil
	}
	if err := checkStatus(resp); err != nil {
		return nil, errors.Wrap(err, "relay.Client.ReconnectToStream")
	}
	return &sseStream{body: resp.Body}, nil
}

func (c *Client) StreamCompletion(ctx context.Context, req completion.Request) (completion.TextStream, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "relay.Client.StreamCompletion: encode")
	}

	resp, err := c.do(ctx, http.MethodPost, "/api/completion", body, req.Headers)
	if err != nil {
		return nil, errors.Wrap(err, "relay.Client.StreamCompletion")
	}
	if err := checkStatus(resp); err != nil {
		return nil, errors.Wrap(err, "relay.Client.StreamCompletion")
	}
	return &textStream{body: resp.Body, sse: newSSEReader(resp.Body)}, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, extra map[string]string) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "text/event-stream")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	for k, v := range extra {
		req.Header.Set(k, v)
	}

	return c.http.Do(req)
}

func (c *Client) reconnectWebSocket(ctx context.Context, path string, extra map[string]string) (chat.ChunkStream, error) {
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return nil, errors.Wrap(err, "relay.Client.ReconnectToStream")
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	header := http.Header{}
	for k, v := range c.headers {
		header.Set(k, v)
	}
	for k, v := range extra {
		header.Set(k, v)
	}

	conn, resp, err := c.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNoContent {
			return nil, nil
		}
		return nil, errors.Wrap(err, "relay.Client.ReconnectToStream: dial")
	}
	return &wsStream{conn: conn}, nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if err != nil {
		return errors.Errorf("relay error: status=%s (failed to read body: %v)", resp.Status, err)
	}

	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return errors.Errorf("relay error: status=%s, error=%s", resp.Status, e.Error)
	}
	return errors.Errorf("relay error: status=%s, body=%s", resp.Status, string(body))
}

// sseStream decodes a UI message chunk stream from an SSE body.
type sseStream struct {
	body io.ReadCloser
}

func (s *sseStream) Consume(ctx context.Context, out chan<- chat.Chunk) {
	defer s.body.Close()
	defer close(out)

	err := readSSE(s.body, func(data []byte) bool {
		var ch chat.Chunk
		if err := json.Unmarshal(data, &ch); err != nil {
			chat.SendChunk(ctx, out, chat.NewChunkError("relay: malformed chunk: "+err.Error()))
			return false
		}
		return chat.SendChunk(ctx, out, ch)
	})
	if err != nil && ctx.Err() == nil {
		chat.SendChunk(ctx, out, chat.NewChunkError(err.Error()))
	}
}

// wsStream decodes a chunk stream sent as one JSON websocket message per chunk.
type wsStream struct {
	conn *websocket.Conn
}

func (s *wsStream) Consume(ctx context.Context, out chan<- chat.Chunk) {
	defer close(out)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		s.conn.Close()
	}()

	for {
		var ch chat.Chunk
		if err := s.conn.ReadJSON(&ch); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) || ctx.Err() != nil {
				return
			}
			chat.SendChunk(ctx, out, chat.NewChunkError(err.Error()))
			return
		}
		if !chat.SendChunk(ctx, out, ch) {
			return
		}
	}
}

// textStream hands out the text deltas of a relayed completion. An error chunk, or a body that
// ends before the done marker, is returned as an error instead of io.EOF.
type textStream struct {
	body io.ReadCloser
	sse  *sseReader
}

func (t *textStream) Recv() (string, error) {
	for {
		data, err := t.sse.next()
		if err == io.EOF {
			if !t.sse.ended {
				return "", errors.New("relay: completion stream ended early")
			}
			return "", io.EOF
		}
		if err != nil {
			return "", errors.Wrap(err, "relay: read completion stream")
		}

		var ch chat.Chunk
		if err := json.Unmarshal(data, &ch); err != nil {
			return "", errors.Wrap(err, "relay: malformed completion chunk")
		}
		switch ch.Type {
		case chat.ChunkTextDelta:
			return ch.Delta, nil
		case chat.ChunkError:
			return "", errors.New(ch.ErrorText)
		}
	}
}

func (t *textStream) Close() error {
	return t.body.Close()
}
