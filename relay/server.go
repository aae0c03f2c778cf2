// Package relay moves UI message streams over HTTP. The server side holds the provider credentials
// and exposes a chat.Transport and a completion.Streamer to remote clients; the client side is
// itself a chat.Transport, so an engine cannot tell a relayed provider from a local one.
package relay

import (
	"context"
	"encoding/json"
	"io"
	"mime"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/victhorio/opachat/chat"
	"github.com/victhorio/opachat/completion"
)

const (
	defaultStreamTimeout = 10 * time.Minute
	defaultMaxBodyBytes  = 4 << 20
	defaultRPS           = 5
	defaultBurst         = 10
	limiterIdle          = 10 * time.Minute
)

type Options struct {
	// Chat answers POST /api/chat. Required.
	Chat chat.Transport
	// Completion answers POST /api/completion. Optional.
	Completion completion.Streamer

	// KeepStreams keeps a response running after the client that started it goes away, so that a
	// later resume can pick it up.
	KeepStreams   bool
	StreamTimeout time.Duration
	MaxBodyBytes  int64

	// RPS and Burst bound requests per client address.
	RPS   float64
	Burst int

	// Registry receives the relay metrics; a private registry is used when nil.
	Registry *prometheus.Registry
	Logger   *zerolog.Logger
}

type Server struct {
	chat        chat.Transport
	completion  completion.Streamer
	keepStreams bool
	timeout     time.Duration
	maxBody     int64

	streams  *registry
	limiters *limiterPool
	upgrader websocket.Upgrader
	metrics  *metrics
	gatherer prometheus.Gatherer
	log      zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

func NewServer(opts Options) (*Server, error) {
	if opts.Chat == nil {
		return nil, errors.New("relay: a chat transport is required")
	}

	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m, err := newMetrics(reg)
	if err != nil {
		return nil, errors.Wrap(err, "relay: register metrics")
	}

	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	s := &Server{
		chat:        opts.Chat,
		completion:  opts.Completion,
		keepStreams: opts.KeepStreams,
		timeout:     opts.StreamTimeout,
		maxBody:     opts.MaxBodyBytes,
		streams:     newRegistry(),
		limiters:    newLimiterPool(opts.RPS, opts.Burst),
		upgrader:    websocket.Upgrader{},
		metrics:     m,
		gatherer:    reg,
		log:         logger.With().Str("component", "relay").Logger(),
	}
	if s.timeout <= 0 {
		s.timeout = defaultStreamTimeout
	}
	if s.maxBody <= 0 {
		s.maxBody = defaultMaxBodyBytes
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	return s, nil
}

// Handler routes the relay API.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.limit)
	api.HandleFunc("/chat", s.handleChat).Methods(http.MethodPost)
	api.HandleFunc("/chat/{id}/stream", s.handleResume).Methods(http.MethodGet)
	api.HandleFunc("/chat/{id}/ws", s.handleWebSocket).Methods(http.MethodGet)
	api.HandleFunc("/completion", s.handleCompletion).Methods(http.MethodPost)

	return r
}

// Close cancels every running response.
func (s *Server) Close() {
	s.cancel()
	s.streams.closeAll()
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	s.metrics.requests.WithLabelValues("chat").Inc()

	var req chat.SendRequest
	if err := s.decode(w, r, &req); err != nil {
		s.fail(w, http.StatusBadRequest, err)
		return
	}
	if err := req.Validate(); err != nil {
		s.fail(w, http.StatusBadRequest, err)
		return
	}

	logger := s.log.With().Str("chat_id", req.ChatID).Str("trigger", string(req.Trigger)).Logger()

	base := r.Context()
	if s.keepStreams {
		base = s.ctx
	}
	ctx, cancel := context.WithTimeout(base, s.timeout)

	rs := s.streams.start(ctx, req.ChatID)
	stream, err := s.chat.SendMessages(rs.ctx, req)
	if err != nil {
		cancel()
		rs.finish()
		s.streams.remove(rs)
		logger.Error().Err(err).Msg("provider request failed")
		s.fail(w, http.StatusBadGateway, err)
		return
	}

	s.metrics.active.Inc()
	go func() {
		defer cancel()
		defer s.metrics.active.Dec()

		n := s.pump(rs, stream)
		s.streams.remove(rs)
		logger.Debug().Int("chunks", n).Msg("response complete")
	}()

	s.follow(w, r, rs)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.metrics.requests.WithLabelValues("resume").Inc()

	rs := s.streams.get(mux.Vars(r)["id"])
	if rs == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.follow(w, r, rs)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.metrics.requests.WithLabelValues("ws").Inc()

	rs := s.streams.get(mux.Vars(r)["id"])
	if rs == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	// the hijacked request context no longer tracks the peer, a read loop does
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	err = rs.follow(ctx, func(ch chat.Chunk) error {
		return conn.WriteJSON(ch)
	})
	if err != nil {
		return
	}
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"))
}

func (s *Server) handleCompletion(w http.ResponseWriter, r *http.Request) {
	s.metrics.requests.WithLabelValues("completion").Inc()

	if s.completion == nil {
		s.fail(w, http.StatusNotFound, errors.New("completion is not enabled"))
		return
	}

	var req completion.Request
	if err := s.decode(w, r, &req); err != nil {
		s.fail(w, http.StatusBadRequest, err)
		return
	}

	stream, err := s.completion.StreamCompletion(r.Context(), req)
	if err != nil {
		s.log.Error().Err(err).Msg("completion request failed")
		s.fail(w, http.StatusBadGateway, err)
		return
	}
	defer stream.Close()

	sw, err := newSSEWriter(w)
	if err != nil {
		s.fail(w, http.StatusInternalServerError, err)
		return
	}

	// past the status line a failure can only be reported as an error chunk
	for {
		delta, err := stream.Recv()
		if err == io.EOF {
			_ = sw.writeDone()
			return
		}
		if err != nil {
			s.log.Error().Err(err).Msg("completion stream failed")
			_ = sw.writeJSON(chat.NewChunkError(err.Error()))
			return
		}
		if err := sw.writeJSON(chat.NewChunkTextDelta(completionPartID, delta)); err != nil {
			return
		}
	}
}

// pump buffers the provider stream and closes it with an abort or error chunk when it was cut off.
// A panic inside the provider ends the stream with an error chunk instead of the process.
func (s *Server) pump(rs *resumable, stream chat.ChunkStream) int {
	out := make(chan chat.Chunk)
	// closed once Consume returns, after carrying the panic value if there was one
	failed := make(chan any, 1)
	go func() {
		defer close(failed)
		defer func() {
			if r := recover(); r != nil {
				failed <- r
			}
		}()
		stream.Consume(rs.ctx, out)
	}()

	n := 0
	var panicked any
loop:
	for {
		select {
		case ch, ok := <-out:
			if !ok {
				break loop
			}
			rs.append(ch)
			n++
		case panicked = <-failed:
			break loop
		}
	}
	if panicked == nil {
		panicked = <-failed
	}

	switch {
	case panicked != nil:
		s.log.Error().Interface("panic", panicked).Msg("provider stream panicked")
		rs.append(chat.NewChunkError("relay: provider stream failed"))
	case rs.ctx.Err() == context.DeadlineExceeded:
		rs.append(chat.NewChunkError("relay: stream timed out"))
	case rs.ctx.Err() == context.Canceled:
		rs.append(chat.NewChunkAbort())
	}
	rs.finish()
	s.metrics.chunks.Add(float64(n))
	return n
}

func (s *Server) follow(w http.ResponseWriter, r *http.Request, rs *resumable) {
	sw, err := newSSEWriter(w)
	if err != nil {
		s.fail(w, http.StatusInternalServerError, err)
		return
	}

	err = rs.follow(r.Context(), func(ch chat.Chunk) error {
		return sw.writeJSON(ch)
	})
	if err != nil {
		return
	}
	_ = sw.writeDone()
}

// decode reads a JSON request body. Other content types are refused.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) error {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		return errors.Errorf("unsupported content type %q", r.Header.Get("Content-Type"))
	}

	body := http.MaxBytesReader(w, r.Body, s.maxBody)
	defer body.Close()

	dec := json.NewDecoder(body)
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return errors.Wrap(err, "decode request")
	}
	return nil
}

func (s *Server) fail(w http.ResponseWriter, code int, err error) {
	s.metrics.failures.WithLabelValues(http.StatusText(code)).Inc()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func (s *Server) limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if !s.limiters.allow(host) {
			s.fail(w, http.StatusTooManyRequests, errors.New("rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// limiterPool keeps one limiter per client address and forgets addresses idle for longer than idle.
type limiterPool struct {
	mu        sync.Mutex
	m         map[string]*limiterEntry
	rps       float64
	burst     int
	idle      time.Duration
	lastSweep time.Time
	now       func() time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newLimiterPool(rps float64, burst int) *limiterPool {
	if rps <= 0 {
		rps = defaultRPS
	}
	if burst <= 0 {
		burst = defaultBurst
	}
	return &limiterPool{
		m:     make(map[string]*limiterEntry),
		rps:   rps,
		burst: burst,
		idle:  limiterIdle,
		now:   time.Now,
	}
}

func (p *limiterPool) allow(key string) bool {
	p.mu.Lock()
	now := p.now()
	if now.Sub(p.lastSweep) >= p.idle {
		p.sweep(now)
	}

	e, ok := p.m[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(rate.Limit(p.rps), p.burst)}
		p.m[key] = e
	}
	e.lastSeen = now
	p.mu.Unlock()

	return e.limiter.AllowN(now, 1)
}

// sweep must be called with mu held.
func (p *limiterPool) sweep(now time.Time) {
	for k, e := range p.m {
		if now.Sub(e.lastSeen) >= p.idle {
			delete(p.m, k)
		}
	}
	p.lastSweep = now
}

func (p *limiterPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}

type metrics struct {
	requests *prometheus.CounterVec
	failures *prometheus.CounterVec
	active   prometheus.Gauge
	chunks   prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "opachat",
			Subsystem: "relay",
			Name:      "requests_total",
			Help:      "Relay requests by route.",
		}, []string{"route"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "opachat",
			Subsystem: "relay",
			Name:      "failures_total",
			Help:      "Relay requests answered with an error, by status.",
		}, []string{"status"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "opachat",
			Subsystem: "relay",
			Name:      "active_streams",
			Help:      "Responses currently being produced.",
		}),
		chunks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "opachat",
			Subsystem: "relay",
			Name:      "chunks_total",
			Help:      "UI message chunks relayed.",
		}),
	}

	for _, c := range []prometheus.Collector{m.requests, m.failures, m.active, m.chunks} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}
