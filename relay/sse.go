package relay

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"
)

const doneMarker = "[DONE]"

// completionPartID names the text part of a relayed completion stream.
const completionPartID = "completion"

// sseWriter writes server-sent events, one JSON value per `data:` field.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("relay: response writer cannot flush")
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Vercel-Ai-Ui-Message-Stream", "v1")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &sseWriter{w: w, flusher: flusher}, nil
}

func (s *sseWriter) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.writeData(data)
}

func (s *sseWriter) writeData(data []byte) error {
	if _, err := io.WriteString(s.w, "data: "); err != nil {
		return err
	}
	if _, err := s.w.Write(data); err != nil {
		return err
	}
	if _, err := io.WriteString(s.w, "\n\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseWriter) writeDone() error {
	return s.writeData([]byte(doneMarker))
}

// sseReader pulls events from an SSE body one at a time.
type sseReader struct {
	r *bufio.Reader
	// an event may spread its data over several `data:` lines
	buf   bytes.Buffer
	eof   bool
	ended bool
}

func newSSEReader(r io.Reader) *sseReader {
	return &sseReader{r: bufio.NewReaderSize(r, 10*1024)}
}

// next returns the data of the next event. It returns io.EOF once the body is exhausted or the done
// marker arrives; only the latter marks the stream as ended. Fields other than `data:` are ignored.
func (s *sseReader) next() ([]byte, error) {
	for !s.eof && !s.ended {
		line, err := s.r.ReadString('\n')
		if err != nil && err != io.EOF {
			return nil, err
		}
		s.eof = err == io.EOF

		line = strings.TrimRight(line, "\n\r")
		if data, ok := strings.CutPrefix(line, "data:"); ok {
			if s.buf.Len() > 0 {
				s.buf.WriteByte('\n')
			}
			s.buf.WriteString(strings.TrimPrefix(data, " "))
		}

		if (line == "" || s.eof) && s.buf.Len() > 0 {
			data := append([]byte(nil), bytes.TrimSpace(s.buf.Bytes())...)
			s.buf.Reset()
			if string(data) == doneMarker {
				s.ended = true
				break
			}
			return data, nil
		}
	}
	return nil, io.EOF
}

// readSSE calls fn with the data of every event in r until r is exhausted, fn returns false or
// the done marker arrives.
func readSSE(r io.Reader, fn func(data []byte) bool) error {
	sr := newSSEReader(r)
	for {
		data, err := sr.next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if !fn(data) {
			return nil
		}
	}
}
