package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"plantpod-gateway/internal/data"
)

var errTransportClosed = errors.New("transport closed")

// SSETransport writes snapshots as server-sent events.
type SSETransport struct {
	w       http.ResponseWriter
	flusher http.Flusher

	mu     sync.Mutex
	closed bool
}

// NewSSETransport sets the event-stream headers. Nothing is committed until the first
// frame, so the caller can still answer with an error status if the session never opens.
// It fails if the writer cannot flush.
func NewSSETransport(w http.ResponseWriter) (*SSETransport, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("streaming unsupported by response writer")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache, no-transform")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	return &SSETransport{w: w, flusher: flusher}, nil
}

func (t *SSETransport) SendSnapshot(snap data.Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return t.write(fmt.Sprintf("data: %s\n\n", payload))
}

func (t *SSETransport) SendKeepAlive() error {
	return t.write(":keep-alive\n\n")
}

// Close stops further writes. The response ends when the handler returns.
func (t *SSETransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

func (t *SSETransport) write(frame string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errTransportClosed
	}
	if _, err := fmt.Fprint(t.w, frame); err != nil {
		return err
	}
	t.flusher.Flush()
	return nil
}
