// Package sse writes line-delimited server-sent event frames.
package sse

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrStreamingUnsupported is returned when the response writer cannot
// flush frames to the client as they are produced.
var ErrStreamingUnsupported = errors.New("streaming unsupported")

// Writer frames JSON payloads as server-sent events over an open
// response. Each Send produces one `data:` line followed by the blank
// record separator and is flushed immediately.
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewWriter prepares the response for an event stream: it sets the
// content type and cache headers and verifies the writer can flush.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	const op = "sse.NewWriter"

	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("%s: %w", op, ErrStreamingUnsupported)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	return &Writer{w: w, flusher: flusher}, nil
}

// Flush pushes buffered headers or frames to the client. Calling it
// right after NewWriter establishes the stream before the first event.
func (sw *Writer) Flush() {
	sw.flusher.Flush()
}

// Send marshals v and writes it as a single event frame.
func (sw *Writer) Send(v any) error {
	const op = "sse.Writer.Send"

	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%s: failed to marshal payload: %w", op, err)
	}

	if _, err := fmt.Fprintf(sw.w, "data: %s\n\n", payload); err != nil {
		return fmt.Errorf("%s: failed to write frame: %w", op, err)
	}
	sw.flusher.Flush()

	return nil
}
