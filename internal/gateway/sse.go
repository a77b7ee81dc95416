package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/arcfield/parley/internal/orchestrator"
)

// sseSink streams turn frames to the client as server-sent events. Each
// frame is one "data:" line of JSON; the stream always ends with the
// [DONE] sentinel.
type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSESink(w http.ResponseWriter) (*sseSink, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &sseSink{w: w, flusher: flusher}, nil
}

// Send writes one frame.
func (s *sseSink) Send(frame orchestrator.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Terminate writes the [DONE] sentinel.
func (s *sseSink) Terminate() {
	fmt.Fprint(s.w, "data: [DONE]\n\n")
	s.flusher.Flush()
}
