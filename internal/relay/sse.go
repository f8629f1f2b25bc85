// Server-sent events encoding for the client stream.
package relay

import (
	"fmt"
	"net/http"

	"github.com/tidwall/sjson"

	"github.com/threadline/relay/internal/utils"
)

// encodeEvent renders one output event as its wire JSON. Data parts
// (data-run-metadata) nest their payload under "data" per the client
// protocol; everything else is flat.
func encodeEvent(ev OutputEvent) ([]byte, error) {
	if ev.Type != EventRunMetadata {
		return utils.MarshalNoEscape(ev)
	}

	body := []byte(`{"type":"data-run-metadata"}`)
	var err error
	if body, err = sjson.SetBytes(body, "data.messageId", ev.MessageID); err != nil {
		return nil, err
	}
	if ev.RunID != "" {
		if body, err = sjson.SetBytes(body, "data.runId", ev.RunID); err != nil {
			return nil, err
		}
		if body, err = sjson.SetBytes(body, "data.turnId", ev.TurnID); err != nil {
			return nil, err
		}
		if body, err = sjson.SetBytes(body, "data.turnIndex", ev.TurnIndex); err != nil {
			return nil, err
		}
	}
	return body, nil
}

// sseSink writes output events as SSE data frames, flushing after each so
// deltas reach the client as they happen.
type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSESink(w http.ResponseWriter) *sseSink {
	flusher, _ := w.(http.Flusher)
	return &sseSink{w: w, flusher: flusher}
}

// Send implements EventSink.
func (s *sseSink) Send(ev OutputEvent) error {
	data, err := encodeEvent(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}
