// Package runtime is the reference HTTP client for an agent runtime.
//
// The runtime endpoint answers POST /v1/turns with an SSE stream: one
// "data: {json}" frame per agent event, text deltas multiplexed with tool
// events, closed with "data: [DONE]". The client exposes that stream as a
// single event source; usage is captured from the finish event and resolved
// through the stream's usage promise.
package runtime

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/threadline/relay/internal/config"
	"github.com/threadline/relay/internal/relay"
	"github.com/threadline/relay/internal/utils"
)

// Client streams agent turns from an upstream runtime endpoint.
type Client struct {
	baseURL  string
	provider string
	model    string

	httpClient *http.Client
}

// NewClient creates a runtime client. The http.Client carries no timeout:
// turn streams are long-lived and bounded by the request context.
func NewClient(cfg config.RuntimeConfig) *Client {
	return &Client{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		provider:   cfg.Provider,
		model:      cfg.Model,
		httpClient: &http.Client{},
	}
}

// Stream implements relay.Runtime.
func (c *Client) Stream(ctx context.Context, req *relay.TurnRequest) (*relay.AgentStream, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal turn request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/turns", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build runtime request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("runtime request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, config.MaxErrorBodyLogLen))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("runtime returned %d: %s", resp.StatusCode, utils.Truncate(string(errBody), config.MaxErrorBodyLogLen))
	}

	events := make(chan relay.EventChunk)
	usageCh := make(chan any, 1)
	go c.drain(ctx, resp.Body, events, usageCh)

	return &relay.AgentStream{
		Events: events,
		Usage: func(ctx context.Context) (any, error) {
			select {
			case usage := <-usageCh:
				return usage, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
		Provider: c.provider,
		Model:    c.model,
	}, nil
}

// drain reads SSE frames off the response body until EOF, [DONE], or ctx
// cancellation, feeding each data payload to the event channel. The usage
// channel always receives exactly one value (possibly nil) before closing.
func (c *Client) drain(ctx context.Context, body io.ReadCloser, events chan<- relay.EventChunk, usageCh chan<- any) {
	defer func() { _ = body.Close() }()
	defer close(events)

	var usage any
	defer func() {
		usageCh <- usage
		close(usageCh)
	}()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), config.RuntimeStreamBufferSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}
		payload := bytes.TrimSpace(line[len("data: "):])
		if len(payload) == 0 {
			continue
		}
		if bytes.Equal(payload, []byte("[DONE]")) {
			return
		}

		if raw := gjson.GetBytes(payload, "usage"); raw.Exists() {
			usage = raw.Value()
		}

		// scanner reuses its buffer; the chunk must own its bytes
		raw := make([]byte, len(payload))
		copy(raw, payload)
		select {
		case events <- relay.EventChunk{Raw: raw}:
		case <-ctx.Done():
			return
		}
	}

	if err := scanner.Err(); err != nil {
		log.Debug().Err(err).Msg("runtime: stream read failed")
		select {
		case events <- relay.EventChunk{Err: fmt.Errorf("read runtime stream: %w", err)}:
		case <-ctx.Done():
		}
	}
}
