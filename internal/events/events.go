// Package events models the loosely-structured chunks emitted by the agent
// runtime and extracts their fields under an explicit precedence order.
//
// DESIGN: Upstream event shapes are not uniform. Some runtimes wrap fields in
// a nested payload object, others flatten them at the top level:
//
//	{"type":"tool-call","payload":{"toolCallId":"c1","toolName":"get_weather","args":{...}}}
//	{"type":"tool-call","toolCallId":"c1","toolName":"get_weather","args":{...}}
//
// Every field is therefore read through an ordered candidate list (structured
// payload field first, flattened top-level field second, generated fallback
// last) so each precedence decision is a visible, testable rule rather than
// implicit fallthrough. Extraction never fails: absent fields yield zero
// values or generated fallbacks.
package events

import (
	"fmt"
	"time"

	"github.com/tidwall/gjson"
)

// Kind discriminates agent event chunks.
type Kind string

const (
	KindToolCall   Kind = "tool-call"
	KindToolResult Kind = "tool-result"
	KindTextDelta  Kind = "text-delta"
	KindFinish     Kind = "finish"
	KindOther      Kind = "other"
)

// Chunk is one parsed agent-runtime event.
type Chunk struct {
	Kind     Kind
	CallID   string
	ToolName string
	Args     map[string]any
	Result   any
	ErrorMsg string
	Text     string

	// Raw retains the original payload for audit logging.
	Raw []byte
}

// candidate paths, in precedence order, per field. The payload-wrapped form
// wins over the flattened form.
var (
	callIDPaths   = []string{"payload.toolCallId", "payload.tool_call_id", "toolCallId", "tool_call_id", "id"}
	toolNamePaths = []string{"payload.toolName", "payload.tool_name", "toolName", "tool_name", "name"}
	argsPaths     = []string{"payload.args", "payload.input", "args", "input"}
	resultPaths   = []string{"payload.result", "payload.output", "result", "output"}
	errorPaths    = []string{"payload.error", "payload.errorText", "error", "errorText"}
	textPaths     = []string{"payload.delta", "payload.text", "delta", "text", "textDelta"}
)

// Parse converts a raw agent chunk into a typed Chunk. Unknown types come
// back as KindOther so callers can skip them without special-casing nil.
func Parse(raw []byte) Chunk {
	body := gjson.ParseBytes(raw)
	c := Chunk{Raw: raw, Kind: kindOf(body.Get("type").String())}

	switch c.Kind {
	case KindToolCall:
		c.CallID = firstString(body, callIDPaths)
		if c.CallID == "" {
			c.CallID = FallbackCallID()
		}
		c.ToolName = firstString(body, toolNamePaths)
		if c.ToolName == "" {
			c.ToolName = "unknown"
		}
		c.Args = firstMap(body, argsPaths)
	case KindToolResult:
		c.CallID = firstString(body, callIDPaths)
		c.ToolName = firstString(body, toolNamePaths)
		c.Result = firstValue(body, resultPaths)
		c.ErrorMsg = firstString(body, errorPaths)
	case KindTextDelta:
		c.Text = firstString(body, textPaths)
	}
	return c
}

func kindOf(t string) Kind {
	switch t {
	case "tool-call", "tool_call", "tool-input-available":
		return KindToolCall
	case "tool-result", "tool_result", "tool-output-available":
		return KindToolResult
	case "text-delta", "text_delta", "text":
		return KindTextDelta
	case "finish", "done":
		return KindFinish
	default:
		return KindOther
	}
}

// FallbackCallID generates a correlation ID for call events that arrived
// without one, so the later result can still be matched if it echoes it back.
func FallbackCallID() string {
	return fmt.Sprintf("tool-%d", time.Now().UnixNano())
}

func firstString(body gjson.Result, paths []string) string {
	for _, p := range paths {
		if v := body.Get(p); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

func firstMap(body gjson.Result, paths []string) map[string]any {
	for _, p := range paths {
		if v := body.Get(p); v.Exists() && v.IsObject() {
			if m, ok := v.Value().(map[string]any); ok {
				return m
			}
		}
	}
	return map[string]any{}
}

func firstValue(body gjson.Result, paths []string) any {
	for _, p := range paths {
		if v := body.Get(p); v.Exists() {
			return v.Value()
		}
	}
	return nil
}
