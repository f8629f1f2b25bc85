// WebSocket surface for the client stream.
//
// GET /v1/chat/ws upgrades after the usual auth and rate-limit gate, reads
// one turn request as a JSON text message, then pushes the same output
// events the SSE surface would send. The connection carries a single turn
// and closes when it ends.
package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog/log"
)

// wsRequestTimeout bounds the wait for the initial turn request message.
const wsRequestTimeout = 30 * time.Second

// wsSink writes output events as JSON text messages.
type wsSink struct {
	ctx  context.Context
	conn *websocket.Conn
}

// Send implements EventSink.
func (s *wsSink) Send(ev OutputEvent) error {
	data, err := encodeEvent(ev)
	if err != nil {
		return err
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	if !s.gate(w, r) {
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("relay: websocket upgrade failed")
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()

	readCtx, cancel := context.WithTimeout(ctx, wsRequestTimeout)
	_, data, err := conn.Read(readCtx)
	cancel()
	if err != nil {
		_ = conn.Close(websocket.StatusPolicyViolation, "expected a turn request")
		return
	}

	var req TurnRequest
	if err := json.Unmarshal(data, &req); err != nil {
		_ = conn.Close(websocket.StatusUnsupportedData, "invalid turn request")
		return
	}
	userText, err := ExtractUserText(req.Messages)
	if err != nil {
		_ = conn.Close(websocket.StatusPolicyViolation, err.Error())
		return
	}
	req.UserText = userText
	req.CallerKey = clientKey(r)

	if err := s.orch.Execute(ctx, &req, &wsSink{ctx: ctx, conn: conn}); err != nil {
		log.Error().Err(err).Str("agent_id", req.AgentID).Msg("relay: turn could not start")
		_ = conn.Close(websocket.StatusInternalError, "agent runtime unavailable")
		return
	}

	_ = conn.Close(websocket.StatusNormalClosure, "turn complete")
}
