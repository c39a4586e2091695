package bridge

import (
	"context"
	"errors"
	"net/http"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"deopenchat/core/wire"
)

// StreamRequest is one prompt sent over the stream endpoint.
type StreamRequest struct {
	Content   string `json:"content"`
	MaxTokens uint32 `json:"max_tokens,omitempty"`
}

// StreamReply answers one StreamRequest. Error and Code are set when the
// round failed.
type StreamReply struct {
	Seq             uint32 `json:"seq,omitempty"`
	InputTokens     uint32 `json:"input_tokens,omitempty"`
	OutputTokens    uint32 `json:"output_tokens,omitempty"`
	RemainingTokens uint64 `json:"remaining_tokens"`
	Result          string `json:"result,omitempty"`
	Error           string `json:"error,omitempty"`
	Code            string `json:"code,omitempty"`
}

// handleStream runs one round per message received on a websocket. Rounds
// run in order, so the stream behaves like a chat session.
func (b *Bridge) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		b.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")
	conn.SetReadLimit(wire.MaxPayloadSize + 4096)

	if err := b.stream(r.Context(), conn); err != nil {
		switch websocket.CloseStatus(err) {
		case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			return
		}
		if !errors.Is(err, context.Canceled) {
			b.logger.Warn("stream ended", "error", err)
		}
		return
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

func (b *Bridge) stream(ctx context.Context, conn *websocket.Conn) error {
	for {
		var req StreamRequest
		if err := wsjson.Read(ctx, conn, &req); err != nil {
			return err
		}
		if err := wsjson.Write(ctx, conn, b.streamRound(ctx, req)); err != nil {
			return err
		}
	}
}

func (b *Bridge) streamRound(ctx context.Context, req StreamRequest) StreamReply {
	if req.Content == "" {
		_, remaining := b.client.Account()
		return StreamReply{RemainingTokens: remaining, Error: "empty content", Code: string(wire.CodeFormat)}
	}
	res, err := b.Complete(ctx, []byte(req.Content), req.MaxTokens)
	_, remaining := b.client.Account()
	if err != nil {
		return StreamReply{RemainingTokens: remaining, Error: err.Error(), Code: string(wire.CodeOf(err))}
	}
	return StreamReply{
		Seq:             res.Seq,
		InputTokens:     res.Response.InputTokens,
		OutputTokens:    res.Response.OutputTokens,
		RemainingTokens: remaining,
		Result:          string(res.Response.Result),
	}
}
