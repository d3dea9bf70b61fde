package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/iwamot/collmbo/internal/agent"
	"github.com/iwamot/collmbo/pkg/models"
)

// requestLogger logs every gateway request. Inline file data is replaced
// by its size.
func requestLogger(logger *slog.Logger) agent.RequestObserver {
	return func(ctx context.Context, round int, req *agent.CompletionRequest) {
		payload, err := json.Marshal(loggableRequest(req))
		if err != nil {
			logger.WarnContext(ctx, "failed to encode gateway request", "error", err)
			return
		}
		logger.InfoContext(ctx, "gateway request", "round", round, "model", req.Model, "request", string(payload))
	}
}

func loggableRequest(req *agent.CompletionRequest) *agent.CompletionRequest {
	out := *req
	out.Messages = make([]models.Message, len(req.Messages))
	for i, msg := range req.Messages {
		blocks := make([]models.ContentBlock, len(msg.Content))
		for j, block := range msg.Content {
			if len(block.Data) > 0 {
				block.Text = fmt.Sprintf("(%d bytes omitted)", len(block.Data))
				block.Data = nil
			}
			blocks[j] = block
		}
		msg.Content = blocks
		out.Messages[i] = msg
	}
	return &out
}
