package api

import (
	"log/slog"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter estimates the prompt tokens of a text.
type TokenCounter func(text string) int

// NewTokenCounter returns a counter for model, falling back to cl100k_base.
// When no encoding can be loaded the counter reports 0.
func NewTokenCounter(model string) TokenCounter {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
	}
	if err != nil {
		slog.Warn("Token estimates disabled", "model", model, "error", err)
		return func(string) int { return 0 }
	}
	return func(text string) int {
		return len(enc.Encode(text, nil, nil))
	}
}
