package executor

import (
	"fmt"
	"log/slog"

	"github.com/pkoukk/tiktoken-go"

	"github.com/tenexlabs/tenex/internal/config"
	"github.com/tenexlabs/tenex/internal/llm"
)

// Compressor folds old history into a short marker when the estimated token
// count crosses the configured threshold. It keeps the system message, the
// first user message (the thread root), and a sliding window of the most
// recent messages; everything between collapses to one line. Compression is
// applied at message-build time only and never mutates stored conversations.
type Compressor struct {
	cfg config.CompressionConfig
	enc *tiktoken.Tiktoken
}

// NewCompressor builds a compressor from config. A nil return means
// compression is disabled (off in config or encoder unavailable).
func NewCompressor(cfg config.CompressionConfig) *Compressor {
	if !cfg.Enabled {
		return nil
	}
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		slog.Warn("token encoder unavailable, history compression disabled", "error", err)
		return nil
	}
	return &Compressor{cfg: cfg, enc: enc}
}

// Compress returns msgs unchanged while under the threshold, otherwise the
// folded form. msgs[0] is assumed to be the system message.
func (c *Compressor) Compress(msgs []llm.Message) []llm.Message {
	if c == nil || len(msgs) < 4 {
		return msgs
	}
	if c.EstimateTokens(msgs) <= c.cfg.TokenThreshold {
		return msgs
	}

	window := c.cfg.SlidingWindowSize
	if window <= 0 {
		window = 40
	}

	// Fixed head: system prompt plus the thread root.
	head := 2
	if len(msgs) <= head+window {
		return msgs
	}

	// Widen the fold until the estimate fits the budget or only the window
	// remains.
	tailStart := len(msgs) - window
	for {
		folded := make([]llm.Message, 0, head+1+len(msgs)-tailStart)
		folded = append(folded, msgs[:head]...)
		folded = append(folded, llm.Message{
			Role:    "user",
			Content: fmt.Sprintf("[%d earlier messages omitted to fit the context window]", tailStart-head),
		})
		folded = append(folded, msgs[tailStart:]...)

		if c.EstimateTokens(folded) <= c.cfg.TokenBudget || tailStart >= len(msgs)-1 {
			slog.Debug("history compressed",
				"messages", len(msgs), "kept", len(folded), "window_start", tailStart)
			return folded
		}
		tailStart++
	}
}

// EstimateTokens counts tokens across all message contents, with a small
// per-message overhead for role framing.
func (c *Compressor) EstimateTokens(msgs []llm.Message) int {
	if c == nil {
		return 0
	}
	total := 0
	for _, m := range msgs {
		total += len(c.enc.Encode(m.Content, nil, nil)) + 4
	}
	return total
}
