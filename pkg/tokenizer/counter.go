// Package tokenizer counts prompt tokens for pre-call cost estimation.
package tokenizer

import (
	"fmt"
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// encodingForModel maps OpenAI model names to tiktoken encodings.
var encodingForModel = map[string]tokenizer.Encoding{
	"gpt-4o":        tokenizer.O200kBase,
	"gpt-4o-mini":   tokenizer.O200kBase,
	"o1":            tokenizer.O200kBase,
	"o3-mini":       tokenizer.O200kBase,
	"gpt-4-turbo":   tokenizer.Cl100kBase,
	"gpt-4":         tokenizer.Cl100kBase,
	"gpt-3.5-turbo": tokenizer.Cl100kBase,
}

var (
	codecsMu sync.Mutex
	codecs   = map[tokenizer.Encoding]tokenizer.Codec{}
)

// CountTokens returns the token count for text on the given provider and model.
// OpenAI models use their own encoding. Other vendors do not publish a tokenizer, so
// cl100k_base is used as an approximation, with a character estimate as a last resort.
func CountTokens(text, provider, model string) (int64, error) {
	if strings.TrimSpace(text) == "" {
		return 0, nil
	}

	enc := tokenizer.Cl100kBase
	if provider == "openai" {
		if e, ok := encodingForModel[model]; ok {
			enc = e
		}
	}

	codec, err := codecFor(enc)
	if err != nil {
		if provider == "openai" {
			return 0, err
		}
		return estimateTokens(text), nil
	}

	ids, _, err := codec.Encode(text)
	if err != nil {
		return 0, fmt.Errorf("encode text: %w", err)
	}
	return int64(len(ids)), nil
}

func codecFor(enc tokenizer.Encoding) (tokenizer.Codec, error) {
	codecsMu.Lock()
	defer codecsMu.Unlock()

	if c, ok := codecs[enc]; ok {
		return c, nil
	}
	c, err := tokenizer.Get(enc)
	if err != nil {
		return nil, fmt.Errorf("load encoding %s: %w", enc, err)
	}
	codecs[enc] = c
	return c, nil
}

// estimateTokens assumes 4 characters per token on average.
func estimateTokens(text string) int64 {
	text = strings.TrimSpace(text)
	if len(text) == 0 {
		return 0
	}
	return int64((len(text) + 3) / 4)
}

// CountPromptTokens counts a system prompt plus user messages, adding the per-message
// overhead chat APIs charge for role framing.
func CountPromptTokens(system string, messages []string, provider, model string) (int64, error) {
	var total int64
	if system != "" {
		n, err := CountTokens(system, provider, model)
		if err != nil {
			return 0, err
		}
		total += n + 4
	}
	for _, msg := range messages {
		n, err := CountTokens(msg, provider, model)
		if err != nil {
			return 0, err
		}
		total += n + 4 // role, formatting
	}
	total += 2 // assistant reply priming
	return total, nil
}
