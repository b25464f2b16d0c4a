// Package tokens estimates token counts for transcript budgeting.
package tokens

import (
	"sync"

	"github.com/m-mizutani/goerr/v2"
	"github.com/tiktoken-go/tokenizer"
)

// Counter counts tokens with a tiktoken codec. All supported providers are
// approximated with the cl100k encoding.
type Counter struct {
	codec tokenizer.Codec
}

var (
	shared     *Counter
	sharedErr  error
	sharedOnce sync.Once
)

// New creates a counter backed by the cl100k_base encoding
func New() (*Counter, error) {
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to load tokenizer codec")
	}
	return &Counter{codec: codec}, nil
}

// Shared returns a lazily created process-wide counter
func Shared() *Counter {
	sharedOnce.Do(func() {
		shared, sharedErr = New()
	})
	if sharedErr != nil {
		return &Counter{}
	}
	return shared
}

// Count returns the number of tokens in text. Without a codec it falls back
// to four characters per token.
func (c *Counter) Count(text string) int {
	if c == nil || c.codec == nil {
		return len(text) / 4
	}
	n, err := c.codec.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return n
}

// Truncate cuts text so that it fits in limit tokens and reports whether it
// was shortened.
func (c *Counter) Truncate(text string, limit int) (string, bool) {
	total := c.Count(text)
	if total <= limit {
		return text, false
	}
	if limit <= 0 {
		return "", true
	}

	chars := int(float64(len(text)) * float64(limit) / float64(total) * 0.9)
	if chars >= len(text) {
		return text, false
	}
	return text[:chars], true
}
