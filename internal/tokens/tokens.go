// Package tokens estimates prompt and completion sizes for message telemetry.
//
// The cl100k_base BPE ranks are fetched (or read from the tiktoken cache
// directory) in the background on first use. Until they are available, and
// when they never become available, a word/character heuristic is used so
// callers never block on a network download.
package tokens

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

const encodingName = "cl100k_base"

// Counter counts tokens with tiktoken when loaded, else estimates.
type Counter struct {
	once sync.Once
	mu   sync.RWMutex
	enc  *tiktoken.Tiktoken
	done chan struct{}
}

// NewCounter returns a Counter; the encoder loads lazily on first Count.
func NewCounter() *Counter {
	return &Counter{done: make(chan struct{})}
}

// Preload starts loading the encoder without waiting for it.
func (c *Counter) Preload() {
	c.once.Do(func() { go c.load() })
}

func (c *Counter) load() {
	defer close(c.done)
	enc, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		return
	}
	c.mu.Lock()
	c.enc = enc
	c.mu.Unlock()
}

// Loaded returns a channel closed once loading finished, successful or not.
func (c *Counter) Loaded() <-chan struct{} {
	c.Preload()
	return c.done
}

// Exact reports whether counts currently come from the BPE encoder.
func (c *Counter) Exact() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.enc != nil
}

// Count returns the number of tokens in text.
func (c *Counter) Count(text string) int {
	c.Preload()
	c.mu.RLock()
	enc := c.enc
	c.mu.RUnlock()
	if enc == nil {
		return Estimate(text)
	}
	return len(enc.EncodeOrdinary(text))
}

// Estimate approximates a token count from word and byte lengths, taking
// whichever is larger.
func Estimate(text string) int {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0
	}
	wordBased := (len(strings.Fields(text))*4 + 2) / 3
	charBased := len(text) / 4
	if wordBased > charBased {
		return wordBased
	}
	return charBased
}
