package tokens

import (
	"log"

	"github.com/pkoukk/tiktoken-go"
)

// Counter counts tokens for budget checks.
type Counter interface {
	Count(text string) int
}

// TiktokenCounter counts with a tiktoken encoding, falling back to a
// deterministic character-based estimate when the encoding is unavailable so
// the engine never blocks on fetching encoding data.
type TiktokenCounter struct {
	encoding *tiktoken.Tiktoken
}

// NewCounter builds a counter for the named encoding.
func NewCounter(encodingName string) *TiktokenCounter {
	enc, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		log.Printf("tiktoken encoding %q unavailable, using estimator: %v", encodingName, err)
		return &TiktokenCounter{}
	}
	return &TiktokenCounter{encoding: enc}
}

// Count returns the token count for text.
func (c *TiktokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	if c.encoding != nil {
		return len(c.encoding.Encode(text, nil, nil))
	}
	return estimate(text)
}

// estimate approximates one token per four characters, rounding up.
func estimate(text string) int {
	return (len(text) + 3) / 4
}
