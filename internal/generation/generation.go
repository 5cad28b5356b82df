package generation

import (
	"context"
	"fmt"
	"net/http"
	"unicode/utf8"
)

// Client defines the capability to produce marketing copy for one product item.
type Client interface {
	// Generate returns the generated content for req. A non-success response from a
	// remote service is reported as *StatusError.
	//
	// Implementations must return promptly once ctx is done. A call that outlives its
	// context keeps occupying one of the job's batch slots until it returns.
	Generate(ctx context.Context, req Request) (Result, error)
}

// Request carries one item's input plus the caller's forwarded credentials.
type Request struct {
	ItemID      string
	Name        string
	Features    string
	Platform    string
	Sections    []string
	Credentials http.Header
}

// Result is the generated content for one item.
type Result struct {
	Content string
	Model   string
}

// StatusError is returned when the generation service answered with a non-success status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("generation service returned %d: %s", e.StatusCode, e.Body)
}

const ellipsis = "..."

// Truncate shortens s to at most n bytes, ending in "..." when cut.
// The cut never splits a UTF-8 sequence.
func Truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n <= len(ellipsis) {
		for n > 0 && !utf8.RuneStart(s[n]) {
			n--
		}
		return s[:n]
	}
	cut := n - len(ellipsis)
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + ellipsis
}
