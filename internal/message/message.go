// Package message cleans and validates user-supplied chat text before it
// reaches the session store or the upstream model.
package message

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// DefaultMaxLength is the longest accepted message, in characters.
const DefaultMaxLength = 4000

var (
	scriptRegex     = regexp.MustCompile(`(?is)<script\b[^>]*>.*?</script\s*>`)
	whitespaceRegex = regexp.MustCompile(`\s+`)
	blankLinesRegex = regexp.MustCompile(`\n{3,}`)
	urlRegex        = regexp.MustCompile(`(?i)https?://`)
	spamWordRegex   = regexp.MustCompile(`(?i)\b(buy|sell|click here|subscribe|winner)\b`)
)

var htmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&#x27;",
	"/", "&#x2F;",
	`\`, "&#x5C;",
	"`", "&#96;",
)

// Clean prepares text for the model: trims it, drops null bytes and
// <script> blocks, normalizes line endings and collapses runs of blank
// lines. Inner whitespace and line structure are otherwise kept.
func Clean(s string) string {
	s = strings.ReplaceAll(s, "\x00", "")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = scriptRegex.ReplaceAllString(s, "")
	s = blankLinesRegex.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// Sanitize produces a display-safe single-line form: HTML-escaped, with
// null bytes and the characters <>{} removed and whitespace collapsed.
func Sanitize(s string) string {
	s = strings.TrimSpace(s)
	s = scriptRegex.ReplaceAllString(s, "")
	s = htmlEscaper.Replace(s)
	s = strings.ReplaceAll(s, "\x00", "")
	s = strings.Map(func(r rune) rune {
		switch r {
		case '<', '>', '{', '}':
			return -1
		}
		return r
	}, s)
	s = whitespaceRegex.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// Options bounds message length.
type Options struct {
	MinLength  int
	MaxLength  int
	AllowEmpty bool
}

// Validate returns every rule the message violates; nil means valid.
// Lengths are counted in runes.
func Validate(s string, opts Options) []string {
	if opts.MinLength <= 0 {
		opts.MinLength = 1
	}
	if opts.MaxLength <= 0 {
		opts.MaxLength = DefaultMaxLength
	}

	var problems []string
	n := utf8.RuneCountInString(s)

	if !opts.AllowEmpty && n == 0 {
		problems = append(problems, "Message cannot be empty")
	}
	if n > 0 && n < opts.MinLength {
		problems = append(problems, fmt.Sprintf("Message must be at least %d characters", opts.MinLength))
	}
	if n > opts.MaxLength {
		problems = append(problems, fmt.Sprintf("Message cannot exceed %d characters", opts.MaxLength))
	}
	return problems
}

// IsSpam flags messages with a run of 11 or more identical characters, more
// than three URLs, or more than five promotional keywords.
func IsSpam(s string) bool {
	if longestRun(s) > 10 {
		return true
	}
	if len(urlRegex.FindAllStringIndex(s, -1)) > 3 {
		return true
	}
	return len(spamWordRegex.FindAllStringIndex(s, -1)) > 5
}

// longestRun returns the length of the longest run of one repeated rune,
// ignoring case.
func longestRun(s string) int {
	best, run := 0, 0
	var prev rune = -1
	for _, r := range strings.ToLower(s) {
		if r == prev {
			run++
		} else {
			prev, run = r, 1
		}
		if run > best {
			best = run
		}
	}
	return best
}
