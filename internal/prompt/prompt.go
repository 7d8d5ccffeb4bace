// Package prompt selects system prompts and assembles the message list sent
// to the upstream model.
//
// A Catalog starts with four built-in prompt types and may be extended or
// overridden from a YAML file of the form:
//
//	prompts:
//	  technical: You are a senior Go reviewer.
//	  pirate: Answer like a pirate.
package prompt

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	"github.com/hpungsan/chatrelay/internal/session"
)

// RoleSystem is the role of the leading system prompt.
const RoleSystem = "system"

// Built-in prompt types.
const (
	Default   = "default"
	Technical = "technical"
	Creative  = "creative"
	Casual    = "casual"
)

// summaryMessages and summaryPerMessage bound Summarize's output.
const (
	summaryMessages   = 5
	summaryPerMessage = 100
)

var builtins = map[string]string{
	Default:   "You are a helpful, professional AI assistant. Provide clear, concise, and accurate responses.",
	Technical: "You are an expert technical assistant specializing in programming, software development, and technology. Provide detailed, accurate technical guidance.",
	Creative:  "You are a creative assistant helping with writing, brainstorming, and creative projects. Be imaginative and supportive.",
	Casual:    "You are a friendly, conversational AI assistant. Keep responses natural and engaging while being helpful.",
}

// Catalog maps prompt types to system prompts. It is read-only after
// construction and safe for concurrent use.
type Catalog struct {
	prompts map[string]string
}

// NewCatalog returns a catalog holding only the built-in prompts.
func NewCatalog() *Catalog {
	c := &Catalog{prompts: make(map[string]string, len(builtins))}
	for k, v := range builtins {
		c.prompts[k] = v
	}
	return c
}

type catalogFile struct {
	Prompts map[string]string `yaml:"prompts"`
}

// LoadFile returns the built-in catalog overlaid with the prompts in path.
// An empty path yields the built-ins.
func LoadFile(path string) (*Catalog, error) {
	c := NewCatalog()
	if path == "" {
		return c, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading prompts file: %w", err)
	}

	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing prompts file %s: %w", path, err)
	}

	for name, text := range f.Prompts {
		name = strings.TrimSpace(name)
		text = strings.TrimSpace(text)
		if name == "" || text == "" {
			return nil, fmt.Errorf("parsing prompts file %s: empty prompt name or text", path)
		}
		c.prompts[name] = text
	}
	return c, nil
}

// System returns the prompt for typ, falling back to the default prompt for
// unknown or empty types.
func (c *Catalog) System(typ string) string {
	if p, ok := c.prompts[typ]; ok {
		return p
	}
	return c.prompts[Default]
}

// Has reports whether typ is a known prompt type.
func (c *Catalog) Has(typ string) bool {
	_, ok := c.prompts[typ]
	return ok
}

// Types returns the known prompt types, sorted.
func (c *Catalog) Types() []string {
	names := make([]string, 0, len(c.prompts))
	for k := range c.prompts {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// BuildMessages returns the system prompt for typ, then history, then the
// new user message.
func (c *Catalog) BuildMessages(user string, history []session.Turn, typ string) []session.Turn {
	msgs := make([]session.Turn, 0, len(history)+2)
	msgs = append(msgs, session.Turn{Role: RoleSystem, Content: c.System(typ)})
	msgs = append(msgs, history...)
	msgs = append(msgs, session.Turn{Role: session.RoleUser, Content: user})
	return msgs
}

// EstimateTokens approximates token count at four characters per token,
// rounded up.
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + 3) / 4
}

// Analysis summarizes a message list.
type Analysis struct {
	UserMessages      int `json:"user_messages"`
	AssistantMessages int `json:"assistant_messages"`
	TotalMessages     int `json:"total_messages"`
	EstimatedTokens   int `json:"estimated_tokens"`
}

// Analyze counts messages by role and estimates total tokens.
func Analyze(msgs []session.Turn) Analysis {
	a := Analysis{TotalMessages: len(msgs)}
	for _, m := range msgs {
		switch m.Role {
		case session.RoleUser:
			a.UserMessages++
		case session.RoleAssistant:
			a.AssistantMessages++
		}
		a.EstimatedTokens += EstimateTokens(m.Content)
	}
	return a
}

// Summarize renders the last five messages as "role: content" lines, each
// content cut to 100 characters, and the whole cut to maxLen characters.
func Summarize(msgs []session.Turn, maxLen int) string {
	if len(msgs) == 0 {
		return ""
	}
	if len(msgs) > summaryMessages {
		msgs = msgs[len(msgs)-summaryMessages:]
	}

	lines := make([]string, len(msgs))
	for i, m := range msgs {
		lines[i] = m.Role + ": " + truncate(m.Content, summaryPerMessage)
	}
	return truncate(strings.Join(lines, "\n"), maxLen)
}

func truncate(s string, n int) string {
	if n < 0 {
		n = 0
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
