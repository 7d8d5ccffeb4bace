package web

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"
	"io/fs"
	"log/slog"
	"net/http"
	"time"

	"github.com/yuin/goldmark"

	"github.com/hpungsan/chatrelay/internal/errors"
	"github.com/hpungsan/chatrelay/internal/prompt"
)

// PageData contains common fields used across all page templates.
type PageData struct {
	Title   string
	Version string
}

// IndexPageData is the template data for the status page.
type IndexPageData struct {
	PageData
	Conversations  int
	TrackedClients int
	PromptTypes    []string
	Limiters       []LimiterRow
	Model          string
}

// LimiterRow describes one configured limiter.
type LimiterRow struct {
	Name     string
	Capacity int
	Window   time.Duration
}

// TranscriptPageData is the template data for a conversation transcript.
type TranscriptPageData struct {
	PageData
	ConversationID string
	Messages       []TranscriptMessage
	Summary        string
	Analysis       prompt.Analysis
}

// TranscriptMessage is one rendered message.
type TranscriptMessage struct {
	Role      string
	HTML      template.HTML
	Timestamp time.Time
}

// ErrorPageData is the template data for the error page.
type ErrorPageData struct {
	PageData
	StatusCode int
	Message    string
}

// Envelope is the JSON body of every API response.
type Envelope struct {
	Success bool           `json:"success"`
	Message string         `json:"message,omitempty"`
	Data    any            `json:"data,omitempty"`
	Error   *EnvelopeError `json:"error,omitempty"`
	Meta    map[string]any `json:"meta"`
}

// EnvelopeError is the error member of a failed API response.
type EnvelopeError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Renderer manages template parsing and rendering.
type Renderer struct {
	templates map[string]*template.Template
	version   string
}

// NewRenderer creates a Renderer by parsing templates from the given FS.
func NewRenderer(templateFS fs.FS, version string) *Renderer {
	funcMap := template.FuncMap{
		"formatTime": formatTime,
	}

	layoutTmpl := template.Must(template.New("layout").Funcs(funcMap).ParseFS(templateFS, "layout.html"))

	pages := map[string]string{
		"index":      "index.html",
		"transcript": "transcript.html",
		"error":      "error.html",
	}

	templates := make(map[string]*template.Template, len(pages))
	for name, file := range pages {
		t := template.Must(layoutTmpl.Clone())
		template.Must(t.ParseFS(templateFS, file))
		templates[name] = t
	}

	return &Renderer{
		templates: templates,
		version:   version,
	}
}

// renderPage renders a named page template with the given data and HTTP 200 status.
func (r *Renderer) renderPage(w http.ResponseWriter, name string, data any) {
	r.renderPageStatus(w, http.StatusOK, name, data)
}

// renderPageStatus renders a named page template with the given data and HTTP status code.
func (r *Renderer) renderPageStatus(w http.ResponseWriter, status int, name string, data any) {
	t, ok := r.templates[name]
	if !ok {
		slog.Error("template not found", slog.String("template", name))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, "layout", data); err != nil {
		slog.Error("template execution failed", slog.String("template", name), slog.String("error", err.Error()))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

// renderErrorPage renders an HTML error page for err.
func (r *Renderer) renderErrorPage(w http.ResponseWriter, err error) {
	rErr := toRelayError(err)
	message := rErr.Message
	if rErr.Code == errors.ErrInternal {
		message = "an internal error occurred"
	}
	r.renderPageStatus(w, rErr.Status, "error", ErrorPageData{
		PageData: PageData{
			Title:   fmt.Sprintf("Error %d", rErr.Status),
			Version: r.version,
		},
		StatusCode: rErr.Status,
		Message:    message,
	})
}

// toRelayError unwraps err into a RelayError, treating anything else as internal.
func toRelayError(err error) *errors.RelayError {
	if rErr, ok := errors.As(err); ok {
		return rErr
	}
	return errors.NewInternal(err)
}

// renderSuccess writes a success envelope.
func renderSuccess(w http.ResponseWriter, status int, now time.Time, message string, data any, meta map[string]any) {
	m := map[string]any{"timestamp": now.UTC().Format(time.RFC3339Nano)}
	for k, v := range meta {
		m[k] = v
	}
	renderJSON(w, status, Envelope{Success: true, Message: message, Data: data, Meta: m})
}

// renderAPIError writes an error envelope. Internal errors carry no details.
func renderAPIError(w http.ResponseWriter, now time.Time, err error) {
	rErr := toRelayError(err)
	body := &EnvelopeError{Code: string(rErr.Code), Message: rErr.Message, Details: rErr.Details}
	if rErr.Code == errors.ErrInternal {
		body.Message = "an internal error occurred"
		body.Details = nil
	}
	renderJSON(w, rErr.Status, Envelope{
		Success: false,
		Error:   body,
		Meta:    map[string]any{"timestamp": now.UTC().Format(time.RFC3339Nano)},
	})
}

// renderJSON writes a JSON response.
func renderJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// renderMarkdown converts markdown text to HTML using goldmark. Raw HTML in
// the source is not passed through.
func renderMarkdown(md string) template.HTML {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return template.HTML(template.HTMLEscapeString(md))
	}
	return template.HTML(buf.String())
}

// formatTime formats a time as "2006-01-02 15:04:05" UTC.
func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05")
}
