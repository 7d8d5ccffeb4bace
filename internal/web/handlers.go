package web

import (
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/hpungsan/chatrelay/internal/config"
	"github.com/hpungsan/chatrelay/internal/errors"
	"github.com/hpungsan/chatrelay/internal/prompt"
	"github.com/hpungsan/chatrelay/internal/ratelimit"
	"github.com/hpungsan/chatrelay/internal/relay"
	"github.com/hpungsan/chatrelay/internal/session"
)

// summaryChars caps the transcript page summary.
const summaryChars = 500

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	svc      *relay.Service
	cfg      *config.Config
	proxies  []netip.Prefix
	renderer *Renderer
	logger   *slog.Logger
	now      func() time.Time
}

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	Message         string `json:"message"`
	ConversationID  string `json:"conversation_id,omitempty"`
	PromptType      string `json:"prompt_type,omitempty"`
	NewConversation bool   `json:"new_conversation,omitempty"`
}

// ChatData is the data member of a chat response.
type ChatData struct {
	*relay.ChatOutput
	ResponseHTML string `json:"response_html"`
}

// AppendRequest is the body of POST /api/conversations/{id}/messages.
type AppendRequest struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// HealthData is the data member of a health response.
type HealthData struct {
	Status  string      `json:"status"`
	Version string      `json:"version"`
	Stats   relay.Stats `json:"stats"`
}

// clientIdentity returns the limiter key for r: the socket peer's address.
// X-Forwarded-For is consulted only when the peer is a trusted proxy, and
// then the rightmost hop that is not itself a trusted proxy wins. Hops to the
// left of that one were written by the client and are ignored.
func clientIdentity(r *http.Request, trusted []netip.Prefix) string {
	peer, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		peer = r.RemoteAddr
	}
	if !isTrusted(peer, trusted) {
		return peer
	}

	var hops []string
	for _, v := range r.Header.Values("X-Forwarded-For") {
		for hop := range strings.SplitSeq(v, ",") {
			hops = append(hops, strings.TrimSpace(hop))
		}
	}
	for i := len(hops) - 1; i >= 0; i-- {
		if isTrusted(hops[i], trusted) {
			continue
		}
		if _, err := netip.ParseAddr(hops[i]); err != nil {
			// Malformed hop inside the trusted chain.
			return peer
		}
		return hops[i]
	}
	if len(hops) > 0 && hops[0] != "" {
		return hops[0]
	}
	return peer
}

// isTrusted reports whether host parses as an address inside one of trusted.
func isTrusted(host string, trusted []netip.Prefix) bool {
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// setRateLimitHeaders writes the RateLimit-* headers, plus Retry-After when
// the decision is a rejection.
func (h *Handlers) setRateLimitHeaders(w http.ResponseWriter, d ratelimit.Decision) {
	reset := int(d.ResetAt.Sub(h.now()).Seconds() + 0.999)
	if reset < 0 {
		reset = 0
	}
	w.Header().Set("RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("RateLimit-Remaining", strconv.Itoa(d.Remaining))
	w.Header().Set("RateLimit-Reset", strconv.Itoa(reset))
	if !d.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(d.RetryAfterSeconds))
	}
}

// decodeBody decodes a JSON request body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.NewInvalidRequest(fmt.Sprintf("invalid request body: %v", err))
	}
	return nil
}

// HandleHealth handles GET /api/health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	d, err := h.svc.Admit(ratelimit.Health, clientIdentity(r, h.proxies))
	if err != nil {
		renderAPIError(w, h.now(), err)
		return
	}
	h.setRateLimitHeaders(w, d)
	if !d.Allowed {
		renderAPIError(w, h.now(), errors.NewRateLimited(ratelimit.Health, d.RetryAfterSeconds))
		return
	}
	renderSuccess(w, http.StatusOK, h.now(), "AI Chat API is running", HealthData{
		Status:  "ok",
		Version: h.renderer.version,
		Stats:   h.svc.Stats(),
	}, nil)
}

// HandleChat handles POST /api/chat.
func (h *Handlers) HandleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := decodeBody(w, r, &req); err != nil {
		renderAPIError(w, h.now(), err)
		return
	}

	identity := clientIdentity(r, h.proxies)
	out, err := h.svc.Chat(r.Context(), relay.ChatInput{
		ClientID:        identity,
		ConversationID:  req.ConversationID,
		Message:         req.Message,
		PromptType:      req.PromptType,
		NewConversation: req.NewConversation,
	})
	if err != nil {
		if errors.Is(err, errors.ErrRateLimited) {
			if d, sErr := h.svc.LimiterStatus(ratelimit.Chat, identity); sErr == nil {
				h.setRateLimitHeaders(w, d)
			}
		}
		renderAPIError(w, h.now(), err)
		return
	}

	h.setRateLimitHeaders(w, out.Admission)
	renderSuccess(w, http.StatusOK, h.now(), "", ChatData{
		ChatOutput:   out,
		ResponseHTML: string(renderMarkdown(out.Response)),
	}, map[string]any{"prompt_type": h.promptType(req.PromptType)})
}

// promptType reports the prompt type a request actually used.
func (h *Handlers) promptType(requested string) string {
	if h.svc.Prompts().Has(requested) {
		return requested
	}
	return prompt.Default
}

// HandleCreateConversation handles POST /api/conversations.
func (h *Handlers) HandleCreateConversation(w http.ResponseWriter, r *http.Request) {
	info := h.svc.CreateConversation()
	w.Header().Set("Location", "/api/conversations/"+info.ID)
	renderSuccess(w, http.StatusCreated, h.now(), "Conversation created", info, nil)
}

// HandleConversationInfo handles GET /api/conversations/{id}.
func (h *Handlers) HandleConversationInfo(w http.ResponseWriter, r *http.Request) {
	info, err := h.svc.Info(r.PathValue("id"))
	if err != nil {
		renderAPIError(w, h.now(), err)
		return
	}
	renderSuccess(w, http.StatusOK, h.now(), "", info, nil)
}

// HandleConversationHistory handles GET /api/conversations/{id}/history.
func (h *Handlers) HandleConversationHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			renderAPIError(w, h.now(), errors.NewInvalidRequest("limit must be a non-negative integer"))
			return
		}
		limit = n
	}
	out, err := h.svc.History(r.PathValue("id"), limit)
	if err != nil {
		renderAPIError(w, h.now(), err)
		return
	}
	renderSuccess(w, http.StatusOK, h.now(), "", out, nil)
}

// HandleAppendMessage handles POST /api/conversations/{id}/messages.
func (h *Handlers) HandleAppendMessage(w http.ResponseWriter, r *http.Request) {
	var req AppendRequest
	if err := decodeBody(w, r, &req); err != nil {
		renderAPIError(w, h.now(), err)
		return
	}
	msg, err := h.svc.AppendMessage(r.PathValue("id"), req.Role, req.Content)
	if err != nil {
		renderAPIError(w, h.now(), err)
		return
	}
	renderSuccess(w, http.StatusCreated, h.now(), "Message appended", msg, nil)
}

// HandleEndConversation handles DELETE /api/conversations/{id}.
func (h *Handlers) HandleEndConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.svc.EndConversation(id); err != nil {
		renderAPIError(w, h.now(), err)
		return
	}
	renderSuccess(w, http.StatusOK, h.now(), "Conversation ended", map[string]any{"conversation_id": id}, nil)
}

// HandleIndex handles GET / (status page).
func (h *Handlers) HandleIndex(w http.ResponseWriter, r *http.Request) {
	stats := h.svc.Stats()

	names := make([]string, 0, len(h.cfg.Limiters))
	for name := range h.cfg.Limiters {
		names = append(names, name)
	}
	slices.Sort(names)
	rows := make([]LimiterRow, 0, len(names))
	for _, name := range names {
		lc := h.cfg.Limiters[name]
		rows = append(rows, LimiterRow{
			Name:     name,
			Capacity: lc.Capacity,
			Window:   time.Duration(lc.WindowMs) * time.Millisecond,
		})
	}

	h.renderer.renderPage(w, "index", IndexPageData{
		PageData: PageData{
			Title:   "chatrelay",
			Version: h.renderer.version,
		},
		Conversations:  stats.Conversations,
		TrackedClients: stats.TrackedClients,
		PromptTypes:    h.svc.Prompts().Types(),
		Limiters:       rows,
		Model:          h.cfg.Upstream.Model,
	})
}

// HandleTranscript handles GET /conversations/{id}.
func (h *Handlers) HandleTranscript(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	msgs, err := h.svc.Transcript(id)
	if err != nil {
		h.renderer.renderErrorPage(w, err)
		return
	}

	rendered := make([]TranscriptMessage, len(msgs))
	turns := make([]session.Turn, len(msgs))
	for i, m := range msgs {
		var body template.HTML
		if m.Role == session.RoleAssistant {
			body = renderMarkdown(m.Content)
		} else {
			body = template.HTML("<p>" + template.HTMLEscapeString(m.Content) + "</p>")
		}
		rendered[i] = TranscriptMessage{Role: m.Role, HTML: body, Timestamp: m.Timestamp}
		turns[i] = session.Turn{Role: m.Role, Content: m.Content}
	}

	h.renderer.renderPage(w, "transcript", TranscriptPageData{
		PageData: PageData{
			Title:   "Conversation " + id,
			Version: h.renderer.version,
		},
		ConversationID: id,
		Messages:       rendered,
		Summary:        prompt.Summarize(turns, summaryChars),
		Analysis:       prompt.Analyze(turns),
	})
}
