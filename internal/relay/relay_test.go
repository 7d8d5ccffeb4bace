package relay

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hpungsan/chatrelay/internal/clock"
	"github.com/hpungsan/chatrelay/internal/errors"
	"github.com/hpungsan/chatrelay/internal/prompt"
	"github.com/hpungsan/chatrelay/internal/ratelimit"
	"github.com/hpungsan/chatrelay/internal/session"
	"github.com/hpungsan/chatrelay/internal/upstream"
)

type fakeProvider struct {
	mu    sync.Mutex
	calls []upstream.Request
	reply string
	err   error
	echo  bool

	// When gate is set, each call signals arrived and then blocks until
	// gate is closed.
	gate    chan struct{}
	arrived chan struct{}
}

func (p *fakeProvider) Complete(_ context.Context, req upstream.Request) (*upstream.Response, error) {
	if p.gate != nil {
		p.arrived <- struct{}{}
		<-p.gate
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, req)
	if p.err != nil {
		return nil, p.err
	}
	reply := p.reply
	switch {
	case p.echo:
		reply = "re:" + req.Messages[len(req.Messages)-1].Content
	case reply == "":
		reply = fmt.Sprintf("reply %d", len(p.calls))
	}
	return &upstream.Response{
		Content: reply,
		Model:   "test-model",
		Usage:   upstream.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}, nil
}

func (p *fakeProvider) lastRequest() upstream.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[len(p.calls)-1]
}

type recorded struct {
	kind    string
	message string
	status  int
	details map[string]any
}

type fakeRecorder struct {
	mu      sync.Mutex
	entries []recorded
}

func (r *fakeRecorder) Record(_ context.Context, kind, message string, status int, details map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, recorded{kind, message, status, details})
	return nil
}

type fixture struct {
	svc      *Service
	provider *fakeProvider
	errlog   *fakeRecorder
	clock    *clock.Manual
	sessions *session.Store
}

func newFixture(t *testing.T, chatCapacity int) *fixture {
	t.Helper()
	clk := clock.NewManual(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))

	cfgs := ratelimit.DefaultConfigs()
	cfgs[ratelimit.Chat] = ratelimit.Config{Capacity: chatCapacity, Window: time.Minute}
	limiters, err := ratelimit.NewSet(cfgs, clk)
	require.NoError(t, err)

	sessions, err := session.New(session.Config{MaxHistory: 6, IdleTimeout: 30 * time.Minute, SweepInterval: time.Minute}, clk)
	require.NoError(t, err)

	f := &fixture{
		provider: &fakeProvider{},
		errlog:   &fakeRecorder{},
		clock:    clk,
		sessions: sessions,
	}
	temp := 0.7
	f.svc, err = New(Deps{
		Limiters: limiters,
		Sessions: sessions,
		Provider: f.provider,
		ErrorLog: f.errlog,
		Clock:    clk,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, Options{HistoryLimit: 4, Model: "gpt-test", MaxTokens: 500, Temperature: &temp})
	require.NoError(t, err)
	return f
}

func requireCode(t *testing.T, err error, code errors.ErrorCode) {
	t.Helper()
	require.Error(t, err)
	require.True(t, errors.Is(err, code), "got %v, want %s", err, code)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Deps{}, Options{})
	requireCode(t, err, errors.ErrInternal)
}

func TestChat_Stateless(t *testing.T) {
	f := newFixture(t, 20)

	out, err := f.svc.Chat(context.Background(), ChatInput{ClientID: "1.2.3.4", Message: "  hello  "})
	require.NoError(t, err)
	require.Equal(t, "reply 1", out.Response)
	require.Empty(t, out.ConversationID)
	require.Nil(t, out.Analysis)
	require.Equal(t, "test-model", out.Model)
	require.Equal(t, 15, out.Usage.TotalTokens)
	require.True(t, out.Admission.Allowed)
	require.Equal(t, 19, out.Admission.Remaining)
	require.Equal(t, 0, f.sessions.Len())

	req := f.provider.lastRequest()
	require.Equal(t, "gpt-test", req.Model)
	require.Equal(t, 500, req.MaxTokens)
	require.Len(t, req.Messages, 2)
	require.Equal(t, prompt.RoleSystem, req.Messages[0].Role)
	require.Equal(t, session.Turn{Role: session.RoleUser, Content: "hello"}, req.Messages[1])
}

func TestChat_NewConversationThenContinue(t *testing.T) {
	f := newFixture(t, 20)
	ctx := context.Background()

	first, err := f.svc.Chat(ctx, ChatInput{ClientID: "c", Message: "first", NewConversation: true, PromptType: prompt.Technical})
	require.NoError(t, err)
	require.NotEmpty(t, first.ConversationID)
	require.NotNil(t, first.Analysis)
	require.Equal(t, 1, first.Analysis.UserMessages)
	require.Equal(t, 1, first.Analysis.AssistantMessages)
	require.Equal(t, prompt.NewCatalog().System(prompt.Technical), f.provider.lastRequest().Messages[0].Content)

	second, err := f.svc.Chat(ctx, ChatInput{ClientID: "c", ConversationID: first.ConversationID, Message: "second"})
	require.NoError(t, err)
	require.Equal(t, first.ConversationID, second.ConversationID)

	req := f.provider.lastRequest()
	require.Equal(t, []session.Turn{
		{Role: prompt.RoleSystem, Content: prompt.NewCatalog().System(prompt.Default)},
		{Role: session.RoleUser, Content: "first"},
		{Role: session.RoleAssistant, Content: "reply 1"},
		{Role: session.RoleUser, Content: "second"},
	}, req.Messages)

	info, err := f.svc.Info(first.ConversationID)
	require.NoError(t, err)
	require.Equal(t, 4, info.MessageCount)
}

func TestChat_HistoryLimitBoundsContext(t *testing.T) {
	f := newFixture(t, 20)
	ctx := context.Background()

	out, err := f.svc.Chat(ctx, ChatInput{ClientID: "c", Message: "m0", NewConversation: true})
	require.NoError(t, err)
	for i := 1; i < 4; i++ {
		_, err := f.svc.Chat(ctx, ChatInput{ClientID: "c", ConversationID: out.ConversationID, Message: fmt.Sprintf("m%d", i)})
		require.NoError(t, err)
	}

	// system + HistoryLimit (4) + new user message
	require.Len(t, f.provider.lastRequest().Messages, 6)

	// Store keeps MaxHistory (6) messages.
	info, err := f.svc.Info(out.ConversationID)
	require.NoError(t, err)
	require.Equal(t, 6, info.MessageCount)
}

func TestChat_RateLimited(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := f.svc.Chat(ctx, ChatInput{ClientID: "c", Message: "hi"})
		require.NoError(t, err)
	}

	_, err := f.svc.Chat(ctx, ChatInput{ClientID: "c", Message: "hi"})
	requireCode(t, err, errors.ErrRateLimited)
	rerr := err.(*errors.RelayError)
	require.Equal(t, 429, rerr.Status)
	require.Equal(t, 60, rerr.Details["retry_after"])
	require.Len(t, f.provider.calls, 2)

	// Other identities are unaffected.
	_, err = f.svc.Chat(ctx, ChatInput{ClientID: "other", Message: "hi"})
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	_, err = f.svc.Chat(ctx, ChatInput{ClientID: "c", Message: "hi"})
	require.NoError(t, err)
}

func TestChat_AdmissionBeforeValidation(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	_, err := f.svc.Chat(ctx, ChatInput{ClientID: "c", Message: ""})
	requireCode(t, err, errors.ErrInvalidRequest)

	// The invalid request still spent the unit.
	_, err = f.svc.Chat(ctx, ChatInput{ClientID: "c", Message: "ok"})
	requireCode(t, err, errors.ErrRateLimited)
}

func TestChat_ValidationErrors(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()

	tests := []struct {
		name  string
		input ChatInput
		code  errors.ErrorCode
	}{
		{name: "empty", input: ChatInput{Message: "   "}, code: errors.ErrInvalidRequest},
		{name: "too long", input: ChatInput{Message: strings.Repeat("ab", 2001)}, code: errors.ErrInvalidRequest},
		{name: "spam", input: ChatInput{Message: "heyyyyyyyyyyyyyyy"}, code: errors.ErrInvalidRequest},
		{name: "bad id", input: ChatInput{Message: "hi", ConversationID: "not-a-uuid"}, code: errors.ErrInvalidRequest},
		{name: "unknown id", input: ChatInput{Message: "hi", ConversationID: "3f1c2d4e-5a6b-4c7d-8e9f-0a1b2c3d4e5f"}, code: errors.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.input.ClientID = "c"
			_, err := f.svc.Chat(ctx, tt.input)
			requireCode(t, err, tt.code)
		})
	}
	require.Empty(t, f.provider.calls)
}

func TestChat_UpstreamFailureLeavesStoresUntouched(t *testing.T) {
	f := newFixture(t, 20)
	ctx := context.Background()

	out, err := f.svc.Chat(ctx, ChatInput{ClientID: "c", Message: "hi", NewConversation: true})
	require.NoError(t, err)

	f.provider.err = &upstream.StatusError{StatusCode: 429, Message: "slow down"}
	_, err = f.svc.Chat(ctx, ChatInput{ClientID: "c", ConversationID: out.ConversationID, Message: strings.Repeat("abc ", 40)})
	requireCode(t, err, errors.ErrUpstreamRateLimit)
	require.Equal(t, 503, err.(*errors.RelayError).Status)

	info, err := f.svc.Info(out.ConversationID)
	require.NoError(t, err)
	require.Equal(t, 2, info.MessageCount)

	// A failed request for a new conversation creates nothing.
	_, err = f.svc.Chat(ctx, ChatInput{ClientID: "c", Message: "hi", NewConversation: true})
	require.Error(t, err)
	require.Equal(t, 1, f.sessions.Len())

	require.Len(t, f.errlog.entries, 2)
	e := f.errlog.entries[0]
	require.Equal(t, string(errors.ErrUpstreamRateLimit), e.kind)
	require.Equal(t, 429, e.status)
	require.Equal(t, strings.Repeat("abc ", 25), e.details["user_message"])
	require.Equal(t, "openai", e.details["service"])
}

func TestChat_UpstreamStatusMapping(t *testing.T) {
	tests := []struct {
		err  error
		code errors.ErrorCode
	}{
		{err: &upstream.StatusError{StatusCode: 401}, code: errors.ErrUpstreamAuth},
		{err: &upstream.StatusError{StatusCode: 500}, code: errors.ErrUpstreamUnavailable},
		{err: &upstream.StatusError{StatusCode: 400}, code: errors.ErrUpstream},
		{err: fmt.Errorf("dial tcp: connection refused"), code: errors.ErrUpstream},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			f := newFixture(t, 20)
			f.provider.err = tt.err
			_, err := f.svc.Chat(context.Background(), ChatInput{ClientID: "c", Message: "hi"})
			requireCode(t, err, tt.code)
		})
	}
}

func TestAdmit_UnknownLimiter(t *testing.T) {
	f := newFixture(t, 20)

	_, err := f.svc.Admit("nope", "c")
	requireCode(t, err, errors.ErrInternal)

	_, err = f.svc.LimiterStatus("nope", "c")
	requireCode(t, err, errors.ErrInternal)
}

func TestAdmit_HealthLimiter(t *testing.T) {
	f := newFixture(t, 20)

	d, err := f.svc.Admit(ratelimit.Health, "c")
	require.NoError(t, err)
	require.True(t, d.Allowed)
	require.Equal(t, 99, d.Remaining)

	s, err := f.svc.LimiterStatus(ratelimit.Health, "c")
	require.NoError(t, err)
	require.Equal(t, 99, s.Remaining)
}

func TestConversationLifecycle(t *testing.T) {
	f := newFixture(t, 20)

	info := f.svc.CreateConversation()
	require.NotEmpty(t, info.ID)
	require.Equal(t, 0, info.MessageCount)

	msg, err := f.svc.AppendMessage(info.ID, session.RoleUser, "  note  ")
	require.NoError(t, err)
	require.Equal(t, "note", msg.Content)

	_, err = f.svc.AppendMessage(info.ID, "system", "x")
	requireCode(t, err, errors.ErrInvalidRequest)

	h, err := f.svc.History(info.ID, 0)
	require.NoError(t, err)
	require.Equal(t, 1, h.Count)
	require.Equal(t, "note", h.Messages[0].Content)

	require.NoError(t, f.svc.EndConversation(info.ID))
	requireCode(t, f.svc.EndConversation(info.ID), errors.ErrNotFound)

	_, err = f.svc.Info(info.ID)
	requireCode(t, err, errors.ErrNotFound)

	_, err = f.svc.AppendMessage(info.ID, session.RoleUser, "late")
	requireCode(t, err, errors.ErrNotFound)

	h, err = f.svc.History(info.ID, 5)
	require.NoError(t, err)
	require.Equal(t, 0, h.Count)
	require.NotNil(t, h.Messages)
}

func TestConversation_InvalidIDs(t *testing.T) {
	f := newFixture(t, 20)

	_, err := f.svc.History("", 1)
	requireCode(t, err, errors.ErrInvalidRequest)
	_, err = f.svc.Info("abc")
	requireCode(t, err, errors.ErrInvalidRequest)
	requireCode(t, f.svc.EndConversation("abc"), errors.ErrInvalidRequest)
}

func TestChat_ConcurrentSameConversation(t *testing.T) {
	f := newFixture(t, 1000)
	ctx := context.Background()

	out, err := f.svc.Chat(ctx, ChatInput{ClientID: "c", Message: "start", NewConversation: true})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.Chat(ctx, ChatInput{ClientID: "c", ConversationID: out.ConversationID, Message: fmt.Sprintf("msg %d", i)})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	msgs, ok := f.sessions.Messages(out.ConversationID)
	require.True(t, ok)
	require.Len(t, msgs, 6)
	for i := 1; i < len(msgs); i++ {
		require.True(t, msgs[i].Timestamp.After(msgs[i-1].Timestamp))
	}
}

func TestChat_ConcurrentRepliesStayPaired(t *testing.T) {
	const callers = 8
	f := newFixture(t, 1000)
	f.provider.echo = true
	ctx := context.Background()

	for round := 0; round < 25; round++ {
		id := f.sessions.Create()
		f.provider.gate = make(chan struct{})
		f.provider.arrived = make(chan struct{}, callers)

		var wg sync.WaitGroup
		errs := make(chan error, callers)
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := f.svc.Chat(ctx, ChatInput{ClientID: "c", ConversationID: id, Message: fmt.Sprintf("q%d", i)})
				errs <- err
			}(i)
		}
		for i := 0; i < callers; i++ {
			<-f.provider.arrived
		}
		close(f.provider.gate)
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		history := f.sessions.History(id, 100)
		require.Len(t, history, 6)
		for i := 0; i < len(history); i += 2 {
			require.Equal(t, session.RoleUser, history[i].Role, "round %d: %v", round, history)
			require.Equal(t, session.RoleAssistant, history[i+1].Role, "round %d: %v", round, history)
			require.Equal(t, "re:"+history[i].Content, history[i+1].Content, "round %d: %v", round, history)
		}
	}
}

func TestTranscriptAndStats(t *testing.T) {
	f := newFixture(t, 20)

	out, err := f.svc.Chat(context.Background(), ChatInput{ClientID: "c", Message: "hi", NewConversation: true})
	require.NoError(t, err)

	msgs, err := f.svc.Transcript(out.ConversationID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, session.RoleUser, msgs[0].Role)
	require.Equal(t, session.RoleAssistant, msgs[1].Role)

	_, err = f.svc.Transcript("3f1c2d4e-5a6b-4c7d-8e9f-0a1b2c3d4e5f")
	requireCode(t, err, errors.ErrNotFound)

	st := f.svc.Stats()
	require.Equal(t, 1, st.Conversations)
	require.Equal(t, 1, st.TrackedClients)
	require.Equal(t, 4, st.PromptTypes)
}
